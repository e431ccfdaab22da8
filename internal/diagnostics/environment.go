// Package diagnostics probes the runtime environment for the self-test mode:
// whether a LAN address is available for eventing callbacks, whether the
// alias/token store is writable and whether the SSDP port can be bound.
package diagnostics

import (
	"net"
	"os"
	"path/filepath"
)

var listenPacket = net.ListenPacket

type AddressStatus struct {
	Resolved bool   `json:"resolved"`
	IP       string `json:"ip,omitempty"`
}

type StoreStatus struct {
	Writable bool   `json:"writable"`
	Path     string `json:"path"`
	Error    string `json:"error,omitempty"`
}

type SocketStatus struct {
	Bindable bool   `json:"bindable"`
	Address  string `json:"address"`
	Error    string `json:"error,omitempty"`
}

type EnvironmentReport struct {
	HostIP     AddressStatus `json:"host_ip"`
	DataStore  StoreStatus   `json:"data_store"`
	SSDPSocket SocketStatus  `json:"ssdp_socket"`
	AllReady   bool          `json:"all_ready"`
}

// DetectEnvironment probes everything the bridge needs at startup. A missing
// host address is reported but does not fail readiness; it only disables
// device eventing.
func DetectEnvironment(hostIP, dataFile, ssdpBindAddr string) EnvironmentReport {
	report := EnvironmentReport{
		HostIP:     AddressStatus{Resolved: hostIP != "", IP: hostIP},
		DataStore:  probeStore(dataFile),
		SSDPSocket: probeSocket(ssdpBindAddr),
	}
	report.AllReady = report.DataStore.Writable && report.SSDPSocket.Bindable
	return report
}

func probeStore(path string) StoreStatus {
	status := StoreStatus{Path: path}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		status.Error = err.Error()
		return status
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	f.Close()
	status.Writable = true
	return status
}

func probeSocket(addr string) SocketStatus {
	status := SocketStatus{Address: addr}
	conn, err := listenPacket("udp4", addr)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	conn.Close()
	status.Bindable = true
	return status
}
