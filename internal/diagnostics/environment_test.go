package diagnostics

import (
	"errors"
	"net"
	"path/filepath"
	"testing"
)

func TestDetectEnvironmentReady(t *testing.T) {
	dataFile := filepath.Join(t.TempDir(), "config", "data.ini")

	report := DetectEnvironment("10.0.0.2", dataFile, "127.0.0.1:0")

	if !report.HostIP.Resolved || report.HostIP.IP != "10.0.0.2" {
		t.Fatalf("host ip status = %+v", report.HostIP)
	}
	if !report.DataStore.Writable {
		t.Fatalf("data store status = %+v", report.DataStore)
	}
	if !report.SSDPSocket.Bindable {
		t.Fatalf("ssdp socket status = %+v", report.SSDPSocket)
	}
	if !report.AllReady {
		t.Fatal("expected all_ready")
	}
}

func TestDetectEnvironmentMissingHostIPDoesNotFailReadiness(t *testing.T) {
	dataFile := filepath.Join(t.TempDir(), "data.ini")

	report := DetectEnvironment("", dataFile, "127.0.0.1:0")

	if report.HostIP.Resolved {
		t.Fatalf("host ip status = %+v", report.HostIP)
	}
	if !report.AllReady {
		t.Fatal("missing host ip must not fail readiness")
	}
}

func TestDetectEnvironmentSocketFailure(t *testing.T) {
	orig := listenPacket
	t.Cleanup(func() { listenPacket = orig })
	listenPacket = func(network, address string) (net.PacketConn, error) {
		return nil, errors.New("address already in use")
	}

	report := DetectEnvironment("10.0.0.2", filepath.Join(t.TempDir(), "data.ini"), ":1900")

	if report.SSDPSocket.Bindable {
		t.Fatalf("ssdp socket status = %+v", report.SSDPSocket)
	}
	if report.SSDPSocket.Error == "" {
		t.Fatal("expected bind error to be reported")
	}
	if report.AllReady {
		t.Fatal("bind failure must fail readiness")
	}
}
