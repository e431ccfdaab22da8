// Package config holds the runtime settings and the persisted per-device
// alias/token store.
package config

import (
	"net"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "PLEX_DLNA"

// Settings carries the process-wide configuration, loaded once at startup.
type Settings struct {
	HTTPPort        int
	Product         string
	Version         string
	Platform        string
	PlatformVersion string
	Aliases         string
	LocationURL     string
	NotifyInterval  time.Duration
	ConfigPath      string
	DataFileName    string

	hostIPOnce sync.Once
	hostIP     string
}

// Load builds Settings from defaults, an optional config file under configPath
// and PLEX_DLNA_* environment variables.
func Load(configPath string) (*Settings, error) {
	v := viper.New()
	v.SetConfigName("plex-dlna-player")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http_port", 32488)
	v.SetDefault("product", "Plex DLNA Player")
	v.SetDefault("version", "1")
	v.SetDefault("platform", "Linux")
	v.SetDefault("platform_version", "1")
	v.SetDefault("aliases", "")
	v.SetDefault("location_url", "")
	v.SetDefault("host_ip", "")
	v.SetDefault("plex_notify_interval", 500*time.Millisecond)
	v.SetDefault("config_path", "config")
	v.SetDefault("data_file_name", "data.ini")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	settings := &Settings{
		HTTPPort:        v.GetInt("http_port"),
		Product:         v.GetString("product"),
		Version:         v.GetString("version"),
		Platform:        v.GetString("platform"),
		PlatformVersion: v.GetString("platform_version"),
		Aliases:         v.GetString("aliases"),
		LocationURL:     v.GetString("location_url"),
		NotifyInterval:  v.GetDuration("plex_notify_interval"),
		ConfigPath:      v.GetString("config_path"),
		DataFileName:    v.GetString("data_file_name"),
	}
	if ip := v.GetString("host_ip"); ip != "" {
		settings.SetHostIP(ip)
	}
	return settings, nil
}

// DataFile is the path of the persisted alias/token store.
func (s *Settings) DataFile() string {
	return filepath.Join(s.ConfigPath, s.DataFileName)
}

var resolveHostIP = defaultResolveHostIP

// HostIP returns the LAN address remote devices can reach us on. Resolved once
// and cached; empty when no route is available, which disables eventing.
func (s *Settings) HostIP() string {
	s.hostIPOnce.Do(func() {
		s.hostIP = resolveHostIP()
	})
	return s.hostIP
}

// SetHostIP pins the advertised address, bypassing route-based resolution.
func (s *Settings) SetHostIP(ip string) {
	s.hostIPOnce.Do(func() {})
	s.hostIP = ip
}

func defaultResolveHostIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return addr.IP.String()
}

// AliasFor resolves a device display name: a stored alias wins, then the
// static aliases table matched against uuid, name or ip, then the original
// device name.
func (s *Settings) AliasFor(store AliasStore, uuid, name, ip string) string {
	if store != nil {
		if alias, err := store.Alias(uuid); err == nil && alias != "" {
			return alias
		}
	}
	if s.Aliases == "" {
		return name
	}

	for _, pair := range strings.Split(s.Aliases, ",") {
		k, v, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case strings.TrimSpace(uuid), strings.TrimSpace(name), strings.TrimSpace(ip):
			return strings.TrimSpace(v)
		}
	}
	return name
}

// AliasStore is the subset of the persisted store used for name resolution.
type AliasStore interface {
	Alias(uuid string) (string, error)
}
