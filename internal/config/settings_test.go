package config

import (
	"path/filepath"
	"testing"
	"time"
)

type staticAliasStore map[string]string

func (s staticAliasStore) Alias(uuid string) (string, error) {
	return s[uuid], nil
}

func TestLoadDefaults(t *testing.T) {
	settings, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if settings.HTTPPort != 32488 {
		t.Fatalf("http port = %d", settings.HTTPPort)
	}
	if settings.Product != "Plex DLNA Player" {
		t.Fatalf("product = %q", settings.Product)
	}
	if settings.Platform != "Linux" {
		t.Fatalf("platform = %q", settings.Platform)
	}
	if settings.NotifyInterval != 500*time.Millisecond {
		t.Fatalf("notify interval = %s", settings.NotifyInterval)
	}
	if settings.DataFileName != "data.ini" {
		t.Fatalf("data file name = %q", settings.DataFileName)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PLEX_DLNA_HTTP_PORT", "4000")
	t.Setenv("PLEX_DLNA_ALIASES", "uuid-a:Den")

	settings, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if settings.HTTPPort != 4000 {
		t.Fatalf("http port = %d, want env override", settings.HTTPPort)
	}
	if settings.Aliases != "uuid-a:Den" {
		t.Fatalf("aliases = %q", settings.Aliases)
	}
}

func TestDataFileJoinsConfigPath(t *testing.T) {
	settings := &Settings{ConfigPath: "config", DataFileName: "data.ini"}
	if got, want := settings.DataFile(), filepath.Join("config", "data.ini"); got != want {
		t.Fatalf("data file = %q, want %q", got, want)
	}
}

func TestAliasForPrefersStore(t *testing.T) {
	settings := &Settings{Aliases: "uuid-a:FromStatic"}
	store := staticAliasStore{"uuid-a": "FromStore"}

	if got := settings.AliasFor(store, "uuid-a", "Original", "10.0.0.5"); got != "FromStore" {
		t.Fatalf("alias = %q, want stored alias to win", got)
	}
}

func TestAliasForStaticTableMatchesUUIDNameOrIP(t *testing.T) {
	settings := &Settings{Aliases: "uuid-a:ByUUID,Living Room:ByName,10.0.0.7:ByIP"}

	cases := []struct {
		uuid, name, ip, want string
	}{
		{"uuid-a", "Original", "10.0.0.5", "ByUUID"},
		{"uuid-b", "Living Room", "10.0.0.5", "ByName"},
		{"uuid-b", "Original", "10.0.0.7", "ByIP"},
		{"uuid-b", "Original", "10.0.0.5", "Original"},
	}
	for _, tc := range cases {
		if got := settings.AliasFor(nil, tc.uuid, tc.name, tc.ip); got != tc.want {
			t.Fatalf("AliasFor(%q, %q, %q) = %q, want %q", tc.uuid, tc.name, tc.ip, got, tc.want)
		}
	}
}

func TestAliasForFallsBackToName(t *testing.T) {
	settings := &Settings{}
	if got := settings.AliasFor(nil, "uuid-a", "Original", "10.0.0.5"); got != "Original" {
		t.Fatalf("alias = %q, want original name", got)
	}
}

func TestSetHostIPPinsAddress(t *testing.T) {
	settings := &Settings{}
	settings.SetHostIP("10.0.0.2")
	if got := settings.HostIP(); got != "10.0.0.2" {
		t.Fatalf("host ip = %q, want pinned address", got)
	}
}
