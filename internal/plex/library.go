package plex

import (
	"fmt"
	"net/url"
	"strings"
)

// Library addresses one Plex media server on behalf of one device.
type Library struct {
	Protocol string
	Address  string
	Port     int
	Token    string
}

// BuildURL resolves a server-relative key (which may carry its own query)
// against the library base and appends the access token.
func (l Library) BuildURL(key string) string {
	base := fmt.Sprintf("%s://%s:%d", l.Protocol, l.Address, l.Port)
	if !strings.HasPrefix(key, "/") {
		key = "/" + key
	}

	sep := "?"
	if strings.Contains(key, "?") {
		sep = "&"
	}
	if l.Token == "" {
		return base + key
	}
	return base + key + sep + "X-Plex-Token=" + url.QueryEscape(l.Token)
}

// TimelineURL is the server endpoint receiving playback progress reports.
func (l Library) TimelineURL() string {
	return l.BuildURL("/:/timeline")
}

// LibraryFromURL splits a full navigable URL into a Library plus the
// server-relative container key, stripping the token from the key.
func LibraryFromURL(raw string) (Library, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Library{}, "", fmt.Errorf("parse container url: %w", err)
	}
	if u.Scheme == "" || u.Hostname() == "" {
		return Library{}, "", fmt.Errorf("container url %q has no scheme or host", raw)
	}

	port := 32400
	if p := u.Port(); p != "" {
		if _, err := fmt.Sscanf(p, "%d", &port); err != nil {
			return Library{}, "", fmt.Errorf("container url port %q: %w", p, err)
		}
	}

	query := u.Query()
	token := query.Get("X-Plex-Token")
	query.Del("X-Plex-Token")

	key := u.Path
	if encoded := query.Encode(); encoded != "" {
		key += "?" + encoded
	}

	return Library{
		Protocol: u.Scheme,
		Address:  u.Hostname(),
		Port:     port,
		Token:    token,
	}, key, nil
}
