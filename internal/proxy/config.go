// Package proxy renders the configuration and command line of the sing-box
// proxy server. The proxy only listens on loopback; the tunnel is its sole
// ingress.
package proxy

import (
	"encoding/json"
	"fmt"

	"github.com/edvin/argonode/internal/store"
)

// EarlyDataBytes is the WebSocket early-data budget advertised to clients in
// the path query (?ed=2048) and accepted by the inbound.
const EarlyDataBytes = 2048

// Path returns the WebSocket path the vmess inbound serves on.
func Path(uuid string) string {
	return "/" + uuid + "-vm"
}

type config struct {
	Log       logConfig  `json:"log"`
	Inbounds  []inbound  `json:"inbounds"`
	Outbounds []outbound `json:"outbounds"`
}

type logConfig struct {
	Disabled  bool   `json:"disabled"`
	Level     string `json:"level"`
	Timestamp bool   `json:"timestamp"`
}

type inbound struct {
	Type       string    `json:"type"`
	Tag        string    `json:"tag"`
	Listen     string    `json:"listen"`
	ListenPort int       `json:"listen_port"`
	Users      []user    `json:"users"`
	Transport  transport `json:"transport"`
}

type user struct {
	UUID    string `json:"uuid"`
	AlterID int    `json:"alterId"`
}

type transport struct {
	Type                string `json:"type"`
	Path                string `json:"path"`
	MaxEarlyData        int    `json:"max_early_data"`
	EarlyDataHeaderName string `json:"early_data_header_name"`
}

type outbound struct {
	Type string `json:"type"`
	Tag  string `json:"tag"`
}

// Render returns the sing-box JSON configuration for rec.
func Render(rec store.Record) ([]byte, error) {
	if rec.Port <= 0 || rec.UUID == "" {
		return nil, fmt.Errorf("render proxy config: port and uuid are required")
	}

	cfg := config{
		Log: logConfig{Level: "info", Timestamp: true},
		Inbounds: []inbound{{
			Type:       "vmess",
			Tag:        "vmess-in",
			Listen:     "127.0.0.1",
			ListenPort: rec.Port,
			Users:      []user{{UUID: rec.UUID}},
			Transport: transport{
				Type:                "ws",
				Path:                Path(rec.UUID),
				MaxEarlyData:        EarlyDataBytes,
				EarlyDataHeaderName: "Sec-WebSocket-Protocol",
			},
		}},
		Outbounds: []outbound{{Type: "direct", Tag: "direct"}},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal proxy config: %w", err)
	}
	return append(data, '\n'), nil
}

// Args returns the sing-box command line for a config file.
func Args(configPath string) []string {
	return []string{"run", "-c", configPath}
}
