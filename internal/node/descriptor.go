// Package node renders the shareable vmess links clients import to reach the
// proxy through the tunnel.
package node

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/edvin/argonode/internal/fileutil"
	"github.com/edvin/argonode/internal/proxy"
	"github.com/edvin/argonode/internal/store"
)

// Variant is one edge port a client may connect through.
type Variant struct {
	Port int
	TLS  bool
}

// Variants are the Cloudflare edge ports that forward to a tunnel, in the
// order links are written.
var Variants = []Variant{
	{443, true}, {8443, true}, {2053, true}, {2083, true}, {2087, true}, {2096, true},
	{80, false}, {8080, false}, {8880, false}, {2052, false}, {2082, false}, {2086, false}, {2095, false},
}

// vmessLink is the v2rayN share format. Struct fields keep the JSON key order
// fixed so identical input always yields identical links.
type vmessLink struct {
	V    string `json:"v"`
	PS   string `json:"ps"`
	Add  string `json:"add"`
	Port string `json:"port"`
	ID   string `json:"id"`
	Aid  string `json:"aid"`
	Scy  string `json:"scy"`
	Net  string `json:"net"`
	Type string `json:"type"`
	Host string `json:"host"`
	Path string `json:"path"`
	TLS  string `json:"tls"`
	SNI  string `json:"sni"`
	ALPN string `json:"alpn"`
	FP   string `json:"fp"`
}

// Name returns the display name of a link.
func Name(user string, v Variant) string {
	if v.TLS {
		return fmt.Sprintf("vmess-ws-tls-argo-%s-%d", user, v.Port)
	}
	return fmt.Sprintf("vmess-ws-argo-%s-%d", user, v.Port)
}

// Link encodes a single vmess share link for host.
func Link(rec store.Record, host string, v Variant) (string, error) {
	link := vmessLink{
		V:    "2",
		PS:   Name(rec.User, v),
		Add:  host,
		Port: strconv.Itoa(v.Port),
		ID:   rec.UUID,
		Aid:  "0",
		Scy:  "auto",
		Net:  "ws",
		Type: "none",
		Host: host,
		Path: fmt.Sprintf("%s?ed=%d", proxy.Path(rec.UUID), proxy.EarlyDataBytes),
	}
	if v.TLS {
		link.TLS = "tls"
		link.SNI = host
	}

	data, err := json.Marshal(link)
	if err != nil {
		return "", fmt.Errorf("marshal vmess link: %w", err)
	}
	return "vmess://" + base64.StdEncoding.EncodeToString(data), nil
}

// Build returns one link per variant for rec reached through host.
func Build(rec store.Record, host string) ([]string, error) {
	if host == "" {
		return nil, fmt.Errorf("build node list: empty hostname")
	}

	lines := make([]string, 0, len(Variants))
	for _, v := range Variants {
		link, err := Link(rec, host, v)
		if err != nil {
			return nil, err
		}
		lines = append(lines, link)
	}
	return lines, nil
}

// WriteList replaces the list file with lines and the subscription file with
// their base64 encoding. Both are caches and are rewritten wholesale.
func WriteList(listPath, subPath string, lines []string) error {
	list := strings.Join(lines, "\n") + "\n"
	if err := fileutil.WriteAtomic(listPath, []byte(list), 0o600); err != nil {
		return fmt.Errorf("write node list: %w", err)
	}

	sub := base64.StdEncoding.EncodeToString([]byte(list))
	if err := fileutil.WriteAtomic(subPath, []byte(sub+"\n"), 0o600); err != nil {
		return fmt.Errorf("write subscription: %w", err)
	}
	return nil
}
