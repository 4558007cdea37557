package node

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/argonode/internal/store"
)

var testRecord = store.Record{
	User: "alice",
	UUID: "2f1c6a8e-3b4d-4e5f-8a9b-0c1d2e3f4a5b",
	Port: 23456,
}

func decode(t *testing.T, link string) map[string]string {
	t.Helper()
	require.True(t, strings.HasPrefix(link, "vmess://"))
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(link, "vmess://"))
	require.NoError(t, err)
	var out map[string]string
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestBuild_Deterministic(t *testing.T) {
	a, err := Build(testRecord, "h.example.com")
	require.NoError(t, err)
	b, err := Build(testRecord, "h.example.com")
	require.NoError(t, err)

	assert.Equal(t, strings.Join(a, "\n"), strings.Join(b, "\n"))
}

func TestBuild_OneLinePerVariant(t *testing.T) {
	lines, err := Build(testRecord, "h.example.com")
	require.NoError(t, err)
	require.Len(t, lines, len(Variants))

	first := decode(t, lines[0])
	assert.Equal(t, "vmess-ws-tls-argo-alice-443", first["ps"])
	assert.Equal(t, "443", first["port"])
	assert.Equal(t, "tls", first["tls"])
	assert.Equal(t, "h.example.com", first["sni"])

	last := decode(t, lines[len(lines)-1])
	assert.Equal(t, "vmess-ws-argo-alice-2095", last["ps"])
	assert.Equal(t, "", last["tls"])
	assert.Equal(t, "", last["sni"])
}

func TestLink_Fields(t *testing.T) {
	link, err := Link(testRecord, "h.example.com", Variant{Port: 8443, TLS: true})
	require.NoError(t, err)

	got := decode(t, link)
	assert.Equal(t, map[string]string{
		"v":    "2",
		"ps":   "vmess-ws-tls-argo-alice-8443",
		"add":  "h.example.com",
		"port": "8443",
		"id":   "2f1c6a8e-3b4d-4e5f-8a9b-0c1d2e3f4a5b",
		"aid":  "0",
		"scy":  "auto",
		"net":  "ws",
		"type": "none",
		"host": "h.example.com",
		"path": "/2f1c6a8e-3b4d-4e5f-8a9b-0c1d2e3f4a5b-vm?ed=2048",
		"tls":  "tls",
		"sni":  "h.example.com",
		"alpn": "",
		"fp":   "",
	}, got)
}

func TestLink_KeyOrder(t *testing.T) {
	link, err := Link(testRecord, "h.example.com", Variant{Port: 80})
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(link, "vmess://"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), `{"v":"2","ps":"vmess-ws-argo-alice-80","add":"h.example.com"`))
}

func TestBuild_EmptyHost(t *testing.T) {
	_, err := Build(testRecord, "")
	assert.Error(t, err)
}

func TestWriteList_Replaces(t *testing.T) {
	dir := t.TempDir()
	listPath := filepath.Join(dir, "list.txt")
	subPath := filepath.Join(dir, "sub.txt")

	require.NoError(t, WriteList(listPath, subPath, []string{"vmess://old1", "vmess://old2"}))
	require.NoError(t, WriteList(listPath, subPath, []string{"vmess://new"}))

	list, err := os.ReadFile(listPath)
	require.NoError(t, err)
	assert.Equal(t, "vmess://new\n", string(list))

	sub, err := os.ReadFile(subPath)
	require.NoError(t, err)
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(sub)))
	require.NoError(t, err)
	assert.Equal(t, string(list), string(decoded))
}
