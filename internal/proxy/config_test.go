package proxy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/argonode/internal/store"
)

func TestRender(t *testing.T) {
	rec := store.Record{User: "alice", UUID: "2f1c6a8e-3b4d-4e5f-8a9b-0c1d2e3f4a5b", Port: 23456}

	data, err := Render(rec)
	require.NoError(t, err)

	var cfg map[string]any
	require.NoError(t, json.Unmarshal(data, &cfg))

	inbounds := cfg["inbounds"].([]any)
	require.Len(t, inbounds, 1)
	in := inbounds[0].(map[string]any)
	assert.Equal(t, "vmess", in["type"])
	assert.Equal(t, "127.0.0.1", in["listen"])
	assert.Equal(t, float64(23456), in["listen_port"])

	users := in["users"].([]any)
	assert.Equal(t, rec.UUID, users[0].(map[string]any)["uuid"])

	tr := in["transport"].(map[string]any)
	assert.Equal(t, "ws", tr["type"])
	assert.Equal(t, "/2f1c6a8e-3b4d-4e5f-8a9b-0c1d2e3f4a5b-vm", tr["path"])
	assert.Equal(t, float64(EarlyDataBytes), tr["max_early_data"])
}

func TestRender_Deterministic(t *testing.T) {
	rec := store.Record{UUID: "2f1c6a8e-3b4d-4e5f-8a9b-0c1d2e3f4a5b", Port: 23456}
	a, err := Render(rec)
	require.NoError(t, err)
	b, err := Render(rec)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRender_RequiresPortAndUUID(t *testing.T) {
	_, err := Render(store.Record{UUID: "2f1c6a8e-3b4d-4e5f-8a9b-0c1d2e3f4a5b"})
	assert.Error(t, err)
	_, err = Render(store.Record{Port: 23456})
	assert.Error(t, err)
}

func TestArgs(t *testing.T) {
	assert.Equal(t, []string{"run", "-c", "/home/u/.agsb/sb.json"}, Args("/home/u/.agsb/sb.json"))
}
