package fetch

import (
	"archive/tar"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/argonode/internal/config"
)

func tarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o755, Size: int64(len(body)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func testFetcher(artifacts []Artifact) *HTTPFetcher {
	f := newHTTPFetcher(zerolog.Nop(), artifacts)
	f.backoff = time.Millisecond
	return f
}

func TestEnsure_DownloadsAndExtracts(t *testing.T) {
	archive := tarball(t, map[string]string{
		"sing-box-1.11.4-linux-amd64/LICENSE":  "license",
		"sing-box-1.11.4-linux-amd64/sing-box": "#!/bin/sh\necho sing-box\n",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sing-box.tar.gz":
			w.Write(archive)
		case "/cloudflared":
			w.Write([]byte("#!/bin/sh\necho cloudflared\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := testFetcher([]Artifact{
		{Name: "sing-box", URL: srv.URL + "/sing-box.tar.gz", Dest: filepath.Join(dir, "bin", "sing-box"), Member: "sing-box"},
		{Name: "cloudflared", URL: srv.URL + "/cloudflared", Dest: filepath.Join(dir, "bin", "cloudflared")},
	})

	require.NoError(t, f.Ensure(context.Background(), false))

	data, err := os.ReadFile(filepath.Join(dir, "bin", "sing-box"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho sing-box\n", string(data))
	assert.True(t, executable(filepath.Join(dir, "bin", "sing-box")))
	assert.True(t, executable(filepath.Join(dir, "bin", "cloudflared")))
}

func TestEnsure_SkipsInstalledUnlessForced(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("new"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "cloudflared")
	require.NoError(t, os.WriteFile(dest, []byte("old"), 0o755))
	f := testFetcher([]Artifact{{Name: "cloudflared", URL: srv.URL, Dest: dest}})

	require.NoError(t, f.Ensure(context.Background(), false))
	assert.Equal(t, int32(0), hits.Load())

	require.NoError(t, f.Ensure(context.Background(), true))
	assert.Equal(t, int32(1), hits.Load())
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestEnsure_RetriesTransientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "cloudflared")
	f := testFetcher([]Artifact{{Name: "cloudflared", URL: srv.URL, Dest: dest}})

	require.NoError(t, f.Ensure(context.Background(), false))
	assert.Equal(t, int32(3), hits.Load())
}

func TestEnsure_PermanentErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "cloudflared")
	require.NoError(t, os.WriteFile(dest, []byte("old"), 0o755))
	f := testFetcher([]Artifact{{Name: "cloudflared", URL: srv.URL, Dest: dest}})

	err := f.Ensure(context.Background(), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, int32(1), hits.Load())

	// The installed copy is untouched.
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}

func TestEnsure_ArchiveWithoutMember(t *testing.T) {
	archive := tarball(t, map[string]string{"README.md": "hi"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "sing-box")
	f := testFetcher([]Artifact{{Name: "sing-box", URL: srv.URL, Dest: dest, Member: "sing-box"}})

	err := f.Ensure(context.Background(), false)
	require.Error(t, err)
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestArtifacts(t *testing.T) {
	cfg := config.New("/home/u/.agsb")
	cfg.SingBoxVersion = "1.11.4"

	artifacts, err := Artifacts(cfg, "arm")
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
	assert.Equal(t, "https://github.com/SagerNet/sing-box/releases/download/v1.11.4/sing-box-1.11.4-linux-armv7.tar.gz", artifacts[0].URL)
	assert.Equal(t, cfg.ProxyBinary, artifacts[0].Dest)
	assert.Equal(t, "https://github.com/cloudflare/cloudflared/releases/latest/download/cloudflared-linux-arm", artifacts[1].URL)
	assert.Equal(t, cfg.TunnelBinary, artifacts[1].Dest)

	_, err = Artifacts(cfg, "mips")
	assert.Error(t, err)
}

func TestNewHTTPFetcher_CABundle(t *testing.T) {
	cfg := config.New(t.TempDir())
	fetcher, err := NewHTTPFetcher(zerolog.Nop(), cfg)
	require.NoError(t, err)
	assert.Nil(t, fetcher.client.Transport)

	cfg.CAFile = filepath.Join(t.TempDir(), "missing.pem")
	_, err = NewHTTPFetcher(zerolog.Nop(), cfg)
	assert.Error(t, err)
}
