// Package fetch downloads the two managed executables into the install
// directory.
package fetch

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/edvin/argonode/internal/config"
)

// Fetcher installs the managed binaries.
type Fetcher interface {
	// Ensure downloads any missing binary. With force every binary is
	// downloaded again, replacing the installed copy.
	Ensure(ctx context.Context, force bool) error
}

// Artifact is one downloadable executable.
type Artifact struct {
	Name string
	URL  string
	Dest string
	// Member is the base name of the executable inside a .tar.gz archive.
	// Empty means the URL serves the executable itself.
	Member string
}

// Artifacts returns the sing-box and cloudflared downloads for goarch.
func Artifacts(cfg *config.Config, goarch string) ([]Artifact, error) {
	var sbArch, cfArch string
	switch goarch {
	case "amd64":
		sbArch, cfArch = "amd64", "amd64"
	case "arm64":
		sbArch, cfArch = "arm64", "arm64"
	case "arm":
		sbArch, cfArch = "armv7", "arm"
	case "386":
		sbArch, cfArch = "386", "386"
	default:
		return nil, fmt.Errorf("unsupported architecture %q", goarch)
	}

	v := cfg.SingBoxVersion
	return []Artifact{
		{
			Name:   "sing-box",
			URL:    fmt.Sprintf("https://github.com/SagerNet/sing-box/releases/download/v%s/sing-box-%s-linux-%s.tar.gz", v, v, sbArch),
			Dest:   cfg.ProxyBinary,
			Member: "sing-box",
		},
		{
			Name: "cloudflared",
			URL:  fmt.Sprintf("https://github.com/cloudflare/cloudflared/releases/latest/download/cloudflared-linux-%s", cfArch),
			Dest: cfg.TunnelBinary,
		},
	}, nil
}

// HTTPFetcher downloads artifacts over HTTP(S), retrying transient failures.
type HTTPFetcher struct {
	logger    zerolog.Logger
	client    *http.Client
	artifacts []Artifact
	attempts  int
	backoff   time.Duration
}

func NewHTTPFetcher(logger zerolog.Logger, cfg *config.Config) (*HTTPFetcher, error) {
	artifacts, err := Artifacts(cfg, runtime.GOARCH)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := cfg.DownloadTLS()
	if err != nil {
		return nil, err
	}

	f := newHTTPFetcher(logger, artifacts)
	if tlsCfg != nil {
		f.client.Transport = &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: tlsCfg,
		}
	}
	return f, nil
}

func newHTTPFetcher(logger zerolog.Logger, artifacts []Artifact) *HTTPFetcher {
	return &HTTPFetcher{
		logger:    logger.With().Str("component", "fetch").Logger(),
		client:    &http.Client{Timeout: 5 * time.Minute},
		artifacts: artifacts,
		attempts:  3,
		backoff:   2 * time.Second,
	}
}

func (f *HTTPFetcher) Ensure(ctx context.Context, force bool) error {
	for _, a := range f.artifacts {
		if !force && executable(a.Dest) {
			f.logger.Debug().Str("artifact", a.Name).Str("path", a.Dest).Msg("already installed")
			continue
		}
		if err := f.install(ctx, a); err != nil {
			return fmt.Errorf("install %s: %w", a.Name, err)
		}
	}
	return nil
}

func executable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0o100 != 0
}

// permanentError marks a failure retrying cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

func (f *HTTPFetcher) install(ctx context.Context, a Artifact) error {
	dir := filepath.Dir(a.Dest)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	var err error
	for attempt := 1; attempt <= f.attempts; attempt++ {
		err = f.download(ctx, a)
		if err == nil {
			f.logger.Info().Str("artifact", a.Name).Str("path", a.Dest).Msg("installed")
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) || ctx.Err() != nil || attempt == f.attempts {
			break
		}

		f.logger.Warn().Err(err).Str("artifact", a.Name).Int("attempt", attempt).Msg("download failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.backoff * time.Duration(attempt)):
		}
	}
	return err
}

func (f *HTTPFetcher) download(ctx context.Context, a Artifact) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return permanentError{fmt.Errorf("build request: %w", err)}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", a.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("GET %s: unexpected status %s", a.URL, resp.Status)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return err
		}
		return permanentError{err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(a.Dest), "."+filepath.Base(a.Dest)+".*.download")
	if err != nil {
		return permanentError{fmt.Errorf("create temporary file: %w", err)}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	var body io.Reader = resp.Body
	if a.Member != "" {
		body, err = tarMember(resp.Body, a.Member)
		if err != nil {
			tmp.Close()
			return err
		}
	}

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", a.Name, err)
	}
	if err := tmp.Chmod(0o755); err != nil {
		tmp.Close()
		return permanentError{fmt.Errorf("chmod %s: %w", a.Name, err)}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", a.Name, err)
	}

	// Rename keeps a running process on the old inode intact.
	if err := os.Rename(tmpPath, a.Dest); err != nil {
		return permanentError{fmt.Errorf("install %s: %w", a.Dest, err)}
	}
	return nil
}

// tarMember returns a reader positioned at the regular file whose base name
// is member inside a gzip-compressed tar stream.
func tarMember(r io.Reader, member string) (io.Reader, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, permanentError{fmt.Errorf("archive has no %q", member)}
		}
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}
		if hdr.Typeflag == tar.TypeReg && filepath.Base(hdr.Name) == member {
			return tr, nil
		}
	}
}
