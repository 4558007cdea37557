// Package tunnel drives the cloudflared tunnel client: it builds its command
// line and recovers the public hostname an ephemeral tunnel is assigned from
// the client's log output.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/rs/zerolog"
)

// ErrHostnameTimeout is returned when no assigned hostname shows up in the
// tunnel log before the deadline. The tunnel itself may still be running.
var ErrHostnameTimeout = errors.New("tunnel hostname not found in log")

// The log line is third-party output and may change between cloudflared
// releases. Bump PatternVersion whenever quickTunnelPattern changes and add
// the new sample to testdata.
const PatternVersion = "quick-tunnel/v1"

// cloudflared prints the assigned URL inside a banner, e.g.
//
//	INF |  https://brave-lion-tiger-river.trycloudflare.com                  |
var quickTunnelPattern = regexp.MustCompile(`https://[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.trycloudflare\.com\b`)

// reservedHosts are trycloudflare.com names cloudflared itself talks to. They
// show up in error lines and are never an assigned hostname.
var reservedHosts = map[string]bool{
	"api.trycloudflare.com": true,
}

// DefaultInterval is how often Resolve re-reads the log.
const DefaultInterval = time.Second

type Extractor struct {
	logger   zerolog.Logger
	pattern  *regexp.Regexp
	Interval time.Duration
}

func NewExtractor(logger zerolog.Logger) *Extractor {
	return &Extractor{
		logger: logger.With().
			Str("component", "extractor").
			Str("pattern", PatternVersion).
			Logger(),
		pattern:  quickTunnelPattern,
		Interval: DefaultInterval,
	}
}

// Match returns the host of the first assigned-hostname URL in content.
func (e *Extractor) Match(content []byte) (string, bool) {
	for _, raw := range e.pattern.FindAll(content, -1) {
		u, err := url.Parse(string(raw))
		if err != nil || u.Hostname() == "" || reservedHosts[u.Hostname()] {
			continue
		}
		return u.Hostname(), true
	}
	return "", false
}

// Resolve polls the log at path until it contains an assigned hostname, the
// timeout elapses or ctx is cancelled. A log that does not exist yet counts
// as "not found yet".
func (e *Extractor) Resolve(ctx context.Context, path string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if host, ok := e.Match(data); ok {
				e.logger.Info().Str("host", host).Int("attempts", attempt).Msg("tunnel hostname resolved")
				return host, nil
			}
		case os.IsNotExist(err):
			// Process still starting.
		default:
			return "", fmt.Errorf("read tunnel log %s: %w", path, err)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("%w after %s (log %s)", ErrHostnameTimeout, timeout, path)
			}
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}
