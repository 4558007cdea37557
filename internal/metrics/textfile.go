package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
)

// RoleState is the per-role snapshot exported to the textfile.
type RoleState struct {
	Role    string
	PID     int
	Running bool
}

// Snapshot is everything argonode knows after an action.
type Snapshot struct {
	Roles []RoleState
	// Links is the number of node links currently in the list file.
	Links int
	// Ephemeral is true when the hostname comes from the tunnel log.
	Ephemeral bool
}

// WriteTextfile writes snap to path in the Prometheus text format, suitable
// for node_exporter's textfile collector. Each call uses a fresh registry so
// a role that disappeared does not linger.
func WriteTextfile(path string, snap Snapshot) error {
	reg := prometheus.NewRegistry()

	up := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "argonode_process_up",
		Help: "Whether the managed process for a role is running (1) or not (0)",
	}, []string{"role"})
	pid := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "argonode_process_pid",
		Help: "Process id of the managed process for a role, 0 when not running",
	}, []string{"role"})
	links := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "argonode_node_links",
		Help: "Number of node links in the list file",
	})
	ephemeral := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "argonode_tunnel_ephemeral",
		Help: "Whether the tunnel uses an ephemeral hostname (1) or a fixed domain (0)",
	})
	reg.MustRegister(up, pid, links, ephemeral)

	for _, r := range snap.Roles {
		if r.Running {
			up.WithLabelValues(r.Role).Set(1)
			pid.WithLabelValues(r.Role).Set(float64(r.PID))
		} else {
			up.WithLabelValues(r.Role).Set(0)
			pid.WithLabelValues(r.Role).Set(0)
		}
	}
	links.Set(float64(snap.Links))
	if snap.Ephemeral {
		ephemeral.Set(1)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	// WriteToTextfile writes a temporary file and renames it into place.
	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	return nil
}
