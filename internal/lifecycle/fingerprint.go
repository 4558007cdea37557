package lifecycle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/edvin/argonode/internal/fileutil"
	"github.com/edvin/argonode/internal/supervisor"
)

// fingerprint identifies the invocation a process is started with: binary,
// arguments, extra environment and the content of the config file it reads.
// Only the digest is stored, so a token passed in the environment never
// reaches the disk in clear.
func fingerprint(spec supervisor.Spec, config []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "bin=%s\x00", spec.Binary)
	for _, a := range spec.Args {
		fmt.Fprintf(h, "arg=%s\x00", a)
	}
	for _, e := range spec.Env {
		fmt.Fprintf(h, "env=%s\x00", e)
	}
	h.Write(config)
	return hex.EncodeToString(h.Sum(nil))
}

// readFingerprint returns the stored fingerprint, or "" when there is none.
func readFingerprint(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func writeFingerprint(path, fp string) error {
	if err := fileutil.WriteAtomic(path, []byte(fp+"\n"), 0o600); err != nil {
		return fmt.Errorf("write run state: %w", err)
	}
	return nil
}
