package tunnel

import (
	"fmt"

	"github.com/edvin/argonode/internal/store"
)

// TokenEnv is read by `cloudflared tunnel run` in place of --token, which
// keeps the secret out of the process list.
const TokenEnv = "TUNNEL_TOKEN"

// Command returns the cloudflared arguments and extra environment for rec.
// Without a token an ephemeral tunnel is opened to the local proxy port;
// with one the named tunnel's remote configuration decides the routing.
func Command(rec store.Record) (args []string, env []string) {
	args = []string{"tunnel", "--no-autoupdate", "--edge-ip-version", "auto", "--protocol", "http2"}
	if rec.Token == "" {
		return append(args, "--url", fmt.Sprintf("http://localhost:%d", rec.Port)), nil
	}
	return append(args, "run"), []string{TokenEnv + "=" + rec.Token}
}
