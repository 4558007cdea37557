package platform

import (
	"fmt"
	"net"
)

// FreePort asks the kernel for an unused TCP port on the loopback interface.
// The listener is closed before returning, so the port is only known free
// at the time of the call.
func FreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("find free port: %w", err)
	}
	defer l.Close()

	return l.Addr().(*net.TCPAddr).Port, nil
}
