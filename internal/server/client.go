package server

import (
	"fmt"
	"io"
	"net"
	"time"
)

// Request performs one command-plane round trip: dial, send the argument
// list, read the full response, close. It is the client counterpart of
// handleConn and is what hubctl uses.
func Request(addr string, args []string, timeout time.Duration) (string, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return "", fmt.Errorf("server: dial %s: %w", addr, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(timeout))

	if _, err := conn.Write(formatRequest(args)); err != nil {
		return "", fmt.Errorf("server: send request: %w", err)
	}

	resp, err := io.ReadAll(conn)
	if err != nil {
		return "", fmt.Errorf("server: read response: %w", err)
	}
	return string(resp), nil
}
