package commands

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/meshcitadel/meshcitadel/internal/server"
)

// requestTimeout bounds one admin round trip. Radio sends can take a
// while: chunked messages wait for per-chunk ACKs.
const requestTimeout = 2 * time.Minute

// errDaemonError wraps an error reported by the daemon.
var errDaemonError = errors.New("daemon error")

// roundTrip sends one request frame over the admin socket and returns
// the decoded response. Each invocation opens its own connection; the
// daemon expires any connection-scoped session on close.
func roundTrip(req server.Request) (*server.Response, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to %s (is citadeld running?): %w", socketPath, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(requestTimeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp server.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// call performs roundTrip and converts a daemon-side failure into an
// error for commands that have no partial output to show.
func call(req server.Request) (*server.Response, error) {
	resp, err := roundTrip(req)
	if err != nil {
		return nil, err
	}
	if !resp.OK && resp.Error != "" && len(resp.Lines) == 0 {
		return nil, fmt.Errorf("%w: %s", errDaemonError, resp.Error)
	}
	return resp, nil
}

// decodeData re-marshals the response's untyped Data into v.
func decodeData(resp *server.Response, v any) error {
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return fmt.Errorf("re-encode response data: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}
