// Package qmp is a minimal QEMU Machine Protocol client: a local unix
// socket carrying one JSON command object per request and one JSON
// response per reply, preceded by a greeting/capabilities handshake.
package qmp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrProtocol marks any control-protocol failure: connection errors,
// malformed responses, command errors, and timeouts. A hung hypervisor
// must never hang the caller, so every call carries a deadline.
var ErrProtocol = errors.New("QMP protocol error")

const DefaultTimeout = 5 * time.Second

// Monitor is the control-protocol surface consumed by the operator.
// The real implementation talks to a QEMU monitor socket; the dry-run
// operator substitutes an in-memory one.
type Monitor interface {
	Execute(ctx context.Context, command string, args map[string]any) (json.RawMessage, error)
}

// Client is a Monitor over a QMP unix socket. Each Execute dials a
// fresh connection and performs the capability handshake before the
// command — QEMU requires qmp_capabilities once per connection.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// compile-time interface check.
var _ Monitor = (*Client)(nil)

// NewClient creates a Client for the given socket. A non-positive
// timeout falls back to DefaultTimeout.
func NewClient(socketPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{socketPath: socketPath, timeout: timeout}
}

// message is the wire shape of everything QEMU writes on the monitor
// socket: greetings, command responses, and async events.
type message struct {
	QMP    json.RawMessage `json:"QMP,omitempty"`
	Return json.RawMessage `json:"return,omitempty"`
	Error  *CommandError   `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
}

// CommandError is the error member of a QMP response.
type CommandError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Desc)
}

// Execute sends one command and returns its return member.
// Any failure (dial, handshake, malformed JSON, an error member in the
// response, or the deadline firing) wraps ErrProtocol.
func (c *Client) Execute(ctx context.Context, command string, args map[string]any) (json.RawMessage, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrProtocol, c.socketPath, err)
	}
	defer conn.Close() //nolint:errcheck

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: set deadline: %v", ErrProtocol, err)
	}

	r := bufio.NewReader(conn)

	// Greeting: QEMU speaks first.
	greeting, err := readMessage(r)
	if err != nil {
		return nil, err
	}
	if greeting.QMP == nil {
		return nil, fmt.Errorf("%w: no QMP greeting from %s", ErrProtocol, c.socketPath)
	}

	// Capability handshake: required before any other command.
	if err := writeCommand(conn, "qmp_capabilities", nil); err != nil {
		return nil, err
	}
	if _, err := readResponse(r); err != nil {
		return nil, fmt.Errorf("capabilities: %w", err)
	}

	if err := writeCommand(conn, command, args); err != nil {
		return nil, err
	}
	ret, err := readResponse(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", command, err)
	}
	return ret, nil
}

func writeCommand(conn net.Conn, command string, args map[string]any) error {
	cmd := map[string]any{"execute": command}
	if len(args) > 0 {
		cmd["arguments"] = args
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrProtocol, command, err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: send %s: %v", ErrProtocol, command, err)
	}
	return nil
}

func readMessage(r *bufio.Reader) (*message, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("%w: read: %v", ErrProtocol, err)
	}
	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrProtocol, err)
	}
	return &msg, nil
}

// readResponse reads until a command response arrives, skipping async
// events QEMU may interleave on the socket.
func readResponse(r *bufio.Reader) (json.RawMessage, error) {
	for {
		msg, err := readMessage(r)
		if err != nil {
			return nil, err
		}
		if msg.Event != "" {
			continue
		}
		if msg.Error != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, msg.Error)
		}
		return msg.Return, nil
	}
}
