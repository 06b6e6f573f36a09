// Package promptclient implements C9: a synchronous request to the
// UI helper process over its own socket endpoint, returning the
// user's decision.
package promptclient

import (
	"fmt"
	"net"
	"time"

	"csrd/internal/model"
	"csrd/internal/wire"
)

// DefaultTimeout matches the 60s socket read/write timeout used
// elsewhere in the daemon (§5).
const DefaultTimeout = 60 * time.Second

// Client dials the UI helper for each prompt; the helper is assumed
// request/response, not persistent, so one connection is opened per
// call.
type Client struct {
	SocketPath string
	Timeout    time.Duration
}

// New returns a Client bound to the UI helper's fixed socket path.
func New(socketPath string) *Client {
	return &Client{SocketPath: socketPath, Timeout: DefaultTimeout}
}

// AskDetected issues a content-screening prompt for a Detected
// subject and returns the user's response (§4.7.4).
func (c *Client) AskDetected(kind model.PromptKind, message string, d model.Detected) (model.UserResponse, error) {
	enc := wire.NewEncoder()
	enc.Int32(int32(kind)).String(message).PutDetected(d)
	return c.ask(enc)
}

// AskURL issues a web-protection prompt for a UrlVerdict subject and
// returns the user's response (§4.8).
func (c *Client) AskURL(kind model.PromptKind, message string, v model.UrlVerdict) (model.UserResponse, error) {
	enc := wire.NewEncoder()
	enc.Int32(int32(kind)).String(message).PutUrlVerdict(v)
	return c.ask(enc)
}

func (c *Client) ask(enc *wire.Encoder) (model.UserResponse, error) {
	conn, err := net.DialTimeout("unix", c.SocketPath, c.Timeout)
	if err != nil {
		return model.ResponseNotAsked, fmt.Errorf("promptclient: dialing %s: %w", c.SocketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.Timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return model.ResponseNotAsked, fmt.Errorf("promptclient: setting deadline: %w", err)
	}
	if err := wire.WriteFrame(conn, enc.Bytes()); err != nil {
		return model.ResponseNotAsked, wire.ErrUserResponseFailed
	}
	payload, err := wire.ReadFrame(conn)
	if err != nil {
		return model.ResponseNotAsked, wire.ErrUserResponseFailed
	}
	choice, err := wire.NewDecoder(payload).Int32()
	if err != nil {
		return model.ResponseNotAsked, wire.ErrUserResponseFailed
	}
	return model.UserResponse(choice), nil
}
