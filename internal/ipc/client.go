package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
)

// ErrRejected means the session received the command and refused it.
var ErrRejected = errors.New("session rejected command")

// Client talks to the session socket. It is the watcher's live
// domain.InteractiveLink.
type Client struct {
	path    string
	token   string
	alive   func() bool
	timeout time.Duration
}

// NewClient creates a client. alive decides whether the session is up
// (normally the daemon registry); nil means dial to find out.
func NewClient(path, token string, alive func() bool) *Client {
	return &Client{
		path:    path,
		token:   token,
		alive:   alive,
		timeout: 2 * time.Second,
	}
}

// Alive reports whether the session can currently receive events.
func (c *Client) Alive() bool {
	if c.alive != nil {
		return c.alive()
	}
	return c.Ping(context.Background()) == nil
}

// Deliver sends one foreground event to the session.
func (c *Client) Deliver(ctx context.Context, event domain.ForegroundEvent) error {
	_, err := c.call(ctx, CmdForeground, event)
	return err
}

// Ping checks the socket end to end.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, CmdPing, nil)
	return err
}

// Status fetches the session's intervention state.
func (c *Client) Status(ctx context.Context) (*StatusData, error) {
	resp, err := c.call(ctx, CmdStatus, nil)
	if err != nil {
		return nil, err
	}
	var data StatusData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &data, nil
}

// OverlayAction applies a user choice on the intervention screen.
func (c *Client) OverlayAction(ctx context.Context, action string) error {
	_, err := c.call(ctx, CmdOverlayAction, OverlayActionArgs{Action: action})
	return err
}

// Sync asks the session to re-evaluate policies after an edit.
func (c *Client) Sync(ctx context.Context) error {
	_, err := c.call(ctx, CmdSync, nil)
	return err
}

func (c *Client) call(ctx context.Context, name string, args any) (*Response, error) {
	cmd, err := newCommand(name, c.token, args)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, fmt.Errorf("connect to session: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if err := json.NewEncoder(conn).Encode(cmd); err != nil {
		return nil, fmt.Errorf("send %s: %w", name, err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read %s response: %w", name, err)
	}
	if !resp.Success {
		return &resp, fmt.Errorf("%w: %s", ErrRejected, resp.Message)
	}
	return &resp, nil
}

// Ensure Client implements domain.InteractiveLink.
var _ domain.InteractiveLink = (*Client)(nil)
