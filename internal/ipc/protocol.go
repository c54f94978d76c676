// Package ipc is the unix-socket protocol between the watcher (and CLI) and the session.
package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
	"github.com/eliteGoblin/focusd/rethink/internal/usecase"
)

// Command represents a command sent over the socket
type Command struct {
	Name  string          `json:"name"`
	Token string          `json:"token"`
	Args  json.RawMessage `json:"args,omitempty"`
}

// Response represents a response sent back over the socket
type Response struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

const (
	CmdPing          = "ping"
	CmdForeground    = "foreground"     // args: domain.ForegroundEvent
	CmdStatus        = "status"         // data: StatusData
	CmdOverlayAction = "overlay_action" // args: OverlayActionArgs
	CmdSync          = "sync"           // re-evaluate policies and push the blocklist
)

// Overlay actions.
const (
	ActionContinue = "continue"
	ActionLeave    = "leave"
	ActionTurnOff  = "turn_off"
)

// OverlayActionArgs selects what the user chose on the intervention screen.
type OverlayActionArgs struct {
	Action string `json:"action"`
}

// ForegroundData reports the result of a delivered foreground event.
type ForegroundData struct {
	Changed bool `json:"changed"`
}

// StatusData is the session's view for the status command.
type StatusData struct {
	State      domain.InterventionState `json:"state"`
	Overlay    *usecase.Overlay         `json:"overlay,omitempty"`
	BlockSet   []string                 `json:"block_set"`
	FocusMode  string                   `json:"focus_mode,omitempty"`
	UsageError string                   `json:"usage_error,omitempty"`
}

func newCommand(name, token string, args any) (Command, error) {
	cmd := Command{Name: name, Token: token}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return Command{}, fmt.Errorf("failed to marshal args: %w", err)
		}
		cmd.Args = raw
	}
	return cmd, nil
}

func ok(data any) Response {
	if data == nil {
		return Response{Success: true}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fail("failed to marshal response: %v", err)
	}
	return Response{Success: true, Data: raw}
}

func fail(format string, args ...any) Response {
	return Response{Success: false, Message: fmt.Sprintf(format, args...)}
}
