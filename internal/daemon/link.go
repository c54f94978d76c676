package daemon

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
)

var (
	// ErrLinkFull is returned by ChannelLink.Deliver when the session is not keeping up.
	ErrLinkFull = errors.New("event link full")
	// ErrLinkClosed is returned when no session is consuming the link.
	ErrLinkClosed = errors.New("event link closed")
)

// ChannelLink connects a watcher and a session running in the same process.
// Delivery never blocks; a full channel makes the watcher defer the event.
type ChannelLink struct {
	events chan domain.ForegroundEvent
	alive  atomic.Bool
}

// NewChannelLink creates a link with room for size pending events.
func NewChannelLink(size int) *ChannelLink {
	if size <= 0 {
		size = 1
	}
	return &ChannelLink{events: make(chan domain.ForegroundEvent, size)}
}

// Events is the receiving side, read by the session.
func (l *ChannelLink) Events() <-chan domain.ForegroundEvent {
	return l.events
}

// SetAlive marks whether the session is consuming events.
func (l *ChannelLink) SetAlive(alive bool) {
	l.alive.Store(alive)
}

func (l *ChannelLink) Alive() bool {
	return l.alive.Load()
}

func (l *ChannelLink) Deliver(ctx context.Context, event domain.ForegroundEvent) error {
	if !l.Alive() {
		return ErrLinkClosed
	}
	select {
	case l.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrLinkFull
	}
}

var _ domain.InteractiveLink = (*ChannelLink)(nil)
