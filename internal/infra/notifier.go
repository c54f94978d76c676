package infra

import (
	"sync"
	"time"

	"github.com/gen2brain/beeep"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
)

// DesktopNotifier implements domain.Notifier with desktop notifications.
// An identical title and message is shown at most once per quiet period.
type DesktopNotifier struct {
	enabled bool
	quiet   time.Duration
	send    func(title, message string, icon any) error
	now     func() time.Time
	logger  *zap.Logger

	mu   sync.Mutex
	last map[string]time.Time
}

// NewDesktopNotifier creates a notifier. A disabled notifier only logs.
func NewDesktopNotifier(enabled bool, logger *zap.Logger) *DesktopNotifier {
	return &DesktopNotifier{
		enabled: enabled,
		quiet:   time.Minute,
		send:    beeep.Notify,
		now:     time.Now,
		logger:  logger.Named("notifier"),
		last:    make(map[string]time.Time),
	}
}

// Notify shows a desktop notification.
func (n *DesktopNotifier) Notify(title, message string) error {
	key := title + "\x00" + message
	now := n.now()

	n.mu.Lock()
	if at, ok := n.last[key]; ok && now.Sub(at) < n.quiet {
		n.mu.Unlock()
		return nil
	}
	n.last[key] = now
	n.mu.Unlock()

	n.logger.Info("notification", zap.String("title", title), zap.String("message", message))
	if !n.enabled {
		return nil
	}
	if err := n.send(title, message, ""); err != nil {
		n.logger.Warn("desktop notification failed", zap.Error(err))
		return err
	}
	return nil
}

// Ensure DesktopNotifier implements domain.Notifier.
var _ domain.Notifier = (*DesktopNotifier)(nil)
