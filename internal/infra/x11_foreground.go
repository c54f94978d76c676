package infra

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil"
	"github.com/BurntSushi/xgbutil/ewmh"
	"github.com/BurntSushi/xgbutil/icccm"
	"github.com/BurntSushi/xgbutil/xevent"
	"github.com/BurntSushi/xgbutil/xprop"
	"github.com/BurntSushi/xgbutil/xwindow"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
)

const activeWindowAtom = "_NET_ACTIVE_WINDOW"

// X11ForegroundSource reports foreground changes by listening for
// PropertyNotify on the root window's _NET_ACTIVE_WINDOW. No polling.
// The package identifier of a window is its WM_CLASS instance, lowercased.
type X11ForegroundSource struct {
	display string
	logger  *zap.Logger
}

// NewX11ForegroundSource creates a source for the display named by $DISPLAY.
func NewX11ForegroundSource(logger *zap.Logger) *X11ForegroundSource {
	return &X11ForegroundSource{
		display: os.Getenv("DISPLAY"),
		logger:  logger.Named("x11"),
	}
}

// HasCapability reports whether the X server is reachable and supports EWMH.
func (s *X11ForegroundSource) HasCapability() bool {
	if s.display == "" {
		return false
	}
	X, err := xgbutil.NewConnDisplay(s.display)
	if err != nil {
		return false
	}
	defer X.Conn().Close()

	_, err = ewmh.SupportedGet(X)
	return err == nil
}

// Watch emits the current foreground package, then every change, until ctx
// is done. Losing the X connection returns domain.ErrCapabilityRevoked.
func (s *X11ForegroundSource) Watch(ctx context.Context, emit func(packageName string)) error {
	if s.display == "" {
		return domain.ErrCapabilityRevoked
	}
	X, err := xgbutil.NewConnDisplay(s.display)
	if err != nil {
		return fmt.Errorf("connect to X server %s: %w", s.display, domain.ErrCapabilityRevoked)
	}

	root := X.RootWin()
	if err := xwindow.New(X, root).Listen(xproto.EventMaskPropertyChange); err != nil {
		X.Conn().Close()
		return fmt.Errorf("listen on root window: %w", err)
	}

	var last string
	report := func() {
		pkg, err := activePackage(X)
		if err != nil {
			s.logger.Debug("could not resolve active window", zap.Error(err))
			return
		}
		if pkg == "" || pkg == last {
			return
		}
		last = pkg
		emit(pkg)
	}

	xevent.PropertyNotifyFun(func(X *xgbutil.XUtil, ev xevent.PropertyNotifyEvent) {
		name, err := xprop.AtomName(X, ev.Atom)
		if err != nil || name != activeWindowAtom {
			return
		}
		report()
	}).Connect(X, root)

	report()

	done := make(chan struct{})
	go func() {
		xevent.Main(X)
		close(done)
	}()
	s.logger.Info("watching active window", zap.String("display", s.display))

	select {
	case <-ctx.Done():
		// Closing the connection unblocks the loop so it can observe Quit.
		xevent.Quit(X)
		X.Conn().Close()
		<-done
		return ctx.Err()
	case <-done:
		X.Conn().Close()
		s.logger.Warn("X event loop ended, monitoring capability lost")
		return domain.ErrCapabilityRevoked
	}
}

func activePackage(X *xgbutil.XUtil) (string, error) {
	win, err := ewmh.ActiveWindowGet(X)
	if err != nil {
		return "", err
	}
	if win == 0 {
		return "", nil
	}
	hints, err := icccm.WmClassGet(X, win)
	if err != nil {
		return "", err
	}
	return packageFromClass(hints.Instance, hints.Class), nil
}

// packageFromClass uses the lowercased WM_CLASS class as the package identifier,
// falling back to the instance. The class names the application ("firefox"), while
// the instance often names a window role ("Navigator"). Desktop windows of file
// managers share their class with the file manager, so they keep the instance.
func packageFromClass(instance, class string) string {
	instance = strings.ToLower(strings.TrimSpace(instance))
	if instance == desktopWindowInstance {
		return instance
	}
	if pkg := strings.ToLower(strings.TrimSpace(class)); pkg != "" {
		return pkg
	}
	return instance
}

const desktopWindowInstance = "desktop_window"

// Ensure X11ForegroundSource implements domain.ForegroundSource.
var _ domain.ForegroundSource = (*X11ForegroundSource)(nil)
