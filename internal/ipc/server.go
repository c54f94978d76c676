package ipc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
)

const ioTimeout = 5 * time.Second

// Handler is what the session exposes over the socket.
type Handler interface {
	HandleForeground(ctx context.Context, event domain.ForegroundEvent) (bool, error)
	Status(ctx context.Context) StatusData
	OverlayAction(ctx context.Context, action string) error
	Sync(ctx context.Context) error
}

// Server accepts commands on a unix socket and routes them to a Handler.
type Server struct {
	path     string
	token    string
	handler  Handler
	logger   *zap.Logger
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a server for path. Commands must carry token.
func NewServer(path, token string, handler Handler, logger *zap.Logger) *Server {
	return &Server{
		path:    path,
		token:   token,
		handler: handler,
		logger:  logger.Named("ipc"),
	}
}

// Listen binds the socket. A socket passed in by systemd activation is used
// as-is; otherwise a stale socket file is removed first.
func (s *Server) Listen() error {
	if listeners, err := activation.Listeners(); err == nil && len(listeners) > 0 && listeners[0] != nil {
		s.listener = listeners[0]
		s.logger.Info("using systemd-activated socket", zap.String("addr", s.listener.Addr().String()))
		return nil
	}

	if _, err := os.Stat(s.path); err == nil {
		conn, err := net.DialTimeout("unix", s.path, time.Second)
		if err == nil {
			conn.Close()
			return fmt.Errorf("socket %s already active, another session might be running", s.path)
		}
		s.logger.Info("removing stale socket", zap.String("path", s.path))
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("failed to remove stale socket file %s: %w", s.path, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("error checking socket file %s: %w", s.path, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to listen on socket %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set permissions on socket %s: %w", s.path, err)
	}
	s.listener = listener
	s.logger.Info("listening for commands", zap.String("path", s.path))
	return nil
}

// Serve accepts connections until ctx is done. Listen must be called first.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("ipc server not listening")
	}

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()
	defer s.wg.Wait()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("failed to accept connection", zap.Error(err))
			time.Sleep(100 * time.Millisecond)
			continue
		}
		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(ioTimeout))
	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	var cmd Command
	if err := decoder.Decode(&cmd); err != nil {
		if err != io.EOF {
			s.logger.Debug("failed to decode command", zap.Error(err))
		}
		_ = encoder.Encode(fail("failed to decode command: %v", err))
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	if err := encoder.Encode(s.process(ctx, cmd)); err != nil {
		s.logger.Debug("failed to send response", zap.Error(err))
	}
}

func (s *Server) process(ctx context.Context, cmd Command) Response {
	if subtle.ConstantTimeCompare([]byte(cmd.Token), []byte(s.token)) != 1 {
		s.logger.Warn("rejected command with bad token", zap.String("command", cmd.Name))
		return fail("unauthorized")
	}

	switch cmd.Name {
	case CmdPing:
		return Response{Success: true, Message: "pong"}

	case CmdForeground:
		var event domain.ForegroundEvent
		if err := json.Unmarshal(cmd.Args, &event); err != nil {
			return fail("invalid args for %s: %v", cmd.Name, err)
		}
		if event.PackageName == "" {
			return fail("package name cannot be empty")
		}
		if event.Source == "" {
			event.Source = domain.DeliveryLive
		}
		changed, err := s.handler.HandleForeground(ctx, event)
		if err != nil {
			return fail("handle foreground: %v", err)
		}
		return ok(ForegroundData{Changed: changed})

	case CmdStatus:
		return ok(s.handler.Status(ctx))

	case CmdOverlayAction:
		var args OverlayActionArgs
		if err := json.Unmarshal(cmd.Args, &args); err != nil {
			return fail("invalid args for %s: %v", cmd.Name, err)
		}
		if err := s.handler.OverlayAction(ctx, args.Action); err != nil {
			return fail("%v", err)
		}
		return Response{Success: true, Message: args.Action}

	case CmdSync:
		if err := s.handler.Sync(ctx); err != nil {
			return fail("sync: %v", err)
		}
		return Response{Success: true, Message: "synced"}

	default:
		return fail("unknown command: %s", cmd.Name)
	}
}
