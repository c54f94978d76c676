package daemon

import (
	"github.com/eliteGoblin/focusd/rethink/internal/domain"
	"github.com/eliteGoblin/focusd/rethink/internal/infra"
)

// spawnDetached is infra.SpawnDetached, replaceable in tests.
var spawnDetached = infra.SpawnDetached

// StartDaemon spawns a detached `rethink daemon --role <role>` process.
func StartDaemon(role domain.DaemonRole) error {
	_, err := spawnDetached("daemon", "--role", string(role))
	return err
}

// StartSession spawns a detached interactive session.
func StartSession() error {
	_, err := spawnDetached("session")
	return err
}

// StartBothDaemons starts both watcher and guardian daemons.
func StartBothDaemons() error {
	// Start watcher first
	if err := StartDaemon(domain.RoleWatcher); err != nil {
		return err
	}

	// Start guardian
	if err := StartDaemon(domain.RoleGuardian); err != nil {
		return err
	}

	return nil
}
