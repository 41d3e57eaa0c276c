// Command oxidetermd runs the OxideTerm backend core as a standalone daemon:
// it wires the connection registry, node router, session registry, bridge,
// SFTP pool, forwarding manager, and reconnect pipeline together and serves
// the IPC command surface to the desktop shell.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/oxideterm/core/lib/bridge"
	"github.com/oxideterm/core/lib/events"
	"github.com/oxideterm/core/lib/forward"
	"github.com/oxideterm/core/lib/ipc"
	"github.com/oxideterm/core/lib/noderouter"
	"github.com/oxideterm/core/lib/reconnect"
	"github.com/oxideterm/core/lib/session"
	"github.com/oxideterm/core/lib/sftppool"
	"github.com/oxideterm/core/lib/sshreg"
	"github.com/oxideterm/core/lib/vault"
)

const sweepInterval = time.Minute

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log := logrus.NewEntry(logrus.StandardLogger()).WithField(trace.Component, "oxidetermd")

	if err := run(log); err != nil {
		log.WithError(err).Fatal("daemon failed")
	}
}

func run(log *logrus.Entry) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	bus := events.NewBus()

	vlt, err := vault.New(vault.Config{})
	if err != nil {
		return trace.Wrap(err)
	}
	hostKeys, err := vault.NewHostKeyStore("")
	if err != nil {
		return trace.Wrap(err)
	}

	connections, err := sshreg.New(sshreg.Config{Clock: clock, Bus: bus})
	if err != nil {
		return trace.Wrap(err)
	}

	router, err := noderouter.New(noderouter.Config{Bus: bus, Clock: clock})
	if err != nil {
		return trace.Wrap(err)
	}

	bridgeSrv, err := bridge.New(bridge.Config{Clock: clock})
	if err != nil {
		return trace.Wrap(err)
	}
	bridgeURL, err := bridgeSrv.Start()
	if err != nil {
		return trace.Wrap(err)
	}
	defer bridgeSrv.Stop(context.Background())
	log.WithField("url", bridgeURL).Info("bridge listening")

	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return trace.Wrap(err)
	}

	sessions, err := session.New(session.Config{
		Connections:    connections,
		Bridge:         bridgeSrv,
		BridgeURL:      bridgeURL,
		Bus:            bus,
		Clock:          clock,
		LocalTerminals: localTerminalFactory(),
		ScrollbackDir:  filepath.Join(cacheDir, "oxideterm", "scrollback"),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	sftp, err := sftppool.New(sftppool.Config{Connections: connections, Bus: bus, Clock: clock})
	if err != nil {
		return trace.Wrap(err)
	}

	forwards, err := forward.New(forward.Config{Connections: connections, Bus: bus, Clock: clock})
	if err != nil {
		return trace.Wrap(err)
	}

	orchestrator, err := reconnect.New(reconnect.Config{
		Connections: connections,
		Router:      router,
		Sessions:    sessions,
		Forwards:    forwards,
		Sftp:        sftp,
		Bus:         bus,
		Clock:       clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	go orchestrator.Watch(ctx)

	dispatcher, err := ipc.New(ipc.Config{
		Connections: connections,
		Router:      router,
		Sessions:    sessions,
		Sftp:        sftp,
		Forwards:    forwards,
		Reconnect:   orchestrator,
		Vault:       vlt,
		HostKeys:    hostKeys,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	go serveIPC(ctx, dispatcher, log)

	// Idle connections are reaped on a periodic sweep.
	go func() {
		ticker := clock.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				connections.Sweep()
			}
		}
	}()

	log.Info("oxidetermd ready")
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}
