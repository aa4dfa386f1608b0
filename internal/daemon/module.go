// Package daemon composes the session daemon: one process per session,
// owning the relay connection, the archive, and every materialized view.
package daemon

import (
	"context"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/pokisachi/DeChat/internal/blob"
	"github.com/pokisachi/DeChat/internal/bus"
	"github.com/pokisachi/DeChat/internal/chat"
	"github.com/pokisachi/DeChat/internal/config"
	"github.com/pokisachi/DeChat/internal/graph"
	"github.com/pokisachi/DeChat/internal/group"
	"github.com/pokisachi/DeChat/internal/identity"
	"github.com/pokisachi/DeChat/internal/lock"
	"github.com/pokisachi/DeChat/internal/logging"
	"github.com/pokisachi/DeChat/internal/presence"
	"github.com/pokisachi/DeChat/internal/session"
	"github.com/pokisachi/DeChat/internal/status"
	"github.com/pokisachi/DeChat/internal/store"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Identity is the resolved session identity. Empty until a login has
// written the address and secret for this session.
type Identity struct {
	Address string
	Secret  identity.Secret
}

// Complete reports whether the session can authenticate writes.
func (id Identity) Complete() bool {
	return id.Address != "" && id.Secret != ""
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideArchive,
			provideIdentity,
			provideRelay,
			provideGraph,
			provideDirectory,
			providePinner,
			provideClient,
			providePublisher,
			provideObserver,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

// provideConfig prefers the per-session config, then the global one. A
// fresh install gets defaults written to the global path.
func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	sessionPath := session.SessionConfigPath(p.SessionName)
	if _, err := os.Stat(sessionPath); err == nil {
		logger.Info("using session config", zap.String("path", sessionPath))
		return config.Load(sessionPath)
	}
	globalPath := session.ConfigPath()
	if _, err := os.Stat(globalPath); err == nil {
		return config.Load(globalPath)
	}
	cfg := config.Default()
	if err := config.Save(globalPath, cfg); err != nil {
		return nil, err
	}
	logger.Info("wrote default config", zap.String("path", globalPath))
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideArchive(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.ArchiveDBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("archive initialized", zap.String("path", dbPath))
	return db, nil
}

func provideIdentity(p Params, cfg *config.Config, logger *zap.Logger) Identity {
	secret, err := identity.LoadSecret(session.SecretPath(p.SessionName))
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("session secret unreadable", zap.Error(err))
		}
		return Identity{Address: cfg.Address}
	}
	return Identity{Address: cfg.Address, Secret: secret}
}

func provideRelay(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *graph.RelayStore {
	return graph.NewRelayStore(cfg.Relay.Peers, b, logger)
}

func provideGraph(rs *graph.RelayStore) graph.Store {
	return rs
}

func provideDirectory(g graph.Store, b *bus.Bus, logger *zap.Logger) *group.Directory {
	return group.NewDirectory(g, b, logger)
}

func providePinner(cfg *config.Config, logger *zap.Logger) *blob.Pinner {
	return blob.NewPinner(blob.Config{
		Endpoint:  cfg.Pinning.Endpoint,
		APIKey:    cfg.Pinning.APIKey,
		SecretKey: cfg.Pinning.SecretKey,
	}, nil, logger)
}

func provideClient(g graph.Store, id Identity, db *store.DB, dir *group.Directory, pinner *blob.Pinner, b *bus.Bus, logger *zap.Logger) *chat.Client {
	return chat.NewClient(g, id.Address, id.Secret, chat.Options{
		Archive:  db,
		Groups:   dir,
		Uploader: pinner,
		Bus:      b,
		Logger:   logger,
	})
}

func providePublisher(g graph.Store, id Identity, cfg *config.Config, logger *zap.Logger) *presence.Publisher {
	interval := time.Duration(cfg.Presence.HeartbeatSeconds) * time.Second
	return presence.NewPublisher(g, id.Address, interval, logger)
}

func provideObserver(g graph.Store, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *presence.Observer {
	staleAfter := 3 * time.Duration(cfg.Presence.HeartbeatSeconds) * time.Second
	return presence.NewObserver(g, b, staleAfter, logger)
}

// reconcileInterval paces the membership-stub repair pass. Drift is rare
// and repair rewrites every member stub, so this stays coarse.
const reconcileInterval = time.Minute

// runReconciler repairs group membership-stub drift, once immediately and
// then on each tick, until stop closes.
func runReconciler(dir *group.Directory, interval time.Duration, stop <-chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := dir.Reconcile(context.Background()); err != nil {
			logger.Warn("group reconcile failed", zap.Error(err))
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func registerLifecycle(lc fx.Lifecycle, id Identity, machine *status.Machine, lk *lock.Lock, db *store.DB, rs *graph.RelayStore, client *chat.Client, dir *group.Directory, pub *presence.Publisher, obs *presence.Observer, logger *zap.Logger) {
	stop := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if !id.Complete() {
				logger.Info("no session identity, login required")
				_ = machine.Transition(status.AuthRequired)
				return nil
			}

			_ = machine.Transition(status.Connecting)
			rs.Connect(context.Background())
			_ = machine.Transition(status.Syncing)

			dir.Watch(id.Address)
			go runReconciler(dir, reconcileInterval, stop, logger)
			client.WatchContacts()
			obs.Start()

			pub.Start()
			_ = machine.Transition(status.Live)
			logger.Info("daemon live", zap.String("address", id.Address))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(stop)
			pub.Stop(ctx)
			client.Close()
			dir.Unwatch()
			obs.Close()
			if err := rs.Close(); err != nil {
				logger.Warn("error closing relay", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing archive", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
