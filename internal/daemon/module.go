package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/mfalcao/chatsync/internal/bus"
	"github.com/mfalcao/chatsync/internal/config"
	"github.com/mfalcao/chatsync/internal/connectivity"
	"github.com/mfalcao/chatsync/internal/lock"
	"github.com/mfalcao/chatsync/internal/logging"
	"github.com/mfalcao/chatsync/internal/mutator"
	"github.com/mfalcao/chatsync/internal/outbox"
	"github.com/mfalcao/chatsync/internal/profile"
	"github.com/mfalcao/chatsync/internal/registry"
	"github.com/mfalcao/chatsync/internal/remote"
	"github.com/mfalcao/chatsync/internal/store"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideMonitor,
			provideLock,
			provideStore,
			provideChannel,
			provideMutator,
			provideFlusher,
			provideRegistry,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.Load(profile.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMonitor(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *connectivity.Monitor {
	return connectivity.NewMonitor(b, cfg.Connectivity.Settle(), logger)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

// provideChannel selects the remote transport. A configured broker URL means
// AMQP; without one the in-process memory channel runs single-node.
func provideChannel(p Params, cfg *config.Config, monitor *connectivity.Monitor, logger *zap.Logger) (remote.Channel, error) {
	if cfg.Broker.URL != "" {
		return remote.DialAMQP(cfg.Broker.URL, cfg.Broker.Exchange, p.Profile, monitor, logger)
	}
	logger.Info("no broker configured, using in-process channel")
	ch := remote.NewMemoryChannel()
	monitor.Report(true)
	return ch, nil
}

func provideMutator(p Params, cfg *config.Config, db *store.DB, channel remote.Channel, monitor *connectivity.Monitor, b *bus.Bus, logger *zap.Logger) *mutator.Mutator {
	userID := cfg.UserID
	if userID == "" {
		userID = p.Profile
	}
	return mutator.New(db, channel, monitor, b, userID, cfg.Delivery.DeliveredAfter(), logger)
}

func provideFlusher(cfg *config.Config, db *store.DB, m *mutator.Mutator, monitor *connectivity.Monitor, b *bus.Bus, logger *zap.Logger) *outbox.Flusher {
	policy := outbox.Policy{
		MaxAttempts:     cfg.Outbox.MaxAttempts,
		BackoffBase:     cfg.Outbox.BackoffBase(),
		BackoffCap:      cfg.Outbox.BackoffCap(),
		DispatchTimeout: cfg.Outbox.DispatchTimeout(),
	}
	return outbox.NewFlusher(db, m, monitor, b, policy, logger)
}

func provideRegistry(db *store.DB, channel remote.Channel, b *bus.Bus, logger *zap.Logger) *registry.Registry {
	return registry.New(channel, db, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, channel remote.Channel, m *mutator.Mutator, f *outbox.Flusher, reg *registry.Registry, monitor *connectivity.Monitor, logger *zap.Logger) {
	runCtx, stop := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			reg.SetSink(m)
			m.SetFlusher(f)

			// Entries caught mid-dispatch by a crash go back to queued;
			// the remote store deduplicates if the write actually landed.
			if n, err := db.ResetInflightOutbox(); err != nil {
				return err
			} else if n > 0 {
				logger.Info("recovered in-flight outbox entries", zap.Int64("count", n))
			}

			if err := reg.Start(runCtx); err != nil {
				return err
			}
			f.Start(runCtx)
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			stop()
			f.Stop()
			reg.Close()
			m.Close()
			monitor.Stop()
			if closer, ok := channel.(interface{ Close() error }); ok {
				if err := closer.Close(); err != nil {
					logger.Warn("error closing channel", zap.Error(err))
				}
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
