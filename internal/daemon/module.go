// Package daemon assembles the synchronization core and its listeners into
// one fx application.
package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/matheus3301/convsync/internal/api"
	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/call"
	"github.com/matheus3301/convsync/internal/clock"
	"github.com/matheus3301/convsync/internal/config"
	"github.com/matheus3301/convsync/internal/conversation"
	"github.com/matheus3301/convsync/internal/delivery"
	"github.com/matheus3301/convsync/internal/dispatch"
	"github.com/matheus3301/convsync/internal/fanout"
	"github.com/matheus3301/convsync/internal/instance"
	"github.com/matheus3301/convsync/internal/lock"
	"github.com/matheus3301/convsync/internal/logging"
	"github.com/matheus3301/convsync/internal/metrics"
	"github.com/matheus3301/convsync/internal/outbox"
	"github.com/matheus3301/convsync/internal/pairing"
	"github.com/matheus3301/convsync/internal/presence"
	"github.com/matheus3301/convsync/internal/registry"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/matheus3301/convsync/internal/store"
	intsync "github.com/matheus3301/convsync/internal/sync"
	"github.com/matheus3301/convsync/internal/typing"
	"github.com/matheus3301/convsync/internal/viewership"
	"github.com/matheus3301/convsync/internal/ws"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
)

// Params holds the resolved instance configuration passed to the fx module.
type Params struct {
	Instance   string
	Config     *config.Config
	SocketPath string // optional override for testing; empty = use config or default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p, p.Config),
		fx.Provide(
			provideMetrics,
			provideLogger,
			provideBus,
			provideClock,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRegistry,
			provideFanout,
			provideDirectory,
			provideRedis,
			provideMirror,
			provideTracker,
			provideBroadcaster,
			provideViewership,
			provideTyping,
			provideRetrier,
			provideDelivery,
			provideRelay,
			provideReconciler,
			providePairing,
			provideDispatcher,
			provideWebSocket,
			provideListener,
			provideHTTP,
			provideAdminService,
			health.NewServer,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideLogger(p Params, cfg *config.Config, m *metrics.Metrics) (*zap.Logger, error) {
	path := cfg.Log.File
	if path == "" {
		path = instance.LogPath(p.Instance)
	}
	return logging.New(logging.Options{
		Path:     path,
		Level:    cfg.Log.Level,
		Console:  cfg.Log.Console,
		Instance: p.Instance,
		Metrics:  m,
	})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideClock() clock.Clock {
	return clock.Real()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	if err := instance.EnsureDir(p.Instance); err != nil {
		return nil, err
	}
	logger.Info("acquiring instance lock", zap.String("instance", p.Instance))
	l, err := lock.Acquire(instance.LockPath(p.Instance), cfg.Server.ListenAddr)
	if err != nil {
		return nil, err
	}
	logger.Info("instance lock acquired")
	return l, nil
}

// provideStore takes the lock so no second daemon opens the same database.
func provideStore(p Params, cfg *config.Config, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := cfg.Store.Path
	if dbPath == "" {
		dbPath = instance.DBPath(p.Instance)
	}
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

func provideRegistry(clk clock.Clock) *registry.Registry {
	return registry.New(clk)
}

func provideFanout(reg *registry.Registry, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *fanout.Fanout {
	return fanout.New(reg, b, m, logger.Named("fanout"))
}

func provideDirectory(db *store.DB, logger *zap.Logger) *conversation.Directory {
	return conversation.New(db, logger.Named("conversation"))
}

// provideRedis returns nil when no Redis address is configured.
func provideRedis(cfg *config.Config) *redis.Client {
	if cfg.Redis.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func provideMirror(client *redis.Client, cfg *config.Config, logger *zap.Logger) *presence.Mirror {
	if client == nil {
		return nil
	}
	return presence.NewMirror(client, cfg.Redis.TTL.Std(), logger.Named("presence"))
}

func provideTracker(reg *registry.Registry, clk clock.Clock, cfg *config.Config) *presence.Tracker {
	return presence.NewTracker(reg, clk, cfg.Presence.RecentlyActive.Std(), cfg.Presence.Away.Std())
}

func provideBroadcaster(t *presence.Tracker, dir *conversation.Directory, fan *fanout.Fanout, b *bus.Bus, mirror *presence.Mirror, logger *zap.Logger) *presence.Broadcaster {
	return presence.NewBroadcaster(t, dir, fan, b, mirror, logger.Named("presence"))
}

func provideViewership(clk clock.Clock) *viewership.Tracker {
	return viewership.New(clk)
}

func provideTyping(clk clock.Clock, cfg *config.Config) *typing.Debouncer {
	return typing.New(clk, cfg.Typing.Timeout.Std())
}

func provideRetrier(clk clock.Clock, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *outbox.Retrier {
	return outbox.NewRetrier(clk, outbox.Options{
		Initial:     cfg.Delivery.RetryInitial.Std(),
		Max:         cfg.Delivery.RetryMax.Std(),
		MaxAttempts: cfg.Delivery.RetryMaxAttempts,
		Interval:    cfg.Delivery.RetryInterval.Std(),
	}, m, logger.Named("outbox"))
}

func provideDelivery(db *store.DB, r *outbox.Retrier, v *viewership.Tracker, fan *fanout.Fanout, b *bus.Bus, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *delivery.Machine {
	return delivery.NewMachine(db, r, v, fan, b, clk, m, logger.Named("delivery"))
}

func provideRelay(reg *registry.Registry, fan *fanout.Fanout, b *bus.Bus, clk clock.Clock, m *metrics.Metrics, cfg *config.Config, logger *zap.Logger) *call.Relay {
	return call.NewRelay(reg, fan, b, clk, m, logger.Named("call"), call.Options{
		RingTimeout:     cfg.Call.RingTimeout.Std(),
		DisconnectGrace: cfg.Call.DisconnectGrace.Std(),
		Retention:       cfg.Delivery.Retention.Std(),
	})
}

func provideReconciler(dm *delivery.Machine, db *store.DB, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(dm, db, logger.Named("sync"))
}

// providePairing returns nil when pairing codes are disabled (ttl = 0).
func providePairing(clk clock.Clock, cfg *config.Config, logger *zap.Logger) *pairing.Issuer {
	if cfg.Pairing.TTL <= 0 {
		return nil
	}
	return pairing.NewIssuer(clk, cfg.Pairing.TTL.Std(), cfg.Pairing.BaseURL, logger.Named("pairing"))
}

type dispatchIn struct {
	fx.In

	Registry    *registry.Registry
	Fanout      *fanout.Fanout
	Directory   *conversation.Directory
	Tracker     *presence.Tracker
	Broadcaster *presence.Broadcaster
	Viewership  *viewership.Tracker
	Typing      *typing.Debouncer
	Delivery    *delivery.Machine
	Calls       *call.Relay
	Reconciler  *intsync.Reconciler
	Retrier     *outbox.Retrier
	Pairing     *pairing.Issuer
	Status      *status.Machine
	Bus         *bus.Bus
	Metrics     *metrics.Metrics
	Clock       clock.Clock
	Config      *config.Config
	Logger      *zap.Logger
}

func provideDispatcher(in dispatchIn) *dispatch.Dispatcher {
	cfg := in.Config
	return dispatch.New(dispatch.Components{
		Registry:    in.Registry,
		Emitter:     in.Fanout,
		Directory:   in.Directory,
		Presence:    in.Tracker,
		Broadcaster: in.Broadcaster,
		Viewership:  in.Viewership,
		Typing:      in.Typing,
		Delivery:    in.Delivery,
		Calls:       in.Calls,
		Reconciler:  in.Reconciler,
		Retrier:     in.Retrier,
		Pairing:     in.Pairing,
		Status:      in.Status,
		Bus:         in.Bus,
		Metrics:     in.Metrics,
		Clock:       in.Clock,
		Logger:      in.Logger.Named("dispatch"),
	}, dispatch.Intervals{
		Presence:  cfg.Presence.BroadcastInterval.Std(),
		Typing:    cfg.Typing.SweepInterval.Std(),
		Calls:     cfg.Call.SweepInterval.Std(),
		Pairing:   cfg.Pairing.TTL.Std(),
		Delivery:  cfg.Delivery.Retention.Std() / 2,
		Retention: cfg.Delivery.Retention.Std(),
	})
}

func provideWebSocket(d *dispatch.Dispatcher, issuer *pairing.Issuer, cfg *config.Config, logger *zap.Logger) *ws.Server {
	var auth ws.Authenticator = ws.HeaderAuth{Header: cfg.Auth.UserHeader}
	if issuer != nil {
		auth = ws.Chain{auth, ws.PairingAuth{Codes: issuer}}
	}
	return ws.NewServer(d, auth, ws.Options{
		WriteWait:       cfg.Server.WriteWait.Std(),
		PongWait:        cfg.Server.PongWait.Std(),
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		SendBuffer:      cfg.Server.SendBuffer,
	}, logger.Named("ws"))
}

// provideListener binds the WebSocket address at construction so a busy
// port fails the start.
func provideListener(cfg *config.Config) (net.Listener, error) {
	return net.Listen("tcp", cfg.Server.ListenAddr)
}

func provideHTTP(s *ws.Server, m *metrics.Metrics, sm *status.Machine) *http.Server {
	return &http.Server{Handler: ws.NewMux(s, m, sm)}
}

func provideAdminService(p Params, sm *status.Machine, reg *registry.Registry, t *presence.Tracker, calls *call.Relay, r *outbox.Retrier, issuer *pairing.Issuer, b *bus.Bus, db *store.DB) *api.Service {
	return api.NewService(api.Deps{
		Instance: p.Instance,
		Machine:  sm,
		Registry: reg,
		Presence: t,
		Calls:    calls,
		Retrier:  r,
		Pairing:  issuer,
		Bus:      b,
		Store:    db,
	})
}

type lifecycleIn struct {
	fx.In

	Lock       *lock.Lock
	DB         *store.DB
	Redis      *redis.Client
	Mirror     *presence.Mirror
	Retrier    *outbox.Retrier
	Dispatcher *dispatch.Dispatcher
	WebSocket  *ws.Server
	Listener   net.Listener
	HTTP       *http.Server
	Admin      *Server
	Health     *health.Server
	Machine    *status.Machine
	Bus        *bus.Bus
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, in lifecycleIn) {
	var cancel context.CancelFunc
	logger := in.Logger

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())

			in.Retrier.Start(ctx)
			if in.Mirror != nil {
				go in.Mirror.Run(ctx)
			}
			go api.ReflectHealth(ctx, in.Health, in.Machine, in.Bus)
			go func() {
				if err := in.Dispatcher.Run(ctx); err != nil {
					logger.Error("sweep loops stopped", zap.Error(err))
				}
			}()

			go func() {
				logger.Info("websocket server starting", zap.String("addr", in.Listener.Addr().String()))
				if err := in.HTTP.Serve(in.Listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("websocket server error", zap.Error(err))
				}
			}()
			go func() {
				if err := in.Admin.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			return in.Machine.Transition(status.Serving)
		},
		OnStop: func(ctx context.Context) error {
			_ = in.Machine.Transition(status.Draining)

			// New upgrades stop first, then live sessions are released.
			if err := in.HTTP.Shutdown(ctx); err != nil {
				logger.Warn("http shutdown", zap.Error(err))
			}
			in.WebSocket.Shutdown(ctx)

			in.Retrier.Stop()
			if pending := in.Retrier.Pending(); pending > 0 {
				logger.Warn("durable writes abandoned at shutdown", zap.Int("pending", pending))
			}
			if cancel != nil {
				cancel()
			}
			in.Admin.Stop(ctx)

			if err := in.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if in.Redis != nil {
				_ = in.Redis.Close()
			}
			_ = in.Machine.Transition(status.Stopped)
			if err := in.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
