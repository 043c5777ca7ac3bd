// Package daemon wires the chat core, the local mirror and the gRPC server
// of one profile into an fx application.
package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/referly/leadchat/internal/api"
	"github.com/referly/leadchat/internal/bus"
	"github.com/referly/leadchat/internal/chat"
	"github.com/referly/leadchat/internal/config"
	"github.com/referly/leadchat/internal/connection"
	"github.com/referly/leadchat/internal/credential"
	"github.com/referly/leadchat/internal/leads"
	"github.com/referly/leadchat/internal/lock"
	"github.com/referly/leadchat/internal/logging"
	"github.com/referly/leadchat/internal/model"
	"github.com/referly/leadchat/internal/msgstore"
	"github.com/referly/leadchat/internal/outbox"
	"github.com/referly/leadchat/internal/profile"
	"github.com/referly/leadchat/internal/registry"
	"github.com/referly/leadchat/internal/store"
	intsync "github.com/referly/leadchat/internal/sync"
	"github.com/referly/leadchat/internal/transport"
)

// startupLoadTimeout bounds the initial list load and reconnect.
const startupLoadTimeout = 15 * time.Second

// Params holds the resolved profile passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override; empty = ~/.leadchat/config.toml
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideCredentials,
			provideIdentity,
			provideLeadsClient,
			provideBackend,
			provideMessageStore,
			provideManager,
			provideCoordinator,
			provideRegistry,
			provideFacade,
			provideSyncEngine,
			provideReconciler,
			provideChatService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = profile.ConfigPath()
	}
	if err := config.LoadEnv(profile.EnvPath(p.ProfileName)); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock so that only the lock holder opens the database.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
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

// provideCredentials tries the configured token, then the file, then the
// environment variable, caching the result for credential.cache_ttl.
func provideCredentials(cfg *config.Config) credential.Provider {
	var chain credential.Chain
	if cfg.Credential.Token != "" {
		chain = append(chain, credential.Static(cfg.Credential.Token))
	}
	if cfg.Credential.File != "" {
		chain = append(chain, credential.File(cfg.Credential.File))
	}
	if cfg.Credential.Env != "" {
		chain = append(chain, credential.Env(cfg.Credential.Env))
	}
	return credential.NewCache(chain, cfg.Credential.CacheTTL.Duration)
}

func provideIdentity(cfg *config.Config) model.Identity {
	role := model.Role(cfg.Identity.Role)
	if !role.Valid() {
		role = model.RoleBusiness
	}
	return model.Identity{UserID: cfg.Identity.UserID, Role: role}
}

func provideLeadsClient(cfg *config.Config, creds credential.Provider, logger *zap.Logger) (*leads.Client, error) {
	return leads.NewClient(cfg.API.BaseURL, cfg.API.Timeout.Duration, creds, logger.Named("leads"))
}

func provideBackend(cfg *config.Config, logger *zap.Logger) (transport.Backend, error) {
	wsBase, err := cfg.WebSocketBase()
	if err != nil {
		return nil, err
	}
	ws := &transport.WebSocket{BaseURL: wsBase}
	sse := &transport.SSE{BaseURL: cfg.StreamBase(), Client: resty.New()}

	switch cfg.Transport.Mode {
	case config.ModeWebSocket:
		return ws, nil
	case config.ModeSSE:
		return sse, nil
	default:
		return &transport.Auto{Primary: ws, Fallback: sse, Logger: logger.Named("transport")}, nil
	}
}

func provideMessageStore(b *bus.Bus) *msgstore.Store {
	return msgstore.New(b)
}

func provideManager(cfg *config.Config, backend transport.Backend, creds credential.Provider, b *bus.Bus, ms *msgstore.Store, logger *zap.Logger) *connection.Manager {
	return connection.New(connection.Config{
		Backend:        backend,
		Credentials:    creds,
		ReconnectDelay: cfg.Transport.ReconnectDelay.Duration,
		ConnectTimeout: cfg.Transport.ConnectTimeout.Duration,
		Bus:            b,
		Logger:         logger.Named("connection"),
	}, ms)
}

func provideCoordinator(cfg *config.Config, ms *msgstore.Store, m *connection.Manager, lc *leads.Client, db *store.DB, id model.Identity, logger *zap.Logger) *outbox.Coordinator {
	return outbox.New(ms, m, lc, outbox.Config{
		Identity:    id,
		EchoTimeout: cfg.Send.EchoTimeout.Duration,
		Journal:     db,
		Logger:      logger.Named("outbox"),
	})
}

func provideRegistry(lc *leads.Client, ms *msgstore.Store, id model.Identity, b *bus.Bus, logger *zap.Logger) *registry.Registry {
	return registry.New(lc, ms, id, b, logger.Named("registry"))
}

func provideFacade(cfg *config.Config, ms *msgstore.Store, reg *registry.Registry, m *connection.Manager, ob *outbox.Coordinator, lc *leads.Client, b *bus.Bus, logger *zap.Logger) *chat.Facade {
	d := chat.Deps{
		Store:    ms,
		Registry: reg,
		Manager:  m,
		Outbox:   ob,
		Bus:      b,
		Logger:   logger.Named("chat"),
	}
	if cfg.API.ReadReceipts {
		d.Receipts = lc
	}
	return chat.New(d)
}

func provideSyncEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, logger.Named("sync"))
}

func provideReconciler(db *store.DB, reg *registry.Registry, ms *msgstore.Store, id model.Identity, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, reg, ms, id, logger.Named("sync"))
}

func provideChatService(p Params, f *chat.Facade, logger *zap.Logger) *api.ChatService {
	return api.NewChatService(f, p.ProfileName, logger.Named("api"))
}

type lifecycleParams struct {
	fx.In

	Server     *Server
	Lock       *lock.Lock
	DB         *store.DB
	Facade     *chat.Facade
	Registry   *registry.Registry
	Outbox     *outbox.Coordinator
	Engine     *intsync.Engine
	Reconciler *intsync.Reconciler
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, lp lifecycleParams) {
	logger := lp.Logger
	bg, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Mirror first so nothing the restore or the API changes is missed.
			lp.Engine.Start(context.Background())

			if _, err := lp.Reconciler.Restore(); err != nil {
				return fmt.Errorf("restore mirror: %w", err)
			}

			go func() {
				if err := lp.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			go resume(bg, lp.Facade, lp.Reconciler, logger)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			lp.Server.Stop(ctx)
			if err := lp.Facade.Close(); err != nil {
				logger.Warn("error closing chat", zap.Error(err))
			}
			lp.Outbox.Close()
			lp.Registry.Close()
			lp.Engine.Stop()
			if err := lp.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lp.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// resume refreshes the conversation list and reconnects the conversation
// that was selected before the last shutdown.
func resume(ctx context.Context, f *chat.Facade, r *intsync.Reconciler, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, startupLoadTimeout)
	defer cancel()

	convs, err := f.Load(ctx)
	if err != nil {
		logger.Warn("initial conversation load failed", zap.Error(err))
	} else {
		logger.Info("conversations loaded", zap.Int("count", len(convs)))
	}

	id, err := r.ActiveConversation()
	if err != nil {
		logger.Warn("cannot read last active conversation", zap.Error(err))
		return
	}
	if id == "" {
		return
	}
	if err := f.SelectConversation(ctx, id); err != nil {
		logger.Warn("cannot resume conversation", zap.String("conversation_id", id), zap.Error(err))
		return
	}
	logger.Info("resumed conversation", zap.String("conversation_id", id))
}
