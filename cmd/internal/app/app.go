// Package app wires the Slate chat runtime: config, logging, HTTP routes,
// and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"slate/cmd/internal/api"
	"slate/cmd/internal/attach"
	"slate/cmd/internal/chat"
	"slate/cmd/internal/directory"
	"slate/cmd/internal/realtime"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow backing resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the Slate server runtime. It owns the HTTP server wiring, the
// chat service, and the realtime hub.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	hub *realtime.Hub
	ws  *realtime.WSGateway

	chatAPI *api.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogPretty)
	}

	st, dbPool, dbEnabled, msgStore, users, err := newStores(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	files, err := newAttachStore(cfg, log)
	if err != nil {
		_ = st.Close(context.Background())
		return nil, err
	}

	hub := realtime.NewHub(log, cfg.FanoutQueueSize)

	svc, err := chat.NewService(msgStore, users, files, hub, log)
	if err != nil {
		_ = st.Close(context.Background())
		return nil, err
	}

	chatAPI, err := api.NewHandler(log, svc, files)
	if err != nil {
		_ = st.Close(context.Background())
		return nil, err
	}

	ws := realtime.NewWSGateway(log, hub, wsIdentity)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     composedStore{st, files},
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		hub:       hub,
		ws:        ws,
		chatAPI:   chatAPI,
	}, nil
}

// wsIdentity reads the trusted gateway identity header for WS upgrades.
func wsIdentity(r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(api.HeaderUser))
	return userID, userID != ""
}

// Run starts the fanout loop and HTTP server, blocking until context
// cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	go a.hub.Run(ctx)

	router := mux.NewRouter()
	registerHTTP(router, a.log, a.cfg, a.dbPool, a.dbEnabled, a.chatAPI, a.ws)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(router, a.log),
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

// newStores decides between Postgres-backed persistence and the in-memory
// dev stores.
func newStores(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, chat.MessageStore, directory.Resolver, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return nopStore{}, nil, false, chat.NewInMemoryStore(), directory.NewInMemoryResolver(), nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, nil, nil, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

	// Ownership model: app owns the pool lifecycle, the stores do not
	// close it.
	msgStore, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, nil, err
	}

	users, err := directory.NewPostgresResolver(pool, directory.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, nil, err
	}

	return dbStore{pool: pool, msgStore: msgStore}, pool, true, msgStore, users, nil
}

// newAttachStore builds the attachment blob store: Pebble when a data
// directory is configured, in-memory otherwise.
func newAttachStore(cfg Config, log Logger) (attach.Store, error) {
	if cfg.AttachDir == "" {
		log.Info("attach.inmemory_store")
		return attach.NewInMemoryStore(), nil
	}

	log.Info("attach.pebble_store", "dir", cfg.AttachDir)
	return attach.NewPebbleStore(cfg.AttachDir, attach.WithMaxBytes(cfg.AttachMaxBytes))
}

type dbStore struct {
	pool     *pgxpool.Pool
	msgStore chat.MessageStore
}

func (s dbStore) Close(_ context.Context) error {
	if s.msgStore != nil {
		_ = s.msgStore.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// composedStore closes the persistence store and the attachment store
// together on shutdown.
type composedStore struct {
	db    Store
	files attach.Store
}

func (s composedStore) Close(ctx context.Context) error {
	var first error
	if s.db != nil {
		first = s.db.Close(ctx)
	}
	if s.files != nil {
		if err := s.files.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
