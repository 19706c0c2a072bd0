package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"topicpresence/internal/bus"
	"topicpresence/internal/presence"
	"topicpresence/internal/server"
	"topicpresence/internal/storage"
)

const shutdownTimeout = 5 * time.Second

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr   string
	server *http.Server
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop triggers a graceful shutdown and waits for it, bounded by ctx.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
	}
	h.cancel()
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the SQLite store, runs migrations, connects the optional
// Redis backplane and starts serving in the background. The server stops
// when ctx is done or Stop is called.
func RunServer(ctx context.Context, cfg ServerConfig, logger *zap.Logger) (*ServerHandle, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !strings.HasPrefix(cfg.DBPath, "sqlite://") && !strings.HasPrefix(cfg.DBPath, "file:") {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var backplane *bus.RedisBackplane
	hubOpts := bus.Options{
		BacklogSize:     cfg.Bus.BacklogSize,
		BacklogAge:      cfg.Bus.BacklogAge,
		AllowedPrefixes: []string{presence.ChannelPrefix},
		Logger:          logger.Named("bus"),
	}
	if cfg.Bus.RedisURL != "" {
		backplane, err = bus.NewRedisBackplane(ctx, cfg.Bus.RedisURL, cfg.Bus.RedisTopic, logger.Named("redis"))
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		hubOpts.Backplane = backplane
	}
	hub := bus.NewHub(hubOpts)

	srv := server.New(store, hub, server.Config{
		Settings: server.Settings{
			MaxUsersShown:            cfg.Presence.MaxUsersShown,
			AllowUsersToHidePresence: cfg.Presence.AllowUsersToHidePresence,
		},
		TokenTTL:       cfg.Auth.TokenTTL,
		AuthLimit:      cfg.Auth.AttemptsPerMin,
		AuthWindow:     time.Minute,
		PresenceLimit:  cfg.Presence.UpdatesPerMinute,
		PresenceWindow: time.Minute,
		TrustProxy:     cfg.Auth.TrustProxy,
		Logger:         logger.Named("http"),
	})

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		closeAll(logger, store, backplane)
		return nil, fmt.Errorf("listen: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	handle := &ServerHandle{
		addr:   listener.Addr().String(),
		server: &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	janitorInterval := cfg.Auth.JanitorInterval
	if janitorInterval <= 0 {
		janitorInterval = 10 * time.Minute
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		return hub.Run(groupCtx)
	})
	group.Go(func() error {
		return srv.RunJanitor(groupCtx, janitorInterval)
	})
	group.Go(func() error {
		err := handle.server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := handle.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("server shutdown error", zap.Error(err))
		}
		return nil
	})

	go func() {
		defer close(handle.done)
		handle.err = group.Wait()
		cancel()
		closeAll(logger, store, backplane)
	}()

	logger.Info("presence server listening",
		zap.String("addr", handle.addr),
		zap.String("db", cfg.DBPath),
		zap.Bool("redis", backplane != nil))
	return handle, nil
}

func closeAll(logger *zap.Logger, store *storage.Store, backplane *bus.RedisBackplane) {
	if backplane != nil {
		if err := backplane.Close(); err != nil {
			logger.Warn("redis close error", zap.Error(err))
		}
	}
	if err := store.Close(); err != nil {
		logger.Warn("store close error", zap.Error(err))
	}
}
