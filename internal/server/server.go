// Package server exposes the HTTP surface of the presence service: accounts,
// the presence publish endpoint, user preferences and the bus websocket.
package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"topicpresence/internal/bus"
	"topicpresence/internal/clock"
	"topicpresence/internal/presence"
	"topicpresence/internal/storage"
)

const (
	defaultTokenTTL       = 7 * 24 * time.Hour
	defaultAuthLimit      = 10
	defaultAuthWindow     = time.Minute
	defaultPresenceLimit  = 60
	defaultPresenceWindow = time.Minute
)

// Settings are the site-wide presence settings handed to clients.
type Settings struct {
	MaxUsersShown            int
	AllowUsersToHidePresence bool
}

// Config tunes a Server. Zero values pick the defaults.
type Config struct {
	Settings       Settings
	TokenTTL       time.Duration
	AuthLimit      int
	AuthWindow     time.Duration
	PresenceLimit  int
	PresenceWindow time.Duration
	// TrustProxy makes clientIP honour X-Forwarded-For.
	TrustProxy bool
	Clock      clock.Clock
	Logger     *zap.Logger
}

// Server holds the dependencies shared by the HTTP handlers.
type Server struct {
	store           *storage.Store
	hub             *bus.Hub
	metrics         *Metrics
	authLimiter     *RateLimiter
	presenceLimiter *RateLimiter
	settings        Settings
	tokenTTL        time.Duration
	trustProxy      bool
	clock           clock.Clock
	logger          *zap.Logger
}

// New wires a Server around an opened store and a running hub.
func New(store *storage.Store, hub *bus.Hub, cfg Config) *Server {
	if cfg.Settings.MaxUsersShown <= 0 {
		cfg.Settings.MaxUsersShown = presence.DefaultDisplayLimit
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.AuthLimit <= 0 {
		cfg.AuthLimit = defaultAuthLimit
	}
	if cfg.AuthWindow <= 0 {
		cfg.AuthWindow = defaultAuthWindow
	}
	if cfg.PresenceLimit <= 0 {
		cfg.PresenceLimit = defaultPresenceLimit
	}
	if cfg.PresenceWindow <= 0 {
		cfg.PresenceWindow = defaultPresenceWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Server{
		store:           store,
		hub:             hub,
		metrics:         NewMetrics(hub),
		authLimiter:     NewRateLimiter(cfg.AuthLimit, cfg.AuthWindow, cfg.Clock),
		presenceLimiter: NewRateLimiter(cfg.PresenceLimit, cfg.PresenceWindow, cfg.Clock),
		settings:        cfg.Settings,
		tokenTTL:        cfg.TokenTTL,
		trustProxy:      cfg.TrustProxy,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
	}
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/signup", s.HandleSignup)
	mux.HandleFunc("/login", s.HandleLogin)
	mux.HandleFunc("/logout", s.HandleLogout)
	mux.HandleFunc("/presence/update", s.HandlePresenceUpdate)
	mux.HandleFunc("/presence/settings", s.HandlePresenceSettings)
	mux.HandleFunc("/presence/preferences", s.HandlePresencePreferences)
	mux.HandleFunc("/bus", s.HandleBus)
	mux.Handle("/metrics", s.MetricsHandler())
	return mux
}

// MetricsHandler serves the JSON counters.
func (s *Server) MetricsHandler() http.Handler {
	return s.metrics
}

// Metrics exposes the counters, mainly for tests.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// RunJanitor deletes expired sessions and idle rate limiter keys every
// interval until ctx is done.
func (s *Server) RunJanitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.authLimiter.Forget()
			s.presenceLimiter.Forget()
			removed, err := s.store.DeleteExpiredSessions(ctx, s.clock.Now())
			if err != nil {
				s.logger.Warn("session cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				s.logger.Debug("expired sessions removed", zap.Int64("count", removed))
			}
		}
	}
}

func (s *Server) clientIP(r *http.Request) string {
	if s.trustProxy {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
