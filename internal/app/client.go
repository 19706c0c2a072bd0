package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"topicpresence/internal/client"
)

// ErrNotLoggedIn is returned when no usable session file exists.
var ErrNotLoggedIn = errors.New("not logged in, run `presence login` first")

// Login authenticates against the server and persists the session.
func Login(ctx context.Context, cfg ClientConfig, username, password string) (*client.Session, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("server URL is required")
	}
	result, err := client.NewAPIClient(cfg.ServerURL, "").Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	session := client.Session{
		ServerURL: cfg.ServerURL,
		Username:  result.Username,
		UserID:    result.UserID,
		Token:     result.Token,
	}
	if err := client.SaveSession(cfg.SessionPath, session); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return &session, nil
}

// Signup creates the account and logs it in.
func Signup(ctx context.Context, cfg ClientConfig, username, password, name string) (*client.Session, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("server URL is required")
	}
	if err := client.NewAPIClient(cfg.ServerURL, "").Signup(ctx, username, password, name); err != nil {
		return nil, err
	}
	return Login(ctx, cfg, username, password)
}

// Logout ends the stored session on the server and deletes the file.
func Logout(ctx context.Context, cfg ClientConfig) error {
	session, err := client.LoadSession(cfg.SessionPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	err = client.NewAPIClient(session.ServerURL, session.Token).Logout(ctx)
	if err != nil && !errors.Is(err, client.ErrUnauthorized) {
		return err
	}
	return client.DeleteSession(cfg.SessionPath)
}

// SetHidePresence updates the stored user's hide-presence preference.
func SetHidePresence(ctx context.Context, cfg ClientConfig, hide bool) (*client.Settings, error) {
	session, err := loadSession(cfg)
	if err != nil {
		return nil, err
	}
	return client.NewAPIClient(session.ServerURL, session.Token).SetHidePresence(ctx, hide)
}

// RunWatch launches the watch TUI for topicID with the stored session.
func RunWatch(ctx context.Context, cfg ClientConfig, topicID int64, logger *zap.Logger) error {
	session, err := loadSession(cfg)
	if err != nil {
		return err
	}
	err = client.RunWatch(ctx, client.WatchConfig{
		ServerURL: session.ServerURL,
		Token:     session.Token,
		TopicID:   topicID,
		Logger:    logger,
	})
	if errors.Is(err, client.ErrUnauthorized) {
		_ = client.DeleteSession(cfg.SessionPath)
		return ErrNotLoggedIn
	}
	return err
}

func loadSession(cfg ClientConfig) (*client.Session, error) {
	session, err := client.LoadSession(cfg.SessionPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotLoggedIn
		}
		return nil, err
	}
	if session.ServerURL == "" {
		session.ServerURL = cfg.ServerURL
	}
	return session, nil
}

// EnsureLogDir creates the directories of file log outputs.
func EnsureLogDir(paths []string) error {
	for _, path := range paths {
		switch path {
		case "stdout", "stderr", "":
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return err
		}
	}
	return nil
}
