package client

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
)

// Session is the login persisted between runs.
type Session struct {
	ServerURL string `json:"server_url"`
	Username  string `json:"username"`
	UserID    int64  `json:"user_id"`
	Token     string `json:"token"`
}

// DefaultSessionPath returns the per-user location of the session file.
func DefaultSessionPath() string {
	if env := os.Getenv("PRESENCE_SESSION_FILE"); env != "" {
		return env
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "topicpresence", "session.json")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "TopicPresence", "session.json")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "topicpresence", "session.json")
	}
	return filepath.Join(".", ".topicpresence", "session.json")
}

func LoadSession(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	if session.Username == "" || session.Token == "" {
		return nil, errors.New("session file incomplete")
	}
	return &session, nil
}

func SaveSession(path string, session Session) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func DeleteSession(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
