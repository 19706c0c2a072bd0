package client

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.json")
	want := Session{ServerURL: "http://localhost:8080", Username: "alice", UserID: 7, Token: "tok"}
	require.NoError(t, SaveSession(path, want))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := LoadSession(path)
	require.NoError(t, err)
	assert.Equal(t, want, *got)

	require.NoError(t, DeleteSession(path))
	_, err = LoadSession(path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, DeleteSession(path))
}

func TestLoadSessionIncomplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"username":"alice"}`), 0o600))
	_, err := LoadSession(path)
	assert.EqualError(t, err, "session file incomplete")
}

func TestDefaultSessionPathHonoursEnv(t *testing.T) {
	t.Setenv("PRESENCE_SESSION_FILE", "/tmp/custom.json")
	assert.Equal(t, "/tmp/custom.json", DefaultSessionPath())

	t.Setenv("PRESENCE_SESSION_FILE", "")
	t.Setenv("XDG_DATA_HOME", "/data")
	assert.Equal(t, filepath.Join("/data", "topicpresence", "session.json"), DefaultSessionPath())
}

func TestBusURLFromBase(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080":      "ws://localhost:8080/bus",
		"https://example.com/":       "wss://example.com/bus",
		"https://example.com/prefix": "wss://example.com/prefix/bus",
	}
	for base, want := range cases {
		got, err := busURLFromBase(base)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := busURLFromBase("ftp://example.com")
	assert.Error(t, err)
}
