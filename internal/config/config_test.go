package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/factorio-deck/factorio-deck/internal/server"
)

const sampleConfig = `
[controller]
listen = "0.0.0.0:9000"
history_size = 50
token = "s3cret"

[wrapper]
executable = "/usr/local/bin/factorio-wrapper"

[logs]
level = "debug"
format = "text"

[chat]
endpoint = "http://localhost:7000"
topic_delay_seconds = 60

[[servers]]
id = "main"
name = "Main"
version = "1.1.110"
executable = "/opt/factorio/bin/x64/factorio"
args = ["--start-server", "main.zip"]
channel_id = "123"

[[servers]]
id = "test"
executable = "/opt/factorio/bin/x64/factorio"
working_dir = "/srv/test"
update_command = "/usr/local/bin/update"
update_args = ["--stable"]
`

func TestParse(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(sampleConfig), "/base")
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:9000", cfg.Controller.Listen)
	require.Equal(t, 50, cfg.Controller.HistorySize)
	require.Equal(t, "s3cret", cfg.Controller.Token)
	require.Equal(t, "/base/controller.sock", cfg.Controller.Socket)
	require.Equal(t, "/base/state.db", cfg.Controller.DBPath)
	require.Equal(t, "/usr/local/bin/factorio-wrapper", cfg.Wrapper.Executable)
	require.Equal(t, "/base/logs/wrappers", cfg.Wrapper.LogDir)
	require.Equal(t, "debug", cfg.Logs.Level)
	require.Equal(t, "text", cfg.Logs.Format)
	require.True(t, cfg.Chat.Enabled())
	require.Equal(t, time.Minute, cfg.Chat.TopicDelay())
	require.Equal(t, 2*time.Second, cfg.Chat.FlushInterval())

	require.Len(t, cfg.Servers, 2)
	main, ok := cfg.Server("main")
	require.True(t, ok)
	require.Equal(t, "Main", main.Name)
	require.Equal(t, []string{"--start-server", "main.zip"}, main.Args)
	require.Equal(t, "/base/servers/main", main.WorkingDir)
	require.Equal(t, "123", main.ChannelID)

	test, ok := cfg.Server("test")
	require.True(t, ok)
	require.Equal(t, "/srv/test", test.WorkingDir)
	require.Equal(t, "/usr/local/bin/update", test.UpdateCommand)
	require.Equal(t, []string{"--stable"}, test.UpdateArgs)
	require.Equal(t, "test", test.DisplayName())

	_, ok = cfg.Server("nope")
	require.False(t, ok)
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	cfg := Default("/base")
	require.Equal(t, DefaultListen, cfg.Controller.Listen)
	require.Equal(t, server.DefaultHistorySize, cfg.Controller.HistorySize)
	require.Equal(t, DefaultWrapper, cfg.Wrapper.Executable)
	require.Equal(t, "/base/logs", cfg.Logs.Dir)
	require.Equal(t, "info", cfg.Logs.Level)
	require.Equal(t, "json", cfg.Logs.Format)
	require.False(t, cfg.Chat.Enabled())
	require.Equal(t, DefaultTopicDelay, cfg.Chat.TopicDelay())
	require.Empty(t, cfg.Servers)

	lc := cfg.Logging("controller.log")
	require.Equal(t, "/base/logs", lc.LogDir)
	require.Equal(t, "controller.log", lc.FileName)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, FileName))
	require.NoError(t, err)
	require.Equal(t, dir, cfg.BaseDir)
	require.Equal(t, filepath.Join(dir, DefaultSocketName), cfg.Controller.Socket)
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		doc  string
		err  error
	}{
		{"missing id", "[[servers]]\nexecutable = \"f\"\n", ErrInvalidServer},
		{"missing executable", "[[servers]]\nid = \"a\"\n", ErrInvalidServer},
		{"duplicate", "[[servers]]\nid = \"a\"\nexecutable = \"f\"\n[[servers]]\nid = \"a\"\nexecutable = \"f\"\n", ErrDuplicateServer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tc.doc), "/base")
			require.ErrorIs(t, err, tc.err)
		})
	}

	_, err := Parse([]byte("[controller\n"), "/base")
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse error")
}

func TestSaveRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	cfg, err := Parse([]byte(sampleConfig), dir)
	require.NoError(t, err)

	require.NoError(t, Save(path, cfg))
	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Controller, loaded.Controller)
	require.Equal(t, cfg.Servers, loaded.Servers)
}

func TestBaseDirEnv(t *testing.T) {
	t.Setenv(HomeEnv, "/tmp/fd-home")
	dir, err := BaseDir()
	require.NoError(t, err)
	require.Equal(t, "/tmp/fd-home", dir)

	p, err := Path()
	require.NoError(t, err)
	require.Equal(t, "/tmp/fd-home/config.toml", p)
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	var mu sync.Mutex
	var got []*Config
	w, err := NewWatcher(path, func(c *Config) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// A broken file is ignored.
	require.NoError(t, os.WriteFile(path, []byte("[controller\n"), 0o600))
	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	require.Empty(t, got)
	mu.Unlock()

	// Several quick writes collapse into one reload.
	updated := sampleConfig + "\n[[servers]]\nid = \"third\"\nexecutable = \"f\"\n"
	for range 3 {
		require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && len(got[0].Servers) == 3
	}, 2*time.Second, 10*time.Millisecond)

	// Unrelated files in the directory do not trigger a reload.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.toml"), []byte("x"), 0o600))
	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	require.Len(t, got, 1)
	mu.Unlock()
}
