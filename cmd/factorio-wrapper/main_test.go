package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptions(t *testing.T) {
	opts, err := parseOptions([]string{
		"-server-id", "main",
		"-socket", "/tmp/deck.sock",
		"-dir", "/srv/factorio",
		"--", "bin/x64/factorio", "--start-server", "save.zip",
	})
	require.NoError(t, err)
	assert.Equal(t, "main", opts.serverID)
	assert.Equal(t, "/tmp/deck.sock", opts.socket)
	assert.Equal(t, "/srv/factorio", opts.dir)
	assert.Equal(t, []string{"bin/x64/factorio", "--start-server", "save.zip"}, opts.command)
}

func TestParseOptionsRequiresFields(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing id", []string{"-socket", "s", "--", "f"}, "-server-id"},
		{"missing socket", []string{"-server-id", "a", "--", "f"}, "-socket"},
		{"missing command", []string{"-server-id", "a", "-socket", "s"}, "game command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseOptions(tt.args)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
