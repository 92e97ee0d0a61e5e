package main

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorio-deck/factorio-deck/internal/manager"
	"github.com/factorio-deck/factorio-deck/internal/server"
)

func TestNormalizeArgs(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected []string
	}{
		{
			name:     "flags already before positional args",
			args:     []string{"--json", "main"},
			expected: []string{"--json", "main"},
		},
		{
			name:     "bool flag after positional arg",
			args:     []string{"main", "--json"},
			expected: []string{"--json", "main"},
		},
		{
			name:     "value flag after positional arg",
			args:     []string{"main", "-n", "20"},
			expected: []string{"-n", "20", "main"},
		},
		{
			name:     "flag with equals syntax",
			args:     []string{"main", "-n=5"},
			expected: []string{"-n=5", "main"},
		},
		{
			name:     "double dash keeps the rest positional",
			args:     []string{"main", "--", "/c", "-x"},
			expected: []string{"main", "/c", "-x"},
		},
		{
			name:     "empty",
			args:     []string{},
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := flag.NewFlagSet("test", flag.ContinueOnError)
			fs.Bool("json", false, "")
			fs.Int("n", 0, "")
			assert.Equal(t, tt.expected, normalizeArgs(fs, tt.args))
		})
	}
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "  ", " b ", "c"))
	assert.Equal(t, "", firstNonEmpty("", " "))
}

func sampleServers() []manager.Info {
	return []manager.Info{
		{InstanceData: server.InstanceData{ID: "vanilla", Name: "Vanilla World"}},
		{InstanceData: server.InstanceData{ID: "modded", Name: "Space Age Modded"}},
		{InstanceData: server.InstanceData{ID: "modtest", Name: "Mod Testing"}},
	}
}

func TestResolveServer(t *testing.T) {
	servers := sampleServers()

	tests := []struct {
		name       string
		identifier string
		wantID     string
		wantCode   string
	}{
		{name: "exact id", identifier: "modded", wantID: "modded"},
		{name: "name ignores case", identifier: "space age modded", wantID: "modded"},
		{name: "unique fuzzy match", identifier: "vnl", wantID: "vanilla"},
		{name: "ambiguous fuzzy match", identifier: "mod", wantCode: ErrCodeAmbiguous},
		{name: "no match", identifier: "xyz", wantCode: ErrCodeNotFound},
		{name: "empty identifier", identifier: "", wantCode: ErrCodeInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, msg, code := resolveServer(tt.identifier, servers)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, code)
				assert.NotEmpty(t, msg)
				return
			}
			require.Empty(t, msg)
			assert.Equal(t, tt.wantID, info.ID)
		})
	}
}

func TestResolveServerAmbiguousListsCandidates(t *testing.T) {
	_, msg, _ := resolveServer("mod", sampleServers())
	assert.Contains(t, msg, "modded (Space Age Modded)")
	assert.Contains(t, msg, "modtest (Mod Testing)")
	assert.NotContains(t, msg, "vanilla")
}

func TestTruncateAndPad(t *testing.T) {
	assert.Equal(t, "abc…", truncate("abcdef", 4))
	assert.Equal(t, "abc", truncate("abc", 4))
	assert.Equal(t, "ab  ", pad("ab", 4))
	assert.Equal(t, "日本  ", pad("日本", 6))
}

func TestStatusSymbol(t *testing.T) {
	assert.Equal(t, "●", StatusSymbol(server.StatusRunning))
	assert.Equal(t, "✕", StatusSymbol(server.StatusCrashed))
	assert.Equal(t, "○", StatusSymbol(server.StatusStopped))
	assert.Equal(t, "◐", StatusSymbol(server.StatusStarting))
}
