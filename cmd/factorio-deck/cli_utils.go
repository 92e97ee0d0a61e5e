package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/sahilm/fuzzy"
	"golang.org/x/term"

	"github.com/factorio-deck/factorio-deck/internal/manager"
	"github.com/factorio-deck/factorio-deck/internal/server"
)

// normalizeArgs reorders args so flags come before positional arguments.
// Go's flag package stops parsing at the first non-flag argument, which means
// "show main --json" silently ignores --json. Everything after "--" stays
// positional.
func normalizeArgs(fs *flag.FlagSet, args []string) []string {
	boolFlags := make(map[string]bool)
	fs.VisitAll(func(f *flag.Flag) {
		if bf, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && bf.IsBoolFlag() {
			boolFlags[f.Name] = true
		}
	})

	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]

		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}

		if strings.HasPrefix(arg, "-") && arg != "-" {
			flags = append(flags, arg)

			name := strings.TrimLeft(arg, "-")
			if strings.Contains(name, "=") {
				continue
			}
			if !boolFlags[name] && i+1 < len(args) {
				i++
				flags = append(flags, args[i])
			}
		} else {
			positional = append(positional, arg)
		}
	}
	return append(flags, positional...)
}

// firstNonEmpty returns the first non-empty string after trimming whitespace.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// CLIOutput prints either human-readable text or JSON.
type CLIOutput struct {
	jsonMode bool
}

func NewCLIOutput(jsonMode bool) *CLIOutput {
	return &CLIOutput{jsonMode: jsonMode}
}

// Success prints a success message or JSON response
func (c *CLIOutput) Success(message string, data any) {
	if c.jsonMode {
		c.printJSON(data)
		return
	}
	fmt.Printf("%s %s\n", successSymbol, message)
}

// Error prints an error message or JSON error response
func (c *CLIOutput) Error(message, code string) {
	if c.jsonMode {
		c.printJSON(map[string]any{
			"success": false,
			"error":   message,
			"code":    code,
		})
		return
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", errorSymbol, message)
}

// Print prints data (human-readable or JSON)
func (c *CLIOutput) Print(humanOutput string, jsonData any) {
	if c.jsonMode {
		c.printJSON(jsonData)
		return
	}
	fmt.Print(humanOutput)
}

func (c *CLIOutput) printJSON(data any) {
	output, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to format JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(output))
}

const (
	successSymbol = "✓"
	errorSymbol   = "✕"
)

// Error codes for resolution failures; API failures reuse the controller's.
const (
	ErrCodeNotFound  = "NOT_FOUND"
	ErrCodeAmbiguous = "AMBIGUOUS"
	ErrCodeInvalid   = "INVALID_REQUEST"
)

type serverSource []manager.Info

func (s serverSource) String(i int) string {
	return s[i].ID + " " + s[i].Name
}

func (s serverSource) Len() int {
	return len(s)
}

// resolveServer finds a server by id, by name (case-insensitive), or by a
// unique fuzzy match. It returns an error message and code when none fits.
func resolveServer(identifier string, servers []manager.Info) (manager.Info, string, string) {
	if identifier == "" {
		return manager.Info{}, "server identifier is required", ErrCodeInvalid
	}

	for _, s := range servers {
		if s.ID == identifier {
			return s, "", ""
		}
	}
	for _, s := range servers {
		if strings.EqualFold(s.Name, identifier) {
			return s, "", ""
		}
	}

	matches := fuzzy.FindFrom(identifier, serverSource(servers))
	switch len(matches) {
	case 0:
		return manager.Info{}, fmt.Sprintf("server '%s' not found", identifier), ErrCodeNotFound
	case 1:
		return servers[matches[0].Index], "", ""
	}

	names := make([]string, 0, len(matches))
	for _, m := range matches {
		s := servers[m.Index]
		names = append(names, fmt.Sprintf("%s (%s)", s.ID, s.DisplayName()))
	}
	return manager.Info{}, fmt.Sprintf("'%s' matches multiple servers:\n  - %s\nUse the full id.",
		identifier, strings.Join(names, "\n  - ")), ErrCodeAmbiguous
}

var (
	styleGood    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleBusy    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleBad     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	styleIdle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	styleHeading = lipgloss.NewStyle().Bold(true)
)

// StatusSymbol returns the symbol for a status
func StatusSymbol(status server.Status) string {
	switch status {
	case server.StatusRunning:
		return "●"
	case server.StatusCrashed, server.StatusErrored, server.StatusKilled:
		return "✕"
	case server.StatusStopped, server.StatusUpdated, server.StatusUnknown:
		return "○"
	default:
		return "◐"
	}
}

// renderStatus colours a status name by how healthy it is.
func renderStatus(status server.Status) string {
	text := StatusSymbol(status) + " " + status.String()
	switch status {
	case server.StatusRunning:
		return styleGood.Render(text)
	case server.StatusCrashed, server.StatusErrored, server.StatusKilled:
		return styleBad.Render(text)
	case server.StatusStopped, server.StatusUpdated, server.StatusUnknown:
		return styleIdle.Render(text)
	default:
		return styleBusy.Render(text)
	}
}

// truncate shortens s to width display cells with an ellipsis.
func truncate(s string, width int) string {
	return runewidth.Truncate(s, width, "…")
}

// pad right-pads s to width display cells.
func pad(s string, width int) string {
	return runewidth.FillRight(truncate(s, width), width)
}
