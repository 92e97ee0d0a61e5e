package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const Version = "0.3.0"

// init sets up color profile for consistent terminal colors across environments
func init() {
	initColorProfile()
}

// initColorProfile configures the lipgloss color profile from the terminal.
// FACTORIO_DECK_COLOR overrides detection: truecolor, 256, 16, none.
func initColorProfile() {
	if colorEnv := os.Getenv("FACTORIO_DECK_COLOR"); colorEnv != "" {
		switch strings.ToLower(colorEnv) {
		case "truecolor", "true", "24bit":
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		case "256", "ansi256":
			lipgloss.SetColorProfile(termenv.ANSI256)
			return
		case "16", "ansi", "basic":
			lipgloss.SetColorProfile(termenv.ANSI)
			return
		case "none", "off", "ascii":
			lipgloss.SetColorProfile(termenv.Ascii)
			return
		}
	}

	if os.Getenv("NO_COLOR") != "" || !isTerminal(os.Stdout) {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}

	colorTerm := os.Getenv("COLORTERM")
	if colorTerm == "truecolor" || colorTerm == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}

	// Over SSH and in plain consoles ANSI256 is the safe choice.
	lipgloss.SetColorProfile(termenv.ANSI256)
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		os.Exit(1)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("factorio-deck v%s\n", Version)
	case "help", "--help", "-h":
		printHelp()
	case "serve":
		if err := runServe(args[1:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "list", "ls":
		handleList(args[1:])
	case "show":
		handleShow(args[1:])
	case "start", "stop", "kill", "update":
		handleAction(args[0], args[1:])
	case "send":
		handleSend(args[1:])
	case "logs":
		handleLogs(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Printf("factorio-deck v%s\n", Version)
	fmt.Println("Run and supervise Factorio dedicated servers.")
	fmt.Println()
	fmt.Println("Usage: factorio-deck <command> [options]")
	fmt.Println()
	fmt.Println("Controller:")
	fmt.Println("  serve                 Run the controller (HTTP API, wrapper socket, chat links)")
	fmt.Println()
	fmt.Println("Servers (talk to a running controller):")
	fmt.Println("  list, ls              List servers and their status")
	fmt.Println("  show <server>         Show one server")
	fmt.Println("  start <server>        Start a server")
	fmt.Println("  stop <server>         Stop a server gracefully")
	fmt.Println("  kill <server>         Kill a server")
	fmt.Println("  update <server>       Run the configured update command")
	fmt.Println("  send <server> <cmd>   Send a console command")
	fmt.Println("  logs <server>         Print the message history")
	fmt.Println()
	fmt.Println("Servers are matched by id, name or a fuzzy prefix.")
	fmt.Println("Set FACTORIO_DECK_HOME to use another base directory (default ~/.factorio-deck).")
}
