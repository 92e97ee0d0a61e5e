package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/factorio-deck/factorio-deck/internal/manager"
	"github.com/factorio-deck/factorio-deck/internal/server"
)

// Table column widths for list command output
const (
	tableColID      = 14
	tableColName    = 24
	tableColStatus  = 18
	tableColVersion = 10
)

const requestTimeout = 30 * time.Second

func parseFlags(fs *flag.FlagSet, args []string) {
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func mustClient(out *CLIOutput) *apiClient {
	c, err := clientFromConfig()
	if err != nil {
		out.Error(fmt.Sprintf("failed to load config: %v", err), ErrCodeInvalid)
		os.Exit(1)
	}
	return c
}

func exitWithAPIError(out *CLIOutput, err error) {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		out.Error(apiErr.Message, apiErr.Code)
	} else {
		out.Error(err.Error(), "UNREACHABLE")
	}
	os.Exit(1)
}

// lookupServer resolves identifier against the controller's server list.
func lookupServer(ctx context.Context, out *CLIOutput, c *apiClient, identifier string) manager.Info {
	servers, err := c.List(ctx)
	if err != nil {
		exitWithAPIError(out, err)
	}
	info, msg, code := resolveServer(identifier, servers)
	if msg != "" {
		out.Error(msg, code)
		os.Exit(1)
	}
	return info
}

func handleList(args []string) {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: factorio-deck list [--json]")
		fmt.Println()
		fmt.Println("List all servers with their status.")
	}
	parseFlags(fs, args)

	out := NewCLIOutput(*jsonOutput)
	c := mustClient(out)
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	servers, err := c.List(ctx)
	if err != nil {
		exitWithAPIError(out, err)
	}
	if *jsonOutput {
		out.Print("", servers)
		return
	}
	if len(servers) == 0 {
		fmt.Println("No servers configured.")
		return
	}
	fmt.Print(formatServerTable(servers))
}

func formatServerTable(servers []manager.Info) string {
	var b strings.Builder
	header := pad("ID", tableColID) + " " + pad("NAME", tableColName) + " " +
		pad("STATUS", tableColStatus) + " " + pad("VERSION", tableColVersion) + " WRAPPER"
	b.WriteString(styleHeading.Render(header) + "\n")
	b.WriteString(strings.Repeat("-", tableColID+tableColName+tableColStatus+tableColVersion+12) + "\n")

	for _, s := range servers {
		wrapperState := "-"
		switch {
		case s.Connected:
			wrapperState = "connected"
		case s.HasProcess:
			wrapperState = "starting"
		}
		fmt.Fprintf(&b, "%s %s %s %s %s\n",
			pad(s.ID, tableColID),
			pad(s.DisplayName(), tableColName),
			statusCell(s.Status, tableColStatus),
			pad(s.Version, tableColVersion),
			wrapperState)
	}
	fmt.Fprintf(&b, "\nTotal: %d servers\n", len(servers))
	return b.String()
}

// statusCell pads after colouring so escape codes do not count toward the
// column width.
func statusCell(status server.Status, width int) string {
	plain := StatusSymbol(status) + " " + status.String()
	padding := width - runewidth.StringWidth(plain)
	if padding < 0 {
		padding = 0
	}
	return renderStatus(status) + strings.Repeat(" ", padding)
}

func handleShow(args []string) {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: factorio-deck show <server> [--json]")
	}
	parseFlags(fs, args)

	out := NewCLIOutput(*jsonOutput)
	if fs.NArg() != 1 {
		out.Error("exactly one server is required", ErrCodeInvalid)
		os.Exit(1)
	}
	c := mustClient(out)
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	info := lookupServer(ctx, out, c, fs.Arg(0))
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", styleHeading.Render(info.DisplayName()))
	fmt.Fprintf(&b, "  id:          %s\n", info.ID)
	fmt.Fprintf(&b, "  status:      %s\n", renderStatus(info.Status))
	if info.Version != "" {
		fmt.Fprintf(&b, "  version:     %s\n", info.Version)
	}
	if info.Description != "" {
		fmt.Fprintf(&b, "  description: %s\n", info.Description)
	}
	fmt.Fprintf(&b, "  executable:  %s %s\n", info.Executable, strings.Join(info.Args, " "))
	fmt.Fprintf(&b, "  directory:   %s\n", info.WorkingDir)
	fmt.Fprintf(&b, "  wrapper:     connected=%t process=%t\n", info.Connected, info.HasProcess)
	if info.ChannelID != "" {
		fmt.Fprintf(&b, "  channel:     %s\n", info.ChannelID)
	}
	out.Print(b.String(), info)
}

func handleAction(action string, args []string) {
	fs := flag.NewFlagSet(action, flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Printf("Usage: factorio-deck %s <server> [--json]\n", action)
	}
	parseFlags(fs, args)

	out := NewCLIOutput(*jsonOutput)
	if fs.NArg() != 1 {
		out.Error("exactly one server is required", ErrCodeInvalid)
		os.Exit(1)
	}
	c := mustClient(out)
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	target := lookupServer(ctx, out, c, fs.Arg(0))
	info, err := c.Action(ctx, target.ID, action)
	if err != nil {
		exitWithAPIError(out, err)
	}
	out.Success(fmt.Sprintf("%s %s: %s", actionVerb(action), info.DisplayName(), info.Status), info)
}

func actionVerb(action string) string {
	switch action {
	case "start":
		return "Starting"
	case "stop":
		return "Stopping"
	case "kill":
		return "Killing"
	case "update":
		return "Updating"
	default:
		return action
	}
}

func handleSend(args []string) {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: factorio-deck send <server> <command...>")
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  factorio-deck send main /players online")
		fmt.Println("  factorio-deck send main -- /c game.print('hi')")
	}
	parseFlags(fs, args)

	out := NewCLIOutput(*jsonOutput)
	if fs.NArg() < 2 {
		out.Error("a server and a command are required", ErrCodeInvalid)
		os.Exit(1)
	}
	command := strings.Join(fs.Args()[1:], " ")
	c := mustClient(out)
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	target := lookupServer(ctx, out, c, fs.Arg(0))
	if err := c.Command(ctx, target.ID, command); err != nil {
		exitWithAPIError(out, err)
	}
	out.Success(fmt.Sprintf("Sent to %s: %s", target.DisplayName(), command),
		map[string]any{"success": true, "server": target.ID, "command": command})
}

func handleLogs(args []string) {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	tail := fs.Int("n", 0, "Only print the last n messages")
	fs.Usage = func() {
		fmt.Println("Usage: factorio-deck logs <server> [-n count] [--json]")
	}
	parseFlags(fs, args)

	out := NewCLIOutput(*jsonOutput)
	if fs.NArg() != 1 {
		out.Error("exactly one server is required", ErrCodeInvalid)
		os.Exit(1)
	}
	c := mustClient(out)
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	target := lookupServer(ctx, out, c, fs.Arg(0))
	history, err := c.History(ctx, target.ID)
	if err != nil {
		exitWithAPIError(out, err)
	}
	if *tail > 0 && len(history) > *tail {
		history = history[len(history)-*tail:]
	}
	out.Print(formatHistory(history), history)
}

func formatHistory(history []server.ControlMessage) string {
	var b strings.Builder
	for _, msg := range history {
		line := fmt.Sprintf("%s %-7s %s", msg.Time.Local().Format("15:04:05"), msg.Type, msg.Text)
		switch msg.Type {
		case server.MessageError:
			line = styleBad.Render(line)
		case server.MessageStatus:
			line = styleBusy.Render(line)
		case server.MessageWrapper, server.MessageControl:
			line = styleIdle.Render(line)
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}
