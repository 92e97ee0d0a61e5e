package logging

import (
	"bytes"
	"context"
	"log"
	"log/slog"
	"strings"
)

// BridgeWriter adapts slog to io.Writer for code that only speaks the
// standard log package (http.Server.ErrorLog, third-party libraries).
// A leading "[CATEGORY] " prefix becomes the component field.
type BridgeWriter struct {
	component string
	level     slog.Level
}

// NewBridgeWriter creates a writer that forwards each write as one record.
// defaultComponent is used when no [CATEGORY] prefix is present.
func NewBridgeWriter(defaultComponent string, level slog.Level) *BridgeWriter {
	return &BridgeWriter{component: defaultComponent, level: level}
}

// StdLogger returns a *log.Logger that writes through a BridgeWriter.
func StdLogger(component string, level slog.Level) *log.Logger {
	return log.New(NewBridgeWriter(component, level), "", 0)
}

// Write implements io.Writer.
func (bw *BridgeWriter) Write(p []byte) (int, error) {
	n := len(p)
	msg := string(bytes.TrimSpace(p))
	if msg == "" {
		return n, nil
	}
	msg = stripLogTimestamp(msg)

	component := bw.component
	if strings.HasPrefix(msg, "[") {
		if idx := strings.Index(msg, "] "); idx > 0 {
			component = canonicalComponent(strings.ToLower(msg[1:idx]))
			msg = msg[idx+2:]
		}
	}

	Logger().Log(context.Background(), bw.level, msg, slog.String("component", component))
	return n, nil
}

// stripLogTimestamp removes a "15:04:05 " or "15:04:05.000000 " prefix.
func stripLogTimestamp(s string) string {
	if len(s) > 16 && s[2] == ':' && s[5] == ':' && s[8] == '.' && s[15] == ' ' {
		return s[16:]
	}
	if len(s) > 9 && s[2] == ':' && s[5] == ':' && s[8] == ' ' {
		return s[9:]
	}
	return s
}

func canonicalComponent(cat string) string {
	switch cat {
	case "status":
		return CompStatus
	case "wrapper", "protocol":
		return CompWrapper
	case "http", "web", "ws":
		return CompWeb
	case "chat", "discord":
		return CompChat
	default:
		return cat
	}
}
