package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func splitRecords(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var r map[string]any
		require.NoError(t, json.Unmarshal(line, &r), string(line))
		out = append(out, r)
	}
	return out
}

func TestInitWritesJSONL(t *testing.T) {
	Shutdown()

	dir := t.TempDir()
	Init(Config{LogDir: dir})
	defer Shutdown()

	Logger().Info("test_message", "key", "value")

	data, err := os.ReadFile(filepath.Join(dir, "controller.log"))
	require.NoError(t, err)
	records := splitRecords(t, data)
	require.Len(t, records, 1)
	require.Equal(t, "test_message", records[0]["msg"])
	require.Equal(t, "value", records[0]["key"])
}

func TestInitWithoutOutputsDiscards(t *testing.T) {
	Shutdown()
	Init(Config{})
	defer Shutdown()

	require.NotNil(t, Logger())
	Logger().Info("this goes nowhere")
}

func TestForComponentBeforeInit(t *testing.T) {
	Shutdown()

	// Created before Init, like package-level loggers.
	cl := ForComponent(CompSupervisor)

	dir := t.TempDir()
	Init(Config{LogDir: dir, FileName: "wrapper.log"})
	defer Shutdown()

	cl.With("server_id", "alpha").Info("wrapper_started", "pid", 42)

	data, err := os.ReadFile(filepath.Join(dir, "wrapper.log"))
	require.NoError(t, err)
	records := splitRecords(t, data)
	require.Len(t, records, 1)
	require.Equal(t, CompSupervisor, records[0]["component"])
	require.Equal(t, "alpha", records[0]["server_id"])
}

func TestLevelFiltering(t *testing.T) {
	Shutdown()

	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "warn"})
	defer Shutdown()

	Logger().Info("should_be_filtered")
	Logger().Warn("should_appear")

	data, err := os.ReadFile(filepath.Join(dir, "controller.log"))
	require.NoError(t, err)
	records := splitRecords(t, data)
	require.Len(t, records, 1)
	require.Equal(t, "should_appear", records[0]["msg"])
}

func TestTextFormat(t *testing.T) {
	Shutdown()

	dir := t.TempDir()
	Init(Config{LogDir: dir, Format: "text"})
	defer Shutdown()

	Logger().Info("text_format_test")

	data, err := os.ReadFile(filepath.Join(dir, "controller.log"))
	require.NoError(t, err)
	var record map[string]any
	require.Error(t, json.Unmarshal(data, &record))
	require.Contains(t, string(data), "msg=text_format_test")
}

func TestDumpCrashRing(t *testing.T) {
	Shutdown()

	dir := t.TempDir()
	Init(Config{LogDir: dir, CrashLines: 2})
	defer Shutdown()

	Logger().Info("one")
	Logger().Info("two")
	Logger().Info("three")

	dumpPath := filepath.Join(dir, "crash-dump.jsonl")
	require.NoError(t, DumpCrashRing(dumpPath))

	data, err := os.ReadFile(dumpPath)
	require.NoError(t, err)
	records := splitRecords(t, data)
	require.Len(t, records, 2)
	require.Equal(t, "two", records[0]["msg"])
	require.Equal(t, "three", records[1]["msg"])
}
