package wrapper

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/factorio-deck/factorio-deck/internal/server"
)

type fakeHandler struct {
	mu      sync.Mutex
	calls   []string
	status  server.Status
	stopErr error
}

func (h *fakeHandler) record(call string) {
	h.mu.Lock()
	h.calls = append(h.calls, call)
	h.mu.Unlock()
}

func (h *fakeHandler) SendToFactorio(data string) error {
	h.record("send:" + data)
	return nil
}

func (h *fakeHandler) Stop() error {
	h.record("stop")
	return h.stopErr
}

func (h *fakeHandler) ForceStop() error {
	h.record("force_stop")
	return nil
}

func (h *fakeHandler) Status() server.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *fakeHandler) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func TestClientRegistersFirst(t *testing.T) {
	t.Parallel()

	wrapEnd, ctrlEnd := pipeConns(t)
	go func() { _, _ = NewClient(wrapEnd, "srv-9") }()

	msg, err := ctrlEnd.Receive()
	require.NoError(t, err)
	require.Equal(t, TypeRegister, msg.Type)
	require.Equal(t, "srv-9", msg.ServerID)
	require.False(t, msg.Time.IsZero())
}

func TestClientServeDispatchesCommands(t *testing.T) {
	t.Parallel()

	wrapEnd, ctrlEnd := pipeConns(t)
	h := &fakeHandler{status: server.StatusRunning, stopErr: errors.New("not running")}

	clientCh := make(chan *Client, 1)
	go func() {
		cl, err := NewClient(wrapEnd, "srv-1")
		if err == nil {
			clientCh <- cl
		}
	}()
	_, err := ctrlEnd.Receive()
	require.NoError(t, err)
	cl := <-clientCh

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- cl.Serve(ctx, h) }()

	require.NoError(t, ctrlEnd.Send(SendToFactorioMessage("/players")))
	require.NoError(t, ctrlEnd.Send(GetStatusMessage("42")))

	reply, err := ctrlEnd.Receive()
	require.NoError(t, err)
	require.Equal(t, TypeStatusReply, reply.Type)
	require.Equal(t, "42", reply.RequestID)
	require.Equal(t, server.StatusRunning, reply.NewStatus)

	// A failed command is reported back as wrapper output.
	require.NoError(t, ctrlEnd.Send(StopMessage()))
	out, err := ctrlEnd.Receive()
	require.NoError(t, err)
	require.Equal(t, TypeWrapperOutput, out.Type)
	require.True(t, strings.Contains(out.Data, "not running"), out.Data)

	require.NoError(t, ctrlEnd.Send(ForceStopMessage()))
	require.Eventually(t, func() bool { return len(h.snapshot()) == 3 }, waitFor, tick)
	require.Equal(t, []string{"send:/players", "stop", "force_stop"}, h.snapshot())

	require.NoError(t, ctrlEnd.Close())
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Serve did not return")
	}
}

func TestClientServeReleasesResourcesPerConnection(t *testing.T) {
	// Not parallel: counts goroutines.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveOnce := func() {
		wrapEnd, ctrlEnd := pipeConns(t)
		clientCh := make(chan *Client, 1)
		go func() {
			cl, err := NewClient(wrapEnd, "srv-1")
			if err == nil {
				clientCh <- cl
			}
		}()
		_, err := ctrlEnd.Receive()
		require.NoError(t, err)
		cl := <-clientCh

		served := make(chan error, 1)
		go func() { served <- cl.Serve(ctx, &fakeHandler{}) }()
		require.NoError(t, ctrlEnd.Close())
		select {
		case err := <-served:
			require.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatal("Serve did not return")
		}
	}

	serveOnce()
	before := runtime.NumGoroutine()
	for range 20 {
		serveOnce()
	}
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, waitFor, tick, "goroutines grew with each reconnect under one context")
}
