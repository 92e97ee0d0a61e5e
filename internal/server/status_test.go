package server

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func statusSet(statuses ...Status) map[Status]bool {
	set := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}
	return set
}

func TestPredicatesMatchMembershipTables(t *testing.T) {
	t.Parallel()

	startable := statusSet(StatusUnknown, StatusStopped, StatusKilled, StatusCrashed, StatusUpdated, StatusErrored)
	stoppable := statusSet(StatusWrapperStarted, StatusStarting, StatusRunning)
	forceStoppable := statusSet(StatusWrapperStarted, StatusStarting, StatusRunning, StatusUnknown)
	finished := statusSet(StatusStopped, StatusKilled, StatusCrashed)

	for _, s := range AllStatuses() {
		t.Run(s.String(), func(t *testing.T) {
			require.Equal(t, startable[s], CanStart(s))
			require.Equal(t, stoppable[s], CanStop(s))
			require.Equal(t, forceStoppable[s], CanForceStop(s))
			require.Equal(t, startable[s], CanUpdate(s))
			require.Equal(t, finished[s], IsFinishedRunning(s))

			require.Equal(t, CanStart(s), s.CanStart())
			require.Equal(t, CanStop(s), s.CanStop())
			require.Equal(t, CanForceStop(s), s.CanForceStop())
			require.Equal(t, CanUpdate(s), s.CanUpdate())
			require.Equal(t, IsFinishedRunning(s), s.IsFinishedRunning())
		})
	}
}

func TestAllStatusesCount(t *testing.T) {
	t.Parallel()
	require.Len(t, AllStatuses(), 15)
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	for _, s := range AllStatuses() {
		got, err := ParseStatus(s.String())
		require.NoError(t, err)
		require.Equal(t, s, got)
	}

	got, err := ParseStatus(" running ")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, got)

	_, err = ParseStatus("paused")
	require.Error(t, err)

	require.Equal(t, "Status(99)", Status(99).String())
}

func TestStatusJSON(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(map[string]Status{"status": StatusWrapperStarting})
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"WrapperStarting"}`, string(data))

	var decoded struct {
		Status Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"status":"crashed"}`), &decoded))
	require.Equal(t, StatusCrashed, decoded.Status)
	require.Error(t, json.Unmarshal([]byte(`{"status":"bogus"}`), &decoded))
}
