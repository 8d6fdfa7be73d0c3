package hub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mydouble-go/pkg/tasks"
)

type testWriter struct {
	writes [][]byte
	fail   bool
	closed bool
}

func (w *testWriter) Write(message []byte) error {
	w.writes = append(w.writes, message)
	if w.fail {
		return errors.New("broken pipe")
	}
	return nil
}

func (w *testWriter) Close() error {
	w.closed = true
	return nil
}

type countingHandler struct {
	calls int
	err   error
}

func (h *countingHandler) HandleJobEvent(ctx context.Context, event tasks.JobEvent) error {
	h.calls++
	return h.err
}

func TestRegisterBroadcastUnregister(t *testing.T) {
	h := New()
	w := &testWriter{}
	c := &Connection{AccountID: "acc_1", Writer: w}

	h.Register(c)
	assert.Equal(t, 1, h.Online("acc_1"))
	h.Broadcast("acc_1", []byte("x"))
	h.Broadcast("acc_2", []byte("y"))
	assert.Len(t, w.writes, 1)

	h.Unregister(c)
	assert.Equal(t, 0, h.Online("acc_1"))
	h.Broadcast("acc_1", []byte("x"))
	assert.Len(t, w.writes, 1)
}

func TestBroadcastRemovesFailedConnections(t *testing.T) {
	h := New()
	w := &testWriter{fail: true}
	h.Register(&Connection{AccountID: "acc_1", Writer: w})

	h.Broadcast("acc_1", []byte("x"))
	h.Broadcast("acc_1", []byte("x"))
	assert.Len(t, w.writes, 1)
	assert.True(t, w.closed)
}

func TestHandleJobEventPushesNotification(t *testing.T) {
	h := New()
	w := &testWriter{}
	h.Register(&Connection{AccountID: "acc_1", Writer: w})

	ev := tasks.JobEvent{JobID: "job-1", AccountID: "acc_1", ConversationID: "c1", Status: "completed", AssetID: "a1"}
	require.NoError(t, h.HandleJobEvent(context.Background(), ev))
	require.Len(t, w.writes, 1)

	var n Notification
	require.NoError(t, json.Unmarshal(w.writes[0], &n))
	assert.Equal(t, "job-completed", n.Event)
	assert.Equal(t, "a1", n.Body.AssetID)
}

func TestFanoutReturnsOnlyPrimaryError(t *testing.T) {
	primary := &countingHandler{}
	secondary := &countingHandler{err: errors.New("offline")}
	f := Fanout{primary, secondary}

	require.NoError(t, f.HandleJobEvent(context.Background(), tasks.JobEvent{JobID: "j"}))
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, secondary.calls)

	primary.err = errors.New("flush failed")
	assert.Error(t, f.HandleJobEvent(context.Background(), tasks.JobEvent{JobID: "j"}))
	assert.Equal(t, 2, secondary.calls)
}
