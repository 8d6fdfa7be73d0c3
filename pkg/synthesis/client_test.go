package synthesis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mydouble-go/internal/config"
)

func newTestClient(t *testing.T, h http.HandlerFunc) Client {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(config.SynthesisConfig{BaseURL: srv.URL, APIKey: "k", Timeout: time.Second})
}

func TestSubmit(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs/createTask", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var body createTaskRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "720p", body.Input.Resolution)
		_, _ = w.Write([]byte(`{"code":200,"msg":"ok","data":{"taskId":"task-1"}}`))
	})

	id, err := c.Submit(context.Background(), Payload{Resolution: "720p"})
	require.NoError(t, err)
	assert.Equal(t, "task-1", id)
}

func TestSubmitRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":422,"msg":"bad image"}`))
	})

	_, err := c.Submit(context.Background(), Payload{})
	var rej *RejectedError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, 422, rej.Code)
}

func TestSubmitServerErrorIsTransport(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.Submit(context.Background(), Payload{})
	assert.ErrorIs(t, err, ErrTransport)
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		code  int
		want  Status
		isErr bool
	}{
		{"running", `{"code":200,"data":{"state":"running"}}`, 200, Status{State: StatePending}, false},
		{"success", `{"code":200,"data":{"state":"success","resultJson":"{\"resultUrls\":[\"https://cdn/v.mp4\"]}"}}`, 200, Status{State: StateReady, AssetRef: "https://cdn/v.mp4"}, false},
		{"success without url", `{"code":200,"data":{"state":"success","resultJson":"{}"}}`, 200, Status{State: StatePending}, false},
		{"fail", `{"code":200,"data":{"state":"fail","failMsg":"nsfw"}}`, 200, Status{State: StateError, ErrorDetail: "nsfw"}, false},
		{"http error", ``, 500, Status{}, true},
		{"missing data", `{"code":404,"msg":"not found"}`, 200, Status{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "task-1", r.URL.Query().Get("taskId"))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(tt.body))
			})
			got, err := c.Status(context.Background(), "task-1")
			if tt.isErr {
				assert.ErrorIs(t, err, ErrTransport)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMockClient(t *testing.T) {
	m := NewMockClient(2)
	id, err := m.Submit(context.Background(), Payload{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		st, err := m.Status(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, StatePending, st.State)
	}
	st, err := m.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateReady, st.State)
	assert.NotEmpty(t, st.AssetRef)

	st, err = m.Status(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, StateError, st.State)
}
