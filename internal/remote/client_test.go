package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/domain"
	"fieldsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplySuccess(t *testing.T) {
	var gotPath, gotKey, gotType, gotUser string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("Idempotency-Key")
		gotType = r.Header.Get("X-Operation-Type")
		gotUser = r.Header.Get("X-User-ID")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"srv-1"}`))
	}))
	defer srv.Close()

	client, err := NewClient(config.RemoteConfig{
		BaseURL: srv.URL + "/",
		Routes:  map[string]string{"asset_update": "/v2/assets/sync"},
	}, nil)
	require.NoError(t, err)

	item := models.QueueItem{
		ID:            "item-1",
		OperationType: "asset_update",
		Payload:       json.RawMessage(`{"asset_key":"A-1"}`),
		UserID:        "op-7",
	}
	res, err := client.Apply(context.Background(), item)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"srv-1"}`, string(res))
	assert.Equal(t, "/v2/assets/sync", gotPath)
	assert.Equal(t, "item-1", gotKey)
	assert.Equal(t, "asset_update", gotType)
	assert.Equal(t, "op-7", gotUser)
	assert.JSONEq(t, `{"asset_key":"A-1"}`, string(gotBody))

	item.OperationType = "issue_receipt"
	_, err = client.Apply(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, "/operations/issue_receipt", gotPath)
}

func TestApplyEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client, err := NewClient(config.RemoteConfig{BaseURL: srv.URL}, nil)
	require.NoError(t, err)
	res, err := client.Apply(context.Background(), models.QueueItem{ID: "x", OperationType: "note"})
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestApplyStatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusConflict, false},
		{http.StatusUnprocessableEntity, false},
		{http.StatusRequestTimeout, true},
		{http.StatusTooEarly, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer srv.Close()

			client, err := NewClient(config.RemoteConfig{BaseURL: srv.URL}, nil)
			require.NoError(t, err)

			_, err = client.Apply(context.Background(), models.QueueItem{ID: "x", OperationType: "note"})
			require.Error(t, err)

			var remoteErr *domain.RemoteError
			require.ErrorAs(t, err, &remoteErr)
			assert.Equal(t, tt.status, remoteErr.StatusCode)
			assert.Equal(t, tt.retryable, remoteErr.Retryable)
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestApplyTransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	client, err := NewClient(config.RemoteConfig{BaseURL: addr, Timeout: time.Second}, nil)
	require.NoError(t, err)

	_, err = client.Apply(context.Background(), models.QueueItem{ID: "x", OperationType: "note"})
	var remoteErr *domain.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.True(t, remoteErr.Retryable)
}

func TestApplyRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(config.RemoteConfig{BaseURL: srv.URL, RPS: 0.001, Burst: 1}, nil)
	require.NoError(t, err)

	_, err = client.Apply(context.Background(), models.QueueItem{ID: "a", OperationType: "note"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.Apply(ctx, models.QueueItem{ID: "b", OperationType: "note"})
	require.Error(t, err)
	var remoteErr *domain.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.True(t, remoteErr.Retryable)
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient(config.RemoteConfig{BaseURL: "::not a url"}, nil)
	assert.Error(t, err)
}
