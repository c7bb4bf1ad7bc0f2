package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestWebhookDeliversEvent(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	NewWebhook(srv.URL).Notify(context.Background(), Event{
		Type:    EventAutomaticApplied,
		Barcode: "123",
	})

	assert.Equal(t, EventAutomaticApplied, got.Type)
	assert.Equal(t, "123", got.Barcode)
	assert.False(t, got.Timestamp.IsZero())
}

func TestWebhookSwallowsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	// Neither a 5xx nor an unreachable endpoint panics or errors.
	NewWebhook(srv.URL).Notify(context.Background(), Event{Type: EventAnnotated})
	NewWebhook("http://127.0.0.1:1").Notify(context.Background(), Event{Type: EventAnnotated})
	NewWebhook("").Notify(context.Background(), Event{Type: EventAnnotated})
}
