package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"portal-backend/internal/notify"

	"github.com/sideshow/apns2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPusher(t *testing.T, handler http.HandlerFunc) *notify.APNs {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)

	client := &apns2.Client{Host: srv.URL, HTTPClient: srv.Client()}
	return notify.NewAPNs(client, "com.example.portal")
}

func TestPokeSendsAlert(t *testing.T) {
	var (
		path  string
		topic string
		body  map[string]any
	)
	pusher := newPusher(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		topic = r.Header.Get("apns-topic")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.Header().Set("apns-id", "abc")
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, pusher.Poke(context.Background(), "device-1", "Ana"))

	assert.Equal(t, "/3/device/device-1", path)
	assert.Equal(t, "com.example.portal", topic)
	assert.Equal(t, "poke", body["type"])
	aps := body["aps"].(map[string]any)
	alert := aps["alert"].(map[string]any)
	assert.Equal(t, "Ana poked you", alert["body"])
}

func TestPokeReportsInvalidToken(t *testing.T) {
	pusher := newPusher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"reason":"BadDeviceToken"}`))
	})

	err := pusher.Poke(context.Background(), "device-1", "")
	assert.ErrorIs(t, err, notify.ErrTokenInvalid)
}

func TestPokeOtherFailure(t *testing.T) {
	pusher := newPusher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"reason":"ServiceUnavailable"}`))
	})

	err := pusher.Poke(context.Background(), "device-1", "Ana")
	require.Error(t, err)
	assert.NotErrorIs(t, err, notify.ErrTokenInvalid)
}
