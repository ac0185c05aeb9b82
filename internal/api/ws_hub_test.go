package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/treasury-engine/internal/api"
	"github.com/atmx/treasury-engine/internal/metrics"
	"github.com/atmx/treasury-engine/internal/treasury"
)

func TestWSHub_BroadcastsEvents(t *testing.T) {
	hub := api.NewWSHub(nil)
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	ev := treasury.Event{Type: "push", Asset: "USDC", Caller: "treasury-admin", Amount: d(100)}

	// Registration completes asynchronously.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.WebSocketClients) == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.Publish(ev)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var got treasury.Event
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, "push", got.Type)
	assert.Equal(t, "USDC", got.Asset)
	assert.True(t, got.Amount.Equal(d(100)))
}
