package hub_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DMcConnell/mira/internal/hub"
	"github.com/DMcConnell/mira/internal/state"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func newTestHub(t *testing.T) (*hub.Hub, *httptest.Server) {
	t.Helper()
	h := hub.New(state.NewStore(), zaptest.NewLogger(t))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h.ServeWS(w, r)
	}))
	t.Cleanup(srv.Close)
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := strings.Replace(srv.URL, "http://", "ws://", 1)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	return msg
}

// ══════════════════════════════════════════════════════════════════════════════
// Hub tests
// ══════════════════════════════════════════════════════════════════════════════

func TestHub_FirstFrameIsInitialState(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dial(t, srv)

	var frame struct {
		Type string        `json:"type"`
		Data state.UIState `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "initial_state", frame.Type)
	assert.Equal(t, "idle", frame.Data.Mode)
	assert.Equal(t, state.AppHome, frame.Data.UI.AppRoute)
}

func TestHub_Broadcast_ReachesAllClients(t *testing.T) {
	h, srv := newTestHub(t)
	conns := []*websocket.Conn{dial(t, srv), dial(t, srv)}
	for _, conn := range conns {
		readFrame(t, conn) // drain initial_state
	}
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	patch := []byte(`{"ts":"2026-03-01T10:00:01Z","path":"/mode","value":"active"}`)
	h.Broadcast(patch)

	for _, conn := range conns {
		assert.JSONEq(t, string(patch), string(readFrame(t, conn)))
	}
}

func TestHub_DeadClientIsEvicted(t *testing.T) {
	h, srv := newTestHub(t)
	dead := dial(t, srv)
	survivor := dial(t, srv)
	readFrame(t, dead)
	readFrame(t, survivor)
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, dead.Close())
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Delivery to the remaining client is unaffected.
	patch := []byte(`{"ts":"2026-03-01T10:00:02Z","path":"/mic_enabled","value":true}`)
	h.Broadcast(patch)
	assert.JSONEq(t, string(patch), string(readFrame(t, survivor)))
}

func TestHub_Shutdown_DisconnectsClients(t *testing.T) {
	h, srv := newTestHub(t)
	conn := dial(t, srv)
	readFrame(t, conn)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.Shutdown()
	assert.Equal(t, 0, h.ClientCount())

	// The server side closes the connection; the next read must fail.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHub_BroadcastDuringDisconnectIsSafe(t *testing.T) {
	h, srv := newTestHub(t)
	conns := make([]*websocket.Conn, 4)
	for i := range conns {
		conns[i] = dial(t, srv)
		readFrame(t, conns[i])
	}
	require.Eventually(t, func() bool { return h.ClientCount() == len(conns) }, 2*time.Second, 10*time.Millisecond)

	// Hammer broadcasts while every client disconnects underneath them; a
	// send racing an eviction must never panic the hub.
	stop := make(chan struct{})
	broadcastDone := make(chan struct{})
	go func() {
		defer close(broadcastDone)
		patch := []byte(`{"ts":"2026-03-01T10:00:03Z","path":"/last_gesture","value":"wave"}`)
		for {
			select {
			case <-stop:
				return
			default:
				h.Broadcast(patch)
			}
		}
	}()

	for _, conn := range conns {
		require.NoError(t, conn.Close())
	}
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	close(stop)
	<-broadcastDone
}

func TestHub_BroadcastWithNoClientsIsSafe(t *testing.T) {
	h, _ := newTestHub(t)
	h.Broadcast([]byte(`{"path":"/mode"}`))
	assert.Equal(t, 0, h.ClientCount())
}
