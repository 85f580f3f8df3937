package application

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/calvadev/nostrpow/internal/config"
	"github.com/calvadev/nostrpow/internal/models"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var workID = "0000ab" + strings.Repeat("1", 58)

// fakeRelay answers the first REQ with one kind-1 event and keeps the
// connection open until the test ends.
func fakeRelay(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	stop := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var req []json.RawMessage
		if json.Unmarshal(msg, &req) != nil || len(req) < 2 {
			return
		}
		evt := fmt.Sprintf(`{"id":%q,"pubkey":"pk","created_at":1700000000,"kind":1,"tags":[],"content":"hello","sig":"sig"}`, workID)
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`["EVENT",`+string(req[1])+`,`+evt+`]`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`["EOSE",`+string(req[1])+`]`))
		<-stop
	}))
	t.Cleanup(func() {
		close(stop)
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Server.ConnectionLimit.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Feed.DefaultRelays = nil
	cfg.Feed.ReconnectDelay = 100 * time.Millisecond
	cfg.Server.ShutdownTimeout = 2 * time.Second
	return cfg
}

func startNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	node, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, node.Start(context.Background()))
	t.Cleanup(node.Shutdown)
	return node
}

func readUntil(t *testing.T, ws *websocket.Conn, msgType string) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type != msgType {
			continue
		}
		var out map[string]any
		if len(msg.Data) > 0 && msg.Data[0] == '{' {
			require.NoError(t, json.Unmarshal(msg.Data, &out))
		}
		return out
	}
}

func TestNodeEndToEnd(t *testing.T) {
	upstream := fakeRelay(t)
	node := startNode(t, testConfig(t))
	base := "http://" + node.Addr().String()

	client, _, err := websocket.DefaultDialer.Dial("ws://"+node.Addr().String()+"/ws", nil)
	require.NoError(t, err)
	defer client.Close()
	readUntil(t, client, models.MessageRelayStatus)

	resp, err := http.Post(base+"/api/relays", "application/json", strings.NewReader(fmt.Sprintf(`{"url":%q}`, upstream)))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	note := readUntil(t, client, models.MessageNewNote)
	assert.Equal(t, workID, note["id"])
	assert.EqualValues(t, 4, note["powDifficulty"])
	assert.EqualValues(t, 65536, note["powScore"])

	require.Eventually(t, func() bool {
		for _, s := range node.Pool.Statuses() {
			if s.URL == upstream && s.Status == models.StatusConnected {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	resp, err = http.Get(base + "/api/notes?minPowDifficulty=4")
	require.NoError(t, err)
	var notes []models.Note
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&notes))
	resp.Body.Close()
	require.Len(t, notes, 1)
	assert.Equal(t, upstream, notes[0].FirstSeenOn)

	resp, err = http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, node.GetConnectionCount())
}

func TestNodeStartFailsOnBusyPort(t *testing.T) {
	first := startNode(t, testConfig(t))

	cfg := testConfig(t)
	cfg.Server.ListenAddr = first.Addr().String()
	node, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer node.Shutdown()
	assert.Error(t, node.Start(context.Background()))
}

func TestNodeShutdownClosesSessions(t *testing.T) {
	cfg := testConfig(t)
	node, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, node.Start(context.Background()))

	client, _, err := websocket.DefaultDialer.Dial("ws://"+node.Addr().String()+"/ws", nil)
	require.NoError(t, err)
	defer client.Close()
	readUntil(t, client, models.MessageRelayStatus)

	node.Shutdown()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := client.ReadMessage(); err != nil {
			break
		}
	}
	assert.Equal(t, 0, node.Dispatcher.ClientCount())
}
