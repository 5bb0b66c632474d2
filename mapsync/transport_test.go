package mapsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/plantopo/mapsync/protocol"
)

// a minimal sync server. Every delta is confirmed.
type testSyncServer struct {
	upgrader websocket.Upgrader
	auth     chan string
	mapIds   chan string
	deltas   chan string
}

func newTestSyncServer() *testSyncServer {
	return &testSyncServer{
		auth:   make(chan string, 16),
		mapIds: make(chan string, 16),
		deltas: make(chan string, 1024),
	}
}

func (self *testSyncServer) router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/echo", self.echo)
	router.HandleFunc("/ws/{mapId}", self.sync)
	return router
}

func (self *testSyncServer) echo(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if err := ws.WriteMessage(messageType, message); err != nil {
			return
		}
	}
}

func (self *testSyncServer) sync(w http.ResponseWriter, r *http.Request) {
	self.mapIds <- mux.Vars(r)["mapId"]
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return
		}
		message, err := protocol.DecodeFrame(frame)
		if err != nil {
			return
		}
		switch v := message.(type) {
		case *protocol.AuthMessage:
			self.auth <- v.Token
		case *protocol.DeltaMessage:
			self.deltas <- v.Delta.Ts
			confirm := protocol.RequireEncodeFrame(&protocol.ConfirmDeltaMessage{DeltaTs: v.Delta.Ts})
			if err := ws.WriteMessage(websocket.BinaryMessage, confirm); err != nil {
				return
			}
		}
	}
}

func wsUrl(server *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + path
}

func TestWsSocket(t *testing.T) {
	server := httptest.NewServer(newTestSyncServer().router())
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := NewWsDialerWithDefaults()
	socket, err := dialer.Dial(ctx, wsUrl(server, "/echo"))
	assert.Equal(t, err, nil)

	for i := range 32 {
		err := socket.Send([]byte{byte(i), 1, 2, 3})
		assert.Equal(t, err, nil)
	}
	for i := range 32 {
		message, err := socket.Receive()
		assert.Equal(t, err, nil)
		assert.Equal(t, message, []byte{byte(i), 1, 2, 3})
	}

	socket.Close()
	assert.Equal(t, socket.Send([]byte{0}), ErrClosed)
	_, err = socket.Receive()
	assert.Equal(t, errors.Is(err, ErrClosed), true)
}

func TestWsDialFailure(t *testing.T) {
	server := httptest.NewServer(newTestSyncServer().router())
	defer server.Close()

	dialer := NewWsDialerWithDefaults()
	// not a websocket route
	_, err := dialer.Dial(context.Background(), wsUrl(server, "/missing"))
	assert.NotEqual(t, err, nil)
}

func TestSyncClientWebsocket(t *testing.T) {
	syncServer := newTestSyncServer()
	server := httptest.NewServer(syncServer.router())
	defer server.Close()

	outbox := NewMemoryOutbox()
	token := testToken(t)
	client, err := NewSyncClient(
		context.Background(),
		wsUrl(server, "/ws/m1"),
		token,
		outbox,
		NewWsDialerWithDefaults(),
		testSyncClientSettings(),
	)
	assert.Equal(t, err, nil)
	defer client.Close()

	select {
	case mapId := <-syncServer.mapIds:
		assert.Equal(t, mapId, "m1")
	case <-time.After(testTimeout):
		t.Fatal("no connection")
	}
	select {
	case auth := <-syncServer.auth:
		assert.Equal(t, auth, token)
	case <-time.After(testTimeout):
		t.Fatal("no auth")
	}

	ids := []Id{}
	for i := range 16 {
		id, err := client.Dispatch(&CreateFeatureAction{
			Type:  protocol.FeatureTypePoint,
			Place: InsertPlace{Kind: PlaceLastChild},
			Props: map[string]any{protocol.KeyName: fmt.Sprintf("camp %d", i)},
		})
		assert.Equal(t, err, nil)
		ids = append(ids, id)
	}

	waitFor(t, func() bool {
		return pendingCount(t, client) == 0
	})
	entries, _ := outbox.Load("m1")
	assert.Equal(t, len(entries), 0)
	for _, id := range ids {
		assert.Equal(t, <-syncServer.deltas, id.String())
	}
	assert.Equal(t, client.Status().Type, SyncStatusConnected)
}
