package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openmentor/roomcall/internal/proto"
)

// relayStub accepts websocket clients and collects every frame they send.
// With echo set, each frame is also written straight back, which the
// client routes as an inbound event.
type relayStub struct {
	srv    *httptest.Server
	frames chan []byte
}

func newRelayStub(t *testing.T, echo bool) *relayStub {
	t.Helper()
	rs := &relayStub{frames: make(chan []byte, 1024)}
	upgrader := websocket.Upgrader{}
	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			rs.frames <- data
			if echo {
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(rs.srv.Close)
	return rs
}

func (rs *relayStub) url() string {
	return "ws" + strings.TrimPrefix(rs.srv.URL, "http")
}

func dialStub(t *testing.T, rs *relayStub) *WebsocketBus {
	t.Helper()
	b := NewWebsocketBus(rs.url(), "alice")
	t.Cleanup(func() { b.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.AwaitReady(ctx); err != nil {
		t.Fatal(err)
	}
	return b
}

func TestWebsocketBusConcurrentSends(t *testing.T) {
	rs := newRelayStub(t, false)
	b := dialStub(t, rs)

	// The coordinator loop, ICE gathering goroutines and file-notify
	// goroutines all call SendToPeer on the same socket at once.
	const workers, perWorker = 16, 20
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if err := b.SendToPeer(context.Background(), proto.Lobby, "bob", proto.KindICECandidate, []byte(`{}`)); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for n := 0; n < workers*perWorker; n++ {
		select {
		case <-rs.frames:
		case <-time.After(2 * time.Second):
			t.Fatalf("relay received %d frames, want %d", n, workers*perWorker)
		}
	}
}

func TestWebsocketBusCancelDuringInboundDelivery(t *testing.T) {
	rs := newRelayStub(t, true)
	b := dialStub(t, rs)

	// Echoed frames flow back through route and deliver while the
	// consumer churns subscriptions; no delivery may hit a closed channel.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_ = b.SendToPeer(context.Background(), proto.Lobby, "alice", proto.KindICECandidate, []byte(`{}`))
		}
	}()
	for i := 0; i < 200; i++ {
		ch, cancel := b.Subscribe()
		select {
		case <-ch:
		default:
		}
		cancel()
	}
	<-done
}
