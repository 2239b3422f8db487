package viewer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"mandelmesh.io/internal/mesh/field"
	"mandelmesh.io/internal/mesh/frame"
	"mandelmesh.io/internal/mesh/stream"
	"mandelmesh.io/internal/viewerproto"
)

func startStack(t *testing.T) (*httptest.Server, *frame.Loop) {
	t.Helper()
	tree, err := stream.New(stream.Config{Resolution: 6}, field.Sphere{Radius: 1}, nil)
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	loop := frame.New(frame.Config{
		TickRateHz: 200,
		Params:     viewerproto.WorldParams{TickRateHz: 200, Resolution: 6, WorldDiameter: 4.1, Root: "0/0/0@0"},
	}, tree, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = tree.Run(ctx) }()
	go func() { _ = loop.Run(ctx) }()

	srv := NewServer(loop, nil, Options{SendBuffer: 256})
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bootstrap", srv.BootstrapHandler())
	mux.HandleFunc("/v1/ws", srv.WSHandler())
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return ts, loop
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Coord     string `json:"coord"`
	Code      string `json:"code"`
	Indices   []int  `json:"indices"`
}

func read(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(20 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var e envelope
	if err := json.Unmarshal(b, &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return e
}

func TestViewer_SubscribeReceivesChunks(t *testing.T) {
	ts, _ := startStack(t)
	conn := dial(t, ts)

	if err := conn.WriteJSON(viewerproto.SubscribeMsg{Type: viewerproto.TypeSubscribe, ProtocolVersion: viewerproto.Version}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	hello := read(t, conn)
	if hello.Type != viewerproto.TypeHello || len(hello.SessionID) != 36 {
		t.Fatalf("hello: %+v", hello)
	}

	seen := map[string]bool{}
	for len(seen) < 8 {
		m := read(t, conn)
		if m.Type != viewerproto.TypeChunk {
			t.Fatalf("unexpected message: %+v", m)
		}
		if len(m.Indices) == 0 || len(m.Indices)%3 != 0 {
			t.Fatalf("chunk %s has %d indices", m.Coord, len(m.Indices))
		}
		seen[m.Coord] = true
	}
}

func TestViewer_RejectsBadHandshake(t *testing.T) {
	ts, _ := startStack(t)

	cases := []any{
		map[string]any{"type": "HELLO", "protocol_version": viewerproto.Version},
		viewerproto.SubscribeMsg{Type: viewerproto.TypeSubscribe, ProtocolVersion: "0.9"},
	}
	for _, msg := range cases {
		conn := dial(t, ts)
		if err := conn.WriteJSON(msg); err != nil {
			t.Fatalf("write: %v", err)
		}
		e := read(t, conn)
		if e.Type != viewerproto.TypeError || e.Code != viewerproto.ErrBadRequest {
			t.Fatalf("expected bad request error, got %+v", e)
		}
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			t.Fatalf("expected policy violation close, got %v", err)
		}
	}
}

func TestViewer_Bootstrap(t *testing.T) {
	ts, _ := startStack(t)

	resp, err := http.Get(ts.URL + "/v1/bootstrap")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var b viewerproto.BootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b.ProtocolVersion != viewerproto.Version || b.WorldParams.Resolution != 6 || b.WorldParams.Root != "0/0/0@0" {
		t.Fatalf("bootstrap: %+v", b)
	}

	post, err := http.Post(ts.URL+"/v1/bootstrap", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status: %d", post.StatusCode)
	}
}

// stalledHub accepts joins into a buffer that nobody serves.
type stalledHub struct {
	join  chan frame.ViewerJoinRequest
	leave chan string
	done  chan struct{}
}

func (h *stalledHub) ViewerJoin() chan<- frame.ViewerJoinRequest { return h.join }
func (h *stalledHub) ViewerLeave() chan<- string                 { return h.leave }
func (h *stalledHub) Bootstrap() viewerproto.BootstrapResponse   { return viewerproto.BootstrapResponse{} }
func (h *stalledHub) Done() <-chan struct{}                      { return h.done }

func TestViewer_ClosedWhenHubStopsWithJoinQueued(t *testing.T) {
	hub := &stalledHub{
		join:  make(chan frame.ViewerJoinRequest, 1),
		leave: make(chan string, 4),
		done:  make(chan struct{}),
	}
	srv := NewServer(hub, nil, Options{})
	ts := httptest.NewServer(srv.WSHandler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(viewerproto.SubscribeMsg{Type: viewerproto.TypeSubscribe, ProtocolVersion: viewerproto.Version}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(hub.join) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("join was not queued")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(hub.done)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
}

func TestViewer_RejectsWhenHubStopped(t *testing.T) {
	hub := &stalledHub{
		join:  make(chan frame.ViewerJoinRequest, 1),
		leave: make(chan string, 4),
		done:  make(chan struct{}),
	}
	close(hub.done)
	ts := httptest.NewServer(NewServer(hub, nil, Options{}).WSHandler())
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(viewerproto.SubscribeMsg{Type: viewerproto.TypeSubscribe, ProtocolVersion: viewerproto.Version}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	e := read(t, conn)
	if e.Type != viewerproto.TypeError || e.Code != viewerproto.ErrBusy {
		t.Fatalf("expected busy error, got %+v", e)
	}
	if len(hub.join) != 0 {
		t.Fatalf("stopped hub should not receive joins")
	}
}
