package viewer

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"mandelmesh.io/internal/mesh/frame"
	"mandelmesh.io/internal/viewerproto"
)

// Hub is the frame-loop side of a viewer session.
type Hub interface {
	ViewerJoin() chan<- frame.ViewerJoinRequest
	ViewerLeave() chan<- string
	Bootstrap() viewerproto.BootstrapResponse
	// Done is closed when the hub stops serving viewers.
	Done() <-chan struct{}
}

type Options struct {
	SendBuffer   int
	WriteTimeout time.Duration
}

type Server struct {
	hub  Hub
	log  *log.Logger
	opts Options

	upgrader websocket.Upgrader
}

func NewServer(hub Hub, logger *log.Logger, opts Options) *Server {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 4096
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Server{
		hub:  hub,
		log:  logger,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(s.hub.Bootstrap())
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		sub, ok := s.handshake(conn)
		if !ok {
			return
		}

		sid := uuid.NewString()
		out := make(chan []byte, s.opts.SendBuffer)
		select {
		case <-s.hub.Done():
			s.reject(conn, websocket.CloseGoingAway, viewerproto.ErrBusy, "server stopping")
			return
		default:
		}
		select {
		case s.hub.ViewerJoin() <- frame.ViewerJoinRequest{SessionID: sid, Out: out, MaxDepth: sub.MaxDepth}:
		default:
			s.reject(conn, websocket.CloseTryAgainLater, viewerproto.ErrBusy, "server busy")
			return
		}
		defer func() {
			select {
			case s.hub.ViewerLeave() <- sid:
			default:
				// Frame loop is stopping; nothing else to do.
			}
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine. The frame loop closes out when the session ends on its side.
		writeDone := make(chan struct{})
		go func() {
			defer close(writeDone)
			for {
				select {
				case <-ctx.Done():
					return
				case <-s.hub.Done():
					// Covers a join queued after the hub stopped, whose out is never closed.
					_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"), time.Now().Add(time.Second))
					_ = conn.Close()
					return
				case b, ok := <-out:
					if !ok {
						_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
						_ = conn.Close()
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						_ = conn.Close()
						return
					}
				}
			}
		}()

		// Reader loop: viewers only need to keep the connection alive.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		cancel()

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeDone:
		case <-time.After(500 * time.Millisecond):
		}
		if s.log != nil {
			s.log.Printf("viewer %s disconnected", sid)
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) (viewerproto.SubscribeMsg, bool) {
	var sub viewerproto.SubscribeMsg
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return sub, false
	}
	if err := json.Unmarshal(msg, &sub); err != nil || sub.Type != viewerproto.TypeSubscribe {
		s.reject(conn, websocket.ClosePolicyViolation, viewerproto.ErrBadRequest, "expected SUBSCRIBE")
		return sub, false
	}
	if sub.ProtocolVersion != viewerproto.Version {
		s.reject(conn, websocket.ClosePolicyViolation, viewerproto.ErrBadRequest, "bad protocol_version")
		return sub, false
	}
	if sub.MaxDepth < 0 {
		sub.MaxDepth = 0
	}
	return sub, true
}

func (s *Server) reject(conn *websocket.Conn, closeCode int, code, message string) {
	b, _ := json.Marshal(viewerproto.ErrorMsg{
		Type:            viewerproto.TypeError,
		ProtocolVersion: viewerproto.Version,
		Code:            code,
		Message:         message,
	})
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, b)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, message), time.Now().Add(time.Second))
}
