package observer

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alarti/epsilon/internal/observerproto"
	"github.com/alarti/epsilon/internal/sim/encoding"
	"github.com/alarti/epsilon/internal/sim/terrain/gen"
	"github.com/alarti/epsilon/internal/sim/world"
)

type Server struct {
	world *world.World
	log   *log.Logger

	upgrader     websocket.Upgrader
	leaveTimeout time.Duration
}

func NewServer(w *world.World, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		world: w,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only, see isLoopbackRemote
		},
		leaveTimeout: 30 * time.Second,
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		cfg := s.world.Config()
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			WorldID:         cfg.ID,
			RunID:           s.world.RunID(),
			Tick:            s.world.CurrentTick(),
			WorldParams: observerproto.WorldParams{
				TickRateHz:  cfg.TickRateHz,
				Seed:        cfg.Seed,
				ChunkWidth:  cfg.Params.Width,
				ChunkHeight: cfg.Params.Height,
				Segments:    cfg.Params.Segments,
				Scale:       cfg.Params.Scale,
				Amplitude:   cfg.Params.Amplitude,
				ViewRadius:  cfg.ViewRadius,
			},
			HeightsEncoding: encoding.HeightsEncoding,
		}

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		params := s.world.Config().Params

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := parseSubscribe(msg, params)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := "O" + uuid.NewString()
		out := make(chan []byte, 1024)

		joinReq := world.ObserverJoinRequest{
			SessionID:   sid,
			Out:         out,
			Focus:       focusPos(sub),
			ChunkRadius: sub.ChunkRadius,
			MaxChunks:   sub.MaxChunks,
		}
		select {
		case s.world.ObserverJoin() <- joinReq:
		default:
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server busy"), time.Now().Add(time.Second))
			return
		}
		s.log.Printf("observer %s joined focus=%v radius=%d", sid, sub.Focus, sub.ChunkRadius)
		defer s.leave(sid)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b, ok := <-out:
					if !ok {
						writeErr <- nil
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: a new SUBSCRIBE moves the focus.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			sub, ok := parseSubscribe(msg, params)
			if !ok {
				continue
			}
			req := world.FocusRequest{
				SessionID: sid,
				Center:    focusPos(sub),
				Radius:    sub.ChunkRadius,
			}
			select {
			case s.world.Focus() <- req:
			default:
				// Drop updates under load; the client may resend.
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// leave blocks until the world takes the departure, the world stops, or
// leaveTimeout passes. The session's focus stays loaded until it is delivered.
func (s *Server) leave(sid string) {
	t := time.NewTimer(s.leaveTimeout)
	defer t.Stop()
	select {
	case s.world.ObserverLeave() <- sid:
		s.log.Printf("observer %s left", sid)
	case <-s.world.Done():
	case <-t.C:
		s.log.Printf("observer %s: leave not delivered after %s", sid, s.leaveTimeout)
	}
}

// parseSubscribe rejects messages of the wrong type or version and focus
// points that do not map to a chunk in p's grid.
func parseSubscribe(msg []byte, p gen.Params) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	if _, err := world.ChunkAtPosition(p, focusPos(sub)); err != nil {
		return sub, false
	}
	normalizeSubscribe(&sub)
	return sub, true
}

func normalizeSubscribe(sub *observerproto.SubscribeMsg) {
	if sub.ChunkRadius <= 0 {
		sub.ChunkRadius = 2
	}
	if sub.ChunkRadius > 32 {
		sub.ChunkRadius = 32
	}
	if sub.MaxChunks <= 0 {
		sub.MaxChunks = 1024
	}
	if sub.MaxChunks > 16384 {
		sub.MaxChunks = 16384
	}
}

func focusPos(sub observerproto.SubscribeMsg) world.WorldPosition {
	return world.WorldPosition{sub.Focus[0], 0, sub.Focus[1]}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
