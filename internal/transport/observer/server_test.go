package observer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alarti/epsilon/internal/observerproto"
	"github.com/alarti/epsilon/internal/sim/encoding"
	"github.com/alarti/epsilon/internal/sim/terrain/gen"
	"github.com/alarti/epsilon/internal/sim/world"
)

func newTestWorld(t *testing.T) *world.World {
	t.Helper()
	w, err := world.New(world.WorldConfig{
		ID:         "TEST",
		TickRateHz: 100,
		Seed:       7,
		Params:     gen.Params{Width: 16, Height: 16, Segments: 2, Scale: 0.1, Amplitude: 10},
		Workers:    1,
		QueueSize:  64,
		RetryTicks: 5,
	}, nil)
	if err != nil {
		t.Fatalf("world.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w
}

func newTestServer(t *testing.T, w *world.World) *httptest.Server {
	t.Helper()
	s := NewServer(w, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/v1/observer/bootstrap", s.BootstrapHandler())
	mux.HandleFunc("/admin/v1/observer/ws", s.WSHandler())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestBootstrap(t *testing.T) {
	w := newTestWorld(t)
	srv := newTestServer(t, w)

	resp, err := http.Get(srv.URL + "/admin/v1/observer/bootstrap")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var b observerproto.BootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b.WorldID != "TEST" || b.RunID != w.RunID() || b.WorldParams.Segments != 2 || b.WorldParams.ChunkWidth != 16 {
		t.Fatalf("bootstrap=%+v", b)
	}
	if b.HeightsEncoding != encoding.HeightsEncoding {
		t.Fatalf("encoding=%q", b.HeightsEncoding)
	}
}

func TestHandlers_RejectRemote(t *testing.T) {
	s := NewServer(newTestWorld(t), nil)
	for name, h := range map[string]http.HandlerFunc{"bootstrap": s.BootstrapHandler(), "ws": s.WSHandler()} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.9:4000"
		rec := httptest.NewRecorder()
		h(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s: status=%d want=403", name, rec.Code)
		}
	}
}

func readChunks(t *testing.T, conn *websocket.Conn, want int) map[[2]int]observerproto.ChunkMeshMsg {
	t.Helper()
	got := map[[2]int]observerproto.ChunkMeshMsg{}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(got) < want {
		_, b, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read after %d chunks: %v", len(got), err)
		}
		if !strings.Contains(string(b), `"CHUNK_MESH"`) {
			continue
		}
		var m observerproto.ChunkMeshMsg
		if err := json.Unmarshal(b, &m); err != nil {
			t.Fatalf("decode: %v", err)
		}
		got[[2]int{m.CX, m.CZ}] = m
	}
	return got
}

func TestWS_SubscribeStreamsAndMovesFocus(t *testing.T) {
	w := newTestWorld(t)
	srv := newTestServer(t, w)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/admin/v1/observer/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	send := func(focus [2]float64, radius int) {
		t.Helper()
		b, _ := json.Marshal(observerproto.SubscribeMsg{
			Type:            observerproto.TypeSubscribe,
			ProtocolVersion: observerproto.Version,
			Focus:           focus,
			ChunkRadius:     radius,
		})
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	send([2]float64{0, 0}, 1)
	first := readChunks(t, conn, 9)
	for k, m := range first {
		if k[0] < -1 || k[0] > 1 || k[1] < -1 || k[1] > 1 {
			t.Fatalf("chunk %v outside window", k)
		}
		h, err := encoding.DecodeHeights(m.Heights)
		if err != nil || len(h) != 9 {
			t.Fatalf("chunk %v heights=%d err=%v", k, len(h), err)
		}
	}

	// Moving the focus streams the new window only.
	send([2]float64{160, 0}, 1)
	moved := readChunks(t, conn, 9)
	if _, ok := moved[[2]int{10, 0}]; !ok {
		t.Fatalf("moved chunks missing (10,0)")
	}
	for k := range moved {
		if k[0] < 9 || k[0] > 11 || k[1] < -1 || k[1] > 1 {
			t.Fatalf("chunk %v outside moved window", k)
		}
	}
}

func TestWS_RejectsBadHandshake(t *testing.T) {
	srv := newTestServer(t, newTestWorld(t))
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/admin/v1/observer/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"HELLO"}`))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err=%v want policy violation close", err)
	}
}

func TestParseSubscribe_RejectsOutOfRangeFocus(t *testing.T) {
	p := gen.Params{Width: 16, Height: 16, Segments: 2, Scale: 0.1, Amplitude: 10}
	cases := []struct {
		focus [2]float64
		ok    bool
	}{
		{[2]float64{0, 0}, true},
		{[2]float64{-160, 4000}, true},
		{[2]float64{1e300, 0}, false},
		{[2]float64{0, -1e300}, false},
		{[2]float64{16 * (world.MaxChunkIndex + 2), 0}, false},
	}
	for _, c := range cases {
		b, _ := json.Marshal(observerproto.SubscribeMsg{
			Type:            observerproto.TypeSubscribe,
			ProtocolVersion: observerproto.Version,
			Focus:           c.focus,
			ChunkRadius:     1,
		})
		if _, ok := parseSubscribe(b, p); ok != c.ok {
			t.Fatalf("focus=%v ok=%v want=%v", c.focus, ok, c.ok)
		}
	}
}

func TestWS_RejectsOutOfRangeFocus(t *testing.T) {
	w := newTestWorld(t)
	srv := newTestServer(t, w)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/admin/v1/observer/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"SUBSCRIBE","protocol_version":"`+observerproto.Version+`","focus":[1e300,0],"chunk_radius":1}`))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err=%v want policy violation close", err)
	}
	time.Sleep(50 * time.Millisecond)
	if m := w.Metrics(); m.Observers != 0 || m.Foci > 1 {
		t.Fatalf("observers=%d foci=%d want no observer focus", m.Observers, m.Foci)
	}
}

func fillLeaveQueue(w *world.World) {
	ch := w.ObserverLeave()
	for len(ch) < cap(ch) {
		ch <- "filler"
	}
}

func TestLeave_WaitsForBusyLoop(t *testing.T) {
	w, err := world.New(world.WorldConfig{
		ID:         "TEST",
		TickRateHz: 100,
		Params:     gen.Params{Width: 16, Height: 16, Segments: 2, Scale: 0.1, Amplitude: 10},
		Workers:    1,
	}, nil)
	if err != nil {
		t.Fatalf("world.New: %v", err)
	}
	s := NewServer(w, nil)
	fillLeaveQueue(w)

	left := make(chan struct{})
	go func() {
		s.leave("late")
		close(left)
	}()
	select {
	case <-left:
		t.Fatalf("leave returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	select {
	case <-left:
	case <-time.After(5 * time.Second):
		t.Fatalf("leave not delivered once the loop ran")
	}
	cancel()
	<-w.Done()
}

func TestLeave_ReturnsWhenWorldStopped(t *testing.T) {
	w, err := world.New(world.WorldConfig{
		ID:         "TEST",
		TickRateHz: 100,
		Params:     gen.Params{Width: 16, Height: 16, Segments: 2, Scale: 0.1, Amplitude: 10},
		Workers:    1,
	}, nil)
	if err != nil {
		t.Fatalf("world.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()
	cancel()
	<-w.Done()
	fillLeaveQueue(w)

	s := NewServer(w, nil)
	done := make(chan struct{})
	go func() {
		s.leave("gone")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("leave blocked on a stopped world")
	}
}
