package broker_test

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/nanomq/internal/broker"
	"github.com/oriys/nanomq/internal/client"
	"github.com/oriys/nanomq/internal/config"
	"github.com/oriys/nanomq/internal/protocol"
)

func startServer(t *testing.T) (addr string, srv *broker.Server) {
	t.Helper()
	cfg := config.DefaultConfig().Server
	cfg.Addr = "127.0.0.1:0"

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv = broker.NewServer(cfg, 0, nil, nil)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return ln.Addr().String(), srv
}

// connTrackingListener wraps a net.Listener to hand the test a reference to
// each accepted connection, so a test can sever one from underneath a live
// client without tearing down the whole server.
type connTrackingListener struct {
	net.Listener
	mu    sync.Mutex
	conns []net.Conn
}

func (l *connTrackingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.conns = append(l.conns, conn)
	l.mu.Unlock()
	return conn, nil
}

func (l *connTrackingListener) last() net.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.conns) == 0 {
		return nil
	}
	return l.conns[len(l.conns)-1]
}

func startServerWithTrackingListener(t *testing.T) (addr string, srv *broker.Server, ln *connTrackingListener) {
	t.Helper()
	cfg := config.DefaultConfig().Server
	cfg.Addr = "127.0.0.1:0"

	base, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ln = &connTrackingListener{Listener: base}

	srv = broker.NewServer(cfg, 0, nil, nil)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return base.Addr().String(), srv, ln
}

func newTestClient(t *testing.T, addr string, events *client.Events) *client.Client {
	t.Helper()
	cfg := config.DefaultConfig().Client
	cfg.ReconnectIntervalMS = 50
	cfg.QueryTimeoutMS = 5000

	c := client.New(addr, cfg, 5*time.Second, 0, events, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func TestBasicPubSub(t *testing.T) {
	addr, _ := startServer(t)

	var mu sync.Mutex
	var gotA, gotB []string

	a := newTestClient(t, addr, &client.Events{OnMessage: func(q string, m *protocol.Message) {
		mu.Lock()
		gotA = append(gotA, m.Body)
		mu.Unlock()
	}})
	b := newTestClient(t, addr, &client.Events{OnMessage: func(q string, m *protocol.Message) {
		mu.Lock()
		gotB = append(gotB, m.Body)
		mu.Unlock()
	}})
	c := newTestClient(t, addr, nil)

	if err := a.Subscribe("t1"); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if err := b.Subscribe("t1"); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}

	if err := c.Publish("t1", "", "hello", 0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotA) == 1 && len(gotB) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if gotA[0] != "hello" || gotB[0] != "hello" {
		t.Fatalf("got a=%v b=%v, want both hello", gotA, gotB)
	}
}

func TestQueryReply(t *testing.T) {
	addr, _ := startServer(t)

	var b *client.Client
	b = newTestClient(t, addr, &client.Events{OnMessage: func(q string, m *protocol.Message) {
		if m.IsQuery {
			go b.Reply(m, "pong")
		}
	}})

	a := newTestClient(t, addr, nil)

	if err := b.Subscribe("rpc"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	reply, err := a.Query(context.Background(), "rpc", "", "ping", time.Second)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if reply.Body != "pong" {
		t.Fatalf("reply body = %q, want pong", reply.Body)
	}
}

func TestSlowConsumerOrdering(t *testing.T) {
	addr, _ := startServer(t)

	var mu sync.Mutex
	var order []string
	var maxInflight, inflight int

	a := newTestClient(t, addr, &client.Events{OnMessage: func(q string, m *protocol.Message) {
		mu.Lock()
		inflight++
		if inflight > maxInflight {
			maxInflight = inflight
		}
		mu.Unlock()

		time.Sleep(200 * time.Millisecond)

		mu.Lock()
		order = append(order, m.Body)
		inflight--
		mu.Unlock()
	}})

	var gotB []string
	b := newTestClient(t, addr, &client.Events{OnMessage: func(q string, m *protocol.Message) {
		mu.Lock()
		gotB = append(gotB, m.Body)
		mu.Unlock()
	}})

	c := newTestClient(t, addr, nil)

	if err := a.Subscribe("s3"); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if err := b.Subscribe("s3"); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}

	for _, body := range []string{"m1", "m2", "m3"} {
		if err := c.Publish("s3", "", body, 0); err != nil {
			t.Fatalf("publish %s: %v", body, err)
		}
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"m1", "m2", "m3"}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("a received order %v, want %v", order, want)
		}
	}
	if maxInflight > 1 {
		t.Fatalf("max inflight to A was %d, want at most 1", maxInflight)
	}
	if len(gotB) != 3 {
		t.Fatalf("b received %d messages, want 3", len(gotB))
	}
}

func TestExpiryNoSubscriber(t *testing.T) {
	addr, _ := startServer(t)

	c := newTestClient(t, addr, nil)
	if err := c.Publish("expiring", "", "gone soon", 1); err != nil {
		t.Fatalf("publish: %v", err)
	}

	time.Sleep(2 * time.Second)

	var mu sync.Mutex
	var got []string
	a := newTestClient(t, addr, &client.Events{OnMessage: func(q string, m *protocol.Message) {
		mu.Lock()
		got = append(got, m.Body)
		mu.Unlock()
	}})
	if err := a.Subscribe("expiring"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 0 {
		t.Fatalf("expired message was delivered: %v", got)
	}
}

func TestReconnect(t *testing.T) {
	addr, _, ln := startServerWithTrackingListener(t)

	var mu sync.Mutex
	var connects, disconnects, reconnects int
	var got []string

	cfg := config.DefaultConfig().Client
	cfg.ReconnectIntervalMS = 50
	cfg.QueryTimeoutMS = 5000

	events := &client.Events{
		OnConnect: func() {
			mu.Lock()
			connects++
			mu.Unlock()
		},
		OnDisconnect: func(err error) {
			mu.Lock()
			disconnects++
			mu.Unlock()
		},
		OnReconnect: func() {
			mu.Lock()
			reconnects++
			mu.Unlock()
		},
		OnMessage: func(q string, m *protocol.Message) {
			mu.Lock()
			got = append(got, m.Body)
			mu.Unlock()
		},
	}

	a := client.New(addr, cfg, 5*time.Second, 0, events, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := a.Connect(ctx); err != nil {
		cancel()
		t.Fatalf("connect: %v", err)
	}
	cancel()
	t.Cleanup(func() { a.Disconnect() })

	if err := a.Subscribe("x"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	waitFor(t, func() bool { return ln.last() != nil })
	ln.last().Close()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return disconnects == 1
	})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reconnects == 1
	})

	publisher := newTestClient(t, addr, nil)
	if err := publisher.Publish("x", "", "after reconnect", 0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0] != "after reconnect" {
		t.Fatalf("got %v, want [after reconnect]", got)
	}
	if connects != 2 {
		t.Fatalf("connects = %d, want 2", connects)
	}
	if disconnects != 1 {
		t.Fatalf("disconnects = %d, want 1", disconnects)
	}
}

func TestUnknownFrameClosesSession(t *testing.T) {
	addr, _ := startServer(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.NewControlCommand(protocol.Hello, uuid.New(), uuid.New(), "")
	if err := protocol.WriteCommand(conn, hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	dec := protocol.NewDecoder(conn, 0)
	if _, err := dec.ReadCommand(); err != nil {
		t.Fatalf("read hello ack: %v", err)
	}

	payload := []byte{255}
	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))
	if _, err := conn.Write(header[:]); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected session to close after unknown frame type")
	}

	// A second, well-behaved session must still be servable.
	good := newTestClient(t, addr, nil)
	if err := good.Subscribe("still-fine"); err != nil {
		t.Fatalf("subsequent session affected by unrelated protocol error: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
