package bus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/avenirsoft/crmcore/internal/codec"
)

// startTestNATS starts an embedded NATS server and returns its client URL.
func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

func newTestConn(t *testing.T, url string) *Conn {
	t.Helper()
	c := New(Config{
		URLs:                 []string{url},
		Name:                 "bus-test",
		MaxReconnectAttempts: 3,
		ReconnectWait:        50 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Drain() })
	return c
}

func TestConnect_Success(t *testing.T) {
	url := startTestNATS(t)
	c := newTestConn(t, url)
	if c.Status() != StatusConnected {
		t.Fatalf("status = %v, want connected", c.Status())
	}
}

func TestConnect_ExhaustsAttempts(t *testing.T) {
	var buf bytes.Buffer
	c := New(Config{
		URLs:                 []string{"nats://127.0.0.1:1"}, // unreachable
		MaxReconnectAttempts: 3,
		ReconnectWait:        10 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(&buf, nil)), nil)

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrConnectionExhausted) {
		t.Fatalf("expected ErrConnectionExhausted, got %v", err)
	}
	if c.Status() != StatusDisconnected {
		t.Errorf("status = %v, want disconnected", c.Status())
	}
	if got := strings.Count(buf.String(), "broker connect failed"); got != 3 {
		t.Errorf("logged %d attempts, want 3:\n%s", got, buf.String())
	}
}

func TestConnect_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := New(Config{
		URLs:                 []string{"nats://127.0.0.1:1"},
		MaxReconnectAttempts: 5,
		ReconnectWait:        time.Minute,
	}, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), nil)

	err := c.Connect(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPublish_NotConnected(t *testing.T) {
	c := New(Config{}, nil, nil)
	err := c.Publish(context.Background(), "crm.events.client.created", "x", codec.String)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSubscribeRaw_NotConnected(t *testing.T) {
	c := New(Config{}, nil, nil)
	_, err := c.SubscribeRaw("crm.events.>", "", func(context.Context, string, []byte) error { return nil })
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestPublishSubscribe_JSONRoundTrip(t *testing.T) {
	url := startTestNATS(t)
	c := newTestConn(t, url)

	type clientCreated struct {
		ClientID string `json:"client_id"`
	}

	got := make(chan clientCreated, 1)
	_, err := Subscribe(c, "crm.events.client.created", "", codec.JSON,
		func(_ context.Context, _ string, msg *clientCreated) error {
			got <- *msg
			return nil
		})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := c.Publish(context.Background(), "crm.events.client.created",
		clientCreated{ClientID: "cl-1"}, codec.JSON); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-got:
		if msg.ClientID != "cl-1" {
			t.Errorf("got %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestSubscribe_DecodeFailureDoesNotKillLoop(t *testing.T) {
	url := startTestNATS(t)
	c := newTestConn(t, url)

	type payload struct {
		N int `json:"n"`
	}

	got := make(chan payload, 1)
	_, err := Subscribe(c, "crm.events.invoice.paid", "", codec.JSON,
		func(_ context.Context, _ string, msg *payload) error {
			got <- *msg
			return nil
		})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Garbage first, then a valid message; the valid one must still arrive.
	if err := c.Publish(context.Background(), "crm.events.invoice.paid", "{broken", codec.String); err != nil {
		t.Fatalf("publish garbage: %v", err)
	}
	if err := c.Publish(context.Background(), "crm.events.invoice.paid", payload{N: 7}, codec.JSON); err != nil {
		t.Fatalf("publish valid: %v", err)
	}

	select {
	case msg := <-got:
		if msg.N != 7 {
			t.Errorf("got %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("subscription died after decode failure")
	}
}

func TestSubscribe_HandlerErrorDoesNotKillLoop(t *testing.T) {
	url := startTestNATS(t)
	c := newTestConn(t, url)

	var calls atomic.Int32
	done := make(chan struct{}, 2)
	_, err := c.SubscribeRaw("crm.events.user.updated", "", func(context.Context, string, []byte) error {
		n := calls.Add(1)
		done <- struct{}{}
		if n == 1 {
			return errors.New("transient handler failure")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := c.Publish(context.Background(), "crm.events.user.updated", fmt.Sprintf("m%d", i), codec.String); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for delivery %d", i)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("handler ran %d times, want 2", calls.Load())
	}
}

func TestQueueSubscribe_CompetingConsumers(t *testing.T) {
	url := startTestNATS(t)
	c := newTestConn(t, url)

	const n = 20
	var mu sync.Mutex
	received := make(map[string]int) // message -> deliveries
	var wg sync.WaitGroup
	wg.Add(n)

	handler := func(_ context.Context, _ string, data []byte) error {
		mu.Lock()
		received[string(data)]++
		mu.Unlock()
		wg.Done()
		return nil
	}

	for i := 0; i < 2; i++ {
		if _, err := c.SubscribeRaw("crm.jobs.email.send", "email-workers", handler); err != nil {
			t.Fatalf("queue subscribe %d: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		if err := c.Publish(context.Background(), "crm.jobs.email.send", fmt.Sprintf("job-%d", i), codec.String); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for queue deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != n {
		t.Fatalf("received %d distinct messages, want %d", len(received), n)
	}
	for msg, count := range received {
		if count != 1 {
			t.Errorf("message %s delivered %d times, want exactly 1", msg, count)
		}
	}
}

func TestRequest_Reply(t *testing.T) {
	url := startTestNATS(t)
	c := newTestConn(t, url)

	// Responder on a separate client connection.
	responder, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("responder connect: %v", err)
	}
	defer responder.Close()
	_, err = responder.Subscribe("crm.rpc.clients.get", func(msg *nats.Msg) {
		_ = msg.Respond([]byte(`{"name":"ACME"}`))
	})
	if err != nil {
		t.Fatalf("responder subscribe: %v", err)
	}
	if err := responder.Flush(); err != nil {
		t.Fatalf("responder flush: %v", err)
	}

	var resp struct {
		Name string `json:"name"`
	}
	err = c.Request(context.Background(), "crm.rpc.clients.get",
		map[string]string{"id": "cl-1"}, &resp, codec.JSON, time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.Name != "ACME" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestRequest_Timeout(t *testing.T) {
	url := startTestNATS(t)
	c := newTestConn(t, url)

	// A subscriber that never replies forces the timeout path.
	silent, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("silent connect: %v", err)
	}
	defer silent.Close()
	if _, err := silent.Subscribe("crm.rpc.slow", func(*nats.Msg) {}); err != nil {
		t.Fatalf("silent subscribe: %v", err)
	}
	if err := silent.Flush(); err != nil {
		t.Fatalf("silent flush: %v", err)
	}

	var resp map[string]any
	err = c.Request(context.Background(), "crm.rpc.slow", map[string]any{}, &resp, codec.JSON, 100*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestDrain(t *testing.T) {
	url := startTestNATS(t)
	c := newTestConn(t, url)

	if _, err := c.SubscribeRaw("crm.events.>", "", func(context.Context, string, []byte) error { return nil }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := c.Drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if c.Status() != StatusDisconnected {
		t.Errorf("status = %v, want disconnected", c.Status())
	}
	if err := c.Publish(context.Background(), "crm.events.x", "y", codec.String); !errors.Is(err, ErrNotConnected) {
		t.Errorf("publish after drain: %v, want ErrNotConnected", err)
	}

	// Draining twice is a no-op.
	if err := c.Drain(); err != nil {
		t.Errorf("second drain: %v", err)
	}
}

func TestJetStream_Handle(t *testing.T) {
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1, JetStream: true, StoreDir: t.TempDir()}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}

	c := newTestConn(t, srv.ClientURL())
	js, err := c.JetStream()
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	if js == nil {
		t.Fatal("expected a JetStream handle")
	}
}
