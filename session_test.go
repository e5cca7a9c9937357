package residue

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
)

func TestReadFrameParsesLengthPrefixedPayload(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("5\nhello"))
	payload, err := readFrame(r, '\n')
	if err != nil {
		t.Fatalf("readFrame failed: %v", err)
	}
	if string(payload) != "hello" {
		t.Errorf("expected payload %q, got %q", "hello", payload)
	}
}

func TestReadFrameRejectsNonNumericLength(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("abc\nhello"))
	if _, err := readFrame(r, '\n'); err == nil {
		t.Error("expected an error for a non-numeric length prefix")
	} else if kind, ok := KindOf(err); !ok || kind != KindBadFrame {
		t.Errorf("expected KindBadFrame, got %v", err)
	}
}

func newTestServer(t *testing.T, cfg *Config, queue *dualBufferQueue) *Server {
	t.Helper()
	serverKey, err := GenerateServerKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	return NewServer(cfg, queue, NewClientRegistry(), serverKey, nil)
}

func TestServerAcceptsFrameWritesStatusAndEnqueues(t *testing.T) {
	cfg := DefaultConfig()
	queue := newDualBufferQueue()
	srv := newTestServer(t, cfg, queue)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, "127.0.0.1:0") }()

	// wait for the listener to be bound
	var addr string
	for i := 0; i < 100; i++ {
		if a := srv.Address(); a != "" {
			addr = a
			break
		}
		time.Sleep(time.Millisecond)
	}
	if addr == "" {
		t.Fatal("server never bound a listening address")
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	payload := "hello world"
	frame := fmt.Sprintf("%d\n%s", len(payload), payload)
	if _, err := conn.Write([]byte(frame)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	status := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(status); err != nil {
		t.Fatalf("reading status byte failed: %v", err)
	}
	if StatusCode(status[0]) != StatusOK {
		t.Errorf("expected StatusOK, got %q", status[0])
	}

	var got RawRequest
	for i := 0; i < 100; i++ {
		items := queue.BeginDrain()
		if len(items) > 0 {
			got = items[0]
			break
		}
		time.Sleep(time.Millisecond)
	}
	if string(got.Payload) != payload {
		t.Errorf("expected enqueued payload %q, got %q", payload, got.Payload)
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Serve to return after context cancellation")
	}
}

func TestServerWritesBadReqOnMalformedFrame(t *testing.T) {
	cfg := DefaultConfig()
	queue := newDualBufferQueue()
	srv := newTestServer(t, cfg, queue)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Serve(ctx, "127.0.0.1:0")

	var addr string
	for i := 0; i < 100; i++ {
		if a := srv.Address(); a != "" {
			addr = a
			break
		}
		time.Sleep(time.Millisecond)
	}
	if addr == "" {
		t.Fatal("server never bound a listening address")
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("not-a-number\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	status := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(status); err != nil {
		t.Fatalf("reading status byte failed: %v", err)
	}
	if StatusCode(status[0]) != StatusBadReq {
		t.Errorf("expected StatusBadReq, got %q", status[0])
	}
}

func TestServerHandlesHandshakeSynchronouslyWithoutEnqueueing(t *testing.T) {
	cfg := DefaultConfig()
	queue := newDualBufferQueue()
	clientKey, err := GenerateServerKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	serverKey, err := GenerateServerKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	registry := NewClientRegistry()
	srv := NewServer(cfg, queue, registry, serverKey, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, "127.0.0.1:0")

	var addr string
	for i := 0; i < 100; i++ {
		if a := srv.Address(); a != "" {
			addr = a
			break
		}
		time.Sleep(time.Millisecond)
	}
	if addr == "" {
		t.Fatal("server never bound a listening address")
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	clientPEM, err := EncodePublicKeyPEM(&clientKey.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	connectReq := ConnectRequest{Timestamp: 1, Type: "CONNECT", RSAPublicKey: string(clientPEM)}
	plaintext, err := json.Marshal(connectReq)
	if err != nil {
		t.Fatal(err)
	}
	encrypted, err := RSAEncryptHandshake(&serverKey.PublicKey, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	body := append([]byte{byte(MarkerHandshake)}, encrypted...)
	frame := append([]byte(fmt.Sprintf("%d\n", len(body))), body...)
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	reader := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	status, err := reader.ReadByte()
	if err != nil {
		t.Fatalf("reading status byte failed: %v", err)
	}
	if StatusCode(status) != StatusContinue {
		t.Fatalf("expected StatusContinue, got %q", status)
	}

	respPayload, err := readFrame(reader, cfg.FrameDelimiter)
	if err != nil {
		t.Fatalf("reading handshake response frame failed: %v", err)
	}
	var resp ConnectResponse
	if err := json.Unmarshal(respPayload, &resp); err != nil {
		t.Fatalf("handshake response did not parse: %v", err)
	}
	if resp.ClientID == "" {
		t.Error("expected a non-empty client id in the handshake response")
	}
	if registry.Find(resp.ClientID) == nil {
		t.Error("expected the new client to be registered")
	}

	if queue.Size() != 0 {
		t.Error("expected the handshake frame to never reach the dispatch queue")
	}
}
