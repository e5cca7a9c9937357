package residue

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"
)

func TestNodeEndToEndHandshakeThenLogRequest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KnownLoggers["app"] = LoggerPolicy{RequiresToken: false}

	sink := &memSink{}
	node, err := NewNode(NodeOptions{Config: cfg, Sink: sink, KeyDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- node.Run(ctx, "127.0.0.1:0") }()

	var addr string
	for i := 0; i < 200; i++ {
		if a := node.Address(); a != "" {
			addr = a
			break
		}
		time.Sleep(time.Millisecond)
	}
	if addr == "" {
		t.Fatal("node never bound a listening address")
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)

	clientKey, err := GenerateServerKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	clientPEM, err := EncodePublicKeyPEM(&clientKey.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	connectReq := ConnectRequest{Timestamp: 1, Type: "CONNECT", RSAPublicKey: string(clientPEM)}
	plaintext, err := json.Marshal(connectReq)
	if err != nil {
		t.Fatal(err)
	}
	encrypted, err := RSAEncryptHandshake(node.ServerKey(), plaintext)
	if err != nil {
		t.Fatal(err)
	}
	handshakeBody := append([]byte{byte(MarkerHandshake)}, encrypted...)
	if _, err := conn.Write(append([]byte(fmt.Sprintf("%d\n", len(handshakeBody))), handshakeBody...)); err != nil {
		t.Fatalf("write handshake failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	status, err := reader.ReadByte()
	if err != nil {
		t.Fatalf("reading handshake status failed: %v", err)
	}
	if StatusCode(status) != StatusContinue {
		t.Fatalf("expected StatusContinue, got %q", status)
	}
	respPayload, err := readFrame(reader, cfg.FrameDelimiter)
	if err != nil {
		t.Fatalf("reading handshake response failed: %v", err)
	}
	var resp ConnectResponse
	if err := json.Unmarshal(respPayload, &resp); err != nil {
		t.Fatalf("handshake response did not parse: %v", err)
	}
	symKeyWrapped, err := base64.StdEncoding.DecodeString(resp.SymmetricKeyEnc)
	if err != nil {
		t.Fatal(err)
	}
	symKey, err := UnwrapSymKey(clientKey, symKeyWrapped)
	if err != nil {
		t.Fatalf("failed to unwrap symmetric key: %v", err)
	}

	logReq := []byte(`{"logger_id":"app","msg":"end to end","level":2}`)
	ivHex, ctB64, err := EncryptForClient(symKey, logReq)
	if err != nil {
		t.Fatal(err)
	}
	symBody := fmt.Sprintf("%s:%s:%s", resp.ClientID, ivHex, ctB64)
	frameBody := append([]byte{byte(MarkerSymmetric)}, []byte(symBody)...)
	if _, err := conn.Write(append([]byte(fmt.Sprintf("%d\n", len(frameBody))), frameBody...)); err != nil {
		t.Fatalf("write log request failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	status2, err := reader.ReadByte()
	if err != nil {
		t.Fatalf("reading log request status failed: %v", err)
	}
	if StatusCode(status2) != StatusOK {
		t.Fatalf("expected StatusOK, got %q", status2)
	}

	var records []Record
	for i := 0; i < 200; i++ {
		records = sink.all()
		if len(records) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record to reach the log sink, got %d", len(records))
	}
	if records[0].Msg != "end to end" || records[0].ClientID != resp.ClientID {
		t.Errorf("unexpected record: %+v", records[0])
	}

	cancel()
	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return after context cancellation")
	}
}
