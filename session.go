package residue

import (
	"bufio"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// StatusCode is the one-byte-ish status line written back to the client
// immediately after a frame is read (spec.md §4.2/§6).
type StatusCode byte

const (
	StatusOK       StatusCode = 'K'
	StatusBadReq   StatusCode = 'B'
	StatusContinue StatusCode = 'C'
)

// Server listens for connections, reads length-prefixed frames, and
// enqueues each as a RawRequest for the dispatcher — decoupling client
// response latency from dispatch processing (spec.md §4.2).
type Server struct {
	cfg       *Config
	queue     *dualBufferQueue
	registry  *ClientRegistry
	serverKey *rsa.PrivateKey
	listener  net.Listener
	logger    *slog.Logger

	sem chan struct{} // bounds concurrent connection handlers
}

// NewServer creates a Server that is not yet listening; Serve binds the
// listen address. registry
// and serverKey are used to handle CONNECT handshakes synchronously, inline
// with the session that sent them (spec.md §4.2 "CONTINUE means accepted,
// see response body; used for non-log request types").
func NewServer(cfg *Config, queue *dualBufferQueue, registry *ClientRegistry, serverKey *rsa.PrivateKey, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	maxHandlers := cfg.MaxSessionHandlers
	if maxHandlers <= 0 {
		maxHandlers = 64
	}
	return &Server{
		cfg:       cfg,
		queue:     queue,
		registry:  registry,
		serverKey: serverKey,
		logger:    logger,
		sem:       make(chan struct{}, maxHandlers),
	}
}

// Serve opens a TCP listener on address and accepts connections until ctx
// is cancelled. Closing the listener aborts any outstanding Accept call
// (spec.md §5 "Outstanding socket reads are aborted by closing listeners").
func (s *Server) Serve(ctx context.Context, address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", address, err)
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.logger.Error("accept failed", "error", err)
				return err
			}
		}

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			_ = conn.Close()
			return nil
		}

		go func() {
			defer func() { <-s.sem }()
			s.handleConn(ctx, conn)
		}()
	}
}

// Address returns the bound listener's address; valid only after Serve has
// started listening.
func (s *Server) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// handleConn reads framed requests off conn until it is closed or errors,
// writing a status code after each successful read and enqueueing the
// frame for dispatch (spec.md §4.2).
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	ip, _, err := net.SplitHostPort(remote)
	if err != nil {
		ip = remote
	}

	reader := bufio.NewReader(conn)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		payload, err := readFrame(reader, s.cfg.FrameDelimiter)
		if err != nil {
			if kind, ok := KindOf(err); ok && kind == KindBadFrame {
				_, _ = conn.Write([]byte{byte(StatusBadReq)})
			}
			return
		}

		now := time.Now()

		if len(payload) > 0 && FrameMarker(payload[0]) == MarkerHandshake {
			if !s.handleHandshake(conn, payload[1:], now, remote) {
				return
			}
			continue
		}

		if _, werr := conn.Write([]byte{byte(StatusOK)}); werr != nil {
			s.logger.Error("failed to write status code", "error", werr, "remote", remote)
			return
		}

		s.queue.Push(RawRequest{
			Payload:      payload,
			SessionAddr:  remote,
			DateReceived: now.UnixNano(),
			IPAddr:       ip,
		})
	}
}

// handleHandshake decrypts and processes a CONNECT frame inline on the
// session that sent it, writing CONTINUE plus the response body on success
// or BAD_REQUEST on failure (spec.md §4.1/§4.2). It returns false if the
// session should be closed.
func (s *Server) handleHandshake(conn net.Conn, encrypted []byte, now time.Time, remote string) bool {
	plaintext, err := RSADecryptHandshake(s.serverKey, encrypted)
	if err != nil {
		s.logger.Error("handshake decrypt failed", "error", err, "remote", remote)
		_, _ = conn.Write([]byte{byte(StatusBadReq)})
		return false
	}

	resp, err := HandleConnect(s.registry, s.cfg, plaintext, now)
	if err != nil {
		s.logger.Error("handshake rejected", "error", err, "remote", remote)
		_, _ = conn.Write([]byte{byte(StatusBadReq)})
		return false
	}

	body, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to encode handshake response", "error", err, "remote", remote)
		_, _ = conn.Write([]byte{byte(StatusBadReq)})
		return false
	}

	if _, werr := conn.Write([]byte{byte(StatusContinue)}); werr != nil {
		s.logger.Error("failed to write status code", "error", werr, "remote", remote)
		return false
	}
	if werr := writeFrame(conn, s.cfg.FrameDelimiter, body); werr != nil {
		s.logger.Error("failed to write handshake response body", "error", werr, "remote", remote)
		return false
	}
	return true
}

// writeFrame writes "<decimalLength><delimiter><payloadBytes>" to w, the
// same framing the session uses for requests (spec.md §6).
func writeFrame(w io.Writer, delimiter byte, payload []byte) error {
	prefix := fmt.Sprintf("%d%c", len(payload), delimiter)
	if _, err := io.WriteString(w, prefix); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads "<decimalLength><delimiter><payloadBytes>" from r
// (spec.md §6).
func readFrame(r *bufio.Reader, delimiter byte) ([]byte, error) {
	lengthStr, err := r.ReadString(delimiter)
	if err != nil {
		return nil, err
	}
	lengthStr = lengthStr[:len(lengthStr)-1] // drop delimiter

	length, err := strconv.Atoi(lengthStr)
	if err != nil || length < 0 {
		return nil, newErr(KindBadFrame, "invalid frame length prefix", err)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
