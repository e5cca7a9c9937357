package residue

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Node wires together every component of the ingestion pipeline: the
// session listener, the dual-buffer queue, the dispatch worker, and the
// integrity task. It is the entry point an embedding program constructs
// and runs; CLI startup, daemonization, and signal handling are explicitly
// out of scope (spec.md §1) and left to that program.
type Node struct {
	Config   *Config
	Registry *ClientRegistry
	Tokens   *TokenStore
	Keys     *KeyStore
	Sink     LogSink

	server     *Server
	dispatcher *Dispatcher
	integrity  *IntegrityTask
	queue      *dualBufferQueue
	serverKey  *rsa.PrivateKey
	logger     *slog.Logger

	wg sync.WaitGroup
}

// NodeOptions configures a new Node.
type NodeOptions struct {
	Config     *Config
	Sink       LogSink
	KeyDir     string
	ListenAddr string
	Logger     *slog.Logger
}

// NewNode constructs a Node, loading (or generating) the server's RSA key
// pair from opts.KeyDir.
func NewNode(opts NodeOptions) (*Node, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = NewDefaultLogger(os.Stderr)
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("residue: a log sink is required")
	}

	keys, err := NewKeyStore(opts.KeyDir)
	if err != nil {
		return nil, fmt.Errorf("residue: init key store: %w", err)
	}
	serverKey, err := keys.LoadOrGenerate()
	if err != nil {
		return nil, fmt.Errorf("residue: load or generate server key pair: %w", err)
	}

	registry := NewClientRegistry()
	tokens := NewTokenStore()
	queue := newDualBufferQueue()
	policy := NewPolicyEvaluator(cfg, tokens, logger)
	integrity := NewIntegrityTask(registry, tokens, cfg.IntegrityTaskInterval, logger)
	dispatcher := NewDispatcher(queue, registry, tokens, policy, cfg, opts.Sink, integrity, serverKey, logger)
	server := NewServer(cfg, queue, registry, serverKey, logger)

	return &Node{
		Config:     cfg,
		Registry:   registry,
		Tokens:     tokens,
		Keys:       keys,
		Sink:       opts.Sink,
		server:     server,
		dispatcher: dispatcher,
		integrity:  integrity,
		queue:      queue,
		serverKey:  serverKey,
		logger:     logger,
	}, nil
}

// ServerKey returns the server's RSA public key, to be published to
// clients out-of-band or returned from a discovery endpoint.
func (n *Node) ServerKey() *rsa.PublicKey {
	return &n.serverKey.PublicKey
}

// Run starts the session listener, dispatch worker, and integrity task,
// blocking until ctx is cancelled. It returns once every component has
// stopped.
func (n *Node) Run(ctx context.Context, listenAddr string) error {
	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.dispatcher.Run(ctx)
	}()
	go func() {
		defer n.wg.Done()
		n.integrity.Run(ctx)
	}()

	err := n.server.Serve(ctx, listenAddr)
	n.wg.Wait()
	return err
}

// Address returns the session listener's bound address.
func (n *Node) Address() string {
	return n.server.Address()
}
