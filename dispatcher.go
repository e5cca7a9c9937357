package residue

import (
	"bytes"
	"compress/zlib"
	"context"
	"crypto/rsa"
	"io"
	"log/slog"
	"time"
)

// Dispatcher is the single background worker draining the dual-buffer
// queue and driving the rest of the pipeline: decode, parse, resolve
// client, evaluate policy, write to the log sink (spec.md §4.7).
//
// Deliberately one goroutine, not a worker pool: see spec.md §5's
// rationale — client-facing latency is dominated by enqueue, not
// dispatch, and a second dispatcher would force the dual-buffer queue's
// producer lock to cover an entire drain instead of a single push.
type Dispatcher struct {
	queue     *dualBufferQueue
	registry  *ClientRegistry
	tokens    *TokenStore
	policy    *PolicyEvaluator
	cfg       *Config
	sink      LogSink
	cache     *clientCache
	integrity *IntegrityTask
	serverKey *rsa.PrivateKey
	logger    *slog.Logger

	pollInterval time.Duration
}

// NewDispatcher wires a dispatcher from its dependencies.
func NewDispatcher(
	queue *dualBufferQueue,
	registry *ClientRegistry,
	tokens *TokenStore,
	policy *PolicyEvaluator,
	cfg *Config,
	sink LogSink,
	integrity *IntegrityTask,
	serverKey *rsa.PrivateKey,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	return &Dispatcher{
		queue:        queue,
		registry:     registry,
		tokens:       tokens,
		policy:       policy,
		cfg:          cfg,
		sink:         sink,
		cache:        newClientCache(256),
		integrity:    integrity,
		serverKey:    serverKey,
		logger:       logger,
		pollInterval: pollInterval,
	}
}

// Run blocks, draining a round then sleeping pollInterval, until ctx is
// cancelled. On cancellation it does not drain a final round: at-least-once
// delivery past a shutdown boundary is the client's responsibility
// (spec.md §5 "Cancellation").
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d.drainRound(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.pollInterval):
		}
	}
}

// drainRound processes exactly the items present in the queue's active
// buffer at the moment BeginDrain is called; anything pushed afterward
// waits for the next round (spec.md §4.6/§8).
func (d *Dispatcher) drainRound(ctx context.Context) {
	items := d.queue.BeginDrain()
	for _, raw := range items {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if d.cfg.DispatchDelay > 0 {
			time.Sleep(d.cfg.DispatchDelay)
		}
		d.processRaw(ctx, raw)
	}
}

// processRaw decodes, parses, and dispatches a single queued frame
// (spec.md §4.7 step 1). Framing, decrypt, or parse failures are logged
// server-side only: the client already received STATUS_OK at enqueue time.
func (d *Dispatcher) processRaw(ctx context.Context, raw RawRequest) {
	dateReceived := time.Unix(0, raw.DateReceived)

	decoded, err := DecodeFrame(d.cfg, d.registry, d.serverKey, raw.Payload)
	if err != nil {
		d.logger.Error("failed to decode frame", "error", err, "session", raw.SessionAddr)
		return
	}

	if d.cfg.Compression {
		zr, zerr := zlib.NewReader(bytes.NewReader(decoded.Plaintext))
		if zerr == nil {
			decoded.Plaintext, zerr = io.ReadAll(zr)
		}
		if zerr != nil {
			d.logger.Error("failed to decompress payload", "error", zerr, "session", raw.SessionAddr)
			return
		}
	}

	parsed, err := ParseLogRequest(decoded.Plaintext, raw.IPAddr, dateReceived)
	if err != nil {
		d.logger.Error("failed to parse log request", "error", err, "session", raw.SessionAddr)
		return
	}

	if parsed.Bulk {
		d.dispatchBulk(ctx, decoded, raw, dateReceived, parsed.Items)
		return
	}

	item := &parsed.Items[0]
	if item.ClientID == "" {
		item.ClientID = decoded.ClientID
	}
	if decoded.ClientID != "" {
		item.SetClient(d.resolveClient(decoded.ClientID))
	}
	d.processSingle(ctx, item)
}

// dispatchBulk implements the bulk branch of processRequestQueue: a shared
// client-validation state threaded across items, re-forced whenever the
// integrity task has swept since the last validation (spec.md §4.7 step 2,
// grounded in original_source/src/logging/log-request-handler.cc).
func (d *Dispatcher) dispatchBulk(ctx context.Context, decoded *DecodedFrame, raw RawRequest, dateReceived time.Time, items []LogRequest) {
	if !d.cfg.AllowBulkLogRequest {
		d.logger.Error("bulk requests are not allowed", "session", raw.SessionAddr)
		return
	}

	state := &clientResolution{}
	if decoded.ClientID != "" {
		state.client = d.resolveClient(decoded.ClientID)
	}
	lastKnownClientID := decoded.ClientID
	lastClientValidation := dateReceived
	forceClientValidation := true

	for i := range items {
		if i >= d.cfg.MaxItemsInBulk {
			err := newErr(KindBulkOverflow, "maximum number of bulk requests reached, ignoring rest of bulk", nil)
			d.logger.Error(err.Error(), "limit", d.cfg.MaxItemsInBulk, "session", raw.SessionAddr)
			break
		}

		item := &items[i]
		if !item.IsValid() {
			d.logger.Error("invalid request in bulk", "logger_id", item.LoggerID)
			continue
		}
		item.IPAddr = raw.IPAddr
		item.DateReceived = dateReceived

		if !forceClientValidation && d.integrity != nil && !lastClientValidation.After(d.integrity.LastExecution()) {
			d.logger.Info("re-forcing client validation after client integrity task execution",
				"last_known_client_id", lastKnownClientID)
			state.client = nil
			item.SetClient(nil)
			item.ClientID = lastKnownClientID
			forceClientValidation = true
			lastClientValidation = dateReceived
		}

		if d.processRequest(ctx, item, state, forceClientValidation) {
			if state.client != nil {
				lastKnownClientID = state.client.ID
			} else {
				lastKnownClientID = ""
			}
			forceClientValidation = false
		} else {
			forceClientValidation = true
		}
	}
}

// processSingle handles a non-bulk request: forceCheck is always true and
// there is no carried client-resolution state, matching
// processRequest(&request, nullptr, true) in the original dispatcher.
func (d *Dispatcher) processSingle(ctx context.Context, item *LogRequest) {
	d.processRequest(ctx, item, nil, true)
}

// clientResolution is the Go analogue of the original's Client** out
// parameter: a slot the caller can read after processRequest returns to
// learn which client (if any) ended up resolved.
type clientResolution struct {
	client *Client
}

// processRequest implements spec.md §4.7's processRequest semantics.
// state may be nil, meaning "no carried client reference" (the non-bulk
// path); forceCheck true means liveness/policy checks must run regardless
// of any already-resolved client.
func (d *Dispatcher) processRequest(ctx context.Context, item *LogRequest, state *clientResolution, forceCheck bool) bool {
	bypassChecks := !forceCheck && state != nil && state.client != nil

	var client *Client
	if state != nil && state.client != nil {
		client = state.client
	} else {
		client = item.Client()
	}

	if client == nil {
		loggerAllowsPlain := d.cfg.AllowPlainLogRequest &&
			(d.cfg.LoggerAllowsPlainRequest(item.LoggerID) ||
				(!d.cfg.IsKnownLogger(item.LoggerID) && d.cfg.AllowUnknownLoggers))
		switch {
		case loggerAllowsPlain && item.ClientID != "":
			client = d.resolveClient(item.ClientID)
		case item.ClientID == "":
			d.logger.Error("invalid request: no client id found", "logger_id", item.LoggerID)
		}
	}

	if state != nil {
		state.client = client
	}

	if client == nil {
		d.logger.Error("invalid request: no client found", "client_id", item.ClientID, "logger_id", item.LoggerID)
		return false
	}

	if !bypassChecks && !client.IsAlive(item.DateReceived) {
		err := newErr(KindClientDead, "client has expired", nil)
		d.logger.Error(err.Error(), "client_id", client.ID)
		return false
	}

	item.SetClient(client)

	if !bypassChecks && client.Known {
		if d.cfg.AllowUnknownLoggers && !d.cfg.IsKnownLogger(item.LoggerID) {
			d.cfg.UpdateUnknownLoggerUser(item.LoggerID, client.User)
		}
	}

	if !item.IsValid() {
		return false
	}

	if !bypassChecks {
		// Policy already logs the specific rejection reason at WARNING.
		if err := d.policy.IsAllowed(item); err != nil {
			return false
		}
	}

	d.emit(ctx, item, client)
	return true
}

// emit writes the resolved request to the log sink as a Record, binding
// %client_id/%ip as plain struct fields rather than process-wide format
// specifiers (DESIGN.md decision D4 — safe even under future parallel
// dispatch, unlike the original's install/uninstall dance, see spec.md §9).
func (d *Dispatcher) emit(ctx context.Context, item *LogRequest, client *Client) {
	rec := Record{
		TS:       item.DateReceived.UnixNano(),
		LoggerID: item.LoggerID,
		ClientID: client.ID,
		IPAddr:   item.IPAddr,
		Level:    item.Level,
		Msg:      item.Msg,
	}
	if err := d.sink.Write(ctx, rec); err != nil {
		d.logger.Error("failed to write record to log sink", "logger_id", item.LoggerID, "error", err)
	}
}

func (d *Dispatcher) resolveClient(id string) *Client {
	return d.cache.Resolve(d.registry, id)
}
