package residue

import (
	"encoding/json"
	"strings"
	"time"
)

// LogRequest is a single decoded, normalized log record as described in
// spec.md §3. It is immutable once dispatched; the dispatcher only ever
// mutates a copy held locally during bulk processing (setting IPAddr,
// DateReceived, and resolving ClientID) before the record reaches the
// policy evaluator.
type LogRequest struct {
	LoggerID     string    `json:"logger_id"`
	Level        int       `json:"level"`
	VerboseLevel int       `json:"vlevel"`
	Msg          string    `json:"msg"`
	Filename     string    `json:"file"`
	LineNumber   int       `json:"line"`
	Function     string    `json:"func"`
	Token        string    `json:"token"`
	ClientID     string    `json:"client_id"`
	Datetime     int64     `json:"datetime"`
	ThreadID     string    `json:"thread"`
	IPAddr       string    `json:"-"` // injected by session I/O, never trusted from payload
	DateReceived time.Time `json:"-"`

	// client is the resolved Client for this request, set by the
	// dispatcher once found; never serialized and never retained across
	// an integrity-sweep boundary without being re-resolved by id.
	client *Client
}

// Client returns the resolved client for this request, if any.
func (r *LogRequest) Client() *Client { return r.client }

// SetClient attaches (or clears, with nil) the resolved client.
func (r *LogRequest) SetClient(c *Client) {
	r.client = c
	if c != nil {
		r.ClientID = c.ID
	}
}

// IsValid reports whether required fields are present and loggerID passes
// charset rules (spec.md §4.5). It does not check authorization — that is
// the policy evaluator's job.
func (r *LogRequest) IsValid() bool {
	if strings.TrimSpace(r.LoggerID) == "" {
		return false
	}
	if strings.TrimSpace(r.Msg) == "" {
		return false
	}
	return isValidLoggerID(r.LoggerID)
}

// isValidLoggerID enforces the logger-id charset rule named in spec.md
// §4.5: letters, digits, and the punctuation commonly used to namespace
// logger ids, no whitespace.
func isValidLoggerID(id string) bool {
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == ':':
		default:
			return false
		}
	}
	return true
}

// ParsedRequest is the result of parsing a decrypted plaintext payload: it
// is either a single LogRequest or a bulk array sharing one envelope.
type ParsedRequest struct {
	Bulk  bool
	Items []LogRequest
}

// ParseLogRequest decodes plaintext as either a single JSON log record or
// a JSON array of records (spec.md §4.5: "a request is a bulk iff the
// top-level JSON is an array"). ipAddr and dateReceived come from the
// envelope (session I/O), never from the payload, and are stamped onto
// every item, including every element of a bulk.
func ParseLogRequest(plaintext []byte, ipAddr string, dateReceived time.Time) (*ParsedRequest, error) {
	trimmed := strings.TrimSpace(string(plaintext))
	if trimmed == "" {
		return nil, newErr(KindInvalidJSON, "empty payload", nil)
	}

	if trimmed[0] == '[' {
		var items []LogRequest
		if err := json.Unmarshal(plaintext, &items); err != nil {
			return nil, newErr(KindInvalidJSON, "bulk payload did not parse", err)
		}
		for i := range items {
			items[i].IPAddr = ipAddr
			items[i].DateReceived = dateReceived
		}
		return &ParsedRequest{Bulk: true, Items: items}, nil
	}

	var single LogRequest
	if err := json.Unmarshal(plaintext, &single); err != nil {
		return nil, newErr(KindInvalidJSON, "payload did not parse", err)
	}
	single.IPAddr = ipAddr
	single.DateReceived = dateReceived
	return &ParsedRequest{Bulk: false, Items: []LogRequest{single}}, nil
}
