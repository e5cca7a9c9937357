package residue

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
)

// ChainKeySize is the size in bytes of a chain key (SHA-256 output size).
const ChainKeySize = 32

// Record is a single dispatched log line, as persisted by a LogSink. The
// file-logging engine itself is explicitly out of scope (spec.md §1
// Non-goals); Record and LogSink exist so the dispatch pipeline has a real,
// exercisable destination rather than a stub.
//
// Tag chains each record to the one before it within the same LoggerID, so
// a sink's backing store can detect truncation, reordering, or tampering
// after the fact — adapted from the teacher's forward-secure dual-MAC
// scheme (logger.go, verify.go), simplified to a single chain bound to one
// evolving key per logger rather than the paper's separate verifier/trusted
// server chains, since Residue has no second party to hold a parallel key.
type Record struct {
	Index    uint64
	TS       int64 // unix nanos
	LoggerID string
	ClientID string
	IPAddr   string
	Level    int
	Msg      string
	Tag      [32]byte
}

// LogSink is the destination a dispatched record is written to. Residue
// ships two adapters, FileLogSink and SQLiteLogSink; an embedding program
// may supply its own (e.g. to forward to a real file-logging engine).
type LogSink interface {
	Write(ctx context.Context, rec Record) error
	Close() error
}

// chainState holds the per-logger evolving key and running tag used to
// compute Record.Tag (logger.go's keyV/tagV, collapsed to a single chain).
type chainState struct {
	index uint64
	key   [ChainKeySize]byte
	tag   [32]byte
	set   bool // tag is defined once index > 0
}

func newChainState() (*chainState, error) {
	var key [ChainKeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, err
	}
	return &chainState{key: key}, nil
}

// advance evolves the chain by one step and returns the record's index and
// tag, in the teacher's forward-secure style: the key is hashed forward
// before use (fwdKey) so a compromise of the current key cannot recover
// past tags, and the tag folds in the previous tag (fold) so a single
// record cannot be reordered or dropped without breaking the chain for
// every record after it.
func (c *chainState) advance(ts int64, meta, msg []byte) (uint64, [32]byte) {
	c.index++
	fwdKey(&c.key)

	var idxb, tsb [8]byte
	binary.BigEndian.PutUint64(idxb[:], c.index)
	binary.BigEndian.PutUint64(tsb[:], uint64(ts))

	m := mac(c.key[:], idxb[:], tsb[:], meta, msg)

	var tag [32]byte
	if !c.set {
		tag = htag(m)
	} else {
		tag = fold(c.tag, m)
	}
	c.tag = tag
	c.set = true
	return c.index, tag
}

// fwdKey performs forward-secure key evolution: K_i = H(K_i-1).
func fwdKey(k *[ChainKeySize]byte) {
	h := sha256.Sum256(k[:])
	copy(k[:], h[:])
}

// htag computes H(tag), used to initialize the chain's first tag.
func htag(tag [32]byte) [32]byte {
	return sha256.Sum256(tag[:])
}

func mac(key []byte, chunks ...[]byte) [32]byte {
	h := hmac.New(sha256.New, key)
	for _, c := range chunks {
		_, _ = h.Write(c)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func fold(prev, tagMAC [32]byte) [32]byte {
	h := sha256.New()
	_, _ = h.Write(prev[:])
	_, _ = h.Write(tagMAC[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
