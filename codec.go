package residue

import (
	"crypto/rsa"
	"strings"
)

// FrameMarker selects how the byte following it is interpreted, per
// spec.md §4.1 ("Two modes, selected per frame by a leading marker byte").
type FrameMarker byte

const (
	// MarkerHandshake marks an RSA-wrapped CONNECT/key-agreement payload.
	MarkerHandshake FrameMarker = 0x01
	// MarkerSymmetric marks a "<clientId>:<ivHex>:<base64-ciphertext>" body.
	MarkerSymmetric FrameMarker = 0x02
)

// DecodedFrame is the result of decoding one wire frame: plaintext JSON
// ready for the log request parser, plus the client id the frame claimed
// (empty for a handshake, which has none yet).
type DecodedFrame struct {
	ClientID  string
	Plaintext []byte
}

// DecodeFrame dispatches a raw frame payload by its leading marker byte
// (spec.md §4.1), falling back to treating the whole payload as plaintext
// JSON when AllowPlainLogRequest permits it and no marker matches.
func DecodeFrame(cfg *Config, registry *ClientRegistry, serverKey *rsa.PrivateKey, payload []byte) (*DecodedFrame, error) {
	if len(payload) == 0 {
		return nil, newErr(KindBadFrame, "empty frame", nil)
	}

	switch FrameMarker(payload[0]) {
	case MarkerHandshake:
		plain, err := RSADecryptHandshake(serverKey, payload[1:])
		if err != nil {
			return nil, err
		}
		return &DecodedFrame{Plaintext: plain}, nil
	case MarkerSymmetric:
		return decodeSymmetricFrame(registry, payload[1:])
	default:
		if cfg.AllowPlainLogRequest {
			return &DecodedFrame{Plaintext: payload}, nil
		}
		return nil, newErr(KindBadFrame, "unrecognized frame marker and plain requests disallowed", nil)
	}
}

// decodeSymmetricFrame splits "<clientId>:<ivHex>:<base64-ciphertext>",
// resolves the client by id, and decrypts the body with its symmetric key.
func decodeSymmetricFrame(registry *ClientRegistry, body []byte) (*DecodedFrame, error) {
	parts := strings.SplitN(string(body), ":", 3)
	if len(parts) != 3 {
		return nil, newErr(KindBadFrame, "symmetric frame must be clientId:ivHex:base64", nil)
	}
	clientID, ivHex, ciphertextB64 := parts[0], parts[1], parts[2]

	client := registry.Find(clientID)
	if client == nil {
		return nil, newErr(KindUnknownClient, "unknown client id: "+clientID, nil)
	}

	plain, err := DecryptFromClient(client.SymmetricKey, ivHex, ciphertextB64)
	if err != nil {
		return nil, err
	}
	return &DecodedFrame{ClientID: clientID, Plaintext: plain}, nil
}
