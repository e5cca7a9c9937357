package residue

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// ConnectRequest is the plaintext of an RSA-wrapped handshake frame
// (spec.md §6): a client presents its RSA public key and asks to be
// registered.
type ConnectRequest struct {
	Timestamp    int64  `json:"_t"`
	Type         string `json:"type"`
	RSAPublicKey string `json:"rsa_public_key"`
	// ClientID optionally requests a specific, pre-provisioned client id
	// (spec.md §3). Honored only when cfg declares it known; otherwise a
	// fresh id is generated as usual.
	ClientID string `json:"client_id,omitempty"`
}

// ConnectResponse is returned after a successful CONNECT: the new client id,
// its symmetric key wrapped under the client's own RSA public key, and its
// lifetime. The caller frames it as plain JSON; the response body itself is
// not encrypted, only the symmetric key inside it is.
type ConnectResponse struct {
	ClientID        string `json:"client_id"`
	SymmetricKeyEnc string `json:"sym_key"` // base64(RSA-OAEP(symKey))
	Age             int64  `json:"age"`
	DateCreated     int64  `json:"date_created"`
}

const connectRequestType = "CONNECT"

// HandleConnect processes a decoded CONNECT handshake: parses the client's
// RSA public key, generates a fresh symmetric key and client id, registers
// the client, and returns the response to wrap and send back.
func HandleConnect(registry *ClientRegistry, cfg *Config, plaintext []byte, now time.Time) (*ConnectResponse, error) {
	var req ConnectRequest
	if err := json.Unmarshal(plaintext, &req); err != nil {
		return nil, newErr(KindInvalidJSON, "connect request did not parse", err)
	}
	if req.Type != connectRequestType {
		return nil, newErr(KindBadFrame, "handshake payload is not a CONNECT request", nil)
	}

	pubKey, err := DecodePublicKeyPEM([]byte(req.RSAPublicKey))
	if err != nil {
		return nil, newErr(KindBadFrame, "invalid client rsa public key", err)
	}

	symKey, err := GenerateSymmetricKey()
	if err != nil {
		return nil, err
	}

	wrapped, err := WrapSymKey(pubKey, symKey)
	if err != nil {
		return nil, err
	}

	id := NewClientID()
	known := false
	user := ""
	if req.ClientID != "" && cfg.IsKnownClient(req.ClientID) {
		id = req.ClientID
		known = true
		user = cfg.KnownClientUser(req.ClientID)
	}

	client := &Client{
		ID:           id,
		PublicKey:    pubKey,
		SymmetricKey: symKey,
		DateCreated:  now,
		Age:          cfg.ClientAgeSeconds,
		Known:        known,
		User:         user,
	}
	registry.Add(client)

	return &ConnectResponse{
		ClientID:        client.ID,
		SymmetricKeyEnc: encodeWrappedKey(wrapped),
		Age:             client.Age,
		DateCreated:     client.DateCreated.Unix(),
	}, nil
}

func encodeWrappedKey(wrapped []byte) string {
	return base64.StdEncoding.EncodeToString(wrapped)
}
