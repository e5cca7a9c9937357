package residue

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
)

// KeySize is the size in bytes of the AES-256 symmetric key generated per
// client.
const KeySize = 32

// GenerateServerKeyPair creates a fresh 2048-bit RSA key pair for the
// server, used both to unwrap client-provided handshake payloads
// (spec.md §4.1, RSA-wrapped handshake) and to sign data with
// SignWithServerKey.
func GenerateServerKeyPair() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

// GenerateSymmetricKey creates a fresh random AES-256 key for a newly
// registered client (spec.md §3 "a generated symmetric key").
func GenerateSymmetricKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// WrapSymKey encrypts symKey under pubKey using RSA-OAEP so only the
// holder of the matching private key (the client) can recover it
// (spec.md §4.1 "wrapSymKey(pubKey, symKey) -> bytes").
func WrapSymKey(pubKey *rsa.PublicKey, symKey []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pubKey, symKey, nil)
}

// UnwrapSymKey reverses WrapSymKey using the server's private key.
func UnwrapSymKey(privKey *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, privKey, wrapped, nil)
	if err != nil {
		return nil, newErr(KindDecryptFailed, "rsa oaep decrypt failed", err)
	}
	return key, nil
}

// RSADecryptHandshake decrypts an RSA-wrapped handshake payload using
// PKCS#1 v1.5, matching the "(or PKCS#1 v1.5 as configured)" alternative
// named in spec.md §4.1 and grounded in
// original_source/src/crypto/rsa.cc's non-OAEP default path.
func RSADecryptHandshake(privKey *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	plain, err := rsa.DecryptPKCS1v15(rand.Reader, privKey, ciphertext)
	if err != nil {
		return nil, newErr(KindDecryptFailed, "rsa pkcs1v15 decrypt failed", err)
	}
	return plain, nil
}

// RSAEncryptHandshake encrypts data with PKCS#1 v1.5 under pubKey. Used by
// clients (and by tests standing in for a client) to build a CONNECT
// handshake frame.
func RSAEncryptHandshake(pubKey *rsa.PublicKey, data []byte) ([]byte, error) {
	return rsa.EncryptPKCS1v15(rand.Reader, pubKey, data)
}

// SignWithServerKey signs data with the server's RSA private key
// (PKCS#1 v1.5 over SHA-256) and returns the signature hex-encoded
// (spec.md §4.1 "signWithServerKey(data) -> hex").
func SignWithServerKey(privKey *rsa.PrivateKey, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, privKey, crypto.SHA256, sum[:])
	if err != nil {
		return "", fmt.Errorf("sign with server key: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// VerifyClientSignature verifies a hex-encoded PKCS#1 v1.5/SHA-256
// signature made by a client over data, using the client's RSA public key
// (spec.md §4.1 "verifyClientSignature(data, sigHex, pubKey) -> bool").
func VerifyClientSignature(pubKey *rsa.PublicKey, data []byte, sigHex string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(pubKey, crypto.SHA256, sum[:], sig) == nil
}

// EncryptForClient encrypts plaintext with the client's symmetric key
// using AES-CBC with PKCS#7 padding and a fresh random IV, producing the
// wire body (caller prefixes "<clientId>:<ivHex>:") described in
// spec.md §4.1 mode 2.
func EncryptForClient(symKey, plaintext []byte) (ivHex, ciphertextB64 string, err error) {
	block, err := aes.NewCipher(symKey)
	if err != nil {
		return "", "", fmt.Errorf("aes cipher: %w", err)
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	iv := make([]byte, block.BlockSize())
	if _, err := rand.Read(iv); err != nil {
		return "", "", err
	}
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return hex.EncodeToString(iv), base64.StdEncoding.EncodeToString(ct), nil
}

// DecryptFromClient reverses EncryptForClient: given the client's
// symmetric key, a hex IV and a base64 ciphertext, it returns the
// plaintext JSON body.
func DecryptFromClient(symKey []byte, ivHex, ciphertextB64 string) ([]byte, error) {
	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return nil, newErr(KindBadFrame, "bad iv hex", err)
	}
	ct, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, newErr(KindBadFrame, "bad base64 ciphertext", err)
	}
	block, err := aes.NewCipher(symKey)
	if err != nil {
		return nil, newErr(KindDecryptFailed, "aes cipher", err)
	}
	if len(iv) != block.BlockSize() {
		return nil, newErr(KindBadFrame, "iv size mismatch", nil)
	}
	if len(ct) == 0 || len(ct)%block.BlockSize() != 0 {
		return nil, newErr(KindDecryptFailed, "ciphertext not block aligned", nil)
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)
	unpadded, err := pkcs7Unpad(plain, block.BlockSize())
	if err != nil {
		return nil, newErr(KindBadPadding, "pkcs7 unpad failed", err)
	}
	return unpadded, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte(nil), data...), padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := len(data)
	if n == 0 || n%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > blockSize || padLen > n {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[n-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("invalid padding bytes")
		}
	}
	return data[:n-padLen], nil
}

// EncodePublicKeyPEM marshals an RSA public key to PKIX PEM, the form
// exchanged in the CONNECT handshake (spec.md §6, "rsa_public_key": PEM).
func EncodePublicKeyPEM(pubKey *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pubKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// DecodePublicKeyPEM parses a PKIX PEM-encoded RSA public key.
func DecodePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("PEM block is not an RSA public key")
	}
	return rsaPub, nil
}
