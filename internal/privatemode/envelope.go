// Package privatemode seals prompts and responses for private inference.
//
// Envelopes use the x25519-xsalsa20-poly1305 construction and the JSON layout
// wallets produce for encrypted messages, so an envelope written here can be
// opened by a wallet holding the same key and the reverse.
package privatemode

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/box"
)

const Version = "x25519-xsalsa20-poly1305"

const keySize = 32

var (
	ErrInvalidEnvelope = errors.New("privatemode envelope is invalid")
	ErrDecrypt         = errors.New("privatemode decryption failed")
	ErrInvalidKey      = errors.New("privatemode key is invalid")
)

type Envelope struct {
	Version        string `json:"version"`
	Nonce          string `json:"nonce"`
	EphemPublicKey string `json:"ephemPublicKey"`
	Ciphertext     string `json:"ciphertext"`
}

// Encrypter seals plaintext for a recipient's base64 public key.
type Encrypter interface {
	Encrypt(recipientPublicKey string, plaintext []byte) ([]byte, error)
}

// Decrypter opens envelopes addressed to its own key.
type Decrypter interface {
	Decrypt(envelope []byte) ([]byte, error)
}

// Seal encrypts plaintext for the recipient with a fresh ephemeral key pair and
// returns the JSON envelope.
func Seal(recipientPublicKey string, plaintext []byte) ([]byte, error) {
	recipient, err := decodeKey(recipientPublicKey)
	if err != nil {
		return nil, err
	}
	ephemPub, ephemPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	defer zero(ephemPriv[:])

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	sealed := box.Seal(nil, plaintext, &nonce, recipient, ephemPriv)
	return json.Marshal(Envelope{
		Version:        Version,
		Nonce:          base64.StdEncoding.EncodeToString(nonce[:]),
		EphemPublicKey: base64.StdEncoding.EncodeToString(ephemPub[:]),
		Ciphertext:     base64.StdEncoding.EncodeToString(sealed),
	})
}

// ParseEnvelope validates the JSON layout without decrypting.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Version != Version {
		return Envelope{}, fmt.Errorf("%w: unsupported version %q", ErrInvalidEnvelope, env.Version)
	}
	if env.Nonce == "" || env.EphemPublicKey == "" || env.Ciphertext == "" {
		return Envelope{}, ErrInvalidEnvelope
	}
	return env, nil
}

func decodeKey(raw string) (*[keySize]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil || len(decoded) != keySize {
		return nil, ErrInvalidKey
	}
	var key [keySize]byte
	copy(key[:], decoded)
	return &key, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
