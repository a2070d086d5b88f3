package privatemode

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair is the user's encryption identity. It implements both Encrypter and
// Decrypter.
type KeyPair struct {
	public  [keySize]byte
	private [keySize]byte
}

func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	kp := &KeyPair{public: *pub, private: *priv}
	zero(priv[:])
	return kp, nil
}

// KeyPairFromPrivate restores a key pair from a base64 x25519 private key.
func KeyPairFromPrivate(privateKey string) (*KeyPair, error) {
	priv, err := decodeKey(privateKey)
	if err != nil {
		return nil, err
	}
	defer zero(priv[:])
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	kp := &KeyPair{}
	copy(kp.public[:], pub)
	copy(kp.private[:], priv[:])
	return kp, nil
}

func (k *KeyPair) PublicKey() string {
	return base64.StdEncoding.EncodeToString(k.public[:])
}

func (k *KeyPair) PrivateKey() string {
	return base64.StdEncoding.EncodeToString(k.private[:])
}

func (k *KeyPair) Encrypt(recipientPublicKey string, plaintext []byte) ([]byte, error) {
	return Seal(recipientPublicKey, plaintext)
}

func (k *KeyPair) Decrypt(raw []byte) ([]byte, error) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != 24 {
		return nil, fmt.Errorf("%w: nonce", ErrInvalidEnvelope)
	}
	ephem, err := decodeKey(env.EphemPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral key", ErrInvalidEnvelope)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext", ErrInvalidEnvelope)
	}
	var n [24]byte
	copy(n[:], nonce)
	plain, ok := box.Open(nil, ciphertext, &n, ephem, &k.private)
	if !ok {
		return nil, ErrDecrypt
	}
	return plain, nil
}
