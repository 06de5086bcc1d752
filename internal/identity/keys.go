package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GenerateKey returns a new Ed25519 private key.
func GenerateKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return priv, nil
}

// EncodePublicKey returns the lower-case hex form of pub. The same string is
// used as a device's endpoint id.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

// PublicKeyString is EncodePublicKey applied to key's public half.
func PublicKeyString(key ed25519.PrivateKey) string {
	return EncodePublicKey(key.Public().(ed25519.PublicKey))
}

// DecodePublicKey parses a hex encoded Ed25519 public key.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes", ErrInvalidKey, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// EncodePrivateKey returns the hex encoded 32 byte seed of key.
func EncodePrivateKey(key ed25519.PrivateKey) string {
	return hex.EncodeToString(key.Seed())
}

// DecodePrivateKey parses a hex encoded seed produced by EncodePrivateKey.
func DecodePrivateKey(s string) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed is %d bytes", ErrInvalidKey, len(raw))
	}
	return ed25519.NewKeyFromSeed(raw), nil
}

func sign(key ed25519.PrivateKey, msg []byte) string {
	return hex.EncodeToString(ed25519.Sign(key, msg))
}

func verify(publicKey, signature string, msg []byte) error {
	if signature == "" {
		return fmt.Errorf("%w: signature missing", ErrVerification)
	}
	pub, err := DecodePublicKey(publicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	sig, err := hex.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: malformed signature", ErrVerification)
	}
	if !ed25519.Verify(pub, msg, sig) {
		return fmt.Errorf("%w: signature does not match", ErrVerification)
	}
	return nil
}
