// Package packet authenticates control-plane traffic between the controller
// and provisioned sandbox hosts: RSA-PSS signatures over SHA-256 digests and
// RSA-OAEP encryption, with PEM helpers for distributing keys.
package packet

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

const keyBits = 2048

// Authenticator signs, verifies, encrypts, and decrypts packets. A verifier
// built from only a public key can Verify and Encrypt; Sign and Decrypt need
// the private key.
type Authenticator struct {
	priv *rsa.PrivateKey
	pub  *rsa.PublicKey
}

// Generate mints a fresh keypair.
func Generate() (*Authenticator, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generating RSA key: %w", err)
	}
	return &Authenticator{priv: priv, pub: &priv.PublicKey}, nil
}

// NewVerifier builds a verify/encrypt-only authenticator from a public key.
func NewVerifier(pub *rsa.PublicKey) *Authenticator {
	return &Authenticator{pub: pub}
}

// Sign produces an RSA-PSS signature over the packet's SHA-256 digest.
func (a *Authenticator) Sign(packet []byte) ([]byte, error) {
	if a.priv == nil {
		return nil, fmt.Errorf("authenticator has no private key")
	}
	digest := sha256.Sum256(packet)
	sig, err := rsa.SignPSS(rand.Reader, a.priv, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
	})
	if err != nil {
		return nil, fmt.Errorf("signing packet: %w", err)
	}
	return sig, nil
}

// Verify reports whether the signature matches the packet.
func (a *Authenticator) Verify(packet []byte, signature []byte) bool {
	digest := sha256.Sum256(packet)
	err := rsa.VerifyPSS(a.pub, crypto.SHA256, digest[:], signature, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
	})
	return err == nil
}

// Encrypt seals a packet with RSA-OAEP. Packet size is bounded by the key
// size; this is for control-plane payloads, not bulk data.
func (a *Authenticator) Encrypt(packet []byte) ([]byte, error) {
	out, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, a.pub, packet, nil)
	if err != nil {
		return nil, fmt.Errorf("encrypting packet: %w", err)
	}
	return out, nil
}

func (a *Authenticator) Decrypt(ciphertext []byte) ([]byte, error) {
	if a.priv == nil {
		return nil, fmt.Errorf("authenticator has no private key")
	}
	out, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, a.priv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting packet: %w", err)
	}
	return out, nil
}

// PublicKeyPEM encodes the public key for distribution to hosts.
func (a *Authenticator) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(a.pub)
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// PrivateKeyPEM encodes the private key. Handle carefully.
func (a *Authenticator) PrivateKeyPEM() ([]byte, error) {
	if a.priv == nil {
		return nil, fmt.Errorf("authenticator has no private key")
	}
	der, err := x509.MarshalPKCS8PrivateKey(a.priv)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// FromPrivateKeyPEM rebuilds an authenticator from a PKCS#8 PEM key.
func FromPrivateKeyPEM(pemBytes []byte) (*Authenticator, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is %T, want *rsa.PrivateKey", key)
	}
	return &Authenticator{priv: priv, pub: &priv.PublicKey}, nil
}

// VerifierFromPublicKeyPEM rebuilds a verify-only authenticator from a PKIX
// PEM key.
func VerifierFromPublicKeyPEM(pemBytes []byte) (*Authenticator, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key is %T, want *rsa.PublicKey", key)
	}
	return NewVerifier(pub), nil
}
