package fedsig

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// KeySize is the RSA modulus size (§4.2): 4096 bits.
const KeySize = 4096

// GenerateKeyPair mints a fresh RSA-4096 keypair and PEM-encodes both halves,
// generalizing the teacher's cmd/amityvox/main.go ensureLocalInstance (which
// mints an Ed25519 instance key the same way: generate, marshal, PEM-encode)
// from Ed25519 to RSA-4096 per spec.md §4.2.
func GenerateKeyPair() (privatePEM, publicPEM string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, KeySize)
	if err != nil {
		return "", "", fmt.Errorf("fedsig: generating RSA key: %w", err)
	}

	privBytes := x509.MarshalPKCS1PrivateKey(key)
	privBlock := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: privBytes,
	})

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("fedsig: marshaling public key: %w", err)
	}
	pubBlock := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubBytes,
	})

	return string(privBlock), string(pubBlock), nil
}

// ParsePrivateKey decodes a PKCS1 RSA private key from PEM.
func ParsePrivateKey(privatePEM string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(privatePEM))
	if block == nil {
		return nil, fmt.Errorf("fedsig: failed to decode private key PEM block")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("fedsig: parsing private key: %w", err)
	}
	return key, nil
}

// ParsePublicKey decodes a PKIX RSA public key from PEM.
func ParsePublicKey(publicPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicPEM))
	if block == nil {
		return nil, fmt.Errorf("fedsig: failed to decode public key PEM block")
	}
	pubInterface, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("fedsig: parsing public key: %w", err)
	}
	pub, ok := pubInterface.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("fedsig: key is not RSA")
	}
	return pub, nil
}
