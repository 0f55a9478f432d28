package fedsig

import "testing"

func TestGenerateKeyPair_RoundTrip(t *testing.T) {
	privPEM, pubPEM, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	priv, err := ParsePrivateKey(privPEM)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	if priv.N.BitLen() < KeySize-8 {
		t.Errorf("expected ~%d-bit key, got %d bits", KeySize, priv.N.BitLen())
	}

	pub, err := ParsePublicKey(pubPEM)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if priv.PublicKey.N.Cmp(pub.N) != 0 {
		t.Error("parsed public key does not match private key's public half")
	}
}

func TestParsePrivateKey_Invalid(t *testing.T) {
	if _, err := ParsePrivateKey("not a pem"); err == nil {
		t.Fatal("expected error for invalid PEM")
	}
}

func TestParsePublicKey_Invalid(t *testing.T) {
	if _, err := ParsePublicKey("not a pem"); err == nil {
		t.Fatal("expected error for invalid PEM")
	}
}

func TestParsePublicKey_WrongKeyType(t *testing.T) {
	privPEM, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	// A private key PEM is not a valid PKIX public key.
	if _, err := ParsePublicKey(privPEM); err == nil {
		t.Fatal("expected error parsing a private key PEM as a public key")
	}
}
