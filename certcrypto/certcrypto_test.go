// Copyright (c) 2024 The certledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package certcrypto

import (
	"bytes"
	"encoding/hex"
	"testing"
)

// digestVector is sha256("certledger") computed independently.
const digestVector = "9a9b18ece7cd7ced7faa0ea835338946a56d76438717d8810d1378a514ada8c1"

func TestDigestVector(t *testing.T) {
	want, err := hex.DecodeString(digestVector)
	if err != nil {
		t.Fatal(err)
	}
	got := Digest([]byte("certledger"))
	if !bytes.Equal(got[:], want) {
		t.Fatalf("got %x want %x", got, want)
	}

	// Determinism.
	again := Digest([]byte("certledger"))
	if got != again {
		t.Fatalf("digest not deterministic")
	}

	if s := DigestString([]byte("certledger")); s != digestVector {
		t.Fatalf("got %v want %v", s, digestVector)
	}
}

func TestSignVerify(t *testing.T) {
	key, err := NewSigningKey()
	if err != nil {
		t.Fatal(err)
	}

	message := []byte("issue STU001 Computer Science MIT001")
	sig, err := Sign(key, message)
	if err != nil {
		t.Fatal(err)
	}

	if !Verify(&key.PublicKey, message, sig) {
		t.Fatal("signature did not verify")
	}

	// A different message must not verify.
	if Verify(&key.PublicKey, []byte("issue STU002"), sig) {
		t.Fatal("signature verified wrong message")
	}

	// A mangled signature must not verify and must not panic.
	bad := make([]byte, len(sig))
	copy(bad, sig)
	bad[4] ^= 0xff
	if Verify(&key.PublicKey, message, bad) {
		t.Fatal("mangled signature verified")
	}
	if Verify(&key.PublicKey, message, nil) {
		t.Fatal("nil signature verified")
	}

	// A different key must not verify.
	other, err := NewSigningKey()
	if err != nil {
		t.Fatal(err)
	}
	if Verify(&other.PublicKey, message, sig) {
		t.Fatal("signature verified with wrong key")
	}
}

func TestVerifyNilKeyPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on nil key")
		}
	}()
	Verify(nil, []byte("x"), []byte("y"))
}

func TestKeyPEMRoundTrip(t *testing.T) {
	key, err := NewSigningKey()
	if err != nil {
		t.Fatal(err)
	}

	privPEM, err := MarshalPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	key2, err := ParsePrivateKey(privPEM)
	if err != nil {
		t.Fatal(err)
	}
	if key.D.Cmp(key2.D) != 0 {
		t.Fatal("private key round trip mismatch")
	}

	pubPEM, err := MarshalPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	pub2, err := ParsePublicKey(pubPEM)
	if err != nil {
		t.Fatal(err)
	}
	if !key.PublicKey.Equal(pub2) {
		t.Fatal("public key round trip mismatch")
	}

	// Signatures made before serialization verify after.
	message := []byte("round trip")
	sig, err := Sign(key2, message)
	if err != nil {
		t.Fatal(err)
	}
	if !Verify(pub2, message, sig) {
		t.Fatal("signature did not verify across PEM round trip")
	}
}

func TestParseKeyGarbage(t *testing.T) {
	if _, err := ParsePrivateKey(nil); err == nil {
		t.Fatal("expected error on nil input")
	}
	if _, err := ParsePrivateKey([]byte("not a key")); err == nil {
		t.Fatal("expected error on garbage input")
	}
	if _, err := ParsePublicKey([]byte("not a key")); err == nil {
		t.Fatal("expected error on garbage input")
	}

	// Wrong block type.
	key, err := NewSigningKey()
	if err != nil {
		t.Fatal(err)
	}
	privPEM, err := MarshalPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParsePublicKey(privPEM); err == nil {
		t.Fatal("expected error parsing private PEM as public key")
	}
}
