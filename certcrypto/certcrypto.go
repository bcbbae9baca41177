// Copyright (c) 2024 The certledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package certcrypto provides the cryptographic primitives used by the
// certificate ledger: SHA256 digests and ECDSA P-256 signatures with PEM
// key serialization.  All functions are pure; key storage belongs to the
// caller.
package certcrypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
)

var (
	errNoPEMBlock   = errors.New("no PEM block found")
	errWrongPEMType = errors.New("wrong PEM block type")
	errNotECDSAKey  = errors.New("not an ECDSA public key")
)

const (
	privateKeyPEMType = "EC PRIVATE KEY"
	publicKeyPEMType  = "PUBLIC KEY"
)

// Digest returns the SHA256 digest of the provided message.
func Digest(message []byte) [sha256.Size]byte {
	return sha256.Sum256(message)
}

// DigestString returns the hex encoded SHA256 digest of the provided
// message.
func DigestString(message []byte) string {
	digest := Digest(message)
	return hex.EncodeToString(digest[:])
}

// NewSigningKey generates an ECDSA keypair on the P-256 curve.  It is
// called once per institution at registration time; the public half is
// handed out for offline verification.
func NewSigningKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// Sign signs the SHA256 digest of message with the provided key and returns
// an ASN.1 DER encoded signature.  ECDSA signatures are randomized; two
// signatures over the same message will differ and both verify.
func Sign(key *ecdsa.PrivateKey, message []byte) ([]byte, error) {
	digest := Digest(message)
	return ecdsa.SignASN1(rand.Reader, key, digest[:])
}

// Verify reports whether signature is a valid signature over message by the
// holder of key.  Malformed signatures simply fail verification.  A nil key
// is a contract violation by the caller and panics.
func Verify(key *ecdsa.PublicKey, message, signature []byte) bool {
	if key == nil {
		panic("certcrypto: nil public key")
	}
	digest := Digest(message)
	return ecdsa.VerifyASN1(key, digest[:], signature)
}

// MarshalPrivateKey encodes key as a SEC 1 PEM block.
func MarshalPrivateKey(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  privateKeyPEMType,
		Bytes: der,
	}), nil
}

// ParsePrivateKey decodes a SEC 1 PEM encoded private key.
func ParsePrivateKey(blob []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(blob)
	if block == nil {
		return nil, errNoPEMBlock
	}
	if block.Type != privateKeyPEMType {
		return nil, errWrongPEMType
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

// MarshalPublicKey encodes key as a PKIX PEM block.
func MarshalPublicKey(key *ecdsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  publicKeyPEMType,
		Bytes: der,
	}), nil
}

// ParsePublicKey decodes a PKIX PEM encoded ECDSA public key.
func ParsePublicKey(blob []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(blob)
	if block == nil {
		return nil, errNoPEMBlock
	}
	if block.Type != publicKeyPEMType {
		return nil, errWrongPEMType
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	ec, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, errNotECDSAKey
	}
	return ec, nil
}
