// Copyright (c) 2024-2025 The certledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	v1 "github.com/certledger/certledger/api/v1"
	"github.com/certledger/certledger/certcrypto"
)

// keyStore holds the issuer signing keys as SEC 1 PEM files, one per issuer
// id, under a single directory.  Keys are generated lazily on an issuer's
// first issuance and cached for the life of the process.
//
// keyStore implements backend.PublicKeyring.
type keyStore struct {
	sync.Mutex
	dir  string
	keys map[string]*ecdsa.PrivateKey
}

func newKeyStore(dir string) (*keyStore, error) {
	err := os.MkdirAll(dir, 0700)
	if err != nil {
		return nil, err
	}
	return &keyStore{
		dir:  dir,
		keys: make(map[string]*ecdsa.PrivateKey),
	}, nil
}

// keyFile maps an issuer id to its on disk key path.  The issuer id is
// validated against the api regexp before use; it can never contain a path
// separator.
func (k *keyStore) keyFile(issuerID string) (string, error) {
	if !v1.RegexpIssuerID.MatchString(issuerID) {
		return "", fmt.Errorf("invalid issuer id: %v", issuerID)
	}
	return filepath.Join(k.dir, issuerID+".key"), nil
}

// load reads an issuer key from disk.  The caller must hold the mutex.
func (k *keyStore) load(issuerID string) (*ecdsa.PrivateKey, error) {
	filename, err := k.keyFile(issuerID)
	if err != nil {
		return nil, err
	}
	blob, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	key, err := certcrypto.ParsePrivateKey(blob)
	if err != nil {
		return nil, fmt.Errorf("corrupt key file %v: %v", filename, err)
	}
	k.keys[issuerID] = key
	return key, nil
}

// SigningKey returns the signing key for the provided issuer, generating and
// persisting a fresh keypair if the issuer has none yet.
func (k *keyStore) SigningKey(issuerID string) (*ecdsa.PrivateKey, error) {
	k.Lock()
	defer k.Unlock()

	if key, ok := k.keys[issuerID]; ok {
		return key, nil
	}
	key, err := k.load(issuerID)
	if err == nil {
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	// First issuance for this issuer.
	filename, err := k.keyFile(issuerID)
	if err != nil {
		return nil, err
	}
	key, err = certcrypto.NewSigningKey()
	if err != nil {
		return nil, err
	}
	blob, err := certcrypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, err
	}
	err = os.WriteFile(filename, blob, 0600)
	if err != nil {
		return nil, err
	}
	log.Infof("Generated signing key for issuer %v", issuerID)

	k.keys[issuerID] = key
	return key, nil
}

// IssuerPublicKey returns the registered public key for the provided issuer.
// Unlike SigningKey it never generates; verification of a certificate from an
// unregistered issuer must fail.
func (k *keyStore) IssuerPublicKey(issuerID string) (*ecdsa.PublicKey, error) {
	k.Lock()
	defer k.Unlock()

	if key, ok := k.keys[issuerID]; ok {
		return &key.PublicKey, nil
	}
	key, err := k.load(issuerID)
	if err != nil {
		return nil, err
	}
	return &key.PublicKey, nil
}
