// Copyright (c) 2024-2025 The certledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/certledger/certledger/certcrypto"
)

// Block kinds.  A revocation is a second, append only event referencing the
// original certificate id; blocks are never mutated after creation so every
// block hash permanently covers its contents.
const (
	BlockKindGenesis = "genesis"
	BlockKindIssue   = "issue"
	BlockKindRevoke  = "revoke"
)

const (
	// certIDLength is the length of the external certificate id format: a
	// SHA256 digest truncated to 16 uppercase hex characters.
	certIDLength = 16

	// piiVersionPrefix pins the PII concatenation convention.  The field
	// order and separator are part of the verification contract; changing
	// them breaks verification of previously issued certificates, hence
	// the version tag.
	piiVersionPrefix = "certledger-pii-v1"

	// sigVersionPrefix pins the signing payload convention the same way.
	sigVersionPrefix = "certledger-sig-v1"
)

// CertificateRecord is the ledger resident portion of one credential.  The
// only representation of PII is PIIDigest; the clear fields are public by
// design.  Records are immutable once embedded in a block.
type CertificateRecord struct {
	CertificateID    string             `json:"certificateid"`
	PIIDigest        [sha256.Size]byte  `json:"piidigest"`
	CourseName       string             `json:"coursename"`
	IssuerID         string             `json:"issuerid"`
	IssuerName       string             `json:"issuername"`
	CourseDuration   string             `json:"courseduration"`
	Issued           int64              `json:"issued"`
	RevocationReason string             `json:"revocationreason,omitempty"`
	Signature        []byte             `json:"signature"`
}

// Block binds one certificate record to the chain.  Hash is computed once
// at creation and never recomputed in place; a validation recompute that
// disagrees with the stored value signals tampering.
type Block struct {
	Index     uint64            `json:"index"`
	PrevHash  [sha256.Size]byte `json:"prevhash"`
	Kind      string            `json:"kind"`
	Record    CertificateRecord `json:"record"`
	Timestamp int64             `json:"timestamp"`
	Hash      [sha256.Size]byte `json:"hash"`
}

// certificateID derives the external certificate id from the issuance
// inputs and a unique timestamp component.  Collisions are overwhelmingly
// improbable; the ledger still checks its index and fails issuance on one.
func certificateID(studentID, courseName, issuerID string, stamp int64) string {
	var b bytes.Buffer
	b.WriteString(studentID)
	b.WriteByte(0)
	b.WriteString(courseName)
	b.WriteByte(0)
	b.WriteString(issuerID)
	b.WriteByte(0)
	b.WriteString(strconv.FormatInt(stamp, 10))
	return strings.ToUpper(certcrypto.DigestString(b.Bytes()))[:certIDLength]
}

// PIIDigest computes the one way digest of the personally identifying
// fields.  Field order and NUL separation are fixed and versioned.
func PIIDigest(studentName, studentID, grade string) [sha256.Size]byte {
	var b bytes.Buffer
	b.WriteString(piiVersionPrefix)
	b.WriteByte(0)
	b.WriteString(studentName)
	b.WriteByte(0)
	b.WriteString(studentID)
	b.WriteByte(0)
	b.WriteString(grade)
	return certcrypto.Digest(b.Bytes())
}

// signingMessage is the byte string the issuer signs: certificate id, PII
// digest and all clear public fields, in fixed order.  Revocation records
// sign the same layout; their Kind prefix differs so an issuance signature
// can never be replayed as a revocation.
func (r *CertificateRecord) signingMessage(kind string) []byte {
	var b bytes.Buffer
	b.WriteString(sigVersionPrefix)
	b.WriteByte(0)
	b.WriteString(kind)
	b.WriteByte(0)
	b.WriteString(r.CertificateID)
	b.WriteByte(0)
	b.Write(r.PIIDigest[:])
	b.WriteString(r.CourseName)
	b.WriteByte(0)
	b.WriteString(r.IssuerID)
	b.WriteByte(0)
	b.WriteString(r.IssuerName)
	b.WriteByte(0)
	b.WriteString(r.CourseDuration)
	b.WriteByte(0)
	b.WriteString(r.RevocationReason)
	b.WriteByte(0)
	var issued [8]byte
	binary.LittleEndian.PutUint64(issued[:], uint64(r.Issued))
	b.Write(issued[:])
	return b.Bytes()
}

// blockDigest computes the hash of a block over every stored field except
// the hash itself.  The record's clear fields are covered so that any
// post hoc mutation, including of public fields, is detectable.
func blockDigest(b *Block) [sha256.Size]byte {
	var buf bytes.Buffer
	var scratch [8]byte
	binary.LittleEndian.PutUint64(scratch[:], b.Index)
	buf.Write(scratch[:])
	buf.Write(b.PrevHash[:])
	buf.WriteString(b.Kind)
	buf.WriteByte(0)
	buf.WriteString(b.Record.CertificateID)
	buf.WriteByte(0)
	buf.Write(b.Record.PIIDigest[:])
	buf.WriteString(b.Record.CourseName)
	buf.WriteByte(0)
	buf.WriteString(b.Record.IssuerID)
	buf.WriteByte(0)
	buf.WriteString(b.Record.IssuerName)
	buf.WriteByte(0)
	buf.WriteString(b.Record.CourseDuration)
	buf.WriteByte(0)
	binary.LittleEndian.PutUint64(scratch[:], uint64(b.Record.Issued))
	buf.Write(scratch[:])
	buf.WriteString(b.Record.RevocationReason)
	buf.WriteByte(0)
	buf.Write(b.Record.Signature)
	binary.LittleEndian.PutUint64(scratch[:], uint64(b.Timestamp))
	buf.Write(scratch[:])
	return certcrypto.Digest(buf.Bytes())
}

// EncodeBlock encodes the given Block to a []byte.
func EncodeBlock(b Block) ([]byte, error) {
	blob, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// DecodeBlock decodes the given []byte payload to a Block.
func DecodeBlock(payload []byte) (*Block, error) {
	var b Block
	err := json.Unmarshal(payload, &b)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
