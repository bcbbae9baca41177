// Copyright (c) 2024-2025 The certledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package backend

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"os"
)

// Per item error codes used in cooked results.  Verification of an invalid
// certificate is a normal outcome, not an error, so invalid states are
// expressed as codes rather than Go errors.
const (
	ErrorOK           = 0 // Everything's cool
	ErrorNotFound     = 1 // Unknown certificate id
	ErrorRevoked      = 2 // Certificate revoked
	ErrorTampered     = 3 // Block failed integrity check
	ErrorBadSignature = 4 // Issuer signature did not verify
	ErrorPIIMismatch  = 5 // Caller PII digest does not match ledger
)

var (
	// ErrNotAuthorized is returned when the caller lacks the capability
	// required for an operation.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrNotFound is returned by mutating operations when the certificate
	// id is unknown.
	ErrNotFound = errors.New("certificate not found")

	// ErrDuplicateCertificate is returned when an issuance collides with
	// an existing certificate id.  The caller may retry; a fresh
	// timestamp component yields a fresh id.
	ErrDuplicateCertificate = errors.New("certificate id exists")

	// ErrAlreadyRevoked is returned when revoking a certificate that is
	// already revoked.  Deliberately not idempotent: a second revocation
	// may carry a different reason and silently discarding it would be
	// surprising.
	ErrAlreadyRevoked = errors.New("certificate already revoked")

	// ErrTryAgainLater is returned on transient append failures.
	ErrTryAgainLater = errors.New("busy, try again later")
)

// Caller is the capability set resolved from the authenticated caller at
// the API boundary.  The ledger core branches on these flags only; it never
// sees role names.
type Caller struct {
	IssuerID     string // Issuer the caller acts for, if any
	CanIssue     bool
	CanRevokeOwn bool // Revoke certificates issued by IssuerID
	CanRevokeAny bool
}

// CertificateInfo is the input to an issuance.  The PII fields (student
// name, student id, grade) are digested before anything enters the ledger;
// the remainder is stored in the clear.
type CertificateInfo struct {
	StudentName    string
	StudentID      string
	CourseName     string
	Grade          string
	IssuerID       string
	IssuerName     string
	CourseDuration string
}

// Certificate is the ledger resident portion of a certificate.
type Certificate struct {
	CertificateID    string
	PIIDigest        [sha256.Size]byte
	CourseName       string
	IssuerID         string
	IssuerName       string
	CourseDuration   string
	Issued           int64 // Issuance unix time
	Revoked          bool
	RevocationReason string
	Signature        []byte
}

// ChainProof ties a certificate to its block and the current chain tip.
type ChainProof struct {
	BlockIndex   uint64
	BlockHash    [sha256.Size]byte
	PreviousHash [sha256.Size]byte
	ChainOk      bool // Block hash recomputes and linkage holds
	LatestIndex  uint64
	LatestHash   [sha256.Size]byte
}

// IssueResult is a cooked result returned by the backend for an issuance.
type IssueResult struct {
	CertificateID string
	BlockIndex    uint64
	BlockHash     [sha256.Size]byte
	Timestamp     int64
}

// VerifyResult is a cooked result returned by the backend.  ErrorCode
// describes why Valid is false; a not found, revoked, tampered or
// mismatched certificate is an answer, not an error.
type VerifyResult struct {
	CertificateID string
	ErrorCode     uint
	Valid         bool
	Certificate   *Certificate
	Proof         *ChainProof
}

// RevokeResult is a cooked result returned by the backend for a
// revocation.  The block reference points at the appended revocation
// block, not the original issuance block.
type RevokeResult struct {
	CertificateID string
	BlockIndex    uint64
	BlockHash     [sha256.Size]byte
}

// LookupResult is a cooked result for batch lookups.
type LookupResult struct {
	CertificateID string
	ErrorCode     uint
	Certificate   *Certificate
}

// ChainInfo is a read only aggregate over the ledger.
type ChainInfo struct {
	Blocks       uint64
	Certificates uint64
	Active       uint64
	Revoked      uint64
	LatestIndex  uint64
	LatestHash   [sha256.Size]byte
}

// Chain validation failure reasons.
const (
	ReasonGenesisMalformed = "genesis malformed"
	ReasonHashMismatch     = "block hash mismatch"
	ReasonLinkMismatch     = "previous hash linkage mismatch"
)

// ValidateResult reports full chain validation.  Validation stops at the
// first failing block: once one block's integrity is in question its
// descendants' stored hashes cannot be trusted either.
type ValidateResult struct {
	Valid        bool
	Blocks       uint64
	FailingIndex uint64 // Only meaningful when !Valid
	Reason       string // Only meaningful when !Valid
}

// Record types used in the dump/restore journal.
const (
	RecordTypeBlock = "block"

	RecordTypeVersion = 1
)

// RecordType indicates what the next record is in a restore stream.  All
// records are dumped prefixed with a RecordType so that they can be simply
// replayed as a journal.
type RecordType struct {
	Version uint   `json:"version"` // Version of RecordType
	Type    string `json:"type"`    // Type of record
}

// PublicKeyring resolves issuer ids to their registered public signing
// keys.  The daemon keystore implements it; an external registry could as
// well.
type PublicKeyring interface {
	IssuerPublicKey(issuerID string) (*ecdsa.PublicKey, error)
}

// Backend is the operation contract of the certificate integrity ledger.
// An alternative store with the same tamper evidence properties, such as
// an on chain contract keyed by 32 byte certificate and PII digests, can
// implement this interface without any change to callers.
type Backend interface {
	// Issue builds a signed certificate record and appends it to the
	// ledger in a new block.  Requires Caller.CanIssue.
	Issue(Caller, CertificateInfo, *ecdsa.PrivateKey) (*IssueResult, error)

	// Verify checks existence, block integrity, signature validity and
	// revocation status for a certificate id.  A non nil piiDigest is
	// additionally compared against the stored digest.
	Verify(certID string, piiDigest *[sha256.Size]byte) (*VerifyResult, error)

	// Revoke appends a revocation block for the certificate.  Requires
	// CanRevokeAny, or CanRevokeOwn with a matching issuer id.
	Revoke(caller Caller, certID, reason string, key *ecdsa.PrivateKey) (*RevokeResult, error)

	// Certificates returns the ledger resident record for each provided
	// certificate id.
	Certificates(certIDs []string) ([]LookupResult, error)

	// CertificatesByIssuer returns all certificates issued by the
	// provided issuer id.  Linear scan of clear public fields; the
	// ledger carries no PII keyed indexes.
	CertificatesByIssuer(issuerID string) ([]LookupResult, error)

	// ChainInfo returns ledger statistics.
	ChainInfo() (*ChainInfo, error)

	// ValidateChain recomputes every block hash and checks linkage.
	ValidateChain() (*ValidateResult, error)

	// Dump dumps the ledger to the provided file descriptor.  If the
	// human flag is set it pretty prints, otherwise it emits a JSON
	// journal suitable for Restore.
	Dump(*os.File, bool) error

	// Restore recreates the ledger from the provided journal.  The
	// provided string describes the target location and is
	// implementation specific.
	Restore(*os.File, bool, string) error

	// Close performs cleanup of the backend.
	Close()
}
