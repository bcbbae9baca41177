// Copyright (c) 2024-2025 The certledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package v1

import (
	"fmt"
	"regexp"
)

const (
	// APIVersion defines the version number for this code.
	APIVersion = 1

	// ResultOK indicates the operation completed successfully and, for
	// verification, that the certificate is valid.
	ResultOK = 0

	// ResultNotFoundError indicates the certificate id is not present in
	// the ledger.
	ResultNotFoundError = 1

	// ResultRevokedError indicates the certificate was found but has been
	// revoked.
	ResultRevokedError = 2

	// ResultTamperedError indicates the block containing the certificate
	// failed its integrity check.
	ResultTamperedError = 3

	// ResultBadSignatureError indicates the issuer signature on the
	// certificate did not verify.
	ResultBadSignatureError = 4

	// ResultPIIMismatchError indicates the caller supplied PII digest does
	// not match the digest stored in the ledger.
	ResultPIIMismatchError = 5

	// ResultDuplicateError indicates a certificate id collision at
	// issuance time.  The caller may retry.
	ResultDuplicateError = 6

	// ResultAlreadyRevokedError indicates a revocation was attempted on a
	// certificate that is already revoked.
	ResultAlreadyRevokedError = 7

	// ResultNotAuthorizedError indicates the caller lacks the capability
	// required for the operation.
	ResultNotAuthorizedError = 8

	// DefaultPort is the default certledgerd port.
	DefaultPort = "49152"

	// StatusActive and StatusRevoked are the only certificate statuses.
	StatusActive  = "active"
	StatusRevoked = "revoked"

	// RoleInstitution and RoleAdmin are the caller roles understood by the
	// daemon.  Roles are resolved into capabilities at the API boundary;
	// the ledger itself never sees them.
	RoleInstitution = "institution"
	RoleAdmin       = "admin"
)

var (
	// RoutePrefix is the route url prefix for this version.
	RoutePrefix = fmt.Sprintf("/v%v", APIVersion)

	// StatusRoute defines the API route for retrieving the server status.
	StatusRoute = RoutePrefix + "/status/"

	// IssueRoute defines the API route for issuing a certificate.
	IssueRoute = RoutePrefix + "/issue/"

	// VerifyRoute defines the API route for certificate verification.
	VerifyRoute = RoutePrefix + "/verify/"

	// RevokeRoute defines the API route for certificate revocation.
	RevokeRoute = RoutePrefix + "/revoke/"

	// CertificatesRoute defines the API route for batch certificate
	// lookup, either by certificate id list or by issuer id.
	CertificatesRoute = RoutePrefix + "/certificates/"

	// ChainInfoRoute defines the API route for ledger statistics.
	ChainInfoRoute = RoutePrefix + "/info/"

	// ValidateRoute defines the API route for full chain validation.
	ValidateRoute = RoutePrefix + "/validate/"

	// PublicKeyRoute defines the API route for retrieving an issuer's
	// public signing key.
	PublicKeyRoute = RoutePrefix + "/publickey/{issuerid:[a-zA-Z0-9]{1,64}}"

	// Result defines legible string messages for result codes.
	Result = map[int]string{
		ResultOK:                  "OK",
		ResultNotFoundError:       "Doesn't exist",
		ResultRevokedError:        "Revoked",
		ResultTamperedError:       "Tampered",
		ResultBadSignatureError:   "Bad signature",
		ResultPIIMismatchError:    "PII digest mismatch",
		ResultDuplicateError:      "Exists",
		ResultAlreadyRevokedError: "Already revoked",
		ResultNotAuthorizedError:  "Not authorized",
	}

	// RegexpCertificateID is the valid text representation of a
	// certificate id: a truncated SHA256 digest, 16 uppercase hex
	// characters.
	RegexpCertificateID = regexp.MustCompile("^[A-F0-9]{16}$")

	// RegexpSHA256 is the valid text representation of a sha256 digest.
	RegexpSHA256 = regexp.MustCompile("^[A-Fa-f0-9]{64}$")

	// RegexpIssuerID is the valid text representation of an issuer id.
	RegexpIssuerID = regexp.MustCompile("^[a-zA-Z0-9]{1,64}$")
)

// Status is used to ask the server if everything is running properly.
// ID is user settable and can be used as a unique identifier by the client.
type Status struct {
	ID string `json:"id"`
}

// StatusReply is returned by the server if everything is running properly.
type StatusReply struct {
	ID string `json:"id"`
}

// Issue is used to ask the server to issue a certificate.  Role and IssuerID
// describe the pre-authenticated caller; authentication itself is performed
// by an external collaborator.
type Issue struct {
	ID             string `json:"id"`
	Role           string `json:"role"`
	StudentName    string `json:"studentname"`
	StudentID      string `json:"studentid"`
	CourseName     string `json:"coursename"`
	Grade          string `json:"grade"`
	IssuerID       string `json:"issuerid"`
	IssuerName     string `json:"issuername"`
	CourseDuration string `json:"courseduration"`
}

// IssueReply is returned by the server after a certificate issuance attempt.
// BlockIndex and BlockHash reference the ledger block holding the new
// certificate.
type IssueReply struct {
	ID            string `json:"id"`
	Result        int    `json:"result"`
	CertificateID string `json:"certificateid"`
	BlockIndex    uint64 `json:"blockindex"`
	BlockHash     string `json:"blockhash"`
	Timestamp     int64  `json:"timestamp"`
}

// Verify is used to ask the server to verify a certificate.  PIIDigest is
// optional; when set it must be the hex sha256 PII digest computed by the
// caller, which the server compares against the ledger copy without ever
// seeing the PII itself.
type Verify struct {
	ID            string `json:"id"`
	CertificateID string `json:"certificateid"`
	PIIDigest     string `json:"piidigest,omitempty"`
}

// ChainProof ties a certificate to its ledger block so that the caller can
// audit the linkage independently.
type ChainProof struct {
	BlockIndex   uint64 `json:"blockindex"`
	BlockHash    string `json:"blockhash"`
	PreviousHash string `json:"previoushash"`
	ChainOk      bool   `json:"chainok"`
	LatestIndex  uint64 `json:"latestindex"`
	LatestHash   string `json:"latesthash"`
}

// Certificate is the ledger resident portion of a certificate.  It carries
// no PII; only the PII digest.
type Certificate struct {
	CertificateID    string `json:"certificateid"`
	PIIDigest        string `json:"piidigest"`
	CourseName       string `json:"coursename"`
	IssuerID         string `json:"issuerid"`
	IssuerName       string `json:"issuername"`
	CourseDuration   string `json:"courseduration"`
	Issued           int64  `json:"issued"`
	Status           string `json:"status"`
	RevocationReason string `json:"revocationreason,omitempty"`
	Signature        string `json:"signature"`
}

// VerifyReply is returned by the server after verification.  An invalid
// certificate is a normal answer, not an error: Result distinguishes why.
type VerifyReply struct {
	ID          string       `json:"id"`
	Result      int          `json:"result"`
	Valid       bool         `json:"valid"`
	Certificate *Certificate `json:"certificate,omitempty"`
	ChainProof  *ChainProof  `json:"chainproof,omitempty"`
}

// Revoke is used to ask the server to revoke a certificate.
type Revoke struct {
	ID            string `json:"id"`
	Role          string `json:"role"`
	IssuerID      string `json:"issuerid"`
	CertificateID string `json:"certificateid"`
	Reason        string `json:"reason,omitempty"`
}

// RevokeReply is returned by the server after a revocation attempt.
type RevokeReply struct {
	ID            string `json:"id"`
	Result        int    `json:"result"`
	CertificateID string `json:"certificateid"`
	BlockIndex    uint64 `json:"blockindex"`
	BlockHash     string `json:"blockhash"`
}

// Certificates is used to look up a batch of certificates, either by
// explicit certificate id list or, when CertificateIDs is empty, by issuer
// id.  The student index lives in the external full record store; it hands
// this call the certificate ids it wants re-verified.
type Certificates struct {
	ID             string   `json:"id"`
	CertificateIDs []string `json:"certificateids,omitempty"`
	IssuerID       string   `json:"issuerid,omitempty"`
}

// CertificatesReply is returned for a batch lookup.  Results carries one
// result code per requested certificate, in request order, for id lookups.
type CertificatesReply struct {
	ID           string        `json:"id"`
	Certificates []Certificate `json:"certificates"`
	Results      []int         `json:"results"`
}

// ChainInfoReply is returned for a ledger statistics request.
type ChainInfoReply struct {
	ID           string `json:"id"`
	Blocks       uint64 `json:"blocks"`
	Certificates uint64 `json:"certificates"`
	Active       uint64 `json:"active"`
	Revoked      uint64 `json:"revoked"`
	LatestHash   string `json:"latesthash"`
}

// ValidateReply is returned for a full chain validation request.  When the
// chain is broken FailingIndex points at the first bad block and Reason
// describes the failure; descendants of a bad block are not inspected.
type ValidateReply struct {
	ID           string `json:"id"`
	Valid        bool   `json:"valid"`
	Blocks       uint64 `json:"blocks"`
	FailingIndex uint64 `json:"failingindex,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// PublicKeyReply is returned for an issuer public key request.  PublicKey is
// a PEM encoded PKIX ECDSA public key.
type PublicKeyReply struct {
	IssuerID  string `json:"issuerid"`
	PublicKey string `json:"publickey"`
}
