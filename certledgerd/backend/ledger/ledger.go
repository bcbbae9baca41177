// Copyright (c) 2024-2025 The certledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/certledger/certledger/certcrypto"
	"github.com/certledger/certledger/certledgerd/backend"
	"github.com/robfig/cron"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

const (
	ledgerDBDir = "ledger"

	// auditSchedule periodically revalidates the full chain and logs the
	// outcome.  Integrity failures are reported, never repaired.
	//
	// Seconds Minutes Hours Days Months DayOfWeek
	auditSchedule = "0 30 * * * *" // On the hour + 30 minutes
)

var (
	_ backend.Backend = (*Ledger)(nil)

	// genesisPrevHash is the previous hash sentinel of the genesis block.
	genesisPrevHash [sha256.Size]byte

	// Errors
	errCorruptDB = errors.New("block database is not contiguous")
	errStaleTail = errors.New("previous hash does not match chain tail")
	errNoKey     = errors.New("nil signing key")
)

// certState is the derived, mutable view of one certificate.  The chain
// blocks themselves are immutable; revocation appends a tombstone block and
// updates this index entry.
type certState struct {
	issueBlock  uint64
	revokeBlock uint64
	revoked     bool
	reason      string
}

// Ledger is the hash linked append only certificate chain.  The in-memory
// block slice is the authoritative working copy; every append is written
// through to a leveldb database keyed by big endian block index so the
// chain is rebuilt verbatim on startup.
//
// The Ledger is the sole shared mutable resource of the daemon.  All
// appends (issuance and revocation) serialize on the embedded write lock
// around read-tail/compute/append; reads take the read lock so they never
// observe a block mid construction.
type Ledger struct {
	sync.RWMutex

	cron   *cron.Cron            // Scheduler for periodic audit
	root   string                // Root directory
	db     *leveldb.DB           // Block database [index]block
	keys   backend.PublicKeyring // Issuer public key resolution
	blocks []Block               // The chain, index 0..N-1
	index  map[string]*certState // certificate_id -> derived state

	// testing only entries
	myNow   func() time.Time // Override time.Now()
	testing bool             // Enabled during test
}

// blockKey converts a block index to its database key.  Big endian so that
// iteration order equals chain order.
func blockKey(index uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, index)
	return key
}

// internalNew creates the Ledger context and loads the chain from disk but
// does not launch background bits.  This is used by the test packages.
func internalNew(root string, keys backend.PublicKeyring) (*Ledger, error) {
	db, err := leveldb.OpenFile(filepath.Join(root, ledgerDBDir), nil)
	if err != nil {
		return nil, err
	}

	l := &Ledger{
		cron:  cron.New(),
		root:  root,
		db:    db,
		keys:  keys,
		index: make(map[string]*certState),
		myNow: time.Now,
	}

	err = l.load()
	if err != nil {
		db.Close()
		return nil, err
	}

	return l, nil
}

// load rebuilds the in-memory chain and certificate index from the block
// database.  Blocks must be contiguous from zero; integrity is not checked
// here, that is ValidateChain's job.
func (l *Ledger) load() error {
	iter := l.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		block, err := DecodeBlock(iter.Value())
		if err != nil {
			return err
		}
		if block.Index != uint64(len(l.blocks)) {
			return errCorruptDB
		}
		l.blocks = append(l.blocks, *block)
		l.indexBlock(*block)
	}
	return iter.Error()
}

// indexBlock applies one block to the certificate index.
func (l *Ledger) indexBlock(b Block) {
	switch b.Kind {
	case BlockKindIssue:
		l.index[b.Record.CertificateID] = &certState{
			issueBlock: b.Index,
		}
	case BlockKindRevoke:
		if e, ok := l.index[b.Record.CertificateID]; ok {
			e.revoked = true
			e.reason = b.Record.RevocationReason
			e.revokeBlock = b.Index
		}
	}
}

// New creates a new Ledger instance rooted at the provided directory.  The
// caller should issue a Close once the Ledger is no longer needed.
func New(root string, keys backend.PublicKeyring) (*Ledger, error) {
	l, err := internalNew(root, keys)
	if err != nil {
		return nil, err
	}

	log.Infof("Blocks loaded: %v", len(l.blocks))

	// Launch periodic chain audit.
	err = l.cron.AddFunc(auditSchedule, func() {
		l.auditor()
	})
	if err != nil {
		return nil, err
	}
	l.cron.Start()

	return l, nil
}

// auditor revalidates the full chain and logs the result.  A failure is an
// audit event; it is reported verbatim and never repaired.
func (l *Ledger) auditor() {
	start := time.Now()
	vr, err := l.ValidateChain()
	end := time.Since(start)
	if err != nil {
		log.Errorf("auditor: %v", err)
		return
	}
	if !vr.Valid {
		log.Errorf("auditor: chain INVALID at block %v: %v",
			vr.FailingIndex, vr.Reason)
		return
	}
	log.Infof("Auditor: %v blocks valid in %v", vr.Blocks, end)
}

// appendBlock persists and appends a fully constructed block.  The previous
// hash must match the current tail; a mismatch means a concurrent append
// raced ahead and the proposed block is stale.
//
// This function must be called with the WRITE lock held.
func (l *Ledger) appendBlock(b Block) error {
	if len(l.blocks) == 0 {
		if b.PrevHash != genesisPrevHash {
			return errStaleTail
		}
	} else if b.PrevHash != l.blocks[len(l.blocks)-1].Hash {
		return errStaleTail
	}
	if b.Index != uint64(len(l.blocks)) {
		return errStaleTail
	}

	payload, err := EncodeBlock(b)
	if err != nil {
		return err
	}
	err = l.db.Put(blockKey(b.Index), payload, nil)
	if err != nil {
		return err
	}

	l.blocks = append(l.blocks, b)
	l.indexBlock(b)

	return nil
}

// ensureGenesis lazily creates the genesis block so that callers never
// special-case the first certificate.  The genesis payload is fixed: no
// certificate, zero previous hash sentinel.
//
// This function must be called with the WRITE lock held.
func (l *Ledger) ensureGenesis() error {
	if len(l.blocks) != 0 {
		return nil
	}

	genesis := Block{
		Index:     0,
		PrevHash:  genesisPrevHash,
		Kind:      BlockKindGenesis,
		Timestamp: l.myNow().Unix(),
	}
	genesis.Hash = blockDigest(&genesis)

	err := l.appendBlock(genesis)
	if err != nil {
		return err
	}

	log.Infof("Genesis block created: %x", genesis.Hash)

	return nil
}

// Issue builds a signed certificate record and appends it to the ledger in
// a new block.
//
// The signature and certificate id are computed before the write lock is
// taken; only the read-tail/compute-linkage/append sequence runs under it.
//
// Issue satisfies the backend interface.
func (l *Ledger) Issue(caller backend.Caller, info backend.CertificateInfo, key *ecdsa.PrivateKey) (*backend.IssueResult, error) {
	if !caller.CanIssue {
		return nil, backend.ErrNotAuthorized
	}
	if key == nil {
		return nil, errNoKey
	}

	now := l.myNow()
	rec := CertificateRecord{
		CertificateID: certificateID(info.StudentID, info.CourseName,
			info.IssuerID, now.UnixNano()),
		PIIDigest:      PIIDigest(info.StudentName, info.StudentID, info.Grade),
		CourseName:     info.CourseName,
		IssuerID:       info.IssuerID,
		IssuerName:     info.IssuerName,
		CourseDuration: info.CourseDuration,
		Issued:         now.Unix(),
	}

	sig, err := certcrypto.Sign(key, rec.signingMessage(BlockKindIssue))
	if err != nil {
		return nil, err
	}
	rec.Signature = sig

	// Operation must be atomic from tail read to append or two concurrent
	// issuances compute the same previous hash and fork the chain.
	l.Lock()
	defer l.Unlock()

	err = l.ensureGenesis()
	if err != nil {
		return nil, err
	}

	if _, exists := l.index[rec.CertificateID]; exists {
		// A fresh timestamp component yields a fresh id; the caller
		// decides whether to retry.
		return nil, backend.ErrDuplicateCertificate
	}

	block := Block{
		Index:     uint64(len(l.blocks)),
		PrevHash:  l.blocks[len(l.blocks)-1].Hash,
		Kind:      BlockKindIssue,
		Record:    rec,
		Timestamp: now.Unix(),
	}
	block.Hash = blockDigest(&block)

	err = l.appendBlock(block)
	if err != nil {
		return nil, err
	}

	log.Infof("Issue %v: issuer %v block %v %x", rec.CertificateID,
		rec.IssuerID, block.Index, block.Hash)

	return &backend.IssueResult{
		CertificateID: rec.CertificateID,
		BlockIndex:    block.Index,
		BlockHash:     block.Hash,
		Timestamp:     rec.Issued,
	}, nil
}

// blockIntact reports whether the stored hash of the block at index i
// recomputes from its fields and its previous hash matches its
// predecessor's stored hash.
//
// This function must be called with the READ lock held.
func (l *Ledger) blockIntact(i uint64) bool {
	b := &l.blocks[i]
	if blockDigest(b) != b.Hash {
		return false
	}
	if i == 0 {
		return b.PrevHash == genesisPrevHash
	}
	return b.PrevHash == l.blocks[i-1].Hash
}

// certificate converts the issuance record and derived state of an indexed
// certificate into a cooked backend certificate.
//
// This function must be called with the READ lock held.
func (l *Ledger) certificate(e *certState) *backend.Certificate {
	rec := &l.blocks[e.issueBlock].Record
	return &backend.Certificate{
		CertificateID:    rec.CertificateID,
		PIIDigest:        rec.PIIDigest,
		CourseName:       rec.CourseName,
		IssuerID:         rec.IssuerID,
		IssuerName:       rec.IssuerName,
		CourseDuration:   rec.CourseDuration,
		Issued:           rec.Issued,
		Revoked:          e.revoked,
		RevocationReason: e.reason,
		Signature:        rec.Signature,
	}
}

// Verify checks existence, block integrity, signature validity, revocation
// status and, optionally, PII digest equality for a certificate id.  An
// invalid certificate is a normal answer: the result carries a
// distinguishing error code and Valid=false, never a Go error.
//
// Verify satisfies the backend interface.
func (l *Ledger) Verify(certID string, piiDigest *[sha256.Size]byte) (*backend.VerifyResult, error) {
	l.RLock()
	defer l.RUnlock()

	vr := backend.VerifyResult{
		CertificateID: certID,
	}

	e, ok := l.index[certID]
	if !ok {
		vr.ErrorCode = backend.ErrorNotFound
		return &vr, nil
	}

	issueBlock := &l.blocks[e.issueBlock]
	rec := &issueBlock.Record
	tip := &l.blocks[len(l.blocks)-1]

	chainOk := l.blockIntact(e.issueBlock)
	vr.Certificate = l.certificate(e)
	vr.Proof = &backend.ChainProof{
		BlockIndex:   issueBlock.Index,
		BlockHash:    issueBlock.Hash,
		PreviousHash: issueBlock.PrevHash,
		ChainOk:      chainOk,
		LatestIndex:  tip.Index,
		LatestHash:   tip.Hash,
	}

	switch {
	case !chainOk:
		vr.ErrorCode = backend.ErrorTampered
	case !l.signatureOk(rec, BlockKindIssue):
		vr.ErrorCode = backend.ErrorBadSignature
	case e.revoked:
		vr.ErrorCode = backend.ErrorRevoked
	case piiDigest != nil && *piiDigest != rec.PIIDigest:
		vr.ErrorCode = backend.ErrorPIIMismatch
	default:
		vr.ErrorCode = backend.ErrorOK
		vr.Valid = true
	}

	return &vr, nil
}

// signatureOk verifies the record signature against the registered public
// key of its issuer.  An unknown issuer key counts as a bad signature; the
// certificate cannot be tied to a registered institution.
func (l *Ledger) signatureOk(rec *CertificateRecord, kind string) bool {
	if l.keys == nil {
		return false
	}
	pub, err := l.keys.IssuerPublicKey(rec.IssuerID)
	if err != nil {
		log.Debugf("signatureOk %v: no public key for issuer %v: %v",
			rec.CertificateID, rec.IssuerID, err)
		return false
	}
	return certcrypto.Verify(pub, rec.signingMessage(kind), rec.Signature)
}

// Revoke appends a revocation block for the certificate.  Requires
// CanRevokeAny, or CanRevokeOwn with a matching issuer id.  Not
// idempotent: revoking an already revoked certificate is an error.
//
// Revoke satisfies the backend interface.
func (l *Ledger) Revoke(caller backend.Caller, certID, reason string, key *ecdsa.PrivateKey) (*backend.RevokeResult, error) {
	if key == nil {
		return nil, errNoKey
	}

	// Hashing and signing are pure in-memory operations so holding the
	// write lock across them is fine; the revocation record depends on
	// the current certificate state so it cannot be built earlier.
	l.Lock()
	defer l.Unlock()

	e, ok := l.index[certID]
	if !ok {
		return nil, backend.ErrNotFound
	}
	rec := &l.blocks[e.issueBlock].Record

	switch {
	case caller.CanRevokeAny:
	case caller.CanRevokeOwn && caller.IssuerID == rec.IssuerID:
	default:
		return nil, backend.ErrNotAuthorized
	}

	if e.revoked {
		return nil, backend.ErrAlreadyRevoked
	}

	now := l.myNow()
	tombstone := CertificateRecord{
		CertificateID:    rec.CertificateID,
		PIIDigest:        rec.PIIDigest,
		CourseName:       rec.CourseName,
		IssuerID:         rec.IssuerID,
		IssuerName:       rec.IssuerName,
		CourseDuration:   rec.CourseDuration,
		Issued:           now.Unix(),
		RevocationReason: reason,
	}
	sig, err := certcrypto.Sign(key, tombstone.signingMessage(BlockKindRevoke))
	if err != nil {
		return nil, err
	}
	tombstone.Signature = sig

	block := Block{
		Index:     uint64(len(l.blocks)),
		PrevHash:  l.blocks[len(l.blocks)-1].Hash,
		Kind:      BlockKindRevoke,
		Record:    tombstone,
		Timestamp: now.Unix(),
	}
	block.Hash = blockDigest(&block)

	err = l.appendBlock(block)
	if err != nil {
		return nil, err
	}

	log.Infof("Revoke %v: issuer %v block %v reason %q", certID,
		rec.IssuerID, block.Index, reason)

	return &backend.RevokeResult{
		CertificateID: certID,
		BlockIndex:    block.Index,
		BlockHash:     block.Hash,
	}, nil
}

// Certificates returns the ledger resident record for each provided
// certificate id.  Unknown ids yield a not found code, not an error.
//
// Certificates satisfies the backend interface.
func (l *Ledger) Certificates(certIDs []string) ([]backend.LookupResult, error) {
	l.RLock()
	defer l.RUnlock()

	results := make([]backend.LookupResult, 0, len(certIDs))
	for _, id := range certIDs {
		lr := backend.LookupResult{
			CertificateID: id,
			ErrorCode:     backend.ErrorNotFound,
		}
		if e, ok := l.index[id]; ok {
			lr.ErrorCode = backend.ErrorOK
			lr.Certificate = l.certificate(e)
		}
		results = append(results, lr)
	}

	return results, nil
}

// CertificatesByIssuer returns all certificates issued by the provided
// issuer id.  This is a linear scan of the clear public fields; the ledger
// stores no PII so there is deliberately no student keyed equivalent.
//
// CertificatesByIssuer satisfies the backend interface.
func (l *Ledger) CertificatesByIssuer(issuerID string) ([]backend.LookupResult, error) {
	l.RLock()
	defer l.RUnlock()

	var results []backend.LookupResult
	for i := range l.blocks {
		b := &l.blocks[i]
		if b.Kind != BlockKindIssue || b.Record.IssuerID != issuerID {
			continue
		}
		e := l.index[b.Record.CertificateID]
		results = append(results, backend.LookupResult{
			CertificateID: b.Record.CertificateID,
			ErrorCode:     backend.ErrorOK,
			Certificate:   l.certificate(e),
		})
	}

	return results, nil
}

// ChainInfo returns ledger statistics computed by scanning the chain.
//
// ChainInfo satisfies the backend interface.
func (l *Ledger) ChainInfo() (*backend.ChainInfo, error) {
	l.RLock()
	defer l.RUnlock()

	var info backend.ChainInfo
	info.Blocks = uint64(len(l.blocks))
	for i := range l.blocks {
		switch l.blocks[i].Kind {
		case BlockKindIssue:
			info.Certificates++
		case BlockKindRevoke:
			info.Revoked++
		}
	}
	info.Active = info.Certificates - info.Revoked
	if len(l.blocks) > 0 {
		tip := &l.blocks[len(l.blocks)-1]
		info.LatestIndex = tip.Index
		info.LatestHash = tip.Hash
	}

	return &info, nil
}

// ValidateChain recomputes every block's hash from its stored fields and
// checks linkage between consecutive blocks and genesis correctness.  It
// stops at the first failing block: once one block's integrity is in
// question its descendants' stored hashes cannot be trusted either.
//
// ValidateChain satisfies the backend interface.
func (l *Ledger) ValidateChain() (*backend.ValidateResult, error) {
	l.RLock()
	defer l.RUnlock()

	vr := backend.ValidateResult{
		Valid:  true,
		Blocks: uint64(len(l.blocks)),
	}

	// An empty ledger is valid; nothing has been issued yet.
	if len(l.blocks) == 0 {
		return &vr, nil
	}

	genesis := &l.blocks[0]
	if genesis.Index != 0 || genesis.Kind != BlockKindGenesis ||
		genesis.PrevHash != genesisPrevHash ||
		genesis.Record.CertificateID != "" {
		vr.Valid = false
		vr.FailingIndex = 0
		vr.Reason = backend.ReasonGenesisMalformed
		return &vr, nil
	}

	for i := range l.blocks {
		b := &l.blocks[i]
		if blockDigest(b) != b.Hash {
			vr.Valid = false
			vr.FailingIndex = uint64(i)
			vr.Reason = backend.ReasonHashMismatch
			return &vr, nil
		}
		if i > 0 && b.PrevHash != l.blocks[i-1].Hash {
			vr.Valid = false
			vr.FailingIndex = uint64(i)
			vr.Reason = backend.ReasonLinkMismatch
			return &vr, nil
		}
	}

	return &vr, nil
}

// Close is a required interface function.  It stops the auditor and closes
// the block database.
//
// Close satisfies the backend interface.
func (l *Ledger) Close() {
	// Block until last command is complete.
	l.Lock()
	defer l.Unlock()
	defer log.Infof("Exiting")

	// We need nil tests when in dump/restore mode.
	if l.cron != nil {
		l.cron.Stop()
	}
	l.db.Close()
}

// String implements fmt.Stringer for log friendliness.
func (l *Ledger) String() string {
	l.RLock()
	defer l.RUnlock()
	return fmt.Sprintf("ledger %v blocks", len(l.blocks))
}

// NewDump opens an existing ledger database read only for dumping.  No
// background bits are launched.
func NewDump(root string) (*Ledger, error) {
	db, err := leveldb.OpenFile(filepath.Join(root, ledgerDBDir),
		&opt.Options{ErrorIfMissing: true})
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		root:  root,
		db:    db,
		index: make(map[string]*certState),
		myNow: time.Now,
	}
	err = l.load()
	if err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// NewRestore creates a fresh ledger database for restoring.  The target
// must not already contain a ledger.  No background bits are launched.
func NewRestore(root string) (*Ledger, error) {
	db, err := leveldb.OpenFile(filepath.Join(root, ledgerDBDir),
		&opt.Options{ErrorIfExist: true})
	if err != nil {
		return nil, err
	}
	return &Ledger{
		root:  root,
		db:    db,
		index: make(map[string]*certState),
		myNow: time.Now,
	}, nil
}
