// Copyright (c) 2024-2025 The certledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/certledger/certledger/certcrypto"
	"github.com/certledger/certledger/certledgerd/backend"
	"github.com/davecgh/go-spew/spew"
)

// testKeyring resolves issuer public keys from a plain map.
type testKeyring map[string]*ecdsa.PublicKey

func (k testKeyring) IssuerPublicKey(issuerID string) (*ecdsa.PublicKey, error) {
	pub, ok := k[issuerID]
	if !ok {
		return nil, fmt.Errorf("unknown issuer %v", issuerID)
	}
	return pub, nil
}

var (
	admin = backend.Caller{
		CanIssue:     true,
		CanRevokeOwn: true,
		CanRevokeAny: true,
	}

	testInfo = backend.CertificateInfo{
		StudentName:    "Ada Lovelace",
		StudentID:      "STU001",
		CourseName:     "Computer Science",
		Grade:          "A+",
		IssuerID:       "MIT001",
		IssuerName:     "Massachusetts Institute of Technology",
		CourseDuration: "4 years",
	}
)

func institution(issuerID string) backend.Caller {
	return backend.Caller{
		IssuerID:     issuerID,
		CanIssue:     true,
		CanRevokeOwn: true,
	}
}

// newTestLedger creates a ledger in a temp dir with a single registered
// issuer keypair.
func newTestLedger(t *testing.T) (*Ledger, *ecdsa.PrivateKey, testKeyring) {
	t.Helper()

	key, err := certcrypto.NewSigningKey()
	if err != nil {
		t.Fatal(err)
	}
	keys := testKeyring{testInfo.IssuerID: &key.PublicKey}

	l, err := internalNew(t.TempDir(), keys)
	if err != nil {
		t.Fatal(err)
	}
	l.testing = true
	t.Cleanup(l.Close)

	return l, key, keys
}

func TestIssueThenVerify(t *testing.T) {
	l, key, _ := newTestLedger(t)

	ir, err := l.Issue(admin, testInfo, key)
	if err != nil {
		t.Fatal(err)
	}
	if len(ir.CertificateID) != certIDLength {
		t.Fatalf("invalid certificate id %q", ir.CertificateID)
	}
	// Genesis is lazily created, so the first certificate lands in
	// block 1.
	if ir.BlockIndex != 1 {
		t.Fatalf("block index got %v want 1", ir.BlockIndex)
	}

	vr, err := l.Verify(ir.CertificateID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !vr.Valid || vr.ErrorCode != backend.ErrorOK {
		t.Fatalf("want valid got %v code %v", vr.Valid, vr.ErrorCode)
	}
	if vr.Certificate == nil || vr.Certificate.Revoked {
		t.Fatalf("unexpected certificate state: %v",
			spew.Sdump(vr.Certificate))
	}
	if vr.Proof == nil || !vr.Proof.ChainOk {
		t.Fatalf("unexpected proof: %v", spew.Sdump(vr.Proof))
	}
	if vr.Proof.BlockHash != ir.BlockHash {
		t.Fatalf("proof block hash got %x want %x",
			vr.Proof.BlockHash, ir.BlockHash)
	}

	// Verification with the correct PII digest also passes.
	pii := PIIDigest(testInfo.StudentName, testInfo.StudentID,
		testInfo.Grade)
	vr, err = l.Verify(ir.CertificateID, &pii)
	if err != nil {
		t.Fatal(err)
	}
	if !vr.Valid {
		t.Fatalf("want valid with matching pii digest, code %v",
			vr.ErrorCode)
	}
}

func TestVerifyNotFound(t *testing.T) {
	l, _, _ := newTestLedger(t)

	vr, err := l.Verify("DEADBEEF00000000", nil)
	if err != nil {
		t.Fatal(err)
	}
	if vr.Valid || vr.ErrorCode != backend.ErrorNotFound {
		t.Fatalf("want not found, got valid %v code %v", vr.Valid,
			vr.ErrorCode)
	}
	if vr.Certificate != nil || vr.Proof != nil {
		t.Fatal("not found result should carry no certificate")
	}
}

func TestPIIDigestMismatch(t *testing.T) {
	l, key, _ := newTestLedger(t)

	ir, err := l.Issue(admin, testInfo, key)
	if err != nil {
		t.Fatal(err)
	}

	wrong := PIIDigest("Mallory", testInfo.StudentID, testInfo.Grade)
	vr, err := l.Verify(ir.CertificateID, &wrong)
	if err != nil {
		t.Fatal(err)
	}
	if vr.Valid || vr.ErrorCode != backend.ErrorPIIMismatch {
		t.Fatalf("want pii mismatch got valid %v code %v", vr.Valid,
			vr.ErrorCode)
	}
	// The certificate itself is still active and the chain intact.
	if vr.Certificate.Revoked || !vr.Proof.ChainOk {
		t.Fatal("pii mismatch should not imply revocation or tampering")
	}
}

func TestRevoke(t *testing.T) {
	l, key, _ := newTestLedger(t)

	ir, err := l.Issue(admin, testInfo, key)
	if err != nil {
		t.Fatal(err)
	}

	// Unknown id.
	_, err = l.Revoke(admin, "DEADBEEF00000000", "oops", key)
	if !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("want ErrNotFound got %v", err)
	}

	// Wrong institution.
	_, err = l.Revoke(institution("HARV001"), ir.CertificateID, "x", key)
	if !errors.Is(err, backend.ErrNotAuthorized) {
		t.Fatalf("want ErrNotAuthorized got %v", err)
	}

	// Owning institution revokes.
	rr, err := l.Revoke(institution(testInfo.IssuerID), ir.CertificateID,
		"issued in error", key)
	if err != nil {
		t.Fatal(err)
	}
	if rr.BlockIndex != 2 {
		t.Fatalf("revocation block index got %v want 2", rr.BlockIndex)
	}

	vr, err := l.Verify(ir.CertificateID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if vr.Valid || vr.ErrorCode != backend.ErrorRevoked {
		t.Fatalf("want revoked got valid %v code %v", vr.Valid,
			vr.ErrorCode)
	}
	if vr.Certificate.RevocationReason != "issued in error" {
		t.Fatalf("reason got %q", vr.Certificate.RevocationReason)
	}

	// Revocation is one way and not idempotent.
	_, err = l.Revoke(admin, ir.CertificateID, "again", key)
	if !errors.Is(err, backend.ErrAlreadyRevoked) {
		t.Fatalf("want ErrAlreadyRevoked got %v", err)
	}

	// The chain stays valid: revocation appended a block, it mutated
	// nothing.
	cvr, err := l.ValidateChain()
	if err != nil {
		t.Fatal(err)
	}
	if !cvr.Valid {
		t.Fatalf("chain invalid after revoke: block %v %v",
			cvr.FailingIndex, cvr.Reason)
	}
}

func TestAuthorization(t *testing.T) {
	l, key, _ := newTestLedger(t)

	_, err := l.Issue(backend.Caller{}, testInfo, key)
	if !errors.Is(err, backend.ErrNotAuthorized) {
		t.Fatalf("want ErrNotAuthorized got %v", err)
	}

	ir, err := l.Issue(institution(testInfo.IssuerID), testInfo, key)
	if err != nil {
		t.Fatal(err)
	}

	// A caller with no revocation capability at all.
	_, err = l.Revoke(backend.Caller{IssuerID: testInfo.IssuerID},
		ir.CertificateID, "x", key)
	if !errors.Is(err, backend.ErrNotAuthorized) {
		t.Fatalf("want ErrNotAuthorized got %v", err)
	}

	// CanRevokeAny needs no issuer match.
	_, err = l.Revoke(backend.Caller{CanRevokeAny: true},
		ir.CertificateID, "administrative", key)
	if err != nil {
		t.Fatal(err)
	}
}

func TestDuplicateCertificate(t *testing.T) {
	l, key, _ := newTestLedger(t)

	// Freeze time so the id derivation input is identical.
	now := time.Now()
	l.myNow = func() time.Time { return now }

	_, err := l.Issue(admin, testInfo, key)
	if err != nil {
		t.Fatal(err)
	}
	_, err = l.Issue(admin, testInfo, key)
	if !errors.Is(err, backend.ErrDuplicateCertificate) {
		t.Fatalf("want ErrDuplicateCertificate got %v", err)
	}

	// A fresh timestamp yields a fresh id and the retry succeeds.
	l.myNow = func() time.Time { return now.Add(time.Nanosecond) }
	_, err = l.Issue(admin, testInfo, key)
	if err != nil {
		t.Fatal(err)
	}
}

func TestValidateChain(t *testing.T) {
	l, key, _ := newTestLedger(t)

	// Empty ledger is valid.
	vr, err := l.ValidateChain()
	if err != nil {
		t.Fatal(err)
	}
	if !vr.Valid || vr.Blocks != 0 {
		t.Fatalf("empty ledger: valid %v blocks %v", vr.Valid, vr.Blocks)
	}

	count := 10
	for i := 0; i < count; i++ {
		info := testInfo
		info.StudentID = fmt.Sprintf("STU%03v", i)
		_, err := l.Issue(admin, info, key)
		if err != nil {
			t.Fatal(err)
		}
	}

	vr, err = l.ValidateChain()
	if err != nil {
		t.Fatal(err)
	}
	if !vr.Valid {
		t.Fatalf("chain invalid at %v: %v", vr.FailingIndex, vr.Reason)
	}
	if vr.Blocks != uint64(count+1) {
		t.Fatalf("blocks got %v want %v", vr.Blocks, count+1)
	}
}

func TestTamperDetection(t *testing.T) {
	l, key, _ := newTestLedger(t)

	var ids []string
	for i := 0; i < 5; i++ {
		info := testInfo
		info.StudentID = fmt.Sprintf("STU%03v", i)
		ir, err := l.Issue(admin, info, key)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, ir.CertificateID)
	}

	// Flip a public field of block 3 without recomputing its hash.
	saved := l.blocks[3]
	l.blocks[3].Record.CourseName = "Underwater Basket Weaving"

	vr, err := l.ValidateChain()
	if err != nil {
		t.Fatal(err)
	}
	if vr.Valid {
		t.Fatal("tampered chain validated")
	}
	if vr.FailingIndex != 3 || vr.Reason != backend.ReasonHashMismatch {
		t.Fatalf("got block %v reason %q", vr.FailingIndex, vr.Reason)
	}

	// Verify of the tampered certificate reports tampering, not an
	// error; other certificates still verify fine.
	tv, err := l.Verify(ids[2], nil)
	if err != nil {
		t.Fatal(err)
	}
	if tv.Valid || tv.ErrorCode != backend.ErrorTampered {
		t.Fatalf("want tampered got valid %v code %v", tv.Valid,
			tv.ErrorCode)
	}
	ov, err := l.Verify(ids[0], nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ov.Valid {
		t.Fatalf("untampered certificate invalid, code %v", ov.ErrorCode)
	}

	// Undo, then break linkage instead: rewrite block 3 consistently
	// with itself but pointing at the wrong parent.
	l.blocks[3] = saved
	l.blocks[3].PrevHash[0] ^= 0xff
	l.blocks[3].Hash = blockDigest(&l.blocks[3])

	vr, err = l.ValidateChain()
	if err != nil {
		t.Fatal(err)
	}
	if vr.Valid {
		t.Fatal("forked chain validated")
	}
	if vr.FailingIndex != 3 || vr.Reason != backend.ReasonLinkMismatch {
		t.Fatalf("got block %v reason %q", vr.FailingIndex, vr.Reason)
	}

	// Genesis malformation wins over everything downstream.
	l.blocks[3] = saved
	l.blocks[0].Kind = BlockKindIssue

	vr, err = l.ValidateChain()
	if err != nil {
		t.Fatal(err)
	}
	if vr.Valid || vr.FailingIndex != 0 ||
		vr.Reason != backend.ReasonGenesisMalformed {
		t.Fatalf("got valid %v block %v reason %q", vr.Valid,
			vr.FailingIndex, vr.Reason)
	}
}

func TestBadSignature(t *testing.T) {
	l, key, keys := newTestLedger(t)

	ir, err := l.Issue(admin, testInfo, key)
	if err != nil {
		t.Fatal(err)
	}

	// Swap the registered issuer key for a different one.
	other, err := certcrypto.NewSigningKey()
	if err != nil {
		t.Fatal(err)
	}
	keys[testInfo.IssuerID] = &other.PublicKey

	vr, err := l.Verify(ir.CertificateID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if vr.Valid || vr.ErrorCode != backend.ErrorBadSignature {
		t.Fatalf("want bad signature got valid %v code %v", vr.Valid,
			vr.ErrorCode)
	}

	// Unknown issuer key resolves the same way.
	delete(keys, testInfo.IssuerID)
	vr, err = l.Verify(ir.CertificateID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if vr.Valid || vr.ErrorCode != backend.ErrorBadSignature {
		t.Fatalf("want bad signature got valid %v code %v", vr.Valid,
			vr.ErrorCode)
	}
}

func TestConcurrentIssue(t *testing.T) {
	l, key, _ := newTestLedger(t)

	count := 20
	var wg sync.WaitGroup
	errC := make(chan error, count)
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			info := testInfo
			info.StudentID = fmt.Sprintf("STU%03v", i)
			_, err := l.Issue(admin, info, key)
			errC <- err
		}(i)
	}
	wg.Wait()
	close(errC)
	for err := range errC {
		if err != nil {
			t.Fatal(err)
		}
	}

	// Exactly N+1 blocks including genesis, no forks, unique ids.
	info, err := l.ChainInfo()
	if err != nil {
		t.Fatal(err)
	}
	if info.Blocks != uint64(count+1) {
		t.Fatalf("blocks got %v want %v", info.Blocks, count+1)
	}
	if info.Certificates != uint64(count) {
		t.Fatalf("certificates got %v want %v", info.Certificates, count)
	}

	seen := make(map[string]bool)
	for i := range l.blocks {
		b := &l.blocks[i]
		if b.Kind != BlockKindIssue {
			continue
		}
		if seen[b.Record.CertificateID] {
			t.Fatalf("duplicate certificate id %v",
				b.Record.CertificateID)
		}
		seen[b.Record.CertificateID] = true
		if b.PrevHash != l.blocks[i-1].Hash {
			t.Fatalf("fork at block %v", i)
		}
	}

	vr, err := l.ValidateChain()
	if err != nil {
		t.Fatal(err)
	}
	if !vr.Valid {
		t.Fatalf("chain invalid at %v: %v", vr.FailingIndex, vr.Reason)
	}
}

func TestChainInfo(t *testing.T) {
	l, key, _ := newTestLedger(t)

	// Empty ledger.
	info, err := l.ChainInfo()
	if err != nil {
		t.Fatal(err)
	}
	if info.Blocks != 0 || info.Certificates != 0 {
		t.Fatalf("unexpected empty info: %v", spew.Sdump(info))
	}

	var ids []string
	for i := 0; i < 4; i++ {
		ti := testInfo
		ti.StudentID = fmt.Sprintf("STU%03v", i)
		ir, err := l.Issue(admin, ti, key)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, ir.CertificateID)
	}
	_, err = l.Revoke(admin, ids[1], "transcript error", key)
	if err != nil {
		t.Fatal(err)
	}

	info, err = l.ChainInfo()
	if err != nil {
		t.Fatal(err)
	}
	// 1 genesis + 4 issues + 1 revocation.
	if info.Blocks != 6 {
		t.Fatalf("blocks got %v want 6", info.Blocks)
	}
	if info.Certificates != 4 || info.Active != 3 || info.Revoked != 1 {
		t.Fatalf("counts got %v/%v/%v want 4/3/1", info.Certificates,
			info.Active, info.Revoked)
	}
	if info.LatestHash != l.blocks[len(l.blocks)-1].Hash {
		t.Fatal("latest hash does not match tip")
	}
}

func TestLookups(t *testing.T) {
	l, key, _ := newTestLedger(t)

	var ids []string
	for i := 0; i < 3; i++ {
		ti := testInfo
		ti.StudentID = fmt.Sprintf("STU%03v", i)
		if i == 2 {
			ti.IssuerID = "HARV001"
		}
		ir, err := l.Issue(admin, ti, key)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, ir.CertificateID)
	}

	// Batch lookup with an unknown id mixed in.
	lrs, err := l.Certificates([]string{ids[0], "DEADBEEF00000000", ids[1]})
	if err != nil {
		t.Fatal(err)
	}
	if len(lrs) != 3 {
		t.Fatalf("results got %v want 3", len(lrs))
	}
	if lrs[0].ErrorCode != backend.ErrorOK ||
		lrs[2].ErrorCode != backend.ErrorOK {
		t.Fatalf("known ids not found: %v", spew.Sdump(lrs))
	}
	if lrs[1].ErrorCode != backend.ErrorNotFound || lrs[1].Certificate != nil {
		t.Fatalf("unknown id: %v", spew.Sdump(lrs[1]))
	}

	// Lookup is idempotent absent mutation.
	again, err := l.Certificates([]string{ids[0]})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(lrs[0], again[0]) {
		t.Fatalf("lookup not idempotent:\n%v\n%v", spew.Sdump(lrs[0]),
			spew.Sdump(again[0]))
	}

	// Issuer scan only matches clear issuer ids.
	mit, err := l.CertificatesByIssuer(testInfo.IssuerID)
	if err != nil {
		t.Fatal(err)
	}
	if len(mit) != 2 {
		t.Fatalf("issuer results got %v want 2", len(mit))
	}
	none, err := l.CertificatesByIssuer("NOPE001")
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Fatalf("unexpected results for unknown issuer: %v", len(none))
	}
}

func TestReload(t *testing.T) {
	key, err := certcrypto.NewSigningKey()
	if err != nil {
		t.Fatal(err)
	}
	keys := testKeyring{testInfo.IssuerID: &key.PublicKey}
	dir := t.TempDir()

	l, err := internalNew(dir, keys)
	if err != nil {
		t.Fatal(err)
	}
	l.testing = true

	var ids []string
	for i := 0; i < 3; i++ {
		ti := testInfo
		ti.StudentID = fmt.Sprintf("STU%03v", i)
		ir, err := l.Issue(admin, ti, key)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, ir.CertificateID)
	}
	_, err = l.Revoke(admin, ids[0], "reload test", key)
	if err != nil {
		t.Fatal(err)
	}
	tip := l.blocks[len(l.blocks)-1].Hash
	l.Close()

	// Reopen from disk and confirm the derived state survived.
	l2, err := internalNew(dir, keys)
	if err != nil {
		t.Fatal(err)
	}
	l2.testing = true
	defer l2.Close()

	if len(l2.blocks) != 5 {
		t.Fatalf("blocks got %v want 5", len(l2.blocks))
	}
	if l2.blocks[len(l2.blocks)-1].Hash != tip {
		t.Fatal("tip hash changed across reload")
	}

	vr, err := l2.Verify(ids[0], nil)
	if err != nil {
		t.Fatal(err)
	}
	if vr.Valid || vr.ErrorCode != backend.ErrorRevoked {
		t.Fatalf("revocation lost across reload: code %v", vr.ErrorCode)
	}
	if vr.Certificate.RevocationReason != "reload test" {
		t.Fatalf("reason got %q", vr.Certificate.RevocationReason)
	}

	cvr, err := l2.ValidateChain()
	if err != nil {
		t.Fatal(err)
	}
	if !cvr.Valid {
		t.Fatalf("chain invalid after reload at %v: %v",
			cvr.FailingIndex, cvr.Reason)
	}
}

func TestAppendStaleTail(t *testing.T) {
	l, key, _ := newTestLedger(t)

	_, err := l.Issue(admin, testInfo, key)
	if err != nil {
		t.Fatal(err)
	}

	// A proposed block whose previous hash is not the current tail is
	// rejected without damaging the ledger.
	l.Lock()
	stale := Block{
		Index:    uint64(len(l.blocks)),
		PrevHash: l.blocks[0].Hash, // Genesis, not the tail.
		Kind:     BlockKindIssue,
	}
	stale.Hash = blockDigest(&stale)
	err = l.appendBlock(stale)
	l.Unlock()
	if !errors.Is(err, errStaleTail) {
		t.Fatalf("want errStaleTail got %v", err)
	}

	vr, err := l.ValidateChain()
	if err != nil {
		t.Fatal(err)
	}
	if !vr.Valid || vr.Blocks != 2 {
		t.Fatalf("ledger damaged by rejected append: valid %v blocks %v",
			vr.Valid, vr.Blocks)
	}
}

func TestDumpRestore(t *testing.T) {
	l, key, keys := newTestLedger(t)

	var ids []string
	for i := 0; i < 3; i++ {
		ti := testInfo
		ti.StudentID = fmt.Sprintf("STU%03v", i)
		ir, err := l.Issue(admin, ti, key)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, ir.CertificateID)
	}
	_, err := l.Revoke(admin, ids[2], "dump test", key)
	if err != nil {
		t.Fatal(err)
	}

	dumpFile := filepath.Join(t.TempDir(), "dump.json")
	f, err := os.Create(dumpFile)
	if err != nil {
		t.Fatal(err)
	}
	err = l.Dump(f, false)
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	restoreDir := t.TempDir()
	r, err := NewRestore(restoreDir)
	if err != nil {
		t.Fatal(err)
	}
	f, err = os.Open(dumpFile)
	if err != nil {
		t.Fatal(err)
	}
	err = r.Restore(f, false, restoreDir)
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	r.Close()

	// Reopen restored copy and compare against the original.
	l2, err := internalNew(restoreDir, keys)
	if err != nil {
		t.Fatal(err)
	}
	l2.testing = true
	defer l2.Close()

	if !reflect.DeepEqual(l.blocks, l2.blocks) {
		t.Fatalf("restored chain differs:\n%v\n%v", spew.Sdump(l.blocks),
			spew.Sdump(l2.blocks))
	}
	vr, err := l2.ValidateChain()
	if err != nil {
		t.Fatal(err)
	}
	if !vr.Valid {
		t.Fatalf("restored chain invalid at %v: %v", vr.FailingIndex,
			vr.Reason)
	}
}
