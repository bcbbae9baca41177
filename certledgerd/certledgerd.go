// Copyright (c) 2024-2025 The certledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	v1 "github.com/certledger/certledger/api/v1"
	"github.com/certledger/certledger/certcrypto"
	"github.com/certledger/certledger/certledgerd/backend"
	"github.com/certledger/certledger/certledgerd/backend/ledger"
	"github.com/certledger/certledger/util"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

const forward = "X-Forwarded-For"

// CertLedger application context.
type CertLedger struct {
	backend backend.Backend
	cfg     *config
	router  *mux.Router
	keys    *keyStore
}

// via returns the client address for audit logging, honoring the forwarding
// header set by a fronting proxy.
func via(r *http.Request) string {
	xff := r.Header.Get(forward)
	if xff != "" {
		return fmt.Sprintf("%v via %v", xff, r.RemoteAddr)
	}
	return r.RemoteAddr
}

// apiTokenValid reports whether the request carries one of the configured
// privileged API tokens.
func (c *CertLedger) apiTokenValid(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return false
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	for _, t := range c.cfg.APITokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(t)) == 1 {
			return true
		}
	}
	return false
}

// caller resolves the request's role claim into the capability set the
// ledger understands.  The admin role requires a valid API token; the
// institution role is scoped to the issuer id the external authenticator
// vouched for.
func (c *CertLedger) caller(r *http.Request, role, issuerID string) backend.Caller {
	switch role {
	case v1.RoleAdmin:
		if c.apiTokenValid(r) {
			return backend.Caller{
				IssuerID:     issuerID,
				CanIssue:     true,
				CanRevokeOwn: true,
				CanRevokeAny: true,
			}
		}
	case v1.RoleInstitution:
		return backend.Caller{
			IssuerID:     issuerID,
			CanIssue:     true,
			CanRevokeOwn: true,
		}
	}
	return backend.Caller{}
}

// convertErrorCode translates backend per item error codes to API result
// codes.
func convertErrorCode(e uint) int {
	switch e {
	case backend.ErrorOK:
		return v1.ResultOK
	case backend.ErrorNotFound:
		return v1.ResultNotFoundError
	case backend.ErrorRevoked:
		return v1.ResultRevokedError
	case backend.ErrorTampered:
		return v1.ResultTamperedError
	case backend.ErrorBadSignature:
		return v1.ResultBadSignatureError
	case backend.ErrorPIIMismatch:
		return v1.ResultPIIMismatchError
	}
	return -1
}

func convertCertificate(c *backend.Certificate) *v1.Certificate {
	if c == nil {
		return nil
	}
	status := v1.StatusActive
	if c.Revoked {
		status = v1.StatusRevoked
	}
	return &v1.Certificate{
		CertificateID:    c.CertificateID,
		PIIDigest:        hex.EncodeToString(c.PIIDigest[:]),
		CourseName:       c.CourseName,
		IssuerID:         c.IssuerID,
		IssuerName:       c.IssuerName,
		CourseDuration:   c.CourseDuration,
		Issued:           c.Issued,
		Status:           status,
		RevocationReason: c.RevocationReason,
		Signature:        hex.EncodeToString(c.Signature),
	}
}

func convertProof(p *backend.ChainProof) *v1.ChainProof {
	if p == nil {
		return nil
	}
	return &v1.ChainProof{
		BlockIndex:   p.BlockIndex,
		BlockHash:    hex.EncodeToString(p.BlockHash[:]),
		PreviousHash: hex.EncodeToString(p.PreviousHash[:]),
		ChainOk:      p.ChainOk,
		LatestIndex:  p.LatestIndex,
		LatestHash:   hex.EncodeToString(p.LatestHash[:]),
	}
}

// status returns the server status.  This is primarily used to verify
// connectivity.
func (c *CertLedger) status(w http.ResponseWriter, r *http.Request) {
	var s v1.Status
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&s); err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid request payload")
		return
	}
	defer r.Body.Close()

	log.Infof("Status %v", via(r))

	util.RespondWithJSON(w, http.StatusOK, v1.StatusReply{
		ID: s.ID,
	})
}

// issue takes a frontend issuance and sends it off to the backend.
func (c *CertLedger) issue(w http.ResponseWriter, r *http.Request) {
	var t v1.Issue
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&t); err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid request payload")
		return
	}
	defer r.Body.Close()

	if !v1.RegexpIssuerID.MatchString(t.IssuerID) {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid issuer id")
		return
	}
	for _, required := range []string{t.StudentName, t.StudentID,
		t.CourseName, t.Grade, t.IssuerName} {
		if required == "" {
			util.RespondWithError(w, http.StatusBadRequest,
				"Missing required certificate field")
			return
		}
	}

	caller := c.caller(r, t.Role, t.IssuerID)
	if !caller.CanIssue {
		log.Infof("Issue %v: rejected role %v issuer %v", via(r),
			t.Role, t.IssuerID)
		util.RespondWithJSON(w, http.StatusForbidden, v1.IssueReply{
			ID:     t.ID,
			Result: v1.ResultNotAuthorizedError,
		})
		return
	}

	key, err := c.keys.SigningKey(t.IssuerID)
	if err != nil {
		errorCode := time.Now().Unix()
		log.Errorf("%v issue keystore error code %v: %v", r.RemoteAddr,
			errorCode, err)
		util.RespondWithError(w, http.StatusInternalServerError,
			fmt.Sprintf("Could not load signing key, contact "+
				"administrator and provide the following "+
				"error code: %v", errorCode))
		return
	}

	ir, err := c.backend.Issue(caller, backend.CertificateInfo{
		StudentName:    t.StudentName,
		StudentID:      t.StudentID,
		CourseName:     t.CourseName,
		Grade:          t.Grade,
		IssuerID:       t.IssuerID,
		IssuerName:     t.IssuerName,
		CourseDuration: t.CourseDuration,
	}, key)
	switch {
	case err == backend.ErrDuplicateCertificate:
		// Id collision, the caller may simply retry.
		log.Infof("Issue %v: collision issuer %v", via(r), t.IssuerID)
		util.RespondWithJSON(w, http.StatusOK, v1.IssueReply{
			ID:     t.ID,
			Result: v1.ResultDuplicateError,
		})
		return
	case err == backend.ErrNotAuthorized:
		util.RespondWithJSON(w, http.StatusForbidden, v1.IssueReply{
			ID:     t.ID,
			Result: v1.ResultNotAuthorizedError,
		})
		return
	case err == backend.ErrTryAgainLater:
		util.RespondWithError(w, http.StatusServiceUnavailable,
			"Server busy, please try again later.")
		return
	case err != nil:
		errorCode := time.Now().Unix()
		log.Errorf("%v issue error code %v: %v", r.RemoteAddr,
			errorCode, err)
		util.RespondWithError(w, http.StatusInternalServerError,
			fmt.Sprintf("Could not issue certificate, contact "+
				"administrator and provide the following "+
				"error code: %v", errorCode))
		return
	}

	log.Infof("Issue %v: accepted %v block %v issuer %v", via(r),
		ir.CertificateID, ir.BlockIndex, t.IssuerID)

	util.RespondWithJSON(w, http.StatusOK, v1.IssueReply{
		ID:            t.ID,
		Result:        v1.ResultOK,
		CertificateID: ir.CertificateID,
		BlockIndex:    ir.BlockIndex,
		BlockHash:     hex.EncodeToString(ir.BlockHash[:]),
		Timestamp:     ir.Timestamp,
	})
}

// verify checks a certificate id, and optionally a caller computed PII
// digest, against the ledger.
func (c *CertLedger) verify(w http.ResponseWriter, r *http.Request) {
	var t v1.Verify
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&t); err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid request payload")
		return
	}
	defer r.Body.Close()

	if !v1.RegexpCertificateID.MatchString(t.CertificateID) {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid certificate id")
		return
	}

	// The PII digest, when provided, arrives as hex.  The server only
	// ever sees the digest.
	var piiDigest *[sha256.Size]byte
	if t.PIIDigest != "" {
		if !v1.RegexpSHA256.MatchString(t.PIIDigest) {
			util.RespondWithError(w, http.StatusBadRequest,
				"Invalid PII digest")
			return
		}
		raw, err := hex.DecodeString(t.PIIDigest)
		if err != nil {
			util.RespondWithError(w, http.StatusBadRequest,
				"Invalid PII digest")
			return
		}
		var d [sha256.Size]byte
		copy(d[:], raw)
		piiDigest = &d
	}

	vr, err := c.backend.Verify(t.CertificateID, piiDigest)
	if err != nil {
		errorCode := time.Now().Unix()
		log.Errorf("%v verify error code %v: %v", r.RemoteAddr,
			errorCode, err)
		util.RespondWithError(w, http.StatusInternalServerError,
			fmt.Sprintf("Could not verify certificate, contact "+
				"administrator and provide the following "+
				"error code: %v", errorCode))
		return
	}

	result := convertErrorCode(vr.ErrorCode)
	if result == -1 {
		errorCode := time.Now().Unix()
		log.Errorf("%v verify ErrorCode translation error code %v: %v",
			r.RemoteAddr, errorCode, vr.ErrorCode)
		util.RespondWithError(w, http.StatusInternalServerError,
			fmt.Sprintf("Could not verify certificate, contact "+
				"administrator and provide the following "+
				"error code: %v", errorCode))
		return
	}

	log.Infof("Verify %v: %v %v", via(r), t.CertificateID,
		v1.Result[result])

	util.RespondWithJSON(w, http.StatusOK, v1.VerifyReply{
		ID:          t.ID,
		Result:      result,
		Valid:       vr.Valid,
		Certificate: convertCertificate(vr.Certificate),
		ChainProof:  convertProof(vr.Proof),
	})
}

// revoke appends a revocation for a previously issued certificate.
func (c *CertLedger) revoke(w http.ResponseWriter, r *http.Request) {
	var t v1.Revoke
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&t); err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid request payload")
		return
	}
	defer r.Body.Close()

	if !v1.RegexpCertificateID.MatchString(t.CertificateID) {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid certificate id")
		return
	}

	caller := c.caller(r, t.Role, t.IssuerID)
	if !caller.CanRevokeOwn && !caller.CanRevokeAny {
		log.Infof("Revoke %v: rejected role %v issuer %v", via(r),
			t.Role, t.IssuerID)
		util.RespondWithJSON(w, http.StatusForbidden, v1.RevokeReply{
			ID:            t.ID,
			Result:        v1.ResultNotAuthorizedError,
			CertificateID: t.CertificateID,
		})
		return
	}

	// The revocation record is signed with the original issuer's key so
	// that it verifies against the same public key as the issuance.
	lrs, err := c.backend.Certificates([]string{t.CertificateID})
	if err != nil {
		errorCode := time.Now().Unix()
		log.Errorf("%v revoke error code %v: %v", r.RemoteAddr,
			errorCode, err)
		util.RespondWithError(w, http.StatusInternalServerError,
			fmt.Sprintf("Could not revoke certificate, contact "+
				"administrator and provide the following "+
				"error code: %v", errorCode))
		return
	}
	if len(lrs) != 1 || lrs[0].ErrorCode == backend.ErrorNotFound {
		util.RespondWithJSON(w, http.StatusOK, v1.RevokeReply{
			ID:            t.ID,
			Result:        v1.ResultNotFoundError,
			CertificateID: t.CertificateID,
		})
		return
	}
	key, err := c.keys.SigningKey(lrs[0].Certificate.IssuerID)
	if err != nil {
		errorCode := time.Now().Unix()
		log.Errorf("%v revoke keystore error code %v: %v", r.RemoteAddr,
			errorCode, err)
		util.RespondWithError(w, http.StatusInternalServerError,
			fmt.Sprintf("Could not load signing key, contact "+
				"administrator and provide the following "+
				"error code: %v", errorCode))
		return
	}

	rr, err := c.backend.Revoke(caller, t.CertificateID, t.Reason, key)
	switch {
	case err == backend.ErrNotFound:
		util.RespondWithJSON(w, http.StatusOK, v1.RevokeReply{
			ID:            t.ID,
			Result:        v1.ResultNotFoundError,
			CertificateID: t.CertificateID,
		})
		return
	case err == backend.ErrAlreadyRevoked:
		util.RespondWithJSON(w, http.StatusOK, v1.RevokeReply{
			ID:            t.ID,
			Result:        v1.ResultAlreadyRevokedError,
			CertificateID: t.CertificateID,
		})
		return
	case err == backend.ErrNotAuthorized:
		log.Infof("Revoke %v: not authorized issuer %v cert %v",
			via(r), t.IssuerID, t.CertificateID)
		util.RespondWithJSON(w, http.StatusForbidden, v1.RevokeReply{
			ID:            t.ID,
			Result:        v1.ResultNotAuthorizedError,
			CertificateID: t.CertificateID,
		})
		return
	case err == backend.ErrTryAgainLater:
		util.RespondWithError(w, http.StatusServiceUnavailable,
			"Server busy, please try again later.")
		return
	case err != nil:
		errorCode := time.Now().Unix()
		log.Errorf("%v revoke error code %v: %v", r.RemoteAddr,
			errorCode, err)
		util.RespondWithError(w, http.StatusInternalServerError,
			fmt.Sprintf("Could not revoke certificate, contact "+
				"administrator and provide the following "+
				"error code: %v", errorCode))
		return
	}

	log.Infof("Revoke %v: revoked %v block %v reason %q", via(r),
		rr.CertificateID, rr.BlockIndex, t.Reason)

	util.RespondWithJSON(w, http.StatusOK, v1.RevokeReply{
		ID:            t.ID,
		Result:        v1.ResultOK,
		CertificateID: rr.CertificateID,
		BlockIndex:    rr.BlockIndex,
		BlockHash:     hex.EncodeToString(rr.BlockHash[:]),
	})
}

// certificates performs a batch lookup, either over an explicit certificate
// id list or over all certificates of one issuer.
func (c *CertLedger) certificates(w http.ResponseWriter, r *http.Request) {
	var t v1.Certificates
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&t); err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid request payload")
		return
	}
	defer r.Body.Close()

	var (
		lrs []backend.LookupResult
		err error
	)
	switch {
	case len(t.CertificateIDs) != 0:
		for _, id := range t.CertificateIDs {
			if !v1.RegexpCertificateID.MatchString(id) {
				util.RespondWithError(w, http.StatusBadRequest,
					"Invalid certificate id")
				return
			}
		}
		lrs, err = c.backend.Certificates(t.CertificateIDs)
	case t.IssuerID != "":
		if !v1.RegexpIssuerID.MatchString(t.IssuerID) {
			util.RespondWithError(w, http.StatusBadRequest,
				"Invalid issuer id")
			return
		}
		lrs, err = c.backend.CertificatesByIssuer(t.IssuerID)
	default:
		util.RespondWithError(w, http.StatusBadRequest,
			"Either certificateids or issuerid must be set")
		return
	}
	if err != nil {
		errorCode := time.Now().Unix()
		log.Errorf("%v certificates error code %v: %v", r.RemoteAddr,
			errorCode, err)
		util.RespondWithError(w, http.StatusInternalServerError,
			fmt.Sprintf("Could not retrieve certificates, contact "+
				"administrator and provide the following "+
				"error code: %v", errorCode))
		return
	}

	certs := make([]v1.Certificate, 0, len(lrs))
	results := make([]int, 0, len(lrs))
	for _, lr := range lrs {
		results = append(results, convertErrorCode(lr.ErrorCode))
		if lr.Certificate != nil {
			certs = append(certs, *convertCertificate(lr.Certificate))
		}
	}

	log.Infof("Certificates %v: %v requested %v found", via(r), len(lrs),
		len(certs))

	util.RespondWithJSON(w, http.StatusOK, v1.CertificatesReply{
		ID:           t.ID,
		Certificates: certs,
		Results:      results,
	})
}

// chainInfo returns ledger statistics.
func (c *CertLedger) chainInfo(w http.ResponseWriter, r *http.Request) {
	ci, err := c.backend.ChainInfo()
	if err != nil {
		errorCode := time.Now().Unix()
		log.Errorf("%v info error code %v: %v", r.RemoteAddr,
			errorCode, err)
		util.RespondWithError(w, http.StatusInternalServerError,
			fmt.Sprintf("Could not retrieve chain info, contact "+
				"administrator and provide the following "+
				"error code: %v", errorCode))
		return
	}

	reply := v1.ChainInfoReply{
		Blocks:       ci.Blocks,
		Certificates: ci.Certificates,
		Active:       ci.Active,
		Revoked:      ci.Revoked,
	}
	if ci.Blocks != 0 {
		reply.LatestHash = hex.EncodeToString(ci.LatestHash[:])
	}
	util.RespondWithJSON(w, http.StatusOK, reply)
}

// validate runs a full chain validation.
func (c *CertLedger) validate(w http.ResponseWriter, r *http.Request) {
	vr, err := c.backend.ValidateChain()
	if err != nil {
		errorCode := time.Now().Unix()
		log.Errorf("%v validate error code %v: %v", r.RemoteAddr,
			errorCode, err)
		util.RespondWithError(w, http.StatusInternalServerError,
			fmt.Sprintf("Could not validate chain, contact "+
				"administrator and provide the following "+
				"error code: %v", errorCode))
		return
	}

	if !vr.Valid {
		log.Errorf("Validate %v: chain INVALID block %v: %v", via(r),
			vr.FailingIndex, vr.Reason)
	} else {
		log.Infof("Validate %v: chain valid, %v blocks", via(r),
			vr.Blocks)
	}

	util.RespondWithJSON(w, http.StatusOK, v1.ValidateReply{
		Valid:        vr.Valid,
		Blocks:       vr.Blocks,
		FailingIndex: vr.FailingIndex,
		Reason:       vr.Reason,
	})
}

// publicKey returns the PEM encoded public signing key of an issuer.
func (c *CertLedger) publicKey(w http.ResponseWriter, r *http.Request) {
	issuerID := mux.Vars(r)["issuerid"]
	pub, err := c.keys.IssuerPublicKey(issuerID)
	if err != nil {
		if os.IsNotExist(err) {
			util.RespondWithError(w, http.StatusNotFound,
				"Unknown issuer")
			return
		}
		errorCode := time.Now().Unix()
		log.Errorf("%v publickey error code %v: %v", r.RemoteAddr,
			errorCode, err)
		util.RespondWithError(w, http.StatusInternalServerError,
			fmt.Sprintf("Could not retrieve public key, contact "+
				"administrator and provide the following "+
				"error code: %v", errorCode))
		return
	}
	blob, err := certcrypto.MarshalPublicKey(pub)
	if err != nil {
		util.RespondWithError(w, http.StatusInternalServerError,
			"Could not encode public key")
		return
	}

	util.RespondWithJSON(w, http.StatusOK, v1.PublicKeyReply{
		IssuerID:  issuerID,
		PublicKey: string(blob),
	})
}

func _main() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	loadedCfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("Could not load configuration file: %v", err)
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version : %v", version())
	log.Infof("Home dir: %v", loadedCfg.HomeDir)

	// Create the data directory in case it does not exist.
	err = os.MkdirAll(loadedCfg.DataDir, 0700)
	if err != nil {
		return err
	}

	// Generate the TLS cert and key file if both don't already exist.
	if !util.FileExists(loadedCfg.HTTPSKey) &&
		!util.FileExists(loadedCfg.HTTPSCert) {
		log.Infof("Generating HTTPS keypair...")

		err := util.GenCertPair("certledgerd", loadedCfg.HTTPSCert,
			loadedCfg.HTTPSKey)
		if err != nil {
			return fmt.Errorf("unable to create https keypair: %v",
				err)
		}

		log.Infof("HTTPS keypair created...")
	}

	// Setup application context.
	keys, err := newKeyStore(loadedCfg.KeysDir)
	if err != nil {
		return err
	}
	c := &CertLedger{
		cfg:  loadedCfg,
		keys: keys,
	}

	// Setup backend.
	b, err := ledger.New(loadedCfg.DataDir, keys)
	if err != nil {
		return err
	}
	c.backend = b

	// Setup mux.
	c.router = mux.NewRouter()
	c.router.HandleFunc(v1.StatusRoute, c.status).Methods("POST")
	c.router.HandleFunc(v1.IssueRoute, c.issue).Methods("POST")
	c.router.HandleFunc(v1.VerifyRoute, c.verify).Methods("POST")
	c.router.HandleFunc(v1.RevokeRoute, c.revoke).Methods("POST")
	c.router.HandleFunc(v1.CertificatesRoute, c.certificates).Methods("POST")
	c.router.HandleFunc(v1.ChainInfoRoute, c.chainInfo).Methods("GET")
	c.router.HandleFunc(v1.ValidateRoute, c.validate).Methods("GET")
	c.router.HandleFunc(v1.PublicKeyRoute, c.publicKey).Methods("GET")

	handler := handlers.RecoveryHandler()(c.router)

	// Bind to a port and pass our router in.
	listenC := make(chan error)
	for _, listener := range loadedCfg.Listeners {
		listen := listener
		go func() {
			log.Infof("Listen: %v", listen)
			listenC <- http.ListenAndServeTLS(listen,
				loadedCfg.HTTPSCert, loadedCfg.HTTPSKey,
				handler)
		}()
	}

	// Tell user we are ready to go.
	log.Infof("Start of day")

	// Setup OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case sig := <-sigs:
			log.Infof("Terminating with %v", sig)
			goto done
		case err := <-listenC:
			log.Errorf("%v", err)
			goto done
		}
	}
done:
	c.backend.Close()

	log.Infof("Exiting")

	return nil
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
