// Copyright (c) 2024-2025 The certledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"

	v1 "github.com/certledger/certledger/api/v1"
	"github.com/certledger/certledger/certledgerd/backend/ledger"
)

const certledgerClientID = "certledger cli"

var (
	debug     = flag.Bool("debug", false, "Print JSON that is sent to server")
	printJson = flag.Bool("json", false, "Print JSON response from server")
	host      = flag.String("h", "127.0.0.1", "Ledger host")
	issuerID  = flag.String("issuerid", "", "Issuer id to act as")
	role      = flag.String("role", v1.RoleInstitution, "Caller role "+
		"{institution, admin}")
	token      = flag.String("token", "", "Privileged API token")
	skipVerify = flag.Bool("skipverify", false, "Skip TLS certificate "+
		"verification; needed when the server uses a self signed "+
		"certificate")
	verbose = flag.Bool("v", false, "Verbose")
)

// normalizeAddress returns addr with the passed default port appended if
// there is not already a port specified.
func normalizeAddress(addr, defaultPort string) string {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}

// getError returns the error that is embedded in a JSON reply.
func getError(r io.Reader) (string, error) {
	var e interface{}
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&e); err != nil {
		return "", err
	}
	m, ok := e.(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("could not decode response")
	}
	rError, ok := m["error"]
	if !ok {
		return "", fmt.Errorf("no error response")
	}
	return fmt.Sprintf("%v", rError), nil
}

func newClient() *http.Client {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: *skipVerify,
	}
	tr := &http.Transport{
		TLSClientConfig: tlsConfig,
	}
	return &http.Client{Transport: tr}
}

// post marshals the payload, sends it to the given route and returns the
// response body.  A get is performed instead when the payload is nil.
func post(route string, payload interface{}) ([]byte, error) {
	c := newClient()

	var req *http.Request
	if payload == nil {
		var err error
		req, err = http.NewRequest("GET", *host+route, nil)
		if err != nil {
			return nil, err
		}
	} else {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if *debug {
			fmt.Println(string(b))
		}
		req, err = http.NewRequest("POST", *host+route,
			bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
	}
	if *token != "" {
		req.Header.Set("Authorization", "Bearer "+*token)
	}

	r, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	// Authorization failures carry a well formed reply body.
	if r.StatusCode != http.StatusOK &&
		r.StatusCode != http.StatusForbidden {
		e, err := getError(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%v", r.Status)
		}
		return nil, fmt.Errorf("%v: %v", r.Status, e)
	}

	if *printJson {
		fmt.Println(strings.TrimSpace(string(body)))
	}

	return body, nil
}

func issue(args []string) error {
	if len(args) < 5 {
		return fmt.Errorf("issue requires <studentname> <studentid> " +
			"<coursename> <grade> <issuername> [courseduration]")
	}
	if *issuerID == "" {
		return fmt.Errorf("issue requires -issuerid")
	}
	i := v1.Issue{
		ID:          certledgerClientID,
		Role:        *role,
		StudentName: args[0],
		StudentID:   args[1],
		CourseName:  args[2],
		Grade:       args[3],
		IssuerID:    *issuerID,
		IssuerName:  args[4],
	}
	if len(args) > 5 {
		i.CourseDuration = args[5]
	}

	body, err := post(v1.IssueRoute, i)
	if err != nil {
		return err
	}
	if *printJson {
		return nil
	}

	var reply v1.IssueReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return fmt.Errorf("could not decode IssueReply: %v", err)
	}
	result, ok := v1.Result[reply.Result]
	if !ok {
		return fmt.Errorf("invalid result code %v", reply.Result)
	}
	if reply.Result != v1.ResultOK {
		return fmt.Errorf("issue: %v", result)
	}

	fmt.Printf("%v %v\n", reply.CertificateID, result)
	if *verbose {
		fmt.Printf("  %-15v: %v\n", "Block", reply.BlockIndex)
		fmt.Printf("  %-15v: %v\n", "Block hash", reply.BlockHash)
		fmt.Printf("  %-15v: %v\n", "Timestamp", reply.Timestamp)
	}
	return nil
}

func verify(args []string) error {
	if len(args) != 1 && len(args) != 4 {
		return fmt.Errorf("verify requires <certificateid> " +
			"[<studentname> <studentid> <grade>]")
	}
	ver := v1.Verify{
		ID:            certledgerClientID,
		CertificateID: args[0],
	}
	// The PII digest is computed locally; the PII itself never goes over
	// the wire.
	if len(args) == 4 {
		d := ledger.PIIDigest(args[1], args[2], args[3])
		ver.PIIDigest = hex.EncodeToString(d[:])
	}

	body, err := post(v1.VerifyRoute, ver)
	if err != nil {
		return err
	}
	if *printJson {
		return nil
	}

	var reply v1.VerifyReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return fmt.Errorf("could not decode VerifyReply: %v", err)
	}
	result, ok := v1.Result[reply.Result]
	if !ok {
		return fmt.Errorf("invalid result code %v", reply.Result)
	}

	fmt.Printf("%v %v\n", args[0], result)
	if !*verbose || reply.Certificate == nil {
		return nil
	}
	cert := reply.Certificate
	fmt.Printf("  %-15v: %v\n", "Status", cert.Status)
	fmt.Printf("  %-15v: %v\n", "Course", cert.CourseName)
	fmt.Printf("  %-15v: %v (%v)\n", "Issuer", cert.IssuerID,
		cert.IssuerName)
	fmt.Printf("  %-15v: %v\n", "Issued", cert.Issued)
	if cert.RevocationReason != "" {
		fmt.Printf("  %-15v: %v\n", "Reason", cert.RevocationReason)
	}
	if reply.ChainProof != nil {
		fmt.Printf("  %-15v: %v\n", "Block", reply.ChainProof.BlockIndex)
		fmt.Printf("  %-15v: %v\n", "Block hash",
			reply.ChainProof.BlockHash)
		fmt.Printf("  %-15v: %v\n", "Chain ok", reply.ChainProof.ChainOk)
	}
	return nil
}

func revoke(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("revoke requires <certificateid> [reason]")
	}
	if *issuerID == "" && *role != v1.RoleAdmin {
		return fmt.Errorf("revoke requires -issuerid")
	}
	rev := v1.Revoke{
		ID:            certledgerClientID,
		Role:          *role,
		IssuerID:      *issuerID,
		CertificateID: args[0],
		Reason:        strings.Join(args[1:], " "),
	}

	body, err := post(v1.RevokeRoute, rev)
	if err != nil {
		return err
	}
	if *printJson {
		return nil
	}

	var reply v1.RevokeReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return fmt.Errorf("could not decode RevokeReply: %v", err)
	}
	result, ok := v1.Result[reply.Result]
	if !ok {
		return fmt.Errorf("invalid result code %v", reply.Result)
	}
	if reply.Result != v1.ResultOK {
		return fmt.Errorf("revoke: %v", result)
	}

	fmt.Printf("%v Revoked\n", reply.CertificateID)
	if *verbose {
		fmt.Printf("  %-15v: %v\n", "Block", reply.BlockIndex)
		fmt.Printf("  %-15v: %v\n", "Block hash", reply.BlockHash)
	}
	return nil
}

func certificates(args []string) error {
	c := v1.Certificates{
		ID: certledgerClientID,
	}
	for _, a := range args {
		if !v1.RegexpCertificateID.MatchString(a) {
			return fmt.Errorf("not a certificate id: %v", a)
		}
		c.CertificateIDs = append(c.CertificateIDs, a)
	}
	if len(c.CertificateIDs) == 0 {
		if *issuerID == "" {
			return fmt.Errorf("certificates requires certificate " +
				"ids or -issuerid")
		}
		c.IssuerID = *issuerID
	}

	body, err := post(v1.CertificatesRoute, c)
	if err != nil {
		return err
	}
	if *printJson {
		return nil
	}

	var reply v1.CertificatesReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return fmt.Errorf("could not decode CertificatesReply: %v", err)
	}
	for _, cert := range reply.Certificates {
		fmt.Printf("%v %v %v %v\n", cert.CertificateID, cert.Status,
			cert.IssuerID, cert.CourseName)
	}
	return nil
}

func info() error {
	body, err := post(v1.ChainInfoRoute, nil)
	if err != nil {
		return err
	}
	if *printJson {
		return nil
	}

	var reply v1.ChainInfoReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return fmt.Errorf("could not decode ChainInfoReply: %v", err)
	}
	fmt.Printf("%-15v: %v\n", "Blocks", reply.Blocks)
	fmt.Printf("%-15v: %v\n", "Certificates", reply.Certificates)
	fmt.Printf("%-15v: %v\n", "Active", reply.Active)
	fmt.Printf("%-15v: %v\n", "Revoked", reply.Revoked)
	fmt.Printf("%-15v: %v\n", "Latest hash", reply.LatestHash)
	return nil
}

func validate() error {
	body, err := post(v1.ValidateRoute, nil)
	if err != nil {
		return err
	}
	if *printJson {
		return nil
	}

	var reply v1.ValidateReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return fmt.Errorf("could not decode ValidateReply: %v", err)
	}
	if !reply.Valid {
		return fmt.Errorf("chain INVALID: block %v: %v",
			reply.FailingIndex, reply.Reason)
	}
	fmt.Printf("Chain valid, %v blocks\n", reply.Blocks)
	return nil
}

func publicKey(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("publickey requires <issuerid>")
	}
	body, err := post(v1.RoutePrefix+"/publickey/"+args[0], nil)
	if err != nil {
		return err
	}
	if *printJson {
		return nil
	}

	var reply v1.PublicKeyReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return fmt.Errorf("could not decode PublicKeyReply: %v", err)
	}
	fmt.Print(reply.PublicKey)
	return nil
}

func usage() error {
	return fmt.Errorf("usage: certledger [flags] " +
		"{issue, verify, revoke, certificates, info, validate, " +
		"publickey} [args]")
}

func _main() error {
	flag.Parse()
	if flag.NArg() == 0 {
		return usage()
	}

	*host = normalizeAddress(*host, v1.DefaultPort)
	u, err := url.Parse("https://" + *host)
	if err != nil {
		return err
	}
	*host = u.String()

	args := flag.Args()[1:]
	switch flag.Arg(0) {
	case "issue":
		return issue(args)
	case "verify":
		return verify(args)
	case "revoke":
		return revoke(args)
	case "certificates":
		return certificates(args)
	case "info":
		return info()
	case "validate":
		return validate()
	case "publickey":
		return publicKey(args)
	}
	return usage()
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
