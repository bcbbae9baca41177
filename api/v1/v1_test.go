// Copyright (c) 2024-2025 The certledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package v1

import "testing"

func TestCertificateIDRegexp(t *testing.T) {
	valid := []string{
		"ABCDEF0123456789",
		"0000000000000000",
		"FFFFFFFFFFFFFFFF",
	}
	invalid := []string{
		"",
		"abcdef0123456789",     // lowercase
		"ABCDEF012345678",      // too short
		"ABCDEF01234567890",    // too long
		"GBCDEF0123456789",     // not hex
		"ABCDEF0123456789 ",    // trailing garbage
		" ABCDEF0123456789",    // leading garbage
		"ABCDEF\n0123456789",   // embedded newline
		"ABCDEF0123456789\nAB", // multiline
	}

	for _, v := range valid {
		if !RegexpCertificateID.MatchString(v) {
			t.Errorf("%q should match", v)
		}
	}
	for _, v := range invalid {
		if RegexpCertificateID.MatchString(v) {
			t.Errorf("%q should not match", v)
		}
	}
}

func TestSHA256Regexp(t *testing.T) {
	valid := []string{
		"22e88c7d5da9e1a615a93e50043e5d7f3ee8e3e1ff81fd4dd36de2cb5f3c6f20",
		"22E88C7D5DA9E1A615A93E50043E5D7F3EE8E3E1FF81FD4DD36DE2CB5F3C6F20",
	}
	invalid := []string{
		"",
		"22e88c7d5da9e1a615a93e50043e5d7f3ee8e3e1ff81fd4dd36de2cb5f3c6f2",
		"22e88c7d5da9e1a615a93e50043e5d7f3ee8e3e1ff81fd4dd36de2cb5f3c6f200",
		"z2e88c7d5da9e1a615a93e50043e5d7f3ee8e3e1ff81fd4dd36de2cb5f3c6f20",
	}

	for _, v := range valid {
		if !RegexpSHA256.MatchString(v) {
			t.Errorf("%q should match", v)
		}
	}
	for _, v := range invalid {
		if RegexpSHA256.MatchString(v) {
			t.Errorf("%q should not match", v)
		}
	}
}

func TestIssuerIDRegexp(t *testing.T) {
	valid := []string{"MIT001", "x", "a1B2c3"}
	invalid := []string{"", "MIT 001", "MIT-001", "../etc", "MIT001\n"}

	for _, v := range valid {
		if !RegexpIssuerID.MatchString(v) {
			t.Errorf("%q should match", v)
		}
	}
	for _, v := range invalid {
		if RegexpIssuerID.MatchString(v) {
			t.Errorf("%q should not match", v)
		}
	}
}
