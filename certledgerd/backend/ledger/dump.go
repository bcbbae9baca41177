// Copyright (c) 2024-2025 The certledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/certledger/certledger/certledgerd/backend"
)

// dumpBlock writes one block to the dump, either pretty printed or as a
// typed journal record.
func dumpBlock(f *os.File, human bool, b *Block) error {
	if human {
		fmt.Fprintf(f, "--- Block      : %v (%v)\n", b.Index, b.Kind)
		fmt.Fprintf(f, "Previous hash  : %x\n", b.PrevHash)
		fmt.Fprintf(f, "Hash           : %x\n", b.Hash)
		fmt.Fprintf(f, "Timestamp      : %v\n", b.Timestamp)
		if b.Kind == BlockKindGenesis {
			return nil
		}
		fmt.Fprintf(f, "Certificate    : %v\n", b.Record.CertificateID)
		fmt.Fprintf(f, "PII digest     : %x\n", b.Record.PIIDigest)
		fmt.Fprintf(f, "Course         : %v\n", b.Record.CourseName)
		fmt.Fprintf(f, "Issuer         : %v (%v)\n", b.Record.IssuerID,
			b.Record.IssuerName)
		if b.Kind == BlockKindRevoke {
			fmt.Fprintf(f, "Revocation     : %q\n",
				b.Record.RevocationReason)
		}
		return nil
	}

	e := json.NewEncoder(f)
	rt := backend.RecordType{
		Version: backend.RecordTypeVersion,
		Type:    backend.RecordTypeBlock,
	}
	err := e.Encode(rt)
	if err != nil {
		return err
	}
	return e.Encode(b)
}

// Dump walks the chain in order and dumps the content to either human
// readable or JSON journal format.
//
// Dump satisfies the backend interface.
func (l *Ledger) Dump(f *os.File, human bool) error {
	l.RLock()
	defer l.RUnlock()

	for i := range l.blocks {
		err := dumpBlock(f, human, &l.blocks[i])
		if err != nil {
			return err
		}
	}
	return nil
}

// restoreBlock verifies contiguity and appends one journal block.
func (l *Ledger) restoreBlock(verbose bool, b Block) error {
	if verbose {
		fmt.Printf("%v %v %x\n", b.Index, b.Kind, b.Hash)
	}
	return l.appendBlock(b)
}

// Restore reads a JSON journal and recreates the block database.  The
// target database must be empty; restoring over existing blocks would
// destroy the audit trail.
//
// Restore satisfies the backend interface.
func (l *Ledger) Restore(f *os.File, verbose bool, location string) error {
	l.Lock()
	defer l.Unlock()

	if len(l.blocks) != 0 {
		return fmt.Errorf("ledger not empty: %v", location)
	}

	d := json.NewDecoder(f)
	state := 0
	for {
		switch state {
		case 0:
			// Type
			var t backend.RecordType
			err := d.Decode(&t)
			if errors.Is(err, io.EOF) {
				return nil
			} else if err != nil {
				return err
			}

			// Check version we understand
			if t.Version != backend.RecordTypeVersion {
				return fmt.Errorf("unknown version %v",
					t.Version)
			}

			// Determine record type
			switch t.Type {
			case backend.RecordTypeBlock:
				state = 1
			default:
				return fmt.Errorf("invalid record type: %v",
					t.Type)
			}
		case 1:
			// Block
			var b Block
			err := d.Decode(&b)
			if err != nil {
				return err
			}
			err = l.restoreBlock(verbose, b)
			if err != nil {
				return err
			}
			state = 0
		default:
			// Illegal
			return fmt.Errorf("invalid state %v", state)
		}
	}
}
