// Copyright (c) 2024-2025 The certledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/certledger/certledger/certledgerd/backend"
	"github.com/certledger/certledger/certledgerd/backend/ledger"
	"github.com/decred/dcrd/dcrutil/v4"
)

var (
	defaultHomeDir = dcrutil.AppDataDir("certledgerd", false)

	destination = flag.String("destination", "", "Restore destination")
	dumpJSON    = flag.Bool("json", false, "Dump JSON")
	restore     = flag.Bool("restore", false, "Restore backend, "+
		"-destination is required")
	fsRoot   = flag.String("source", "", "Source directory")
	validate = flag.Bool("validate", false, "Validate the chain instead "+
		"of dumping it")
)

func _main() error {
	flag.Parse()

	root := *fsRoot
	if root == "" {
		root = filepath.Join(defaultHomeDir, "data")
	}

	var (
		b   backend.Backend
		err error
	)
	if *restore {
		if *destination == "" {
			return fmt.Errorf("-destination must be set")
		}
		b, err = ledger.NewRestore(*destination)
		if err != nil {
			return err
		}
		defer b.Close()

		return b.Restore(os.Stdin, true, *destination)
	}

	b, err = ledger.NewDump(root)
	if err != nil {
		return err
	}
	defer b.Close()

	if *validate {
		vr, err := b.ValidateChain()
		if err != nil {
			return err
		}
		if !vr.Valid {
			return fmt.Errorf("chain INVALID: block %v: %v",
				vr.FailingIndex, vr.Reason)
		}
		fmt.Printf("Chain valid, %v blocks\n", vr.Blocks)
		return nil
	}

	if !*dumpJSON {
		fmt.Printf("=== Root: %v\n", root)
	}
	return b.Dump(os.Stdout, !*dumpJSON)
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
