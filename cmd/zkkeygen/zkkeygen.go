// Copyright (c) 2018 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// zkkeygen creates a long lived zkchannel identity and stores it on disk,
// sealed with a passphrase.
package main

import (
	"fmt"
	"os"

	"github.com/companyzero/zkchannel/keystore"
	"github.com/companyzero/zkchannel/zkidentity"
	"github.com/companyzero/zkchannel/zkutil"
	"github.com/ogier/pflag"
	"golang.org/x/crypto/ssh/terminal"
)

func _main() error {
	name := pflag.StringP("name", "n", "", "identity name")
	nick := pflag.StringP("nick", "k", "", "identity nick")
	out := pflag.StringP("out", "o", "", "output filename")
	force := pflag.BoolP("force", "f", false, "overwrite existing identity")
	version := pflag.Bool("version", false, "show version")
	pflag.Parse()

	if *version {
		fmt.Fprintf(os.Stderr, "zkkeygen %s\n", zkutil.Version())
		return nil
	}

	if *name == "" || *nick == "" {
		return fmt.Errorf("both --name and --nick are required")
	}

	filename := *out
	if filename == "" {
		if _, err := zkutil.MakeRoot(); err != nil {
			return err
		}
		var err error
		filename, err = zkutil.DefaultIdentityPath()
		if err != nil {
			return err
		}
	}
	if keystore.Exists(filename) && !*force {
		return fmt.Errorf("%v exists, use --force to overwrite", filename)
	}

	fmt.Fprintf(os.Stderr, "passphrase: ")
	passphrase, err := terminal.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintf(os.Stderr, "\n")
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "again: ")
	again, err := terminal.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintf(os.Stderr, "\n")
	if err != nil {
		return err
	}
	if string(passphrase) != string(again) {
		return fmt.Errorf("passphrases do not match")
	}

	fi, err := zkidentity.New(*name, *nick)
	if err != nil {
		return fmt.Errorf("could not create identity: %v", err)
	}
	defer fi.Zero()

	err = keystore.Save(filename, fi, string(passphrase))
	if err != nil {
		return fmt.Errorf("could not save identity: %v", err)
	}

	fmt.Printf("identity created: %v\n", filename)
	fmt.Printf("fingerprint: %v\n", fi.Public.Fingerprint())

	return nil
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
