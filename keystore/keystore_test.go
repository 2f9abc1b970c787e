// Copyright (c) 2018 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keystore

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/companyzero/zkchannel/zkidentity"
)

func TestMain(m *testing.M) {
	// cheap scrypt parameters, this is not a kdf strength test
	SetNrp(1024, 8, 1)
	os.Exit(m.Run())
}

func TestSealOpen(t *testing.T) {
	alice, err := zkidentity.New("alice mcmoo", "alice")
	if err != nil {
		t.Fatal(err)
	}

	packed, err := Seal(alice, "sikrit")
	if err != nil {
		t.Fatal(err)
	}

	fi, err := Open(packed, "sikrit")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(fi, alice) {
		t.Fatalf("identity mangled")
	}
}

func TestWrongPassphrase(t *testing.T) {
	alice, err := zkidentity.New("alice mcmoo", "alice")
	if err != nil {
		t.Fatal(err)
	}

	packed, err := Seal(alice, "sikrit")
	if err != nil {
		t.Fatal(err)
	}

	if _, err = Open(packed, "SIKRIT"); err != ErrDecrypt {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestTruncated(t *testing.T) {
	if _, err := Open([]byte("short"), "sikrit"); err != ErrTooShort {
		t.Fatalf("expected ErrTooShort, got %v", err)
	}
}

func TestSaveLoad(t *testing.T) {
	alice, err := zkidentity.New("alice mcmoo", "alice")
	if err != nil {
		t.Fatal(err)
	}

	filename := filepath.Join(t.TempDir(), "identity.blob")
	if Exists(filename) {
		t.Fatalf("blob cannot exist yet")
	}
	if err = Save(filename, alice, "sikrit"); err != nil {
		t.Fatal(err)
	}
	if !Exists(filename) {
		t.Fatalf("blob not on disk")
	}

	fi, err := Load(filename, "sikrit")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(fi, alice) {
		t.Fatalf("identity mangled")
	}
}
