// Copyright (c) 2016,2018 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package zkutil

import (
	"fmt"
	"os"
	"path"

	"github.com/mitchellh/go-homedir"
)

const (
	appName = "zknc"

	verMajor = 0
	verMinor = 1
	verPatch = 0
)

func Version() string {
	return fmt.Sprintf("%d.%d.%d", verMajor, verMinor, verPatch)
}

func DefaultRootPath() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("homedir: %v", err)
	}
	return path.Join(home, "."+appName), nil
}

func DefaultConfPath() (string, error) {
	root, err := DefaultRootPath()
	if err != nil {
		return "", err
	}
	return path.Join(root, appName+".conf"), nil
}

func DefaultIdentityPath() (string, error) {
	root, err := DefaultRootPath()
	if err != nil {
		return "", err
	}
	return path.Join(root, "identity.blob"), nil
}

// MakeRoot creates the application root directory with sane permissions.
func MakeRoot() (string, error) {
	root, err := DefaultRootPath()
	if err != nil {
		return "", err
	}
	if err = os.MkdirAll(root, 0700); err != nil {
		return "", err
	}
	return root, nil
}
