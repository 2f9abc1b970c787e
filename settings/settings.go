// Copyright (c) 2018 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// settings loads zknc configuration from an ini file.  This is separated
// out in order to be able to reuse it in various tests.
package settings

import (
	"errors"
	"strconv"
	"strings"

	"github.com/companyzero/zkchannel/wire"
	"github.com/mitchellh/go-homedir"
	"github.com/vaughan0/go-ini"
)

var (
	errIniNotFound = errors.New("not found")
)

// Settings is the collection of all zknc settings.
type Settings struct {
	// default section
	Root           string // root directory for zknc state
	Identity       string // identity blob filename
	Listen         string // listen address and port
	MaxMessageSize uint64 // largest accepted frame
	MaxPadding     uint64 // padding bound for outgoing frames
	RekeySeconds   uint64 // rekey interval, 0 disables

	// log section
	LogFile    string // log filename
	TimeFormat string // log time stamp format
	Debug      bool   // enable debug
	Trace      bool   // enable tracing
}

// New returns a default settings structure.
func New() *Settings {
	return &Settings{
		// default
		Root:           "~/.zknc",
		Identity:       "~/.zknc/identity.blob",
		Listen:         "127.0.0.1:12360",
		MaxMessageSize: wire.MaxMessageSize,
		MaxPadding:     512,
		RekeySeconds:   0,

		// log
		LogFile:    "~/.zknc/zknc.log",
		TimeFormat: "2006-01-02 15:04:05",
		Debug:      false,
		Trace:      false,
	}
}

// Load retrieves settings from an ini file.  Additionally it expands all ~
// to the current user home directory.
func (s *Settings) Load(filename string) error {
	// parse file
	cfg, err := ini.LoadFile(filename)
	if err != nil {
		return err
	}

	// obtain home for directory expansion
	home, err := homedir.Dir()
	if err != nil {
		return err
	}

	// root directory
	root, ok := cfg.Get("", "root")
	if ok {
		s.Root = root
	}
	s.Root = strings.Replace(s.Root, "~", home, 1)

	// identity blob
	identity, ok := cfg.Get("", "identity")
	if ok {
		s.Identity = identity
	}
	s.Identity = strings.Replace(s.Identity, "~", home, 1)

	// listen address
	listen, ok := cfg.Get("", "listen")
	if ok {
		s.Listen = listen
	}

	// frame size
	err = iniUint(cfg, &s.MaxMessageSize, "", "maxmessagesize")
	if err != nil && err != errIniNotFound {
		return err
	}

	// padding bound
	err = iniUint(cfg, &s.MaxPadding, "", "maxpadding")
	if err != nil && err != errIniNotFound {
		return err
	}

	// rekey interval
	err = iniUint(cfg, &s.RekeySeconds, "", "rekeyseconds")
	if err != nil && err != errIniNotFound {
		return err
	}

	// log file
	logFile, ok := cfg.Get("log", "logfile")
	if ok {
		s.LogFile = logFile
	}
	s.LogFile = strings.Replace(s.LogFile, "~", home, 1)

	// time format
	timeFormat, ok := cfg.Get("log", "timeformat")
	if ok {
		s.TimeFormat = timeFormat
	}

	// debug
	err = iniBool(cfg, &s.Debug, "log", "debug")
	if err != nil && err != errIniNotFound {
		return err
	}

	// trace
	err = iniBool(cfg, &s.Trace, "log", "trace")
	if err != nil && err != errIniNotFound {
		return err
	}

	return nil
}

func iniBool(cfg ini.File, p *bool, section, key string) error {
	v, ok := cfg.Get(section, key)
	if !ok {
		return errIniNotFound
	}
	switch strings.ToLower(v) {
	case "yes", "true", "1":
		*p = true
	case "no", "false", "0":
		*p = false
	default:
		return errors.New("invalid bool value: " + section + " " + key)
	}
	return nil
}

func iniUint(cfg ini.File, p *uint64, section, key string) error {
	v, ok := cfg.Get(section, key)
	if !ok {
		return errIniNotFound
	}
	u, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return err
	}
	*p = u
	return nil
}
