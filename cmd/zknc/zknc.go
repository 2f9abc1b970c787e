// Copyright (c) 2018 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// zknc is netcat over a zkchannel secure channel.  One side listens, the
// other dials; after a mutually authenticated handshake stdin is pumped to
// the peer and peer traffic to stdout.  An optional timer rotates the
// channel keys while traffic flows.
package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/companyzero/zkchannel/channel"
	"github.com/companyzero/zkchannel/debug"
	"github.com/companyzero/zkchannel/handshake"
	"github.com/companyzero/zkchannel/keystore"
	"github.com/companyzero/zkchannel/settings"
	"github.com/companyzero/zkchannel/zkutil"
	"github.com/ogier/pflag"
	"golang.org/x/crypto/ssh/terminal"
)

const idApp = 0

func obtainSettings() (*settings.Settings, bool, error) {
	// defaults
	s := settings.New()

	defaultConf, err := zkutil.DefaultConfPath()
	if err != nil {
		return nil, false, err
	}

	cfg := pflag.String("cfg", defaultConf, "config file")
	listen := pflag.BoolP("listen", "l", false, "listen instead of dial")
	rekey := pflag.Uint64P("rekey", "r", 0, "rekey interval in seconds")
	version := pflag.Bool("version", false, "show version")
	pflag.Parse()

	if *version {
		fmt.Fprintf(os.Stderr, "zknc %s\n", zkutil.Version())
		os.Exit(0)
	}

	// load file, missing config is not fatal since all settings have
	// sane defaults
	if err := s.Load(*cfg); err != nil && !os.IsNotExist(err) {
		return nil, false, err
	}

	if *rekey != 0 {
		s.RekeySeconds = *rekey
	}

	switch {
	case *listen:
		// address argument overrides the configured listen address
		if pflag.NArg() != 0 {
			s.Listen = pflag.Arg(0)
		}
	case pflag.NArg() == 1:
		s.Listen = pflag.Arg(0)
	default:
		return nil, false, fmt.Errorf("usage: zknc [-l] [address]")
	}

	return s, *listen, nil
}

func connect(s *settings.Settings, listen bool) (net.Conn, error) {
	if !listen {
		return net.Dial("tcp", s.Listen)
	}

	l, err := net.Listen("tcp", s.Listen)
	if err != nil {
		return nil, err
	}
	defer l.Close()
	return l.Accept()
}

func pump(s *settings.Settings, d *debug.Debug, conn net.Conn, keys *handshake.KeyMaterial) error {
	ch := channel.New(conn, keys, uint(s.MaxMessageSize))
	defer ch.Close()
	ch.SetPaddingPolicy(channel.RandomPadding(int(s.MaxPadding)))

	// first pump to finish takes the whole tool down
	errC := make(chan error, 2)

	// peer -> stdout
	go func() {
		for {
			data, err := ch.Receive()
			if err != nil {
				errC <- err
				return
			}
			if _, err = os.Stdout.Write(data); err != nil {
				errC <- err
				return
			}
		}
	}()

	// stdin -> peer
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if serr := ch.Send(buf[:n]); serr != nil {
					errC <- serr
					return
				}
			}
			if err != nil {
				if err == io.EOF {
					err = nil
				}
				errC <- err
				return
			}
		}
	}()

	if s.RekeySeconds != 0 {
		ticker := time.NewTicker(time.Duration(s.RekeySeconds) *
			time.Second)
		defer ticker.Stop()
		go func() {
			for range ticker.C {
				if err := ch.Rekey(); err != nil {
					return
				}
				d.Dbg(idApp, "rekey initiated, generation %v",
					ch.Generation())
			}
		}()
	}

	return <-errC
}

func _main() error {
	s, listen, err := obtainSettings()
	if err != nil {
		return err
	}

	if _, err = zkutil.MakeRoot(); err != nil {
		return err
	}
	d, err := debug.New(s.LogFile, s.TimeFormat)
	if err != nil {
		return err
	}
	d.Register(idApp, "[ZKNC]")
	if s.Debug {
		d.EnableDebug()
	}
	if s.Trace {
		d.EnableTrace()
	}

	fmt.Fprintf(os.Stderr, "passphrase: ")
	passphrase, err := terminal.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintf(os.Stderr, "\n")
	if err != nil {
		return err
	}
	fi, err := keystore.Load(s.Identity, string(passphrase))
	if err != nil {
		return fmt.Errorf("could not load identity %v: %v", s.Identity,
			err)
	}
	defer fi.Zero()

	conn, err := connect(s, listen)
	if err != nil {
		return err
	}
	defer conn.Close()

	hs := handshake.New(fi)
	keys, them, err := hs.Run(conn, uint(s.MaxMessageSize))
	if err != nil {
		d.Error(idApp, "handshake with %v: %v", conn.RemoteAddr(), err)
		return fmt.Errorf("handshake failed: %v", err)
	}
	d.Info(idApp, "established with %v", them.Fingerprint())
	fmt.Fprintf(os.Stderr, "peer: %v (%v)\n", them.Nick,
		them.Fingerprint())

	return pump(s, d, conn, keys)
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
