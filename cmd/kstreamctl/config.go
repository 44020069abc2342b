// Copyright (c) 2024 The kstream developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultLogFilename = "kstreamctl.log"
	defaultDebugLevel  = "info"
	defaultLogFileSize = 10 // megabytes
	defaultLogFiles    = 3
)

// config defines the configuration options for kstreamctl.
type config struct {
	ShowVersion  bool   `short:"V" long:"version" description:"Display version information and exit"`
	DataDir      string `short:"b" long:"datadir" description:"Stream state directory"`
	LogDir       string `long:"logdir" description:"Directory to log output"`
	DebugLevel   string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical} or subsystem=level pairs"`
	Endpoint     string `long:"endpoint" description:"Base URL of the node (create)"`
	Address      string `long:"address" description:"Restrict the stream to one address (create)"`
	IncludeMined bool   `long:"includemined" description:"Observe mining reward transactions (create)"`
	FromStart    bool   `long:"fromstart" description:"Deliver every transaction the node remembers instead of starting at the tail (create)"`
	PrivateKey   string `long:"privatekey" description:"Private key authorizing sends (send)"`
	Revision     uint64 `long:"revision" description:"Promote a prepared snapshot at this revision on open"`
	HasRevision  bool   `long:"userevision" description:"Apply the value of --revision on open"`
}

// defaultDataDir returns the default stream directory under the user's home.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".kstreamctl")
}

// loadConfig initializes and parses the config using command line options.
// It returns the parsed config and the remaining positional arguments (the
// command verb and its operands).
func loadConfig() (*config, []string, error) {
	cfg := config{
		DataDir:    defaultDataDir(),
		DebugLevel: defaultDebugLevel,
	}

	parser := flags.NewParser(&cfg, flags.Default)
	parser.Usage = "[options] <create|balance|send|watch> [args]"
	remaining, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok &&
			e.Type == flags.ErrHelp {

			os.Exit(0)
		}
		return nil, nil, err
	}

	if cfg.ShowVersion {
		fmt.Println(appName, "version", version)
		os.Exit(0)
	}

	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.DataDir, "logs")
	}
	if err := logWriter.InitLogRotator(
		filepath.Join(cfg.LogDir, defaultLogFilename),
		defaultLogFileSize, defaultLogFiles,
	); err != nil {
		return nil, nil, fmt.Errorf("cannot initialize log "+
			"rotator: %v", err)
	}

	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return nil, nil, err
	}

	return &cfg, remaining, nil
}
