// Copyright (c) 2024 The kstream developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btclog"

	"github.com/kstream/kstream"
	"github.com/kstream/kstream/build"
	"github.com/kstream/kstream/krist"
	"github.com/kstream/kstream/ksocket"
	"github.com/kstream/kstream/statemgr"
	"github.com/kstream/kstream/txstream"
)

// logWriter fans log output out to stdout and, once the rotator is
// initialized, a rotating file in the log directory.
var (
	logWriter  = &build.LogWriter{}
	backendLog = btclog.NewBackend(logWriter)

	log = backendLog.Logger("CTRL")
)

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"CTRL": log,
	"KSTR": backendLog.Logger("KSTR"),
	"KAPI": backendLog.Logger("KAPI"),
	"STAT": backendLog.Logger("STAT"),
	"TSTR": backendLog.Logger("TSTR"),
	"KSCK": backendLog.Logger("KSCK"),
}

func init() {
	kstream.UseLogger(subsystemLoggers["KSTR"])
	krist.UseLogger(subsystemLoggers["KAPI"])
	statemgr.UseLogger(subsystemLoggers["STAT"])
	txstream.UseLogger(subsystemLoggers["TSTR"])
	ksocket.UseLogger(subsystemLoggers["KSCK"])
}

// setLogLevel sets the logging level for the provided subsystem.  Invalid
// subsystems are ignored.
func setLogLevel(subsystemID string, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level.
func setLogLevels(logLevel string) {
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}

// validLogLevel returns whether logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical":
		return true
	}
	return false
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimiters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") &&
		!strings.Contains(debugLevel, "=") {

		if !validLogLevel(debugLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", debugLevel)
		}
		setLogLevels(debugLevel)
		return nil
	}

	// Split the specified string into subsystem/level pairs while
	// detecting issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			return fmt.Errorf("the specified debug level contains "+
				"an invalid subsystem/level pair [%v]",
				logLevelPair)
		}
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		if _, exists := subsystemLoggers[subsysID]; !exists {
			return fmt.Errorf("the specified subsystem [%v] is "+
				"invalid -- supported subsystems %v", subsysID,
				supportedSubsystems())
		}
		if !validLogLevel(logLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", logLevel)
		}
		setLogLevel(subsysID, logLevel)
	}
	return nil
}
