// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package bin

import (
	"fmt"
	"io"
	"strings"

	"github.com/decred/slog"
)

// Every component constructor accepts a Logger. All logging should take place
// through the provided logger.
type Logger = slog.Logger

// Disabled is a Logger that discards all output. It is the default for leaf
// packages until UseLogger is called.
var Disabled = slog.Disabled

// LoggerMaker allows creation of new log subsystems with predefined levels.
type LoggerMaker struct {
	*slog.Backend
	DefaultLevel slog.Level
	Levels       map[string]slog.Level
}

// NewLoggerMaker parses the debug level string into a new *LoggerMaker. The
// debugLevel string can specify a single verbosity for the entire system
// ("trace", "debug", "info", "warn", "error", "critical") or the verbosity of
// individual subsystems as a comma-separated list of subsystem=level pairs,
// e.g. "RUNR=trace,CONN=debug".
func NewLoggerMaker(writer io.Writer, debugLevel string) (*LoggerMaker, error) {
	lm := &LoggerMaker{
		Backend:      slog.NewBackend(writer),
		Levels:       make(map[string]slog.Level),
		DefaultLevel: slog.LevelDebug,
	}

	// When the specified string doesn't have any delimiters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		lvl, ok := slog.LevelFromString(debugLevel)
		if !ok {
			return nil, fmt.Errorf("invalid debug log level: %s", debugLevel)
		}
		lm.DefaultLevel = lvl
		return lm, nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			return nil, fmt.Errorf("the specified debug level contains an "+
				"invalid subsystem/level pair: %s", logLevelPair)
		}

		fields := strings.Split(logLevelPair, "=")
		if len(fields) != 2 {
			return nil, fmt.Errorf("the specified debug level has an invalid "+
				"format: %s", logLevelPair)
		}
		subsysID, logLevel := fields[0], fields[1]

		// Validate log level.
		lvl, ok := slog.LevelFromString(logLevel)
		if !ok {
			return nil, fmt.Errorf("invalid debug log level: %s", logLevel)
		}
		lm.Levels[subsysID] = lvl
	}

	return lm, nil
}

// SetLevelsFromMap sets the levels for the subsystems identified by the map
// keys, if not already set from the debug level string given to
// NewLoggerMaker.
func (lm *LoggerMaker) SetLevelsFromMap(lvls map[string]slog.Level) {
	for name, lvl := range lvls {
		if _, set := lm.Levels[name]; !set {
			lm.Levels[name] = lvl
		}
	}
}

// SubLogger creates a Logger with a subsystem name "parent[name]", using any
// known log level for the parent subsystem, defaulting to the DefaultLevel if
// the parent does not have an explicitly set level.
func (lm *LoggerMaker) SubLogger(parent, name string) Logger {
	// Use the parent logger's log level, if set.
	level, ok := lm.Levels[parent]
	if !ok {
		level = lm.DefaultLevel
	}
	logger := lm.Backend.Logger(fmt.Sprintf("%s[%s]", parent, name))
	logger.SetLevel(level)
	return logger
}

// NewLogger creates a new Logger for the subsystem with the given name. If a
// log level is specified, it is used for the Logger. Otherwise the DefaultLevel
// is used.
func (lm *LoggerMaker) NewLogger(name string, level ...slog.Level) Logger {
	lvl := lm.DefaultLevel
	if lvlOverride, set := lm.Levels[name]; set {
		lvl = lvlOverride
	}
	if len(level) > 0 {
		lvl = level[0]
	}
	logger := lm.Backend.Logger(name)
	logger.SetLevel(lvl)
	return logger
}

// SimpleLogger creates a stand-alone Logger with the provided name and level
// writing to out. Intended for tests and quick tooling.
func SimpleLogger(name string, lvl slog.Level, out io.Writer) Logger {
	logger := slog.NewBackend(out).Logger(name)
	logger.SetLevel(lvl)
	return logger
}
