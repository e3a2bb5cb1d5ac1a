// Package slog is a simple leveled logger with code location printing, tuned
// for tracing concurrent relay traffic. Each package declares
//
//	var log, chk = slog.New(os.Stderr)
//
// and uses the chk set for inline error guards: if err = f(); chk.E(err) {...}
package slog

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gookit/color"
)

const (
	Off = iota
	Fatal
	Error
	Warn
	Info
	Debug
	Trace
)

type (
	// Ln prints lists of interfaces with spaces in between.
	Ln func(a ...interface{})
	// F prints like fmt.Printf surrounded by log details.
	F func(format string, a ...interface{})
	// S prints a spew.Sdump for an interface slice.
	S func(a ...interface{})
	// C accepts a closure so the computation can be avoided if the level is
	// not being printed.
	C func(closure func() string)
	// Chk prints if there is an error and returns true, enabling one-line
	// guard clauses.
	Chk func(e error) bool
	// Err constructs an error from a format string, prints it, and returns
	// it so it can be handed up the call stack.
	Err func(format string, a ...interface{}) error

	// LevelPrinter is the set of printers available at each log level.
	LevelPrinter struct {
		Ln
		F
		S
		C
		Chk
		Err
	}
	LevelSpec struct {
		ID        int
		Name      string
		Colorizer func(a ...interface{}) string
	}
)

var (
	currentLevel atomic.Int32

	// LevelSpecs specifies the id, string name and color-printing function
	// for each log level.
	LevelSpecs = []LevelSpec{
		{Off, "   ", color.Bit24(0, 0, 0, false).Sprint},
		{Fatal, "FTL", color.Bit24(128, 0, 0, false).Sprint},
		{Error, "ERR", color.Bit24(255, 0, 0, false).Sprint},
		{Warn, "WRN", color.Bit24(0, 255, 0, false).Sprint},
		{Info, "INF", color.Bit24(255, 255, 0, false).Sprint},
		{Debug, "DBG", color.Bit24(0, 125, 255, false).Sprint},
		{Trace, "TRC", color.Bit24(125, 0, 255, false).Sprint},
	}
)

func init() {
	switch strings.ToUpper(os.Getenv("GODEBUG")) {
	case "1", "TRUE", "ON", "DEBUG":
		SetLogLevel(Debug)
	case "TRACE":
		SetLogLevel(Trace)
	case "INFO":
		SetLogLevel(Info)
	case "WARN":
		SetLogLevel(Warn)
	case "ERROR":
		SetLogLevel(Error)
	case "FATAL":
		SetLogLevel(Fatal)
	case "0", "OFF", "FALSE":
		SetLogLevel(Off)
	default:
		SetLogLevel(Info)
	}
}

// Log is the set of level printers used to write log entries.
type Log struct {
	F, E, W, I, D, T LevelPrinter
}

// Check is the set of level checkers that print a received error and report
// whether it was nil.
type Check struct {
	F, E, W, I, D, T Chk
}

// New returns a Log/Check pair writing to w.
func New(w io.Writer) (l *Log, c *Check) {
	l = &Log{
		F: getPrinter(Fatal, w),
		E: getPrinter(Error, w),
		W: getPrinter(Warn, w),
		I: getPrinter(Info, w),
		D: getPrinter(Debug, w),
		T: getPrinter(Trace, w),
	}
	c = &Check{
		F: l.F.Chk,
		E: l.E.Chk,
		W: l.W.Chk,
		I: l.I.Chk,
		D: l.D.Chk,
		T: l.T.Chk,
	}
	return
}

// GetStd returns a logger printing to stderr for packages that don't need
// the checker set.
func GetStd() (l *Log) {
	l, _ = New(os.Stderr)
	return
}

func SetLogLevel(l int) { currentLevel.Store(int32(l)) }

func GetLogLevel() (l int) { return int(currentLevel.Load()) }

// GetLoc returns the file:line of the caller at the given stack height,
// colored for terminal output.
func GetLoc(skip int) (output string) {
	_, file, line, _ := runtime.Caller(skip)
	output = color.Bit24(0, 128, 255, false).Sprint(file, ":", line)
	return
}

func joinStrings(a ...any) (s string) {
	for i := range a {
		s += fmt.Sprint(a[i])
		if i < len(a)-1 {
			s += " "
		}
	}
	return
}

func tsFmt() string { return time.Now().Format(time.StampMilli) }

func getPrinter(l int32, w io.Writer) LevelPrinter {
	print := func(text string) {
		fmt.Fprintf(w, "%s %s %s %s\n",
			tsFmt(),
			LevelSpecs[l].Colorizer(LevelSpecs[l].Name),
			text,
			GetLoc(3),
		)
	}
	return LevelPrinter{
		Ln: func(a ...interface{}) {
			if currentLevel.Load() < l {
				return
			}
			print(joinStrings(a...))
		},
		F: func(format string, a ...interface{}) {
			if currentLevel.Load() < l {
				return
			}
			print(fmt.Sprintf(format, a...))
		},
		S: func(a ...interface{}) {
			if currentLevel.Load() < l {
				return
			}
			print(spew.Sdump(a...))
		},
		C: func(closure func() string) {
			if currentLevel.Load() < l {
				return
			}
			print(closure())
		},
		Chk: func(e error) bool {
			if e == nil {
				return false
			}
			if currentLevel.Load() >= l {
				print(e.Error())
			}
			return true
		},
		Err: func(format string, a ...interface{}) error {
			if currentLevel.Load() >= l {
				print(fmt.Sprintf(format, a...))
			}
			return fmt.Errorf(format, a...)
		},
	}
}
