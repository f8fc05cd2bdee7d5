// Package nlog is the daemon's leveled logger: Infoln/Warningln/Errorln
// plus a FastV verbosity gate consulted on hot paths before expensive
// log-line construction.
package nlog

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

var (
	std     = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds)
	verbose int32
)

// SetVerbosity sets the global verbosity level consulted by FastV.
func SetVerbosity(v int) { atomic.StoreInt32(&verbose, int32(v)) }

// FastV reports whether logging at the given level for the given module is
// enabled. Callers gate expensive log-line construction behind it:
//
//	if nlog.FastV(5, "encoder") { nlog.Infof("...") }
func FastV(level int, _module string) bool {
	return atomic.LoadInt32(&verbose) >= int32(level)
}

func Infoln(v ...any)             { std.Output(2, "I "+fmt.Sprintln(v...)) }
func Infof(f string, v ...any)    { std.Output(2, "I "+fmt.Sprintf(f, v...)) }
func Warningln(v ...any)          { std.Output(2, "W "+fmt.Sprintln(v...)) }
func Warningf(f string, v ...any) { std.Output(2, "W "+fmt.Sprintf(f, v...)) }
func Errorln(v ...any)            { std.Output(2, "E "+fmt.Sprintln(v...)) }
func Errorf(f string, v ...any)   { std.Output(2, "E "+fmt.Sprintf(f, v...)) }

// Flush is a no-op; the standard logger writes unbuffered. Kept so
// shutdown paths can flush unconditionally.
func Flush() {}
