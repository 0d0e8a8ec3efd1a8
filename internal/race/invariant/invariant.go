// Package invariant handles internal consistency failures of the detector.
//
// A failed invariant means the detector's own bookkeeping is corrupt (a clock went
// backwards, a slot was handed out twice, a shared clock was mutated in place). Continuing
// would silently poison every later verdict, so a failure is always fatal: it is logged with
// a dump of the offending state and then the runtime panics with a *Violation.
package invariant

import (
	"fmt"
	"sync/atomic"

	"github.com/davecgh/go-spew/spew"
	"go.uber.org/zap"
)

// Violation is the panic value raised by Failf.
type Violation struct {
	Msg  string
	Dump string
}

func (v *Violation) Error() string {
	return "racecore: internal invariant violated: " + v.Msg
}

var logger atomic.Pointer[zap.Logger]

var dumper = spew.ConfigState{
	Indent:                  "  ",
	DisableMethods:          true,
	DisablePointerAddresses: true,
	MaxDepth:                4,
}

// SetLogger installs the logger used to record violations. A nil logger disables logging.
func SetLogger(l *zap.Logger) {
	logger.Store(l)
}

// Failf reports a violated invariant and panics. state is dumped into the log entry and
// the panic value.
func Failf(state any, format string, args ...any) {
	v := &Violation{Msg: fmt.Sprintf(format, args...)}
	if state != nil {
		v.Dump = dumper.Sdump(state)
	}
	if l := logger.Load(); l != nil {
		l.Error("internal invariant violated",
			zap.String("msg", v.Msg),
			zap.String("state", v.Dump),
		)
	}
	panic(v)
}

// Check calls Failf when cond is false.
func Check(cond bool, state any, format string, args ...any) {
	if !cond {
		Failf(state, format, args...)
	}
}

// Recover converts a *Violation panic into an error; other panics propagate.
// It must be called directly by a deferred function.
func Recover(err *error) {
	r := recover()
	if r == nil {
		return
	}
	v, ok := r.(*Violation)
	if !ok {
		panic(r)
	}
	*err = v
}
