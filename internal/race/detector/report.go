package detector

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kolkov/racecore/internal/race/epoch"
	"github.com/kolkov/racecore/internal/race/shadowmem"
	"github.com/kolkov/racecore/internal/race/stackdepot"
)

// Race type constants for deduplication and reporting. The first word is the current
// access, the second the previous one, with "read-write" naming a write after a read.
const (
	// RaceTypeWriteWrite indicates a write-write data race.
	RaceTypeWriteWrite = "write-write"
	// RaceTypeReadWrite indicates a write racing with an earlier read.
	RaceTypeReadWrite = "read-write"
	// RaceTypeWriteRead indicates a read racing with an earlier write.
	RaceTypeWriteRead = "write-read"
	// RaceTypeUseAfterFree indicates an access racing with an earlier free.
	RaceTypeUseAfterFree = "use-after-free"
)

// AccessInfo represents information about a single memory access.
type AccessInfo struct {
	// ThreadID is the runtime identity of the accessing thread (the goroutine id for
	// the Go API). For the previous access it is the last thread attached to Sid.
	ThreadID int64

	Sid   epoch.Sid
	Epoch epoch.Epoch

	// PC is the program counter of the access, 0 if unknown.
	PC uintptr

	// Addr and Size are the accessed bytes. For the previous access they are limited to
	// the shadow cell the race was found in.
	Addr uintptr
	Size uintptr

	Type shadowmem.AccessType

	// Stack is the call stack, innermost frame first.
	Stack []uintptr
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (a AccessInfo) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("type", a.Type.String())
	enc.AddString("addr", fmt.Sprintf("0x%x", a.Addr))
	enc.AddUint64("size", uint64(a.Size))
	enc.AddInt64("goroutine", a.ThreadID)
	enc.AddString("sid", a.Sid.String())
	enc.AddUint32("epoch", uint32(a.Epoch))
	if loc := a.Location(); loc != "" {
		enc.AddString("location", loc)
	}
	return nil
}

// Location returns "function file:line" of the innermost user frame, or "".
func (a AccessInfo) Location() string {
	if len(a.Stack) == 0 {
		return ""
	}
	frames := runtime.CallersFrames(a.Stack)
	for {
		f, more := frames.Next()
		if f.PC != 0 && !strings.HasPrefix(f.Function, "runtime.") {
			return fmt.Sprintf("%s %s:%d", f.Function, f.File, f.Line)
		}
		if !more {
			return ""
		}
	}
}

// RaceReport represents a detected data race between two accesses.
type RaceReport struct {
	// Kind is one of the RaceType constants.
	Kind string

	// Addr is the first byte both accesses touched.
	Addr uintptr

	// Current is the access that found the race.
	Current AccessInfo

	// Previous is the earlier conflicting access.
	Previous AccessInfo

	// DeduplicationKey identifies the race location.
	// Format: "{kind}:{addr}:{id1}:{id2}" where id1 <= id2.
	DeduplicationKey string
}

// raceKind classifies the pair of accesses.
func raceKind(cur, prev shadowmem.AccessType) string {
	switch {
	case prev.IsFree():
		return RaceTypeUseAfterFree
	case prev.IsRead():
		return RaceTypeReadWrite
	case cur.IsRead():
		return RaceTypeWriteRead
	default:
		return RaceTypeWriteWrite
	}
}

// generateDeduplicationKey generates a unique key for a race location.
//
// The thread ids are sorted so that a race between A and B at address X gets the same
// key regardless of which thread detected it.
//
// Example:
//
//	key := generateDeduplicationKey(RaceTypeWriteWrite, 0x1234, 5, 3)
//	// Returns: "write-write:0x1234:3:5"
func generateDeduplicationKey(kind string, addr uintptr, id1, id2 int64) string {
	return fmt.Sprintf("%s:0x%x:%d:%d", kind, addr, min(id1, id2), max(id1, id2))
}

// newRaceReport builds the report of a race found at addr.
func newRaceReport(addr uintptr, cur, prev AccessInfo) *RaceReport {
	kind := raceKind(cur.Type, prev.Type)
	return &RaceReport{
		Kind:             kind,
		Addr:             addr,
		Current:          cur,
		Previous:         prev,
		DeduplicationKey: generateDeduplicationKey(kind, addr, cur.ThreadID, prev.ThreadID),
	}
}

// accessTitle capitalizes an access type for the report header.
func accessTitle(t shadowmem.AccessType) string {
	s := t.String()
	return strings.ToUpper(s[:1]) + s[1:]
}

// Format writes the report in the layout of Go's official race detector:
//
//	==================
//	WARNING: DATA RACE
//	Write at 0x00c0000180a0 by goroutine 7:
//	  main.writer()
//	      /path/to/file.go:10 +0x48
//
//	Previous write at 0x00c0000180a0 by goroutine 6:
//	  main.worker()
//	      /path/to/file.go:25 +0x5c
//	==================
//
//nolint:errcheck // Error handling omitted for report output formatting
func (r *RaceReport) Format(w io.Writer) {
	fmt.Fprintf(w, "==================\n")
	fmt.Fprintf(w, "WARNING: DATA RACE\n")
	r.formatAccess(w, "", &r.Current)
	fmt.Fprintf(w, "\n")
	r.formatAccess(w, "Previous ", &r.Previous)
	fmt.Fprintf(w, "==================\n")
}

//nolint:errcheck
func (r *RaceReport) formatAccess(w io.Writer, prefix string, a *AccessInfo) {
	title := accessTitle(a.Type)
	if prefix != "" {
		title = strings.ToLower(title)
	}
	fmt.Fprintf(w, "%s%s at 0x%016x by goroutine %d:\n", prefix, title, a.Addr, a.ThreadID)
	fmt.Fprint(w, (&stackdepot.StackTrace{PC: a.Stack}).FormatStack())
	fmt.Fprintf(w, "  [epoch: %v@%d]\n", a.Sid, a.Epoch)
}

// String returns the formatted report.
func (r *RaceReport) String() string {
	var buf strings.Builder
	r.Format(&buf)
	return buf.String()
}

// Reporter receives race reports. The detector serializes calls.
type Reporter interface {
	Report(r *RaceReport)
}

// ZapReporter logs each race at Warn level with structured fields.
type ZapReporter struct {
	log *zap.Logger
}

// NewZapReporter creates a reporter logging to log.
func NewZapReporter(log *zap.Logger) *ZapReporter {
	return &ZapReporter{log: log}
}

// Report implements Reporter.
func (z *ZapReporter) Report(r *RaceReport) {
	z.log.Warn("DATA RACE",
		zap.String("kind", r.Kind),
		zap.String("addr", fmt.Sprintf("0x%x", r.Addr)),
		zap.Object("current", r.Current),
		zap.Object("previous", r.Previous),
	)
}

const (
	colorRed   = "\x1b[31m"
	colorReset = "\x1b[0m"
)

// TextReporter writes reports in the official text layout. The header is colored when
// the writer is a terminal.
type TextReporter struct {
	w     io.Writer
	color bool
}

// NewTextReporter creates a reporter writing to w.
func NewTextReporter(w io.Writer) *TextReporter {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &TextReporter{w: w, color: color}
}

// Report implements Reporter.
//
//nolint:errcheck
func (t *TextReporter) Report(r *RaceReport) {
	if !t.color {
		r.Format(t.w)
		return
	}
	text := strings.Replace(r.String(), "WARNING: DATA RACE", colorRed+"WARNING: DATA RACE"+colorReset, 1)
	io.WriteString(t.w, text)
}

// CollectingReporter keeps every report in memory.
type CollectingReporter struct {
	mu      sync.Mutex
	reports []*RaceReport
}

// Report implements Reporter.
func (c *CollectingReporter) Report(r *RaceReport) {
	c.mu.Lock()
	c.reports = append(c.reports, r)
	c.mu.Unlock()
}

// Reports returns the collected reports in arrival order.
func (c *CollectingReporter) Reports() []*RaceReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*RaceReport(nil), c.reports...)
}

// Len returns the number of collected reports.
func (c *CollectingReporter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reports)
}
