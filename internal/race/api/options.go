package api

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kolkov/racecore/internal/race/detector"
	"github.com/kolkov/racecore/internal/race/epoch"
)

// Option configures Init.
type Option func(*config)

type config struct {
	opts   detector.Options
	output io.Writer
}

func newConfig(options []Option) *config {
	cfg := &config{
		opts:   detector.DefaultOptions(),
		output: os.Stderr,
	}
	for _, o := range options {
		o(cfg)
	}
	if cfg.opts.Logger == nil {
		cfg.opts.Logger = newLogger(cfg.output)
	}
	if cfg.opts.Reporter == nil && cfg.opts.ReportBugs {
		cfg.opts.Reporter = detector.NewTextReporter(cfg.output)
	}
	return cfg
}

// WithLogger sets the logger for detector diagnostics. By default a console logger
// writes to the output.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.opts.Logger = l }
}

// WithReporter sets the race report sink. By default reports are written to the output
// in the text layout of Go's race detector.
func WithReporter(r detector.Reporter) Option {
	return func(c *config) { c.opts.Reporter = r }
}

// WithOutput sets where the default logger, the default reporter and the summary of
// Fini write. The default is stderr.
func WithOutput(w io.Writer) Option {
	return func(c *config) { c.output = w }
}

// WithReportBugs enables or disables race checks.
func WithReportBugs(on bool) Option {
	return func(c *config) { c.opts.ReportBugs = on }
}

// WithSuppressEqualAddresses enables or disables deduplication of repeated reports.
func WithSuppressEqualAddresses(on bool) Option {
	return func(c *config) { c.opts.SuppressEqualAddresses = on }
}

// WithDetectDeadlocks is accepted for compatibility; deadlocks are not detected.
func WithDetectDeadlocks(on bool) Option {
	return func(c *config) { c.opts.DetectDeadlocks = on }
}

// WithMaxEpoch lowers the epoch at which a thread moves to a fresh slot.
func WithMaxEpoch(e epoch.Epoch) Option {
	return func(c *config) { c.opts.MaxEpoch = e }
}

// WithSampleRate checks one in rate memory accesses.
func WithSampleRate(rate uint64) Option {
	return func(c *config) { c.opts.SampleRate = rate }
}

// newLogger builds the default console logger. Levels are colored when w is a
// terminal.
func newLogger(w io.Writer) *zap.Logger {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(zapcore.AddSync(w)), zap.InfoLevel)
	return zap.New(core).Named("race")
}
