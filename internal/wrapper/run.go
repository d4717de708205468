package wrapper

// The wrapper never interprets the command's outcome. A command that fails
// is a successful run with a non-zero returnvalue; only a failure of the
// wrapper itself suppresses the record.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/benchcloud/cloudrunexec/internal/cancel"
	"github.com/benchcloud/cloudrunexec/internal/config"
	"github.com/benchcloud/cloudrunexec/internal/engine"
	"github.com/benchcloud/cloudrunexec/internal/environ"
	"github.com/benchcloud/cloudrunexec/internal/logging"
	"github.com/benchcloud/cloudrunexec/internal/report"
)

// Options wire a run to its surroundings. Zero values fall back to the
// process engine, the real environment and stdout/stderr.
type Options struct {
	NewEngine     engine.Factory
	EngineOptions engine.Options
	Lookup        environ.LookupFunc
	Environ       func() []string // base environment of the command
	Slot          *cancel.Slot
	Logger        *logging.Logger

	Stdout io.Writer // result record only
	Stderr io.Writer // debug summary

	Format          report.Format
	MetricsTextfile string
}

func (o *Options) setDefaults() {
	if o.NewEngine == nil {
		o.NewEngine = engine.New
	}
	if o.Lookup == nil {
		o.Lookup = os.LookupEnv
	}
	if o.Environ == nil {
		o.Environ = os.Environ
	}
	if o.Slot == nil {
		o.Slot = cancel.NewSlot()
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.Format == "" {
		o.Format = report.FormatLiteral
	}
}

// Run executes one invocation: parse the positional arguments, prepare the
// environment, run the command and print its record. args excludes the
// program name.
func Run(ctx context.Context, args []string, opts Options) (*report.Result, error) {
	opts.setDefaults()

	inv, err := config.Parse(args)
	if err != nil {
		return nil, err
	}

	if inv.Run.Debug {
		opts.Logger.SetLevel(logging.DEBUG)
	}
	runID := uuid.NewString()
	logger := opts.Logger.WithField("run_id", runID)
	logger.Debug("invocation parsed", map[string]interface{}{
		"command": inv.Run.Command,
		"limits":  inv.Limits,
		"output":  inv.OutputPath,
	})

	if err := environ.Prepare(inv.Run.Env, opts.Lookup); err != nil {
		return nil, err
	}
	if inv.Run.Debug {
		writeSummary(opts.Stderr, inv)
	}

	engineOpts := opts.EngineOptions
	engineOpts.Logger = logger
	eng, err := opts.NewEngine(engineOpts)
	if err != nil {
		return nil, &engine.EngineError{Op: "construct", Err: err}
	}
	if opts.Slot.Publish(eng) {
		logger.Warn("termination requested before start")
	}

	result, err := eng.Run(ctx, engine.Request{
		RunID:        runID,
		Command:      inv.Run.Command,
		Limits:       inv.Limits,
		OutputPath:   inv.OutputPath,
		Env:          environ.Overlay(opts.Environ(), inv.Run.Env),
		MaxLogSizeMB: inv.Run.MaxLogfileSizeMB,
	})
	exportMetrics(opts.MetricsTextfile, inv.Limits, result, err, logger)
	if err != nil {
		var engineErr *engine.EngineError
		if errors.As(err, &engineErr) {
			return nil, err
		}
		return nil, &engine.EngineError{Op: "run", Err: err}
	}

	if err := report.Write(opts.Stdout, result, opts.Format); err != nil {
		return nil, fmt.Errorf("write result: %w", err)
	}
	return result, nil
}

// exportMetrics writes the textfile, if configured. Failing to write it
// never fails the run.
func exportMetrics(path string, limits config.Limits, result *report.Result, runErr error, logger *logging.Logger) {
	if path == "" {
		return
	}

	m := report.NewMetrics()
	byName := make(map[string]int64, len(limits))
	for kind, v := range limits {
		byName[string(kind)] = v
	}
	m.RecordLimits(byName)
	if runErr != nil || result == nil {
		m.RecordError()
	} else {
		m.RecordResult(result)
	}

	if err := report.WriteTextfile(path, m.Registry()); err != nil {
		logger.Warn("could not write metrics textfile", map[string]interface{}{"path": path, "error": err.Error()})
	}
}
