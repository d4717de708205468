// Package engine runs one command under resource limits and measures what
// it consumed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benchcloud/cloudrunexec/internal/config"
	"github.com/benchcloud/cloudrunexec/internal/logging"
	"github.com/benchcloud/cloudrunexec/internal/report"
)

// ErrKilled is returned by Run when Kill was called before the command
// could be started.
var ErrKilled = errors.New("run was killed before it started")

// Engine executes a single command.
type Engine interface {
	// Run blocks until the command and its process group are gone.
	Run(ctx context.Context, req Request) (*report.Result, error)
	// Kill terminates the run. Safe to call at any time and more than once.
	Kill()
}

// Request describes one run.
type Request struct {
	RunID      string
	Command    []string
	Limits     config.Limits
	OutputPath string
	// CPUIndex is the first CPU to pin to when a core limit is set.
	CPUIndex     *int
	// Env is the command's complete environment, KEY=VALUE.
	Env          []string
	WorkDir      string
	MaxLogSizeMB int
}

// Options configure the process engine.
type Options struct {
	Logger               *logging.Logger
	CgroupRoot           string
	PowercapRoot         string
	WallTimeSlack        time.Duration
	MemorySampleInterval time.Duration
	// KillGrace is the time between SIGTERM and SIGKILL. Zero sends
	// SIGKILL right away.
	KillGrace time.Duration
}

// DefaultWallTimeSlack is added to the time limit before the wall-clock
// timer kills the run.
const DefaultWallTimeSlack = 10 * time.Second

// EngineError is a failure of the engine itself, as opposed to a command
// that ran and failed.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("execution engine: %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Factory builds an engine. The wrapper takes one so tests can swap in a
// fake.
type Factory func(Options) (Engine, error)

// New returns the process engine.
func New(opts Options) (Engine, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.WallTimeSlack <= 0 {
		opts.WallTimeSlack = DefaultWallTimeSlack
	}
	return newProcessEngine(opts), nil
}
