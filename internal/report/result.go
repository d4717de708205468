package report

import (
	"fmt"
	"time"
)

// Termination says which limit, if any, ended the run.
type Termination string

const (
	TerminationNone     Termination = ""
	TerminationCPUTime  Termination = "cputime"
	TerminationWallTime Termination = "walltime"
	TerminationMemory   Termination = "memory"
	TerminationKilled   Termination = "killed"
)

// Result is the usage of one run. Set once by the engine, never changed.
type Result struct {
	WallTime    time.Duration
	CPUTime     time.Duration
	MemoryUsage int64 // bytes
	ReturnValue int   // raw wait status: exit code << 8 | signal
	Energy      *float64

	// Not part of the record; logged and counted only.
	Termination Termination
	PID         int
}

// Exited reports whether the command exited normally, and with which code.
func (r *Result) Exited() (int, bool) {
	if r.ReturnValue&0x7f != 0 {
		return 0, false
	}
	return r.ReturnValue >> 8, true
}

// Signal returns the terminating signal, 0 if the command exited.
func (r *Result) Signal() int {
	return r.ReturnValue & 0x7f
}

// Outcome classifies the run for metrics.
func (r *Result) Outcome() string {
	if r.Termination != TerminationNone {
		return string(r.Termination)
	}
	if code, ok := r.Exited(); ok && code == 0 {
		return "success"
	}
	return "failure"
}

// Fields returns a summary for the diagnostic log.
func (r *Result) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"wall_seconds": r.WallTime.Seconds(),
		"cpu_seconds":  r.CPUTime.Seconds(),
		"memory_bytes": r.MemoryUsage,
		"returnvalue":  r.ReturnValue,
		"outcome":      r.Outcome(),
	}
	if r.Energy != nil {
		fields["energy_joules"] = *r.Energy
	}
	if r.PID > 0 {
		fields["pid"] = r.PID
	}
	return fields
}

func (r *Result) String() string {
	return fmt.Sprintf("Result[wall=%v cpu=%v mem=%d ret=%d]", r.WallTime, r.CPUTime, r.MemoryUsage, r.ReturnValue)
}
