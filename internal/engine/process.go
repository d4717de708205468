package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/benchcloud/cloudrunexec/internal/cgroups"
	"github.com/benchcloud/cloudrunexec/internal/config"
	"github.com/benchcloud/cloudrunexec/internal/logging"
	"github.com/benchcloud/cloudrunexec/internal/observe"
	"github.com/benchcloud/cloudrunexec/internal/report"
)

const outputDrainTimeout = 2 * time.Second

// processEngine runs the command as a child in its own process group.
// One engine serves one run.
type processEngine struct {
	opts    Options
	logger  *logging.Logger
	cgroups *cgroups.Manager

	mu          sync.Mutex
	started     bool
	done        bool
	killed      bool
	pid         int
	cgroupPath  string
	termination report.Termination
}

func newProcessEngine(opts Options) *processEngine {
	return &processEngine{
		opts:    opts,
		logger:  opts.Logger,
		cgroups: cgroups.New(opts.CgroupRoot),
	}
}

// Run spawns the command, enforces the limits and blocks until it is gone.
func (e *processEngine) Run(ctx context.Context, req Request) (*report.Result, error) {
	if len(req.Command) == 0 {
		return nil, &EngineError{Op: "validate", Err: errors.New("empty command")}
	}

	e.mu.Lock()
	if e.killed {
		e.mu.Unlock()
		return nil, ErrKilled
	}
	if e.started {
		e.mu.Unlock()
		return nil, &EngineError{Op: "validate", Err: errors.New("engine already used")}
	}
	e.started = true
	e.mu.Unlock()

	logger := e.logger.WithField("run_id", req.RunID)
	checkHostCapacity(req.Limits, logger)

	out, err := createLogFile(req.OutputPath, req.Command, req.MaxLogSizeMB)
	if err != nil {
		return nil, &EngineError{Op: "output", Err: err}
	}

	// The child writes into our pipe instead of the file so the cap can be
	// enforced, and so leftovers holding the pipe can be killed once the
	// command itself has been reaped.
	pr, pw, err := os.Pipe()
	if err != nil {
		out.Close()
		return nil, &EngineError{Op: "pipe", Err: err}
	}

	cgroupPath, memoryInCgroup := e.createCgroup(req, logger)

	meter := observe.NewEnergyMeter(e.opts.PowercapRoot)
	meter.Start()
	timing := observe.NewTiming()

	cmd, joined, err := e.start(req, pw, cgroupPath, logger)
	if err != nil {
		pw.Close()
		pr.Close()
		out.Close()
		e.removeCgroup(cgroupPath, logger)
		return nil, &EngineError{Op: "start", Err: err}
	}
	pw.Close()

	copied := make(chan error, 1)
	go func() {
		_, err := io.Copy(out, pr)
		copied <- err
	}()

	pid := cmd.Process.Pid
	if cgroupPath != "" && !joined {
		if err := e.cgroups.Join(cgroupPath, pid); err != nil {
			logger.Warn("could not move command into cgroup", map[string]interface{}{"error": err.Error()})
			e.removeCgroup(cgroupPath, logger)
			cgroupPath, memoryInCgroup = "", false
		}
	}

	e.mu.Lock()
	e.pid = pid
	e.cgroupPath = cgroupPath
	killedEarly := e.killed
	e.mu.Unlock()
	if killedEarly {
		e.hardKill(pid, cgroupPath)
	}

	e.applyLimits(pid, req, memoryInCgroup, logger)
	logger.Debug("command started", map[string]interface{}{"pid": pid, "cgroup": cgroupPath})

	watchCtx, stopWatch := context.WithCancel(context.Background())
	watcher := observe.NewWatcher(pid, e.opts.MemorySampleInterval)
	watcher.Start(watchCtx)

	var wallTimer *time.Timer
	if secs, ok := req.Limits.Get(config.TimeLimit); ok {
		wallTimer = time.AfterFunc(time.Duration(secs)*time.Second+e.opts.WallTimeSlack, func() {
			logger.Warn("wall time limit reached, killing command", map[string]interface{}{"pid": pid})
			e.terminate(report.TerminationWallTime)
		})
	}
	stopCtx := context.AfterFunc(ctx, e.Kill)

	waitErr := cmd.Wait()
	timing.Complete()
	energy := meter.Stop()

	stopCtx()
	if wallTimer != nil {
		wallTimer.Stop()
	}
	stopWatch()
	watcher.Wait()

	e.mu.Lock()
	e.done = true
	termination := e.termination
	e.mu.Unlock()

	// Whatever the command left behind goes with it.
	e.killLeftovers(pid, cgroupPath)
	select {
	case err := <-copied:
		if err != nil {
			logger.Warn("copying command output failed", map[string]interface{}{"error": err.Error()})
		}
	case <-time.After(outputDrainTimeout):
		// Someone outside the process group still holds the pipe.
		logger.Warn("output pipe still open after command exited, closing it")
		pr.Close()
		<-copied
	}
	pr.Close()
	if err := out.Close(); err != nil {
		logger.Warn("closing output file failed", map[string]interface{}{"error": err.Error()})
	}
	if out.truncated {
		logger.Warn("output file truncated", map[string]interface{}{"limit_mb": req.MaxLogSizeMB})
	}

	state := cmd.ProcessState
	if state == nil {
		e.removeCgroup(cgroupPath, logger)
		return nil, &EngineError{Op: "wait", Err: waitErr}
	}

	result := e.measure(state, cgroupPath, watcher, timing, energy)
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		result.Termination = e.classify(ws.Signal(), termination, req.Limits, result.CPUTime, cgroupPath)
	}
	e.removeCgroup(cgroupPath, logger)

	logger.Info("command finished", result.Fields())
	return result, nil
}

func newCommand(req Request, stdio *os.File) *exec.Cmd {
	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	cmd.Env = append([]string{}, req.Env...)
	cmd.Dir = req.WorkDir
	cmd.Stdout = stdio
	cmd.Stderr = stdio
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
	return cmd
}

// start spawns the command. On cgroup v2 the child is created inside
// cgroupPath, so it never runs outside the cgroup's limits, and joined is
// true. Otherwise, or when the kernel refuses, the caller moves it in after
// the fact.
func (e *processEngine) start(req Request, stdio *os.File, cgroupPath string, logger *logging.Logger) (*exec.Cmd, bool, error) {
	if cgroupPath != "" && e.cgroups.Unified() {
		cmd, err := startInCgroup(req, stdio, cgroupPath)
		if err == nil {
			return cmd, true, nil
		}
		logger.Debug("could not spawn into cgroup, joining after start", map[string]interface{}{"error": err.Error()})
	}

	cmd := newCommand(req, stdio)
	return cmd, false, cmd.Start()
}

func startInCgroup(req Request, stdio *os.File, cgroupPath string) (*exec.Cmd, error) {
	dir, err := os.Open(cgroupPath)
	if err != nil {
		return nil, err
	}
	defer dir.Close()

	cmd := newCommand(req, stdio)
	if !setCgroupFD(cmd.SysProcAttr, int(dir.Fd())) {
		return nil, errors.ErrUnsupported
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Kill terminates the process group. Before Run it makes Run refuse to
// start, after Run it does nothing.
func (e *processEngine) Kill() {
	e.terminate(report.TerminationKilled)
}

func (e *processEngine) terminate(reason report.Termination) {
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return
	}
	e.killed = true
	if e.termination == report.TerminationNone {
		e.termination = reason
	}
	pid, cgroupPath := e.pid, e.cgroupPath
	e.mu.Unlock()

	if pid == 0 {
		return // not started yet, Run checks killed
	}

	if e.opts.KillGrace <= 0 {
		e.hardKill(pid, cgroupPath)
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	time.AfterFunc(e.opts.KillGrace, func() {
		e.mu.Lock()
		done := e.done
		e.mu.Unlock()
		if !done {
			e.hardKill(pid, cgroupPath)
		}
	})
}

func (e *processEngine) hardKill(pid int, cgroupPath string) {
	if cgroupPath != "" {
		_ = e.cgroups.Kill(cgroupPath)
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func (e *processEngine) killLeftovers(pid int, cgroupPath string) {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err == nil {
		e.logger.Debug("killed leftover processes", map[string]interface{}{"pgid": pid})
	}
	if cgroupPath != "" {
		_ = e.cgroups.Kill(cgroupPath)
	}
}

// createCgroup returns the run's cgroup, or "" when the host has none for
// us. The bool reports whether the memory limit lives in the cgroup.
func (e *processEngine) createCgroup(req Request, logger *logging.Logger) (string, bool) {
	path, err := e.cgroups.Create(req.RunID)
	if err != nil {
		logger.Warn("could not create cgroup", map[string]interface{}{"error": err.Error()})
		return "", false
	}
	if path == "" {
		logger.Debug("no writable cgroup hierarchy, using rlimits only")
		return "", false
	}

	var limits cgroups.Limits
	if mb, ok := req.Limits.Get(config.MemLimit); ok {
		limits.MemoryMax = mb * 1024 * 1024
	}
	if cores, ok := req.Limits.Get(config.CoreLimit); ok {
		limits.Cores = cores
	}
	if err := e.cgroups.Apply(path, limits); err != nil {
		logger.Warn("could not apply cgroup limits", map[string]interface{}{"error": err.Error()})
		return path, false
	}
	return path, limits.MemoryMax > 0
}

func (e *processEngine) removeCgroup(path string, logger *logging.Logger) {
	if path == "" {
		return
	}
	// Killed members take a moment to leave.
	var err error
	for i := 0; i < 10; i++ {
		if err = e.cgroups.Delete(path); err == nil || os.IsNotExist(err) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	logger.Debug("could not remove cgroup", map[string]interface{}{"cgroup": path, "error": err.Error()})
}

// applyLimits sets rlimits and affinity on the running child. RLIMIT_CPU
// counts CPU time from exec, so it charges the whole run wherever it lands.
func (e *processEngine) applyLimits(pid int, req Request, memoryInCgroup bool, logger *logging.Logger) {
	if secs, ok := req.Limits.Get(config.TimeLimit); ok {
		if err := setCPULimit(pid, secs); err != nil {
			logger.Warn("could not set cpu time limit", map[string]interface{}{"error": err.Error()})
		}
	}

	if mb, ok := req.Limits.Get(config.MemLimit); ok && !memoryInCgroup {
		if err := setAddressSpaceLimit(pid, mb*1024*1024); err != nil {
			logger.Warn("could not set memory limit", map[string]interface{}{"error": err.Error()})
		}
	}

	if cores, ok := req.Limits.Get(config.CoreLimit); ok {
		first := 0
		if req.CPUIndex != nil {
			first = *req.CPUIndex
		}
		cpus, err := pinCPUs(pid, cores, first)
		if err != nil {
			logger.Warn("could not set cpu affinity", map[string]interface{}{"error": err.Error()})
			return
		}
		logger.Debug("pinned command", map[string]interface{}{"cpus": cpus})
	}
}

// measure prefers cgroup accounting, which covers the whole tree, over
// rusage of the direct child.
func (e *processEngine) measure(state *os.ProcessState, cgroupPath string, watcher *observe.Watcher, timing *observe.Timing, energy *float64) *report.Result {
	result := &report.Result{
		WallTime: timing.Duration(),
		Energy:   energy,
		PID:      state.Pid(),
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		result.ReturnValue = int(ws)
	}

	var maxRSS int64
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok {
		result.CPUTime = time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
		maxRSS = int64(ru.Maxrss) * 1024
	}

	if cgroupPath != "" {
		if usec, err := e.cgroups.CPUUsageMicros(cgroupPath); err == nil {
			result.CPUTime = time.Duration(usec) * time.Microsecond
		}
		if peak, err := e.cgroups.MemoryPeak(cgroupPath); err == nil && peak > 0 {
			result.MemoryUsage = peak
		}
	}
	if result.MemoryUsage == 0 {
		result.MemoryUsage = max(watcher.Peak(), maxRSS)
	}
	return result
}

func (e *processEngine) classify(sig syscall.Signal, requested report.Termination, limits config.Limits, cpuTime time.Duration, cgroupPath string) report.Termination {
	if requested != report.TerminationNone {
		return requested
	}
	if e.cgroups.OOMKilled(cgroupPath) {
		return report.TerminationMemory
	}
	if sig == syscall.SIGXCPU {
		return report.TerminationCPUTime
	}
	if secs, ok := limits.Get(config.TimeLimit); ok && sig == syscall.SIGKILL && cpuTime >= time.Duration(secs)*time.Second {
		return report.TerminationCPUTime
	}
	return report.TerminationNone
}
