package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/benchcloud/cloudrunexec/internal/config"
	"github.com/benchcloud/cloudrunexec/internal/logging"
	"github.com/benchcloud/cloudrunexec/internal/report"
)

func requireLinux(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("process engine tests need linux")
	}
}

// testEngine returns an engine whose cgroup root cannot be created, so runs
// take the rlimit path regardless of the host.
func testEngine(t *testing.T, opts Options) Engine {
	t.Helper()
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatalf("create blocker: %v", err)
	}
	opts.CgroupRoot = filepath.Join(blocker, "cgroup")
	opts.PowercapRoot = t.TempDir()
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func run(t *testing.T, e Engine, req Request) *report.Result {
	t.Helper()
	if req.OutputPath == "" {
		req.OutputPath = filepath.Join(t.TempDir(), "out", "run.log")
	}
	result, err := e.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return result
}

func TestRunTrue(t *testing.T) {
	requireLinux(t)
	out := filepath.Join(t.TempDir(), "logs", "true.log")
	result := run(t, testEngine(t, Options{}), Request{
		RunID:        "true",
		Command:      []string{"/bin/true"},
		OutputPath:   out,
		MaxLogSizeMB: 20,
	})

	if result.ReturnValue != 0 {
		t.Errorf("ReturnValue = %d, want 0", result.ReturnValue)
	}
	if result.WallTime <= 0 {
		t.Errorf("WallTime = %v", result.WallTime)
	}
	if result.MemoryUsage < 0 || result.CPUTime < 0 {
		t.Errorf("negative measurement: %v", result)
	}
	if result.Energy != nil {
		t.Errorf("Energy = %v without RAPL counters", *result.Energy)
	}
	if result.Termination != report.TerminationNone {
		t.Errorf("Termination = %q", result.Termination)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("output file: %v", err)
	}
	if !strings.HasPrefix(string(data), "/bin/true"+separator) {
		t.Errorf("header = %q", data)
	}
}

func TestRunExitStatus(t *testing.T) {
	requireLinux(t)
	result := run(t, testEngine(t, Options{}), Request{Command: []string{"/bin/sh", "-c", "exit 3"}})

	if result.ReturnValue != 3<<8 {
		t.Errorf("ReturnValue = %d, want %d", result.ReturnValue, 3<<8)
	}
	if code, ok := result.Exited(); !ok || code != 3 {
		t.Errorf("Exited = %d, %v", code, ok)
	}
}

func TestRunCapturesOutputAndEnv(t *testing.T) {
	requireLinux(t)
	out := filepath.Join(t.TempDir(), "run.log")
	run(t, testEngine(t, Options{}), Request{
		Command:    []string{"/bin/sh", "-c", `echo "out:$FOO:$HOME"; echo err >&2; pwd`},
		Env:        []string{"FOO=bar"},
		WorkDir:    "/",
		OutputPath: out,
	})

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("output file: %v", err)
	}
	body := string(data)
	for _, want := range []string{"out:bar:\n", "err\n", "/\n"} {
		if !strings.Contains(body, want) {
			t.Errorf("output missing %q:\n%s", want, body)
		}
	}
}

func TestRunLogCap(t *testing.T) {
	requireLinux(t)
	out := filepath.Join(t.TempDir(), "run.log")
	run(t, testEngine(t, Options{}), Request{
		Command:      []string{"/bin/sh", "-c", "head -c 3145728 /dev/zero"},
		OutputPath:   out,
		MaxLogSizeMB: 1,
	})

	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	header := int64(len(commandLine([]string{"/bin/sh", "-c", "head -c 3145728 /dev/zero"}) + separator))
	want := header + 1024*1024 + int64(len(TruncationNote))
	if info.Size() != want {
		t.Errorf("size = %d, want %d", info.Size(), want)
	}
}

func TestKillBeforeRun(t *testing.T) {
	requireLinux(t)
	e := testEngine(t, Options{})
	e.Kill()
	e.Kill()

	out := filepath.Join(t.TempDir(), "never.log")
	_, err := e.Run(context.Background(), Request{Command: []string{"/bin/true"}, OutputPath: out})
	if !errors.Is(err, ErrKilled) {
		t.Fatalf("err = %v, want ErrKilled", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("output file created for a killed run")
	}
}

func TestKillDuringRun(t *testing.T) {
	requireLinux(t)
	e := testEngine(t, Options{})
	time.AfterFunc(200*time.Millisecond, e.Kill)

	start := time.Now()
	result := run(t, e, Request{Command: []string{"/bin/sh", "-c", "sleep 30"}})

	if time.Since(start) > 10*time.Second {
		t.Errorf("kill took %v", time.Since(start))
	}
	if result.Signal() != int(syscall.SIGKILL) {
		t.Errorf("Signal = %d, want SIGKILL", result.Signal())
	}
	if result.Termination != report.TerminationKilled {
		t.Errorf("Termination = %q, want killed", result.Termination)
	}

	// after the run Kill is a no-op
	e.Kill()
}

func TestContextCancelKills(t *testing.T) {
	requireLinux(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	e := testEngine(t, Options{})
	result, err := e.Run(ctx, Request{
		Command:    []string{"/bin/sleep", "30"},
		OutputPath: filepath.Join(t.TempDir(), "run.log"),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Termination != report.TerminationKilled {
		t.Errorf("Termination = %q, want killed", result.Termination)
	}
}

func TestWallTimeLimit(t *testing.T) {
	requireLinux(t)
	e := testEngine(t, Options{WallTimeSlack: 100 * time.Millisecond})
	result := run(t, e, Request{
		Command: []string{"/bin/sleep", "30"},
		Limits:  config.Limits{config.TimeLimit: 1},
	})

	if result.Termination != report.TerminationWallTime {
		t.Errorf("Termination = %q, want walltime", result.Termination)
	}
	if result.WallTime > 10*time.Second {
		t.Errorf("WallTime = %v", result.WallTime)
	}
}

func TestCPUTimeLimit(t *testing.T) {
	requireLinux(t)
	e := testEngine(t, Options{WallTimeSlack: 20 * time.Second})
	result := run(t, e, Request{
		Command: []string{"/bin/sh", "-c", "while :; do :; done"},
		Limits:  config.Limits{config.TimeLimit: 1},
	})

	if result.Termination != report.TerminationCPUTime {
		t.Errorf("Termination = %q, want cputime (signal %d)", result.Termination, result.Signal())
	}
	if result.CPUTime < 900*time.Millisecond {
		t.Errorf("CPUTime = %v", result.CPUTime)
	}
}

func TestRunRejectsEmptyCommand(t *testing.T) {
	e := testEngine(t, Options{})
	_, err := e.Run(context.Background(), Request{OutputPath: filepath.Join(t.TempDir(), "x")})

	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Op != "validate" {
		t.Fatalf("err = %v, want validate EngineError", err)
	}
}

func TestRunMissingBinary(t *testing.T) {
	requireLinux(t)
	e := testEngine(t, Options{})
	_, err := e.Run(context.Background(), Request{
		Command:    []string{"/nonexistent/binary"},
		OutputPath: filepath.Join(t.TempDir(), "x.log"),
	})

	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Op != "start" {
		t.Fatalf("err = %v, want start EngineError", err)
	}
}

func TestLogFileCap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cap.log")
	lf, err := createLogFile(path, []string{"cmd"}, 0)
	if err != nil {
		t.Fatalf("createLogFile: %v", err)
	}
	lf.limit = 4

	for _, chunk := range []string{"ab", "cdef", "gh"} {
		n, err := lf.Write([]byte(chunk))
		if err != nil || n != len(chunk) {
			t.Fatalf("Write(%q) = %d, %v", chunk, n, err)
		}
	}
	if err := lf.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, _ := os.ReadFile(path)
	want := "cmd" + separator + "abcd" + TruncationNote
	if !bytes.Equal(data, []byte(want)) {
		t.Errorf("content = %q, want %q", data, want)
	}
}

func TestCommandLine(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"/bin/true"}, "/bin/true"},
		{[]string{"cpa.sh", "-heap", "1200m", "prog.c"}, "cpa.sh -heap 1200m prog.c"},
		{[]string{"sh", "-c", "echo hi"}, "sh -c 'echo hi'"},
		{[]string{"echo", "it's", ""}, `echo 'it'"'"'s' ''`},
	}
	for _, tt := range tests {
		if got := commandLine(tt.args); got != tt.want {
			t.Errorf("commandLine(%q) = %q, want %q", tt.args, got, tt.want)
		}
	}
}
