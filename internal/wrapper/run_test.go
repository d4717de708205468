package wrapper

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benchcloud/cloudrunexec/internal/cancel"
	"github.com/benchcloud/cloudrunexec/internal/config"
	"github.com/benchcloud/cloudrunexec/internal/engine"
	"github.com/benchcloud/cloudrunexec/internal/environ"
	"github.com/benchcloud/cloudrunexec/internal/logging"
	"github.com/benchcloud/cloudrunexec/internal/report"
)

const trueJob = "{'args':['/bin/true'],'env':{},'debug':False,'maxLogfileSize':20}"

type fakeEngine struct {
	mu       sync.Mutex
	requests []engine.Request
	kills    int
	result   *report.Result
	err      error
}

func (f *fakeEngine) Run(ctx context.Context, req engine.Request) (*report.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.kills > 0 {
		return nil, engine.ErrKilled
	}
	return f.result, f.err
}

func (f *fakeEngine) Kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills++
}

type fixture struct {
	engine      *fakeEngine
	constructed int
	stdout      bytes.Buffer
	stderr      bytes.Buffer
	env         map[string]string
}

func newFixture() *fixture {
	return &fixture{
		engine: &fakeEngine{result: &report.Result{WallTime: 2 * time.Millisecond, MemoryUsage: 4096}},
		env:    map[string]string{"TMPDIR": "/scratch"},
	}
}

func (f *fixture) options() Options {
	return Options{
		NewEngine: func(engine.Options) (engine.Engine, error) {
			f.constructed++
			return f.engine, nil
		},
		Lookup: func(key string) (string, bool) {
			v, ok := f.env[key]
			return v, ok
		},
		Environ: func() []string {
			return []string{"PATH=/usr/bin:/bin", "HOME=/home/bench", "TMP=/wrapper/tmp"}
		},
		Logger: logging.Discard(),
		Stdout: &f.stdout,
		Stderr: &f.stderr,
	}
}

func TestRunArityNeverConstructsEngine(t *testing.T) {
	for _, n := range []int{0, 1, 2, 3, 6, 7} {
		f := newFixture()
		args := make([]string, n)
		for i := range args {
			args[i] = "x"
		}

		_, err := Run(context.Background(), args, f.options())
		var usageErr *config.UsageError
		if !errors.As(err, &usageErr) {
			t.Errorf("%d args: err = %v, want UsageError", n, err)
		}
		if f.constructed != 0 {
			t.Errorf("%d args: engine constructed", n)
		}
		if f.stdout.Len() != 0 {
			t.Errorf("%d args: record printed: %q", n, f.stdout.String())
		}
	}
}

func TestRunPassesRequest(t *testing.T) {
	f := newFixture()
	job := "{'args':['/usr/bin/cpa.sh','-heap','1200m'],'env':{'TMP':'/own'},'debug':False,'maxLogfileSize':5}"

	if _, err := Run(context.Background(), []string{job, "512", "900", "out/run.log", "2"}, f.options()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.engine.requests) != 1 {
		t.Fatalf("engine ran %d times", len(f.engine.requests))
	}
	req := f.engine.requests[0]

	if strings.Join(req.Command, " ") != "/usr/bin/cpa.sh -heap 1200m" {
		t.Errorf("Command = %q", req.Command)
	}
	wantLimits := config.Limits{config.MemLimit: 512, config.TimeLimit: 900, config.CoreLimit: 2}
	for kind, v := range wantLimits {
		if got, ok := req.Limits.Get(kind); !ok || got != v {
			t.Errorf("limit %s = %d, %v", kind, got, ok)
		}
	}
	if req.OutputPath != "out/run.log" || req.MaxLogSizeMB != 5 {
		t.Errorf("OutputPath = %q MaxLogSizeMB = %d", req.OutputPath, req.MaxLogSizeMB)
	}
	if req.CPUIndex != nil || req.WorkDir != "" {
		t.Errorf("unexpected cpu hint or workdir: %+v", req)
	}
	if req.RunID == "" {
		t.Error("missing run id")
	}

	env := map[string]bool{}
	for _, kv := range req.Env {
		env[kv] = true
	}
	for _, want := range []string{"TMP=/own", "TEMP=/scratch", "TEMPDIR=/scratch", "TMPDIR=/scratch"} {
		if !env[want] {
			t.Errorf("env missing %s: %v", want, req.Env)
		}
	}
}

func TestRunInheritsWrapperEnvironment(t *testing.T) {
	f := newFixture()
	job := "{'args':['/bin/true'],'env':{'HOME':'/job/home'}}"

	if _, err := Run(context.Background(), []string{job, "-1", "10", "out.log"}, f.options()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	env := map[string]string{}
	for _, kv := range f.engine.requests[0].Env {
		k, v, _ := strings.Cut(kv, "=")
		if _, dup := env[k]; dup {
			t.Errorf("%s appears twice: %v", k, f.engine.requests[0].Env)
		}
		env[k] = v
	}

	if env["PATH"] != "/usr/bin:/bin" {
		t.Errorf("PATH = %q, want inherited /usr/bin:/bin", env["PATH"])
	}
	if env["HOME"] != "/job/home" {
		t.Errorf("HOME = %q, want job value /job/home", env["HOME"])
	}
	// TMP is already in the wrapper's environment but the job did not set
	// it, so the run's scratch directory wins.
	if env["TMP"] != "/scratch" {
		t.Errorf("TMP = %q, want /scratch", env["TMP"])
	}
}

func TestRunUnlimitedMemory(t *testing.T) {
	for _, mem := range []string{"-1", "None"} {
		f := newFixture()
		if _, err := Run(context.Background(), []string{trueJob, mem, "10", "out.log"}, f.options()); err != nil {
			t.Fatalf("Run(%s): %v", mem, err)
		}
		if _, ok := f.engine.requests[0].Limits.Get(config.MemLimit); ok {
			t.Errorf("memory limit %s passed to engine", mem)
		}
	}
}

func TestRunPrintsRecord(t *testing.T) {
	f := newFixture()
	if _, err := Run(context.Background(), []string{trueJob, "-1", "10", "out.log"}, f.options()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := "{'wallTime': 0.002, 'cpuTime': 0.0, 'memoryUsage': 4096, 'returnvalue': 0, 'energy': None}\n"
	if f.stdout.String() != want {
		t.Errorf("stdout = %q, want %q", f.stdout.String(), want)
	}
	if f.stderr.Len() != 0 {
		t.Errorf("debug summary written without debug: %q", f.stderr.String())
	}
}

func TestRunMissingTmpDir(t *testing.T) {
	f := newFixture()
	f.env = map[string]string{}

	_, err := Run(context.Background(), []string{trueJob, "-1", "10", "out.log"}, f.options())
	var envErr *environ.EnvironmentError
	if !errors.As(err, &envErr) {
		t.Fatalf("err = %v, want EnvironmentError", err)
	}
	if f.constructed != 0 || f.stdout.Len() != 0 {
		t.Error("engine constructed or record printed without TMPDIR")
	}
}

func TestRunParseErrorPrintsNothing(t *testing.T) {
	f := newFixture()
	_, err := Run(context.Background(), []string{"{'args': [", "-1", "10", "out.log"}, f.options())

	var parseErr *config.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("err = %v, want ParseError", err)
	}
	if f.constructed != 0 || f.stdout.Len() != 0 {
		t.Error("engine constructed or record printed for a bad job description")
	}
}

func TestRunEngineErrorPrintsNothing(t *testing.T) {
	f := newFixture()
	f.engine.result = nil
	f.engine.err = &engine.EngineError{Op: "start", Err: os.ErrNotExist}
	textfile := filepath.Join(t.TempDir(), "run.prom")
	opts := f.options()
	opts.MetricsTextfile = textfile

	_, err := Run(context.Background(), []string{trueJob, "-1", "10", "out.log"}, opts)
	var engineErr *engine.EngineError
	if !errors.As(err, &engineErr) {
		t.Fatalf("err = %v, want EngineError", err)
	}
	if f.stdout.Len() != 0 {
		t.Errorf("record printed after engine failure: %q", f.stdout.String())
	}

	data, err := os.ReadFile(textfile)
	if err != nil {
		t.Fatalf("metrics textfile: %v", err)
	}
	if !strings.Contains(string(data), `outcome="error"`) {
		t.Errorf("textfile does not count the failure:\n%s", data)
	}
}

func TestRunSignalBeforeStart(t *testing.T) {
	f := newFixture()
	slot := cancel.NewSlot()
	slot.Cancel()
	opts := f.options()
	opts.Slot = slot

	_, err := Run(context.Background(), []string{trueJob, "-1", "10", "out.log"}, opts)
	if !errors.Is(err, engine.ErrKilled) {
		t.Fatalf("err = %v, want ErrKilled", err)
	}
	if f.engine.kills != 1 {
		t.Errorf("kills = %d, want 1", f.engine.kills)
	}
	if f.stdout.Len() != 0 {
		t.Errorf("record printed for a killed run: %q", f.stdout.String())
	}
}

func TestRunPublishesEngine(t *testing.T) {
	f := newFixture()
	slot := cancel.NewSlot()
	opts := f.options()
	opts.Slot = slot

	if _, err := Run(context.Background(), []string{trueJob, "-1", "10", "out.log"}, opts); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if slot.State() != cancel.Running {
		t.Fatalf("state = %s, want RUNNING", slot.State())
	}
	slot.Cancel()
	if f.engine.kills != 1 {
		t.Errorf("kills = %d, want 1", f.engine.kills)
	}
}

func TestRunDebugSummary(t *testing.T) {
	f := newFixture()
	job := "{'args':['/bin/true'],'env':{},'debug':True}"

	if _, err := Run(context.Background(), []string{job, "256", "10", "out.log", "1"}, f.options()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	summary := f.stderr.String()
	for _, want := range []string{"MEMLIMIT", "256", "CORELIMIT", "TMPDIR", "/scratch"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q:\n%s", want, summary)
		}
	}
}

func TestRunJSONFormat(t *testing.T) {
	f := newFixture()
	opts := f.options()
	opts.Format = report.FormatJSON

	if _, err := Run(context.Background(), []string{trueJob, "-1", "10", "out.log"}, opts); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(f.stdout.String(), `"energy":null`) {
		t.Errorf("stdout = %q", f.stdout.String())
	}
}

// TestRunTrueEndToEnd runs the dispatcher's literal invocation through the
// real process engine.
func TestRunTrueEndToEnd(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs linux")
	}
	dir := t.TempDir()
	out := filepath.Join(dir, "true.log")
	var stdout bytes.Buffer

	result, err := Run(context.Background(), []string{trueJob, "-1", "10", out}, Options{
		EngineOptions: engine.Options{CgroupRoot: filepath.Join(dir, "cgroup"), PowercapRoot: dir},
		Lookup: func(key string) (string, bool) {
			if key == "TMPDIR" {
				return dir, true
			}
			return "", false
		},
		Stdout: &stdout,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ReturnValue != 0 {
		t.Errorf("ReturnValue = %d", result.ReturnValue)
	}

	line := stdout.String()
	if !strings.HasPrefix(line, "{'wallTime': ") || !strings.HasSuffix(line, "'returnvalue': 0, 'energy': None}\n") {
		t.Errorf("record = %q", line)
	}
	if _, err := os.Stat(out); err != nil {
		t.Errorf("output file: %v", err)
	}
}

func TestRunEnvironmentEndToEnd(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs linux")
	}
	t.Setenv("CLOUDRUNEXEC_INHERITED", "kept")
	t.Setenv("HOME", "/wrapper/home")
	dir := t.TempDir()
	out := filepath.Join(dir, "env.log")
	job := `{'args':['/bin/sh','-c','echo "$CLOUDRUNEXEC_INHERITED:$HOME:${PATH:+path}"'],'env':{'HOME':'/job/home'}}`

	_, err := Run(context.Background(), []string{job, "-1", "10", out}, Options{
		EngineOptions: engine.Options{CgroupRoot: filepath.Join(dir, "cgroup"), PowercapRoot: dir},
		Lookup: func(key string) (string, bool) {
			if key == "TMPDIR" {
				return dir, true
			}
			return "", false
		},
		Stdout: io.Discard,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("output file: %v", err)
	}
	if !strings.Contains(string(data), "kept:/job/home:path\n") {
		t.Errorf("output = %q", data)
	}
}
