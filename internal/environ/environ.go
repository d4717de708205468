// Package environ prepares the environment handed to the wrapped command.
package environ

import (
	"fmt"
	"sort"
	"strings"
)

// TmpDirVar is the variable the dispatcher must set before launching us.
const TmpDirVar = "TMPDIR"

// TempDirVars are the conventional temp-directory names filled in for the
// wrapped command. TMPDIR is canonical, the others are set so tools that
// look elsewhere still land in the run's scratch space.
var TempDirVars = []string{"TEMP", "TMP", "TEMPDIR", "TMPDIR"}

// EnvironmentError reports a required variable missing from the wrapper's
// own environment.
type EnvironmentError struct {
	Var string
}

func (e *EnvironmentError) Error() string {
	return fmt.Sprintf("%s must be set by the job dispatcher before launching the wrapper", e.Var)
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ResolveTempDir returns the wrapper's temp directory.
func ResolveTempDir(lookup LookupFunc) (string, error) {
	dir, ok := lookup(TmpDirVar)
	if !ok || dir == "" {
		return "", &EnvironmentError{Var: TmpDirVar}
	}
	return dir, nil
}

// AddTempDirs inserts tmpDir under every name in TempDirVars that env does
// not define yet. Caller supplied values are kept. It returns the names it
// added.
func AddTempDirs(env map[string]string, tmpDir string) []string {
	var added []string
	for _, name := range TempDirVars {
		if _, ok := env[name]; ok {
			continue
		}
		env[name] = tmpDir
		added = append(added, name)
	}
	return added
}

// Prepare resolves the temp directory and adds it to env in place.
func Prepare(env map[string]string, lookup LookupFunc) error {
	dir, err := ResolveTempDir(lookup)
	if err != nil {
		return err
	}
	AddTempDirs(env, dir)
	return nil
}

// ToList flattens env into KEY=VALUE pairs sorted by key.
func ToList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// Overlay lays env over base, a KEY=VALUE list such as os.Environ(). Base
// entries whose key env sets are dropped, so the job's values win.
func Overlay(base []string, env map[string]string) []string {
	out := make([]string, 0, len(base)+len(env))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := env[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	return append(out, ToList(env)...)
}
