// Package config turns the dispatcher's positional invocation into a run
// configuration and a set of resource limits.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultMaxLogfileSizeMB caps the run's output file when the job
// description does not say otherwise.
const DefaultMaxLogfileSizeMB = 20

// UsageMessage is printed when the argument count is wrong.
const UsageMessage = "Wrong number of arguments, expected exactly 4 or 5: " +
	"<command> <memlimit in MB> <timelimit in s> <output file name> <core limit(optional)>"

// LimitKind names one entry of Limits.
type LimitKind string

const (
	MemLimit  LimitKind = "MEMLIMIT"  // MB
	TimeLimit LimitKind = "TIMELIMIT" // seconds
	CoreLimit LimitKind = "CORELIMIT" // cores
)

// Limits maps a limit kind to its bound. A missing key means unlimited.
type Limits map[LimitKind]int64

// Get returns the bound for kind and whether it is set.
func (l Limits) Get(kind LimitKind) (int64, bool) {
	v, ok := l[kind]
	return v, ok
}

// RunConfig is the decoded job description.
type RunConfig struct {
	Command          []string
	Env              map[string]string
	Debug            bool
	MaxLogfileSizeMB int
}

// Invocation is everything the wrapper learns from its command line.
type Invocation struct {
	Run        RunConfig
	Limits     Limits
	OutputPath string
}

// jobDescription is the accepted schema of the first argument.
type jobDescription struct {
	Args           []string          `yaml:"args"`
	Env            map[string]string `yaml:"env"`
	Debug          bool              `yaml:"debug"`
	MaxLogfileSize *int              `yaml:"maxLogfileSize"`
}

// UsageError reports a wrong number of positional arguments.
type UsageError struct {
	Got int
}

func (e *UsageError) Error() string {
	return UsageMessage
}

// ParseError reports a malformed argument.
type ParseError struct {
	Arg   string
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid %s %q: %v", e.Arg, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// CheckArity validates the positional argument count.
func CheckArity(args []string) error {
	if len(args) < 4 || len(args) > 5 {
		return &UsageError{Got: len(args)}
	}
	return nil
}

// Parse decodes the positional arguments (program name excluded).
func Parse(args []string) (*Invocation, error) {
	if err := CheckArity(args); err != nil {
		return nil, err
	}

	run, err := DecodeJob(args[0])
	if err != nil {
		return nil, err
	}

	limits := Limits{}

	if !isUnlimited(args[1]) {
		mem, err := parseInt("memory limit", args[1])
		if err != nil {
			return nil, err
		}
		limits[MemLimit] = mem
	}

	timeLimit, err := parseInt("time limit", args[2])
	if err != nil {
		return nil, err
	}
	limits[TimeLimit] = timeLimit

	outputPath := args[3]
	if strings.TrimSpace(outputPath) == "" {
		return nil, &ParseError{Arg: "output file", Value: outputPath, Err: errors.New("must not be empty")}
	}

	if len(args) == 5 {
		cores, err := parseInt("core limit", args[4])
		if err != nil {
			return nil, err
		}
		limits[CoreLimit] = cores
	}

	return &Invocation{
		Run:        *run,
		Limits:     limits,
		OutputPath: outputPath,
	}, nil
}

// DecodeJob decodes the serialized job description, the dispatcher's
// literal form {'args':[...],'env':{},'debug':False,'maxLogfileSize':20}
// or its JSON equivalent. Unknown keys are rejected.
func DecodeJob(raw string) (*RunConfig, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, &ParseError{Arg: "job description", Value: raw, Err: errors.New("empty")}
	}

	value, err := readLiteral(raw)
	if err != nil {
		return nil, &ParseError{Arg: "job description", Value: raw, Err: err}
	}
	if _, ok := value.(map[string]any); !ok {
		return nil, &ParseError{Arg: "job description", Value: raw, Err: errors.New("not a dict")}
	}

	// yaml does the typed, strict step on the plain values.
	doc, err := yaml.Marshal(value)
	if err != nil {
		return nil, &ParseError{Arg: "job description", Value: raw, Err: err}
	}
	dec := yaml.NewDecoder(bytes.NewReader(doc))
	dec.KnownFields(true)

	var job jobDescription
	if err := dec.Decode(&job); err != nil {
		return nil, &ParseError{Arg: "job description", Value: raw, Err: err}
	}

	run := &RunConfig{
		Command:          job.Args,
		Env:              job.Env,
		Debug:            job.Debug,
		MaxLogfileSizeMB: DefaultMaxLogfileSizeMB,
	}
	if run.Command == nil {
		run.Command = []string{}
	}
	if run.Env == nil {
		run.Env = map[string]string{}
	}
	if job.MaxLogfileSize != nil {
		run.MaxLogfileSizeMB = *job.MaxLogfileSize
	}
	return run, nil
}

func isUnlimited(s string) bool {
	return s == "-1" || s == "None"
}

// parseInt parses a limit. Limits are never negative; "no memory limit"
// is spelled -1 or None and handled before this.
func parseInt(name, s string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, &ParseError{Arg: name, Value: s, Err: err}
	}
	if v < 0 {
		return 0, &ParseError{Arg: name, Value: s, Err: errors.New("must not be negative")}
	}
	return v, nil
}
