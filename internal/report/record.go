// Package report holds the run result and renders it as the single record
// the dispatcher collects from stdout.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Record keys, fixed by the dispatcher.
const (
	KeyWallTime    = "wallTime"
	KeyCPUTime     = "cpuTime"
	KeyMemoryUsage = "memoryUsage"
	KeyReturnValue = "returnvalue"
	KeyEnergy      = "energy"
)

// Format selects the record encoding.
type Format string

const (
	// FormatLiteral is a Python-style dict literal, which is what the
	// dispatcher's result reader expects.
	FormatLiteral Format = "literal"
	FormatJSON    Format = "json"
	FormatYAML    Format = "yaml"
)

// ParseFormat validates a format name. Empty means literal.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatLiteral:
		return FormatLiteral, nil
	case FormatJSON, FormatYAML:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unknown result format %q (want literal, json or yaml)", s)
	}
}

// Record is the wire form of a Result. Times are seconds.
type Record struct {
	WallTime    float64  `json:"wallTime" yaml:"wallTime"`
	CPUTime     float64  `json:"cpuTime" yaml:"cpuTime"`
	MemoryUsage int64    `json:"memoryUsage" yaml:"memoryUsage"`
	ReturnValue int      `json:"returnvalue" yaml:"returnvalue"`
	Energy      *float64 `json:"energy" yaml:"energy"`
}

// NewRecord converts a result into its record.
func NewRecord(r *Result) Record {
	return Record{
		WallTime:    r.WallTime.Seconds(),
		CPUTime:     r.CPUTime.Seconds(),
		MemoryUsage: r.MemoryUsage,
		ReturnValue: r.ReturnValue,
		Energy:      r.Energy,
	}
}

// Write renders the record for r to w as exactly one record.
func Write(w io.Writer, r *Result, format Format) error {
	rec := NewRecord(r)

	switch format {
	case FormatJSON:
		return json.NewEncoder(w).Encode(rec)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		if err := enc.Encode(rec); err != nil {
			return err
		}
		return enc.Close()
	default:
		_, err := fmt.Fprintln(w, rec.Literal())
		return err
	}
}

// Literal renders {'wallTime': 0.5, ..., 'energy': None}.
func (rec Record) Literal() string {
	energy := "None"
	if rec.Energy != nil {
		energy = pyFloat(*rec.Energy)
	}
	return fmt.Sprintf("{'%s': %s, '%s': %s, '%s': %d, '%s': %d, '%s': %s}",
		KeyWallTime, pyFloat(rec.WallTime),
		KeyCPUTime, pyFloat(rec.CPUTime),
		KeyMemoryUsage, rec.MemoryUsage,
		KeyReturnValue, rec.ReturnValue,
		KeyEnergy, energy,
	)
}

// pyFloat always carries a decimal point so the value reads back as float.
func pyFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if strings.Contains(s, ".") {
		return s
	}
	return s + ".0"
}
