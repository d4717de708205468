package engine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const separator = "\n\n\n" + "--------------------------------------------------------------------------------" + "\n\n\n"

// TruncationNote is appended to an output file that hit its size cap.
const TruncationNote = "\n\n\nWARNING: OUTPUT EXCEEDED THE LOG FILE SIZE LIMIT AND WAS TRUNCATED.\n"

// logFile is the run's output file. Everything after the header counts
// against the cap; writes beyond it are dropped but reported as written so
// the copying side keeps draining the pipe.
type logFile struct {
	f         *os.File
	limit     int64 // bytes, <= 0 means unlimited
	written   int64
	truncated bool
}

func createLogFile(path string, command []string, limitMB int) (*logFile, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	if _, err := io.WriteString(f, commandLine(command)+separator); err != nil {
		f.Close()
		return nil, fmt.Errorf("write output header: %w", err)
	}

	return &logFile{
		f:     f,
		limit: int64(limitMB) * 1024 * 1024,
	}, nil
}

func (l *logFile) Write(p []byte) (int, error) {
	if l.limit <= 0 {
		n, err := l.f.Write(p)
		l.written += int64(n)
		return n, err
	}

	room := l.limit - l.written
	if room <= 0 {
		l.truncated = true
		return len(p), nil
	}
	chunk := p
	if int64(len(chunk)) > room {
		chunk = chunk[:room]
		l.truncated = true
	}
	n, err := l.f.Write(chunk)
	l.written += int64(n)
	if err != nil {
		return n, err
	}
	return len(p), nil
}

// Close appends the truncation note if needed.
func (l *logFile) Close() error {
	if l.truncated {
		io.WriteString(l.f, TruncationNote)
	}
	return l.f.Close()
}

func commandLine(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, needsQuoting) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func needsQuoting(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case strings.ContainsRune("@%+=:,./-_", r):
		return false
	}
	return true
}
