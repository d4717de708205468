// Package observe measures a running job from the outside: elapsed time,
// peak memory of its process tree and package energy.
package observe

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// DefaultSampleInterval is how often the watcher samples RSS.
const DefaultSampleInterval = 100 * time.Millisecond

// Watcher samples the resident memory of a process and its descendants
// until stopped. It is the fallback when no cgroup reports memory.peak.
type Watcher struct {
	pid      int32
	interval time.Duration
	peak     atomic.Int64
	done     chan struct{}
}

// NewWatcher creates a watcher for pid.
func NewWatcher(pid int, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &Watcher{
		pid:      int32(pid),
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start samples in the background until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	go func() {
		defer close(w.done)

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		w.sample()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.sample()
			}
		}
	}()
}

// Wait blocks until the sampling goroutine has exited.
func (w *Watcher) Wait() {
	<-w.done
}

// Peak returns the highest tree RSS seen so far, in bytes.
func (w *Watcher) Peak() int64 {
	return w.peak.Load()
}

func (w *Watcher) sample() {
	proc, err := process.NewProcess(w.pid)
	if err != nil {
		return // exited
	}

	total := rss(proc)
	for _, child := range descendants(proc) {
		total += rss(child)
	}

	for {
		cur := w.peak.Load()
		if total <= cur || w.peak.CompareAndSwap(cur, total) {
			return
		}
	}
}

func rss(p *process.Process) int64 {
	info, err := p.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return int64(info.RSS)
}

func descendants(p *process.Process) []*process.Process {
	var out []*process.Process
	queue := []*process.Process{p}
	for len(queue) > 0 {
		children, err := queue[0].Children()
		queue = queue[1:]
		if err != nil {
			continue
		}
		out = append(out, children...)
		queue = append(queue, children...)
	}
	return out
}
