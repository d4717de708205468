package cancel

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/benchcloud/cloudrunexec/internal/logging"
)

// Watch forwards every received signal to slot.Cancel until the returned
// stop function is called. Registration is complete when Watch returns.
// Without explicit signals it listens for SIGTERM.
func Watch(slot *Slot, logger *logging.Logger, sigs ...os.Signal) (stop func()) {
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGTERM}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, sigs...)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigChan:
				deliver(slot, logger, sig)
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigChan)
		close(done)
	}
}

func deliver(slot *Slot, logger *logging.Logger, sig os.Signal) {
	defer func() {
		// A misbehaving engine must not take the handler down with it.
		if r := recover(); r != nil {
			logger.Error("kill request failed", map[string]interface{}{"panic": r})
		}
	}()

	if slot.Cancel() {
		logger.Warn("received signal, killing run", map[string]interface{}{"signal": sig.String()})
		return
	}
	logger.Warn("received signal before run started, will kill on start", map[string]interface{}{"signal": sig.String()})
}
