// Package runner invokes external database client binaries (sqlplus, mysql,
// tnsping) as supervised OS processes. It implements the dispatch.Runner
// capability: start a process for one work unit, expose its combined output
// for non-consuming peeks, and allow forced termination.
package runner

import (
	"bytes"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/drover/internal/dispatch"
)

// terminationGracePeriod is the time we wait after SIGTERM before SIGKILL.
const terminationGracePeriod = 5 * time.Second

// lockedBuffer collects interleaved stdout+stderr. The process writes from
// its own goroutines while the dispatcher peeks from the control loop.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// process is the dispatch.Handle for one running client invocation.
type process struct {
	proc *processRef
	out  *lockedBuffer
	done chan struct{}
}

// processRef isolates the bits Terminate touches, so a handle stays usable
// after the process object is gone.
type processRef struct {
	signal func(sig syscall.Signal) error
	kill   func() error
}

func (p *process) Peek() string {
	return p.out.String()
}

func (p *process) Done() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *process) Output() []string {
	return splitLines(p.out.String())
}

// Terminate stops the process: SIGTERM first, SIGKILL after the grace period.
func (p *process) Terminate() error {
	if p.Done() {
		return nil
	}
	if err := p.proc.signal(syscall.SIGTERM); err != nil {
		return err
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case <-p.done:
		return nil
	case <-grace.C:
		if err := p.proc.kill(); err != nil {
			return err
		}
		<-p.done
		return nil
	}
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

var _ dispatch.Handle = (*process)(nil)
