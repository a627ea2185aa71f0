package link

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/groundlink/internal/logging"
)

// taskGroup runs named goroutines under one cancellable context.
type taskGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]int
}

func newTaskGroup() *taskGroup {
	ctx, cancel := context.WithCancel(context.Background())
	return &taskGroup{ctx: ctx, cancel: cancel, running: make(map[string]int)}
}

func (g *taskGroup) Go(name string, fn func(ctx context.Context) error) {
	g.mu.Lock()
	g.running[name]++
	g.mu.Unlock()
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.done(name)
		if err := fn(g.ctx); err != nil && !errors.Is(err, context.Canceled) {
			logging.Warnf("link.task exit name=%s err=%v", name, err)
		}
	}()
}

func (g *taskGroup) done(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running[name] <= 1 {
		delete(g.running, name)
		return
	}
	g.running[name]--
}

func (g *taskGroup) Running() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.running))
	for name := range g.running {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Stop cancels every task and waits up to timeout for them to return.
func (g *taskGroup) Stop(timeout time.Duration) error {
	g.cancel()
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: still running [%s]", ErrTaskStopTimeout, strings.Join(g.Running(), ","))
	}
}
