package manager

import (
	"sync"

	"github.com/danmuck/groundlink/internal/protocol/session"
)

// forwarders copies one session's cells into the manager's stable cells.
type forwarders struct {
	cancels []func()
	wg      sync.WaitGroup
}

func forward[T any](fw *forwarders, src session.Observable[T], dst *session.Cell[T]) {
	ch, cancel := src.Subscribe()
	fw.cancels = append(fw.cancels, cancel)
	fw.wg.Add(1)
	go func() {
		defer fw.wg.Done()
		for v := range ch {
			dst.Store(v)
		}
	}()
}

// stop unsubscribes every forwarder and waits for the copy goroutines.
func (fw *forwarders) stop() {
	if fw == nil {
		return
	}
	for _, cancel := range fw.cancels {
		cancel()
	}
	fw.wg.Wait()
}
