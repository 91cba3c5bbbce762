package memory

import (
	"context"
	"sync"

	"github.com/ValentinKolb/dSeq/lib/coord"
)

// watcher buffers events of one Watch call without bound, so that the
// coordinator never blocks on a slow consumer while holding its lock.
type watcher struct {
	prefix string
	out    chan coord.Event

	mu      sync.Mutex
	queue   []coord.Event
	signal  chan struct{}
	stopCh  chan struct{}
	stopped bool
}

func newWatcher(prefix string) *watcher {
	return &watcher{
		prefix: prefix,
		out:    make(chan coord.Event),
		signal: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

func (w *watcher) push(ev coord.Event) {
	w.mu.Lock()
	w.queue = append(w.queue, ev)
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *watcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
}

// run forwards queued events to out until ctx is done or the watcher is stopped.
func (w *watcher) run(ctx context.Context, unregister func()) {
	defer close(w.out)
	defer unregister()

	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-w.signal:
				continue
			}
		}
		ev := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		select {
		case w.out <- ev:
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		}
	}
}
