package camera

import (
	"sync"
	"sync/atomic"

	"github.com/cjeanneret/SnapGo/internal/debug"
)

// hub fans frame-arrival notifications out to subscribers on a fixed pool of
// worker goroutines and holds the single latest-frame slot.
type hub struct {
	workers int

	subMu  sync.RWMutex
	subs   map[uint64]func()
	nextID uint64

	slotMu sync.Mutex
	latest *Frame

	events    chan struct{}
	wg        sync.WaitGroup
	published atomic.Uint64
	coalesced atomic.Uint64
	replaced  atomic.Uint64
}

func newHub(workers int) *hub {
	if workers <= 0 {
		workers = 1
	}
	return &hub{
		workers: workers,
		subs:    make(map[uint64]func()),
	}
}

// start launches the dispatch workers.
func (h *hub) start() {
	h.events = make(chan struct{}, h.workers)
	for i := 0; i < h.workers; i++ {
		h.wg.Add(1)
		go h.worker()
	}
}

func (h *hub) worker() {
	defer h.wg.Done()
	for range h.events {
		h.dispatch()
	}
}

func (h *hub) dispatch() {
	h.subMu.RLock()
	handlers := make([]func(), 0, len(h.subs))
	for _, fn := range h.subs {
		handlers = append(handlers, fn)
	}
	h.subMu.RUnlock()

	for _, fn := range handlers {
		fn()
	}
}

// publish stores f as the latest frame and signals arrival. An unconsumed
// previous frame is released. When every worker is busy and the queue is
// full the notification is coalesced with the pending ones.
func (h *hub) publish(f *Frame) {
	h.slotMu.Lock()
	old := h.latest
	h.latest = f
	h.slotMu.Unlock()
	if old != nil {
		old.Release()
		h.replaced.Add(1)
	}
	h.published.Add(1)

	select {
	case h.events <- struct{}{}:
	default:
		h.coalesced.Add(1)
		debug.Trace("camera: notification coalesced (seq=%d)", f.Sequence)
	}
}

// stop closes the event queue and waits until queued and in-flight
// dispatches have returned. publish must not be called afterwards.
func (h *hub) stop() {
	if h.events != nil {
		close(h.events)
	}
	h.wg.Wait()

	h.slotMu.Lock()
	old := h.latest
	h.latest = nil
	h.slotMu.Unlock()
	old.Release()

	debug.Verbose("camera: notifications stopped (published=%d, coalesced=%d, replaced=%d)",
		h.published.Load(), h.coalesced.Load(), h.replaced.Load())
}

func (h *hub) Subscribe(handler func()) Subscription {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	h.nextID++
	id := h.nextID
	h.subs[id] = handler
	return &subscription{hub: h, id: id}
}

func (h *hub) unsubscribe(id uint64) {
	h.subMu.Lock()
	delete(h.subs, id)
	h.subMu.Unlock()
}

// TryAcquireLatestFrame takes the latest frame out of the slot. It returns
// false when no frame arrived since the last acquisition.
func (h *hub) TryAcquireLatestFrame() (*Frame, bool) {
	h.slotMu.Lock()
	defer h.slotMu.Unlock()
	f := h.latest
	h.latest = nil
	return f, f != nil
}

type subscription struct {
	hub  *hub
	id   uint64
	once sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() { s.hub.unsubscribe(s.id) })
}

// bufferPool recycles frame buffers between captures.
type bufferPool struct {
	p sync.Pool // stores *[]byte
}

func (bp *bufferPool) get(n int) []byte {
	if v := bp.p.Get(); v != nil {
		b := *(v.(*[]byte))
		if cap(b) >= n {
			return b[:n]
		}
	}
	return make([]byte, n)
}

func (bp *bufferPool) put(b []byte) {
	if b == nil {
		return
	}
	bp.p.Put(&b)
}

// frameFromPool copies data into a pooled buffer owned by the returned frame.
func (bp *bufferPool) frameFromPool(data []byte, width, height int, format PixelFormat, seq uint64) *Frame {
	buf := bp.get(len(data))
	copy(buf, data)
	f := NewFrame(buf, width, height, format, func() { bp.put(buf) })
	f.Sequence = seq
	return f
}
