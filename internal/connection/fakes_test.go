package connection

import (
	"context"
	"sync"
	"time"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/transport"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

type call struct {
	op   string
	uuid string
	data []byte
}

// recordingTransport records requests; tests deliver the results by hand
type recordingTransport struct {
	mu     sync.Mutex
	calls  []call
	events chan transport.Event
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{events: make(chan transport.Event, 16)}
}

func (r *recordingTransport) record(op, uuid string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	r.calls = append(r.calls, call{op: op, uuid: uuid, data: cp})
	return nil
}

func (r *recordingTransport) Connect(_ context.Context, _ nirs.Address) error {
	return r.record("connect", "", nil)
}

func (r *recordingTransport) Close(_ nirs.Address) error {
	return r.record("close", "", nil)
}

func (r *recordingTransport) DiscoverServices(_ nirs.Address) error {
	return r.record("discover", "", nil)
}

func (r *recordingTransport) RequestMTU(_ nirs.Address, _ int) error {
	return r.record("mtu", "", nil)
}

func (r *recordingTransport) WriteCharacteristic(_ nirs.Address, uuid string, data []byte, _ bool) error {
	return r.record("write", uuid, data)
}

func (r *recordingTransport) ReadCharacteristic(_ nirs.Address, uuid string) error {
	return r.record("read", uuid, nil)
}

func (r *recordingTransport) EnableNotifications(_ nirs.Address, uuid string) error {
	return r.record("notify", uuid, nil)
}

func (r *recordingTransport) StartScan(_ context.Context) error {
	return nil
}

func (r *recordingTransport) Events() <-chan transport.Event {
	return r.events
}

// since returns the calls recorded from index i on
func (r *recordingTransport) since(i int) []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.calls) {
		return nil
	}
	out := make([]call, len(r.calls)-i)
	copy(out, r.calls[i:])
	return out
}

func (r *recordingTransport) writes() []call {
	var out []call
	for _, c := range r.since(0) {
		if c.op == "write" {
			out = append(out, c)
		}
	}
	return out
}

type manualTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
}

// manualScheduler fires timers only when the test asks
type manualScheduler struct {
	timers []*manualTimer
}

func (s *manualScheduler) AfterFunc(d time.Duration, fn func()) func() bool {
	t := &manualTimer{d: d, fn: fn}
	s.timers = append(s.timers, t)
	return func() bool {
		was := !t.stopped
		t.stopped = true
		return was
	}
}

// active returns the most recent timer that was not cancelled
func (s *manualScheduler) active() *manualTimer {
	for i := len(s.timers) - 1; i >= 0; i-- {
		if !s.timers[i].stopped {
			return s.timers[i]
		}
	}
	return nil
}

func (s *manualScheduler) fire(t *manualTimer) {
	t.stopped = true
	t.fn()
}
