// Package sysloop is the process-wide system event loop. Producers post typed
// events; a single dispatcher goroutine hands each event to its subscribers in
// registration order. Events are delivered in the order they were posted and
// no history is kept.
package sysloop

import (
	"context"
	"log/slog"
	"sync"

	"wifihal-go/bus"
	"wifihal-go/errcode"
	"wifihal-go/x/timex"
)

// Kind names an event type.
type Kind string

const (
	AssociationSuccess Kind = "assoc_success" // types.AssociationSuccess
	AssociationLost    Kind = "assoc_lost"    // types.AssociationLost
	ScanDone           Kind = "scan_done"     // types.ScanDone
	IPAcquired         Kind = "ip_acquired"   // types.IPAcquired
	IPLost             Kind = "ip_lost"       // types.IPLost
	FrameReceived      Kind = "frame_rx"      // types.FrameReceived
	FrameSent          Kind = "frame_tx"      // types.FrameSent
	RadioFault         Kind = "radio_fault"   // types.RadioFault
	StateChanged       Kind = "state_changed" // types.StateChanged

	// Any subscribes to every kind.
	Any Kind = ""
)

const topicRoot = "sys"

func topicOf(k Kind) bus.Topic {
	if k == Any {
		return bus.T(topicRoot, bus.Multi)
	}
	return bus.T(topicRoot, string(k))
}

// Event is what handlers receive. Payload is borrowed for the duration of the
// handler call; copy byte slices that must outlive it.
type Event struct {
	Kind    Kind
	Payload any
	TSms    int64
}

// Config tunes a loop.
type Config struct {
	QueueLen int // pending events; must be > 0
	Logger   *slog.Logger
}

// DefaultQueueLen matches the default system event queue depth.
const DefaultQueueLen = 32

// Loop is an event loop instance.
type Loop struct {
	conn *bus.Connection
	q    chan Event
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// New creates and starts an independent loop.
func New(cfg Config) (*Loop, error) {
	if cfg.QueueLen <= 0 {
		return nil, errcode.New(errcode.ResourceUnavailable, "sysloop.new", "queue length must be positive")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		conn:   bus.NewBus(1).NewConnection(topicRoot),
		q:      make(chan Event, cfg.QueueLen),
		log:    log.With("component", "sysloop"),
		ctx:    ctx,
		cancel: cancel,
	}
	l.wg.Add(1)
	go l.dispatch()
	return l, nil
}

func (l *Loop) dispatch() {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case ev := <-l.q:
			if l.ctx.Err() != nil {
				return
			}
			l.conn.Publish(l.conn.NewMessage(topicOf(ev.Kind), ev))
		}
	}
}

// Post enqueues an event, blocking while the queue is full.
func (l *Loop) Post(ctx context.Context, kind Kind, payload any) error {
	if kind == Any {
		return errcode.New(errcode.InvalidConfig, "sysloop.post", "event kind required")
	}
	ev := Event{Kind: kind, Payload: payload, TSms: timex.NowMs()}
	if l.ctx.Err() != nil {
		return errcode.New(errcode.ResourceUnavailable, "sysloop.post", "loop closed")
	}
	select {
	case l.q <- ev:
		return nil
	case <-l.ctx.Done():
		return errcode.New(errcode.ResourceUnavailable, "sysloop.post", "loop closed")
	case <-ctx.Done():
		return errcode.Wrap(errcode.Timeout, "sysloop.post", ctx.Err())
	}
}

// TryPost enqueues without blocking and reports whether the event was queued.
// Handlers use it; a blocking post from the dispatcher could wait on itself.
func (l *Loop) TryPost(kind Kind, payload any) bool {
	if kind == Any || l.ctx.Err() != nil {
		return false
	}
	select {
	case l.q <- Event{Kind: kind, Payload: payload, TSms: timex.NowMs()}:
		return true
	default:
		l.log.Warn("event dropped, queue full", "kind", string(kind))
		return false
	}
}

// Subscription is a registered handler.
type Subscription struct {
	sub *bus.Subscription
}

// Subscribe registers fn for kind (or Any). fn runs on the dispatcher
// goroutine and must not block for long.
func (l *Loop) Subscribe(kind Kind, fn func(Event)) *Subscription {
	s := l.conn.SubscribeFunc(topicOf(kind), func(m *bus.Message) {
		ev, _ := m.Payload.(Event)
		fn(ev)
	})
	return &Subscription{sub: s}
}

// Unsubscribe removes the handler. When it returns the handler is not running
// and will not run again. Calling it from inside the same handler deadlocks.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.sub == nil {
		return
	}
	s.sub.Unsubscribe()
}

// Close stops the dispatcher and drops pending events. Handlers still
// registered are detached.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		l.cancel()
		l.wg.Wait()
		l.conn.Disconnect()
		for {
			select {
			case <-l.q:
			default:
				return
			}
		}
	})
}

// Closed reports whether Close has been called.
func (l *Loop) Closed() bool { return l.ctx.Err() != nil }

// -----------------------------------------------------------------------------
// Process-wide loop
// -----------------------------------------------------------------------------

var (
	sysMu  sync.Mutex
	sys    *Loop
	sysCfg = Config{QueueLen: DefaultQueueLen}
)

// SetDefaultConfig sets the configuration used when Take creates the
// process-wide loop. It has no effect on a loop already created.
func SetDefaultConfig(cfg Config) {
	sysMu.Lock()
	sysCfg = cfg
	sysMu.Unlock()
}

// Take returns the process-wide loop, creating it on first use. It fails when
// the loop cannot be initialised.
func Take() (*Loop, error) {
	sysMu.Lock()
	defer sysMu.Unlock()
	if sys != nil && !sys.Closed() {
		return sys, nil
	}
	l, err := New(sysCfg)
	if err != nil {
		return nil, err
	}
	sys = l
	return sys, nil
}
