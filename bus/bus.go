// bus.go
package bus

import (
	"sort"
	"sync"
)

// -----------------------------------------------------------------------------
// Topics
// -----------------------------------------------------------------------------

// Topic is a sequence of path elements. In subscriptions "+" matches exactly
// one element and a trailing "#" matches zero or more.
type Topic []string

const (
	Single = "+"
	Multi  = "#"
)

// T builds a topic.
func T(parts ...string) Topic { return Topic(parts) }

func (t Topic) String() string {
	s := ""
	for i, p := range t {
		if i > 0 {
			s += "/"
		}
		s += p
	}
	return s
}

// -----------------------------------------------------------------------------
// Message
// -----------------------------------------------------------------------------

type Message struct {
	Topic   Topic
	Payload any
}

// -----------------------------------------------------------------------------
// Subscription
// -----------------------------------------------------------------------------

// Subscription is either channel based (Subscribe) or callback based
// (SubscribeFunc).
type Subscription struct {
	topic Topic
	seq   uint64
	ch    chan *Message
	fn    func(*Message)
	conn  *Connection

	mu     sync.Mutex // held while delivering; Unsubscribe waits on it
	closed bool
}

func (s *Subscription) Topic() Topic             { return s.topic }
func (s *Subscription) Channel() <-chan *Message { return s.ch }
func (s *Subscription) Unsubscribe()             { s.conn.Unsubscribe(s) }

func (s *Subscription) deliver(msg *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.fn != nil {
		s.fn(msg)
		return true
	}
	select {
	case s.ch <- msg:
	default:
		// drop oldest if queue full
		select {
		case <-s.ch:
		default:
		}
		s.ch <- msg
	}
	return true
}

// close marks the subscription dead. It blocks until an in-flight delivery
// to this subscription has returned.
func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.ch != nil {
		close(s.ch)
	}
}

// -----------------------------------------------------------------------------
// Trie node
// -----------------------------------------------------------------------------

type node struct {
	children map[string]*node
	subs     []*Subscription
}

// -----------------------------------------------------------------------------
// Bus
// -----------------------------------------------------------------------------

type Bus struct {
	mu   sync.RWMutex
	root *node
	qLen int
	seq  uint64
}

// NewBus creates a new bus with the given subscription queue length.
func NewBus(queueLen int) *Bus {
	if queueLen <= 0 {
		queueLen = 8 // safe default
	}
	return &Bus{
		root: &node{},
		qLen: queueLen,
	}
}

func (b *Bus) NewMessage(topic Topic, payload any) *Message {
	return &Message{Topic: topic, Payload: payload}
}

// addSubscription inserts a subscription into the trie.
func (b *Bus) addSubscription(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	sub.seq = b.seq

	n := b.root
	for _, tok := range sub.topic {
		if n.children == nil {
			n.children = make(map[string]*node)
		}
		child, ok := n.children[tok]
		if !ok {
			child = &node{}
			n.children[tok] = child
		}
		n = child
	}
	n.subs = append(n.subs, sub)
}

// match collects the subscriptions whose pattern matches topic, in
// registration order.
func (b *Bus) match(topic Topic) []*Subscription {
	b.mu.RLock()
	var out []*Subscription
	var walk func(n *node, i int)
	walk = func(n *node, i int) {
		if n.children != nil {
			if m, ok := n.children[Multi]; ok {
				out = append(out, m.subs...)
			}
		}
		if i == len(topic) {
			out = append(out, n.subs...)
			return
		}
		if n.children == nil {
			return
		}
		if c, ok := n.children[topic[i]]; ok {
			walk(c, i+1)
		}
		if c, ok := n.children[Single]; ok {
			walk(c, i+1)
		}
	}
	walk(b.root, 0)
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	// a literal "+" in a published topic reaches the same node twice
	uniq := out[:0]
	for i, s := range out {
		if i == 0 || s != out[i-1] {
			uniq = append(uniq, s)
		}
	}
	return uniq
}

// Publish delivers a message to all matching subscribers and reports how many
// accepted it. Callback subscribers run on the caller's goroutine, in
// registration order; channel subscribers drop their oldest message when full.
// No history is kept: later subscribers never see this message.
func (b *Bus) Publish(msg *Message) int {
	n := 0
	for _, sub := range b.match(msg.Topic) {
		if sub.deliver(msg) {
			n++
		}
	}
	return n
}

// unsubscribe removes a subscription from the trie.
func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	topic := sub.topic
	n := b.root
	var stack []*node
	for _, t := range topic {
		if n.children == nil {
			return
		}
		child, ok := n.children[t]
		if !ok {
			return
		}
		stack = append(stack, n)
		n = child
	}

	for i, s := range n.subs {
		if s == sub {
			n.subs = append(n.subs[:i:i], n.subs[i+1:]...)
			break
		}
	}

	// Prune empty nodes.
	for i := len(topic) - 1; i >= 0; i-- {
		parent := stack[i]
		key := topic[i]
		child := parent.children[key]
		if len(child.subs) == 0 && len(child.children) == 0 {
			delete(parent.children, key)
		} else {
			break
		}
	}
}

// -----------------------------------------------------------------------------
// Connection
// -----------------------------------------------------------------------------

type Connection struct {
	bus  *Bus
	subs []*Subscription
	mu   sync.Mutex
	id   string
}

// NewConnection creates a new connection bound to this bus.
func (b *Bus) NewConnection(id string) *Connection {
	return &Connection{
		bus: b,
		id:  id,
	}
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) NewMessage(topic Topic, payload any) *Message {
	return c.bus.NewMessage(topic, payload)
}

// Publish sends a message via the bus.
func (c *Connection) Publish(msg *Message) int {
	return c.bus.Publish(msg)
}

// Subscribe registers a channel subscription owned by this connection.
func (c *Connection) Subscribe(topic Topic) *Subscription {
	return c.add(&Subscription{
		topic: topic,
		ch:    make(chan *Message, c.bus.qLen),
		conn:  c,
	})
}

// SubscribeFunc registers a callback subscription. fn runs on the publishing
// goroutine and must not unsubscribe itself.
func (c *Connection) SubscribeFunc(topic Topic, fn func(*Message)) *Subscription {
	return c.add(&Subscription{
		topic: topic,
		fn:    fn,
		conn:  c,
	})
}

func (c *Connection) add(sub *Subscription) *Subscription {
	c.bus.addSubscription(sub)
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription owned by this connection. On return no
// delivery to sub is in progress and none will start.
func (c *Connection) Unsubscribe(sub *Subscription) {
	c.bus.unsubscribe(sub)
	c.mu.Lock()
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	sub.close()
}

// Disconnect closes all subscriptions and clears them.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		c.bus.unsubscribe(sub)
		sub.close()
	}
}
