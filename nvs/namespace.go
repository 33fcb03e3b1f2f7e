package nvs

import (
	"fmt"
	"sync"

	"wifihal-go/errcode"
)

// Namespace is a handle onto one key space of a partition. At most one
// read-write handle per namespace is open at a time; read-only handles are
// unlimited.
type Namespace struct {
	p         *Partition
	name      string
	readWrite bool

	mu     sync.Mutex
	closed bool
}

func validName(what, s string) error {
	if len(s) == 0 || len(s) > MaxKeyLen {
		return errcode.New(errcode.InvalidConfig, "nvs", fmt.Sprintf("%s must be 1..%d bytes, got %d", what, MaxKeyLen, len(s)))
	}
	return nil
}

// Open returns a handle on namespace name. Opening a second read-write handle
// fails with ResourceUnavailable.
func (p *Partition) Open(name string, readWrite bool) (*Namespace, error) {
	if err := validName("namespace", name); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usable("nvs.open"); err != nil {
		return nil, err
	}
	if readWrite {
		if p.writers[name] {
			return nil, errcode.New(errcode.ResourceUnavailable, "nvs.open", "namespace "+name+" already open read-write")
		}
		p.writers[name] = true
	}
	return &Namespace{p: p, name: name, readWrite: readWrite}, nil
}

func (n *Namespace) Name() string    { return n.name }
func (n *Namespace) ReadWrite() bool { return n.readWrite }

// Close releases the handle. Values already written stay on the medium.
func (n *Namespace) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	if n.readWrite {
		n.p.mu.Lock()
		delete(n.p.writers, n.name)
		n.p.mu.Unlock()
	}
	return nil
}

func (n *Namespace) check(op, key string, write bool) error {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return errcode.New(errcode.InvalidState, op, "namespace handle closed")
	}
	if write && !n.readWrite {
		return errcode.New(errcode.InvalidState, op, "namespace "+n.name+" opened read-only")
	}
	return validName("key", key)
}

func (n *Namespace) Contains(key string) (bool, error) {
	if err := n.check("nvs.contains", key, false); err != nil {
		return false, err
	}
	return n.p.contains(n.name, key)
}

// Remove deletes key. It reports whether the key existed.
func (n *Namespace) Remove(key string) (bool, error) {
	if err := n.check("nvs.remove", key, true); err != nil {
		return false, err
	}
	return n.p.remove(n.name, key)
}

// GetRaw copies the value of key into buf and returns the filled prefix, or
// nil with no error if the key is absent. A value longer than buf yields
// ErrBufferTooSmall and leaves buf untouched.
func (n *Namespace) GetRaw(key string, buf []byte) ([]byte, error) {
	if err := n.check("nvs.get", key, false); err != nil {
		return nil, err
	}
	return n.p.get(n.name, key, buf)
}

// SetRaw stores val under key. It returns true when the key was newly
// created; writing an identical value is a no-op returning false.
func (n *Namespace) SetRaw(key string, val []byte) (bool, error) {
	if err := n.check("nvs.set", key, true); err != nil {
		return false, err
	}
	if len(val) > MaxValueLen {
		return false, errcode.New(errcode.InvalidConfig, "nvs.set", fmt.Sprintf("value of %d bytes exceeds %d", len(val), MaxValueLen))
	}
	return n.p.set(n.name, key, val)
}

// Len reports the stored length of key and whether it exists.
func (n *Namespace) Len(key string) (int, bool, error) {
	if err := n.check("nvs.len", key, false); err != nil {
		return 0, false, err
	}
	return n.p.length(n.name, key)
}

// GetString is GetRaw for text values. ok is false when the key is absent.
func (n *Namespace) GetString(key string) (s string, ok bool, err error) {
	l, ok, err := n.Len(key)
	if err != nil || !ok {
		return "", false, err
	}
	b, err := n.GetRaw(key, make([]byte, l))
	if err != nil {
		return "", false, err
	}
	if b == nil {
		// removed between Len and GetRaw
		return "", false, nil
	}
	return string(b), true, nil
}

func (n *Namespace) SetString(key, s string) (bool, error) {
	return n.SetRaw(key, []byte(s))
}

// Keys lists the keys stored in this namespace, sorted.
func (n *Namespace) Keys() ([]string, error) {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return nil, errcode.New(errcode.InvalidState, "nvs.keys", "namespace handle closed")
	}
	return n.p.keys(n.name)
}
