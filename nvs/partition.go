// Package nvs is a namespaced key-value store for configuration that must
// survive a power cycle. A Partition claims a storage medium for the process;
// Namespaces opened on it hold byte-string values under short keys.
package nvs

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sort"
	"sync"

	"wifihal-go/errcode"
	"wifihal-go/periph"
)

const (
	DefaultPartition = "nvs"

	MaxKeyLen   = 15
	MaxValueLen = 4000
)

var (
	ErrPartitionFull  = errors.New("partition_full")
	ErrCorrupted      = errors.New("corrupted_record")
	ErrBufferTooSmall = errors.New("buffer_too_small")
)

type entry struct {
	ns, key string
	off     int64
	valLen  int
	corrupt bool
}

func (e *entry) size() int64 { return int64(hdrLen + len(e.ns) + len(e.key) + e.valLen) }

func indexKey(ns, key string) string { return ns + "\x00" + key }

// Partition is a claimed storage partition. All medium access is serialised
// by one mutex, so readers see either the old or the new value of a key.
type Partition struct {
	name string
	m    Medium
	log  *slog.Logger

	mu      sync.Mutex
	index   map[string]*entry
	tail    int64 // first erased byte
	dead    int64 // bytes held by deleted or superseded records
	writers map[string]bool
	closed  bool
}

// Take claims partition name on medium m. It fails with ResourceUnavailable
// while another live claim exists, and with StorageError if the medium holds
// an unreadable record header.
func Take(name string, m Medium) (*Partition, error) {
	if err := periph.Claim(periph.Partition(name), "nvs"); err != nil {
		return nil, err
	}
	p := &Partition{
		name:    name,
		m:       m,
		log:     slog.Default().With("component", "nvs", "partition", name),
		writers: map[string]bool{},
	}
	if err := p.load(); err != nil {
		periph.Release(periph.Partition(name), "nvs")
		return nil, err
	}
	p.log.Debug("partition loaded", "keys", len(p.index), "used", p.tail, "size", m.Size())
	return p, nil
}

// TakeDefault claims the default partition.
func TakeDefault(m Medium) (*Partition, error) { return Take(DefaultPartition, m) }

func (p *Partition) Name() string { return p.name }

// Close releases the claim and closes the medium.
func (p *Partition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	periph.Release(periph.Partition(p.name), "nvs")
	return p.m.Close()
}

func (p *Partition) usable(op string) error {
	if p.closed {
		return errcode.New(errcode.ResourceUnavailable, op, "partition closed")
	}
	return nil
}

// load rebuilds the index from the medium. Caller must hold mu (or own p).
func (p *Partition) load() error {
	p.index = map[string]*entry{}
	p.dead = 0
	size := p.m.Size()
	var hb [hdrLen]byte
	off := int64(0)
	for off+hdrLen <= size {
		if _, err := p.m.ReadAt(hb[:], off); err != nil {
			return errcode.Wrap(errcode.StorageError, "nvs.load", err)
		}
		h := parseHeader(hb[:])
		if h.erased() || (h.magic == recMagic && h.state == stateErased) {
			// end of log, or an uncommitted tail record that will be overwritten
			break
		}
		if h.magic != recMagic || h.nsLen == 0 || h.keyLen == 0 || off+h.size() > size {
			return &errcode.E{C: errcode.StorageError, Op: "nvs.load", Msg: fmt.Sprintf("bad record header at %d", off), Err: ErrCorrupted}
		}
		if h.state == stateLive {
			body := make([]byte, h.size()-hdrLen)
			if _, err := p.m.ReadAt(body, off+hdrLen); err != nil {
				return errcode.Wrap(errcode.StorageError, "nvs.load", err)
			}
			e := &entry{
				ns:      string(body[:h.nsLen]),
				key:     string(body[h.nsLen : h.nsLen+h.keyLen]),
				off:     off,
				valLen:  h.valLen,
				corrupt: crc32.ChecksumIEEE(body) != h.crc,
			}
			k := indexKey(e.ns, e.key)
			if old, ok := p.index[k]; ok {
				// an overwrite whose delete mark was lost; the later record wins
				p.dead += old.size()
			}
			p.index[k] = e
		} else {
			p.dead += h.size()
		}
		off += h.size()
	}
	p.tail = off
	return nil
}

// append writes rec at the tail in two steps: body with an erased state byte,
// then the live mark. On failure the region is erased again and the index is
// not touched.
func (p *Partition) append(rec []byte) (int64, error) {
	off := p.tail
	rec[stateOff] = stateErased
	if _, err := p.m.WriteAt(rec, off); err != nil {
		p.scrub(off, len(rec))
		return 0, errcode.Wrap(errcode.StorageError, "nvs.write", err)
	}
	if _, err := p.m.WriteAt([]byte{stateLive}, off+stateOff); err != nil {
		p.scrub(off, len(rec))
		return 0, errcode.Wrap(errcode.StorageError, "nvs.commit", err)
	}
	rec[stateOff] = stateLive
	if err := p.m.Sync(); err != nil {
		return 0, errcode.Wrap(errcode.StorageError, "nvs.sync", err)
	}
	p.tail = off + int64(len(rec))
	return off, nil
}

func (p *Partition) scrub(off int64, n int) {
	ff := bytes.Repeat([]byte{0xFF}, n)
	if _, err := p.m.WriteAt(ff, off); err != nil {
		p.log.Warn("scrub after failed write", "offset", off, "err", err)
	}
}

func (p *Partition) markDeleted(e *entry) error {
	if _, err := p.m.WriteAt([]byte{stateDeleted}, e.off+stateOff); err != nil {
		return errcode.Wrap(errcode.StorageError, "nvs.delete", err)
	}
	return p.m.Sync()
}

// compact rewrites the live records to the start of the medium.
func (p *Partition) compact() error {
	size := p.m.Size()
	img := bytes.Repeat([]byte{0xFF}, int(size))
	keys := make([]string, 0, len(p.index))
	for k := range p.index {
		keys = append(keys, k)
	}
	// keep log order so a reload sees the same winners
	sort.Slice(keys, func(i, j int) bool { return p.index[keys[i]].off < p.index[keys[j]].off })

	off := int64(0)
	for _, k := range keys {
		e := p.index[k]
		if e.corrupt {
			continue
		}
		n := e.size()
		if _, err := p.m.ReadAt(img[off:off+n], e.off); err != nil {
			return errcode.Wrap(errcode.StorageError, "nvs.compact", err)
		}
		img[off+stateOff] = stateLive
		off += n
	}
	if _, err := p.m.WriteAt(img, 0); err != nil {
		werr := errcode.Wrap(errcode.StorageError, "nvs.compact", err)
		if lerr := p.load(); lerr != nil {
			p.log.Error("reload after failed compaction", "err", lerr)
		}
		return werr
	}
	if err := p.m.Sync(); err != nil {
		return errcode.Wrap(errcode.StorageError, "nvs.compact", err)
	}
	p.log.Info("partition compacted", "before", p.tail, "after", off)
	return p.load()
}

// ---- key operations (namespaced) ----

func (p *Partition) contains(ns, key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usable("nvs.contains"); err != nil {
		return false, err
	}
	_, ok := p.index[indexKey(ns, key)]
	return ok, nil
}

func (p *Partition) length(ns, key string) (int, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usable("nvs.len"); err != nil {
		return 0, false, err
	}
	e, ok := p.index[indexKey(ns, key)]
	if !ok {
		return 0, false, nil
	}
	return e.valLen, true, nil
}

func (p *Partition) get(ns, key string, buf []byte) ([]byte, error) {
	const op = "nvs.get"
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usable(op); err != nil {
		return nil, err
	}
	e, ok := p.index[indexKey(ns, key)]
	if !ok {
		return nil, nil
	}
	if e.corrupt {
		return nil, &errcode.E{C: errcode.StorageError, Op: op, Msg: key, Err: ErrCorrupted}
	}
	if e.valLen > len(buf) {
		return nil, &errcode.E{C: errcode.StorageError, Op: op, Msg: fmt.Sprintf("need %d bytes", e.valLen), Err: ErrBufferTooSmall}
	}
	body := make([]byte, e.size()-hdrLen)
	if _, err := p.m.ReadAt(body, e.off+hdrLen); err != nil {
		return nil, errcode.Wrap(errcode.StorageError, op, err)
	}
	var hb [hdrLen]byte
	if _, err := p.m.ReadAt(hb[:], e.off); err != nil {
		return nil, errcode.Wrap(errcode.StorageError, op, err)
	}
	if crc32.ChecksumIEEE(body) != parseHeader(hb[:]).crc {
		e.corrupt = true
		return nil, &errcode.E{C: errcode.StorageError, Op: op, Msg: key, Err: ErrCorrupted}
	}
	n := copy(buf, body[len(ns)+len(key):])
	return buf[:n], nil
}

func (p *Partition) set(ns, key string, val []byte) (bool, error) {
	const op = "nvs.set"
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usable(op); err != nil {
		return false, err
	}
	k := indexKey(ns, key)
	old := p.index[k]
	if old != nil && !old.corrupt && old.valLen == len(val) {
		cur := make([]byte, old.valLen)
		if _, err := p.m.ReadAt(cur, old.off+hdrLen+int64(len(ns)+len(key))); err == nil && bytes.Equal(cur, val) {
			return false, nil
		}
	}

	rec := encodeRecord(ns, key, val)
	size := p.m.Size()
	n := int64(len(rec))
	if p.tail+n > size {
		if p.tail-p.dead+n > size {
			return false, &errcode.E{C: errcode.StorageError, Op: op, Msg: key, Err: ErrPartitionFull}
		}
		if err := p.compact(); err != nil {
			return false, err
		}
		old = p.index[k]
		if p.tail+n > size {
			return false, &errcode.E{C: errcode.StorageError, Op: op, Msg: key, Err: ErrPartitionFull}
		}
	}

	off, err := p.append(rec)
	if err != nil {
		return false, err
	}
	if old != nil {
		if err := p.markDeleted(old); err != nil {
			// the newer record still wins on reload
			p.log.Warn("mark superseded record", "key", key, "err", err)
		}
		p.dead += old.size()
	}
	p.index[k] = &entry{ns: ns, key: key, off: off, valLen: len(val)}
	return old == nil, nil
}

func (p *Partition) remove(ns, key string) (bool, error) {
	const op = "nvs.remove"
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usable(op); err != nil {
		return false, err
	}
	k := indexKey(ns, key)
	e, ok := p.index[k]
	if !ok {
		return false, nil
	}
	if err := p.markDeleted(e); err != nil {
		return false, err
	}
	delete(p.index, k)
	p.dead += e.size()
	return true, nil
}

func (p *Partition) keys(ns string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usable("nvs.keys"); err != nil {
		return nil, err
	}
	var out []string
	for _, e := range p.index {
		if e.ns == ns {
			out = append(out, e.key)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ---- diagnostics ----

// Entry describes one stored key.
type Entry struct {
	Namespace string `yaml:"namespace"`
	Key       string `yaml:"key"`
	Len       int    `yaml:"len"`
	Corrupt   bool   `yaml:"corrupt,omitempty"`
}

// Entries lists every stored key, sorted by namespace then key.
func (p *Partition) Entries() ([]Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usable("nvs.entries"); err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(p.index))
	for _, e := range p.index {
		out = append(out, Entry{Namespace: e.ns, Key: e.key, Len: e.valLen, Corrupt: e.corrupt})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// Stats summarises space use.
type Stats struct {
	Size int64 `yaml:"size"`
	Used int64 `yaml:"used"`
	Dead int64 `yaml:"dead"`
	Free int64 `yaml:"free"`
	Keys int   `yaml:"keys"`
}

func (p *Partition) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	size := p.m.Size()
	return Stats{Size: size, Used: p.tail, Dead: p.dead, Free: size - p.tail, Keys: len(p.index)}
}
