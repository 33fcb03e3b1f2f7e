// Package periph is the process-wide claim table for exclusive hardware
// resources: the radio and storage partitions. A resource is held by at most
// one owner; a second claim fails instead of blocking.
package periph

import (
	"errors"
	"sync"

	"wifihal-go/errcode"
)

// ID names a claimable resource, e.g. "radio" or "nvs:nvs".
type ID string

const Radio ID = "radio"

// Partition returns the ID of a named storage partition.
func Partition(name string) ID { return ID("nvs:" + name) }

var ErrInUse = errors.New("in_use")

var (
	mu     sync.Mutex
	owners = map[ID]string{}
)

// Claim records owner as the holder of id.
func Claim(id ID, owner string) error {
	mu.Lock()
	defer mu.Unlock()
	if cur, ok := owners[id]; ok {
		return &errcode.E{C: errcode.ResourceUnavailable, Op: "claim " + string(id), Msg: "held by " + cur, Err: ErrInUse}
	}
	owners[id] = owner
	return nil
}

// Release frees id if owner holds it. Releasing a resource held by someone
// else is ignored.
func Release(id ID, owner string) {
	mu.Lock()
	defer mu.Unlock()
	if owners[id] == owner {
		delete(owners, id)
	}
}

// Owner reports the current holder of id.
func Owner(id ID) (string, bool) {
	mu.Lock()
	defer mu.Unlock()
	o, ok := owners[id]
	return o, ok
}
