// Package proxy implements the sharding proxy router (component F):
// static slot assignment over a list of primaries and per-request
// routing decisions (spec.md §4.F). The hash-tag extraction is lifted
// from the teacher's calculateSlot in internal/replica/flow_writer.go,
// generalized from CRC16 to xxhash (SPEC_FULL.md §4.F); slot ownership
// uses rendezvous (HRW) hashing over the static primary list instead of
// the teacher's contiguous Redis Cluster ranges, reusing
// github.com/dgryski/go-rendezvous, a dependency the teacher's stack
// never wires into routing.
package proxy

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"

	"vodis/internal/command"
)

// SlotCount is the fixed Redis-Cluster-style slot space, per spec.md §4.F.
const SlotCount = 16384

// Router maps routable keys to one of M configured primary addresses.
type Router struct {
	primaries []string
	owners    []int // owners[slot] = index into primaries
	self      string
}

// New builds a Router over primaries (in cluster order) and assigns
// ownership of all 16384 slots via rendezvous hashing, computed once at
// startup (spec.md §4.F: never recomputed at request time). self is the
// address PUBLISH/SUBSCRIBE/PING/transaction verbs route to locally.
func New(primaries []string, self string) *Router {
	r := &Router{primaries: append([]string(nil), primaries...), self: self}
	r.owners = make([]int, SlotCount)
	if len(primaries) == 0 {
		return r
	}

	hrw := rendezvous.New(primaries, xxhash.Sum64String)
	for slot := 0; slot < SlotCount; slot++ {
		owner := hrw.Lookup(slotKey(slot))
		r.owners[slot] = indexOf(primaries, owner)
	}
	return r
}

// slotKey gives each slot a distinct rendezvous-hash input; slot
// ownership depends only on the (stable) set of primaries, not on any
// particular key, so this need not relate to real keys at all.
func slotKey(slot int) string {
	return "slot:" + strconv.Itoa(slot)
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

// Slot computes the Redis-Cluster-style slot for key: xxhash.Sum64 of
// the key (or its {hash tag} substring, when present) mod SlotCount.
func Slot(key string) int {
	return int(xxhash.Sum64String(hashTag(key)) % SlotCount)
}

// hashTag extracts the substring between the first '{' and the next '}'
// after it, matching the teacher's calculateSlot. Keys without a
// complete {...} span hash in full.
func hashTag(key string) string {
	start := strings.IndexByte(key, '{')
	if start < 0 {
		return key
	}
	end := strings.IndexByte(key[start+1:], '}')
	if end < 0 {
		return key
	}
	if end == 0 {
		return key // "{}" is not a valid tag span; hash the whole key
	}
	return key[start+1 : start+1+end]
}

// routableVerbs carries a key in Args[0] that participates in sharding.
func routable(verb command.Verb) bool {
	switch verb {
	case command.GET, command.SET, command.DEL:
		return true
	default:
		return false
	}
}

// Route returns the primary address req should be sent to. Non-routable
// verbs (PUBLISH, SUBSCRIBE, PING, transaction verbs, replication verbs)
// always route to the local proxy-self primary, per spec.md §4.F.
func (r *Router) Route(req command.Request) (string, error) {
	if !routable(req.Cmd) || len(req.Args) == 0 {
		return r.self, nil
	}
	if len(r.primaries) == 0 {
		return "", command.New(command.ErrUnsupported, "proxy: no primaries configured")
	}
	slot := Slot(req.Args[0])
	idx := r.owners[slot]
	if idx < 0 {
		return "", command.New(command.ErrUnsupported, "proxy: slot %d has no owner", slot)
	}
	return r.primaries[idx], nil
}

// Primaries returns the configured primary list, for dashboard display.
func (r *Router) Primaries() []string {
	return append([]string(nil), r.primaries...)
}
