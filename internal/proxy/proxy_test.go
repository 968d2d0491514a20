package proxy

import (
	"testing"

	"vodis/internal/command"
)

func TestHashTagExtraction(t *testing.T) {
	if Slot("{user1}.profile") != Slot("{user1}.settings") {
		t.Fatalf("keys sharing a hash tag must map to the same slot")
	}
	if Slot("plainkey") < 0 || Slot("plainkey") >= SlotCount {
		t.Fatalf("Slot out of range")
	}
}

func TestSlotAssignmentCoversAllSlots(t *testing.T) {
	r := New([]string{"a:1", "b:2", "c:3"}, "a:1")
	for slot, idx := range r.owners {
		if idx < 0 || idx >= len(r.primaries) {
			t.Fatalf("slot %d has invalid owner index %d", slot, idx)
		}
	}
}

func TestSlotAssignmentIsDeterministic(t *testing.T) {
	r1 := New([]string{"a:1", "b:2", "c:3"}, "a:1")
	r2 := New([]string{"a:1", "b:2", "c:3"}, "a:1")
	for slot := range r1.owners {
		if r1.owners[slot] != r2.owners[slot] {
			t.Fatalf("slot %d owner differs across identical construction: %d vs %d", slot, r1.owners[slot], r2.owners[slot])
		}
	}
}

func TestSlotAssignmentUsesAllPrimaries(t *testing.T) {
	r := New([]string{"a:1", "b:2", "c:3"}, "a:1")
	seen := make(map[int]bool)
	for _, idx := range r.owners {
		seen[idx] = true
	}
	if len(seen) != 3 {
		t.Fatalf("distinct owners = %d; want 3 (rendezvous hashing should spread slots)", len(seen))
	}
}

func TestRouteNonRoutableVerbsGoToSelf(t *testing.T) {
	r := New([]string{"a:1", "b:2"}, "proxy-self:9999")
	for _, verb := range []command.Verb{command.PING, command.PUBLISH, command.SUBSCRIBE, command.MULTI, command.EXEC} {
		addr, err := r.Route(command.Request{Cmd: verb, Args: []string{"x", "y"}})
		if err != nil {
			t.Fatalf("Route(%s): %v", verb, err)
		}
		if addr != "proxy-self:9999" {
			t.Fatalf("Route(%s) = %q; want proxy-self", verb, addr)
		}
	}
}

func TestRouteGetSetDelUsesSlotOwner(t *testing.T) {
	r := New([]string{"a:1", "b:2", "c:3"}, "self:0")
	addr, err := r.Route(command.Request{Cmd: command.SET, Args: []string{"mykey", "v"}})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	found := false
	for _, p := range r.primaries {
		if p == addr {
			found = true
		}
	}
	if !found {
		t.Fatalf("Route returned %q, not among configured primaries", addr)
	}

	slot := Slot("mykey")
	want := r.primaries[r.owners[slot]]
	if addr != want {
		t.Fatalf("Route(SET mykey) = %q; want %q (slot %d owner)", addr, want, slot)
	}
}

func TestRouteWithNoPrimariesFails(t *testing.T) {
	r := New(nil, "self:0")
	_, err := r.Route(command.Request{Cmd: command.GET, Args: []string{"x"}})
	if command.KindOf(err) != command.ErrUnsupported {
		t.Fatalf("kind = %v; want ErrUnsupported", command.KindOf(err))
	}
}
