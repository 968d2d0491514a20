package engine

import "testing"

func TestGetSetDel(t *testing.T) {
	e := New()
	e.SetAfter("foo", "bar", 0)
	if v, ok := e.Get("foo"); !ok || v != "bar" {
		t.Fatalf("Get(foo) = %q, %v; want bar, true", v, ok)
	}
	if !e.Del("foo") {
		t.Fatalf("Del(foo) = false; want true")
	}
	if _, ok := e.Get("foo"); ok {
		t.Fatalf("Get(foo) after Del = ok; want absent")
	}
}

func TestExpiry(t *testing.T) {
	clockMs := int64(1_000_000)
	e := New().WithClock(func() int64 { return clockMs })

	e.SetAfter("k", "v", 1000) // expires at clockMs+1000

	clockMs += 500
	if v, ok := e.Get("k"); !ok || v != "v" {
		t.Fatalf("Get before expiry = %q, %v; want v, true", v, ok)
	}

	clockMs += 1000 // now clockMs+1500 from original, past expiry
	if _, ok := e.Get("k"); ok {
		t.Fatalf("Get after expiry = ok; want absent")
	}
}

func TestSetAtNeverExpires(t *testing.T) {
	e := New()
	e.SetAt("k", "v", 0)
	if v, ok := e.Get("k"); !ok || v != "v" {
		t.Fatalf("Get = %q, %v; want v, true", v, ok)
	}
}

func TestSubscribePublishFetch(t *testing.T) {
	e := New()
	h := e.AddSubscriber("c")

	n := e.Broadcast("c", "hello")
	if n != 1 {
		t.Fatalf("Broadcast delivered_count = %d; want 1", n)
	}

	msg, ok, err := e.Fetch(h)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !ok || msg != "hello" {
		t.Fatalf("Fetch = %q, %v; want hello, true", msg, ok)
	}

	if _, ok, _ := e.Fetch(h); ok {
		t.Fatalf("Fetch after drain = ok; want empty")
	}
}

func TestFetchUnknownHandle(t *testing.T) {
	e := New()
	if _, _, err := e.Fetch(999); err == nil {
		t.Fatalf("Fetch(unknown handle) err = nil; want error")
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	e := New()
	e.SetAfter("a", "1", 0)
	e.SetAt("b", "2", 123456789)

	snap := e.Serialize()

	e2 := New()
	if err := e2.Deserialize(snap); err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if v, ok := e2.Get("a"); !ok || v != "1" {
		t.Fatalf("Get(a) = %q, %v; want 1, true", v, ok)
	}
	if v, ok := e2.Get("b"); !ok || v != "2" {
		t.Fatalf("Get(b) = %q, %v; want 2, true", v, ok)
	}
}

func TestDeserializeLeavesChannelsUntouched(t *testing.T) {
	e := New()
	h := e.AddSubscriber("c")
	e.SetAfter("a", "1", 0)

	snap := e.Serialize()
	if err := e.Deserialize(snap); err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	e.Broadcast("c", "still here")
	if msg, ok, _ := e.Fetch(h); !ok || msg != "still here" {
		t.Fatalf("Fetch after deserialize = %q, %v; want still here, true", msg, ok)
	}
}
