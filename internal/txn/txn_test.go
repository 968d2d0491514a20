package txn

import (
	"testing"

	"vodis/internal/command"
	"vodis/internal/engine"
)

func TestBeginQueueExec(t *testing.T) {
	r := New()
	eng := engine.New()

	tok, err := r.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if len(tok) == 0 {
		t.Fatalf("Begin returned empty token")
	}

	if err := r.Queue(tok, command.Request{Cmd: command.SET, Args: []string{"x", "1"}}); err != nil {
		t.Fatalf("Queue SET: %v", err)
	}
	if err := r.Queue(tok, command.Request{Cmd: command.GET, Args: []string{"x"}}); err != nil {
		t.Fatalf("Queue GET: %v", err)
	}

	cmds, err := r.Exec(tok, eng)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if len(cmds) != 2 {
		t.Fatalf("Exec returned %d commands; want 2", len(cmds))
	}
}

func TestQueueRejectsNonBufferableVerb(t *testing.T) {
	r := New()
	tok, _ := r.Begin()
	err := r.Queue(tok, command.Request{Cmd: command.DEL, Args: []string{"x"}})
	if command.KindOf(err) != command.ErrUnsupported {
		t.Fatalf("Queue(DEL) kind = %v; want ErrUnsupported", command.KindOf(err))
	}
}

func TestQueueUnknownToken(t *testing.T) {
	r := New()
	err := r.Queue("nope", command.Request{Cmd: command.SET, Args: []string{"x", "1"}})
	if command.KindOf(err) != command.ErrTransactionUnknown {
		t.Fatalf("Queue(unknown) kind = %v; want ErrTransactionUnknown", command.KindOf(err))
	}
}

func TestWatchAlreadyWatched(t *testing.T) {
	r := New()
	eng := engine.New()
	tok, _ := r.Begin()

	if err := r.Watch(tok, "x", eng); err != nil {
		t.Fatalf("first Watch: %v", err)
	}
	err := r.Watch(tok, "x", eng)
	if command.KindOf(err) != command.ErrAlreadyWatched {
		t.Fatalf("second Watch kind = %v; want ErrAlreadyWatched", command.KindOf(err))
	}
}

func TestExecConflictWhenWatchedKeyChanges(t *testing.T) {
	r := New()
	eng := engine.New()
	eng.SetAfter("x", "1", 0)

	tok, _ := r.Begin()
	if err := r.Watch(tok, "x", eng); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := r.Queue(tok, command.Request{Cmd: command.SET, Args: []string{"x", "2"}}); err != nil {
		t.Fatalf("Queue: %v", err)
	}

	// A concurrent client mutates the watched key before EXEC.
	eng.SetAfter("x", "2", 0)

	cmds, err := r.Exec(tok, eng)
	if command.KindOf(err) != command.ErrTransactionConflict {
		t.Fatalf("Exec kind = %v; want ErrTransactionConflict", command.KindOf(err))
	}
	if cmds != nil {
		t.Fatalf("Exec on conflict returned %v commands; want nil", cmds)
	}

	// Transaction state must not leak after a conflicting EXEC.
	if _, err := r.Exec(tok, eng); command.KindOf(err) != command.ErrTransactionUnknown {
		t.Fatalf("Exec after conflict kind = %v; want ErrTransactionUnknown", command.KindOf(err))
	}
}

func TestExecSucceedsWhenWatchedKeyUnchanged(t *testing.T) {
	r := New()
	eng := engine.New()
	eng.SetAfter("x", "1", 0)

	tok, _ := r.Begin()
	if err := r.Watch(tok, "x", eng); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := r.Queue(tok, command.Request{Cmd: command.SET, Args: []string{"x", "2"}}); err != nil {
		t.Fatalf("Queue: %v", err)
	}

	cmds, err := r.Exec(tok, eng)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("Exec returned %d commands; want 1", len(cmds))
	}
}

func TestWatchOnAbsentKeyThenCreated(t *testing.T) {
	r := New()
	eng := engine.New()

	tok, _ := r.Begin()
	if err := r.Watch(tok, "x", eng); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	eng.SetAfter("x", "created", 0)

	_, err := r.Exec(tok, eng)
	if command.KindOf(err) != command.ErrTransactionConflict {
		t.Fatalf("Exec kind = %v; want ErrTransactionConflict (absent->present is a change)", command.KindOf(err))
	}
}

func TestDiscardRemovesTransaction(t *testing.T) {
	r := New()
	tok, _ := r.Begin()
	r.Discard(tok)
	if r.Len() != 0 {
		t.Fatalf("Len after Discard = %d; want 0", r.Len())
	}
	_, err := r.Exec(tok, engine.New())
	if command.KindOf(err) != command.ErrTransactionUnknown {
		t.Fatalf("Exec after Discard kind = %v; want ErrTransactionUnknown", command.KindOf(err))
	}
}

func TestBeginTokensAreUnique(t *testing.T) {
	r := New()
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		tok, err := r.Begin()
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		if seen[tok] {
			t.Fatalf("Begin produced duplicate token %q", tok)
		}
		seen[tok] = true
	}
}
