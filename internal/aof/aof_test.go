package aof

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"vodis/internal/engine"
)

func TestFormatSetAndDel(t *testing.T) {
	if got, want := FormatSet("k", "v", 1000), "SET k v 1000\n"; got != want {
		t.Fatalf("FormatSet = %q; want %q", got, want)
	}
	if got, want := FormatDel("k"), "DEL k 0 0\n"; got != want {
		t.Fatalf("FormatDel = %q; want %q", got, want)
	}
}

func TestWriterShutdownFlushesAndReplays(t *testing.T) {
	dir := t.TempDir()
	log := zerolog.Nop()

	w, err := Open(dir, "test", log)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w.Send(FormatSet("a", "1", 0))
	w.Send(FormatSet("b", "2", 0))
	w.Send(FormatDel("a"))
	w.Shutdown()

	eng := engine.New()
	if err := Replay(dir+"/test.aof", eng, time.Now().UnixMilli(), log); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if _, ok := eng.Get("a"); ok {
		t.Fatalf("Get(a) after replay = ok; want absent (deleted)")
	}
	if v, ok := eng.Get("b"); !ok || v != "2" {
		t.Fatalf("Get(b) after replay = %q, %v; want 2, true", v, ok)
	}
}

func TestReplaySkipsExpiredRecords(t *testing.T) {
	dir := t.TempDir()
	log := zerolog.Nop()
	path := dir + "/test.aof"

	now := time.Now().UnixMilli()
	content := FormatSet("expired", "old", now-1000) + FormatSet("fresh", "new", now+1_000_000)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	eng := engine.New()
	if err := Replay(path, eng, now, log); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if _, ok := eng.Get("expired"); ok {
		t.Fatalf("Get(expired) after replay = ok; want absent")
	}
	if v, ok := eng.Get("fresh"); !ok || v != "new" {
		t.Fatalf("Get(fresh) after replay = %q, %v; want new, true", v, ok)
	}
}

func TestReplayMissingFileIsNotError(t *testing.T) {
	eng := engine.New()
	if err := Replay("/nonexistent/path.aof", eng, 0, zerolog.Nop()); err != nil {
		t.Fatalf("Replay(missing file) = %v; want nil", err)
	}
}

func TestReplaySkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/test.aof"
	content := "SET onlyonearg\nSET good value 0\nBOGUS x y z\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	eng := engine.New()
	if err := Replay(path, eng, 0, zerolog.Nop()); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if v, ok := eng.Get("good"); !ok || v != "value" {
		t.Fatalf("Get(good) = %q, %v; want value, true", v, ok)
	}
}

func TestWriterBatchesBeforeShutdown(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "batch", zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	flushed := make(chan int, 8)
	w.OnFlush(func(n int, d time.Duration) { flushed <- n })

	for i := 0; i < 5; i++ {
		w.Send(FormatSet("k", "v", 0))
	}
	w.Shutdown()

	total := 0
	close(flushed)
	for n := range flushed {
		total += n
	}
	if total != 5 {
		t.Fatalf("total flushed lines = %d; want 5", total)
	}
}
