// Package aof implements durable append-only persistence: a batched
// background writer plus startup replay. The batching loop is modeled on
// the teacher's internal/replica/metrics.go metricsRecorder (pending
// buffer + time.Ticker + stop channel, flushed from either branch of one
// select loop); the AOF record shape itself is grounded on the
// other_examples from-scratch Redis clones (akashmaji946-go-redis/aof.go,
// hahahahah1287-GO-REDIS/aof-aof.go, AjuSingh-Redis-Go/aof.go).
package aof

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"vodis/internal/engine"
)

// sentinel is the special value that forces a final flush and ends the
// writer's loop.
const sentinel = "SHUTDOWN"

// flushInterval is the maximum time a buffered line waits before a flush,
// per spec.md §4.B.
const flushInterval = 1000 * time.Millisecond

// sendQueueCap bounds the writer's channel; spec.md §5 requires
// back-pressure (the producer suspends), never silent drops.
const sendQueueCap = 1024

// Writer owns exclusive access to "{name}.aof" and batches writes.
type Writer struct {
	lines  chan string
	done   chan struct{}
	file   *os.File
	log    zerolog.Logger
	onSync func(n int, d time.Duration)
}

// Open opens (or creates) "{name}.aof" in dir and starts the background
// batching loop.
func Open(dir, name string, log zerolog.Logger) (*Writer, error) {
	path := fmt.Sprintf("%s/%s.aof", dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("aof: open %s: %w", path, err)
	}
	w := &Writer{
		lines: make(chan string, sendQueueCap),
		done:  make(chan struct{}),
		file:  f,
		log:   log.With().Str("component", "aof").Logger(),
	}
	go w.loop()
	return w, nil
}

// Send enqueues a pre-formatted line, suspending the caller when the
// bounded channel is full rather than dropping the line.
func (w *Writer) Send(line string) {
	w.lines <- line
}

// Shutdown sends the sentinel and blocks until the writer performs its
// final flush and closes the file.
func (w *Writer) Shutdown() {
	w.lines <- sentinel
	<-w.done
}

func (w *Writer) loop() {
	defer close(w.done)
	defer w.file.Close()

	var pending []string
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(pending) == 0 {
			return
		}
		start := time.Now()
		w.writeLines(pending)
		w.log.Debug().Int("lines", len(pending)).Dur("elapsed", time.Since(start)).Msg("aof flush")
		if w.onSync != nil {
			w.onSync(len(pending), time.Since(start))
		}
		pending = pending[:0]
	}

	for {
		select {
		case line := <-w.lines:
			if line == sentinel {
				flush()
				return
			}
			pending = append(pending, line)
		case <-ticker.C:
			flush()
		}
	}
}

func (w *Writer) writeLines(lines []string) {
	bw := bufio.NewWriter(w.file)
	for _, l := range lines {
		if _, err := bw.WriteString(l); err != nil {
			w.log.Warn().Err(err).Msg("aof write failed")
			return
		}
	}
	if err := bw.Flush(); err != nil {
		w.log.Warn().Err(err).Msg("aof buffer flush failed")
		return
	}
	// fsync is best-effort per spec.md §4.B.
	if err := w.file.Sync(); err != nil {
		w.log.Warn().Err(err).Msg("aof fsync failed")
	}
}

// FormatSet renders a SET record: "SET key value expiresAtMs\n".
func FormatSet(key, value string, expiresAtMs int64) string {
	return fmt.Sprintf("SET %s %s %d\n", key, value, expiresAtMs)
}

// FormatDel renders a DEL record: "DEL key 0 0\n".
func FormatDel(key string) string {
	return fmt.Sprintf("DEL %s 0 0\n", key)
}

// Replay reads path line by line and applies each record to eng, per
// spec.md §4.B's startup replay rules. nowMs is the wall-clock time used
// to decide whether a SET's absolute expiry has already passed.
func Replay(path string, eng *engine.Engine, nowMs int64, log zerolog.Logger) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("aof: open %s for replay: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) != 4 {
			log.Warn().Str("line", line).Msg("aof: skipping malformed line")
			continue
		}
		verb, key, value, expiryStr := fields[0], fields[1], fields[2], fields[3]
		expiresAt, err := strconv.ParseInt(expiryStr, 10, 64)
		if err != nil {
			log.Warn().Str("line", line).Msg("aof: skipping line with bad expiry")
			continue
		}
		switch verb {
		case "SET":
			if expiresAt == 0 || expiresAt > nowMs {
				ttl := int64(0)
				if expiresAt > 0 {
					ttl = expiresAt - nowMs
				}
				eng.SetAfter(key, value, ttl)
			} else {
				eng.Del(key)
			}
		case "DEL":
			eng.Del(key)
		default:
			log.Warn().Str("verb", verb).Msg("aof: skipping unknown verb")
		}
	}
	return sc.Err()
}

// OnFlush installs a hook invoked after each flush with the batch size
// and elapsed time, letting tests observe batching without racing the
// background goroutine. Must be called before the first write is sent.
func (w *Writer) OnFlush(fn func(n int, d time.Duration)) { w.onSync = fn }
