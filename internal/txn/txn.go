// Package txn implements the transaction registry: per-token buffered
// command logs, a watched-key reverse index, and the WATCH/EXEC conflict
// check described in spec.md §4.C. The token-draw-and-retry pattern and
// the single-registry-mutex shape are grounded on the teacher's
// internal/replica role/follower tables (internal/replica/replica.go),
// which use the same "map guarded by one mutex, random id retried until
// free" idiom for a different singleton.
package txn

import (
	"crypto/rand"
	"fmt"
	"sync"

	"vodis/internal/command"
	"vodis/internal/engine"
)

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
const tokenLen = 8

// watchEntry pairs a watched key with the value observed at WATCH time.
type watchEntry struct {
	key   string
	value string
	ok    bool // whether the key existed at WATCH time
}

// transaction is one MULTI...EXEC buffer.
type transaction struct {
	commands []command.Request
	watches  []watchEntry
	watchSet map[string]bool // key -> already watched by this token
}

// Registry is the process-wide token -> transaction map plus the
// key -> watching-tokens reverse index named in spec.md §3/§5.
type Registry struct {
	mu    sync.Mutex
	byTok map[string]*transaction
	byKey map[string]map[string]bool // key -> set of tokens watching it
}

// New builds an empty registry.
func New() *Registry {
	return &Registry{
		byTok: make(map[string]*transaction),
		byKey: make(map[string]map[string]bool),
	}
}

// Begin draws a fresh token and opens an empty transaction under it.
func (r *Registry) Begin() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for attempt := 0; attempt < 64; attempt++ {
		tok, err := randomToken()
		if err != nil {
			return "", fmt.Errorf("txn: draw token: %w", err)
		}
		if _, exists := r.byTok[tok]; exists {
			continue
		}
		r.byTok[tok] = &transaction{watchSet: make(map[string]bool)}
		return tok, nil
	}
	return "", fmt.Errorf("txn: could not draw a free token")
}

// Queue appends req to the token's buffered command list. Only SET and
// GET may be buffered, per spec.md §4.C.
func (r *Registry) Queue(token string, req command.Request) error {
	if req.Cmd != command.SET && req.Cmd != command.GET {
		return command.New(command.ErrUnsupported, "verb %s cannot be queued in a transaction", req.Cmd)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	txn, ok := r.byTok[token]
	if !ok {
		return command.New(command.ErrTransactionUnknown, "no transaction for token %q", token)
	}
	txn.commands = append(txn.commands, req)
	return nil
}

// Watch records key's current value under token, and indexes the
// (key -> token) relationship for conflict detection at EXEC time.
func (r *Registry) Watch(token, key string, eng *engine.Engine) error {
	value, present := eng.Get(key)

	r.mu.Lock()
	defer r.mu.Unlock()
	txn, ok := r.byTok[token]
	if !ok {
		return command.New(command.ErrTransactionUnknown, "no transaction for token %q", token)
	}
	if txn.watchSet[key] {
		return command.New(command.ErrAlreadyWatched, "key %q already watched by %q", key, token)
	}
	txn.watchSet[key] = true
	txn.watches = append(txn.watches, watchEntry{key: key, value: value, ok: present})

	if r.byKey[key] == nil {
		r.byKey[key] = make(map[string]bool)
	}
	r.byKey[key][token] = true
	return nil
}

// Exec performs the watched-key conflict check described in spec.md
// §4.C against eng: if any watched key's current value differs from the
// value recorded at WATCH time, the transaction aborts (its state is
// removed, nothing is replayed) and ErrTransactionConflict is returned.
// Otherwise it removes the transaction and returns its buffered command
// list for the caller (the dispatcher) to replay one at a time through
// the normal D->A->B->E path, so each replayed SET still reaches the AOF
// writer and replication controller.
func (r *Registry) Exec(token string, eng *engine.Engine) ([]command.Request, error) {
	r.mu.Lock()
	txn, ok := r.byTok[token]
	if !ok {
		r.mu.Unlock()
		return nil, command.New(command.ErrTransactionUnknown, "no transaction for token %q", token)
	}
	watches := append([]watchEntry(nil), txn.watches...)
	r.mu.Unlock()

	conflict := false
	for _, w := range watches {
		value, present := eng.Get(w.key)
		if present != w.ok || value != w.value {
			conflict = true
			break
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-fetch: token may have been discarded concurrently (disconnect).
	txn, ok = r.byTok[token]
	if !ok {
		return nil, command.New(command.ErrTransactionUnknown, "no transaction for token %q", token)
	}
	r.removeLocked(token, txn)
	if conflict {
		return nil, command.New(command.ErrTransactionConflict, "watched key changed since WATCH")
	}
	return txn.commands, nil
}

// Discard drops token's transaction without executing it, used when a
// client disconnects mid-MULTI (spec.md §3, "discarded on disconnect").
func (r *Registry) Discard(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	txn, ok := r.byTok[token]
	if !ok {
		return
	}
	r.removeLocked(token, txn)
}

// removeLocked deletes token from byTok and scrubs its watches from the
// reverse index. Caller must hold r.mu.
func (r *Registry) removeLocked(token string, txn *transaction) {
	delete(r.byTok, token)
	for _, w := range txn.watches {
		tokens := r.byKey[w.key]
		delete(tokens, token)
		if len(tokens) == 0 {
			delete(r.byKey, w.key)
		}
	}
}

// Len reports the number of open transactions (for dashboard stats).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byTok)
}

func randomToken() (string, error) {
	buf := make([]byte, tokenLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, tokenLen)
	for i, b := range buf {
		out[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(out), nil
}
