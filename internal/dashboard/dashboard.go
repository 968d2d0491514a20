// Package dashboard implements the observability surface (component K,
// SPEC_FULL.md §2/§6): an HTTP+WebSocket status page routed with
// github.com/go-chi/chi/v5 (grounded on the Roost sibling services'
// chi.NewRouter()+middleware.Logger/Recoverer idiom), a live /ws tail
// built on github.com/gorilla/websocket (grounded on the WS-relay
// sibling's pkg/websocket/client.go read/write pump pair), a Prometheus
// /metrics endpoint, and an admin API gated by a github.com/golang-jwt/jwt/v5
// bearer token (grounded on the Roost billing service's reseller JWT
// middleware). It never mutates engine/txn/replication state beyond
// what REPLICAOF already exposes through the dispatcher.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"vodis/internal/engine"
	"vodis/internal/replication"
	"vodis/internal/txn"
)

// Engine is the subset of *engine.Engine the dashboard reads.
type Engine interface {
	Stats() engine.Stats
}

// Txns is the subset of *txn.Registry the dashboard reads.
type Txns interface {
	Len() int
}

// Repl is the subset of *replication.Controller the dashboard reads and
// drives.
type Repl interface {
	Role() replication.Role
	FollowerCount() int
	PrimaryAddr() (host, port string, ok bool)
	HandleReplicaof(host, port string) error
}

// Options configures a dashboard Server.
type Options struct {
	Addr      string
	JWTSecret string // empty disables the admin API

	Engine Engine
	Txns   Txns
	Repl   Repl

	Registry *prometheus.Registry
	Log      zerolog.Logger
}

// Server is the dashboard's HTTP(+WS) front end.
type Server struct {
	http *http.Server
	log  zerolog.Logger

	eng       Engine
	txns      Txns
	repl      Repl
	jwtSecret []byte

	upgrader websocket.Upgrader
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// New builds the dashboard's router and HTTP server but does not start
// listening; call ListenAndServe to do that.
func New(opts Options) (*Server, error) {
	s := &Server{
		log:       opts.Log.With().Str("component", "dashboard").Logger(),
		eng:       opts.Engine,
		txns:      opts.Txns,
		repl:      opts.Repl,
		jwtSecret: []byte(opts.JWTSecret),
		upgrader:  wsUpgrader,
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/ws", s.handleWS)
	r.Handle("/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/admin/replicaof", s.handleAdminReplicaof)
	})

	s.http = &http.Server{
		Addr:         opts.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// ListenAndServe starts serving; blocks until Shutdown is called or an
// error occurs.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("dashboard listening")
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// snapshot is the JSON body served by /stats and streamed over /ws.
type snapshot struct {
	Keys        int     `json:"keys"`
	Channels    int     `json:"channels"`
	Subscribers int     `json:"subscribers"`
	Transactions int    `json:"transactions"`
	Role        string  `json:"role"`
	Followers   int     `json:"followers"`
	PrimaryHost string  `json:"primary_host,omitempty"`
	PrimaryPort string  `json:"primary_port,omitempty"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
}

func (s *Server) currentSnapshot() snapshot {
	es := s.eng.Stats()
	snap := snapshot{
		Keys:         es.Keys,
		Channels:     es.Channels,
		Subscribers:  es.Subscribers,
		Transactions: s.txns.Len(),
		Role:         s.repl.Role().String(),
		Followers:    s.repl.FollowerCount(),
	}
	if host, port, ok := s.repl.PrimaryAddr(); ok {
		snap.PrimaryHost, snap.PrimaryPort = host, port
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemPercent = vm.UsedPercent
	}
	return snap
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.currentSnapshot())
}

// handleWS streams a stats snapshot over a WebSocket connection every
// second until the client disconnects, mirroring the write-pump half of
// the WS-relay sibling's Client (read pump omitted: this socket is
// output-only).
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("dashboard: ws upgrade failed")
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if err := conn.WriteJSON(s.currentSnapshot()); err != nil {
			return
		}
	}
}

// adminClaims is the admin bearer token's claim set.
type adminClaims struct {
	jwt.RegisteredClaims
}

// requireAdmin gates the /admin/* routes behind a valid HS256 bearer
// token, grounded on the Roost billing service's resellerJWTClaims
// parse-and-validate pattern. If no secret is configured the admin API
// is disabled entirely (every request rejected), not left open.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.jwtSecret) == 0 {
			http.Error(w, "admin api disabled", http.StatusForbidden)
			return
		}
		tokenStr := extractBearer(r.Header.Get("Authorization"))
		if tokenStr == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		_, err := jwt.ParseWithClaims(tokenStr, &adminClaims{}, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return s.jwtSecret, nil
		})
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

type adminReplicaofRequest struct {
	Host string `json:"host"`
	Port string `json:"port"`
}

// handleAdminReplicaof is a thin HTTP front for REPLICAOF, useful for
// operators who do not hold an RPC client handy. It does not bypass the
// replication controller's own role checks -- a RolePrimary or RoleReplica
// node still rejects this the same way it would reject a client's
// REPLICAOF command.
func (s *Server) handleAdminReplicaof(w http.ResponseWriter, r *http.Request) {
	var req adminReplicaofRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	if req.Host == "" || req.Port == "" {
		http.Error(w, "host and port are required", http.StatusBadRequest)
		return
	}
	if err := s.repl.HandleReplicaof(req.Host, req.Port); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"accepted":true}`))
}
