// Package replication implements the role state machine and full-sync
// handshake of component E (spec.md §4.E). Inter-node transport rides on
// NATS (github.com/nats-io/nats.go): the request-reply pattern and
// connect/reconnect option wiring are grounded on the WS-relay sibling
// example's pkg/nats/client.go (adred-codev-ws_poc/go-server); here a
// single *nats.Conn plays both the SYNC RPC and the per-follower
// propagation/SYNCGOT transport instead of a pub/sub fan-out to browser
// clients.
package replication

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/nats-io/nats.go"
	"github.com/pierrec/lz4/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"vodis/internal/command"
	"vodis/internal/engine"
)

// Role is the node's position in the replication topology, per spec.md §3.
type Role int

const (
	RoleSingle Role = iota
	RolePrimary
	RoleReplica
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleReplica:
		return "replica"
	default:
		return "single"
	}
}

// lz4Threshold is the payload size above which propagation messages are
// LZ4-compressed; small messages skip compression to avoid framing
// overhead dominating the payload.
const lz4Threshold = 256

// syncTimeout bounds the replica's SYNC request-reply round trip.
const syncTimeout = 5 * time.Second

// follower is one primary-side record of a connected replica.
type follower struct {
	uuid    string
	addr    string
	subject string
	limiter *rate.Limiter
}

// Controller owns the role state machine, the follower table (primary
// side) and the self-identity / primary-address pair (replica side).
// Its lock ordering follows spec.md §5: role -> followers -> (txn/watch,
// owned elsewhere) -> engine, so methods that touch both role and
// followers always take roleMu before followersMu.
type Controller struct {
	eng *engine.Engine
	nc  *nats.Conn
	log zerolog.Logger

	selfHost string
	selfPort string
	selfUUID string

	roleMu       sync.Mutex
	role         Role
	primaryHost  string
	primaryPort  string
	selfAsFollowerUUID string // UUID this node was assigned by its primary

	followersMu sync.Mutex
	followers   map[string]*follower // uuid -> follower

	propagateRate float64 // messages/sec per follower; 0 = unlimited

	// replay, when set, routes an inbound propagated SET/DEL back through
	// the dispatcher's normal verb handlers (so a replica's own AOF still
	// records the write) instead of mutating the engine directly. Wired
	// by cmd/vodis after both the dispatcher and controller exist, since
	// each depends on the other's interface, not its concrete type.
	replay func(command.Request) (command.Response, error)
}

// SetReplayFunc installs the callback used to apply inbound propagated
// writes. Must be called once during startup wiring, before any SYNC
// handshake completes.
func (c *Controller) SetReplayFunc(fn func(command.Request) (command.Response, error)) {
	c.replay = fn
}

// Config carries the replication controller's construction-time settings.
type Config struct {
	SelfHost          string
	SelfPort          string
	PropagateRateHz   float64 // 0 disables rate limiting
}

// New builds a Controller bound to eng and the given NATS connection.
// The node starts in RoleSingle, per spec.md §3.
func New(eng *engine.Engine, nc *nats.Conn, cfg Config, log zerolog.Logger) *Controller {
	return &Controller{
		eng:           eng,
		nc:            nc,
		log:           log.With().Str("component", "replication").Logger(),
		selfHost:      cfg.SelfHost,
		selfPort:      cfg.SelfPort,
		role:          RoleSingle,
		followers:     make(map[string]*follower),
		propagateRate: cfg.PropagateRateHz,
	}
}

// Role reports the current role.
func (c *Controller) Role() Role {
	c.roleMu.Lock()
	defer c.roleMu.Unlock()
	return c.role
}

// PrimaryAddr reports the configured primary host:port when this node is
// a Replica, for dashboard display.
func (c *Controller) PrimaryAddr() (host, port string, ok bool) {
	c.roleMu.Lock()
	defer c.roleMu.Unlock()
	if c.role != RoleReplica {
		return "", "", false
	}
	return c.primaryHost, c.primaryPort, true
}

// SelfFollowerUUID reports the UUID this node's primary assigned it
// during the SYNC handshake, for dashboard display; empty until a
// handshake has completed.
func (c *Controller) SelfFollowerUUID() string {
	c.roleMu.Lock()
	defer c.roleMu.Unlock()
	return c.selfAsFollowerUUID
}

// AllowsDirectWrite implements the dispatcher's Propagator interface: a
// Replica only accepts SET/DEL carrying a non-empty client_id (i.e. a
// propagation from its primary); Single and Primary accept all writes.
func (c *Controller) AllowsDirectWrite(clientID string) bool {
	c.roleMu.Lock()
	role := c.role
	c.roleMu.Unlock()
	if role != RoleReplica {
		return true
	}
	return clientID != ""
}

// syncSubject derives the NATS subject a primary listens on for SYNC
// requests from its host:port (NATS subjects cannot contain ':').
func syncSubject(host, port string) string {
	sanitized := strings.NewReplacer(".", "-", ":", "-").Replace(host)
	return fmt.Sprintf("vodis.sync.%s.%s", sanitized, port)
}

// followerSubject is the per-follower channel carrying both propagated
// writes and the SYNCGOT snapshot delivery.
func followerSubject(followerUUID string) string {
	return "vodis.replicate." + followerUUID
}

// ListenForSync subscribes this node to its own SYNC subject so peers can
// issue REPLICAOF against it. Call once at startup regardless of role;
// SYNC itself still enforces "role must be Single or Primary" (see
// HandleSync), so listening early is harmless.
func (c *Controller) ListenForSync() error {
	subject := syncSubject(c.selfHost, c.selfPort)
	_, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		var req syncRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.log.Warn().Err(err).Msg("replication: malformed SYNC request")
			return
		}
		uuid, err := c.HandleSync(req.Host, req.Port)
		resp := syncResponse{UUID: uuid}
		if err != nil {
			resp.Err = err.Error()
		}
		payload, _ := json.Marshal(resp)
		_ = msg.Respond(payload)
	})
	if err != nil {
		return fmt.Errorf("replication: subscribe %s: %w", subject, err)
	}
	return nil
}

type syncRequest struct {
	Host string `json:"host"`
	Port string `json:"port"`
}

type syncResponse struct {
	UUID string `json:"uuid"`
	Err  string `json:"err,omitempty"`
}

// HandleSync implements the primary side of the full-sync handshake
// (spec.md §4.E): ensures role is Primary, allocates a follower UUID,
// records the follower, and asynchronously delivers a SYNCGOT snapshot.
func (c *Controller) HandleSync(host, port string) (string, error) {
	c.roleMu.Lock()
	if c.role == RoleReplica {
		c.roleMu.Unlock()
		return "", command.New(command.ErrRoleForbidden, "SYNC rejected: node is a Replica")
	}
	c.role = RolePrimary
	c.roleMu.Unlock()

	id := uuid.NewString()
	subject := followerSubject(id)

	var limiter *rate.Limiter
	if c.propagateRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(c.propagateRate), 1)
	}

	c.followersMu.Lock()
	c.followers[id] = &follower{uuid: id, addr: host + ":" + port, subject: subject, limiter: limiter}
	c.followersMu.Unlock()

	go c.deliverSnapshot(id, subject)
	return id, nil
}

// deliverSnapshot serializes the keyspace and publishes it as a SYNCGOT
// request on the follower's subject. Snapshot bytes are zstd-compressed
// (spec.md leaves the wire format open; SPEC_FULL.md §4.E pins zstd for
// snapshot transfer, LZ4 for steady-state propagation) and base64-encoded
// since command.Request.Args is []string.
func (c *Controller) deliverSnapshot(followerUUID, subject string) {
	raw := c.eng.Serialize()

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		c.log.Error().Err(err).Msg("replication: zstd encoder init failed")
		return
	}
	defer enc.Close()
	compressed := enc.EncodeAll(raw, nil)

	req := command.Request{
		Cmd:      command.SYNCGOT,
		Args:     []string{base64.StdEncoding.EncodeToString(compressed)},
		ClientID: c.selfIdentity(),
	}
	if err := c.publish(subject, req, true); err != nil {
		c.log.Warn().Err(err).Str("follower", followerUUID).Msg("replication: SYNCGOT delivery failed")
	}
}

// selfIdentity returns the UUID this node stamps onto propagated and
// snapshot requests so receivers' replica-write-rule checks admit them.
func (c *Controller) selfIdentity() string {
	c.roleMu.Lock()
	defer c.roleMu.Unlock()
	if c.selfUUID == "" {
		c.selfUUID = uuid.NewString()
	}
	return c.selfUUID
}

// HandleReplicaof implements the replica side of the handshake: it may
// only run from Single (REPLICAOF from Primary is rejected per spec.md
// §4.E), issues SYNC against the new primary, and stores the returned
// follower UUID for propagation filtering.
func (c *Controller) HandleReplicaof(host, port string) error {
	c.roleMu.Lock()
	if c.role != RoleSingle {
		role := c.role
		c.roleMu.Unlock()
		return command.New(command.ErrRoleForbidden, "REPLICAOF rejected: node is %s", role)
	}
	c.role = RoleReplica
	c.primaryHost, c.primaryPort = host, port
	c.roleMu.Unlock()

	req := syncRequest{Host: c.selfHost, Port: c.selfPort}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("replication: marshal SYNC request: %w", err)
	}

	msg, err := c.nc.Request(syncSubject(host, port), payload, syncTimeout)
	if err != nil {
		return command.New(command.ErrPropagation, "SYNC handshake with %s:%s failed: %v", host, port, err)
	}

	var resp syncResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return fmt.Errorf("replication: unmarshal SYNC response: %w", err)
	}
	if resp.Err != "" {
		return command.New(command.ErrRoleForbidden, "%s", resp.Err)
	}

	c.roleMu.Lock()
	c.selfAsFollowerUUID = resp.UUID
	c.roleMu.Unlock()

	return c.subscribeAsFollower(resp.UUID)
}

// subscribeAsFollower listens on this node's own follower subject for
// propagated writes and the SYNCGOT snapshot callback, applying each
// directly to the engine (bypassing the dispatcher's replica write rule,
// since the controller itself is the trusted source here).
func (c *Controller) subscribeAsFollower(followerUUID string) error {
	subject := followerSubject(followerUUID)
	_, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		req, err := c.decode(msg.Data)
		if err != nil {
			c.log.Warn().Err(err).Msg("replication: malformed follower message")
			return
		}
		switch req.Cmd {
		case command.SYNCGOT:
			if len(req.Args) != 1 {
				c.log.Warn().Msg("replication: SYNCGOT missing payload")
				return
			}
			if err := c.applySyncgot(req.Args[0]); err != nil {
				c.log.Warn().Err(err).Msg("replication: SYNCGOT apply failed")
			}
		case command.SET, command.DEL:
			if c.replay != nil {
				if _, err := c.replay(req); err != nil {
					c.log.Warn().Err(err).Str("verb", string(req.Cmd)).Msg("replication: replay rejected")
				}
				return
			}
			// No dispatcher wired (e.g. unit tests exercising the
			// controller in isolation): fall back to a direct mutation.
			if req.Cmd == command.SET && len(req.Args) >= 2 {
				c.eng.SetAfter(req.Args[0], req.Args[1], 0)
			} else if req.Cmd == command.DEL && len(req.Args) >= 1 {
				c.eng.Del(req.Args[0])
			}
		}
	})
	if err != nil {
		return fmt.Errorf("replication: subscribe %s: %w", subject, err)
	}
	return nil
}

// HandleSyncgot is exposed so the dispatcher can route an explicit
// SYNCGOT RPC (e.g. replayed through a non-NATS transport in tests)
// through the same apply path as the NATS subscription.
func (c *Controller) HandleSyncgot(payload string) error {
	return c.applySyncgot(payload)
}

func (c *Controller) applySyncgot(b64 string) error {
	compressed, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("replication: decode snapshot payload: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return fmt.Errorf("replication: zstd decoder init failed: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return fmt.Errorf("replication: decompress snapshot: %w", err)
	}
	return c.eng.Deserialize(raw)
}

// Propagate fans req out to every known follower (primary side only),
// per spec.md §4.D step 3: fire-and-forget, failures logged, never
// surfaced to the client.
func (c *Controller) Propagate(req command.Request) {
	c.roleMu.Lock()
	role := c.role
	c.roleMu.Unlock()
	if role != RolePrimary {
		return
	}

	req.ClientID = c.selfIdentity()

	c.followersMu.Lock()
	targets := make([]*follower, 0, len(c.followers))
	for _, f := range c.followers {
		targets = append(targets, f)
	}
	c.followersMu.Unlock()

	for _, f := range targets {
		go c.propagateOne(f, req)
	}
}

func (c *Controller) propagateOne(f *follower, req command.Request) {
	if f.limiter != nil {
		_ = f.limiter.Wait(context.Background())
	}
	if err := c.publish(f.subject, req, false); err != nil {
		c.log.Warn().Err(err).Str("follower", f.uuid).Str("addr", f.addr).Msg("replication: propagation failed")
	}
}

// publish marshals req to JSON, LZ4-compresses it when it exceeds
// lz4Threshold (unless alreadyCompressed, to avoid double-compressing a
// zstd snapshot payload), and publishes a one-byte-prefixed envelope:
// 0x00 = raw JSON, 0x01 = LZ4-compressed JSON. The streaming lz4.Writer
// used here is the same one the teacher reaches for to decompress
// replication payloads (internal/replica/rdb_parser.go's lz4.NewReader).
func (c *Controller) publish(subject string, req command.Request, alreadyCompressed bool) error {
	envelope, err := encodeEnvelope(req, alreadyCompressed)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, envelope)
}

// encodeEnvelope is publish's pure encoding step, split out so it can be
// exercised without a live NATS connection.
func encodeEnvelope(req command.Request, alreadyCompressed bool) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("replication: marshal request: %w", err)
	}

	if alreadyCompressed || len(body) <= lz4Threshold {
		return append([]byte{0x00}, body...), nil
	}

	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return append([]byte{0x00}, body...), nil
	}
	if err := zw.Close(); err != nil {
		return append([]byte{0x00}, body...), nil
	}
	return append([]byte{0x01}, buf.Bytes()...), nil
}

// decode reverses encodeEnvelope's framing.
func (c *Controller) decode(data []byte) (command.Request, error) {
	return decodeEnvelope(data)
}

func decodeEnvelope(data []byte) (command.Request, error) {
	if len(data) == 0 {
		return command.Request{}, fmt.Errorf("replication: empty envelope")
	}
	marker, body := data[0], data[1:]
	var req command.Request
	switch marker {
	case 0x00:
		if err := json.Unmarshal(body, &req); err != nil {
			return req, err
		}
	case 0x01:
		decompressed, err := io.ReadAll(lz4.NewReader(bytes.NewReader(body)))
		if err != nil {
			return req, fmt.Errorf("replication: lz4 decompress: %w", err)
		}
		if err := json.Unmarshal(decompressed, &req); err != nil {
			return req, err
		}
	default:
		return req, fmt.Errorf("replication: unknown envelope marker 0x%02x", marker)
	}
	return req, nil
}

// FollowerCount reports the number of connected followers, for dashboard
// stats.
func (c *Controller) FollowerCount() int {
	c.followersMu.Lock()
	defer c.followersMu.Unlock()
	return len(c.followers)
}
