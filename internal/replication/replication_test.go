package replication

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"vodis/internal/command"
	"vodis/internal/engine"
)

func newTestController() *Controller {
	eng := engine.New()
	return New(eng, nil, Config{SelfHost: "127.0.0.1", SelfPort: "7001"}, zerolog.Nop())
}

func TestInitialRoleIsSingle(t *testing.T) {
	c := newTestController()
	if c.Role() != RoleSingle {
		t.Fatalf("Role() = %v; want RoleSingle", c.Role())
	}
	if !c.AllowsDirectWrite("") {
		t.Fatalf("AllowsDirectWrite(\"\") on Single = false; want true")
	}
}

func TestSyncPromotesSingleToPrimary(t *testing.T) {
	c := newTestController()
	if _, err := c.HandleSync("10.0.0.2", "7100"); err != nil {
		t.Fatalf("HandleSync: %v", err)
	}
	if c.Role() != RolePrimary {
		t.Fatalf("Role() after SYNC = %v; want RolePrimary", c.Role())
	}
	if c.FollowerCount() != 1 {
		t.Fatalf("FollowerCount() = %d; want 1", c.FollowerCount())
	}
}

func TestSyncRejectedOnReplica(t *testing.T) {
	c := newTestController()
	c.roleMu.Lock()
	c.role = RoleReplica
	c.roleMu.Unlock()

	_, err := c.HandleSync("h", "p")
	if command.KindOf(err) != command.ErrRoleForbidden {
		t.Fatalf("kind = %v; want ErrRoleForbidden", command.KindOf(err))
	}
}

func TestReplicaofRejectedFromPrimary(t *testing.T) {
	c := newTestController()
	c.roleMu.Lock()
	c.role = RolePrimary
	c.roleMu.Unlock()

	err := c.HandleReplicaof("h", "p")
	if command.KindOf(err) != command.ErrRoleForbidden {
		t.Fatalf("kind = %v; want ErrRoleForbidden", command.KindOf(err))
	}
}

func TestAllowsDirectWriteOnReplicaRequiresClientID(t *testing.T) {
	c := newTestController()
	c.roleMu.Lock()
	c.role = RoleReplica
	c.roleMu.Unlock()

	if c.AllowsDirectWrite("") {
		t.Fatalf("AllowsDirectWrite(\"\") on Replica = true; want false")
	}
	if !c.AllowsDirectWrite("primary-uuid") {
		t.Fatalf("AllowsDirectWrite(primary-uuid) on Replica = false; want true")
	}
}

func TestEnvelopeRoundTripSmallPayload(t *testing.T) {
	req := command.Request{Cmd: command.SET, Args: []string{"k", "v"}, ClientID: "u1"}
	envelope, err := encodeEnvelope(req, false)
	if err != nil {
		t.Fatalf("encodeEnvelope: %v", err)
	}
	if envelope[0] != 0x00 {
		t.Fatalf("marker = 0x%02x; want 0x00 for small payload", envelope[0])
	}
	got, err := decodeEnvelope(envelope)
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}
	if got.Cmd != req.Cmd || got.Args[0] != "k" || got.ClientID != "u1" {
		t.Fatalf("round trip = %+v; want %+v", got, req)
	}
}

func TestEnvelopeRoundTripLargePayloadCompresses(t *testing.T) {
	big := strings.Repeat("x", 4096)
	req := command.Request{Cmd: command.SET, Args: []string{"k", big}, ClientID: "u1"}
	envelope, err := encodeEnvelope(req, false)
	if err != nil {
		t.Fatalf("encodeEnvelope: %v", err)
	}
	if envelope[0] != 0x01 {
		t.Fatalf("marker = 0x%02x; want 0x01 for large payload", envelope[0])
	}
	got, err := decodeEnvelope(envelope)
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}
	if got.Args[1] != big {
		t.Fatalf("round trip payload mismatch, len=%d want=%d", len(got.Args[1]), len(big))
	}
}

func TestEnvelopeAlreadyCompressedSkipsLz4(t *testing.T) {
	req := command.Request{Cmd: command.SYNCGOT, Args: []string{strings.Repeat("z", 4096)}}
	envelope, err := encodeEnvelope(req, true)
	if err != nil {
		t.Fatalf("encodeEnvelope: %v", err)
	}
	if envelope[0] != 0x00 {
		t.Fatalf("marker = 0x%02x; want 0x00 when alreadyCompressed", envelope[0])
	}
}

func TestSyncSubjectSanitizesColonsAndDots(t *testing.T) {
	subj := syncSubject("127.0.0.1", "7000")
	if strings.ContainsAny(subj, ":.") {
		t.Fatalf("syncSubject = %q; contains reserved characters", subj)
	}
}

func TestApplySyncgotRoundTrip(t *testing.T) {
	src := engine.New()
	src.SetAfter("a", "1", 0)
	raw := src.Serialize()

	// Mirror deliverSnapshot's zstd+base64 framing without a live
	// network connection.
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd.NewWriter: %v", err)
	}
	defer enc.Close()
	compressed := enc.EncodeAll(raw, nil)
	payload := base64.StdEncoding.EncodeToString(compressed)

	dst := engine.New()
	applyTo := New(dst, nil, Config{SelfHost: "h", SelfPort: "p"}, zerolog.Nop())
	if err := applyTo.HandleSyncgot(payload); err != nil {
		t.Fatalf("HandleSyncgot: %v", err)
	}
	if v, ok := dst.Get("a"); !ok || v != "1" {
		t.Fatalf("Get(a) after SYNCGOT = %q, %v; want 1, true", v, ok)
	}
}
