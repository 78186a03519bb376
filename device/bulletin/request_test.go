package bulletin

import (
	"encoding/binary"
	"testing"

	"github.com/kabili207/meshboard-go/core/codec"
)

func TestGetStatusReturnsStatsStruct(t *testing.T) {
	h := newTestHarness(t)
	adminKey, _ := h.makeClientKey()
	h.login(adminKey, 1_800_000_000, "password")
	h.setClock(1_800_000_010)

	// Store a post so n_posted is non-zero.
	h.handle(h.buildTxtMsg(adminKey, 1_800_000_100, codec.TxtTypePlain, "a post"))

	h.transport.reset()
	h.handle(h.buildReq(adminKey, 1_800_000_200, codec.ReqTypeGetStatus, nil))

	resps := h.transport.packetsOfType(codec.PayloadTypeResponse)
	if len(resps) != 1 {
		t.Fatalf("expected 1 RESPONSE, got %d", len(resps))
	}
	plaintext := h.decryptPush(resps[0], adminKey)
	content, err := codec.ParseResponseContent(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if content.Tag != 1_800_000_200 {
		t.Errorf("tag = %d, want reflected sender timestamp", content.Tag)
	}
	if len(content.Content) < ServerStatsSize {
		t.Fatalf("stats blob = %d bytes, want >= %d", len(content.Content), ServerStatsSize)
	}
	nPosted := binary.LittleEndian.Uint16(content.Content[48:50])
	if nPosted != 1 {
		t.Errorf("n_posted = %d, want 1", nPosted)
	}
}

func TestGetAccessListAdminOnly(t *testing.T) {
	h := newTestHarness(t)
	adminKey, adminID := h.makeClientKey()
	h.login(adminKey, 1_800_000_000, "password")
	h.setClock(1_800_000_010)

	userKey, _ := h.makeClientKey()
	h.login(userKey, 1_800_000_011, "hello")

	// Non-admin request: silently dropped.
	h.transport.reset()
	h.handle(h.buildReq(userKey, 1_800_000_100, codec.ReqTypeGetAccessList, []byte{0, 0}))
	if len(h.transport.packetsOfType(codec.PayloadTypeResponse)) != 0 {
		t.Error("non-admin access list request answered")
	}

	// Admin request: one 7-byte entry per admin.
	h.transport.reset()
	h.handle(h.buildReq(adminKey, 1_800_000_200, codec.ReqTypeGetAccessList, []byte{0, 0}))
	resps := h.transport.packetsOfType(codec.PayloadTypeResponse)
	if len(resps) != 1 {
		t.Fatalf("expected 1 RESPONSE, got %d", len(resps))
	}
	content, err := codec.ParseResponseContent(h.decryptPush(resps[0], adminKey))
	if err != nil {
		t.Fatal(err)
	}
	// The decrypted reply carries cipher padding; only the leading entry
	// matters here (one admin in the ACL).
	if len(content.Content) < aclEntrySize {
		t.Fatalf("entry blob %d bytes, want >= %d", len(content.Content), aclEntrySize)
	}
	if string(content.Content[:aclPrefixSize]) != string(adminID[:aclPrefixSize]) {
		t.Error("entry prefix is not the admin's pubkey")
	}
	if content.Content[aclPrefixSize]&codec.PermACLRoleMask != codec.PermACLAdmin {
		t.Error("entry permissions not admin")
	}

	// Non-zero reserved bytes: rejected.
	h.transport.reset()
	h.handle(h.buildReq(adminKey, 1_800_000_300, codec.ReqTypeGetAccessList, []byte{1, 0}))
	if len(h.transport.packetsOfType(codec.PayloadTypeResponse)) != 0 {
		t.Error("reserved bytes ignored")
	}
}

func TestKeepAliveJamsSyncSinceAndCountsUnsynced(t *testing.T) {
	h := newTestHarness(t)
	adminKey, _ := h.makeClientKey()
	h.login(adminKey, 1_800_000_000, "password")
	h.setClock(1_800_000_010)

	subKey, subID := h.makeClientKey()
	h.login(subKey, 1_800_000_011, "hello")
	sub := h.server.acl.GetClient(subID[:])
	sub.SetPath([]byte{0x07}) // keep-alive replies require a direct route
	sub.PendingAck = 0xABCD1234

	// Two posts from the admin the subscriber hasn't synced.
	h.handle(h.buildTxtMsg(adminKey, 1_800_000_100, codec.TxtTypePlain, "one"))
	h.handle(h.buildTxtMsg(adminKey, 1_800_000_101, codec.TxtTypePlain, "two"))

	var forceSince [4]byte
	binary.LittleEndian.PutUint32(forceSince[:], 1_799_000_000)

	h.transport.reset()
	h.handle(h.buildReq(subKey, 1_800_000_200, codec.ReqTypeKeepAlive, forceSince[:]))

	if sub.SyncSince != 1_799_000_000 {
		t.Errorf("sync_since = %d, want jammed value", sub.SyncSince)
	}
	if sub.PendingAck != 0 {
		t.Error("keep-alive did not clear pending_ack")
	}

	acks := h.transport.packetsOfType(codec.PayloadTypeAck)
	if len(acks) != 1 {
		t.Fatalf("expected 1 ACK, got %d", len(acks))
	}
	ack, err := codec.ParseAckPayload(acks[0].Payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(ack.Extra) != 1 || ack.Extra[0] != 2 {
		t.Errorf("unsynced count annotation = %v, want [2]", ack.Extra)
	}
	if !acks[0].IsDirect() {
		t.Error("keep-alive ACK not sent direct")
	}
}

func TestKeepAliveIgnoredOnFloodRoute(t *testing.T) {
	h := newTestHarness(t)
	subKey, subID := h.makeClientKey()
	h.login(subKey, 1_800_000_000, "hello")
	h.setClock(1_800_000_010)
	h.server.acl.GetClient(subID[:]).SetPath([]byte{0x07})

	pkt := h.buildReq(subKey, 1_800_000_100, codec.ReqTypeKeepAlive, nil)
	pkt.Header = (pkt.Header &^ codec.PHRouteMask) | codec.RouteTypeFlood

	h.transport.reset()
	h.handle(pkt)
	if len(h.transport.packetsOfType(codec.PayloadTypeAck)) != 0 {
		t.Error("flood-routed keep-alive answered")
	}
}

func TestRequestReplayDropped(t *testing.T) {
	h := newTestHarness(t)
	adminKey, adminID := h.makeClientKey()
	h.login(adminKey, 1_800_000_000, "password")
	h.setClock(1_800_000_010)

	h.handle(h.buildReq(adminKey, 1_800_000_200, codec.ReqTypeGetStatus, nil))

	h.transport.reset()
	h.handle(h.buildReq(adminKey, 1_800_000_100, codec.ReqTypeGetStatus, nil))
	if len(h.transport.packetsOfType(codec.PayloadTypeResponse)) != 0 {
		t.Error("replayed request answered")
	}
	if h.server.acl.GetClient(adminID[:]).LastTimestamp != 1_800_000_200 {
		t.Error("replay moved the timestamp floor")
	}
}

func TestGetTelemetryMasksLocationForNonAdmins(t *testing.T) {
	lat, lon := 51.5, -0.12
	h := newTestHarness(t, func(cfg *ServerConfig) {
		cfg.Lat = &lat
		cfg.Lon = &lon
	})

	adminKey, _ := h.makeClientKey()
	h.login(adminKey, 1_800_000_000, "password")
	h.setClock(1_800_000_010)
	userKey, _ := h.makeClientKey()
	h.login(userKey, 1_800_000_011, "hello")

	// Admin requesting everything gets voltage + GPS records.
	h.transport.reset()
	h.handle(h.buildReq(adminKey, 1_800_000_100, codec.ReqTypeGetTelemetry, []byte{0x00}))
	resps := h.transport.packetsOfType(codec.PayloadTypeResponse)
	if len(resps) != 1 {
		t.Fatal("no telemetry response for admin")
	}
	content, _ := codec.ParseResponseContent(h.decryptPush(resps[0], adminKey))
	adminLen := len(content.Content)

	// Regular user gets base telemetry only.
	h.transport.reset()
	h.handle(h.buildReq(userKey, 1_800_000_100, codec.ReqTypeGetTelemetry, []byte{0x00}))
	resps = h.transport.packetsOfType(codec.PayloadTypeResponse)
	if len(resps) != 1 {
		t.Fatal("no telemetry response for user")
	}
	content, _ = codec.ParseResponseContent(h.decryptPush(resps[0], userKey))
	userLen := len(content.Content)

	if adminLen <= userLen {
		t.Errorf("admin telemetry (%d bytes) not larger than user telemetry (%d bytes)",
			adminLen, userLen)
	}
}
