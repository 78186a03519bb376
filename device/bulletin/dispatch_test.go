package bulletin

import (
	"testing"

	"github.com/kabili207/meshboard-go/core/codec"
	"github.com/kabili207/meshboard-go/core/crypto"
)

// S6: a post attempt while the clock is desynced gets a text error reply
// and no ACK, and the buffer stays unchanged.
func TestDesyncedPostRejected(t *testing.T) {
	h := newTestHarness(t)
	clientKey, _ := h.makeClientKey()

	// Read-write login while the clock is still at zero.
	h.login(clientKey, 1_800_000_000, "hello")
	if !h.clk.IsDesynced() {
		t.Fatal("clock unexpectedly synced")
	}

	h.transport.reset()
	h.handle(h.buildTxtMsg(clientKey, 1_800_000_100, codec.TxtTypePlain, "first post"))

	if len(h.transport.packetsOfType(codec.PayloadTypeAck)) != 0 {
		t.Error("desynced post produced an ACK")
	}

	replies := h.transport.packetsOfType(codec.PayloadTypeTxtMsg)
	if len(replies) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(replies))
	}
	plaintext := h.decryptPush(replies[0], clientKey)
	content, err := codec.ParseTxtMsgContent(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if content.Message != "Error: Server clock desynced" {
		t.Errorf("reply = %q", content.Message)
	}

	if len(h.server.posts.NewestFirst()) != 0 {
		t.Error("post buffer changed")
	}
}

func TestPostIngressStoresAndAcks(t *testing.T) {
	h := newTestHarness(t)
	adminKey, adminID := h.makeClientKey()

	h.login(adminKey, 1_800_000_000, "password")
	h.setClock(1_800_000_010)

	h.transport.reset()
	h.handle(h.buildTxtMsg(adminKey, 1_800_000_100, codec.TxtTypePlain, "hello"))

	posts := h.server.posts.NewestFirst()
	if len(posts) != 1 {
		t.Fatalf("expected 1 post, got %d", len(posts))
	}
	if posts[0].Author != adminID {
		t.Error("post author mismatch")
	}
	if posts[0].Text != "hello" {
		t.Errorf("post text = %q", posts[0].Text)
	}

	acks := h.transport.packetsOfType(codec.PayloadTypeAck)
	if len(acks) != 1 {
		t.Fatalf("expected 1 ACK, got %d", len(acks))
	}

	// The ACK must match the content image + sender pubkey.
	content := codec.BuildTxtMsgContent(1_800_000_100, codec.TxtTypePlain, 0, "hello", nil)
	wantToken := crypto.ComputeAckHash(content, adminID[:])
	got, err := codec.ParseAckPayload(acks[0].Payload)
	if err != nil {
		t.Fatal(err)
	}
	if got.Checksum != wantToken {
		t.Errorf("ack token = %08x, want %08x", got.Checksum, wantToken)
	}

	// The post must survive a reload.
	fresh := NewPostBuffer(MaxPosts)
	if err := fresh.Load(h.store); err != nil {
		t.Fatal(err)
	}
	if len(fresh.NewestFirst()) != 1 {
		t.Error("post not persisted")
	}
}

// Replay: an older timestamp causes no observable mutation; an equal one is
// a retry that re-ACKs without storing a duplicate post.
func TestTextReplayAndRetry(t *testing.T) {
	h := newTestHarness(t)
	adminKey, adminID := h.makeClientKey()

	h.login(adminKey, 1_800_000_000, "password")
	h.setClock(1_800_000_010)

	h.handle(h.buildTxtMsg(adminKey, 1_800_000_100, codec.TxtTypePlain, "hello"))
	if len(h.server.posts.NewestFirst()) != 1 {
		t.Fatal("post not stored")
	}

	// Strictly older: dropped silently.
	h.transport.reset()
	h.handle(h.buildTxtMsg(adminKey, 1_800_000_050, codec.TxtTypePlain, "stale"))
	if h.transport.sentCount() != 0 {
		t.Error("stale frame produced output")
	}
	if len(h.server.posts.NewestFirst()) != 1 {
		t.Error("stale frame mutated the post buffer")
	}
	client := h.server.acl.GetClient(adminID[:])
	if client.LastTimestamp != 1_800_000_100 {
		t.Errorf("last_timestamp = %d, want 1_800_000_100", client.LastTimestamp)
	}

	// Equal: retry. ACK again, but no duplicate post.
	h.transport.reset()
	h.handle(h.buildTxtMsg(adminKey, 1_800_000_100, codec.TxtTypePlain, "hello"))
	if len(h.transport.packetsOfType(codec.PayloadTypeAck)) != 1 {
		t.Error("retry not re-ACKed")
	}
	if len(h.server.posts.NewestFirst()) != 1 {
		t.Error("retry duplicated the post")
	}
}

func TestGuestPostIgnored(t *testing.T) {
	h := newTestHarness(t, withReadOnly())
	guestKey, _ := h.makeClientKey()

	h.login(guestKey, 1_800_000_000, "")
	h.setClock(1_800_000_010)

	h.transport.reset()
	h.handle(h.buildTxtMsg(guestKey, 1_800_000_100, codec.TxtTypePlain, "sneaky"))

	if h.transport.sentCount() != 0 {
		t.Error("guest post produced output")
	}
	if len(h.server.posts.NewestFirst()) != 0 {
		t.Error("guest post stored")
	}
}

func TestOverlengthPostRejectedSilently(t *testing.T) {
	h := newTestHarness(t)
	adminKey, _ := h.makeClientKey()

	h.login(adminKey, 1_800_000_000, "password")
	h.setClock(1_800_000_010)

	long := make([]byte, MaxPostTextLen+1)
	for i := range long {
		long[i] = 'a'
	}
	h.handle(h.buildTxtMsg(adminKey, 1_800_000_100, codec.TxtTypePlain, string(long)))

	if len(h.server.posts.NewestFirst()) != 0 {
		t.Error("over-length post stored")
	}
}

func TestCLIDataFromNonAdminIgnored(t *testing.T) {
	h := newTestHarness(t)
	userKey, _ := h.makeClientKey()

	h.login(userKey, 1_800_000_000, "hello")
	h.setClock(1_800_000_010)

	h.transport.reset()
	h.handle(h.buildTxtMsg(userKey, 1_800_000_100, codec.TxtTypeCLI, "get acl"))

	if h.transport.sentCount() != 0 {
		t.Error("non-admin CLI data produced output")
	}
}

func TestCLIDataFromAdminGetsReply(t *testing.T) {
	h := newTestHarness(t)
	adminKey, _ := h.makeClientKey()

	h.login(adminKey, 1_800_000_000, "password")
	h.setClock(1_800_000_010)

	h.transport.reset()
	h.handle(h.buildTxtMsg(adminKey, 1_800_000_100, codec.TxtTypeCLI, "ver"))

	replies := h.transport.packetsOfType(codec.PayloadTypeTxtMsg)
	if len(replies) != 1 {
		t.Fatalf("expected 1 CLI reply, got %d", len(replies))
	}
	plaintext := h.decryptPush(replies[0], adminKey)
	content, err := codec.ParseTxtMsgContent(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if content.TxtType != codec.TxtTypeCLI {
		t.Errorf("reply type = %d, want CLI", content.TxtType)
	}
	if content.Message != defaultVersion {
		t.Errorf("reply = %q, want %q", content.Message, defaultVersion)
	}
	if len(h.transport.packetsOfType(codec.PayloadTypeAck)) != 0 {
		t.Error("CLI data produced an ACK")
	}
}

func TestUserCommandRepliesSigned(t *testing.T) {
	h := newTestHarness(t)
	userKey, _ := h.makeClientKey()

	h.login(userKey, 1_800_000_000, "hello")
	h.setClock(1_800_000_010)

	h.transport.reset()
	h.handle(h.buildTxtMsg(userKey, 1_800_000_100, codec.TxtTypePlain, "!version"))

	if len(h.transport.packetsOfType(codec.PayloadTypeAck)) != 1 {
		t.Error("user command not ACKed")
	}
	replies := h.transport.packetsOfType(codec.PayloadTypeTxtMsg)
	if len(replies) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(replies))
	}
	content, err := codec.ParseTxtMsgContent(h.decryptPush(replies[0], userKey))
	if err != nil {
		t.Fatal(err)
	}
	if content.TxtType != codec.TxtTypeSigned {
		t.Errorf("reply type = %d, want signed", content.TxtType)
	}
	if len(h.server.posts.NewestFirst()) != 0 {
		t.Error("user command stored as a post")
	}
}

func TestPathLearningWithBundledAck(t *testing.T) {
	h := newTestHarness(t)
	adminKey, adminID := h.makeClientKey()

	h.login(adminKey, 1_800_000_000, "password")
	h.setClock(1_800_000_010)
	client := h.server.acl.GetClient(adminID[:])
	client.PendingAck = 0xDEAD0001
	client.PushPostTimestamp = 1_800_000_005

	pathContent := codec.BuildPathContent([]byte{0x11, 0x22}, codec.PayloadTypeAck,
		codec.BuildAckPayload(0xDEAD0001))
	encrypted, err := crypto.EncryptAddressedWithSecret(pathContent, h.sharedSecret(adminKey))
	if err != nil {
		t.Fatal(err)
	}
	mac, ciphertext := codec.SplitMAC(encrypted)
	pkt := &codec.Packet{
		Header: codec.PayloadTypePath<<codec.PHTypeShift | codec.RouteTypeDirect,
		Payload: codec.BuildAddressedPayload(
			h.server.self.Hash(), adminID.Hash(), mac, ciphertext),
	}

	h.transport.reset()
	h.handle(pkt)

	if client.OutPathLen != 2 {
		t.Errorf("out_path_len = %d, want 2", client.OutPathLen)
	}
	if client.PendingAck != 0 {
		t.Error("bundled ACK not processed")
	}
	if client.SyncSince != 1_800_000_005 {
		t.Errorf("sync_since = %d, want 1_800_000_005", client.SyncSince)
	}
	// No reciprocal path echo.
	if h.transport.sentCount() != 0 {
		t.Error("path packet produced output")
	}
}
