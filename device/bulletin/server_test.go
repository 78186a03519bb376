package bulletin

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/kabili207/meshboard-go/core"
	"github.com/kabili207/meshboard-go/core/clock"
	"github.com/kabili207/meshboard-go/core/codec"
	"github.com/kabili207/meshboard-go/core/crypto"
	"github.com/kabili207/meshboard-go/device/router"
	"github.com/kabili207/meshboard-go/device/storage"
	"github.com/kabili207/meshboard-go/transport"
)

// mockTransport records sent packets for testing.
type mockTransport struct {
	mu        sync.Mutex
	packets   []*codec.Packet
	connected bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{connected: true}
}

func (m *mockTransport) Start(_ context.Context) error             { return nil }
func (m *mockTransport) Stop() error                               { return nil }
func (m *mockTransport) IsConnected() bool                         { return m.connected }
func (m *mockTransport) SetPacketHandler(_ transport.PacketHandler) {}
func (m *mockTransport) SetStateHandler(_ transport.StateHandler)   {}

func (m *mockTransport) SendPacket(pkt *codec.Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packets = append(m.packets, pkt.Clone())
	return nil
}

func (m *mockTransport) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.packets)
}

func (m *mockTransport) lastPacket() *codec.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.packets) == 0 {
		return nil
	}
	return m.packets[len(m.packets)-1]
}

// packetsOfType returns all sent packets with the given payload type.
func (m *mockTransport) packetsOfType(t uint8) []*codec.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*codec.Packet
	for _, pkt := range m.packets {
		if pkt.PayloadType() == t {
			result = append(result, pkt)
		}
	}
	return result
}

func (m *mockTransport) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packets = nil
}

// testHarness bundles the components needed for server testing, with a
// fully controlled clock and scheduler time.
type testHarness struct {
	t         *testing.T
	server    *Server
	transport *mockTransport
	router    *router.Router
	store     storage.BlobStore
	clk       *clock.Clock
	serverKey *crypto.KeyPair

	nowTS uint32    // clock seconds, controlled
	wall  time.Time // scheduler wall time, controlled
}

type harnessOption func(*ServerConfig)

func withReadOnly() harnessOption {
	return func(cfg *ServerConfig) { cfg.AllowReadOnly = true }
}

func newTestHarness(t *testing.T, opts ...harnessOption) *testHarness {
	t.Helper()

	serverKey, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal("failed to generate server key:", err)
	}
	var serverPub [32]byte
	copy(serverPub[:], serverKey.PublicKey)

	mt := newMockTransport()
	r := router.New(router.Config{
		SelfID: core.MeshCoreID(serverPub),
	})
	r.AddTransport(mt, transport.PacketSourceMQTT)

	store, err := storage.NewDirStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal("failed to create store:", err)
	}

	h := &testHarness{
		t:         t,
		transport: mt,
		router:    r,
		store:     store,
		serverKey: serverKey,
		wall:      time.Unix(1000, 0),
	}

	clk := clock.New()
	clk.SetNowFn(func() uint32 { return h.nowTS })
	h.clk = clk

	cfg := ServerConfig{
		PrivateKey:    serverKey.PrivateKey,
		PublicKey:     serverPub,
		Clock:         clk,
		Store:         store,
		AdminPassword: "password",
		GuestPassword: "hello",
		Router:        r,
		Name:          "Bulletin Server",
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	srv := NewServer(cfg)
	srv.now = func() time.Time { return h.wall }
	if err := srv.Begin(); err != nil {
		t.Fatal("server begin failed:", err)
	}
	h.server = srv
	return h
}

// setClock pins the clock to the given value under harness control. Needed
// after the server calls SetCurrentTime, which re-bases the clock onto real
// time.
func (h *testHarness) setClock(ts uint32) {
	h.nowTS = ts
	h.clk.SetNowFn(func() uint32 { return h.nowTS })
}

// advance moves both the scheduler wall time and the clock forward.
func (h *testHarness) advance(d time.Duration) {
	h.wall = h.wall.Add(d)
	h.nowTS += uint32(d / time.Second)
}

// tick runs one server loop pass.
func (h *testHarness) tick() {
	h.server.Loop()
}

// makeClientKey generates a client key pair and its identity.
func (h *testHarness) makeClientKey() (*crypto.KeyPair, core.MeshCoreID) {
	h.t.Helper()
	key, err := crypto.GenerateKeyPair()
	if err != nil {
		h.t.Fatal("failed to generate client key:", err)
	}
	var id core.MeshCoreID
	copy(id[:], key.PublicKey)
	return key, id
}

// sharedSecret computes the client<->server ECDH secret.
func (h *testHarness) sharedSecret(clientKey *crypto.KeyPair) []byte {
	h.t.Helper()
	secret, err := crypto.ComputeSharedSecret(clientKey.PrivateKey, h.serverKey.PublicKey)
	if err != nil {
		h.t.Fatal("failed to compute shared secret:", err)
	}
	return secret
}

// buildAnonReq builds an ANON_REQ login packet for the given client key.
func (h *testHarness) buildAnonReq(clientKey *crypto.KeyPair, timestamp, syncSince uint32, password string) *codec.Packet {
	h.t.Helper()

	loginData := make([]byte, 8+len(password)+1)
	binary.LittleEndian.PutUint32(loginData[0:4], timestamp)
	binary.LittleEndian.PutUint32(loginData[4:8], syncSince)
	copy(loginData[8:], password)

	encrypted, err := crypto.EncryptAddressedWithSecret(loginData, h.sharedSecret(clientKey))
	if err != nil {
		h.t.Fatal("failed to encrypt login data:", err)
	}
	mac, ciphertext := codec.SplitMAC(encrypted)

	var clientPub [32]byte
	copy(clientPub[:], clientKey.PublicKey)

	return &codec.Packet{
		Header:  codec.PayloadTypeAnonReq<<codec.PHTypeShift | codec.RouteTypeDirect,
		Payload: codec.BuildAnonReqPayload(h.server.self.Hash(), clientPub, mac, ciphertext),
	}
}

// buildTxtMsg builds an encrypted TXT_MSG packet from a logged-in client.
func (h *testHarness) buildTxtMsg(clientKey *crypto.KeyPair, timestamp uint32, txtType uint8, text string) *codec.Packet {
	h.t.Helper()

	content := codec.BuildTxtMsgContent(timestamp, txtType, 0, text, nil)
	encrypted, err := crypto.EncryptAddressedWithSecret(content, h.sharedSecret(clientKey))
	if err != nil {
		h.t.Fatal("failed to encrypt txt msg:", err)
	}
	mac, ciphertext := codec.SplitMAC(encrypted)

	var clientPub core.MeshCoreID
	copy(clientPub[:], clientKey.PublicKey)

	return &codec.Packet{
		Header: codec.PayloadTypeTxtMsg<<codec.PHTypeShift | codec.RouteTypeDirect,
		Payload: codec.BuildAddressedPayload(
			h.server.self.Hash(), clientPub.Hash(), mac, ciphertext),
	}
}

// buildReq builds an encrypted REQ packet from a logged-in client.
func (h *testHarness) buildReq(clientKey *crypto.KeyPair, timestamp uint32, reqType uint8, reqData []byte) *codec.Packet {
	h.t.Helper()

	content := codec.BuildRequestContent(timestamp, reqType, reqData)
	encrypted, err := crypto.EncryptAddressedWithSecret(content, h.sharedSecret(clientKey))
	if err != nil {
		h.t.Fatal("failed to encrypt req:", err)
	}
	mac, ciphertext := codec.SplitMAC(encrypted)

	var clientPub core.MeshCoreID
	copy(clientPub[:], clientKey.PublicKey)

	return &codec.Packet{
		Header: codec.PayloadTypeReq<<codec.PHTypeShift | codec.RouteTypeDirect,
		Payload: codec.BuildAddressedPayload(
			h.server.self.Hash(), clientPub.Hash(), mac, ciphertext),
	}
}

// buildAck builds an ACK packet carrying the given token.
func buildAck(token uint32) *codec.Packet {
	return &codec.Packet{
		Header:  codec.PayloadTypeAck<<codec.PHTypeShift | codec.RouteTypeDirect,
		Payload: codec.BuildAckPayload(token),
	}
}

// handle dispatches a packet to the server as the router would.
func (h *testHarness) handle(pkt *codec.Packet) {
	h.server.HandlePacket(pkt, transport.PacketSourceMQTT)
}

// login performs a successful login and returns the ACL entry.
func (h *testHarness) login(clientKey *crypto.KeyPair, timestamp uint32, password string) *ClientInfo {
	h.t.Helper()
	h.handle(h.buildAnonReq(clientKey, timestamp, 0, password))

	var id core.MeshCoreID
	copy(id[:], clientKey.PublicKey)
	client := h.server.acl.GetClient(id[:])
	if client == nil {
		h.t.Fatal("login did not create ACL entry")
	}
	return client
}

// decryptPush decrypts a pushed TXT_MSG for the given client and returns
// the plaintext content.
func (h *testHarness) decryptPush(pkt *codec.Packet, clientKey *crypto.KeyPair) []byte {
	h.t.Helper()
	addr, err := codec.ParseAddressedPayload(pkt.Payload)
	if err != nil {
		h.t.Fatal("failed to parse pushed payload:", err)
	}
	plaintext, err := crypto.DecryptAddressedWithSecret(
		codec.PrependMAC(addr.MAC, addr.Ciphertext), h.sharedSecret(clientKey))
	if err != nil {
		h.t.Fatal("failed to decrypt push:", err)
	}
	return plaintext
}

// pushAckToken computes the ACK token a client would send for a pushed post.
func pushAckToken(plaintext []byte, clientPub []byte) uint32 {
	// The push payload is header(9) + text; trailing cipher padding is
	// excluded from the ACK image.
	end := len(plaintext)
	for i := 9; i < len(plaintext); i++ {
		if plaintext[i] == 0 {
			end = i
			break
		}
	}
	return crypto.ComputeAckHash(plaintext[:end], clientPub)
}

func TestBeginAddsDesyncedBootMessage(t *testing.T) {
	h := newTestHarness(t)

	if h.server.sysMsgs.NumMessages() != 1 {
		t.Fatalf("expected 1 system message after desynced boot, got %d",
			h.server.sysMsgs.NumMessages())
	}
	msg := h.server.sysMsgs.Message(0)
	if msg.BootSequence != 1 {
		t.Errorf("boot sequence = %d, want 1", msg.BootSequence)
	}
}

func TestBootCounterIncrements(t *testing.T) {
	dir := t.TempDir()
	store, _ := storage.NewDirStore(dir, nil)

	for want := uint32(1); want <= 3; want++ {
		key, _ := crypto.GenerateKeyPair()
		var pub [32]byte
		copy(pub[:], key.PublicKey)
		srv := NewServer(ServerConfig{
			PrivateKey: key.PrivateKey,
			PublicKey:  pub,
			Clock:      clock.NewFixed(0),
			Store:      store,
			Router:     router.New(router.Config{SelfID: core.MeshCoreID(pub)}),
		})
		if err := srv.Begin(); err != nil {
			t.Fatal(err)
		}
		if srv.bootSeq != want {
			t.Fatalf("boot %d: bootSeq = %d", want, srv.bootSeq)
		}
	}
}
