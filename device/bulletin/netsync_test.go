package bulletin

import (
	"encoding/binary"
	"strings"
	"testing"
)

// quorumHarness returns a harness with netsync enabled and a desynced clock.
func quorumHarness(t *testing.T) *testHarness {
	h := newTestHarness(t)
	h.server.netsync.enabled = true
	h.setClock(100)
	return h
}

func (h *testHarness) repeaterAdvert(first byte, ts uint32) {
	var id [32]byte
	id[0] = first
	h.server.mu.Lock()
	h.server.onRepeaterAdvert(id, ts)
	h.server.mu.Unlock()
}

// S5 / property 10: three agreeing repeater adverts set the clock to the
// newest timestamp and empty the buffer.
func TestQuorumSync(t *testing.T) {
	h := quorumHarness(t)

	h.repeaterAdvert(0xA1, 1_800_000_000)
	h.repeaterAdvert(0xB2, 1_800_000_300)
	h.tick()
	if h.server.clockSyncedOnce {
		t.Fatal("synced with only two adverts")
	}

	h.repeaterAdvert(0xC3, 1_800_000_600)
	h.tick()

	if !h.server.clockSyncedOnce {
		t.Fatal("quorum did not sync")
	}
	if now := h.clk.GetCurrentTime(); now < 1_800_000_600 {
		t.Errorf("clock = %d, want >= 1_800_000_600", now)
	}
	if h.server.netsync.count != 0 {
		t.Errorf("repeater buffer count = %d, want 0", h.server.netsync.count)
	}

	// The announcement names all three prefixes.
	var found string
	for i := 0; i < h.server.sysMsgs.NumMessages(); i++ {
		if strings.Contains(h.server.sysMsgs.Message(i).Text, "Clock set by Repeater advert") {
			found = h.server.sysMsgs.Message(i).Text
		}
	}
	if found == "" {
		t.Fatal("no quorum sync system message")
	}
	for _, prefix := range []string{"[A1000000]", "[B2000000]", "[C3000000]"} {
		if !strings.Contains(found, prefix) {
			t.Errorf("announcement %q missing %s", found, prefix)
		}
	}
}

// Property 9: once synced, further adverts never set the clock again.
func TestQuorumSyncIdempotent(t *testing.T) {
	h := quorumHarness(t)

	h.repeaterAdvert(0xA1, 1_800_000_000)
	h.repeaterAdvert(0xB2, 1_800_000_100)
	h.repeaterAdvert(0xC3, 1_800_000_200)
	h.tick()
	if !h.server.clockSyncedOnce {
		t.Fatal("quorum did not sync")
	}
	h.setClock(1_800_000_200)

	h.repeaterAdvert(0xD4, 1_900_000_000)
	h.repeaterAdvert(0xE5, 1_900_000_000)
	h.repeaterAdvert(0xF6, 1_900_000_000)
	h.tick()

	if h.clk.GetCurrentTime() >= 1_900_000_000 {
		t.Error("clock re-synced after synced_once")
	}
	if h.server.netsync.count != 0 {
		t.Error("adverts buffered after synced_once")
	}
}

func TestQuorumSpanTooWideEvictsOldest(t *testing.T) {
	h := quorumHarness(t)

	h.repeaterAdvert(0xA1, 1_800_000_000)
	h.setClock(101)
	h.repeaterAdvert(0xB2, 1_800_000_100)
	h.setClock(102)
	// Span 1000 s > 15 min default window.
	h.repeaterAdvert(0xC3, 1_800_001_000)
	h.tick()

	if h.server.clockSyncedOnce {
		t.Fatal("synced despite span over maxwait")
	}
	if h.server.netsync.count != 2 {
		t.Fatalf("count = %d, want 2 (oldest evicted)", h.server.netsync.count)
	}
	// The evicted entry is the earliest received (0xA1).
	for i := 0; i < h.server.netsync.count; i++ {
		if h.server.netsync.buffer[i].prefix[0] == 0xA1 {
			t.Error("oldest advert not the one evicted")
		}
	}
}

func TestQuorumSamePrefixUpdatesNewerWins(t *testing.T) {
	h := quorumHarness(t)

	h.repeaterAdvert(0xA1, 1_800_000_200)
	h.repeaterAdvert(0xA1, 1_800_000_100) // older: ignored
	h.repeaterAdvert(0xA1, 1_800_000_300) // newer: wins

	if h.server.netsync.count != 1 {
		t.Fatalf("count = %d, want 1", h.server.netsync.count)
	}
	if got := h.server.netsync.buffer[0].timestamp; got != 1_800_000_300 {
		t.Errorf("stored timestamp = %d, want 1_800_000_300", got)
	}
}

func TestQuorumBogusPastDiscardsAll(t *testing.T) {
	h := quorumHarness(t)

	// Buffer a full quorum while desynced, then have the clock become
	// plausible (e.g. via CLI) before the check services the flag. The
	// quorum timestamps are now in the past: bogus, restart collection.
	h.repeaterAdvert(0xA1, 1_800_000_000)
	h.repeaterAdvert(0xB2, 1_800_000_100)
	h.setClock(101)
	h.repeaterAdvert(0xC3, 1_800_000_200)

	h.setClock(1_900_000_000)
	h.tick()

	if h.server.clockSyncedOnce {
		t.Fatal("synced from past timestamps")
	}
	if h.server.netsync.count != 0 {
		t.Errorf("count = %d, want 0 (buffer discarded)", h.server.netsync.count)
	}
}

func TestAdminSyncClearsRepeaterBuffer(t *testing.T) {
	h := quorumHarness(t)

	h.repeaterAdvert(0xA1, 1_800_000_000)
	h.repeaterAdvert(0xB2, 1_800_000_100)

	adminKey, _ := h.makeClientKey()
	h.login(adminKey, 1_800_000_500, "password")

	if !h.server.clockSyncedOnce {
		t.Fatal("admin login did not sync")
	}
	if h.server.netsync.count != 0 {
		t.Error("admin sync did not clear the repeater buffer")
	}
	if h.server.netsync.checkFlag {
		t.Error("admin sync left the netsync check flag set")
	}
}

func TestNetSyncConfigPersistence(t *testing.T) {
	h := newTestHarness(t)

	h.server.mu.Lock()
	h.server.netsync.enabled = true
	h.server.netsync.maxwaitMins = 30
	h.server.saveNetSyncConfig()

	h.server.netsync.init()
	h.server.loadNetSyncConfig()
	h.server.mu.Unlock()

	if !h.server.netsync.enabled || h.server.netsync.maxwaitMins != 30 {
		t.Errorf("config round-trip failed: enabled=%v maxwait=%d",
			h.server.netsync.enabled, h.server.netsync.maxwaitMins)
	}
}

func TestNetSyncConfigGuardMismatchFallsBack(t *testing.T) {
	h := newTestHarness(t)

	buf := make([]byte, netsyncConfigSize)
	buf[0] = 1
	binary.LittleEndian.PutUint16(buf[1:3], 30)
	binary.LittleEndian.PutUint32(buf[3:7], 0x12345678) // bad guard
	if err := h.store.WriteAll(NetSyncConfigFile, buf); err != nil {
		t.Fatal(err)
	}

	h.server.mu.Lock()
	h.server.loadNetSyncConfig()
	h.server.mu.Unlock()

	if h.server.netsync.enabled {
		t.Error("guard mismatch accepted")
	}
	if h.server.netsync.maxwaitMins != netsyncMaxwaitDefault {
		t.Errorf("maxwait = %d, want default %d", h.server.netsync.maxwaitMins, netsyncMaxwaitDefault)
	}
}

func TestNetSyncConfigRangeRejected(t *testing.T) {
	h := newTestHarness(t)

	buf := make([]byte, netsyncConfigSize)
	buf[0] = 1
	binary.LittleEndian.PutUint16(buf[1:3], 120) // out of [5,60]
	binary.LittleEndian.PutUint32(buf[3:7], ConfigGuard)
	if err := h.store.WriteAll(NetSyncConfigFile, buf); err != nil {
		t.Fatal(err)
	}

	h.server.mu.Lock()
	h.server.loadNetSyncConfig()
	h.server.mu.Unlock()

	if h.server.netsync.enabled || h.server.netsync.maxwaitMins != netsyncMaxwaitDefault {
		t.Error("out-of-range maxwait accepted")
	}
}
