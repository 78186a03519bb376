package dedupe

import (
	"testing"

	"github.com/kabili207/meshboard-go/core/codec"
)

func txtPacket(payload ...byte) *codec.Packet {
	return &codec.Packet{
		Header:  codec.PayloadTypeTxtMsg<<codec.PHTypeShift | codec.RouteTypeFlood,
		Payload: payload,
	}
}

func ackPacket(token ...byte) *codec.Packet {
	return &codec.Packet{
		Header:  codec.PayloadTypeAck<<codec.PHTypeShift | codec.RouteTypeDirect,
		Payload: token,
	}
}

func TestHasSeenDetectsDuplicates(t *testing.T) {
	d := New()

	p := txtPacket(1, 2, 3)
	if d.HasSeen(p) {
		t.Fatal("fresh packet reported as seen")
	}
	if !d.HasSeen(p) {
		t.Fatal("repeated packet not detected")
	}
	if d.HasSeen(txtPacket(1, 2, 4)) {
		t.Fatal("different payload reported as seen")
	}
}

func TestAcksTrackedSeparately(t *testing.T) {
	d := New()

	a := ackPacket(1, 2, 3, 4)
	if d.HasSeen(a) {
		t.Fatal("fresh ack reported as seen")
	}
	if !d.HasSeen(a) {
		t.Fatal("repeated ack not detected")
	}
	if d.HasSeen(ackPacket(4, 3, 2, 1)) {
		t.Fatal("different ack reported as seen")
	}
}

func TestCircularEviction(t *testing.T) {
	d := NewWithCapacity(2, 2)

	p1 := txtPacket(1)
	p2 := txtPacket(2)
	p3 := txtPacket(3)

	d.HasSeen(p1)
	d.HasSeen(p2)
	d.HasSeen(p3) // evicts p1

	if d.HasSeen(p1) {
		t.Error("evicted packet still reported as seen")
	}
}

func TestDupCounters(t *testing.T) {
	d := New()

	flood := txtPacket(9)
	d.HasSeen(flood)
	d.HasSeen(flood)

	direct := &codec.Packet{
		Header:  codec.PayloadTypeTxtMsg<<codec.PHTypeShift | codec.RouteTypeDirect,
		Payload: []byte{7},
	}
	d.HasSeen(direct)
	d.HasSeen(direct)

	directDups, floodDups := d.DupCounts()
	if directDups != 1 || floodDups != 1 {
		t.Errorf("dups = (%d, %d), want (1, 1)", directDups, floodDups)
	}

	d.ResetStats()
	directDups, floodDups = d.DupCounts()
	if directDups != 0 || floodDups != 0 {
		t.Error("counters not reset")
	}
}

func TestClear(t *testing.T) {
	d := New()
	p := txtPacket(1, 2)
	d.HasSeen(p)
	d.Clear()
	if d.HasSeen(p) {
		t.Error("packet remembered across Clear")
	}
}
