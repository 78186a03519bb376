package bulletin

import (
	"fmt"
	"testing"

	"github.com/kabili207/meshboard-go/core/codec"
	"github.com/kabili207/meshboard-go/device/storage"
)

func adminClient(first byte) *ClientInfo {
	return &ClientInfo{ID: testID(first), Permissions: codec.PermACLAdmin}
}

func TestSysMsgEvictionOrder(t *testing.T) {
	q := NewSystemMessageQueue(nil)

	// Fill across two boots; boot 1 messages are older regardless of millis.
	for i := 0; i < 4; i++ {
		q.Add(fmt.Sprintf("boot1 msg%d", i), 1, uint32(100+i))
	}
	for i := 0; i < 4; i++ {
		q.Add(fmt.Sprintf("boot2 msg%d", i), 2, uint32(i))
	}
	if q.NumMessages() != MaxSystemMessages {
		t.Fatalf("num = %d, want %d", q.NumMessages(), MaxSystemMessages)
	}

	// Next add evicts the oldest: (boot 1, millis 100).
	q.Add("boot2 overflow", 2, 500)
	if q.NumMessages() != MaxSystemMessages {
		t.Fatalf("num = %d after eviction, want %d", q.NumMessages(), MaxSystemMessages)
	}
	for i := 0; i < q.NumMessages(); i++ {
		if q.Message(i).Text == "boot1 msg0" {
			t.Error("oldest message not evicted")
		}
	}
}

func TestSysMsgNeedsPushAndMarkPushed(t *testing.T) {
	q := NewSystemMessageQueue(nil)
	q.Add("notice", 1, 0)

	admin := adminClient(0x10)
	user := &ClientInfo{ID: testID(0x20), Permissions: codec.PermACLReadWrite}

	if !q.NeedsPush(0, admin) {
		t.Error("fresh message should need push to admin")
	}
	if q.NeedsPush(0, user) {
		t.Error("non-admin should never need push")
	}
	if q.NeedsPush(5, admin) {
		t.Error("out-of-range index should not need push")
	}

	q.MarkPushed(0, admin)
	if q.NeedsPush(0, admin) {
		t.Error("delivered message still needs push")
	}

	// Idempotent.
	q.MarkPushed(0, admin)
	if len(q.Message(0).DeliveredTo) != 1 {
		t.Errorf("delivered set size = %d, want 1", len(q.Message(0).DeliveredTo))
	}

	// Non-admin mark is ignored.
	q.MarkPushed(0, user)
	if len(q.Message(0).DeliveredTo) != 1 {
		t.Error("non-admin mark extended the delivered set")
	}
}

// Property 7: cleanup removes a message iff every current admin has it;
// with no admins nothing is removed.
func TestSysMsgCleanup(t *testing.T) {
	q := NewSystemMessageQueue(nil)
	q.Add("m0", 1, 0)
	q.Add("m1", 1, 1)

	acl := NewClientACL(8, nil)

	// No admins: nothing removed even though delivered sets are "complete".
	if removed := q.Cleanup(acl); removed != 0 {
		t.Fatalf("cleanup removed %d with no admins", removed)
	}

	a1 := acl.PutClient(testID(0x10), codec.PermACLAdmin)
	a2 := acl.PutClient(testID(0x20), codec.PermACLAdmin)
	acl.PutClient(testID(0x30), codec.PermACLReadWrite)

	q.MarkPushed(0, a1)
	if removed := q.Cleanup(acl); removed != 0 {
		t.Fatal("cleanup removed a message not delivered to all admins")
	}

	q.MarkPushed(0, a2)
	if removed := q.Cleanup(acl); removed != 1 {
		t.Fatalf("cleanup removed %d, want 1", removed)
	}
	if q.NumMessages() != 1 || q.Message(0).Text != "m1" {
		t.Error("wrong message removed")
	}
}

func TestSysMsgPersistenceRoundTrip(t *testing.T) {
	store, err := storage.NewDirStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	q := NewSystemMessageQueue(nil)
	q.Add("SYSTEM: boot:3 msg:first", 3, 10)
	q.Add("SYSTEM: boot:3 msg:second", 3, 20)
	q.MarkPushed(1, adminClient(0x55))

	if err := q.Save(store); err != nil {
		t.Fatal(err)
	}

	fresh := NewSystemMessageQueue(nil)
	if err := fresh.Load(store); err != nil {
		t.Fatal(err)
	}

	if fresh.NumMessages() != 2 {
		t.Fatalf("loaded %d messages, want 2", fresh.NumMessages())
	}
	if fresh.Message(0).Text != "SYSTEM: boot:3 msg:first" {
		t.Errorf("text = %q", fresh.Message(0).Text)
	}
	if fresh.Message(0).BootSequence != 3 || fresh.Message(0).CreatedMs != 10 {
		t.Error("ordering fields not round-tripped")
	}
	id55 := testID(0x55)
	if !fresh.Message(1).deliveredTo(keyPrefix(id55[:])) {
		t.Error("delivered set not round-tripped")
	}
	if fresh.NeedsPush(1, adminClient(0x55)) {
		t.Error("loaded message still needs push to the delivered admin")
	}
}
