package bulletin

import (
	"bytes"
	"fmt"
	"log/slog"

	"encoding/binary"

	"github.com/kabili207/meshboard-go/device/storage"
)

const (
	// MaxSystemMessages is the system message queue capacity.
	MaxSystemMessages = 8

	// SysMsgFile is the logical blob name for the persisted queue.
	SysMsgFile = "/system_msgs"

	// sysMsgTextSize is the fixed on-disk text field size (text + null room).
	sysMsgTextSize = MaxPostTextLen + 1

	// deliveredPrefixSize is the per-admin public key prefix length stored
	// in the delivered set.
	deliveredPrefixSize = 6

	// sysMsgRecordSize is the fixed on-disk record size:
	// text + boot_sequence(4) + created_millis(4) + delivered set.
	sysMsgRecordSize = sysMsgTextSize + 4 + 4 + DefaultMaxClients*deliveredPrefixSize
)

// SystemMessage is one queued server-generated notice with per-admin
// delivery tracking. The delivered set holds 6-byte public key prefixes of
// admins that have ACKed the message.
type SystemMessage struct {
	Text         string
	BootSequence uint32
	CreatedMs    uint32 // millis within the boot, tie-breaker for eviction
	DeliveredTo  [][deliveredPrefixSize]byte
}

// deliveredTo reports whether the admin prefix is in the delivered set.
func (m *SystemMessage) deliveredTo(prefix [deliveredPrefixSize]byte) bool {
	for _, p := range m.DeliveredTo {
		if p == prefix {
			return true
		}
	}
	return false
}

// SystemMessageQueue is the small persistent queue of system messages.
// Not internally synchronized: the server's mutex guards it.
type SystemMessageQueue struct {
	messages []SystemMessage
	log      *slog.Logger
}

// NewSystemMessageQueue creates an empty queue.
func NewSystemMessageQueue(logger *slog.Logger) *SystemMessageQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &SystemMessageQueue{
		log: logger.WithGroup("sysmsg"),
	}
}

// NumMessages returns the number of queued messages.
func (q *SystemMessageQueue) NumMessages() int {
	return len(q.messages)
}

// Message returns the message at the given index, or nil if out of range.
func (q *SystemMessageQueue) Message(idx int) *SystemMessage {
	if idx < 0 || idx >= len(q.messages) {
		return nil
	}
	return &q.messages[idx]
}

// Add appends a message, evicting the oldest by (boot_sequence,
// created_millis) when the queue is full. The text is expected to be
// pre-formatted by the caller ("SYSTEM: boot:<n> msg:<text>").
func (q *SystemMessageQueue) Add(text string, bootSeq uint32, createdMs uint32) {
	if len(q.messages) >= MaxSystemMessages {
		oldest := 0
		for i := 1; i < len(q.messages); i++ {
			m, o := &q.messages[i], &q.messages[oldest]
			if m.BootSequence < o.BootSequence ||
				(m.BootSequence == o.BootSequence && m.CreatedMs < o.CreatedMs) {
				oldest = i
			}
		}
		q.messages = append(q.messages[:oldest], q.messages[oldest+1:]...)
	}

	q.messages = append(q.messages, SystemMessage{
		Text:         text,
		BootSequence: bootSeq,
		CreatedMs:    createdMs,
	})
	q.log.Info("system message queued", "idx", len(q.messages)-1, "text", text)
}

// NeedsPush reports whether the message at idx still needs delivery to the
// given admin. Always false for non-admins.
func (q *SystemMessageQueue) NeedsPush(idx int, admin *ClientInfo) bool {
	if idx < 0 || idx >= len(q.messages) {
		return false
	}
	if !admin.IsAdmin() {
		return false
	}
	return !q.messages[idx].deliveredTo(keyPrefix(admin.ID[:]))
}

// MarkPushed records the admin's prefix in the message's delivered set.
// Idempotent; ignored for non-admins.
func (q *SystemMessageQueue) MarkPushed(idx int, admin *ClientInfo) {
	if idx < 0 || idx >= len(q.messages) || !admin.IsAdmin() {
		return
	}
	m := &q.messages[idx]
	prefix := keyPrefix(admin.ID[:])
	if m.deliveredTo(prefix) {
		return
	}
	if len(m.DeliveredTo) >= DefaultMaxClients {
		return
	}
	m.DeliveredTo = append(m.DeliveredTo, prefix)
}

// Cleanup removes every message whose delivered set covers all
// currently-known admins. When the ACL has no admins, nothing is removed.
// Returns the number of removed messages.
func (q *SystemMessageQueue) Cleanup(acl *ClientACL) int {
	removed := 0
	for i := 0; i < len(q.messages); {
		coveredAll := true
		hasAdmins := false

		acl.ForEach(func(c *ClientInfo) bool {
			if !c.IsAdmin() {
				return true
			}
			hasAdmins = true
			if !q.messages[i].deliveredTo(keyPrefix(c.ID[:])) {
				coveredAll = false
				return false
			}
			return true
		})

		if hasAdmins && coveredAll {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			removed++
		} else {
			i++
		}
	}
	return removed
}

// Save persists the queue as a count byte followed by fixed-size records.
func (q *SystemMessageQueue) Save(store storage.BlobStore) error {
	var buf bytes.Buffer
	buf.WriteByte(uint8(len(q.messages)))

	for i := range q.messages {
		m := &q.messages[i]

		text := make([]byte, sysMsgTextSize)
		copy(text, m.Text)
		buf.Write(text)

		var u32 [4]byte
		binary.LittleEndian.PutUint32(u32[:], m.BootSequence)
		buf.Write(u32[:])
		binary.LittleEndian.PutUint32(u32[:], m.CreatedMs)
		buf.Write(u32[:])

		delivered := make([]byte, DefaultMaxClients*deliveredPrefixSize)
		for j, p := range m.DeliveredTo {
			if j >= DefaultMaxClients {
				break
			}
			copy(delivered[j*deliveredPrefixSize:], p[:])
		}
		buf.Write(delivered)
	}

	if err := store.WriteAll(SysMsgFile, buf.Bytes()); err != nil {
		return fmt.Errorf("saving system messages: %w", err)
	}
	return nil
}

// Load restores the queue. A missing blob leaves the queue empty.
func (q *SystemMessageQueue) Load(store storage.BlobStore) error {
	q.messages = nil

	data, err := store.ReadAll(SysMsgFile)
	if err != nil {
		if store.Exists(SysMsgFile) {
			return fmt.Errorf("loading system messages: %w", err)
		}
		return nil
	}
	if len(data) < 1 {
		return nil
	}

	count := int(data[0])
	data = data[1:]

	for i := 0; i < count && i < MaxSystemMessages && len(data) >= sysMsgRecordSize; i++ {
		rec := data[:sysMsgRecordSize]
		data = data[sysMsgRecordSize:]

		m := SystemMessage{
			Text:         cString(rec[:sysMsgTextSize]),
			BootSequence: binary.LittleEndian.Uint32(rec[sysMsgTextSize : sysMsgTextSize+4]),
			CreatedMs:    binary.LittleEndian.Uint32(rec[sysMsgTextSize+4 : sysMsgTextSize+8]),
		}

		delivered := rec[sysMsgTextSize+8:]
		for j := 0; j < DefaultMaxClients; j++ {
			slot := delivered[j*deliveredPrefixSize : (j+1)*deliveredPrefixSize]
			// A slot is occupied when its leading bytes are non-zero.
			if slot[0] == 0 && slot[1] == 0 {
				continue
			}
			var p [deliveredPrefixSize]byte
			copy(p[:], slot)
			m.DeliveredTo = append(m.DeliveredTo, p)
		}

		q.messages = append(q.messages, m)
	}
	return nil
}

// keyPrefix returns the 6-byte delivery-tracking prefix of a public key.
func keyPrefix(pubKey []byte) [deliveredPrefixSize]byte {
	var p [deliveredPrefixSize]byte
	copy(p[:], pubKey)
	return p
}

// cString returns the string content of a fixed buffer up to the first null.
func cString(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}
