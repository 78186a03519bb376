package bulletin

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/kabili207/meshboard-go/core"
	"github.com/kabili207/meshboard-go/core/codec"
	"github.com/kabili207/meshboard-go/device/storage"
)

const (
	// DefaultMaxClients is the default client list capacity.
	DefaultMaxClients = 32

	// aclRecordSize is the on-disk size of one ACL entry:
	// pubkey(32) + permissions(1) + last_timestamp(4) + reserved(2) +
	// out_path_len(1) + out_path(64) + shared_secret(32).
	aclRecordSize = 32 + 1 + 4 + 2 + 1 + codec.MaxPathSize + 32

	// ACLFile is the logical blob name for persisted clients.
	ACLFile = "/s_contacts"
)

// SaveFilter decides which ACL entries are persisted. The canonical policy
// saves admins only.
type SaveFilter func(c *ClientInfo) bool

// AdminSaveFilter is the canonical persistence policy: admins only.
func AdminSaveFilter(c *ClientInfo) bool {
	return c.IsAdmin()
}

// ClientACL is the ordered list of known clients, keyed by public key.
// Insertion order is stable; no other ordering is guaranteed.
//
// The ACL is not internally synchronized: the server's single coarse mutex
// guards it along with the rest of the core state.
type ClientACL struct {
	clients    []*ClientInfo
	maxClients int
	log        *slog.Logger
}

// NewClientACL creates an empty ACL with the given capacity.
// If maxClients is 0, DefaultMaxClients is used.
func NewClientACL(maxClients int, logger *slog.Logger) *ClientACL {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientACL{
		clients:    make([]*ClientInfo, 0, maxClients),
		maxClients: maxClients,
		log:        logger.WithGroup("acl"),
	}
}

// NumClients returns the number of entries.
func (a *ClientACL) NumClients() int {
	return len(a.clients)
}

// ClientByIdx returns the entry at the given index, or nil if out of range.
func (a *ClientACL) ClientByIdx(i int) *ClientInfo {
	if i < 0 || i >= len(a.clients) {
		return nil
	}
	return a.clients[i]
}

// ForEach calls fn for each client in insertion order.
// Return false from fn to stop iteration.
func (a *ClientACL) ForEach(fn func(c *ClientInfo) bool) {
	for _, c := range a.clients {
		if !fn(c) {
			return
		}
	}
}

// GetClient returns the single client whose public key starts with the given
// prefix, or nil if none matches. An empty prefix matches nothing.
func (a *ClientACL) GetClient(prefix []byte) *ClientInfo {
	if len(prefix) == 0 {
		return nil
	}
	for _, c := range a.clients {
		if c.ID.IsHashMatch(prefix) {
			return c
		}
	}
	return nil
}

// PutClient returns the existing entry for the identity, or creates one with
// the given initial permissions. Existing entries are returned unchanged.
func (a *ClientACL) PutClient(id core.MeshCoreID, initialPerm uint8) *ClientInfo {
	for _, c := range a.clients {
		if c.ID == id {
			return c
		}
	}

	c := a.allocateSlot()
	if c == nil {
		return nil
	}
	c.ID = id
	c.Permissions = initialPerm
	c.OutPathLen = PathUnknown
	c.resetSysMsgState()
	return c
}

// ApplyPermissions updates the permissions of the client matching the public
// key prefix. Refuses to modify the node's own identity. Returns false when
// no client matches or the target is the node itself.
func (a *ClientACL) ApplyPermissions(selfID core.MeshCoreID, prefix []byte, perm uint8) bool {
	if len(prefix) == 0 || selfID.IsHashMatch(prefix) {
		return false
	}
	c := a.GetClient(prefix)
	if c == nil {
		return false
	}
	c.Permissions = perm
	a.log.Info("permissions updated", "peer", c.ID.String(), "perms", perm)
	return true
}

// allocateSlot returns a fresh entry, evicting the least-recently-active
// non-admin when the list is full. Returns nil when every slot holds an admin.
func (a *ClientACL) allocateSlot() *ClientInfo {
	if len(a.clients) < a.maxClients {
		c := &ClientInfo{}
		a.clients = append(a.clients, c)
		return c
	}

	oldestIdx := -1
	var oldestActivity uint32 = 0xFFFFFFFF
	for i, c := range a.clients {
		if c.IsAdmin() {
			continue
		}
		if c.LastActivity < oldestActivity {
			oldestActivity = c.LastActivity
			oldestIdx = i
		}
	}
	if oldestIdx < 0 {
		return nil
	}

	a.log.Debug("evicting client for new entry",
		"peer", a.clients[oldestIdx].ID.String())
	a.clients[oldestIdx] = &ClientInfo{}
	return a.clients[oldestIdx]
}

// Save persists the entries accepted by filter as fixed-size records.
func (a *ClientACL) Save(store storage.BlobStore, filter SaveFilter) error {
	var buf bytes.Buffer
	for _, c := range a.clients {
		if filter != nil && !filter(c) {
			continue
		}
		buf.Write(encodeACLRecord(c))
	}
	if err := store.WriteAll(ACLFile, buf.Bytes()); err != nil {
		return fmt.Errorf("saving ACL: %w", err)
	}
	return nil
}

// Load replaces the ACL contents from persisted records. A missing blob
// leaves the ACL empty; a truncated trailing record is ignored.
func (a *ClientACL) Load(store storage.BlobStore) error {
	a.clients = a.clients[:0]

	data, err := store.ReadAll(ACLFile)
	if err != nil {
		if store.Exists(ACLFile) {
			return fmt.Errorf("loading ACL: %w", err)
		}
		return nil
	}

	for len(data) >= aclRecordSize && len(a.clients) < a.maxClients {
		c := decodeACLRecord(data[:aclRecordSize])
		a.clients = append(a.clients, c)
		data = data[aclRecordSize:]
	}

	a.log.Info("loaded ACL", "clients", len(a.clients))
	return nil
}

func encodeACLRecord(c *ClientInfo) []byte {
	rec := make([]byte, aclRecordSize)
	i := 0
	copy(rec[i:i+32], c.ID[:])
	i += 32
	rec[i] = c.Permissions
	i++
	binary.LittleEndian.PutUint32(rec[i:i+4], c.LastTimestamp)
	i += 4
	i += 2 // reserved
	rec[i] = uint8(c.OutPathLen)
	i++
	if c.OutPathLen > 0 {
		copy(rec[i:i+codec.MaxPathSize], c.OutPath[:c.OutPathLen])
	}
	i += codec.MaxPathSize
	copy(rec[i:i+32], c.SharedSecret)
	return rec
}

func decodeACLRecord(rec []byte) *ClientInfo {
	c := &ClientInfo{}
	i := 0
	copy(c.ID[:], rec[i:i+32])
	i += 32
	c.Permissions = rec[i]
	i++
	c.LastTimestamp = binary.LittleEndian.Uint32(rec[i : i+4])
	i += 4
	i += 2 // reserved
	c.OutPathLen = int8(rec[i])
	i++
	if c.OutPathLen > 0 {
		c.OutPath = make([]byte, c.OutPathLen)
		copy(c.OutPath, rec[i:i+int(c.OutPathLen)])
	}
	i += codec.MaxPathSize
	secret := make([]byte, 32)
	copy(secret, rec[i:i+32])
	c.SharedSecret = secret
	c.resetSysMsgState()
	return c
}

// ACLRecordAlignValidator accepts persisted ACL blobs whose size is a
// multiple of the record size (used for the mirror fall-back decision).
func ACLRecordAlignValidator() storage.Validator {
	return storage.SizeAlignValidator(aclRecordSize)
}
