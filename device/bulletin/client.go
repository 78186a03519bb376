package bulletin

import (
	"time"

	"github.com/kabili207/meshboard-go/core"
	"github.com/kabili207/meshboard-go/core/codec"
)

// PathUnknown is the OutPathLen value meaning no return route is known and
// sends to this client must be flooded.
const PathUnknown int8 = -1

// ClientInfo is the server-side session state for one known client.
// This mirrors the firmware's ClientInfo struct in helpers/ClientACL.h with
// the room extra fields folded in.
type ClientInfo struct {
	// Identity
	ID core.MeshCoreID // Ed25519 public key (32 bytes)

	// Permissions — lower 2 bits are the ACL role (codec.PermACLRoleMask).
	Permissions uint8

	// SharedSecret is the ECDH secret derived at first successful login.
	SharedSecret []byte

	// Routing
	OutPathLen int8   // -1 = unknown, >=0 = direct path length
	OutPath    []byte // cached return route

	// Timestamps
	LastTimestamp uint32 // highest sender timestamp ever accepted (replay floor)
	LastActivity  uint32 // server clock time of last observed liveness (0 = never)

	// Push state
	SyncSince         uint32    // newest post timestamp this client has ACKed
	PendingAck        uint32    // expected ACK token, 0 when no push in flight
	AckTimeout        time.Time // deadline for the in-flight push
	PushPostTimestamp uint32    // timestamp of the in-flight post
	PushFailures      uint8     // consecutive push timeouts

	// System message delivery state
	pendingSysMsgIdx int                      // message index awaiting ACK, -1 = none
	preloginAttempts [MaxSystemMessages]uint8 // delivery attempts before first login
}

// Role returns the client's ACL role (lower 2 bits of Permissions).
func (c *ClientInfo) Role() uint8 {
	return c.Permissions & codec.PermACLRoleMask
}

// IsAdmin returns true if the client has admin permissions.
func (c *ClientInfo) IsAdmin() bool {
	return c.Role() == codec.PermACLAdmin
}

// IsGuest returns true if the client has guest (read-only) permissions.
func (c *ClientInfo) IsGuest() bool {
	return c.Role() == codec.PermACLGuest
}

// CanWrite returns true if the client can post messages (ReadWrite or Admin).
func (c *ClientInfo) CanWrite() bool {
	return c.Role() >= codec.PermACLReadWrite
}

// HasDirectPath returns true if a return route to the client is known.
func (c *ClientInfo) HasDirectPath() bool {
	return c.OutPathLen >= 0
}

// DirectPath returns the cached return route, or nil when unknown.
func (c *ClientInfo) DirectPath() []byte {
	if c.OutPathLen < 0 {
		return nil
	}
	return c.OutPath[:c.OutPathLen]
}

// SetPath caches a return route learned from a PATH packet.
func (c *ClientInfo) SetPath(path []byte) {
	c.OutPathLen = int8(len(path))
	c.OutPath = make([]byte, len(path))
	copy(c.OutPath, path)
}

// resetSysMsgState clears system message delivery bookkeeping. Called when
// the entry is (re)allocated.
func (c *ClientInfo) resetSysMsgState() {
	c.pendingSysMsgIdx = -1
	clear(c.preloginAttempts[:])
}
