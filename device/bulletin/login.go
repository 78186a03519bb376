package bulletin

import (
	"encoding/binary"

	"github.com/kabili207/meshboard-go/core"
	"github.com/kabili207/meshboard-go/core/codec"
	"github.com/kabili207/meshboard-go/core/crypto"
)

const (
	// loginDataMinSize is the minimum decrypted ANON_REQ size:
	// timestamp(4) + sync_since(4) + password (at least a null byte).
	loginDataMinSize = 9

	// loginResponseSize is the login response content size:
	// now(4) + resp_type(1) + legacy(1) + role_hint(1) + perms(1) +
	// random(4) + version level(1).
	loginResponseSize = 13
)

// handleAnonReq processes an ANON_REQ packet: the anonymous login handshake.
// Must be called with s.mu held.
func (s *Server) handleAnonReq(pkt *codec.Packet) {
	anonPayload, err := codec.ParseAnonReqPayload(pkt.Payload)
	if err != nil {
		s.log.Debug("failed to parse anon req", "error", err)
		return
	}

	plaintext, err := crypto.DecryptAnonymous(
		codec.PrependMAC(anonPayload.MAC, anonPayload.Ciphertext),
		s.cfg.PrivateKey,
		anonPayload.PubKey[:])
	if err != nil {
		s.log.Debug("failed to decrypt anon req", "error", err)
		return
	}
	if len(plaintext) < loginDataMinSize {
		s.log.Debug("anon req too short", "len", len(plaintext))
		return
	}

	senderTimestamp := binary.LittleEndian.Uint32(plaintext[0:4])
	senderSyncSince := binary.LittleEndian.Uint32(plaintext[4:8])
	password := cString(plaintext[8:])

	senderID := core.MeshCoreID(anonPayload.PubKey)

	// Resolve provisional permissions. A blank password with an open room
	// disabled is only accepted for clients already in the ACL.
	var perm uint8
	var client *ClientInfo
	if password == "" && !s.cfg.AllowReadOnly {
		client = s.acl.GetClient(senderID[:])
		if client == nil {
			s.log.Debug("login, sender not in ACL", "peer", senderID.ShortString())
			return
		}
		perm = client.Permissions
	}
	if client == nil {
		switch {
		case s.cfg.AdminPassword != "" && password == s.cfg.AdminPassword:
			perm = codec.PermACLAdmin
		case s.cfg.GuestPassword != "" && password == s.cfg.GuestPassword:
			perm = codec.PermACLReadWrite
		case s.cfg.AllowReadOnly:
			perm = codec.PermACLGuest
		default:
			s.log.Debug("incorrect room password", "peer", senderID.ShortString())
			return // no response, client will time out
		}
	}

	// Clock sync from admin login, before the replay gate: even a replayed
	// frame proves the admin's clock.
	if perm&codec.PermACLRoleMask == codec.PermACLAdmin {
		s.applyAdminClockSync(senderTimestamp, senderID)
	}

	client = s.acl.PutClient(senderID, 0)
	if client == nil {
		s.log.Warn("client list full, rejecting login", "peer", senderID.ShortString())
		return
	}
	if senderTimestamp <= client.LastTimestamp {
		s.log.Debug("login replay", "peer", senderID.ShortString())
		return
	}

	secret, err := crypto.ComputeSharedSecret(s.cfg.PrivateKey, senderID[:])
	if err != nil {
		s.log.Debug("failed to compute shared secret", "error", err)
		return
	}

	nowTS := s.cfg.Clock.GetCurrentTime()
	client.LastTimestamp = senderTimestamp
	client.SyncSince = senderSyncSince
	client.PendingAck = 0
	client.PushFailures = 0
	client.LastActivity = nowTS
	client.Permissions |= perm
	client.SharedSecret = secret

	s.log.Info("client login",
		"peer", client.ID.ShortString(),
		"role", roleName(client.Role()),
		"sync_since", senderSyncSince)

	s.trackLogin(client.ID, perm, nowTS)

	// An admin login resets the pre-login attempt counters: normal delivery
	// tracking applies from here on.
	if client.IsAdmin() {
		clear(client.preloginAttempts[:])
	}

	s.scheduleLazyACLWrite()

	s.sendLoginResponse(pkt, client)

	// Delay the next push so the RESPONSE packet arrives first.
	s.nextPush = s.now().Add(PushNotifyDelay)

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ObserveLogin(client.IsAdmin())
	}
}

// sendLoginResponse builds and routes the 13-byte login response.
func (s *Server) sendLoginResponse(origPkt *codec.Packet, client *ClientInfo) {
	resp := make([]byte, loginResponseSize)
	binary.LittleEndian.PutUint32(resp[0:4], s.cfg.Clock.GetCurrentTimeUnique())
	resp[4] = codec.RespServerLoginOK
	resp[5] = 0 // legacy: recommended keep-alive interval (unused)

	switch {
	case client.IsAdmin():
		resp[6] = 1
	case client.Permissions == 0:
		resp[6] = 2
	default:
		resp[6] = 0
	}
	resp[7] = client.Permissions

	// Random blob to help packet-hash uniqueness.
	if blob, err := crypto.RandomBytes(4); err == nil {
		copy(resp[8:12], blob)
	}
	resp[12] = FirmwareVerLevel

	s.sendEncryptedResponse(origPkt, client, codec.PayloadTypeResponse, resp, ServerResponseDelay)
	s.log.Debug("sent login response", "peer", client.ID.ShortString())
}

// roleName returns the display name of an ACL role.
func roleName(role uint8) string {
	switch role {
	case codec.PermACLAdmin:
		return "admin"
	case codec.PermACLReadWrite:
		return "read_write"
	case codec.PermACLGuest:
		return "guest"
	default:
		return "none"
	}
}
