package bulletin

import (
	"encoding/binary"

	"github.com/kabili207/meshboard-go/core/codec"
	"github.com/kabili207/meshboard-go/core/crypto"
)

const (
	// aclEntrySize is the wire size of one GET_ACCESS_LIST entry:
	// pubkey prefix(6) + permissions(1).
	aclEntrySize = 7

	// aclPrefixSize is the pubkey prefix length per ACL entry.
	aclPrefixSize = 6

	// keepAliveAckSize is the request image the KEEP_ALIVE ACK hash covers:
	// timestamp(4) + type(1) + force_since(4).
	keepAliveAckSize = 9
)

// handleRequest processes a decrypted REQ from a client.
// Must be called with s.mu held.
func (s *Server) handleRequest(pkt *codec.Packet, client *ClientInfo, plaintext []byte) {
	content, err := codec.ParseRequestContent(plaintext)
	if err != nil {
		return
	}

	// Replay gate: unlike text messages, equal timestamps are accepted.
	if content.Timestamp < client.LastTimestamp {
		s.log.Debug("request replay", "peer", client.ID.ShortString())
		return
	}
	client.LastTimestamp = content.Timestamp

	nowTS := s.cfg.Clock.GetCurrentTime()
	client.LastActivity = nowTS // keeps the client connection alive
	client.PushFailures = 0

	if content.RequestType == codec.ReqTypeKeepAlive && pkt.IsDirect() {
		s.handleKeepAlive(client, plaintext)
		return
	}

	// Reflect the sender's timestamp back as the response tag.
	reply := s.buildRequestReply(client, content)
	if reply == nil {
		s.log.Debug("unhandled request type",
			"type", codec.RequestTypeName(content.RequestType),
			"peer", client.ID.ShortString())
		return
	}

	s.sendEncryptedResponse(pkt, client, codec.PayloadTypeResponse, reply, ServerResponseDelay)
}

// handleKeepAlive services a KEEP_ALIVE: optionally jams the client's sync
// cursor forward, clears the pending push, and replies with an ACK carrying
// the current unsynced-post count. The response is only ever sent direct.
func (s *Server) handleKeepAlive(client *ClientInfo, plaintext []byte) {
	// Optional force_since field; absent bytes count as zeroes for both the
	// cursor jam and the ACK hash image.
	image := make([]byte, keepAliveAckSize)
	copy(image, plaintext[:min(len(plaintext), keepAliveAckSize)])
	forceSince := binary.LittleEndian.Uint32(image[5:9])

	if forceSince > 0 {
		client.SyncSince = forceSince
	}
	client.PendingAck = 0

	if !client.HasDirectPath() {
		return // keep-alive responses are only sent direct
	}

	ackHash := crypto.ComputeAckHash(image, client.ID[:])
	payload := codec.BuildAckPayload(ackHash)
	payload = append(payload, s.posts.CountUnsynced(client))

	pkt := &codec.Packet{
		Header:  codec.PayloadTypeAck << codec.PHTypeShift,
		Payload: payload,
	}
	s.cfg.Router.SendDirect(pkt, client.DirectPath(), ServerResponseDelay)
}

// buildRequestReply builds the tag-prefixed reply content for a REQ, or nil
// for unknown/unauthorized requests.
func (s *Server) buildRequestReply(client *ClientInfo, content *codec.RequestContent) []byte {
	reply := make([]byte, 4, codec.MaxPacketPayload)
	binary.LittleEndian.PutUint32(reply[0:4], content.Timestamp)

	switch content.RequestType {
	case codec.ReqTypeGetStatus:
		stats := s.buildServerStats()
		return append(reply, stats.MarshalBinary()...)

	case codec.ReqTypeGetTelemetry:
		// First request byte is the inverse permission mask. Guests are
		// restricted to base telemetry regardless.
		var permMask uint8
		if len(content.RequestData) > 0 {
			permMask = ^content.RequestData[0]
		}
		if !client.IsAdmin() {
			permMask = 0x00
		}
		return append(reply, s.buildTelemetry(permMask)...)

	case codec.ReqTypeGetAccessList:
		if !client.IsAdmin() {
			return nil
		}
		// Reserved query-parameter bytes must be zero.
		if len(content.RequestData) >= 2 &&
			(content.RequestData[0] != 0 || content.RequestData[1] != 0) {
			return nil
		}
		s.acl.ForEach(func(c *ClientInfo) bool {
			if !c.IsAdmin() {
				return true
			}
			if len(reply)+aclEntrySize > codec.MaxPacketPayload-4 {
				return false
			}
			entry := make([]byte, aclEntrySize)
			copy(entry[:aclPrefixSize], c.ID[:aclPrefixSize])
			entry[aclPrefixSize] = c.Permissions
			reply = append(reply, entry...)
			return true
		})
		return reply
	}
	return nil
}
