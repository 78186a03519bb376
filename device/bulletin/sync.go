package bulletin

import (
	"time"

	"github.com/kabili207/meshboard-go/core/codec"
	"github.com/kabili207/meshboard-go/core/crypto"
)

// syncTick runs one scheduler pass: the ACK timeout sweep, then a
// round-robin attempt to push one system message or post to the next
// client. Must be called with s.mu held and a non-empty ACL.
func (s *Server) syncTick(now time.Time) {
	// Timeout pass: expire in-flight pushes across ALL clients.
	s.acl.ForEach(func(c *ClientInfo) bool {
		if c.PendingAck != 0 && !now.Before(c.AckTimeout) {
			c.PendingAck = 0
			c.PushFailures++
			if c.pendingSysMsgIdx >= 0 {
				s.log.Debug("system message ack timeout, will retry",
					"peer", c.ID.ShortString(), "msg", c.pendingSysMsgIdx)
				c.pendingSysMsgIdx = -1
			}
			s.log.Debug("pending ack timed out",
				"peer", c.ID.ShortString(), "push_failures", c.PushFailures)
		}
		return true
	})

	if s.nextClientIdx >= s.acl.NumClients() {
		s.nextClientIdx = 0
	}
	client := s.acl.ClientByIdx(s.nextClientIdx)
	didPush := false

	// System messages first: admin-only, delivered even before first login
	// (bounded by the pre-login attempt budget).
	if client.PendingAck == 0 && client.IsAdmin() {
		for i := 0; i < s.sysMsgs.NumMessages(); i++ {
			if client.preloginAttempts[i] >= MaxPreloginAttempts {
				continue
			}
			if !s.sysMsgs.NeedsPush(i, client) {
				continue
			}

			msg := s.sysMsgs.Message(i)
			carrier := PostInfo{
				Author:    s.self,
				Timestamp: 0, // system message marker, never persisted
				Text:      msg.Text,
			}
			if s.pushPostToClient(now, client, &carrier) {
				client.pendingSysMsgIdx = i
				client.preloginAttempts[i]++
				s.log.Info("system message delivery attempt",
					"msg", i,
					"attempt", client.preloginAttempts[i],
					"peer", client.ID.ShortString())
				didPush = true
			}
			break // one message per tick
		}
	}

	// Regular posts: only for clients that have been seen and aren't
	// evicted by consecutive push failures.
	if !didPush && client.PendingAck == 0 && client.LastActivity != 0 &&
		client.PushFailures < MaxPushFailures {
		nowTS := s.cfg.Clock.GetCurrentTime()
		idx := s.posts.NextIdx()
		for k := 0; k < s.posts.Capacity(); k++ {
			p := s.posts.At(idx)
			if nowTS >= p.Timestamp+PostSyncDelaySecs &&
				p.Timestamp > client.SyncSince &&
				p.Author != client.ID {
				if s.pushPostToClient(now, client, p) {
					didPush = true
				}
				break
			}
			idx = (idx + 1) % s.posts.Capacity()
		}
	}

	s.nextClientIdx = (s.nextClientIdx + 1) % s.acl.NumClients()

	if didPush {
		s.nextPush = now.Add(SyncPushInterval)
	} else {
		s.nextPush = now.Add(SyncIdleInterval)
	}
}

// pushPostToClient emits one post (or system message carrier) to a client
// and arms the per-client pending ACK state. Returns false when the packet
// could not be built; pending state is cleared so the next tick retries.
func (s *Server) pushPostToClient(now time.Time, client *ClientInfo, post *PostInfo) bool {
	// Payload: post_ts(4) | (SIGNED_PLAIN<<2 | attempt)(1) | author[0:4] | text.
	// The random attempt bits make retry packet hashes (and ACKs) distinct.
	var attempt uint8
	if blob, err := crypto.RandomBytes(1); err == nil {
		attempt = blob[0] & codec.TxtAttemptMask
	}
	payload := codec.BuildTxtMsgContent(
		post.Timestamp, codec.TxtTypeSigned, attempt, post.Text, post.Author[:4])

	ackHash := crypto.ComputeAckHash(payload, client.ID[:])
	client.PendingAck = ackHash
	client.PushPostTimestamp = post.Timestamp

	pkt := s.buildAddressedPacket(client, codec.PayloadTypeTxtMsg, payload)
	if pkt == nil {
		client.PendingAck = 0
		s.log.Debug("unable to push post to client", "peer", client.ID.ShortString())
		return false
	}

	if client.HasDirectPath() {
		s.cfg.Router.SendDirect(pkt, client.DirectPath(), 0)
		client.AckTimeout = now.Add(
			PushTimeoutBase + PushAckTimeoutFactor*time.Duration(client.OutPathLen+1))
	} else {
		s.cfg.Router.SendFlood(pkt, 0)
		client.AckTimeout = now.Add(PushAckTimeoutFlood)
	}

	s.numPostPushes++
	s.logPacket("TX", codec.PayloadTypeTxtMsg, len(pkt.Payload))
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ObservePush()
	}

	s.log.Debug("pushed to client",
		"peer", client.ID.ShortString(), "post_ts", post.Timestamp)
	return true
}

// processAck matches an inbound ACK token against per-client pending state.
// On a match the client's sync cursor advances to the pushed post and any
// pending system message is marked delivered. Must be called with s.mu held.
func (s *Server) processAck(token uint32) bool {
	matched := false
	s.acl.ForEach(func(c *ClientInfo) bool {
		if c.PendingAck == 0 || c.PendingAck != token {
			return true
		}

		c.PendingAck = 0
		c.PushFailures = 0
		c.SyncSince = c.PushPostTimestamp

		if c.pendingSysMsgIdx >= 0 {
			idx := c.pendingSysMsgIdx
			s.sysMsgs.MarkPushed(idx, c)
			s.saveSysMsgs()
			c.preloginAttempts[idx] = 0
			c.pendingSysMsgIdx = -1
			s.log.Info("system message delivered",
				"msg", idx, "peer", c.ID.ShortString())
		}

		matched = true
		return false
	})
	return matched
}
