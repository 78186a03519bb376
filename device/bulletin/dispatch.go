package bulletin

import (
	"bytes"
	"strings"

	"github.com/kabili207/meshboard-go/core/clock"
	"github.com/kabili207/meshboard-go/core/codec"
	"github.com/kabili207/meshboard-go/core/crypto"
	"github.com/kabili207/meshboard-go/transport"
)

// HandlePacket is the main packet entry point. It should be registered with
// the router via Router.SetPacketHandler. Handlers are total: every failure
// is recovered locally and never aborts the dispatch.
func (s *Server) HandlePacket(pkt *codec.Packet, src transport.PacketSource) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logPacket("RX", pkt.PayloadType(), len(pkt.Payload))

	switch pkt.PayloadType() {
	case codec.PayloadTypeAdvert:
		s.handleAdvert(pkt)
	case codec.PayloadTypeAnonReq:
		s.handleAnonReq(pkt)
	case codec.PayloadTypeAck:
		s.handleAckPacket(pkt)
	case codec.PayloadTypeTxtMsg, codec.PayloadTypeReq, codec.PayloadTypePath:
		s.handleAddressed(pkt)
	default:
		s.log.Debug("unhandled payload type",
			"type", codec.PayloadTypeName(pkt.PayloadType()))
	}
}

// handleAdvert feeds repeater advertisements into the clock-sync engine.
// Adverts are otherwise ignored: the bulletin server keeps no peer table
// beyond its client ACL.
func (s *Server) handleAdvert(pkt *codec.Packet) {
	advert, err := codec.ParseAdvertPayload(pkt.Payload)
	if err != nil {
		s.log.Debug("failed to parse advert", "error", err)
		return
	}
	if advert.AppData == nil || advert.AppData.NodeType != codec.NodeTypeRepeater {
		return
	}
	if !crypto.VerifyAdvert(advert) {
		s.log.Debug("advert signature invalid")
		return
	}
	s.onRepeaterAdvert(advert.PubKey, advert.Timestamp)
}

// handleAckPacket resolves an inbound ACK against per-client pending state.
func (s *Server) handleAckPacket(pkt *codec.Packet) {
	ackPayload, err := codec.ParseAckPayload(pkt.Payload)
	if err != nil {
		return
	}
	if s.processAck(ackPayload.Checksum) {
		pkt.MarkDoNotRetransmit()
	}
}

// handleAddressed decrypts an addressed packet by trying every ACL entry
// whose public key hash matches the source hash.
func (s *Server) handleAddressed(pkt *codec.Packet) {
	addrPayload, err := codec.ParseAddressedPayload(pkt.Payload)
	if err != nil {
		s.log.Debug("failed to parse addressed payload", "error", err)
		return
	}
	if addrPayload.DestHash != s.self.Hash() {
		return
	}

	encrypted := codec.PrependMAC(addrPayload.MAC, addrPayload.Ciphertext)

	var client *ClientInfo
	var plaintext []byte
	s.acl.ForEach(func(c *ClientInfo) bool {
		if c.ID.Hash() != addrPayload.SrcHash || len(c.SharedSecret) == 0 {
			return true
		}
		pt, err := crypto.DecryptAddressedWithSecret(encrypted, c.SharedSecret)
		if err != nil {
			return true
		}
		client = c
		plaintext = pt
		return false
	})

	if client == nil {
		s.log.Debug("could not decrypt addressed payload",
			"src_hash", addrPayload.SrcHash)
		return
	}

	switch pkt.PayloadType() {
	case codec.PayloadTypeTxtMsg:
		if len(plaintext) > 5 {
			s.handleTextMessage(pkt, client, plaintext)
		}
	case codec.PayloadTypeReq:
		if len(plaintext) >= 5 {
			s.handleRequest(pkt, client, plaintext)
		}
	case codec.PayloadTypePath:
		s.handlePath(client, plaintext)
	}
}

// handleTextMessage processes a decrypted TXT_MSG: a new post or a CLI
// command from a client.
func (s *Server) handleTextMessage(pkt *codec.Packet, client *ClientInfo, plaintext []byte) {
	content, err := codec.ParseTxtMsgContent(plaintext)
	if err != nil {
		s.log.Debug("failed to parse txt msg", "error", err)
		return
	}
	flags := (plaintext[4] >> 2)

	// Clock sync from the first admin packet with a plausible timestamp.
	if client.IsAdmin() {
		s.applyAdminClockSync(content.Timestamp, client.ID)
	}

	if flags != codec.TxtTypePlain && flags != codec.TxtTypeCLI {
		s.log.Debug("unsupported txt flags", "flags", flags)
		return
	}

	// Replay gate. Equal timestamps are retries: re-ACK without
	// re-executing side effects.
	if content.Timestamp < client.LastTimestamp {
		s.log.Debug("txt replay", "peer", client.ID.ShortString())
		return
	}
	isRetry := content.Timestamp == client.LastTimestamp
	client.LastTimestamp = content.Timestamp

	now := s.cfg.Clock.GetCurrentTimeUnique()
	client.LastActivity = now
	client.PushFailures = 0 // inbound traffic resets push eviction

	// The ACK hash covers header + text, excluding cipher padding.
	ackData := trimTxtMsgContent(plaintext)
	ackHash := crypto.ComputeAckHash(ackData, client.ID[:])

	var reply string
	var replyType uint8 = codec.TxtTypeSigned
	sendAck := false

	switch flags {
	case codec.TxtTypeCLI:
		if !client.IsAdmin() {
			return // users shouldn't be sending these
		}
		if !isRetry {
			reply = s.handleCommand(content.Timestamp, content.Message, client)
			replyType = codec.TxtTypeCLI
		}

	case codec.TxtTypePlain:
		if client.IsGuest() {
			return // read-only visitors can't post
		}
		if strings.HasPrefix(content.Message, "!") {
			if !isRetry {
				reply = s.handleUserCommand(client, pkt, content.Message)
			}
			sendAck = true
		} else if s.cfg.Clock.IsDesynced() {
			reply = "Error: Server clock desynced"
		} else {
			if !isRetry {
				s.addPost(client, content.Message)
			}
			sendAck = true
		}
	}

	var replyDelay = ServerResponseDelay
	if sendAck {
		replyDelay += s.sendAck(client, ackHash)
	}

	if reply != "" {
		// Stamp the reply with a fresh timestamp; bump it if it collides
		// with the sender's so the client's view stays monotone.
		ts := s.cfg.Clock.GetCurrentTime()
		if ts == content.Timestamp {
			ts++
		}

		var plaintextReply []byte
		if replyType == codec.TxtTypeSigned {
			plaintextReply = codec.BuildTxtMsgContent(ts, codec.TxtTypeSigned, 0, reply, s.cfg.PublicKey[:4])
		} else {
			plaintextReply = codec.BuildTxtMsgContent(ts, codec.TxtTypeCLI, 0, reply, nil)
		}

		pktOut := s.buildAddressedPacket(client, codec.PayloadTypeTxtMsg, plaintextReply)
		if pktOut != nil {
			if client.HasDirectPath() {
				s.cfg.Router.SendDirect(pktOut, client.DirectPath(), replyDelay)
			} else {
				s.cfg.Router.SendFlood(pktOut, replyDelay)
			}
		}
	}
}

// handlePath learns the client's return route from a PATH packet and
// processes any bundled ACK. No reciprocal path is sent.
func (s *Server) handlePath(client *ClientInfo, plaintext []byte) {
	pathContent, err := codec.ParsePathContent(plaintext)
	if err != nil {
		s.log.Debug("failed to parse path", "error", err)
		return
	}

	client.SetPath(pathContent.Path)
	client.LastActivity = s.cfg.Clock.GetCurrentTime()
	s.log.Debug("learned path to client",
		"peer", client.ID.ShortString(), "path_len", pathContent.PathLen)

	if pathContent.ExtraType == codec.PayloadTypeAck && len(pathContent.Extra) >= codec.AckSize {
		if ack, err := codec.ParseAckPayload(pathContent.Extra); err == nil {
			s.processAck(ack.Checksum)
		}
	}
}

// addPost appends a client post to the cyclic buffer and persists it.
// Over-length input is rejected silently.
func (s *Server) addPost(client *ClientInfo, text string) {
	if len(text) > MaxPostTextLen {
		s.log.Debug("post too long, rejected",
			"peer", client.ID.ShortString(), "len", len(text))
		return
	}

	ts := s.posts.Append(client.ID, text, s.cfg.Clock)
	s.numPosted++
	s.nextPush = s.now().Add(PushNotifyDelay)

	s.log.Info("post stored",
		"author", client.ID.ShortString(), "timestamp", ts)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ObservePost()
	}

	s.savePosts()
}

// AddBulletin appends a server-generated bulletin (console or UI origin)
// with a severity prefix. Warning and critical bulletins additionally
// broadcast on the configured group channel. Over-length text is rejected.
func (s *Server) AddBulletin(text string, severity PostSeverity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addBulletin(text, severity)
}

func (s *Server) addBulletin(text string, severity PostSeverity) bool {
	if len(text) > MaxPostTextLen {
		return false
	}

	ts := s.posts.Append(s.self, severity.prefix()+text, s.cfg.Clock)
	s.numPosted++
	s.nextPush = s.now().Add(PushNotifyDelay)

	s.log.Info("bulletin posted", "severity", severity.String(), "timestamp", ts)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ObservePost()
	}

	if severity == SeverityWarning || severity == SeverityCritical {
		s.broadcastBulletin(text, severity)
	}

	s.savePosts()
	return true
}

// trimTxtMsgContent returns the plaintext trimmed to header + text length,
// stripping AES block padding so the ACK hash matches the sender's.
func trimTxtMsgContent(plaintext []byte) []byte {
	const headerSize = 5
	if len(plaintext) <= headerSize {
		return plaintext
	}
	if idx := bytes.IndexByte(plaintext[headerSize:], 0); idx >= 0 {
		return plaintext[:headerSize+idx]
	}
	return plaintext
}

// clockDesynced reports the clock state, for CLI surfaces.
func (s *Server) clockDesynced() bool {
	return s.cfg.Clock.GetCurrentTime() < clock.MinValidTimestamp
}
