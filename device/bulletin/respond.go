package bulletin

import (
	"time"

	"github.com/kabili207/meshboard-go/core/codec"
	"github.com/kabili207/meshboard-go/core/crypto"
)

// sendEncryptedResponse encrypts plaintext content and sends it as the given
// payload type to the client. This is the common encrypt-split-build-route
// pattern used by login responses, REQ responses, CLI replies, and pushes.
//
// When origPkt is non-nil and was flood-routed, the response is bundled
// inside a PATH packet (the firmware's createPathReturn), teaching the
// client the route to this node. Otherwise a bare datagram is sent directly
// when a return path is known, flooded when not.
func (s *Server) sendEncryptedResponse(origPkt *codec.Packet, client *ClientInfo, payloadType uint8, plaintext []byte, delay time.Duration) {
	if origPkt != nil && origPkt.IsFlood() {
		s.sendPathReturn(origPkt, client, payloadType, plaintext, delay)
		return
	}

	pkt := s.buildAddressedPacket(client, payloadType, plaintext)
	if pkt == nil {
		return
	}

	if client.HasDirectPath() {
		s.cfg.Router.SendDirect(pkt, client.DirectPath(), delay)
	} else {
		s.cfg.Router.SendFlood(pkt, delay)
	}
	s.logPacket("TX", payloadType, len(pkt.Payload))
}

// buildAddressedPacket encrypts plaintext with the client's shared secret
// and wraps it in an addressed payload. Returns nil on encryption failure
// (the caller skips the send; per-client pending state stays untouched for
// the next tick).
func (s *Server) buildAddressedPacket(client *ClientInfo, payloadType uint8, plaintext []byte) *codec.Packet {
	encrypted, err := crypto.EncryptAddressedWithSecret(plaintext, client.SharedSecret)
	if err != nil {
		s.log.Warn("failed to encrypt response", "error", err)
		return nil
	}
	mac, ciphertext := codec.SplitMAC(encrypted)

	payload := codec.BuildAddressedPayload(client.ID.Hash(), s.self.Hash(), mac, ciphertext)
	return &codec.Packet{
		Header:  payloadType << codec.PHTypeShift,
		Payload: payload,
	}
}

// sendPathReturn builds a PATH packet carrying the response as bundled extra
// data and floods it. This matches the firmware's createPathReturn():
//  1. Reverse the original flood packet's path for the return route
//  2. Encrypt the response -> inner addressed payload (the "extra")
//  3. Build PATH content: [path_len || reversed_path || extra_type || extra]
//  4. Encrypt the PATH content -> outer addressed payload
//  5. Send via flood
func (s *Server) sendPathReturn(origPkt *codec.Packet, client *ClientInfo, extraType uint8, plaintext []byte, delay time.Duration) {
	returnPath := reverseFloodPath(origPkt)

	inner := s.buildAddressedPacket(client, extraType, plaintext)
	if inner == nil {
		return
	}

	pathContent := codec.BuildPathContent(returnPath, extraType, inner.Payload)

	outer := s.buildAddressedPacket(client, codec.PayloadTypePath, pathContent)
	if outer == nil {
		return
	}

	s.cfg.Router.SendFlood(outer, delay)
	s.logPacket("TX", codec.PayloadTypePath, len(outer.Payload))

	s.log.Debug("sent path return",
		"peer", client.ID.ShortString(), "path_len", len(returnPath))
}

// reverseFloodPath extracts and reverses the flood path from a packet.
// The flood path lists relay hashes from sender to this node; reversing it
// gives a direct route from this node back to the sender.
func reverseFloodPath(pkt *codec.Packet) []byte {
	if pkt == nil || pkt.PathLen == 0 {
		return nil
	}
	path := make([]byte, pkt.PathLen)
	for i := range int(pkt.PathLen) {
		path[i] = pkt.Path[int(pkt.PathLen)-1-i]
	}
	return path
}

// sendAck sends a bare ACK packet to the client: a single flooded ACK after
// TxtAckDelay when no route is known, or (optionally multiple) direct ACKs
// when one is. Returns the accumulated send delay for sequencing a reply
// text after the ACK.
func (s *Server) sendAck(client *ClientInfo, ackHash uint32) time.Duration {
	if !client.HasDirectPath() {
		pkt := &codec.Packet{
			Header:  codec.PayloadTypeAck << codec.PHTypeShift,
			Payload: codec.BuildAckPayload(ackHash),
		}
		s.cfg.Router.SendFlood(pkt, TxtAckDelay)
		return TxtAckDelay + ReplyDelay
	}

	d := TxtAckDelay
	if s.cfg.MultiAcks > 0 {
		extra := &codec.Packet{
			Header:  codec.PayloadTypeAck << codec.PHTypeShift,
			Payload: codec.BuildAckPayload(ackHash),
		}
		s.cfg.Router.SendDirect(extra, client.DirectPath(), d)
		d += MultiAckGap
	}

	pkt := &codec.Packet{
		Header:  codec.PayloadTypeAck << codec.PHTypeShift,
		Payload: codec.BuildAckPayload(ackHash),
	}
	s.cfg.Router.SendDirect(pkt, client.DirectPath(), d)
	return d + ReplyDelay
}
