package bulletin

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/kabili207/meshboard-go/core/codec"
	"github.com/kabili207/meshboard-go/core/crypto"
)

const (
	// ChannelConfigFile is the persisted broadcast channel configuration.
	ChannelConfigFile = "/channel_cfg"

	// ChannelKeyLen is the channel secret length in bytes.
	ChannelKeyLen = 16

	// channelConfigSize: mode_private(1) + secret(16) + guard(4).
	channelConfigSize = 1 + ChannelKeyLen + 4
)

// Bulletin severity levels.
type PostSeverity int

const (
	SeverityInfo PostSeverity = iota
	SeverityWarning
	SeverityCritical
)

// Severity prefixes, all SeverityPrefixLen characters.
const (
	SeverityPrefixInfo     = "BLTN-INFO: "
	SeverityPrefixWarning  = "BLTN-WARN: "
	SeverityPrefixCritical = "BLTN-CRIT: "
	SeverityPrefixLen      = 11
)

func (sev PostSeverity) prefix() string {
	switch sev {
	case SeverityWarning:
		return SeverityPrefixWarning
	case SeverityCritical:
		return SeverityPrefixCritical
	default:
		return SeverityPrefixInfo
	}
}

func (sev PostSeverity) String() string {
	switch sev {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "info"
	}
}

// channelState is the broadcast channel: persisted mode plus the runtime
// secret and hash.
type channelState struct {
	modePrivate bool
	configSecret [ChannelKeyLen]byte // persisted secret (private mode only)

	secret      [ChannelKeyLen]byte // runtime secret
	hash        uint8
	initialised bool
}

// loadChannelConfig loads the persisted channel config, writing defaults
// (public mode) when the blob is missing or guard-mismatched.
func (s *Server) loadChannelConfig() {
	data, err := s.cfg.Store.ReadAll(ChannelConfigFile)
	if err == nil && len(data) >= channelConfigSize {
		guard := binary.LittleEndian.Uint32(data[1+ChannelKeyLen:])
		if guard == ConfigGuard {
			s.channel.modePrivate = data[0] != 0
			copy(s.channel.configSecret[:], data[1:1+ChannelKeyLen])
			s.log.Info("loaded channel config", "mode_private", s.channel.modePrivate)
			return
		}
	}

	s.log.Info("invalid or missing channel config, using defaults")
	s.channel.modePrivate = false
	s.channel.configSecret = [ChannelKeyLen]byte{}
	s.saveChannelConfig()
}

func (s *Server) saveChannelConfig() {
	buf := make([]byte, channelConfigSize)
	if s.channel.modePrivate {
		buf[0] = 1
	}
	copy(buf[1:1+ChannelKeyLen], s.channel.configSecret[:])
	binary.LittleEndian.PutUint32(buf[1+ChannelKeyLen:], ConfigGuard)

	if err := s.cfg.Store.WriteAll(ChannelConfigFile, buf); err != nil {
		s.log.Warn("failed to save channel config", "error", err)
		return
	}
	s.backupConfigs()
}

// initialiseChannel derives the runtime channel secret: private mode uses
// the stored secret, public mode derives it from the server's public key.
func (s *Server) initialiseChannel() {
	if s.channel.modePrivate {
		s.channel.secret = s.channel.configSecret
	} else {
		copy(s.channel.secret[:], s.cfg.PublicKey[:ChannelKeyLen])
	}
	s.channel.hash = crypto.ComputeChannelHash(s.channel.secret[:])
	s.channel.initialised = true

	s.log.Debug("initialised channel",
		"mode_private", s.channel.modePrivate,
		"hash", fmt.Sprintf("0x%02X", s.channel.hash))
}

// setChannelModePublic switches to public mode. No-op when already public.
func (s *Server) setChannelModePublic() {
	if !s.channel.modePrivate {
		return
	}
	s.channel.modePrivate = false
	s.channel.configSecret = [ChannelKeyLen]byte{}
	s.saveChannelConfig()
	s.initialiseChannel()
	s.addSystemMessage("Channel mode changed to public")
}

// setChannelModePrivate switches to private mode with a freshly generated
// secret. No-op when already private.
func (s *Server) setChannelModePrivate() {
	if s.channel.modePrivate {
		return
	}
	secret, err := crypto.RandomBytes(ChannelKeyLen)
	if err != nil {
		s.log.Warn("failed to generate channel secret", "error", err)
		return
	}
	copy(s.channel.configSecret[:], secret)
	s.channel.modePrivate = true
	s.saveChannelConfig()
	s.initialiseChannel()
	s.addSystemMessage("Channel mode changed to private")
}

// channelKeyHex returns the active channel key as hex for CLI display:
// the stored secret in private mode, the server's key prefix in public mode.
func (s *Server) channelKeyHex() string {
	if s.channel.modePrivate {
		return hex.EncodeToString(s.channel.configSecret[:])
	}
	return hex.EncodeToString(s.cfg.PublicKey[:ChannelKeyLen])
}

// broadcastBulletin floods a warning or critical bulletin on the broadcast
// channel as a GRP_TXT message: "<name>: <prefixed text>".
func (s *Server) broadcastBulletin(bulletinText string, severity PostSeverity) {
	if !s.channel.initialised {
		s.log.Debug("cannot broadcast, channel not initialised")
		return
	}
	if len(bulletinText) > MaxPostTextLen {
		s.log.Debug("bulletin too long to broadcast")
		return
	}

	text := s.cfg.Name + ": " + severity.prefix() + bulletinText
	plaintext := codec.BuildTxtMsgContent(
		s.cfg.Clock.GetCurrentTime(), codec.TxtTypePlain, 0, text, nil)

	encrypted, err := crypto.EncryptGroupMessage(plaintext, s.channel.secret[:])
	if err != nil {
		s.log.Warn("failed to encrypt bulletin broadcast", "error", err)
		return
	}
	mac, ciphertext := codec.SplitMAC(encrypted)

	pkt := &codec.Packet{
		Header:  codec.PayloadTypeGrpTxt << codec.PHTypeShift,
		Payload: codec.BuildGroupPayload(s.channel.hash, mac, ciphertext),
	}
	s.cfg.Router.SendFlood(pkt, 0)

	s.log.Info("broadcast bulletin to channel", "severity", severity.String())
}
