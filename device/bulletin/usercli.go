package bulletin

import (
	"fmt"
	"strings"

	"github.com/kabili207/meshboard-go/core/codec"
)

// handleUserCommand dispatches a "!" command from a read-write client and
// returns the reply text. These are the lightweight user-facing commands;
// admin commands travel as TXT_TYPE_CLI instead.
func (s *Server) handleUserCommand(client *ClientInfo, pkt *codec.Packet, command string) string {
	cmd := strings.TrimPrefix(command, "!")

	s.log.Debug("user command", "peer", client.ID.ShortString(), "cmd", cmd)

	switch {
	case cmd == "help":
		return "Commands:\n!help [cmd]\n!version\n!channel\n!channelkey\n!rxp\n!txp"
	case strings.HasPrefix(cmd, "help "):
		return userHelp(cmd[len("help "):])
	case cmd == "version":
		if s.cfg.Version != "" {
			return s.cfg.Version
		}
		return defaultVersion
	case cmd == "channel":
		if s.channel.modePrivate {
			return "Channel mode: private"
		}
		return "Channel mode: public"
	case cmd == "channelkey":
		return s.channelKeyHex()
	case cmd == "rxp":
		// Path the client's packet took to reach us.
		if pkt == nil || pkt.PathLen == 0 {
			return "Receive path: direct (zero hop)"
		}
		return fmt.Sprintf("Receive path: %X (%d hops)", pkt.Path[:pkt.PathLen], pkt.PathLen)
	case cmd == "txp":
		if !client.HasDirectPath() {
			return "Transmit path: unknown (flood)"
		}
		if client.OutPathLen == 0 {
			return "Transmit path: direct (zero hop)"
		}
		return fmt.Sprintf("Transmit path: %X (%d hops)", client.DirectPath(), client.OutPathLen)
	default:
		return "Unknown command. Type !help for list."
	}
}

func userHelp(cmd string) string {
	switch cmd {
	case "version":
		return "!version: Display server version info"
	case "channel":
		return "!channel: Display current broadcast channel mode (public/private)"
	case "channelkey":
		return "!channelkey: Display the channel encryption key (hex)"
	case "rxp":
		return "!rxp: Display the receive path (route from you to server)"
	case "txp":
		return "!txp: Display the transmit path (route from server to you)"
	default:
		return "Unknown command. Type !help for list."
	}
}
