package bulletin

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kabili207/meshboard-go/core/clock"
)

const defaultVersion = "meshboard-go"

// HandleConsoleCommand executes an administrative CLI command arriving from
// the local console (sender timestamp 0) and returns the reply text.
func (s *Server) HandleConsoleCommand(cmd string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handleCommand(0, cmd, nil)
}

// handleCommand dispatches an admin CLI command from the console or from a
// remote admin client. Returns "" for no reply. Must be called with s.mu
// held.
func (s *Server) handleCommand(senderTimestamp uint32, cmd string, client *ClientInfo) string {
	cmd = strings.TrimSpace(cmd)
	isConsole := senderTimestamp == 0

	// Optional 3-char prefix used by companion radio CLIs ("ab|command"):
	// reflect it back in the reply.
	var prefix string
	if len(cmd) > 4 && cmd[2] == '|' {
		prefix = cmd[:3]
		cmd = cmd[3:]
	}

	wasDesynced := s.clockDesynced()
	reply := s.executeCommand(cmd, isConsole)

	if wasDesynced && !s.clockDesynced() {
		// A CLI command (e.g. "time") just synced the clock manually.
		s.notifyClockSynced(nil)
		s.nextPush = time.Time{}
	}

	if reply == "" {
		return ""
	}
	return prefix + reply
}

func (s *Server) executeCommand(cmd string, isConsole bool) string {
	switch {
	case strings.HasPrefix(cmd, "setperm "):
		return s.cliSetPerm(cmd[len("setperm "):])
	case cmd == "get acl":
		return s.cliGetACL()
	case strings.HasPrefix(cmd, "bulletin."):
		return s.cliBulletin(cmd[len("bulletin."):], isConsole)
	case strings.HasPrefix(cmd, "addbulletin "):
		return s.cliBulletin("info "+cmd[len("addbulletin "):], isConsole)
	case strings.HasPrefix(cmd, "set nettime.enable "):
		return s.cliSetNettimeEnable(cmd[len("set nettime.enable "):])
	case cmd == "get nettime.enable":
		if s.netsync.enabled {
			return "on"
		}
		return "off"
	case strings.HasPrefix(cmd, "set nettime.maxwait "):
		return s.cliSetNettimeMaxwait(cmd[len("set nettime.maxwait "):])
	case cmd == "get nettime.maxwait":
		return strconv.Itoa(int(s.netsync.maxwaitMins))
	case cmd == "get nettime.status":
		return s.cliNettimeStatus()
	case cmd == "get channel.mode":
		if s.channel.modePrivate {
			return "private"
		}
		return "public"
	case strings.HasPrefix(cmd, "set channel.mode "):
		return s.cliSetChannelMode(cmd[len("set channel.mode "):])
	case cmd == "get channel.key":
		return s.channelKeyHex()
	case cmd == "login.history":
		return s.cliLoginHistory()
	case cmd == "clock":
		t := time.Unix(int64(s.cfg.Clock.GetCurrentTime()), 0).UTC()
		return fmt.Sprintf("%02d:%02d - %02d/%02d/%04d UTC",
			t.Hour(), t.Minute(), t.Day(), t.Month(), t.Year())
	case strings.HasPrefix(cmd, "time "):
		return s.cliSetTime(cmd[len("time "):])
	case cmd == "ver":
		if s.cfg.Version != "" {
			return s.cfg.Version
		}
		return defaultVersion
	case strings.HasPrefix(cmd, "get "):
		return s.cliGet(cmd[len("get "):])
	case strings.HasPrefix(cmd, "set "):
		parts := strings.SplitN(cmd[len("set "):], " ", 2)
		if len(parts) < 2 {
			return "Error: missing value"
		}
		return s.cliSet(parts[0], parts[1])
	default:
		return "Unknown command"
	}
}

func (s *Server) cliSetPerm(args string) string {
	parts := strings.Fields(args)
	if len(parts) != 2 {
		return "Err - bad params"
	}

	pubKeyBytes, err := hex.DecodeString(parts[0])
	if err != nil || len(pubKeyBytes) == 0 || len(pubKeyBytes) > 32 {
		return "Err - bad pubkey"
	}

	perm, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return "Err - bad params"
	}

	if !s.acl.ApplyPermissions(s.self, pubKeyBytes, uint8(perm)) {
		return "Err - invalid params"
	}
	s.scheduleLazyACLWrite()
	return "OK"
}

func (s *Server) cliGetACL() string {
	var b strings.Builder
	b.WriteString("ACL:\n")
	s.acl.ForEach(func(c *ClientInfo) bool {
		if c.Permissions == 0 {
			return true
		}
		fmt.Fprintf(&b, "%02X %s\n", c.Permissions, c.ID.String())
		return true
	})
	return b.String()
}

func (s *Server) cliBulletin(args string, isConsole bool) string {
	if s.clockDesynced() {
		return "ERROR: Clock not synced"
	}

	var severity PostSeverity
	var text string
	switch {
	case strings.HasPrefix(args, "info "):
		severity, text = SeverityInfo, args[len("info "):]
	case strings.HasPrefix(args, "warning "):
		severity, text = SeverityWarning, args[len("warning "):]
	case strings.HasPrefix(args, "critical "):
		severity, text = SeverityCritical, args[len("critical "):]
	default:
		return "ERROR: Invalid severity. Use bulletin.info|bulletin.warning|bulletin.critical"
	}

	if text == "" {
		return "ERROR: Empty bulletin"
	}
	if len(text) > MaxPostTextLen {
		return fmt.Sprintf("ERROR: Max %d chars", MaxPostTextLen)
	}

	now := s.now()
	if !s.lastBulletin.IsZero() && now.Sub(s.lastBulletin) < BulletinRateLimit {
		remaining := (BulletinRateLimit - now.Sub(s.lastBulletin)).Round(time.Second)
		return fmt.Sprintf("ERROR: Rate limit hit. Wait %d seconds.", int(remaining.Seconds()))
	}

	if !s.addBulletin(text, severity) {
		return "ERROR: Bulletin rejected"
	}
	s.lastBulletin = now

	if isConsole {
		return ""
	}
	return fmt.Sprintf("OK - %s bulletin posted", strings.ToUpper(severity.String()))
}

func (s *Server) cliSetNettimeEnable(val string) string {
	switch val {
	case "on":
		s.setNetsyncEnabled(true)
		return "OK - Network time sync enabled"
	case "off":
		s.setNetsyncEnabled(false)
		return "OK - Network time sync disabled"
	default:
		return "Error: Use 'on' or 'off'"
	}
}

func (s *Server) cliSetNettimeMaxwait(val string) string {
	mins, err := strconv.Atoi(val)
	if err != nil || mins < netsyncMaxwaitMin || mins > netsyncMaxwaitMax {
		return "Error: Range 5-60 minutes"
	}
	s.setNetsyncMaxwait(mins)
	return fmt.Sprintf("OK - Max wait set to %d minutes", mins)
}

func (s *Server) cliNettimeStatus() string {
	switch {
	case s.clockSyncedOnce || !s.clockDesynced():
		return "Clock already synced"
	case !s.netsync.enabled:
		return "Network time sync disabled"
	default:
		return fmt.Sprintf("Waiting for repeaters (%d/%d)", s.netsync.count, repeaterQuorum)
	}
}

func (s *Server) cliSetChannelMode(val string) string {
	switch val {
	case "public":
		s.setChannelModePublic()
		return "OK - Channel mode set to public"
	case "private":
		s.setChannelModePrivate()
		return "OK - Channel mode set to private"
	default:
		return "Error: Use 'public' or 'private'"
	}
}

func (s *Server) cliLoginHistory() string {
	if s.loginHistoryLen == 0 {
		return "No login history available"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Last %d logins:\n", s.loginHistoryLen)
	for i := 0; i < s.loginHistoryLen; i++ {
		entry, ok := s.loginHistoryEntry(i)
		if !ok {
			break
		}
		t := time.Unix(int64(entry.Timestamp), 0).UTC()
		fmt.Fprintf(&b, "[%02X%02X%02X%02X] %s - %02d/%02d/%04d %02d:%02d:%02d UTC\n",
			entry.PubKey[0], entry.PubKey[1], entry.PubKey[2], entry.PubKey[3],
			roleName(entry.Permissions&0x03),
			t.Day(), t.Month(), t.Year(), t.Hour(), t.Minute(), t.Second())
	}
	return b.String()
}

func (s *Server) cliSetTime(val string) string {
	epoch, err := strconv.ParseUint(val, 10, 32)
	if err != nil || uint32(epoch) < clock.MinValidTimestamp {
		return "Error: invalid time"
	}
	s.cfg.Clock.SetCurrentTime(uint32(epoch))
	return "OK"
}

func (s *Server) cliGet(key string) string {
	switch key {
	case "name":
		return s.cfg.Name
	case "public.key":
		return hex.EncodeToString(s.cfg.PublicKey[:])
	case "role":
		return "room_server"
	case "guest.password":
		return s.cfg.GuestPassword
	case "allow.read.only":
		if s.cfg.AllowReadOnly {
			return "on"
		}
		return "off"
	default:
		return "??: " + key
	}
}

func (s *Server) cliSet(key, value string) string {
	switch key {
	case "name":
		s.cfg.Name = value
		return "OK"
	case "guest.password":
		s.cfg.GuestPassword = value
		return "OK"
	case "allow.read.only":
		switch value {
		case "on":
			s.cfg.AllowReadOnly = true
			return "OK"
		case "off":
			s.cfg.AllowReadOnly = false
			return "OK"
		default:
			return "Error: expected on/off"
		}
	default:
		return "??: " + key
	}
}
