package bulletin

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/kabili207/meshboard-go/core"
	"github.com/kabili207/meshboard-go/core/clock"
)

const (
	// NetSyncConfigFile is the persisted clock-sync configuration blob.
	NetSyncConfigFile = "/netsync_cfg"

	// ConfigGuard is the validation marker in persisted config blobs.
	ConfigGuard uint32 = 0xDEADBEEF

	// netsyncConfigSize: enabled(1) + maxwait_mins(2) + guard(4).
	netsyncConfigSize = 7

	// repeaterQuorum is the number of agreeing repeater adverts needed.
	repeaterQuorum = 3

	// Netsync maxwait bounds, in minutes.
	netsyncMaxwaitMin = 5
	netsyncMaxwaitMax = 60

	// netsyncMaxwaitDefault is used when no valid config is stored.
	netsyncMaxwaitDefault = 15
)

// repeaterAdvert is one buffered repeater advertisement.
type repeaterAdvert struct {
	prefix       [4]byte // repeater public key prefix, for identification
	timestamp    uint32  // unix timestamp from the advert
	receivedTime uint32  // our clock when the advert arrived (for aging)
}

// netsyncState is the clock-sync engine: config plus the repeater buffer.
// Admin-source sync lives in the login/text handlers; both producers race to
// set the clock once per boot.
type netsyncState struct {
	enabled     bool
	maxwaitMins uint16
	buffer      [repeaterQuorum]repeaterAdvert
	count       int
	checkFlag   bool
}

func (n *netsyncState) init() {
	n.enabled = false
	n.maxwaitMins = netsyncMaxwaitDefault
}

// maxwaitSecs returns the agreement window in seconds.
func (n *netsyncState) maxwaitSecs() uint32 {
	return uint32(n.maxwaitMins) * 60
}

// removeAt drops the buffered advert at index i.
func (n *netsyncState) removeAt(i int) {
	copy(n.buffer[i:], n.buffer[i+1:n.count])
	n.count--
}

// oldestIdx returns the index of the advert with the earliest receive time.
func (n *netsyncState) oldestIdx() int {
	oldest := 0
	for i := 1; i < n.count; i++ {
		if n.buffer[i].receivedTime < n.buffer[oldest].receivedTime {
			oldest = i
		}
	}
	return oldest
}

// loadNetSyncConfig loads the persisted clock-sync config, falling back to
// defaults when the blob is missing, guard-mismatched, or out of range.
func (s *Server) loadNetSyncConfig() {
	s.netsync.init()

	data, err := s.cfg.Store.ReadAll(NetSyncConfigFile)
	if err != nil || len(data) < netsyncConfigSize {
		return
	}

	enabled := data[0]
	maxwait := binary.LittleEndian.Uint16(data[1:3])
	guard := binary.LittleEndian.Uint32(data[3:7])

	if guard != ConfigGuard || maxwait < netsyncMaxwaitMin || maxwait > netsyncMaxwaitMax {
		s.log.Warn("invalid netsync config, using defaults")
		return
	}

	s.netsync.enabled = enabled != 0
	s.netsync.maxwaitMins = maxwait
	s.log.Info("loaded netsync config",
		"enabled", s.netsync.enabled, "maxwait_mins", maxwait)
}

func (s *Server) saveNetSyncConfig() {
	buf := make([]byte, netsyncConfigSize)
	if s.netsync.enabled {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint16(buf[1:3], s.netsync.maxwaitMins)
	binary.LittleEndian.PutUint32(buf[3:7], ConfigGuard)

	if err := s.cfg.Store.WriteAll(NetSyncConfigFile, buf); err != nil {
		s.log.Warn("failed to save netsync config", "error", err)
		return
	}
	s.backupConfigs()
}

// applyAdminClockSync sets the clock from an authenticated admin packet's
// sender timestamp, once per boot. Admin sync takes precedence: the repeater
// buffer is invalidated.
func (s *Server) applyAdminClockSync(senderTimestamp uint32, adminID core.MeshCoreID) {
	if s.clockSyncedOnce || !s.cfg.Clock.IsDesynced() {
		return
	}
	if senderTimestamp < clock.MinValidTimestamp {
		s.log.Debug("admin timestamp below minimum, not syncing",
			"sender_ts", senderTimestamp)
		return
	}

	s.cfg.Clock.SetCurrentTime(senderTimestamp)
	s.notifyClockSynced(&adminID)

	// Schedule an immediate push check for any pending posts.
	s.nextPush = time.Time{}

	s.netsync.count = 0
	s.netsync.checkFlag = false

	s.log.Info("clock synced from admin",
		"peer", adminID.ShortString(), "timestamp", senderTimestamp)
}

// onRepeaterAdvert records a repeater advertisement for quorum clock sync.
// Same-prefix adverts update the stored timestamp (newer wins); when the
// buffer is full the oldest-by-receive-time entry is replaced.
func (s *Server) onRepeaterAdvert(id core.MeshCoreID, timestamp uint32) {
	if s.clockSyncedOnce || !s.cfg.Clock.IsDesynced() || !s.netsync.enabled {
		return
	}
	if timestamp < clock.MinValidTimestamp {
		s.log.Debug("repeater advert timestamp below minimum", "timestamp", timestamp)
		return
	}

	n := &s.netsync
	nowTS := s.cfg.Clock.GetCurrentTime()

	var prefix [4]byte
	copy(prefix[:], id[:4])

	for i := 0; i < n.count; i++ {
		if n.buffer[i].prefix == prefix {
			if timestamp > n.buffer[i].timestamp {
				n.buffer[i].timestamp = timestamp
				n.buffer[i].receivedTime = nowTS
			}
			n.checkFlag = true
			return
		}
	}

	entry := repeaterAdvert{prefix: prefix, timestamp: timestamp, receivedTime: nowTS}
	if n.count < repeaterQuorum {
		n.buffer[n.count] = entry
		n.count++
	} else {
		n.buffer[n.oldestIdx()] = entry
	}

	s.log.Debug("buffered repeater advert",
		"peer", id.ShortString(), "timestamp", timestamp, "count", n.count)
	n.checkFlag = true
}

// checkNetworkTimeSync services at most one quorum check per loop pass.
func (s *Server) checkNetworkTimeSync() {
	n := &s.netsync
	if !n.checkFlag {
		return
	}
	n.checkFlag = false

	if s.clockSyncedOnce || !n.enabled {
		return
	}
	if n.count < repeaterQuorum {
		return
	}

	nowTS := s.cfg.Clock.GetCurrentTime()
	maxwait := n.maxwaitSecs()

	// Age out stale adverts. Only meaningful once our clock is plausible;
	// the agreement check below is the primary filter.
	for i := 0; i < n.count; {
		if nowTS > clock.MinValidTimestamp && nowTS > n.buffer[i].receivedTime+maxwait {
			s.log.Debug("aging out repeater advert",
				"prefix", fmt.Sprintf("%08X", n.buffer[i].prefix))
			n.removeAt(i)
		} else {
			i++
		}
	}
	if n.count < repeaterQuorum {
		return
	}

	minTS := n.buffer[0].timestamp
	maxTS := n.buffer[0].timestamp
	winner := 0
	for i := 1; i < n.count; i++ {
		if n.buffer[i].timestamp < minTS {
			minTS = n.buffer[i].timestamp
		}
		if n.buffer[i].timestamp > maxTS {
			maxTS = n.buffer[i].timestamp
			winner = i
		}
	}

	if maxTS-minTS > maxwait {
		// Disagreement too large: discard the oldest and wait for more.
		idx := n.oldestIdx()
		s.log.Debug("repeater span exceeds maxwait, discarding oldest",
			"span_secs", maxTS-minTS,
			"prefix", fmt.Sprintf("%08X", n.buffer[idx].prefix))
		n.removeAt(idx)
		return
	}

	if nowTS > clock.MinValidTimestamp && maxTS <= nowTS {
		// Quorum timestamp is in the past: bogus, restart collection.
		s.log.Debug("quorum timestamp not ahead of clock, discarding all",
			"max_ts", maxTS, "now", nowTS)
		n.count = 0
		return
	}

	s.cfg.Clock.SetCurrentTime(maxTS)
	s.clockSyncedOnce = true
	s.log.Info("clock synced from repeater quorum",
		"timestamp", maxTS,
		"winner", fmt.Sprintf("%08X", n.buffer[winner].prefix))

	s.notifyClockSyncedFromRepeaters(winner)

	s.nextPush = time.Time{}
	n.count = 0
}

// notifyClockSyncedFromRepeaters queues the quorum sync announcement naming
// the winning repeater and all quorum prefixes.
func (s *Server) notifyClockSyncedFromRepeaters(winner int) {
	n := &s.netsync

	t := time.Unix(int64(n.buffer[winner].timestamp), 0).UTC()

	var quorum []string
	for i := 0; i < n.count; i++ {
		quorum = append(quorum, fmt.Sprintf("[%02X%02X%02X%02X]",
			n.buffer[i].prefix[0], n.buffer[i].prefix[1],
			n.buffer[i].prefix[2], n.buffer[i].prefix[3]))
	}

	msg := fmt.Sprintf("Clock set by Repeater advert from [%02X%02X%02X%02X] to %02d %s %04d %02d:%02d. Quorum nodes: %s.",
		n.buffer[winner].prefix[0], n.buffer[winner].prefix[1],
		n.buffer[winner].prefix[2], n.buffer[winner].prefix[3],
		t.Day(), t.Month().String()[:3], t.Year(), t.Hour(), t.Minute(),
		strings.Join(quorum, ", "))
	if len(msg) > MaxPostTextLen {
		msg = msg[:MaxPostTextLen]
	}
	s.addSystemMessage(msg)
}

// setNetsyncEnabled updates and persists the enable flag.
func (s *Server) setNetsyncEnabled(enabled bool) {
	s.netsync.enabled = enabled
	s.saveNetSyncConfig()
}

// setNetsyncMaxwait updates and persists the agreement window.
// The caller validates the range.
func (s *Server) setNetsyncMaxwait(mins int) {
	s.netsync.maxwaitMins = uint16(mins)
	s.saveNetSyncConfig()
}
