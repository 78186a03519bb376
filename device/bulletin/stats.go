package bulletin

import (
	"encoding/binary"
	"time"
)

// ServerStatsSize is the wire size of the ServerStats struct (52 bytes).
// This must match the firmware's ServerStats layout exactly.
const ServerStatsSize = 52

// ServerStats mirrors the firmware's ServerStats struct (52 bytes,
// little-endian). It is serialized as a flat binary blob in GET_STATUS
// responses.
type ServerStats struct {
	BattMilliVolts   uint16 // Offset 0:  battery voltage in millivolts
	CurrTxQueueLen   uint16 // Offset 2:  pending outbound packets
	NoiseFloor       int16  // Offset 4:  noise floor in dBm
	LastRSSI         int16  // Offset 6:  last RSSI in dBm
	NPacketsRecv     uint32 // Offset 8:  total received packets
	NPacketsSent     uint32 // Offset 12: total sent packets
	TotalAirTimeSecs uint32 // Offset 16: cumulative airtime in seconds
	TotalUpTimeSecs  uint32 // Offset 20: cumulative uptime in seconds
	NSentFlood       uint32 // Offset 24: flood-routed packets sent
	NSentDirect      uint32 // Offset 28: direct-routed packets sent
	NRecvFlood       uint32 // Offset 32: flood-routed packets received
	NRecvDirect      uint32 // Offset 36: direct-routed packets received
	ErrEvents        uint16 // Offset 40: error event counter
	LastSNR          int16  // Offset 42: last SNR x 4 (multiply by 0.25 for dB)
	NDirectDups      uint16 // Offset 44: direct route duplicate count
	NFloodDups       uint16 // Offset 46: flood route duplicate count
	NPosted          uint16 // Offset 48: posts added to server
	NPostPush        uint16 // Offset 50: posts pushed to clients
}

// MarshalBinary serializes the stats to a 52-byte little-endian blob
// matching the firmware's memcpy layout.
func (s *ServerStats) MarshalBinary() []byte {
	data := make([]byte, ServerStatsSize)
	binary.LittleEndian.PutUint16(data[0:2], s.BattMilliVolts)
	binary.LittleEndian.PutUint16(data[2:4], s.CurrTxQueueLen)
	binary.LittleEndian.PutUint16(data[4:6], uint16(s.NoiseFloor))
	binary.LittleEndian.PutUint16(data[6:8], uint16(s.LastRSSI))
	binary.LittleEndian.PutUint32(data[8:12], s.NPacketsRecv)
	binary.LittleEndian.PutUint32(data[12:16], s.NPacketsSent)
	binary.LittleEndian.PutUint32(data[16:20], s.TotalAirTimeSecs)
	binary.LittleEndian.PutUint32(data[20:24], s.TotalUpTimeSecs)
	binary.LittleEndian.PutUint32(data[24:28], s.NSentFlood)
	binary.LittleEndian.PutUint32(data[28:32], s.NSentDirect)
	binary.LittleEndian.PutUint32(data[32:36], s.NRecvFlood)
	binary.LittleEndian.PutUint32(data[36:40], s.NRecvDirect)
	binary.LittleEndian.PutUint16(data[40:42], s.ErrEvents)
	binary.LittleEndian.PutUint16(data[42:44], uint16(s.LastSNR))
	binary.LittleEndian.PutUint16(data[44:46], s.NDirectDups)
	binary.LittleEndian.PutUint16(data[46:48], s.NFloodDups)
	binary.LittleEndian.PutUint16(data[48:50], s.NPosted)
	binary.LittleEndian.PutUint16(data[50:52], s.NPostPush)
	return data
}

// HardwareStats are the radio/board-level readings a host can supply.
// Software nodes without hardware leave them zeroed.
type HardwareStats struct {
	BattMilliVolts uint16
	NoiseFloor     int16
	LastRSSI       int16
	LastSNRx4      int16
	ErrEvents      uint16
	AirTimeSecs    uint32
}

// StatsProvider supplies hardware statistics for GET_STATUS and telemetry
// responses.
type StatsProvider interface {
	GetHardwareStats() HardwareStats
}

// Metrics observes server events for daemon instrumentation. All methods
// must be non-blocking.
type Metrics interface {
	ObservePost()
	ObservePush()
	ObserveLogin(isAdmin bool)
}

// buildServerStats assembles the GET_STATUS reply from hardware readings,
// router counters, and the server's own counters.
func (s *Server) buildServerStats() ServerStats {
	var hw HardwareStats
	if s.cfg.Stats != nil {
		hw = s.cfg.Stats.GetHardwareStats()
	}

	stats := ServerStats{
		BattMilliVolts:   hw.BattMilliVolts,
		NoiseFloor:       hw.NoiseFloor,
		LastRSSI:         hw.LastRSSI,
		LastSNR:          hw.LastSNRx4,
		ErrEvents:        hw.ErrEvents,
		TotalAirTimeSecs: hw.AirTimeSecs,
		TotalUpTimeSecs:  uint32(time.Since(s.startTime) / time.Second),
		NPosted:          s.numPosted,
		NPostPush:        s.numPostPushes,
	}

	if r := s.cfg.Router; r != nil {
		snap := r.Counters().Snapshot()
		stats.CurrTxQueueLen = uint16(r.QueueLen())
		stats.NPacketsRecv = snap.PacketsRecv
		stats.NPacketsSent = snap.PacketsSent
		stats.NSentFlood = snap.SentFlood
		stats.NSentDirect = snap.SentDirect
		stats.NRecvFlood = snap.RecvFlood
		stats.NRecvDirect = snap.RecvDirect
		stats.NDirectDups, stats.NFloodDups = r.Dedup().DupCounts()
	}

	return stats
}

// CayenneLPP data types used in telemetry replies.
const (
	lppChannelSelf = 1
	lppTypeVoltage = 0x74 // 2 bytes, 0.01 V
	lppTypeGPS     = 0x88 // 3x 3 bytes: lat/lon 0.0001 deg, alt 0.01 m

	// Telemetry permission mask bits.
	TelemPermBase     = 0x01
	TelemPermLocation = 0x02
)

// buildTelemetry encodes CayenneLPP telemetry masked by the caller's
// effective permissions. Battery voltage is always included.
func (s *Server) buildTelemetry(permMask uint8) []byte {
	var hw HardwareStats
	if s.cfg.Stats != nil {
		hw = s.cfg.Stats.GetHardwareStats()
	}

	var out []byte

	// Voltage: 0.01 V resolution, big-endian per CayenneLPP.
	centiVolts := uint16(uint32(hw.BattMilliVolts) / 10)
	out = append(out, lppChannelSelf, lppTypeVoltage,
		uint8(centiVolts>>8), uint8(centiVolts))

	if permMask&TelemPermLocation != 0 && s.cfg.Lat != nil && s.cfg.Lon != nil {
		lat := int32(*s.cfg.Lat * 10000)
		lon := int32(*s.cfg.Lon * 10000)
		out = append(out, lppChannelSelf, lppTypeGPS,
			uint8(lat>>16), uint8(lat>>8), uint8(lat),
			uint8(lon>>16), uint8(lon>>8), uint8(lon),
			0, 0, 0)
	}

	return out
}
