package bulletin

import (
	"context"
	"time"

	"github.com/kabili207/meshboard-go/core/codec"
	"github.com/kabili207/meshboard-go/core/crypto"
)

// Advert timer defaults (firmware units).
const (
	// DefaultLocalAdvertInterval scales by 2 minutes per unit.
	DefaultLocalAdvertInterval = 1
	// DefaultFloodAdvertInterval is in hours.
	DefaultFloodAdvertInterval = 12

	advertTickInterval = time.Second
)

// buildSelfAdvert creates this node's signed room advertisement.
func (s *Server) buildSelfAdvert() *codec.Packet {
	appData := &codec.AdvertAppData{
		NodeType: codec.NodeTypeRoom,
		Name:     s.cfg.Name,
		Lat:      s.cfg.Lat,
		Lon:      s.cfg.Lon,
	}
	appDataBytes := codec.BuildAdvertAppData(appData)

	timestamp := s.cfg.Clock.GetCurrentTime()
	sig, err := crypto.SignAdvert(s.cfg.PrivateKey, s.cfg.PublicKey, timestamp, appDataBytes)
	if err != nil {
		s.log.Warn("failed to sign advert", "error", err)
		return nil
	}

	return &codec.Packet{
		Header:  codec.PayloadTypeAdvert << codec.PHTypeShift,
		Payload: codec.BuildAdvertPayload(s.cfg.PublicKey, timestamp, sig, appData),
	}
}

// SendSelfAdvert broadcasts an advertisement immediately: flooded when flood
// is true, zero-hop otherwise.
func (s *Server) SendSelfAdvert(flood bool) {
	pkt := s.buildSelfAdvert()
	if pkt == nil {
		return
	}
	if flood {
		s.cfg.Router.SendFlood(pkt, 0)
	} else {
		s.cfg.Router.SendZeroHop(pkt)
	}
}

// RunAdvertTimers runs the periodic advertisement loop until the context is
// cancelled: zero-hop adverts every localInterval*2 minutes and flood
// adverts every floodInterval hours. A flood advert also resets the local
// timer so the two never fire together. Zero disables a timer.
func (s *Server) RunAdvertTimers(ctx context.Context, localInterval, floodInterval uint8) {
	var nextLocal, nextFlood time.Time
	now := time.Now()
	if localInterval > 0 {
		nextLocal = now.Add(time.Duration(localInterval) * 2 * time.Minute)
	}
	if floodInterval > 0 {
		nextFlood = now.Add(time.Duration(floodInterval) * time.Hour)
	}

	ticker := time.NewTicker(advertTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now = time.Now()
			if !nextFlood.IsZero() && !now.Before(nextFlood) {
				s.SendSelfAdvert(true)
				nextFlood = now.Add(time.Duration(floodInterval) * time.Hour)
				if localInterval > 0 {
					nextLocal = now.Add(time.Duration(localInterval) * 2 * time.Minute)
				}
			} else if !nextLocal.IsZero() && !now.Before(nextLocal) {
				s.SendSelfAdvert(false)
				nextLocal = now.Add(time.Duration(localInterval) * 2 * time.Minute)
			}
		}
	}
}
