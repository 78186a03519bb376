// Package router provides packet routing and forwarding for MeshCore networks.
//
// The Router sits between transports (MQTT, serial) and the bulletin server,
// making forwarding decisions for every received packet:
//   - Flood routing: appending this node's hash to the path and re-broadcasting
//   - Direct routing: forwarding packets along a supplied path of node hashes
//   - Deduplication: preventing duplicate packet processing
//   - ACK forwarding: creating new ACK packets when relaying direct-routed ACKs
//   - Send queue: priority-ordered outbound packet queue with optional delay
//
// A bulletin server normally runs with forwarding disabled (leaf node); the
// relay paths exist for nodes configured to also repeat traffic.
package router

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/meshboard-go/core"
	"github.com/kabili207/meshboard-go/core/codec"
	"github.com/kabili207/meshboard-go/core/dedupe"
	"github.com/kabili207/meshboard-go/transport"
)

const (
	// DefaultMaxFloodHops is the maximum number of flood hops before a packet is dropped.
	DefaultMaxFloodHops = codec.MaxPathSize // 64

	// DefaultDrainInterval is the default interval for the send queue drain loop.
	DefaultDrainInterval = 10 * time.Millisecond

	// Send priorities matching firmware conventions.
	PriorityDirect      = 0 // Highest: direct-routed traffic
	PriorityFloodData   = 1 // Flood data, ACKs
	PriorityFloodPath   = 2 // Flood PATH packets
	PriorityFloodAdvert = 3 // Lowest for outbound: ADVERT packets
)

// PacketHandler is called by the router when a packet is received that should
// be processed by the application layer. The handler runs synchronously before
// any forwarding decision — it may call pkt.MarkDoNotRetransmit() to suppress
// flood forwarding.
type PacketHandler func(pkt *codec.Packet, src transport.PacketSource)

// Config configures a Router.
type Config struct {
	// SelfID is this node's identity. Its Hash() (first byte of public key)
	// is used for path matching during direct routing and appended to paths
	// during flood forwarding.
	SelfID core.MeshCoreID

	// ForwardPackets enables packet forwarding (repeater mode).
	// When false (default), the router processes packets addressed to this
	// node but does not relay traffic for other nodes.
	ForwardPackets bool

	// MaxFloodHops limits how far flood packets can propagate through this
	// node. Default: 64 (MaxPathSize).
	MaxFloodHops int

	// DrainInterval is how often the queue drain goroutine checks for ready
	// packets. Default: 10ms. Only used when Start() is called.
	DrainInterval time.Duration

	// Logger for routing events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Router handles packet routing and forwarding for a MeshCore node.
type Router struct {
	cfg      Config
	log      *slog.Logger
	dedup    *dedupe.PacketDeduplicator
	queue    *SendQueue
	counters RouterCounters

	mu         sync.RWMutex
	transports []transportEntry
	onPacket   PacketHandler

	cancel    context.CancelFunc
	drainDone chan struct{}
	started   bool
}

type transportEntry struct {
	transport transport.Transport
	source    transport.PacketSource
}

// New creates a Router with the given configuration.
func New(cfg Config) *Router {
	if cfg.MaxFloodHops <= 0 {
		cfg.MaxFloodHops = DefaultMaxFloodHops
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Router{
		cfg:   cfg,
		log:   logger.WithGroup("router"),
		dedup: dedupe.New(),
		queue: NewSendQueue(),
	}
}

// Counters returns the router's packet counters.
func (r *Router) Counters() *RouterCounters {
	return &r.counters
}

// Dedup returns the router's packet deduplicator (for duplicate statistics).
func (r *Router) Dedup() *dedupe.PacketDeduplicator {
	return r.dedup
}

// QueueLen returns the number of packets waiting in the send queue.
func (r *Router) QueueLen() int {
	return r.queue.Len()
}

// Start begins the queue drain goroutine. Packets pushed to the queue will
// be sent when ready. If Start is never called, enqueue falls back to
// synchronous sending.
func (r *Router) Start(ctx context.Context) {
	interval := r.cfg.DrainInterval
	if interval <= 0 {
		interval = DefaultDrainInterval
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.drainDone = make(chan struct{})
	r.started = true
	go r.drainLoop(ctx, interval)
}

// Stop cancels the drain goroutine and waits for it to finish.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.drainDone
		r.cancel = nil
		r.started = false
	}
}

func (r *Router) drainLoop(ctx context.Context, interval time.Duration) {
	defer close(r.drainDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				entry := r.queue.Pop()
				if entry == nil {
					break
				}
				r.broadcastToTransports(entry.Packet, entry.ExcludeSource, entry.SendToAll)
			}
		}
	}
}

// enqueue adds a packet to the send queue if the drain goroutine is running,
// otherwise sends synchronously.
func (r *Router) enqueue(pkt *codec.Packet, priority uint8, delay time.Duration, excludeSource transport.PacketSource, sendToAll bool) {
	if !r.started {
		r.broadcastToTransports(pkt, excludeSource, sendToAll)
		return
	}
	r.queue.Push(pkt, priority, delay, excludeSource, sendToAll)
}

// SetPacketHandler sets the callback for packets that should be processed by
// the application layer. The handler is called synchronously during
// HandlePacket before forwarding decisions are made.
func (r *Router) SetPacketHandler(fn PacketHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPacket = fn
}

// AddTransport registers a transport with the router. The router installs
// itself as the transport's packet handler so that incoming packets are
// automatically routed through HandlePacket.
func (r *Router) AddTransport(t transport.Transport, source transport.PacketSource) {
	r.mu.Lock()
	r.transports = append(r.transports, transportEntry{transport: t, source: source})
	r.mu.Unlock()

	t.SetPacketHandler(func(pkt *codec.Packet, src transport.PacketSource) {
		r.HandlePacket(pkt, src)
	})
}

// HandlePacket is the main routing entry point. It processes an incoming
// packet, dispatches it to the application callback, and makes forwarding
// decisions.
func (r *Router) HandlePacket(pkt *codec.Packet, src transport.PacketSource) {
	if pkt.PayloadVersion() > codec.PayloadVer1 {
		r.log.Debug("dropping packet with unsupported version",
			"version", pkt.PayloadVersion())
		return
	}

	r.counters.PacketsRecv.Add(1)
	if pkt.IsFlood() {
		r.counters.RecvFlood.Add(1)
	} else if pkt.IsDirect() {
		r.counters.RecvDirect.Add(1)
	}

	// Deduplication (also inserts the packet into the seen table)
	if r.dedup.HasSeen(pkt) {
		return
	}

	// Direct routing with path: we may be the next hop
	if pkt.IsDirect() && pkt.PathLen > 0 {
		r.handleDirectForward(pkt, src)
		return
	}

	// Direct with no path: zero-hop, or we are the final destination
	if pkt.IsDirect() && pkt.PathLen == 0 {
		r.dispatchToApp(pkt, src)
		return
	}

	if pkt.IsFlood() {
		r.handleFlood(pkt, src)
		return
	}

	// Unknown route type — drop silently
}

// handleDirectForward processes a direct-routed packet with path_len >= 1.
func (r *Router) handleDirectForward(pkt *codec.Packet, src transport.PacketSource) {
	if pkt.Path[0] != r.cfg.SelfID.Hash() {
		// Not our hop
		return
	}

	if !r.cfg.ForwardPackets {
		return
	}

	// ACK special case: dispatch to app first (early receive), then create
	// a new ACK packet and queue it at highest priority.
	if pkt.PayloadType() == codec.PayloadTypeAck {
		r.dispatchToApp(pkt, src)
		removeSelfFromPath(pkt)
		r.forwardAck(pkt)
		return
	}

	removeSelfFromPath(pkt)
	r.enqueue(pkt, PriorityDirect, 0, src, true)
}

// forwardAck creates a new ACK packet from the forwarded packet's payload
// and queues it at the highest priority.
func (r *Router) forwardAck(pkt *codec.Packet) {
	if len(pkt.Payload) < codec.AckSize {
		return
	}
	crc := binary.LittleEndian.Uint32(pkt.Payload[:4])

	ackPkt := &codec.Packet{
		Header:  pkt.Header,
		PathLen: pkt.PathLen,
		Path:    make([]byte, pkt.PathLen),
		Payload: codec.BuildAckPayload(crc),
	}
	if pkt.HasTransportCodes() {
		ackPkt.TransportCodes = pkt.TransportCodes
	}
	copy(ackPkt.Path, pkt.Path[:pkt.PathLen])

	r.enqueue(ackPkt, PriorityDirect, 0, 0, true)
}

// handleFlood processes a flood-routed packet: the app sees it first (and may
// mark it do-not-retransmit), then the forwarding decision is made.
func (r *Router) handleFlood(pkt *codec.Packet, src transport.PacketSource) {
	r.dispatchToApp(pkt, src)
	r.routeFloodForward(pkt, src)
}

func (r *Router) routeFloodForward(pkt *codec.Packet, src transport.PacketSource) {
	if !r.cfg.ForwardPackets {
		return
	}
	if pkt.IsMarkedDoNotRetransmit() {
		return
	}
	if int(pkt.PathLen)+1 > r.cfg.MaxFloodHops {
		return
	}

	// Clone before modifying the path; the original was already dispatched.
	fwd := pkt.Clone()

	if int(fwd.PathLen) >= len(fwd.Path) {
		fwd.Path = append(fwd.Path, r.cfg.SelfID.Hash())
	} else {
		fwd.Path[fwd.PathLen] = r.cfg.SelfID.Hash()
	}
	fwd.PathLen++

	// Path length doubles as flood priority: closer sources win.
	r.enqueue(fwd, fwd.PathLen, 0, src, false)
}

func (r *Router) dispatchToApp(pkt *codec.Packet, src transport.PacketSource) {
	r.mu.RLock()
	handler := r.onPacket
	r.mu.RUnlock()

	if handler != nil {
		handler(pkt, src)
	}
}

// SendFlood prepares and sends a packet in flood mode after an optional delay.
// The path is cleared, the packet is marked as seen (to prevent loopback),
// and it is sent to all connected transports.
func (r *Router) SendFlood(pkt *codec.Packet, delay time.Duration) {
	pkt.Header = (pkt.Header &^ codec.PHRouteMask) | codec.RouteTypeFlood
	pkt.PathLen = 0
	pkt.Path = nil

	r.dedup.HasSeen(pkt)
	r.counters.SentFlood.Add(1)

	priority := uint8(PriorityFloodData)
	if pkt.PayloadType() == codec.PayloadTypeAdvert {
		priority = PriorityFloodAdvert
	} else if pkt.PayloadType() == codec.PayloadTypePath {
		priority = PriorityFloodPath
	}
	r.enqueue(pkt, priority, delay, 0, true)
}

// SendDirect prepares and sends a packet in direct routing mode along the
// provided path after an optional delay.
func (r *Router) SendDirect(pkt *codec.Packet, path []byte, delay time.Duration) {
	pkt.Header = (pkt.Header &^ codec.PHRouteMask) | codec.RouteTypeDirect
	pkt.PathLen = uint8(len(path))
	pkt.Path = make([]byte, len(path))
	copy(pkt.Path, path)

	r.dedup.HasSeen(pkt)
	r.counters.SentDirect.Add(1)

	r.enqueue(pkt, PriorityDirect, delay, 0, true)
}

// SendZeroHop prepares and sends a packet as a zero-hop direct packet.
// These packets are not forwarded by relays (path is empty).
func (r *Router) SendZeroHop(pkt *codec.Packet) {
	pkt.Header = (pkt.Header &^ codec.PHRouteMask) | codec.RouteTypeDirect
	pkt.PathLen = 0
	pkt.Path = nil

	r.dedup.HasSeen(pkt)
	r.counters.SentDirect.Add(1)

	r.enqueue(pkt, PriorityDirect, 0, 0, true)
}

// broadcastToTransports sends a packet to all connected transports, skipping
// excludeSource unless sendToAll is set (locally-originated packets and
// direct-routed forwards).
func (r *Router) broadcastToTransports(pkt *codec.Packet, excludeSource transport.PacketSource, sendToAll bool) {
	r.mu.RLock()
	entries := make([]transportEntry, len(r.transports))
	copy(entries, r.transports)
	r.mu.RUnlock()

	for _, entry := range entries {
		if !sendToAll && entry.source == excludeSource {
			continue
		}
		if !entry.transport.IsConnected() {
			continue
		}
		if err := entry.transport.SendPacket(pkt); err != nil {
			r.log.Warn("failed to send packet",
				"transport", entry.source, "error", err)
			continue
		}
		r.counters.PacketsSent.Add(1)
	}
}

// removeSelfFromPath removes the first byte from the packet's path,
// shifting all remaining bytes left by one.
func removeSelfFromPath(pkt *codec.Packet) {
	if pkt.PathLen == 0 {
		return
	}
	pkt.PathLen--
	copy(pkt.Path, pkt.Path[1:1+pkt.PathLen])
}
