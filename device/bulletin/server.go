// Package bulletin implements a MeshCore bulletin-board (room) server node:
// client login and ACL management, the cyclic post buffer, the system
// message queue, the round-robin post push scheduler, network time
// synchronisation, and the broadcast bulletin channel. This corresponds to
// the firmware's bulletin_server MyMesh implementation.
//
// Mutable server state is guarded by a single coarse mutex: packet handlers
// and the scheduler tick each take it for their full duration, so handlers
// observe and mutate a consistent snapshot, matching the firmware's
// single-threaded loop.
package bulletin

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/meshboard-go/core"
	"github.com/kabili207/meshboard-go/core/clock"
	"github.com/kabili207/meshboard-go/device/router"
	"github.com/kabili207/meshboard-go/device/storage"
)

// Timing constants (firmware values).
const (
	ReplyDelay        = 1500 * time.Millisecond
	PushNotifyDelay   = 2000 * time.Millisecond
	SyncPushInterval  = 1200 * time.Millisecond
	SyncIdleInterval  = SyncPushInterval / 8
	PushAckTimeoutFlood = 12000 * time.Millisecond
	PushTimeoutBase     = 4000 * time.Millisecond
	PushAckTimeoutFactor = 2000 * time.Millisecond
	PostSyncDelaySecs uint32 = 6
	LazyWriteDelay    = 5000 * time.Millisecond
	TxtAckDelay       = 200 * time.Millisecond
	ServerResponseDelay = 300 * time.Millisecond
	MultiAckGap       = 300 * time.Millisecond
	BulletinRateLimit = 10 * time.Second
	sysMsgCleanupInterval = time.Minute

	// MaxPushFailures is the consecutive-timeout count that evicts a client
	// from push eligibility until its next inbound packet.
	MaxPushFailures = 3

	// MaxPreloginAttempts caps system message deliveries to an admin before
	// its first successful login.
	MaxPreloginAttempts = 3

	// FirmwareVerLevel is the protocol version level in login responses.
	FirmwareVerLevel = 1
)

const (
	// BootCountFile is the increment-on-boot counter blob.
	BootCountFile = "/boot_count"
	// PacketLogFile is the append-only diagnostic packet log.
	PacketLogFile = "/packet_log"
)

// LoginHistoryEntry records one successful login (runtime only).
type LoginHistoryEntry struct {
	PubKey      [4]byte
	Timestamp   uint32
	Permissions uint8
}

// loginHistorySize is the login history ring capacity.
const loginHistorySize = 5

// ServerConfig configures a bulletin Server.
type ServerConfig struct {
	// Identity
	PrivateKey ed25519.PrivateKey
	PublicKey  [32]byte

	// Clock for timestamps.
	Clock *clock.Clock

	// Store holds all persistent state. Use a storage.MirroredStore to get
	// the firmware's SD-card backup/restore behavior.
	Store storage.BlobStore

	// AdminPassword grants PermACLAdmin on login.
	AdminPassword string

	// GuestPassword grants PermACLReadWrite on login.
	GuestPassword string

	// AllowReadOnly grants PermACLGuest to clients with no matching
	// password (open room).
	AllowReadOnly bool

	// MaxClients bounds the ACL. Default: 32.
	MaxClients int

	// Router carries outbound packets and delivers inbound ones.
	Router *router.Router

	// Name is the server's display name, used in adverts and channel
	// broadcasts.
	Name string

	// Version is the string returned by the "ver" CLI command.
	Version string

	// Location (decimal degrees). Nil means not set.
	Lat *float64
	Lon *float64

	// MultiAcks is the extra ACK transmit count on direct routes.
	MultiAcks uint8

	// PacketLogging appends RX/TX records to /packet_log.
	PacketLogging bool

	// Stats optionally supplies hardware statistics for GET_STATUS and
	// telemetry replies. Nil means zeroed hardware fields.
	Stats StatsProvider

	// Metrics optionally observes server events (daemon instrumentation).
	Metrics Metrics

	// Logger for server events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Server is a MeshCore bulletin-board server.
type Server struct {
	cfg  ServerConfig
	log  *slog.Logger
	self core.MeshCoreID

	mu      sync.Mutex
	acl     *ClientACL
	posts   *PostBuffer
	sysMsgs *SystemMessageQueue
	netsync netsyncState
	channel channelState

	bootSeq         uint32
	clockSyncedOnce bool

	// Scheduler state
	nextClientIdx     int
	nextPush          time.Time
	dirtyACLExpiry    time.Time
	nextSysMsgCleanup time.Time

	// Bulletin rate limiting
	lastBulletin time.Time

	// Stats
	numPosted     uint16
	numPostPushes uint16

	// Login history ring (runtime only)
	loginHistory     [loginHistorySize]LoginHistoryEntry
	loginHistoryLen  int
	loginHistoryNext int

	startTime time.Time
	cancel    context.CancelFunc

	// now is the scheduler's time source. Test seam.
	now func() time.Time
}

// NewServer creates a bulletin server with the given configuration.
// Call Begin to load persistent state before Start.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		log:       logger.WithGroup("bulletin"),
		self:      core.MeshCoreID(cfg.PublicKey),
		acl:       NewClientACL(cfg.MaxClients, logger),
		posts:     NewPostBuffer(MaxPosts),
		sysMsgs:   NewSystemMessageQueue(logger),
		startTime: time.Now(),
		now:       time.Now,
	}
	s.netsync.init()
	return s
}

// SelfID returns the server's identity.
func (s *Server) SelfID() core.MeshCoreID {
	return s.self
}

// ACL returns the client ACL. Callers outside the packet/scheduler path
// must not retain the returned pointer across server operations.
func (s *Server) ACL() *ClientACL {
	return s.acl
}

// NumPosted returns the count of posts accepted since boot.
func (s *Server) NumPosted() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numPosted
}

// millis returns milliseconds since server construction, for system message
// tie-breaking within one boot.
func (s *Server) millis() uint32 {
	return uint32(time.Since(s.startTime) / time.Millisecond)
}

// Begin loads all persistent state: boot counter, ACL, posts, system
// messages, clock-sync and channel configs. A boot with a desynced clock
// appends a synthetic system message.
func (s *Server) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.cfg.Store.(*storage.MirroredStore); ok {
		m.RestoreIfNeeded(ACLFile, ACLRecordAlignValidator())
		m.RestoreIfNeeded(NetSyncConfigFile, storage.MinSizeValidator(netsyncConfigSize))
		m.RestoreIfNeeded(ChannelConfigFile, storage.MinSizeValidator(channelConfigSize))
	}

	s.bootSeq = s.loadBootCounter() + 1
	s.saveBootCounter(s.bootSeq)

	if err := s.acl.Load(s.cfg.Store); err != nil {
		s.log.Warn("failed to load ACL", "error", err)
	}
	if err := s.posts.Load(s.cfg.Store); err != nil {
		s.log.Warn("failed to load posts", "error", err)
	}
	if err := s.sysMsgs.Load(s.cfg.Store); err != nil {
		s.log.Warn("failed to load system messages", "error", err)
	}

	s.loadNetSyncConfig()
	s.loadChannelConfig()
	s.initialiseChannel()
	s.backupConfigs()

	if s.cfg.Clock.IsDesynced() {
		s.addSystemMessage("Server rebooted. Clock desynced - read-only until admin login.")
	}

	s.log.Info("server initialised",
		"boot", s.bootSeq,
		"clients", s.acl.NumClients(),
		"sys_msgs", s.sysMsgs.NumMessages(),
		"desynced", s.cfg.Clock.IsDesynced())
	return nil
}

// Start runs the scheduler loop until the context is cancelled. Typically
// called in a goroutine:
//
//	go server.Start(ctx)
func (s *Server) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	ticker := time.NewTicker(SyncIdleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Loop()
		}
	}
}

// Stop cancels the server's context.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Loop performs one scheduler pass: at most one network-time-sync check, the
// push scheduler tick when due, the lazy ACL flush, and the periodic system
// message cleanup. Exported so hosts driving their own loop (and tests) can
// call it directly.
func (s *Server) Loop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	s.checkNetworkTimeSync()

	if !now.Before(s.nextPush) && s.acl.NumClients() > 0 {
		s.syncTick(now)
	}

	if !s.dirtyACLExpiry.IsZero() && !now.Before(s.dirtyACLExpiry) {
		s.flushACL()
	}

	if !now.Before(s.nextSysMsgCleanup) {
		if removed := s.sysMsgs.Cleanup(s.acl); removed > 0 {
			s.saveSysMsgs()
			s.log.Info("system message cleanup", "removed", removed)
		}
		s.nextSysMsgCleanup = now.Add(sysMsgCleanupInterval)
	}
}

// scheduleLazyACLWrite arms (or extends) the lazy ACL write window.
func (s *Server) scheduleLazyACLWrite() {
	s.dirtyACLExpiry = s.now().Add(LazyWriteDelay)
}

func (s *Server) flushACL() {
	s.dirtyACLExpiry = time.Time{}
	if err := s.acl.Save(s.cfg.Store, AdminSaveFilter); err != nil {
		s.log.Warn("failed to save ACL", "error", err)
		return
	}
	if m, ok := s.cfg.Store.(*storage.MirroredStore); ok {
		m.Backup(ACLFile)
	}
}

func (s *Server) backupConfigs() {
	m, ok := s.cfg.Store.(*storage.MirroredStore)
	if !ok {
		return
	}
	m.Backup(ACLFile)
	m.Backup(NetSyncConfigFile)
	m.Backup(ChannelConfigFile)
}

// addSystemMessage queues a system message stamped with the current boot
// sequence so companion apps can deduplicate across reboots, and persists
// the queue.
func (s *Server) addSystemMessage(message string) {
	formatted := fmt.Sprintf("SYSTEM: boot:%d msg:%s", s.bootSeq, message)
	if len(formatted) > MaxPostTextLen {
		formatted = formatted[:MaxPostTextLen]
	}
	s.sysMsgs.Add(formatted, s.bootSeq, s.millis())
	s.saveSysMsgs()
}

func (s *Server) saveSysMsgs() {
	if err := s.sysMsgs.Save(s.cfg.Store); err != nil {
		s.log.Warn("failed to save system messages", "error", err)
	}
}

func (s *Server) savePosts() {
	if err := s.posts.Save(s.cfg.Store); err != nil {
		s.log.Warn("failed to save posts", "error", err)
	}
}

func (s *Server) loadBootCounter() uint32 {
	data, err := s.cfg.Store.ReadAll(BootCountFile)
	if err != nil || len(data) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(data)
}

func (s *Server) saveBootCounter(count uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], count)
	if err := s.cfg.Store.WriteAll(BootCountFile, buf[:]); err != nil {
		s.log.Warn("failed to save boot counter", "error", err)
	}
}

// trackLogin records a successful login in the history ring.
func (s *Server) trackLogin(id core.MeshCoreID, permissions uint8, timestamp uint32) {
	entry := &s.loginHistory[s.loginHistoryNext]
	copy(entry.PubKey[:], id[:4])
	entry.Timestamp = timestamp
	entry.Permissions = permissions

	s.loginHistoryNext = (s.loginHistoryNext + 1) % loginHistorySize
	if s.loginHistoryLen < loginHistorySize {
		s.loginHistoryLen++
	}
}

// loginHistoryEntry returns the idx-th most recent login (0 = newest).
func (s *Server) loginHistoryEntry(idx int) (LoginHistoryEntry, bool) {
	if idx < 0 || idx >= s.loginHistoryLen {
		return LoginHistoryEntry{}, false
	}
	bufIdx := ((s.loginHistoryNext-1-idx)%loginHistorySize + loginHistorySize) % loginHistorySize
	return s.loginHistory[bufIdx], true
}

// logPacket appends a diagnostic record to the packet log when enabled.
func (s *Server) logPacket(dir string, payloadType uint8, length int) {
	if !s.cfg.PacketLogging {
		return
	}
	line := fmt.Sprintf("%d: %s type=%d len=%d\n",
		s.cfg.Clock.GetCurrentTime(), dir, payloadType, length)
	if err := s.cfg.Store.Append(PacketLogFile, []byte(line)); err != nil {
		s.log.Debug("packet log append failed", "error", err)
	}
}

// notifyClockSynced flips the synced-once latch and queues the announcement
// system message. adminID is nil for a manual (CLI) sync.
func (s *Server) notifyClockSynced(adminID *core.MeshCoreID) {
	if s.clockSyncedOnce {
		return
	}
	s.clockSyncedOnce = true

	if adminID != nil {
		s.addSystemMessage(fmt.Sprintf(
			"Clock synced by admin %s. Server now in read-write mode.", adminID.ShortString()))
	} else {
		s.addSystemMessage("Clock synced manually. Server now in read-write mode.")
	}
}
