// Package mqtt provides an MQTT transport for bridging a bulletin server
// node onto MeshCore mesh networks.
//
// MeshCore packets are transmitted as base64-encoded strings over MQTT
// topics in the format "{prefix}/{meshID}". This transport connects to any
// standard MQTT broker and subscribes to receive packets for a given mesh ID.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/kabili207/meshboard-go/core/codec"
	"github.com/kabili207/meshboard-go/transport"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultTopicPrefix is the default MQTT topic prefix for MeshCore packets.
	DefaultTopicPrefix = "meshcore"

	connectTimeout = 30 * time.Second
)

// Config holds the configuration for an MQTT transport.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker string
	// Username for MQTT authentication. Leave empty if not required.
	Username string
	// Password for MQTT authentication. Leave empty if not required.
	Password string
	// UseTLS enables TLS for the MQTT connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. If empty, a random one is generated.
	ClientID string
	// TopicPrefix is the MQTT topic prefix (default: "meshcore").
	TopicPrefix string
	// MeshID identifies this mesh network. The transport subscribes to
	// "{TopicPrefix}/{MeshID}" and publishes to the same topic.
	MeshID string
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Transport implements transport.Transport over MQTT.
type Transport struct {
	cfg           Config
	client        paho.Client
	log           *slog.Logger
	mu            sync.RWMutex
	connected     bool
	packetHandler transport.PacketHandler
	stateHandler  transport.StateHandler
}

// New creates a new MQTT transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		cfg: cfg,
		log: cfg.Logger.WithGroup("mqtt"),
	}
}

// Start connects to the MQTT broker and begins listening for packets.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}
	if t.cfg.MeshID == "" {
		return errors.New("mesh ID is required")
	}

	clientID := t.cfg.ClientID
	if clientID == "" {
		clientID = "meshboard-" + randomString(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(t.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(t.onConnected).
		SetConnectionLostHandler(t.onConnectionLost).
		SetReconnectingHandler(t.onReconnecting)

	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
	}
	if t.cfg.Password != "" {
		opts.SetPassword(t.cfg.Password)
	}
	if t.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	t.client = paho.NewClient(opts)

	token := t.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return errors.New("timed out connecting to MQTT broker")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to MQTT broker: %w", err)
	}

	go func() {
		<-ctx.Done()
		t.Stop()
	}()

	return nil
}

// Stop disconnects from the MQTT broker.
func (t *Transport) Stop() error {
	if t.client != nil && t.client.IsConnected() {
		t.client.Disconnect(250)
	}
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	return nil
}

// IsConnected returns true if the MQTT client is connected.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// SetPacketHandler sets the callback for incoming packets.
func (t *Transport) SetPacketHandler(fn transport.PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.packetHandler = fn
}

// SetStateHandler sets the callback for state changes.
func (t *Transport) SetStateHandler(fn transport.StateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateHandler = fn
}

// SendPacket publishes a packet to the mesh topic as base64.
func (t *Transport) SendPacket(pkt *codec.Packet) error {
	if !t.IsConnected() {
		return errors.New("not connected")
	}
	encoded := base64.StdEncoding.EncodeToString(pkt.WriteTo())
	token := t.client.Publish(t.topic(), 0, false, encoded)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing packet: %w", err)
	}
	return nil
}

func (t *Transport) topic() string {
	return t.cfg.TopicPrefix + "/" + t.cfg.MeshID
}

func (t *Transport) onConnected(client paho.Client) {
	t.log.Info("connected to MQTT broker", "broker", t.cfg.Broker)

	token := client.Subscribe(t.topic(), 0, t.onMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		t.log.Error("failed to subscribe", "topic", t.topic(), "error", err)
		return
	}

	t.mu.Lock()
	t.connected = true
	handler := t.stateHandler
	t.mu.Unlock()

	if handler != nil {
		handler(t, transport.EventConnected)
	}
}

func (t *Transport) onConnectionLost(_ paho.Client, err error) {
	t.log.Warn("MQTT connection lost", "error", err)

	t.mu.Lock()
	t.connected = false
	handler := t.stateHandler
	t.mu.Unlock()

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}
}

func (t *Transport) onReconnecting(paho.Client, *paho.ClientOptions) {
	t.log.Info("reconnecting to MQTT broker")

	t.mu.RLock()
	handler := t.stateHandler
	t.mu.RUnlock()

	if handler != nil {
		handler(t, transport.EventReconnecting)
	}
}

func (t *Transport) onMessage(_ paho.Client, msg paho.Message) {
	raw, err := base64.StdEncoding.DecodeString(string(msg.Payload()))
	if err != nil {
		t.log.Debug("invalid base64 payload", "error", err)
		return
	}

	pkt := &codec.Packet{}
	if err := pkt.ReadFrom(raw); err != nil {
		t.log.Debug("failed to decode packet", "error", err)
		return
	}

	t.mu.RLock()
	handler := t.packetHandler
	t.mu.RUnlock()

	if handler != nil {
		handler(pkt, transport.PacketSourceMQTT)
	}
}

const randomChars = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = randomChars[rand.IntN(len(randomChars))]
	}
	return string(b)
}
