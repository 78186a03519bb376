// Package serial provides a serial transport for bridging a bulletin server
// node onto a MeshCore radio via an RS232 bridge device.
//
// The bridge exchanges raw MeshCore packets wrapped in RS232 frames with
// Fletcher-16 checksums. This transport handles frame assembly from the raw
// serial stream and exposes the same Transport interface as MQTT.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/kabili207/meshboard-go/core/codec"
	"github.com/kabili207/meshboard-go/transport"
	"go.bug.st/serial"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultBaudRate is the default baud rate for MeshCore serial bridges.
	DefaultBaudRate = 115200

	// readBufSize is the size of the serial read buffer.
	readBufSize = 1024
)

// Config holds the configuration for a serial transport.
type Config struct {
	// Port is the serial port path (e.g., "/dev/ttyUSB0" or "COM3").
	Port string
	// BaudRate is the serial baud rate. Defaults to 115200.
	BaudRate int
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Transport implements transport.Transport over a serial connection.
type Transport struct {
	cfg           Config
	port          serial.Port
	log           *slog.Logger
	mu            sync.RWMutex
	connected     bool
	cancel        context.CancelFunc
	done          chan struct{}
	packetHandler transport.PacketHandler
	stateHandler  transport.StateHandler
}

// New creates a new serial transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		cfg: cfg,
		log: cfg.Logger.WithGroup("serial"),
	}
}

// Start opens the serial port and begins reading packets.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Port == "" {
		return errors.New("serial port is required")
	}

	mode := &serial.Mode{
		BaudRate: t.cfg.BaudRate,
	}

	port, err := serial.Open(t.cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("opening serial port: %w", err)
	}

	t.mu.Lock()
	t.port = port
	t.connected = true
	t.done = make(chan struct{})
	handler := t.stateHandler
	t.mu.Unlock()

	readCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	go t.readLoop(readCtx)

	t.log.Info("connected to serial port", "port", t.cfg.Port, "baud", t.cfg.BaudRate)

	if handler != nil {
		handler(t, transport.EventConnected)
	}

	return nil
}

// Stop closes the serial port and stops the read loop.
func (t *Transport) Stop() error {
	t.mu.Lock()
	handler := t.stateHandler
	t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}

	t.mu.Lock()
	t.connected = false
	port := t.port
	t.port = nil
	done := t.done
	t.mu.Unlock()

	var err error
	if port != nil {
		err = port.Close()
	}

	if done != nil {
		<-done
	}

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}

	return err
}

// IsConnected returns true if the serial port is open.
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

// SendPacket writes a packet to the serial port as an RS232 frame.
func (t *Transport) SendPacket(pkt *codec.Packet) error {
	t.mu.RLock()
	port := t.port
	connected := t.connected
	t.mu.RUnlock()

	if !connected || port == nil {
		return errors.New("not connected")
	}

	frame, err := codec.EncodeRS232Frame(pkt.WriteTo())
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	if _, err := port.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// readLoop reads raw serial data, assembles RS232 frames, and dispatches
// decoded packets to the handler.
func (t *Transport) readLoop(ctx context.Context) {
	defer close(t.done)

	buf := make([]byte, readBufSize)
	var pending []byte

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t.mu.RLock()
		port := t.port
		t.mu.RUnlock()
		if port == nil {
			return
		}

		n, err := port.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				t.log.Warn("serial read error", "error", err)
			}
			return
		}
		if n == 0 {
			continue
		}

		pending = append(pending, buf[:n]...)
		pending = t.drainFrames(pending)
	}
}

// drainFrames decodes as many complete frames from data as possible and
// returns the remaining bytes. Garbage before a frame magic is skipped.
func (t *Transport) drainFrames(data []byte) []byte {
	for {
		frame, rest, err := codec.DecodeRS232Frame(data)
		switch {
		case err == nil:
			t.dispatch(frame)
			data = rest
		case errors.Is(err, codec.ErrFrameTooShort), errors.Is(err, codec.ErrIncompleteFrame):
			return data
		default:
			// Bad magic or checksum: skip one byte and resync.
			if len(data) == 0 {
				return data
			}
			data = data[1:]
		}
	}
}

func (t *Transport) dispatch(frame *codec.RS232Frame) {
	pkt := &codec.Packet{}
	if err := pkt.ReadFrom(frame.Payload); err != nil {
		t.log.Debug("failed to decode packet", "error", err)
		return
	}

	t.mu.RLock()
	handler := t.packetHandler
	t.mu.RUnlock()

	if handler != nil {
		handler(pkt, transport.PacketSourceSerial)
	}
}
