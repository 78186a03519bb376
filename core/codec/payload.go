package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Advert payload sizes
	AdvertPubKeySize    = 32
	AdvertTimestampSize = 4
	AdvertSignatureSize = 64
	AdvertMinSize       = AdvertPubKeySize + AdvertTimestampSize + AdvertSignatureSize // 100 bytes

	// AppData flags - node types (lower 4 bits)
	NodeTypeChat     = 0x01
	NodeTypeRepeater = 0x02
	NodeTypeRoom     = 0x03
	NodeTypeSensor   = 0x04

	// AppData flags - presence flags (upper 4 bits)
	FlagHasLocation = 0x10
	FlagHasFeature1 = 0x20
	FlagHasFeature2 = 0x40
	FlagHasName     = 0x80

	// Coordinate scale factor (lat/lon stored as int32 * 1_000_000)
	CoordScale = 1_000_000.0

	// ACK payload size
	AckSize = 4

	// Addressed payload header size (TXT_MSG, REQ, RESPONSE, PATH)
	// dest_hash(1) + src_hash(1) + MAC(2) = 4 bytes
	AddressedHeaderSize = 4

	// Group payload header size (GRP_TXT, GRP_DATA)
	// channel_hash(1) + MAC(2) = 3 bytes
	GroupHeaderSize = 3

	// Anonymous request header size
	// dest_hash(1) + pubkey(32) + MAC(2) = 35 bytes
	AnonReqHeaderSize = 35

	// Text message types (upper 6 bits of txt_type field)
	TxtTypePlain   = 0x00 // Plain text message
	TxtTypeCLI     = 0x01 // CLI command / CLI data
	TxtTypeSigned  = 0x02 // Signed plain text message (server-originated)
	TxtAttemptMask = 0x03 // Lower 2 bits: attempt nonce

	// Request types
	ReqTypeGetStatus     = 0x01
	ReqTypeKeepAlive     = 0x02
	ReqTypeGetTelemetry  = 0x03
	ReqTypeGetAccessList = 0x05

	// Response codes
	RespServerLoginOK = 0x00

	// ACL permission roles (lower 2 bits of the permissions byte)
	PermACLRoleMask  = 0x03
	PermACLNone      = 0x00
	PermACLGuest     = 0x01 // read-only visitor
	PermACLReadWrite = 0x02
	PermACLAdmin     = 0x03
)

var (
	ErrAdvertTooShort    = errors.New("advert payload too short")
	ErrAppDataTooShort   = errors.New("appdata too short")
	ErrAckTooShort       = errors.New("ack payload too short")
	ErrAddressedTooShort = errors.New("addressed payload too short")
	ErrGroupTooShort     = errors.New("group payload too short")
	ErrAnonReqTooShort   = errors.New("anonymous request payload too short")
	ErrTxtMsgTooShort    = errors.New("text message too short")
	ErrRequestTooShort   = errors.New("request payload too short")
)

// AdvertPayload represents a parsed node advertisement payload.
type AdvertPayload struct {
	PubKey    [32]byte
	Timestamp uint32
	Signature [64]byte
	AppData   *AdvertAppData
}

// AdvertAppData represents the optional application data in an advertisement.
type AdvertAppData struct {
	Flags    uint8
	NodeType uint8    // Lower 4 bits of flags: chat, repeater, room, sensor
	Name     string   // Node name (if FlagHasName set)
	Lat      *float64 // Latitude in decimal degrees (if FlagHasLocation set)
	Lon      *float64 // Longitude in decimal degrees (if FlagHasLocation set)
	Feature1 *uint16  // Reserved (if FlagHasFeature1 set)
	Feature2 *uint16  // Reserved (if FlagHasFeature2 set)
}

// ParseAdvertPayload parses an ADVERT payload into its components.
func ParseAdvertPayload(data []byte) (*AdvertPayload, error) {
	if len(data) < AdvertMinSize {
		return nil, fmt.Errorf("%w: expected at least %d bytes, got %d",
			ErrAdvertTooShort, AdvertMinSize, len(data))
	}

	advert := &AdvertPayload{}
	copy(advert.PubKey[:], data[0:32])
	advert.Timestamp = binary.LittleEndian.Uint32(data[32:36])
	copy(advert.Signature[:], data[36:100])

	if len(data) > AdvertMinSize {
		appData, err := ParseAdvertAppData(data[AdvertMinSize:])
		if err != nil {
			return nil, fmt.Errorf("failed to parse appdata: %w", err)
		}
		advert.AppData = appData
	}

	return advert, nil
}

// ParseAdvertAppData parses the optional application data from an advertisement.
func ParseAdvertAppData(data []byte) (*AdvertAppData, error) {
	if len(data) < 1 {
		return nil, ErrAppDataTooShort
	}

	appData := &AdvertAppData{
		Flags:    data[0],
		NodeType: data[0] & 0x0F,
	}

	offset := 1

	if appData.Flags&FlagHasLocation != 0 {
		if len(data) < offset+8 {
			return nil, fmt.Errorf("%w: expected location data", ErrAppDataTooShort)
		}
		latRaw := int32(binary.LittleEndian.Uint32(data[offset : offset+4]))
		lonRaw := int32(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		lat := float64(latRaw) / CoordScale
		lon := float64(lonRaw) / CoordScale
		appData.Lat = &lat
		appData.Lon = &lon
		offset += 8
	}

	if appData.Flags&FlagHasFeature1 != 0 {
		if len(data) < offset+2 {
			return nil, fmt.Errorf("%w: expected feature1 data", ErrAppDataTooShort)
		}
		f1 := binary.LittleEndian.Uint16(data[offset : offset+2])
		appData.Feature1 = &f1
		offset += 2
	}

	if appData.Flags&FlagHasFeature2 != 0 {
		if len(data) < offset+2 {
			return nil, fmt.Errorf("%w: expected feature2 data", ErrAppDataTooShort)
		}
		f2 := binary.LittleEndian.Uint16(data[offset : offset+2])
		appData.Feature2 = &f2
		offset += 2
	}

	if appData.Flags&FlagHasName != 0 {
		if offset < len(data) {
			appData.Name = string(data[offset:])
		}
	}

	return appData, nil
}

// NodeTypeName returns a human-readable name for the node type.
func NodeTypeName(t uint8) string {
	switch t {
	case NodeTypeChat:
		return "chat"
	case NodeTypeRepeater:
		return "repeater"
	case NodeTypeRoom:
		return "room"
	case NodeTypeSensor:
		return "sensor"
	default:
		if t == 0 {
			return "unknown"
		}
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// AckPayload represents an acknowledgment payload. The optional Extra byte
// carries the unsynced-post count appended to KEEP_ALIVE ACKs.
type AckPayload struct {
	Checksum uint32
	Extra    []byte
}

// ParseAckPayload parses an ACK payload.
func ParseAckPayload(data []byte) (*AckPayload, error) {
	if len(data) < AckSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrAckTooShort, AckSize, len(data))
	}
	return &AckPayload{
		Checksum: binary.LittleEndian.Uint32(data[0:4]),
		Extra:    data[AckSize:],
	}, nil
}

// AddressedPayload represents payloads with dest/src hashes and encrypted content.
// Used for TXT_MSG, REQ, RESPONSE, and PATH payload types.
type AddressedPayload struct {
	DestHash   uint8  // First byte of destination node's public key
	SrcHash    uint8  // First byte of source node's public key
	MAC        uint16 // Message authentication code for ciphertext
	Ciphertext []byte // Encrypted content (format depends on payload type)
}

// ParseAddressedPayload parses the common header for addressed payloads.
func ParseAddressedPayload(data []byte) (*AddressedPayload, error) {
	if len(data) < AddressedHeaderSize {
		return nil, fmt.Errorf("%w: expected at least %d bytes, got %d",
			ErrAddressedTooShort, AddressedHeaderSize, len(data))
	}
	return &AddressedPayload{
		DestHash:   data[0],
		SrcHash:    data[1],
		MAC:        binary.LittleEndian.Uint16(data[2:4]),
		Ciphertext: data[AddressedHeaderSize:],
	}, nil
}

// TxtMsgContent represents the decrypted content of a TXT_MSG payload.
type TxtMsgContent struct {
	Timestamp uint32 // Send time (unix timestamp, by the sender's clock)
	TxtType   uint8  // Message type (upper 6 bits): plain, CLI, signed
	Attempt   uint8  // Attempt number (lower 2 bits): 0-3
	Message   string // Message content
	// For signed messages (TxtType == TxtTypeSigned)
	SenderPubKeyPrefix []byte // First 4 bytes of sender's public key
}

// ParseTxtMsgContent parses decrypted text message content.
func ParseTxtMsgContent(data []byte) (*TxtMsgContent, error) {
	if len(data) < 5 { // timestamp(4) + type/attempt(1)
		return nil, fmt.Errorf("%w: expected at least 5 bytes, got %d", ErrTxtMsgTooShort, len(data))
	}

	content := &TxtMsgContent{
		Timestamp: binary.LittleEndian.Uint32(data[0:4]),
		TxtType:   (data[4] >> 2) & 0x3F,
		Attempt:   data[4] & TxtAttemptMask,
	}

	messageStart := 5
	if content.TxtType == TxtTypeSigned {
		if len(data) < 9 {
			return nil, fmt.Errorf("%w: signed message needs pubkey prefix", ErrTxtMsgTooShort)
		}
		content.SenderPubKeyPrefix = data[5:9]
		messageStart = 9
	}

	if messageStart < len(data) {
		// Text may carry trailing zero padding from the block cipher.
		content.Message = extractCString(data[messageStart:])
	}

	return content, nil
}

// extractCString returns the string content up to the first null byte.
func extractCString(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}

// TxtTypeName returns a human-readable name for the text type.
func TxtTypeName(t uint8) string {
	switch t {
	case TxtTypePlain:
		return "plain"
	case TxtTypeCLI:
		return "cli"
	case TxtTypeSigned:
		return "signed"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// RequestContent represents the decrypted content of a REQ payload.
type RequestContent struct {
	Timestamp   uint32 // Send time (unix timestamp)
	RequestType uint8  // Type of request
	RequestData []byte // Request-specific data
}

// ParseRequestContent parses decrypted request content.
func ParseRequestContent(data []byte) (*RequestContent, error) {
	if len(data) < 5 { // timestamp(4) + type(1)
		return nil, fmt.Errorf("%w: expected at least 5 bytes, got %d", ErrRequestTooShort, len(data))
	}
	return &RequestContent{
		Timestamp:   binary.LittleEndian.Uint32(data[0:4]),
		RequestType: data[4],
		RequestData: data[5:],
	}, nil
}

// RequestTypeName returns a human-readable name for the request type.
func RequestTypeName(t uint8) string {
	switch t {
	case ReqTypeGetStatus:
		return "get_status"
	case ReqTypeKeepAlive:
		return "keep_alive"
	case ReqTypeGetTelemetry:
		return "get_telemetry"
	case ReqTypeGetAccessList:
		return "get_access_list"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// ResponseContent represents the decrypted content of a RESPONSE payload.
type ResponseContent struct {
	Tag     uint32 // Response tag (reflected request timestamp)
	Content []byte // Response content
}

// ParseResponseContent parses decrypted response content.
func ParseResponseContent(data []byte) (*ResponseContent, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("response content too short: expected at least 4 bytes, got %d", len(data))
	}
	return &ResponseContent{
		Tag:     binary.LittleEndian.Uint32(data[0:4]),
		Content: data[4:],
	}, nil
}

// PathContent represents the decrypted content of a PATH payload.
type PathContent struct {
	PathLen   uint8  // Length of path
	Path      []byte // List of node hashes (1 byte each)
	ExtraType uint8  // Bundled payload type (e.g., ACK or RESPONSE)
	Extra     []byte // Bundled payload content
}

// ParsePathContent parses decrypted path (returned path) content.
func ParsePathContent(data []byte) (*PathContent, error) {
	if len(data) < 2 { // path_len(1) + extra_type(1) minimum
		return nil, fmt.Errorf("path content too short: expected at least 2 bytes, got %d", len(data))
	}

	pathLen := data[0]
	if len(data) < int(1+pathLen+1) {
		return nil, fmt.Errorf("path content too short for path length %d", pathLen)
	}

	content := &PathContent{
		PathLen: pathLen,
		Path:    make([]byte, pathLen),
	}
	copy(content.Path, data[1:1+pathLen])

	extraTypeOffset := 1 + int(pathLen)
	content.ExtraType = data[extraTypeOffset]

	if extraTypeOffset+1 < len(data) {
		content.Extra = data[extraTypeOffset+1:]
	}

	return content, nil
}

// GroupPayload represents payloads for group messages (channels).
type GroupPayload struct {
	ChannelHash uint8  // First byte of SHA256 of channel's shared key
	MAC         uint16 // Message authentication code for ciphertext
	Ciphertext  []byte // Encrypted content (same format as TXT_MSG content)
}

// ParseGroupPayload parses the header for group payloads.
func ParseGroupPayload(data []byte) (*GroupPayload, error) {
	if len(data) < GroupHeaderSize {
		return nil, fmt.Errorf("%w: expected at least %d bytes, got %d",
			ErrGroupTooShort, GroupHeaderSize, len(data))
	}
	return &GroupPayload{
		ChannelHash: data[0],
		MAC:         binary.LittleEndian.Uint16(data[1:3]),
		Ciphertext:  data[GroupHeaderSize:],
	}, nil
}

// AnonReqPayload represents an anonymous request payload.
type AnonReqPayload struct {
	DestHash   uint8    // First byte of destination node's public key
	PubKey     [32]byte // Sender's Ed25519 public key
	MAC        uint16   // Message authentication code for ciphertext
	Ciphertext []byte   // Encrypted content
}

// ParseAnonReqPayload parses an anonymous request payload.
func ParseAnonReqPayload(data []byte) (*AnonReqPayload, error) {
	if len(data) < AnonReqHeaderSize {
		return nil, fmt.Errorf("%w: expected at least %d bytes, got %d",
			ErrAnonReqTooShort, AnonReqHeaderSize, len(data))
	}

	payload := &AnonReqPayload{
		DestHash: data[0],
		MAC:      binary.LittleEndian.Uint16(data[33:35]),
	}
	copy(payload.PubKey[:], data[1:33])

	if len(data) > AnonReqHeaderSize {
		payload.Ciphertext = data[AnonReqHeaderSize:]
	}

	return payload, nil
}
