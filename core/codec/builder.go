package codec

import (
	"encoding/binary"
	"math"
)

// BuildAdvertPayload builds a wire-format ADVERT payload.
// appData may be nil for a minimal advertisement (100 bytes).
func BuildAdvertPayload(pubKey [32]byte, timestamp uint32, signature [64]byte, appData *AdvertAppData) []byte {
	appDataBytes := BuildAdvertAppData(appData)

	size := AdvertMinSize + len(appDataBytes)
	data := make([]byte, size)

	copy(data[0:32], pubKey[:])
	binary.LittleEndian.PutUint32(data[32:36], timestamp)
	copy(data[36:100], signature[:])

	if len(appDataBytes) > 0 {
		copy(data[AdvertMinSize:], appDataBytes)
	}

	return data
}

// BuildAdvertAppData builds the optional application data portion of an ADVERT.
// Returns nil if appData is nil.
func BuildAdvertAppData(appData *AdvertAppData) []byte {
	if appData == nil {
		return nil
	}

	flags := appData.NodeType & 0x0F
	if appData.Lat != nil && appData.Lon != nil {
		flags |= FlagHasLocation
	}
	if appData.Feature1 != nil {
		flags |= FlagHasFeature1
	}
	if appData.Feature2 != nil {
		flags |= FlagHasFeature2
	}
	if appData.Name != "" {
		flags |= FlagHasName
	}

	size := 1 // flags byte
	if flags&FlagHasLocation != 0 {
		size += 8
	}
	if flags&FlagHasFeature1 != 0 {
		size += 2
	}
	if flags&FlagHasFeature2 != 0 {
		size += 2
	}
	if flags&FlagHasName != 0 {
		size += len(appData.Name)
	}

	data := make([]byte, size)
	data[0] = flags
	offset := 1

	if flags&FlagHasLocation != 0 {
		latRaw := int32(math.Round(*appData.Lat * CoordScale))
		lonRaw := int32(math.Round(*appData.Lon * CoordScale))
		binary.LittleEndian.PutUint32(data[offset:offset+4], uint32(latRaw))
		binary.LittleEndian.PutUint32(data[offset+4:offset+8], uint32(lonRaw))
		offset += 8
	}

	if flags&FlagHasFeature1 != 0 {
		binary.LittleEndian.PutUint16(data[offset:offset+2], *appData.Feature1)
		offset += 2
	}

	if flags&FlagHasFeature2 != 0 {
		binary.LittleEndian.PutUint16(data[offset:offset+2], *appData.Feature2)
		offset += 2
	}

	if flags&FlagHasName != 0 {
		copy(data[offset:], appData.Name)
	}

	return data
}

// BuildAckPayload builds a wire-format ACK payload.
func BuildAckPayload(checksum uint32) []byte {
	data := make([]byte, AckSize)
	binary.LittleEndian.PutUint32(data, checksum)
	return data
}

// BuildAddressedPayload builds a wire-format addressed payload.
func BuildAddressedPayload(destHash, srcHash uint8, mac uint16, ciphertext []byte) []byte {
	data := make([]byte, AddressedHeaderSize+len(ciphertext))
	data[0] = destHash
	data[1] = srcHash
	binary.LittleEndian.PutUint16(data[2:4], mac)
	copy(data[AddressedHeaderSize:], ciphertext)
	return data
}

// BuildGroupPayload builds a wire-format group payload (GRP_TXT, GRP_DATA).
func BuildGroupPayload(channelHash uint8, mac uint16, ciphertext []byte) []byte {
	data := make([]byte, GroupHeaderSize+len(ciphertext))
	data[0] = channelHash
	binary.LittleEndian.PutUint16(data[1:3], mac)
	copy(data[GroupHeaderSize:], ciphertext)
	return data
}

// BuildAnonReqPayload builds a wire-format anonymous request payload.
func BuildAnonReqPayload(destHash uint8, pubKey [32]byte, mac uint16, ciphertext []byte) []byte {
	data := make([]byte, AnonReqHeaderSize+len(ciphertext))
	data[0] = destHash
	copy(data[1:33], pubKey[:])
	binary.LittleEndian.PutUint16(data[33:35], mac)
	copy(data[AnonReqHeaderSize:], ciphertext)
	return data
}

// BuildTxtMsgContent builds decrypted text message content:
// timestamp(4) + type/attempt(1) + [pubkey prefix(4) for signed] + message.
func BuildTxtMsgContent(timestamp uint32, txtType, attempt uint8, message string, senderPrefix []byte) []byte {
	headerSize := 5
	if txtType == TxtTypeSigned {
		headerSize = 9
	}
	data := make([]byte, headerSize+len(message))
	binary.LittleEndian.PutUint32(data[0:4], timestamp)
	data[4] = (txtType << 2) | (attempt & TxtAttemptMask)
	if txtType == TxtTypeSigned {
		copy(data[5:9], senderPrefix)
	}
	copy(data[headerSize:], message)
	return data
}

// BuildRequestContent builds decrypted request content:
// timestamp(4) + type(1) + request data.
func BuildRequestContent(timestamp uint32, reqType uint8, reqData []byte) []byte {
	data := make([]byte, 5+len(reqData))
	binary.LittleEndian.PutUint32(data[0:4], timestamp)
	data[4] = reqType
	copy(data[5:], reqData)
	return data
}

// BuildPathContent builds decrypted path content:
// path_len(1) + path + extra_type(1) + extra.
func BuildPathContent(path []byte, extraType uint8, extra []byte) []byte {
	data := make([]byte, 1+len(path)+1+len(extra))
	data[0] = uint8(len(path))
	copy(data[1:], path)
	data[1+len(path)] = extraType
	copy(data[2+len(path):], extra)
	return data
}

// SplitMAC splits an encrypted blob [MAC(2) || ciphertext] into its parts.
func SplitMAC(encrypted []byte) (uint16, []byte) {
	if len(encrypted) < 2 {
		return 0, nil
	}
	return binary.LittleEndian.Uint16(encrypted[0:2]), encrypted[2:]
}

// PrependMAC reassembles [MAC(2) || ciphertext] from the parsed header fields.
func PrependMAC(mac uint16, ciphertext []byte) []byte {
	data := make([]byte, 2+len(ciphertext))
	binary.LittleEndian.PutUint16(data[0:2], mac)
	copy(data[2:], ciphertext)
	return data
}
