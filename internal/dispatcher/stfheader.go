// ─────────────────────────────────────────────────────────────────────────────
// [File]: stfheader.go — STF wire header encode/decode (§6, §4.4 part 0)
//
// The STF header is part 0 of every dispatcher message: a fixed little-
// endian struct copied from the first DataBlock of the DataSet being
// dispatched, plus a lastTFMessage flag set if any page in the set
// carried flagEndOfTimeframe. Encoded the same way rdh.Write/Parse
// decode the hardware RDH — fixed byte offsets via encoding/binary,
// no unsafe struct cast.
// ─────────────────────────────────────────────────────────────────────────────

package dispatcher

import (
	"encoding/binary"
	"fmt"
)

// StfHeaderSize is the encoded size of STFHeader (§6 wire layout).
const StfHeaderSize = 38

const (
	offTimeframeID     = 0
	offRunNumber       = 8
	offSystemID        = 16
	offLinkID          = 17
	offFeeID           = 18
	offEquipmentID     = 20
	offTfOrbitFirst    = 22
	offTfOrbitLast     = 26
	offIsRdhFormat     = 30
	offLastTFMessage   = 31
	// bytes 32..37 are reserved padding, always written as zero.
)

// STFHeader is the decoded form of the §6 STF wire header.
type STFHeader struct {
	TimeframeID     uint64
	RunNumber       uint64
	SystemID        uint8
	LinkID          uint8
	FeeID           uint16
	EquipmentID     uint16
	TfOrbitFirst    uint32
	TfOrbitLast     uint32
	IsRdhFormat     bool
	LastTFMessage   bool
}

// WriteSTFHeader encodes h into buf[:StfHeaderSize].
func WriteSTFHeader(buf []byte, h STFHeader) {
	binary.LittleEndian.PutUint64(buf[offTimeframeID:], h.TimeframeID)
	binary.LittleEndian.PutUint64(buf[offRunNumber:], h.RunNumber)
	buf[offSystemID] = h.SystemID
	buf[offLinkID] = h.LinkID
	binary.LittleEndian.PutUint16(buf[offFeeID:], h.FeeID)
	binary.LittleEndian.PutUint16(buf[offEquipmentID:], h.EquipmentID)
	binary.LittleEndian.PutUint32(buf[offTfOrbitFirst:], h.TfOrbitFirst)
	binary.LittleEndian.PutUint32(buf[offTfOrbitLast:], h.TfOrbitLast)
	buf[offIsRdhFormat] = boolToByte(h.IsRdhFormat)
	buf[offLastTFMessage] = boolToByte(h.LastTFMessage)
	for i := 32; i < StfHeaderSize; i++ {
		buf[i] = 0
	}
}

// ParseSTFHeader decodes an STFHeader from buf[:StfHeaderSize].
func ParseSTFHeader(buf []byte) (STFHeader, error) {
	if len(buf) < StfHeaderSize {
		return STFHeader{}, fmt.Errorf("dispatcher: stf header buffer too short: %d < %d", len(buf), StfHeaderSize)
	}
	return STFHeader{
		TimeframeID:   binary.LittleEndian.Uint64(buf[offTimeframeID:]),
		RunNumber:     binary.LittleEndian.Uint64(buf[offRunNumber:]),
		SystemID:      buf[offSystemID],
		LinkID:        buf[offLinkID],
		FeeID:         binary.LittleEndian.Uint16(buf[offFeeID:]),
		EquipmentID:   binary.LittleEndian.Uint16(buf[offEquipmentID:]),
		TfOrbitFirst:  binary.LittleEndian.Uint32(buf[offTfOrbitFirst:]),
		TfOrbitLast:   binary.LittleEndian.Uint32(buf[offTfOrbitLast:]),
		IsRdhFormat:   buf[offIsRdhFormat] != 0,
		LastTFMessage: buf[offLastTFMessage] != 0,
	}, nil
}

func boolToByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
