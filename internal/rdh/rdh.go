// ─────────────────────────────────────────────────────────────────────────────
// [Package]: rdh — Raw Data Header parsing and page-level RDH chain checks
//
// Purpose:
//   - Validates Raw Data Headers and extracts orbit, link, system, FEE and
//     CRU/endpoint fields (spec.md §4.3.1).
//   - Walks a page's RDH chain via offsetNextPacket, grouping nothing by
//     itself — callers (the equipment's rdhCheck pass, the dispatcher's
//     HBF grouping) drive the walk and decide what to do with each RDH.
//
// The wire layout is hardware-defined and fixed, little-endian (§6); it is
// decoded by hand with encoding/binary rather than via an unsafe struct
// cast, continuing the pagepool package's header-decoding convention.
// ─────────────────────────────────────────────────────────────────────────────

package rdh

import (
	"encoding/binary"
	"fmt"
)

// Size is the fixed RDH length in bytes.
const Size = 64

// field offsets within one RDH (§6: version, headerSize, blockLength,
// feeId, linkId, cruId, endPointId, systemId, heartbeatOrbit,
// triggerOrbit, offsetNextPacket).
const (
	offVersion          = 0
	offHeaderSize       = 1
	offBlockLength      = 2
	offFeeID            = 4
	offLinkID           = 6
	offCruID            = 7
	offEndPointID       = 9
	offSystemID         = 10
	offHeartbeatOrbit   = 12
	offTriggerOrbit     = 16
	offOffsetNextPacket = 20
)

// RDH is the decoded form of one Raw Data Header.
type RDH struct {
	Version          uint8
	HeaderSize       uint8
	BlockLength      uint16
	FeeID            uint16
	LinkID           uint8
	CruID            uint16
	EndPointID       uint8
	SystemID         uint8
	HeartbeatOrbit   uint32
	TriggerOrbit     uint32
	OffsetNextPacket uint32
}

// UndefinedEquipmentID is returned by EquipmentID when cruId is 0 (§4.3.1:
// "CRU-derived equipment id (cru*10 + endpoint, 0 → undefined)").
const UndefinedEquipmentID uint16 = 0

// Parse decodes one RDH from buf[:Size]. buf must be at least Size bytes.
func Parse(buf []byte) (RDH, error) {
	if len(buf) < Size {
		return RDH{}, fmt.Errorf("rdh: buffer too short: %d < %d", len(buf), Size)
	}
	r := RDH{
		Version:          buf[offVersion],
		HeaderSize:       buf[offHeaderSize],
		BlockLength:      binary.LittleEndian.Uint16(buf[offBlockLength:]),
		FeeID:            binary.LittleEndian.Uint16(buf[offFeeID:]),
		LinkID:           buf[offLinkID],
		CruID:            uint16(buf[offCruID]),
		EndPointID:       buf[offEndPointID],
		SystemID:         buf[offSystemID],
		HeartbeatOrbit:   binary.LittleEndian.Uint32(buf[offHeartbeatOrbit:]),
		TriggerOrbit:     binary.LittleEndian.Uint32(buf[offTriggerOrbit:]),
		OffsetNextPacket: binary.LittleEndian.Uint32(buf[offOffsetNextPacket:]),
	}
	return r, nil
}

// Write encodes r into buf[:Size], the inverse of Parse. Used by test
// fixtures and by synthetic equipment generators that construct RDHs
// in-memory rather than receiving them from hardware.
func Write(buf []byte, r RDH) {
	buf[offVersion] = r.Version
	buf[offHeaderSize] = r.HeaderSize
	binary.LittleEndian.PutUint16(buf[offBlockLength:], r.BlockLength)
	binary.LittleEndian.PutUint16(buf[offFeeID:], r.FeeID)
	buf[offLinkID] = r.LinkID
	buf[offCruID] = uint8(r.CruID)
	buf[offEndPointID] = r.EndPointID
	buf[offSystemID] = r.SystemID
	binary.LittleEndian.PutUint32(buf[offHeartbeatOrbit:], r.HeartbeatOrbit)
	binary.LittleEndian.PutUint32(buf[offTriggerOrbit:], r.TriggerOrbit)
	binary.LittleEndian.PutUint32(buf[offOffsetNextPacket:], r.OffsetNextPacket)
}

// Validate reports whether r looks like a plausible RDH: nonzero version,
// a nonzero header size that fits in what remains of the page, and (when declared) a
// block length that does not run off whatever buffer it came from. The
// caller supplies pageRemaining — the number of bytes available in the
// page starting at this RDH's offset — so Validate can catch a corrupt
// offsetNextPacket/blockLength before a chain walk reads out of bounds.
func Validate(r RDH, pageRemaining int) error {
	if r.Version == 0 {
		return fmt.Errorf("rdh: version is zero")
	}
	if r.HeaderSize == 0 || int(r.HeaderSize) > pageRemaining {
		return fmt.Errorf("rdh: implausible headerSize %d (page has %d bytes remaining)", r.HeaderSize, pageRemaining)
	}
	if int(r.BlockLength) > pageRemaining {
		return fmt.Errorf("rdh: blockLength %d exceeds %d bytes remaining", r.BlockLength, pageRemaining)
	}
	return nil
}

// EquipmentID derives the CRU-based equipment id: cru*10 + endpoint, or
// UndefinedEquipmentID when cruId is 0 (§4.3.1).
func EquipmentID(r RDH) uint16 {
	if r.CruID == 0 {
		return UndefinedEquipmentID
	}
	return r.CruID*10 + uint16(r.EndPointID)
}

// OrbitInRange reports whether orbit o falls within [lo, hi], handling
// the wraparound case where the counter has rolled over (hi < lo) by
// treating the range as the wrapped span [lo, max] ∪ [0, hi] (§8
// invariant 3: "wrap-aware").
func OrbitInRange(o, lo, hi uint32) bool {
	if lo <= hi {
		return o >= lo && o <= hi
	}
	return o >= lo || o <= hi
}

// Entry pairs a decoded RDH with the byte offset (within its page) where
// it was found, as produced by WalkChain.
type Entry struct {
	RDH    RDH
	Offset int
}

// WalkChain walks the RDH chain inside page starting at firstOffset,
// following OffsetNextPacket until it hits zero (§4.3.1: "a zero
// offsetNextPacket terminates the walk"). visit is called for every RDH
// found, in order; if visit returns false, the walk stops early without
// error. WalkChain itself does not validate RDHs — callers needing
// validation should call Validate from inside visit.
func WalkChain(page []byte, firstOffset int, visit func(Entry) bool) error {
	offset := firstOffset
	for {
		if offset < 0 || offset+Size > len(page) {
			return fmt.Errorf("rdh: chain offset %d out of bounds (page len %d)", offset, len(page))
		}
		r, err := Parse(page[offset:])
		if err != nil {
			return err
		}
		if !visit(Entry{RDH: r, Offset: offset}) {
			return nil
		}
		if r.OffsetNextPacket == 0 {
			return nil
		}
		offset += int(r.OffsetNextPacket)
	}
}

// StreamCheckResult summarizes one page's rdhCheck pass (§4.3.1).
type StreamCheckResult struct {
	Entries       []Entry
	LinkIDOK      bool // true iff every entry shares the first entry's LinkID
	OrbitRangeOK  bool // true iff every entry's TriggerOrbit fell inside [tfOrbitFirst, tfOrbitLast]
}

// CheckStream walks the page's full RDH chain, validating every entry,
// requiring a constant LinkID across the page, and requiring every
// TriggerOrbit to fall inside [tfOrbitFirst, tfOrbitLast] (wrap-aware).
// The first violation of any kind stops the walk and is returned as an
// error (§4.3.1: "a violation increments rdhCheckStreamErr and stops
// parsing that page").
func CheckStream(page []byte, firstOffset int, tfOrbitFirst, tfOrbitLast uint32) (StreamCheckResult, error) {
	var res StreamCheckResult
	res.LinkIDOK = true
	res.OrbitRangeOK = true

	var wantLinkID uint8
	haveLinkID := false

	var invalidErr error
	err := WalkChain(page, firstOffset, func(e Entry) bool {
		remaining := len(page) - e.Offset
		if verr := Validate(e.RDH, remaining); verr != nil {
			invalidErr = fmt.Errorf("rdh: invalid RDH at offset %d: %w", e.Offset, verr)
			res.Entries = append(res.Entries, e)
			return false
		}
		if !haveLinkID {
			wantLinkID = e.RDH.LinkID
			haveLinkID = true
		} else if e.RDH.LinkID != wantLinkID {
			res.LinkIDOK = false
		}
		if !OrbitInRange(e.RDH.TriggerOrbit, tfOrbitFirst, tfOrbitLast) {
			res.OrbitRangeOK = false
		}
		res.Entries = append(res.Entries, e)
		return res.LinkIDOK && res.OrbitRangeOK
	})
	if err != nil {
		return res, err
	}
	if invalidErr != nil {
		return res, invalidErr
	}
	if !res.LinkIDOK || !res.OrbitRangeOK {
		return res, fmt.Errorf("rdh: stream check failed (linkIDOK=%v orbitRangeOK=%v)", res.LinkIDOK, res.OrbitRangeOK)
	}
	return res, nil
}
