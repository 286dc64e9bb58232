// ════════════════════════════════════════════════════════════════════════════════════════════════
// Paged Memory Pool
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Fixed-Size Page Allocator with Reference-Counted Container Handles
//
// Description:
//   Fixed-size page allocator backed by a bank byte range (spec.md §4.2). Pages are handed out
//   through reference-counted PageContainer handles; the pool itself only ever tracks integer
//   page indices into the free stack, never container handles, so the pool and its containers
//   cannot form a reference cycle (§9).
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package pagepool

import (
	"encoding/binary"
	"time"

	"github.com/cern-alice/readoutcore/internal/stats"
)

// HeaderSize is the fixed on-wire size of DataBlockHeader plus its
// trailing userSpace region, in bytes (§3). DataBlockHeader's own fields
// end at offIsRdhFormat (byte 49); everything from offUserSpace to
// HeaderSize is the userSpace scratch region §3 requires ("fixed bytes,
// >= sizeof stats struct") and §4.5 describes as holding a POD
// accounting struct — see writeUserSpace/readUserSpace below.
const HeaderSize = 96

// offUserSpace is where the userSpace region begins, right after
// DataBlockHeader's own last field.
const offUserSpace = 50

// userSpaceSize is the encoded size of the §4.5 accounting struct
// (magic, refCount, t0 as unix nanos, payloadBytes, memoryBytes), each
// eight bytes or less, little-endian. HeaderSize leaves comfortable
// headroom past it for whatever a downstream accounting struct grows
// into without another header resize.
const userSpaceSize = 32

// UndefinedTimeframeID is the sentinel value for DataBlockHeader.TimeframeID
// before a timeframe has been assigned (§3).
const UndefinedTimeframeID uint64 = 0

// DataBlockHeader is the fixed in-band header at the start of every page
// (§3). It is laid out manually over the page's first HeaderSize bytes
// rather than as a Go struct so the byte layout is exact and portable —
// see ReadHeader/WriteHeader below.
type DataBlockHeader struct {
	BlockID             uint64
	DataSize            uint32
	HeaderSize          uint16
	MemorySize          uint32
	EquipmentID         uint16
	LinkID              uint8
	FeeID               uint16
	SystemID            uint8
	TimeframeID         uint64
	TimeframeOrbitFirst uint32
	TimeframeOrbitLast  uint32
	RunNumber           uint64
	FlagEndOfTimeframe  bool
	IsRdhFormat         bool
}

// field offsets within the header's first HeaderSize bytes.
const (
	offBlockID             = 0
	offDataSize            = 8
	offHeaderSize          = 12
	offMemorySize          = 14
	offEquipmentID         = 18
	offLinkID              = 20
	offFeeID               = 21
	offSystemID            = 23
	offTimeframeID         = 24
	offTimeframeOrbitFirst = 32
	offTimeframeOrbitLast  = 36
	offRunNumber           = 40
	offFlagEOTF            = 48
	offIsRdhFormat         = 49
)

// WriteHeader serializes h into buf[:HeaderSize], little-endian.
func WriteHeader(buf []byte, h *DataBlockHeader) {
	binary.LittleEndian.PutUint64(buf[offBlockID:], h.BlockID)
	binary.LittleEndian.PutUint32(buf[offDataSize:], h.DataSize)
	binary.LittleEndian.PutUint16(buf[offHeaderSize:], h.HeaderSize)
	binary.LittleEndian.PutUint32(buf[offMemorySize:], h.MemorySize)
	binary.LittleEndian.PutUint16(buf[offEquipmentID:], h.EquipmentID)
	buf[offLinkID] = h.LinkID
	binary.LittleEndian.PutUint16(buf[offFeeID:], h.FeeID)
	buf[offSystemID] = h.SystemID
	binary.LittleEndian.PutUint64(buf[offTimeframeID:], h.TimeframeID)
	binary.LittleEndian.PutUint32(buf[offTimeframeOrbitFirst:], h.TimeframeOrbitFirst)
	binary.LittleEndian.PutUint32(buf[offTimeframeOrbitLast:], h.TimeframeOrbitLast)
	binary.LittleEndian.PutUint64(buf[offRunNumber:], h.RunNumber)
	if h.FlagEndOfTimeframe {
		buf[offFlagEOTF] = 1
	} else {
		buf[offFlagEOTF] = 0
	}
	if h.IsRdhFormat {
		buf[offIsRdhFormat] = 1
	} else {
		buf[offIsRdhFormat] = 0
	}
}

// ReadHeader parses buf[:HeaderSize] into h, little-endian.
func ReadHeader(buf []byte, h *DataBlockHeader) {
	h.BlockID = binary.LittleEndian.Uint64(buf[offBlockID:])
	h.DataSize = binary.LittleEndian.Uint32(buf[offDataSize:])
	h.HeaderSize = binary.LittleEndian.Uint16(buf[offHeaderSize:])
	h.MemorySize = binary.LittleEndian.Uint32(buf[offMemorySize:])
	h.EquipmentID = binary.LittleEndian.Uint16(buf[offEquipmentID:])
	h.LinkID = buf[offLinkID]
	h.FeeID = binary.LittleEndian.Uint16(buf[offFeeID:])
	h.SystemID = buf[offSystemID]
	h.TimeframeID = binary.LittleEndian.Uint64(buf[offTimeframeID:])
	h.TimeframeOrbitFirst = binary.LittleEndian.Uint32(buf[offTimeframeOrbitFirst:])
	h.TimeframeOrbitLast = binary.LittleEndian.Uint32(buf[offTimeframeOrbitLast:])
	h.RunNumber = binary.LittleEndian.Uint64(buf[offRunNumber:])
	h.FlagEndOfTimeframe = buf[offFlagEOTF] != 0
	h.IsRdhFormat = buf[offIsRdhFormat] != 0
}

// writeUserSpace embeds a §4.5 accounting snapshot into buf's userSpace
// region, little-endian. t0UnixNano is time.Time.UnixNano(); stored as a
// plain integer rather than any Go-specific time encoding so the region
// stays a POD struct at a fixed byte layout, same discipline as the rest
// of the header.
func writeUserSpace(buf []byte, magic, refCount uint32, t0UnixNano int64, payloadBytes, memoryBytes uint64) {
	u := buf[offUserSpace : offUserSpace+userSpaceSize]
	binary.LittleEndian.PutUint32(u[0:4], magic)
	binary.LittleEndian.PutUint32(u[4:8], refCount)
	binary.LittleEndian.PutUint64(u[8:16], uint64(t0UnixNano))
	binary.LittleEndian.PutUint64(u[16:24], payloadBytes)
	binary.LittleEndian.PutUint64(u[24:32], memoryBytes)
}

// readUserSpace decodes the §4.5 accounting snapshot embedded in buf's
// userSpace region by writeUserSpace.
func readUserSpace(buf []byte) (magic, refCount uint32, t0UnixNano int64, payloadBytes, memoryBytes uint64) {
	u := buf[offUserSpace : offUserSpace+userSpaceSize]
	magic = binary.LittleEndian.Uint32(u[0:4])
	refCount = binary.LittleEndian.Uint32(u[4:8])
	t0UnixNano = int64(binary.LittleEndian.Uint64(u[8:16]))
	payloadBytes = binary.LittleEndian.Uint64(u[16:24])
	memoryBytes = binary.LittleEndian.Uint64(u[24:32])
	return
}

// page is the pool's internal bookkeeping for one fixed-size slot. It is
// never exposed outside this package — callers only ever see Container.
//
// acct is the §4.5 per-page accounting block, driving the process-wide
// pending/payload/memory counters in stats.Global. syncUserSpace mirrors
// its current state into the page's own bytes, so the accounting block
// is genuinely embedded in the page (§4.5), not just tracked in Go-side
// pool bookkeeping off to the side.
type page struct {
	bytes    []byte // full page bytes, including the header region
	refCount int32  // 0 = free; >0 = outstanding references (parent + children)
	t0       time.Time
	acct     stats.PageAccounting
}

// syncUserSpace serializes p.acct's current snapshot into p.bytes' own
// userSpace region, so the accounting block a caller reads back via
// readUserSpace(p.bytes) always reflects the latest acquire/refine/release
// transition rather than lagging behind the Go-side struct.
func (p *page) syncUserSpace() {
	writeUserSpace(p.bytes, p.acct.Magic, p.acct.RefCount, p.acct.T0.UnixNano(), p.acct.PayloadBytes, p.acct.MemoryBytes)
}

// Header returns the page's in-band header region.
func (p *page) header() []byte { return p.bytes[:HeaderSize] }

// Payload returns the page's payload region (after the header).
func (p *page) payload() []byte { return p.bytes[HeaderSize:] }
