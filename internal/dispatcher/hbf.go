// ─────────────────────────────────────────────────────────────────────────────
// [File]: hbf.go — HBF identification and packed-copy repacking (§4.4)
//
// Grounded on ConsumerFMQchannel.cxx's pendingFrame / pendingFramesAppend /
// pendingFramesCollect trio (lines ~815-900): walk each source page's RDH
// chain, and whenever heartbeatOrbit changes, collapse whatever fragments
// have accumulated since the last boundary into one message part — a
// direct page-byte reference if there was only one fragment, a
// repacked copy into a scratch page if there were several.
// ─────────────────────────────────────────────────────────────────────────────

package dispatcher

import (
	"fmt"

	"github.com/cern-alice/readoutcore/internal/pagepool"
	"github.com/cern-alice/readoutcore/internal/rdh"
	"github.com/cern-alice/readoutcore/internal/stats"
)

// dispatchPart is one formatted message part still holding whatever page
// reference backs it, to be released once the transport acks it.
type dispatchPart struct {
	bytes   []byte
	release func()
}

type pendingFrame struct {
	ref    *pagepool.Container // retained handle over the source page
	start  int
	length int
}

// hbfAccumulator walks a dataset's pages in source order, grouping
// contiguous RDH runs sharing one heartbeatOrbit into HBFs and collapsing
// each into a dispatchPart as soon as it closes.
type hbfAccumulator struct {
	pool       *pagepool.Pool
	packedCopy bool

	pending  []pendingFrame
	lastHBID uint32
	haveHBID bool

	scratchRoot *pagepool.Container // current packed-copy scratch page, if any

	parts []dispatchPart
	err   error
}

func newHBFAccumulator(pool *pagepool.Pool, packedCopy bool) *hbfAccumulator {
	return &hbfAccumulator{pool: pool, packedCopy: packedCopy}
}

// addPage walks one source page's RDH chain (bounded to dataSize bytes,
// the page's declared valid length) and feeds contiguous heartbeatOrbit
// runs into the pending-frame accumulator, collapsing on every boundary.
func (h *hbfAccumulator) addPage(page *pagepool.Container, dataSize int, isRdhFormat bool) {
	if h.err != nil {
		return
	}
	if dataSize <= 0 {
		return
	}
	payload := page.Payload()
	if dataSize > len(payload) {
		dataSize = len(payload)
	}
	region := payload[:dataSize]

	// Pages without an RDH chain (isRdhFormat=false) carry nothing to
	// group by heartbeatOrbit; forward the whole page as its own part,
	// matching the Raw/StfSuperpage modes' per-page behavior for the
	// fragments an RDH-less source still produces in STF/HBF mode.
	if !isRdhFormat || dataSize < rdh.Size {
		h.collapse()
		h.appendFragment(page, 0, dataSize)
		h.collapse()
		h.haveHBID = false
		return
	}

	hbStart := 0
	walkErr := rdh.WalkChain(region, 0, func(e rdh.Entry) bool {
		if !h.haveHBID {
			h.lastHBID = e.RDH.HeartbeatOrbit
			h.haveHBID = true
		} else if e.RDH.HeartbeatOrbit != h.lastHBID {
			if length := e.Offset - hbStart; length > 0 {
				h.appendFragment(page, hbStart, length)
			}
			h.collapse()
			hbStart = e.Offset
			h.lastHBID = e.RDH.HeartbeatOrbit
		}
		return h.err == nil
	})
	if walkErr != nil {
		h.fail(fmt.Errorf("dispatcher: rdh chain walk: %w", walkErr))
		return
	}
	if h.err != nil {
		return
	}
	if hbStart < dataSize {
		h.appendFragment(page, hbStart, dataSize-hbStart)
	}
}

func (h *hbfAccumulator) appendFragment(page *pagepool.Container, start, length int) {
	ref := page.Retain()
	if ref == nil {
		h.fail(fmt.Errorf("dispatcher: source page already released mid-walk"))
		return
	}
	h.pending = append(h.pending, pendingFrame{ref: ref, start: start, length: length})
}

// collapse resolves whatever fragments are pending since the last HBF
// boundary into exactly one dispatchPart (or none, if there was nothing
// pending — e.g. at the very start of a dataset).
func (h *hbfAccumulator) collapse() {
	if len(h.pending) == 0 {
		return
	}
	if h.err != nil {
		h.releasePending()
		return
	}

	if len(h.pending) == 1 {
		f := h.pending[0]
		h.parts = append(h.parts, dispatchPart{
			bytes:   f.ref.Payload()[f.start : f.start+f.length],
			release: f.ref.Release,
		})
		h.pending = h.pending[:0]
		return
	}

	stats.Global.IncDdHBFRepacked()
	total := 0
	for _, f := range h.pending {
		total += f.length
	}

	dst, ok := h.acquireScratchChild(total)
	if !ok {
		h.fail(fmt.Errorf("dispatcher: no page left to repack %d bytes", total))
		return
	}

	out := dst.Bytes()
	at := 0
	for _, f := range h.pending {
		n := copy(out[at:], f.ref.Payload()[f.start:f.start+f.length])
		stats.Global.AddDdBytesCopied(uint64(n))
		at += n
		f.ref.Release()
	}
	h.pending = h.pending[:0]
	h.parts = append(h.parts, dispatchPart{bytes: out[:at], release: dst.Release})
}

// acquireScratchChild carves nBytes for one repack target, reusing the
// current scratch page's tail when packedCopy is enabled and it still
// has room, per §4.4: "consecutive HBFs fitting in its remaining tail
// bytes reuse it via child-allocation... disabling packed-copy allocates
// one scratch page per repacked HBF."
func (h *hbfAccumulator) acquireScratchChild(nBytes int) (*pagepool.Container, bool) {
	if !h.packedCopy {
		root, ok := h.pool.Acquire()
		if !ok {
			return nil, false
		}
		child, ok := h.pool.GetChildBlock(root, nBytes)
		if !ok {
			root.Release()
			return nil, false
		}
		root.Release()
		return child, true
	}

	if h.scratchRoot != nil {
		if child, ok := h.pool.GetChildBlock(h.scratchRoot, nBytes); ok {
			return child, true
		}
		h.scratchRoot.Release()
		h.scratchRoot = nil
	}

	root, ok := h.pool.Acquire()
	if !ok {
		return nil, false
	}
	child, ok := h.pool.GetChildBlock(root, nBytes)
	if !ok {
		root.Release()
		return nil, false
	}
	h.scratchRoot = root
	return child, true
}

// finish collapses any trailing pending fragments (§4.4: "end-of-dataset
// flushes the remainder") and closes out the current scratch page, if
// any. Call exactly once, after the last addPage.
func (h *hbfAccumulator) finish() ([]dispatchPart, error) {
	h.collapse()
	if h.scratchRoot != nil {
		h.scratchRoot.Release()
		h.scratchRoot = nil
	}
	if h.err != nil {
		h.releaseParts()
		return nil, h.err
	}
	return h.parts, nil
}

func (h *hbfAccumulator) fail(err error) {
	if h.err == nil {
		h.err = err
	}
	h.releasePending()
}

func (h *hbfAccumulator) releasePending() {
	for _, f := range h.pending {
		f.ref.Release()
	}
	h.pending = h.pending[:0]
}

// releaseParts drops every part already formatted before the failure —
// §4.4: "message formatting errors discard pending fragments for the TF."
func (h *hbfAccumulator) releaseParts() {
	for _, p := range h.parts {
		if p.release != nil {
			p.release()
		}
	}
	h.parts = nil
}
