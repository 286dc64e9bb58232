package equipment

import (
	"time"

	"github.com/cern-alice/readoutcore/internal/rlog"
)

const logCodeNonContiguousTF rlog.Code = 3001

// LHCOrbitRate is the orbit frequency used by the software-clock TF
// identification mode (§4.3.2), in Hz.
const LHCOrbitRate = 11245.0

// TFIdentifier assigns timeframe ids, either from RDH orbits or from a
// periodic software clock (§4.3.2). Not safe for concurrent use — one
// instance belongs to one equipment's readout thread.
type TFIdentifier struct {
	period uint32 // TFperiod, in orbits

	// RDH-derived mode.
	haveFirstOrbit bool
	firstOrbit     uint32
	currentTFID    uint64

	// Software-clock mode.
	softwareMode bool
	tickInterval time.Duration
	nextTick     time.Time
}

// NewRDHDerivedTFIdentifier builds an identifier that derives TF id from
// observed RDH orbits (the default when RDH mode is on).
func NewRDHDerivedTFIdentifier(tfPeriodOrbits uint32) *TFIdentifier {
	return &TFIdentifier{period: tfPeriodOrbits}
}

// NewSoftwareClockTFIdentifier builds an identifier that increments TF id
// on a periodic clock ticking at LHCOrbitRate/TFperiod Hz, used when no
// RDH is available.
func NewSoftwareClockTFIdentifier(tfPeriodOrbits uint32) *TFIdentifier {
	hz := LHCOrbitRate / float64(tfPeriodOrbits)
	interval := time.Duration(float64(time.Second) / hz)
	return &TFIdentifier{
		period:       tfPeriodOrbits,
		softwareMode: true,
		tickInterval: interval,
		nextTick:     time.Now().Add(interval),
	}
}

// FromOrbit computes the TF id for orbit o, tracking the first-seen
// orbit as the epoch (RDH-derived mode only; panics if called on a
// software-clock identifier).
func (t *TFIdentifier) FromOrbit(o uint32) uint64 {
	if t.softwareMode {
		panic("equipment: FromOrbit called on a software-clock TFIdentifier")
	}
	if !t.haveFirstOrbit {
		t.firstOrbit = o
		t.haveFirstOrbit = true
		t.currentTFID = 1
		return t.currentTFID
	}
	tfID := 1 + uint64(o-t.firstOrbit)/uint64(t.period)
	if tfID != t.currentTFID && tfID != t.currentTFID+1 {
		rlog.Log(rlog.Warning, logCodeNonContiguousTF,
			"non-contiguous timeframe id: current=%d next=%d orbit=%d", t.currentTFID, tfID, o)
	}
	t.currentTFID = tfID
	return tfID
}

// Tick advances the software clock and returns the current TF id. Call
// once per page when no RDH is available; pages without their own TF
// reference get the value this returns (§4.3.2).
func (t *TFIdentifier) Tick() uint64 {
	if !t.softwareMode {
		panic("equipment: Tick called on an RDH-derived TFIdentifier")
	}
	now := time.Now()
	for !now.Before(t.nextTick) {
		t.currentTFID++
		t.nextTick = t.nextTick.Add(t.tickInterval)
	}
	if t.currentTFID == 0 {
		t.currentTFID = 1
	}
	return t.currentTFID
}

// OrbitRangeForTF returns [tfOrbitFirst, tfOrbitLast] for the given TF id,
// valid only in RDH-derived mode once an epoch has been established.
func (t *TFIdentifier) OrbitRangeForTF(tfID uint64) (first, last uint32) {
	first = t.firstOrbit + uint32((tfID-1)*uint64(t.period))
	last = first + t.period - 1
	return first, last
}
