// ─────────────────────────────────────────────────────────────────────────────
// [Package]: equipment — readout equipment producer pipeline (spec.md §4.3)
//
// State machine: Created → Started → DataOn ↔ DataOff → Stopped → Destroyed.
// Only the owning control thread is expected to call Start/SetDataOn/
// SetDataOff/Stop; RunOnce is expected to be called repeatedly by one
// dedicated readout thread (grounded on ReadoutEquipment::threadCallback,
// original_source/src/ReadoutEquipment.cxx).
// ─────────────────────────────────────────────────────────────────────────────

package equipment

import (
	"sync/atomic"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/cern-alice/readoutcore/internal/pagepool"
	"github.com/cern-alice/readoutcore/internal/rdh"
	"github.com/cern-alice/readoutcore/internal/rlog"
	"github.com/cern-alice/readoutcore/internal/stats"
)

const (
	logCodeRdhInvalid    rlog.Code = 3002
	logCodeRdhStreamFail rlog.Code = 3003
)

// State is one of the equipment lifecycle states.
type State int32

const (
	StateCreated State = iota
	StateStarted
	StateDataOn
	StateDataOff
	StateStopped
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateStarted:
		return "Started"
	case StateDataOn:
		return "DataOn"
	case StateDataOff:
		return "DataOff"
	case StateStopped:
		return "Stopped"
	case StateDestroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// Config is the resolved per-equipment configuration driving the loop
// (subset of config.Resolved relevant to the producer itself; memory
// pool construction happens one level up, against a bank.Manager).
type Config struct {
	Name            string
	EquipmentID     uint16
	Rate            float64 // Hz; <= 0 means unlimited
	DisableOutput   bool
	RunNumber       uint64
	UseRDH          bool
	RdhCheckEnabled bool
	TFPeriod        uint32
	StopOnError     bool
	DebugFirstPages int
}

// rateClock schedules the next allowed emission tick at 1e6/rate
// microseconds, per §4.3: "overshoot is not compensated retroactively —
// excess is throttled in the next iteration" (Increment always advances
// from the previous tick, never from "now").
type rateClock struct {
	period   time.Duration
	nextTick time.Time
}

func newRateClock(rate float64) rateClock {
	if rate <= 0 {
		return rateClock{}
	}
	period := time.Duration(1e6/rate) * time.Microsecond
	return rateClock{period: period, nextTick: time.Now().Add(period)}
}

func (c *rateClock) isTimeout() bool {
	if c.period == 0 {
		return true
	}
	return !time.Now().Before(c.nextTick)
}

func (c *rateClock) increment() {
	if c.period == 0 {
		return
	}
	c.nextTick = c.nextTick.Add(c.period)
}

// Equipment is one producer: a readout thread polling gen for pages,
// tagging them, and pushing them into fifo.
type Equipment struct {
	cfg  Config
	pool *pagepool.Pool
	fifo *FIFO
	gen  Generator
	tf   *TFIdentifier

	state atomic.Int32

	clk0          time.Time
	rateClk       rateClock
	blocksEmitted uint64
	blockID       uint64

	debugPagesLeft int
}

// New constructs an equipment in the Created state. tf must already be
// configured for RDH-derived or software-clock mode, matching
// cfg.UseRDH.
func New(cfg Config, pool *pagepool.Pool, fifoCapacity int, gen Generator, tf *TFIdentifier) *Equipment {
	e := &Equipment{
		cfg:            cfg,
		pool:           pool,
		fifo:           NewFIFO(fifoCapacity),
		gen:            gen,
		tf:             tf,
		debugPagesLeft: cfg.DebugFirstPages,
	}
	e.state.Store(int32(StateCreated))
	return e
}

// State returns the current lifecycle state.
func (e *Equipment) State() State { return State(e.state.Load()) }

// FIFO exposes the equipment's output FIFO to the aggregator/dispatcher
// side of the pipeline.
func (e *Equipment) FIFO() *FIFO { return e.fifo }

// Pool exposes the equipment's own page pool, for callers (e.g. the
// dispatcher bootstrap) that need a pool to carve scratch pages from and
// have no dataset of their own to borrow one from yet.
func (e *Equipment) Pool() *pagepool.Pool { return e.pool }

// Start transitions Created/Stopped → Started, resets run counters, and
// arms the rate clock.
func (e *Equipment) Start() {
	e.blockID = 0
	e.blocksEmitted = 0
	e.clk0 = time.Now()
	e.rateClk = newRateClock(e.cfg.Rate)
	e.gen.InitCounters()
	e.state.Store(int32(StateStarted))
}

// SetDataOn transitions Started/DataOff → DataOn: RunOnce will begin
// processing pages.
func (e *Equipment) SetDataOn() { e.state.Store(int32(StateDataOn)) }

// SetDataOff transitions DataOn → DataOff: RunOnce idles without
// draining the generator, but the thread keeps polling.
func (e *Equipment) SetDataOff() { e.state.Store(int32(StateDataOff)) }

// Stop transitions to Stopped and finalizes counters. The caller is
// responsible for having already stopped calling RunOnce.
func (e *Equipment) Stop() {
	e.state.Store(int32(StateStopped))
	e.gen.FinalCounters()
}

// Destroy transitions to Destroyed. Release of the backing pool is the
// caller's responsibility (§5 lifetime rule: pool outlives every
// container it issued, so the pool itself is torn down by whoever owns
// the bank.Manager, after every equipment using it has been destroyed).
func (e *Equipment) Destroy() { e.state.Store(int32(StateDestroyed)) }

// RunOnce executes one loop iteration (§4.3). Intended to be called
// repeatedly by one dedicated readout thread with the configured idle
// sleep between calls when it returns having done no work.
func (e *Equipment) RunOnce() {
	stats.Global.IncLoop()

	if e.State() != StateDataOn {
		stats.Global.IncIdle()
		return
	}

	maxBlocks := e.computeBudget()
	if maxBlocks < 0 {
		stats.Global.IncThrottle()
		return
	}

	pushed := 0
	for i := 0; i < maxBlocks; i++ {
		if e.fifo.IsFull() {
			stats.Global.IncOutputFull()
			break
		}
		page, ok := e.gen.GetNextBlock(e.pool)
		if !ok {
			break
		}

		dataSize := e.tagPage(page)

		if e.cfg.DisableOutput {
			page.Release()
		} else if !e.fifo.TryPush(page) {
			stats.Global.IncOutputFull()
			page.Release()
			break
		}

		stats.Global.AddBytesOut(uint64(dataSize))
		e.rateClk.increment()
		e.blocksEmitted++
		pushed++
	}
	stats.Global.AddBlocksOut(uint64(pushed))

	switch e.gen.PrepareBlocks() {
	case PrepareError:
		if e.cfg.StopOnError {
			e.Stop()
		}
	case PrepareOk, PrepareIdle:
		// nothing further to do this iteration.
	}
}

// computeBudget implements §4.3 step 1: how many blocks this iteration
// may emit. A negative return means "throttled, do nothing this pass".
func (e *Equipment) computeBudget() int {
	if e.cfg.Rate <= 0 {
		return 1024
	}
	elapsed := time.Since(e.clk0).Seconds()
	max := int64(e.cfg.Rate*elapsed) - int64(e.blocksEmitted)
	if !e.rateClk.isTimeout() && e.blocksEmitted != 0 && max <= 0 {
		return -1
	}
	if max < 0 {
		max = 0
	}
	return int(max)
}

// tagPage stamps equipmentId/blockId/runNumber/timeframeId, runs the RDH
// pipeline if configured, and returns the page's declared dataSize.
func (e *Equipment) tagPage(page *pagepool.Container) uint32 {
	var hdr pagepool.DataBlockHeader
	pagepool.ReadHeader(page.Header(), &hdr)

	if e.cfg.UseRDH {
		e.runRDHPipeline(page, &hdr)
	}

	if e.cfg.EquipmentID != rdh.UndefinedEquipmentID {
		hdr.EquipmentID = e.cfg.EquipmentID
	}
	e.blockID++
	hdr.BlockID = e.blockID
	hdr.RunNumber = e.cfg.RunNumber

	if hdr.TimeframeID == pagepool.UndefinedTimeframeID && !e.cfg.UseRDH {
		hdr.TimeframeID = e.tf.Tick()
	}

	pagepool.WriteHeader(page.Header(), &hdr)
	page.AccountPayload(uint64(hdr.DataSize))
	return hdr.DataSize
}

// runRDHPipeline implements §4.3.1: validate the first RDH, derive
// orbit/link/system/FEE/CRU-equipment fields and the timeframe id, and
// optionally walk the full chain for link/orbit-range consistency.
func (e *Equipment) runRDHPipeline(page *pagepool.Container, hdr *pagepool.DataBlockHeader) {
	payload := page.Payload()
	if len(payload) < rdh.Size {
		stats.Global.IncRdhCheckErr()
		hdr.IsRdhFormat = false
		return
	}

	first, err := rdh.Parse(payload)
	if err != nil {
		stats.Global.IncRdhCheckErr()
		hdr.IsRdhFormat = false
		return
	}
	if verr := rdh.Validate(first, len(payload)); verr != nil {
		stats.Global.IncRdhCheckErr()
		rlog.Log(rlog.Warning, logCodeRdhInvalid, "equipment %s: invalid first RDH: %v", e.cfg.Name, verr)
		hdr.IsRdhFormat = false
		return
	}

	hdr.IsRdhFormat = true
	hdr.LinkID = first.LinkID
	hdr.FeeID = first.FeeID
	hdr.SystemID = first.SystemID
	if cruID := rdh.EquipmentID(first); cruID != rdh.UndefinedEquipmentID {
		hdr.EquipmentID = cruID
	}

	// HeartbeatOrbit is left untouched here: it drives HBF grouping in
	// the dispatcher, not timeframe assignment.
	tfID := e.tf.FromOrbit(first.TriggerOrbit)
	hdr.TimeframeID = tfID
	orbitFirst, orbitLast := e.tf.OrbitRangeForTF(tfID)
	hdr.TimeframeOrbitFirst = orbitFirst
	hdr.TimeframeOrbitLast = orbitLast

	if e.debugPagesLeft > 0 {
		e.debugPagesLeft--
		sum := sha3.Sum256(payload)
		rlog.Log(rlog.Info, logCodeRdhInvalid, "equipment %s: debug page dump: first RDH %+v payload sha3=%x", e.cfg.Name, first, sum)
	}

	if e.cfg.RdhCheckEnabled {
		if _, cerr := rdh.CheckStream(payload, 0, orbitFirst, orbitLast); cerr != nil {
			stats.Global.IncRdhCheckStreamErr()
			rlog.Log(rlog.Warning, logCodeRdhStreamFail, "equipment %s: rdh stream check failed: %v", e.cfg.Name, cerr)
		}
	}
}
