// ─────────────────────────────────────────────────────────────────────────────
// [File]: dispatcher.go — Subtimeframe Dispatcher (§4.4)
//
// Consumes DataSet units (one per TF per link) from the aggregator and
// produces one multi-part message per dataset, in one of three output
// modes (Raw, StfSuperpage, StfHBF). Threads==0 formats and sends inline
// on the caller's goroutine; Threads>0 buffers datasets per TF, hands
// each TF's buffer to a round-robin-assigned worker, and drains worker
// output in that same round-robin order so egress stays TF-ordered
// (ConsumerFMQchannel.cxx's wThreadIxWrite/wThreadIxRead pair, §5).
// ─────────────────────────────────────────────────────────────────────────────

package dispatcher

import (
	"fmt"
	"sync"
	"time"

	"github.com/cern-alice/readoutcore/internal/aggregator"
	"github.com/cern-alice/readoutcore/internal/pagepool"
	"github.com/cern-alice/readoutcore/internal/rlog"
	"github.com/cern-alice/readoutcore/internal/stats"
	"github.com/cern-alice/readoutcore/internal/threadutil"
	"github.com/cern-alice/readoutcore/internal/transport"
)

const logCodeDispatchBase rlog.Code = 5000

const (
	logCodeDispatchPageFail   rlog.Code = logCodeDispatchBase + 1
	logCodeDispatchFormatFail rlog.Code = logCodeDispatchBase + 2
	logCodeDispatchSendFail   rlog.Code = logCodeDispatchBase + 3
	logCodeDispatchQueueFull  rlog.Code = logCodeDispatchBase + 4
)

// OutputMode selects how a Dataset becomes a wire message (§4.4).
type OutputMode int

const (
	// ModeStfHBF groups pages into per-HBF parts behind an STF header,
	// repacking fragments that don't line up with page boundaries. The
	// default.
	ModeStfHBF OutputMode = iota
	// ModeRaw forwards one message part per source page, with no STF
	// header and no HBF grouping.
	ModeRaw
	// ModeStfSuperpage adds the STF header but skips HBF grouping: one
	// part per source page after the header.
	ModeStfSuperpage
)

func (m OutputMode) String() string {
	switch m {
	case ModeRaw:
		return "Raw"
	case ModeStfSuperpage:
		return "StfSuperpage"
	default:
		return "StfHBF"
	}
}

// Config controls how a Dispatcher formats and schedules messages.
type Config struct {
	Mode OutputMode

	// PackedCopy enables scratch-page reuse across consecutive repacked
	// HBFs (§4.4). Disabling it allocates one scratch page per repack.
	PackedCopy bool

	// Threads is the formatter worker count. 0 runs every dataset
	// inline on the calling goroutine with no worker pool at all,
	// matching the original's nwThreads==0 fallback.
	Threads int

	// WorkerFifoSize bounds each worker's input and output queue depth.
	// 0 picks a default scaled by Threads (§5's "88 / nwThreads"
	// sizing rationale, parameterized rather than hardcoded).
	WorkerFifoSize int

	// DisableSending runs the full formatting path but releases parts
	// itself instead of calling Sender.Send — a supplemented option for
	// measuring formatting cost without touching the real transport.
	DisableSending bool
}

const baseFifoBudget = 88

func defaultWorkerFifoSize(threads int) int {
	if threads <= 0 {
		return baseFifoBudget
	}
	n := baseFifoBudget / threads
	if n < 1 {
		n = 1
	}
	return n
}

// Dispatcher formats datasets into Sender messages (§4.4).
type Dispatcher struct {
	pool   *pagepool.Pool
	sender transport.Sender
	cfg    Config

	workers []*worker

	mu         sync.Mutex
	haveCur    bool
	curTF      uint64
	curSets    []*aggregator.Dataset
	nextWorker int

	senderIdx int
}

// New constructs a Dispatcher. pool backs both the STF header pages and
// (for ModeStfHBF) the packed-copy scratch pages; sender carries
// finished messages off this process.
func New(pool *pagepool.Pool, sender transport.Sender, cfg Config) *Dispatcher {
	d := &Dispatcher{pool: pool, sender: sender, cfg: cfg}
	if cfg.Threads > 0 {
		fifo := cfg.WorkerFifoSize
		if fifo <= 0 {
			fifo = defaultWorkerFifoSize(cfg.Threads)
		}
		d.workers = make([]*worker, cfg.Threads)
		for i := range d.workers {
			d.workers[i] = newWorker(i, fifo, fifo)
		}
	}
	return d
}

// PushDataset hands one dataset to the dispatcher. With Threads==0 it is
// formatted and sent before PushDataset returns; otherwise it is
// buffered under the current TF and handed to a worker once that TF
// closes (a new TF arrives, or Flush is called).
func (d *Dispatcher) PushDataset(ds *aggregator.Dataset) {
	if d.cfg.Threads <= 0 {
		d.formatAndSendInline(ds)
		return
	}

	d.mu.Lock()
	if !d.haveCur || ds.Key.TimeframeID != d.curTF {
		d.flushCurrentLocked()
		d.curTF = ds.Key.TimeframeID
		d.haveCur = true
	}
	d.curSets = append(d.curSets, ds)
	d.mu.Unlock()
}

// Flush forces whatever TF is currently buffered out to its assigned
// worker even though no later dataset has arrived to trigger a natural
// TF-boundary flush. Callers should invoke this at shutdown, and may
// invoke it periodically to bound worst-case latency for a slow TF.
func (d *Dispatcher) Flush() {
	d.mu.Lock()
	d.flushCurrentLocked()
	d.mu.Unlock()
}

func (d *Dispatcher) flushCurrentLocked() {
	if !d.haveCur || len(d.curSets) == 0 {
		d.curSets = nil
		return
	}
	b := &tfBatch{tf: d.curTF, sets: d.curSets}
	w := d.workers[d.nextWorker]
	if !w.in.TryPush(b) {
		stats.Global.IncTotalPushError()
		rlog.Log(rlog.Warning, logCodeDispatchQueueFull,
			"dispatcher: worker %d input full, dropping TF %d (%d datasets)", d.nextWorker, b.tf, len(b.sets))
		for _, ds := range b.sets {
			ds.Release()
		}
	}
	d.nextWorker = (d.nextWorker + 1) % len(d.workers)
	d.curSets = nil
}

// RunWorkerOnce steps worker i once. Exposed for deterministic tests;
// Start drives every worker's RunOnce from its own goroutine.
func (d *Dispatcher) RunWorkerOnce(i int) bool {
	return d.workers[i].RunOnce(d)
}

// RunSenderOnce drains and sends whatever the currently-due worker (in
// round-robin order) has ready, advancing to the next worker only on
// success — preserving TF-ordered egress (§4.4). Returns false if that
// worker has nothing ready yet; callers must not skip to the next
// worker on a false return, or TF order would be lost.
func (d *Dispatcher) RunSenderOnce() bool {
	if len(d.workers) == 0 {
		return false
	}
	w := d.workers[d.senderIdx]
	fb, ok := w.out.TryPop()
	if !ok {
		return false
	}
	for _, msg := range fb.messages {
		d.sendMessage(msg)
	}
	d.senderIdx = (d.senderIdx + 1) % len(d.workers)
	return true
}

func (d *Dispatcher) formatAndSendInline(ds *aggregator.Dataset) {
	msg, err := d.formatDataset(ds)
	if err != nil {
		stats.Global.IncTotalPushError()
		rlogWarnFormat(-1, ds.Key.TimeframeID, err)
		return
	}
	d.sendMessage(msg)
}

func (d *Dispatcher) sendMessage(msg transport.Message) {
	if d.cfg.DisableSending {
		for _, p := range msg {
			if p.Release != nil {
				p.Release()
			}
		}
		return
	}
	if _, err := d.sender.Send(msg); err != nil {
		stats.Global.IncTotalPushError()
		rlog.Log(rlog.Warning, logCodeDispatchSendFail, "dispatcher: send failed: %v", err)
		return
	}
	stats.Global.IncTotalPushSuccess()
}

func rlogWarnFormat(workerIdx int, tf uint64, err error) {
	if workerIdx < 0 {
		rlog.Log(rlog.Warning, logCodeDispatchFormatFail, "dispatcher: inline format TF %d: %v", tf, err)
		return
	}
	rlog.Log(rlog.Warning, logCodeDispatchFormatFail, "dispatcher: worker %d: format TF %d: %v", workerIdx, tf, err)
}

// formatDataset turns one dataset into a Sender message per the
// configured OutputMode. The caller owns sending (or releasing, for
// DisableSending) the result; on error, ds has already been released
// and nothing further need be done with it.
func (d *Dispatcher) formatDataset(ds *aggregator.Dataset) (transport.Message, error) {
	switch d.cfg.Mode {
	case ModeRaw:
		return d.formatRaw(ds)
	case ModeStfSuperpage:
		return d.formatStfSuperpage(ds)
	default:
		return d.formatStfHBF(ds)
	}
}

// formatRaw hands each source page's valid region off as its own
// message part, with no STF header (§4.4 Raw mode). Page ownership
// transfers directly into the message; Dataset.Release must not be
// called afterward.
func (d *Dispatcher) formatRaw(ds *aggregator.Dataset) (transport.Message, error) {
	msg := make(transport.Message, 0, len(ds.Pages))
	for _, page := range ds.Pages {
		var hdr pagepool.DataBlockHeader
		pagepool.ReadHeader(page.Header(), &hdr)
		msg = append(msg, d.sender.NewMessage(nil, page.Payload()[:hdr.DataSize], page.Release))
	}
	return msg, nil
}

// formatStfSuperpage prepends an STF header to one part per source page,
// skipping HBF grouping (§4.4 StfSuperpage mode).
func (d *Dispatcher) formatStfSuperpage(ds *aggregator.Dataset) (transport.Message, error) {
	headerPart, err := d.buildHeaderPart(ds)
	if err != nil {
		ds.Release()
		return nil, err
	}

	msg := make(transport.Message, 0, len(ds.Pages)+1)
	msg = append(msg, headerPart)
	for _, page := range ds.Pages {
		var hdr pagepool.DataBlockHeader
		pagepool.ReadHeader(page.Header(), &hdr)
		msg = append(msg, d.sender.NewMessage(nil, page.Payload()[:hdr.DataSize], page.Release))
	}
	return msg, nil
}

// formatStfHBF prepends an STF header to the hbfAccumulator's per-HBF
// parts, repacking fragments that span page boundaries (§4.4 default
// mode, the only one that uses hbfAccumulator).
func (d *Dispatcher) formatStfHBF(ds *aggregator.Dataset) (transport.Message, error) {
	headerPart, err := d.buildHeaderPart(ds)
	if err != nil {
		ds.Release()
		return nil, err
	}

	acc := newHBFAccumulator(d.pool, d.cfg.PackedCopy)
	for _, page := range ds.Pages {
		var hdr pagepool.DataBlockHeader
		pagepool.ReadHeader(page.Header(), &hdr)
		acc.addPage(page, int(hdr.DataSize), hdr.IsRdhFormat)
	}
	parts, accErr := acc.finish()

	// ds's own page references are never handed to the accumulator —
	// addPage retains independent clones (pagepool.Container.Retain)
	// for anything it keeps, so the original references are always
	// safe to drop here regardless of whether formatting succeeded.
	ds.Release()

	if accErr != nil {
		if headerPart.Release != nil {
			headerPart.Release()
		}
		return nil, accErr
	}

	msg := make(transport.Message, 0, len(parts)+1)
	msg = append(msg, headerPart)
	for _, p := range parts {
		msg = append(msg, d.sender.NewMessage(nil, p.bytes, p.release))
	}
	return msg, nil
}

// buildHeaderPart acquires a fresh page, fills it with an STFHeader
// derived from ds's first page (or zero-valued, for an empty dataset)
// plus ds.LastTFMessage, and wraps it as a message part.
func (d *Dispatcher) buildHeaderPart(ds *aggregator.Dataset) (transport.Part, error) {
	page, ok := d.pool.Acquire()
	if !ok {
		stats.Global.IncPoolAcquireFail()
		rlog.Log(rlog.Warning, logCodeDispatchPageFail, "dispatcher: no page for STF header, TF %d", ds.Key.TimeframeID)
		return transport.Part{}, fmt.Errorf("dispatcher: no page for STF header")
	}

	h := STFHeader{
		TimeframeID:   ds.Key.TimeframeID,
		LinkID:        ds.Key.LinkID,
		EquipmentID:   ds.Key.EquipmentID,
		LastTFMessage: ds.LastTFMessage,
	}
	if len(ds.Pages) > 0 {
		var first pagepool.DataBlockHeader
		pagepool.ReadHeader(ds.Pages[0].Header(), &first)
		h.RunNumber = first.RunNumber
		h.SystemID = first.SystemID
		h.FeeID = first.FeeID
		h.TfOrbitFirst = first.TimeframeOrbitFirst
		h.TfOrbitLast = first.TimeframeOrbitLast
		h.IsRdhFormat = first.IsRdhFormat
	}

	WriteSTFHeader(page.Payload()[:StfHeaderSize], h)
	return d.sender.NewMessage(nil, page.Payload()[:StfHeaderSize], page.Release), nil
}

// Handle controls the background goroutines started by Start.
type Handle struct {
	stop chan struct{}
	wg   *sync.WaitGroup
}

// Stop signals every worker and the sender to exit after their current
// step and waits for them to do so. A no-op on a Threads==0 Dispatcher's
// Handle (Start returns an empty one, since there are no goroutines).
func (h *Handle) Stop() {
	if h.stop == nil {
		return
	}
	close(h.stop)
	h.wg.Wait()
}

const dispatcherIdleSleep = time.Millisecond

// Start spawns one goroutine per worker plus one sender goroutine, each
// looping its RunOnce/RunSenderOnce step through a threadutil.Backoff
// (§5: "worker input queue pop spins with usleep(1000µs) when empty").
// Returns immediately with a Handle to stop them later. Threads==0
// spawns nothing, since PushDataset already sends inline.
func (d *Dispatcher) Start() *Handle {
	if d.cfg.Threads <= 0 {
		return &Handle{}
	}
	stop := make(chan struct{})
	var wg sync.WaitGroup

	for i := range d.workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			backoff := threadutil.NewBackoff(dispatcherIdleSleep)
			for {
				select {
				case <-stop:
					return
				default:
				}
				if d.RunWorkerOnce(i) {
					backoff.Hit()
				} else {
					threadutil.Sleep(backoff.Miss())
				}
			}
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		backoff := threadutil.NewBackoff(dispatcherIdleSleep)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if d.RunSenderOnce() {
				backoff.Hit()
			} else {
				threadutil.Sleep(backoff.Miss())
			}
		}
	}()

	return &Handle{stop: stop, wg: &wg}
}
