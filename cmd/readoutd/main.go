// ─────────────────────────────────────────────────────────────────────────────
// readoutd — detector front-end readout core entrypoint.
//
// Orchestration follows main.go's phased structure: Phase 0 loads the run
// document and wires banks/pools/equipments, Phase 1 brings every
// subsystem to DataOn and starts their threads, Phase 2 settles memory
// before steady state, Phase 3 runs until a shutdown signal arrives.
// ─────────────────────────────────────────────────────────────────────────────

package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	rtdebug "runtime/debug"
	"syscall"
	"time"

	"github.com/cern-alice/readoutcore/internal/aggregator"
	"github.com/cern-alice/readoutcore/internal/bank"
	"github.com/cern-alice/readoutcore/internal/config"
	"github.com/cern-alice/readoutcore/internal/control"
	"github.com/cern-alice/readoutcore/internal/dispatcher"
	"github.com/cern-alice/readoutcore/internal/equipment"
	"github.com/cern-alice/readoutcore/internal/manifest"
	"github.com/cern-alice/readoutcore/internal/rlog"
	"github.com/cern-alice/readoutcore/internal/threadutil"
	"github.com/cern-alice/readoutcore/internal/transport"
)

const (
	logCodeRunFatal      rlog.Code = 6000
	logCodeDispatchMode  rlog.Code = 6002
	aggregatorIdleSleep            = time.Millisecond
	equipmentIdleDefault           = time.Microsecond * 1000 // §5: usleep(1000µs) default
)

var errNoEquipments = errors.New("readoutd: no equipments configured, dispatcher has no pool to borrow scratch pages from")

func main() {
	runPath := flag.String("config", "", "path to the readoutd run document (JSON)")
	flag.Parse()
	if *runPath == "" {
		rlog.Log(rlog.Error, logCodeRunFatal, "readoutd: -config is required")
		os.Exit(1)
	}

	// PHASE 0: load the run document, open the manifest, wire banks,
	// pools, and equipments.
	doc, err := loadRunDocument(*runPath)
	if err != nil {
		rlog.Log(rlog.Error, logCodeRunFatal, "%v", err)
		os.Exit(1)
	}

	var mf *manifest.Manifest
	if doc.ManifestPath != "" {
		mf, err = manifest.Open(doc.ManifestPath)
		if err != nil {
			rlog.Log(rlog.Error, logCodeRunFatal, "%v", err)
			os.Exit(1)
		}
		defer mf.Close()
	}

	banks := bank.NewManager()
	equipments, err := bootstrapEquipments(doc, mf, banks)
	if err != nil {
		rlog.Log(rlog.Error, logCodeRunFatal, "%v", err)
		os.Exit(1)
	}

	dcfg, err := config.ParseDispatcherJSON(doc.Dispatcher)
	if err != nil {
		rlog.Log(rlog.Error, logCodeRunFatal, "readoutd: dispatcher config: %v", err)
		os.Exit(1)
	}
	disp, err := bootstrapDispatcher(dcfg, equipments)
	if err != nil {
		rlog.Log(rlog.Error, logCodeRunFatal, "%v", err)
		os.Exit(1)
	}

	agg := aggregator.New(fifosOf(equipments), 1024, 0)

	rlog.Logf(rlog.Info, "readoutd: %d equipment(s) wired, dispatcher threads=%d mode=%s",
		len(equipments), dcfg.Threads, dispatcherModeName(dcfg.EnableRawFormat))

	setupSignalHandling()

	// PHASE 1: bring every equipment to DataOn and start its readout
	// thread, then start the aggregator poll loop and the dispatcher's
	// worker/sender threads.
	for _, re := range equipments {
		re.eq.Start()
		re.eq.SetDataOn()
		control.ShutdownWG.Add(1)
		go runEquipmentThread(re)
	}

	control.ShutdownWG.Add(1)
	go runAggregatorThread(agg, disp)

	dispHandle := disp.Start()

	// PHASE 2: settle memory before steady-state production.
	runtime.GC()
	runtime.GC()
	rtdebug.FreeOSMemory()

	// PHASE 3: production. The main goroutine has nothing left to poll
	// itself (every subsystem runs its own pinned thread); it just waits
	// on control.ShutdownWG for the equipment and aggregator threads to
	// leave their loops once the signal handler sets the stop flag, then
	// stops the dispatcher's threads.
	rtdebug.SetGCPercent(-1)
	control.ShutdownWG.Wait()
	dispHandle.Stop()
	os.Exit(0)
}

func fifosOf(equipments []*runtimeEquipment) []*equipment.FIFO {
	out := make([]*equipment.FIFO, len(equipments))
	for i, re := range equipments {
		out[i] = re.eq.FIFO()
	}
	return out
}

func dispatcherModeName(enableRawFormat int) string {
	switch enableRawFormat {
	case 1, 3:
		return dispatcher.ModeRaw.String()
	case 2:
		return dispatcher.ModeStfSuperpage.String()
	default:
		return dispatcher.ModeStfHBF.String()
	}
}

func bootstrapDispatcher(dcfg config.ResolvedDispatcher, equipments []*runtimeEquipment) (*dispatcher.Dispatcher, error) {
	var sender transport.Sender = transport.NewLoopback()

	if dcfg.UnmanagedMemorySize > 0 {
		if len(dcfg.CheckResources) > 0 {
			if err := transport.CheckResources(dcfg.CheckResources, int64(dcfg.UnmanagedMemorySize)); err != nil {
				return nil, err
			}
		}
		if _, err := sender.CreateUnmanagedRegion(dcfg.UnmanagedMemorySize, func() {}); err != nil {
			return nil, fmt.Errorf("readoutd: create unmanaged region: %w", err)
		}
	}

	mode := dispatcher.ModeStfHBF
	switch dcfg.EnableRawFormat {
	case 1:
		mode = dispatcher.ModeRaw
	case 2:
		mode = dispatcher.ModeStfSuperpage
	case 3:
		// ConsumerFMQchannel's enableRawFormatDatablock variant (raw
		// datablock framing, no STF header, no per-page split) has no
		// counterpart mode here; fall back to plain Raw rather than
		// silently changing the wire format underneath a caller who
		// asked for it.
		rlog.Log(rlog.Warning, logCodeDispatchMode, "readoutd: enableRawFormat=3 (raw datablock) has no dedicated mode, using Raw")
		mode = dispatcher.ModeRaw
	}

	// Every equipment's pool feeds the same dispatcher; pick the first
	// equipment's pool as the dispatcher's own scratch pool for header
	// and repack pages, since the STF header and any repacked HBF body
	// never need to come from the same pool a given page's payload did.
	if len(equipments) == 0 {
		return nil, errNoEquipments
	}
	pool := equipments[0].eq.Pool()

	d := dispatcher.New(pool, sender, dispatcher.Config{
		Mode:           mode,
		PackedCopy:     dcfg.EnablePackedCopy,
		Threads:        dcfg.Threads,
		DisableSending: dcfg.DisableSending,
	})
	return d, nil
}

func runEquipmentThread(re *runtimeEquipment) {
	defer control.ShutdownWG.Done()
	threadutil.PinCurrentThread(re.core)
	backoff := threadutil.NewBackoff(equipmentIdleDefault)
	for !control.Stopped() {
		before := re.eq.FIFO().Len()
		re.eq.RunOnce()
		if re.eq.FIFO().Len() != before {
			backoff.Hit()
		} else {
			threadutil.Sleep(backoff.Miss())
		}
	}
	re.eq.SetDataOff()
	re.eq.Stop()
	re.eq.Destroy()
	if re.player != nil {
		re.player.Close()
	}
}

func runAggregatorThread(agg *aggregator.Aggregator, disp *dispatcher.Dispatcher) {
	defer control.ShutdownWG.Done()
	threadutil.PinCurrentThread(-1)
	backoff := threadutil.NewBackoff(aggregatorIdleSleep)
	for !control.Stopped() {
		agg.PollOnce()
		drained := false
		for {
			ds, ok := agg.Output().TryPop()
			if !ok {
				break
			}
			disp.PushDataset(ds)
			drained = true
		}
		disp.Flush()
		if drained {
			backoff.Hit()
		} else {
			threadutil.Sleep(backoff.Miss())
		}
	}
}

// setupSignalHandling mirrors main.go's coordinated-shutdown pattern:
// SIGINT/SIGTERM flips the process-wide stop flag. The handler does not
// wait itself; main waits on control.ShutdownWG before exiting.
func setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		rlog.Logf(rlog.Info, "readoutd: received interrupt, shutting down")
		control.Shutdown()
	}()
}
