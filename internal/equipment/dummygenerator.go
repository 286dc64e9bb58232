package equipment

import (
	"github.com/cern-alice/readoutcore/internal/pagepool"
	"github.com/cern-alice/readoutcore/internal/rdh"
)

// DummyGeneratorConfig configures synthetic page production (the
// DummyGenerator variant of §9's equipment capability set).
type DummyGeneratorConfig struct {
	PayloadSize  int
	EmitRDH      bool
	LinkID       uint8
	FeeID        uint16
	SystemID     uint8
	CruID        uint16
	EndPointID   uint8
	OrbitStep    uint32 // orbit advance per emitted RDH page
	HBFPerOrbitN int    // start a new heartbeatOrbit every N orbits (0 = each page's own orbit)
}

// DummyGenerator fills pages with synthetic payload, optionally carrying
// one RDH spanning the whole page — enough to drive the RDH pipeline and
// the dispatcher's HBF grouping in tests without any hardware behind it.
type DummyGenerator struct {
	cfg         DummyGeneratorConfig
	orbit       uint32
	pagesEmitted int
}

// NewDummyGenerator constructs a DummyGenerator from cfg.
func NewDummyGenerator(cfg DummyGeneratorConfig) *DummyGenerator {
	if cfg.PayloadSize <= 0 {
		cfg.PayloadSize = 1024
	}
	return &DummyGenerator{cfg: cfg}
}

// GetNextBlock implements Generator.
func (g *DummyGenerator) GetNextBlock(pool *pagepool.Pool) (*pagepool.Container, bool) {
	page, ok := pool.Acquire()
	if !ok {
		return nil, false
	}

	payload := page.Payload()
	size := g.cfg.PayloadSize
	if size > len(payload) {
		size = len(payload)
	}

	if g.cfg.EmitRDH && size >= rdh.Size {
		heartbeat := g.orbit
		if g.cfg.HBFPerOrbitN > 0 {
			heartbeat = g.orbit - (g.orbit % uint32(g.cfg.HBFPerOrbitN))
		}
		r := rdh.RDH{
			Version:        6,
			HeaderSize:     16,
			BlockLength:    uint16(size),
			FeeID:          g.cfg.FeeID,
			LinkID:         g.cfg.LinkID,
			CruID:          g.cfg.CruID,
			EndPointID:     g.cfg.EndPointID,
			SystemID:       g.cfg.SystemID,
			HeartbeatOrbit: heartbeat,
			TriggerOrbit:   g.orbit,
		}
		rdh.Write(payload, r)
		g.orbit += g.cfg.OrbitStep
	} else {
		for i := range payload[:size] {
			payload[i] = byte(i)
		}
	}

	var hdr pagepool.DataBlockHeader
	hdr.DataSize = uint32(size)
	hdr.HeaderSize = pagepool.HeaderSize
	hdr.MemorySize = uint32(len(page.Bytes()))
	pagepool.WriteHeader(page.Header(), &hdr)

	g.pagesEmitted++
	return page, true
}

// PrepareBlocks implements Generator: the dummy source is always ready.
func (g *DummyGenerator) PrepareBlocks() PrepareStatus { return PrepareOk }

// InitCounters implements Generator.
func (g *DummyGenerator) InitCounters() { g.orbit = 0; g.pagesEmitted = 0 }

// FinalCounters implements Generator.
func (g *DummyGenerator) FinalCounters() {}

// GetMemoryUsage implements Generator: the dummy source holds no memory
// outside the page pool.
func (g *DummyGenerator) GetMemoryUsage() uint64 { return 0 }
