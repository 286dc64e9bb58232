package equipment

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cern-alice/readoutcore/internal/pagepool"
)

// PlayerFromFile replays a flat recording of fixed-size page payloads
// from disk — the PlayerFromFile equipment variant named alongside
// DummyGenerator in §9's polymorphism note. The recording format is a
// simple concatenation of payload-sized chunks, one per page, with no
// framing: readoutcore owns both ends (there is no wire format to match
// here, unlike RDH or the STF header), so the layout is whatever makes
// GetNextBlock a single bounded os.File.Read.
type PlayerFromFile struct {
	f           *os.File
	payloadSize int
	loop        bool
	eof         bool
}

// OpenPlayerFromFile opens path for replay. payloadSize must match the
// pool's page payload size the caller will acquire pages from. When loop
// is true, reaching EOF rewinds to the start instead of exhausting the
// generator.
func OpenPlayerFromFile(path string, payloadSize int, loop bool) (*PlayerFromFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("equipment: open player file %q: %w", path, err)
	}
	return &PlayerFromFile{f: f, payloadSize: payloadSize, loop: loop}, nil
}

// Close releases the underlying file handle.
func (p *PlayerFromFile) Close() error { return p.f.Close() }

// GetNextBlock implements Generator.
func (p *PlayerFromFile) GetNextBlock(pool *pagepool.Pool) (*pagepool.Container, bool) {
	if p.eof {
		return nil, false
	}

	page, ok := pool.Acquire()
	if !ok {
		return nil, false
	}

	payload := page.Payload()
	size := p.payloadSize
	if size > len(payload) {
		size = len(payload)
	}

	n, err := io.ReadFull(p.f, payload[:size])
	if err != nil {
		page.Release()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if p.loop {
				if _, serr := p.f.Seek(0, io.SeekStart); serr == nil {
					return p.GetNextBlock(pool)
				}
			}
			p.eof = true
			return nil, false
		}
		p.eof = true
		return nil, false
	}

	var hdr pagepool.DataBlockHeader
	hdr.DataSize = uint32(n)
	hdr.HeaderSize = pagepool.HeaderSize
	hdr.MemorySize = uint32(len(page.Bytes()))
	pagepool.WriteHeader(page.Header(), &hdr)

	return page, true
}

// PrepareBlocks implements Generator: reads happen synchronously inside
// GetNextBlock, so there is nothing to prefetch here.
func (p *PlayerFromFile) PrepareBlocks() PrepareStatus {
	if p.eof {
		return PrepareIdle
	}
	return PrepareOk
}

// InitCounters implements Generator.
func (p *PlayerFromFile) InitCounters() {}

// FinalCounters implements Generator.
func (p *PlayerFromFile) FinalCounters() {}

// GetMemoryUsage implements Generator: PlayerFromFile holds no buffers
// beyond the OS file descriptor.
func (p *PlayerFromFile) GetMemoryUsage() uint64 { return 0 }
