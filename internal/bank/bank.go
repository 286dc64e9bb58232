// ─────────────────────────────────────────────────────────────────────────────
// [Package]: bank — memory banks and the bank manager (spec.md §4.1, §3)
//
// Purpose:
//   - A Bank owns (or references) one contiguous byte range, "possibly
//     externally supplied, e.g. from shared-memory transport" (§3).
//   - The Manager is the registry of named banks that hands out aligned
//     sub-ranges to pool requests (§4.1), carving slices that never
//     overlap and that must remain valid for as long as any pool derived
//     from them is alive.
//
// Grounded on PooledQuantumQueue's external-memory-handle design: a
// consumer of shared memory never owns the bytes it indexes, only tracks
// offsets into it. Here the "shared memory" is modeled as a plain []byte
// (for a process-local bank) or a slice aliasing into a byte range handed
// to us by a transport region — callers own the aliasing decision by
// constructing a Bank from whatever byte slice they already have.
// ─────────────────────────────────────────────────────────────────────────────

package bank

import (
	"fmt"
	"sync"

	"github.com/cern-alice/readoutcore/internal/pagepool"
	"github.com/cern-alice/readoutcore/internal/rlog"
)

// logCode* are the stable numeric codes used by this package's rate
// limited warnings (§7).
const (
	logCodeDupBank rlog.Code = 1001
	logCodeNoRoom  rlog.Code = 1002
)

// Bank owns a contiguous byte range. Owned is false when the bank wraps
// memory supplied by an external transport (§3: "Banks supplied by the
// external transport have owner = nullptr (not freed by the pool
// layer)") — such banks are never reallocated or zeroed by this package,
// only sliced.
type Bank struct {
	Name  string
	Bytes []byte
	// Owned is true when this package allocated Bytes itself (via
	// NewOwnedBank) and may therefore be safely discarded; it is false
	// for banks wrapping externally-supplied memory.
	Owned bool

	mu     sync.Mutex
	cursor int // next free byte offset, monotonically increasing
}

// NewOwnedBank allocates size bytes for a process-local bank. Used by
// tests and by configurations that don't have a real shared-memory
// transport region to alias.
func NewOwnedBank(name string, size int) *Bank {
	return &Bank{Name: name, Bytes: make([]byte, size), Owned: true}
}

// NewExternalBank wraps memory the caller already owns (e.g. a
// transport's pre-registered unmanaged region). The bank never frees it.
func NewExternalBank(name string, mem []byte) *Bank {
	return &Bank{Name: name, Bytes: mem, Owned: false}
}

// reserve carves the next blockAlign-aligned, firstPageOffset-shifted
// range of size bytes from the bank's remaining free space. Returns the
// byte slice and true on success.
func (b *Bank) reserve(size, firstPageOffset, blockAlign int) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if blockAlign <= 0 {
		blockAlign = 1
	}
	aligned := alignUp(b.cursor, blockAlign)
	start := aligned + firstPageOffset
	end := start + size
	if end > len(b.Bytes) {
		return nil, false
	}
	b.cursor = end
	return b.Bytes[start:end], true
}

func alignUp(v, align int) int {
	if align <= 1 {
		return v
	}
	rem := v % align
	if rem == 0 {
		return v
	}
	return v + (align - rem)
}

// FreeBytes reports how much unreserved space remains, ignoring
// alignment — used only for diagnostics, never for a reservation
// decision (which must redo the alignment math itself).
func (b *Bank) FreeBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Bytes) - b.cursor
}

// Manager is the registry of named banks (§4.1). One Manager is shared
// process-wide; equipments and the dispatcher all resolve pools through
// it by bank name.
type Manager struct {
	mu    sync.Mutex
	banks map[string]*Bank
	order []string // registration order, for "pick the first bank with room"
}

// NewManager constructs an empty bank registry.
func NewManager() *Manager {
	return &Manager{banks: map[string]*Bank{}}
}

// AddBank registers a named bank. Duplicate names fail, per §4.1.
func (m *Manager) AddBank(b *Bank) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.banks[b.Name]; exists {
		rlog.Log(rlog.Error, logCodeDupBank, "bank %q already registered", b.Name)
		return fmt.Errorf("bank: duplicate bank name %q", b.Name)
	}
	m.banks[b.Name] = b
	m.order = append(m.order, b.Name)
	return nil
}

// Reservation describes a slice of a bank handed out to a pool request.
// PagedPool construction consumes this to learn its backing bytes.
type Reservation struct {
	BankName string
	Bytes    []byte
}

// Reserve carves a block-aligned slice of size bytes from bankName (or,
// if bankName is empty, the first registered bank with room — §4.1). The
// returned Reservation's Bytes covers exactly [firstPageOffset, firstPageOffset+size)
// relative to the block-aligned start; callers are expected to then lay
// out page_count pages of page_size bytes starting at Bytes[0].
func (m *Manager) Reserve(size, firstPageOffset, blockAlign int, bankName string) (Reservation, error) {
	m.mu.Lock()
	candidates := m.order
	if bankName != "" {
		candidates = []string{bankName}
	}
	banks := make([]*Bank, 0, len(candidates))
	for _, n := range candidates {
		if b, ok := m.banks[n]; ok {
			banks = append(banks, b)
		}
	}
	m.mu.Unlock()

	if bankName != "" && len(banks) == 0 {
		return Reservation{}, fmt.Errorf("bank: unknown bank %q", bankName)
	}

	for _, b := range banks {
		if slice, ok := b.reserve(size, firstPageOffset, blockAlign); ok {
			return Reservation{BankName: b.Name, Bytes: slice}, nil
		}
	}
	rlog.Log(rlog.Warning, logCodeNoRoom, "no bank with %d bytes free (requested bank=%q)", size, bankName)
	return Reservation{}, fmt.Errorf("bank: no bank with %d contiguous bytes free", size)
}

// GetPagedPool carves pageSize*pageCount bytes out of bankName (or, if
// empty, the first bank with room), aligned to blockAlign with
// firstPageOffset bytes reserved before the first usable page, and
// constructs a pagepool.Pool over it (§4.1). The returned pool remains
// valid only as long as the bank it was carved from stays alive — per
// the §5 lifetime rule, callers must not destroy a bank while any pool
// sliced from it is still in use.
func (m *Manager) GetPagedPool(pageSize, pageCount int, bankName string, firstPageOffset, blockAlign int) (*pagepool.Pool, error) {
	res, err := m.Reserve(pageSize*pageCount, firstPageOffset, blockAlign, bankName)
	if err != nil {
		return nil, err
	}
	return pagepool.New(res.Bytes, pageSize, pageCount)
}

// Bank returns the named bank, or nil if unregistered. Used by callers
// that need FreeBytes() for diagnostics/checkResources-style checks.
func (m *Manager) Bank(name string) *Bank {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.banks[name]
}

// Names returns the registered bank names, in registration order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}
