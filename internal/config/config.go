// ─────────────────────────────────────────────────────────────────────────────
// [Package]: config — per-equipment and per-dispatcher JSON configuration
//
// Purpose:
//   - Decodes the recognized options of spec.md §6 from JSON blocks, using
//     the same sonnet.Unmarshal entry point the teacher uses for its
//     JSON-RPC payload decoding — faster encoding/json drop-in, same API.
//   - Parses byte-size tunables carrying a k/M/G/T/P suffix the way
//     original_source/src/ReadoutUtils.cxx's getNumberOfBytesFromString
//     does: decimal mantissa times 1024^n, not 1000^n.
//
// Config errors are construction-time and fatal (§7): every parse
// function here returns an error rather than guessing a default for a
// malformed value.
// ─────────────────────────────────────────────────────────────────────────────

package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sugawarayuuta/sonnet"
)

// Equipment holds the recognized per-equipment configuration options
// (§6). JSON field names follow the teacher's own lower-camel-case
// convention for struct tags.
type Equipment struct {
	Rate          float64 `json:"rate"`
	IdleSleepTime int     `json:"idleSleepTime"`
	OutputFifoSize int    `json:"outputFifoSize"`

	MemoryBankName          string `json:"memoryBankName"`
	MemoryPoolPageSize      string `json:"memoryPoolPageSize"`
	MemoryPoolNumberOfPages int    `json:"memoryPoolNumberOfPages"`

	DisableOutput   bool   `json:"disableOutput"`
	FirstPageOffset string `json:"firstPageOffset"`
	BlockAlign      string `json:"blockAlign"`

	RdhCheckEnabled          bool `json:"rdhCheckEnabled"`
	RdhDumpEnabled           bool `json:"rdhDumpEnabled"`
	RdhUseFirstInPageEnabled bool `json:"rdhUseFirstInPageEnabled"`
	TFperiod                 int  `json:"TFperiod"`

	StopOnError             bool `json:"stopOnError"`
	DebugFirstPages         int  `json:"debugFirstPages"`
	ConsoleStatsUpdateTime  int  `json:"consoleStatsUpdateTime"`

	// PlayerFile names a recorded-data file for the PlayerFromFile
	// equipment variant (§9 polymorphism over equipments); empty for
	// DummyGenerator.
	PlayerFile string `json:"playerFile"`
}

// Resolved is Equipment with its string byte-size fields parsed into
// plain ints, and defaults applied (§6 defaults: blockAlign 2M,
// TFperiod 256 orbits, outputFifoSize -1 meaning pool size).
type Resolved struct {
	Rate                    float64
	IdleSleepTime           int
	OutputFifoSize          int
	MemoryBankName          string
	MemoryPoolPageSize      int
	MemoryPoolNumberOfPages int
	DisableOutput           bool
	FirstPageOffset         int
	BlockAlign              int
	RdhCheckEnabled         bool
	RdhDumpEnabled          bool
	RdhUseFirstInPageEnabled bool
	TFperiod                int
	StopOnError             bool
	DebugFirstPages         int
	ConsoleStatsUpdateTime  int
	PlayerFile              string
}

// DefaultBlockAlign and DefaultTFPeriod are the §6 defaults.
const (
	DefaultBlockAlign = 2 * 1024 * 1024
	DefaultTFPeriod   = 256
)

// ParseEquipmentJSON decodes one equipment's JSON config block and
// resolves its byte-size fields.
func ParseEquipmentJSON(data []byte) (Resolved, error) {
	var e Equipment
	if err := sonnet.Unmarshal(data, &e); err != nil {
		return Resolved{}, fmt.Errorf("config: decode equipment json: %w", err)
	}
	return resolveEquipment(e)
}

func resolveEquipment(e Equipment) (Resolved, error) {
	r := Resolved{
		Rate:                     e.Rate,
		IdleSleepTime:            e.IdleSleepTime,
		OutputFifoSize:           e.OutputFifoSize,
		MemoryBankName:           e.MemoryBankName,
		MemoryPoolNumberOfPages:  e.MemoryPoolNumberOfPages,
		DisableOutput:            e.DisableOutput,
		RdhCheckEnabled:          e.RdhCheckEnabled,
		RdhDumpEnabled:           e.RdhDumpEnabled,
		RdhUseFirstInPageEnabled: e.RdhUseFirstInPageEnabled,
		TFperiod:                 e.TFperiod,
		StopOnError:              e.StopOnError,
		DebugFirstPages:          e.DebugFirstPages,
		ConsoleStatsUpdateTime:   e.ConsoleStatsUpdateTime,
		PlayerFile:               e.PlayerFile,
		BlockAlign:               DefaultBlockAlign,
	}
	if r.TFperiod == 0 {
		r.TFperiod = DefaultTFPeriod
	}
	if r.OutputFifoSize == 0 {
		r.OutputFifoSize = -1
	}

	var err error
	if r.MemoryPoolPageSize, err = parseSizeOrDefault(e.MemoryPoolPageSize, 0); err != nil {
		return Resolved{}, fmt.Errorf("config: memoryPoolPageSize: %w", err)
	}
	if r.FirstPageOffset, err = parseSizeOrDefault(e.FirstPageOffset, 0); err != nil {
		return Resolved{}, fmt.Errorf("config: firstPageOffset: %w", err)
	}
	if e.BlockAlign != "" {
		if r.BlockAlign, err = parseSizeOrDefault(e.BlockAlign, DefaultBlockAlign); err != nil {
			return Resolved{}, fmt.Errorf("config: blockAlign: %w", err)
		}
	}
	return r, nil
}

// Dispatcher holds the recognized dispatcher configuration options (§6).
type Dispatcher struct {
	EnableRawFormat     int    `json:"enableRawFormat"`
	EnablePackedCopy    bool   `json:"enablePackedCopy"`
	Threads             int    `json:"threads"`
	UnmanagedMemorySize string `json:"unmanagedMemorySize"`
	CheckResources      string `json:"checkResources"`
	SessionName         string `json:"sessionName"`

	// DisableSending mirrors ConsumerFMQchannel.cxx's dispatcher-level
	// throughput-without-network knob (SPEC_FULL.md's supplemented
	// "disableSending" option, dropped from the distilled §6 list):
	// format the full STF/HBF message as usual but skip transport.Send.
	DisableSending bool `json:"disableSending"`
}

// ResolvedDispatcher is Dispatcher with byte-size fields parsed.
type ResolvedDispatcher struct {
	EnableRawFormat     int
	EnablePackedCopy    bool
	Threads             int
	UnmanagedMemorySize int
	CheckResources      []string
	SessionName         string
	DisableSending      bool
}

// ParseDispatcherJSON decodes one dispatcher's JSON config block.
func ParseDispatcherJSON(data []byte) (ResolvedDispatcher, error) {
	var d Dispatcher
	if err := sonnet.Unmarshal(data, &d); err != nil {
		return ResolvedDispatcher{}, fmt.Errorf("config: decode dispatcher json: %w", err)
	}
	size, err := parseSizeOrDefault(d.UnmanagedMemorySize, 0)
	if err != nil {
		return ResolvedDispatcher{}, fmt.Errorf("config: unmanagedMemorySize: %w", err)
	}
	var resources []string
	for _, tok := range strings.Split(d.CheckResources, ",") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			resources = append(resources, tok)
		}
	}
	return ResolvedDispatcher{
		EnableRawFormat:     d.EnableRawFormat,
		EnablePackedCopy:    d.EnablePackedCopy,
		Threads:             d.Threads,
		UnmanagedMemorySize: size,
		CheckResources:      resources,
		SessionName:         d.SessionName,
		DisableSending:      d.DisableSending,
	}, nil
}

func parseSizeOrDefault(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := ParseByteSize(s)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ParseByteSize parses a byte-size string with an optional k/M/G/T/P
// suffix, base 1024, e.g. "1.5M" → 1572864. Mirrors
// ReadoutUtils::getNumberOfBytesFromString: the mantissa may be
// fractional, the suffix is a single trailing letter, and an unsuffixed
// numeric string is taken as a plain byte count.
func ParseByteSize(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("config: empty byte-size string")
	}

	suffix := s[len(s)-1]
	mantissa := s
	multiplier := int64(1)
	switch suffix {
	case 'k':
		multiplier = 1024
		mantissa = s[:len(s)-1]
	case 'M':
		multiplier = 1024 * 1024
		mantissa = s[:len(s)-1]
	case 'G':
		multiplier = 1024 * 1024 * 1024
		mantissa = s[:len(s)-1]
	case 'T':
		multiplier = 1024 * 1024 * 1024 * 1024
		mantissa = s[:len(s)-1]
	case 'P':
		multiplier = 1024 * 1024 * 1024 * 1024 * 1024
		mantissa = s[:len(s)-1]
	}

	v, err := strconv.ParseFloat(mantissa, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid byte-size %q: %w", s, err)
	}
	return int(v * float64(multiplier)), nil
}
