// ─────────────────────────────────────────────────────────────────────────────
// bootstrap.go — Phase 0/1 wiring: run document → banks → pools →
// equipments (spec.md §4.1-§4.3).
// ─────────────────────────────────────────────────────────────────────────────

package main

import (
	"fmt"

	"github.com/cern-alice/readoutcore/internal/bank"
	"github.com/cern-alice/readoutcore/internal/config"
	"github.com/cern-alice/readoutcore/internal/equipment"
	"github.com/cern-alice/readoutcore/internal/manifest"
	"github.com/cern-alice/readoutcore/internal/pagepool"
	"github.com/cern-alice/readoutcore/internal/rlog"
)

const logCodeManifestMiss rlog.Code = 6001

// runtimeEquipment pairs a constructed equipment.Equipment with the
// handles main needs to pin its readout thread and close its generator
// on shutdown.
type runtimeEquipment struct {
	name   string
	eq     *equipment.Equipment
	player *equipment.PlayerFromFile
	core   int
}

// bootstrapEquipments resolves every entry in doc against mf (which may
// be nil, meaning no manifest was configured and cruId is used directly
// as the equipment id), registers one bank per equipment in banks, and
// constructs the equipment pipeline for each.
func bootstrapEquipments(doc runDocument, mf *manifest.Manifest, banks *bank.Manager) ([]*runtimeEquipment, error) {
	out := make([]*runtimeEquipment, 0, len(doc.Equipments))
	for i, ent := range doc.Equipments {
		re, err := bootstrapOneEquipment(doc, ent, mf, banks, i)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

func bootstrapOneEquipment(doc runDocument, ent equipmentEntry, mf *manifest.Manifest, banks *bank.Manager, core int) (*runtimeEquipment, error) {
	resolved, err := config.ParseEquipmentJSON(ent.Options)
	if err != nil {
		return nil, fmt.Errorf("readoutd: equipment %q: %w", ent.Name, err)
	}

	equipmentID := ent.CruID
	bankName := resolved.MemoryBankName
	if mf != nil {
		entry, lerr := mf.Lookup(ent.CruID, uint16(ent.EndPointID))
		if lerr != nil {
			rlog.Log(rlog.Warning, logCodeManifestMiss,
				"equipment %q: manifest lookup cru=%d endpoint=%d failed, using config defaults: %v",
				ent.Name, ent.CruID, ent.EndPointID, lerr)
		} else {
			equipmentID = entry.EquipmentID
			if bankName == "" {
				bankName = entry.BankName
			}
		}
	}
	if bankName == "" {
		bankName = ent.Name
	}

	if resolved.MemoryPoolPageSize == 0 || resolved.MemoryPoolNumberOfPages == 0 {
		return nil, fmt.Errorf("readoutd: equipment %q: memoryPoolPageSize and memoryPoolNumberOfPages are required", ent.Name)
	}

	if banks.Bank(bankName) == nil {
		size := resolved.MemoryPoolPageSize*resolved.MemoryPoolNumberOfPages + resolved.FirstPageOffset + resolved.BlockAlign
		if err := banks.AddBank(bank.NewOwnedBank(bankName, size)); err != nil {
			return nil, fmt.Errorf("readoutd: equipment %q: %w", ent.Name, err)
		}
	}

	pool, err := banks.GetPagedPool(resolved.MemoryPoolPageSize, resolved.MemoryPoolNumberOfPages, bankName, resolved.FirstPageOffset, resolved.BlockAlign)
	if err != nil {
		return nil, fmt.Errorf("readoutd: equipment %q: %w", ent.Name, err)
	}

	payloadSize := resolved.MemoryPoolPageSize - pagepool.HeaderSize

	var gen equipment.Generator
	var player *equipment.PlayerFromFile
	if resolved.PlayerFile != "" {
		player, err = equipment.OpenPlayerFromFile(resolved.PlayerFile, payloadSize, true)
		if err != nil {
			return nil, fmt.Errorf("readoutd: equipment %q: %w", ent.Name, err)
		}
		gen = player
	} else {
		gen = equipment.NewDummyGenerator(equipment.DummyGeneratorConfig{
			PayloadSize:  payloadSize,
			EmitRDH:      true,
			LinkID:       ent.EndPointID,
			CruID:        ent.CruID,
			EndPointID:   ent.EndPointID,
			OrbitStep:    1,
			HBFPerOrbitN: 4,
		})
	}

	tf := equipment.NewRDHDerivedTFIdentifier(uint32(resolved.TFperiod))

	fifoSize := resolved.OutputFifoSize
	if fifoSize < 0 {
		fifoSize = resolved.MemoryPoolNumberOfPages
	}

	cfg := equipment.Config{
		Name:            ent.Name,
		EquipmentID:     equipmentID,
		Rate:            resolved.Rate,
		DisableOutput:   resolved.DisableOutput,
		RunNumber:       doc.RunNumber,
		UseRDH:          true,
		RdhCheckEnabled: resolved.RdhCheckEnabled,
		TFPeriod:        uint32(resolved.TFperiod),
		StopOnError:     resolved.StopOnError,
		DebugFirstPages: resolved.DebugFirstPages,
	}

	eq := equipment.New(cfg, pool, fifoSize, gen, tf)
	return &runtimeEquipment{name: ent.Name, eq: eq, player: player, core: core}, nil
}
