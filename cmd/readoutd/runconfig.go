// ─────────────────────────────────────────────────────────────────────────────
// runconfig.go — the top-level JSON document readoutd is launched with.
//
// spec.md §6 names the recognized per-equipment and per-dispatcher
// option sets; it does not name a file format gluing several equipments
// and one dispatcher together into a single run. This document does
// that, the way the teacher's own JSON-RPC payloads (syncharvester.go)
// are a thin envelope around fields decoded by sonnet.Unmarshal: each
// equipment's own option block is kept as a raw message and handed to
// internal/config.ParseEquipmentJSON unchanged, so the recognized-option
// set stays defined in exactly one place.
// ─────────────────────────────────────────────────────────────────────────────

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sugawarayuuta/sonnet"
)

type runDocument struct {
	ManifestPath string           `json:"manifestPath"`
	RunNumber    uint64           `json:"runNumber"`
	Dispatcher   json.RawMessage  `json:"dispatcher"`
	Equipments   []equipmentEntry `json:"equipments"`
}

// equipmentEntry names one equipment's manifest key (cruId/endPointId)
// alongside its own recognized option block. Name is used only in log
// lines; equipmentId itself is resolved from the manifest, falling back
// to cruId when no manifest is configured (single-process dummy runs).
type equipmentEntry struct {
	Name       string          `json:"name"`
	CruID      uint16          `json:"cruId"`
	EndPointID uint8           `json:"endPointId"`
	Options    json.RawMessage `json:"options"`
}

func loadRunDocument(path string) (runDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return runDocument{}, fmt.Errorf("readoutd: read run document %q: %w", path, err)
	}
	var doc runDocument
	if err := sonnet.Unmarshal(data, &doc); err != nil {
		return runDocument{}, fmt.Errorf("readoutd: decode run document %q: %w", path, err)
	}
	if len(doc.Equipments) == 0 {
		return runDocument{}, fmt.Errorf("readoutd: run document %q declares no equipments", path)
	}
	return doc, nil
}
