package rdh

import "testing"

func encodeRDH(t *testing.T, r RDH) []byte {
	t.Helper()
	buf := make([]byte, Size)
	Write(buf, r)
	return buf
}

func TestParseRoundTrip(t *testing.T) {
	want := RDH{
		Version: 6, HeaderSize: 32, BlockLength: 64, FeeID: 11, LinkID: 3,
		CruID: 5, EndPointID: 1, SystemID: 2, HeartbeatOrbit: 1000,
		TriggerOrbit: 1003, OffsetNextPacket: 64,
	}
	got, err := Parse(encodeRDH(t, want))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: want %+v, got %+v", want, got)
	}
}

func TestParseRejectsShortBuffer(t *testing.T) {
	if _, err := Parse(make([]byte, Size-1)); err == nil {
		t.Fatalf("expected error on short buffer")
	}
}

func TestValidateRejectsZeroVersion(t *testing.T) {
	r := RDH{Version: 0, HeaderSize: 32, BlockLength: 64}
	if err := Validate(r, 1024); err == nil {
		t.Fatalf("expected error for zero version")
	}
}

func TestValidateRejectsImplausibleHeaderSize(t *testing.T) {
	r := RDH{Version: 6, HeaderSize: 200, BlockLength: 64}
	if err := Validate(r, 100); err == nil {
		t.Fatalf("expected error when headerSize exceeds remaining page bytes")
	}
}

func TestEquipmentIDFromCRU(t *testing.T) {
	if got := EquipmentID(RDH{CruID: 0, EndPointID: 1}); got != UndefinedEquipmentID {
		t.Fatalf("expected undefined equipment id for cru=0, got %d", got)
	}
	if got := EquipmentID(RDH{CruID: 5, EndPointID: 1}); got != 51 {
		t.Fatalf("expected 51, got %d", got)
	}
}

func TestOrbitInRangeNonWrapped(t *testing.T) {
	if !OrbitInRange(150, 100, 200) {
		t.Fatalf("expected 150 in [100,200]")
	}
	if OrbitInRange(250, 100, 200) {
		t.Fatalf("expected 250 outside [100,200]")
	}
}

func TestOrbitInRangeWrapped(t *testing.T) {
	// lo > hi signals the counter wrapped around its max value.
	const maxOrbit = ^uint32(0)
	if !OrbitInRange(maxOrbit-5, maxOrbit-10, 5) {
		t.Fatalf("expected orbit just before wrap to be in range")
	}
	if !OrbitInRange(3, maxOrbit-10, 5) {
		t.Fatalf("expected orbit just after wrap to be in range")
	}
	if OrbitInRange(maxOrbit/2, maxOrbit-10, 5) {
		t.Fatalf("expected orbit far from either wrap edge to be out of range")
	}
}

func TestWalkChainFollowsOffsetsAndStopsAtZero(t *testing.T) {
	page := make([]byte, Size*3)
	r0 := RDH{Version: 6, HeaderSize: 16, HeartbeatOrbit: 100, TriggerOrbit: 100, OffsetNextPacket: Size}
	r1 := RDH{Version: 6, HeaderSize: 16, HeartbeatOrbit: 100, TriggerOrbit: 101, OffsetNextPacket: Size}
	r2 := RDH{Version: 6, HeaderSize: 16, HeartbeatOrbit: 101, TriggerOrbit: 102, OffsetNextPacket: 0}
	copy(page[0:], encodeRDH(t, r0))
	copy(page[Size:], encodeRDH(t, r1))
	copy(page[2*Size:], encodeRDH(t, r2))

	var seen []Entry
	err := WalkChain(page, 0, func(e Entry) bool {
		seen = append(seen, e)
		return true
	})
	if err != nil {
		t.Fatalf("WalkChain: %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(seen))
	}
	if seen[2].RDH.TriggerOrbit != 102 {
		t.Fatalf("expected last entry triggerOrbit 102, got %d", seen[2].RDH.TriggerOrbit)
	}
}

func TestCheckStreamDetectsLinkIDMismatch(t *testing.T) {
	page := make([]byte, Size*2)
	r0 := RDH{Version: 6, HeaderSize: 16, LinkID: 3, TriggerOrbit: 100, OffsetNextPacket: Size}
	r1 := RDH{Version: 6, HeaderSize: 16, LinkID: 5, TriggerOrbit: 101, OffsetNextPacket: 0}
	copy(page[0:], encodeRDH(t, r0))
	copy(page[Size:], encodeRDH(t, r1))

	res, err := CheckStream(page, 0, 0, 1000)
	if err == nil {
		t.Fatalf("expected stream check error for link id mismatch")
	}
	if res.LinkIDOK {
		t.Fatalf("expected LinkIDOK=false")
	}
}

func TestCheckStreamDetectsOrbitOutOfRange(t *testing.T) {
	page := make([]byte, Size)
	r0 := RDH{Version: 6, HeaderSize: 16, LinkID: 3, TriggerOrbit: 99999, OffsetNextPacket: 0}
	copy(page[0:], encodeRDH(t, r0))

	res, err := CheckStream(page, 0, 0, 1000)
	if err == nil {
		t.Fatalf("expected stream check error for orbit out of range")
	}
	if res.OrbitRangeOK {
		t.Fatalf("expected OrbitRangeOK=false")
	}
}

func TestCheckStreamPassesCleanPage(t *testing.T) {
	page := make([]byte, Size*2)
	r0 := RDH{Version: 6, HeaderSize: 16, LinkID: 3, TriggerOrbit: 100, OffsetNextPacket: Size}
	r1 := RDH{Version: 6, HeaderSize: 16, LinkID: 3, TriggerOrbit: 101, OffsetNextPacket: 0}
	copy(page[0:], encodeRDH(t, r0))
	copy(page[Size:], encodeRDH(t, r1))

	res, err := CheckStream(page, 0, 0, 1000)
	if err != nil {
		t.Fatalf("CheckStream: %v", err)
	}
	if !res.LinkIDOK || !res.OrbitRangeOK {
		t.Fatalf("expected clean page to pass both checks")
	}
}
