package dispatcher

import "testing"

func TestSTFHeaderRoundTrip(t *testing.T) {
	want := STFHeader{
		TimeframeID:   123456789,
		RunNumber:     555555,
		SystemID:      1,
		LinkID:        3,
		FeeID:         11,
		EquipmentID:   7,
		TfOrbitFirst:  1000,
		TfOrbitLast:   1255,
		IsRdhFormat:   true,
		LastTFMessage: true,
	}

	buf := make([]byte, StfHeaderSize)
	WriteSTFHeader(buf, want)

	got, err := ParseSTFHeader(buf)
	if err != nil {
		t.Fatalf("ParseSTFHeader: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestSTFHeaderReservedBytesAreZero(t *testing.T) {
	buf := make([]byte, StfHeaderSize)
	for i := range buf {
		buf[i] = 0xFF
	}
	WriteSTFHeader(buf, STFHeader{})
	for i := 32; i < StfHeaderSize; i++ {
		if buf[i] != 0 {
			t.Fatalf("expected reserved byte %d to be zeroed, got %#x", i, buf[i])
		}
	}
}

func TestParseSTFHeaderRejectsShortBuffer(t *testing.T) {
	if _, err := ParseSTFHeader(make([]byte, StfHeaderSize-1)); err == nil {
		t.Fatalf("expected error on undersized buffer")
	}
}
