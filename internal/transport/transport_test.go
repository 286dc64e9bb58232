package transport

import "testing"

func TestLoopbackReleasesEveryPartOnSend(t *testing.T) {
	lb := NewLoopback()
	var released int
	msg := Message{
		{Bytes: []byte("header"), Release: func() { released++ }},
		{Bytes: []byte("body"), Release: func() { released++ }},
	}

	n, err := lb.Send(msg)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n != len("header")+len("body") {
		t.Fatalf("expected byte count to sum parts, got %d", n)
	}
	if released != 2 {
		t.Fatalf("expected both parts released, got %d", released)
	}
	if len(lb.Sent()) != 1 {
		t.Fatalf("expected one recorded message, got %d", len(lb.Sent()))
	}
}

func TestLoopbackToleratesNilRelease(t *testing.T) {
	lb := NewLoopback()
	if _, err := lb.Send(Message{{Bytes: []byte("x")}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestFailingSenderStillReleasesParts(t *testing.T) {
	var released bool
	fs := FailingSender{}
	_, err := fs.Send(Message{{Bytes: []byte("x"), Release: func() { released = true }}})
	if err == nil {
		t.Fatalf("expected FailingSender.Send to return an error")
	}
	if !released {
		t.Fatalf("expected part to be released even on send failure")
	}
}

func TestCheckResourcesMeminfoKey(t *testing.T) {
	if err := CheckResources([]string{"MemTotal"}, 1); err != nil {
		t.Fatalf("expected MemTotal to report nonzero free space: %v", err)
	}
}

func TestCheckResourcesRejectsImpossibleRequirement(t *testing.T) {
	err := CheckResources([]string{"MemTotal"}, 1<<62)
	if err == nil {
		t.Fatalf("expected an absurdly large requirement to fail the check")
	}
}

func TestCheckResourcesFilesystemPath(t *testing.T) {
	if err := CheckResources([]string{"/tmp"}, 1); err != nil {
		t.Fatalf("expected /tmp to have at least 1 byte free: %v", err)
	}
}

func TestCheckResourcesUnknownMeminfoKeyErrors(t *testing.T) {
	if err := CheckResources([]string{"ThisKeyDoesNotExist"}, 1); err == nil {
		t.Fatalf("expected unknown meminfo key to error")
	}
}
