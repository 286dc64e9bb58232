package rlog

import "testing"

func TestRateLimitMutesAfterThreshold(t *testing.T) {
	ResetForTest()
	code := Code(9001)
	allowed := 0
	for i := 0; i < defaultMuteAfter+5; i++ {
		if tokenFor(code).allow() {
			allowed++
		}
	}
	if allowed != defaultMuteAfter {
		t.Fatalf("expected %d allowed, got %d", defaultMuteAfter, allowed)
	}
}

func TestDistinctCodesIndependentlyLimited(t *testing.T) {
	ResetForTest()
	a, b := Code(1), Code(2)
	for i := 0; i < defaultMuteAfter; i++ {
		if !tokenFor(a).allow() {
			t.Fatalf("code a muted too early at %d", i)
		}
	}
	if !tokenFor(b).allow() {
		t.Fatalf("distinct code should not be muted by a's history")
	}
}

func TestLogDoesNotPanic(t *testing.T) {
	ResetForTest()
	Log(Info, Code(1), "loop %d", 5)
	Log(Warning, Code(2), "no free page in pool %s", "bank0")
	Log(Error, Code(3), "send failed")
	Logf(Error, "fatal: %v", "bad config")
}
