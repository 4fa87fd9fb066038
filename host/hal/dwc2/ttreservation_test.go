package dwc2

import "testing"

// =============================================================================
// Claim/Release Tests
// =============================================================================

func TestTTReservation_NewIsAllFree(t *testing.T) {
	tt := newTTReservation()
	for ch := 0; ch < numChannels; ch++ {
		hub, port := tt.held(ch)
		if hub != ttFree || port != ttFree {
			t.Errorf("channel %d = (%d,%d), want (%d,%d)", ch, hub, port, ttFree, ttFree)
		}
	}
}

func TestTTReservation_ClaimBlocksSamePair(t *testing.T) {
	tt := newTTReservation()
	if !tt.tryClaim(0, 2, 1) {
		t.Fatal("first tryClaim(0, 2, 1) should succeed")
	}
	if tt.tryClaim(1, 2, 1) {
		t.Error("second tryClaim(1, 2, 1) should fail: pair already held by channel 0")
	}
	if !tt.tryClaim(2, 2, 2) {
		t.Error("tryClaim(2, 2, 2) should succeed: different port")
	}
}

func TestTTReservation_ReleaseFreesForOthers(t *testing.T) {
	tt := newTTReservation()
	tt.tryClaim(0, 2, 1)

	hub, port, held := tt.release(0)
	if !held || hub != 2 || port != 1 {
		t.Errorf("release(0) = (%d,%d,%v), want (2,1,true)", hub, port, held)
	}
	if hub2, port2 := tt.held(0); hub2 != ttFree || port2 != ttFree {
		t.Errorf("channel 0 after release = (%d,%d), want free", hub2, port2)
	}
	if !tt.tryClaim(1, 2, 1) {
		t.Error("tryClaim(1, 2, 1) should succeed after release")
	}
}

func TestTTReservation_ReleaseUnheldIsNoop(t *testing.T) {
	tt := newTTReservation()
	_, _, held := tt.release(3)
	if held {
		t.Error("release on an unheld channel should report held=false")
	}
}
