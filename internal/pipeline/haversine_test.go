package pipeline

import (
	"math"
	"testing"
)

func TestHaversineKmKnownDistance(t *testing.T) {
	// roughly the straight-line distance from London to Paris, ~344km
	got := HaversineKm(51.5074, -0.1278, 48.8566, 2.3522)
	if math.Abs(got-344) > 5 {
		t.Errorf("HaversineKm(London, Paris) = %.1fkm, want ~344km", got)
	}
}

func TestHaversineKmZeroForSamePoint(t *testing.T) {
	if got := HaversineKm(10, 20, 10, 20); got != 0 {
		t.Errorf("HaversineKm for identical points = %v, want 0", got)
	}
}

func TestAccumulateOdometerDiscardsImplausibleJump(t *testing.T) {
	// 600km in 60 seconds is not a real vehicle move
	got := accumulateOdometer(0, 0, 1000, 5, 5, 1060)
	if got != 0 {
		t.Errorf("expected an implausible jump to be discarded, got %.1fkm", got)
	}
}

func TestAccumulateOdometerKeepsPlausibleMove(t *testing.T) {
	// ~1.1km over 60 seconds, a perfectly normal driving speed
	got := accumulateOdometer(0, 0, 1000, 0.01, 0, 1060)
	if got <= 0 || got > 2 {
		t.Errorf("expected a small plausible distance, got %.3fkm", got)
	}
}

func TestAccumulateOdometerKeepsLargeJumpOverLongElapsed(t *testing.T) {
	// same 600km jump, but over 2 hours — plausible for a long highway drive,
	// so the glitch guard (which only looks at short windows) must not discard it
	got := accumulateOdometer(0, 0, 1000, 5, 5, 1000+2*3600)
	if got < 500 {
		t.Errorf("expected a long-elapsed large distance to be kept, got %.1fkm", got)
	}
}
