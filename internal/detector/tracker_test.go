package detector

import (
	"math"
	"testing"

	"github.com/braianuc/p3facereco/internal/types"
)

func box(cx, cy, size float32) types.DetectorBox {
	return types.DetectorBox{CenterX: cx, CenterY: cy, Width: size, Height: size}
}

func TestIoU(t *testing.T) {
	tests := []struct {
		name string
		a, b types.DetectorBox
		want float64
	}{
		{"Identical", box(10, 10, 4), box(10, 10, 4), 1},
		{"Disjoint", box(0, 0, 2), box(10, 10, 2), 0},
		{"Half overlap", box(0, 0, 2), box(1, 0, 2), 1.0 / 3.0},
		{"Zero area", box(0, 0, 0), box(0, 0, 0), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IoU(tt.a, tt.b); math.Abs(float64(got)-tt.want) > 1e-6 {
				t.Errorf("Expected %f, got %f", tt.want, got)
			}
		})
	}
}

func TestTracker_StableIDs(t *testing.T) {
	tr, err := NewTracker(0.3, 2, 16)
	if err != nil {
		t.Fatal(err)
	}

	first := tr.Assign([]types.DetectorBox{box(100, 100, 50), box(300, 100, 50)})
	if first[0].TrackingID == first[1].TrackingID {
		t.Fatalf("Two faces got the same id %d", first[0].TrackingID)
	}

	// Both faces move slightly and come back in reverse order.
	second := tr.Assign([]types.DetectorBox{box(305, 102, 50), box(104, 98, 50)})
	if second[0].TrackingID != first[1].TrackingID || second[1].TrackingID != first[0].TrackingID {
		t.Errorf("Ids not carried over: first %+v, second %+v", first, second)
	}
	if second[0].Box.CenterX != 305 {
		t.Errorf("Expected records to carry the new box, got %+v", second[0].Box)
	}
}

func TestTracker_NewFaceGetsNewID(t *testing.T) {
	tr, _ := NewTracker(0.3, 2, 16)
	a := tr.Assign([]types.DetectorBox{box(100, 100, 50)})
	b := tr.Assign([]types.DetectorBox{box(100, 100, 50), box(400, 400, 50)})

	if b[0].TrackingID != a[0].TrackingID {
		t.Errorf("Expected existing face to keep id %d, got %d", a[0].TrackingID, b[0].TrackingID)
	}
	if b[1].TrackingID == a[0].TrackingID {
		t.Error("New face reused an existing id")
	}
}

func TestTracker_Expiry(t *testing.T) {
	tr, _ := NewTracker(0.3, 2, 16)
	id := tr.Assign([]types.DetectorBox{box(100, 100, 50)})[0].TrackingID

	// Missing for two frames is tolerated.
	tr.Assign(nil)
	tr.Assign(nil)
	if got := tr.Assign([]types.DetectorBox{box(100, 100, 50)})[0].TrackingID; got != id {
		t.Fatalf("Expected id %d to survive two missed frames, got %d", id, got)
	}

	// Three missed frames expire the track.
	tr.Assign(nil)
	tr.Assign(nil)
	tr.Assign(nil)
	if got := tr.Assign([]types.DetectorBox{box(100, 100, 50)})[0].TrackingID; got == id {
		t.Errorf("Expected track %d to expire", id)
	}
}

func TestTracker_MemoryBound(t *testing.T) {
	tr, _ := NewTracker(0.3, 100, 2)
	tr.Assign([]types.DetectorBox{box(0, 0, 10), box(100, 0, 10), box(200, 0, 10)})
	if tr.Len() != 2 {
		t.Errorf("Expected LRU to cap tracks at 2, got %d", tr.Len())
	}
}

func TestNewTracker_Invalid(t *testing.T) {
	if _, err := NewTracker(0, 1, 4); err == nil {
		t.Error("Expected error for zero threshold")
	}
	if _, err := NewTracker(0.5, -1, 4); err == nil {
		t.Error("Expected error for negative maxMissed")
	}
	if _, err := NewTracker(0.5, 1, 0); err == nil {
		t.Error("Expected error for zero memory")
	}
}
