package detector

import (
	"fmt"
	"slices"

	"github.com/braianuc/p3facereco/internal/types"
	lru "github.com/hashicorp/golang-lru/v2"
)

type track struct {
	id       int
	box      types.DetectorBox
	lastSeen uint64
}

// Tracker hands out tracking ids by matching each frame's boxes to recently
// seen tracks by IoU. Tracks unseen for more than maxMissed frames expire; the
// LRU bounds how many tracks are remembered at all. Not safe for concurrent use.
type Tracker struct {
	threshold float32
	maxMissed uint64
	frame     uint64
	nextID    int
	tracks    *lru.Cache[int, *track]
}

// NewTracker creates a tracker remembering at most memory tracks.
func NewTracker(iouThreshold float32, maxMissed, memory int) (*Tracker, error) {
	if iouThreshold <= 0 || iouThreshold > 1 {
		return nil, fmt.Errorf("iou threshold must be in (0, 1], got %f", iouThreshold)
	}
	if maxMissed < 0 {
		return nil, fmt.Errorf("invalid maxMissed %d", maxMissed)
	}
	cache, err := lru.New[int, *track](memory)
	if err != nil {
		return nil, fmt.Errorf("track memory: %w", err)
	}
	return &Tracker{threshold: iouThreshold, maxMissed: uint64(maxMissed), tracks: cache}, nil
}

// IoU is the intersection over union of two centre/size boxes.
func IoU(a, b types.DetectorBox) float32 {
	ax0, ay0, ax1, ay1 := a.CenterX-a.Width/2, a.CenterY-a.Height/2, a.CenterX+a.Width/2, a.CenterY+a.Height/2
	bx0, by0, bx1, by1 := b.CenterX-b.Width/2, b.CenterY-b.Height/2, b.CenterX+b.Width/2, b.CenterY+b.Height/2

	iw := min(ax1, bx1) - max(ax0, bx0)
	ih := min(ay1, by1) - max(ay0, by0)
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := a.Width*a.Height + b.Width*b.Height - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

type pair struct {
	trackID int
	box     int
	iou     float32
}

// Assign advances one frame and returns a record per box, in input order.
func (t *Tracker) Assign(boxes []types.DetectorBox) []types.FaceRecord {
	t.frame++

	var live []*track
	for _, id := range t.tracks.Keys() {
		tr, ok := t.tracks.Peek(id)
		if !ok {
			continue
		}
		if t.frame-tr.lastSeen > t.maxMissed+1 {
			t.tracks.Remove(id)
			continue
		}
		live = append(live, tr)
	}

	var pairs []pair
	for _, tr := range live {
		for i, b := range boxes {
			if v := IoU(tr.box, b); v >= t.threshold {
				pairs = append(pairs, pair{trackID: tr.id, box: i, iou: v})
			}
		}
	}
	// Greedy: best overlap first, ties resolved by older track then earlier box.
	slices.SortFunc(pairs, func(x, y pair) int {
		switch {
		case x.iou > y.iou:
			return -1
		case x.iou < y.iou:
			return 1
		case x.trackID != y.trackID:
			return x.trackID - y.trackID
		default:
			return x.box - y.box
		}
	})

	out := make([]types.FaceRecord, len(boxes))
	assigned := make([]bool, len(boxes))
	used := make(map[int]bool, len(pairs))
	for _, p := range pairs {
		if assigned[p.box] || used[p.trackID] {
			continue
		}
		assigned[p.box] = true
		used[p.trackID] = true
		tr, _ := t.tracks.Get(p.trackID)
		tr.box = boxes[p.box]
		tr.lastSeen = t.frame
		out[p.box] = types.FaceRecord{Box: boxes[p.box], TrackingID: p.trackID}
	}

	for i, b := range boxes {
		if assigned[i] {
			continue
		}
		id := t.nextID
		t.nextID++
		t.tracks.Add(id, &track{id: id, box: b, lastSeen: t.frame})
		out[i] = types.FaceRecord{Box: b, TrackingID: id}
	}
	return out
}

// Len is the number of remembered tracks.
func (t *Tracker) Len() int { return t.tracks.Len() }
