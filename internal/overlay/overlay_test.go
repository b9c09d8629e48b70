package overlay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/braianuc/p3facereco/internal/geometry"
	"github.com/braianuc/p3facereco/internal/types"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

func TestTransform(t *testing.T) {
	tests := []struct {
		name           string
		view           *Transform
		meta           types.FrameMetadata
		x, y           float32
		wantTX, wantTY float32
		wantSX, wantSY float32
	}{
		{
			name: "Same size, back camera is identity",
			view: NewTransform(640, 480),
			meta: types.FrameMetadata{Width: 640, Height: 480},
			x:    100,
			y:    50,
			wantTX: 100, wantTY: 50, wantSX: 100, wantSY: 50,
		},
		{
			name: "Zero view size follows the preview",
			view: NewTransform(0, 0),
			meta: types.FrameMetadata{Width: 320, Height: 240},
			x:    10,
			y:    20,
			wantTX: 10, wantTY: 20, wantSX: 10, wantSY: 20,
		},
		{
			name: "Doubled view",
			view: NewTransform(1280, 960),
			meta: types.FrameMetadata{Width: 640, Height: 480},
			x:    100,
			y:    50,
			wantTX: 200, wantTY: 100, wantSX: 200, wantSY: 100,
		},
		{
			name: "Front camera mirrors x",
			view: NewTransform(640, 480),
			meta: types.FrameMetadata{Width: 640, Height: 480, CameraFacing: types.CameraFacingFront},
			x:    100,
			y:    50,
			wantTX: 540, wantTY: 50, wantSX: 100, wantSY: 50,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.view.SetCameraInfo(tt.meta)
			if got := tt.view.TranslateX(tt.x); got != tt.wantTX {
				t.Errorf("TranslateX: expected %v, got %v", tt.wantTX, got)
			}
			if got := tt.view.TranslateY(tt.y); got != tt.wantTY {
				t.Errorf("TranslateY: expected %v, got %v", tt.wantTY, got)
			}
			if got := tt.view.ScaleX(tt.x); got != tt.wantSX {
				t.Errorf("ScaleX: expected %v, got %v", tt.wantSX, got)
			}
			if got := tt.view.ScaleY(tt.y); got != tt.wantSY {
				t.Errorf("ScaleY: expected %v, got %v", tt.wantSY, got)
			}
		})
	}
}

func TestTransform_MirroredScreenBox(t *testing.T) {
	tr := NewTransform(640, 480)
	tr.SetCameraInfo(types.FrameMetadata{Width: 640, Height: 480, CameraFacing: types.CameraFacingFront})

	sb := geometry.ToScreenBox(types.DetectorBox{CenterX: 100, CenterY: 240, Width: 80, Height: 80}, tr)
	if sb.X != 540 || sb.Left != 500 || sb.Right != 580 {
		t.Errorf("Unexpected mirrored box %+v", sb)
	}
}

func TestRecorder_Cycles(t *testing.T) {
	r := NewRecorder()
	var s Overlay = NewSurface(NewTransform(0, 0), r)

	s.Clear()
	s.Publish(types.Annotation{TrackingID: 3})
	s.Publish(types.Annotation{TrackingID: 5})
	s.Clear()

	select {
	case <-r.Changed():
	default:
		t.Error("Expected a change notification")
	}

	cycles := r.Cycles()
	if len(cycles) != 2 {
		t.Fatalf("Expected 2 cycles, got %d", len(cycles))
	}
	if len(cycles[0]) != 2 || len(cycles[1]) != 0 {
		t.Errorf("Unexpected cycle sizes %d, %d", len(cycles[0]), len(cycles[1]))
	}
	if got := r.Annotations(); len(got) != 2 || got[1].TrackingID != 5 {
		t.Errorf("Unexpected flattened annotations %+v", got)
	}
}

func TestMulti(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	s := NewSurface(NewTransform(0, 0), a, b)
	s.Clear()
	s.Publish(types.Annotation{Label: "x"})

	for i, r := range []*Recorder{a, b} {
		if got := r.Annotations(); len(got) != 1 || got[0].Label != "x" {
			t.Errorf("sink %d: unexpected %+v", i, got)
		}
	}
}

func TestEncoderSink_JSONL(t *testing.T) {
	var buf bytes.Buffer
	s, err := NewEncoderSink(&buf, FormatJSONL, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Clear()
	s.Publish(types.Annotation{StreamID: "s", FrameSeq: 1, TrackingID: 7, Label: "ana", Confidence: 0.5, HasLabel: true})
	s.Publish(types.Annotation{StreamID: "s", FrameSeq: 1, TrackingID: 9})

	scanner := bufio.NewScanner(&buf)
	var lines []types.Annotation
	for scanner.Scan() {
		var a types.Annotation
		if err := json.Unmarshal(scanner.Bytes(), &a); err != nil {
			t.Fatalf("Line is not JSON: %v", err)
		}
		lines = append(lines, a)
	}
	if len(lines) != 2 || s.Count() != 2 {
		t.Fatalf("Expected 2 records, got %d (count %d)", len(lines), s.Count())
	}
	if lines[0].Label != "ana" || lines[1].HasLabel {
		t.Errorf("Unexpected records %+v", lines)
	}
}

func TestEncoderSink_Msgpack(t *testing.T) {
	var buf bytes.Buffer
	s, err := NewEncoderSink(&buf, FormatMsgpack, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := types.Annotation{TrackingID: 4, Label: "bruno", Confidence: 0.25, HasLabel: true}
	s.Publish(want)

	var got types.Annotation
	if err := msgpack.NewDecoder(&buf).Decode(&got); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestEncoderSink_KeepsFirstError(t *testing.T) {
	s, _ := NewEncoderSink(failingWriter{}, FormatJSONL, zap.NewNop())
	s.Publish(types.Annotation{})
	s.Publish(types.Annotation{})
	if s.Err() == nil || s.Count() != 0 {
		t.Errorf("Expected a sticky error and no records, got err=%v count=%d", s.Err(), s.Count())
	}

	if _, err := NewEncoderSink(&bytes.Buffer{}, "xml", nil); err == nil {
		t.Error("Expected unknown format error")
	}
}

func TestLogSink(t *testing.T) {
	var s Sink = LogSink{Logger: zap.NewNop()}
	s.Clear()
	s.Publish(types.Annotation{TrackingID: 1})
}
