package detector

import (
	"context"
	"encoding/binary"
	"errors"
	"image"
	"io"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/braianuc/p3facereco/internal/types"
	"github.com/braianuc/p3facereco/internal/worker"
	"go.uber.org/zap"
)

type funcEngine struct {
	detect func(ctx context.Context, raster *image.RGBA) ([]types.FaceRecord, error)
	closed atomic.Int32
}

func (f *funcEngine) Detect(ctx context.Context, raster *image.RGBA) ([]types.FaceRecord, error) {
	return f.detect(ctx, raster)
}
func (f *funcEngine) Close() error { f.closed.Add(1); return nil }

func await(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r, ok := <-ch:
		if !ok {
			t.Fatal("channel closed without a result")
		}
		if _, more := <-ch; more {
			t.Fatal("more than one result delivered")
		}
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for detection")
	}
	return Result{}
}

var testRaster = image.NewRGBA(image.Rect(0, 0, 4, 4))

func TestAsync_Success(t *testing.T) {
	eng := &funcEngine{detect: func(context.Context, *image.RGBA) ([]types.FaceRecord, error) {
		return []types.FaceRecord{{TrackingID: 7}}, nil
	}}
	a := NewAsync(eng, zap.NewNop())
	defer a.Close()

	r := await(t, a.Detect(context.Background(), testRaster))
	if r.Err != nil || len(r.Faces) != 1 || r.Faces[0].TrackingID != 7 {
		t.Errorf("Unexpected result %+v", r)
	}
}

func TestAsync_FailureIsWrapped(t *testing.T) {
	cause := errors.New("engine exploded")
	eng := &funcEngine{detect: func(context.Context, *image.RGBA) ([]types.FaceRecord, error) {
		return nil, cause
	}}
	a := NewAsync(eng, nil)
	defer a.Close()

	r := await(t, a.Detect(context.Background(), testRaster))
	var df *DetectorFailure
	if !errors.As(r.Err, &df) {
		t.Fatalf("Expected DetectorFailure, got %v", r.Err)
	}
	if !errors.Is(r.Err, cause) {
		t.Errorf("Expected cause to be preserved, got %v", df.Cause)
	}

	// The adapter is still usable after a failure.
	eng.detect = func(context.Context, *image.RGBA) ([]types.FaceRecord, error) { return nil, nil }
	if r := await(t, a.Detect(context.Background(), testRaster)); r.Err != nil {
		t.Errorf("Expected recovery after failure, got %v", r.Err)
	}
}

func TestAsync_Panic(t *testing.T) {
	eng := &funcEngine{detect: func(context.Context, *image.RGBA) ([]types.FaceRecord, error) {
		panic("boom")
	}}
	a := NewAsync(eng, nil)
	defer a.Close()

	r := await(t, a.Detect(context.Background(), testRaster))
	var df *DetectorFailure
	if !errors.As(r.Err, &df) {
		t.Fatalf("Expected DetectorFailure from panic, got %v", r.Err)
	}
}

func TestAsync_CloseCancelsInFlight(t *testing.T) {
	started := make(chan struct{})
	eng := &funcEngine{detect: func(ctx context.Context, _ *image.RGBA) ([]types.FaceRecord, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	a := NewAsync(eng, nil)

	ch := a.Detect(context.Background(), testRaster)
	<-started
	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r := await(t, ch)
	if !errors.Is(r.Err, context.Canceled) {
		t.Errorf("Expected cancellation, got %v", r.Err)
	}
	if eng.closed.Load() != 1 {
		t.Errorf("Expected engine closed once, got %d", eng.closed.Load())
	}

	r = await(t, a.Detect(context.Background(), testRaster))
	if !errors.Is(r.Err, ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", r.Err)
	}
	if err := a.Close(); err != nil || eng.closed.Load() != 1 {
		t.Errorf("Second Close should be a no-op")
	}
}

func TestDefaultOptions(t *testing.T) {
	o := DefaultOptions()
	if o.Classifications != AllClassifications || o.Landmarks != AllLandmarks || !o.Tracking {
		t.Errorf("Unexpected defaults %+v", o)
	}
	flags := optionFlags(o)
	want := []string{"--classifications=all", "--landmarks=all", "--tracking"}
	if len(flags) != len(want) {
		t.Fatalf("Expected %v, got %v", want, flags)
	}
	for i := range want {
		if flags[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, flags)
		}
	}
}

// fakeWorker answers requests in-process over io.Pipes. A nil reply closes the
// data pipe like a crashed process.
func fakeWorker(id int, handle func(req []byte) []byte) *worker.DetectorWorker {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	go func() {
		defer outW.Close()
		for {
			var n uint32
			if err := binary.Read(inR, binary.BigEndian, &n); err != nil {
				return
			}
			req := make([]byte, n)
			if _, err := io.ReadFull(inR, req); err != nil {
				return
			}
			resp := handle(req)
			if resp == nil {
				return
			}
			binary.Write(outW, binary.BigEndian, uint32(len(resp)))
			outW.Write(resp)
		}
	}()
	return &worker.DetectorWorker{ID: id, Stdin: inW, DataPipe: outR}
}

func okReply(trackingID int32) []byte {
	buf := []byte{0, 0, 0, 0, 1}
	for _, f := range []float32{2, 2, 2, 2} {
		buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(f))
	}
	return binary.BigEndian.AppendUint32(buf, uint32(trackingID))
}

func TestProcess_DetectAndRestart(t *testing.T) {
	calls := 0
	spawned := 0
	p := &Process{
		logger: zap.NewNop(),
		spawn: func(id int) (*worker.DetectorWorker, error) {
			spawned++
			return fakeWorker(id, func(req []byte) []byte {
				calls++
				if w := binary.BigEndian.Uint32(req[0:]); w != 4 {
					return nil
				}
				if calls == 2 {
					return nil // crash on the second frame
				}
				return okReply(int32(10 + spawned))
			}), nil
		},
	}
	first, _ := p.spawn(0)
	p.current = first

	faces, err := p.Detect(context.Background(), testRaster)
	if err != nil || len(faces) != 1 || faces[0].TrackingID != 11 {
		t.Fatalf("Unexpected first detection %+v (err %v)", faces, err)
	}

	if _, err := p.Detect(context.Background(), testRaster); err == nil {
		t.Fatal("Expected an error from the crashed worker")
	}
	if p.current != nil {
		t.Fatal("Expected crashed worker to be discarded")
	}

	faces, err = p.Detect(context.Background(), testRaster)
	if err != nil || len(faces) != 1 || faces[0].TrackingID != 12 {
		t.Fatalf("Expected restarted worker to answer, got %+v (err %v)", faces, err)
	}
	if spawned != 2 {
		t.Errorf("Expected 2 spawns, got %d", spawned)
	}
	p.Close()
}

func TestProcess_RemoteErrorKeepsWorker(t *testing.T) {
	msg := "no model"
	reply := append([]byte{1}, binary.BigEndian.AppendUint32(nil, uint32(len(msg)))...)
	reply = append(reply, msg...)

	w := fakeWorker(0, func([]byte) []byte { return reply })
	p := &Process{logger: zap.NewNop(), current: w}

	_, err := p.Detect(context.Background(), testRaster)
	var remote *worker.RemoteError
	if !errors.As(err, &remote) || remote.Msg != msg {
		t.Fatalf("Expected RemoteError %q, got %v", msg, err)
	}
	if p.current != w {
		t.Error("Worker should survive a reported error")
	}
	p.Close()
}

func TestProcess_Timeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	w := fakeWorker(0, func([]byte) []byte { <-block; return nil })
	p := &Process{cfg: ProcessConfig{Timeout: 20 * time.Millisecond}, logger: zap.NewNop(), current: w}

	_, err := p.Detect(context.Background(), testRaster)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
	if p.current != nil {
		t.Error("Expected timed-out worker to be discarded")
	}
}

func TestNewProcess_EmptyCommand(t *testing.T) {
	if _, err := NewProcess(ProcessConfig{}, DefaultOptions(), nil); err == nil {
		t.Error("Expected error for empty command")
	}
}

func TestPigo_RecordsWithoutTracking(t *testing.T) {
	p := &Pigo{opts: Options{}, logger: zap.NewNop()}
	recs := p.records([]types.DetectorBox{{CenterX: 1}, {CenterX: 2}})
	if len(recs) != 2 || recs[0].TrackingID != -1 || recs[1].Box.CenterX != 2 {
		t.Errorf("Unexpected records %+v", recs)
	}

	if _, err := NewPigoFromCascade(nil, DefaultPigoConfig(), DefaultOptions(), nil, nil); err == nil {
		t.Error("Expected error when tracking is enabled without a tracker")
	}
}
