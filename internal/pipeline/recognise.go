package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/braianuc/p3facereco/internal/filter"
	"github.com/braianuc/p3facereco/internal/geometry"
	"github.com/braianuc/p3facereco/internal/overlay"
	"github.com/braianuc/p3facereco/internal/runtime"
	"github.com/braianuc/p3facereco/internal/topk"
	"github.com/braianuc/p3facereco/internal/types"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// recognise publishes one cycle: Clear, then one annotation per face with a
// usable crop. It stops early if the pipeline is closed meanwhile.
func (p *Pipeline) recognise(faces []types.FaceRecord) {
	ov := p.deps.Overlay
	if s, ok := ov.(overlay.CameraInfoSetter); ok {
		s.SetCameraInfo(p.meta)
	}
	ov.Clear()

	b := p.raster.Bounds()
	for _, face := range faces {
		if p.closed.Load() {
			return
		}
		p.stats.faces.Add(1)
		log := p.logger.With(zap.Uint64("seq", p.seq), zap.Int("tracking_id", face.TrackingID))

		sb, crop, err := geometry.CropFor(face.Box, ov, b.Dx(), b.Dy(), p.cfg.ShrinkW, p.cfg.ShrinkH)
		if err != nil {
			p.stats.cropsSkipped.Add(1)
			log.Debug("face skipped", zap.String("tag", "geometry"), zap.Error(err))
			continue
		}

		ann := types.Annotation{
			StreamID:   p.cfg.StreamID,
			FrameSeq:   p.seq,
			TrackingID: face.TrackingID,
			Box:        sb,
		}
		if rec, ok := p.classify(log, face, crop); ok {
			ann.Label = rec.Label
			ann.Confidence = rec.Confidence
			ann.HasLabel = true
		}
		// Stop may have landed while the runtime was busy.
		if p.closed.Load() {
			return
		}
		ov.Publish(ann)
		p.stats.annotations.Add(1)
	}
}

// classify runs preparer, runtime, filter and selector for one crop. Any
// failure yields false and the face keeps a box-only annotation.
func (p *Pipeline) classify(log *zap.Logger, face types.FaceRecord, crop types.CropRect) (types.Recognition, bool) {
	t, err := p.deps.Preparer.Prepare(p.raster, crop)
	if err != nil {
		log.Warn("tensor preparation failed", zap.String("tag", "tensor"), zap.Error(err))
		return types.Recognition{}, false
	}
	defer p.deps.Preparer.Pool().Put(t)

	out, err := p.deps.Runtime.Infer(t)
	if err != nil {
		p.stats.runtimeFailures.Add(1)
		if errors.Is(err, runtime.ErrRuntimeClosed) {
			log.Debug("recognition skipped", zap.String("tag", "runtime"), zap.Error(err))
		} else {
			log.Warn("inference failed", zap.String("tag", "runtime"), zap.Error(err))
		}
		return types.Recognition{}, false
	}

	if n := p.deps.Labels.Len(); len(out) != n && !p.warnedSz {
		p.warnedSz = true
		log.Warn("label count does not match model output",
			zap.String("tag", "labels"),
			zap.Int("labels", n),
			zap.Int("outputs", len(out)),
		)
	}

	probs := out
	switch p.cfg.FilterMode {
	case filter.ModeSmooth:
		probs = p.filter.Update(out)
	default:
		// The deployed app feeds the cascade an all-zero vector and ranks the
		// raw output; the stages are still stepped once per inference.
		p.filter.Update(p.zeros)
	}

	rec, ok := topk.Select(p.deps.Labels, probs, p.cfg.TopK)
	if !ok {
		return types.Recognition{}, false
	}
	n := p.stats.recognitions.Add(1)

	if p.cfg.Debug.SaveCrops && n%uint64(p.cfg.Debug.Every) == 0 {
		if err := p.dumpCrop(face.TrackingID, crop); err != nil {
			log.Warn("crop dump failed", zap.String("tag", "debug"), zap.Error(err))
		}
	}
	return rec, true
}

// dumpCrop writes the crop as PNG. The .jpg name is what existing tooling expects.
func (p *Pipeline) dumpCrop(trackingID int, crop types.CropRect) error {
	if err := os.MkdirAll(p.cfg.Debug.Dir, 0755); err != nil {
		return err
	}
	path := filepath.Join(p.cfg.Debug.Dir, fmt.Sprintf("croppedFaceBmpxx%d.jpg", trackingID))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	img := imaging.Crop(p.raster, crop.Rect().Add(p.raster.Bounds().Min))
	if err := imaging.Encode(f, img, imaging.PNG); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

type counters struct {
	framesReceived   atomic.Uint64
	framesConverted  atomic.Uint64
	badFrames        atomic.Uint64
	framesCoalesced  atomic.Uint64
	detections       atomic.Uint64
	detectorFailures atomic.Uint64
	faces            atomic.Uint64
	cropsSkipped     atomic.Uint64
	recognitions     atomic.Uint64
	runtimeFailures  atomic.Uint64
	annotations      atomic.Uint64
	panics           atomic.Uint64
}

// Stats counts what the pipeline has done since New.
type Stats struct {
	FramesReceived   uint64 `json:"frames_received"`
	FramesConverted  uint64 `json:"frames_converted"`
	BadFrames        uint64 `json:"bad_frames"`
	FramesCoalesced  uint64 `json:"frames_coalesced"`
	Detections       uint64 `json:"detections"`
	DetectorFailures uint64 `json:"detector_failures"`
	Faces            uint64 `json:"faces"`
	CropsSkipped     uint64 `json:"crops_skipped"`
	Recognitions     uint64 `json:"recognitions"`
	RuntimeFailures  uint64 `json:"runtime_failures"`
	Annotations      uint64 `json:"annotations"`
	Panics           uint64 `json:"panics"`
}

func (c *counters) snapshot() Stats {
	return Stats{
		FramesReceived:   c.framesReceived.Load(),
		FramesConverted:  c.framesConverted.Load(),
		BadFrames:        c.badFrames.Load(),
		FramesCoalesced:  c.framesCoalesced.Load(),
		Detections:       c.detections.Load(),
		DetectorFailures: c.detectorFailures.Load(),
		Faces:            c.faces.Load(),
		CropsSkipped:     c.cropsSkipped.Load(),
		Recognitions:     c.recognitions.Load(),
		RuntimeFailures:  c.runtimeFailures.Load(),
		Annotations:      c.annotations.Load(),
		Panics:           c.panics.Load(),
	}
}
