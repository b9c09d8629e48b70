package detector

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	"github.com/braianuc/p3facereco/internal/types"
	pigo "github.com/esimov/pigo/core"
	"go.uber.org/zap"
)

// PigoConfig holds the cascade parameters.
type PigoConfig struct {
	CascadePath  string
	MinSize      int
	MaxSize      int
	ShiftFactor  float64
	ScaleFactor  float64
	IoUThreshold float64 // clustering
	MinQuality   float32
	Angle        float64
}

// DefaultPigoConfig matches the values the pigo examples ship with.
func DefaultPigoConfig() PigoConfig {
	return PigoConfig{
		MinSize:      40,
		MaxSize:      1000,
		ShiftFactor:  0.1,
		ScaleFactor:  1.1,
		IoUThreshold: 0.2,
		MinQuality:   5,
	}
}

// Pigo detects faces in-process with a pico cascade. Tracking ids come from a Tracker.
type Pigo struct {
	classifier *pigo.Pigo
	cfg        PigoConfig
	opts       Options
	tracker    *Tracker
	logger     *zap.Logger
	once       sync.Once
}

// NewPigo loads the cascade from cfg.CascadePath.
func NewPigo(cfg PigoConfig, opts Options, tracker *Tracker, logger *zap.Logger) (*Pigo, error) {
	cascade, err := os.ReadFile(cfg.CascadePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read cascade: %w", err)
	}
	return NewPigoFromCascade(cascade, cfg, opts, tracker, logger)
}

// NewPigoFromCascade unpacks an in-memory cascade.
func NewPigoFromCascade(cascade []byte, cfg PigoConfig, opts Options, tracker *Tracker, logger *zap.Logger) (*Pigo, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Tracking && tracker == nil {
		return nil, fmt.Errorf("tracking enabled without a tracker")
	}
	// Unpack the binary file. This will return the number of cascade trees,
	// the tree depth, the threshold and the prediction from tree's leaf nodes.
	classifier, err := pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack cascade: %w", err)
	}
	return &Pigo{classifier: classifier, cfg: cfg, opts: opts, tracker: tracker, logger: logger}, nil
}

func (p *Pigo) Detect(ctx context.Context, raster *image.RGBA) ([]types.FaceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.opts.Landmarks == AllLandmarks || p.opts.Classifications == AllClassifications {
		p.once.Do(func() {
			p.logger.Debug("pigo engine reports geometry only; landmarks and classifications ignored")
		})
	}

	b := raster.Bounds()
	pixels := pigo.RgbToGrayscale(pigo.ImgToNRGBA(raster))
	cols, rows := b.Dx(), b.Dy()

	cParams := pigo.CascadeParams{
		MinSize:     p.cfg.MinSize,
		MaxSize:     p.cfg.MaxSize,
		ShiftFactor: p.cfg.ShiftFactor,
		ScaleFactor: p.cfg.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pixels,
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}

	// The result contains quadruplets representing the row, column, scale and detection score.
	dets := p.classifier.RunCascade(cParams, p.cfg.Angle)
	dets = p.classifier.ClusterDetections(dets, p.cfg.IoUThreshold)

	boxes := make([]types.DetectorBox, 0, len(dets))
	for _, d := range dets {
		if d.Q < p.cfg.MinQuality {
			continue
		}
		boxes = append(boxes, types.DetectorBox{
			CenterX: float32(d.Col),
			CenterY: float32(d.Row),
			Width:   float32(d.Scale),
			Height:  float32(d.Scale),
		})
	}
	return p.records(boxes), nil
}

func (p *Pigo) records(boxes []types.DetectorBox) []types.FaceRecord {
	if p.opts.Tracking {
		return p.tracker.Assign(boxes)
	}
	out := make([]types.FaceRecord, len(boxes))
	for i, b := range boxes {
		out[i] = types.FaceRecord{Box: b, TrackingID: -1}
	}
	return out
}

func (p *Pigo) Close() error { return nil }
