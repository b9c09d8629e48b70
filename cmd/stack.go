package cmd

import (
	"fmt"
	"os"

	"github.com/braianuc/p3facereco/internal/config"
	"github.com/braianuc/p3facereco/internal/convert"
	"github.com/braianuc/p3facereco/internal/detector"
	"github.com/braianuc/p3facereco/internal/filter"
	"github.com/braianuc/p3facereco/internal/labels"
	"github.com/braianuc/p3facereco/internal/overlay"
	"github.com/braianuc/p3facereco/internal/pipeline"
	"github.com/braianuc/p3facereco/internal/runtime"
	"github.com/braianuc/p3facereco/internal/runtime/tfl"
	"github.com/braianuc/p3facereco/internal/tensor"
	"go.uber.org/zap"
)

// newDetector builds the configured engine behind the async adapter.
func newDetector(cfg *config.Config, logger *zap.Logger) (detector.Detector, error) {
	opts := detector.DefaultOptions()
	dc := cfg.Detector

	var engine detector.Engine
	switch dc.Engine {
	case "process":
		p, err := detector.NewProcess(detector.ProcessConfig{
			Command: dc.Command,
			Args:    dc.Args,
			Timeout: dc.Timeout,
		}, opts, logger)
		if err != nil {
			return nil, err
		}
		engine = p
	default:
		tracker, err := detector.NewTracker(dc.IoUThreshold, dc.MaxMissed, dc.TrackMemory)
		if err != nil {
			return nil, err
		}
		pc := detector.DefaultPigoConfig()
		pc.CascadePath = dc.Cascade
		pc.MinSize = dc.MinSize
		pc.MaxSize = dc.MaxSize
		pc.ShiftFactor = dc.ShiftFactor
		pc.ScaleFactor = dc.ScaleFactor
		pc.MinQuality = dc.MinQuality
		p, err := detector.NewPigo(pc, opts, tracker, logger)
		if err != nil {
			return nil, err
		}
		engine = p
	}
	return detector.NewAsync(engine, logger), nil
}

func openRuntime(cfg *config.Config, logger *zap.Logger) (*runtime.Adapter, error) {
	return runtime.Open(runtime.ModelSpec{
		Path:   cfg.Model.Path,
		Offset: cfg.Model.Offset,
		Length: cfg.Model.Length,
	}, runtime.Options{Threads: cfg.Model.Threads}, tfl.New, logger)
}

func newPreparer(cfg *config.Config) (*tensor.Preparer, error) {
	tc := cfg.Tensor
	return tensor.NewPreparer(tc.Width, tc.Height, tc.Mean, tc.Std, tc.Channels, tc.Batch)
}

func newConverter(cfg *config.Config) convert.Converter {
	return convert.Converter{Mode: convert.Mode(cfg.Converter.Mode), JPEGQuality: cfg.Converter.JPEGQuality}
}

func pipelineConfig(cfg *config.Config, streamID string) pipeline.Config {
	return pipeline.Config{
		StreamID:     streamID,
		FilterStages: cfg.Filter.Stages,
		FilterFactor: cfg.Filter.Factor,
		FilterMode:   filter.Mode(cfg.Filter.Mode),
		TopK:         cfg.TopK.Results,
		ShrinkW:      cfg.Crop.ShrinkW,
		ShrinkH:      cfg.Crop.ShrinkH,
		Debug: pipeline.DebugConfig{
			SaveCrops: cfg.Debug.SaveCrops,
			Dir:       cfg.Debug.Dir,
			Every:     cfg.Debug.Every,
		},
	}
}

// buildPipeline wires every collaborator. On error everything opened so far is closed.
func buildPipeline(cfg *config.Config, ov overlay.Overlay, streamID string, logger *zap.Logger) (*pipeline.Pipeline, *labels.List, error) {
	fmt.Fprintln(os.Stderr, "🚀 Loading model and labels...")
	list, err := labels.Load(cfg.Labels.Path)
	if err != nil {
		return nil, nil, err
	}
	prep, err := newPreparer(cfg)
	if err != nil {
		return nil, nil, err
	}
	rt, err := openRuntime(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	if rt.OutputLen() != list.Len() {
		logger.Warn("label count does not match model output",
			zap.Int("labels", list.Len()), zap.Int("outputs", rt.OutputLen()))
	}

	fmt.Fprintf(os.Stderr, "⚙️  Starting %s face detector...\n", cfg.Detector.Engine)
	det, err := newDetector(cfg, logger)
	if err != nil {
		rt.Close()
		return nil, nil, err
	}

	p, err := pipeline.New(pipeline.Deps{
		Converter: newConverter(cfg),
		Detector:  det,
		Runtime:   rt,
		Labels:    list,
		Preparer:  prep,
		Overlay:   ov,
		Logger:    logger,
	}, pipelineConfig(cfg, streamID))
	if err != nil {
		det.Close()
		rt.Close()
		return nil, nil, err
	}
	return p, list, nil
}
