package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/braianuc/p3facereco/internal/types"
	"github.com/braianuc/p3facereco/internal/worker"
	"go.uber.org/zap"
)

// ProcessConfig describes the external detector command.
type ProcessConfig struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// Process runs detection in an external worker process. A worker that dies or
// times out is discarded and a fresh one is started on the next frame.
type Process struct {
	cfg    ProcessConfig
	opts   Options
	logger *zap.Logger

	spawn    func(id int) (*worker.DetectorWorker, error)
	current  *worker.DetectorWorker
	restarts int
}

// NewProcess starts the worker. Options are passed as trailing flags.
func NewProcess(cfg ProcessConfig, opts Options, logger *zap.Logger) (*Process, error) {
	if cfg.Command == "" {
		return nil, errors.New("detector command is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	args := append(append([]string(nil), cfg.Args...), optionFlags(opts)...)
	p := &Process{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
		spawn: func(id int) (*worker.DetectorWorker, error) {
			return worker.New(id, cfg.Command, args...)
		},
	}
	w, err := p.spawn(0)
	if err != nil {
		return nil, err
	}
	p.current = w
	return p, nil
}

func optionFlags(o Options) []string {
	flags := []string{
		"--classifications=" + map[Classification]string{AllClassifications: "all", NoClassifications: "none"}[o.Classifications],
		"--landmarks=" + map[Landmark]string{AllLandmarks: "all", NoLandmarks: "none"}[o.Landmarks],
	}
	if o.Tracking {
		flags = append(flags, "--tracking")
	}
	return flags
}

type detectReply struct {
	faces []types.FaceRecord
	err   error
}

func (p *Process) Detect(ctx context.Context, raster *image.RGBA) ([]types.FaceRecord, error) {
	if p.current == nil {
		p.restarts++
		w, err := p.spawn(p.restarts)
		if err != nil {
			return nil, fmt.Errorf("failed to restart detector worker: %w", err)
		}
		p.logger.Warn("detector worker restarted", zap.Int("worker", w.ID))
		p.current = w
	}
	w := p.current

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	b := raster.Bounds()
	pix := raster.Pix[raster.PixOffset(b.Min.X, b.Min.Y):]
	done := make(chan detectReply, 1)
	go func() {
		faces, err := w.DetectFrame(b.Dx(), b.Dy(), pix, raster.Stride)
		done <- detectReply{faces: faces, err: err}
	}()

	select {
	case r := <-done:
		var remote *worker.RemoteError
		if r.err != nil && !errors.As(r.err, &remote) {
			// Protocol or pipe failure: the worker is unusable.
			p.discard(w)
		}
		return r.faces, r.err
	case <-ctx.Done():
		w.Kill()
		// Unblock the pending write or read.
		w.Stdin.Close()
		w.DataPipe.Close()
		<-done
		p.discard(w)
		return nil, fmt.Errorf("detector worker %d: %w", w.ID, ctx.Err())
	}
}

func (p *Process) discard(w *worker.DetectorWorker) {
	if err := w.Close(); err != nil && w.Cmd != nil && w.Cmd.Stderr.Len() > 0 {
		p.logger.Warn("detector worker exited",
			zap.Int("worker", w.ID),
			zap.Error(err),
			zap.String("stderr", w.Cmd.Stderr.String()),
		)
	}
	if p.current == w {
		p.current = nil
	}
}

func (p *Process) Close() error {
	if p.current == nil {
		return nil
	}
	w := p.current
	p.current = nil
	return w.Close()
}
