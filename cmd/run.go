package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/braianuc/p3facereco/internal/config"
	"github.com/braianuc/p3facereco/internal/convert"
	"github.com/braianuc/p3facereco/internal/overlay"
	"github.com/braianuc/p3facereco/internal/pipeline"
	"github.com/braianuc/p3facereco/internal/source"
	"github.com/braianuc/p3facereco/internal/types"
	"github.com/braianuc/p3facereco/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var runOpts Options

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Stream a video, camera device or raw NV21 feed through the recognizer",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		opts := runOpts
		if err := validateRunFlags(&opts); err != nil {
			utils.ShowError("Invalid flags", err, nil)
			return err
		}
		applyRunOverrides(Cfg, opts, cmd.Flags())
		if err := Cfg.Validate(); err != nil {
			utils.ShowError("Invalid configuration", err, nil)
			return err
		}
		return runStream(cmd.Context(), opts)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runOpts.InputPath, "input", "i", "", "Path to a video, a camera device, or a raw NV21 file ('-' for stdin with --raw)")
	runCmd.Flags().StringVarP(&runOpts.InputFormat, "input-format", "f", "", "FFmpeg input format (e.g. v4l2 for /dev/video0)")
	runCmd.Flags().BoolVar(&runOpts.Raw, "raw", false, "Input is already raw NV21 frames (requires --width and --height)")
	runCmd.Flags().IntVar(&runOpts.Width, "width", 0, "Frame width (probed from the video when omitted)")
	runCmd.Flags().IntVar(&runOpts.Height, "height", 0, "Frame height (probed from the video when omitted)")
	runCmd.Flags().BoolVar(&runOpts.FrontCamera, "front", false, "Mirror the overlay as for a front-facing camera")
	runCmd.Flags().StringVarP(&runOpts.OutputPath, "output", "o", "-", "Annotation output file ('-' for stdout)")
	runCmd.Flags().StringVar(&runOpts.OutputFormat, "output-format", "jsonl", "Annotation format: jsonl, msgpack")
	runCmd.Flags().StringVar(&runOpts.FilterMode, "filter-mode", "reference", "Filter mode: reference, smooth")
	runCmd.Flags().StringVar(&runOpts.Detector, "detector", "pigo", "Detector engine: pigo, process")
	runCmd.Flags().BoolVarP(&runOpts.SaveCrops, "save-crops", "d", false, "Dump every Nth recognised crop to debug.dir")

	runCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(runCmd)
}

// validateRunFlags checks the CLI arguments before any heavy process starts.
func validateRunFlags(opts *Options) error {
	if opts.InputPath == "" {
		return errors.New("input is required")
	}
	if opts.Raw {
		if opts.Width <= 0 || opts.Height <= 0 {
			return fmt.Errorf("--raw needs --width and --height, got %dx%d", opts.Width, opts.Height)
		}
		if opts.InputFormat != "" {
			return errors.New("--input-format cannot be combined with --raw")
		}
	}
	if opts.Width < 0 || opts.Height < 0 {
		return fmt.Errorf("invalid frame size %dx%d", opts.Width, opts.Height)
	}
	if (opts.Width == 0) != (opts.Height == 0) {
		return errors.New("--width and --height must be given together")
	}
	if opts.InputPath != "-" {
		info, err := os.Stat(opts.InputPath)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("input does not exist: %w", err)
			}
			return fmt.Errorf("unable to access input: %w", err)
		}
		if info.IsDir() {
			return errors.New("input path is a directory, expected a video, device or raw file")
		}
	} else if !opts.Raw {
		return errors.New("stdin input requires --raw")
	}
	return nil
}

// applyRunOverrides copies explicitly set flags over the loaded configuration.
func applyRunOverrides(cfg *config.Config, opts Options, flags *pflag.FlagSet) {
	if flags.Changed("output") {
		cfg.Output.Path = opts.OutputPath
	}
	if flags.Changed("output-format") {
		cfg.Output.Format = opts.OutputFormat
	}
	if flags.Changed("filter-mode") {
		cfg.Filter.Mode = opts.FilterMode
	}
	if flags.Changed("detector") {
		cfg.Detector.Engine = opts.Detector
	}
	if flags.Changed("save-crops") {
		cfg.Debug.SaveCrops = opts.SaveCrops
	}
}

// isStreamDevice reports inputs that cannot be probed or counted (cameras, pipes).
func isStreamDevice(opts Options) bool {
	return opts.Raw || opts.InputFormat != "" || strings.HasPrefix(opts.InputPath, "/dev/")
}

// runStream orchestrates a recognition run: frame source, pipeline, sinks and progress.
func runStream(ctx context.Context, opts Options) error {
	// Cancelling kills ffmpeg if we return early
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := Logger

	// 1. Frame geometry
	width, height := opts.Width, opts.Height
	var fps float64
	if !isStreamDevice(opts) {
		if width == 0 {
			w, h, err := utils.GetVideoDimensions(ctx, opts.InputPath)
			if err != nil {
				utils.ShowError("Failed to determine video dimensions", err, nil)
				return err
			}
			width, height = w, h
		}
		if f, err := utils.GetVideoFPS(ctx, opts.InputPath); err == nil {
			fps = f
		}
	} else if width == 0 {
		err := errors.New("--width and --height are required for devices and raw input")
		utils.ShowError("Unknown frame size", err, nil)
		return err
	}

	// 2. Stream id
	var streamID string
	if opts.InputPath != "-" && !isStreamDevice(opts) {
		id, err := utils.GenerateSourceID(opts.InputPath)
		if err != nil {
			utils.ShowError("Failed to generate source ID", err, nil)
			return err
		}
		streamID = id[:12]
	}

	// 3. Sinks
	out, closeOut, err := openOutput(Cfg.Output.Path)
	if err != nil {
		utils.ShowError("Failed to open output", err, nil)
		return err
	}
	defer closeOut()
	encSink, err := overlay.NewEncoderSink(out, Cfg.Output.Format, logger)
	if err != nil {
		utils.ShowError("Invalid output format", err, nil)
		return err
	}
	summary := newTrackSummary()
	surface := overlay.NewSurface(
		overlay.NewTransform(Cfg.Overlay.Width, Cfg.Overlay.Height),
		encSink, summary, overlay.LogSink{Logger: logger},
	)

	// 4. Pipeline
	p, _, err := buildPipeline(Cfg, surface, streamID, logger)
	if err != nil {
		utils.ShowError("Failed to start the recognizer", err, nil)
		return err
	}
	defer p.Stop()
	p.Start(ctx)
	fmt.Fprintf(os.Stderr, "📼 Processing Stream ID: %s (%dx%d)\n", p.StreamID(), width, height)

	// 5. Frame source
	facing := types.CameraFacingBack
	if opts.FrontCamera {
		facing = types.CameraFacingFront
	}
	meta := types.FrameMetadata{Width: width, Height: height, CameraFacing: facing}

	var (
		frames io.Reader
		ffmpeg *exec.Cmd
		ffErr  bytes.Buffer
	)
	switch {
	case opts.Raw && opts.InputPath == "-":
		frames = bufio.NewReaderSize(os.Stdin, utils.NV21FrameSize(width, height))
	case opts.Raw:
		f, err := os.Open(opts.InputPath)
		if err != nil {
			utils.ShowError("Failed to open raw input", err, nil)
			return err
		}
		defer f.Close()
		frames = bufio.NewReaderSize(f, utils.NV21FrameSize(width, height))
	default:
		ffmpeg = utils.NewFFmpegNV21Decoder(ctx, opts.InputPath, opts.InputFormat, width, height)
		ffmpeg.Stderr = &ffErr
		stdout, err := ffmpeg.StdoutPipe()
		if err != nil {
			utils.ShowError("Failed to create FFmpeg stdout pipe", err, nil)
			return err
		}
		defer stdout.Close() // Ensure pipe is closed to prevent leaks/zombies
		if err := ffmpeg.Start(); err != nil {
			utils.ShowError("Failed to start FFmpeg", err, nil)
			return err
		}
		frames = stdout
	}

	reader, err := source.NewReader(frames, meta)
	if err != nil {
		utils.ShowError("Invalid frame source", err, nil)
		return err
	}

	// 6. Progress
	total := int64(-1)
	if !isStreamDevice(opts) {
		if n := utils.GetTotalFrames(ctx, opts.InputPath); n > 0 {
			total = int64(n)
		}
	}
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetDescription("🔍 Recognising"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	// 7. Feed frames
	var streamErr error
	for {
		f, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
		err = p.Process(f)
		reader.Release(f)
		bar.Add(1)
		if errors.Is(err, pipeline.ErrPipelineClosed) {
			break
		}
		if err != nil && !errors.Is(err, convert.ErrBadFrameFormat) {
			streamErr = err
			break
		}
	}

	// 8. Drain the last detection
	flushCtx, flushCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := p.Flush(flushCtx); err != nil && !errors.Is(err, pipeline.ErrPipelineClosed) {
		logger.Warn("final flush failed", zap.Error(err))
	}
	flushCancel()
	bar.Finish()

	if ffmpeg != nil {
		if err := ffmpeg.Wait(); err != nil && ctx.Err() == nil {
			if ffErr.Len() > 0 {
				fmt.Fprintf(os.Stderr, "\nFFmpeg Logs:\n%s\n", ffErr.String())
			}
			utils.ShowError("FFmpeg execution failed", err, nil)
			return err
		}
	}
	if streamErr != nil {
		utils.ShowError("Frame source failed", streamErr, nil)
		return streamErr
	}
	if err := p.Stop(); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	if err := encSink.Err(); err != nil {
		utils.ShowError("Writing annotations failed", err, nil)
		return err
	}

	summary.Print(os.Stderr, p.Stats(), fps)
	return nil
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "-" || path == "" {
		w := bufio.NewWriter(os.Stdout)
		return w, func() { w.Flush() }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	w := bufio.NewWriter(f)
	return w, func() { w.Flush(); f.Close() }, nil
}

// --- Per-track summary ---

type trackStats struct {
	ID         int
	Frames     int
	FirstSeq   uint64
	LastSeq    uint64
	Label      string
	Confidence float32
	Labels     map[string]int
}

// trackSummary is an overlay sink that aggregates annotations per tracking id.
type trackSummary struct {
	mu     sync.Mutex
	tracks map[int]*trackStats
}

func newTrackSummary() *trackSummary {
	return &trackSummary{tracks: make(map[int]*trackStats)}
}

func (s *trackSummary) Clear() {}

func (s *trackSummary) Publish(a types.Annotation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tracks[a.TrackingID]
	if !ok {
		t = &trackStats{ID: a.TrackingID, FirstSeq: a.FrameSeq, Labels: make(map[string]int)}
		s.tracks[a.TrackingID] = t
	}
	t.Frames++
	t.LastSeq = a.FrameSeq
	if a.HasLabel {
		t.Label = a.Label
		t.Confidence = a.Confidence
		t.Labels[a.Label]++
	}
}

// Tracks returns the tracks sorted by id.
func (s *trackSummary) Tracks() []trackStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]trackStats, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Majority is the label seen most often on the track, ties broken alphabetically.
func (t trackStats) Majority() string {
	best, n := "", 0
	for l, c := range t.Labels {
		if c > n || (c == n && l < best) {
			best, n = l, c
		}
	}
	return best
}

func (s *trackSummary) Print(w io.Writer, st pipeline.Stats, fps float64) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "📊 RECOGNITION SUMMARY\n")
	fmt.Fprintf(w, "---------------------------------------------------------\n")

	for _, t := range s.Tracks() {
		span := fmt.Sprintf("frames %d -> %d", t.FirstSeq, t.LastSeq)
		if fps > 0 {
			span = fmt.Sprintf("%s -> %s", fmtTime(float64(t.FirstSeq)/fps), fmtTime(float64(t.LastSeq)/fps))
		}
		label := "(unlabelled)"
		if m := t.Majority(); m != "" {
			label = fmt.Sprintf("%s (last: %s %.2f)", m, t.Label, t.Confidence)
		}
		fmt.Fprintf(w, "\n👤 Track %d: %s\n", t.ID, label)
		fmt.Fprintf(w, "   %s, %d annotations\n", span, t.Frames)
	}

	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "🎞️  Frames: %d received, %d coalesced, %d bad\n", st.FramesReceived, st.FramesCoalesced, st.BadFrames)
	fmt.Fprintf(w, "👁️  Faces: %d detected, %d recognised, %d skipped\n", st.Faces, st.Recognitions, st.CropsSkipped)
	fmt.Fprintf(w, "⚠️  Failures: %d detector, %d runtime\n", st.DetectorFailures, st.RuntimeFailures)
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
