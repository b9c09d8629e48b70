package cmd

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"text/tabwriter"

	"github.com/braianuc/p3facereco/internal/config"
	"github.com/braianuc/p3facereco/internal/convert"
	"github.com/braianuc/p3facereco/internal/detector"
	"github.com/braianuc/p3facereco/internal/geometry"
	"github.com/braianuc/p3facereco/internal/labels"
	"github.com/braianuc/p3facereco/internal/pipeline"
	"github.com/braianuc/p3facereco/internal/tensor"
	"github.com/braianuc/p3facereco/internal/topk"
	"github.com/braianuc/p3facereco/internal/types"
	"github.com/braianuc/p3facereco/internal/utils"
	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"
)

var classifyOpts Options

var classifyCmd = &cobra.Command{
	Use:   "classify <image_path>",
	Short: "Detect and label the faces in a still image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if cmd.Flags().Changed("detector") {
			Cfg.Detector.Engine = classifyOpts.Detector
		}
		if err := Cfg.Validate(); err != nil {
			utils.ShowError("Invalid configuration", err, nil)
			return err
		}
		return runClassify(cmd.Context(), args[0])
	},
}

func init() {
	classifyCmd.Flags().StringVar(&classifyOpts.Detector, "detector", "pigo", "Detector engine: pigo, process")
	rootCmd.AddCommand(classifyCmd)
}

// faceRow is one line of the classify table.
type faceRow struct {
	TrackingID int
	Box        types.ScreenBox
	Crop       types.CropRect
	Skipped    bool
	Result     types.Recognition
	HasLabel   bool
}

func runClassify(ctx context.Context, imagePath string) error {
	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		utils.ShowError("Input file does not exist", err, nil)
		return err
	}

	img, err := imaging.Open(imagePath, imaging.AutoOrientation(true))
	if err != nil {
		utils.ShowError("Failed to decode image", err, nil)
		return err
	}
	raster := convert.ToRGBA(img)

	fmt.Fprintln(os.Stderr, "🚀 Loading model and labels...")
	list, err := labels.Load(Cfg.Labels.Path)
	if err != nil {
		utils.ShowError("Failed to load labels", err, nil)
		return err
	}
	prep, err := newPreparer(Cfg)
	if err != nil {
		utils.ShowError("Invalid tensor configuration", err, nil)
		return err
	}
	rt, err := openRuntime(Cfg, Logger)
	if err != nil {
		utils.ShowError("Failed to load model", err, nil)
		return err
	}
	defer rt.Close()

	det, err := newDetector(Cfg, Logger)
	if err != nil {
		utils.ShowError("Failed to start face detector", err, nil)
		return err
	}
	defer det.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing faces...")
	rows, err := classifyImage(ctx, raster, det, rt, prep, list, Cfg)
	if err != nil {
		utils.ShowError("Face detection failed", err, nil)
		return err
	}
	printFaceTable(os.Stdout, rows)
	return nil
}

// classifyImage runs one detection and classifies every face without any
// temporal filtering.
func classifyImage(ctx context.Context, raster *image.RGBA, det detector.Detector, rt pipeline.Runtime, prep *tensor.Preparer, list *labels.List, cfg *config.Config) ([]faceRow, error) {
	var res detector.Result
	select {
	case r, ok := <-det.Detect(ctx, raster):
		if !ok {
			return nil, &detector.DetectorFailure{Cause: fmt.Errorf("no result")}
		}
		res = r
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}

	b := raster.Bounds()
	rows := make([]faceRow, 0, len(res.Faces))
	for _, f := range res.Faces {
		sb, crop, err := geometry.CropFor(f.Box, geometry.Identity{}, b.Dx(), b.Dy(), cfg.Crop.ShrinkW, cfg.Crop.ShrinkH)
		row := faceRow{TrackingID: f.TrackingID, Box: sb, Crop: crop}
		if err != nil {
			row.Skipped = true
			rows = append(rows, row)
			continue
		}
		t, err := prep.Prepare(raster, crop)
		if err != nil {
			return nil, err
		}
		out, err := rt.Infer(t)
		prep.Pool().Put(t)
		if err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Recognition failed for track %d: %v\n", f.TrackingID, err)
			rows = append(rows, row)
			continue
		}
		row.Result, row.HasLabel = topk.Select(list, out, cfg.TopK.Results)
		rows = append(rows, row)
	}
	return rows, nil
}

func printFaceTable(out io.Writer, rows []faceRow) {
	if len(rows) == 0 {
		fmt.Fprintln(out, "❌ No faces detected in the provided image.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TRACK\tBOX (L,T,R,B)\tCROP (X,Y,W,H)\tLABEL\tCONFIDENCE")
	fmt.Fprintln(w, "-----\t-------------\t--------------\t-----\t----------")

	for _, r := range rows {
		box := fmt.Sprintf("%.0f,%.0f,%.0f,%.0f", r.Box.Left, r.Box.Top, r.Box.Right, r.Box.Bottom)
		crop, label, conf := "(too small)", "-", "-"
		if !r.Skipped {
			crop = fmt.Sprintf("%d,%d,%d,%d", r.Crop.X, r.Crop.Y, r.Crop.W, r.Crop.H)
		}
		if r.HasLabel {
			label = r.Result.Label
			conf = fmt.Sprintf("%.3f", r.Result.Confidence)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", r.TrackingID, box, crop, label, conf)
	}
	w.Flush()
}
