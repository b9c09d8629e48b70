package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/braianuc/p3facereco/internal/config"
	"github.com/braianuc/p3facereco/internal/labels"
	"github.com/braianuc/p3facereco/internal/utils"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Load the model and check it against the tensor and label configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		rt, err := openRuntime(Cfg, Logger)
		if err != nil {
			utils.ShowError("Failed to load model", err, nil)
			return err
		}
		defer rt.Close()

		nLabels := -1
		if list, err := labels.Load(Cfg.Labels.Path); err == nil {
			nLabels = list.Len()
		} else {
			fmt.Fprintf(os.Stderr, "⚠️  Labels unavailable: %v\n", err)
		}

		ok := printInspect(os.Stdout, Cfg, len(rt.Model()), rt.InputSize(), rt.OutputLen(), nLabels)
		if !ok {
			return fmt.Errorf("model does not match the configuration")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

// printInspect prints the model facts next to what the configuration expects.
// nLabels < 0 means the label file could not be read.
func printInspect(out io.Writer, cfg *config.Config, modelBytes, inputBytes, outputs, nLabels int) bool {
	tc := cfg.Tensor
	wantInput := 4 * tc.Batch * tc.Height * tc.Width * tc.Channels
	ok := inputBytes == wantInput && (nLabels < 0 || nLabels == outputs)

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "PROPERTY\tMODEL\tCONFIG")
	fmt.Fprintln(w, "--------\t-----\t------")
	fmt.Fprintf(w, "path\t%s\t-\n", cfg.Model.Path)
	fmt.Fprintf(w, "bytes\t%d\t-\n", modelBytes)
	fmt.Fprintf(w, "input bytes\t%d\t%d (%dx%dx%dx%d float32)\n", inputBytes, wantInput, tc.Batch, tc.Height, tc.Width, tc.Channels)
	labelCol := "unavailable"
	if nLabels >= 0 {
		labelCol = fmt.Sprint(nLabels)
	}
	fmt.Fprintf(w, "outputs\t%d\t%s labels\n", outputs, labelCol)
	w.Flush()

	if ok {
		fmt.Fprintln(out, "✅ Model matches the configuration.")
	} else {
		fmt.Fprintln(out, "❌ Model does not match the configuration.")
	}
	return ok
}
