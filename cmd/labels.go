package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/braianuc/p3facereco/internal/labels"
	"github.com/braianuc/p3facereco/internal/utils"
	"github.com/spf13/cobra"
)

var labelsCmd = &cobra.Command{
	Use:   "labels",
	Short: "List the labels the model can predict",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		list, err := labels.Load(Cfg.Labels.Path)
		if err != nil {
			utils.ShowError("Failed to load labels", err, nil)
			return err
		}
		printLabels(os.Stdout, list)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(labelsCmd)
}

func printLabels(out io.Writer, list *labels.List) {
	if list.Len() == 0 {
		fmt.Fprintln(out, "No labels found.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "INDEX\tLABEL")
	fmt.Fprintln(w, "-----\t-----")

	for i, l := range list.All() {
		if l == "" {
			l = "(empty)"
		}
		fmt.Fprintf(w, "%d\t%s\n", i, l)
	}
	w.Flush()
}
