package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print recent completions without starting the server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		hist, closer, err := openHistory(cfg)
		if err != nil {
			return err
		}
		defer closeQuietly(closer, "history backend")

		entries := hist.List(historyLimit)
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no completions recorded")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "COMPLETED\tTASK\tTITLE\tSIZE\tLINKS")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				humanize.Time(e.CompletedAt), e.TaskID, e.Title, humanize.Bytes(uint64(max(e.SizeBytes, 0))), strings.Join(e.Links, " "))
		}
		return w.Flush() //nolint:wrapcheck
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "number of entries to print (0 for all)")
}
