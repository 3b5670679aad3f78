package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List the capture sources of the configured provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSources()
	},
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
}

func runSources() error {
	sources, err := newProvider(cfg).Sources()
	if err != nil {
		return fmt.Errorf("failed to enumerate sources: %w", err)
	}

	if len(sources) == 0 {
		fmt.Println("No cameras found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "INDEX\tID\tNAME")
	fmt.Fprintln(w, "-----\t--\t----")
	for _, s := range sources {
		fmt.Fprintf(w, "%d\t%s\t%s\n", s.Index, s.ID, s.Name)
	}
	return w.Flush()
}
