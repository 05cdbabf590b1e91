package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var coherenceCmd = &cobra.Command{
	Use:   "coherence",
	Short: "Run one coherence cycle and print the findings",
	RunE:  runCoherence,
}

func runCoherence(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	st, err := initStore()
	if err != nil {
		return err
	}
	obs := initObserver(st)

	issues := obs.RunOnce(ctx)
	if len(issues) == 0 {
		fmt.Println("No coherence issues found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KIND\tSUBJECT\tDETAIL\tDETECTED")
	for _, issue := range issues {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			issue.Kind, issue.SubjectID, issue.Detail, issue.DetectedAt.Local().Format(time.DateTime))
	}
	w.Flush() //nolint:errcheck,gosec
	return fmt.Errorf("%d coherence issue(s) found", len(issues))
}
