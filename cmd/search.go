package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/schovi/shellcrew/internal/daemon"
)

var searchCmd = &cobra.Command{
	Use:   "search <name> <pattern>",
	Short: "Search session output for patterns",
	Long: `Search session output buffer for regex patterns with context.

Returns matching lines with optional context lines before and after.`,
	Args: cobra.ExactArgs(2),
	RunE: runSearch,
}

var (
	searchBeforeFlag     int
	searchAfterFlag      int
	searchAroundFlag     int
	searchIgnoreCaseFlag bool
	searchStripAnsiFlag  bool
	searchJsonFlag       bool
)

func init() {
	searchCmd.Flags().IntVar(&searchBeforeFlag, "before", 0, "Lines of context before each match")
	searchCmd.Flags().IntVar(&searchAfterFlag, "after", 0, "Lines of context after each match")
	searchCmd.Flags().IntVar(&searchAroundFlag, "around", 0, "Lines of context before AND after (shorthand for --before N --after N)")
	searchCmd.Flags().BoolVar(&searchIgnoreCaseFlag, "ignore-case", false, "Case-insensitive search")
	searchCmd.Flags().BoolVar(&searchStripAnsiFlag, "strip-ansi", false, "Strip ANSI escape codes before searching")
	searchCmd.Flags().BoolVar(&searchJsonFlag, "json", false, "Output as JSON")
}

func runSearch(cmd *cobra.Command, args []string) error {
	name := args[0]
	pattern := args[1]

	if searchAroundFlag > 0 && (searchBeforeFlag > 0 || searchAfterFlag > 0) {
		return fmt.Errorf("--around is mutually exclusive with --before/--after")
	}

	before := searchBeforeFlag
	after := searchAfterFlag
	if searchAroundFlag > 0 {
		before = searchAroundFlag
		after = searchAroundFlag
	}

	if before < 0 || after < 0 {
		return fmt.Errorf("--before, --after, and --around must be non-negative")
	}

	client, err := connect()
	if err != nil {
		return err
	}

	resp, err := client.Search(daemon.SearchRequest{
		Name:       name,
		Pattern:    pattern,
		Before:     before,
		After:      after,
		IgnoreCase: searchIgnoreCaseFlag,
		StripANSI:  searchStripAnsiFlag,
	})
	if err != nil {
		return err
	}

	if searchJsonFlag {
		return printJSON(resp)
	}

	if len(resp.Matches) == 0 {
		fmt.Println("No matches found.")
		return nil
	}

	// Lines come back already stripped when --strip-ansi is set.
	for i, match := range resp.Matches {
		if i > 0 {
			fmt.Println()
		}
		fmt.Printf("--- Match at line %d ---\n", match.LineNumber)

		startLine := match.LineNumber - len(match.Before)
		for j, line := range match.Before {
			fmt.Printf("%4d: %s\n", startLine+j, line)
		}
		fmt.Printf(">%3d: %s\n", match.LineNumber, match.Line)
		for j, line := range match.After {
			fmt.Printf("%4d: %s\n", match.LineNumber+1+j, line)
		}
	}
	return nil
}
