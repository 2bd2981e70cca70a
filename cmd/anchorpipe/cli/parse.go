package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/anchorpipe/anchorpipe-sub000/internal/reports"
)

var (
	parseFramework string
	parseFile      string
	parseSummary   bool
)

var parseCmd = &cobra.Command{
	Use:   "parse",
	Short: "Normalize a framework report locally",
	Long: `Run a report through the normalizer of its framework and print the
canonical result as JSON. Nothing is sent to the server.

Examples:
  anchorpipe parse --framework junit --file target/surefire-reports/TEST-suite.xml
  anchorpipe parse --framework pytest --file report.json --summary`,
	RunE: runParse,
}

func init() {
	parseCmd.Flags().StringVar(&parseFramework, "framework", "", "Report framework ("+strings.Join(reports.NewRegistry(nil).Frameworks(), ", ")+")")
	parseCmd.Flags().StringVar(&parseFile, "file", "-", "Report file, - for stdin")
	parseCmd.Flags().BoolVar(&parseSummary, "summary", false, "Print only the summary")
	parseCmd.MarkFlagRequired("framework")
}

func runParse(cmd *cobra.Command, args []string) error {
	content, err := readInput(cmd, parseFile)
	if err != nil {
		return err
	}
	report := reports.NewRegistry(nil).Parse(parseFramework, content)
	if !report.Success {
		return fmt.Errorf("%s", report.Error)
	}

	var out any = report
	if parseSummary {
		out = report.Summary
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
