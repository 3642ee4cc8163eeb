package commands

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"hospsurvey/internal/alerts"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze recent audit events for threats",
	Long:  `Run the threat rules over the trailing window. Without --dry-run new findings are stored as alerts and critical ones are notified.`,
	RunE:  runAnalyze,
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize security activity",
	RunE:  runReport,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export alerts in SIEM format",
	RunE:  runExport,
}

func init() {
	rootCmd.AddCommand(analyzeCmd, reportCmd, exportCmd)

	analyzeCmd.Flags().Int("hours", 24, "analysis window in hours")
	analyzeCmd.Flags().Bool("dry-run", false, "print findings without storing alerts")

	reportCmd.Flags().Int("days", 7, "report period in days")

	exportCmd.Flags().Int("hours", 24, "export window in hours")
	exportCmd.Flags().Bool("archive", false, "write the export to object storage instead of stdout")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	hours, _ := cmd.Flags().GetInt("hours")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	s, err := open(cmd.Context())
	if err != nil {
		return err
	}
	defer s.close()

	var threats []alerts.Threat
	if dryRun {
		threats, err = s.Alerts.AnalyzeSecurityThreats(cmd.Context(), hours)
	} else {
		threats, err = s.Alerts.Run(cmd.Context(), hours)
	}
	if err != nil {
		return fmt.Errorf("analyze: %w", err)
	}

	if jsonOutput {
		return printJSON(threats)
	}
	if len(threats) == 0 {
		fmt.Printf("No threats in the last %d hours.\n", hours)
		return nil
	}
	for _, t := range threats {
		fmt.Printf("%-9s %-28s %s\n", t.Severity, t.Type, t.Message)
	}
	fmt.Printf("\n%d finding(s)\n", len(threats))
	return nil
}

func runReport(cmd *cobra.Command, args []string) error {
	days, _ := cmd.Flags().GetInt("days")

	s, err := open(cmd.Context())
	if err != nil {
		return err
	}
	defer s.close()

	report, err := s.Alerts.GenerateSecurityReport(cmd.Context(), days)
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	if jsonOutput {
		return printJSON(report)
	}

	fmt.Printf("Security report: %s to %s (%s)\n", report.From.Format(time.DateOnly), report.To.Format(time.DateOnly), humanize.Time(report.From))
	fmt.Println("────────────────────────────")
	fmt.Printf("Audit events:        %s\n", humanize.Comma(int64(report.TotalEvents)))
	fmt.Printf("Flagged events:      %s\n", humanize.Comma(int64(report.SecurityAlertEvents)))
	fmt.Printf("Alerts raised:       %s\n", humanize.Comma(int64(report.AlertsRaised)))
	fmt.Printf("Failed logins:       %s\n", humanize.Comma(int64(report.FailedLogins)))
	fmt.Printf("Password changes:    %s\n", humanize.Comma(int64(report.PasswordChanges)))
	fmt.Printf("Users created:       %s\n", humanize.Comma(int64(report.UserCreations)))
	fmt.Printf("Users deleted:       %s\n", humanize.Comma(int64(report.UserDeletions)))
	fmt.Printf("Open threats:        %d\n", len(report.Threats))
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	hours, _ := cmd.Flags().GetInt("hours")
	archive, _ := cmd.Flags().GetBool("archive")

	s, err := open(cmd.Context())
	if err != nil {
		return err
	}
	defer s.close()

	if archive {
		key, count, err := s.Alerts.ArchiveSIEMExport(cmd.Context(), hours)
		if err != nil {
			return fmt.Errorf("archive export: %w", err)
		}
		fmt.Printf("Archived %s alert(s) to %s\n", humanize.Comma(int64(count)), key)
		return nil
	}

	records, err := s.Alerts.ExportAlertsForSIEM(cmd.Context(), hours)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	return printJSON(records)
}
