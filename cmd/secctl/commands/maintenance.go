package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var verifyAuditCmd = &cobra.Command{
	Use:   "verify-audit",
	Short: "Verify the audit log hash chain",
	RunE:  runVerifyAudit,
}

var unlockCmd = &cobra.Command{
	Use:   "unlock <email>",
	Short: "Clear a login lockout",
	Args:  cobra.ExactArgs(1),
	RunE:  runUnlock,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep-inactive",
	Short: "Deactivate accounts with no recent activity",
	RunE:  runSweep,
}

func init() {
	rootCmd.AddCommand(verifyAuditCmd, unlockCmd, sweepCmd)

	verifyAuditCmd.Flags().Int("limit", 100000, "maximum entries to check, oldest first")
	sweepCmd.Flags().Int("days", 90, "idle days before deactivation")
}

func runVerifyAudit(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	s, err := open(cmd.Context())
	if err != nil {
		return err
	}
	defer s.close()

	entries, err := s.AuditLog.ListOldestFirst(cmd.Context(), limit)
	if err != nil {
		return fmt.Errorf("load audit log: %w", err)
	}

	broken, verr := s.Audit.VerifyChain(entries)
	if jsonOutput {
		out := map[string]any{"checked": len(entries), "intact": verr == nil}
		if verr != nil && broken >= 0 {
			out["brokenAt"] = entries[broken].ID
		}
		if err := printJSON(out); err != nil {
			return err
		}
		return verr
	}

	if verr != nil {
		return fmt.Errorf("%s of %s entries verified: %w", humanize.Comma(int64(broken)), humanize.Comma(int64(len(entries))), verr)
	}
	fmt.Printf("Audit chain intact (%s entries)\n", humanize.Comma(int64(len(entries))))
	return nil
}

func runUnlock(cmd *cobra.Command, args []string) error {
	s, err := open(cmd.Context())
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.Tracker.UnlockAccount(cmd.Context(), "", args[0]); err != nil {
		return fmt.Errorf("unlock %s: %w", args[0], err)
	}
	fmt.Printf("Unlocked %s\n", args[0])
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	days, _ := cmd.Flags().GetInt("days")

	s, err := open(cmd.Context())
	if err != nil {
		return err
	}
	defer s.close()

	n, err := s.Admin.DeactivateInactive(cmd.Context(), days)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	fmt.Printf("Deactivated %s account(s) idle for more than %d days\n", humanize.Comma(int64(n)), days)
	return nil
}
