package cmd

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/osmn-byhn/tamga/audit"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit log",
	Long: `Query audit events written by the file logger. Events record actions,
outcomes, slot and collection names. They never carry secrets.`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "List audit events",
	RunE:  runAuditQuery,
}

var auditSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarise audit events per profile",
	RunE:  runAuditSummary,
}

var auditFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List failed operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		auditFailuresOnly = true
		return runAuditQuery(cmd, args)
	},
}

var (
	auditJSONOutput   bool
	auditSince        string
	auditUntil        string
	auditLimit        int
	auditOffset       int
	auditDetails      bool
	auditAllProfiles  bool
	auditAction       string
	auditCollection   string
	auditStatus       string
	auditAuthOnly     bool
	auditFailuresOnly bool
)

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditSummaryCmd)
	auditCmd.AddCommand(auditFailuresCmd)

	auditCmd.PersistentFlags().BoolVar(&auditJSONOutput, "json", false, "Output in JSON format")
	auditCmd.PersistentFlags().StringVar(&auditSince, "since", "", "Show events since this time (RFC3339 or a duration such as 24h)")
	auditCmd.PersistentFlags().StringVar(&auditUntil, "until", "", "Show events until this time (RFC3339)")
	auditCmd.PersistentFlags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to return")
	auditCmd.PersistentFlags().IntVar(&auditOffset, "offset", 0, "Number of events to skip")
	auditCmd.PersistentFlags().BoolVar(&auditAllProfiles, "all-profiles", false, "Include every profile")
	auditCmd.PersistentFlags().BoolVar(&auditDetails, "details", false, "Show detailed event information")

	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "Filter by action, e.g. VAULT_UNLOCK")
	auditQueryCmd.Flags().StringVar(&auditCollection, "collection", "", "Filter by collection")
	auditQueryCmd.Flags().StringVar(&auditStatus, "success", "", "Filter by success status (true/false)")
	auditQueryCmd.Flags().BoolVar(&auditAuthOnly, "auth-only", false, "Show only unlock, lock and password events")
	auditQueryCmd.Flags().BoolVar(&auditFailuresOnly, "failures-only", false, "Show only failed events")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}

	result, err := manager.QueryAuditLogs(options)
	if err != nil {
		return fmt.Errorf("failed to query audit logs: %w", err)
	}

	if auditJSONOutput {
		return printJSON(result)
	}
	if err = displayAuditEvents(result.Events); err != nil {
		return err
	}
	if result.HasMore {
		fmt.Printf("\n%d of %d matching events shown; use --offset for more\n", len(result.Events), result.Filtered)
	}
	return nil
}

func runAuditSummary(cmd *cobra.Command, args []string) error {
	since, err := parseSince(auditSince)
	if err != nil {
		return err
	}

	profiles := []string{profileName}
	if auditAllProfiles {
		if profiles, err = manager.ListProfiles(); err != nil {
			return err
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	if !auditJSONOutput {
		fmt.Fprintln(w, "PROFILE\tEVENTS\tFAILED\tAUTH\tFAILED UNLOCKS\tWRITES\tBACKUPS\tLAST ACTIVITY")
	}
	for _, p := range profiles {
		summary, err := manager.GetAuditSummary(p, since)
		if err != nil {
			return fmt.Errorf("failed to summarise profile %s: %w", p, err)
		}
		if auditJSONOutput {
			if err = printJSON(summary); err != nil {
				return err
			}
			continue
		}
		last := "-"
		if !summary.LastActivity.IsZero() {
			last = summary.LastActivity.Local().Format("2006-01-02 15:04:05")
		}
		failed := strconv.Itoa(summary.FailedUnlocks)
		if summary.FailedUnlocks > 0 {
			failed = warning(failed)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%d\t%d\t%s\n",
			p, summary.TotalEvents, summary.FailedEvents, summary.AuthEvents, failed,
			summary.DataWrites, summary.BackupOperations, last)
	}
	return w.Flush()
}

func buildQueryOptions() (audit.QueryOptions, error) {
	options := audit.QueryOptions{
		Limit:      auditLimit,
		Offset:     auditOffset,
		Action:     auditAction,
		Collection: auditCollection,
		AuthEvents: auditAuthOnly,
	}
	if !auditAllProfiles {
		options.Profile = profileName
	}

	var err error
	if options.Since, err = parseSince(auditSince); err != nil {
		return options, err
	}

	if auditUntil != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditUntil)
		if err != nil {
			return options, fmt.Errorf("invalid until time format: %w", err)
		}
		options.Until = &parsedTime
	}

	if auditStatus != "" {
		ok, err := strconv.ParseBool(auditStatus)
		if err != nil {
			return options, fmt.Errorf("invalid success filter format: %w", err)
		}
		options.Success = &ok
	}

	if auditFailuresOnly {
		falseVal := false
		options.Success = &falseVal
	}

	return options, nil
}

// parseSince accepts RFC3339 or a duration counted back from now.
func parseSince(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		t := time.Now().Add(-d)
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid since time format: %w", err)
	}
	return &t, nil
}

func displayAuditEvents(events []audit.Event) error {
	if len(events) == 0 {
		fmt.Println("No audit events found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	if auditDetails {
		for _, event := range events {
			fmt.Fprintf(w, "Event ID:\t%s\n", event.ID)
			fmt.Fprintf(w, "Request ID:\t%s\n", event.RequestID)
			fmt.Fprintf(w, "Timestamp:\t%s\n", event.Timestamp.Local().Format("2006-01-02 15:04:05"))
			fmt.Fprintf(w, "Profile:\t%s\n", event.Profile)
			fmt.Fprintf(w, "Action:\t%s\n", event.Action)
			fmt.Fprintf(w, "Status:\t%s\n", eventStatus(event))
			if event.Error != "" {
				fmt.Fprintf(w, "Error:\t%s\n", event.Error)
			}
			if event.Slot != "" {
				fmt.Fprintf(w, "Slot:\t%s\n", event.Slot)
			}
			if event.Collection != "" {
				fmt.Fprintf(w, "Collection:\t%s\n", event.Collection)
			}
			if event.UserID != "" {
				fmt.Fprintf(w, "User ID:\t%s\n", event.UserID)
			}
			if event.Source != "" {
				fmt.Fprintf(w, "Source:\t%s\n", event.Source)
			}
			if len(event.Metadata) > 0 {
				fmt.Fprintf(w, "Metadata:\t")
				for k, v := range event.Metadata {
					fmt.Fprintf(w, "%s=%v ", k, v)
				}
				fmt.Fprintf(w, "\n")
			}
			fmt.Fprintf(w, "────────────────────────────────────────\n")
		}
		return w.Flush()
	}

	fmt.Fprintf(w, "TIMESTAMP\tPROFILE\tACTION\tSTATUS\tSLOT\tERROR\n")
	for _, event := range events {
		errorMsg := event.Error
		if len(errorMsg) > 40 {
			errorMsg = errorMsg[:40] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			event.Timestamp.Local().Format("2006-01-02 15:04:05"),
			event.Profile, event.Action, eventStatus(event), event.Slot, errorMsg)
	}
	return w.Flush()
}

func eventStatus(event audit.Event) string {
	if event.Success {
		return success("SUCCESS")
	}
	return failure("FAILED")
}
