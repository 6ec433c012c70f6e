package main

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaultrelay/vaultrelay-go/routing"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relay-monitor",
		Short: "Inspect and manage the vaultrelay message store",
		Long: `Relay Monitor is a CLI tool for operating the vaultrelay routing core.
It inspects router status, manages the dead letter queue and runs TTL sweeps
against a shared vault directory.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	// Global flags
	var (
		vaultPath string
		verbose   bool
	)

	rootCmd.PersistentFlags().StringVarP(&vaultPath, "vault", "p", ".", "Path to the shared vault directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	newRouter := func() (*routing.Router, error) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		return routing.NewRouter(vaultPath, routing.WithRouterLogger(logger))
	}

	// Status command
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show router status",
		RunE: func(cmd *cobra.Command, args []string) error {
			router, err := newRouter()
			if err != nil {
				return fmt.Errorf("failed to open vault: %w", err)
			}
			defer router.Close()

			status := router.Status()
			fmt.Printf("Transport:        %s\n", status.Transport)
			fmt.Printf("Dedup cache size: %d\n", status.DedupCacheSize)
			fmt.Printf("Dead letters:     %d\n", status.DeadLetterCount)
			return nil
		},
	}

	// DLQ command group
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Manage the dead letter queue",
	}

	var listLimit int
	dlqListCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered messages, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			router, err := newRouter()
			if err != nil {
				return fmt.Errorf("failed to open vault: %w", err)
			}
			defer router.Close()

			messages, err := router.DeadLetters().List(listLimit)
			if err != nil {
				return fmt.Errorf("failed to list dead letters: %w", err)
			}
			if len(messages) == 0 {
				fmt.Println("Dead letter queue is empty")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MESSAGE ID\tTYPE\tSENDER\tRECIPIENT\tREASON\tRETRIES")
			for _, msg := range messages {
				reason, _ := msg.Metadata["dlq_reason"].(string)
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\n",
					msg.ID, msg.Type, msg.Sender, msg.Recipient, reason, msg.RetryCount, msg.MaxRetries)
			}
			return w.Flush()
		},
	}
	dlqListCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "Maximum messages to list")

	dlqRetryCmd := &cobra.Command{
		Use:   "retry <message-id>",
		Short: "Remove a message from the DLQ and resubmit it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			router, err := newRouter()
			if err != nil {
				return fmt.Errorf("failed to open vault: %w", err)
			}
			defer router.Close()

			msg, err := router.DeadLetters().Retry(args[0])
			if err != nil {
				return fmt.Errorf("failed to retry %s: %w", args[0], err)
			}

			// The record is already gone from the queue; route it now or
			// it is lost.
			if err := router.Route(cmd.Context(), msg); err != nil {
				return fmt.Errorf("resubmission failed for %s: %w", msg.ID, err)
			}
			fmt.Printf("Message %s resubmitted (attempt %d of %d)\n", msg.ID, msg.RetryCount, msg.MaxRetries)
			return nil
		},
	}

	var olderThanHours int
	dlqPurgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete dead letters older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			router, err := newRouter()
			if err != nil {
				return fmt.Errorf("failed to open vault: %w", err)
			}
			defer router.Close()

			purged, err := router.DeadLetters().Purge(time.Duration(olderThanHours) * time.Hour)
			if err != nil {
				return fmt.Errorf("purge failed: %w", err)
			}
			fmt.Printf("Purged %d dead letters older than %dh\n", purged, olderThanHours)
			return nil
		},
	}
	dlqPurgeCmd.Flags().IntVar(&olderThanHours, "older-than", 72, "Retention window in hours")

	dlqCmd.AddCommand(dlqListCmd, dlqRetryCmd, dlqPurgeCmd)

	// Expire command
	expireCmd := &cobra.Command{
		Use:   "expire",
		Short: "Run one TTL sweep over all inboxes",
		RunE: func(cmd *cobra.Command, args []string) error {
			router, err := newRouter()
			if err != nil {
				return fmt.Errorf("failed to open vault: %w", err)
			}
			defer router.Close()

			expired := router.EnforceTTL()
			fmt.Printf("Expired %d messages\n", expired)
			return nil
		},
	}

	rootCmd.AddCommand(statusCmd, dlqCmd, expireCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
