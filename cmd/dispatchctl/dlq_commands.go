package main

import (
    "context"
    "fmt"
    "os"
    "time"

    "github.com/fatih/color"
    "github.com/olekukonko/tablewriter"
    "github.com/spf13/cobra"

    "github.com/outcall/dispatchcore/internal/webhook"
)

// createDLQCommands exposes the webhook pipeline's dead-letter queue
// for operator inspection and manual requeue.
func createDLQCommands() *cobra.Command {
    dlqCmd := &cobra.Command{
        Use:   "dlq",
        Short: "Inspect and requeue dead-lettered webhook terminal events",
    }
    dlqCmd.AddCommand(
        createDLQListCommand(),
        createDLQRetryCommand(),
        createDLQPurgeCommand(),
    )
    return dlqCmd
}

func createDLQRetryCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "retry <id>",
        Short: "Reprocess a dead-lettered terminal event and remove it on success",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            var id int64
            if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
                return fmt.Errorf("invalid id: %s", args[0])
            }

            processor := webhook.NewDefaultProcessor(database.DB, registry)
            if err := dlqStore.Reprocess(ctx, id, processor); err != nil {
                return fmt.Errorf("reprocess failed: %w", err)
            }

            fmt.Printf("%s Dead-letter item %d reprocessed and removed\n", color.New(color.FgGreen).SprintFunc()("✓"), id)
            return nil
        },
    }
}

func createDLQListCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "list",
        Short: "List dead-lettered terminal events",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            items, err := dlqStore.List(ctx)
            if err != nil {
                return fmt.Errorf("failed to list dead-letter items: %w", err)
            }
            if len(items) == 0 {
                fmt.Println("No dead-lettered items")
                return nil
            }

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"ID", "Execution ID", "Attempts", "Last Error", "Moved At"})
            for _, item := range items {
                table.Append([]string{
                    fmt.Sprintf("%d", item.ID),
                    item.ExecutionID,
                    fmt.Sprintf("%d", item.Attempts),
                    item.LastError,
                    item.MovedAt.Format("2006-01-02 15:04:05"),
                })
            }
            table.Render()
            return nil
        },
    }
}

func createDLQPurgeCommand() *cobra.Command {
    var olderThanDays int

    cmd := &cobra.Command{
        Use:   "purge [id]",
        Short: "Permanently remove a dead-letter item, or all items older than N days",
        Args:  cobra.MaximumNArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            green := color.New(color.FgGreen).SprintFunc()

            if olderThanDays > 0 {
                cutoff := time.Now().AddDate(0, 0, -olderThanDays)
                purged, err := dlqStore.PurgeOlderThan(ctx, cutoff)
                if err != nil {
                    return fmt.Errorf("failed to purge old dead-letter items: %w", err)
                }
                fmt.Printf("%s Purged %d dead-letter items older than %d days\n", green("✓"), purged, olderThanDays)
                return nil
            }

            if len(args) == 0 {
                return fmt.Errorf("either an id or --older-than-days is required")
            }
            var id int64
            if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
                return fmt.Errorf("invalid id: %s", args[0])
            }

            if err := dlqStore.Purge(ctx, id); err != nil {
                return fmt.Errorf("failed to purge dead-letter item: %w", err)
            }

            fmt.Printf("%s Dead-letter item %d purged\n", green("✓"), id)
            return nil
        },
    }
    cmd.Flags().IntVar(&olderThanDays, "older-than-days", 0, "Purge every item that dead-lettered more than this many days ago")
    return cmd
}
