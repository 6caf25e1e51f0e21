package main

import (
    "context"
    "fmt"
    "os"

    "github.com/olekukonko/tablewriter"
    "github.com/spf13/cobra"

    "github.com/outcall/dispatchcore/internal/models"
)

// createQueueCommands exposes read-only queue and active-call depth
// reporting.
func createQueueCommands() *cobra.Command {
    queueCmd := &cobra.Command{
        Use:   "queue",
        Short: "Inspect queue depth and active-call registry state",
    }
    queueCmd.AddCommand(
        createQueueStatsCommand(),
        createQueueShowCommand(),
    )
    return queueCmd
}

func createQueueShowCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "show <id>",
        Short: "Show one queue item's state and failure reason",
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

            item, err := queueRepo.GetByID(ctx, id)
            if err != nil {
                return fmt.Errorf("failed to load queue item: %w", err)
            }
            if item == nil {
                fmt.Printf("Queue item %d not found\n", id)
                return nil
            }

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"Field", "Value"})
            table.Append([]string{"ID", fmt.Sprintf("%d", item.ID)})
            table.Append([]string{"User", fmt.Sprintf("%d", item.UserID)})
            table.Append([]string{"Type", string(item.CallType)})
            table.Append([]string{"To", item.ToNumber})
            table.Append([]string{"Status", string(item.Status)})
            table.Append([]string{"Priority", fmt.Sprintf("%d", item.Priority)})
            table.Append([]string{"Scheduled for", item.ScheduledFor.Format("2006-01-02 15:04:05")})
            table.Append([]string{"Failure reason", item.FailureReason})
            table.Render()
            return nil
        },
    }
}

func createQueueStatsCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "stats",
        Short: "Show pending queue depth and active call counts",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            directPending, err := queueRepo.CountPending(ctx, models.CallTypeDirect)
            if err != nil {
                return fmt.Errorf("failed to count pending direct items: %w", err)
            }
            campaignPending, err := queueRepo.CountPending(ctx, models.CallTypeCampaign)
            if err != nil {
                return fmt.Errorf("failed to count pending campaign items: %w", err)
            }
            activeSystem, err := registry.CountActiveSystem(ctx)
            if err != nil {
                return fmt.Errorf("failed to count active system calls: %w", err)
            }

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"Metric", "Value"})
            table.Append([]string{"Pending direct items", fmt.Sprintf("%d", directPending)})
            table.Append([]string{"Pending campaign items", fmt.Sprintf("%d", campaignPending)})
            table.Append([]string{"Active calls (system)", fmt.Sprintf("%d", activeSystem)})
            table.Render()
            return nil
        },
    }
}
