package main

import (
    "context"
    "fmt"
    "os"

    "github.com/fatih/color"
    "github.com/olekukonko/tablewriter"
    "github.com/spf13/cobra"

    "github.com/outcall/dispatchcore/internal/models"
    "github.com/outcall/dispatchcore/pkg/errors"
)

// createCallsCommands exposes the Active-Call Registry's current slot
// holders for operator inspection, and the interactive direct-call
// entrypoint.
func createCallsCommands() *cobra.Command {
    callsCmd := &cobra.Command{
        Use:   "calls",
        Short: "Place direct calls and inspect in-flight slot holders",
    }
    callsCmd.AddCommand(
        createCallsActiveCommand(),
        createCallsPlaceCommand(),
    )
    return callsCmd
}

func createCallsPlaceCommand() *cobra.Command {
    var userID, agentID int64
    var toNumber, fromNumber, leadName string

    cmd := &cobra.Command{
        Use:   "place",
        Short: "Place a direct call now, or queue it at elevated priority when at capacity",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            userData := models.JSON{}
            if fromNumber != "" {
                userData["from_number"] = fromNumber
            }
            if leadName != "" {
                userData["lead_name"] = leadName
            }
            item := &models.QueueItem{
                UserID:   userID,
                AgentID:  agentID,
                ToNumber: toNumber,
                UserData: userData,
            }

            disp := newDispatcher(nil)
            outcome, err := disp.SubmitDirect(ctx, item)
            if err != nil {
                return fmt.Errorf("failed to place direct call: %w", err)
            }

            green := color.New(color.FgGreen).SprintFunc()
            yellow := color.New(color.FgYellow).SprintFunc()
            if outcome.Kind == errors.OutcomeOK {
                fmt.Printf("%s Call placed (queue item %d)\n", green("✓"), item.ID)
            } else {
                fmt.Printf("%s No capacity (%s), queued as item %d at priority %d\n", yellow("…"), outcome.Reason, item.ID, item.Priority)
            }
            return nil
        },
    }
    cmd.Flags().Int64Var(&userID, "user", 0, "Owning user id")
    cmd.Flags().Int64Var(&agentID, "agent", 0, "Agent id to place the call with")
    cmd.Flags().StringVar(&toNumber, "to", "", "Recipient phone number (E.164)")
    cmd.Flags().StringVar(&fromNumber, "from", "", "Explicit source number (must be owned by the user)")
    cmd.Flags().StringVar(&leadName, "lead-name", "", "Lead name forwarded to the voice agent")
    _ = cmd.MarkFlagRequired("user")
    _ = cmd.MarkFlagRequired("agent")
    _ = cmd.MarkFlagRequired("to")
    return cmd
}

func createCallsActiveCommand() *cobra.Command {
    var userID int64

    cmd := &cobra.Command{
        Use:   "active",
        Short: "List calls currently holding a concurrency slot",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            var calls []*models.ActiveCall
            var err error
            if userID > 0 {
                calls, err = registry.ListActiveUser(ctx, userID)
            } else {
                calls, err = registry.ListActive(ctx)
            }
            if err != nil {
                return fmt.Errorf("failed to list active calls: %w", err)
            }
            if len(calls) == 0 {
                fmt.Println("No active calls")
                return nil
            }

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"ID", "User", "Type", "To", "Execution ID", "Reserved At"})
            for _, c := range calls {
                table.Append([]string{
                    fmt.Sprintf("%d", c.ID),
                    fmt.Sprintf("%d", c.UserID),
                    string(c.CallType),
                    c.ToNumber,
                    c.ExecutionID,
                    c.ReservedAt.Format("2006-01-02 15:04:05"),
                })
            }
            table.Render()
            return nil
        },
    }
    cmd.Flags().Int64Var(&userID, "user", 0, "Only list calls held by this user")
    return cmd
}
