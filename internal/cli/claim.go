package cli

import (
	"encoding/json"
	"fmt"

	"github.com/buildtall-systems/vendorder/internal/commands"
	"github.com/buildtall-systems/vendorder/internal/config"
	"github.com/buildtall-systems/vendorder/internal/db"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	claimList   bool
	claimStatus string
	claimLimit  int
)

var claimCmd = &cobra.Command{
	Use:   "claim <machine_id>",
	Short: "Claim a machine's next command, or list its queue",
	Long: `Claim the oldest pending command of a machine, as the machine itself would, and
print it as JSON. With --list, print the machine's queue without claiming anything.`,
	Args: cobra.ExactArgs(1),
	RunE: runClaim,
}

func init() {
	claimCmd.Flags().BoolVar(&claimList, "list", false, "list commands instead of claiming")
	claimCmd.Flags().StringVar(&claimStatus, "status", "", "with --list, only show commands in this status")
	claimCmd.Flags().IntVar(&claimLimit, "limit", 50, "with --list, maximum commands to show")
	rootCmd.AddCommand(claimCmd)
}

type claimedCommand struct {
	CommandID string    `json:"command_id"`
	Type      string    `json:"type"`
	OrderID   string    `json:"order_id"`
	MachineID string    `json:"machine_id"`
	Items     []db.Item `json:"items"`
	Status    string    `json:"status"`
}

func toClaimed(c db.Command) claimedCommand {
	return claimedCommand{
		CommandID: c.ID,
		Type:      c.Type,
		OrderID:   c.OrderID,
		MachineID: c.MachineID,
		Items:     c.Items,
		Status:    c.Status,
	}
}

func runClaim(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = database.Close() }()

	if err := database.Migrate(); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	queue := commands.NewQueue(database, cfg.Queue.ClaimWindow, nil, zap.NewNop())
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	if claimList {
		cmds, err := queue.List(cmd.Context(), args[0], claimStatus, claimLimit)
		if err != nil {
			return err
		}
		out := make([]claimedCommand, len(cmds))
		for i, c := range cmds {
			out[i] = toClaimed(c)
		}
		return enc.Encode(out)
	}

	claimed, err := queue.ClaimNext(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if claimed == nil {
		return enc.Encode(map[string]string{"status": "NO_COMMAND"})
	}
	return enc.Encode(toClaimed(*claimed))
}
