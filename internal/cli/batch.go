package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var batchForce bool

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run the daily memory maintenance batch",
	Long:  "Runs recall reinforcement, aging, rescoring, tier compression, archive revival, ratio enforcement, relation maintenance, and archive pruning. A second run within the configured interval is skipped unless --force is given.",
	RunE:  runBatch,
}

func init() {
	batchCmd.Flags().BoolVar(&batchForce, "force", false, "Run even if the interval has not elapsed")
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, db, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	result, err := eng.RunBatch(context.Background(), batchForce)
	if err != nil {
		return fmt.Errorf("batch: %w", err)
	}

	if !result.Executed {
		fmt.Printf("Skipped: %s\n", result.SkippedReason)
		return nil
	}

	fmt.Println("Batch complete:")
	fmt.Printf("  recalled processed: %d\n", result.RecalledProcessed)
	fmt.Printf("  aged:               %d\n", result.DaysUpdated)
	fmt.Printf("  rescored:           %d\n", result.ScoresUpdated)
	fmt.Printf("  compressed:         L1→L2 %d, L2→L3 %d, L3→archive %d\n", result.L1ToL2, result.L2ToL3, result.L3ToL4)
	fmt.Printf("  revived:            %d\n", result.Revived)
	fmt.Printf("  ratio demotions:    L1 %d, L2 %d, L3 %d\n", result.L1Forced, result.L2Forced, result.L3Forced)
	fmt.Printf("  relations:          %d new, %d updated\n", result.RelationsNew, result.RelationsUpdated)
	fmt.Printf("  pruned:             %d\n", result.Deleted)
	return nil
}
