package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sorashiro/kioku/internal/engine"
	"github.com/sorashiro/kioku/internal/store"
)

// --- list command ---

var (
	listArchived bool
	listLevel    int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List memories",
	RunE:  runList,
}

func init() {
	listCmd.Flags().BoolVar(&listArchived, "archived", false, "List archived memories instead of active ones")
	listCmd.Flags().IntVar(&listLevel, "level", 0, "Filter by level (1-3)")

	deleteCmd.Flags().BoolVar(&deleteForce, "force", false, "Delete even if the memory is protected")
	purgeCmd.Flags().BoolVar(&purgeForce, "force", false, "Actually delete; without it only reports the count")

	searchCmd.Flags().BoolVar(&searchActiveOnly, "active-only", false, "Exclude archived memories")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 0, "Maximum number of results")

	ingestCmd.Flags().StringVar(&ingestUser, "user", "", "User utterance for a single turn")
	ingestCmd.Flags().StringVar(&ingestAssistant, "assistant", "", "Assistant reply for a single turn")
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var memories []store.Memory
	if listArchived {
		memories, err = db.GetArchived()
	} else {
		memories, err = db.GetActive()
	}
	if err != nil {
		return err
	}

	shown := 0
	for _, m := range memories {
		if listLevel > 0 && m.CurrentLevel != listLevel {
			continue
		}
		printMemoryLine(&m)
		shown++
	}
	if shown == 0 {
		fmt.Println("No memories.")
	}
	return nil
}

func printMemoryLine(m *store.Memory) {
	flags := ""
	if m.Protected {
		flags += " [protected]"
	}
	if m.Archived() {
		flags += " [archived]"
	}
	fmt.Printf("%s  [L%d] score %.1f%s\n    %s → %s\n",
		m.ID, m.CurrentLevel, m.RetentionScore, flags, m.Trigger, m.Content)
}

// --- show command ---

var showCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show one memory in full",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func runShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	m, err := db.Get(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("id:         %s\n", m.ID)
	fmt.Printf("created:    %s\n", m.Created.Format(time.RFC3339))
	fmt.Printf("level:      %d\n", m.CurrentLevel)
	fmt.Printf("score:      %.2f (intensity %d, coeff %.4f, days %.2f)\n",
		m.RetentionScore, m.EmotionalIntensity, m.DecayCoefficient, m.MemoryDays)
	fmt.Printf("category:   %s\n", m.Category)
	fmt.Printf("emotion:    %s, arousal %d, tags %s\n",
		m.EmotionalValence, m.EmotionalArousal, strings.Join(m.EmotionalTags, ", "))
	fmt.Printf("keywords:   %s\n", strings.Join(m.Keywords, ", "))
	fmt.Printf("recalls:    %d\n", m.RecallCount)
	fmt.Printf("protected:  %v\n", m.Protected)
	if m.Archived() {
		fmt.Printf("archived:   %s\n", m.ArchivedAt.Format(time.RFC3339))
	}
	if len(m.Relations) > 0 {
		fmt.Println("relations:")
		for _, r := range m.Relations {
			fmt.Printf("  %s (%s)\n", r.ID, r.Type)
		}
	}
	fmt.Printf("trigger:    %s\n", m.Trigger)
	fmt.Printf("content:    %s\n", m.Content)
	return nil
}

// --- delete command ---

var deleteForce bool

var deleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete one memory",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

func runDelete(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	m, err := db.Get(args[0])
	if err != nil {
		return err
	}
	if m.Protected && !deleteForce {
		return fmt.Errorf("%s is protected; use --force to delete it", m.ID)
	}

	if err := db.Delete(m.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted %s\n", m.ID)
	return nil
}

// --- protect / unprotect commands ---

var protectCmd = &cobra.Command{
	Use:   "protect [id]",
	Short: "Exempt a memory from decay, compression, and deletion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setProtected(args[0], true)
	},
}

var unprotectCmd = &cobra.Command{
	Use:   "unprotect [id]",
	Short: "Remove a memory's protection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setProtected(args[0], false)
	},
}

func setProtected(id string, protected bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if protected {
		n, err := db.CountProtected()
		if err != nil {
			return err
		}
		if n >= cfg.Protection.MaxProtectedMemories {
			return fmt.Errorf("protected limit reached (%d)", cfg.Protection.MaxProtectedMemories)
		}
	}

	if err := db.Update(id, map[string]any{"protected": protected}); err != nil {
		return err
	}
	if protected {
		fmt.Printf("Protected %s\n", id)
	} else {
		fmt.Printf("Unprotected %s\n", id)
	}
	return nil
}

// --- stats command ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory store statistics",
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	counts, err := db.CountByLevel()
	if err != nil {
		return err
	}
	archived, err := db.GetArchived()
	if err != nil {
		return err
	}
	protected, err := db.CountProtected()
	if err != nil {
		return err
	}
	lastRun, err := db.GetState("last_compression_run")
	if err != nil {
		return err
	}

	active := counts[1] + counts[2] + counts[3]
	fmt.Printf("active:     %d  (L1 %d, L2 %d, L3 %d)\n", active, counts[1], counts[2], counts[3])
	fmt.Printf("archived:   %d\n", len(archived))
	fmt.Printf("protected:  %d / %d\n", protected, cfg.Protection.MaxProtectedMemories)
	if lastRun == "" {
		lastRun = "never"
	}
	fmt.Printf("last batch: %s\n", lastRun)
	if info, err := os.Stat(db.Path); err == nil {
		fmt.Printf("db:         %s (%.1f KB)\n", db.Path, float64(info.Size())/1024)
	} else {
		fmt.Printf("db:         %s\n", db.Path)
	}
	return nil
}

// --- purge command ---

var purgeForce bool

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete all non-protected archived memories",
	RunE:  runPurge,
}

func runPurge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	archived, err := db.GetArchived()
	if err != nil {
		return err
	}

	deletable := 0
	for _, m := range archived {
		if !m.Protected {
			deletable++
		}
	}
	if !purgeForce {
		fmt.Printf("%d archived memories would be deleted; rerun with --force\n", deletable)
		return nil
	}

	deleted := 0
	err = db.Transaction(func(tx *store.Tx) error {
		for _, m := range archived {
			if m.Protected {
				continue
			}
			if err := tx.Delete(m.ID); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d archived memories\n", deleted)
	return nil
}

// --- search command ---

var (
	searchActiveOnly bool
	searchLimit      int
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search memories by similarity and resonance",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, db, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	results, err := eng.Retrieve(context.Background(), strings.Join(args, " "), engine.RetrieveOptions{
		ActiveOnly:      searchActiveOnly,
		Limit:           searchLimit,
		SkipSideEffects: true, // inspection must not count as recall
	})
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	if len(results) == 0 {
		fmt.Println("No results found.")
		return nil
	}
	for i, r := range results {
		marker := ""
		if r.Related {
			marker = " [related]"
		}
		fmt.Printf("%d. [%.1f]%s %s\n", i+1, r.Priority, marker, r.Memory.ID)
		fmt.Printf("   %s → %s\n", r.Memory.Trigger, r.Memory.Content)
	}
	return nil
}

// --- ingest command ---

var (
	ingestUser      string
	ingestAssistant string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Analyze and store conversation turns",
	Long:  "With --user/--assistant, ingests a single turn. Otherwise reads a JSON array of {user_text, assistant_text} objects from stdin.",
	RunE:  runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, db, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var turns []engine.Turn
	if ingestUser != "" {
		turns = []engine.Turn{{UserText: ingestUser, AssistantText: ingestAssistant}}
	} else {
		if err := json.NewDecoder(os.Stdin).Decode(&turns); err != nil {
			return fmt.Errorf("read turns from stdin: %w", err)
		}
	}

	result, err := eng.IngestTurns(context.Background(), turns)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	fmt.Printf("Stored %d, skipped %d, failed %d\n", len(result.Stored), result.Skipped, result.Failed)
	for _, id := range result.Stored {
		fmt.Printf("  %s\n", id)
	}
	if len(result.ProtectedOverflow) > 0 {
		fmt.Printf("Protected limit reached; stored unprotected: %s\n", strings.Join(result.ProtectedOverflow, ", "))
	}
	return nil
}
