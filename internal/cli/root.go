package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sorashiro/kioku/internal/config"
	"github.com/sorashiro/kioku/internal/engine"
	"github.com/sorashiro/kioku/internal/llm"
	"github.com/sorashiro/kioku/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "kioku",
	Short: "Long-term memory for conversational assistants",
	Long:  "Kioku stores conversation memories with human-like retention: frequently recalled memories strengthen, unused ones decay, compress, and eventually fade into the archive.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(protectCmd)
	rootCmd.AddCommand(unprotectCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(serveCmd)
}

// loadConfig reads the config file, honoring the KIOKU_CONFIG override and
// API key environment variables.
func loadConfig() (config.Config, error) {
	path := os.Getenv("KIOKU_CONFIG")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return config.Config{}, fmt.Errorf("resolve home dir: %w", err)
		}
		path = filepath.Join(home, ".kioku", "config.json")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.LLM.AnthropicKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Embedding.OpenAIKey == "" {
		cfg.Embedding.OpenAIKey = key
	}
	return cfg, nil
}

// openDB opens the store, honoring the KIOKU_DB override.
func openDB(cfg config.Config) (*store.DB, error) {
	path := os.Getenv("KIOKU_DB")
	if path == "" {
		path = cfg.Database.Path
	}
	if path == "" {
		var err error
		path, err = store.DefaultDBPath()
		if err != nil {
			return nil, err
		}
	}
	return store.Open(path)
}

// newEngine wires up the store, the LLM client, and the embedder.
func newEngine(cfg config.Config) (*engine.Engine, *store.DB, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}

	llmClient, err := llm.NewClient(cfg.LLM)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("create llm client: %w", err)
	}
	embedder, err := engine.NewEmbedder(cfg.Embedding)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("create embedder: %w", err)
	}

	return engine.New(db, llmClient, embedder, cfg), db, nil
}
