// Package main provides the connection detection worker entrypoint.
package main

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/synapse-kb/synapse/internal/config"
	"github.com/synapse-kb/synapse/internal/engine"
	"github.com/synapse-kb/synapse/internal/llm"
	"github.com/synapse-kb/synapse/internal/observability"
	"github.com/synapse-kb/synapse/internal/storage"
)

var (
	cfgFile    string
	outputJSON bool

	cfg    *config.Config
	logger *observability.Logger
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "synapse-worker",
	Short: "Connection detection worker for the knowledge base",
	Long: `synapse-worker discovers connections between document chunks.

Use this tool to:
- Run the polling worker that consumes detection jobs from the queue
- Trigger one-off detection for a single document from the terminal

Detection runs three engines: semantic similarity over embeddings,
metadata-driven contradiction detection, and LLM-assisted thematic
bridges across knowledge domains.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logFormat := cfg.Observability.LogFormat
		if !outputJSON && logFormat == "" {
			logFormat = "console"
		}

		logger = observability.NewLogger(observability.LogConfig{
			Level:       cfg.Observability.LogLevel,
			Format:      logFormat,
			ServiceName: "synapse-worker",
		})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: uses env vars)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newDetectCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openDatabase opens the shared Postgres pool.
func openDatabase() (*sql.DB, error) {
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// buildOrchestrator wires the engines over one database pool. The bridge
// engine is built unless disabled in config; enabling it without an API key
// is a configuration error.
func buildOrchestrator(db *sql.DB) (*engine.Orchestrator, error) {
	chunkRepo := storage.NewChunkRepository(db)
	connRepo := storage.NewConnectionRepository(db)
	searcher := storage.NewPGVectorSearcher(db)

	semantic := engine.NewSemanticEngine(chunkRepo, searcher, cfg.Detection.Semantic, logger)
	contradiction := engine.NewContradictionEngine(chunkRepo, cfg.Detection.Contradiction, logger)

	var bridge engine.Engine
	if cfg.Detection.Bridge.Enabled {
		if cfg.LLM.APIKey == "" {
			return nil, fmt.Errorf("bridge engine is enabled but no LLM API key is configured")
		}
		client, err := llm.NewClient(llm.Options{
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			BaseURL:     cfg.LLM.BaseURL,
			CallTimeout: cfg.LLM.CallTimeout,
			MaxRetries:  cfg.LLM.MaxRetries,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create LLM client: %w", err)
		}
		bridge = engine.NewBridgeEngine(chunkRepo, client, cfg.Detection.Bridge, logger)
	} else {
		logger.Info().Msg("Thematic bridge engine disabled by config")
	}

	return engine.NewOrchestrator(chunkRepo, connRepo, semantic, contradiction, bridge, logger), nil
}

// newVersionCmd creates the version subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the worker version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("synapse-worker 0.3.0")
		},
	}
}
