package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/synapse-kb/synapse/internal/engine"
	"github.com/synapse-kb/synapse/internal/storage"
)

// newDetectCmd creates the detect subcommand: one-off detection for a single
// document, driven from the terminal instead of the job queue.
func newDetectCmd() *cobra.Command {
	var (
		documentID  string
		chunkIDs    []string
		targetDocs  []string
		engineNames []string
	)

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run detection for one document",
		Long: `Detect runs the connection engines against a single document and saves
the results. Useful for re-detection after curation and for debugging
thresholds without going through the job queue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			docID, err := uuid.Parse(documentID)
			if err != nil {
				return fmt.Errorf("invalid --document: %w", err)
			}

			opts := engine.Options{}
			for _, raw := range chunkIDs {
				id, err := uuid.Parse(raw)
				if err != nil {
					return fmt.Errorf("invalid --chunk %q: %w", raw, err)
				}
				opts.SourceChunkIDs = append(opts.SourceChunkIDs, id)
			}
			for _, raw := range targetDocs {
				id, err := uuid.Parse(raw)
				if err != nil {
					return fmt.Errorf("invalid --target %q: %w", raw, err)
				}
				opts.TargetDocumentIDs = append(opts.TargetDocumentIDs, id)
			}
			for _, name := range engineNames {
				opts.EnabledEngines = append(opts.EnabledEngines, storage.ConnectionType(name))
			}

			db, err := openDatabase()
			if err != nil {
				return err
			}
			defer db.Close()

			orchestrator, err := buildOrchestrator(db)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			bar := progressbar.NewOptions(100,
				progressbar.OptionSetDescription("detecting"),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)

			progress := func(percent int, message string) {
				_ = bar.Set(percent)
				bar.Describe(message)
			}
			if outputJSON {
				progress = nil
			}

			result, err := orchestrator.ProcessDocument(ctx, docID, opts, progress)
			_ = bar.Finish()
			if err != nil {
				return err
			}

			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(result)
			}

			printResult(result)
			return nil
		},
	}

	cmd.Flags().StringVarP(&documentID, "document", "d", "", "document id (required)")
	cmd.Flags().StringSliceVar(&chunkIDs, "chunk", nil, "restrict to specific source chunk ids")
	cmd.Flags().StringSliceVar(&targetDocs, "target", nil, "restrict candidates to specific target document ids")
	cmd.Flags().StringSliceVar(&engineNames, "engine", nil, "engines to run (semantic_similarity, contradiction_detection, thematic_bridge)")
	_ = cmd.MarkFlagRequired("document")

	return cmd
}

func printResult(result *engine.Result) {
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	bold.Println("Detection complete")
	green.Printf("  %d connections in %d ms\n", result.TotalConnections, result.ExecutionTimeMS)

	names := make([]string, 0, len(result.ByEngine))
	for name := range result.ByEngine {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-26s %d\n", name, result.ByEngine[name])
	}

	for name, msg := range result.EngineErrors {
		yellow.Printf("  %s failed: %s\n", name, msg)
	}
}
