package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kirillkom/hybrid-rag/internal/bootstrap"
	"github.com/kirillkom/hybrid-rag/internal/config"
	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/keyword/bm25"
	"github.com/kirillkom/hybrid-rag/internal/observability/logging"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ragctl",
		Short:         "Operate the hybrid RAG pipeline",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newUploadCmd(), newStatusCmd(), newAskCmd(), newBM25Cmd())
	return root
}

// withApp loads configuration and wires the full application for one command.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *bootstrap.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.NewJSONLoggerTo(os.Stderr, "ragctl", cfg.LogLevel)
	app, err := bootstrap.New(cmd.Context(), cfg, bootstrap.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(cmd.Context(), app)
}

func newUploadCmd() *cobra.Command {
	var req domain.UploadRequest
	var sourceType string
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file or zip archive into the pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			req.Filename = filepath.Base(args[0])
			req.Data = data
			req.SourceType = domain.SourceType(strings.ToUpper(sourceType))
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				if domain.IsArchive(req.Filename) {
					result, err := app.Ingest.UploadArchive(ctx, req)
					if err != nil {
						return err
					}
					return printJSON(cmd, result)
				}
				doc, err := app.Ingest.Upload(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd, doc)
			})
		},
	}
	cmd.Flags().StringVar(&req.UserID, "user", "", "uploading user id")
	cmd.Flags().StringVar(&req.OrganizationID, "org", "", "organization id")
	cmd.Flags().StringVar(&req.CategoryID, "category-id", "", "category id")
	cmd.Flags().StringVar(&req.Category, "category", "", "category name")
	cmd.Flags().StringVar(&sourceType, "source-type", string(domain.SourceLocalFile), "source type")
	cmd.Flags().StringSliceVar(&req.Tags, "tags", nil, "tags to extract")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <doc-id>",
		Short: "Show a document's stage and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				doc, err := app.Ingest.GetByID(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, doc)
			})
		},
	}
}

func newAskCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question within the user's category scope",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				return printJSON(cmd, app.Ask.Ask(ctx, userID, strings.Join(args, " ")))
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "asking user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newBM25Cmd() *cobra.Command {
	bm25Cmd := &cobra.Command{
		Use:   "bm25",
		Short: "Inspect persisted keyword indexes",
	}
	var dir string
	inspect := &cobra.Command{
		Use:   "inspect [doc-id]",
		Short: "Summarize one keyword index, or list indexed documents",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				dir = cfg.BM25Path
			}
			store, err := bm25.NewStore(dir, bm25.DefaultParams())
			if err != nil {
				return err
			}
			if len(args) == 0 {
				ids, err := store.DocumentIDs()
				if err != nil {
					return err
				}
				return printJSON(cmd, ids)
			}
			idx, err := store.Load(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, summarize(idx))
		},
	}
	inspect.Flags().StringVar(&dir, "dir", "", "index directory (defaults to BM25_PATH)")
	bm25Cmd.AddCommand(inspect)
	return bm25Cmd
}

type indexSummary struct {
	DocumentID string   `json:"document_id"`
	Category   string   `json:"category"`
	Windows    int      `json:"windows"`
	Sources    []string `json:"sources"`
	Preview    []string `json:"preview"`
}

func summarize(idx *bm25.Index) indexSummary {
	out := indexSummary{DocumentID: idx.DocumentID, Category: idx.Category, Windows: len(idx.Entries)}
	seen := map[string]bool{}
	for i, e := range idx.Entries {
		if !seen[e.Source] {
			seen[e.Source] = true
			out.Sources = append(out.Sources, e.Source)
		}
		if i < 3 {
			out.Preview = append(out.Preview, preview(e.Text, 80))
		}
	}
	return out
}

func preview(text string, n int) string {
	r := []rune(strings.Join(strings.Fields(text), " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
