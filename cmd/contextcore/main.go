// Package main is the command-line frontend for the contextcore engine. It
// issues create/read/update/delete/list/search calls against the storage
// coordinator and drives the legacy migration pipeline.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/normanking/contextcore/internal/config"
	"github.com/normanking/contextcore/internal/engine"
	"github.com/normanking/contextcore/internal/legacy"
	"github.com/normanking/contextcore/internal/logging"
	"github.com/normanking/contextcore/internal/migration"
	"github.com/normanking/contextcore/pkg/types"
)

var version = "0.1.0"

var (
	cfgPath string
	dataDir string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "contextcore",
		Short:   "Context storage & migration engine",
		Version: version,
		Long: `contextcore is a hybrid persistence layer for hierarchical context
records: an authoritative JSON content tree, a relational secondary index,
a compressing LRU cache, and a checkpointed migration pipeline for legacy
flat-file data.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override storage data directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		createCmd(), getCmd(), updateCmd(), deleteCmd(),
		listCmd(), searchCmd(), hierarchyCmd(),
		migrateCmd(), rollbackCmd(), analyzeCmd(),
		syncCmd(), rebuildIndexCmd(), healthCmd(),
		statsCmd(), analyticsCmd(), cacheCmd(), configCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadEngine builds and starts an engine from the effective configuration.
func loadEngine(ctx context.Context) (*engine.Engine, *config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	if dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if err := logging.Setup(cfg.Logging.Level, cfg.Logging.Console, cfg.Logging.File); err != nil {
		return nil, nil, err
	}

	eng, err := engine.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := eng.Start(ctx); err != nil {
		eng.Stop()
		return nil, nil, err
	}
	return eng, cfg, nil
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// withEngine wraps a command body with engine setup and teardown.
func withEngine(run func(ctx context.Context, eng *engine.Engine, cfg *config.Config, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		eng, cfg, err := loadEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Stop()
		return run(ctx, eng, cfg, args)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// RECORD COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func createCmd() *cobra.Command {
	var (
		recordType string
		hierarchy  string
		importance int
		agentID    string
		tags       []string
		content    string
		file       string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a context record",
		RunE: withEngine(func(ctx context.Context, eng *engine.Engine, _ *config.Config, _ []string) error {
			body := content
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				body = string(data)
			}
			record := &types.ContextRecord{
				Type:       types.RecordType(recordType),
				Hierarchy:  strings.Split(hierarchy, "/"),
				Importance: importance,
				Content:    body,
				Metadata:   types.Metadata{AgentID: agentID, Tags: tags},
			}
			if err := eng.CreateContext(ctx, record); err != nil {
				return err
			}
			return printJSON(record)
		}),
	}
	cmd.Flags().StringVarP(&recordType, "type", "t", "generic", "record type")
	cmd.Flags().StringVarP(&hierarchy, "hierarchy", "H", "", "slash-separated hierarchy path (required)")
	cmd.Flags().IntVarP(&importance, "importance", "i", 50, "importance score 0-100")
	cmd.Flags().StringVar(&agentID, "agent", "", "owning agent id")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tags (repeatable)")
	cmd.Flags().StringVarP(&content, "content", "c", "", "record content")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read content from file")
	cmd.MarkFlagRequired("hierarchy")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Read a context record by id",
		Args:  cobra.ExactArgs(1),
		RunE: withEngine(func(ctx context.Context, eng *engine.Engine, _ *config.Config, args []string) error {
			record, err := eng.GetContext(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(record)
		}),
	}
}

func updateCmd() *cobra.Command {
	var (
		hierarchy  string
		importance int
		content    string
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Patch a context record",
		Args:  cobra.ExactArgs(1),
		RunE: withEngine(func(ctx context.Context, eng *engine.Engine, _ *config.Config, args []string) error {
			patch := &types.RecordPatch{}
			if hierarchy != "" {
				patch.Hierarchy = strings.Split(hierarchy, "/")
			}
			if importance >= 0 {
				patch.Importance = &importance
			}
			if content != "" {
				patch.Content = &content
			}
			record, err := eng.UpdateContext(ctx, args[0], patch)
			if err != nil {
				return err
			}
			return printJSON(record)
		}),
	}
	cmd.Flags().StringVarP(&hierarchy, "hierarchy", "H", "", "new hierarchy path")
	cmd.Flags().IntVarP(&importance, "importance", "i", -1, "new importance score")
	cmd.Flags().StringVarP(&content, "content", "c", "", "new content")
	return cmd
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a context record",
		Args:  cobra.ExactArgs(1),
		RunE: withEngine(func(ctx context.Context, eng *engine.Engine, _ *config.Config, args []string) error {
			if err := eng.DeleteContext(ctx, args[0]); err != nil {
				return err
			}
			return printJSON(types.OperationResult{Success: true, Message: "deleted " + args[0]})
		}),
	}
}

func listCmd() *cobra.Command {
	var (
		recordType     string
		prefix         string
		agentID        string
		tags           []string
		minImportance  int
		limit          int
		includeContent bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List context records",
		RunE: withEngine(func(ctx context.Context, eng *engine.Engine, _ *config.Config, _ []string) error {
			filter := types.ListFilter{
				Type:            types.RecordType(recordType),
				HierarchyPrefix: prefix,
				AgentID:         agentID,
				Tags:            tags,
				MinImportance:   minImportance,
				SortBy:          "updated",
				SortDesc:        true,
				Limit:           limit,
			}
			result, err := eng.Coordinator().List(ctx, filter, includeContent)
			if err != nil {
				return err
			}
			return printJSON(result)
		}),
	}
	cmd.Flags().StringVarP(&recordType, "type", "t", "", "filter by record type")
	cmd.Flags().StringVarP(&prefix, "hierarchy", "H", "", "filter by hierarchy prefix")
	cmd.Flags().StringVar(&agentID, "agent", "", "filter by agent id")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "require tags (repeatable)")
	cmd.Flags().IntVar(&minImportance, "min-importance", 0, "minimum importance")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "max results")
	cmd.Flags().BoolVar(&includeContent, "content", false, "hydrate full content")
	return cmd
}

func searchCmd() *cobra.Command {
	var includeContent bool
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Substring search across indexed fields",
		Args:  cobra.ExactArgs(1),
		RunE: withEngine(func(ctx context.Context, eng *engine.Engine, _ *config.Config, args []string) error {
			result, err := eng.Coordinator().Search(ctx, args[0], includeContent)
			if err != nil {
				return err
			}
			return printJSON(result)
		}),
	}
	cmd.Flags().BoolVar(&includeContent, "content", false, "hydrate full content")
	return cmd
}

func hierarchyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hierarchy <prefix>",
		Short: "List records at or below a hierarchy prefix",
		Args:  cobra.ExactArgs(1),
		RunE: withEngine(func(ctx context.Context, eng *engine.Engine, _ *config.Config, args []string) error {
			result, err := eng.Coordinator().GetByHierarchy(ctx, args[0], false)
			if err != nil {
				return err
			}
			return printJSON(result)
		}),
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// MIGRATION COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func migrateCmd() *cobra.Command {
	var noBackup bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Import legacy flat-file data",
		RunE: withEngine(func(ctx context.Context, eng *engine.Engine, cfg *config.Config, _ []string) error {
			if noBackup {
				cfg.Migration.BackupEnabled = false
			}
			pipeline := eng.NewPipeline()
			report := pipeline.Migrate(ctx)
			if err := printJSON(report); err != nil {
				return err
			}
			if !report.Success {
				return fmt.Errorf("migration ended in phase %s", report.Phase)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&noBackup, "no-backup", false, "skip the backup phase")
	return cmd
}

func rollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <migration-id>",
		Short: "Roll back a previous migration from its on-disk artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: withEngine(func(ctx context.Context, eng *engine.Engine, cfg *config.Config, args []string) error {
			deleted, warnings, err := migration.RollbackFromArtifacts(ctx, eng.Coordinator(), cfg.BackupDir(), args[0])
			if err != nil {
				return err
			}
			return printJSON(types.OperationResult{
				Success: true,
				Message: fmt.Sprintf("deleted %d migrated records", deleted),
				Errors:  warnings,
			})
		}),
	}
}

func analyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze",
		Short: "Generate the migration manifest without migrating",
		RunE: withEngine(func(ctx context.Context, eng *engine.Engine, cfg *config.Config, _ []string) error {
			reader, err := legacy.NewReader(cfg.Migration.LegacyRoot, cfg.Migration.IgnorePatterns)
			if err != nil {
				return err
			}
			manifest, _, err := reader.Analyze()
			if err != nil {
				return err
			}
			return printJSON(manifest)
		}),
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// MAINTENANCE & INTROSPECTION
// ═══════════════════════════════════════════════════════════════════════════════

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Repair index consistency from the primary store",
		RunE: withEngine(func(ctx context.Context, eng *engine.Engine, _ *config.Config, _ []string) error {
			synced, err := eng.Coordinator().SyncStorages(ctx)
			if err != nil {
				return err
			}
			return printJSON(types.OperationResult{
				Success: true,
				Message: fmt.Sprintf("synchronized %d records", synced),
			})
		}),
	}
}

func rebuildIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-index",
		Short: "Drop and rebuild the relational index from the primary store",
		RunE: withEngine(func(ctx context.Context, eng *engine.Engine, _ *config.Config, _ []string) error {
			synced, err := eng.Coordinator().RebuildIndex(ctx)
			if err != nil {
				return err
			}
			return printJSON(types.OperationResult{
				Success: true,
				Message: fmt.Sprintf("index rebuilt with %d records", synced),
			})
		}),
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe both storage backends",
		RunE: withEngine(func(ctx context.Context, eng *engine.Engine, _ *config.Config, _ []string) error {
			result := eng.Coordinator().HealthCheck(ctx)
			if err := printJSON(result); err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("storage unhealthy")
			}
			return nil
		}),
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show session statistics from the event bus",
		RunE: withEngine(func(ctx context.Context, eng *engine.Engine, _ *config.Config, _ []string) error {
			return printJSON(eng.Session())
		}),
	}
}

func analyticsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analytics",
		Short: "Show per-operation and per-agent access latency analytics",
		RunE: withEngine(func(ctx context.Context, eng *engine.Engine, _ *config.Config, _ []string) error {
			analytics, err := eng.Coordinator().Index().Analytics(ctx)
			if err != nil {
				return err
			}
			return printJSON(analytics)
		}),
	}
}

func cacheCmd() *cobra.Command {
	var optimize bool
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Show cache performance metrics",
		RunE: withEngine(func(ctx context.Context, eng *engine.Engine, _ *config.Config, _ []string) error {
			if optimize {
				promoted, demoted := eng.OptimizeCache()
				log.Info().Int("promoted", promoted).Int("demoted", demoted).Msg("cache optimized")
			}
			return printJSON(eng.Cache().Metrics())
		}),
	}
	cmd.Flags().BoolVar(&optimize, "optimize", false, "run the priority optimization pass first")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage engine configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Write the default config file",
			RunE: func(_ *cobra.Command, _ []string) error {
				cfg := config.DefaultConfig()
				if dataDir != "" {
					cfg.Storage.DataDir = dataDir
				}
				path := filepath.Join(cfg.Storage.DataDir, "config.yaml")
				if err := cfg.Save(path); err != nil {
					return err
				}
				fmt.Println("wrote", path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			RunE: func(_ *cobra.Command, _ []string) error {
				cfg, err := config.Load(cfgPath)
				if err != nil {
					return err
				}
				return printJSON(cfg)
			},
		},
	)
	return cmd
}
