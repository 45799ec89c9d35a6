package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mantragw/mantra-gateway/internal/adapters"
	"github.com/mantragw/mantra-gateway/internal/db"
	"github.com/mantragw/mantra-gateway/internal/takeover"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func newTakeoverCmd() *cobra.Command {
	var (
		flagProject string
		flagURL     string
		flagToken   string
		flagDryRun  bool
		flagRestore bool
	)
	cmd := &cobra.Command{
		Use:   "takeover",
		Short: "Take over (or restore) assistant MCP configurations from the CLI",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig("console", false)
			if err != nil {
				return err
			}
			store, err := db.Open(cfg.DatabasePath())
			if err != nil {
				return err
			}
			defer store.Close()
			executor := takeover.NewExecutor(store, adapters.NewRegistry())

			if flagRestore {
				return runCLIRestore(store, executor)
			}

			if flagURL == "" {
				flagURL = fmt.Sprintf("http://127.0.0.1:%d/mcp", cfg.Port)
			}
			if flagToken == "" {
				flagToken = cfg.Token
			}
			if flagToken == "" {
				return fmt.Errorf("no gateway token: set MANTRA_GATEWAY_TOKEN or pass --token")
			}
			return runCLITakeover(executor, takeover.GatewayEndpoint{URL: flagURL, Token: flagToken}, flagProject, flagDryRun)
		},
	}
	cmd.Flags().StringVar(&flagProject, "project", "", "project path for Project-scope configs")
	cmd.Flags().StringVar(&flagURL, "url", "", "gateway endpoint URL to inject (default from config)")
	cmd.Flags().StringVar(&flagToken, "token", "", "gateway bearer token to inject")
	cmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "preview only, change nothing")
	cmd.Flags().BoolVar(&flagRestore, "restore", false, "restore every active takeover instead")
	return cmd
}

func runCLITakeover(executor *takeover.Executor, endpoint takeover.GatewayEndpoint, projectPath string, dryRun bool) error {
	plan, err := executor.PreviewSmart(projectPath)
	if err != nil {
		return err
	}
	scans, err := executor.Scanner().ScanAll(projectPath)
	if err != nil {
		return err
	}
	if len(scans) == 0 {
		color.Yellow("no assistant configurations detected")
		return nil
	}

	bold := color.New(color.Bold)
	bold.Printf("Detected %d config file(s):\n", len(scans))
	for _, scan := range scans {
		fmt.Printf("  %s  %s (%d service(s))\n", color.CyanString("%-8s", scan.AdapterID), scan.Path, len(scan.Services))
	}
	for _, item := range plan.Items {
		switch item.Action {
		case takeover.ActionAutoCreate:
			color.Green("  + create %s", item.ServiceName)
		case takeover.ActionAutoSkip:
			color.Blue("  = keep   %s (matches existing)", item.ServiceName)
		case takeover.ActionNeedsDecision:
			color.Yellow("  ? skip   %s (%s, resolve in the desktop app)", item.ServiceName, item.Conflict.Type)
		}
	}
	if dryRun {
		color.Yellow("dry run: nothing changed")
		return nil
	}

	bar := progressbar.NewOptions(len(scans),
		progressbar.OptionSetDescription("rewriting configs"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionClearOnFinish(),
	)
	result := executor.ExecuteSmart(plan, scans, endpoint, "", nil)
	for i := 0; i < result.ConfigsRewritten; i++ {
		_ = bar.Add(1)
	}
	_ = bar.Finish()

	if result.Err != "" {
		color.Red("takeover failed: %s", result.Err)
		if result.RolledBack {
			if result.RollbackErr == "" {
				color.Yellow("all changes rolled back")
			} else {
				color.Red("rollback incomplete: %s", result.RollbackErr)
			}
		}
		return fmt.Errorf("takeover failed")
	}
	color.Green("done: %d config(s) rewritten, %d service(s) created, %d backup(s) recorded",
		result.ConfigsRewritten, len(result.ServicesCreated), len(result.BackupIDs))
	return nil
}

func runCLIRestore(store *db.DB, executor *takeover.Executor) error {
	active, err := store.ListActiveBackups("")
	if err != nil {
		return err
	}
	if len(active) == 0 {
		color.Yellow("no active takeovers")
		return nil
	}
	failures := 0
	for _, b := range active {
		var err error
		if b.Scope == db.ScopeLocal {
			err = executor.RestoreByTool(b.ToolType, b.Scope, b.ProjectPath)
		} else {
			err = executor.Backups().Restore(b.ID)
		}
		if err != nil {
			failures++
			color.Red("  ✗ %s: %v", b.OriginalPath, err)
			continue
		}
		color.Green("  ✓ %s", b.OriginalPath)
	}
	if failures > 0 {
		return fmt.Errorf("%d restore(s) failed", failures)
	}
	return nil
}
