package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/mantragw/mantra-gateway/internal/adapters"
	"github.com/mantragw/mantra-gateway/internal/db"
	"github.com/mantragw/mantra-gateway/internal/takeover"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Print detected assistants, active takeovers, and gateway health",
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

			registry := adapters.NewRegistry()
			executor := takeover.NewExecutor(store, registry)
			bold := color.New(color.Bold)

			bold.Println("Detected assistants")
			installed := executor.Scanner().DetectInstalledTools("")
			if len(installed) == 0 {
				fmt.Println("  none")
			}
			for _, id := range installed {
				adapter, _ := registry.Get(id)
				color.Green("  ✓ %s", adapter.Name())
			}

			bold.Println("\nRegistered services")
			services, err := store.ListServices()
			if err != nil {
				return err
			}
			if len(services) == 0 {
				fmt.Println("  none")
			}
			for _, svc := range services {
				state := color.GreenString("enabled")
				if !svc.Enabled {
					state = color.YellowString("disabled")
				}
				fmt.Printf("  %-24s %-6s %s\n", svc.Name, svc.Transport, state)
			}

			bold.Println("\nActive takeovers")
			active, err := store.ListActiveBackups("")
			if err != nil {
				return err
			}
			if len(active) == 0 {
				fmt.Println("  none")
			}
			for _, item := range executor.Backups().CheckIntegrity(active) {
				if item.Valid {
					color.Green("  ✓ %-8s %-7s %s", item.Backup.ToolType, item.Backup.Scope, item.Backup.OriginalPath)
				} else {
					color.Red("  ✗ %-8s %-7s %s (%s)", item.Backup.ToolType, item.Backup.Scope, item.Backup.OriginalPath, item.Reason)
				}
			}

			bold.Println("\nGateway")
			client := &http.Client{Timeout: 2 * time.Second}
			url := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Port)
			resp, err := client.Get(url)
			if err != nil {
				color.Yellow("  not running (%s)", url)
				return nil
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				color.Green("  ✓ healthy on port %d", cfg.Port)
			} else {
				color.Red("  ✗ unhealthy: status %d", resp.StatusCode)
			}
			return nil
		},
	}
}
