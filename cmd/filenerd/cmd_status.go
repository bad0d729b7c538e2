package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"filenerd/internal/config"
	"filenerd/internal/inference"
	"filenerd/internal/sysmon"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workspace, daemon, host, and storage health",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ws := resolveWorkspace()
	fmt.Printf("Workspace: %s\n", ws)

	cfg, err := loadConfig(ws)
	if err != nil {
		fmt.Printf("Config:    ✗ %v\n", err)
		return err
	}
	cfgPath := configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath(ws)
	}
	if _, statErr := os.Stat(cfgPath); statErr == nil {
		fmt.Printf("Config:    ✓ %s\n", cfgPath)
	} else {
		fmt.Printf("Config:    ✓ built-in defaults (%s not present)\n", cfgPath)
	}

	// Daemon reachability and model count. The daemon being down is a
	// finding, not a command failure.
	client := inference.New(inferenceConfig(cfg))
	if err := client.Ping(ctx); err != nil {
		fmt.Printf("Daemon:    ✗ %s unreachable: %v\n", client.Endpoint(), err)
	} else if models, err := client.ListModels(ctx); err != nil {
		fmt.Printf("Daemon:    ✓ %s (model list failed: %v)\n", client.Endpoint(), err)
	} else {
		fmt.Printf("Daemon:    ✓ %s (%d models, default %s)\n",
			client.Endpoint(), len(models), client.DefaultModel())
	}

	if h, err := sysmon.NewSampler().Sample(); err != nil {
		fmt.Printf("Host:      ✗ sample failed: %v\n", err)
	} else {
		fmt.Printf("Host:      ✓ mem %s/%s (pressure %.2f) load %.2f/%.2f/%.2f cpus %d\n",
			formatBytes(h.UsedMemory), formatBytes(h.TotalMemory), h.MemoryPressure,
			h.LoadAvg1, h.LoadAvg5, h.LoadAvg15, h.CPUCount)
	}

	if catalog, err := openCatalog(cfg, ws); err != nil {
		fmt.Printf("Catalog:   ✗ %v\n", err)
	} else {
		counts, err := catalog.Stats(ctx)
		catalog.Close()
		if err != nil {
			fmt.Printf("Catalog:   ✗ %v\n", err)
		} else {
			fmt.Printf("Catalog:   ✓ %d files, %d suggestions (%d pending, %d approved, %d applied)\n",
				counts.Files, counts.Suggestions, counts.Pending, counts.Approved, counts.Applied)
		}
	}

	if j, err := openJournal(cfg, ws); err != nil {
		fmt.Printf("Journal:   ✗ %v\n", err)
	} else {
		stats, err := j.Stats(ctx)
		j.Close()
		if err != nil {
			fmt.Printf("Journal:   ✗ %v\n", err)
		} else if stats.TotalEntries == 0 {
			fmt.Printf("Journal:   ✓ empty\n")
		} else {
			fmt.Printf("Journal:   ✓ %d entries (%s on disk, newest %s)\n",
				stats.TotalEntries, formatBytes(uint64(stats.DBSizeBytes)),
				stats.NewestEntry.Local().Format("2006-01-02 15:04"))
		}
	}

	fmt.Printf("Agent:     max %d slots, memory ladder %.2f/%.2f/%.2f, reserve %s\n",
		cfg.Agent.MaxConcurrentSlots,
		cfg.Agent.SoftThreshold, cfg.Agent.HardThreshold, cfg.Agent.CriticalThreshold,
		formatBytes(cfg.Agent.OSReservedBytes()))
	return nil
}
