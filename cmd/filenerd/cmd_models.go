package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"filenerd/internal/inference"
	"filenerd/internal/sysmon"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List installed models and the concurrency they allow",
	Long: `Queries the local inference daemon for installed models, estimates
each model's resident memory footprint, and reports how many analysis
agents this host could run at once.`,
	RunE: runModels,
}

func runModels(cmd *cobra.Command, args []string) error {
	ws := resolveWorkspace()
	cfg, err := loadConfig(ws)
	if err != nil {
		return err
	}
	client := inference.New(inferenceConfig(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := client.Ping(ctx); err != nil {
		fmt.Printf("✗ Daemon unreachable at %s\n", client.Endpoint())
		return err
	}
	fmt.Printf("✓ Daemon reachable at %s\n\n", client.Endpoint())

	models, err := client.ListModels(ctx)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		fmt.Println("No models installed. Pull one with 'ollama pull <name>'.")
		return nil
	}

	safety := cfg.Agent.SafetyFactor
	fmt.Printf("%-32s %-8s %-10s %10s %12s\n", "NAME", "PARAMS", "QUANT", "SIZE", "EST MEMORY")
	for _, m := range models {
		name := m.Name
		if name == client.DefaultModel() {
			name += " *"
		}
		fmt.Printf("%-32s %-8s %-10s %10s %12s\n",
			name, m.ParameterSize, m.Quantization,
			formatBytes(uint64(m.Size)),
			formatBytes(inference.EstimateModelMemory(m.Size, safety)))
	}
	fmt.Println("\n* default model")

	mean := inference.MeanModelMemory(models, safety)

	// Same slot math as the running manager, against a fresh host sample.
	h, err := sysmon.NewSampler().Sample()
	if err != nil {
		logger.Warn("host sample failed, skipping capacity estimate", zap.Error(err))
		return nil
	}
	reserve := cfg.Agent.OSReservedBytes()
	var avail uint64
	if h.FreeMemory > reserve {
		avail = h.FreeMemory - reserve
	}
	slots := int(avail / mean)
	if slots > cfg.Agent.MaxConcurrentSlots {
		slots = cfg.Agent.MaxConcurrentSlots
	}

	fmt.Printf("\nMean model footprint:  %s (safety factor %.1f)\n", formatBytes(mean), safety)
	fmt.Printf("Available for agents:  %s (%s free, %s reserved for OS)\n",
		formatBytes(avail), formatBytes(h.FreeMemory), formatBytes(reserve))
	fmt.Printf("Concurrent slots:      %d (configured cap %d)\n", slots, cfg.Agent.MaxConcurrentSlots)
	return nil
}
