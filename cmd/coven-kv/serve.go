// ABOUTME: serve and init commands for coven-kv
// ABOUTME: serve runs the relay and metrics endpoint; init writes a starter config file

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/coven-kv/internal/config"
	"github.com/2389/coven-kv/internal/server"
)

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan, color.Bold)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)

	cyan.Println("coven-kv")
	gray.Printf("version %s\n\n", version)

	configPath := config.Path()
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	srv, err := server.New(cfg, logger)
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	green.Printf("    ▶ config   %s\n", configPath)
	if addr := srv.RelayAddr(); addr != "" {
		green.Printf("    ▶ relay    %s\n", addr)
	}
	if addr := srv.MetricsAddr(); addr != "" {
		green.Printf("    ▶ metrics  http://%s%s\n", addr, cfg.Metrics.Path)
	}
	fmt.Println()

	logger.Info("coven-kv starting", "version", version)
	return srv.Run(ctx)
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-kv configuration setup")
	fmt.Println("============================")
	fmt.Println()

	cfg := config.Default()

	outputFile := prompt(reader, "Config file path", config.Path())
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !yes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Storage ---")
	cfg.Database.Driver = prompt(reader, "Driver (sqlite/sqlite3/bolt/memory)", cfg.Database.Driver)
	if cfg.Database.Driver != config.DriverMemory {
		cfg.Database.Dir = prompt(reader, "Data directory", cfg.Database.Dir)
	}

	fmt.Println("\n--- Relay ---")
	cfg.Relay.Enabled = yes(prompt(reader, "Share change events between processes?", "yes"))
	if cfg.Relay.Enabled {
		cfg.Relay.Addr = prompt(reader, "Relay address", cfg.Relay.Addr)
	}

	fmt.Println("\n--- Logging ---")
	cfg.Logging.Level = prompt(reader, "Log level (debug/info/warn/error)", cfg.Logging.Level)
	cfg.Logging.Format = prompt(reader, "Log format (text/json)", cfg.Logging.Format)

	fmt.Println("\n--- Metrics ---")
	cfg.Metrics.Enabled = yes(prompt(reader, "Serve Prometheus metrics?", "no"))
	if cfg.Metrics.Enabled {
		cfg.Metrics.Addr = prompt(reader, "Metrics address", cfg.Metrics.Addr)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(config.Template(cfg)), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the relay:")
	fmt.Println("  coven-kv serve")
	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}

func yes(answer string) bool {
	a := strings.ToLower(answer)
	return a == "yes" || a == "y"
}
