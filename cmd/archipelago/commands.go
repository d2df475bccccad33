// Copyright (C) 2025 Archipelago AI (oss@archipelago-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/archipelago-ai/archipelago/services/gateway"
	"github.com/archipelago-ai/archipelago/services/gateway/config"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "archipelago",
		Short: "A resilient query gateway over unreliable retrieval and model backends",
		Long: `Archipelago fans each query out to web search, vector search, keyword
search, and knowledge graph lanes under strict time budgets, synthesizes an
answer over whatever came back, and always returns a response envelope.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the query gateway",
		RunE:  runServe,
	}

	configInitCmd = &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE:  runConfigInit,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Manage the gateway configuration",
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to the gateway config file (default ~/.archipelago/gateway.yaml)")

	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(serveCmd, configCmd)
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "gateway.yaml"
	}
	return filepath.Join(home, ".archipelago", "gateway.yaml")
}

func runServe(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = defaultConfigPath()
	}
	cfg, err := config.LoadOrCreate(path)
	if err != nil {
		return err
	}

	svc, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("building the gateway: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("Starting the gateway with config %s", path)
	return svc.Run(ctx)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = defaultConfigPath()
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	if _, err := config.LoadOrCreate(path); err != nil {
		return err
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}
