package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nvandessel/floodgate/internal/config"
	"github.com/nvandessel/floodgate/internal/engine"
	"github.com/nvandessel/floodgate/internal/logging"
	"github.com/nvandessel/floodgate/internal/store"
)

// app bundles what a command needs to talk to the engine.
type app struct {
	cfg       *config.FloodgateConfig
	store     *store.SQLiteStore
	engine    *engine.Engine
	decisions *logging.DecisionLogger
}

func (a *app) Close() error {
	a.decisions.Close()
	return a.store.Close()
}

// loadConfig reads --config, or the default path when unset.
func loadConfig(cmd *cobra.Command) (*config.FloodgateConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// openApp loads config and opens the project store and engine.
func openApp(cmd *cobra.Command) (*app, error) {
	root, _ := cmd.Flags().GetString("root")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	st, err := store.NewSQLiteStore(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	decisions := logging.NewDecisionLogger(store.LocalPath(root), cfg.Logging.Level)
	eng, err := engine.New(context.Background(), cfg.Engine(), st,
		engine.WithLogger(logging.NewLogger(cfg.Logging.Level, cmd.ErrOrStderr())),
		engine.WithDecisionLogger(decisions),
	)
	if err != nil {
		decisions.Close()
		st.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	return &app{cfg: cfg, store: st, engine: eng, decisions: decisions}, nil
}

func writeJSON(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

// readText returns arg, or stdin when arg is "-".
func readText(cmd *cobra.Command, arg string) (string, error) {
	if arg != "-" {
		return arg, nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return string(data), nil
}

func jsonFlag(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}
