package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/flitsinc/brons/internal/config"
	"github.com/flitsinc/brons/internal/state"
)

var seedCmd = &cobra.Command{
	Use:   "seed <file.yaml>",
	Short: "Create the brons listed in a seed file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		db, err := state.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		created, err := applySeed(cmd.Context(), state.NewStore(db), args[0], newLogger(cfg))
		if err != nil {
			return err
		}
		printHeader("Seeded brons")
		if len(created) == 0 {
			fmt.Println("Nothing to do; every bron already exists.")
		}
		for _, b := range created {
			fmt.Printf("%s %s\n", color.GreenString("+"), b.Name)
		}
		return nil
	},
}

// applySeed creates the brons in path whose names are not taken yet, so
// the same file can be applied on every start.
func applySeed(ctx context.Context, store *state.Store, path string, logger *slog.Logger) ([]state.Bron, error) {
	seed, err := config.LoadSeed(path)
	if err != nil {
		return nil, err
	}
	existing, err := store.ListBrons(ctx, 1000)
	if err != nil {
		return nil, err
	}
	taken := make(map[string]bool, len(existing))
	for _, b := range existing {
		taken[b.Name] = true
	}

	var created []state.Bron
	for _, in := range seed.Brons {
		if taken[in.Name] {
			continue
		}
		b, err := store.CreateBron(ctx, in)
		if err != nil {
			return created, fmt.Errorf("seed bron %q: %w", in.Name, err)
		}
		taken[b.Name] = true
		created = append(created, b)
		logger.Info("seeded bron", "bron_id", b.ID, "name", b.Name)
	}
	return created, nil
}
