package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/astromechza/teamsync/pkg/archive"
	"github.com/astromechza/teamsync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	archiveVar := flag.String("archive", os.Getenv("ARCHIVE_PATH"), "the sqlite archive written by the server")
	renderVar := flag.Bool("render", true, "render the change history to an svg")
	flag.Parse()
	if *archiveVar == "" {
		return fmt.Errorf("--archive is required")
	}
	if flag.NArg() > 1 {
		return fmt.Errorf("expected at most one positional argument: the workspace key")
	}

	ctx := context.Background()
	arc, err := archive.Open(*archiveVar, nil)
	if err != nil {
		return err
	}
	defer arc.Close()

	if flag.NArg() == 0 {
		keys, err := arc.Keys(ctx)
		if err != nil {
			return fmt.Errorf("failed to list workspaces: %w", err)
		}
		for _, key := range keys {
			fmt.Println(key)
		}
		return nil
	}

	key := flag.Arg(0)
	doc, err := arc.Load(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", key, err)
	}
	slog.Info("loaded doc", "contents", doc.RootMap().GoString())
	slog.Info("loaded heads", "heads", doc.Heads(), "counts", viz.CountsAt(doc).String())

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "message", change.Message(), "dep", change.Dependencies())
	}

	if *renderVar {
		svgPath, err := viz.RenderToTemp(doc, key)
		if err != nil {
			return fmt.Errorf("failed to render: %w", err)
		}
		slog.Info("rendered", "path", "file://"+svgPath)
	}
	return nil
}
