package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"xdrop/internal/config"
	"xdrop/internal/logging"
	"xdrop/internal/registration"
	"xdrop/internal/repo"

	"github.com/google/uuid"
)

func runRegisterBots(parent context.Context, out io.Writer, file, ownerFlag string) error {
	batch, err := registration.LoadBatchFile(file)
	if err != nil {
		return err
	}
	owner, err := resolveOwner(batch.Owner, ownerFlag)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signalContext(parent)
	defer stop()

	repository, err := repo.New(ctx, cfg.DatabaseURL, cfg.SupabaseSchema, logger)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	results, err := registration.New(repository, logger, nil).RegisterBatch(ctx, owner, batch.Bots)
	if err != nil {
		return fmt.Errorf("register bots: %w", err)
	}
	return printResults(out, results)
}

// resolveOwner prefers the flag over the file and requires a UUID.
func resolveOwner(fromFile, fromFlag string) (string, error) {
	owner := fromFlag
	if owner == "" {
		owner = fromFile
	}
	if owner == "" {
		return "", errors.New("owner is required (--owner or `owner:` in the batch file)")
	}
	id, err := uuid.Parse(owner)
	if err != nil {
		return "", fmt.Errorf("owner %q is not a valid uuid: %w", owner, err)
	}
	return id.String(), nil
}

func printResults(out io.Writer, results []registration.Result) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tHANDLE\tSTATUS\tAPI KEY")
	for _, r := range results {
		status, key := "created", r.APIKey
		if !r.OK {
			status, key = "error: "+r.Error, "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.Index, r.Handle, status, key)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	summary := registration.Summarize(results)
	_, err := fmt.Fprintf(out, "\n%d registered, %d failed. Store the keys now; they cannot be shown again.\n", summary.Registered, summary.Failed)
	return err
}
