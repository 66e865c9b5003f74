// Command ledgerbase is an operational CLI for inspecting, migrating and
// validating ledger stores.
//
// Usage:
//
//	ledgerbase -data ./ledger info
//	ledgerbase -data ./ledger -redis localhost:6379 migrate -to sync -batch 100
//	ledgerbase -data ./ledger -redis localhost:6379 migrate -dry-run
//	ledgerbase -data ./ledger -redis localhost:6379 validate
//
// The local store is a filesystem directory; the sync store is Redis,
// configured by flags or the REDIS_* environment variables.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ledgerbase/ledgerbase"
)

func main() {
	var (
		dataDir   = flag.String("data", "./ledger-data", "base directory for the local store")
		redisAddr = flag.String("redis", "", "redis address for the sync store (defaults to REDIS_ADDR)")
		namespace = flag.String("namespace", "ledgerbase", "redis key namespace")
		verbose   = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: ledgerbase [flags] info|migrate|validate")
		flag.PrintDefaults()
		os.Exit(2)
	}

	logger, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conns := ledgerbase.NewConnectionManager(
		func(ctx context.Context) (ledgerbase.DocumentStore, error) {
			return ledgerbase.NewFilesystemStore(*dataDir)
		},
		func(ctx context.Context) (ledgerbase.DocumentStore, error) {
			opts := ledgerbase.RedisOptions()
			if *redisAddr != "" {
				opts.Addr = *redisAddr
			}
			client := redis.NewClient(opts)
			if err := client.Ping(ctx).Err(); err != nil {
				client.Close()
				return nil, err
			}
			return ledgerbase.NewRedisStore(client, *namespace), nil
		},
		ledgerbase.WithConnectionLogger(logger),
	)
	defer conns.Disconnect()

	factory := ledgerbase.NewRepositoryFactory(conns)
	factory.SetLogger(logger)

	switch cmd := flag.Arg(0); cmd {
	case "info":
		err = runInfo(ctx, factory)
	case "migrate":
		err = runMigrate(ctx, factory, logger, flag.Args()[1:])
	case "validate":
		err = runValidate(ctx, factory)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) (ledgerbase.Logger, error) {
	if verbose {
		return ledgerbase.NewDevelopmentZapLogger()
	}
	return ledgerbase.NewProductionZapLogger()
}

func runInfo(ctx context.Context, factory *ledgerbase.RepositoryFactory) error {
	local, err := factory.TransactionsFor(ctx, ledgerbase.KindLocal)
	if err != nil {
		return err
	}
	info, err := local.GetInfo(ctx)
	if err != nil {
		return err
	}
	count, err := local.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("local store:  %s\n  documents: %d\n  transactions: %d\n  size: %d bytes\n",
		info.Name, info.DocCount, count, info.SizeBytes)

	remote, err := factory.TransactionsFor(ctx, ledgerbase.KindSync)
	if err != nil {
		fmt.Printf("sync store:   unavailable (%v)\n", err)
		return nil
	}
	rinfo, err := remote.GetInfo(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("sync store:   %s\n  documents: %d\n  size: %d bytes\n",
		rinfo.Name, rinfo.DocCount, rinfo.SizeBytes)
	return nil
}

func runMigrate(ctx context.Context, factory *ledgerbase.RepositoryFactory, logger ledgerbase.Logger, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	to := fs.String("to", "sync", "migration target: local or sync")
	batch := fs.Int("batch", ledgerbase.DefaultMigrationBatchSize, "records per batch")
	dryRun := fs.Bool("dry-run", false, "count and validate without writing")
	noValidate := fs.Bool("no-validate", false, "skip the post-migration consistency check")
	if err := fs.Parse(args); err != nil {
		return err
	}

	srcKind, tgtKind := ledgerbase.KindLocal, ledgerbase.KindSync
	if *to == "local" {
		srcKind, tgtKind = ledgerbase.KindSync, ledgerbase.KindLocal
	}

	source, err := factory.TransactionsFor(ctx, srcKind)
	if err != nil {
		return err
	}
	target, err := factory.TransactionsFor(ctx, tgtKind)
	if err != nil {
		return err
	}

	m := ledgerbase.NewMigrator(ledgerbase.WithMigratorLogger(logger))
	result, err := m.Migrate(ctx, source.Repository, target.Repository, ledgerbase.MigrateOptions{
		BatchSize:     *batch,
		DryRun:        *dryRun,
		SkipValidation: *noValidate,
		OnProgress: func(p ledgerbase.MigrationProgress) {
			fmt.Printf("  batch %d: %d/%d records\n", p.Batch, p.Completed, p.Total)
		},
	})
	if err != nil {
		return err
	}

	verdict := "ok"
	if !result.Success {
		verdict = "FAILED"
	}
	fmt.Printf("migration %s: %d/%d records in %s\n",
		verdict, result.MigratedCount, result.TotalRecords, result.Duration.Round(time.Millisecond))
	for _, e := range result.Errors {
		fmt.Printf("  error: %s\n", e)
	}
	if !result.Success {
		return fmt.Errorf("migration completed with %d errors", len(result.Errors))
	}
	return nil
}

func runValidate(ctx context.Context, factory *ledgerbase.RepositoryFactory) error {
	cmp, err := factory.CompareImplementations(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("local: %s, %d records\n", cmp.Local.Backend, cmp.Local.Count)
	fmt.Printf("sync:  %s, %d records\n", cmp.Sync.Backend, cmp.Sync.Count)

	local, err := factory.TransactionsFor(ctx, ledgerbase.KindLocal)
	if err != nil {
		return err
	}
	remote, err := factory.TransactionsFor(ctx, ledgerbase.KindSync)
	if err != nil {
		return err
	}
	report, err := ledgerbase.NewValidator().Compare(ctx, local.Repository, remote.Repository)
	if err != nil {
		return err
	}

	fmt.Printf("source: %d records (%.2f debits, %.2f credits)\n",
		report.Source.Total, report.Source.TotalDebits, report.Source.TotalCredits)
	fmt.Printf("target: %d records (%.2f debits, %.2f credits)\n",
		report.Target.Total, report.Target.TotalDebits, report.Target.TotalCredits)

	if report.IsValid {
		fmt.Println("stores are consistent")
		return nil
	}
	fmt.Printf("%d differences:\n", len(report.Differences))
	for _, d := range report.Differences {
		if d.Field != "" {
			fmt.Printf("  %s %s: %q vs %q\n", d.RecordID, d.Field, d.Source, d.Target)
		} else {
			fmt.Printf("  %s: %s (%s vs %s)\n", d.RecordID, d.Reason, d.Source, d.Target)
		}
	}
	return fmt.Errorf("stores diverge")
}
