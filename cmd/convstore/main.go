// Command convstore runs maintenance on a conversation store: schema
// upgrades, consistency checks, index rebuilds, sweeps and payload path
// relocation.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/rbaliyan/convstore"
	"github.com/rbaliyan/convstore/config"
	"github.com/rbaliyan/convstore/store"
)

const defaultConfigPath = "/etc/convstore/convstore.yaml"

// errInconsistent makes check exit non-zero without printing an error.
var errInconsistent = errors.New("store is inconsistent")

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "migrate":
		err = cmdMigrate(ctx, args)
	case "check":
		err = cmdCheck(ctx, args)
	case "reindex":
		err = cmdReindex(ctx, args)
	case "sweep":
		err = cmdSweep(ctx, args)
	case "recompute":
		err = cmdRecompute(ctx, args)
	case "relocate":
		err = cmdRelocate(ctx, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if errors.Is(err, errInconsistent) {
		os.Exit(2)
	}
	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	yellow := color.New(color.FgYellow)

	fmt.Println("Usage: convstore <command> [flags]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  migrate [-retry-deferred]            Upgrade every partition to the current schema")
	fmt.Println("  check                                Verify derived state against the messages")
	fmt.Println("  reindex -partition P                 Rebuild the text index")
	fmt.Println("  sweep                                Remove threads and addresses nothing references")
	fmt.Println("  recompute -partition P               Recompute every thread aggregate")
	fmt.Println("  relocate -partition P -from A -to B  Move payload paths from root A to root B")
	fmt.Println()
	yellow.Println("Common flags:")
	fmt.Println("  -config PATH   Configuration file (default " + defaultConfigPath + ")")
	fmt.Println("  -unlock        Open the credential partition as well")
	fmt.Println()
	fmt.Println("Partitions are named device or credential.")
}

// commonFlags are accepted by every command.
type commonFlags struct {
	configPath string
	unlock     bool
	timeout    time.Duration
}

func newFlagSet(name string) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	c := &commonFlags{}
	fs.StringVar(&c.configPath, "config", envOr("CONVSTORE_CONFIG", defaultConfigPath), "configuration file")
	fs.BoolVar(&c.unlock, "unlock", false, "open the credential partition as well")
	fs.DurationVar(&c.timeout, "timeout", 10*time.Minute, "overall deadline")
	return fs, c
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parsePartition(s string) (store.Partition, error) {
	switch s {
	case "device", "de":
		return store.PartitionDevice, nil
	case "credential", "ce":
		return store.PartitionCredential, nil
	default:
		return 0, fmt.Errorf("unknown partition %q (want device or credential)", s)
	}
}

// open loads the configuration and connects the service, unlocking the
// credential partition when asked to.
func open(ctx context.Context, c *commonFlags) (*config.Instance, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	inst, err := cfg.Build(ctx)
	if err != nil {
		return nil, err
	}
	if err := inst.Service.Connect(ctx); err != nil {
		_ = inst.Close(ctx)
		return nil, fmt.Errorf("connect: %w", err)
	}
	if c.unlock && !inst.Service.IsUnlocked() {
		if err := inst.Service.Unlock(ctx); err != nil {
			_ = inst.Close(ctx)
			return nil, fmt.Errorf("unlock: %w", err)
		}
	}
	return inst, nil
}

// run parses flags, opens the service and hands it to fn.
func run(ctx context.Context, fs *flag.FlagSet, c *commonFlags, args []string, fn func(ctx context.Context, svc *convstore.Service) error) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	inst, err := open(ctx, c)
	if err != nil {
		return err
	}
	runErr := fn(ctx, inst.Service)
	closeErr := inst.Close(context.WithoutCancel(ctx))
	return errors.Join(runErr, closeErr)
}

func cmdMigrate(ctx context.Context, args []string) error {
	fs, c := newFlagSet("migrate")
	retryDeferred := fs.Bool("retry-deferred", false, "retry a deferred identifier migration")
	return run(ctx, fs, c, args, func(ctx context.Context, svc *convstore.Service) error {
		for _, p := range []store.Partition{store.PartitionDevice, store.PartitionCredential} {
			st, err := svc.Store(p)
			if err != nil {
				continue
			}
			printMigration(os.Stdout, p, st.LastMigration())
		}
		if !*retryDeferred {
			return nil
		}
		done, err := svc.RetryDeferredMigrations(ctx)
		if err != nil {
			return err
		}
		if done {
			fmt.Println("no migrations deferred")
		} else {
			color.Yellow("identifier migration still deferred: not enough free space\n")
		}
		return nil
	})
}

func printMigration(w io.Writer, p store.Partition, res store.MigrationResult) {
	switch {
	case res.Rebuilt:
		fmt.Fprintf(w, "%s: %s version %d -> %d, recreated empty: %v\n",
			p, color.RedString("REBUILT"), res.From, res.To, res.Err)
	case res.From != res.To:
		fmt.Fprintf(w, "%s: upgraded %d -> %d\n", p, res.From, res.To)
	default:
		fmt.Fprintf(w, "%s: current at version %d\n", p, res.To)
	}
	if res.Deferred {
		fmt.Fprintf(w, "%s: identifier migration deferred\n", p)
	}
}

func cmdCheck(ctx context.Context, args []string) error {
	fs, c := newFlagSet("check")
	return run(ctx, fs, c, args, func(ctx context.Context, svc *convstore.Service) error {
		reports, err := svc.Check(ctx)
		if err != nil {
			return err
		}

		partitions := make([]store.Partition, 0, len(reports))
		for p := range reports {
			partitions = append(partitions, p)
		}
		sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

		consistent := true
		for _, p := range partitions {
			r := reports[p]
			printReport(os.Stdout, p, r)
			consistent = consistent && r.Consistent()
		}
		if !consistent {
			return errInconsistent
		}
		return nil
	})
}

func printReport(w io.Writer, p store.Partition, r *store.CheckReport) {
	status := color.GreenString("consistent")
	if !r.Consistent() {
		status = color.RedString("inconsistent")
	}
	fmt.Fprintf(w, "%s partition: %s\n", p, status)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "  threads checked\t%d\n", r.ThreadsChecked)
	fmt.Fprintf(tw, "  thread mismatches\t%d\n", len(r.ThreadMismatches))
	fmt.Fprintf(tw, "  missing index entries\t%d\n", r.MissingIndex)
	fmt.Fprintf(tw, "  stale index entries\t%d\n", r.StaleIndex)
	fmt.Fprintf(tw, "  missing pending entries\t%d\n", r.MissingPending)
	fmt.Fprintf(tw, "  stale pending entries\t%d\n", r.StalePending)
	fmt.Fprintf(tw, "  orphan threads\t%d\n", r.OrphanThreads)
	fmt.Fprintf(tw, "  orphan addresses\t%d\n", r.OrphanAddresses)
	fmt.Fprintf(tw, "  dangling parts\t%d\n", r.DanglingParts)
	tw.Flush()

	for _, m := range r.ThreadMismatches {
		fmt.Fprintf(w, "  thread %d %s: stored %v, expected %v\n", m.ThreadID, m.Field, m.Stored, m.Expected)
	}
}

func cmdReindex(ctx context.Context, args []string) error {
	fs, c := newFlagSet("reindex")
	partition := fs.String("partition", "device", "partition to reindex")
	return run(ctx, fs, c, args, func(ctx context.Context, svc *convstore.Service) error {
		p, err := parsePartition(*partition)
		if err != nil {
			return err
		}
		n, err := svc.RebuildIndex(ctx, p)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d index entries\n", p, n)
		return nil
	})
}

func cmdSweep(ctx context.Context, args []string) error {
	fs, c := newFlagSet("sweep")
	return run(ctx, fs, c, args, func(ctx context.Context, svc *convstore.Service) error {
		swept, err := svc.SweepObsoleteThreads(ctx)
		for p, n := range swept {
			fmt.Printf("%s: %d obsolete threads removed\n", p, n)
		}
		return err
	})
}

func cmdRecompute(ctx context.Context, args []string) error {
	fs, c := newFlagSet("recompute")
	partition := fs.String("partition", "device", "partition to recompute")
	return run(ctx, fs, c, args, func(ctx context.Context, svc *convstore.Service) error {
		p, err := parsePartition(*partition)
		if err != nil {
			return err
		}
		n, err := svc.RecomputeThreads(ctx, p)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d threads recomputed\n", p, n)
		return nil
	})
}

func cmdRelocate(ctx context.Context, args []string) error {
	fs, c := newFlagSet("relocate")
	partition := fs.String("partition", "device", "partition to rewrite")
	from := fs.String("from", "", "old payload root")
	to := fs.String("to", "", "new payload root")
	return run(ctx, fs, c, args, func(ctx context.Context, svc *convstore.Service) error {
		if *from == "" || *to == "" {
			return errors.New("relocate needs -from and -to")
		}
		p, err := parsePartition(*partition)
		if err != nil {
			return err
		}
		n, err := svc.RelocatePayloads(ctx, p, *from, *to)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d payload paths moved from %s to %s\n", p, n, *from, *to)
		return nil
	})
}
