package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	cellcc "github.com/openafs-contrib/cellcc"
	"github.com/openafs-contrib/cellcc/cli"
	"github.com/openafs-contrib/cellcc/client"
	"github.com/openafs-contrib/cellcc/config"
	"github.com/openafs-contrib/cellcc/daemon"
	"github.com/openafs-contrib/cellcc/jobstore"
	"github.com/openafs-contrib/cellcc/l3"
	"github.com/openafs-contrib/cellcc/lifecycle"
)

var logger = l3.Get()

func flag(name, usage, def string) *cli.Flag {
	return &cli.Flag{Name: name, Usage: usage, Aliases: []string{name}, Default: def}
}

func boolFlagDef(name, usage string) *cli.Flag {
	return &cli.Flag{Name: name, Usage: usage, Aliases: []string{name}, Default: "false", Bool: true}
}

// watchReload installs the SIGHUP handler that reloads the directive tree
// in place, keeping the previous one when the new one fails to load or
// logging cannot be reinitialized under it.
func watchReload(ctx context.Context, cfg *config.Directives) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(hup)
				return
			case <-hup:
				err := cfg.Reload(overrides, func(next *config.Directives) error {
					return cellcc.ConfigureLogging(next)
				})
				if err != nil {
					logger.WarnF("reload failed, keeping previous configuration: %v", err)
				} else {
					logger.Info("configuration reloaded")
				}
			}
		}
	}()
}

// runDaemon hosts one daemon shell as a lifecycle component: the manager's
// signal handling stops it on SIGINT/SIGTERM (canceling the run context, so
// live children are terminated and awaited), and a run that finishes on its
// own — one-shot mode, or a fatal error — stops the manager.
func runDaemon(cfg *config.Directives, name string, run func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchReload(ctx, cfg)

	mgr := lifecycle.NewSimpleComponentManager()
	var runErr error
	done := make(chan struct{})
	mgr.Register(&lifecycle.SimpleComponent{
		CompId: name,
		StartFunc: func() error {
			go func() {
				runErr = run(ctx)
				close(done)
				mgr.StopAll()
			}()
			return nil
		},
		StopFunc: func() error {
			cancel()
			<-done
			return nil
		},
	})
	mgr.StartAndWait()
	return runErr
}

func startSyncCommand() *cli.Command {
	cmd := cli.NewCommand("start-sync", "request a sync of SRC_CELL VOLUME to its configured destinations", cellcc.Version, func(ctx *cli.Context) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		src, vol := ctx.Arg(0), ctx.Arg(1)
		store, err := cellcc.OpenStore(context.Background(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		queue, _ := ctx.GetFlag("queue")
		created, err := client.StartSync(context.Background(), store, cfg, client.SyncRequest{
			SrcCell: src,
			Volume:  vol,
			QName:   queue,
			Delete:  boolFlag(ctx, "delete"),
		})
		if err != nil {
			return err
		}
		for _, uc := range created {
			fmt.Printf("created job %d\n", uc.JobID)
		}
		return nil
	})
	cmd.Flags = []*cli.Flag{
		flag("queue", "queue name for the created jobs", "default"),
		boolFlagDef("delete", "delete the volume at the destinations instead of syncing"),
	}
	return cmd
}

func dumpServerCommand() *cli.Command {
	cmd := cli.NewCommand("dump-server", "run the source-side dump daemon: dump-server SERVER SRC_CELL [DST_CELL...]", cellcc.Version, func(cliCtx *cli.Context) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		server, src := cliCtx.Arg(0), cliCtx.Arg(1)
		if server == "" || src == "" {
			return fmt.Errorf("dump-server requires SERVER and SRC_CELL arguments")
		}
		dsts := cliCtx.Args[2:]
		if len(dsts) == 0 {
			dsts = cfg.GetStringSlice("cells/" + src + "/dst-cells")
		}

		store, err := cellcc.OpenStore(context.Background(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		env, err := cellcc.BuildEnv(cfg, store, cellcc.DumpSide)
		if err != nil {
			return err
		}
		env.FQDN = server

		// The dump host also serves its blobs to the restore side.
		remctlSrv, err := cellcc.BuildRemctlServer(cfg)
		if err != nil {
			return err
		}
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", env.DumpPort))
		if err != nil {
			return fmt.Errorf("dump-server: listening on port %d: %w", env.DumpPort, err)
		}
		defer ln.Close()
		go func() {
			if err := remctlSrv.Serve(ln); err != nil {
				logger.WarnF("dump-server: remctl service stopped: %v", err)
			}
		}()

		ds := &daemon.DumpServer{
			Env:         env,
			SrcCell:     src,
			DstCells:    dsts,
			MaxParallel: cfg.GetInt("dump/max-parallel", 2),
			Opts:        daemon.Options{Once: boolFlag(cliCtx, "once"), Interval: cellcc.TickInterval(cfg)},
		}
		return runDaemon(cfg, "dump-server", ds.Run)
	})
	cmd.Flags = []*cli.Flag{boolFlagDef("once", "run one scan tick and exit")}
	return cmd
}

func restoreServerCommand() *cli.Command {
	cmd := cli.NewCommand("restore-server", "run the destination-side restore daemon: restore-server DST_CELL", cellcc.Version, func(cliCtx *cli.Context) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dst := cliCtx.Arg(0)
		if dst == "" {
			return fmt.Errorf("restore-server requires a DST_CELL argument")
		}

		store, err := cellcc.OpenStore(context.Background(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		env, err := cellcc.BuildEnv(cfg, store, cellcc.RestoreSide)
		if err != nil {
			return err
		}

		rs := &daemon.RestoreServer{
			Env:     env,
			DstCell: dst,
			Queues:  cfg.QueueNames(),
			MaxParallel: func(qname string) int {
				return cfg.GetInt("restore/queues/"+qname+"/max-parallel", 1)
			},
			Opts: daemon.Options{Once: boolFlag(cliCtx, "once"), Interval: cellcc.TickInterval(cfg)},
		}
		return runDaemon(cfg, "restore-server", rs.Run)
	})
	cmd.Flags = []*cli.Flag{boolFlagDef("once", "run one scan tick and exit")}
	return cmd
}

func checkServerCommand() *cli.Command {
	cmd := cli.NewCommand("check-server", "run the periodic job check/alert daemon", cellcc.Version, func(cliCtx *cli.Context) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := cellcc.OpenStore(context.Background(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		cs := &daemon.CheckServer{
			Engine: cellcc.BuildEngine(cfg, store),
			Opts:   daemon.Options{Once: boolFlag(cliCtx, "once"), Interval: cellcc.TickInterval(cfg)},
		}
		return runDaemon(cfg, "check-server", cs.Run)
	})
	cmd.Flags = []*cli.Flag{boolFlagDef("once", "run one sweep and exit")}
	return cmd
}

func jobsCommand() *cli.Command {
	cmd := cli.NewCommand("jobs", "list live jobs", cellcc.Version, func(cliCtx *cli.Context) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := cellcc.OpenStore(context.Background(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		described, err := store.DescribeJobs(context.Background(), jobstore.Filters{
			ErrorsOnly: boolFlag(cliCtx, "errors"),
		})
		if err != nil {
			return err
		}
		format, _ := cliCtx.GetFlag("format")
		return printJobs(described, format)
	})
	cmd.Flags = []*cli.Flag{
		flag("format", "output format: txt or json", "txt"),
		boolFlagDef("errors", "only show jobs in ERROR"),
	}
	return cmd
}

func printJobs(jobs []jobstore.DescribedJob, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	case "txt", "":
		if len(jobs) == 0 {
			fmt.Println("no jobs")
			return nil
		}
		fmt.Printf("%-6s %-18s %-18s %-20s %-10s %-18s %6s %8s  %s\n",
			"ID", "SRC", "DST", "VOLUME", "QUEUE", "STATE", "ERRORS", "STALE", "DESCRIPTION")
		for _, j := range jobs {
			expired := ""
			if j.Expired {
				expired = " [expired]"
			}
			fmt.Printf("%-6d %-18s %-18s %-20s %-10s %-18s %6d %7.0fs  %s%s\n",
				j.ID, j.SrcCell, j.DstCell, j.VolName, j.QName, j.State, j.Errors, j.StaleSeconds, j.Description, expired)
		}
		return nil
	default:
		return fmt.Errorf("unknown jobs format %q (want txt or json)", format)
	}
}

func configCommand() *cli.Command {
	cmd := cli.NewCommand("config", "inspect configuration: config --check | --dump | --dump-all | KEY", cellcc.Version, func(cliCtx *cli.Context) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		switch {
		case boolFlag(cliCtx, "check"):
			fmt.Println("configuration ok")
			return nil
		case boolFlag(cliCtx, "dump"):
			fmt.Print(cfg.Dump())
			return nil
		case boolFlag(cliCtx, "dump-all"):
			fmt.Print(cfg.DumpAll())
			return nil
		}
		key := cliCtx.Arg(0)
		if key == "" {
			return fmt.Errorf("config requires --check, --dump, --dump-all or a directive KEY")
		}
		v := cfg.Get(key)
		if v == nil {
			return fmt.Errorf("directive %q is not set", key)
		}
		fmt.Printf("%v\n", v)
		return nil
	})
	cmd.Flags = []*cli.Flag{
		boolFlagDef("check", "validate the configuration and exit"),
		boolFlagDef("dump", "print every directive currently set, after -x overrides"),
		boolFlagDef("dump-all", "print every known directive with its effective value"),
	}
	return cmd
}

func retryJobCommand() *cli.Command {
	return cli.NewCommand("retry-job", "clear a failed job's error count and retry it: retry-job JOBID", cellcc.Version, func(cliCtx *cli.Context) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		jobID, err := strconv.ParseInt(cliCtx.Arg(0), 10, 64)
		if err != nil {
			return fmt.Errorf("retry-job requires a numeric JOBID: %w", err)
		}
		store, err := cellcc.OpenStore(context.Background(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.JobReset(context.Background(), jobID); err != nil {
			return err
		}
		fmt.Printf("job %d reset\n", jobID)
		return nil
	})
}
