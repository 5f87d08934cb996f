// Command cellcc-debug holds the diagnostic subcommands kept out of the
// operator binary: kill-job, test-alert and ping-remctl. Global flags are
// the same as cellcc's (--config FILE, -x KEY=VAL).
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	cellcc "github.com/openafs-contrib/cellcc"
	"github.com/openafs-contrib/cellcc/check"
	"github.com/openafs-contrib/cellcc/cli"
	"github.com/openafs-contrib/cellcc/config"
	"github.com/openafs-contrib/cellcc/jobstore"
	"github.com/openafs-contrib/cellcc/remctl"
)

const defaultConfigPath = "/etc/cellcc/cellcc.conf"

var (
	cfgPath   = defaultConfigPath
	overrides []config.Override
)

func extractGlobals() error {
	args := os.Args[1:]
	var rest []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--config" || arg == "-c":
			if i+1 >= len(args) {
				return fmt.Errorf("%s requires a file argument", arg)
			}
			i++
			cfgPath = args[i]
		case strings.HasPrefix(arg, "--config="):
			cfgPath = strings.TrimPrefix(arg, "--config=")
		case arg == "-x":
			if i+1 >= len(args) {
				return fmt.Errorf("-x requires a KEY=VAL argument")
			}
			i++
			ov, err := config.ParseOverride(args[i])
			if err != nil {
				return err
			}
			overrides = append(overrides, ov)
		default:
			rest = append(rest, arg)
		}
	}
	os.Args = append(os.Args[:1], rest...)
	return nil
}

func loadConfig() (*config.Directives, error) {
	cfg, err := config.Load(cfgPath, overrides)
	if err != nil {
		return nil, err
	}
	if err := cellcc.ConfigureLogging(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func killJobCommand() *cli.Command {
	return cli.NewCommand("kill-job", "delete a job row outright: kill-job JOBID", cellcc.Version, func(cliCtx *cli.Context) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		jobID, err := strconv.ParseInt(cliCtx.Arg(0), 10, 64)
		if err != nil {
			return fmt.Errorf("kill-job requires a numeric JOBID: %w", err)
		}
		store, err := cellcc.OpenStore(context.Background(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.KillJob(context.Background(), jobID); err != nil {
			return err
		}
		fmt.Printf("job %d killed\n", jobID)
		return nil
	})
}

func testAlertCommand() *cli.Command {
	cmd := cli.NewCommand("test-alert", "dispatch synthetic alerts through the configured channels", cellcc.Version, func(cliCtx *cli.Context) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		countStr, _ := cliCtx.GetFlag("count")
		count, err := strconv.Atoi(countStr)
		if err != nil || count <= 0 {
			count = 3
		}

		// Dummy jobs never touch the database, so no store connection is
		// needed to exercise alert formatting and dispatch end to end.
		dummies := jobstore.NewMemoryStore(cellcc.Hostname()).DescribeDummyJobs(count)
		alerts := make([]check.Alert, 0, len(dummies))
		for _, d := range dummies {
			alerts = append(alerts, check.Alert{
				Kind:    check.AlertStale,
				JobID:   d.ID,
				SrcCell: d.SrcCell,
				DstCell: d.DstCell,
				VolName: d.VolName,
				State:   d.State,
				Errors:  d.Errors,
				Message: "synthetic alert from test-alert",
			})
		}

		dispatcher := check.NewDispatcher(
			cfg.GetString("alerts/text-command", ""),
			cfg.GetString("alerts/json-command", ""),
			cfg.GetBool("alerts/log", true),
		)
		dispatcher.Dispatch(context.Background(), alerts)
		fmt.Printf("dispatched %d synthetic alerts\n", len(alerts))
		return nil
	})
	cmd.Flags = []*cli.Flag{{Name: "count", Usage: "number of synthetic alerts", Aliases: []string{"count"}, Default: "3"}}
	return cmd
}

func pingRemctlCommand() *cli.Command {
	return cli.NewCommand("ping-remctl", "check remote-command connectivity: ping-remctl HOST[:PORT]", cellcc.Version, func(cliCtx *cli.Context) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr := cliCtx.Arg(0)
		if addr == "" {
			return fmt.Errorf("ping-remctl requires a HOST[:PORT] argument")
		}
		if !strings.Contains(addr, ":") {
			addr = fmt.Sprintf("%s:%d", addr, cfg.GetInt("dump/port", 4371))
		}

		rc, err := cellcc.BuildRemctlClient(cfg)
		if err != nil {
			return err
		}
		start := time.Now()
		if err := rc.Ping(addr); err != nil {
			return err
		}
		fmt.Printf("%s answered in %s\n", addr, time.Since(start).Round(time.Millisecond))
		return nil
	})
}

func getDumpCommand() *cli.Command {
	return cli.NewCommand("get-dump", "stream a dump blob from a dump host to stdout: get-dump HOST[:PORT] FILENAME", cellcc.Version, func(cliCtx *cli.Context) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr, filename := cliCtx.Arg(0), cliCtx.Arg(1)
		if addr == "" || filename == "" {
			return fmt.Errorf("get-dump requires HOST[:PORT] and FILENAME arguments")
		}
		if !strings.Contains(addr, ":") {
			addr = fmt.Sprintf("%s:%d", addr, cfg.GetInt("dump/port", 4371))
		}
		if err := remctl.RefuseTerminal(os.Stdout); err != nil {
			return err
		}

		rc, err := cellcc.BuildRemctlClient(cfg)
		if err != nil {
			return err
		}
		blob, err := rc.GetDump(addr, filename)
		if err != nil {
			return err
		}
		defer blob.Close()
		_, err = io.Copy(os.Stdout, blob)
		return err
	})
}

func main() {
	if err := extractGlobals(); err != nil {
		fmt.Fprintln(os.Stderr, "cellcc-debug:", err)
		os.Exit(1)
	}

	c := cli.NewCLI()
	c.AddVersion(cellcc.Version)
	c.AddCommand(killJobCommand())
	c.AddCommand(testAlertCommand())
	c.AddCommand(pingRemctlCommand())
	c.AddCommand(getDumpCommand())

	if err := c.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cellcc-debug:", err)
		os.Exit(1)
	}
}
