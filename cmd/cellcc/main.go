// Command cellcc is the CellCC operator binary: it requests syncs, runs the
// three daemons, and inspects jobs and configuration.
//
// Global flags (valid before the subcommand):
//
//	--config FILE    directive file (default /etc/cellcc/cellcc.conf)
//	-x KEY=VAL       override one directive; -x json:KEY=VAL parses VAL as JSON
//	--help --version
package main

import (
	"fmt"
	"os"
	"strings"

	cellcc "github.com/openafs-contrib/cellcc"
	"github.com/openafs-contrib/cellcc/cli"
	"github.com/openafs-contrib/cellcc/config"
)

const defaultConfigPath = "/etc/cellcc/cellcc.conf"

var (
	cfgPath   = defaultConfigPath
	overrides []config.Override
)

// extractGlobals strips --config and -x (both repeatable forms) out of
// os.Args before the subcommand framework sees them, since they are valid
// on every subcommand.
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
		case strings.HasPrefix(arg, "-x="):
			ov, err := config.ParseOverride(strings.TrimPrefix(arg, "-x="))
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

// loadConfig loads and validates the directive tree and brings up logging.
// Any failure here is fatal misconfiguration.
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

// boolFlag interprets a registered flag as a boolean: present with no
// value, "true" or "1" means on.
func boolFlag(ctx *cli.Context, name string) bool {
	v, ok := ctx.GetFlag(name)
	if !ok {
		return false
	}
	return v == "" || v == "true" || v == "1"
}

func main() {
	if err := extractGlobals(); err != nil {
		fmt.Fprintln(os.Stderr, "cellcc:", err)
		os.Exit(1)
	}

	c := cli.NewCLI()
	c.AddVersion(cellcc.Version)
	c.AddCommand(startSyncCommand())
	c.AddCommand(dumpServerCommand())
	c.AddCommand(restoreServerCommand())
	c.AddCommand(checkServerCommand())
	c.AddCommand(jobsCommand())
	c.AddCommand(configCommand())
	c.AddCommand(retryJobCommand())

	if err := c.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cellcc:", err)
		os.Exit(1)
	}
}
