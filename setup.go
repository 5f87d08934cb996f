package cellcc

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/openafs-contrib/cellcc/check"
	"github.com/openafs-contrib/cellcc/config"
	"github.com/openafs-contrib/cellcc/fsadmin"
	"github.com/openafs-contrib/cellcc/jobstore"
	"github.com/openafs-contrib/cellcc/l3"
	"github.com/openafs-contrib/cellcc/remctl"
	"github.com/openafs-contrib/cellcc/stage"
	"github.com/openafs-contrib/cellcc/supervisor"
)

// Version is the CellCC release version reported by --version.
const Version = "1.0.0"

// Hostname is this host's FQDN as recorded in status_fqdn / dump_fqdn.
func Hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}

var validLevels = map[string]bool{
	"off": true, "error": true, "warn": true, "info": true, "debug": true, "trace": true,
}

// ConfigureLogging (re)initializes the l3 logger from the log/* directives.
// It validates before applying so a SIGHUP reload with a bad log config can
// keep the previous logger (spec.md §6's reload contract).
func ConfigureLogging(cfg *config.Directives) error {
	level := strings.ToLower(cfg.GetString("log/level", "info"))
	if !validLevels[level] {
		return fmt.Errorf("cellcc: unknown log/level %q", level)
	}
	format := cfg.GetString("log/format", "text")
	if format != "text" && format != "json" {
		return fmt.Errorf("cellcc: unknown log/format %q", format)
	}

	lc := &l3.LogConfig{
		Format:     format,
		DefaultLvl: strings.ToUpper(level),
	}
	if file := cfg.GetString("log/file", ""); file != "" {
		lc.Writers = []*l3.WriterConfig{{File: &l3.FileConfig{DefaultPath: file}}}
	} else {
		lc.Writers = []*l3.WriterConfig{{Console: &l3.ConsoleConfig{}}}
	}
	l3.Configure(lc)
	return nil
}

// OpenStore opens the shared jobs database per the db/dsn directive.
func OpenStore(ctx context.Context, cfg *config.Directives) (jobstore.Store, error) {
	dsn := cfg.GetString("db/dsn", "")
	if dsn == "" {
		return nil, fmt.Errorf("cellcc: db/dsn is not configured")
	}
	return jobstore.Open(ctx, dsn, Hostname())
}

// adminAuthArgs resolves the admin CLI credential flags per SPEC_FULL.md
// §13(a): localauth adds -localauth; a keytab is exported via KRB5_KTNAME
// for the CLI's own Kerberos machinery. Load-time validation guarantees at
// least one is configured.
func adminAuthArgs(cfg *config.Directives) []string {
	if cfg.GetBool("vos/localauth", false) {
		return []string{"-localauth"}
	}
	if kt := cfg.GetString("vos/keytab", ""); kt != "" {
		os.Setenv("KRB5_KTNAME", kt)
	}
	return nil
}

// progressSchedule parses stage/progress-schedule into an interval schedule.
func progressSchedule(cfg *config.Directives) supervisor.IntervalSchedule {
	raw := cfg.Get("stage/progress-schedule")
	arr, ok := raw.([]any)
	if !ok || len(arr) == 0 {
		return supervisor.IntervalSchedule{1, 1, 5, 30}
	}
	var sched supervisor.IntervalSchedule
	for _, e := range arr {
		if f, ok := e.(float64); ok {
			sched = append(sched, int(f))
		}
	}
	if len(sched) == 0 {
		return supervisor.IntervalSchedule{1, 1, 5, 30}
	}
	return sched
}

// Side selects which host role an Env is being built for, since scratch
// directories are configured per role.
type Side string

const (
	DumpSide    Side = "dump"
	RestoreSide Side = "restore"
)

// BuildEnv assembles the stage-worker environment for one daemon process
// from the directive tree.
func BuildEnv(cfg *config.Directives, store jobstore.Store, side Side) (*stage.Env, error) {
	sv := supervisor.New()
	env := &stage.Env{
		Store:         store,
		Admin:         fsadmin.New(cfg.GetString("vos/command", "vos"), sv, adminAuthArgs(cfg)),
		Super:         sv,
		FQDN:          Hostname(),
		ScratchDir:    cfg.GetString(string(side)+"/scratch-dir", "/var/tmp/cellcc"),
		ScratchSlack:  int64(cfg.GetInt("dump/scratch-slack", 67108864)),
		Checksum:      stage.ChecksumAlgo(cfg.GetString("dump/checksum", "SHA256")),
		Schedule:      progressSchedule(cfg),
		TimeoutSlack:  uint32(cfg.GetInt("stage/timeout-slack", 300)),
		ClaimTimeout:  uint32(cfg.GetInt("stage/claim-timeout", 3600)),
		DumpPort:      cfg.GetInt("dump/port", 4371),
		SitePickerCmd: cfg.GetString("hooks/site-picker", ""),
		CreateQuotaKB: cfg.GetInt("restore/create-quota-kb", 1),
		Incremental: stage.IncrementalPolicy{
			Enabled:        cfg.GetBool("dump/incremental/enabled", false),
			SkipUnchanged:  cfg.GetBool("dump/incremental/skip-unchanged", false),
			FulldumpOnError: cfg.GetBool("dump/incremental/fulldump-on-error", false),
		},
		ReleaseFlags: func(qname string) map[string]string {
			flags := map[string]string{}
			prefix := "restore/queues/" + qname + "/release/flags"
			for _, k := range cfg.Keys(prefix) {
				flags[k] = cfg.GetString(prefix+"/"+k, "")
			}
			return flags
		},
	}

	if side == RestoreSide {
		client, err := BuildRemctlClient(cfg)
		if err != nil {
			return nil, err
		}
		env.Remctl = client
	}
	return env, nil
}

// BuildRemctlClient assembles the restore-host side of the remote-command
// transport from the remote/* directives.
func BuildRemctlClient(cfg *config.Directives) (*remctl.Client, error) {
	principal := cfg.GetString("remote/client-principal", "")
	keytab := cfg.GetString("remote/client-keytab", "")
	spn := cfg.GetString("remote/service-principal", "")
	if principal == "" || keytab == "" || spn == "" {
		return nil, fmt.Errorf("cellcc: remote-command transport requires remote/client-principal, remote/client-keytab and remote/service-principal")
	}
	user, realm, ok := strings.Cut(principal, "@")
	if !ok {
		return nil, fmt.Errorf("cellcc: remote/client-principal %q is not user@REALM", principal)
	}
	auth, err := remctl.NewClientAuthenticator(remctl.ClientCredentials{
		Username:     user,
		Realm:        realm,
		KeytabPath:   keytab,
		Krb5ConfPath: cfg.GetString("remote/krb5-conf", "/etc/krb5.conf"),
	})
	if err != nil {
		return nil, err
	}
	return remctl.NewClient(auth, spn), nil
}

// BuildRemctlServer assembles the dump-host side of the remote-command
// transport, serving blobs out of the dump scratch directory.
func BuildRemctlServer(cfg *config.Directives) (*remctl.Server, error) {
	keytab := cfg.GetString("remote/service-keytab", "")
	allowed := cfg.GetString("remote/allowed-principal", "")
	if keytab == "" || allowed == "" {
		return nil, fmt.Errorf("cellcc: remctl service requires remote/service-keytab and remote/allowed-principal")
	}
	auth, err := remctl.NewServiceAuthenticator(keytab)
	if err != nil {
		return nil, err
	}
	return &remctl.Server{
		Auth:             auth,
		AllowedPrincipal: allowed,
		ServicePrincipal: cfg.GetString("remote/service-principal", ""),
		Source:           &remctl.LocalDumpSource{ScratchDir: cfg.GetString("dump/scratch-dir", "/var/tmp/cellcc")},
	}, nil
}

// BuildEngine assembles the check engine from the check/* and alerts/*
// directives.
func BuildEngine(cfg *config.Directives, store jobstore.Store) *check.Engine {
	return &check.Engine{
		Store: store,
		Policy: check.Policy{
			ErrorLimit:       uint32(cfg.GetInt("check/error-limit", 5)),
			ErrorLimitWindow: time.Duration(cfg.GetInt("check/errorlimit-window", 3600)) * time.Second,
			StaleAfter:       time.Duration(cfg.GetInt("check/stale-seconds", 3600)) * time.Second,
			OldAfter:         time.Duration(cfg.GetInt("check/old-seconds", 86400)) * time.Second,
			Archive:          cfg.GetBool("check/archive-jobs", true),
		},
		Dispatch: check.NewDispatcher(
			cfg.GetString("alerts/text-command", ""),
			cfg.GetString("alerts/json-command", ""),
			cfg.GetBool("alerts/log", true),
		),
	}
}

// TickInterval returns the daemon scan interval.
func TickInterval(cfg *config.Directives) time.Duration {
	return time.Duration(cfg.GetInt("daemon/interval", 30)) * time.Second
}
