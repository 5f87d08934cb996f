package config

import (
	"fmt"
	"sort"
	"strings"
)

// DirectiveKind is the declared shape of a directive's value.
type DirectiveKind string

const (
	KindScalar  DirectiveKind = "scalar"
	KindArray   DirectiveKind = "array"
	KindMapping DirectiveKind = "mapping"
)

// KnownDirective declares one recognized directive: its path pattern (a
// "*" segment matches any single name, for the regex-keyed families like
// cells/*/dst-cells), its kind, and its compiled-in default (nil when the
// default is empty or computed).
type KnownDirective struct {
	Path    string
	Kind    DirectiveKind
	Default any
	Doc     string
}

// Known enumerates every directive CellCC recognizes. Anything in a loaded
// directive tree that matches none of these patterns is a fatal
// misconfiguration.
var Known = []KnownDirective{
	{Path: "db/dsn", Kind: KindScalar, Doc: "database DSN for the jobs database"},

	{Path: "cells/*/dst-cells", Kind: KindArray, Doc: "destination cells a source cell syncs to"},

	{Path: "dump/scratch-dir", Kind: KindScalar, Default: "/var/tmp/cellcc", Doc: "dump-host scratch directory"},
	{Path: "dump/scratch-slack", Kind: KindScalar, Default: 67108864, Doc: "extra scratch headroom in bytes"},
	{Path: "dump/checksum", Kind: KindScalar, Default: "SHA256", Doc: "dump checksum algorithm (MD5, SHA1, SHA256)"},
	{Path: "dump/max-parallel", Kind: KindScalar, Default: 2, Doc: "concurrent dump children per dump-server"},
	{Path: "dump/port", Kind: KindScalar, Default: 4371, Doc: "remctl service port on dump hosts"},
	{Path: "dump/incremental/enabled", Kind: KindScalar, Default: false, Doc: "attempt incremental dumps"},
	{Path: "dump/incremental/skip-unchanged", Kind: KindScalar, Default: false, Doc: "short-circuit when the destination is already current"},
	{Path: "dump/incremental/fulldump-on-error", Kind: KindScalar, Default: false, Doc: "fall back to a full dump when the baseline is unavailable"},

	{Path: "restore/scratch-dir", Kind: KindScalar, Default: "/var/tmp/cellcc", Doc: "restore-host scratch directory"},
	{Path: "restore/create-quota-kb", Kind: KindScalar, Default: 1, Doc: "quota for freshly created destination volumes"},
	{Path: "restore/queues/*/max-parallel", Kind: KindScalar, Default: 1, Doc: "concurrent children per restore queue"},
	{Path: "restore/queues/*/release/flags/*", Kind: KindMapping, Doc: "extra flags for the release command, per queue"},

	{Path: "vos/command", Kind: KindScalar, Default: "vos", Doc: "path to the filesystem admin CLI"},
	{Path: "vos/keytab", Kind: KindScalar, Doc: "keytab for admin CLI authentication"},
	{Path: "vos/localauth", Kind: KindScalar, Default: false, Doc: "use -localauth for the admin CLI"},

	{Path: "remote/service-principal", Kind: KindScalar, Doc: "service principal the dump host's remctl service runs as"},
	{Path: "remote/allowed-principal", Kind: KindScalar, Doc: "client principal allowed to issue remctl subcommands"},
	{Path: "remote/client-principal", Kind: KindScalar, Doc: "principal the restore host authenticates as"},
	{Path: "remote/client-keytab", Kind: KindScalar, Doc: "keytab holding the client principal's key"},
	{Path: "remote/service-keytab", Kind: KindScalar, Doc: "keytab holding the service principal's key"},
	{Path: "remote/krb5-conf", Kind: KindScalar, Default: "/etc/krb5.conf", Doc: "krb5.conf used for remctl authentication"},

	{Path: "stage/progress-schedule", Kind: KindArray, Default: []any{1.0, 1.0, 5.0, 30.0}, Doc: "progress-callback interval schedule in seconds"},
	{Path: "stage/timeout-slack", Kind: KindScalar, Default: 300, Doc: "seconds added on top of the next progress interval when refreshing a job timeout"},
	{Path: "stage/claim-timeout", Kind: KindScalar, Default: 3600, Doc: "default timeout stamped onto jobs at stage pickup"},

	{Path: "daemon/interval", Kind: KindScalar, Default: 30, Doc: "seconds between daemon work-scan ticks"},

	{Path: "check/error-limit", Kind: KindScalar, Default: 5, Doc: "failed attempts before a job stops being retried"},
	{Path: "check/errorlimit-window", Kind: KindScalar, Default: 3600, Doc: "seconds between repeated error-limit alerts for one job"},
	{Path: "check/stale-seconds", Kind: KindScalar, Default: 3600, Doc: "seconds without progress before ALERT_STALE (0 disables)"},
	{Path: "check/old-seconds", Kind: KindScalar, Default: 86400, Doc: "job age before ALERT_OLD (0 disables)"},
	{Path: "check/archive-jobs", Kind: KindScalar, Default: true, Doc: "copy finished jobs to jobshist before deleting them"},

	{Path: "alerts/text-command", Kind: KindScalar, Doc: "command fed the text alert payload on stdin"},
	{Path: "alerts/json-command", Kind: KindScalar, Doc: "command fed the JSON alert payload on stdin"},
	{Path: "alerts/log", Kind: KindScalar, Default: true, Doc: "emit alerts to the log at warning level"},

	{Path: "hooks/volume-filter", Kind: KindScalar, Doc: "volume-filter hook command"},
	{Path: "hooks/site-picker", Kind: KindScalar, Doc: "site-picker hook command"},

	{Path: "log/level", Kind: KindScalar, Default: "info", Doc: "log level (off, error, warn, info, debug, trace)"},
	{Path: "log/file", Kind: KindScalar, Doc: "log file path (empty logs to the console)"},
	{Path: "log/format", Kind: KindScalar, Default: "text", Doc: "log line format (text or json)"},
}

// matchesPattern reports whether the "/"-split directive key matches the
// "/"-split pattern, where a "*" pattern segment matches any one name.
func matchesPattern(pattern, key string) bool {
	p := strings.Split(pattern, "/")
	k := strings.Split(key, "/")
	if len(p) != len(k) {
		return false
	}
	for i := range p {
		if p[i] != "*" && p[i] != k[i] {
			return false
		}
	}
	return true
}

// unknownKeys returns every set directive path that matches no known
// pattern, sorted.
func (d *Directives) unknownKeys() []string {
	d.mu.RLock()
	keys := d.attrs.Keys()
	d.mu.RUnlock()

	var unknown []string
	for _, k := range keys {
		found := false
		for _, kd := range Known {
			if matchesPattern(kd.Path, k) {
				found = true
				break
			}
		}
		if !found {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	return unknown
}

// DumpAll renders every known directive with its effective value: the set
// value where one exists, the compiled-in default otherwise. Patterned
// families are rendered once per concrete instance present in the tree,
// plus the bare pattern with its default. The `config --dump-all`
// subcommand's output.
func (d *Directives) DumpAll() string {
	d.mu.RLock()
	set := map[string]any{}
	for _, k := range d.attrs.Keys() {
		set[k] = d.attrs.Get(k)
	}
	d.mu.RUnlock()

	lines := map[string]any{}
	for _, kd := range Known {
		if strings.Contains(kd.Path, "*") {
			lines[kd.Path] = kd.Default
			continue
		}
		if v, ok := set[kd.Path]; ok {
			lines[kd.Path] = v
		} else {
			lines[kd.Path] = kd.Default
		}
	}
	for k, v := range set {
		lines[k] = v
	}

	keys := make([]string, 0, len(lines))
	for k := range lines {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s = %v\n", k, lines[k])
	}
	return sb.String()
}
