// Package cellcc synchronizes the contents of named volumes from a single
// source cell to one or more destination cells within a distributed
// filesystem whose native administrative tool exposes dump/restore
// primitives.
//
// The core of the system is the distributed job lifecycle engine: the
// persistent job state machine in jobstore, the per-stage workers in
// stage, the child process supervisor in supervisor, and the periodic
// check/alert sweep in check. Three daemon shells in daemon drive
// those pieces on a schedule; cmd/cellcc and cmd/cellcc-debug expose them
// as CLI subcommands.
//
// Sub-packages:
//
//	jobstore    typed access to the jobs/jobshist relations and the
//	            optimistic-concurrency update protocol
//	supervisor  spawns and monitors external dump/transfer/restore commands
//	stage       the five pipeline-stage workers (dump/transfer/restore/
//	            release/delete)
//	check       the periodic timeout/staleness/error-limit sweep and
//	            alert dispatch
//	daemon      the dump-server, restore-server and check-server shells
//	fsadmin     the vos-like administrative CLI wrapper
//	hooks       the volume-filter and site-picker hook protocols
//	remctl      the kerberized remote-command transport between dump and
//	            restore hosts
//	config      directive-tree configuration loading and reload
//	cli         the subcommand/flag framework used by cmd/cellcc
//	l3          leveled structured logging
//
// For a complete list of packages and documentation, see:
// https://pkg.go.dev/github.com/openafs-contrib/cellcc
package cellcc
