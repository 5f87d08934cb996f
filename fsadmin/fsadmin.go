// Package fsadmin wraps the distributed filesystem's vos-like
// administrative CLI: dump, restore, release, examine and site-removal
// operations. Per spec.md §3 this tool itself is out of scope — the
// contract here is deliberately thin: which operation is invoked, with
// what arguments, and what error signal comes back.
package fsadmin

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/openafs-contrib/cellcc/l3"
	"github.com/openafs-contrib/cellcc/supervisor"
)

var logger = l3.Get()

// ErrNoVolume is reported when an operation names a volume that does not
// exist in the target cell. The restore stage treats this as "create it",
// the delete stage as "already done".
var ErrNoVolume = errors.New("fsadmin: no such volume")

// SiteType is one of the replication roles a volume site can hold.
type SiteType string

const (
	SiteRW SiteType = "RW"
	SiteRO SiteType = "RO"
	SiteBK SiteType = "BK"
)

// Site identifies a (server, partition) pair hosting one replica of a volume.
type Site struct {
	Server string
	Partition string
	Type SiteType
}

// SiteStatus is one line of `vos examine` output: a site plus whether it is
// currently locked or shows a stale (not-yet-released) replication state.
type SiteStatus struct {
	Site
	Locked bool
	Stale  bool
}

// Admin wraps the path to the admin CLI binary and the credentials flags it
// needs (vos_keytab or localauth, per SPEC_FULL.md §13(a)). Every operation
// takes the cell it runs against, since the dump stage examines destination
// cells from the source host and vice versa.
type Admin struct {
	Command    string
	Supervisor *supervisor.Supervisor
	// AuthArgs are appended to every invocation: either `-localauth` or
	// `-k <keytab>`-style flags, precomputed from the resolved directive
	// tree so callers never branch on it per call.
	AuthArgs []string
}

// New builds an Admin that shells out to command (e.g. "vos") using sv to
// supervise each invocation.
func New(command string, sv *supervisor.Supervisor, authArgs []string) *Admin {
	return &Admin{Command: command, Supervisor: sv, AuthArgs: authArgs}
}

func (a *Admin) args(sub, cell string, rest ...string) []string {
	out := append([]string{sub}, rest...)
	if cell != "" {
		out = append(out, "-cell", cell)
	}
	out = append(out, a.AuthArgs...)
	return out
}

// Dump runs the filesystem dump command for volume into destFile, optionally
// relative to an incremental baseline timestamp. opts carries the progress
// schedule the dump stage worker uses to extend the job's timeout.
func (a *Admin) Dump(ctx context.Context, cell, volume, destFile string, since int64, opts supervisor.Options) error {
	args := a.args("dump", cell, volume, "-file", destFile)
	if since > 0 {
		args = append(args, "-time", strconv.FormatInt(since, 10))
	}
	_, err := a.runSupervised(ctx, opts, args...)
	return err
}

// DumpSize asks the fileserver how large a dump of volume from the given
// baseline would be, parsed from the "size <bytes>" line of `vos size
// -dump` output. The dump stage uses this for its scratch-headroom check.
func (a *Admin) DumpSize(ctx context.Context, cell, volume string, since int64) (int64, error) {
	args := a.args("size", cell, volume, "-dump")
	if since > 0 {
		args = append(args, "-time", strconv.FormatInt(since, 10))
	}
	out, err := a.runSupervised(ctx, supervisor.Options{}, args...)
	if err != nil {
		return 0, err
	}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[0] == "size" {
			n, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return 0, fmt.Errorf("fsadmin: parsing dump size %q: %w", fields[1], err)
			}
			return n, nil
		}
	}
	return 0, fmt.Errorf("fsadmin: no size line in output for %q", volume)
}

// Restore restores file onto site as volume, optionally incremental.
func (a *Admin) Restore(ctx context.Context, cell string, site Site, volume, file string, incremental bool, opts supervisor.Options) error {
	args := a.args("restore", cell, "-server", site.Server, "-partition", site.Partition, "-name", volume, "-file", file)
	if incremental {
		args = append(args, "-overwrite", "incremental")
	}
	_, err := a.runSupervised(ctx, opts, args...)
	return err
}

// Release publishes the RW site's content to all RO replicas, applying the
// per-queue release flags from configuration.
func (a *Admin) Release(ctx context.Context, cell, volume string, flags map[string]string) error {
	args := a.args("release", cell, volume)
	for k, v := range flags {
		if v == "" {
			args = append(args, "-"+k)
		} else {
			args = append(args, "-"+k, v)
		}
	}
	_, err := a.runSupervised(ctx, supervisor.Options{}, args...)
	return err
}

// Examine returns every site hosting volume along with lock/staleness
// status, by parsing `vos examine`'s line-oriented output:
//
//	server partition TYPE [locked] [stale]
//
// A volume absent from the cell's location database is reported as
// ErrNoVolume.
func (a *Admin) Examine(ctx context.Context, cell, volume string) ([]SiteStatus, error) {
	out, err := a.runSupervised(ctx, supervisor.Options{}, a.args("examine", cell, volume)...)
	if err != nil {
		if isNoVolume(err) {
			return nil, fmt.Errorf("%w: %q in cell %q", ErrNoVolume, volume, cell)
		}
		return nil, err
	}
	return parseSiteStatus(out)
}

// isNoVolume recognizes the admin CLI's "no such entry" diagnostic in a
// failed invocation's captured stderr.
func isNoVolume(err error) bool {
	var ce *supervisor.ChildError
	if !errors.As(err, &ce) {
		return false
	}
	for _, line := range ce.StderrTail {
		if strings.Contains(line, "no such entry") || strings.Contains(line, "does not exist") {
			return true
		}
	}
	return false
}

func parseSiteStatus(out string) ([]SiteStatus, error) {
	var sites []SiteStatus
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, fmt.Errorf("fsadmin: malformed examine line %q", line)
		}
		s := SiteStatus{Site: Site{Server: fields[0], Partition: fields[1], Type: SiteType(fields[2])}}
		for _, tok := range fields[3:] {
			switch tok {
			case "locked":
				s.Locked = true
			case "stale":
				s.Stale = true
			}
		}
		sites = append(sites, s)
	}
	return sites, nil
}

// VolumeLastUpdate returns volume's last-update timestamp (seconds since
// epoch), parsed from the first "updated <epoch>" token `vos examine
// -format` emits. Used by the dump stage worker to compute an incremental
// baseline against the destination's previously recorded value. A missing
// volume is reported as ErrNoVolume.
func (a *Admin) VolumeLastUpdate(ctx context.Context, cell, volume string) (int64, error) {
	out, err := a.runSupervised(ctx, supervisor.Options{}, a.args("examine", cell, volume, "-format")...)
	if err != nil {
		if isNoVolume(err) {
			return 0, fmt.Errorf("%w: %q in cell %q", ErrNoVolume, volume, cell)
		}
		return 0, err
	}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[0] == "updated" {
			ts, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return 0, fmt.Errorf("fsadmin: parsing updated timestamp %q: %w", fields[1], err)
			}
			return ts, nil
		}
	}
	return 0, fmt.Errorf("fsadmin: no updated timestamp in examine -format output for %q", volume)
}

// CreateVolume creates a new RW volume on site with the given quota in
// kilobytes, taking it offline immediately afterward per the restore stage
// worker's contract.
func (a *Admin) CreateVolume(ctx context.Context, cell string, site Site, volume string, quotaKB int) error {
	_, err := a.runSupervised(ctx, supervisor.Options{},
		a.args("create", cell, site.Server, site.Partition, volume, "-maxquota", strconv.Itoa(quotaKB))...)
	if err != nil {
		return err
	}
	return a.Offline(ctx, cell, site, volume)
}

// AddReplicaSite adds site as a read-only replica of volume.
func (a *Admin) AddReplicaSite(ctx context.Context, cell string, site Site, volume string) error {
	_, err := a.runSupervised(ctx, supervisor.Options{}, a.args("addsite", cell, "-server", site.Server, "-partition", site.Partition, "-id", volume)...)
	return err
}

// Offline takes volume at site offline.
func (a *Admin) Offline(ctx context.Context, cell string, site Site, volume string) error {
	_, err := a.runSupervised(ctx, supervisor.Options{}, a.args("offline", cell, "-server", site.Server, "-partition", site.Partition, "-id", volume)...)
	return err
}

// RemoveSite removes one site's replica of volume.
func (a *Admin) RemoveSite(ctx context.Context, cell string, site Site, volume string) error {
	_, err := a.runSupervised(ctx, supervisor.Options{}, a.args("remove", cell, "-server", site.Server, "-partition", site.Partition, "-id", volume)...)
	return err
}

func (a *Admin) runSupervised(ctx context.Context, opts supervisor.Options, args ...string) (string, error) {
	stdout, err := os.CreateTemp("", "fsadmin-stdout-*")
	if err != nil {
		return "", fmt.Errorf("fsadmin: creating stdout capture: %w", err)
	}
	defer os.Remove(stdout.Name())
	defer stdout.Close()
	stderr, err := os.CreateTemp("", "fsadmin-stderr-*")
	if err != nil {
		return "", fmt.Errorf("fsadmin: creating stderr capture: %w", err)
	}
	defer os.Remove(stderr.Name())
	defer stderr.Close()

	runErr := a.Supervisor.RunCommand(ctx, a.Command, args, stdout, stderr, opts)

	var buf bytes.Buffer
	if _, serr := stdout.Seek(0, 0); serr == nil {
		buf.ReadFrom(stdout)
	}
	if runErr != nil {
		logger.WarnF("fsadmin: %s %v failed: %v", a.Command, args, runErr)
		return buf.String(), fmt.Errorf("fsadmin: %s %v: %w", a.Command, args, runErr)
	}
	return buf.String(), nil
}
