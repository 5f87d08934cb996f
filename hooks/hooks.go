// Package hooks runs the two site-local decision points CellCC delegates to
// external commands, per spec.md §7: the volume filter (include/exclude a
// candidate volume) and the site picker (choose the destination site within
// a cell). Both hooks receive their arguments as environment variables and
// answer on stdout, in the style of the supervisor-driven external commands
// elsewhere in this codebase.
package hooks

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/openafs-contrib/cellcc/l3"
)

var logger = l3.Get()

// Decision is the volume filter's verdict on a candidate volume.
type Decision int

const (
	Exclude Decision = iota
	Include
)

// FilterRequest carries the fields the volume-filter hook receives as
// environment variables.
type FilterRequest struct {
	Volume    string
	SrcCell   string
	DstCell   string
	QName     string
	Operation string
}

func (r FilterRequest) env() []string {
	return []string{
		"CELLCC_FILTER_VOLUME=" + r.Volume,
		"CELLCC_FILTER_SRC_CELL=" + r.SrcCell,
		"CELLCC_FILTER_DST_CELL=" + r.DstCell,
		"CELLCC_FILTER_QNAME=" + r.QName,
		"CELLCC_FILTER_OPERATION=" + r.Operation,
	}
}

// RunFilter invokes the configured volume-filter command and parses its
// single line of output. Any output other than exactly "include" or
// "exclude", a non-zero exit status, or more than one line of output is
// treated as a fatal misconfiguration: the filter hook is trusted
// unconditionally by the daemons that call it.
func RunFilter(ctx context.Context, command string, req FilterRequest) (Decision, error) {
	out, err := runHook(ctx, command, req.env())
	if err != nil {
		return Exclude, fmt.Errorf("hooks: volume filter: %w", err)
	}
	lines := nonBlankLines(out)
	if len(lines) != 1 {
		return Exclude, fmt.Errorf("hooks: volume filter produced %d lines, want exactly 1: %q", len(lines), out)
	}
	switch lines[0] {
	case "include":
		return Include, nil
	case "exclude":
		return Exclude, nil
	default:
		return Exclude, fmt.Errorf("hooks: volume filter produced unrecognized output %q", lines[0])
	}
}

// Site is one candidate destination (server, partition) returned by the
// site-picker hook.
type Site struct {
	Server    string
	Partition string
}

// PickerRequest carries the fields the site-picker hook receives as
// environment variables.
type PickerRequest struct {
	Volume  string
	SrcCell string
	DstCell string
	Cell    string
}

func (r PickerRequest) env() []string {
	return []string{
		"CELLCC_PS_VOLUME=" + r.Volume,
		"CELLCC_PS_SRC_CELL=" + r.SrcCell,
		"CELLCC_PS_DST_CELL=" + r.DstCell,
		"CELLCC_PS_CELL=" + r.Cell,
	}
}

// RunSitePicker invokes the configured site-picker command and parses its
// "server partition" lines. The first line names the read-write site; any
// further lines name read-only replication sites. At least one line is
// required.
func RunSitePicker(ctx context.Context, command string, req PickerRequest) (rw Site, ro []Site, err error) {
	out, err := runHook(ctx, command, req.env())
	if err != nil {
		return Site{}, nil, fmt.Errorf("hooks: site picker: %w", err)
	}
	lines := nonBlankLines(out)
	if len(lines) == 0 {
		return Site{}, nil, fmt.Errorf("hooks: site picker produced no output")
	}
	sites := make([]Site, 0, len(lines))
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return Site{}, nil, fmt.Errorf("hooks: site picker line %q is not \"server partition\"", line)
		}
		sites = append(sites, Site{Server: fields[0], Partition: fields[1]})
	}
	return sites[0], sites[1:], nil
}

func runHook(ctx context.Context, command string, env []string) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("hooks: empty hook command")
	}
	// The hook directive is a full shell command line, so hand it to the
	// shell rather than word-splitting it here.
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		tail := nonBlankLines(stderr.String())
		if len(tail) > 0 {
			logger.WarnF("hooks: hook stderr: %s", strings.Join(tail, "; "))
		}
		return "", fmt.Errorf("running %q: %w", command, err)
	}
	return stdout.String(), nil
}

// nonBlankLines drops blank lines and "#" comments, which both hook
// protocols tolerate in their output.
func nonBlankLines(s string) []string {
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(s))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			lines = append(lines, line)
		}
	}
	return lines
}
