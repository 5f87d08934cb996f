// Package check implements the check-server's periodic sweep over the job
// table: retrying or escalating failed jobs, archiving finished ones, and
// raising alerts for anything that needs an operator (spec.md §4.5).
package check

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/openafs-contrib/cellcc/jobstore"
	"github.com/openafs-contrib/cellcc/l3"
	"github.com/openafs-contrib/cellcc/managers"
)

var logger = l3.Get()

// Kind names one of the alert classes the check engine can raise.
type Kind string

const (
	AlertRetry      Kind = "ALERT_RETRY"
	AlertErrorLimit Kind = "ALERT_ERRORLIMIT"
	AlertExpired    Kind = "ALERT_EXPIRED"
	AlertStale      Kind = "ALERT_STALE"
	AlertOld        Kind = "ALERT_OLD"
)

// Alert is one alert raised during a check tick, carrying enough of the
// job's identity for an operator to act on it without a second lookup.
type Alert struct {
	Kind    Kind           `json:"alert"`
	JobID   int64          `json:"jobid"`
	SrcCell string         `json:"src_cell"`
	DstCell string         `json:"dst_cell"`
	VolName string         `json:"volname"`
	State   jobstore.State `json:"state"`
	Errors  uint32         `json:"errors"`
	Message string         `json:"message"`
}

func newAlert(kind Kind, j jobstore.Job, format string, args ...any) Alert {
	return Alert{
		Kind:    kind,
		JobID:   j.ID,
		SrcCell: j.SrcCell,
		DstCell: j.DstCell,
		VolName: j.VolName,
		State:   j.State,
		Errors:  j.Errors,
		Message: fmt.Sprintf(format, args...),
	}
}

// Line renders the alert as one line of the text-alert format.
func (a Alert) Line() string {
	return fmt.Sprintf("%s job %d vol %s %s -> %s (state %s, errors %d): %s",
		a.Kind, a.JobID, a.VolName, a.SrcCell, a.DstCell, a.State, a.Errors, a.Message)
}

// FormatText renders the tick's accumulated alerts as the text-alert
// command's stdin payload.
func FormatText(alerts []Alert) string {
	var sb strings.Builder
	for _, a := range alerts {
		sb.WriteString(a.Line())
		sb.WriteString("\n")
	}
	return sb.String()
}

// Channel is one independent alert delivery path. Every registered channel
// receives the full alert batch; a failing channel never blocks the others.
type Channel interface {
	Deliver(ctx context.Context, alerts []Alert)
}

// Dispatcher delivers one tick's accumulated alerts through each registered
// channel (spec.md §4.5): a text-alert command, a JSON-alert command,
// and/or the log at warning level, per three independent configuration
// switches. Delivery is best-effort: a failing alert command is itself only
// a logged warning.
type Dispatcher struct {
	channels managers.ItemManager[Channel]
}

// NewDispatcher builds a Dispatcher with the channels the three switches
// enable. An empty command string disables that channel.
func NewDispatcher(textCommand, jsonCommand string, logAlerts bool) *Dispatcher {
	d := &Dispatcher{channels: managers.NewItemManager[Channel]()}
	if textCommand != "" {
		d.channels.Register("text", &commandChannel{command: textCommand, format: FormatText})
	}
	if jsonCommand != "" {
		d.channels.Register("json", &commandChannel{command: jsonCommand, format: formatJSON})
	}
	if logAlerts {
		d.channels.Register("log", logChannel{})
	}
	return d
}

// Dispatch sends all alerts accumulated in one tick, once per channel.
func (d *Dispatcher) Dispatch(ctx context.Context, alerts []Alert) {
	if len(alerts) == 0 {
		return
	}
	for _, ch := range d.channels.Items() {
		ch.Deliver(ctx, alerts)
	}
}

// commandChannel pipes a rendered payload to an external command's stdin.
type commandChannel struct {
	command string
	format  func([]Alert) string
}

func (c *commandChannel) Deliver(ctx context.Context, alerts []Alert) {
	payload := c.format(alerts)
	if payload == "" {
		return
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", c.command)
	cmd.Stdin = strings.NewReader(payload)
	if out, err := cmd.CombinedOutput(); err != nil {
		logger.WarnF("check: alert command %q failed: %v (output: %s)", c.command, err, strings.TrimSpace(string(out)))
	}
}

func formatJSON(alerts []Alert) string {
	payload, err := json.Marshal(alerts)
	if err != nil {
		logger.WarnF("check: encoding JSON alerts: %v", err)
		return ""
	}
	return string(payload)
}

// logChannel emits each alert line to the log at warning level.
type logChannel struct{}

func (logChannel) Deliver(_ context.Context, alerts []Alert) {
	for _, a := range alerts {
		logger.Warn(a.Line())
	}
}
