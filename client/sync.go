// Package client implements the operator-facing sync-request operation: one
// call fans a volume out into one job per configured destination cell,
// consulting the volume-filter hook before each.
package client

import (
	"context"
	"fmt"

	"github.com/openafs-contrib/cellcc/config"
	"github.com/openafs-contrib/cellcc/hooks"
	"github.com/openafs-contrib/cellcc/jobstore"
	"github.com/openafs-contrib/cellcc/l3"
)

var logger = l3.Get()

// SyncRequest describes one start-sync (or delete) invocation.
type SyncRequest struct {
	SrcCell string
	Volume  string
	QName   string
	// Delete requests volume deletion at the destinations instead of a sync.
	Delete bool
}

// StartSync creates one job per destination cell configured for
// req.SrcCell, in state NEW (or DELETE_NEW for a deletion). Destinations
// the volume-filter hook excludes are skipped. It returns the update
// contexts of the jobs created.
func StartSync(ctx context.Context, store jobstore.Store, cfg *config.Directives, req SyncRequest) ([]jobstore.UpdateCtx, error) {
	if req.SrcCell == "" || req.Volume == "" {
		return nil, fmt.Errorf("client: start-sync requires a source cell and a volume name")
	}
	dstCells := cfg.GetStringSlice("cells/" + req.SrcCell + "/dst-cells")
	if len(dstCells) == 0 {
		return nil, fmt.Errorf("client: no dst-cells configured for source cell %q", req.SrcCell)
	}

	state := jobstore.StateNew
	operation := "sync"
	description := "waiting for dump"
	if req.Delete {
		state = jobstore.StateDeleteNew
		operation = "delete"
		description = "waiting for deletion"
	}
	qname := req.QName
	if qname == "" {
		qname = "default"
	}

	filterCmd := cfg.GetString("hooks/volume-filter", "")
	var created []jobstore.UpdateCtx
	for _, dst := range dstCells {
		if filterCmd != "" {
			decision, err := hooks.RunFilter(ctx, filterCmd, hooks.FilterRequest{
				Volume:    req.Volume,
				SrcCell:   req.SrcCell,
				DstCell:   dst,
				QName:     qname,
				Operation: operation,
			})
			if err != nil {
				return created, err
			}
			if decision == hooks.Exclude {
				logger.InfoF("client: volume filter excluded %s for destination %s", req.Volume, dst)
				continue
			}
		}
		uc, err := store.CreateJob(ctx, jobstore.Job{
			SrcCell:     req.SrcCell,
			DstCell:     dst,
			VolName:     req.Volume,
			QName:       qname,
			State:       state,
			Description: description,
		})
		if err != nil {
			return created, fmt.Errorf("client: creating %s job for %s -> %s: %w", operation, req.Volume, dst, err)
		}
		logger.InfoF("client: created %s job %d for %s -> %s (queue %s)", operation, uc.JobID, req.Volume, dst, qname)
		created = append(created, uc)
	}
	return created, nil
}
