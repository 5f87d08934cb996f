package daemon

import (
	"context"

	"github.com/openafs-contrib/cellcc/check"
)

// CheckServer runs the check engine's sweep on a timer. It can run
// anywhere with database access; a single instance suffices, but several
// are safe because every mutation the engine makes is dv-guarded.
type CheckServer struct {
	Engine *check.Engine
	Opts   Options
}

func (s *CheckServer) Run(ctx context.Context) error {
	return runLoop(ctx, "check-server", s.Opts, func(ctx context.Context) error {
		alerts, err := s.Engine.Tick(ctx)
		if err != nil {
			return err
		}
		if len(alerts) > 0 {
			logger.InfoF("check-server: raised %d alerts this tick", len(alerts))
		}
		return nil
	})
}
