package service

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	commonlog "support_broker/server/common/log"
)

const sweepTimeout = 30 * time.Second

type stalePresenceSweeper interface {
	SweepStale(ctx context.Context) (int, error)
}

// PresenceSweeper runs SweepStale on a cron schedule.
type PresenceSweeper struct {
	cron     *cron.Cron
	presence stalePresenceSweeper
}

// NewPresenceSweeper accepts standard cron specs and descriptors such as "@every 30s".
func NewPresenceSweeper(presence stalePresenceSweeper, spec string) (*PresenceSweeper, error) {
	s := &PresenceSweeper{
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		presence: presence,
	}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PresenceSweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	swept, err := s.presence.SweepStale(ctx)
	if err != nil {
		commonlog.Errorf("event=presence_sweep action=run status=failed error=%v", err)
		return
	}
	if swept > 0 {
		commonlog.Infof("event=presence_sweep action=run status=ok marked_offline=%d", swept)
	}
}

func (s *PresenceSweeper) Start() {
	s.cron.Start()
	commonlog.Infof("event=presence_sweep action=start status=ok")
}

// Stop waits for a running sweep to finish.
func (s *PresenceSweeper) Stop() {
	<-s.cron.Stop().Done()
}
