package services

import (
	"context"
	"fmt"
	"time"

	"live-auction/pkg/logger"

	"github.com/robfig/cron/v3"
)

// StaleReaper drops connections whose liveness mark is older than cutoff.
type StaleReaper interface {
	ReapStale(cutoff time.Time) []string
}

type SchedulerConfig struct {
	CloseInterval   time.Duration
	ReapInterval    time.Duration
	LivenessTimeout time.Duration
}

// MaintenanceScheduler runs the periodic close sweep and liveness reaping.
type MaintenanceScheduler struct {
	cron   *cron.Cron
	closer *AuctionCloser
	reaper StaleReaper
	cfg    SchedulerConfig
	log    logger.Logger
	now    func() time.Time
}

func NewMaintenanceScheduler(closer *AuctionCloser, reaper StaleReaper, cfg SchedulerConfig,
	log logger.Logger) *MaintenanceScheduler {
	return &MaintenanceScheduler{
		cron:   cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		closer: closer,
		reaper: reaper,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
}

func (s *MaintenanceScheduler) Start(ctx context.Context) error {
	s.log.Info("Starting maintenance scheduler",
		"close_interval", s.cfg.CloseInterval.String(), "reap_interval", s.cfg.ReapInterval.String())

	if s.closer != nil && s.cfg.CloseInterval > 0 {
		if _, err := s.cron.AddFunc(every(s.cfg.CloseInterval), func() {
			s.closeExpired(ctx)
		}); err != nil {
			return err
		}
	}

	if s.reaper != nil && s.cfg.ReapInterval > 0 {
		if _, err := s.cron.AddFunc(every(s.cfg.ReapInterval), func() {
			s.reapStale()
		}); err != nil {
			return err
		}
	}

	s.cron.Start()
	return nil
}

func (s *MaintenanceScheduler) Stop() error {
	s.log.Info("Stopping maintenance scheduler")
	<-s.cron.Stop().Done()
	return nil
}

func (s *MaintenanceScheduler) closeExpired(ctx context.Context) {
	closed, err := s.closer.Sweep(ctx)
	if err != nil {
		s.log.Error("Failed to close expired auctions", "error", err)
		return
	}
	if closed > 0 {
		s.log.Info("Closed expired auctions", "count", closed)
	}
}

func (s *MaintenanceScheduler) reapStale() {
	reaped := s.reaper.ReapStale(s.now().Add(-s.cfg.LivenessTimeout))
	if len(reaped) > 0 {
		s.log.Info("Reaped unresponsive connections", "count", len(reaped))
	}
}

func every(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}
