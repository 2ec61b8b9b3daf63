package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jare20895/ArcoreSyncBridge/internal/cdc"
	"github.com/jare20895/ArcoreSyncBridge/internal/engine"
)

const consumerGroup = "arcore-sync"

// cdcInstance is one supervised (ingestion worker, consumer) pair for a
// single source instance's replication slot.
type cdcInstance struct {
	stop   chan struct{}
	group  *errgroup.Group
	cancel context.CancelFunc
}

// CDCSupervisor owns the lifecycle of per-instance CDC ingestion/consumer
// goroutine pairs (SPEC_FULL.md §4.12, "worker/goroutine supervision").
// Each instance's pair is independently startable/stoppable so a slot can
// be paused or rebound without affecting other instances.
type CDCSupervisor struct {
	ctx engine.Context
	log *zap.Logger

	mu        sync.Mutex
	instances map[string]*cdcInstance
}

// NewCDCSupervisor builds a supervisor bound to ec.
func NewCDCSupervisor(ec engine.Context) *CDCSupervisor {
	ec = ec.WithLog("cdc_supervisor")
	return &CDCSupervisor{ctx: ec, log: ec.Log, instances: make(map[string]*cdcInstance)}
}

// StartCDC launches the ingestion worker and consumer for instanceID's
// replication slot if not already running.
func (s *CDCSupervisor) StartCDC(parent context.Context, instanceID, slotName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.instances[instanceID]; running {
		return fmt.Errorf("cdc instance %q is already running", instanceID)
	}

	runCtx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(runCtx)
	stop := make(chan struct{})

	worker := cdc.NewIngestionWorker(s.ctx, instanceID, slotName)
	consumer := cdc.NewConsumer(s.ctx, consumerGroup, instanceID+"-consumer")

	g.Go(func() error { return worker.Run(gctx, stop) })
	g.Go(func() error { return consumer.Run(gctx, instanceID, stop) })

	s.instances[instanceID] = &cdcInstance{stop: stop, group: g, cancel: cancel}
	s.log.Info("cdc instance started", zap.String("instance_id", instanceID))
	return nil
}

// StopCDC signals instanceID's worker and consumer to stop and waits for
// both to return.
func (s *CDCSupervisor) StopCDC(instanceID string) error {
	s.mu.Lock()
	inst, ok := s.instances[instanceID]
	if ok {
		delete(s.instances, instanceID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cdc instance %q is not running", instanceID)
	}

	close(inst.stop)
	err := inst.group.Wait()
	inst.cancel()
	s.log.Info("cdc instance stopped", zap.String("instance_id", instanceID), zap.Error(err))
	return err
}

// Running reports whether instanceID currently has an active worker pair.
func (s *CDCSupervisor) Running(instanceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.instances[instanceID]
	return ok
}
