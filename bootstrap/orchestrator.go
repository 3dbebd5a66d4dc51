// Package bootstrap brings a data node into service: it opens the node's
// listeners, registers the node with the meta tier, waits for a slot table and
// enables the scheduler. Each stage completes at most once.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go-slotreg/cluster"
	"go-slotreg/retry"
	"go-slotreg/slot"
	"go-slotreg/transport"
)

// MetaService is the data node's view of the meta tier.
type MetaService interface {
	// RenewNode registers or renews this node's lease.
	RenewNode(ctx context.Context) error
	// StartRenewer renews this node's lease periodically until ctx is done.
	StartRenewer(ctx context.Context)
	// FetchData returns a tier-wide configuration value.
	FetchData(ctx context.Context, key string) (*cluster.ProvideData, error)
}

// EpochSource reports the epoch of the slot table in force.
type EpochSource interface {
	Epoch() int64
}

// Orchestrator runs the start sequence of a data node:
//
//	init -> session-transport-open -> sync-transport-open -> http-open ->
//	self-registered -> slot-table-ready -> scheduler-running
//
// Each stage is run by one caller at a time. A concurrent Start that finds a
// stage in flight waits for its outcome and fails with it, so no caller gets
// past a stage that has not completed. A failing stage clears its claim and
// Start returns the error; calling Start again resumes from that stage.
type Orchestrator struct {
	meta    MetaService
	slots   EpochSource
	options options

	configMu sync.RWMutex
	config   Config

	claimed atomic.Uint32
	stage   atomic.Int32

	mu        sync.Mutex
	running   map[Stage]*stageRun
	completed uint32
	destroyed bool
	servers   []namedServer

	ctx         context.Context
	cancel      context.CancelFunc
	renewCancel context.CancelFunc
}

type namedServer struct {
	name   string
	server transport.Server
}

// stageRun is one attempt at a stage. done is closed once err is set.
type stageRun struct {
	done chan struct{}
	err  error
}

func New(config Config, meta MetaService, slots EpochSource, opts ...Option) *Orchestrator {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if options.exchange == nil {
		options.exchange = transport.NewTCPExchange(transport.WithLogger(options.logger))
	}
	if options.httpExchange == nil {
		options.httpExchange = transport.NewHTTPExchange(transport.WithLogger(options.logger))
	}

	var ctx, cancel = context.WithCancel(context.Background())
	return &Orchestrator{
		meta:    meta,
		slots:   slots,
		options: options,
		config:  config,
		running: make(map[Stage]*stageRun),
		ctx:     ctx,
		cancel:  cancel,
	}
}

type step struct {
	stage Stage
	run   func(ctx context.Context) error
}

// Start runs every stage not yet completed. It blocks until the node is in
// service or a stage fails, whether this caller or a concurrent one runs it.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrStart, ErrDestroyed)
	}

	var runCtx, cancel = context.WithCancel(ctx)
	defer cancel()
	var stop = context.AfterFunc(o.ctx, cancel)
	defer stop()

	o.options.logger.Info("starting data node", "config", o.Config().String())

	var steps = []step{
		{StageSessionTransportOpen, o.openSessionTransport},
		{StageSyncTransportOpen, o.openSyncTransport},
		{StageHTTPOpen, o.openHTTP},
		{StageSelfRegistered, o.registerSelf},
		{StageSlotTableReady, o.awaitSlotTable},
		{StageSchedulerRunning, o.startScheduler},
	}

	for _, s := range steps {
		if err := runCtx.Err(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrStart, s.stage, o.cause(err))
		}

		run, owner := o.enter(s.stage)
		if run == nil {
			continue
		}

		if !owner {
			select {
			case <-run.done:
			case <-runCtx.Done():
				return fmt.Errorf("%w: %s: %w", ErrStart, s.stage, o.cause(runCtx.Err()))
			}
			if run.err != nil {
				return fmt.Errorf("%w: %s: %w", ErrStart, s.stage, run.err)
			}
			continue
		}

		var err = s.run(runCtx)
		if err == nil && o.ctx.Err() != nil {
			err = ErrDestroyed
		} else if err != nil {
			err = o.cause(err)
		}
		o.finish(s.stage, run, err)

		if err != nil {
			o.options.logger.Error("start stage failed", "stage", s.stage.String(), "error", err)
			return fmt.Errorf("%w: %s: %w", ErrStart, s.stage, err)
		}
		o.options.logger.Info("start stage completed", "stage", s.stage.String())
	}

	if o.ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrStart, ErrDestroyed)
	}
	return nil
}

// cause marks err as caused by Destroy when the orchestrator is destroyed.
func (o *Orchestrator) cause(err error) error {
	if o.ctx.Err() != nil && !errors.Is(err, ErrDestroyed) {
		return fmt.Errorf("%w: %w", ErrDestroyed, err)
	}
	return err
}

// enter returns the attempt at s and whether the caller owns it. It returns
// nil once s has completed.
func (o *Orchestrator) enter(s Stage) (*stageRun, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.completed&s.bit() != 0 {
		return nil, false
	}
	if run, ok := o.running[s]; ok {
		return run, false
	}

	var run = &stageRun{done: make(chan struct{})}
	o.running[s] = run
	o.claimed.Store(o.claimed.Load() | s.bit())
	return run, true
}

// finish records the outcome of run. A failure clears the claims of s and of
// every later stage.
func (o *Orchestrator) finish(s Stage, run *stageRun, err error) {
	o.mu.Lock()
	delete(o.running, s)
	if err != nil {
		run.err = err
		o.claimed.Store(o.claimed.Load() &^ laterStages(s))
		o.stage.Store(int32(StageFailed))
	} else {
		o.completed |= s.bit()
		o.stage.Store(int32(s))
	}
	o.mu.Unlock()

	close(run.done)
}

func laterStages(s Stage) uint32 {
	var mask uint32
	for st := s; st < StageFailed; st++ {
		mask |= st.bit()
	}
	return mask
}

// Destroy stops the renewer and closes every open listener. Listeners opened
// by a start still in flight are closed as soon as they are bound. Close
// failures are logged and never stop the remaining listeners from closing.
func (o *Orchestrator) Destroy() {
	o.options.logger.Info("shutting down data node")
	o.cancel()

	o.mu.Lock()
	o.destroyed = true
	if o.renewCancel != nil {
		o.renewCancel()
	}
	var servers = make([]namedServer, len(o.servers))
	copy(servers, o.servers)
	o.mu.Unlock()

	for i := len(servers) - 1; i >= 0; i-- {
		var s = servers[i]
		if !s.server.IsOpen() {
			continue
		}
		if err := s.server.Close(); err != nil {
			var closeErr = &TransportCloseError{Name: s.name, Address: s.server.Address(), Err: err}
			o.options.logger.Error("failed to close transport", "transport", s.name, "error", closeErr)
		}
	}

	o.options.logger.Info("data node is shut down")
}

// Stage returns the last stage completed, or StageFailed after a failed start.
func (o *Orchestrator) Stage() Stage {
	return Stage(o.stage.Load())
}

// Config returns the configuration in force, including the meta tier
// overrides of SessionLeaseSecs and SyncSessionIntervalSecs applied during
// self registration. Subsystems started after Start read their settings here.
func (o *Orchestrator) Config() Config {
	o.configMu.RLock()
	defer o.configMu.RUnlock()
	return o.config
}

func (o *Orchestrator) SessionTransportStarted() bool {
	return o.claimedStage(StageSessionTransportOpen)
}

func (o *Orchestrator) SyncTransportStarted() bool {
	return o.claimedStage(StageSyncTransportOpen)
}

func (o *Orchestrator) HTTPStarted() bool {
	return o.claimedStage(StageHTTPOpen)
}

// SchedulerStarted reports whether the scheduler stage was entered. It is only
// entered after a slot table arrived.
func (o *Orchestrator) SchedulerStarted() bool {
	return o.claimedStage(StageSchedulerRunning)
}

func (o *Orchestrator) claimedStage(s Stage) bool {
	return o.claimed.Load()&s.bit() != 0
}

// openSessionTransport opens the notify port, then the session port.
func (o *Orchestrator) openSessionTransport(ctx context.Context) error {
	var config = o.Config()

	notify, err := o.open("notify", config.address(config.NotifyPort), o.options.exchange, o.options.notifyHandlers)
	if err != nil {
		return err
	}

	if _, err := o.open("session", config.address(config.SessionPort), o.options.exchange, o.options.sessionHandlers); err != nil {
		o.closeQuietly("notify", notify)
		return err
	}
	return nil
}

func (o *Orchestrator) openSyncTransport(ctx context.Context) error {
	var config = o.Config()

	_, err := o.open("sync", config.address(config.SyncPort), o.options.exchange, o.options.syncHandlers)
	return err
}

func (o *Orchestrator) openHTTP(ctx context.Context) error {
	var (
		config   = o.Config()
		handlers = append([]transport.Handler{o.healthHandler()}, o.options.httpHandlers...)
	)

	_, err := o.open("http", config.address(config.HTTPPort), o.options.httpExchange, handlers)
	return err
}

// open binds a listener and tracks it for Destroy.
func (o *Orchestrator) open(name, address string, exchange transport.Exchange, handlers []transport.Handler) (transport.Server, error) {
	if o.ctx.Err() != nil {
		return nil, ErrDestroyed
	}

	var config = o.Config()

	server, err := exchange.Open(address, config.LowWaterMark, config.HighWaterMark, handlers...)
	if err != nil {
		return nil, &TransportOpenError{Name: name, Address: address, Err: err}
	}

	if err := o.track(name, server); err != nil {
		return nil, err
	}

	o.options.logger.Info("transport opened", "transport", name, "address", server.Address())
	return server, nil
}

// track registers server for Destroy, or closes it if Destroy already ran.
func (o *Orchestrator) track(name string, server transport.Server) error {
	o.mu.Lock()
	if !o.destroyed {
		o.servers = append(o.servers, namedServer{name: name, server: server})
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	o.closeQuietly(name, server)
	return ErrDestroyed
}

func (o *Orchestrator) closeQuietly(name string, server transport.Server) {
	if err := server.Close(); err != nil {
		o.options.logger.Warn("failed to close transport", "transport", name, "error", err)
	}
}

// registerSelf registers this node, starts the renewer and applies the meta
// tier's configuration overrides.
func (o *Orchestrator) registerSelf(ctx context.Context) error {
	if err := o.meta.RenewNode(ctx); err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}

	var renewCtx, renewCancel = context.WithCancel(o.ctx)
	o.meta.StartRenewer(renewCtx)

	if err := o.fetchOverrides(ctx); err != nil {
		renewCancel()
		return err
	}

	o.mu.Lock()
	o.renewCancel = renewCancel
	o.mu.Unlock()
	return nil
}

// fetchOverrides soft-merges the tier-provided values into the config.
// Values are applied as received, without range checks.
func (o *Orchestrator) fetchOverrides(ctx context.Context) error {
	var overrides = []struct {
		key   string
		apply func(c *Config, v int)
	}{
		{cluster.KeySessionLeaseSecs, func(c *Config, v int) { c.SessionLeaseSecs = v }},
		{cluster.KeySyncSessionIntervalSecs, func(c *Config, v int) { c.SyncSessionIntervalSecs = v }},
	}

	for _, override := range overrides {
		data, err := o.meta.FetchData(ctx, override.key)
		if err != nil {
			return fmt.Errorf("failed to fetch %s: %w", override.key, err)
		}

		var v, ok = data.Int()
		if !ok {
			continue
		}

		o.configMu.Lock()
		override.apply(&o.config, v)
		o.configMu.Unlock()
		o.options.logger.Info("applied meta tier override", "key", override.key, "value", v)
	}
	return nil
}

func (o *Orchestrator) awaitSlotTable(ctx context.Context) error {
	var epoch = slot.InitEpoch
	var ready = func(ctx context.Context) (bool, error) {
		epoch = o.slots.Epoch()
		return epoch != slot.InitEpoch, nil
	}

	attempts, err := retry.Until(ctx, o.Config().SlotTablePolicy, ready,
		retry.WithLogger(o.options.logger),
		retry.WithName("slot table"))
	if errors.Is(err, retry.ErrExhausted) {
		return fmt.Errorf("%w after %d attempts", ErrSlotTableTimeout, attempts)
	}
	if err != nil {
		return err
	}

	o.options.logger.Info("slot table ready", "epoch", epoch, "attempts", attempts)
	return nil
}

// startScheduler only marks the scheduler as enabled; the claim is the flag.
func (o *Orchestrator) startScheduler(ctx context.Context) error {
	return nil
}

// Status is the body of the health endpoint.
type Status struct {
	Stage                   string `json:"stage"`
	SessionTransportStarted bool   `json:"sessionTransportStarted"`
	SyncTransportStarted    bool   `json:"syncTransportStarted"`
	HTTPStarted             bool   `json:"httpStarted"`
	SchedulerStarted        bool   `json:"schedulerStarted"`
	SlotTableEpoch          int64  `json:"slotTableEpoch"`
}

func (o *Orchestrator) Status() Status {
	return Status{
		Stage:                   o.Stage().String(),
		SessionTransportStarted: o.SessionTransportStarted(),
		SyncTransportStarted:    o.SyncTransportStarted(),
		HTTPStarted:             o.HTTPStarted(),
		SchedulerStarted:        o.SchedulerStarted(),
		SlotTableEpoch:          o.slots.Epoch(),
	}
}

func (o *Orchestrator) healthHandler() transport.Handler {
	return transport.NewHandler("health", func(ctx context.Context, body []byte) (any, error) {
		return o.Status(), nil
	})
}

var _ EpochSource = (*slot.Manager)(nil)
