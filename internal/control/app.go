package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/reducer/internal/core/config"
	"github.com/vietddude/reducer/internal/core/domain"
	"github.com/vietddude/reducer/internal/core/entity"
	"github.com/vietddude/reducer/internal/core/reduce"
	"github.com/vietddude/reducer/internal/core/worker"
	"github.com/vietddude/reducer/internal/indexing/consistency"
	"github.com/vietddude/reducer/internal/indexing/emitter"
	"github.com/vietddude/reducer/internal/indexing/filter"
	"github.com/vietddude/reducer/internal/indexing/health"
	"github.com/vietddude/reducer/internal/indexing/ingest"
	"github.com/vietddude/reducer/internal/indexing/metrics"
	"github.com/vietddude/reducer/internal/indexing/recovery"
	"github.com/vietddude/reducer/internal/indexing/reducer"
	"github.com/vietddude/reducer/internal/indexing/rescan"
	"github.com/vietddude/reducer/internal/indexing/throttle"
	"github.com/vietddude/reducer/internal/infra/chain/evm"
	redisclient "github.com/vietddude/reducer/internal/infra/redis"
	"github.com/vietddude/reducer/internal/infra/storage"
)

// ErrNoHead is returned by the head source when no chain head was seen yet.
var ErrNoHead = errors.New("no chain head available")

// App wires the reduce services, background jobs and their infrastructure.
type App struct {
	cfg    *config.AppConfig
	stores *Stores
	redis  *redisclient.Client

	heads      *throttle.HeadCache
	subscriber *evm.HeadSubscriber
	finality   *emitter.FinalityBuffer
	notifier   emitter.Notifier

	handlers []reducer.EventHandler
	full     map[domain.Family]reducer.FullReducer

	detection  *consistency.DetectionJob
	orphans    *consistency.OwnershipDetectionJob
	repair     *consistency.RepairJob
	scheduler  *worker.Scheduler
	recovery   *recovery.Handler
	reindex    *rescan.Worker
	pruner     *worker.Pruner
	skip       filter.Filter
	dispatcher *ingest.Dispatcher

	healthMon    *health.Monitor
	healthServer *health.Server

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
	log    *slog.Logger
}

// NewApp connects the configured backends and builds every component.
// Nothing runs until Start.
func NewApp(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	a := &App{
		cfg:  cfg,
		full: make(map[domain.Family]reducer.FullReducer),
		log:  slog.Default().With("component", "app"),
	}

	if cfg.Redis.URL != "" {
		rdb, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		a.redis = rdb
	}

	stores, err := OpenStores(ctx, cfg, a.redis)
	if err != nil {
		a.closeRedis()
		return nil, err
	}
	a.stores = stores

	if err := a.buildHeads(); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	a.buildNotifier()
	a.buildReducers()
	a.buildJobs()

	if cfg.Ingest.Enabled {
		if err := a.buildIngest(ctx); err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
	}

	a.healthMon = health.NewMonitor(a.jobNames(), stores.JobStates, stores.Failed, a.heads, cfg.Health)
	a.healthServer = health.NewServer(a.healthMon, cfg.Server.Port)
	return a, nil
}

// lastHead serves the head pushed by the subscription when no RPC endpoint
// is configured.
type lastHead struct {
	mu   sync.Mutex
	head uint64
}

func (h *lastHead) Observe(head uint64) {
	h.mu.Lock()
	h.head = max(h.head, head)
	h.mu.Unlock()
}

func (h *lastHead) LatestBlock(context.Context) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.head == 0 {
		return 0, ErrNoHead
	}
	return h.head, nil
}

// headFanout forwards pushed heads to every observer.
type headFanout []evm.HeadObserver

func (f headFanout) Observe(head uint64) {
	for _, o := range f {
		o.Observe(head)
	}
}

func (a *App) buildHeads() error {
	var (
		source    throttle.HeadSource
		observers headFanout
	)
	if len(a.cfg.Chain.RPC.Endpoints) > 0 {
		client, err := evm.NewClient(a.cfg.Chain.RPC)
		if err != nil {
			return fmt.Errorf("failed to init rpc client: %w", err)
		}
		source = client
	} else {
		pushed := &lastHead{}
		source = pushed
		observers = append(observers, pushed)
	}
	a.heads = throttle.NewHeadCache(source, a.cfg.Chain.HeadTTL)
	observers = append(observers, a.heads)

	if a.cfg.Chain.WebsocketURL != "" {
		a.subscriber = evm.NewHeadSubscriber(a.cfg.Chain.WebsocketURL, observers, 5*time.Second)
	}
	return nil
}

func (a *App) buildNotifier() {
	notifiers := emitter.MultiNotifier{emitter.NewLogNotifier(slog.Default().With("component", "notifier"))}
	if a.cfg.Notify.Publish && a.redis != nil {
		notifiers = append(notifiers, emitter.NewRedisNotifier(a.redis))
	}
	a.notifier = notifiers
	if a.cfg.Notify.Confirmations > 0 {
		a.finality = emitter.NewFinalityBuffer(notifiers, a.cfg.Notify.Confirmations)
		a.notifier = a.finality
	}
}

// family holds what every entity family shares when it is wired.
type family struct {
	settings entity.Settings
	events   storage.EventRepository
	notifier emitter.Notifier
	failed   storage.FailedReduceRepository
	skip     int
	hotIDs   []string
	opts     reducer.Options
}

func wire[E reduce.Entity[E]](f family, model entity.Model[E], store storage.EntityStore[E]) (*reducer.Incremental[E], *reducer.Full[E]) {
	settings := f.settings
	settings.Logger = slog.Default().With("component", "reduce", "family", model.Family)
	status := model.NewStatusReducer(settings)

	var lowTraffic *throttle.LowTraffic
	if f.skip > 0 {
		lowTraffic = throttle.NewLowTraffic("full-"+string(model.Family), f.skip, f.hotIDs)
	}
	return reducer.NewIncremental(model, status, store, f.notifier, f.failed, f.opts),
		reducer.NewFull(model, status, store, f.events, f.notifier, lowTraffic, f.opts)
}

func (a *App) buildReducers() {
	f := family{
		settings: entity.Settings{
			Confirm: reduce.ConfirmPolicy{ConfirmationBlocks: a.cfg.Chain.ConfirmationBlocks},
			Clock:   a.heads,
			Options: a.cfg.Reduce.Status,
			Events:  metrics.EventsReduced,
		},
		events:   a.stores.Events,
		notifier: a.notifier,
		failed:   a.stores.Failed,
		skip:     a.cfg.Reduce.LowTrafficSkip,
		hotIDs:   a.cfg.Reduce.HotIDs,
		opts:     a.cfg.Reduce.Service,
	}

	balancesInc, balancesFull := wire(f, entity.Balances, a.stores.Balances)
	itemsInc, itemsFull := wire(f, entity.Items, a.stores.Items)
	ownershipsInc, ownershipsFull := wire(f, entity.Ownerships, a.stores.Ownerships)

	a.handlers = []reducer.EventHandler{balancesInc, itemsInc, ownershipsInc}
	for _, r := range []reducer.FullReducer{balancesFull, itemsFull, ownershipsFull} {
		a.full[r.Family()] = r
	}
}

func (a *App) fullReducers() []reducer.FullReducer {
	out := make([]reducer.FullReducer, 0, len(a.full))
	for _, fam := range []domain.Family{domain.FamilyBalance, domain.FamilyItem, domain.FamilyOwnership} {
		out = append(out, a.full[fam])
	}
	return out
}

func (a *App) buildJobs() {
	cfg := a.cfg
	a.scheduler = worker.NewScheduler()

	if cfg.Consistency.Enabled {
		checker := consistency.NewChecker(a.stores.Items, a.stores.Ownerships)
		fixer := consistency.NewFixer(a.full[domain.FamilyItem], a.full[domain.FamilyOwnership])
		a.detection = consistency.NewDetectionJob(cfg.Consistency.Detection, a.stores.Items, checker, fixer, a.stores.Inconsistent, a.stores.JobStates)
		a.orphans = consistency.NewOwnershipDetectionJob(cfg.Consistency.Detection, a.stores.Ownerships, a.stores.Items, checker, fixer, a.stores.Inconsistent, a.stores.JobStates)
		a.repair = consistency.NewRepairJob(cfg.Consistency.Repair, checker, fixer, a.stores.Inconsistent, a.stores.JobStates)

		a.scheduler.Add(worker.NewJob(a.detection.Name(), func(ctx context.Context) (worker.RunResult, error) {
			s, err := a.detection.Handle(ctx)
			return worker.RunResult{Processed: s.Checked, Backlog: int64(s.Inconsistent + s.Relapsed)}, err
		}), cfg.Consistency.Interval, cfg.Consistency.Adaptive, a.detection)
		a.scheduler.Add(worker.NewJob(a.orphans.Name(), func(ctx context.Context) (worker.RunResult, error) {
			s, err := a.orphans.Handle(ctx)
			return worker.RunResult{Processed: s.Checked, Backlog: int64(s.Inconsistent + s.Unfixed)}, err
		}), cfg.Consistency.Interval, cfg.Consistency.Adaptive, a.orphans)
		a.scheduler.Add(worker.NewJob(a.repair.Name(), func(ctx context.Context) (worker.RunResult, error) {
			s, err := a.repair.Handle(ctx)
			return worker.RunResult{Processed: s.Checked, Backlog: int64(s.Unfixed + s.Throttled)}, err
		}), cfg.Consistency.Interval, cfg.Consistency.Adaptive, a.repair)
	}

	backoff := cfg.Recovery.Backoff
	if backoff.Classifier == nil {
		backoff.Classifier = recovery.ClassifyReduceError
	}
	a.recovery = recovery.NewHandler(a.stores.Failed, a.fullReducers(), &backoff)

	if cfg.Reindex.Enabled && a.redis != nil {
		a.reindex = rescan.NewWorker(cfg.Reindex.Worker, a.redis, a.fullReducers())
	}
	a.pruner = worker.NewPruner(cfg.Pruner, a.stores.Events)
}

func (a *App) buildIngest(ctx context.Context) error {
	if a.redis == nil {
		return fmt.Errorf("ingest requires redis")
	}
	source, err := redisclient.NewStreamSource(ctx, a.redis, a.cfg.Ingest.Stream)
	if err != nil {
		return fmt.Errorf("failed to open log stream: %w", err)
	}
	a.skip = filter.NewMemoryFilter(a.cfg.Ingest.SkipTokens, a.redis.SkipTokens)
	if err := a.skip.Rebuild(ctx); err != nil {
		a.log.Warn("Failed to load skip tokens", "error", err)
	}
	a.dispatcher = ingest.NewDispatcher(a.cfg.Ingest.Dispatcher, source, evm.NewDecoder(), a.skip, a.stores.Events, a.handlers)
	return nil
}

func (a *App) jobNames() []string {
	if a.detection == nil {
		return nil
	}
	return []string{a.detection.Name(), a.orphans.Name(), a.repair.Name()}
}

// Start launches every enabled component in the background.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return fmt.Errorf("app already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)

	go func() {
		if err := a.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("Health server failed", "error", err)
		}
	}()
	a.stores.StartMetricsCollector(gctx)

	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error { return a.recovery.Run(gctx, a.cfg.Recovery.Interval) })
	g.Go(func() error {
		a.pruner.Start(gctx)
		return nil
	})
	g.Go(func() error {
		a.trackHead(gctx)
		return nil
	})
	if a.subscriber != nil {
		g.Go(func() error { return a.subscriber.Run(gctx) })
	}
	if a.reindex != nil {
		g.Go(func() error { return a.reindex.Run(gctx) })
	}
	if a.dispatcher != nil {
		g.Go(func() error { return a.dispatcher.Run(gctx) })
		g.Go(func() error {
			a.refreshSkipTokens(gctx)
			return nil
		})
	}

	a.done = make(chan error, 1)
	go func() { a.done <- g.Wait() }()

	a.log.Info("App started",
		"backend", a.cfg.Storage.Backend,
		"ingest", a.dispatcher != nil,
		"consistency", a.detection != nil,
		"reindex", a.reindex != nil,
		"port", a.cfg.Server.Port,
	)
	return nil
}

// trackHead releases buffered notifications as the chain advances.
func (a *App) trackHead(ctx context.Context) {
	if a.finality == nil {
		return
	}
	interval := max(a.cfg.Chain.HeadTTL, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		head, err := a.heads.CurrentBlockHead(ctx)
		if err != nil {
			a.log.Debug("Chain head unavailable", "error", err)
			continue
		}
		if head <= last {
			continue
		}
		last = head
		if err := a.finality.OnNewBlock(ctx, head); err != nil {
			a.log.Warn("Failed to flush confirmed changes", "block", head, "error", err)
		}
	}
}

func (a *App) refreshSkipTokens(ctx context.Context) {
	if a.cfg.Ingest.SkipTokensRefresh <= 0 {
		return
	}
	ticker := time.NewTicker(a.cfg.Ingest.SkipTokensRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.skip.Rebuild(ctx); err != nil {
				a.log.Warn("Failed to refresh skip tokens", "error", err)
			}
		}
	}
}

// Stop cancels the background components, waits for them and releases
// every connection.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel = nil
	a.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
		if err := a.healthServer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop health server: %w", err))
		}
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("components did not stop: %w", ctx.Err()))
		}
	}
	if err := a.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	a.log.Info("App stopped")
	return errors.Join(errs...)
}

// Close releases connections without stopping components. Used by
// commands that never call Start.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.stores != nil {
		if err := a.stores.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeRedis()
	return errors.Join(errs...)
}

func (a *App) closeRedis() {
	if a.redis == nil {
		return
	}
	if err := a.redis.Close(); err != nil {
		a.log.Warn("Failed to close redis", "error", err)
	}
	a.redis = nil
}

// Stores exposes the repositories.
func (a *App) Stores() *Stores { return a.stores }

// Redis returns the redis client, nil when redis is not configured.
func (a *App) Redis() *redisclient.Client { return a.redis }

// FullReducer returns the full reduce service of fam.
func (a *App) FullReducer(fam domain.Family) (reducer.FullReducer, bool) {
	r, ok := a.full[fam]
	return r, ok
}

// OnLogs feeds raw logs through the ingest pipeline without a stream.
func (a *App) OnLogs(ctx context.Context, logs []domain.RawLog) error {
	d := a.dispatcher
	if d == nil {
		d = ingest.NewDispatcher(a.cfg.Ingest.Dispatcher, nil, evm.NewDecoder(), a.skip, a.stores.Events, a.handlers)
	}
	return d.OnLogs(ctx, logs)
}

// Health returns the current health report.
func (a *App) Health(ctx context.Context) health.HealthReport {
	return a.healthMon.CheckHealth(ctx)
}

// Config returns the configuration the app was built with.
func (a *App) Config() *config.AppConfig { return a.cfg }
