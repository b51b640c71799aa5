package engine

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/hupe1980/telemetrymesh/attributes"
	"github.com/hupe1980/telemetrymesh/config"
	"github.com/hupe1980/telemetrymesh/consent"
	"github.com/hupe1980/telemetrymesh/core"
	"github.com/hupe1980/telemetrymesh/crypto"
	"github.com/hupe1980/telemetrymesh/delivery"
	"github.com/hupe1980/telemetrymesh/internal/clock"
	"github.com/hupe1980/telemetrymesh/internal/util"
	"github.com/hupe1980/telemetrymesh/logging"
	"github.com/hupe1980/telemetrymesh/metrics"
	"github.com/hupe1980/telemetrymesh/queue"
	"github.com/hupe1980/telemetrymesh/rules"
	"github.com/hupe1980/telemetrymesh/session"
	"github.com/hupe1980/telemetrymesh/storage"
	"github.com/hupe1980/telemetrymesh/transport"
)

const (
	// EventScreenView is the reserved name of events emitted by TrackScreen.
	EventScreenView = "screen_view"

	// EventSessionEnd is the reserved name of the summary event emitted when
	// a session ends.
	EventSessionEnd = "session_end"

	// evalBacklog bounds the asynchronous rule evaluation backlog. Events
	// arriving while the backlog is full skip evaluation (never tracking).
	evalBacklog = 128
)

// Options configures the collaborators and providers of an Engine. Every
// field is optional; a zero value selects the documented default.
type Options struct {
	// Storage is the durable key/value store shared by every component.
	// Defaults to an in-memory store, which loses state across restarts.
	Storage core.Storage

	// Transport carries delivery and rule sync requests. Defaults to an HTTP
	// transport against Config.Endpoint; required when Endpoint is empty.
	Transport core.Transport

	// Cipher encrypts and signs delivery payloads. Defaults to the
	// pass-through cipher.
	Cipher core.Cipher

	// Clock supplies time and timers. Defaults to the wall clock.
	Clock clock.Clock

	// Logger receives structured diagnostics. Defaults to NoOp.
	Logger logging.Logger

	// DeviceInfo supplies the device snapshot stamped onto events. Defaults
	// to a static snapshot carrying a generated, persisted device id and the
	// runtime platform.
	DeviceInfo core.DeviceInfoProvider

	// Location supplies optional location fixes, gated by the location
	// consent purpose. Nil disables location stamping.
	Location core.LocationProvider

	// Hooks are registered before the engine starts, so they observe the
	// initial session start. More can be added later via RegisterHook.
	Hooks []Hook
}

// Engine is the orchestrator of the telemetry core. It composes the consent
// gate, session manager, durable event queue, delivery client and rule engine
// behind one public surface the host application talks to.
//
// Core Responsibilities:
//   - Event admission: consent gating, name sanitization, property capping,
//     and stamping of session, user, device and location context
//   - Session lifecycle: automatic start on launch, foreground/background
//     transitions, idle timeout, restoration across restarts
//   - Durable queueing with batched, retried delivery and outcome-based
//     disposal of undeliverable events
//   - Asynchronous rule evaluation for every committed event, dispatching
//     trackEvent, updateUserAttribute, showMessage and syncRules actions
//   - Lifecycle hooks so the host can observe the pipeline
//
// Concurrency Model:
// Public methods may be called from any goroutine. Each stateful component
// serializes its own mutations internally; the engine adds two private
// goroutines on top: a flush lane that owns timer-, threshold- and
// request-driven delivery plus rule sync, and an evaluation lane that runs
// rule matching off the tracking path. Exactly one delivery cycle runs at a
// time, enforced by a busy flag; flush requests arriving during a cycle are
// coalesced into a single follow-up run.
//
// Event Flow:
// Track validates the name, caps properties, and consults the consent gate
// before anything else happens. An admitted event is stamped with the current
// session, user and device context, durably enqueued, reported through
// HookEventTracked, and handed to the evaluation lane. Delivery drains the
// queue in batches; only a Delivered outcome acks events, so a crash between
// send and ack re-delivers rather than loses.
//
// Error Handling:
// Internal failures never reach the host as panics or surprise errors. The
// entry points return errors only for caller mistakes (empty event name,
// calls after Close) and for explicit delivery requests; everything else is
// logged, reported through hooks, and degraded gracefully.
type Engine struct {
	cfg    config.Config
	clk    clock.Clock
	logger logging.Logger

	storage    core.Storage
	deviceInfo core.DeviceInfoProvider
	location   core.LocationProvider

	gate     *consent.Gate
	attrs    *attributes.Store
	sessions *session.Manager
	queue    *queue.Queue
	delivery *delivery.Client
	rules    *rules.Engine
	syncer   *rules.Syncer
	hooks    *Hooks

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	flushCh chan struct{}
	syncCh  chan struct{}
	evalCh  chan core.Facts

	mu           sync.Mutex
	closed       bool
	flushing     bool
	flushPending bool
	reachable    bool
	foreground   bool

	closeOnce sync.Once
}

// New creates and starts an engine from the given configuration.
//
// Construction wires every collaborator, restores persisted state (session,
// queue, rules, consents load lazily), starts a session from the app_launch
// source when none could be restored, and launches the background lanes. A
// backlog of persisted events schedules an immediate flush.
//
// The engine assumes the network is reachable and the app is foregrounded
// until told otherwise via SetReachable and AppBackgrounded.
func New(cfg config.Config, optFns ...func(*Options)) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := Options{
		Clock:  clock.New(),
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Storage == nil {
		opts.Storage = storage.NewInMemory()
	}
	if opts.Cipher == nil {
		opts.Cipher = crypto.Noop{}
	}
	if opts.Transport == nil {
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("engine: either Config.Endpoint or a custom Transport is required")
		}
		opts.Transport = transport.NewHTTP(cfg.Endpoint, cfg.RequestTimeout)
	}

	ctx := context.Background()
	if opts.DeviceInfo == nil {
		opts.DeviceInfo = core.StaticDeviceInfo{
			DeviceID: loadOrCreateDeviceID(ctx, opts.Storage, opts.Logger),
			Platform: runtime.GOOS,
		}
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:        cfg,
		clk:        opts.Clock,
		logger:     opts.Logger,
		storage:    opts.Storage,
		deviceInfo: opts.DeviceInfo,
		location:   opts.Location,
		hooks:      NewHooks(opts.Logger),
		baseCtx:    baseCtx,
		cancel:     cancel,
		flushCh:    make(chan struct{}, 1),
		syncCh:     make(chan struct{}, 1),
		evalCh:     make(chan core.Facts, evalBacklog),
		reachable:  true,
		foreground: true,
	}
	for _, hook := range opts.Hooks {
		e.hooks.Register(hook)
	}

	e.gate = consent.NewGate(opts.Storage, func(o *consent.Options) {
		o.TTL = cfg.ConsentTTL
		o.Clock = opts.Clock
		o.Logger = opts.Logger
	})
	e.gate.Subscribe(e.handleConsentChange)

	e.attrs = attributes.NewStore(opts.Storage, func(o *attributes.Options) {
		o.Logger = opts.Logger
	})

	e.sessions = session.NewManager(opts.Storage, func(o *session.Options) {
		o.Timeout = cfg.SessionTimeout
		o.Clock = opts.Clock
		o.Logger = opts.Logger
		o.OnStarted = e.handleSessionStarted
		o.OnEnded = e.handleSessionEnded
	})

	e.queue = queue.NewQueue(opts.Storage, func(o *queue.Options) {
		o.Capacity = cfg.MaxQueueSize
		o.Threshold = cfg.BatchSize
		o.Clock = opts.Clock
		o.Logger = opts.Logger
		o.OnEvicted = e.handleEvicted
	})

	e.delivery = delivery.NewClient(opts.Transport, opts.Cipher, func(o *delivery.Options) {
		o.AppID = cfg.AppID
		o.DeviceID = opts.DeviceInfo.Snapshot().DeviceID
		o.AuthToken = cfg.BearerToken
		o.MaxAttempts = cfg.MaxSendAttempts
		o.MaxDelay = cfg.MaxBackoffDelay
		o.Clock = opts.Clock
		o.Logger = opts.Logger
	})

	e.rules = rules.NewEngine(opts.Storage, func(o *rules.Options) {
		o.Logger = opts.Logger
	})
	e.registerActionHandlers()

	e.syncer = rules.NewSyncer(opts.Transport, opts.Storage, e.rules, func(o *rules.SyncerOptions) {
		o.Clock = opts.Clock
		o.Logger = opts.Logger
	})

	if !e.sessions.Restore(ctx) {
		e.sessions.Start(ctx, core.SessionSourceAppLaunch)
	}

	if e.queue.Len(ctx) > 0 {
		e.requestFlush()
	}

	e.wg.Add(2)
	go e.flushLoop()
	go e.evalLoop()

	e.logger.Info("telemetry engine started", "app_id", cfg.AppID)

	return e, nil
}

// Track records a custom event. The name is trimmed and truncated to the
// configured maximum length; the property bag is capped to the configured
// key count. Without analytics consent the event is silently dropped (the
// HookEventDropped hook still fires). Committed events are stamped with the
// current session, user and device context and evaluated against the active
// rule set.
func (e *Engine) Track(ctx context.Context, name string, props core.Properties) error {
	return e.track(ctx, name, props, false)
}

// TrackScreen records a screen view: the session's screen trail and counters
// are updated and a screen_view event carrying the screen name is tracked.
// Like Track, it is gated by analytics consent.
func (e *Engine) TrackScreen(ctx context.Context, name string) error {
	if e.isClosed() {
		metrics.RecordEventDropped(string(DropReasonClosed))
		e.hooks.emit(ctx, HookEventDropped, &HookContext{Reason: DropReasonClosed})
		return core.ErrClosed
	}

	sanitized := util.SanitizeEventName(name, e.cfg.MaxEventNameLength)
	if sanitized == "" {
		metrics.RecordEventDropped(string(DropReasonInvalidName))
		e.hooks.emit(ctx, HookEventDropped, &HookContext{Reason: DropReasonInvalidName})
		return core.ErrEmptyEventName
	}

	if !e.gate.Allowed(ctx, core.PurposeAnalytics) {
		e.dropForConsent(ctx, core.NewEvent(EventScreenView, core.Properties{
			"screen_name": core.String(sanitized),
		}))
		return nil
	}

	e.sessions.RecordScreenView(ctx, sanitized)

	ev := core.NewEvent(EventScreenView, core.Properties{
		"screen_name": core.String(sanitized),
	})
	e.stamp(ctx, &ev)

	e.commit(ctx, ev, e.sessions.Snapshot(), true)
	return nil
}

// Identify sets the user id stamped onto subsequent events, or clears it
// with nil.
func (e *Engine) Identify(ctx context.Context, userID *string) error {
	if e.isClosed() {
		return core.ErrClosed
	}
	e.attrs.Identify(ctx, userID)
	return nil
}

// SetUserAttribute stores a user attribute consumed by userAttribute rule
// conditions.
func (e *Engine) SetUserAttribute(ctx context.Context, key string, value core.Value) error {
	if e.isClosed() {
		return core.ErrClosed
	}
	e.attrs.Set(ctx, key, value)
	return nil
}

// SetConsent records the consent status for a purpose. Revoking the
// analytics purpose ends the current session, purges queued events and
// clears stored user attributes. Consent writes are accepted even after
// Close so hosts can always honor a user's choice.
func (e *Engine) SetConsent(ctx context.Context, purpose core.Purpose, status core.ConsentStatus) {
	e.gate.SetConsent(ctx, purpose, status)
}

// HasConsent reports whether the purpose is explicitly granted and the
// grant has not exceeded the configured TTL.
func (e *Engine) HasConsent(ctx context.Context, purpose core.Purpose) bool {
	return e.gate.HasConsent(ctx, purpose)
}

// ConsentStatus returns the current status for a purpose, applying lazy TTL
// expiry.
func (e *Engine) ConsentStatus(ctx context.Context, purpose core.Purpose) core.ConsentStatus {
	return e.gate.Status(ctx, purpose)
}

// RevokeAllConsent sets every known purpose to denied.
func (e *Engine) RevokeAllConsent(ctx context.Context) {
	e.gate.RevokeAll(ctx)
}

// Flush runs a delivery cycle on the calling goroutine, draining the queue
// in batches until it is empty or a batch fails. When the network is marked
// unreachable the flush is skipped entirely. A flush requested while another
// is running is coalesced into a follow-up cycle and returns nil
// immediately.
func (e *Engine) Flush(ctx context.Context) error {
	return e.flush(ctx)
}

// SetReachable updates the engine's view of network reachability. Flushes
// are skipped while unreachable; a transition back to reachable schedules an
// immediate flush of anything accumulated offline.
func (e *Engine) SetReachable(reachable bool) {
	e.mu.Lock()
	was := e.reachable
	e.reachable = reachable
	e.mu.Unlock()

	if reachable && !was {
		e.logger.Info("network reachable, scheduling flush")
		e.requestFlush()
	}
}

// AppForegrounded processes an app-foreground transition: an active session
// is renewed, a missing or timed-out one is replaced by a session from the
// foreground_timeout source.
func (e *Engine) AppForegrounded(ctx context.Context) {
	e.mu.Lock()
	e.foreground = true
	e.mu.Unlock()

	e.sessions.HandleForeground(ctx)
}

// AppBackgrounded processes an app-background or terminate transition: the
// current session ends (emitting its session_end summary event) and a flush
// is scheduled so pending events leave the device while it still can.
func (e *Engine) AppBackgrounded(ctx context.Context) {
	e.mu.Lock()
	e.foreground = false
	e.mu.Unlock()

	e.sessions.HandleBackground(ctx)
	e.requestFlush()
}

// RecordInteraction bumps the current session's interaction counter.
func (e *Engine) RecordInteraction(ctx context.Context) {
	e.sessions.RecordInteraction(ctx)
}

// RecordInterruption bumps the current session's interruption counter.
func (e *Engine) RecordInterruption(ctx context.Context) {
	e.sessions.RecordInterruption(ctx)
}

// UpdateScrollDepth raises the current session's max scroll depth watermark.
func (e *Engine) UpdateScrollDepth(ctx context.Context, depth float64) {
	e.sessions.UpdateScrollDepth(ctx, depth)
}

// StartSession manually starts a new session, ending any active one first.
// Returns a snapshot of the new session, or nil after Close.
func (e *Engine) StartSession(ctx context.Context) *core.Session {
	if e.isClosed() {
		return nil
	}
	return e.sessions.Start(ctx, core.SessionSourceManual)
}

// CurrentSessionID returns the active session id, or nil when none is
// active.
func (e *Engine) CurrentSessionID() *string {
	return e.sessions.CurrentID()
}

// CurrentSession returns a snapshot of the active session, or nil.
func (e *Engine) CurrentSession() *core.Session {
	return e.sessions.Snapshot()
}

// PendingEvents returns the number of events waiting for delivery.
func (e *Engine) PendingEvents(ctx context.Context) int {
	return e.queue.Len(ctx)
}

// ReplaceRules swaps the active rule set wholesale and persists it.
func (e *Engine) ReplaceRules(ctx context.Context, ruleSet []core.Rule) error {
	if e.isClosed() {
		return core.ErrClosed
	}
	e.rules.Replace(ctx, ruleSet)
	return nil
}

// AddRule upserts a single rule by id.
func (e *Engine) AddRule(ctx context.Context, rule core.Rule) error {
	if e.isClosed() {
		return core.ErrClosed
	}
	return e.rules.Add(ctx, rule)
}

// RemoveRule removes the rule with the given id.
func (e *Engine) RemoveRule(ctx context.Context, id string) error {
	if e.isClosed() {
		return core.ErrClosed
	}
	return e.rules.RemoveByID(ctx, id)
}

// Rules returns a deep copy of the full rule set, active or not.
func (e *Engine) Rules(ctx context.Context) []core.Rule {
	return e.rules.Rules(ctx)
}

// LoadRulesFile loads a YAML rule document from disk and replaces the
// active rule set with its contents.
func (e *Engine) LoadRulesFile(ctx context.Context, path string) error {
	if e.isClosed() {
		return core.ErrClosed
	}

	ruleSet, err := rules.LoadFile(path)
	if err != nil {
		return err
	}

	e.rules.Replace(ctx, ruleSet)
	e.logger.Info("rules loaded from file", "path", path, "count", len(ruleSet))
	return nil
}

// SyncRules fetches the rule set from the backend and swaps it in, on the
// calling goroutine. The syncRules rule action and the optional periodic
// sync run the same cycle on the flush lane.
func (e *Engine) SyncRules(ctx context.Context) error {
	if e.isClosed() {
		return core.ErrClosed
	}

	result, err := e.syncer.Sync(ctx)
	if err != nil {
		return err
	}

	e.logger.Info("rules synced", "count", result.Count, "version", result.Version)
	return nil
}

// RegisterHook adds a lifecycle hook. Hooks registered here observe only
// firings after registration; use Options.Hooks to catch the initial
// session start.
func (e *Engine) RegisterHook(hook Hook) {
	e.hooks.Register(hook)
}

// Close shuts the engine down: the current session ends (its session_end
// event is still enqueued durably), background lanes stop, and any
// in-flight delivery is aborted. Close does not flush; queued events are
// delivered after the next construction. Safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		ctx := context.Background()

		e.sessions.End(ctx)

		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		e.cancel()
		e.sessions.Close()
		e.wg.Wait()

		e.logger.Info("telemetry engine closed")
	})
	return nil
}

// track is the shared admission path for host events and rule-generated
// events. viaRule marks events produced by the trackEvent action; they are
// committed but not re-evaluated, so rules cannot trigger themselves in a
// loop.
func (e *Engine) track(ctx context.Context, name string, props core.Properties, viaRule bool) error {
	if e.isClosed() {
		metrics.RecordEventDropped(string(DropReasonClosed))
		e.hooks.emit(ctx, HookEventDropped, &HookContext{Reason: DropReasonClosed})
		return core.ErrClosed
	}

	sanitized := util.SanitizeEventName(name, e.cfg.MaxEventNameLength)
	if sanitized == "" {
		metrics.RecordEventDropped(string(DropReasonInvalidName))
		e.hooks.emit(ctx, HookEventDropped, &HookContext{Reason: DropReasonInvalidName})
		return core.ErrEmptyEventName
	}

	capped, dropped := util.CapProperties(props, e.cfg.MaxProperties)
	if dropped > 0 {
		e.logger.Warn("event properties capped", "event", sanitized, "dropped", dropped)
	}

	if !e.gate.Allowed(ctx, core.PurposeAnalytics) {
		e.dropForConsent(ctx, core.NewEvent(sanitized, capped))
		return nil
	}

	e.sessions.RecordEvent(ctx)

	ev := core.NewEvent(sanitized, capped)
	e.stamp(ctx, &ev)

	e.commit(ctx, ev, e.sessions.Snapshot(), !viaRule)
	return nil
}

// stamp attaches timestamp, device, session, user and (consent permitting)
// location context to a freshly built event.
func (e *Engine) stamp(ctx context.Context, ev *core.Event) {
	ev.Timestamp = e.clk.Now().UTC()
	ev.Device = e.deviceInfo.Snapshot()
	ev.SessionID = e.sessions.CurrentID()
	ev.UserID = e.attrs.UserID(ctx)
	e.attachLocation(ctx, ev)
}

// attachLocation stamps the current location fix when a provider is wired
// and the location purpose allows it.
func (e *Engine) attachLocation(ctx context.Context, ev *core.Event) {
	if e.location == nil {
		return
	}
	if !e.gate.Allowed(ctx, core.PurposeLocation) {
		return
	}

	loc, err := e.location.Current(ctx)
	if err != nil {
		e.logger.Debug("location unavailable", "error", err)
		return
	}
	ev.Location = loc
}

// dropForConsent reports an event rejected by the analytics gate. The event
// carries only name and properties; no context was stamped.
func (e *Engine) dropForConsent(ctx context.Context, ev core.Event) {
	ev.Timestamp = e.clk.Now().UTC()
	metrics.RecordEventDropped(string(DropReasonNoConsent))
	e.hooks.emit(ctx, HookEventDropped, &HookContext{Event: &ev, Reason: DropReasonNoConsent})
	e.logger.Debug("event dropped, analytics consent missing", "event", ev.Name)
}

// commit durably enqueues an admitted event and, when evaluate is set,
// schedules it for rule evaluation against the given session snapshot.
func (e *Engine) commit(ctx context.Context, ev core.Event, sess *core.Session, evaluate bool) {
	if err := e.queue.Enqueue(ctx, ev); err != nil {
		e.logger.Error("enqueue failed", "event", ev.Name, "error", err)
		return
	}

	metrics.RecordEventTracked()
	e.hooks.emit(ctx, HookEventTracked, &HookContext{Event: &ev})

	if evaluate {
		e.scheduleEvaluation(ev, sess)
	}
}

// scheduleEvaluation posts a fact snapshot to the evaluation lane without
// blocking. A full backlog skips evaluation for this event.
func (e *Engine) scheduleEvaluation(ev core.Event, sess *core.Session) {
	facts := core.Facts{
		Event:          &ev,
		Session:        sess,
		UserAttributes: e.attrs.All(e.baseCtx),
		Device:         ev.Device,
		Location:       ev.Location,
		Foreground:     e.isForeground(),
		Now:            e.clk.Now(),
	}

	select {
	case e.evalCh <- facts:
	default:
		e.logger.Warn("rule evaluation backlog full, skipping event", "event", ev.Name)
	}
}

// flush runs one coalesced delivery cycle. Offline state skips the cycle
// before any request is built; a cycle already in flight turns this call
// into a pending marker picked up right after it finishes.
func (e *Engine) flush(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return core.ErrClosed
	}
	if !e.reachable {
		e.mu.Unlock()
		e.logger.Debug("flush skipped, network unreachable")
		return nil
	}
	if e.flushing {
		e.flushPending = true
		e.mu.Unlock()
		return nil
	}
	e.flushing = true
	e.mu.Unlock()

	err := e.flushCycle(ctx)

	e.mu.Lock()
	e.flushing = false
	rerun := e.flushPending
	e.flushPending = false
	e.mu.Unlock()

	if rerun {
		e.requestFlush()
	}
	return err
}

// flushCycle drains and sends batches until the queue is empty or a batch
// fails. Only Delivered acks; failed batches stay queued with their attempt
// counters bumped, and permanently rejected events that exhausted their
// delivery budget are dropped.
func (e *Engine) flushCycle(ctx context.Context) error {
	for {
		batch := e.queue.Drain(ctx, e.cfg.BatchSize)
		if len(batch) == 0 {
			return nil
		}

		events := make([]core.Event, len(batch))
		ids := make([]string, len(batch))
		for i, entry := range batch {
			events[i] = entry.Event
			ids[i] = entry.Event.ID
		}

		outcome, err := e.delivery.SendBatch(ctx, events)
		if outcome == delivery.Delivered {
			e.queue.Ack(ctx, ids)
			e.logger.Debug("batch delivered", "count", len(batch))
			e.hooks.emit(ctx, HookBatchDelivered, &HookContext{BatchSize: len(batch)})
			continue
		}

		e.queue.MarkAttempted(ctx, ids)
		if outcome == delivery.PermanentFailure {
			e.disposeExhausted(ctx, batch)
		}

		e.logger.Warn("batch delivery failed",
			"count", len(batch),
			"outcome", outcome.String(),
			"error", err,
		)
		e.hooks.emit(ctx, HookBatchFailed, &HookContext{BatchSize: len(batch), Outcome: outcome, Err: err})
		return err
	}
}

// disposeExhausted drops the events of a permanently rejected batch that
// have used up their delivery budget. The batch snapshot predates the
// MarkAttempted bump, hence the +1. Unauthorized batches are never disposed
// here; a fresh token may still deliver them.
func (e *Engine) disposeExhausted(ctx context.Context, batch []core.QueuedEvent) {
	var ids []string
	for _, entry := range batch {
		if entry.DeliveryAttempts+1 < e.cfg.MaxDeliveryAttempts {
			continue
		}
		ids = append(ids, entry.Event.ID)

		ev := entry.Event
		metrics.RecordEventDropped(string(DropReasonUndeliverable))
		e.hooks.emit(ctx, HookEventDropped, &HookContext{Event: &ev, Reason: DropReasonUndeliverable})
	}

	if len(ids) > 0 {
		e.queue.Ack(ctx, ids)
		e.logger.Warn("dropping undeliverable events", "count", len(ids))
	}
}

// flushLoop is the single lane owning timer-, threshold- and request-driven
// delivery plus rule sync.
func (e *Engine) flushLoop() {
	defer e.wg.Done()

	flushTicker := e.clk.NewTicker(e.cfg.FlushInterval)
	defer flushTicker.Stop()

	var syncC <-chan time.Time
	if e.cfg.RuleSyncInterval > 0 {
		syncTicker := e.clk.NewTicker(e.cfg.RuleSyncInterval)
		defer syncTicker.Stop()
		syncC = syncTicker.C()
	}

	for {
		select {
		case <-e.baseCtx.Done():
			return
		case <-flushTicker.C():
			_ = e.flush(e.baseCtx)
		case <-e.queue.C():
			_ = e.flush(e.baseCtx)
		case <-e.flushCh:
			_ = e.flush(e.baseCtx)
		case <-syncC:
			e.runSync()
		case <-e.syncCh:
			e.runSync()
		}
	}
}

// evalLoop runs rule evaluation off the tracking path, one fact snapshot at
// a time.
func (e *Engine) evalLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.baseCtx.Done():
			return
		case facts := <-e.evalCh:
			e.evaluateFacts(facts)
		}
	}
}

func (e *Engine) evaluateFacts(facts core.Facts) {
	firings := e.rules.Evaluate(e.baseCtx, facts)

	for _, firing := range firings {
		rule := firing.Rule
		e.hooks.emit(e.baseCtx, HookRuleFired, &HookContext{Rule: &rule, Event: facts.Event})

		for _, result := range firing.Results {
			action := result.Action
			e.hooks.emit(e.baseCtx, HookActionExecuted, &HookContext{
				Rule:   &rule,
				Action: &action,
				Event:  facts.Event,
				Err:    result.Err,
			})
		}
	}
}

func (e *Engine) runSync() {
	result, err := e.syncer.Sync(e.baseCtx)
	if err != nil {
		e.logger.Warn("rule sync failed", "error", err)
		return
	}
	e.logger.Info("rules synced", "count", result.Count, "version", result.Version)
}

// requestFlush schedules an asynchronous flush on the flush lane. Requests
// arriving while one is already pending coalesce.
func (e *Engine) requestFlush() {
	select {
	case e.flushCh <- struct{}{}:
	default:
	}
}

// requestSync schedules an asynchronous rule sync on the flush lane.
func (e *Engine) requestSync() {
	select {
	case e.syncCh <- struct{}{}:
	default:
	}
}

// registerActionHandlers wires the built-in rule actions into the rule
// engine's registry.
func (e *Engine) registerActionHandlers() {
	reg := e.rules.Registry()
	reg.RegisterFunc(core.ActionTrackEvent, e.handleTrackEventAction)
	reg.RegisterFunc(core.ActionUpdateUserAttribute, e.handleUpdateAttributeAction)
	reg.RegisterFunc(core.ActionShowMessage, e.handleShowMessageAction)
	reg.RegisterFunc(core.ActionSyncRules, e.handleSyncRulesAction)
}

// handleTrackEventAction tracks the event named by the action. The produced
// event is not re-evaluated against the rule set.
func (e *Engine) handleTrackEventAction(ctx context.Context, action core.Action, _ core.Facts) error {
	if action.Name == "" {
		return rules.NewActionError(core.ActionTrackEvent, "missing event name")
	}

	var props core.Properties
	if action.Params != nil {
		props = core.Clone(action.Params).(core.Map)
	}

	return e.track(ctx, action.Name, props, true)
}

// handleUpdateAttributeAction sets the user attribute named by the action to
// its value param. Requires the personalization purpose.
func (e *Engine) handleUpdateAttributeAction(ctx context.Context, action core.Action, _ core.Facts) error {
	if action.Name == "" {
		return rules.NewActionError(core.ActionUpdateUserAttribute, "missing attribute name")
	}
	if !e.gate.Allowed(ctx, core.PurposePersonalization) {
		return rules.NewActionError(core.ActionUpdateUserAttribute, "personalization consent not granted")
	}

	value, ok := action.Params["value"]
	if !ok {
		return rules.NewActionError(core.ActionUpdateUserAttribute, "missing value param")
	}

	e.attrs.Set(ctx, action.Name, value)
	return nil
}

// handleShowMessageAction forwards the message payload to the host through
// HookMessageRequested. The engine never renders UI itself.
func (e *Engine) handleShowMessageAction(ctx context.Context, action core.Action, facts core.Facts) error {
	message := core.Map{}
	if action.Params != nil {
		message = core.Clone(action.Params).(core.Map)
	}
	if action.Name != "" {
		if _, ok := message["title"]; !ok {
			message["title"] = core.String(action.Name)
		}
	}

	e.hooks.emit(ctx, HookMessageRequested, &HookContext{Message: message, Event: facts.Event})
	return nil
}

// handleSyncRulesAction schedules a rule sync on the flush lane rather than
// syncing inline, keeping network I/O off the evaluation lane.
func (e *Engine) handleSyncRulesAction(context.Context, core.Action, core.Facts) error {
	e.requestSync()
	return nil
}

// handleSessionStarted runs after the session manager released its lock.
func (e *Engine) handleSessionStarted(s *core.Session) {
	metrics.RecordSessionStarted(string(s.Source))
	e.hooks.emit(e.baseCtx, HookSessionStarted, &HookContext{Session: s})
}

// handleSessionEnded emits the session_end summary event for every ended
// session, whatever ended it (background, timeout, manual restart, Close).
func (e *Engine) handleSessionEnded(s *core.Session) {
	e.hooks.emit(e.baseCtx, HookSessionEnded, &HookContext{Session: s})
	e.emitSessionEnd(s)
}

// emitSessionEnd builds and commits the session_end event carrying the
// session's final counters. The event is stamped with the ended session's id
// and evaluated with the ended session as its session fact.
func (e *Engine) emitSessionEnd(ended *core.Session) {
	ctx := e.baseCtx

	screens := make(core.Array, 0, len(ended.ScreensViewed))
	for _, name := range ended.ScreensViewed {
		screens = append(screens, core.String(name))
	}

	props := core.Properties{
		"source":             core.String(string(ended.Source)),
		"duration_seconds":   core.Double(ended.Duration.Seconds()),
		"screen_count":       core.Int(ended.ScreenCount),
		"event_count":        core.Int(ended.EventCount),
		"interaction_count":  core.Int(ended.InteractionCount),
		"interruption_count": core.Int(ended.InterruptionCount),
		"max_scroll_depth":   core.Double(ended.MaxScrollDepth),
		"screens_viewed":     screens,
	}

	if !e.gate.Allowed(ctx, core.PurposeAnalytics) {
		e.dropForConsent(ctx, core.NewEvent(EventSessionEnd, props))
		return
	}

	ev := core.NewEvent(EventSessionEnd, props)
	ev.Timestamp = e.clk.Now().UTC()
	ev.Device = e.deviceInfo.Snapshot()
	sid := ended.ID
	ev.SessionID = &sid
	ev.UserID = e.attrs.UserID(ctx)
	e.attachLocation(ctx, &ev)

	e.commit(ctx, ev, ended, true)
}

// handleConsentChange reacts to consent transitions published by the gate,
// including lazy TTL expiries. Losing the analytics purpose ends the
// session, purges the queue and clears user attributes; the session_end
// event this produces is itself consent-gated and therefore dropped.
func (e *Engine) handleConsentChange(purpose core.Purpose, status core.ConsentStatus) {
	if purpose != core.PurposeAnalytics || status.Allows() {
		return
	}

	ctx := context.Background()
	ended := e.sessions.End(ctx)
	purged := e.queue.Purge(ctx)
	e.attrs.Clear(ctx)

	fields := []any{"status", string(status), "purged_events", purged}
	if ended != nil {
		fields = append(fields, "session_id", ended.ID)
	}
	e.logger.Info("analytics consent lost, local telemetry state cleared", fields...)
}

// handleEvicted reports events displaced from a full queue. Runs outside
// the queue lock.
func (e *Engine) handleEvicted(entry core.QueuedEvent) {
	ev := entry.Event
	metrics.RecordEventDropped(string(DropReasonQueueOverflow))
	e.hooks.emit(e.baseCtx, HookEventDropped, &HookContext{Event: &ev, Reason: DropReasonQueueOverflow})
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) isForeground() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.foreground
}

// loadOrCreateDeviceID returns the persisted device id, generating and
// persisting a fresh one on first run.
func loadOrCreateDeviceID(ctx context.Context, st core.Storage, logger logging.Logger) string {
	data, err := st.Get(ctx, core.StorageKeyDeviceID)
	if err != nil {
		logger.Warn("device id read failed", "error", err)
	} else if len(data) > 0 {
		return string(data)
	}

	id := core.NewID()
	if err := st.Put(ctx, core.StorageKeyDeviceID, []byte(id)); err != nil {
		logger.Warn("device id persist failed", "error", err)
	}
	return id
}
