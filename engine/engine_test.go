package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/telemetrymesh/config"
	"github.com/hupe1980/telemetrymesh/core"
	"github.com/hupe1980/telemetrymesh/delivery"
	"github.com/hupe1980/telemetrymesh/internal/clock"
	"github.com/hupe1980/telemetrymesh/internal/testutil"
	"github.com/hupe1980/telemetrymesh/storage"
	"github.com/hupe1980/telemetrymesh/transport"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// testEnv bundles the collaborators an engine test drives directly: a manual
// clock, shared in-memory storage and a scripted transport.
type testEnv struct {
	ctx   context.Context
	clk   *clock.Manual
	store *storage.InMemory
	mock  *transport.Mock
}

func newTestEnv() *testEnv {
	return &testEnv{
		ctx:   context.Background(),
		clk:   clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		store: storage.NewInMemory(),
		mock:  transport.NewMock(),
	}
}

// start builds an engine over the env's collaborators. cfgFn and optFn may be
// nil. The engine is closed automatically when the test finishes.
func (env *testEnv) start(t *testing.T, cfgFn func(*config.Config), optFn func(*Options)) *Engine {
	t.Helper()

	cfg := config.Default()
	cfg.AppID = "app-under-test"
	if cfgFn != nil {
		cfgFn(&cfg)
	}

	e, err := New(cfg, func(o *Options) {
		o.Storage = env.store
		o.Transport = env.mock
		o.Clock = env.clk
		if optFn != nil {
			optFn(o)
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func (env *testEnv) grantAnalytics(e *Engine) {
	e.SetConsent(env.ctx, core.PurposeAnalytics, core.ConsentGranted)
}

// queuedNames snapshots the names of every pending event in queue order.
func queuedNames(ctx context.Context, e *Engine) []string {
	entries := e.queue.Drain(ctx, 1000)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Event.Name)
	}
	return names
}

// queuedEvent returns the first pending event with the given name.
func queuedEvent(ctx context.Context, e *Engine, name string) (core.QueuedEvent, bool) {
	for _, entry := range e.queue.Drain(ctx, 1000) {
		if entry.Event.Name == name {
			return entry, true
		}
	}
	return core.QueuedEvent{}, false
}

// recordedHook is one observed hook invocation.
type recordedHook struct {
	Type HookType
	Ctx  HookContext
}

// hookRecorder captures hook invocations for assertions. Hooks run on the
// engine's lanes, so access is mutex-guarded.
type hookRecorder struct {
	mu      sync.Mutex
	records []recordedHook
}

// observe returns hooks that record every invocation of the given types.
func (r *hookRecorder) observe(types ...HookType) []Hook {
	hooks := make([]Hook, 0, len(types))
	for _, hookType := range types {
		ht := hookType
		hooks = append(hooks, NewFunctionHook(ht, func(_ context.Context, hc *HookContext) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.records = append(r.records, recordedHook{Type: ht, Ctx: *hc})
			return nil
		}))
	}
	return hooks
}

func (r *hookRecorder) count(hookType HookType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.Type == hookType {
			n++
		}
	}
	return n
}

func (r *hookRecorder) last(hookType HookType) (HookContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.records) - 1; i >= 0; i-- {
		if r.records[i].Type == hookType {
			return r.records[i].Ctx, true
		}
	}
	return HookContext{}, false
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	// AppID left empty.
	_, err := New(cfg, func(o *Options) {
		o.Transport = transport.NewMock()
	})
	require.Error(t, err)
}

func TestNewRequiresTransportOrEndpoint(t *testing.T) {
	cfg := config.Default()
	cfg.AppID = "app-under-test"
	// No Endpoint and no Transport override.
	_, err := New(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Transport")
}

func TestNewStartsLaunchSession(t *testing.T) {
	env := newTestEnv()
	rec := &hookRecorder{}
	e := env.start(t, nil, func(o *Options) {
		o.Hooks = rec.observe(HookSessionStarted)
	})

	sess := e.CurrentSession()
	require.NotNil(t, sess)
	require.Equal(t, core.SessionSourceAppLaunch, sess.Source)

	require.Equal(t, 1, rec.count(HookSessionStarted))
	hc, _ := rec.last(HookSessionStarted)
	require.Equal(t, sess.ID, hc.Session.ID)
}

func TestNewRestoresPersistedSession(t *testing.T) {
	env := newTestEnv()

	persisted := core.NewSession(core.SessionSourceManual, env.clk.Now())
	data, err := json.Marshal(persisted)
	require.NoError(t, err)
	require.NoError(t, env.store.Put(env.ctx, core.StorageKeyCurrentSession, data))

	rec := &hookRecorder{}
	e := env.start(t, nil, func(o *Options) {
		o.Hooks = rec.observe(HookSessionStarted)
	})

	sid := e.CurrentSessionID()
	require.NotNil(t, sid)
	require.Equal(t, persisted.ID, *sid)
	// A restored session is adopted, not restarted.
	require.Equal(t, 0, rec.count(HookSessionStarted))
}

func TestTrackStampsAndQueues(t *testing.T) {
	env := newTestEnv()
	e := env.start(t, nil, nil)
	env.grantAnalytics(e)

	require.NoError(t, e.Track(env.ctx, "purchase", core.Properties{
		"value":    core.Double(9.99),
		"currency": core.String("EUR"),
	}))

	entry, ok := queuedEvent(env.ctx, e, "purchase")
	require.True(t, ok)

	ev := entry.Event
	require.NotEmpty(t, ev.ID)
	require.Equal(t, env.clk.Now().UTC(), ev.Timestamp)
	require.NotNil(t, ev.SessionID)
	require.Equal(t, *e.CurrentSessionID(), *ev.SessionID)
	require.Nil(t, ev.UserID)
	require.Equal(t, core.Double(9.99), ev.Properties["value"])
	require.NotEmpty(t, ev.Device.DeviceID)

	require.Equal(t, 1, e.CurrentSession().EventCount)
}

func TestFlushDeliversBatch(t *testing.T) {
	env := newTestEnv()
	rec := &hookRecorder{}
	e := env.start(t, nil, func(o *Options) {
		o.Hooks = rec.observe(HookBatchDelivered)
	})
	env.grantAnalytics(e)

	require.NoError(t, e.Track(env.ctx, "purchase", core.Properties{"value": core.Double(9.99)}))
	require.Equal(t, 1, e.PendingEvents(env.ctx))

	require.NoError(t, e.Flush(env.ctx))

	require.Equal(t, 0, e.PendingEvents(env.ctx))
	require.Equal(t, 1, env.mock.CallCount())

	req := env.mock.LastRequest()
	require.NotNil(t, req)
	require.Equal(t, "POST", req.Method)
	require.Equal(t, delivery.EventsPath, req.Path)

	require.Equal(t, 1, rec.count(HookBatchDelivered))
	hc, _ := rec.last(HookBatchDelivered)
	require.Equal(t, 1, hc.BatchSize)
}

func TestTrackWithoutConsentIsDropped(t *testing.T) {
	env := newTestEnv()
	rec := &hookRecorder{}
	e := env.start(t, nil, func(o *Options) {
		o.Hooks = rec.observe(HookEventDropped)
	})

	// Consent never granted: tracking succeeds from the caller's view but
	// nothing is queued.
	require.NoError(t, e.Track(env.ctx, "purchase", core.Properties{"value": core.Double(9.99)}))

	require.Equal(t, 0, e.PendingEvents(env.ctx))
	require.Equal(t, 1, rec.count(HookEventDropped))
	hc, _ := rec.last(HookEventDropped)
	require.Equal(t, DropReasonNoConsent, hc.Reason)
	require.Equal(t, "purchase", hc.Event.Name)
	// The dropped event never touched the session.
	require.Equal(t, 0, e.CurrentSession().EventCount)
}

func TestTrackRejectsBlankName(t *testing.T) {
	env := newTestEnv()
	e := env.start(t, nil, nil)
	env.grantAnalytics(e)

	err := e.Track(env.ctx, "   ", nil)
	require.ErrorIs(t, err, core.ErrEmptyEventName)
	require.Equal(t, 0, e.PendingEvents(env.ctx))
}

func TestTrackAfterClose(t *testing.T) {
	env := newTestEnv()
	e := env.start(t, nil, nil)
	env.grantAnalytics(e)

	require.NoError(t, e.Close())

	require.ErrorIs(t, e.Track(env.ctx, "late", nil), core.ErrClosed)
	require.ErrorIs(t, e.Flush(env.ctx), core.ErrClosed)
	require.ErrorIs(t, e.Identify(env.ctx, nil), core.ErrClosed)
	require.Nil(t, e.StartSession(env.ctx))
	// Close is idempotent.
	require.NoError(t, e.Close())
}

func TestTrackScreenRecordsScreenView(t *testing.T) {
	env := newTestEnv()
	e := env.start(t, nil, nil)
	env.grantAnalytics(e)

	require.NoError(t, e.TrackScreen(env.ctx, "Home"))

	entry, ok := queuedEvent(env.ctx, e, EventScreenView)
	require.True(t, ok)
	require.Equal(t, core.String("Home"), entry.Event.Properties["screen_name"])

	sess := e.CurrentSession()
	require.Equal(t, 1, sess.ScreenCount)
	require.Equal(t, []string{"Home"}, sess.ScreensViewed)
}

func TestIdentifyStampsUserID(t *testing.T) {
	env := newTestEnv()
	e := env.start(t, nil, nil)
	env.grantAnalytics(e)

	userID := "user-7"
	require.NoError(t, e.Identify(env.ctx, &userID))
	require.NoError(t, e.Track(env.ctx, "login", nil))

	entry, ok := queuedEvent(env.ctx, e, "login")
	require.True(t, ok)
	require.NotNil(t, entry.Event.UserID)
	require.Equal(t, "user-7", *entry.Event.UserID)
}

func TestLocationAttachedOnlyWithConsent(t *testing.T) {
	env := newTestEnv()
	provider := core.LocationProviderFunc(func(context.Context) (*core.LocationSnapshot, error) {
		return &core.LocationSnapshot{Latitude: 52.52, Longitude: 13.405, CapturedAt: env.clk.Now()}, nil
	})
	e := env.start(t, nil, func(o *Options) {
		o.Location = provider
	})
	env.grantAnalytics(e)

	require.NoError(t, e.Track(env.ctx, "without_location", nil))
	entry, ok := queuedEvent(env.ctx, e, "without_location")
	require.True(t, ok)
	require.Nil(t, entry.Event.Location)

	e.SetConsent(env.ctx, core.PurposeLocation, core.ConsentGranted)

	require.NoError(t, e.Track(env.ctx, "with_location", nil))
	entry, ok = queuedEvent(env.ctx, e, "with_location")
	require.True(t, ok)
	require.NotNil(t, entry.Event.Location)
	require.Equal(t, 52.52, entry.Event.Location.Latitude)
}

func TestRuleTracksDerivedEvent(t *testing.T) {
	env := newTestEnv()
	rec := &hookRecorder{}
	e := env.start(t, nil, func(o *Options) {
		o.Hooks = rec.observe(HookRuleFired, HookActionExecuted)
	})
	env.grantAnalytics(e)

	rule := testutil.NewRuleBuilder("high-value").
		Where(core.ConditionEventProperty, "value", core.OperatorGreaterThan, core.Double(5)).
		Do(core.ActionTrackEvent, "high_value_purchase", nil).
		Build()
	require.NoError(t, e.ReplaceRules(env.ctx, []core.Rule{rule}))

	require.NoError(t, e.Track(env.ctx, "purchase", core.Properties{"value": core.Double(9.99)}))

	// The action ran before its hook fired, so once the hook is visible the
	// derived event is queued.
	require.Eventually(t, func() bool {
		return rec.count(HookActionExecuted) == 1
	}, waitFor, tick)

	entry, ok := queuedEvent(env.ctx, e, "high_value_purchase")
	require.True(t, ok)
	require.NotNil(t, entry.Event.SessionID)
	require.Equal(t, *e.CurrentSessionID(), *entry.Event.SessionID)

	require.Equal(t, 1, rec.count(HookRuleFired))
	hc, _ := rec.last(HookActionExecuted)
	require.NoError(t, hc.Err)
	require.Equal(t, "high-value", hc.Rule.ID)
	require.Equal(t, core.ActionTrackEvent, hc.Action.Type)
}

func TestRuleEventsDoNotRetrigger(t *testing.T) {
	env := newTestEnv()
	e := env.start(t, nil, nil)
	env.grantAnalytics(e)

	// No conditions: fires for every host-tracked event.
	echo := testutil.NewRuleBuilder("echo").
		Do(core.ActionTrackEvent, "echo", nil).
		Build()
	require.NoError(t, e.ReplaceRules(env.ctx, []core.Rule{echo}))

	require.NoError(t, e.Track(env.ctx, "ping", nil))

	require.Eventually(t, func() bool {
		return e.PendingEvents(env.ctx) == 2
	}, waitFor, tick)

	// The rule-produced event must not feed back into evaluation.
	require.Never(t, func() bool {
		return e.PendingEvents(env.ctx) > 2
	}, 100*time.Millisecond, tick)
	require.ElementsMatch(t, []string{"ping", "echo"}, queuedNames(env.ctx, e))
}

func TestUpdateUserAttributeActionHonorsConsent(t *testing.T) {
	env := newTestEnv()
	rec := &hookRecorder{}
	e := env.start(t, nil, func(o *Options) {
		o.Hooks = rec.observe(HookActionExecuted)
	})
	env.grantAnalytics(e)

	rule := testutil.NewRuleBuilder("set-tier").
		Do(core.ActionUpdateUserAttribute, "tier", core.Map{"value": core.String("gold")}).
		Build()
	require.NoError(t, e.ReplaceRules(env.ctx, []core.Rule{rule}))

	// Personalization consent missing: the action errors, the attribute
	// stays unset.
	require.NoError(t, e.Track(env.ctx, "browse", nil))
	require.Eventually(t, func() bool {
		return rec.count(HookActionExecuted) == 1
	}, waitFor, tick)
	hc, _ := rec.last(HookActionExecuted)
	require.Error(t, hc.Err)
	_, ok := e.attrs.Get(env.ctx, "tier")
	require.False(t, ok)

	e.SetConsent(env.ctx, core.PurposePersonalization, core.ConsentGranted)

	require.NoError(t, e.Track(env.ctx, "browse", nil))
	require.Eventually(t, func() bool {
		v, ok := e.attrs.Get(env.ctx, "tier")
		return ok && v == core.String("gold")
	}, waitFor, tick)
}

func TestShowMessageActionRequestsMessage(t *testing.T) {
	env := newTestEnv()
	rec := &hookRecorder{}
	e := env.start(t, nil, func(o *Options) {
		o.Hooks = rec.observe(HookMessageRequested)
	})
	env.grantAnalytics(e)

	rule := testutil.NewRuleBuilder("welcome").
		Do(core.ActionShowMessage, "Welcome!", core.Map{"body": core.String("Thanks for coming back")}).
		Build()
	require.NoError(t, e.ReplaceRules(env.ctx, []core.Rule{rule}))

	require.NoError(t, e.Track(env.ctx, "app_open", nil))

	require.Eventually(t, func() bool {
		return rec.count(HookMessageRequested) == 1
	}, waitFor, tick)

	hc, _ := rec.last(HookMessageRequested)
	require.Equal(t, core.String("Welcome!"), hc.Message["title"])
	require.Equal(t, core.String("Thanks for coming back"), hc.Message["body"])
	require.Equal(t, "app_open", hc.Event.Name)
}

func TestSyncRulesActionRefreshesRules(t *testing.T) {
	env := newTestEnv()
	env.mock.AddResponse(200, []byte(`{"rules":[{"id":"fresh-1","name":"Fresh","priority":1,"isActive":true}],"version":7,"timestamp":1767225600}`))

	e := env.start(t, nil, nil)
	env.grantAnalytics(e)

	trigger := testutil.NewRuleBuilder("trigger-sync").
		Do(core.ActionSyncRules, "", nil).
		Build()
	require.NoError(t, e.ReplaceRules(env.ctx, []core.Rule{trigger}))

	require.NoError(t, e.Track(env.ctx, "ping", nil))

	// The backend response replaces the rule set wholesale, including the
	// rule that requested the sync.
	require.Eventually(t, func() bool {
		ruleSet := e.Rules(env.ctx)
		return len(ruleSet) == 1 && ruleSet[0].ID == "fresh-1"
	}, waitFor, tick)
}

func TestThresholdTriggersBackgroundFlush(t *testing.T) {
	env := newTestEnv()
	e := env.start(t, func(cfg *config.Config) {
		cfg.BatchSize = 2
	}, nil)
	env.grantAnalytics(e)

	require.NoError(t, e.Track(env.ctx, "first", nil))
	require.NoError(t, e.Track(env.ctx, "second", nil))

	require.Eventually(t, func() bool {
		return e.PendingEvents(env.ctx) == 0
	}, waitFor, tick)
	require.GreaterOrEqual(t, env.mock.CallCount(), 1)
}

func TestPeriodicFlushTicker(t *testing.T) {
	env := newTestEnv()
	e := env.start(t, func(cfg *config.Config) {
		// Keep the idle timer out of the advanced range.
		cfg.SessionTimeout = 24 * time.Hour
	}, nil)
	env.grantAnalytics(e)

	require.NoError(t, e.Track(env.ctx, "heartbeat", nil))
	require.Equal(t, 1, e.PendingEvents(env.ctx))

	// Advance repeatedly: the first advance can race the lane registering
	// its ticker, later ones land after registration.
	interval := config.Default().FlushInterval
	require.Eventually(t, func() bool {
		env.clk.Advance(interval)
		return e.PendingEvents(env.ctx) == 0
	}, waitFor, 10*time.Millisecond)
}

func TestOfflineFlushSkippedAndReconnectFlushes(t *testing.T) {
	env := newTestEnv()
	e := env.start(t, nil, nil)
	env.grantAnalytics(e)

	e.SetReachable(false)
	require.NoError(t, e.Track(env.ctx, "offline_event", nil))

	// Explicit flush is a no-op while unreachable.
	require.NoError(t, e.Flush(env.ctx))
	require.Equal(t, 1, e.PendingEvents(env.ctx))
	require.Equal(t, 0, env.mock.CallCount())

	// Reconnecting flushes what accumulated.
	e.SetReachable(true)
	require.Eventually(t, func() bool {
		return e.PendingEvents(env.ctx) == 0
	}, waitFor, tick)
	require.GreaterOrEqual(t, env.mock.CallCount(), 1)
}

func TestTransientFailureKeepsBatch(t *testing.T) {
	env := newTestEnv()
	env.mock.AddError(fmt.Errorf("%w: connection reset", core.ErrTransient))

	rec := &hookRecorder{}
	e := env.start(t, func(cfg *config.Config) {
		cfg.MaxSendAttempts = 1
	}, func(o *Options) {
		o.Hooks = rec.observe(HookBatchFailed)
	})
	env.grantAnalytics(e)

	require.NoError(t, e.Track(env.ctx, "purchase", nil))
	require.Error(t, e.Flush(env.ctx))

	entries := e.queue.Drain(env.ctx, 10)
	require.Len(t, entries, 1)
	require.Equal(t, 1, entries[0].DeliveryAttempts)

	hc, ok := rec.last(HookBatchFailed)
	require.True(t, ok)
	require.Equal(t, delivery.TransientFailure, hc.Outcome)
}

func TestExhaustedEventsAreDisposed(t *testing.T) {
	env := newTestEnv()
	env.mock.AddResponse(400, nil)
	env.mock.AddResponse(400, nil)

	rec := &hookRecorder{}
	e := env.start(t, func(cfg *config.Config) {
		cfg.MaxSendAttempts = 1
		cfg.MaxDeliveryAttempts = 2
	}, func(o *Options) {
		o.Hooks = rec.observe(HookEventDropped)
	})
	env.grantAnalytics(e)

	require.NoError(t, e.Track(env.ctx, "rejected", nil))

	// First permanent failure: attempt budget not yet spent.
	require.Error(t, e.Flush(env.ctx))
	require.Equal(t, 1, e.PendingEvents(env.ctx))

	// Second permanent failure exhausts the budget and disposes the event.
	require.Error(t, e.Flush(env.ctx))
	require.Equal(t, 0, e.PendingEvents(env.ctx))

	require.Equal(t, 1, rec.count(HookEventDropped))
	hc, _ := rec.last(HookEventDropped)
	require.Equal(t, DropReasonUndeliverable, hc.Reason)
	require.Equal(t, "rejected", hc.Event.Name)
}

func TestUnauthorizedKeepsQueue(t *testing.T) {
	env := newTestEnv()
	env.mock.AddResponse(401, nil)

	rec := &hookRecorder{}
	e := env.start(t, func(cfg *config.Config) {
		cfg.MaxSendAttempts = 1
		cfg.MaxDeliveryAttempts = 1
	}, func(o *Options) {
		o.Hooks = rec.observe(HookBatchFailed)
	})
	env.grantAnalytics(e)

	require.NoError(t, e.Track(env.ctx, "held", nil))
	require.Error(t, e.Flush(env.ctx))

	// Unauthorized batches are never disposed, whatever the attempt count:
	// a fresh token may still deliver them.
	require.Equal(t, 1, e.PendingEvents(env.ctx))
	hc, ok := rec.last(HookBatchFailed)
	require.True(t, ok)
	require.Equal(t, delivery.Unauthorized, hc.Outcome)
}

func TestQueueOverflowEvictsOldest(t *testing.T) {
	env := newTestEnv()
	rec := &hookRecorder{}
	e := env.start(t, func(cfg *config.Config) {
		cfg.MaxQueueSize = 2
	}, func(o *Options) {
		o.Hooks = rec.observe(HookEventDropped)
	})
	env.grantAnalytics(e)

	require.NoError(t, e.Track(env.ctx, "first", nil))
	require.NoError(t, e.Track(env.ctx, "second", nil))
	require.NoError(t, e.Track(env.ctx, "third", nil))

	require.Equal(t, []string{"second", "third"}, queuedNames(env.ctx, e))

	require.Equal(t, 1, rec.count(HookEventDropped))
	hc, _ := rec.last(HookEventDropped)
	require.Equal(t, DropReasonQueueOverflow, hc.Reason)
	require.Equal(t, "first", hc.Event.Name)
}

func TestBackgroundEndsSessionAndEmitsSummary(t *testing.T) {
	env := newTestEnv()
	rec := &hookRecorder{}
	e := env.start(t, nil, func(o *Options) {
		o.Hooks = rec.observe(HookSessionEnded)
	})
	env.grantAnalytics(e)
	e.SetReachable(false)

	require.NoError(t, e.TrackScreen(env.ctx, "Home"))
	e.RecordInteraction(env.ctx)
	e.UpdateScrollDepth(env.ctx, 0.8)

	sid := *e.CurrentSessionID()
	env.clk.Advance(2 * time.Minute)

	e.AppBackgrounded(env.ctx)

	require.Nil(t, e.CurrentSessionID())
	require.Equal(t, 1, rec.count(HookSessionEnded))

	entry, ok := queuedEvent(env.ctx, e, EventSessionEnd)
	require.True(t, ok)
	ev := entry.Event
	require.NotNil(t, ev.SessionID)
	require.Equal(t, sid, *ev.SessionID)
	require.Equal(t, core.String("app_launch"), ev.Properties["source"])
	require.Equal(t, core.Double(120), ev.Properties["duration_seconds"])
	require.Equal(t, core.Int(1), ev.Properties["screen_count"])
	require.Equal(t, core.Int(1), ev.Properties["interaction_count"])
	require.Equal(t, core.Double(0.8), ev.Properties["max_scroll_depth"])
	require.Equal(t, core.Array{core.String("Home")}, ev.Properties["screens_viewed"])
}

func TestIdleTimeoutEndsSession(t *testing.T) {
	env := newTestEnv()
	e := env.start(t, nil, nil)
	env.grantAnalytics(e)
	e.SetReachable(false)

	require.NotNil(t, e.CurrentSessionID())

	env.clk.Advance(config.Default().SessionTimeout)

	require.Nil(t, e.CurrentSessionID())
	entry, ok := queuedEvent(env.ctx, e, EventSessionEnd)
	require.True(t, ok)
	require.Equal(t, core.String("app_launch"), entry.Event.Properties["source"])
}

func TestForegroundRenewsActiveSession(t *testing.T) {
	env := newTestEnv()
	e := env.start(t, nil, nil)
	env.grantAnalytics(e)
	e.SetReachable(false)

	sid := *e.CurrentSessionID()

	// Foregrounding inside the idle window keeps the session and re-arms
	// its timer.
	env.clk.Advance(20 * time.Minute)
	e.AppForegrounded(env.ctx)
	env.clk.Advance(20 * time.Minute)

	require.NotNil(t, e.CurrentSessionID())
	require.Equal(t, sid, *e.CurrentSessionID())

	// Letting the renewed window lapse ends it.
	env.clk.Advance(config.Default().SessionTimeout)
	require.Nil(t, e.CurrentSessionID())

	// The next foreground starts a fresh session.
	e.AppForegrounded(env.ctx)
	sess := e.CurrentSession()
	require.NotNil(t, sess)
	require.NotEqual(t, sid, sess.ID)
	require.Equal(t, core.SessionSourceForegroundTimeout, sess.Source)
}

func TestStartSessionRotates(t *testing.T) {
	env := newTestEnv()
	e := env.start(t, nil, nil)
	env.grantAnalytics(e)
	e.SetReachable(false)

	first := *e.CurrentSessionID()

	sess := e.StartSession(env.ctx)
	require.NotNil(t, sess)
	require.NotEqual(t, first, sess.ID)
	require.Equal(t, core.SessionSourceManual, sess.Source)

	// Rotating ended the previous session, so its summary event is queued.
	entry, ok := queuedEvent(env.ctx, e, EventSessionEnd)
	require.True(t, ok)
	require.Equal(t, first, *entry.Event.SessionID)
}

func TestConsentRevocationClearsState(t *testing.T) {
	env := newTestEnv()
	rec := &hookRecorder{}
	e := env.start(t, nil, func(o *Options) {
		o.Hooks = rec.observe(HookEventDropped)
	})
	env.grantAnalytics(e)
	e.SetReachable(false)

	userID := "user-7"
	require.NoError(t, e.Identify(env.ctx, &userID))
	require.NoError(t, e.SetUserAttribute(env.ctx, "tier", core.String("gold")))
	require.NoError(t, e.Track(env.ctx, "one", nil))
	require.NoError(t, e.Track(env.ctx, "two", nil))
	require.Equal(t, 2, e.PendingEvents(env.ctx))

	e.SetConsent(env.ctx, core.PurposeAnalytics, core.ConsentDenied)

	require.Nil(t, e.CurrentSessionID())
	require.Equal(t, 0, e.PendingEvents(env.ctx))
	require.Nil(t, e.attrs.UserID(env.ctx))
	_, ok := e.attrs.Get(env.ctx, "tier")
	require.False(t, ok)

	// The session_end produced by the revocation is itself consent-gated.
	hc, found := rec.last(HookEventDropped)
	require.True(t, found)
	require.Equal(t, EventSessionEnd, hc.Event.Name)
	require.Equal(t, DropReasonNoConsent, hc.Reason)
}

func TestConsentExpiryDropsAndPurges(t *testing.T) {
	env := newTestEnv()
	e := env.start(t, func(cfg *config.Config) {
		cfg.ConsentTTL = time.Hour
	}, nil)
	env.grantAnalytics(e)
	e.SetReachable(false)

	require.NoError(t, e.Track(env.ctx, "early", nil))
	require.Equal(t, 1, e.PendingEvents(env.ctx))

	// Well past the TTL. The idle timer fires along the way; its summary
	// event reads consent, detects the expiry and is dropped, and the
	// expiry purges everything queued before it.
	env.clk.Advance(2 * time.Hour)

	require.False(t, e.HasConsent(env.ctx, core.PurposeAnalytics))
	require.Equal(t, 0, e.PendingEvents(env.ctx))

	// Tracking stays off until consent is granted again.
	require.NoError(t, e.Track(env.ctx, "late", nil))
	require.Equal(t, 0, e.PendingEvents(env.ctx))
}

func TestDeviceIDStableAcrossRestarts(t *testing.T) {
	env := newTestEnv()
	rec := &hookRecorder{}
	e1 := env.start(t, nil, func(o *Options) {
		o.Hooks = rec.observe(HookEventTracked)
	})
	env.grantAnalytics(e1)

	require.NoError(t, e1.Track(env.ctx, "boot_one", nil))
	hc, ok := rec.last(HookEventTracked)
	require.True(t, ok)
	deviceID := hc.Event.Device.DeviceID
	require.NotEmpty(t, deviceID)

	require.NoError(t, e1.Flush(env.ctx))
	require.NoError(t, e1.Close())

	e2 := env.start(t, nil, func(o *Options) {
		o.Hooks = rec.observe(HookEventTracked)
	})
	require.NoError(t, e2.Track(env.ctx, "boot_two", nil))
	hc, ok = rec.last(HookEventTracked)
	require.True(t, ok)
	require.Equal(t, deviceID, hc.Event.Device.DeviceID)
}

func TestCloseEmitsSessionEnd(t *testing.T) {
	env := newTestEnv()
	e := env.start(t, nil, nil)
	env.grantAnalytics(e)
	e.SetReachable(false)

	require.NoError(t, e.Track(env.ctx, "ping", nil))
	require.NoError(t, e.Close())

	// The summary event was persisted before shutdown; it survives for the
	// next launch to deliver.
	require.ElementsMatch(t, []string{"ping", EventSessionEnd}, queuedNames(env.ctx, e))
}

func TestLoadRulesFileInstallsRules(t *testing.T) {
	env := newTestEnv()
	e := env.start(t, nil, nil)

	doc := `rules:
  - id: vip
    name: VIP shoppers
    priority: 5
    conditions:
      - type: eventProperty
        property: value
        operator: greaterThan
        value: 100
    actions:
      - type: trackEvent
        name: vip_purchase
`
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	require.NoError(t, e.LoadRulesFile(env.ctx, path))

	ruleSet := e.Rules(env.ctx)
	require.Len(t, ruleSet, 1)
	require.Equal(t, "vip", ruleSet[0].ID)
	require.Len(t, ruleSet[0].Conditions, 1)
	require.Len(t, ruleSet[0].Actions, 1)
}

func TestSyncRulesReportsUnauthorized(t *testing.T) {
	env := newTestEnv()
	env.mock.AddResponse(401, nil)

	e := env.start(t, nil, nil)

	err := e.SyncRules(env.ctx)
	require.ErrorIs(t, err, core.ErrUnauthorized)
	require.Empty(t, e.Rules(env.ctx))
}
