package engine

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/flightlink/internal/history"
	"github.com/iudanet/flightlink/internal/models"
	"github.com/iudanet/flightlink/internal/transport"
	"github.com/iudanet/flightlink/pkg/wire"
)

// memHistory — хранилище истории в памяти для интеграционных тестов движка.
// Повторяет контракт history.Store, включая tuple-правило.
type memHistory struct {
	mu      sync.Mutex
	legs    map[string]*models.CompletedLeg
	deduped bool
}

func newMemHistory() *memHistory {
	return &memHistory{legs: make(map[string]*models.CompletedLeg)}
}

func (m *memHistory) Archive(ctx context.Context, leg *models.CompletedLeg) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.legs[leg.ID]; ok {
		return false, nil
	}
	for id, existing := range m.legs {
		if existing.TupleKey() == leg.TupleKey() {
			delete(m.legs, id)
		}
	}
	m.legs[leg.ID] = leg
	return true, nil
}

func (m *memHistory) Get(ctx context.Context, id string) (*models.CompletedLeg, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	leg, ok := m.legs[id]
	if !ok {
		return nil, history.ErrLegNotFound
	}
	return leg, nil
}

func (m *memHistory) List(ctx context.Context) ([]*models.CompletedLeg, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.CompletedLeg, 0, len(m.legs))
	for _, leg := range m.legs {
		out = append(out, leg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Out.Before(out[j].Out) })
	return out, nil
}

func (m *memHistory) DedupeOnce(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deduped {
		return 0, nil
	}
	m.deduped = true

	winners := make(map[string]*models.CompletedLeg)
	removed := 0
	for _, leg := range m.legs {
		key := leg.TupleKey()
		if prev, ok := winners[key]; ok {
			removed++
			if history.Supersedes(leg, prev) {
				delete(m.legs, prev.ID)
				winners[key] = leg
			} else {
				delete(m.legs, leg.ID)
			}
			continue
		}
		winners[key] = leg
	}
	return removed, nil
}

func (m *memHistory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.legs = make(map[string]*models.CompletedLeg)
	return nil
}

func (m *memHistory) Close() error { return nil }

func (m *memHistory) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.legs)
}

// memPrefs — preference store в памяти.
type memPrefs struct {
	mu      sync.Mutex
	useZulu bool
}

func (p *memPrefs) SaveUseZuluTime(ctx context.Context, useZulu bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.useZulu = useZulu
	return nil
}

func (p *memPrefs) GetUseZuluTime(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.useZulu, nil
}

func (p *memPrefs) Close() error { return nil }

// fakeGrant фиксирует жизненный цикл execution grant движка.
type fakeGrant struct {
	mu        sync.Mutex
	held      bool
	acquires  int
	releases  int
	onExpired func()
}

func (g *fakeGrant) Acquire(onExpired func()) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.held = true
	g.acquires++
	g.onExpired = onExpired
	return nil
}

func (g *fakeGrant) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.held = false
	g.releases++
	g.onExpired = nil
}

// expire эмулирует отзыв grant платформой до Release.
func (g *fakeGrant) expire() {
	g.mu.Lock()
	g.held = false
	f := g.onExpired
	g.onExpired = nil
	g.mu.Unlock()

	if f != nil {
		f()
	}
}

func (g *fakeGrant) isHeld() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

func (g *fakeGrant) acquireCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.acquires
}

// testEnv — пара движков на loopback-линке: primary авторитетен,
// companion адаптируется.
type testEnv struct {
	primary   *Engine
	companion *Engine
	primHist  *memHistory
	compHist  *memHistory
	link      *transport.Loopback // сторона primary; SetReachable действует на обе
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvGrant(t, NoopGrant{})
}

// newTestEnvGrant подставляет компаньону заданный execution grant.
func newTestEnvGrant(t *testing.T, grant ExecutionGrant) *testEnv {
	t.Helper()

	lp, lc := transport.NewLoopbackPair()
	env := &testEnv{
		primHist: newMemHistory(),
		compHist: newMemHistory(),
		link:     lp,
	}

	env.primary = New(Config{
		Channel:   lp,
		History:   env.primHist,
		Authority: PrimaryAuthority{},
		Grant:     NoopGrant{},
		Logger:    testLogger(),
	})
	env.companion = New(Config{
		Channel:   lc,
		History:   env.compHist,
		Authority: CompanionAuthority{},
		Grant:     grant,
		Logger:    testLogger(),
	})

	t.Cleanup(func() {
		env.primary.Close()
		env.companion.Close()
	})

	return env
}

func mustMsg(t *testing.T, typ wire.Type, payload any) wire.Message {
	t.Helper()
	msg, err := wire.NewMessage(typ, payload)
	require.NoError(t, err)
	return msg
}

func strptr(s string) *string { return &s }

// seedRoute подмешивает primary маршрут текущего этапа частичным
// flightUpdate (структуру трипа авторитетная сторона игнорирует).
func (env *testEnv) seedRoute(t *testing.T, departure, arrival, flightNumber string) {
	t.Helper()

	snap := env.primary.TripSnapshot()
	require.NotNil(t, snap)

	env.primary.HandleMessage(mustMsg(t, wire.TypeFlightUpdate, wire.FlightUpdate{
		Departure:    strptr(departure),
		Arrival:      strptr(arrival),
		FlightNumber: strptr(flightNumber),
		LegIndex:     snap.LegIndex,
		TotalLegs:    snap.TotalLegs,
	}))
}

func TestEngine_PingGetsPongReply(t *testing.T) {
	env := newTestEnv(t)

	reply := env.primary.HandleMessage(mustMsg(t, wire.TypePing, nil))

	require.NotNil(t, reply)
	assert.Equal(t, wire.TypePing, reply.Type)

	var p wire.PingReply
	require.NoError(t, reply.DecodePayload(&p))
	assert.Equal(t, "pong", p.Status)
}

func TestEngine_UnknownMessageIsIgnored(t *testing.T) {
	env := newTestEnv(t)

	reply := env.companion.HandleMessage(wire.Message{Type: "foo"})

	assert.Nil(t, reply)
	assert.Nil(t, env.companion.TripSnapshot())
	assert.Equal(t, 0, env.compHist.count())
}

func TestEngine_FlightUpdateClampsLegIndex(t *testing.T) {
	env := newTestEnv(t)

	env.companion.HandleContext(mustMsg(t, wire.TypeFlightUpdate, wire.FlightUpdate{
		LegIndex:  5,
		TotalLegs: 2,
		Full:      true,
	}))

	snap := env.companion.TripSnapshot()
	require.NotNil(t, snap)
	assert.Equal(t, 1, snap.LegIndex)
	assert.Equal(t, 2, snap.TotalLegs)
}

func TestEngine_SetTimePropagatesToCompanion(t *testing.T) {
	env := newTestEnv(t)
	env.link.SetReachable(true)

	outTime := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	env.primary.RequestSetTime(context.Background(), models.TimeOut, outTime)

	primSnap := env.primary.TripSnapshot()
	require.NotNil(t, primSnap)
	require.NotNil(t, primSnap.CurrentLeg.Out)
	assert.True(t, primSnap.CurrentLeg.Out.Equal(outTime))
	assert.NotEmpty(t, primSnap.LegID)

	compSnap := env.companion.TripSnapshot()
	require.NotNil(t, compSnap)
	require.NotNil(t, compSnap.CurrentLeg.Out)
	assert.True(t, compSnap.CurrentLeg.Out.Equal(outTime))
	assert.Equal(t, primSnap.LegID, compSnap.LegID)
}

func TestEngine_CompanionSetTimeWithoutTripIsRejected(t *testing.T) {
	env := newTestEnv(t)

	env.companion.RequestSetTime(context.Background(), models.TimeOut, time.Now())

	assert.Nil(t, env.companion.TripSnapshot())
	_, pending := env.companion.Status()
	assert.Equal(t, 0, pending)
}

func TestEngine_OfflineEditQueuesAndConverges(t *testing.T) {
	env := newTestEnv(t)
	env.link.SetReachable(true)
	ctx := context.Background()

	outTime := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	env.primary.RequestSetTime(ctx, models.TimeOut, outTime)

	// Линк падает; правка на компаньоне остается provisional и в очереди
	env.link.SetReachable(false)

	offTime := outTime.Add(12 * time.Minute)
	env.companion.RequestSetTime(ctx, models.TimeOff, offTime)

	compSnap := env.companion.TripSnapshot()
	require.NotNil(t, compSnap)
	require.NotNil(t, compSnap.CurrentLeg.Off, "provisional edit must be visible locally")
	assert.True(t, compSnap.CurrentLeg.Off.Equal(offTime))

	primSnap := env.primary.TripSnapshot()
	require.NotNil(t, primSnap)
	assert.Nil(t, primSnap.CurrentLeg.Off, "peer must not see the edit while offline")

	st, pending := env.companion.Status()
	assert.Equal(t, StatusPending, st)
	assert.Equal(t, 1, pending)

	// Восстановление: очередь сливается, primary подтверждает полным снимком
	env.link.SetReachable(true)

	primSnap = env.primary.TripSnapshot()
	require.NotNil(t, primSnap.CurrentLeg.Off)
	assert.True(t, primSnap.CurrentLeg.Off.Equal(offTime))

	env.companion.mu.Lock()
	provisional := env.companion.provisional
	env.companion.mu.Unlock()
	assert.Nil(t, provisional, "confirmation must displace the provisional view")

	compSnap = env.companion.TripSnapshot()
	require.NotNil(t, compSnap.CurrentLeg.Off)
	assert.True(t, compSnap.CurrentLeg.Off.Equal(offTime))

	st, pending = env.companion.Status()
	assert.Equal(t, StatusSynced, st)
	assert.Equal(t, 0, pending)
}

func TestEngine_LatestStateSupersedesWhileOffline(t *testing.T) {
	env := newTestEnv(t)
	env.link.SetReachable(true)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	env.primary.RequestSetTime(ctx, models.TimeOut, base)

	env.link.SetReachable(false)

	// Два подтверждения подряд при лежащем линке: в latest-state канале
	// выживает только последнее
	env.primary.RequestSetTime(ctx, models.TimeOff, base.Add(10*time.Minute))
	env.primary.RequestSetTime(ctx, models.TimeOn, base.Add(2*time.Hour))

	compSnap := env.companion.TripSnapshot()
	require.NotNil(t, compSnap)
	assert.Nil(t, compSnap.CurrentLeg.Off)

	env.link.SetReachable(true)

	compSnap = env.companion.TripSnapshot()
	require.NotNil(t, compSnap)
	require.NotNil(t, compSnap.CurrentLeg.Off)
	require.NotNil(t, compSnap.CurrentLeg.On)
	assert.True(t, compSnap.CurrentLeg.On.Equal(base.Add(2*time.Hour)))

	_, pending := env.primary.Status()
	assert.Equal(t, 0, pending)
}

func TestEngine_LegAdvanceArchivesOnBothDevices(t *testing.T) {
	env := newTestEnv(t)
	env.link.SetReachable(true)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	env.primary.RequestSetTime(ctx, models.TimeOut, base)
	env.seedRoute(t, "KSFO", "KLAX", "UA100")
	env.primary.RequestSetTime(ctx, models.TimeOff, base.Add(10*time.Minute))
	env.primary.RequestSetTime(ctx, models.TimeOn, base.Add(70*time.Minute))
	env.primary.RequestSetTime(ctx, models.TimeIn, base.Add(80*time.Minute))
	env.primary.RequestAddLeg(ctx, "KLAX", "UA101")

	legID := env.primary.TripSnapshot().LegID
	require.NotEmpty(t, legID)

	env.primary.RequestNextLeg(ctx)

	// Обе стороны заархивировали уходящий этап под одним stable id
	require.Equal(t, 1, env.primHist.count())
	require.Equal(t, 1, env.compHist.count())

	archived, err := env.primHist.Get(ctx, legID)
	require.NoError(t, err)
	assert.Equal(t, "KSFO", archived.Departure)
	assert.Equal(t, "KLAX", archived.Arrival)
	assert.Equal(t, "UA100", archived.FlightNumber)
	assert.True(t, archived.Out.Equal(base))

	_, err = env.compHist.Get(ctx, legID)
	require.NoError(t, err)

	// Новый этап: индекс сдвинут, departure унаследован, новый stable id
	for _, snap := range []*models.TripState{
		env.primary.TripSnapshot(),
		env.companion.TripSnapshot(),
	} {
		require.NotNil(t, snap)
		assert.Equal(t, 1, snap.LegIndex)
		assert.Equal(t, 2, snap.TotalLegs)
		assert.Equal(t, "KLAX", snap.CurrentLeg.Departure)
		assert.Nil(t, snap.CurrentLeg.Out)
		assert.NotEmpty(t, snap.LegID)
		assert.NotEqual(t, legID, snap.LegID)
	}
}

func TestEngine_IncompleteLegIsNotArchivedOnAdvance(t *testing.T) {
	env := newTestEnv(t)
	env.link.SetReachable(true)
	ctx := context.Background()

	// Только OUT — этап не complete, архивировать нечего
	env.primary.RequestSetTime(ctx, models.TimeOut, time.Now())
	env.primary.RequestAddLeg(ctx, "KLAX", "UA101")
	env.primary.RequestNextLeg(ctx)

	assert.Equal(t, 0, env.primHist.count())
	assert.Equal(t, 0, env.compHist.count())

	snap := env.primary.TripSnapshot()
	require.NotNil(t, snap)
	assert.Equal(t, 1, snap.LegIndex)
}

func TestEngine_NextLegOnFinalLegOnlyResyncs(t *testing.T) {
	env := newTestEnv(t)
	env.link.SetReachable(true)
	ctx := context.Background()

	env.primary.RequestSetTime(ctx, models.TimeOut, time.Now())
	env.primary.RequestNextLeg(ctx) // единственный этап, двигаться некуда

	snap := env.primary.TripSnapshot()
	require.NotNil(t, snap)
	assert.Equal(t, 0, snap.LegIndex)
	assert.Equal(t, 1, snap.TotalLegs)
	assert.Equal(t, 0, env.primHist.count())
}

func TestEngine_StaleNextLegRequestResyncsInsteadOfAdvancing(t *testing.T) {
	env := newTestEnv(t)
	env.link.SetReachable(true)
	ctx := context.Background()

	env.primary.RequestSetTime(ctx, models.TimeOut, time.Now())
	env.primary.RequestAddLeg(ctx, "KLAX", "UA101")

	// Запрос от взгляда с устаревшим индексом не продвигает этап
	env.primary.HandleMessage(mustMsg(t, wire.TypeRequestNextLeg, wire.RequestNextLeg{
		CurrentLegIndex: 5,
	}))

	snap := env.primary.TripSnapshot()
	require.NotNil(t, snap)
	assert.Equal(t, 0, snap.LegIndex)
}

func TestEngine_DutyFlowAcrossDevices(t *testing.T) {
	env := newTestEnv(t)
	env.link.SetReachable(true)
	ctx := context.Background()

	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	env.companion.RequestStartDuty(ctx, start)

	primDuty := env.primary.DutySnapshot()
	require.True(t, primDuty.IsRunning)
	require.NotNil(t, primDuty.StartInstant)
	assert.True(t, primDuty.StartInstant.Equal(start))

	compDuty := env.companion.DutySnapshot()
	require.True(t, compDuty.IsRunning)
	require.NotNil(t, compDuty.StartInstant, "confirmation must carry the start instant back")
	assert.True(t, compDuty.StartInstant.Equal(start))
	assert.True(t, env.companion.timer.Running())

	env.companion.RequestEndDuty(ctx, start.Add(8*time.Hour))

	primDuty = env.primary.DutySnapshot()
	assert.False(t, primDuty.IsRunning)
	assert.Nil(t, primDuty.StartInstant)

	compDuty = env.companion.DutySnapshot()
	assert.False(t, compDuty.IsRunning)
	assert.Nil(t, compDuty.StartInstant)
	assert.False(t, env.companion.timer.Running())
}

func TestEngine_DutyStartOfflineIsTransientUntilConfirmed(t *testing.T) {
	env := newTestEnv(t)

	env.companion.RequestStartDuty(context.Background(), time.Now())

	// Переходное состояние: running без start instant, таймер не тикает
	duty := env.companion.DutySnapshot()
	assert.True(t, duty.IsRunning)
	assert.Nil(t, duty.StartInstant)
	assert.False(t, duty.Displayable())
	assert.False(t, env.companion.timer.Running())

	env.link.SetReachable(true)

	duty = env.companion.DutySnapshot()
	require.True(t, duty.IsRunning)
	require.NotNil(t, duty.StartInstant)
	assert.True(t, env.companion.timer.Running())
}

func TestEngine_GrantHeldWhileDutyRunsAndReleasedOnStop(t *testing.T) {
	grant := &fakeGrant{}
	env := newTestEnvGrant(t, grant)
	env.link.SetReachable(true)
	ctx := context.Background()

	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	env.companion.RequestStartDuty(ctx, start)

	assert.True(t, grant.isHeld(), "grant must be held while duty is running")
	assert.GreaterOrEqual(t, grant.acquireCount(), 1)

	env.companion.RequestEndDuty(ctx, start.Add(8*time.Hour))

	assert.False(t, grant.isHeld(), "grant must be returned the moment duty stops")
}

func TestEngine_GrantReacquiredOnExpiryWhileRunning(t *testing.T) {
	grant := &fakeGrant{}
	env := newTestEnvGrant(t, grant)
	env.link.SetReachable(true)
	ctx := context.Background()

	env.companion.RequestStartDuty(ctx, time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	require.True(t, grant.isHeld())

	// Платформа отозвала grant посреди смены — движок перезапрашивает
	before := grant.acquireCount()
	grant.expire()

	assert.True(t, grant.isHeld())
	assert.Equal(t, before+1, grant.acquireCount())
}

func TestEngine_GrantNotReacquiredAfterDutyEnds(t *testing.T) {
	grant := &fakeGrant{}
	env := newTestEnvGrant(t, grant)
	env.link.SetReachable(true)
	ctx := context.Background()

	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	env.companion.RequestStartDuty(ctx, start)
	env.companion.RequestEndDuty(ctx, start.Add(8*time.Hour))
	require.False(t, grant.isHeld())

	before := grant.acquireCount()
	grant.expire()

	assert.False(t, grant.isHeld())
	assert.Equal(t, before, grant.acquireCount())
}

func TestEngine_GrantReleasedOnTerminalTripEvent(t *testing.T) {
	grant := &fakeGrant{}
	env := newTestEnvGrant(t, grant)
	env.link.SetReachable(true)
	ctx := context.Background()

	env.companion.RequestStartDuty(ctx, time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	require.True(t, grant.isHeld())

	env.primary.EndTrip(ctx)

	assert.False(t, grant.isHeld(), "terminal trip event must return the grant")
}

func TestEngine_RenderCallbackMayReadEngineState(t *testing.T) {
	lp, _ := transport.NewLoopbackPair()

	// Рендер читает движок обратно из кадра — не должен блокироваться
	var eng *Engine
	duties := make(chan models.DutyState, 8)
	eng = New(Config{
		Channel:   lp,
		History:   newMemHistory(),
		Authority: PrimaryAuthority{},
		Grant:     NoopGrant{},
		Render: func(string) {
			select {
			case duties <- eng.DutySnapshot():
			default:
			}
		},
		Logger: testLogger(),
	})
	defer eng.Close()

	eng.RequestStartDuty(context.Background(), time.Now())

	select {
	case duty := <-duties:
		assert.True(t, duty.IsRunning)
	case <-time.After(time.Second):
		t.Fatal("render frame never arrived")
	}
}

func TestEngine_AuthoritativePeerIgnoresInboundDutyStatus(t *testing.T) {
	env := newTestEnv(t)

	ts := time.Now().Unix()
	env.primary.HandleMessage(mustMsg(t, wire.TypeDutyStatus, wire.DutyStatus{
		IsDutyRunning: true,
		DutyStartTime: &ts,
	}))

	duty := env.primary.DutySnapshot()
	assert.False(t, duty.IsRunning)
	assert.Nil(t, duty.StartInstant)
}

func TestEngine_TerminalEventClearsStateButKeepsHistory(t *testing.T) {
	env := newTestEnv(t)
	env.link.SetReachable(true)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	env.primary.RequestSetTime(ctx, models.TimeOut, base)
	env.seedRoute(t, "KSFO", "KLAX", "UA100")
	env.primary.RequestSetTime(ctx, models.TimeOff, base.Add(10*time.Minute))
	env.primary.RequestSetTime(ctx, models.TimeOn, base.Add(70*time.Minute))
	env.primary.RequestSetTime(ctx, models.TimeIn, base.Add(80*time.Minute))
	env.primary.RequestAddLeg(ctx, "KLAX", "UA101")
	env.primary.RequestNextLeg(ctx)
	env.primary.RequestStartDuty(ctx, base)

	require.Equal(t, 1, env.primHist.count())
	require.Equal(t, 1, env.compHist.count())

	env.primary.EndTrip(ctx)

	for _, e := range []*Engine{env.primary, env.companion} {
		assert.Nil(t, e.TripSnapshot())
		duty := e.DutySnapshot()
		assert.False(t, duty.IsRunning)
		assert.Nil(t, e.TelemetrySnapshot())
	}

	// История переживает завершение трипа
	assert.Equal(t, 1, env.primHist.count())
	assert.Equal(t, 1, env.compHist.count())

	legs, err := env.companion.CompletedLegs(ctx)
	require.NoError(t, err)
	require.Len(t, legs, 1)
	assert.Equal(t, "KSFO", legs[0].Departure)
}

func TestEngine_StartDeduplicatesHistory(t *testing.T) {
	env := newTestEnv(t)

	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	older := &models.CompletedLeg{
		ID:         "legacy-1",
		Departure:  "KSFO",
		Arrival:    "KLAX",
		Out:        base,
		Off:        base.Add(10 * time.Minute),
		On:         base.Add(70 * time.Minute),
		In:         base.Add(80 * time.Minute),
		ArchivedAt: base.Add(90 * time.Minute),
	}
	newer := &models.CompletedLeg{
		ID:         "stable-9",
		Departure:  "KSFO",
		Arrival:    "KLAX",
		Out:        base,
		Off:        base.Add(10 * time.Minute),
		On:         base.Add(70 * time.Minute),
		In:         base.Add(80 * time.Minute),
		ArchivedAt: base.Add(2 * time.Hour),
	}
	env.compHist.legs[older.ID] = older
	env.compHist.legs[newer.ID] = newer

	require.NoError(t, env.companion.Start(context.Background()))

	legs, err := env.companion.CompletedLegs(context.Background())
	require.NoError(t, err)
	require.Len(t, legs, 1)
	assert.Equal(t, "stable-9", legs[0].ID)
}

func TestEngine_TelemetryMergesPartialUpdates(t *testing.T) {
	env := newTestEnv(t)

	speed := 412.0
	altitude := 35000.0
	env.primary.HandleMessage(mustMsg(t, wire.TypeLocationUpdate, wire.LocationUpdate{
		Speed:    &speed,
		Altitude: &altitude,
	}))

	newSpeed := 390.0
	env.primary.HandleMessage(mustMsg(t, wire.TypeLocationUpdate, wire.LocationUpdate{
		Speed:   &newSpeed,
		Airport: "KLAX",
	}))

	tele := env.primary.TelemetrySnapshot()
	require.NotNil(t, tele)
	require.NotNil(t, tele.Speed)
	assert.Equal(t, 390.0, *tele.Speed)
	require.NotNil(t, tele.Altitude, "partial update must not drop earlier fields")
	assert.Equal(t, 35000.0, *tele.Altitude)
	assert.Equal(t, "KLAX", tele.Airport)
}

func TestEngine_LocationUpdateDroppedWhileUnreachable(t *testing.T) {
	env := newTestEnv(t)

	speed := 412.0
	env.companion.SendLocationUpdate(context.Background(), wire.LocationUpdate{Speed: &speed})

	assert.Nil(t, env.primary.TelemetrySnapshot())
	_, pending := env.companion.Status()
	assert.Equal(t, 0, pending, "telemetry must be dropped, not queued")
}

func TestEngine_FBOAlertInvokesNotifier(t *testing.T) {
	lp, _ := transport.NewLoopbackPair()

	var got *wire.FBOAlert
	e := New(Config{
		Channel:   lp,
		History:   newMemHistory(),
		Authority: CompanionAuthority{},
		Grant:     NoopGrant{},
		Notifier:  func(alert wire.FBOAlert) { got = &alert },
		Logger:    testLogger(),
	})
	defer e.Close()

	e.HandleTransfer(mustMsg(t, wire.TypeFBOAlert, wire.FBOAlert{
		AirportCode: "KTEB",
		FBOName:     "Meridian",
		DistanceNM:  3.2,
	}))

	require.NotNil(t, got)
	assert.Equal(t, "KTEB", got.AirportCode)
	assert.Equal(t, "Meridian", got.FBOName)
	assert.Nil(t, e.TripSnapshot(), "advisory alert must not touch trip state")
}

func TestEngine_ZuluPreferencePersistedFromFlightUpdate(t *testing.T) {
	lp, _ := transport.NewLoopbackPair()

	prefs := &memPrefs{}
	e := New(Config{
		Channel:   lp,
		History:   newMemHistory(),
		Prefs:     prefs,
		Authority: CompanionAuthority{},
		Grant:     NoopGrant{},
		Logger:    testLogger(),
	})
	defer e.Close()

	useZulu := true
	e.HandleContext(mustMsg(t, wire.TypeFlightUpdate, wire.FlightUpdate{
		LegIndex:    0,
		TotalLegs:   1,
		UseZuluTime: &useZulu,
		Full:        true,
	}))

	got, err := prefs.GetUseZuluTime(context.Background())
	require.NoError(t, err)
	assert.True(t, got)
}
