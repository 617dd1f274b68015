package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"sensorwatch/internal/anomaly/anomalyapi"
	anomaly "sensorwatch/internal/anomaly/domain"
	"sensorwatch/internal/anomaly/reconcile"
	"sensorwatch/internal/auth"
	"sensorwatch/internal/endpoints"
	"sensorwatch/internal/transport"
)

var errNoToken = fmt.Errorf("fake gate: %w", auth.ErrTokenMissing)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

type fakeGate struct {
	mu      sync.Mutex
	token   string
	cleared int
}

func (g *fakeGate) Load(context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.token == "" {
		return "", errNoToken
	}
	return g.token, nil
}

func (g *fakeGate) Clear(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.token = ""
	g.cleared++
	return nil
}

// stubService is an in-memory anomaly backend.
type stubService struct {
	mu          sync.Mutex
	history     []anomaly.Record
	historyTag  transport.Tag
	historyHook func(call int) ([]anomaly.Record, bool)
	historyCall int
	health      anomaly.ServiceHealth
	resolveTag  transport.Tag
	resolveHook func()
	batchTags   map[string]transport.Tag
	resolved    map[string]bool
	check       anomalyapi.Result[anomalyapi.Detection]
	detected    []any
}

func newStubService() *stubService {
	return &stubService{
		health:   anomaly.ServiceHealth{OverallStatus: anomaly.HealthHealthy, ModelReady: true},
		resolved: map[string]bool{},
	}
}

func (s *stubService) History(_ context.Context, _ string, filter endpoints.HistoryFilter) anomalyapi.Result[anomalyapi.History] {
	s.mu.Lock()
	s.historyCall++
	call := s.historyCall
	hook := s.historyHook
	tag := s.historyTag
	s.mu.Unlock()
	if hook != nil {
		if recs, ok := hook(call); ok {
			return anomalyapi.Result[anomalyapi.History]{Value: anomalyapi.History{Anomalies: recs}, Tag: transport.TagOK}
		}
	}
	if tag != "" && tag != transport.TagOK {
		return anomalyapi.Result[anomalyapi.History]{Value: anomalyapi.History{Anomalies: []anomaly.Record{}}, Tag: tag}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []anomaly.Record{}
	for _, rec := range s.history {
		if filter.Resolved != nil && !*filter.Resolved && s.resolved[rec.ID] {
			continue
		}
		out = append(out, rec)
	}
	return anomalyapi.Result[anomalyapi.History]{Value: anomalyapi.History{Anomalies: out}, Tag: transport.TagOK}
}

func (s *stubService) Stats(context.Context, string, int) anomalyapi.Result[anomaly.Stats] {
	stats := anomaly.EmptyStats()
	stats.TotalAnomalies = 3
	return anomalyapi.Result[anomaly.Stats]{Value: stats, Tag: transport.TagOK}
}

func (s *stubService) Health(context.Context, string) anomalyapi.Result[anomaly.ServiceHealth] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.health.Offline() {
		return anomalyapi.Result[anomaly.ServiceHealth]{Value: s.health, Tag: transport.TagNetwork, Recovered: true}
	}
	return anomalyapi.Result[anomaly.ServiceHealth]{Value: s.health, Tag: transport.TagOK}
}

func (s *stubService) Types(context.Context, string) anomalyapi.Result[anomaly.Catalog] {
	return anomalyapi.Result[anomaly.Catalog]{Value: anomaly.DefaultTypeCatalog(), Tag: transport.TagOK}
}

func (s *stubService) Resolve(_ context.Context, _ string, id, _ string) anomalyapi.Result[struct{}] {
	if s.resolveHook != nil {
		s.resolveHook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tag := s.resolveTag
	if tag == "" {
		tag = transport.TagOK
	}
	if tag == transport.TagOK {
		s.resolved[id] = true
	}
	return anomalyapi.Result[struct{}]{Tag: tag}
}

func (s *stubService) BatchResolve(_ context.Context, _ string, ids []string, _ string) anomalyapi.Result[[]anomalyapi.ItemOutcome] {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]anomalyapi.ItemOutcome, 0, len(ids))
	for _, id := range ids {
		tag, ok := s.batchTags[id]
		if !ok {
			tag = transport.TagOK
		}
		if tag == transport.TagOK {
			s.resolved[id] = true
		}
		out = append(out, anomalyapi.ItemOutcome{ID: id, Tag: tag})
	}
	return anomalyapi.Result[[]anomalyapi.ItemOutcome]{Value: out, Tag: transport.TagOK}
}

func (s *stubService) Detect(_ context.Context, _ string, _ string, sensorData any, _ endpoints.DetectOptions) anomalyapi.Result[anomalyapi.Detection] {
	s.mu.Lock()
	s.detected = append(s.detected, sensorData)
	s.mu.Unlock()
	return s.detection()
}

func (s *stubService) CheckDevice(context.Context, string, string) anomalyapi.Result[anomalyapi.Detection] {
	return s.detection()
}

func (s *stubService) detection() anomalyapi.Result[anomalyapi.Detection] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.check.Tag == "" {
		return anomalyapi.Result[anomalyapi.Detection]{Value: anomalyapi.Detection{}, Tag: transport.TagOK}
	}
	return s.check
}

type stubDevices struct {
	mu        sync.Mutex
	readings  []anomaly.Reading
	readErr   error
	toggleErr error
	toggles   []bool
}

func (d *stubDevices) ListZones(context.Context, string) ([]anomaly.Zone, error) {
	return anomaly.MarkCurrent([]anomaly.Zone{{ID: "z1", Name: "Greenhouse", IsDefault: true}}, ""), nil
}

func (d *stubDevices) ListDevices(context.Context, string, string) ([]anomaly.Device, error) {
	return []anomaly.Device{{ID: "dev-1", Name: "North"}, {ID: "dev-2", Name: "South"}}, nil
}

func (d *stubDevices) Readings(context.Context, string, string, int) ([]anomaly.Reading, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readErr != nil {
		return nil, d.readErr
	}
	return append([]anomaly.Reading(nil), d.readings...), nil
}

func (d *stubDevices) Toggle(_ context.Context, _ string, _ string, enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.toggles = append(d.toggles, enabled)
	return d.toggleErr
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingNotifier) Notify(_ context.Context, event Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recordingNotifier) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	vm       *ViewModel
	gate     *fakeGate
	service  *stubService
	devices  *stubDevices
	notifier *recordingNotifier
}

var now = time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return time.Date(2025, 6, 1, hour, minute, 0, 0, time.UTC)
}

func sample(ts time.Time, temp, hum, battery float64) anomaly.Reading {
	return anomaly.Reading{DeviceID: "dev-1", Timestamp: ts, Temperature: anomaly.Value(temp), Humidity: anomaly.Value(hum), BatteryLevel: anomaly.Value(battery)}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		gate:     &fakeGate{token: "tok"},
		service:  newStubService(),
		devices:  &stubDevices{},
		notifier: &recordingNotifier{},
	}
	vm, err := NewViewModel(h.gate, h.service, h.devices, WithClock(&fakeClock{now: now}), WithNotifier(h.notifier))
	if err != nil {
		t.Fatalf("new view-model: %v", err)
	}
	vm.SelectDevice("z1", "dev-1")
	h.vm = vm
	return h
}

func issueIDs(s State) []string {
	ids := make([]string, 0, len(s.Issues))
	for _, i := range s.Issues {
		ids = append(ids, i.ID)
	}
	return ids
}

func TestInitialState(t *testing.T) {
	h := newHarness(t)
	s := h.vm.State()
	if s.Phase != PhaseLoading || !s.Loading {
		t.Fatalf("expected loading, got %s loading=%v", s.Phase, s.Loading)
	}
	if s.DeviceHealth != reconcile.HealthNormal || s.DataStatus != reconcile.DataNormal || s.WifiStatus != reconcile.WifiConnected || s.BatteryStatus != "unknown" {
		t.Fatalf("unexpected initial statuses %+v", s)
	}
	if len(s.Issues) != 0 {
		t.Fatalf("expected no issues")
	}
}

func TestRefreshQuietDevice(t *testing.T) {
	h := newHarness(t)
	h.devices.readings = []anomaly.Reading{
		sample(at(10, 0), 22, 55, 85),
		sample(at(11, 0), 36, 60, 84),
		sample(at(12, 0), 22, 54, 83),
	}
	if err := h.vm.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	s := h.vm.State()
	if s.Phase != PhaseReady || s.Loading {
		t.Fatalf("expected ready, got %s", s.Phase)
	}
	if len(s.Issues) != 0 || s.DeviceHealth != reconcile.HealthNormal || s.DataStatus != reconcile.DataNormal {
		t.Fatalf("unexpected state %+v", s)
	}
	if s.WifiStatus != reconcile.WifiConnected || s.BatteryStatus != "83%" {
		t.Fatalf("unexpected wifi/battery %s/%s", s.WifiStatus, s.BatteryStatus)
	}
	if s.Stats.TotalAnomalies != 3 || s.ModelStatus.OverallStatus != anomaly.HealthHealthy {
		t.Fatalf("expected stats and health published, got %+v / %+v", s.Stats, s.ModelStatus)
	}
}

func TestRefreshMarksRealtimeIssuesNew(t *testing.T) {
	h := newHarness(t)
	h.devices.readings = []anomaly.Reading{sample(at(12, 0), 41, 60, 83)}
	h.service.history = []anomaly.Record{{ID: "srv-3", DeviceID: "dev-1", Timestamp: at(11, 0), Type: anomaly.TypeLowVoltage, DetectionMethod: anomaly.MethodRuleBased, Severity: anomaly.SeverityMedium}}
	if err := h.vm.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	s := h.vm.State()
	if len(s.Issues) != 2 {
		t.Fatalf("expected two issues, got %v", issueIDs(s))
	}
	if !s.Issues[0].New || s.Issues[0].Type != anomaly.TypeTemperatureHigh || s.Issues[0].Severity != anomaly.SeverityCritical {
		t.Fatalf("expected new critical temperature issue first, got %+v", s.Issues[0])
	}
	if s.Issues[1].New {
		t.Fatalf("expected history issue not new")
	}
	if s.Issues[0].Label == "" {
		t.Fatalf("expected catalog label on issue")
	}
	if s.DeviceHealth != reconcile.HealthCritical || s.DataStatus != reconcile.DataAnomalyDetected {
		t.Fatalf("unexpected statuses %s/%s", s.DeviceHealth, s.DataStatus)
	}
}

func outageHarness(t *testing.T) *harness {
	h := newHarness(t)
	h.devices.readings = []anomaly.Reading{sample(at(12, 0), 0, 0, 10)}
	h.service.history = []anomaly.Record{{
		ID: "srv-1", DeviceID: "dev-1", Timestamp: at(11, 55), Type: anomaly.TypeLowVoltage,
		DetectionMethod: anomaly.MethodRuleBased, Severity: anomaly.SeverityHigh,
	}}
	if err := h.vm.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	return h
}

func TestRefreshOutageAndHistory(t *testing.T) {
	h := outageHarness(t)
	s := h.vm.State()
	if len(s.Issues) != 2 || s.Issues[0].Type != anomaly.TypePowerOutage || s.Issues[1].ID != "srv-1" {
		t.Fatalf("unexpected issues %v", issueIDs(s))
	}
	if s.DeviceHealth != reconcile.HealthCritical {
		t.Fatalf("expected critical, got %s", s.DeviceHealth)
	}
}

func TestLaterRefreshWins(t *testing.T) {
	h := newHarness(t)
	h.devices.readings = []anomaly.Reading{sample(at(12, 0), 22, 55, 80)}
	staleRecord := anomaly.Record{ID: "A", DeviceID: "dev-1", Timestamp: at(11, 0), Type: anomaly.TypeSuddenDrop, Severity: anomaly.SeverityHigh, DetectionMethod: anomaly.MethodRuleBased}

	started := make(chan struct{})
	release := make(chan struct{})
	h.service.historyHook = func(call int) ([]anomaly.Record, bool) {
		if call == 1 {
			close(started)
			<-release
			return []anomaly.Record{staleRecord}, true
		}
		return []anomaly.Record{}, true
	}

	firstDone := make(chan error, 1)
	go func() { firstDone <- h.vm.Refresh(context.Background()) }()
	<-started

	if err := h.vm.Refresh(context.Background()); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	close(release)
	if err := <-firstDone; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected first refresh superseded, got %v", err)
	}
	s := h.vm.State()
	for _, id := range issueIDs(s) {
		if id == "A" {
			t.Fatalf("stale generation leaked issue A")
		}
	}
	if s.Generation != 3 {
		t.Fatalf("expected state from generation 3 (select + two refreshes), got %d", s.Generation)
	}
}

func TestResolveOptimisticThenCommitted(t *testing.T) {
	h := outageHarness(t)
	var during State
	h.service.resolveHook = func() { during = h.vm.State() }

	outcome, err := h.vm.Resolve(context.Background(), "srv-1", "replaced battery")
	if err != nil || outcome.Tag != transport.TagOK || outcome.RolledBack {
		t.Fatalf("unexpected outcome %+v err=%v", outcome, err)
	}
	var flipped bool
	for _, rec := range during.Records {
		if rec.ID == "srv-1" && rec.Resolved && rec.ResolutionNotes == "replaced battery" {
			flipped = true
		}
	}
	if !flipped {
		t.Fatalf("expected optimistic flip visible before the server answered")
	}

	if err := h.vm.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	for _, id := range issueIDs(h.vm.State()) {
		if id == "srv-1" {
			t.Fatalf("resolved issue came back after refresh")
		}
	}
}

func TestResolveRollsBackOnFailure(t *testing.T) {
	h := outageHarness(t)
	h.service.resolveTag = transport.TagServerError

	outcome, err := h.vm.Resolve(context.Background(), "srv-1", "nope")
	if err == nil || !outcome.RolledBack || transport.TagOf(err) != transport.TagServerError {
		t.Fatalf("expected rollback with server_error, got %+v err=%v", outcome, err)
	}
	s := h.vm.State()
	if len(s.Issues) != 2 {
		t.Fatalf("expected issue restored, got %v", issueIDs(s))
	}
	for _, rec := range s.Records {
		if rec.ID == "srv-1" && (rec.Resolved || rec.ResolutionNotes != "") {
			t.Fatalf("expected snapshot restored, got %+v", rec)
		}
	}
	if len(h.notifier.ofType(EventError)) != 1 {
		t.Fatalf("expected one error event")
	}
}

func TestResolveNotFoundKeepsChange(t *testing.T) {
	h := outageHarness(t)
	h.service.resolveTag = transport.TagNotFound
	outageID := h.vm.State().Issues[0].ID

	outcome, err := h.vm.Resolve(context.Background(), outageID, "")
	if err != nil || outcome.RolledBack {
		t.Fatalf("expected kept change, got %+v err=%v", outcome, err)
	}
	if len(h.notifier.ofType(EventInfo)) != 1 {
		t.Fatalf("expected informational event")
	}
	if err := h.vm.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	for _, id := range issueIDs(h.vm.State()) {
		if id == outageID {
			t.Fatalf("client finding reopened after refresh")
		}
	}
}

func TestResolveUnknownIssue(t *testing.T) {
	h := outageHarness(t)
	if _, err := h.vm.Resolve(context.Background(), "missing", ""); !errors.Is(err, ErrIssueNotFound) {
		t.Fatalf("expected ErrIssueNotFound, got %v", err)
	}
}

func TestBatchResolvePartitions(t *testing.T) {
	h := outageHarness(t)
	outageID := h.vm.State().Issues[0].ID
	h.service.batchTags = map[string]transport.Tag{outageID: transport.TagConflict}

	summary, err := h.vm.BatchResolve(context.Background(), []string{"srv-1", outageID, "ghost"}, "bulk")
	if err != nil {
		t.Fatalf("batch resolve: %v", err)
	}
	if len(summary.Committed) != 1 || summary.Committed[0] != "srv-1" {
		t.Fatalf("unexpected committed %v", summary.Committed)
	}
	if len(summary.RolledBack) != 1 || summary.RolledBack[0] != outageID {
		t.Fatalf("unexpected rolled back %v", summary.RolledBack)
	}
	if len(summary.Outcomes) != 3 {
		t.Fatalf("expected an outcome per id, got %+v", summary.Outcomes)
	}
	ids := issueIDs(h.vm.State())
	if len(ids) != 1 || ids[0] != outageID {
		t.Fatalf("expected only the failed issue left open, got %v", ids)
	}
}

func TestMissingTokenIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.gate.token = ""
	if err := h.vm.Refresh(context.Background()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if s := h.vm.State(); s.Phase != PhaseUnauthenticated || s.Loading {
		t.Fatalf("expected unauthenticated state, got %+v", s)
	}
	h.gate.token = "fresh"
	if err := h.vm.Refresh(context.Background()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected no further refreshes, got %v", err)
	}
	if h.service.historyCall != 0 {
		t.Fatalf("expected no fetches after unauthenticated, got %d", h.service.historyCall)
	}
	if len(h.notifier.ofType(EventUnauthenticated)) != 1 {
		t.Fatalf("expected one unauthenticated event")
	}
}

func TestUnauthenticatedResponseClearsToken(t *testing.T) {
	h := newHarness(t)
	h.service.historyTag = transport.TagUnauthenticated
	if err := h.vm.Refresh(context.Background()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if h.gate.cleared != 1 {
		t.Fatalf("expected token cleared once, got %d", h.gate.cleared)
	}
	if h.vm.HasSelection() {
		t.Fatalf("expected no active selection after session end")
	}
}

func TestRefreshSurvivesDegradedDependencies(t *testing.T) {
	h := newHarness(t)
	h.devices.readErr = &transport.Error{Tag: transport.TagTimeout}
	h.service.historyTag = transport.TagBadRequest
	h.service.health = anomaly.OfflineHealth()
	if err := h.vm.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	s := h.vm.State()
	if s.Phase != PhaseReady || len(s.Issues) != 0 {
		t.Fatalf("expected rendered empty state, got %+v", s)
	}
	if s.DeviceHealth != reconcile.HealthNormal || s.DataStatus != reconcile.DataNormal {
		t.Fatalf("unexpected statuses %s/%s", s.DeviceHealth, s.DataStatus)
	}
	if !s.ModelStatus.Offline() || !s.ModelStatus.ModelReady {
		t.Fatalf("expected offline banner with model ready, got %+v", s.ModelStatus)
	}
	if s.Message == "" {
		t.Fatalf("expected a summarised message")
	}
	if len(h.notifier.ofType(EventOffline)) != 1 {
		t.Fatalf("expected offline event")
	}
}

func TestToggleSensorRevertsOnFailure(t *testing.T) {
	h := newHarness(t)
	if err := h.vm.ToggleSensor(context.Background(), false); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if h.vm.State().SensorEnabled {
		t.Fatalf("expected sensor disabled")
	}
	h.devices.toggleErr = &transport.Error{Tag: transport.TagServerError, Status: 500}
	if err := h.vm.ToggleSensor(context.Background(), true); err == nil {
		t.Fatalf("expected toggle error")
	}
	if h.vm.State().SensorEnabled {
		t.Fatalf("expected revert to disabled")
	}
	if len(h.devices.toggles) != 2 {
		t.Fatalf("expected two toggle calls, got %v", h.devices.toggles)
	}
}

func TestLoadSelectionPicksFirstDevice(t *testing.T) {
	gate := &fakeGate{token: "tok"}
	vm, err := NewViewModel(gate, newStubService(), &stubDevices{})
	if err != nil {
		t.Fatalf("new view-model: %v", err)
	}
	if vm.HasSelection() {
		t.Fatalf("expected no selection before load")
	}
	if err := vm.LoadSelection(context.Background()); err != nil {
		t.Fatalf("load selection: %v", err)
	}
	s := vm.State()
	if s.ZoneID != "z1" || s.DeviceID != "dev-1" || !vm.HasSelection() {
		t.Fatalf("unexpected selection %s/%s", s.ZoneID, s.DeviceID)
	}
}

// flakyStore fails the next Get calls the way an unreachable Redis or
// Postgres would.
type flakyStore struct {
	*auth.MemoryStore
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return "", false, errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
	}
	f.mu.Unlock()
	return f.MemoryStore.Get(ctx, key)
}

func (f *flakyStore) failNext(n int) {
	f.mu.Lock()
	f.failures = n
	f.mu.Unlock()
}

func TestTokenStoreFailureKeepsSession(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: auth.NewMemoryStore()}
	if err := store.Set(ctx, auth.TokenKey, "tok"); err != nil {
		t.Fatalf("seed token: %v", err)
	}
	gate, err := auth.NewGate(store, &fakeClock{now: now}, nil)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	notifier := &recordingNotifier{}
	devices := &stubDevices{readings: []anomaly.Reading{sample(at(12, 0), 22, 55, 80)}}
	vm, err := NewViewModel(gate, newStubService(), devices, WithClock(&fakeClock{now: now}), WithNotifier(notifier))
	if err != nil {
		t.Fatalf("new view-model: %v", err)
	}
	vm.SelectDevice("z1", "dev-1")

	store.failNext(1)
	err = vm.Refresh(ctx)
	if !errors.Is(err, ErrTokenUnavailable) || errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrTokenUnavailable, got %v", err)
	}
	if s := vm.State(); s.Phase == PhaseUnauthenticated || s.Loading || s.Message == "" {
		t.Fatalf("expected a live screen with a message, got %+v", s)
	}
	if token, ok, _ := store.MemoryStore.Get(ctx, auth.TokenKey); !ok || token != "tok" {
		t.Fatalf("expected stored token kept, got %q ok=%v", token, ok)
	}
	if len(notifier.ofType(EventError)) != 1 || len(notifier.ofType(EventUnauthenticated)) != 0 {
		t.Fatalf("expected one error event and no sign-out, got %+v", notifier.events)
	}

	if err := vm.Refresh(ctx); err != nil {
		t.Fatalf("refresh after store recovered: %v", err)
	}
	if vm.State().Phase != PhaseReady {
		t.Fatalf("expected ready after recovery, got %s", vm.State().Phase)
	}

	store.failNext(1)
	outcome, err := vm.Resolve(ctx, "anything", "")
	if !errors.Is(err, ErrTokenUnavailable) || outcome.Tag == transport.TagUnauthenticated {
		t.Fatalf("expected resolve to report the store failure, got %+v err=%v", outcome, err)
	}
	if vm.Unauthenticated() {
		t.Fatalf("store failure during resolve ended the session")
	}
}

// slowGate holds its first Load until the caller's context ends.
type slowGate struct {
	fakeGate
	started chan struct{}
	loads   int
}

func (g *slowGate) Load(ctx context.Context) (string, error) {
	g.mu.Lock()
	g.loads++
	first := g.loads == 1
	g.mu.Unlock()
	if first {
		close(g.started)
		<-ctx.Done()
		return "", fmt.Errorf("redis get token: %w", ctx.Err())
	}
	return g.fakeGate.Load(ctx)
}

func TestSupersededDuringTokenLoad(t *testing.T) {
	gate := &slowGate{fakeGate: fakeGate{token: "tok"}, started: make(chan struct{})}
	vm, err := NewViewModel(gate, newStubService(), &stubDevices{}, WithClock(&fakeClock{now: now}))
	if err != nil {
		t.Fatalf("new view-model: %v", err)
	}
	vm.SelectDevice("z1", "dev-1")

	first := make(chan error, 1)
	go func() { first <- vm.Refresh(context.Background()) }()
	<-gate.started

	if err := vm.Refresh(context.Background()); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if err := <-first; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected first refresh superseded, got %v", err)
	}
	if vm.Unauthenticated() {
		t.Fatalf("superseded token load ended the session")
	}
	gate.mu.Lock()
	cleared := gate.cleared
	gate.mu.Unlock()
	if cleared != 0 {
		t.Fatalf("expected token kept, cleared %d times", cleared)
	}
}

func mlHit() anomaly.Record {
	return anomaly.Record{Timestamp: at(12, 0), Type: anomaly.TypeMLDetected, DetectionMethod: anomaly.MethodMLBased, Severity: anomaly.SeverityMedium, Details: "model score 0.64"}
}

func TestCheckDeviceFeedsServerHits(t *testing.T) {
	h := newHarness(t)
	h.devices.readings = []anomaly.Reading{sample(at(12, 0), 22, 55, 80)}
	if err := h.vm.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if h.vm.State().DataStatus != reconcile.DataNormal {
		t.Fatalf("expected normal data before the check")
	}

	h.service.check = anomalyapi.Result[anomalyapi.Detection]{
		Tag:   transport.TagOK,
		Value: anomalyapi.Detection{MLHits: []anomaly.Record{mlHit()}},
	}
	if _, err := h.vm.CheckDevice(context.Background()); err != nil {
		t.Fatalf("check device: %v", err)
	}
	s := h.vm.State()
	if len(s.Issues) != 1 || s.Issues[0].DeviceID != "dev-1" || s.Issues[0].ID == "" {
		t.Fatalf("expected the ml hit as an issue, got %+v", s.Issues)
	}
	if s.DataStatus != reconcile.DataAnomalyDetected || s.Summary.MLIssues != 1 {
		t.Fatalf("expected ml finding to flag the data, got %s %+v", s.DataStatus, s.Summary)
	}
	if len(h.notifier.ofType(EventInfo)) != 1 {
		t.Fatalf("expected a check summary event")
	}

	if err := h.vm.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := issueIDs(h.vm.State()); len(got) != 1 {
		t.Fatalf("expected check hits kept across refresh, got %v", got)
	}

	h.vm.SelectDevice("z1", "dev-2")
	if len(h.vm.State().Issues) != 0 {
		t.Fatalf("expected check hits dropped on device change")
	}
}

func TestCheckDeviceRateLimited(t *testing.T) {
	h := outageHarness(t)
	before := issueIDs(h.vm.State())
	h.service.check = anomalyapi.Result[anomalyapi.Detection]{Tag: transport.TagRateLimited, Message: "slow down"}

	_, err := h.vm.CheckDevice(context.Background())
	if transport.TagOf(err) != transport.TagRateLimited {
		t.Fatalf("expected rate_limited, got %v", err)
	}
	events := h.notifier.ofType(EventError)
	if len(events) != 1 || events[0].Tag != transport.TagRateLimited {
		t.Fatalf("expected a rate_limited event, got %+v", events)
	}
	if h.vm.Unauthenticated() || len(issueIDs(h.vm.State())) != len(before) {
		t.Fatalf("rate limit changed the screen")
	}
}

func TestDetectLatestSubmitsFreshestReading(t *testing.T) {
	h := newHarness(t)
	if _, err := h.vm.DetectLatest(context.Background(), endpoints.DetectOptions{Method: "hybrid"}); !errors.Is(err, ErrNoReadings) {
		t.Fatalf("expected ErrNoReadings before a refresh, got %v", err)
	}
	h.devices.readings = []anomaly.Reading{sample(at(11, 0), 22, 55, 81), sample(at(12, 0), 23, 56, 80)}
	if err := h.vm.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	h.service.check = anomalyapi.Result[anomalyapi.Detection]{
		Tag:   transport.TagOK,
		Value: anomalyapi.Detection{RuleHits: []anomaly.Record{{ID: "srv-9", DeviceID: "dev-1", Timestamp: at(12, 0), Type: anomaly.TypeVPDTooLow, DetectionMethod: anomaly.MethodRuleBased, Severity: anomaly.SeverityMedium}}},
	}
	if _, err := h.vm.DetectLatest(context.Background(), endpoints.DetectOptions{Method: "hybrid"}); err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(h.service.detected) != 1 {
		t.Fatalf("expected one detect call, got %d", len(h.service.detected))
	}
	reading, ok := h.service.detected[0].(anomaly.Reading)
	if !ok || !reading.Timestamp.Equal(at(12, 0)) {
		t.Fatalf("expected the freshest reading submitted, got %+v", h.service.detected[0])
	}
	if ids := issueIDs(h.vm.State()); len(ids) != 1 || ids[0] != "srv-9" {
		t.Fatalf("expected detected issue, got %v", ids)
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	states []State
}

func (r *recordingObserver) Published(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recordingObserver) last() (State, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return State{}, 0
	}
	return r.states[len(r.states)-1], len(r.states)
}

func TestObserversAndNotifiersReceiveEverything(t *testing.T) {
	observer := &recordingObserver{}
	first, second := &recordingNotifier{}, &recordingNotifier{}
	gate := &fakeGate{token: "tok"}
	vm, err := NewViewModel(gate, newStubService(), &stubDevices{},
		WithClock(&fakeClock{now: now}),
		WithNotifier(first), WithNotifier(nil), WithNotifier(second),
		WithObserver(observer),
	)
	if err != nil {
		t.Fatalf("new view-model: %v", err)
	}
	vm.SelectDevice("z1", "dev-1")
	if err := vm.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	last, count := observer.last()
	if count < 3 || last.Phase != PhaseReady || last.Loading || last.Generation != vm.State().Generation {
		t.Fatalf("expected select, loading and ready states, got %d last=%+v", count, last)
	}

	vm.Unauthenticate(context.Background(), "test")
	if len(first.ofType(EventUnauthenticated)) != 1 || len(second.ofType(EventUnauthenticated)) != 1 {
		t.Fatalf("expected both notifiers to see the sign-out")
	}
	if last, _ := observer.last(); last.Phase != PhaseUnauthenticated {
		t.Fatalf("expected unauthenticated state published, got %s", last.Phase)
	}
}
