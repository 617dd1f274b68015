package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"sensorwatch/internal/anomaly/anomalyapi"
	"sensorwatch/internal/anomaly/detector"
	anomaly "sensorwatch/internal/anomaly/domain"
	"sensorwatch/internal/anomaly/reconcile"
	"sensorwatch/internal/auth"
	"sensorwatch/internal/endpoints"
	"sensorwatch/internal/observability/metrics"
	"sensorwatch/internal/transport"
)

// TokenGate hands out the bearer token. Load fails with auth.ErrTokenMissing
// when no usable token exists; any other error is a store failure.
type TokenGate interface {
	Load(ctx context.Context) (string, error)
	Clear(ctx context.Context) error
}

// AnomalyService is the anomaly API as the view-model uses it.
type AnomalyService interface {
	History(ctx context.Context, token string, filter endpoints.HistoryFilter) anomalyapi.Result[anomalyapi.History]
	Stats(ctx context.Context, token string, days int) anomalyapi.Result[anomaly.Stats]
	Health(ctx context.Context, token string) anomalyapi.Result[anomaly.ServiceHealth]
	Types(ctx context.Context, token string) anomalyapi.Result[anomaly.Catalog]
	Resolve(ctx context.Context, token, anomalyID, notes string) anomalyapi.Result[struct{}]
	BatchResolve(ctx context.Context, token string, ids []string, notes string) anomalyapi.Result[[]anomalyapi.ItemOutcome]
	Detect(ctx context.Context, token, deviceID string, sensorData any, options endpoints.DetectOptions) anomalyapi.Result[anomalyapi.Detection]
	CheckDevice(ctx context.Context, token, deviceID string) anomalyapi.Result[anomalyapi.Detection]
}

// DeviceSource reads zones, devices and readings.
type DeviceSource interface {
	ListZones(ctx context.Context, token string) ([]anomaly.Zone, error)
	ListDevices(ctx context.Context, token, zoneID string) ([]anomaly.Device, error)
	Readings(ctx context.Context, token, deviceID string, limit int) ([]anomaly.Reading, error)
	Toggle(ctx context.Context, token, deviceID string, enabled bool) error
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// Settings tunes how much data one refresh pulls.
type Settings struct {
	ReadingsLimit   int
	BasicPassWindow int
	HistoryLimit    int
	StatsDays       int
}

// DefaultSettings mirrors the mobile client.
func DefaultSettings() Settings {
	return Settings{ReadingsLimit: 20, BasicPassWindow: 10, HistoryLimit: 5, StatsDays: 7}
}

// Phase is the lifecycle of the view.
type Phase string

const (
	PhaseLoading         Phase = "loading"
	PhaseReady           Phase = "ready"
	PhaseUnauthenticated Phase = "unauthenticated"
)

// Issue is one row of the issue list.
type Issue struct {
	anomaly.Record
	New    bool   `json:"is_new"`
	Label  string `json:"label"`
	Action string `json:"action,omitempty"`
}

// State is the observable screen state. Every field of one refresh is
// published together.
type State struct {
	Phase         Phase                  `json:"phase"`
	Loading       bool                   `json:"loading"`
	Generation    uint64                 `json:"generation"`
	ZoneID        string                 `json:"zone_id,omitempty"`
	DeviceID      string                 `json:"device_id,omitempty"`
	SensorEnabled bool                   `json:"sensor_enabled"`
	DeviceHealth  reconcile.DeviceHealth `json:"device_health"`
	DataStatus    reconcile.DataStatus   `json:"data_status"`
	WifiStatus    reconcile.WifiStatus   `json:"wifi_status"`
	BatteryStatus string                 `json:"battery_status"`
	ModelStatus   anomaly.ServiceHealth  `json:"model_status"`
	Stats         anomaly.Stats          `json:"stats"`
	Issues        []Issue                `json:"issues"`
	Records       []anomaly.Record       `json:"records"`
	Summary       reconcile.Summary      `json:"summary"`
	Message       string                 `json:"message,omitempty"`
	UpdatedAt     time.Time              `json:"updated_at,omitempty"`
}

func initialState() State {
	return State{
		Phase:         PhaseLoading,
		Loading:       true,
		SensorEnabled: true,
		DeviceHealth:  reconcile.HealthNormal,
		DataStatus:    reconcile.DataNormal,
		WifiStatus:    reconcile.WifiConnected,
		BatteryStatus: reconcile.BatteryUnknown,
		Stats:         anomaly.EmptyStats(),
		Issues:        []Issue{},
		Records:       []anomaly.Record{},
		Summary:       reconcile.Summarize(nil),
	}
}

// ViewModel owns the status screen state and orchestrates refreshes.
type ViewModel struct {
	gate      TokenGate
	anomalies AnomalyService
	devices   DeviceSource
	clock     Clock
	logger    *log.Logger
	notifier  EventNotifier
	notifiers []EventNotifier
	observers []StateObserver
	settings  Settings
	resolver  *Workflow

	mu         sync.Mutex
	state      State
	generation uint64
	cancel     context.CancelFunc
	readings   []anomaly.Reading
	realtime   map[string]bool
	pending    map[string]string
	resolved   map[string]string
	catalog    anomaly.Catalog
	offline    bool

	// The bag of the last applied refresh plus the latest server check.
	realtimeHits []anomaly.Record
	basicHits    []anomaly.Record
	history      []anomaly.Record
	checked      []anomaly.Record
}

// Option configures the view-model.
type Option func(*ViewModel)

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(vm *ViewModel) {
		if clock != nil {
			vm.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(vm *ViewModel) {
		vm.logger = logger
	}
}

// WithNotifier adds an event notifier. Notifiers see events in the order
// they were added.
func WithNotifier(notifier EventNotifier) Option {
	return func(vm *ViewModel) {
		if notifier != nil {
			vm.notifiers = append(vm.notifiers, notifier)
		}
	}
}

// WithObserver adds a receiver for published states.
func WithObserver(observer StateObserver) Option {
	return func(vm *ViewModel) {
		if observer != nil {
			vm.observers = append(vm.observers, observer)
		}
	}
}

// WithSettings overrides fetch sizes; zero fields keep their defaults.
func WithSettings(settings Settings) Option {
	return func(vm *ViewModel) {
		if settings.ReadingsLimit > 0 {
			vm.settings.ReadingsLimit = settings.ReadingsLimit
		}
		if settings.BasicPassWindow > 0 {
			vm.settings.BasicPassWindow = settings.BasicPassWindow
		}
		if settings.HistoryLimit > 0 {
			vm.settings.HistoryLimit = settings.HistoryLimit
		}
		if settings.StatsDays > 0 {
			vm.settings.StatsDays = settings.StatsDays
		}
	}
}

// NewViewModel constructs a view-model in the loading state.
func NewViewModel(gate TokenGate, anomalies AnomalyService, devices DeviceSource, opts ...Option) (*ViewModel, error) {
	if gate == nil {
		return nil, errors.New("status: nil token gate")
	}
	if anomalies == nil {
		return nil, errors.New("status: nil anomaly service")
	}
	if devices == nil {
		return nil, errors.New("status: nil device source")
	}
	vm := &ViewModel{
		gate:      gate,
		anomalies: anomalies,
		devices:   devices,
		clock:     systemClock{},
		settings:  DefaultSettings(),
		state:     initialState(),
		realtime:  map[string]bool{},
		pending:   map[string]string{},
		resolved:  map[string]string{},
		catalog:   anomaly.DefaultTypeCatalog(),
	}
	for _, opt := range opts {
		opt(vm)
	}
	vm.notifier = fanout(vm.notifiers)
	vm.resolver = newWorkflow(anomalies, vm, vm.notifier, vm.clock)
	return vm, nil
}

// State returns a copy of the current state.
func (vm *ViewModel) State() State {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.copyStateLocked()
}

// HasSelection reports whether a zone and a device are selected.
func (vm *ViewModel) HasSelection() bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.state.ZoneID != "" && vm.state.DeviceID != "" && vm.state.Phase != PhaseUnauthenticated
}

// Unauthenticated reports whether the session has ended.
func (vm *ViewModel) Unauthenticated() bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.state.Phase == PhaseUnauthenticated
}

// SelectDevice switches the screen to another device. Any refresh in flight
// for the previous device is superseded.
func (vm *ViewModel) SelectDevice(zoneID, deviceID string) {
	vm.mu.Lock()
	if vm.state.Phase == PhaseUnauthenticated || (vm.state.ZoneID == zoneID && vm.state.DeviceID == deviceID) {
		vm.mu.Unlock()
		return
	}
	vm.generation++
	if vm.cancel != nil {
		vm.cancel()
		vm.cancel = nil
	}
	next := initialState()
	next.Generation = vm.generation
	next.ZoneID = zoneID
	next.DeviceID = deviceID
	vm.state = next
	vm.readings = nil
	vm.realtime = map[string]bool{}
	vm.realtimeHits, vm.basicHits, vm.history, vm.checked = nil, nil, nil, nil
	vm.mu.Unlock()
	vm.publish()
}

// LoadSelection picks the current zone and its first device, and refreshes
// the type catalog.
func (vm *ViewModel) LoadSelection(ctx context.Context) error {
	token, err := vm.Token(ctx)
	if err != nil {
		return err
	}
	catalog := vm.anomalies.Types(ctx, token)
	if catalog.Unauthenticated() {
		vm.Unauthenticate(ctx, "anomaly types")
		return ErrUnauthenticated
	}
	vm.mu.Lock()
	vm.catalog = catalog.Value
	vm.mu.Unlock()

	zones, err := vm.devices.ListZones(ctx, token)
	if err != nil {
		return vm.deviceError(ctx, "list zones", err)
	}
	zone, ok := anomaly.CurrentZone(zones)
	if !ok {
		vm.logf("status selection empty: no zones")
		return nil
	}
	devices, err := vm.devices.ListDevices(ctx, token, zone.ID)
	if err != nil {
		return vm.deviceError(ctx, "list devices", err)
	}
	if len(devices) == 0 {
		vm.logf("status selection empty: zone=%s has no devices", zone.ID)
		vm.SelectDevice(zone.ID, "")
		return nil
	}
	vm.SelectDevice(zone.ID, devices[0].ID)
	return nil
}

type fetched struct {
	readings    []anomaly.Reading
	history     []anomaly.Record
	stats       anomaly.Stats
	health      anomaly.ServiceHealth
	problems    []string
	readingsErr error
}

var errSessionEnded = errors.New("status: session ended during refresh")

// Refresh pulls readings, history, stats and health in parallel, runs the
// detectors and publishes the reconciled state. A refresh started later
// always wins: earlier ones are cancelled and their results dropped.
func (vm *ViewModel) Refresh(ctx context.Context) error {
	start := vm.clock.Now()

	vm.mu.Lock()
	if vm.state.Phase == PhaseUnauthenticated {
		vm.mu.Unlock()
		return ErrUnauthenticated
	}
	vm.generation++
	gen := vm.generation
	if vm.cancel != nil {
		vm.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	vm.cancel = cancel
	deviceID := vm.state.DeviceID
	vm.state.Loading = true
	vm.mu.Unlock()
	defer cancel()
	vm.publish()

	token, err := vm.gate.Load(ctx)
	if err != nil {
		return vm.tokenFailed(ctx, gen, deviceID, start, err)
	}

	data, err := vm.fetch(ctx, token, deviceID)
	if errors.Is(err, errSessionEnded) {
		if !vm.current(gen) {
			metrics.ObserveRefresh(metrics.RefreshStale, vm.clock.Now().Sub(start))
			return ErrSuperseded
		}
		vm.Unauthenticate(ctx, "refresh")
		metrics.ObserveRefresh(metrics.RefreshUnauthenticated, vm.clock.Now().Sub(start))
		return ErrUnauthenticated
	}

	realtime, basic := vm.detect(data.readings)

	vm.mu.Lock()
	if gen != vm.generation {
		current := vm.generation
		vm.mu.Unlock()
		vm.logf("status refresh discarded: generation=%d current=%d", gen, current)
		metrics.ObserveRefresh(metrics.RefreshStale, vm.clock.Now().Sub(start))
		return ErrSuperseded
	}
	if err := ctx.Err(); err != nil {
		// The caller gave up; keep what is on screen.
		vm.state.Loading = false
		vm.cancel = nil
		vm.mu.Unlock()
		vm.publish()
		metrics.ObserveRefresh(metrics.RefreshStale, vm.clock.Now().Sub(start))
		return err
	}
	vm.readings = data.readings
	vm.realtimeHits, vm.basicHits, vm.history = realtime, basic, data.history
	out := reconcile.Reconcile(vm.inputLocked())
	vm.realtime = make(map[string]bool, len(realtime))
	for _, rec := range realtime {
		vm.realtime[rec.ID] = true
	}
	vm.applyLocked(out)
	vm.state.Phase = PhaseReady
	vm.state.Loading = false
	vm.state.Generation = gen
	vm.state.Stats = data.stats
	vm.state.ModelStatus = data.health
	vm.state.Message = strings.Join(data.problems, "; ")
	vm.state.UpdatedAt = vm.clock.Now().UTC()
	vm.cancel = nil
	wentOffline := data.health.Offline() && !vm.offline
	vm.offline = data.health.Offline()
	vm.mu.Unlock()
	vm.publish()

	if wentOffline {
		vm.notify(ctx, Event{Type: EventOffline, DeviceID: deviceID, Message: "anomaly service offline"})
	}
	if len(data.problems) > 0 {
		vm.notify(ctx, Event{Type: EventError, DeviceID: deviceID, Message: strings.Join(data.problems, "; ")})
	}
	result := metrics.RefreshApplied
	if data.readingsErr != nil {
		result = metrics.RefreshError
	}
	metrics.ObserveRefresh(result, vm.clock.Now().Sub(start))
	return nil
}

// tokenFailed settles a refresh whose token could not be loaded. Only a
// missing token ends the session; a store failure keeps the screen and the
// stored token.
func (vm *ViewModel) tokenFailed(ctx context.Context, gen uint64, deviceID string, start time.Time, err error) error {
	missing := errors.Is(err, auth.ErrTokenMissing)
	vm.mu.Lock()
	if gen != vm.generation {
		vm.mu.Unlock()
		metrics.ObserveRefresh(metrics.RefreshStale, vm.clock.Now().Sub(start))
		return ErrSuperseded
	}
	if !missing {
		vm.state.Loading = false
		vm.cancel = nil
		if ctx.Err() == nil {
			vm.state.Message = "credential store unavailable"
		}
	}
	vm.mu.Unlock()

	if missing {
		vm.Unauthenticate(ctx, "token: "+err.Error())
		metrics.ObserveRefresh(metrics.RefreshUnauthenticated, vm.clock.Now().Sub(start))
		return ErrUnauthenticated
	}
	vm.publish()
	if ctxErr := ctx.Err(); ctxErr != nil {
		metrics.ObserveRefresh(metrics.RefreshStale, vm.clock.Now().Sub(start))
		return ctxErr
	}
	vm.logf("status token load error: device=%s err=%v", deviceID, err)
	vm.notify(ctx, Event{Type: EventError, DeviceID: deviceID, Message: "credential store unavailable"})
	metrics.ObserveRefresh(metrics.RefreshError, vm.clock.Now().Sub(start))
	return fmt.Errorf("%w: %w", ErrTokenUnavailable, err)
}

// CancelRefresh abandons the refresh in flight and reports whether there was
// one. Its results are dropped.
func (vm *ViewModel) CancelRefresh() bool {
	vm.mu.Lock()
	if vm.cancel == nil {
		vm.mu.Unlock()
		return false
	}
	vm.generation++
	vm.cancel()
	vm.cancel = nil
	vm.state.Loading = false
	vm.mu.Unlock()
	vm.publish()
	return true
}

// fetch runs the four calls concurrently. Only an expired session aborts the
// group; every other failure has already been replaced by a fallback.
func (vm *ViewModel) fetch(ctx context.Context, token, deviceID string) (fetched, error) {
	data := fetched{stats: anomaly.EmptyStats(), health: anomaly.OfflineHealth()}
	var readingsProblem, historyProblem, statsProblem string

	g, gctx := errgroup.WithContext(ctx)
	if deviceID != "" {
		g.Go(func() error {
			readings, err := vm.devices.Readings(gctx, token, deviceID, vm.settings.ReadingsLimit)
			if err != nil {
				if transport.TagOf(err) == transport.TagUnauthenticated {
					return errSessionEnded
				}
				data.readingsErr = err
				readingsProblem = fmt.Sprintf("sensor data unavailable (%s)", transport.TagOf(err))
				return nil
			}
			data.readings = readings
			return nil
		})
		g.Go(func() error {
			res := vm.anomalies.History(gctx, token, endpoints.Unresolved(deviceID, vm.settings.HistoryLimit))
			if res.Unauthenticated() {
				return errSessionEnded
			}
			if err := res.Err(); err != nil {
				vm.logf("status history error: device=%s err=%v", deviceID, err)
				historyProblem = fmt.Sprintf("anomaly history unavailable (%s)", res.Tag)
			}
			data.history = res.Value.Anomalies
			return nil
		})
	}
	g.Go(func() error {
		res := vm.anomalies.Stats(gctx, token, vm.settings.StatsDays)
		if res.Unauthenticated() {
			return errSessionEnded
		}
		if err := res.Err(); err != nil {
			statsProblem = fmt.Sprintf("anomaly stats unavailable (%s)", res.Tag)
		}
		data.stats = res.Value
		return nil
	})
	g.Go(func() error {
		res := vm.anomalies.Health(gctx, token)
		if res.Unauthenticated() {
			return errSessionEnded
		}
		data.health = res.Value
		return nil
	})
	if err := g.Wait(); err != nil {
		return data, err
	}
	for _, p := range []string{readingsProblem, historyProblem, statsProblem} {
		if p != "" {
			data.problems = append(data.problems, p)
		}
	}
	return data, nil
}

// detect runs the rule detector on the freshest reading and the basic pass
// over the trailing window.
func (vm *ViewModel) detect(readings []anomaly.Reading) (realtime, basic []anomaly.Record) {
	if len(readings) == 0 {
		return nil, nil
	}
	latest, _ := anomaly.Latest(readings)
	realtime = detector.Detect(latest)
	window := readings
	if n := vm.settings.BasicPassWindow; n > 0 && len(window) > n {
		window = window[len(window)-n:]
	}
	return realtime, detector.BasicIssues(window)
}

// ToggleSensor flips the sensor optimistically and reverts when the server
// does not acknowledge.
func (vm *ViewModel) ToggleSensor(ctx context.Context, enabled bool) error {
	token, err := vm.Token(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	deviceID := vm.state.DeviceID
	if deviceID == "" {
		vm.mu.Unlock()
		return ErrNoDevice
	}
	previous := vm.state.SensorEnabled
	vm.state.SensorEnabled = enabled
	vm.mu.Unlock()
	vm.publish()

	err = vm.devices.Toggle(ctx, token, deviceID, enabled)
	if err == nil {
		return nil
	}
	vm.mu.Lock()
	if vm.state.DeviceID == deviceID && vm.state.SensorEnabled == enabled {
		vm.state.SensorEnabled = previous
	}
	vm.mu.Unlock()
	vm.publish()
	if transport.TagOf(err) == transport.TagUnauthenticated {
		vm.Unauthenticate(ctx, "toggle sensor")
		return ErrUnauthenticated
	}
	vm.notify(ctx, Event{Type: EventError, DeviceID: deviceID, Tag: transport.TagOf(err), Message: "sensor toggle failed"})
	return err
}

// Resolve marks one issue resolved.
func (vm *ViewModel) Resolve(ctx context.Context, issueID, notes string) (Outcome, error) {
	return vm.resolver.Resolve(ctx, issueID, notes)
}

// BatchResolve resolves several issues and reports which ones stuck.
func (vm *ViewModel) BatchResolve(ctx context.Context, ids []string, notes string) (BatchSummary, error) {
	return vm.resolver.BatchResolve(ctx, ids, notes)
}

// Token returns the bearer token. A missing token ends the session with
// ErrUnauthenticated; a store failure yields ErrTokenUnavailable.
func (vm *ViewModel) Token(ctx context.Context) (string, error) {
	if vm.Unauthenticated() {
		return "", ErrUnauthenticated
	}
	token, err := vm.gate.Load(ctx)
	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, auth.ErrTokenMissing):
		vm.Unauthenticate(ctx, "token: "+err.Error())
		return "", ErrUnauthenticated
	}
	vm.logf("status token load error: %v", err)
	return "", fmt.Errorf("%w: %w", ErrTokenUnavailable, err)
}

// CheckDevice asks the anomaly service to evaluate the selected device. The
// rule and ML hits it returns join the issue list until the next check or
// device change.
func (vm *ViewModel) CheckDevice(ctx context.Context) (anomalyapi.Detection, error) {
	token, deviceID, err := vm.deviceToken(ctx)
	if err != nil {
		return anomalyapi.Detection{}, err
	}
	res := vm.anomalies.CheckDevice(ctx, token, deviceID)
	return vm.applyDetection(ctx, deviceID, "device check", res)
}

// DetectLatest submits the freshest reading for server-side detection and
// keeps the hits like CheckDevice does.
func (vm *ViewModel) DetectLatest(ctx context.Context, options endpoints.DetectOptions) (anomalyapi.Detection, error) {
	token, deviceID, err := vm.deviceToken(ctx)
	if err != nil {
		return anomalyapi.Detection{}, err
	}
	vm.mu.Lock()
	latest, ok := anomaly.Latest(vm.readings)
	vm.mu.Unlock()
	if !ok {
		return anomalyapi.Detection{}, ErrNoReadings
	}
	res := vm.anomalies.Detect(ctx, token, deviceID, latest, options)
	return vm.applyDetection(ctx, deviceID, "detection", res)
}

func (vm *ViewModel) deviceToken(ctx context.Context) (string, string, error) {
	token, err := vm.Token(ctx)
	if err != nil {
		return "", "", err
	}
	vm.mu.Lock()
	deviceID := vm.state.DeviceID
	vm.mu.Unlock()
	if deviceID == "" {
		return "", "", ErrNoDevice
	}
	return token, deviceID, nil
}

func (vm *ViewModel) applyDetection(ctx context.Context, deviceID, what string, res anomalyapi.Result[anomalyapi.Detection]) (anomalyapi.Detection, error) {
	if res.Unauthenticated() {
		vm.Unauthenticate(ctx, what)
		return res.Value, ErrUnauthenticated
	}
	if err := res.Err(); err != nil {
		vm.logf("status %s error: device=%s err=%v", what, deviceID, err)
		vm.notify(ctx, Event{Type: EventError, DeviceID: deviceID, Tag: res.Tag, Message: fmt.Sprintf("%s failed (%s)", what, res.Tag)})
		return res.Value, err
	}
	hits := detectionRecords(deviceID, res.Value)

	vm.mu.Lock()
	applied := vm.state.DeviceID == deviceID && vm.state.Phase != PhaseUnauthenticated
	if applied {
		vm.checked = hits
		vm.republishLocked()
	}
	vm.mu.Unlock()
	if !applied {
		return res.Value, nil
	}
	vm.publish()
	vm.notify(ctx, Event{Type: EventInfo, DeviceID: deviceID, Message: fmt.Sprintf("%s found %d issues", what, len(hits))})
	return res.Value, nil
}

// detectionRecords keeps the hits for deviceID. Hits without an id get a
// client-side one so they can still be resolved locally.
func detectionRecords(deviceID string, det anomalyapi.Detection) []anomaly.Record {
	out := make([]anomaly.Record, 0, len(det.RuleHits)+len(det.MLHits))
	for _, group := range [][]anomaly.Record{det.RuleHits, det.MLHits} {
		for _, rec := range group {
			if rec.DeviceID == "" {
				rec.DeviceID = deviceID
			}
			if rec.DeviceID != deviceID {
				continue
			}
			if rec.ID == "" {
				rec.ID = anomaly.RuleID(rec.Timestamp, rec.Type)
			}
			out = append(out, rec)
		}
	}
	return out
}

// Unauthenticate enters the terminal state and drops the cached token.
func (vm *ViewModel) Unauthenticate(ctx context.Context, reason string) {
	vm.mu.Lock()
	if vm.state.Phase == PhaseUnauthenticated {
		vm.mu.Unlock()
		return
	}
	vm.generation++
	if vm.cancel != nil {
		vm.cancel()
		vm.cancel = nil
	}
	vm.state.Phase = PhaseUnauthenticated
	vm.state.Loading = false
	vm.state.Generation = vm.generation
	vm.state.Message = "session expired, sign in again"
	deviceID := vm.state.DeviceID
	vm.mu.Unlock()
	vm.publish()

	if err := vm.gate.Clear(context.WithoutCancel(ctx)); err != nil {
		vm.logf("status token clear error: %v", err)
	}
	vm.logf("status unauthenticated: reason=%s", reason)
	vm.notify(ctx, Event{Type: EventUnauthenticated, DeviceID: deviceID, Tag: transport.TagUnauthenticated, Message: "session expired"})
}

// Snapshot returns the record with id from the local bag.
func (vm *ViewModel) Snapshot(id string) (anomaly.Record, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for _, rec := range vm.state.Records {
		if rec.ID == id {
			return rec, true
		}
	}
	return anomaly.Record{}, false
}

// MarkResolved flips the record optimistically and republishes.
func (vm *ViewModel) MarkResolved(id, notes string) {
	vm.mu.Lock()
	vm.pending[id] = notes
	vm.republishLocked()
	vm.mu.Unlock()
	vm.publish()
}

// Commit keeps a resolution for the rest of the session.
func (vm *ViewModel) Commit(id, notes string) {
	vm.mu.Lock()
	delete(vm.pending, id)
	vm.resolved[id] = notes
	vm.republishLocked()
	vm.mu.Unlock()
	vm.publish()
}

// Restore drops the optimistic flip for the snapshot's record.
func (vm *ViewModel) Restore(snapshot anomaly.Record) {
	vm.mu.Lock()
	delete(vm.pending, snapshot.ID)
	vm.republishLocked()
	vm.mu.Unlock()
	vm.publish()
}

func (vm *ViewModel) current(gen uint64) bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return gen == vm.generation
}

// inputLocked assembles the reconciliation bag. Check hits go after history
// so server history wins on duplicate keys.
func (vm *ViewModel) inputLocked() reconcile.Input {
	history := make([]anomaly.Record, 0, len(vm.history)+len(vm.checked))
	history = append(history, vm.history...)
	history = append(history, vm.checked...)
	return reconcile.Input{
		Realtime:    vm.realtimeHits,
		Basic:       vm.basicHits,
		History:     history,
		Readings:    vm.readings,
		Resolutions: vm.overlayLocked(),
		Now:         vm.clock.Now(),
	}
}

func (vm *ViewModel) overlayLocked() map[string]string {
	out := make(map[string]string, len(vm.pending)+len(vm.resolved))
	for id, notes := range vm.resolved {
		out[id] = notes
	}
	for id, notes := range vm.pending {
		out[id] = notes
	}
	return out
}

// republishLocked re-runs reconciliation over the current bag.
func (vm *ViewModel) republishLocked() {
	if vm.state.Phase != PhaseReady {
		return
	}
	vm.applyLocked(reconcile.Reconcile(vm.inputLocked()))
}

func (vm *ViewModel) applyLocked(out reconcile.Output) {
	issues := make([]Issue, 0, len(out.Issues))
	for _, rec := range out.Issues {
		info := vm.catalog.Lookup(rec.Type)
		issues = append(issues, Issue{Record: rec, New: vm.realtime[rec.ID], Label: info.Label, Action: info.Action})
	}
	vm.state.Issues = issues
	vm.state.Records = out.Records
	vm.state.DeviceHealth = out.DeviceHealth
	vm.state.DataStatus = out.DataStatus
	vm.state.WifiStatus = out.WifiStatus
	vm.state.BatteryStatus = out.BatteryStatus
	vm.state.Summary = out.Summary
	metrics.SetIssues(severityCounts(out.Issues))
}

func (vm *ViewModel) copyStateLocked() State {
	s := vm.state
	s.Issues = append([]Issue(nil), vm.state.Issues...)
	s.Records = append([]anomaly.Record(nil), vm.state.Records...)
	if s.Issues == nil {
		s.Issues = []Issue{}
	}
	if s.Records == nil {
		s.Records = []anomaly.Record{}
	}
	levels := make(map[anomaly.AlertLevel]int, len(vm.state.Stats.PerAlertLevel))
	for k, v := range vm.state.Stats.PerAlertLevel {
		levels[k] = v
	}
	s.Stats.PerAlertLevel = levels
	return s
}

func (vm *ViewModel) deviceError(ctx context.Context, what string, err error) error {
	if transport.TagOf(err) == transport.TagUnauthenticated {
		vm.Unauthenticate(ctx, what)
		return ErrUnauthenticated
	}
	vm.logf("status %s error: %v", what, err)
	vm.notify(ctx, Event{Type: EventError, Tag: transport.TagOf(err), Message: what + " failed"})
	return err
}

// publish hands a copy of the current state to the observers.
func (vm *ViewModel) publish() {
	if len(vm.observers) == 0 {
		return
	}
	s := vm.State()
	for _, o := range vm.observers {
		o.Published(s)
	}
}

func (vm *ViewModel) notify(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = vm.clock.Now().UTC()
	}
	vm.notifier.Notify(ctx, event)
}

func (vm *ViewModel) logf(format string, args ...any) {
	if vm.logger != nil {
		vm.logger.Printf(format, args...)
	}
}

func severityCounts(issues []anomaly.Record) map[string]int {
	counts := map[string]int{
		string(anomaly.SeverityCritical): 0,
		string(anomaly.SeverityHigh):     0,
		string(anomaly.SeverityMedium):   0,
		string(anomaly.SeverityLow):      0,
	}
	for _, rec := range issues {
		counts[string(rec.Severity)]++
	}
	return counts
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
