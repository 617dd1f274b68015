package application

import (
	"context"
	"errors"
	"fmt"

	"sensorwatch/internal/anomaly/anomalyapi"
	anomaly "sensorwatch/internal/anomaly/domain"
	"sensorwatch/internal/observability/metrics"
	"sensorwatch/internal/transport"
)

// Ledger is the local state a resolution acts on.
type Ledger interface {
	Token(ctx context.Context) (string, error)
	Snapshot(id string) (anomaly.Record, bool)
	MarkResolved(id, notes string)
	Commit(id, notes string)
	Restore(snapshot anomaly.Record)
	Unauthenticate(ctx context.Context, reason string)
}

// Resolver is the part of the anomaly API that resolves records.
type Resolver interface {
	Resolve(ctx context.Context, token, anomalyID, notes string) anomalyapi.Result[struct{}]
	BatchResolve(ctx context.Context, token string, ids []string, notes string) anomalyapi.Result[[]anomalyapi.ItemOutcome]
}

// Outcome reports what happened to one resolution.
type Outcome struct {
	ID         string        `json:"id"`
	Tag        transport.Tag `json:"tag"`
	Message    string        `json:"message,omitempty"`
	RolledBack bool          `json:"rolled_back"`
}

// BatchSummary partitions a batch resolution.
type BatchSummary struct {
	Committed  []string  `json:"committed"`
	RolledBack []string  `json:"rolled_back"`
	Outcomes   []Outcome `json:"outcomes"`
}

// Workflow resolves issues optimistically: the local copy flips first and is
// restored if the server rejects the change.
type Workflow struct {
	api      Resolver
	ledger   Ledger
	notifier EventNotifier
	clock    Clock
}

func newWorkflow(api Resolver, ledger Ledger, notifier EventNotifier, clock Clock) *Workflow {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &Workflow{api: api, ledger: ledger, notifier: notifier, clock: clock}
}

// Resolve resolves one issue. ok and not_found keep the change; any other
// outcome restores the snapshot.
func (w *Workflow) Resolve(ctx context.Context, id, notes string) (Outcome, error) {
	token, err := w.ledger.Token(ctx)
	if err != nil {
		return Outcome{ID: id, Tag: tokenTag(err)}, err
	}
	snapshot, ok := w.ledger.Snapshot(id)
	if !ok {
		return Outcome{ID: id, Tag: transport.TagNotFound}, ErrIssueNotFound
	}

	w.ledger.MarkResolved(id, notes)
	res := w.api.Resolve(ctx, token, id, notes)
	outcome := Outcome{ID: id, Tag: res.Tag, Message: res.Message}

	switch res.Tag {
	case transport.TagOK:
		w.ledger.Commit(id, notes)
		metrics.IncResolve(metrics.ResolveOK)
		return outcome, nil
	case transport.TagNotFound:
		w.ledger.Commit(id, notes)
		metrics.IncResolve(metrics.ResolveNotFound)
		w.notify(ctx, Event{Type: EventInfo, IssueID: id, Tag: res.Tag, Message: "issue already resolved"})
		return outcome, nil
	}

	w.ledger.Restore(snapshot)
	outcome.RolledBack = true
	metrics.IncResolve(metrics.ResolveRolledBack)
	if res.Unauthenticated() {
		w.ledger.Unauthenticate(ctx, "resolve")
		return outcome, ErrUnauthenticated
	}
	w.notify(ctx, Event{Type: EventError, IssueID: id, Tag: res.Tag, Message: fmt.Sprintf("could not resolve issue (%s)", res.Tag)})
	return outcome, res.Err()
}

// BatchResolve resolves several issues in one call and commits the subset
// the server accepted. Ids unknown locally are reported as not_found and not sent.
func (w *Workflow) BatchResolve(ctx context.Context, ids []string, notes string) (BatchSummary, error) {
	summary := BatchSummary{Committed: []string{}, RolledBack: []string{}, Outcomes: []Outcome{}}
	token, err := w.ledger.Token(ctx)
	if err != nil {
		return summary, err
	}

	snapshots := make(map[string]anomaly.Record, len(ids))
	send := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := snapshots[id]; dup {
			continue
		}
		snap, ok := w.ledger.Snapshot(id)
		if !ok {
			summary.Outcomes = append(summary.Outcomes, Outcome{ID: id, Tag: transport.TagNotFound, Message: "unknown issue"})
			continue
		}
		snapshots[id] = snap
		send = append(send, id)
	}
	if len(send) == 0 {
		return summary, nil
	}

	for _, id := range send {
		w.ledger.MarkResolved(id, notes)
	}
	res := w.api.BatchResolve(ctx, token, send, notes)
	for _, item := range res.Value {
		snap, ok := snapshots[item.ID]
		if !ok {
			continue
		}
		outcome := Outcome{ID: item.ID, Tag: item.Tag, Message: item.Message}
		switch item.Tag {
		case transport.TagOK, transport.TagNotFound:
			w.ledger.Commit(item.ID, notes)
			summary.Committed = append(summary.Committed, item.ID)
			if item.Tag == transport.TagOK {
				metrics.IncResolve(metrics.ResolveOK)
			} else {
				metrics.IncResolve(metrics.ResolveNotFound)
			}
		default:
			w.ledger.Restore(snap)
			outcome.RolledBack = true
			summary.RolledBack = append(summary.RolledBack, item.ID)
			metrics.IncResolve(metrics.ResolveRolledBack)
		}
		delete(snapshots, item.ID)
		summary.Outcomes = append(summary.Outcomes, outcome)
	}
	// Ids the response did not account for are rolled back.
	for _, id := range send {
		snap, ok := snapshots[id]
		if !ok {
			continue
		}
		w.ledger.Restore(snap)
		summary.RolledBack = append(summary.RolledBack, id)
		summary.Outcomes = append(summary.Outcomes, Outcome{ID: id, Tag: transport.TagUnknown, RolledBack: true})
		metrics.IncResolve(metrics.ResolveRolledBack)
	}

	if res.Unauthenticated() {
		w.ledger.Unauthenticate(ctx, "batch resolve")
		return summary, ErrUnauthenticated
	}
	message := fmt.Sprintf("resolved %d of %d issues", len(summary.Committed), len(ids))
	if len(summary.RolledBack) > 0 {
		w.notify(ctx, Event{Type: EventError, Tag: res.Tag, Message: message})
	} else {
		w.notify(ctx, Event{Type: EventInfo, Message: message})
	}
	return summary, nil
}

func tokenTag(err error) transport.Tag {
	if errors.Is(err, ErrUnauthenticated) {
		return transport.TagUnauthenticated
	}
	return transport.TagUnknown
}

func (w *Workflow) notify(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = w.clock.Now().UTC()
	}
	w.notifier.Notify(ctx, event)
}
