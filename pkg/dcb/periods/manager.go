package periods

import (
	"context"
	"fmt"
	"time"

	"go-ledgerbook/pkg/dcb"
)

// StatementTagKey is the tag carrying the canonical period identifier on
// every period-scoped event.
const StatementTagKey = "statement_id"

// PeriodOpenedType is the event type that opens a period and carries the
// prior period's closing state.
const PeriodOpenedType = "PeriodOpened"

// CarryForwardFn computes the opening snapshot for a new period from the
// closing state of the prior one. prior is the zero PeriodID for the very
// first period of an entity. The returned payload becomes the PeriodOpened
// event data.
type CarryForwardFn func(ctx context.Context, store dcb.EventStore, prior PeriodID) ([]byte, error)

// Manager opens periods on demand and scopes queries to them.
type Manager struct {
	store        dcb.EventStore
	clock        *dcb.ClockProvider
	periodType   PeriodType
	entityTagKey string
	carryForward CarryForwardFn
}

// NewManager creates a period manager. entityTagKey is the tag naming the
// entity on its events, for example "wallet_id".
func NewManager(store dcb.EventStore, clock *dcb.ClockProvider, periodType PeriodType, entityTagKey string, carryForward CarryForwardFn) (*Manager, error) {
	if entityTagKey == "" {
		return nil, fmt.Errorf("entity tag key must not be empty")
	}
	if carryForward == nil {
		return nil, fmt.Errorf("carry-forward function must not be nil")
	}
	if clock == nil {
		clock = dcb.NewClockProvider()
	}
	return &Manager{
		store:        store,
		clock:        clock,
		periodType:   periodType,
		entityTagKey: entityTagKey,
		carryForward: carryForward,
	}, nil
}

// Current returns the period containing the manager clock's current instant.
func (m *Manager) Current(entityID string) PeriodID {
	return PeriodFor(entityID, m.periodType, m.clock.Now())
}

// PeriodAt returns the period containing the given instant.
func (m *Manager) PeriodAt(entityID string, at time.Time) PeriodID {
	return PeriodFor(entityID, m.periodType, at)
}

// ResolvePeriod returns the current period for the entity, opening it first
// if no PeriodOpened event exists yet. Opening is idempotent: concurrent
// resolvers race on the PeriodOpened append and the losers observe the
// winner's event.
func (m *Manager) ResolvePeriod(ctx context.Context, entityID string) (PeriodID, error) {
	period := m.Current(entityID)
	if m.periodType == PeriodNone {
		return period, nil
	}

	opened, err := m.isOpen(ctx, period)
	if err != nil {
		return PeriodID{}, err
	}
	if opened {
		return period, nil
	}

	if err := m.open(ctx, period); err != nil {
		return PeriodID{}, err
	}
	return period, nil
}

// isOpen reports whether the period's PeriodOpened event exists.
func (m *Manager) isOpen(ctx context.Context, period PeriodID) (bool, error) {
	events, err := m.store.Query(ctx, m.openedQuery(period), &dcb.QueryOptions{Limit: intPtr(1)})
	if err != nil {
		return false, err
	}
	return len(events) > 0, nil
}

// open computes the carry-forward snapshot and appends the PeriodOpened
// event, guarded by an idempotency condition on the statement_id tag. A
// DuplicateError means another resolver opened the period first.
func (m *Manager) open(ctx context.Context, period PeriodID) error {
	prior := PeriodID{}
	if hasPrior, err := m.hasAnyEvents(ctx, period.EntityID); err != nil {
		return err
	} else if hasPrior {
		prior = period.Previous()
	}

	data, err := m.carryForward(ctx, m.store, prior)
	if err != nil {
		return fmt.Errorf("carry-forward failed for period %s: %w", period.Canonical(), err)
	}

	event := dcb.NewInputEvent(PeriodOpenedType, m.PeriodTags(period), data)

	condition := dcb.NewIdempotencyCondition(PeriodOpenedType, StatementTagKey, period.Canonical())
	if _, err := m.store.AppendIf(ctx, []dcb.InputEvent{event}, condition); err != nil {
		if dcb.IsDuplicateError(err) {
			return nil
		}
		return err
	}
	return nil
}

func (m *Manager) hasAnyEvents(ctx context.Context, entityID string) (bool, error) {
	query := dcb.NewQuery(dcb.NewTags(m.entityTagKey, entityID))
	events, err := m.store.Query(ctx, query, &dcb.QueryOptions{Limit: intPtr(1)})
	if err != nil {
		return false, err
	}
	return len(events) > 0, nil
}

func (m *Manager) openedQuery(period PeriodID) dcb.Query {
	return dcb.NewQuery(dcb.NewTags(
		StatementTagKey, period.Canonical(),
	), PeriodOpenedType)
}

// ScopedQuery builds a query limited to one entity's events within one
// period. The PeriodOpened snapshot is included, so a projection over the
// scoped query reconstructs full state without reading prior periods.
func (m *Manager) ScopedQuery(period PeriodID, eventTypes ...string) dcb.Query {
	tags := dcb.NewTags(
		m.entityTagKey, period.EntityID,
		StatementTagKey, period.Canonical(),
	)
	if len(eventTypes) == 0 {
		return dcb.NewQuery(tags)
	}
	return dcb.NewQueryFromItems(
		dcb.NewQueryItem([]string{PeriodOpenedType}, tags),
		dcb.NewQueryItem(eventTypes, tags),
	)
}

// PeriodTags returns the tags every event written inside the period must
// carry: the entity tag, the statement tag, and the period's calendar
// components for future scoping.
func (m *Manager) PeriodTags(period PeriodID) []dcb.Tag {
	tags := dcb.NewTags(
		m.entityTagKey, period.EntityID,
		StatementTagKey, period.Canonical(),
	)
	if period.Type == PeriodNone {
		return tags
	}

	tags = append(tags,
		dcb.NewTag("year", fmt.Sprintf("%04d", period.Year)),
		dcb.NewTag("month", fmt.Sprintf("%02d", period.Month)),
	)
	if period.Type == PeriodDaily || period.Type == PeriodHourly {
		tags = append(tags, dcb.NewTag("day", fmt.Sprintf("%02d", period.Day)))
	}
	if period.Type == PeriodHourly {
		tags = append(tags, dcb.NewTag("hour", fmt.Sprintf("%02d", period.Hour)))
	}
	return tags
}

func intPtr(i int) *int { return &i }
