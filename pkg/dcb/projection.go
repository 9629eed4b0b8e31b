package dcb

import (
	"context"
	"fmt"
)

// Project folds events matching the query with position > after through the
// projectors in a single streamed pass. It returns the final state of each
// projector keyed by ID and the cursor of the last event seen. When no events
// match, the states are the initial states and the cursor is *after (or the
// zero cursor when after is nil).
func (es *eventStore) Project(ctx context.Context, query Query, after *Cursor, projectors []StateProjector) (map[string]any, Cursor, error) {
	if err := validateProjectors(projectors); err != nil {
		return nil, Cursor{}, err
	}

	states := make(map[string]any, len(projectors))
	for _, p := range projectors {
		states[p.ID] = p.InitialState
	}

	cursor := Cursor{}
	if after != nil {
		cursor = *after
	}

	iterator, err := es.QueryStream(ctx, query, &QueryOptions{After: after})
	if err != nil {
		return nil, Cursor{}, err
	}
	defer iterator.Close()

	for iterator.Next() {
		event := iterator.Event()
		for _, p := range projectors {
			if projectorMatches(p, event) {
				states[p.ID] = p.TransitionFn(states[p.ID], event)
			}
		}
		cursor = Cursor{Position: event.Position}
	}
	if err := iterator.Err(); err != nil {
		return nil, Cursor{}, err
	}

	return states, cursor, nil
}

// ProjectDecisionModel is Project plus an AppendCondition that binds a
// subsequent append to the state the caller saw: the condition fails if any
// event matching the query was committed after the returned cursor.
func (es *eventStore) ProjectDecisionModel(ctx context.Context, query Query, after *Cursor, projectors []StateProjector) (map[string]any, AppendCondition, error) {
	states, cursor, err := es.Project(ctx, query, after, projectors)
	if err != nil {
		return nil, AppendCondition{}, err
	}
	return states, NewAppendCondition(query, cursor), nil
}

// projectorMatches reports whether the event is fed to the projector. An
// empty EventTypes list means every event the query yields.
func projectorMatches(p StateProjector, event Event) bool {
	if len(p.EventTypes) == 0 {
		return true
	}
	for _, t := range p.EventTypes {
		if t == event.Type {
			return true
		}
	}
	return false
}

func validateProjectors(projectors []StateProjector) error {
	seen := make(map[string]bool, len(projectors))
	for i, p := range projectors {
		if p.ID == "" {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "project",
					Err: fmt.Errorf("empty ID in projector %d", i),
				},
				Field: fmt.Sprintf("projector[%d].id", i),
				Value: "empty",
			}
		}
		if p.TransitionFn == nil {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "project",
					Err: fmt.Errorf("nil transition function in projector %q", p.ID),
				},
				Field: fmt.Sprintf("projector[%d].transitionFn", i),
				Value: p.ID,
			}
		}
		if seen[p.ID] {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "project",
					Err: fmt.Errorf("duplicate projector ID %q", p.ID),
				},
				Field: fmt.Sprintf("projector[%d].id", i),
				Value: p.ID,
			}
		}
		seen[p.ID] = true
	}
	return nil
}
