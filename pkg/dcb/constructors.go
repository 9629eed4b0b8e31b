package dcb

// =============================================================================
// Event Constructors
// =============================================================================

// NewInputEvent creates a new InputEvent with the given type, tags, and data.
// Validation is performed when the event is used in EventStore operations.
func NewInputEvent(eventType string, tags []Tag, data []byte) InputEvent {
	return InputEvent{
		Type: eventType,
		Tags: tags,
		Data: data,
	}
}

// NewEventBatch creates a slice of events from the given InputEvents.
// Convenience for appending multiple related events in a single operation.
func NewEventBatch(events ...InputEvent) []InputEvent {
	return events
}

// =============================================================================
// Tag Constructors
// =============================================================================

// NewTag creates a single tag from a key-value pair.
func NewTag(key, value string) Tag {
	return Tag{Key: key, Value: value}
}

// NewTags creates a slice of tags from alternating key-value pairs.
// An odd number of arguments yields an empty slice; validation happens
// in EventStore operations.
func NewTags(kv ...string) []Tag {
	if len(kv)%2 != 0 {
		return []Tag{}
	}
	tags := make([]Tag, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		tags[i/2] = NewTag(kv[i], kv[i+1])
	}
	return tags
}

// =============================================================================
// Query Constructors
// =============================================================================

// NewQuery creates a Query with a single item matching the given tags and event types.
func NewQuery(tags []Tag, eventTypes ...string) Query {
	return Query{
		Items: []QueryItem{
			NewQueryItem(eventTypes, tags),
		},
	}
}

// NewQueryAll creates a query that matches all events.
func NewQueryAll() Query {
	return Query{}
}

// NewQueryFromItems creates a query from a list of query items (OR semantics).
func NewQueryFromItems(items ...QueryItem) Query {
	return Query{Items: items}
}

// NewQueryItem creates a new QueryItem with the given types and tags.
func NewQueryItem(types []string, tags []Tag) QueryItem {
	return QueryItem{
		EventTypes: types,
		Tags:       tags,
	}
}

// NewQItemKV creates a QueryItem with a single event type and key-value tags.
// The most concise way to build a QueryItem for one event type.
func NewQItemKV(eventType string, kv ...string) QueryItem {
	return NewQueryItem([]string{eventType}, NewTags(kv...))
}

// =============================================================================
// AppendCondition Constructors
// =============================================================================

// NewAppendCondition creates a condition that fails if any event matching
// the decision-model query exists with position > cursor. A handler builds
// this from the same query and cursor its projection used.
func NewAppendCondition(stateChangeQuery Query, after Cursor) AppendCondition {
	return AppendCondition{
		stateChangeQuery: &stateChangeQuery,
		afterCursor:      after,
	}
}

// NewIdempotencyCondition creates a condition that fails with a DuplicateError
// if any event of the given type carrying the given tag already exists,
// regardless of position.
func NewIdempotencyCondition(eventType, tagKey, tagValue string) AppendCondition {
	return AppendCondition{}.WithIdempotency(eventType, tagKey, tagValue)
}

// NewCursor creates a cursor at the given position.
func NewCursor(position int64) Cursor {
	return Cursor{Position: position}
}
