package dcb

import (
	"encoding/json"
	"fmt"
)

// validateEvent validates a single event and returns a ValidationError if invalid
func validateEvent(e InputEvent, index int) error {
	// Validate event type
	if e.Type == "" {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "validateEvent",
				Err: fmt.Errorf("empty type in event %d", index),
			},
			Field: "type",
			Value: fmt.Sprintf("event[%d]", index),
		}
	}

	// Validate event tags
	tagKeys := make(map[string]bool)
	for j, t := range e.Tags {
		if t.Key == "" {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "validateEvent",
					Err: fmt.Errorf("empty key in tag %d of event %d", j, index),
				},
				Field: fmt.Sprintf("event[%d].tag[%d].key", index, j),
				Value: fmt.Sprintf("tag[%d]", j),
			}
		}
		if t.Value == "" {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "validateEvent",
					Err: fmt.Errorf("empty value for key %s in tag %d of event %d", t.Key, j, index),
				},
				Field: fmt.Sprintf("event[%d].tag[%d].value", index, j),
				Value: t.Key,
			}
		}
		if tagKeys[t.Key] {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "validateEvent",
					Err: fmt.Errorf("duplicate tag key %s in event %d", t.Key, index),
				},
				Field: fmt.Sprintf("event[%d].tag[%d].key", index, j),
				Value: t.Key,
			}
		}
		tagKeys[t.Key] = true
	}

	// Validate Data as JSON (payloads are stored as JSONB)
	if len(e.Data) > 0 && !json.Valid(e.Data) {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "validateEvent",
				Err: fmt.Errorf("invalid JSON data in event %d", index),
			},
			Field: "data",
			Value: fmt.Sprintf("event[%d]", index),
		}
	}

	return nil
}

// validateEvents validates all events in a batch
func validateEvents(events []InputEvent) error {
	for i, event := range events {
		if err := validateEvent(event, i); err != nil {
			return err
		}
	}
	return nil
}

// validateQuery validates query items and returns a ValidationError if invalid.
// An empty query is valid and matches all events.
func validateQuery(query Query) error {
	for itemIndex, item := range query.Items {
		for i, t := range item.Tags {
			if t.Key == "" {
				return &ValidationError{
					EventStoreError: EventStoreError{
						Op:  "validateQuery",
						Err: fmt.Errorf("empty key in tag %d of item %d", i, itemIndex),
					},
					Field: fmt.Sprintf("item[%d].tag[%d].key", itemIndex, i),
					Value: fmt.Sprintf("tag[%d]", i),
				}
			}
			if t.Value == "" {
				return &ValidationError{
					EventStoreError: EventStoreError{
						Op:  "validateQuery",
						Err: fmt.Errorf("empty value for key %s in tag %d of item %d", t.Key, i, itemIndex),
					},
					Field: fmt.Sprintf("item[%d].tag[%d].value", itemIndex, i),
					Value: t.Key,
				}
			}
		}

		for i, eventType := range item.EventTypes {
			if eventType == "" {
				return &ValidationError{
					EventStoreError: EventStoreError{
						Op:  "validateQuery",
						Err: fmt.Errorf("empty event type at index %d of item %d", i, itemIndex),
					},
					Field: fmt.Sprintf("item[%d].eventTypes[%d]", itemIndex, i),
					Value: fmt.Sprintf("index[%d]", i),
				}
			}
		}
	}

	return nil
}

// validateBatchSize validates that the batch size is within limits
func (es *eventStore) validateBatchSize(events []InputEvent, operation string) error {
	if len(events) > es.config.MaxBatchSize {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  operation,
				Err: fmt.Errorf("batch size %d exceeds maximum %d", len(events), es.config.MaxBatchSize),
			},
			Field: "batchSize",
			Value: fmt.Sprintf("%d", len(events)),
		}
	}
	return nil
}
