package dcb

import (
	"fmt"
	"strings"
)

// eventColumns is the projection used by all event reads.
const eventColumns = "type, tags, data, position, transaction_id, occurred_at"

// visibilityFilter hides rows whose transaction is still in flight, so the
// observable order of committed events equals commit order.
const visibilityFilter = "transaction_id < pg_snapshot_xmin(pg_current_snapshot())"

// buildQuerySQL builds the SQL for reading events matching a query in
// ascending position order. Items combine with OR; within an item, event
// types use ANY and tags use array containment.
func buildQuerySQL(query Query, options *QueryOptions) (string, []interface{}, error) {
	if err := validateQuery(query); err != nil {
		return "", nil, err
	}

	conditions := make([]string, 0, 3)
	args := make([]interface{}, 0, 4)
	argIndex := 1

	conditions = append(conditions, visibilityFilter)

	if itemSQL, itemArgs := buildItemsSQL(query, &argIndex); itemSQL != "" {
		conditions = append(conditions, itemSQL)
		args = append(args, itemArgs...)
	}

	if options != nil && options.After != nil && !options.After.IsZero() {
		conditions = append(conditions, fmt.Sprintf("position > $%d", argIndex))
		args = append(args, options.After.Position)
		argIndex++
	}

	var sqlQuery strings.Builder
	sqlQuery.WriteString("SELECT " + eventColumns + " FROM events")
	sqlQuery.WriteString(" WHERE ")
	sqlQuery.WriteString(strings.Join(conditions, " AND "))
	sqlQuery.WriteString(" ORDER BY position ASC")

	if options != nil && options.Limit != nil {
		sqlQuery.WriteString(fmt.Sprintf(" LIMIT $%d", argIndex))
		args = append(args, *options.Limit)
	}

	return sqlQuery.String(), args, nil
}

// buildExistsSQL builds an EXISTS check over events matching the query,
// optionally restricted to position > afterPosition. Used for append
// condition evaluation inside the append transaction, where in-flight
// rows of other writers are excluded by the advisory lock.
func buildExistsSQL(query Query, afterPosition *int64) (string, []interface{}, error) {
	if err := validateQuery(query); err != nil {
		return "", nil, err
	}

	conditions := make([]string, 0, 2)
	args := make([]interface{}, 0, 3)
	argIndex := 1

	if itemSQL, itemArgs := buildItemsSQL(query, &argIndex); itemSQL != "" {
		conditions = append(conditions, itemSQL)
		args = append(args, itemArgs...)
	}

	if afterPosition != nil {
		conditions = append(conditions, fmt.Sprintf("position > $%d", argIndex))
		args = append(args, *afterPosition)
		argIndex++
	}

	sqlQuery := "SELECT EXISTS(SELECT 1 FROM events"
	if len(conditions) > 0 {
		sqlQuery += " WHERE " + strings.Join(conditions, " AND ")
	}
	sqlQuery += ")"

	return sqlQuery, args, nil
}

// buildItemsSQL renders the OR-of-ANDs for the query items, returning an
// empty string for an empty query (matches all events).
func buildItemsSQL(query Query, argIndex *int) (string, []interface{}) {
	if len(query.Items) == 0 {
		return "", nil
	}

	orConditions := make([]string, 0, len(query.Items))
	args := make([]interface{}, 0, len(query.Items)*2)

	for _, item := range query.Items {
		andConditions := make([]string, 0, 2)

		if len(item.EventTypes) > 0 {
			andConditions = append(andConditions, fmt.Sprintf("type = ANY($%d::text[])", *argIndex))
			args = append(args, item.EventTypes)
			(*argIndex)++
		}

		// Containment gives DCB subset-match semantics: every tag in the
		// item must be present on the event.
		if len(item.Tags) > 0 {
			andConditions = append(andConditions, fmt.Sprintf("tags @> $%d::text[]", *argIndex))
			args = append(args, TagsToArray(item.Tags))
			(*argIndex)++
		}

		if len(andConditions) > 0 {
			orConditions = append(orConditions, "("+strings.Join(andConditions, " AND ")+")")
		}
	}

	if len(orConditions) == 0 {
		return "", nil
	}
	return "(" + strings.Join(orConditions, " OR ") + ")", args
}
