package tally

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// envelopeColumns are present on every entity table, in scan order.
var envelopeColumns = []string{
	"id", "client_id", "is_placeholder", "deleted", "created_at", "updated_at",
	"pending_sync", "sync_op", "sync_error", "sync_attempts", "sync_parked",
}

var envelopeSelect = strings.Join(envelopeColumns, ", ")

func envelopeDests(e *Envelope) []any {
	return []any{
		text(&e.ID), text(&e.ClientID), flag(&e.Placeholder), flag(&e.Deleted),
		text(&e.CreatedAt), text(&e.UpdatedAt), flag(&e.PendingSync),
		text((*string)(&e.SyncOp)), text(&e.SyncError), num(&e.SyncAttempts), flag(&e.Parked),
	}
}

func envelopeValues(e *Envelope) []any {
	return []any{
		e.ID, e.ClientID, boolInt(e.Placeholder), boolInt(e.Deleted),
		e.CreatedAt, e.UpdatedAt, boolInt(e.PendingSync),
		nullString(string(e.SyncOp)), nullString(e.SyncError), e.SyncAttempts, boolInt(e.Parked),
	}
}

// childColumns lists, per parent table, the columns of other tables that
// hold a reference to one of its rows.
var childColumns = map[string][]struct{ table, column string }{
	"customers":   {{"work_orders", "customer_id"}, {"bills", "customer_id"}},
	"items":       {{"serial_numbers", "item_id"}, {"stock_history", "item_id"}, {"bill_items", "item_id"}},
	"work_orders": {{"bills", "work_order_id"}},
	"bills":       {{"bill_items", "bill_id"}, {"payment_history", "bill_id"}, {"work_orders", "bill_id"}},
}

// Bookkeeper is the sync bookkeeping shared by every repository.
type Bookkeeper interface {
	Table() string
	MarkSynced(ctx context.Context, localID, serverID string) error
	ConfirmPush(ctx context.Context, localID, serverID, pushedUpdatedAt string) error
	MarkSyncError(ctx context.Context, id, msg string) error
	MarkRejected(ctx context.Context, id, msg string, limit int) (bool, error)
	MarkParked(ctx context.Context, id, msg string) error
	Requeue(ctx context.Context, id string) error
	Settle(ctx context.Context, id string) error
	Resolve(ctx context.Context, local LocalID) (RemoteID, bool, error)
}

// record is satisfied by a pointer to any entity struct embedding Envelope.
type record[T any] interface {
	*T
	envelope() *Envelope
}

// parentRef describes a column that references a row of another table.
type parentRef[P any] struct {
	column string
	table  string
	field  func(P) *string
}

// assign is one column update of a patch.
type assign struct {
	column string
	value  any
}

// set appends an assignment when v is non-nil.
func set[V any](a []assign, column string, v *V) []assign {
	if v == nil {
		return a
	}
	var value any = *v
	switch x := value.(type) {
	case decimal.Decimal:
		value = moneyValue(x)
	case bool:
		value = boolInt(x)
	case ItemType:
		value = string(x)
	}
	return append(a, assign{column, value})
}

// table implements the repository contract for one entity table.
type table[T any, P record[T]] struct {
	s       *Store
	name    string
	columns []string
	values  func(P) []any
	dests   func(P) []any
	order   string
	refs    []parentRef[P]

	// parent is the reference column used by ListByParent.
	parent string

	// natural, when set, is a unique column used to match incoming rows
	// whose id and client_id are unknown locally.
	natural   string
	naturalOf func(P) string

	// prepare fills defaults on locally created rows.
	prepare func(P)
	// hydrate loads nested children on Get.
	hydrate func(ctx context.Context, q querier, rec P) error
	// afterUpsert writes nested children of an incoming row. applied is
	// false when the row itself lost the merge.
	afterUpsert func(ctx context.Context, q querier, rec P, applied bool) error
	// afterInsert writes nested children of a locally created row.
	afterInsert func(ctx context.Context, q querier, rec P) error
}

// Table returns the table name.
func (t *table[T, P]) Table() string { return t.name }

func (t *table[T, P]) selectSQL() string {
	return "SELECT " + envelopeSelect + ", " + strings.Join(t.columns, ", ") + " FROM " + t.name
}

func (t *table[T, P]) scan(sc scanner) (P, error) {
	rec := P(new(T))
	dests := append(envelopeDests(rec.envelope()), t.dests(rec)...)
	if err := sc.Scan(dests...); err != nil {
		return nil, err
	}
	return rec, nil
}

func (t *table[T, P]) queryRows(ctx context.Context, q querier, clause string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, t.selectSQL()+" "+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query %s: %w", t.name, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		rec, err := t.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan %s: %w", t.name, err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate %s: %w", t.name, err)
	}
	return out, nil
}

func (t *table[T, P]) queryOne(ctx context.Context, q querier, clause string, args ...any) (P, error) {
	rec, err := t.scan(q.QueryRowContext(ctx, t.selectSQL()+" "+clause, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", t.name, err)
	}
	return rec, nil
}

func pageArgs(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// List returns non-deleted rows, most relevant first.
func (t *table[T, P]) List(ctx context.Context, limit, offset int) ([]T, error) {
	limit, offset = pageArgs(limit, offset)
	var out []T
	err := t.s.read(func(q querier) error {
		var err error
		out, err = t.queryRows(ctx, q, "WHERE deleted = 0 ORDER BY "+t.order+" LIMIT ? OFFSET ?", limit, offset)
		return err
	})
	return out, err
}

// ListByParent returns the non-deleted rows referencing parentID, which may
// be either the parent's id or its client id.
func (t *table[T, P]) ListByParent(ctx context.Context, parentID string, limit, offset int) ([]T, error) {
	ref, ok := t.ref(t.parent)
	if !ok {
		return nil, fmt.Errorf("store: %s has no parent", t.name)
	}
	limit, offset = pageArgs(limit, offset)
	var out []T
	err := t.s.read(func(q querier) error {
		key, err := t.s.parentKey(ctx, q, ref.table, parentID)
		if err != nil {
			return err
		}
		out, err = t.queryRows(ctx, q,
			"WHERE "+ref.column+" IN (?, ?) AND deleted = 0 ORDER BY "+t.order+" LIMIT ? OFFSET ?",
			key, parentID, limit, offset)
		return err
	})
	return out, err
}

// Get returns the non-deleted row with the given id. After promotion a row
// is no longer found by its placeholder id; see GetLocal.
func (t *table[T, P]) Get(ctx context.Context, id string) (P, error) {
	return t.get(ctx, "WHERE id = ? AND deleted = 0", id)
}

// GetLocal returns the non-deleted row created with the given local id,
// whether or not it has been promoted.
func (t *table[T, P]) GetLocal(ctx context.Context, local LocalID) (P, error) {
	return t.get(ctx, "WHERE client_id = ? AND deleted = 0", string(local))
}

func (t *table[T, P]) get(ctx context.Context, clause string, args ...any) (P, error) {
	var rec P
	err := t.s.read(func(q querier) error {
		var err error
		rec, err = t.queryOne(ctx, q, clause, args...)
		if err != nil {
			return err
		}
		if t.hydrate != nil {
			return t.hydrate(ctx, q, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetPending returns every row with pending_sync = 1, oldest change first.
// Tombstones and parked rows are included.
func (t *table[T, P]) GetPending(ctx context.Context) ([]T, error) {
	var out []T
	err := t.s.read(func(q querier) error {
		var err error
		out, err = t.queryRows(ctx, q, "WHERE pending_sync = 1 ORDER BY updated_at ASC, id ASC")
		return err
	})
	return out, err
}

// UpsertOne merges one incoming row.
func (t *table[T, P]) UpsertOne(ctx context.Context, rec P) error {
	return t.s.withTx(ctx, func(q querier) error {
		_, err := t.upsertTx(ctx, q, rec)
		return err
	})
}

// UpsertMany merges incoming rows, each in its own transaction. Every row is
// attempted; the number of rows written and the joined errors are returned.
func (t *table[T, P]) UpsertMany(ctx context.Context, recs []T) (int, error) {
	var (
		written int
		errs    []error
	)
	for i := range recs {
		rec := P(&recs[i])
		var applied bool
		err := t.s.withTx(ctx, func(q querier) error {
			var err error
			applied, err = t.upsertTx(ctx, q, rec)
			return err
		})
		if errors.Is(err, ErrStoreClosed) {
			return written, err
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if applied {
			written++
		}
	}
	return written, errors.Join(errs...)
}

// existing is the identity of a stored row.
type existing struct {
	id          string
	clientID    string
	updatedAt   string
	placeholder bool
	pending     bool
}

func (t *table[T, P]) lookup(ctx context.Context, q querier, where string, args ...any) (*existing, error) {
	var ex existing
	err := q.QueryRowContext(ctx,
		"SELECT id, client_id, updated_at, is_placeholder, pending_sync FROM "+t.name+" WHERE "+where+" LIMIT 1", args...,
	).Scan(text(&ex.id), text(&ex.clientID), text(&ex.updatedAt), flag(&ex.placeholder), flag(&ex.pending))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: lookup %s: %w", t.name, err)
	}
	return &ex, nil
}

// match finds the stored row an incoming record refers to: by id, then by
// client id, then by natural key.
func (t *table[T, P]) match(ctx context.Context, q querier, rec P) (*existing, error) {
	e := rec.envelope()
	ex, err := t.lookup(ctx, q, "id = ?", e.ID)
	if ex != nil || err != nil {
		return ex, err
	}
	if e.ClientID != "" {
		ex, err = t.lookup(ctx, q, "client_id = ?", e.ClientID)
		if ex != nil || err != nil {
			return ex, err
		}
	}
	if t.natural != "" {
		if key := t.naturalOf(rec); key != "" {
			return t.lookup(ctx, q, t.natural+" = ?", key)
		}
	}
	return nil, nil
}

// upsertTx applies the merge rule: an incoming row overwrites the stored one
// iff its updated_at is not older. A server copy of a local placeholder
// always promotes the placeholder; if the local copy is newer it keeps its
// fields and stays pending as an update. An incoming row without updated_at
// is stamped now, except that it never overwrites a pending local edit.
func (t *table[T, P]) upsertTx(ctx context.Context, q querier, rec P) (bool, error) {
	e := rec.envelope()
	if e.ID == "" {
		return false, fmt.Errorf("%w: %s row without id", ErrInvalidRecord, t.name)
	}
	e.UpdatedAt = normalizeTime(e.UpdatedAt)
	unstamped := e.UpdatedAt == ""
	if unstamped {
		e.UpdatedAt = t.s.stamp()
	}
	e.CreatedAt = normalizeTime(e.CreatedAt)
	if e.CreatedAt == "" {
		e.CreatedAt = e.UpdatedAt
	}
	if err := t.mapRefs(ctx, q, rec); err != nil {
		return false, err
	}

	cur, err := t.match(ctx, q, rec)
	if err != nil {
		return false, err
	}

	if cur == nil {
		if e.ClientID == "" {
			e.ClientID = e.ID
		}
		if err := t.insert(ctx, q, rec); err != nil {
			return false, err
		}
		return true, t.upsertChildren(ctx, q, rec, true)
	}

	// client_id never changes once stored.
	e.ClientID = cur.clientID
	promote := cur.placeholder && cur.id != e.ID

	if e.UpdatedAt < cur.updatedAt || (unstamped && cur.pending) {
		if promote {
			if err := t.promote(ctx, q, cur, e.ID, "", false); err != nil {
				return false, err
			}
			if err := t.keepPending(ctx, q, e.ID); err != nil {
				return false, err
			}
			return true, t.upsertChildren(ctx, q, rec, false)
		}
		return false, t.upsertChildren(ctx, q, rec, false)
	}

	if promote {
		if err := t.repointChildren(ctx, q, cur.clientID, e.ID); err != nil {
			return false, err
		}
	}
	if err := t.overwrite(ctx, q, cur.id, rec); err != nil {
		return false, err
	}
	return true, t.upsertChildren(ctx, q, rec, true)
}

func (t *table[T, P]) upsertChildren(ctx context.Context, q querier, rec P, applied bool) error {
	if t.afterUpsert == nil {
		return nil
	}
	return t.afterUpsert(ctx, q, rec, applied)
}

func (t *table[T, P]) insert(ctx context.Context, q querier, rec P) error {
	cols := append(append([]string{}, envelopeColumns...), t.columns...)
	args := append(envelopeValues(rec.envelope()), t.values(rec)...)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	_, err := q.ExecContext(ctx,
		"INSERT INTO "+t.name+" ("+strings.Join(cols, ", ")+") VALUES ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("store: insert %s: %w", t.name, err)
	}
	return nil
}

func (t *table[T, P]) overwrite(ctx context.Context, q querier, id string, rec P) error {
	cols := append(append([]string{}, envelopeColumns...), t.columns...)
	args := append(envelopeValues(rec.envelope()), t.values(rec)...)
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	_, err := q.ExecContext(ctx,
		"UPDATE "+t.name+" SET "+strings.Join(sets, ", ")+" WHERE id = ?", append(args, id)...)
	if err != nil {
		return fmt.Errorf("store: update %s: %w", t.name, err)
	}
	return nil
}

func (t *table[T, P]) ref(column string) (parentRef[P], bool) {
	for _, r := range t.refs {
		if r.column == column {
			return r, true
		}
	}
	return parentRef[P]{}, false
}

// mapRefs rewrites parent references to the parent's client id.
func (t *table[T, P]) mapRefs(ctx context.Context, q querier, rec P) error {
	for _, r := range t.refs {
		v := r.field(rec)
		if *v == "" {
			continue
		}
		key, err := t.s.parentKey(ctx, q, r.table, *v)
		if err != nil {
			return err
		}
		*v = key
	}
	return nil
}

// parentKey maps an id or client id of a row in table to its client id.
// Unknown values are returned unchanged.
func (s *Store) parentKey(ctx context.Context, q querier, table, value string) (string, error) {
	var key string
	err := q.QueryRowContext(ctx,
		"SELECT client_id FROM "+table+" WHERE client_id = ? OR id = ? ORDER BY client_id = ? DESC LIMIT 1",
		value, value, value,
	).Scan(text(&key))
	if errors.Is(err, sql.ErrNoRows) || (err == nil && key == "") {
		return value, nil
	}
	if err != nil {
		return "", fmt.Errorf("store: resolve %s reference: %w", table, err)
	}
	return key, nil
}

// remoteRef returns the remote id for a parent reference held by a child.
// ok is false while the parent is a placeholder. References to rows that are
// not stored locally are assumed to be remote ids already.
func (s *Store) remoteRef(ctx context.Context, table, value string) (RemoteID, bool, error) {
	if value == "" {
		return "", true, nil
	}
	var (
		id          string
		placeholder bool
	)
	err := s.read(func(q querier) error {
		return q.QueryRowContext(ctx,
			"SELECT id, is_placeholder FROM "+table+" WHERE client_id = ? OR id = ? ORDER BY client_id = ? DESC LIMIT 1",
			value, value, value,
		).Scan(text(&id), flag(&placeholder))
	})
	if errors.Is(err, sql.ErrNoRows) {
		return RemoteID(value), true, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: resolve %s reference: %w", table, err)
	}
	if placeholder {
		return "", false, nil
	}
	return RemoteID(id), true, nil
}

// RemoteRef resolves a reference to a row of table, as held by a child row,
// to the id known by the remote service. ok is false while the referenced
// row has not been created remotely.
func (s *Store) RemoteRef(ctx context.Context, table, value string) (RemoteID, bool, error) {
	return s.remoteRef(ctx, table, value)
}

// Resolve maps a local id to the remote id. ok is false while the row is
// still a placeholder.
func (t *table[T, P]) Resolve(ctx context.Context, local LocalID) (RemoteID, bool, error) {
	var (
		id          string
		placeholder bool
	)
	err := t.s.read(func(q querier) error {
		return q.QueryRowContext(ctx,
			"SELECT id, is_placeholder FROM "+t.name+" WHERE client_id = ?", string(local),
		).Scan(text(&id), flag(&placeholder))
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, ErrNotFound
	}
	if err != nil {
		return "", false, fmt.Errorf("store: resolve %s: %w", t.name, err)
	}
	if placeholder {
		return "", false, nil
	}
	return RemoteID(id), true, nil
}

// InsertLocal stores a locally created row as a pending create. An empty
// id is replaced by a new placeholder id.
func (t *table[T, P]) InsertLocal(ctx context.Context, rec P) error {
	if err := t.stageLocal(rec); err != nil {
		return err
	}
	return t.s.withTx(ctx, func(q querier) error {
		return t.insertLocalTx(ctx, q, rec)
	})
}

// stageLocal fills the envelope of a new local row and validates it.
func (t *table[T, P]) stageLocal(rec P) error {
	e := rec.envelope()
	if e.ID == "" {
		e.ID = newID()
	}
	now := t.s.stamp()
	e.ClientID = e.ID
	e.Placeholder = true
	e.Deleted = false
	e.CreatedAt = now
	e.UpdatedAt = now
	e.PendingSync = true
	e.SyncOp = SyncOpCreate
	e.SyncError = ""
	e.SyncAttempts = 0
	e.Parked = false
	if t.prepare != nil {
		t.prepare(rec)
	}
	return t.s.validateRecord(rec)
}

func (t *table[T, P]) insertLocalTx(ctx context.Context, q querier, rec P) error {
	if err := t.mapRefs(ctx, q, rec); err != nil {
		return err
	}
	if err := t.insert(ctx, q, rec); err != nil {
		return err
	}
	if t.afterInsert != nil {
		return t.afterInsert(ctx, q, rec)
	}
	return nil
}

// markPendingUpdate applies a patch and records a pending update. A
// placeholder keeps its pending create.
func (t *table[T, P]) markPendingUpdate(ctx context.Context, id string, sets []assign) error {
	return t.s.withTx(ctx, func(q querier) error {
		return t.markPendingUpdateTx(ctx, q, id, sets, SyncOpUpdate)
	})
}

func (t *table[T, P]) markPendingUpdateTx(ctx context.Context, q querier, id string, sets []assign, op SyncOp) error {
	clauses := make([]string, 0, len(sets)+1)
	args := make([]any, 0, len(sets)+4)
	for _, a := range sets {
		value := a.value
		if r, ok := t.ref(a.column); ok {
			if s, isString := value.(string); isString && s != "" {
				key, err := t.s.parentKey(ctx, q, r.table, s)
				if err != nil {
					return err
				}
				value = key
			}
		}
		clauses = append(clauses, a.column+" = ?")
		args = append(args, value)
	}
	clauses = append(clauses, "updated_at = ?")
	args = append(args, t.s.stamp(), string(op), id, id)

	res, err := q.ExecContext(ctx, "UPDATE "+t.name+" SET "+strings.Join(clauses, ", ")+`,
		pending_sync = 1,
		sync_op = CASE WHEN is_placeholder = 1 THEN 'create' ELSE ? END,
		sync_error = NULL, sync_attempts = 0, sync_parked = 0
		WHERE (id = ? OR client_id = ?) AND deleted = 0`, args...)
	if err != nil {
		return fmt.Errorf("store: update %s: %w", t.name, err)
	}
	return requireRow(res)
}

// MarkPendingDelete tombstones a row and records a pending delete.
func (t *table[T, P]) MarkPendingDelete(ctx context.Context, id string) error {
	return t.s.withTx(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx, "UPDATE "+t.name+`
			SET deleted = 1, updated_at = ?, pending_sync = 1, sync_op = 'delete',
				sync_error = NULL, sync_attempts = 0, sync_parked = 0
			WHERE (id = ? OR client_id = ?) AND deleted = 0`, t.s.stamp(), id, id)
		if err != nil {
			return fmt.Errorf("store: delete %s: %w", t.name, err)
		}
		return requireRow(res)
	})
}

// MarkSynced promotes localID to serverID and clears pending state. Equal
// ids only clear pending state.
func (t *table[T, P]) MarkSynced(ctx context.Context, localID, serverID string) error {
	return t.s.withTx(ctx, func(q querier) error {
		cur, err := t.lookup(ctx, q, "id = ?", localID)
		if err != nil {
			return err
		}
		if cur == nil {
			return ErrNotFound
		}
		return t.promote(ctx, q, cur, serverID, "", false)
	})
}

// ConfirmPush is MarkSynced for a push that sent the row as of
// pushedUpdatedAt. If the row changed while the request was in flight it
// stays pending: as a delete if it was tombstoned, otherwise as an update.
func (t *table[T, P]) ConfirmPush(ctx context.Context, localID, serverID, pushedUpdatedAt string) error {
	return t.s.withTx(ctx, func(q querier) error {
		cur, err := t.lookup(ctx, q, "id = ?", localID)
		if err != nil {
			return err
		}
		if cur == nil {
			return ErrNotFound
		}
		return t.promote(ctx, q, cur, serverID, pushedUpdatedAt, true)
	})
}

// promote renames cur to serverID, folding in any pulled twin that already
// holds serverID, and settles its pending state.
func (t *table[T, P]) promote(ctx context.Context, q querier, cur *existing, serverID, pushedAt string, checkDrift bool) error {
	if serverID == "" {
		serverID = cur.id
	}
	if serverID != cur.id {
		twin, err := t.lookup(ctx, q, "id = ?", serverID)
		if err != nil {
			return err
		}
		if twin != nil {
			if err := t.repointChildren(ctx, q, cur.clientID, twin.clientID); err != nil {
				return err
			}
			if _, err := q.ExecContext(ctx, "DELETE FROM "+t.name+" WHERE id = ?", serverID); err != nil {
				return fmt.Errorf("store: fold %s twin: %w", t.name, err)
			}
		}
		if err := t.repointChildren(ctx, q, cur.clientID, serverID); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, "UPDATE "+t.name+" SET id = ? WHERE id = ?", serverID, cur.id); err != nil {
			return fmt.Errorf("store: promote %s: %w", t.name, err)
		}
	}

	if checkDrift && cur.updatedAt != pushedAt {
		return t.keepPending(ctx, q, serverID)
	}
	_, err := q.ExecContext(ctx, "UPDATE "+t.name+`
		SET is_placeholder = 0, pending_sync = 0, sync_op = NULL, sync_error = NULL,
			sync_attempts = 0, sync_parked = 0
		WHERE id = ?`, serverID)
	if err != nil {
		return fmt.Errorf("store: mark %s synced: %w", t.name, err)
	}
	return nil
}

// keepPending marks a promoted row as still needing a push.
func (t *table[T, P]) keepPending(ctx context.Context, q querier, id string) error {
	_, err := q.ExecContext(ctx, "UPDATE "+t.name+`
		SET is_placeholder = 0, pending_sync = 1,
			sync_op = CASE WHEN deleted = 1 THEN 'delete' ELSE 'update' END,
			sync_error = NULL, sync_attempts = 0, sync_parked = 0
		WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: mark %s pending: %w", t.name, err)
	}
	return nil
}

// repointChildren rewrites child references holding from to clientID.
func (t *table[T, P]) repointChildren(ctx context.Context, q querier, clientID, from string) error {
	if from == "" || from == clientID {
		return nil
	}
	for _, c := range childColumns[t.name] {
		_, err := q.ExecContext(ctx, "UPDATE "+c.table+" SET "+c.column+" = ? WHERE "+c.column+" = ?", clientID, from)
		if err != nil {
			return fmt.Errorf("store: repoint %s.%s: %w", c.table, c.column, err)
		}
	}
	return nil
}

// MarkSyncError records a transient push failure. The row stays pending.
func (t *table[T, P]) MarkSyncError(ctx context.Context, id, msg string) error {
	return t.exec(ctx, "record sync error", "SET sync_error = ?, pending_sync = 1 WHERE id = ?", msg, id)
}

// MarkRejected records a rejection by the remote service and parks the row
// once it has been rejected limit times. A limit of 0 never parks. It
// reports whether the row is now parked.
func (t *table[T, P]) MarkRejected(ctx context.Context, id, msg string, limit int) (bool, error) {
	var parked bool
	err := t.s.withTx(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx, "UPDATE "+t.name+`
			SET sync_error = ?, pending_sync = 1, sync_attempts = sync_attempts + 1,
				sync_parked = CASE WHEN ? > 0 AND sync_attempts + 1 >= ? THEN 1 ELSE sync_parked END
			WHERE id = ?`, msg, limit, limit, id)
		if err != nil {
			return fmt.Errorf("store: record %s rejection: %w", t.name, err)
		}
		if err := requireRow(res); err != nil {
			return err
		}
		return q.QueryRowContext(ctx, "SELECT sync_parked FROM "+t.name+" WHERE id = ?", id).Scan(flag(&parked))
	})
	return parked, err
}

// MarkParked dead-letters a row. It stays pending and visible until requeued.
func (t *table[T, P]) MarkParked(ctx context.Context, id, msg string) error {
	return t.exec(ctx, "park", "SET sync_error = ?, pending_sync = 1, sync_parked = 1 WHERE id = ?", msg, id)
}

// Requeue clears the rejection count, parked flag and error of a pending row.
func (t *table[T, P]) Requeue(ctx context.Context, id string) error {
	return t.exec(ctx, "requeue",
		"SET sync_error = NULL, sync_attempts = 0, sync_parked = 0 WHERE (id = ? OR client_id = ?) AND pending_sync = 1", id, id)
}

// Settle clears the pending state of a row without contacting the remote
// service. Used for deletes of rows that were never created remotely.
func (t *table[T, P]) Settle(ctx context.Context, id string) error {
	return t.exec(ctx, "settle",
		"SET pending_sync = 0, sync_op = NULL, sync_error = NULL, sync_attempts = 0, sync_parked = 0 WHERE id = ?", id)
}

func (t *table[T, P]) exec(ctx context.Context, what, clause string, args ...any) error {
	return t.s.withTx(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx, "UPDATE "+t.name+" "+clause, args...)
		if err != nil {
			return fmt.Errorf("store: %s %s: %w", what, t.name, err)
		}
		return requireRow(res)
	})
}

// tombstoneChildren marks deleted the synced rows of t referencing
// parentKey that the server no longer lists. Pending rows are kept.
func (t *table[T, P]) tombstoneChildren(ctx context.Context, q querier, parentKey string, keep []string) error {
	ref, ok := t.ref(t.parent)
	if !ok {
		return nil
	}
	query := "UPDATE " + t.name + " SET deleted = 1, updated_at = ? WHERE " + ref.column +
		" = ? AND pending_sync = 0 AND deleted = 0"
	args := []any{t.s.stamp(), parentKey}
	if len(keep) > 0 {
		query += " AND id NOT IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(keep)), ", ") + ")"
		for _, id := range keep {
			args = append(args, id)
		}
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: tombstone %s: %w", t.name, err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
