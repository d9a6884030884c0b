package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ericfisherdev/leadbridge/internal/domain/model"
	"github.com/ericfisherdev/leadbridge/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.LeadStore = (*LeadRepo)(nil)

const leadColumns = `id, name, phone, email, comment, source,
	utm_source, utm_medium, utm_campaign, utm_content, utm_term,
	status, sync_state, sync_error, sync_attempts, amo_contact_id, amo_lead_id,
	COALESCE(idempotency_key, ''), created_at, updated_at`

const defaultListLimit = 50

// LeadRepo is the SQLite implementation of driven.LeadStore.
type LeadRepo struct {
	db  *DB
	now func() time.Time
}

// NewLeadRepo creates a new LeadRepo backed by the given DB.
func NewLeadRepo(db *DB) *LeadRepo {
	return &LeadRepo{db: db, now: time.Now}
}

// Create inserts lead. A repeated IdempotencyKey returns the earlier lead
// with created=false.
func (r *LeadRepo) Create(ctx context.Context, lead model.Lead) (model.Lead, bool, error) {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return model.Lead{}, false, fmt.Errorf("begin create lead: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if lead.IdempotencyKey != "" {
		row := tx.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE idempotency_key = ?`, lead.IdempotencyKey)
		existing, err := scanLead(row)
		if err == nil {
			return *existing, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return model.Lead{}, false, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	id, err := r.insert(ctx, tx, &lead)
	if err != nil {
		return model.Lead{}, false, err
	}

	if err := tx.Commit(); err != nil {
		return model.Lead{}, false, fmt.Errorf("commit create lead: %w", err)
	}

	lead.ID = id
	return lead, true, nil
}

// UpsertFromCRM inserts a lead first seen in an amoCRM webhook. Existing amoCRM
// ids are left untouched.
func (r *LeadRepo) UpsertFromCRM(ctx context.Context, lead model.Lead) (bool, error) {
	if lead.AmoLeadID == 0 {
		return false, errors.New("upsert from crm: amo lead id is required")
	}

	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin upsert lead: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM leads WHERE amo_lead_id = ?`, lead.AmoLeadID).Scan(&exists)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("lookup amo lead %d: %w", lead.AmoLeadID, err)
	}

	lead.SyncState = model.SyncStateSynced
	if _, err := r.insert(ctx, tx, &lead); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit upsert lead: %w", err)
	}
	return true, nil
}

func (r *LeadRepo) insert(ctx context.Context, tx *sql.Tx, lead *model.Lead) (int64, error) {
	now := r.now().UTC()
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = now
	}
	lead.UpdatedAt = now
	if lead.Status == "" {
		lead.Status = model.LeadStatusNew
	}
	if lead.SyncState == "" {
		lead.SyncState = model.SyncStatePending
	}
	if lead.Source == "" {
		lead.Source = model.DefaultLeadSource
	}

	var key sql.NullString
	if lead.IdempotencyKey != "" {
		key = sql.NullString{String: lead.IdempotencyKey, Valid: true}
	}

	const query = `
		INSERT INTO leads (name, phone, email, comment, source,
			utm_source, utm_medium, utm_campaign, utm_content, utm_term,
			status, sync_state, sync_error, amo_contact_id, amo_lead_id,
			idempotency_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := tx.ExecContext(ctx, query,
		lead.Name, lead.Phone, lead.Email, lead.Comment, lead.Source,
		lead.UTM.Source, lead.UTM.Medium, lead.UTM.Campaign, lead.UTM.Content, lead.UTM.Term,
		string(lead.Status), string(lead.SyncState), lead.SyncError, lead.AmoContactID, lead.AmoLeadID,
		key, formatTime(lead.CreatedAt), formatTime(lead.UpdatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert lead: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	lead.ID = id
	return id, nil
}

// GetByID returns the lead or driven.ErrNotFound.
func (r *LeadRepo) GetByID(ctx context.Context, id int64) (*model.Lead, error) {
	row := r.db.Reader.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = ?`, id)
	lead, err := scanLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, driven.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lead %d: %w", id, err)
	}
	return lead, nil
}

// GetByAmoLeadID returns (nil, nil) when no lead is linked to amoLeadID.
func (r *LeadRepo) GetByAmoLeadID(ctx context.Context, amoLeadID int64) (*model.Lead, error) {
	row := r.db.Reader.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE amo_lead_id = ?`, amoLeadID)
	lead, err := scanLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lead by amo id %d: %w", amoLeadID, err)
	}
	return lead, nil
}

// List returns a page of leads matching filter, newest first, and the total
// number of matches.
func (r *LeadRepo) List(ctx context.Context, filter model.LeadFilter) ([]model.Lead, int, error) {
	where, args := leadFilterClause(filter)

	var total int
	if err := r.db.Reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM leads`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count leads: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	offset := max(filter.Offset, 0)

	query := `SELECT ` + leadColumns + ` FROM leads` + where + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	leads, err := r.queryLeads(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	return leads, total, nil
}

func leadFilterClause(filter model.LeadFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.UTMSource != "" {
		conds = append(conds, "utm_source = ?")
		args = append(args, filter.UTMSource)
	}
	if filter.Search != "" {
		pattern := "%" + escapeLike(filter.Search) + "%"
		conds = append(conds, `(name LIKE ? ESCAPE '\' OR phone LIKE ? ESCAPE '\' OR email LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern, pattern)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// Stats counts leads by status and UTM source.
func (r *LeadRepo) Stats(ctx context.Context) (model.LeadStats, error) {
	stats := model.LeadStats{
		ByStatus:    make(map[model.LeadStatus]int),
		ByUTMSource: make(map[string]int),
	}

	rows, err := r.db.Reader.QueryContext(ctx, `SELECT status, COUNT(*) FROM leads GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("count leads by status: %w", err)
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return stats, fmt.Errorf("scan status count: %w", err)
		}
		stats.ByStatus[model.LeadStatus(status)] = n
		stats.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate status counts: %w", err)
	}

	rows, err = r.db.Reader.QueryContext(ctx, `SELECT utm_source, COUNT(*) FROM leads WHERE utm_source <> '' GROUP BY utm_source`)
	if err != nil {
		return stats, fmt.Errorf("count leads by utm_source: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			source string
			n      int
		)
		if err := rows.Scan(&source, &n); err != nil {
			return stats, fmt.Errorf("scan utm count: %w", err)
		}
		stats.ByUTMSource[source] = n
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate utm counts: %w", err)
	}

	const unsynced = `SELECT COUNT(*) FROM leads WHERE sync_state <> 'synced' AND status <> 'deleted'`
	if err := r.db.Reader.QueryRowContext(ctx, unsynced).Scan(&stats.Unsynced); err != nil {
		return stats, fmt.Errorf("count unsynced leads: %w", err)
	}

	return stats, nil
}

// ListUnsynced returns pending and failed leads, least recently touched first.
// A failed push bumps updated_at, so repeat failures rotate to the back.
func (r *LeadRepo) ListUnsynced(ctx context.Context, limit int) ([]model.Lead, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `SELECT ` + leadColumns + ` FROM leads
		WHERE sync_state IN ('pending', 'failed') AND status <> 'deleted'
		ORDER BY updated_at ASC, id ASC LIMIT ?`
	return r.queryLeads(ctx, query, limit)
}

// MarkSynced stores the amoCRM ids and clears any previous sync error.
func (r *LeadRepo) MarkSynced(ctx context.Context, id, amoContactID, amoLeadID int64) error {
	const query = `
		UPDATE leads SET amo_contact_id = ?, amo_lead_id = ?, sync_state = 'synced', sync_error = '', updated_at = ?
		WHERE id = ?`
	return r.execOne(ctx, fmt.Sprintf("mark lead %d synced", id), query, amoContactID, amoLeadID, formatTime(r.now()), id)
}

// MarkSyncFailed records why the last push to amoCRM failed and counts the
// attempt. permanent moves the lead out of the resync queue.
func (r *LeadRepo) MarkSyncFailed(ctx context.Context, id int64, reason string, permanent bool) error {
	state := model.SyncStateFailed
	if permanent {
		state = model.SyncStateRejected
	}
	const query = `
		UPDATE leads SET sync_state = ?, sync_error = ?, sync_attempts = sync_attempts + 1, updated_at = ?
		WHERE id = ?`
	return r.execOne(ctx, fmt.Sprintf("mark lead %d sync failed", id), query, string(state), reason, formatTime(r.now()), id)
}

// UpdateFromCRM sets status, and name when non-empty, on the lead linked to amoLeadID.
func (r *LeadRepo) UpdateFromCRM(ctx context.Context, amoLeadID int64, status model.LeadStatus, name string) error {
	const query = `
		UPDATE leads SET status = ?, name = CASE WHEN ? <> '' THEN ? ELSE name END, updated_at = ?
		WHERE amo_lead_id = ?`
	return r.execOne(ctx, fmt.Sprintf("update amo lead %d", amoLeadID), query,
		string(status), name, name, formatTime(r.now()), amoLeadID)
}

// UpdateContactInfo copies non-empty contact fields onto all leads linked to amoContactID.
func (r *LeadRepo) UpdateContactInfo(ctx context.Context, amoContactID int64, name, phone, email string) (int, error) {
	const query = `
		UPDATE leads SET
			name  = CASE WHEN ? <> '' THEN ? ELSE name END,
			phone = CASE WHEN ? <> '' THEN ? ELSE phone END,
			email = CASE WHEN ? <> '' THEN ? ELSE email END,
			updated_at = ?
		WHERE amo_contact_id = ?`
	res, err := r.db.Writer.ExecContext(ctx, query, name, name, phone, phone, email, email, formatTime(r.now()), amoContactID)
	if err != nil {
		return 0, fmt.Errorf("update contact %d: %w", amoContactID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func (r *LeadRepo) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.Writer.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, driven.ErrNotFound)
	}
	return nil
}

func (r *LeadRepo) queryLeads(ctx context.Context, query string, args ...any) ([]model.Lead, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query leads: %w", err)
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		leads = append(leads, *lead)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leads: %w", err)
	}
	return leads, nil
}

func scanLead(s scanner) (*model.Lead, error) {
	var (
		lead                 model.Lead
		status, syncState    string
		createdAt, updatedAt string
	)
	err := s.Scan(
		&lead.ID, &lead.Name, &lead.Phone, &lead.Email, &lead.Comment, &lead.Source,
		&lead.UTM.Source, &lead.UTM.Medium, &lead.UTM.Campaign, &lead.UTM.Content, &lead.UTM.Term,
		&status, &syncState, &lead.SyncError, &lead.SyncAttempts, &lead.AmoContactID, &lead.AmoLeadID,
		&lead.IdempotencyKey, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	lead.Status = model.LeadStatus(status)
	lead.SyncState = model.SyncState(syncState)

	if lead.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if lead.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &lead, nil
}
