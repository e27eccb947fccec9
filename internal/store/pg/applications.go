package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"zakat.org/internal/auth"
	"zakat.org/internal/zakat"
)

// pgTx is the zakat.Tx view of one serializable transaction. Applications
// are stored as a JSON document plus the columns used for filtering.
type pgTx struct {
	tx *sql.Tx
}

func decodeApplication(envelope string, doc []byte) (zakat.Application, error) {
	var app zakat.Application
	if err := json.Unmarshal(doc, &app); err != nil {
		return zakat.Application{}, fmt.Errorf("decode application: %w", err)
	}
	app.SSNEnvelope = envelope
	app.History = nil
	return app, nil
}

func scanApplications(rows *sql.Rows) ([]zakat.Application, error) {
	defer rows.Close()
	out := make([]zakat.Application, 0)
	for rows.Next() {
		var (
			envelope string
			doc      []byte
		)
		if err := rows.Scan(&envelope, &doc); err != nil {
			return nil, err
		}
		app, err := decodeApplication(envelope, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, app)
	}
	return out, rows.Err()
}

func (t *pgTx) GetApplication(ctx context.Context, id string) (zakat.Application, error) {
	var (
		envelope string
		doc      []byte
	)
	err := t.tx.QueryRowContext(ctx, `
		select ssn_envelope, doc from applications where id = $1 for update
	`, id).Scan(&envelope, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return zakat.Application{}, notFound("application", id)
	}
	if err != nil {
		return zakat.Application{}, err
	}
	return decodeApplication(envelope, doc)
}

func (t *pgTx) PutApplication(ctx context.Context, app zakat.Application) error {
	app.History = nil
	doc, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("encode application: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		insert into applications (id, application_number, applicant_id, masjid_id, status,
			assigned_to, assigned_to_masjid, handling_masjid_id, ssn_envelope, doc, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		on conflict (id) do update set
			masjid_id = excluded.masjid_id,
			status = excluded.status,
			assigned_to = excluded.assigned_to,
			assigned_to_masjid = excluded.assigned_to_masjid,
			handling_masjid_id = excluded.handling_masjid_id,
			ssn_envelope = excluded.ssn_envelope,
			doc = excluded.doc,
			updated_at = excluded.updated_at
	`, app.ID, app.ApplicationNumber, app.ApplicantID, app.MasjidID, string(app.Status),
		app.AssignedTo, app.AssignedToMasjid, app.HandlingMasjidID, app.SSNEnvelope, doc,
		app.CreatedAt, app.UpdatedAt)
	return err
}

func (t *pgTx) ApplicationsByApplicant(ctx context.Context, applicantID string) ([]zakat.Application, error) {
	rows, err := t.tx.QueryContext(ctx, `
		select ssn_envelope, doc from applications
		where applicant_id = $1
		order by created_at asc
		for update
	`, applicantID)
	if err != nil {
		return nil, err
	}
	return scanApplications(rows)
}

func (t *pgTx) AppendHistory(ctx context.Context, entry zakat.HistoryEntry) error {
	doc, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		insert into application_history (id, application_id, action, doc, created_at)
		values ($1, $2, $3, $4, $5)
	`, entry.ID, entry.ApplicationID, string(entry.Action), doc, entry.CreatedAt)
	return err
}

func (t *pgTx) ListHistory(ctx context.Context, applicationID string) ([]zakat.HistoryEntry, error) {
	rows, err := t.tx.QueryContext(ctx, `
		select doc from application_history
		where application_id = $1
		order by created_at asc, id asc
	`, applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []zakat.HistoryEntry
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var h zakat.HistoryEntry
		if err := json.Unmarshal(doc, &h); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (t *pgTx) AddDisbursement(ctx context.Context, d zakat.Disbursement) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode disbursement: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		insert into disbursements (id, application_id, applicant_id, masjid_id, amount, method,
			idempotency_key, doc, disbursed_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, d.ID, d.ApplicationID, d.ApplicantID, d.MasjidID, d.Amount, string(d.Method),
		nullIfEmpty(d.IdempotencyKey), doc, d.DisbursedAt)
	return err
}

func scanDisbursements(rows *sql.Rows) ([]zakat.Disbursement, error) {
	defer rows.Close()
	var out []zakat.Disbursement
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var d zakat.Disbursement
		if err := json.Unmarshal(doc, &d); err != nil {
			return nil, fmt.Errorf("decode disbursement: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (t *pgTx) DisbursementByKey(ctx context.Context, applicationID, key string) (zakat.Disbursement, bool, error) {
	rows, err := t.tx.QueryContext(ctx, `
		select doc from disbursements
		where application_id = $1 and idempotency_key = $2
	`, applicationID, key)
	if err != nil {
		return zakat.Disbursement{}, false, err
	}
	found, err := scanDisbursements(rows)
	if err != nil || len(found) == 0 {
		return zakat.Disbursement{}, false, err
	}
	return found[0], true, nil
}

func (t *pgTx) ListDisbursements(ctx context.Context, filter zakat.DisbursementFilter) ([]zakat.Disbursement, error) {
	var (
		column string
		value  string
	)
	switch {
	case filter.ApplicationID != "":
		column, value = "application_id", filter.ApplicationID
	case filter.ApplicantID != "":
		column, value = "applicant_id", filter.ApplicantID
	default:
		return nil, errors.New("disbursement filter requires an application or applicant id")
	}
	rows, err := t.tx.QueryContext(ctx, `
		select doc from disbursements
		where `+column+` = $1
		order by disbursed_at asc, id asc
	`, value)
	if err != nil {
		return nil, err
	}
	return scanDisbursements(rows)
}

func (t *pgTx) GetUser(ctx context.Context, id string) (auth.User, error) {
	return getUser(ctx, t.tx, id, false)
}

func (t *pgTx) SetUserFlagged(ctx context.Context, userID string, flagged bool) error {
	res, err := t.tx.ExecContext(ctx, `
		update users set is_flagged = $2, updated_at = now() where id = $1
	`, userID, flagged)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound("user", userID)
	}
	return nil
}

func (t *pgTx) PutFlag(ctx context.Context, f zakat.Flag) error {
	doc, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode flag: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		insert into flags (id, applicant_id, is_active, doc, created_at)
		values ($1, $2, $3, $4, $5)
		on conflict (id) do update set is_active = excluded.is_active, doc = excluded.doc
	`, f.ID, f.ApplicantID, f.IsActive, doc, f.CreatedAt)
	return err
}

func scanFlag(doc []byte) (zakat.Flag, error) {
	var f zakat.Flag
	if err := json.Unmarshal(doc, &f); err != nil {
		return zakat.Flag{}, fmt.Errorf("decode flag: %w", err)
	}
	return f, nil
}

func (t *pgTx) GetFlag(ctx context.Context, id string) (zakat.Flag, error) {
	var doc []byte
	err := t.tx.QueryRowContext(ctx, `select doc from flags where id = $1 for update`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return zakat.Flag{}, notFound("flag", id)
	}
	if err != nil {
		return zakat.Flag{}, err
	}
	return scanFlag(doc)
}

func (t *pgTx) ListFlags(ctx context.Context, applicantID string) ([]zakat.Flag, error) {
	rows, err := t.tx.QueryContext(ctx, `
		select doc from flags where applicant_id = $1 order by created_at desc
	`, applicantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]zakat.Flag, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		f, err := scanFlag(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListApplications translates the filter into SQL; ordering matches the
// in-memory adapter (newest first).
func (s *Store) ListApplications(ctx context.Context, filter zakat.ListFilter) ([]zakat.Application, error) {
	query, args := listQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanApplications(rows)
}

func listQuery(f zakat.ListFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.ApplicantID != "" {
		where = append(where, "applicant_id = "+arg(f.ApplicantID))
	}
	if f.AssignedTo != "" {
		where = append(where, "assigned_to = "+arg(f.AssignedTo))
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status = any("+arg(statusNames(f.Statuses))+")")
	}
	if f.PoolOnly {
		where = append(where, "assigned_to = ''", "status = any("+arg(statusNames(zakat.ActionableStatuses()))+")")
	}
	if f.ScopeMasjidID != "" {
		m := arg(f.ScopeMasjidID)
		open := "(masjid_id = '' or masjid_id = " + m + ")"
		if !f.PoolOnly {
			open = "(status <> 'draft' and " + open + ")"
		}
		where = append(where, "(case when assigned_to <> '' then assigned_to_masjid = "+m+
			" when handling_masjid_id = "+m+" then true else "+open+" end)")
	}

	var b strings.Builder
	b.WriteString("select ssn_envelope, doc from applications")
	if len(where) > 0 {
		b.WriteString(" where ")
		b.WriteString(strings.Join(where, " and "))
	}
	b.WriteString(" order by created_at desc, id desc")
	if f.Limit > 0 {
		b.WriteString(" limit " + arg(f.Limit))
	}
	return b.String(), args
}

func statusNames(statuses []zakat.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
