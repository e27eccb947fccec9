// Package memory is the in-process store used by tests and local
// development. Transactions run one at a time; writes are staged and only
// become visible when the transaction function returns nil.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"zakat.org/internal/apperr"
	"zakat.org/internal/auth"
	"zakat.org/internal/notify"
	"zakat.org/internal/zakat"
)

// Store implements auth.Store, zakat.Store and notify.Store.
type Store struct {
	txMu sync.Mutex

	mu            sync.RWMutex
	users         map[string]auth.User
	claims        map[string]auth.UserClaims
	apps          map[string]zakat.Application
	history       map[string][]zakat.HistoryEntry
	disbursements []zakat.Disbursement
	flags         map[string]zakat.Flag
	notifications map[string]notify.Notification

	now func() time.Time
}

var (
	_ auth.Store   = (*Store)(nil)
	_ zakat.Store  = (*Store)(nil)
	_ notify.Store = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		users:         make(map[string]auth.User),
		claims:        make(map[string]auth.UserClaims),
		apps:          make(map[string]zakat.Application),
		history:       make(map[string][]zakat.HistoryEntry),
		flags:         make(map[string]zakat.Flag),
		notifications: make(map[string]notify.Notification),
		now:           time.Now,
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", apperr.ErrNotFound, kind, id)
}

// CreateUser inserts a user and its initial claims.
func (s *Store) CreateUser(_ context.Context, u auth.User) (auth.User, auth.UserClaims, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return auth.User{}, auth.UserClaims{}, auth.ErrAlreadyExists
	}
	now := s.now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	c := auth.UserClaims{UserID: u.ID, Role: u.Role, MasjidID: u.MasjidID, Version: 1, UpdatedAt: now}
	s.users[u.ID] = u
	s.claims[u.ID] = c
	return u, c, nil
}

// GetUser returns the user document.
func (s *Store) GetUser(_ context.Context, id string) (auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return auth.User{}, notFound("user", id)
	}
	return u, nil
}

// GetClaims returns the claims mirror.
func (s *Store) GetClaims(_ context.Context, userID string) (auth.UserClaims, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.claims[userID]
	if !ok {
		return auth.UserClaims{}, notFound("claims", userID)
	}
	return c, nil
}

// SetRole updates the user document and the claims mirror under one lock.
func (s *Store) SetRole(_ context.Context, userID string, role auth.Role, masjidID string) (auth.User, auth.UserClaims, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.User{}, auth.UserClaims{}, notFound("user", userID)
	}
	now := s.now().UTC()
	u.Role, u.MasjidID, u.UpdatedAt = role, masjidID, now
	c := s.claims[userID]
	c.UserID, c.Role, c.MasjidID, c.UpdatedAt = userID, role, masjidID, now
	c.Version++
	s.users[userID] = u
	s.claims[userID] = c
	return u, c, nil
}

// RunInTx serialises transactions and commits staged writes when fn
// succeeds.
func (s *Store) RunInTx(ctx context.Context, fn func(zakat.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memTx{
		store:   s,
		apps:    make(map[string]zakat.Application),
		flags:   make(map[string]zakat.Flag),
		flagged: make(map[string]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *Store) commit(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, app := range tx.apps {
		s.apps[id] = app
	}
	for _, h := range tx.history {
		s.history[h.ApplicationID] = append(s.history[h.ApplicationID], h)
	}
	s.disbursements = append(s.disbursements, tx.disbursements...)
	for id, f := range tx.flags {
		s.flags[id] = f
	}
	for id, flagged := range tx.flagged {
		if u, ok := s.users[id]; ok {
			u.IsFlagged = flagged
			u.UpdatedAt = s.now().UTC()
			s.users[id] = u
		}
	}
}

// ListApplications returns matching applications, newest first.
func (s *Store) ListApplications(_ context.Context, filter zakat.ListFilter) ([]zakat.Application, error) {
	s.mu.RLock()
	out := make([]zakat.Application, 0)
	for _, app := range s.apps {
		if filter.Match(app) {
			out = append(out, cloneApplication(app))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

type memTx struct {
	store         *Store
	apps          map[string]zakat.Application
	history       []zakat.HistoryEntry
	disbursements []zakat.Disbursement
	flags         map[string]zakat.Flag
	flagged       map[string]bool
}

func (t *memTx) GetApplication(_ context.Context, id string) (zakat.Application, error) {
	if app, ok := t.apps[id]; ok {
		return cloneApplication(app), nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	app, ok := t.store.apps[id]
	if !ok {
		return zakat.Application{}, notFound("application", id)
	}
	return cloneApplication(app), nil
}

func (t *memTx) PutApplication(_ context.Context, app zakat.Application) error {
	if strings.TrimSpace(app.ID) == "" {
		return fmt.Errorf("%w: application id missing", apperr.ErrInternal)
	}
	app.History = nil
	t.apps[app.ID] = cloneApplication(app)
	return nil
}

func (t *memTx) ApplicationsByApplicant(_ context.Context, applicantID string) ([]zakat.Application, error) {
	seen := make(map[string]struct{})
	var out []zakat.Application
	for id, app := range t.apps {
		if app.ApplicantID == applicantID {
			out = append(out, cloneApplication(app))
			seen[id] = struct{}{}
		}
	}
	t.store.mu.RLock()
	for id, app := range t.store.apps {
		if _, staged := seen[id]; staged || app.ApplicantID != applicantID {
			continue
		}
		out = append(out, cloneApplication(app))
	}
	t.store.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) AppendHistory(_ context.Context, entry zakat.HistoryEntry) error {
	t.history = append(t.history, entry)
	return nil
}

func (t *memTx) ListHistory(_ context.Context, applicationID string) ([]zakat.HistoryEntry, error) {
	t.store.mu.RLock()
	out := append([]zakat.HistoryEntry(nil), t.store.history[applicationID]...)
	t.store.mu.RUnlock()
	for _, h := range t.history {
		if h.ApplicationID == applicationID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (t *memTx) AddDisbursement(_ context.Context, d zakat.Disbursement) error {
	t.disbursements = append(t.disbursements, d)
	return nil
}

func (t *memTx) DisbursementByKey(ctx context.Context, applicationID, key string) (zakat.Disbursement, bool, error) {
	rows, _ := t.ListDisbursements(ctx, zakat.DisbursementFilter{ApplicationID: applicationID})
	for _, d := range rows {
		if d.IdempotencyKey == key {
			return d, true, nil
		}
	}
	return zakat.Disbursement{}, false, nil
}

func (t *memTx) ListDisbursements(_ context.Context, filter zakat.DisbursementFilter) ([]zakat.Disbursement, error) {
	match := func(d zakat.Disbursement) bool {
		if filter.ApplicationID != "" && d.ApplicationID != filter.ApplicationID {
			return false
		}
		if filter.ApplicantID != "" && d.ApplicantID != filter.ApplicantID {
			return false
		}
		return true
	}
	var out []zakat.Disbursement
	t.store.mu.RLock()
	for _, d := range t.store.disbursements {
		if match(d) {
			out = append(out, d)
		}
	}
	t.store.mu.RUnlock()
	for _, d := range t.disbursements {
		if match(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (t *memTx) GetUser(ctx context.Context, id string) (auth.User, error) {
	u, err := t.store.GetUser(ctx, id)
	if err != nil {
		return auth.User{}, err
	}
	if flagged, ok := t.flagged[id]; ok {
		u.IsFlagged = flagged
	}
	return u, nil
}

func (t *memTx) SetUserFlagged(ctx context.Context, userID string, flagged bool) error {
	if _, err := t.store.GetUser(ctx, userID); err != nil {
		return err
	}
	t.flagged[userID] = flagged
	return nil
}

func (t *memTx) PutFlag(_ context.Context, f zakat.Flag) error {
	if f.Resolution != nil {
		r := *f.Resolution
		f.Resolution = &r
	}
	t.flags[f.ID] = f
	return nil
}

func (t *memTx) GetFlag(_ context.Context, id string) (zakat.Flag, error) {
	if f, ok := t.flags[id]; ok {
		return f, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	f, ok := t.store.flags[id]
	if !ok {
		return zakat.Flag{}, notFound("flag", id)
	}
	return f, nil
}

func (t *memTx) ListFlags(_ context.Context, applicantID string) ([]zakat.Flag, error) {
	merged := make(map[string]zakat.Flag)
	t.store.mu.RLock()
	for id, f := range t.store.flags {
		if f.ApplicantID == applicantID {
			merged[id] = f
		}
	}
	t.store.mu.RUnlock()
	for id, f := range t.flags {
		if f.ApplicantID == applicantID {
			merged[id] = f
		}
	}
	out := make([]zakat.Flag, 0, len(merged))
	for _, f := range merged {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func cloneApplication(app zakat.Application) zakat.Application {
	out := app
	out.AdminNotes = append([]zakat.AdminNote(nil), app.AdminNotes...)
	out.History = append([]zakat.HistoryEntry(nil), app.History...)
	if app.Resolution != nil {
		r := *app.Resolution
		out.Resolution = &r
	}
	if app.SubmittedAt != nil {
		t := *app.SubmittedAt
		out.SubmittedAt = &t
	}
	return out
}
