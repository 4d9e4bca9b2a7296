package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "nudgebot/pkg/logx"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// sqliteStore keeps times as unix milliseconds; 0 means unset.
type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

type userRow struct {
	ID        string `db:"id"`
	ChatID    int64  `db:"chat_id"`
	ThreadID  int    `db:"thread_id"`
	Name      string `db:"name"`
	Timezone  string `db:"timezone"`
	QuietFrom string `db:"quiet_from"`
	QuietTo   string `db:"quiet_to"`
	MorningAt string `db:"morning_at"`
	UpdatedAt int64  `db:"updated_at"`
}

type entityRow struct {
	ID             string        `db:"id"`
	UserID         string        `db:"user_id"`
	Kind           string        `db:"kind"`
	Title          string        `db:"title"`
	Recurrence     string        `db:"recurrence"`
	Deadline       sql.NullInt64 `db:"deadline"`
	State          string        `db:"state"`
	IncludeContent bool          `db:"include_content"`
	ContentPrompt  string        `db:"content_prompt"`
	UpdatedAt      int64         `db:"updated_at"`
}

type occurrenceRow struct {
	EntityID   string        `db:"entity_id"`
	Key        string        `db:"occ_key"`
	State      string        `db:"state"`
	FireAt     int64         `db:"fire_at"`
	Content    string        `db:"content"`
	FailReason string        `db:"fail_reason"`
	FiredAt    sql.NullInt64 `db:"fired_at"`
	Delivery   string        `db:"delivery"`
	Attempts   int           `db:"attempts"`
	LastError  string        `db:"last_error"`
	UpdatedAt  int64         `db:"updated_at"`
}

type delegationRow struct {
	ID          string `db:"id"`
	TaskID      string `db:"task_id"`
	Title       string `db:"title"`
	DelegatorID string `db:"delegator_id"`
	AssigneeID  string `db:"assignee_id"`
	Deadline    int64  `db:"deadline"`
	AssignedAt  int64  `db:"assigned_at"`
	Status      string `db:"status"`
	UpdatedAt   int64  `db:"updated_at"`
}

type contentRow struct {
	ID          int64         `db:"id"`
	EntityID    string        `db:"entity_id"`
	Content     string        `db:"content"`
	GeneratedAt int64         `db:"generated_at"`
	UsedCount   int           `db:"used_count"`
	LastUsed    sql.NullInt64 `db:"last_used"`
}

type escalationRow struct {
	DelegationID string `db:"delegation_id"`
	Threshold    string `db:"threshold"`
	NotifiedAt   int64  `db:"notified_at"`
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// One connection: claims serialize in SQLite anyway, and ":memory:" needs it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return st, nil
}

// migrate applies pending migrations, each in its own transaction together
// with its schema_version row.
func (s *sqliteStore) migrate(ctx context.Context) error {
	ms, err := loadMigrations("sqlite")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("creating schema_version: %w", err)
	}
	var current int
	if err := s.db.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	for _, m := range ms {
		if m.version <= current {
			continue
		}
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration v%d: %w", m.version, err)
		}
		s.log.Debug("migration applied", logx.Int("version", m.version), logx.String("name", m.name))
	}
	return nil
}

// schemaVersion reports the highest applied migration.
func (s *sqliteStore) schemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.GetContext(ctx, &v, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	return v, err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertUser(ctx context.Context, u User) error {
	if strings.TrimSpace(u.ID) == "" {
		return errEmptyID("user")
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO users (id, chat_id, thread_id, name, timezone, quiet_from, quiet_to, morning_at, updated_at)
		VALUES (:id, :chat_id, :thread_id, :name, :timezone, :quiet_from, :quiet_to, :morning_at, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			chat_id = excluded.chat_id, thread_id = excluded.thread_id, name = excluded.name,
			timezone = excluded.timezone, quiet_from = excluded.quiet_from, quiet_to = excluded.quiet_to,
			morning_at = excluded.morning_at, updated_at = excluded.updated_at`,
		userRow{
			ID: u.ID, ChatID: u.ChatID, ThreadID: u.ThreadID, Name: u.Name, Timezone: u.Timezone,
			QuietFrom: u.QuietFrom, QuietTo: u.QuietTo, MorningAt: u.MorningAt, UpdatedAt: toMS(u.UpdatedAt),
		})
	if err != nil {
		return fmt.Errorf("upserting user %s: %w", u.ID, err)
	}
	return nil
}

func (s *sqliteStore) GetUser(ctx context.Context, id string) (User, error) {
	var r userRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM users WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("getting user %s: %w", id, err)
	}
	return r.user(), nil
}

func (s *sqliteStore) ListUsers(ctx context.Context) ([]User, error) {
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM users ORDER BY id`); err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	out := make([]User, len(rows))
	for i, r := range rows {
		out[i] = r.user()
	}
	return out, nil
}

func (s *sqliteStore) UpsertEntity(ctx context.Context, e Entity) error {
	if strings.TrimSpace(e.ID) == "" {
		return errEmptyID("entity")
	}
	if e.State == "" {
		e.State = EntityActive
	}
	row := entityRow{
		ID: e.ID, UserID: e.UserID, Kind: string(e.Kind), Title: e.Title, Recurrence: e.Recurrence,
		State: string(e.State), IncludeContent: e.IncludeContent, ContentPrompt: e.ContentPrompt,
		UpdatedAt: toMS(e.UpdatedAt),
	}
	if e.Deadline != nil {
		row.Deadline = sql.NullInt64{Int64: e.Deadline.UnixMilli(), Valid: true}
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO entities (id, user_id, kind, title, recurrence, deadline, state, include_content, content_prompt, updated_at)
		VALUES (:id, :user_id, :kind, :title, :recurrence, :deadline, :state, :include_content, :content_prompt, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id, kind = excluded.kind, title = excluded.title,
			recurrence = excluded.recurrence, deadline = excluded.deadline, state = excluded.state,
			include_content = excluded.include_content, content_prompt = excluded.content_prompt,
			updated_at = excluded.updated_at`, row)
	if err != nil {
		return fmt.Errorf("upserting entity %s: %w", e.ID, err)
	}
	return nil
}

func (s *sqliteStore) GetEntity(ctx context.Context, id string) (Entity, error) {
	var r entityRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM entities WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, ErrNotFound
	}
	if err != nil {
		return Entity{}, fmt.Errorf("getting entity %s: %w", id, err)
	}
	return r.entity(), nil
}

func (s *sqliteStore) ListActiveEntities(ctx context.Context) ([]Entity, error) {
	var rows []entityRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM entities WHERE state = ? ORDER BY id`, string(EntityActive))
	if err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}
	out := make([]Entity, len(rows))
	for i, r := range rows {
		out[i] = r.entity()
	}
	return out, nil
}

func (s *sqliteStore) UpsertDelegation(ctx context.Context, d Delegation) error {
	if strings.TrimSpace(d.ID) == "" {
		return errEmptyID("delegation")
	}
	if d.Status == "" {
		d.Status = DelegationActive
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO delegations (id, task_id, title, delegator_id, assignee_id, deadline, assigned_at, status, updated_at)
		VALUES (:id, :task_id, :title, :delegator_id, :assignee_id, :deadline, :assigned_at, :status, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			task_id = excluded.task_id, title = excluded.title, delegator_id = excluded.delegator_id,
			assignee_id = excluded.assignee_id, deadline = excluded.deadline, assigned_at = excluded.assigned_at,
			status = excluded.status, updated_at = excluded.updated_at`,
		delegationRow{
			ID: d.ID, TaskID: d.TaskID, Title: d.Title, DelegatorID: d.DelegatorID, AssigneeID: d.AssigneeID,
			Deadline: toMS(d.Deadline), AssignedAt: toMS(d.AssignedAt), Status: string(d.Status),
			UpdatedAt: toMS(d.UpdatedAt),
		})
	if err != nil {
		return fmt.Errorf("upserting delegation %s: %w", d.ID, err)
	}
	return nil
}

func (s *sqliteStore) ListOpenDelegations(ctx context.Context) ([]Delegation, error) {
	var rows []delegationRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM delegations WHERE status = ? ORDER BY id`, string(DelegationActive))
	if err != nil {
		return nil, fmt.Errorf("listing delegations: %w", err)
	}
	out := make([]Delegation, len(rows))
	for i, r := range rows {
		out[i] = r.delegation()
	}
	return out, nil
}

func (s *sqliteStore) SetDelegationStatus(ctx context.Context, id string, status DelegationStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE delegations SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), toMS(at), id)
	if err != nil {
		return fmt.Errorf("updating delegation %s: %w", id, err)
	}
	return requireRow(res)
}

func (s *sqliteStore) EnsureOccurrence(ctx context.Context, entityID, key string, fireAt, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO occurrences (entity_id, occ_key, state, fire_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, occ_key) DO UPDATE SET fire_at = excluded.fire_at, updated_at = excluded.updated_at
		WHERE occurrences.state <> 'fired' AND occurrences.fire_at <> excluded.fire_at`,
		entityID, key, string(OccPending), toMS(fireAt), toMS(now))
	if err != nil {
		return fmt.Errorf("ensuring occurrence %s/%s: %w", entityID, key, err)
	}
	return nil
}

// ClaimOccurrence relies on the conditional upsert: a fired row is left
// untouched, so RowsAffected is 1 only for the winning caller.
func (s *sqliteStore) ClaimOccurrence(ctx context.Context, entityID, key string, now time.Time) (bool, error) {
	ms := toMS(now)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO occurrences (entity_id, occ_key, state, fire_at, fired_at, updated_at)
		VALUES (?, ?, 'fired', ?, ?, ?)
		ON CONFLICT(entity_id, occ_key) DO UPDATE SET
			state = 'fired', fired_at = excluded.fired_at, updated_at = excluded.updated_at
		WHERE occurrences.state <> 'fired'`,
		entityID, key, ms, ms, ms)
	if err != nil {
		return false, fmt.Errorf("claiming occurrence %s/%s: %w", entityID, key, err)
	}
	return changedOne(res)
}

func (s *sqliteStore) MarkContentReady(ctx context.Context, entityID, key, content string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO occurrences (entity_id, occ_key, state, content, updated_at)
		VALUES (?, ?, 'content_ready', ?, ?)
		ON CONFLICT(entity_id, occ_key) DO UPDATE SET
			state = 'content_ready', content = excluded.content, fail_reason = '', updated_at = excluded.updated_at
		WHERE occurrences.state <> 'fired'`,
		entityID, key, content, toMS(now))
	if err != nil {
		return false, fmt.Errorf("marking content ready %s/%s: %w", entityID, key, err)
	}
	return changedOne(res)
}

func (s *sqliteStore) MarkFailed(ctx context.Context, entityID, key, reason string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO occurrences (entity_id, occ_key, state, fail_reason, updated_at)
		VALUES (?, ?, 'failed', ?, ?)
		ON CONFLICT(entity_id, occ_key) DO UPDATE SET
			state = 'failed', fail_reason = excluded.fail_reason, updated_at = excluded.updated_at
		WHERE occurrences.state NOT IN ('fired', 'content_ready')`,
		entityID, key, reason, toMS(now))
	if err != nil {
		return false, fmt.Errorf("marking failed %s/%s: %w", entityID, key, err)
	}
	return changedOne(res)
}

func (s *sqliteStore) RecordDelivery(ctx context.Context, entityID, key string, out DeliveryOutcome) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE occurrences SET delivery = ?, attempts = ?, last_error = ?, updated_at = ?
		WHERE entity_id = ? AND occ_key = ?`,
		string(out.Status), out.Attempts, out.Err, toMS(out.At), entityID, key)
	if err != nil {
		return fmt.Errorf("recording delivery %s/%s: %w", entityID, key, err)
	}
	return requireRow(res)
}

func (s *sqliteStore) GetOccurrence(ctx context.Context, entityID, key string) (Occurrence, error) {
	var r occurrenceRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM occurrences WHERE entity_id = ? AND occ_key = ?`, entityID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return Occurrence{}, ErrNotFound
	}
	if err != nil {
		return Occurrence{}, fmt.Errorf("getting occurrence %s/%s: %w", entityID, key, err)
	}
	return r.occurrence(), nil
}

func (s *sqliteStore) MarkEscalated(ctx context.Context, delegationID, threshold string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO escalations (delegation_id, threshold, notified_at) VALUES (?, ?, ?)
		ON CONFLICT(delegation_id, threshold) DO NOTHING`,
		delegationID, threshold, toMS(at))
	if err != nil {
		return false, fmt.Errorf("marking escalation %s/%s: %w", delegationID, threshold, err)
	}
	return changedOne(res)
}

func (s *sqliteStore) ListEscalated(ctx context.Context, delegationID string) ([]EscalationMark, error) {
	var rows []escalationRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM escalations WHERE delegation_id = ? ORDER BY notified_at, threshold`, delegationID)
	if err != nil {
		return nil, fmt.Errorf("listing escalations %s: %w", delegationID, err)
	}
	out := make([]EscalationMark, len(rows))
	for i, r := range rows {
		out[i] = EscalationMark{DelegationID: r.DelegationID, Threshold: r.Threshold, NotifiedAt: fromMS(r.NotifiedAt)}
	}
	return out, nil
}

func (s *sqliteStore) SaveContent(ctx context.Context, entityID, content string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO habit_content (entity_id, content, generated_at) VALUES (?, ?, ?)`,
		entityID, content, toMS(at))
	if err != nil {
		return fmt.Errorf("saving content %s: %w", entityID, err)
	}
	return nil
}

func (s *sqliteStore) FreshContent(ctx context.Context, entityID string, since time.Time, maxUses int) (CachedContent, error) {
	var r contentRow
	err := s.db.GetContext(ctx, &r, `
		SELECT * FROM habit_content
		WHERE entity_id = ? AND used_count < ? AND generated_at >= ?
		ORDER BY id DESC LIMIT 1`,
		entityID, maxUses, since.UnixMilli())
	if errors.Is(err, sql.ErrNoRows) {
		return CachedContent{}, ErrNotFound
	}
	if err != nil {
		return CachedContent{}, fmt.Errorf("reading content %s: %w", entityID, err)
	}
	return r.cached(), nil
}

func (s *sqliteStore) MarkContentUsed(ctx context.Context, entityID, content string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE habit_content SET used_count = used_count + 1, last_used = ?
		WHERE id = (SELECT MAX(id) FROM habit_content WHERE entity_id = ? AND content = ?)`,
		toMS(at), entityID, content)
	if err != nil {
		return false, fmt.Errorf("marking content used %s: %w", entityID, err)
	}
	return changedOne(res)
}

func (r userRow) user() User {
	return User{
		ID: r.ID, ChatID: r.ChatID, ThreadID: r.ThreadID, Name: r.Name, Timezone: r.Timezone,
		QuietFrom: r.QuietFrom, QuietTo: r.QuietTo, MorningAt: r.MorningAt, UpdatedAt: fromMS(r.UpdatedAt),
	}
}

func (r contentRow) cached() CachedContent {
	c := CachedContent{
		ID: r.ID, EntityID: r.EntityID, Content: r.Content, GeneratedAt: fromMS(r.GeneratedAt),
		UsedCount: r.UsedCount,
	}
	if r.LastUsed.Valid {
		t := fromMS(r.LastUsed.Int64)
		c.LastUsed = &t
	}
	return c
}

func (r entityRow) entity() Entity {
	e := Entity{
		ID: r.ID, UserID: r.UserID, Kind: EntityKind(r.Kind), Title: r.Title, Recurrence: r.Recurrence,
		State: EntityState(r.State), IncludeContent: r.IncludeContent, ContentPrompt: r.ContentPrompt,
		UpdatedAt: fromMS(r.UpdatedAt),
	}
	if r.Deadline.Valid {
		d := fromMS(r.Deadline.Int64)
		e.Deadline = &d
	}
	return e
}

func (r occurrenceRow) occurrence() Occurrence {
	o := Occurrence{
		EntityID: r.EntityID, Key: r.Key, State: OccurrenceState(r.State), FireAt: fromMS(r.FireAt),
		Content: r.Content, FailReason: r.FailReason, Delivery: DeliveryStatus(r.Delivery),
		Attempts: r.Attempts, LastError: r.LastError, UpdatedAt: fromMS(r.UpdatedAt),
	}
	if r.FiredAt.Valid {
		t := fromMS(r.FiredAt.Int64)
		o.FiredAt = &t
	}
	return o
}

func (r delegationRow) delegation() Delegation {
	return Delegation{
		ID: r.ID, TaskID: r.TaskID, Title: r.Title, DelegatorID: r.DelegatorID, AssigneeID: r.AssigneeID,
		Deadline: fromMS(r.Deadline), AssignedAt: fromMS(r.AssignedAt), Status: DelegationStatus(r.Status),
		UpdatedAt: fromMS(r.UpdatedAt),
	}
}

func toMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func changedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func requireRow(res sql.Result) error {
	ok, err := changedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}
