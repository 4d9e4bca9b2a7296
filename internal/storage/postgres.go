package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "nudgebot/pkg/logx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresStore shares the ledger between instances; the primary keys plus
// conditional upserts make claims and escalation marks single-winner.
type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pcfg.MaxConns = 10
	pcfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	st := &postgresStore{pool: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return st, nil
}

// migrationLock serializes migrations across instances sharing a database.
const migrationLock = 0x6e756467

// migrate applies pending migrations in one transaction under an advisory
// lock, so concurrent starts see either none or all of them.
func (s *postgresStore) migrate(ctx context.Context) error {
	ms, err := loadMigrations("postgres")
	if err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(migrationLock)); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	var current int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for _, m := range ms {
		if m.version <= current {
			continue
		}
		if _, err := tx.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, m.version); err != nil {
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		s.log.Debug("migration applied", logx.Int("version", m.version), logx.String("name", m.name))
	}
	return tx.Commit(ctx)
}

func (s *postgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *postgresStore) UpsertUser(ctx context.Context, u User) error {
	if strings.TrimSpace(u.ID) == "" {
		return errEmptyID("user")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, chat_id, thread_id, name, timezone, quiet_from, quiet_to, morning_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			chat_id = EXCLUDED.chat_id, thread_id = EXCLUDED.thread_id, name = EXCLUDED.name,
			timezone = EXCLUDED.timezone, quiet_from = EXCLUDED.quiet_from, quiet_to = EXCLUDED.quiet_to,
			morning_at = EXCLUDED.morning_at, updated_at = EXCLUDED.updated_at`,
		u.ID, u.ChatID, u.ThreadID, u.Name, u.Timezone, u.QuietFrom, u.QuietTo, u.MorningAt, pgTime(u.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}
	return nil
}

const userCols = `id, chat_id, thread_id, name, timezone, quiet_from, quiet_to, morning_at, updated_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.ChatID, &u.ThreadID, &u.Name, &u.Timezone, &u.QuietFrom, &u.QuietTo,
		&u.MorningAt, &u.UpdatedAt)
	u.UpdatedAt = u.UpdatedAt.UTC()
	return u, err
}

func (s *postgresStore) GetUser(ctx context.Context, id string) (User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

func (s *postgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userCols+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *postgresStore) UpsertEntity(ctx context.Context, e Entity) error {
	if strings.TrimSpace(e.ID) == "" {
		return errEmptyID("entity")
	}
	if e.State == "" {
		e.State = EntityActive
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO entities (id, user_id, kind, title, recurrence, deadline, state, include_content, content_prompt, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id, kind = EXCLUDED.kind, title = EXCLUDED.title,
			recurrence = EXCLUDED.recurrence, deadline = EXCLUDED.deadline, state = EXCLUDED.state,
			include_content = EXCLUDED.include_content, content_prompt = EXCLUDED.content_prompt,
			updated_at = EXCLUDED.updated_at`,
		e.ID, e.UserID, string(e.Kind), e.Title, e.Recurrence, e.Deadline, string(e.State),
		e.IncludeContent, e.ContentPrompt, pgTime(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert entity %s: %w", e.ID, err)
	}
	return nil
}

const entityCols = `id, user_id, kind, title, recurrence, deadline, state, include_content, content_prompt, updated_at`

func scanEntity(row pgx.Row) (Entity, error) {
	var (
		e           Entity
		kind, state string
	)
	err := row.Scan(&e.ID, &e.UserID, &kind, &e.Title, &e.Recurrence, &e.Deadline, &state,
		&e.IncludeContent, &e.ContentPrompt, &e.UpdatedAt)
	e.Kind, e.State = EntityKind(kind), EntityState(state)
	e.UpdatedAt = e.UpdatedAt.UTC()
	if e.Deadline != nil {
		d := e.Deadline.UTC()
		e.Deadline = &d
	}
	return e, err
}

func (s *postgresStore) GetEntity(ctx context.Context, id string) (Entity, error) {
	e, err := scanEntity(s.pool.QueryRow(ctx, `SELECT `+entityCols+` FROM entities WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entity{}, ErrNotFound
	}
	if err != nil {
		return Entity{}, fmt.Errorf("get entity %s: %w", id, err)
	}
	return e, nil
}

func (s *postgresStore) ListActiveEntities(ctx context.Context) ([]Entity, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+entityCols+` FROM entities WHERE state = $1 ORDER BY id`, string(EntityActive))
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()
	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *postgresStore) UpsertDelegation(ctx context.Context, d Delegation) error {
	if strings.TrimSpace(d.ID) == "" {
		return errEmptyID("delegation")
	}
	if d.Status == "" {
		d.Status = DelegationActive
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO delegations (id, task_id, title, delegator_id, assignee_id, deadline, assigned_at, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			task_id = EXCLUDED.task_id, title = EXCLUDED.title, delegator_id = EXCLUDED.delegator_id,
			assignee_id = EXCLUDED.assignee_id, deadline = EXCLUDED.deadline, assigned_at = EXCLUDED.assigned_at,
			status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		d.ID, d.TaskID, d.Title, d.DelegatorID, d.AssigneeID, d.Deadline, orEpoch(d.AssignedAt),
		string(d.Status), pgTime(d.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert delegation %s: %w", d.ID, err)
	}
	return nil
}

func (s *postgresStore) ListOpenDelegations(ctx context.Context) ([]Delegation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, title, delegator_id, assignee_id, deadline, assigned_at, status, updated_at
		FROM delegations WHERE status = $1 ORDER BY id`, string(DelegationActive))
	if err != nil {
		return nil, fmt.Errorf("list delegations: %w", err)
	}
	defer rows.Close()
	var out []Delegation
	for rows.Next() {
		var (
			d      Delegation
			status string
		)
		if err := rows.Scan(&d.ID, &d.TaskID, &d.Title, &d.DelegatorID, &d.AssigneeID,
			&d.Deadline, &d.AssignedAt, &status, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan delegation: %w", err)
		}
		d.Status = DelegationStatus(status)
		d.Deadline, d.AssignedAt, d.UpdatedAt = d.Deadline.UTC(), unEpoch(d.AssignedAt), d.UpdatedAt.UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *postgresStore) SetDelegationStatus(ctx context.Context, id string, status DelegationStatus, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE delegations SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), pgTime(at), id)
	if err != nil {
		return fmt.Errorf("update delegation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) EnsureOccurrence(ctx context.Context, entityID, key string, fireAt, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO occurrences (entity_id, occ_key, state, fire_at, updated_at)
		VALUES ($1, $2, 'pending', $3, $4)
		ON CONFLICT (entity_id, occ_key) DO UPDATE SET fire_at = EXCLUDED.fire_at, updated_at = EXCLUDED.updated_at
		WHERE occurrences.state <> 'fired' AND occurrences.fire_at <> EXCLUDED.fire_at`,
		entityID, key, fireAt.UTC(), pgTime(now))
	if err != nil {
		return fmt.Errorf("ensure occurrence %s/%s: %w", entityID, key, err)
	}
	return nil
}

func (s *postgresStore) ClaimOccurrence(ctx context.Context, entityID, key string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO occurrences (entity_id, occ_key, state, fire_at, fired_at, updated_at)
		VALUES ($1, $2, 'fired', $3, $3, $3)
		ON CONFLICT (entity_id, occ_key) DO UPDATE SET
			state = 'fired', fired_at = EXCLUDED.fired_at, updated_at = EXCLUDED.updated_at
		WHERE occurrences.state <> 'fired'`,
		entityID, key, now.UTC())
	return affected(tag, err, "claim occurrence "+entityID+"/"+key)
}

func (s *postgresStore) MarkContentReady(ctx context.Context, entityID, key, content string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO occurrences (entity_id, occ_key, state, content, updated_at)
		VALUES ($1, $2, 'content_ready', $3, $4)
		ON CONFLICT (entity_id, occ_key) DO UPDATE SET
			state = 'content_ready', content = EXCLUDED.content, fail_reason = '', updated_at = EXCLUDED.updated_at
		WHERE occurrences.state <> 'fired'`,
		entityID, key, content, pgTime(now))
	return affected(tag, err, "mark content ready "+entityID+"/"+key)
}

func (s *postgresStore) MarkFailed(ctx context.Context, entityID, key, reason string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO occurrences (entity_id, occ_key, state, fail_reason, updated_at)
		VALUES ($1, $2, 'failed', $3, $4)
		ON CONFLICT (entity_id, occ_key) DO UPDATE SET
			state = 'failed', fail_reason = EXCLUDED.fail_reason, updated_at = EXCLUDED.updated_at
		WHERE occurrences.state NOT IN ('fired', 'content_ready')`,
		entityID, key, reason, pgTime(now))
	return affected(tag, err, "mark failed "+entityID+"/"+key)
}

func (s *postgresStore) RecordDelivery(ctx context.Context, entityID, key string, out DeliveryOutcome) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE occurrences SET delivery = $1, attempts = $2, last_error = $3, updated_at = $4
		WHERE entity_id = $5 AND occ_key = $6`,
		string(out.Status), out.Attempts, out.Err, pgTime(out.At), entityID, key)
	ok, err := affected(tag, err, "record delivery "+entityID+"/"+key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) GetOccurrence(ctx context.Context, entityID, key string) (Occurrence, error) {
	var (
		o            Occurrence
		state, deliv string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT entity_id, occ_key, state, fire_at, content, fail_reason, fired_at, delivery, attempts, last_error, updated_at
		FROM occurrences WHERE entity_id = $1 AND occ_key = $2`, entityID, key).
		Scan(&o.EntityID, &o.Key, &state, &o.FireAt, &o.Content, &o.FailReason, &o.FiredAt,
			&deliv, &o.Attempts, &o.LastError, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Occurrence{}, ErrNotFound
	}
	if err != nil {
		return Occurrence{}, fmt.Errorf("get occurrence %s/%s: %w", entityID, key, err)
	}
	o.State, o.Delivery = OccurrenceState(state), DeliveryStatus(deliv)
	o.FireAt, o.UpdatedAt = unEpoch(o.FireAt), o.UpdatedAt.UTC()
	if o.FiredAt != nil {
		t := o.FiredAt.UTC()
		o.FiredAt = &t
	}
	return o, nil
}

func (s *postgresStore) MarkEscalated(ctx context.Context, delegationID, threshold string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO escalations (delegation_id, threshold, notified_at) VALUES ($1, $2, $3)
		ON CONFLICT (delegation_id, threshold) DO NOTHING`,
		delegationID, threshold, at.UTC())
	return affected(tag, err, "mark escalation "+delegationID+"/"+threshold)
}

func (s *postgresStore) ListEscalated(ctx context.Context, delegationID string) ([]EscalationMark, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT delegation_id, threshold, notified_at FROM escalations
		WHERE delegation_id = $1 ORDER BY notified_at, threshold`, delegationID)
	if err != nil {
		return nil, fmt.Errorf("list escalations %s: %w", delegationID, err)
	}
	defer rows.Close()
	var out []EscalationMark
	for rows.Next() {
		var m EscalationMark
		if err := rows.Scan(&m.DelegationID, &m.Threshold, &m.NotifiedAt); err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		m.NotifiedAt = m.NotifiedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *postgresStore) SaveContent(ctx context.Context, entityID, content string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO habit_content (entity_id, content, generated_at) VALUES ($1, $2, $3)`,
		entityID, content, pgTime(at))
	if err != nil {
		return fmt.Errorf("save content %s: %w", entityID, err)
	}
	return nil
}

func (s *postgresStore) FreshContent(ctx context.Context, entityID string, since time.Time, maxUses int) (CachedContent, error) {
	var c CachedContent
	err := s.pool.QueryRow(ctx, `
		SELECT id, entity_id, content, generated_at, used_count, last_used FROM habit_content
		WHERE entity_id = $1 AND used_count < $2 AND generated_at >= $3
		ORDER BY id DESC LIMIT 1`, entityID, maxUses, since.UTC()).
		Scan(&c.ID, &c.EntityID, &c.Content, &c.GeneratedAt, &c.UsedCount, &c.LastUsed)
	if errors.Is(err, pgx.ErrNoRows) {
		return CachedContent{}, ErrNotFound
	}
	if err != nil {
		return CachedContent{}, fmt.Errorf("read content %s: %w", entityID, err)
	}
	c.GeneratedAt = c.GeneratedAt.UTC()
	if c.LastUsed != nil {
		t := c.LastUsed.UTC()
		c.LastUsed = &t
	}
	return c, nil
}

func (s *postgresStore) MarkContentUsed(ctx context.Context, entityID, content string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE habit_content SET used_count = used_count + 1, last_used = $1
		WHERE id = (SELECT MAX(id) FROM habit_content WHERE entity_id = $2 AND content = $3)`,
		pgTime(at), entityID, content)
	return affected(tag, err, "mark content used "+entityID)
}

func affected(tag pgconn.CommandTag, err error, what string) (bool, error) {
	if err != nil {
		return false, fmt.Errorf("%s: %w", what, err)
	}
	return tag.RowsAffected() > 0, nil
}

// pgTime maps the zero time to now so NOT NULL timestamp columns stay meaningful.
func pgTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func orEpoch(t time.Time) time.Time {
	if t.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return t.UTC()
}

// unEpoch maps the 'epoch' column default back to the zero time.
func unEpoch(t time.Time) time.Time {
	if t.Unix() == 0 {
		return time.Time{}
	}
	return t.UTC()
}
