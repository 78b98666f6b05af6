package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"counselbot/internal/models"
)

// Store is a typed façade over the users, cases and case_messages tables.
// Apart from the guarded AppendMessage it applies no business rules; every
// failure wraps models.ErrStore and a missing row wraps models.ErrNotFound.
type Store struct {
	db     *sql.DB
	driver string
}

// NewStore wraps an open database. dbType accepts the same names as Open.
func NewStore(db *sql.DB, dbType string) (*Store, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	driver, err := NormalizeDriver(dbType)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, driver: driver}, nil
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) q(query string) string {
	return Rebind(s.driver, query)
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", models.ErrStore, op, err)
}

// NewCaseID returns a 32 character lowercase hex id that is never all
// digits, so it cannot be mistaken for a list index.
func NewCaseID() string {
	for {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")
		if strings.IndexFunc(id, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
			return id
		}
	}
}

type scanner interface {
	Scan(dest ...any) error
}

// Users

const userColumns = `id, username, display_name, role, created_at, updated_at`

func scanUser(row scanner) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.Role, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	if u == nil || u.ID == 0 {
		return errors.New("user id required")
	}
	if !u.Role.Valid() {
		return fmt.Errorf("invalid role %q", u.Role)
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = u.CreatedAt
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
		u.ID, u.Username, u.DisplayName, string(u.Role), u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		return storeErr("create user", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE id = ?`), id)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %d: %w", id, models.ErrNotFound)
		}
		return nil, storeErr("get user", err)
	}
	return u, nil
}

// FindUserByUsername matches case-insensitively, with or without a leading @.
func (s *Store) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username == "" {
		return nil, fmt.Errorf("empty username: %w", models.ErrNotFound)
	}
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+userColumns+` FROM users WHERE LOWER(username) = ? ORDER BY id LIMIT 1`),
		strings.ToLower(username),
	)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user @%s: %w", username, models.ErrNotFound)
		}
		return nil, storeErr("find user", err)
	}
	return u, nil
}

func (s *Store) UpdateUserRole(ctx context.Context, id int64, role models.Role) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE users SET role = ?, updated_at = ? WHERE id = ?`),
		string(role), time.Now().UTC(), id,
	)
	if err != nil {
		return storeErr("update user role", err)
	}
	return nil
}

// UpdateUserProfile refreshes the names the transport reports for a user.
func (s *Store) UpdateUserProfile(ctx context.Context, id int64, username, displayName string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE users SET username = ?, display_name = ?, updated_at = ? WHERE id = ?`),
		username, displayName, time.Now().UTC(), id,
	)
	if err != nil {
		return storeErr("update user profile", err)
	}
	return nil
}

func (s *Store) ListUsersByRole(ctx context.Context, role models.Role) ([]*models.User, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+userColumns+` FROM users WHERE role = ? ORDER BY created_at ASC, id ASC`),
		string(role),
	)
	if err != nil {
		return nil, storeErr("list users", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, storeErr("scan user", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list users", err)
	}
	return users, nil
}

// Cases

const caseColumns = `id, requester_id, problem, status, responder_id, supervisor_id, alias, done, created_at, updated_at`

func scanCase(row scanner) (*models.Case, error) {
	var (
		c          models.Case
		responder  sql.NullInt64
		supervisor sql.NullInt64
		alias      sql.NullString
	)
	err := row.Scan(&c.ID, &c.RequesterID, &c.Problem, &c.Status, &responder, &supervisor, &alias, &c.Done, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.ResponderID = responder.Int64
	c.SupervisorID = supervisor.Int64
	c.Alias = alias.String
	return &c, nil
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// CreateCase inserts c, assigning an id when empty, and returns the id.
func (s *Store) CreateCase(ctx context.Context, c *models.Case) (string, error) {
	if c == nil {
		return "", errors.New("case required")
	}
	if c.ID == "" {
		c.ID = NewCaseID()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO cases (`+caseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.RequesterID, c.Problem, string(c.Status),
		nullInt64(c.ResponderID), nullInt64(c.SupervisorID), nullString(c.Alias),
		c.Done, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return "", storeErr("create case", err)
	}
	return c.ID, nil
}

// GetCase loads the case together with its messages in append order.
func (s *Store) GetCase(ctx context.Context, id string) (*models.Case, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+caseColumns+` FROM cases WHERE id = ?`), id)
	c, err := scanCase(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("case %s: %w", id, models.ErrNotFound)
		}
		return nil, storeErr("get case", err)
	}
	msgs, err := s.listMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Messages = msgs
	return c, nil
}

// UpdateCase applies the non-nil fields of upd and stamps updated_at.
func (s *Store) UpdateCase(ctx context.Context, id string, upd models.CaseUpdate) error {
	var (
		sets []string
		args []any
	)
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*upd.Status))
	}
	if upd.ResponderID != nil {
		sets = append(sets, "responder_id = ?")
		args = append(args, nullInt64(*upd.ResponderID))
	}
	if upd.SupervisorID != nil {
		sets = append(sets, "supervisor_id = ?")
		args = append(args, nullInt64(*upd.SupervisorID))
	}
	if upd.Alias != nil {
		sets = append(sets, "alias = ?")
		args = append(args, nullString(*upd.Alias))
	}
	if upd.Done != nil {
		sets = append(sets, "done = ?")
		args = append(args, *upd.Done)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := `UPDATE cases SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, s.q(query), args...); err != nil {
		return storeErr("update case", err)
	}
	return nil
}

// QueryCases returns cases matching f ordered by created_at then id.
// Messages are not loaded.
func (s *Store) QueryCases(ctx context.Context, f models.CaseFilter) ([]*models.Case, error) {
	var (
		where []string
		args  []any
	)
	if f.RequesterID != 0 {
		where = append(where, "requester_id = ?")
		args = append(args, f.RequesterID)
	}
	if f.ResponderID != 0 {
		where = append(where, "responder_id = ?")
		args = append(args, f.ResponderID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + caseColumns + ` FROM cases`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, storeErr("query cases", err)
	}
	defer rows.Close()

	var cases []*models.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, storeErr("scan case", err)
		}
		cases = append(cases, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("query cases", err)
	}
	return cases, nil
}

// AppendMessage inserts msg while the case is engaged with responderID and,
// in the same transaction, moves it from assigned to active. A closed case
// fails with ErrCaseClosed; a pending case or one held by another responder
// fails with ErrNoSelection.
func (s *Store) AppendMessage(ctx context.Context, msg *models.Message, responderID int64) (err error) {
	if msg == nil || msg.CaseID == "" {
		return errors.New("message with case id required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin append", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// the guarded update takes the row lock before the insert
	res, err := tx.ExecContext(ctx,
		s.q(`UPDATE cases SET status = CASE WHEN status = ? THEN ? ELSE status END, updated_at = ?
			WHERE id = ? AND status IN (?, ?) AND responder_id = ?`),
		string(models.StatusAssigned), string(models.StatusActive), msg.CreatedAt,
		msg.CaseID, string(models.StatusAssigned), string(models.StatusActive), responderID,
	)
	if err != nil {
		return storeErr("claim case", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("claim case", err)
	}
	if n == 0 {
		err = s.staleTarget(ctx, tx, msg.CaseID, responderID)
		return err
	}

	insert := `INSERT INTO case_messages (case_id, sender_role, sender_id, body, created_at) VALUES (?, ?, ?, ?, ?)`
	args := []any{msg.CaseID, string(msg.SenderRole), msg.SenderID, msg.Text, msg.CreatedAt}
	if s.driver == DriverPostgres {
		err = tx.QueryRowContext(ctx, s.q(insert+` RETURNING id`), args...).Scan(&msg.ID)
		if err != nil {
			return storeErr("insert message", err)
		}
	} else {
		res, execErr := tx.ExecContext(ctx, s.q(insert), args...)
		if execErr != nil {
			err = execErr
			return storeErr("insert message", err)
		}
		if msg.ID, err = res.LastInsertId(); err != nil {
			return storeErr("message id", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return storeErr("commit append", err)
	}
	return nil
}

// staleTarget explains why a guarded append matched no row.
func (s *Store) staleTarget(ctx context.Context, tx *sql.Tx, caseID string, responderID int64) error {
	var status models.CaseStatus
	err := tx.QueryRowContext(ctx, s.q(`SELECT status FROM cases WHERE id = ?`), caseID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("case %s: %w", caseID, models.ErrNotFound)
	case err != nil:
		return storeErr("lookup case", err)
	case status == models.StatusClosed:
		return fmt.Errorf("case %s: %w", models.Prefix(caseID, 8), models.ErrCaseClosed)
	}
	return fmt.Errorf("case %s is %s and not with responder %d: %w",
		models.Prefix(caseID, 8), status, responderID, models.ErrNoSelection)
}

func (s *Store) listMessages(ctx context.Context, caseID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT id, case_id, sender_role, sender_id, body, created_at FROM case_messages WHERE case_id = ? ORDER BY id ASC`),
		caseID,
	)
	if err != nil {
		return nil, storeErr("list messages", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.CaseID, &m.SenderRole, &m.SenderID, &m.Text, &m.CreatedAt); err != nil {
			return nil, storeErr("scan message", err)
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list messages", err)
	}
	return msgs, nil
}
