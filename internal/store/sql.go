package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// errRaced marks a find-or-create whose insert lost to a concurrent writer.
var errRaced = errors.New("concurrent insert")

// SQLDB implements DB on database/sql. SQLite and Postgres share every query;
// placeholders are written as ? and rebound for Postgres.
type SQLDB struct {
	db      *sql.DB
	dialect dialect
}

func (s *SQLDB) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLDB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLDB) Close() error                   { return s.db.Close() }

// withTx runs fn in a transaction. A fn returning errRaced is retried once so
// the losing side of a concurrent insert re-reads the winner's row.
func (s *SQLDB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = s.runTx(ctx, fn)
		if !errors.Is(err, errRaced) {
			return err
		}
	}
	return err
}

func (s *SQLDB) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func affectedOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const userColumns = `u.id, u.auth_provider, u.auth_name, u.full_name, u.email, u.query_tokens, u.is_admin, u.is_tester, u.last_class_id`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var provider string
	var lastClass sql.NullInt64
	if err := row.Scan(&u.ID, &provider, &u.AuthName, &u.FullName, &u.Email, &u.QueryTokens, &u.IsAdmin, &u.IsTester, &lastClass); err != nil {
		return nil, err
	}
	u.AuthProvider = AuthProvider(provider)
	if lastClass.Valid {
		u.LastClassID = &lastClass.Int64
	}
	return &u, nil
}

func (s *SQLDB) GetUser(ctx context.Context, userID int64) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users u WHERE u.id = ?`), userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user %d: %w", userID, err)
	}
	return u, nil
}

func (s *SQLDB) GetLocalAuth(ctx context.Context, username string) (*LocalAuth, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var a LocalAuth
	err := s.db.QueryRowContext(ctx, s.q(`SELECT user_id, username, password FROM auth_local WHERE username = ?`), username).
		Scan(&a.UserID, &a.Username, &a.PasswordHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get local auth: %w", err)
	}
	return &a, nil
}

func (s *SQLDB) CreateLocalUser(ctx context.Context, in NewLocalUser) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Username) == "" || in.PasswordHash == "" || in.QueryTokens < 0 {
		return nil, fmt.Errorf("%w: username, password hash and non-negative tokens are required", ErrInvalid)
	}
	var userID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, s.q(`INSERT INTO users (auth_provider, auth_name, query_tokens, is_admin, is_tester) VALUES (?, ?, ?, ?, ?) RETURNING id`),
			string(ProviderLocal), in.Username, in.QueryTokens, in.IsAdmin, in.IsTester).Scan(&userID)
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		var linked int64
		err = tx.QueryRowContext(ctx, s.q(`INSERT INTO auth_local (user_id, username, password) VALUES (?, ?, ?) ON CONFLICT DO NOTHING RETURNING user_id`),
			userID, in.Username, in.PasswordHash).Scan(&linked)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: username %q exists", ErrConflict, in.Username)
		}
		if err != nil {
			return fmt.Errorf("insert local auth: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, userID)
}

func (s *SQLDB) SetLocalPassword(ctx context.Context, username, passwordHash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE auth_local SET password = ? WHERE username = ?`), passwordHash, username)
	if err != nil {
		return fmt.Errorf("set password: %w", err)
	}
	return affectedOne(res)
}

func (s *SQLDB) UpsertExternalUser(ctx context.Context, in ExternalUser) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validProvider(in.Provider) || in.Provider == ProviderLocal || in.ExtID == "" || in.QueryTokens < 0 {
		return nil, fmt.Errorf("%w: external provider and ext id are required", ErrInvalid)
	}
	var userID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, s.q(`SELECT user_id FROM auth_external WHERE auth_provider = ? AND ext_id = ?`),
			string(in.Provider), in.ExtID).Scan(&userID)
		switch {
		case err == nil:
			_, err = tx.ExecContext(ctx, s.q(`UPDATE users SET full_name = ?, email = ?, auth_name = ? WHERE id = ?`),
				in.FullName, in.Email, in.AuthName, userID)
			if err != nil {
				return fmt.Errorf("refresh user: %w", err)
			}
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("find external user: %w", err)
		}

		err = tx.QueryRowContext(ctx, s.q(`INSERT INTO users (auth_provider, auth_name, full_name, email, query_tokens) VALUES (?, ?, ?, ?, ?) RETURNING id`),
			string(in.Provider), in.AuthName, in.FullName, in.Email, in.QueryTokens).Scan(&userID)
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		var linked int64
		err = tx.QueryRowContext(ctx, s.q(`INSERT INTO auth_external (user_id, auth_provider, ext_id) VALUES (?, ?, ?) ON CONFLICT DO NOTHING RETURNING user_id`),
			userID, string(in.Provider), in.ExtID).Scan(&linked)
		if errors.Is(err, sql.ErrNoRows) {
			return errRaced
		}
		if err != nil {
			return fmt.Errorf("insert external auth: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, userID)
}

func (s *SQLDB) SetLastClass(ctx context.Context, userID, classID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE users SET last_class_id = ? WHERE id = ?`), classID, userID)
	if err != nil {
		return fmt.Errorf("set last class: %w", err)
	}
	return affectedOne(res)
}

func (s *SQLDB) ConsumeQueryToken(ctx context.Context, userID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE users SET query_tokens = query_tokens - 1 WHERE id = ? AND query_tokens > 0`), userID)
	if err != nil {
		return false, fmt.Errorf("consume query token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume query token: %w", err)
	}
	return n == 1, nil
}

func (s *SQLDB) AddQueryTokens(ctx context.Context, userID int64, n int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n <= 0 {
		return fmt.Errorf("%w: token count must be positive", ErrInvalid)
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE users SET query_tokens = query_tokens + ? WHERE id = ?`), n, userID)
	if err != nil {
		return fmt.Errorf("add query tokens: %w", err)
	}
	return affectedOne(res)
}

const consumerColumns = `id, lti_consumer, lti_secret, openai_key`

func (s *SQLDB) getConsumer(ctx context.Context, where string, arg any) (*Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var c Consumer
	err := s.db.QueryRowContext(ctx, s.q(`SELECT `+consumerColumns+` FROM consumers WHERE `+where), arg).
		Scan(&c.ID, &c.Key, &c.Secret, &c.OpenAIKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get consumer: %w", err)
	}
	return &c, nil
}

func (s *SQLDB) CreateConsumer(ctx context.Context, key, secret, openAIKey string) (*Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("%w: consumer key is required", ErrInvalid)
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(`INSERT INTO consumers (lti_consumer, lti_secret, openai_key) VALUES (?, ?, ?) ON CONFLICT DO NOTHING RETURNING id`),
		key, secret, openAIKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: consumer %q exists", ErrConflict, key)
	}
	if err != nil {
		return nil, fmt.Errorf("insert consumer: %w", err)
	}
	return &Consumer{ID: id, Key: key, Secret: secret, OpenAIKey: openAIKey}, nil
}

func (s *SQLDB) GetConsumer(ctx context.Context, consumerID int64) (*Consumer, error) {
	return s.getConsumer(ctx, `id = ?`, consumerID)
}

func (s *SQLDB) GetConsumerByKey(ctx context.Context, key string) (*Consumer, error) {
	return s.getConsumer(ctx, `lti_consumer = ?`, key)
}

func (s *SQLDB) SetConsumerOpenAIKey(ctx context.Context, consumerID int64, openAIKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE consumers SET openai_key = ? WHERE id = ?`), openAIKey, consumerID)
	if err != nil {
		return fmt.Errorf("set consumer key: %w", err)
	}
	return affectedOne(res)
}

const classSelect = `SELECT c.id, c.name, c.enabled,
	l.lti_consumer_id, l.lti_context_id,
	u.creator_user_id, u.openai_key, u.link_ident, u.link_reg_expires, u.model_id
FROM classes c
LEFT JOIN classes_lti l ON l.class_id = c.id
LEFT JOIN classes_user u ON u.class_id = c.id
WHERE `

func scanClass(row interface{ Scan(...any) error }) (*Class, error) {
	var c Class
	var consumerID, creatorID sql.NullInt64
	var contextID, openAIKey, link, expires, model sql.NullString
	if err := row.Scan(&c.ID, &c.Name, &c.Enabled, &consumerID, &contextID, &creatorID, &openAIKey, &link, &expires, &model); err != nil {
		return nil, err
	}
	if consumerID.Valid {
		c.Kind = ClassLTI
		c.ConsumerID = consumerID.Int64
		c.ContextID = contextID.String
		return &c, nil
	}
	c.Kind = ClassUser
	c.CreatorUserID = creatorID.Int64
	c.OpenAIKey = openAIKey.String
	c.LinkIdent = link.String
	c.LinkRegExpires = expires.String
	c.ModelID = model.String
	return &c, nil
}

func (s *SQLDB) getClass(ctx context.Context, where string, arg any) (*Class, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := scanClass(s.db.QueryRowContext(ctx, s.q(classSelect+where), arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get class: %w", err)
	}
	return c, nil
}

func (s *SQLDB) GetClass(ctx context.Context, classID int64) (*Class, error) {
	return s.getClass(ctx, `c.id = ?`, classID)
}

func (s *SQLDB) GetClassByLink(ctx context.Context, linkIdent string) (*Class, error) {
	return s.getClass(ctx, `u.link_ident = ?`, linkIdent)
}

func (s *SQLDB) FindOrCreateLTIClass(ctx context.Context, consumerID int64, contextID, name string) (*Class, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if contextID == "" || name == "" {
		return nil, fmt.Errorf("%w: context id and name are required", ErrInvalid)
	}
	var classID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM consumers WHERE id = ?`), consumerID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check consumer: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: consumer %d does not exist", ErrInvalid, consumerID)
		}

		err = tx.QueryRowContext(ctx, s.q(`SELECT class_id FROM classes_lti WHERE lti_consumer_id = ? AND lti_context_id = ?`),
			consumerID, contextID).Scan(&classID)
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("find lti class: %w", err)
		}

		err = tx.QueryRowContext(ctx, s.q(`INSERT INTO classes (name, enabled) VALUES (?, ?) RETURNING id`), name, true).Scan(&classID)
		if err != nil {
			return fmt.Errorf("insert class: %w", err)
		}
		var linked int64
		err = tx.QueryRowContext(ctx, s.q(`INSERT INTO classes_lti (class_id, lti_consumer_id, lti_context_id) VALUES (?, ?, ?) ON CONFLICT DO NOTHING RETURNING class_id`),
			classID, consumerID, contextID).Scan(&linked)
		if errors.Is(err, sql.ErrNoRows) {
			return errRaced
		}
		if err != nil {
			return fmt.Errorf("insert lti class: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetClass(ctx, classID)
}

func (s *SQLDB) CreateUserClass(ctx context.Context, in NewUserClass) (*Class, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Name) == "" || in.LinkIdent == "" {
		return nil, fmt.Errorf("%w: class name and link are required", ErrInvalid)
	}
	expires := in.LinkRegExpires
	if expires == "" {
		expires = LinkDisabled
	}
	var classID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, s.q(`INSERT INTO classes (name, enabled) VALUES (?, ?) RETURNING id`), in.Name, true).Scan(&classID)
		if err != nil {
			return fmt.Errorf("insert class: %w", err)
		}
		var linked int64
		err = tx.QueryRowContext(ctx, s.q(`INSERT INTO classes_user (class_id, creator_user_id, openai_key, link_ident, link_reg_expires, model_id) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING RETURNING class_id`),
			classID, in.CreatorUserID, in.OpenAIKey, in.LinkIdent, expires, in.ModelID).Scan(&linked)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: link %q exists", ErrConflict, in.LinkIdent)
		}
		if err != nil {
			return fmt.Errorf("insert user class: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetClass(ctx, classID)
}

func (s *SQLDB) SetClassEnabled(ctx context.Context, classID int64, enabled bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE classes SET enabled = ? WHERE id = ?`), enabled, classID)
	if err != nil {
		return fmt.Errorf("set class enabled: %w", err)
	}
	return affectedOne(res)
}

func (s *SQLDB) SetClassOpenAIKey(ctx context.Context, classID int64, openAIKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE classes_user SET openai_key = ? WHERE class_id = ?`), openAIKey, classID)
	if err != nil {
		return fmt.Errorf("set class key: %w", err)
	}
	return affectedOne(res)
}

func (s *SQLDB) SetClassLinkExpiry(ctx context.Context, classID int64, expires string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE classes_user SET link_reg_expires = ? WHERE class_id = ?`), expires, classID)
	if err != nil {
		return fmt.Errorf("set link expiry: %w", err)
	}
	return affectedOne(res)
}

func (s *SQLDB) SetClassModel(ctx context.Context, classID int64, modelID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE classes_user SET model_id = ? WHERE class_id = ?`), modelID, classID)
	if err != nil {
		return fmt.Errorf("set class model: %w", err)
	}
	return affectedOne(res)
}

const roleSelect = `SELECT r.id, r.user_id, r.class_id, r.role, r.active, c.name, c.enabled
FROM roles r JOIN classes c ON c.id = r.class_id
WHERE `

func scanRole(row interface{ Scan(...any) error }) (*Role, error) {
	var r Role
	var kind string
	if err := row.Scan(&r.ID, &r.UserID, &r.ClassID, &kind, &r.Active, &r.ClassName, &r.ClassEnabled); err != nil {
		return nil, err
	}
	r.Role = RoleKind(kind)
	return &r, nil
}

func (s *SQLDB) getRole(ctx context.Context, q queryRower, where string, args ...any) (*Role, error) {
	r, err := scanRole(q.QueryRowContext(ctx, s.q(roleSelect+where), args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get role: %w", err)
	}
	return r, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLDB) GetRole(ctx context.Context, roleID int64) (*Role, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.getRole(ctx, s.db, `r.id = ?`, roleID)
}

func (s *SQLDB) GetUserClassRole(ctx context.Context, userID, classID int64) (*Role, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.getRole(ctx, s.db, `r.user_id = ? AND r.class_id = ?`, userID, classID)
}

func (s *SQLDB) FindOrCreateRole(ctx context.Context, userID, classID int64, role RoleKind) (*Role, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if !validRoleKind(role) {
		return nil, false, fmt.Errorf("%w: role %q", ErrInvalid, role)
	}
	var out *Role
	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var users, classes int
		err := tx.QueryRowContext(ctx, s.q(`SELECT (SELECT COUNT(*) FROM users WHERE id = ?), (SELECT COUNT(*) FROM classes WHERE id = ?)`),
			userID, classID).Scan(&users, &classes)
		if err != nil {
			return fmt.Errorf("check role owners: %w", err)
		}
		if users == 0 || classes == 0 {
			return fmt.Errorf("%w: user %d or class %d does not exist", ErrInvalid, userID, classID)
		}

		existing, err := s.getRole(ctx, tx, `r.user_id = ? AND r.class_id = ?`, userID, classID)
		if err != nil {
			return err
		}
		if existing != nil {
			out, created = existing, false
			return nil
		}

		var roleID int64
		err = tx.QueryRowContext(ctx, s.q(`INSERT INTO roles (user_id, class_id, role, active) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING RETURNING id`),
			userID, classID, string(role), true).Scan(&roleID)
		if errors.Is(err, sql.ErrNoRows) {
			return errRaced
		}
		if err != nil {
			return fmt.Errorf("insert role: %w", err)
		}
		out, err = s.getRole(ctx, tx, `r.id = ?`, roleID)
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (s *SQLDB) SetRoleActive(ctx context.Context, roleID, classID int64, active bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE roles SET active = ? WHERE id = ? AND class_id = ?`), active, roleID, classID)
	if err != nil {
		return fmt.Errorf("set role active: %w", err)
	}
	return affectedOne(res)
}

func (s *SQLDB) SetRoleKind(ctx context.Context, roleID, classID int64, role RoleKind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !validRoleKind(role) {
		return fmt.Errorf("%w: role %q", ErrInvalid, role)
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE roles SET role = ? WHERE id = ? AND class_id = ?`), string(role), roleID, classID)
	if err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	return affectedOne(res)
}

func (s *SQLDB) ReadView(ctx context.Context, view View) (*ViewResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query, ok := viewQueries[view]
	if !ok {
		return nil, fmt.Errorf("%w: unknown view %q", ErrInvalid, view)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read view %s: %w", view, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := &ViewResult{Columns: cols}
	for rows.Next() {
		cells := make([]sql.NullString, len(cols))
		ptrs := make([]any, len(cols))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("read view %s: %w", view, err)
		}
		row := make([]string, len(cols))
		for i, c := range cells {
			row[i] = c.String
		}
		out.Rows = append(out.Rows, row)
	}
	return out, rows.Err()
}
