package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pulseboard/api/internal/query"
	"pulseboard/api/internal/rbac"
	"pulseboard/api/internal/util"
)

// ErrThemeExists is returned by PersistTheme when the organization already
// carries a theme, or no longer exists.
var ErrThemeExists = errors.New("organization theme already set")

// pgInsufficientPrivilege is SQLSTATE 42501.
const pgInsufficientPrivilege = "42501"

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) InsertOrganization(ctx context.Context, org Organization) error {
	var theme any
	if org.Theme != nil {
		encoded, err := json.Marshal(org.Theme)
		if err != nil {
			return fmt.Errorf("marshal organization theme: %w", err)
		}
		theme = string(encoded)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO organizations (id, owner_id, name, description, theme)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		ON CONFLICT (id) DO NOTHING
	`, org.ID, org.OwnerID, org.Name, org.Description, theme)
	if err != nil {
		return fmt.Errorf("insert organization: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrganization(ctx context.Context, organizationID string) (Organization, error) {
	var org Organization
	var themeRaw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, name, description, theme, created_at
		FROM organizations
		WHERE id=$1
	`, organizationID).Scan(&org.ID, &org.OwnerID, &org.Name, &org.Description, &themeRaw, &org.CreatedAt)
	if err != nil {
		return Organization{}, err
	}
	if len(themeRaw) > 0 {
		var theme Theme
		if err := json.Unmarshal(themeRaw, &theme); err != nil {
			return Organization{}, fmt.Errorf("decode organization theme: %w", err)
		}
		org.Theme = &theme
	}
	return org, nil
}

func (s *PostgresStore) AddMember(ctx context.Context, member Membership) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO organization_members (organization_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (organization_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, member.OrganizationID, member.UserID, member.Role)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertWorkspace(ctx context.Context, workspace Workspace) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workspaces (id, organization_id, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, workspace.ID, workspace.OrganizationID, workspace.Name)
	if err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertPulseEntry(ctx context.Context, entry PulseEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pulse_log (id, organization_id, kind, message, actor_id)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.ID, entry.OrganizationID, entry.Kind, entry.Message, entry.ActorID)
	if err != nil {
		return fmt.Errorf("insert pulse entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPulseLog(ctx context.Context, organizationID string, limit int) ([]PulseEntry, error) {
	if limit <= 0 {
		limit = query.DefaultPulseLogLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, organization_id, kind, message, actor_id, created_at
		FROM pulse_log
		WHERE organization_id=$1 OR $1=''
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, organizationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list pulse log: %w", err)
	}
	defer rows.Close()

	items := make([]PulseEntry, 0)
	for rows.Next() {
		var item PulseEntry
		if err := rows.Scan(&item.ID, &item.OrganizationID, &item.Kind, &item.Message, &item.ActorID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pulse entry: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pulse log: %w", err)
	}
	return items, nil
}

// RoleIn resolves the caller's role in an organization. Owners need no
// membership row.
func (s *PostgresStore) RoleIn(ctx context.Context, userID, organizationID string) (rbac.Role, error) {
	if userID == "" || organizationID == "" {
		return rbac.RoleNone, nil
	}
	var ownerID, memberRole string
	err := s.pool.QueryRow(ctx, `
		SELECT o.owner_id, COALESCE(m.role, '')
		FROM organizations o
		LEFT JOIN organization_members m ON m.organization_id=o.id AND m.user_id=$2
		WHERE o.id=$1
	`, organizationID, userID).Scan(&ownerID, &memberRole)
	if errors.Is(err, pgx.ErrNoRows) {
		return rbac.RoleNone, nil
	}
	if err != nil {
		return rbac.RoleNone, fmt.Errorf("resolve role: %w", err)
	}
	if ownerID == userID {
		return rbac.RoleOwner, nil
	}
	return rbac.Normalize(memberRole), nil
}

// PersistTheme writes a generated theme once. An organization that already
// has a theme is left alone and ErrThemeExists is returned. The pulse log
// entry commits in the same transaction.
func (s *PostgresStore) PersistTheme(ctx context.Context, organizationID string, theme Theme) error {
	encoded, err := json.Marshal(theme)
	if err != nil {
		return fmt.Errorf("marshal theme: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin persist theme tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE organizations
		SET theme=$2::jsonb, updated_at=NOW()
		WHERE id=$1 AND theme IS NULL
	`, organizationID, string(encoded))
	if err != nil {
		return fmt.Errorf("persist theme: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrThemeExists
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO pulse_log (id, organization_id, kind, message)
		VALUES ($1, $2, $3, $4)
	`, util.NewID("pl"), organizationID, PulseKindThemeGenerated, "Generated a theme from the organization profile"); err != nil {
		return fmt.Errorf("record theme pulse entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit persist theme: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// liveDocuments authorizes and runs the query behind sig for userID, rendering
// each row as a JSON document.
func (s *PostgresStore) liveDocuments(ctx context.Context, userID string, sig query.Signature) ([]json.RawMessage, error) {
	if err := s.authorize(ctx, userID, sig); err != nil {
		return nil, err
	}

	var (
		rows pgx.Rows
		err  error
	)
	switch sig.Kind {
	case query.KindOrganizationsOwnedBy:
		rows, err = s.pool.Query(ctx, `
			SELECT row_to_json(doc)::text FROM (
				SELECT id, owner_id, name, description, theme, created_at
				FROM organizations
				WHERE owner_id=$1
				ORDER BY created_at, id
			) doc
		`, sig.OwnerID)
	case query.KindWorkspaces:
		rows, err = s.pool.Query(ctx, `
			SELECT row_to_json(doc)::text FROM (
				SELECT w.id, w.organization_id, w.name, w.created_at
				FROM workspaces w
				JOIN organizations o ON o.id=w.organization_id
				LEFT JOIN organization_members m ON m.organization_id=o.id AND m.user_id=$1
				WHERE o.owner_id=$1 OR m.user_id IS NOT NULL
				ORDER BY w.created_at, w.id
			) doc
		`, userID)
	case query.KindPulseLog:
		if sig.OrderBy != "" && sig.OrderBy != "created_at" {
			return nil, fmt.Errorf("unsupported pulse log order %q", sig.OrderBy)
		}
		direction := "ASC"
		if sig.Descending {
			direction = "DESC"
		}
		limit := sig.Limit
		if limit <= 0 {
			limit = query.DefaultPulseLogLimit
		}
		rows, err = s.pool.Query(ctx, `
			SELECT row_to_json(doc)::text FROM (
				SELECT id, organization_id, kind, message, actor_id, created_at
				FROM pulse_log
				WHERE organization_id=$1
				ORDER BY created_at `+direction+`, id `+direction+`
				LIMIT $2
			) doc
		`, sig.OrganizationID, limit)
	default:
		return nil, fmt.Errorf("unsupported query kind %q", sig.Kind)
	}
	if err != nil {
		return nil, classifyQueryError(sig, err)
	}
	defer rows.Close()

	docs := make([]json.RawMessage, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan %s document: %w", sig.Kind, err)
		}
		docs = append(docs, json.RawMessage(doc))
	}
	if err := rows.Err(); err != nil {
		return nil, classifyQueryError(sig, err)
	}
	return docs, nil
}

func (s *PostgresStore) authorize(ctx context.Context, userID string, sig query.Signature) error {
	switch sig.Kind {
	case query.KindOrganizationsOwnedBy:
		if !rbac.OwnedListAllowed(userID, sig.OwnerID) {
			return denied(sig)
		}
	case query.KindWorkspaces:
		if userID == "" {
			return denied(sig)
		}
	case query.KindPulseLog:
		role, err := s.RoleIn(ctx, userID, sig.OrganizationID)
		if err != nil {
			return err
		}
		if !rbac.Can(role, rbac.ActionList) {
			return denied(sig)
		}
	}
	return nil
}

func denied(sig query.Signature) error {
	return fmt.Errorf("list %s: %w", sig.Resource(), query.ErrPermissionDenied)
}

func classifyQueryError(sig query.Signature, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgInsufficientPrivilege {
		return denied(sig)
	}
	return fmt.Errorf("query %s: %w", sig.Kind, err)
}
