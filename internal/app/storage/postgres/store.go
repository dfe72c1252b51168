package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/agentmesh/marketplace/internal/app/domain/agent"
	"github.com/agentmesh/marketplace/internal/app/domain/ownership"
	"github.com/agentmesh/marketplace/internal/app/domain/user"
	"github.com/agentmesh/marketplace/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL. The "at most
// one row" invariants (unique wallet, unique external agent id, unique
// (agent,user) ownership pair) are enforced by the database's own constraints;
// the store turns constraint violations into storage.ErrConflict rather than
// relying on caller-side check ordering.
type Store struct {
	db *sql.DB
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.AgentStore = (*Store)(nil)
var _ storage.OwnershipStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const uniqueViolation = "23505"

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return storage.ErrConflict
	}
	return err
}

// --- UserStore --------------------------------------------------------------

func (s *Store) EnsureUser(ctx context.Context, usr user.User) (user.User, bool, error) {
	if usr.ID == "" {
		usr.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	// Insert-if-absent collapsed into one statement; a concurrent insert for
	// the same wallet makes ON CONFLICT swallow ours, and the follow-up read
	// returns the winner's row.
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, wallet_address, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (wallet_address) DO NOTHING
		RETURNING id, wallet_address, created_at, updated_at
	`, usr.ID, usr.WalletAddress, now)

	var created user.User
	err := row.Scan(&created.ID, &created.WalletAddress, &created.CreatedAt, &created.UpdatedAt)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return user.User{}, false, mapError(err)
	}

	existing, err := s.GetUserByWallet(ctx, usr.WalletAddress)
	if err != nil {
		return user.User{}, false, err
	}
	return existing, false, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (user.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, wallet_address, created_at, updated_at
		FROM users
		WHERE id = $1
	`, id)
	return scanUser(row)
}

func (s *Store) GetUserByWallet(ctx context.Context, wallet string) (user.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, wallet_address, created_at, updated_at
		FROM users
		WHERE wallet_address = $1
	`, wallet)
	return scanUser(row)
}

func scanUser(row *sql.Row) (user.User, error) {
	var usr user.User
	if err := row.Scan(&usr.ID, &usr.WalletAddress, &usr.CreatedAt, &usr.UpdatedAt); err != nil {
		return user.User{}, mapError(err)
	}
	return usr, nil
}

// --- AgentStore -------------------------------------------------------------

func (s *Store) CreateAgentWithOwner(ctx context.Context, agt agent.Agent, own ownership.Ownership) (agent.Agent, ownership.Ownership, error) {
	if agt.ID == "" {
		agt.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	agt.CreatedAt = now
	agt.UpdatedAt = now

	own.ID = uuid.NewString()
	own.AgentID = agt.ID
	if own.PurchasedAt.IsZero() {
		own.PurchasedAt = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return agent.Agent{}, ownership.Ownership{}, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents (id, external_id, name, description, model, capabilities, price, for_sale, creator_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, agt.ID, toNullInt64(agt.ExternalID), agt.Name, agt.Description, agt.Model,
		pq.Array(agt.Capabilities), agt.Price, agt.ForSale, agt.CreatorID, agt.CreatedAt, agt.UpdatedAt)
	if err != nil {
		return agent.Agent{}, ownership.Ownership{}, mapError(err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ownerships (id, agent_id, user_id, purchased_at)
		VALUES ($1, $2, $3, $4)
	`, own.ID, own.AgentID, own.UserID, own.PurchasedAt)
	if err != nil {
		return agent.Agent{}, ownership.Ownership{}, mapError(err)
	}

	if err := tx.Commit(); err != nil {
		return agent.Agent{}, ownership.Ownership{}, mapError(err)
	}
	return agt, own, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (agent.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_id, name, description, model, capabilities, price, for_sale, creator_id, created_at, updated_at
		FROM agents
		WHERE id = $1
	`, id)
	return scanAgent(row)
}

func (s *Store) GetAgentByExternalID(ctx context.Context, externalID int64) (agent.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_id, name, description, model, capabilities, price, for_sale, creator_id, created_at, updated_at
		FROM agents
		WHERE external_id = $1
	`, externalID)
	return scanAgent(row)
}

func (s *Store) ListAgents(ctx context.Context) ([]agent.WithCreator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.external_id, a.name, a.description, a.model, a.capabilities, a.price, a.for_sale, a.creator_id, a.created_at, a.updated_at,
		       u.id, u.wallet_address
		FROM agents a
		JOIN users u ON u.id = a.creator_id
		ORDER BY a.created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []agent.WithCreator
	for rows.Next() {
		var (
			agt     agent.Agent
			extID   sql.NullInt64
			caps    pq.StringArray
			creator agent.Creator
		)
		if err := rows.Scan(&agt.ID, &extID, &agt.Name, &agt.Description, &agt.Model, &caps,
			&agt.Price, &agt.ForSale, &agt.CreatorID, &agt.CreatedAt, &agt.UpdatedAt,
			&creator.ID, &creator.WalletAddress); err != nil {
			return nil, err
		}
		agt.ExternalID = fromNullInt64(extID)
		agt.Capabilities = caps
		result = append(result, agent.WithCreator{Agent: agt, Creator: creator})
	}
	return result, rows.Err()
}

func (s *Store) ListAgentsByCreator(ctx context.Context, userID string) ([]agent.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, external_id, name, description, model, capabilities, price, for_sale, creator_id, created_at, updated_at
		FROM agents
		WHERE creator_id = $1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []agent.Agent
	for rows.Next() {
		agt, err := scanAgentRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, agt)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row *sql.Row) (agent.Agent, error) {
	agt, err := scanAgentRow(row)
	if err != nil {
		return agent.Agent{}, mapError(err)
	}
	return agt, nil
}

func scanAgentRow(row rowScanner) (agent.Agent, error) {
	var (
		agt   agent.Agent
		extID sql.NullInt64
		caps  pq.StringArray
	)
	if err := row.Scan(&agt.ID, &extID, &agt.Name, &agt.Description, &agt.Model, &caps,
		&agt.Price, &agt.ForSale, &agt.CreatorID, &agt.CreatedAt, &agt.UpdatedAt); err != nil {
		return agent.Agent{}, err
	}
	agt.ExternalID = fromNullInt64(extID)
	agt.Capabilities = caps
	return agt, nil
}

// --- OwnershipStore ---------------------------------------------------------

func (s *Store) CreateOwnership(ctx context.Context, own ownership.Ownership) (ownership.Ownership, error) {
	own.ID = uuid.NewString()
	if own.PurchasedAt.IsZero() {
		own.PurchasedAt = time.Now().UTC()
	}

	// The composite unique index on (agent_id, user_id) is the authoritative
	// guard; a concurrent duplicate insert loses here, not in caller checks.
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO ownerships (id, agent_id, user_id, purchased_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (agent_id, user_id) DO NOTHING
	`, own.ID, own.AgentID, own.UserID, own.PurchasedAt)
	if err != nil {
		return ownership.Ownership{}, mapError(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ownership.Ownership{}, storage.ErrConflict
	}
	return own, nil
}

func (s *Store) GetOwnership(ctx context.Context, agentID, userID string) (ownership.Ownership, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, user_id, purchased_at
		FROM ownerships
		WHERE agent_id = $1 AND user_id = $2
	`, agentID, userID)

	var own ownership.Ownership
	if err := row.Scan(&own.ID, &own.AgentID, &own.UserID, &own.PurchasedAt); err != nil {
		return ownership.Ownership{}, mapError(err)
	}
	return own, nil
}

func (s *Store) ListOwnedAgents(ctx context.Context, userID string) ([]ownership.OwnedAgent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.external_id, a.name, a.description, a.model, a.capabilities, a.price, a.for_sale, a.creator_id, a.created_at, a.updated_at,
		       o.purchased_at
		FROM ownerships o
		JOIN agents a ON a.id = o.agent_id
		WHERE o.user_id = $1
		ORDER BY o.purchased_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ownership.OwnedAgent
	for rows.Next() {
		var (
			owned ownership.OwnedAgent
			extID sql.NullInt64
			caps  pq.StringArray
		)
		if err := rows.Scan(&owned.ID, &extID, &owned.Name, &owned.Description, &owned.Model, &caps,
			&owned.Price, &owned.ForSale, &owned.CreatorID, &owned.CreatedAt, &owned.UpdatedAt,
			&owned.PurchasedAt); err != nil {
			return nil, err
		}
		owned.ExternalID = fromNullInt64(extID)
		owned.Capabilities = caps
		result = append(result, owned)
	}
	return result, rows.Err()
}

func toNullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func fromNullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	value := v.Int64
	return &value
}
