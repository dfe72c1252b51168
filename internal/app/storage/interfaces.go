package storage

import (
	"context"

	"github.com/agentmesh/marketplace/internal/app/domain/agent"
	"github.com/agentmesh/marketplace/internal/app/domain/ownership"
	"github.com/agentmesh/marketplace/internal/app/domain/user"
)

// UserStore persists wallet-identified users.
type UserStore interface {
	// EnsureUser atomically inserts the user if no row with its wallet
	// address exists and otherwise returns the existing row untouched.
	// The boolean reports whether a row was created. Lookup and insert are
	// a single operation against the backing store, so concurrent
	// first-sight calls for the same wallet yield exactly one row.
	EnsureUser(ctx context.Context, usr user.User) (user.User, bool, error)
	GetUser(ctx context.Context, id string) (user.User, error)
	GetUserByWallet(ctx context.Context, wallet string) (user.User, error)
}

// AgentStore persists agents and their creator linkage.
type AgentStore interface {
	// CreateAgentWithOwner inserts the agent and its creator's first
	// ownership row as one unit of work: either both commit or neither
	// does. A duplicate external id yields ErrConflict and no writes.
	CreateAgentWithOwner(ctx context.Context, agt agent.Agent, own ownership.Ownership) (agent.Agent, ownership.Ownership, error)
	GetAgent(ctx context.Context, id string) (agent.Agent, error)
	GetAgentByExternalID(ctx context.Context, externalID int64) (agent.Agent, error)
	ListAgents(ctx context.Context) ([]agent.WithCreator, error)
	ListAgentsByCreator(ctx context.Context, userID string) ([]agent.Agent, error)
}

// OwnershipStore persists ownership grants.
type OwnershipStore interface {
	// CreateOwnership conditionally inserts a grant; a duplicate
	// (agent, user) pair yields ErrConflict and no second row.
	CreateOwnership(ctx context.Context, own ownership.Ownership) (ownership.Ownership, error)
	GetOwnership(ctx context.Context, agentID, userID string) (ownership.Ownership, error)
	ListOwnedAgents(ctx context.Context, userID string) ([]ownership.OwnedAgent, error)
}
