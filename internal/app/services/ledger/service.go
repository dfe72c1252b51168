package ledger

import (
	"context"
	"errors"

	"github.com/agentmesh/marketplace/internal/app/domain/agent"
	"github.com/agentmesh/marketplace/internal/app/domain/ownership"
	"github.com/agentmesh/marketplace/internal/app/domain/user"
	"github.com/agentmesh/marketplace/internal/app/storage"
	"github.com/agentmesh/marketplace/pkg/logger"
)

// Purchase failure modes, distinct so the caller can map each to a specific
// response.
var (
	ErrNotForSale   = errors.New("agent is not for sale")
	ErrAlreadyOwned = errors.New("agent already owned by this user")
)

// Service records which users hold which agents and mediates the purchase
// protocol against the registry's sale-state. It reads agent state but never
// mutates it.
type Service struct {
	agents     storage.AgentStore
	ownerships storage.OwnershipStore
	log        *logger.Logger
}

// New constructs a ledger service.
func New(agents storage.AgentStore, ownerships storage.OwnershipStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Service{agents: agents, ownerships: ownerships, log: log}
}

// Purchase grants the buyer ownership of an agent. Preconditions are checked
// in order, each a distinct failure: the agent must exist
// (storage.ErrNotFound), must be for sale (ErrNotForSale), and must not
// already be owned by the buyer (ErrAlreadyOwned). The insert itself is
// conditional on the (agent, user) unique constraint, so a race between two
// identical purchases still yields exactly one row; the loser sees
// ErrAlreadyOwned. Each purchase is an independent grant, never a transfer.
func (s *Service) Purchase(ctx context.Context, agentID string, buyer user.User) (ownership.Ownership, agent.Agent, error) {
	agt, err := s.agents.GetAgent(ctx, agentID)
	if err != nil {
		return ownership.Ownership{}, agent.Agent{}, err
	}
	if !agt.ForSale {
		return ownership.Ownership{}, agent.Agent{}, ErrNotForSale
	}
	if _, err := s.ownerships.GetOwnership(ctx, agentID, buyer.ID); err == nil {
		return ownership.Ownership{}, agent.Agent{}, ErrAlreadyOwned
	} else if !errors.Is(err, storage.ErrNotFound) {
		return ownership.Ownership{}, agent.Agent{}, err
	}

	own, err := s.ownerships.CreateOwnership(ctx, ownership.Ownership{
		AgentID: agentID,
		UserID:  buyer.ID,
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return ownership.Ownership{}, agent.Agent{}, ErrAlreadyOwned
		}
		return ownership.Ownership{}, agent.Agent{}, err
	}

	s.log.WithField("agent_id", agentID).
		WithField("buyer_id", buyer.ID).
		Info("agent purchased")
	return own, agt, nil
}

// Ownership reports whether a user holds a grant for an agent. Absence is not
// an error.
func (s *Service) Ownership(ctx context.Context, agentID, userID string) (ownership.Ownership, bool, error) {
	own, err := s.ownerships.GetOwnership(ctx, agentID, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ownership.Ownership{}, false, nil
		}
		return ownership.Ownership{}, false, err
	}
	return own, true, nil
}

// ListOwned returns the agents a user holds, with purchase metadata.
func (s *Service) ListOwned(ctx context.Context, userID string) ([]ownership.OwnedAgent, error) {
	return s.ownerships.ListOwnedAgents(ctx, userID)
}
