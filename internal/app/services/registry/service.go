package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agentmesh/marketplace/internal/app/domain/agent"
	"github.com/agentmesh/marketplace/internal/app/domain/ownership"
	"github.com/agentmesh/marketplace/internal/app/domain/user"
	"github.com/agentmesh/marketplace/internal/app/storage"
	"github.com/agentmesh/marketplace/pkg/logger"
)

// ErrExternalIDInUse reports that the supplied on-chain identifier already
// belongs to another agent.
var ErrExternalIDInUse = errors.New("external id already registered")

// ErrInvalid reports creation input that failed validation. Callers branch on
// it to distinguish bad requests from data-layer failures.
var ErrInvalid = errors.New("invalid agent")

// CreateInput carries the caller-supplied attributes of a new agent.
type CreateInput struct {
	Name         string
	Description  string
	Model        string
	Capabilities []string
	Price        float64
	ForSale      bool
	ExternalID   *int64
}

// Service owns the canonical record of an agent's descriptive and sale-state
// attributes.
type Service struct {
	users  storage.UserStore
	agents storage.AgentStore
	log    *logger.Logger
}

// New constructs a registry service.
func New(users storage.UserStore, agents storage.AgentStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("registry")
	}
	return &Service{users: users, agents: agents, log: log}
}

// Create validates and persists a new agent with its creator recorded as the
// first owner. The agent row and the creator's ownership row are written as
// one unit of work: other requests can never observe the agent without its
// creator-ownership.
func (s *Service) Create(ctx context.Context, in CreateInput, creator user.User) (agent.Agent, ownership.Ownership, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	in.Model = strings.TrimSpace(in.Model)

	if err := validate(in); err != nil {
		return agent.Agent{}, ownership.Ownership{}, err
	}

	if in.ExternalID != nil {
		// Pre-check so the caller gets the specific conflict error; the
		// unique constraint on agents.external_id remains the backstop for
		// two racing creations.
		if _, err := s.agents.GetAgentByExternalID(ctx, *in.ExternalID); err == nil {
			return agent.Agent{}, ownership.Ownership{}, ErrExternalIDInUse
		} else if !errors.Is(err, storage.ErrNotFound) {
			return agent.Agent{}, ownership.Ownership{}, err
		}
	}

	agt := agent.Agent{
		ExternalID:   in.ExternalID,
		Name:         in.Name,
		Description:  in.Description,
		Model:        in.Model,
		Capabilities: in.Capabilities,
		Price:        in.Price,
		ForSale:      in.ForSale,
		CreatorID:    creator.ID,
	}
	own := ownership.Ownership{UserID: creator.ID}

	agt, own, err := s.agents.CreateAgentWithOwner(ctx, agt, own)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return agent.Agent{}, ownership.Ownership{}, ErrExternalIDInUse
		}
		return agent.Agent{}, ownership.Ownership{}, err
	}

	s.log.WithField("agent_id", agt.ID).
		WithField("creator_id", creator.ID).
		Info("agent created")
	return agt, own, nil
}

func validate(in CreateInput) error {
	if in.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if len(in.Name) > agent.MaxNameLen {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalid, agent.MaxNameLen)
	}
	if in.Description == "" {
		return fmt.Errorf("%w: description is required", ErrInvalid)
	}
	if len(in.Description) > agent.MaxDescriptionLen {
		return fmt.Errorf("%w: description exceeds %d characters", ErrInvalid, agent.MaxDescriptionLen)
	}
	if in.Model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalid)
	}
	if len(in.Model) > agent.MaxModelLen {
		return fmt.Errorf("%w: model exceeds %d characters", ErrInvalid, agent.MaxModelLen)
	}
	if len(in.Capabilities) == 0 {
		return fmt.Errorf("%w: capabilities must not be empty", ErrInvalid)
	}
	for _, c := range in.Capabilities {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("%w: capabilities must not contain empty entries", ErrInvalid)
		}
	}
	if in.Price < 0 {
		return fmt.Errorf("%w: price must not be negative", ErrInvalid)
	}
	return nil
}

// Get retrieves an agent with its creator's public identity.
func (s *Service) Get(ctx context.Context, id string) (agent.WithCreator, error) {
	agt, err := s.agents.GetAgent(ctx, id)
	if err != nil {
		return agent.WithCreator{}, err
	}
	return s.withCreator(ctx, agt)
}

// GetByExternalID resolves an agent by its on-chain identifier.
func (s *Service) GetByExternalID(ctx context.Context, externalID int64) (agent.WithCreator, error) {
	agt, err := s.agents.GetAgentByExternalID(ctx, externalID)
	if err != nil {
		return agent.WithCreator{}, err
	}
	return s.withCreator(ctx, agt)
}

// ExternalIDExists reports whether an on-chain identifier is taken and by
// which agent. Absence is not an error.
func (s *Service) ExternalIDExists(ctx context.Context, externalID int64) (bool, string, error) {
	agt, err := s.agents.GetAgentByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, "", nil
		}
		return false, "", err
	}
	return true, agt.ID, nil
}

// List returns all agents joined with their creators' public identities.
func (s *Service) List(ctx context.Context) ([]agent.WithCreator, error) {
	return s.agents.ListAgents(ctx)
}

// ListByCreator returns the agents a user has created.
func (s *Service) ListByCreator(ctx context.Context, userID string) ([]agent.Agent, error) {
	return s.agents.ListAgentsByCreator(ctx, userID)
}

func (s *Service) withCreator(ctx context.Context, agt agent.Agent) (agent.WithCreator, error) {
	creator, err := s.users.GetUser(ctx, agt.CreatorID)
	if err != nil {
		return agent.WithCreator{}, err
	}
	return agent.WithCreator{
		Agent: agt,
		Creator: agent.Creator{
			ID:            creator.ID,
			WalletAddress: creator.WalletAddress,
		},
	}, nil
}
