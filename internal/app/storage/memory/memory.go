package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/marketplace/internal/app/domain/agent"
	"github.com/agentmesh/marketplace/internal/app/domain/ownership"
	"github.com/agentmesh/marketplace/internal/app/domain/user"
	"github.com/agentmesh/marketplace/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local
// development. Every multi-step write happens under a single mutex hold, so
// the atomicity guarantees match the postgres backend.
type Store struct {
	mu             sync.RWMutex
	users          map[string]user.User
	usersByWallet  map[string]string
	agents         map[string]agent.Agent
	agentsByExtID  map[int64]string
	ownerships     map[string]ownership.Ownership
	ownershipByKey map[string]string // agentID + "\x00" + userID -> ownership id
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.AgentStore = (*Store)(nil)
var _ storage.OwnershipStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		users:          make(map[string]user.User),
		usersByWallet:  make(map[string]string),
		agents:         make(map[string]agent.Agent),
		agentsByExtID:  make(map[int64]string),
		ownerships:     make(map[string]ownership.Ownership),
		ownershipByKey: make(map[string]string),
	}
}

func pairKey(agentID, userID string) string {
	return agentID + "\x00" + userID
}

// UserStore implementation ----------------------------------------------------

func (s *Store) EnsureUser(_ context.Context, usr user.User) (user.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.usersByWallet[usr.WalletAddress]; ok {
		return s.users[id], false, nil
	}

	if usr.ID == "" {
		usr.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	usr.CreatedAt = now
	usr.UpdatedAt = now

	s.users[usr.ID] = usr
	s.usersByWallet[usr.WalletAddress] = usr.ID
	return usr, true, nil
}

func (s *Store) GetUser(_ context.Context, id string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	usr, ok := s.users[id]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return usr, nil
}

func (s *Store) GetUserByWallet(_ context.Context, wallet string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersByWallet[wallet]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return s.users[id], nil
}

// AgentStore implementation ---------------------------------------------------

func (s *Store) CreateAgentWithOwner(_ context.Context, agt agent.Agent, own ownership.Ownership) (agent.Agent, ownership.Ownership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[agt.CreatorID]; !ok {
		return agent.Agent{}, ownership.Ownership{}, storage.ErrNotFound
	}
	if agt.ExternalID != nil {
		if _, exists := s.agentsByExtID[*agt.ExternalID]; exists {
			return agent.Agent{}, ownership.Ownership{}, storage.ErrConflict
		}
	}

	if agt.ID == "" {
		agt.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	agt.CreatedAt = now
	agt.UpdatedAt = now
	agt.Capabilities = append([]string(nil), agt.Capabilities...)

	own.ID = uuid.NewString()
	own.AgentID = agt.ID
	if own.PurchasedAt.IsZero() {
		own.PurchasedAt = now
	}
	key := pairKey(own.AgentID, own.UserID)
	if _, exists := s.ownershipByKey[key]; exists {
		return agent.Agent{}, ownership.Ownership{}, storage.ErrConflict
	}

	s.agents[agt.ID] = agt
	if agt.ExternalID != nil {
		s.agentsByExtID[*agt.ExternalID] = agt.ID
	}
	s.ownerships[own.ID] = own
	s.ownershipByKey[key] = own.ID

	return cloneAgent(agt), own, nil
}

func (s *Store) GetAgent(_ context.Context, id string) (agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agt, ok := s.agents[id]
	if !ok {
		return agent.Agent{}, storage.ErrNotFound
	}
	return cloneAgent(agt), nil
}

func (s *Store) GetAgentByExternalID(_ context.Context, externalID int64) (agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.agentsByExtID[externalID]
	if !ok {
		return agent.Agent{}, storage.ErrNotFound
	}
	return cloneAgent(s.agents[id]), nil
}

func (s *Store) ListAgents(_ context.Context) ([]agent.WithCreator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]agent.WithCreator, 0, len(s.agents))
	for _, agt := range s.agents {
		creator := s.users[agt.CreatorID]
		result = append(result, agent.WithCreator{
			Agent: cloneAgent(agt),
			Creator: agent.Creator{
				ID:            creator.ID,
				WalletAddress: creator.WalletAddress,
			},
		})
	}
	sortByCreation(result)
	return result, nil
}

func (s *Store) ListAgentsByCreator(_ context.Context, userID string) ([]agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]agent.Agent, 0)
	for _, agt := range s.agents {
		if agt.CreatorID == userID {
			result = append(result, cloneAgent(agt))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// OwnershipStore implementation -----------------------------------------------

func (s *Store) CreateOwnership(_ context.Context, own ownership.Ownership) (ownership.Ownership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[own.AgentID]; !ok {
		return ownership.Ownership{}, storage.ErrNotFound
	}
	if _, ok := s.users[own.UserID]; !ok {
		return ownership.Ownership{}, storage.ErrNotFound
	}

	key := pairKey(own.AgentID, own.UserID)
	if _, exists := s.ownershipByKey[key]; exists {
		return ownership.Ownership{}, storage.ErrConflict
	}

	own.ID = uuid.NewString()
	if own.PurchasedAt.IsZero() {
		own.PurchasedAt = time.Now().UTC()
	}
	s.ownerships[own.ID] = own
	s.ownershipByKey[key] = own.ID
	return own, nil
}

func (s *Store) GetOwnership(_ context.Context, agentID, userID string) (ownership.Ownership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.ownershipByKey[pairKey(agentID, userID)]
	if !ok {
		return ownership.Ownership{}, storage.ErrNotFound
	}
	return s.ownerships[id], nil
}

func (s *Store) ListOwnedAgents(_ context.Context, userID string) ([]ownership.OwnedAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ownership.OwnedAgent, 0)
	for _, own := range s.ownerships {
		if own.UserID != userID {
			continue
		}
		agt, ok := s.agents[own.AgentID]
		if !ok {
			continue
		}
		result = append(result, ownership.OwnedAgent{
			Agent:       cloneAgent(agt),
			PurchasedAt: own.PurchasedAt,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PurchasedAt.Before(result[j].PurchasedAt) })
	return result, nil
}

// Helpers ---------------------------------------------------------------------

func cloneAgent(agt agent.Agent) agent.Agent {
	agt.Capabilities = append([]string(nil), agt.Capabilities...)
	if agt.ExternalID != nil {
		ext := *agt.ExternalID
		agt.ExternalID = &ext
	}
	return agt
}

func sortByCreation(agents []agent.WithCreator) {
	sort.Slice(agents, func(i, j int) bool { return agents[i].CreatedAt.Before(agents[j].CreatedAt) })
}
