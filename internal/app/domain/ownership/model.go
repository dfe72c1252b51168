package ownership

import (
	"time"

	"github.com/agentmesh/marketplace/internal/app/domain/agent"
)

// Ownership is a non-exclusive grant recording that a user may use an agent.
// The pair (AgentID, UserID) is unique; rows are never deleted or transferred.
// AgentID is the agent's internal identifier.
type Ownership struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	UserID      string    `json:"user_id"`
	PurchasedAt time.Time `json:"purchased_at"`
}

// OwnedAgent is an agent joined with the purchase metadata of one owner.
type OwnedAgent struct {
	agent.Agent
	PurchasedAt time.Time `json:"purchased_at"`
}
