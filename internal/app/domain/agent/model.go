package agent

import "time"

// Field bounds enforced on creation.
const (
	MaxNameLen        = 128
	MaxDescriptionLen = 2048
	MaxModelLen       = 128
)

// Agent is a marketplace asset. ExternalID is the optional on-chain
// identifier; when present it is globally unique and immutable. CreatorID is
// set once at creation and never changes.
type Agent struct {
	ID           string    `json:"id"`
	ExternalID   *int64    `json:"external_id,omitempty"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Model        string    `json:"model"`
	Capabilities []string  `json:"capabilities"`
	Price        float64   `json:"price"`
	ForSale      bool      `json:"for_sale"`
	CreatorID    string    `json:"creator_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Creator is the denormalized public identity of an agent's creator, joined
// onto listing and lookup responses.
type Creator struct {
	ID            string `json:"id"`
	WalletAddress string `json:"wallet_address"`
}

// WithCreator pairs an agent with its creator's public identity.
type WithCreator struct {
	Agent
	Creator Creator `json:"creator"`
}
