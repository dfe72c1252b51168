package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	app "github.com/agentmesh/marketplace/internal/app"
	"github.com/agentmesh/marketplace/internal/app/domain/agent"
	"github.com/agentmesh/marketplace/internal/app/domain/ownership"
	"github.com/agentmesh/marketplace/internal/app/domain/user"
	"github.com/agentmesh/marketplace/internal/app/metrics"
	"github.com/agentmesh/marketplace/internal/app/services/identity"
	"github.com/agentmesh/marketplace/internal/app/services/ledger"
	"github.com/agentmesh/marketplace/internal/app/services/registry"
	"github.com/agentmesh/marketplace/internal/app/storage"
	"github.com/agentmesh/marketplace/pkg/logger"
)

// handler bundles HTTP endpoints for the marketplace services.
type handler struct {
	app *app.Application
	log *logger.Logger
}

// NewHandler returns a mux exposing the marketplace REST API.
func NewHandler(application *app.Application, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{app: application, log: log}
	mux := http.NewServeMux()
	mux.HandleFunc("/users", h.users)
	mux.HandleFunc("/users/", h.userResources)
	mux.HandleFunc("/agents", h.agents)
	mux.HandleFunc("/agents/", h.agentResources)
	mux.HandleFunc("/healthz", h.health)
	mux.Handle("/metrics", metrics.Handler())
	return metrics.InstrumentHandler(mux)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "marketplace",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// --- /users -----------------------------------------------------------------

func (h *handler) users(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var payload struct {
		WalletAddress string `json:"wallet_address"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !user.ValidAddress(payload.WalletAddress) {
		writeError(w, http.StatusBadRequest, errInvalidWallet)
		return
	}

	usr, err := h.app.Identity.Create(r.Context(), payload.WalletAddress)
	if err != nil {
		if errors.Is(err, identity.ErrWalletExists) {
			writeError(w, http.StatusConflict, err)
			return
		}
		h.internal(w, "create user", err)
		return
	}
	writeJSON(w, http.StatusCreated, usr)
}

func (h *handler) userResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/users"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	wallet := parts[0]
	if !user.ValidAddress(wallet) {
		writeError(w, http.StatusBadRequest, errInvalidWallet)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if len(parts) == 1 {
		usr, exists, err := h.app.Identity.Lookup(r.Context(), wallet)
		if err != nil {
			h.internal(w, "lookup user", err)
			return
		}
		resp := struct {
			Exists bool       `json:"exists"`
			User   *user.User `json:"user"`
		}{Exists: exists}
		if exists {
			resp.User = &usr
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	usr, exists, err := h.app.Identity.Lookup(r.Context(), wallet)
	if err != nil {
		h.internal(w, "lookup user", err)
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, fmt.Errorf("user %s not found", wallet))
		return
	}

	switch parts[1] {
	case "agents":
		agents, err := h.app.Registry.ListByCreator(r.Context(), usr.ID)
		if err != nil {
			h.internal(w, "list created agents", err)
			return
		}
		writeJSON(w, http.StatusOK, agents)
	case "owned":
		owned, err := h.app.Ledger.ListOwned(r.Context(), usr.ID)
		if err != nil {
			h.internal(w, "list owned agents", err)
			return
		}
		writeJSON(w, http.StatusOK, owned)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// --- /agents ----------------------------------------------------------------

func (h *handler) agents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createAgent(w, r)
	case http.MethodGet:
		agents, err := h.app.Registry.List(r.Context())
		if err != nil {
			h.internal(w, "list agents", err)
			return
		}
		writeJSON(w, http.StatusOK, agents)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) createAgent(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name                 string   `json:"name"`
		Description          string   `json:"description"`
		Model                string   `json:"model"`
		Capabilities         []string `json:"capabilities"`
		Price                *float64 `json:"price"`
		IsForSale            *bool    `json:"is_for_sale"`
		CreatorWalletAddress string   `json:"creator_wallet_address"`
		ExternalID           *int64   `json:"external_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !user.ValidAddress(payload.CreatorWalletAddress) {
		writeError(w, http.StatusBadRequest, errInvalidWallet)
		return
	}

	creator, err := h.app.Identity.Resolve(r.Context(), payload.CreatorWalletAddress)
	if err != nil {
		h.internal(w, "resolve creator", err)
		return
	}

	in := registry.CreateInput{
		Name:         payload.Name,
		Description:  payload.Description,
		Model:        payload.Model,
		Capabilities: payload.Capabilities,
		ExternalID:   payload.ExternalID,
	}
	if payload.Price != nil {
		in.Price = *payload.Price
	}
	if payload.IsForSale != nil {
		in.ForSale = *payload.IsForSale
	}

	agt, own, err := h.app.Registry.Create(r.Context(), in, creator)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrExternalIDInUse):
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, registry.ErrInvalid):
			writeError(w, http.StatusBadRequest, err)
		default:
			h.internal(w, "create agent", err)
		}
		return
	}

	metrics.RecordAgentCreated()
	writeJSON(w, http.StatusCreated, struct {
		Agent     agent.Agent         `json:"agent"`
		Ownership ownership.Ownership `json:"ownership"`
	}{Agent: agt, Ownership: own})
}

func (h *handler) agentResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/agents"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if parts[0] == "external" {
		h.agentByExternalID(w, r, parts[1:])
		return
	}

	agentID := parts[0]
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		agt, err := h.app.Registry.Get(r.Context(), agentID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, http.StatusNotFound, fmt.Errorf("agent %s not found", agentID))
				return
			}
			h.internal(w, "get agent", err)
			return
		}
		writeJSON(w, http.StatusOK, agt)

	case parts[1] == "purchase":
		h.purchase(w, r, agentID)

	case parts[1] == "ownership" && len(parts) == 3:
		h.checkOwnership(w, r, agentID, parts[2])

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) agentByExternalID(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) == 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	externalID, err := strconv.ParseInt(rest[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("external id must be an integer"))
		return
	}

	if len(rest) == 2 && rest[1] == "exists" {
		exists, agentID, err := h.app.Registry.ExternalIDExists(r.Context(), externalID)
		if err != nil {
			h.internal(w, "check external id", err)
			return
		}
		resp := struct {
			Exists  bool    `json:"exists"`
			AgentID *string `json:"agent_id"`
		}{Exists: exists}
		if exists {
			resp.AgentID = &agentID
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if len(rest) != 1 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	agt, err := h.app.Registry.GetByExternalID(r.Context(), externalID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("agent with external id %d not found", externalID))
			return
		}
		h.internal(w, "get agent by external id", err)
		return
	}
	writeJSON(w, http.StatusOK, agt)
}

func (h *handler) purchase(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var payload struct {
		BuyerWalletAddress string `json:"buyer_wallet_address"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !user.ValidAddress(payload.BuyerWalletAddress) {
		writeError(w, http.StatusBadRequest, errInvalidWallet)
		return
	}

	buyer, err := h.app.Identity.Resolve(r.Context(), payload.BuyerWalletAddress)
	if err != nil {
		metrics.RecordPurchase("error")
		h.internal(w, "resolve buyer", err)
		return
	}

	own, agt, err := h.app.Ledger.Purchase(r.Context(), agentID, buyer)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			metrics.RecordPurchase("not_found")
			writeError(w, http.StatusNotFound, fmt.Errorf("agent %s not found", agentID))
		case errors.Is(err, ledger.ErrNotForSale):
			metrics.RecordPurchase("not_for_sale")
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, ledger.ErrAlreadyOwned):
			metrics.RecordPurchase("already_owned")
			writeError(w, http.StatusConflict, err)
		default:
			metrics.RecordPurchase("error")
			h.internal(w, "purchase agent", err)
		}
		return
	}

	metrics.RecordPurchase("granted")
	writeJSON(w, http.StatusCreated, struct {
		Ownership ownership.Ownership `json:"ownership"`
		Agent     agent.Agent         `json:"agent"`
	}{Ownership: own, Agent: agt})
}

func (h *handler) checkOwnership(w http.ResponseWriter, r *http.Request, agentID, wallet string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !user.ValidAddress(wallet) {
		writeError(w, http.StatusBadRequest, errInvalidWallet)
		return
	}

	resp := struct {
		Owns      bool                 `json:"owns"`
		Ownership *ownership.Ownership `json:"ownership"`
	}{}

	// An unknown wallet simply does not own anything; this endpoint never
	// reports a missing user as an error.
	usr, exists, err := h.app.Identity.Lookup(r.Context(), wallet)
	if err != nil {
		h.internal(w, "lookup user", err)
		return
	}
	if exists {
		own, owns, err := h.app.Ledger.Ownership(r.Context(), agentID, usr.ID)
		if err != nil {
			h.internal(w, "check ownership", err)
			return
		}
		resp.Owns = owns
		if owns {
			resp.Ownership = &own
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- helpers ----------------------------------------------------------------

var errInvalidWallet = fmt.Errorf("wallet address must be 0x followed by 40 hex characters")

// internal logs the underlying failure and answers with an opaque 500 so
// data-layer details never leak to clients.
func (h *handler) internal(w http.ResponseWriter, op string, err error) {
	h.log.WithError(err).Errorf("%s failed", op)
	writeError(w, http.StatusInternalServerError, fmt.Errorf("internal error"))
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
