package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	app "github.com/agentmesh/marketplace/internal/app"
	"github.com/agentmesh/marketplace/internal/app/domain/agent"
	"github.com/agentmesh/marketplace/internal/app/domain/ownership"
)

var (
	creatorWallet = "0x" + strings.Repeat("a", 40)
	buyerWallet   = "0x" + strings.Repeat("b", 40)
	otherWallet   = "0x" + strings.Repeat("c", 40)
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	application, err := app.New(app.Stores{}, nil)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("start application: %v", err)
	}
	t.Cleanup(func() { _ = application.Stop(context.Background()) })
	return NewHandler(application, nil)
}

func marshal(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return buf
}

func do(t *testing.T, handler http.Handler, method, path string, body map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, marshal(t, body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	return resp
}

func decode(t *testing.T, resp *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(resp.Body.Bytes(), dst); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
}

func createAgent(t *testing.T, handler http.Handler, body map[string]interface{}) (agentID string) {
	t.Helper()
	resp := do(t, handler, http.MethodPost, "/agents", body)
	if resp.Code != http.StatusCreated {
		t.Fatalf("create agent status: %d body: %s", resp.Code, resp.Body.String())
	}
	var created struct {
		Agent struct {
			ID string `json:"id"`
		} `json:"agent"`
	}
	decode(t, resp, &created)
	if created.Agent.ID == "" {
		t.Fatalf("expected agent id in response")
	}
	return created.Agent.ID
}

func agentBody(forSale bool) map[string]interface{} {
	return map[string]interface{}{
		"name":                   "summarizer",
		"description":            "summarizes documents",
		"model":                  "gpt-4o",
		"capabilities":           []string{"search", "summarize"},
		"price":                  3.5,
		"is_for_sale":            forSale,
		"creator_wallet_address": creatorWallet,
	}
}

func TestUserRegistration(t *testing.T) {
	handler := newTestHandler(t)

	resp := do(t, handler, http.MethodPost, "/users", map[string]interface{}{"wallet_address": creatorWallet})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body: %s", resp.Code, resp.Body.String())
	}
	var usr struct {
		ID            string `json:"id"`
		WalletAddress string `json:"wallet_address"`
	}
	decode(t, resp, &usr)
	if usr.ID == "" || usr.WalletAddress != creatorWallet {
		t.Fatalf("unexpected user payload: %+v", usr)
	}

	resp = do(t, handler, http.MethodPost, "/users", map[string]interface{}{"wallet_address": creatorWallet})
	if resp.Code != http.StatusConflict {
		t.Fatalf("duplicate wallet should 409, got %d", resp.Code)
	}

	resp = do(t, handler, http.MethodPost, "/users", map[string]interface{}{"wallet_address": "not-a-wallet"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("invalid wallet should 400, got %d", resp.Code)
	}
}

func TestUserLookup(t *testing.T) {
	handler := newTestHandler(t)

	resp := do(t, handler, http.MethodGet, "/users/"+creatorWallet, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("lookup status: %d", resp.Code)
	}
	var lookup struct {
		Exists bool `json:"exists"`
	}
	decode(t, resp, &lookup)
	if lookup.Exists {
		t.Fatalf("expected unknown wallet to report exists=false")
	}

	if resp := do(t, handler, http.MethodPost, "/users", map[string]interface{}{"wallet_address": creatorWallet}); resp.Code != http.StatusCreated {
		t.Fatalf("create user: %d", resp.Code)
	}

	resp = do(t, handler, http.MethodGet, "/users/"+creatorWallet, nil)
	decode(t, resp, &lookup)
	if !lookup.Exists {
		t.Fatalf("expected registered wallet to report exists=true")
	}
}

func TestAgentCreationGrantsCreatorOwnership(t *testing.T) {
	handler := newTestHandler(t)

	resp := do(t, handler, http.MethodPost, "/agents", agentBody(false))
	if resp.Code != http.StatusCreated {
		t.Fatalf("create agent status: %d body: %s", resp.Code, resp.Body.String())
	}
	var created struct {
		Agent struct {
			ID      string  `json:"id"`
			Name    string  `json:"name"`
			Price   float64 `json:"price"`
			ForSale bool    `json:"for_sale"`
		} `json:"agent"`
		Ownership struct {
			AgentID string `json:"agent_id"`
			UserID  string `json:"user_id"`
		} `json:"ownership"`
	}
	decode(t, resp, &created)
	if created.Ownership.AgentID != created.Agent.ID || created.Ownership.UserID == "" {
		t.Fatalf("creator ownership missing from response: %+v", created)
	}

	// The creator wallet was auto-registered on the way through.
	resp = do(t, handler, http.MethodGet, "/users/"+creatorWallet+"/agents", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("list created status: %d", resp.Code)
	}
	var mine []map[string]interface{}
	decode(t, resp, &mine)
	if len(mine) != 1 {
		t.Fatalf("expected 1 created agent, got %d", len(mine))
	}

	resp = do(t, handler, http.MethodGet, "/users/"+creatorWallet+"/owned", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("list owned status: %d", resp.Code)
	}
	var owned []map[string]interface{}
	decode(t, resp, &owned)
	if len(owned) != 1 {
		t.Fatalf("expected creator to own 1 agent, got %d", len(owned))
	}
}

func TestAgentValidationAndListing(t *testing.T) {
	handler := newTestHandler(t)

	bad := agentBody(true)
	bad["name"] = ""
	if resp := do(t, handler, http.MethodPost, "/agents", bad); resp.Code != http.StatusBadRequest {
		t.Fatalf("empty name should 400, got %d", resp.Code)
	}

	bad = agentBody(true)
	bad["capabilities"] = []string{}
	if resp := do(t, handler, http.MethodPost, "/agents", bad); resp.Code != http.StatusBadRequest {
		t.Fatalf("empty capabilities should 400, got %d", resp.Code)
	}

	bad = agentBody(true)
	bad["creator_wallet_address"] = "nope"
	if resp := do(t, handler, http.MethodPost, "/agents", bad); resp.Code != http.StatusBadRequest {
		t.Fatalf("bad wallet should 400, got %d", resp.Code)
	}

	createAgent(t, handler, agentBody(true))

	resp := do(t, handler, http.MethodGet, "/agents", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("list agents status: %d", resp.Code)
	}
	var list []struct {
		Name    string `json:"name"`
		Creator struct {
			WalletAddress string `json:"wallet_address"`
		} `json:"creator"`
	}
	decode(t, resp, &list)
	if len(list) != 1 {
		t.Fatalf("expected 1 agent, got %d", len(list))
	}
	if list[0].Creator.WalletAddress != creatorWallet {
		t.Fatalf("creator identity not embedded: %+v", list[0])
	}
}

func TestExternalIDRoutes(t *testing.T) {
	handler := newTestHandler(t)

	body := agentBody(true)
	body["external_id"] = 77
	agentID := createAgent(t, handler, body)

	// Same external id again conflicts.
	dup := agentBody(true)
	dup["external_id"] = 77
	if resp := do(t, handler, http.MethodPost, "/agents", dup); resp.Code != http.StatusConflict {
		t.Fatalf("duplicate external id should 409, got %d", resp.Code)
	}

	resp := do(t, handler, http.MethodGet, "/agents/external/77", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("get by external id status: %d", resp.Code)
	}
	var agt struct {
		ID string `json:"id"`
	}
	decode(t, resp, &agt)
	if agt.ID != agentID {
		t.Fatalf("wrong agent resolved: %s", agt.ID)
	}

	resp = do(t, handler, http.MethodGet, "/agents/external/77/exists", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("exists status: %d", resp.Code)
	}
	var exists struct {
		Exists  bool    `json:"exists"`
		AgentID *string `json:"agent_id"`
	}
	decode(t, resp, &exists)
	if !exists.Exists || exists.AgentID == nil || *exists.AgentID != agentID {
		t.Fatalf("exists payload mismatch: %+v", exists)
	}

	resp = do(t, handler, http.MethodGet, "/agents/external/999/exists", nil)
	decode(t, resp, &exists)
	if exists.Exists || exists.AgentID != nil {
		t.Fatalf("unknown external id should report absent: %+v", exists)
	}

	if resp := do(t, handler, http.MethodGet, "/agents/external/999", nil); resp.Code != http.StatusNotFound {
		t.Fatalf("unknown external id should 404, got %d", resp.Code)
	}
	if resp := do(t, handler, http.MethodGet, "/agents/external/abc", nil); resp.Code != http.StatusBadRequest {
		t.Fatalf("non-numeric external id should 400, got %d", resp.Code)
	}
	if resp := do(t, handler, http.MethodGet, "/agents/external/", nil); resp.Code != http.StatusNotFound {
		t.Fatalf("missing external id segment should 404, got %d", resp.Code)
	}
}

type failingAgentStore struct{ err error }

func (s failingAgentStore) CreateAgentWithOwner(context.Context, agent.Agent, ownership.Ownership) (agent.Agent, ownership.Ownership, error) {
	return agent.Agent{}, ownership.Ownership{}, s.err
}

func (s failingAgentStore) GetAgent(context.Context, string) (agent.Agent, error) {
	return agent.Agent{}, s.err
}

func (s failingAgentStore) GetAgentByExternalID(context.Context, int64) (agent.Agent, error) {
	return agent.Agent{}, s.err
}

func (s failingAgentStore) ListAgents(context.Context) ([]agent.WithCreator, error) {
	return nil, s.err
}

func (s failingAgentStore) ListAgentsByCreator(context.Context, string) ([]agent.Agent, error) {
	return nil, s.err
}

func TestAgentCreateStoreFailureIsOpaque(t *testing.T) {
	dbErr := errors.New("pq: connection refused at db.internal:5432")
	application, err := app.New(app.Stores{Agents: failingAgentStore{err: dbErr}}, nil)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	handler := NewHandler(application, nil)

	resp := do(t, handler, http.MethodPost, "/agents", agentBody(true))
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for store failure, got %d body: %s", resp.Code, resp.Body.String())
	}
	if strings.Contains(resp.Body.String(), "connection refused") {
		t.Fatalf("data-layer detail leaked to client: %s", resp.Body.String())
	}

	// The external-id pre-check failing is infrastructure too, not a 400.
	body := agentBody(true)
	body["external_id"] = 5
	resp = do(t, handler, http.MethodPost, "/agents", body)
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for pre-check failure, got %d", resp.Code)
	}
	if strings.Contains(resp.Body.String(), "connection refused") {
		t.Fatalf("data-layer detail leaked to client: %s", resp.Body.String())
	}
}

func TestPurchaseFlow(t *testing.T) {
	handler := newTestHandler(t)
	agentID := createAgent(t, handler, agentBody(true))

	buy := map[string]interface{}{"buyer_wallet_address": buyerWallet}

	resp := do(t, handler, http.MethodPost, "/agents/"+agentID+"/purchase", buy)
	if resp.Code != http.StatusCreated {
		t.Fatalf("purchase status: %d body: %s", resp.Code, resp.Body.String())
	}
	var purchase struct {
		Ownership struct {
			AgentID string `json:"agent_id"`
		} `json:"ownership"`
		Agent struct {
			ID string `json:"id"`
		} `json:"agent"`
	}
	decode(t, resp, &purchase)
	if purchase.Ownership.AgentID != agentID || purchase.Agent.ID != agentID {
		t.Fatalf("purchase payload mismatch: %+v", purchase)
	}

	// Buying twice is rejected without a second grant.
	if resp := do(t, handler, http.MethodPost, "/agents/"+agentID+"/purchase", buy); resp.Code != http.StatusConflict {
		t.Fatalf("repeat purchase should 409, got %d", resp.Code)
	}

	// A second buyer is fine; ownership is non-exclusive.
	other := map[string]interface{}{"buyer_wallet_address": otherWallet}
	if resp := do(t, handler, http.MethodPost, "/agents/"+agentID+"/purchase", other); resp.Code != http.StatusCreated {
		t.Fatalf("second buyer should succeed, got %d", resp.Code)
	}

	resp = do(t, handler, http.MethodGet, "/users/"+buyerWallet+"/owned", nil)
	var owned []map[string]interface{}
	decode(t, resp, &owned)
	if len(owned) != 1 {
		t.Fatalf("expected buyer to own 1 agent, got %d", len(owned))
	}
}

func TestPurchaseRejections(t *testing.T) {
	handler := newTestHandler(t)

	buy := map[string]interface{}{"buyer_wallet_address": buyerWallet}

	if resp := do(t, handler, http.MethodPost, "/agents/no-such-agent/purchase", buy); resp.Code != http.StatusNotFound {
		t.Fatalf("missing agent should 404, got %d", resp.Code)
	}

	agentID := createAgent(t, handler, agentBody(false))
	if resp := do(t, handler, http.MethodPost, "/agents/"+agentID+"/purchase", buy); resp.Code != http.StatusConflict {
		t.Fatalf("not-for-sale should 409, got %d", resp.Code)
	}

	bad := map[string]interface{}{"buyer_wallet_address": "nope"}
	if resp := do(t, handler, http.MethodPost, "/agents/"+agentID+"/purchase", bad); resp.Code != http.StatusBadRequest {
		t.Fatalf("bad wallet should 400, got %d", resp.Code)
	}
}

func TestOwnershipCheck(t *testing.T) {
	handler := newTestHandler(t)
	agentID := createAgent(t, handler, agentBody(true))

	// Unknown wallet owns nothing, but the check itself succeeds.
	resp := do(t, handler, http.MethodGet, "/agents/"+agentID+"/ownership/"+buyerWallet, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("ownership check status: %d", resp.Code)
	}
	var check struct {
		Owns      bool                   `json:"owns"`
		Ownership map[string]interface{} `json:"ownership"`
	}
	decode(t, resp, &check)
	if check.Owns || check.Ownership != nil {
		t.Fatalf("unknown wallet should not own: %+v", check)
	}

	if resp := do(t, handler, http.MethodPost, "/agents/"+agentID+"/purchase", map[string]interface{}{"buyer_wallet_address": buyerWallet}); resp.Code != http.StatusCreated {
		t.Fatalf("purchase: %d", resp.Code)
	}

	resp = do(t, handler, http.MethodGet, "/agents/"+agentID+"/ownership/"+buyerWallet, nil)
	decode(t, resp, &check)
	if !check.Owns || check.Ownership == nil {
		t.Fatalf("expected ownership after purchase: %+v", check)
	}

	// The creator holds a grant from creation time.
	resp = do(t, handler, http.MethodGet, "/agents/"+agentID+"/ownership/"+creatorWallet, nil)
	decode(t, resp, &check)
	if !check.Owns {
		t.Fatalf("creator grant missing")
	}
}

func TestAgentNotFound(t *testing.T) {
	handler := newTestHandler(t)

	if resp := do(t, handler, http.MethodGet, "/agents/missing", nil); resp.Code != http.StatusNotFound {
		t.Fatalf("missing agent should 404, got %d", resp.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	handler := newTestHandler(t)

	resp := do(t, handler, http.MethodGet, "/healthz", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("healthz status: %d", resp.Code)
	}
	var health struct {
		Status string `json:"status"`
	}
	decode(t, resp, &health)
	if health.Status != "healthy" {
		t.Fatalf("unexpected health payload: %+v", health)
	}

	resp = do(t, handler, http.MethodGet, "/metrics", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("metrics status: %d", resp.Code)
	}
	if resp.Body.Len() == 0 {
		t.Fatalf("expected metrics output to be non-empty")
	}
}

func TestUnknownFieldsRejected(t *testing.T) {
	handler := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/users", bytes.NewBufferString(`{"wallet":"0x00"}`))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("unknown field should 400, got %d", resp.Code)
	}
}
