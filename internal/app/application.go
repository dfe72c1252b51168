package app

import (
	"context"
	"fmt"

	"github.com/agentmesh/marketplace/internal/app/services/identity"
	"github.com/agentmesh/marketplace/internal/app/services/ledger"
	"github.com/agentmesh/marketplace/internal/app/services/registry"
	"github.com/agentmesh/marketplace/internal/app/storage"
	"github.com/agentmesh/marketplace/internal/app/storage/memory"
	"github.com/agentmesh/marketplace/internal/app/system"
	"github.com/agentmesh/marketplace/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Users      storage.UserStore
	Agents     storage.AgentStore
	Ownerships storage.OwnershipStore
}

// Application ties the marketplace services together and manages their
// lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Identity *identity.Service
	Registry *registry.Service
	Ledger   *ledger.Service
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Users == nil {
		stores.Users = mem
	}
	if stores.Agents == nil {
		stores.Agents = mem
	}
	if stores.Ownerships == nil {
		stores.Ownerships = mem
	}

	manager := system.NewManager()

	identitySvc := identity.New(stores.Users, log)
	registrySvc := registry.New(stores.Users, stores.Agents, log)
	ledgerSvc := ledger.New(stores.Agents, stores.Ownerships, log)

	for _, name := range []string{"identity", "registry", "ledger"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	return &Application{
		manager:  manager,
		log:      log,
		Identity: identitySvc,
		Registry: registrySvc,
		Ledger:   ledgerSvc,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
