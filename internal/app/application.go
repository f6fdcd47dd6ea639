package app

import (
	"context"
	"fmt"

	"github.com/R3E-Network/savings_layer/internal/app/services/admin"
	"github.com/R3E-Network/savings_layer/internal/app/services/portfolio"
	"github.com/R3E-Network/savings_layer/internal/app/services/schedule"
	"github.com/R3E-Network/savings_layer/internal/app/services/vault"
	"github.com/R3E-Network/savings_layer/internal/app/services/yield"
	"github.com/R3E-Network/savings_layer/internal/app/storage"
	"github.com/R3E-Network/savings_layer/internal/app/storage/memory"
	"github.com/R3E-Network/savings_layer/internal/app/system"
	"github.com/R3E-Network/savings_layer/internal/clock"
	"github.com/R3E-Network/savings_layer/internal/config"
	"github.com/R3E-Network/savings_layer/internal/ledger"
	"github.com/R3E-Network/savings_layer/internal/roles"
	"github.com/R3E-Network/savings_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Plans storage.PlanStore
	Pools storage.PoolStore
	Locks storage.LockStore
}

// Application ties the engines together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Ledger    *ledger.Manager
	Admin     *admin.Service
	Schedule  *schedule.Service
	Keeper    *schedule.Keeper
	Yield     *yield.Service
	Vault     *vault.Service
	Portfolio *portfolio.Service
}

// New builds a fully initialised application. A nil clock uses wall time.
func New(cfg *config.Config, stores Stores, clk clock.Clock, log *logger.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.NewDefault("app")
	}
	if clk == nil {
		clk = clock.System()
	}

	mem := memory.New()
	if stores.Plans == nil {
		stores.Plans = mem
	}
	if stores.Pools == nil {
		stores.Pools = mem
	}
	if stores.Locks == nil {
		stores.Locks = mem
	}

	policy, err := vault.NewInterestPolicy(cfg.Vault.Interest.Policy, cfg.Vault.Interest.RateBps, cfg.Vault.Interest.CompoundPeriod)
	if err != nil {
		return nil, fmt.Errorf("configure interest policy: %w", err)
	}

	adminService := admin.New(cfg.Admin.Identity, log.Component("admin"))
	keepers := append([]string{}, cfg.Admin.Keepers...)
	if cfg.Keeper.Enabled {
		keepers = append(keepers, cfg.Keeper.Identity)
	}
	adminService.Bootstrap(cfg.Admin.SupportedAssets, map[roles.Role][]string{
		roles.Governance: cfg.Admin.Governance,
		roles.Emergency:  cfg.Admin.Emergency,
		roles.Keeper:     keepers,
	})

	led := ledger.NewManager(clk)
	scheduleService := schedule.New(stores.Plans, led, adminService, clk, schedule.Config{
		CustodyAccount: cfg.Schedule.CustodyAccount,
		MaxPenaltyBps:  cfg.Schedule.MaxPenaltyBps,
	}, log.Component("schedule"))
	yieldService := yield.New(stores.Pools, led, adminService, clk, yield.Config{
		CustodyAccount: cfg.Yield.CustodyAccount,
	}, log.Component("yield"))
	vaultService := vault.New(stores.Locks, led, adminService, clk, vault.Config{
		CustodyAccount:     cfg.Vault.CustodyAccount,
		ReserveAccount:     cfg.Vault.ReserveAccount,
		RequiredSignatures: cfg.Vault.RequiredSignatures,
		GovernanceDelay:    cfg.Vault.GovernanceDelay,
		Interest:           policy,
	}, log.Component("vault"))

	manager := system.NewManager()
	for _, name := range []string{"ledger", "admin", "yield", "vault"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	var keeper *schedule.Keeper
	if cfg.Keeper.Enabled {
		keeper = schedule.NewKeeper(scheduleService, schedule.KeeperConfig{
			Identity:      cfg.Keeper.Identity,
			Schedule:      cfg.Keeper.Schedule,
			RatePerSecond: cfg.Keeper.RatePerSecond,
			Burst:         cfg.Keeper.Burst,
		}, log.Component("schedule-keeper"))
		if err := manager.Register(keeper); err != nil {
			return nil, fmt.Errorf("register %s: %w", keeper.Name(), err)
		}
	} else {
		log.Warn("keeper disabled; plans execute only on explicit calls")
	}

	return &Application{
		manager:   manager,
		log:       log,
		Ledger:    led,
		Admin:     adminService,
		Schedule:  scheduleService,
		Keeper:    keeper,
		Yield:     yieldService,
		Vault:     vaultService,
		Portfolio: portfolio.New(scheduleService, yieldService, vaultService),
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Services lists registered lifecycle services in start order.
func (a *Application) Services() []string {
	return a.manager.Services()
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	a.log.WithField("services", a.manager.Services()).Info("starting savings layer")
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
