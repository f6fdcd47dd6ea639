// Package app provides the composition layer of the savings layer.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── plan/           # Recurring investment plans
//	│   ├── pool/           # Yield pools, positions and allocation legs
//	│   └── lock/           # Vault locks and override requests
//	├── storage/            # Storage interfaces and implementations
//	│   ├── interfaces.go   # PlanStore, PoolStore, LockStore
//	│   ├── memory/         # In-memory implementation
//	│   └── postgres/       # PostgreSQL implementation
//	├── services/           # Engines
//	│   ├── admin/          # Roles and supported assets
//	│   ├── schedule/       # Recurring plans and the execution keeper
//	│   ├── yield/          # Pool registry, allocation and rebalance
//	│   ├── vault/          # Time locks, overrides and interest
//	│   └── portfolio/      # Read-only aggregation
//	├── system/             # Lifecycle manager
//	└── metrics/            # Prometheus collectors
//
// # Dependency Direction
//
//	cmd/savingsd/
//	      │
//	      ▼
//	internal/app/ (composition)
//	      │
//	      ├──► internal/app/services/ (engines)
//	      │           │
//	      │           ├──► internal/ledger/ (value movement)
//	      │           │
//	      │           └──► internal/app/storage/
//	      │
//	      └──► internal/platform/migrations/
//
// Engines never call each other. Value moves only through the ledger and the
// portfolio service only reads.
package app
