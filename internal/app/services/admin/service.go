// Package admin owns the role table and the supported asset list. Every
// privileged engine operation is checked against it.
package admin

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/R3E-Network/savings_layer/internal/errors"
	"github.com/R3E-Network/savings_layer/internal/roles"
	"github.com/R3E-Network/savings_layer/pkg/logger"
)

// Service manages roles and supported assets.
type Service struct {
	table  *roles.Table
	mu     sync.RWMutex
	assets map[string]struct{}
	log    *logger.Logger
}

var _ roles.Authority = (*Service)(nil)

// New creates the service with identity as the sole admin.
func New(identity string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("admin")
	}
	s := &Service{
		table:  roles.NewTable(),
		assets: make(map[string]struct{}),
		log:    log,
	}
	s.table.Grant(roles.Admin, identity)
	return s
}

// Bootstrap seeds assets and role members at startup without a caller check.
func (s *Service) Bootstrap(assets []string, grants map[roles.Role][]string) {
	s.mu.Lock()
	for _, asset := range assets {
		if asset = strings.TrimSpace(asset); asset != "" {
			s.assets[asset] = struct{}{}
		}
	}
	s.mu.Unlock()

	for role, identities := range grants {
		for _, id := range identities {
			s.table.Grant(role, id)
		}
	}
}

func (s *Service) requireAdmin(caller string) error {
	if !s.table.Has(roles.Admin, caller) {
		return errors.ErrNotAdmin.WithDetails("caller", caller)
	}
	return nil
}

// GrantRole adds identity to role.
func (s *Service) GrantRole(_ context.Context, caller string, role roles.Role, identity string) error {
	if err := s.requireAdmin(caller); err != nil {
		return err
	}
	if !roles.Known(role) {
		return errors.Validation(errors.CodeInvalidRole, "unknown role "+string(role))
	}
	if strings.TrimSpace(identity) == "" {
		return errors.Validation(errors.CodeInvalidRole, "identity is required")
	}
	if s.table.Grant(role, identity) {
		s.log.WithField("role", role).WithField("identity", identity).Info("role granted")
	}
	return nil
}

// RevokeRole removes identity from role. The last admin cannot be revoked.
func (s *Service) RevokeRole(_ context.Context, caller string, role roles.Role, identity string) error {
	if err := s.requireAdmin(caller); err != nil {
		return err
	}
	if !roles.Known(role) {
		return errors.Validation(errors.CodeInvalidRole, "unknown role "+string(role))
	}
	if role == roles.Admin {
		members := s.table.Members(roles.Admin)
		if len(members) == 1 && members[0] == identity {
			return errors.State(errors.CodeInvalidTransition, "cannot revoke the last admin")
		}
	}
	if s.table.Revoke(role, identity) {
		s.log.WithField("role", role).WithField("identity", identity).Info("role revoked")
	}
	return nil
}

// TransferAdmin hands the caller's admin role to next.
func (s *Service) TransferAdmin(_ context.Context, caller, next string) error {
	if err := s.requireAdmin(caller); err != nil {
		return err
	}
	next = strings.TrimSpace(next)
	if next == "" {
		return errors.Validation(errors.CodeInvalidRole, "new admin identity is required")
	}
	if next == caller {
		return nil
	}
	s.table.Grant(roles.Admin, next)
	s.table.Revoke(roles.Admin, caller)
	s.log.WithField("from", caller).WithField("to", next).Info("admin transferred")
	return nil
}

// AddSupportedAsset allows asset in every engine.
func (s *Service) AddSupportedAsset(_ context.Context, caller, asset string) error {
	if err := s.requireAdmin(caller); err != nil {
		return err
	}
	asset = strings.TrimSpace(asset)
	if asset == "" {
		return errors.Validation(errors.CodeUnsupportedAsset, "asset is required")
	}
	s.mu.Lock()
	s.assets[asset] = struct{}{}
	s.mu.Unlock()
	s.log.WithField("asset", asset).Info("asset supported")
	return nil
}

// RemoveSupportedAsset stops new activity in asset. Existing records are
// untouched.
func (s *Service) RemoveSupportedAsset(_ context.Context, caller, asset string) error {
	if err := s.requireAdmin(caller); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.assets, asset)
	s.mu.Unlock()
	s.log.WithField("asset", asset).Info("asset removed")
	return nil
}

// HasRole reports whether identity holds role.
func (s *Service) HasRole(role roles.Role, identity string) bool {
	return s.table.Has(role, identity)
}

// IsSupportedAsset reports whether asset is accepted.
func (s *Service) IsSupportedAsset(asset string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.assets[asset]
	return ok
}

// SupportedAssets lists accepted assets in sorted order.
func (s *Service) SupportedAssets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.assets))
	for asset := range s.assets {
		out = append(out, asset)
	}
	sort.Strings(out)
	return out
}

// Members lists identities holding role.
func (s *Service) Members(role roles.Role) []string {
	return s.table.Members(role)
}
