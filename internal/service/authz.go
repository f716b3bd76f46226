package service

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"storeledger/backend/internal/domain"
)

var ErrForbidden = errors.New("forbidden")

const (
	ActionSetFloat        = "ledger.float.set"
	ActionMarkPaid        = "settlement.mark_paid"
	ActionManageRates     = "commission.rate.set"
	ActionManageLocations = "location.manage"
)

// Authorizer is the permission decision supplied by the surrounding
// application.
type Authorizer interface {
	Can(actor domain.Actor, action string) bool
}

// RolePolicy maps an action to the roles allowed to perform it.
type RolePolicy map[string][]string

func DefaultPolicy() RolePolicy {
	return RolePolicy{
		ActionSetFloat:        {"admin", "manager"},
		ActionMarkPaid:        {"admin", "manager"},
		ActionManageRates:     {"admin"},
		ActionManageLocations: {"admin"},
	}
}

func (p RolePolicy) Can(actor domain.Actor, action string) bool {
	roles, ok := p[action]
	if !ok {
		return false
	}
	return slices.Contains(roles, actor.Role)
}

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

func (s *Service) authorize(ctx context.Context, action string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, fmt.Errorf("%w: %s requires an authenticated actor", ErrForbidden, action)
	}
	if !s.authz.Can(actor, action) {
		return domain.Actor{}, fmt.Errorf("%w: role %q may not %s", ErrForbidden, actor.Role, action)
	}
	return actor, nil
}
