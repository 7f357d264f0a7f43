// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"

	gateway "github.com/nmorel/bastion/internal"
)

// RouterStore manages router and alias persistence.
type RouterStore interface {
	CreateRouter(ctx context.Context, r *gateway.Router) error
	GetRouter(ctx context.Context, id int64) (*gateway.Router, error)
	ListRouters(ctx context.Context) ([]*gateway.Router, error)
	UpdateRouter(ctx context.Context, r *gateway.Router) error
	DeleteRouter(ctx context.Context, id int64) error // cascades to providers
}

// ProviderStore manages provider persistence.
type ProviderStore interface {
	CreateProvider(ctx context.Context, p *gateway.Provider) error
	GetProvider(ctx context.Context, id int64) (*gateway.Provider, error)
	ListProviders(ctx context.Context, routerID int64) ([]*gateway.Provider, error)
	UpdateProvider(ctx context.Context, p *gateway.Provider) error
	DeleteProvider(ctx context.Context, id int64) error
}

// UserStore manages user and role persistence.
type UserStore interface {
	CreateUser(ctx context.Context, u *gateway.User) error
	GetUser(ctx context.Context, id int64) (*gateway.User, error)
	ListUsers(ctx context.Context, offset, limit int) ([]*gateway.User, error)
	UpdateUser(ctx context.Context, u *gateway.User) error
	DeleteUser(ctx context.Context, id int64) error

	CreateRole(ctx context.Context, r *gateway.Role) error
	GetRole(ctx context.Context, id int64) (*gateway.Role, error)
	ListRoles(ctx context.Context) ([]*gateway.Role, error)
	UpdateRole(ctx context.Context, r *gateway.Role) error
	DeleteRole(ctx context.Context, id int64) error
}

// TokenStore manages bearer token persistence.
type TokenStore interface {
	CreateToken(ctx context.Context, t *gateway.Token) error
	GetToken(ctx context.Context, id int64) (*gateway.Token, error)
	ListTokens(ctx context.Context, userID int64) ([]*gateway.Token, error)
	DeleteToken(ctx context.Context, id int64) error
}

// UsageStore manages usage record persistence.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error
	ListUsage(ctx context.Context, userID int64, offset, limit int) ([]*gateway.UsageRecord, error)
}

// Store combines all storage interfaces.
type Store interface {
	RouterStore
	ProviderStore
	UserStore
	TokenStore
	UsageStore
	Close() error
}
