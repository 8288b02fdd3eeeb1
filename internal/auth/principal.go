// Package auth carries the caller identity established by the upstream
// session layer. Identity is trusted as given; only authorization rules for
// scheduling live here.
package auth

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleHost, RoleClient:
		return r, true
	case "staff":
		return RoleHost, true
	}
	return "", false
}

type Principal struct {
	UserID string
	Role   Role
}

func (p Principal) Authenticated() bool {
	return p.UserID != ""
}

// ActsFor reports whether p may manage hostID's calendar and bookings.
func (p Principal) ActsFor(hostID string) bool {
	return p.Role == RoleAdmin || (p.Role == RoleHost && p.UserID == hostID)
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.Authenticated()
}

// Require returns the authenticated principal or ErrUnauthorized.
func Require(ctx context.Context) (Principal, error) {
	p, ok := FromContext(ctx)
	if !ok {
		return Principal{}, ErrUnauthorized
	}
	return p, nil
}

// RequireHost returns the principal when it may act for hostID.
func RequireHost(ctx context.Context, hostID string) (Principal, error) {
	p, err := Require(ctx)
	if err != nil {
		return Principal{}, err
	}
	if !p.ActsFor(hostID) {
		return Principal{}, ErrForbidden
	}
	return p, nil
}
