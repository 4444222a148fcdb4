/*
Package auth answers "who is calling and what may they do".

PURPOSE:
  Every engine operation is gated by a role check before any core logic
  runs. This package carries the caller identity through context.Context
  and resolves organization membership through a MemberLookup.

ROLES (ordered):
  resident < board_member < admin

MEMBERSHIP STATUS:
  active     Role checks apply
  suspended  Always Forbidden
  removed    Always Forbidden (also returned when no membership row exists)

SEE ALSO:
  - token.go: Bearer token -> Caller
  - api/middleware.go: Puts the Caller on the request context
*/
package auth

import (
	"context"
	"fmt"

	"github.com/warp/dues-engine/generic"
)

// =============================================================================
// ROLES
// =============================================================================

type Role string

const (
	RoleResident    Role = "resident"
	RoleBoardMember Role = "board_member"
	RoleAdmin       Role = "admin"
)

func (r Role) rank() int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleBoardMember:
		return 2
	case RoleResident:
		return 1
	default:
		return 0
	}
}

// Satisfies reports whether r is at least minimum.
func (r Role) Satisfies(minimum Role) bool {
	return r.rank() >= minimum.rank() && r.rank() > 0
}

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleResident, RoleBoardMember, RoleAdmin:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

type MemberStatus string

const (
	MemberActive    MemberStatus = "active"
	MemberSuspended MemberStatus = "suspended"
	MemberRemoved   MemberStatus = "removed"
)

// =============================================================================
// CALLER CONTEXT
// =============================================================================

// Caller is the authenticated identity of a request or job.
type Caller struct {
	UserID string
}

type callerKey struct{}

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller or an Unauthorized error.
func CallerFrom(ctx context.Context) (Caller, error) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	if !ok || c.UserID == "" {
		return Caller{}, generic.Unauthorized("authentication required")
	}
	return c, nil
}

// =============================================================================
// AUTHORIZER
// =============================================================================

// Authorizer is the authorization collaborator consumed by the engine.
type Authorizer interface {
	RequireRole(ctx context.Context, orgID string, minimum Role) error
	MembershipStatus(ctx context.Context, orgID string) (MemberStatus, error)
}

// Membership is one organization_members row.
type Membership struct {
	OrgID  string
	UserID string
	Role   Role
	Status MemberStatus
	Email  string
}

// MemberLookup finds a membership row; found=false when none exists.
type MemberLookup interface {
	Membership(ctx context.Context, orgID, userID string) (m Membership, found bool, err error)
}

// Directory implements Authorizer on top of a MemberLookup.
type Directory struct {
	Members MemberLookup
}

func NewDirectory(members MemberLookup) *Directory {
	return &Directory{Members: members}
}

// RequireRole fails with Unauthorized, Forbidden or nil.
func (d *Directory) RequireRole(ctx context.Context, orgID string, minimum Role) error {
	caller, err := CallerFrom(ctx)
	if err != nil {
		return err
	}

	m, found, err := d.Members.Membership(ctx, orgID, caller.UserID)
	if err != nil {
		return fmt.Errorf("failed to load membership: %w", err)
	}
	if !found || m.Status != MemberActive {
		return generic.Forbidden("no access to this organization")
	}
	if !m.Role.Satisfies(minimum) {
		return generic.Forbidden("role %s required", minimum)
	}
	return nil
}

// MembershipStatus returns removed when no row exists.
func (d *Directory) MembershipStatus(ctx context.Context, orgID string) (MemberStatus, error) {
	caller, err := CallerFrom(ctx)
	if err != nil {
		return "", err
	}

	m, found, err := d.Members.Membership(ctx, orgID, caller.UserID)
	if err != nil {
		return "", fmt.Errorf("failed to load membership: %w", err)
	}
	if !found {
		return MemberRemoved, nil
	}
	switch m.Status {
	case MemberActive, MemberSuspended:
		return m.Status, nil
	default:
		return MemberRemoved, nil
	}
}
