package auth

import (
	"fmt"
	"sort"

	"alertdesk/internal/config"
	"alertdesk/internal/domain"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// ScopeError indicates an account acting outside its own department or work.
type ScopeError struct {
	Resource string
}

func (e ScopeError) Error() string {
	return fmt.Sprintf("%s is outside the caller's scope", e.Resource)
}

// Policy maps account kinds to their permissions.
type Policy struct {
	roles map[string]map[string]bool
}

func NewPolicy(roles map[string]config.RBACRole) Policy {
	p := Policy{roles: map[string]map[string]bool{}}
	for id, role := range roles {
		perms := map[string]bool{}
		for _, perm := range role.Permissions {
			perms[perm] = true
		}
		p.roles[id] = perms
	}
	return p
}

func (p Policy) Allows(kind domain.AccountKind, perm string) bool {
	return p.roles[string(kind)][perm]
}

func (p Policy) Require(kind domain.AccountKind, perm string) error {
	if !p.Allows(kind, perm) {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

func (p Policy) Permissions(kind domain.AccountKind) []string {
	var out []string
	for perm := range p.roles[string(kind)] {
		out = append(out, perm)
	}
	sort.Strings(out)
	return out
}

// Principal is the authenticated caller.
type Principal struct {
	Kind         domain.AccountKind
	UniqueID     string
	RowID        int64
	DepartmentID *int64
}

// Global reports whether the caller may act on any department.
func (p Principal) Global() bool {
	return p.Kind == domain.KindMainAdmin || p.Kind == domain.KindNodal
}

// RequireDepartment fails unless the caller is global or belongs to departmentID.
func (p Principal) RequireDepartment(departmentID int64) error {
	if p.Global() {
		return nil
	}
	if p.DepartmentID != nil && *p.DepartmentID == departmentID {
		return nil
	}
	return ScopeError{Resource: fmt.Sprintf("department %d", departmentID)}
}

// RequireOfficer fails for officers acting on someone else's work.
func (p Principal) RequireOfficer(officerID int64) error {
	if p.Kind != domain.KindOfficer || p.RowID == officerID {
		return nil
	}
	return ScopeError{Resource: fmt.Sprintf("officer %d", officerID)}
}
