package authorization

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Resource identifies a kind of engine entity that authorizations apply to.
type Resource string

const (
	ResourceApplication     Resource = "Application"
	ResourceAttachment      Resource = "Attachment"
	ResourceAuthorization   Resource = "Authorization"
	ResourceFilter          Resource = "Filter"
	ResourceGroup           Resource = "Group"
	ResourceGroupMembership Resource = "Group membership"
	ResourceIdentityLink    Resource = "IdentityLink"
	ResourceTask            Resource = "Task"
	ResourceUser            Resource = "User"
	ResourceProcessInstance Resource = "ProcessInstance"
)

// Any matches every resource ID of a given resource type.
const Any = "*"

// Permission is a bitmask of rights over a resource.
type Permission int

const (
	PermissionNone   Permission = 0
	PermissionRead   Permission = 1 << 1
	PermissionUpdate Permission = 1 << 2
	PermissionCreate Permission = 1 << 3
	PermissionDelete Permission = 1 << 4
	PermissionAll               = PermissionRead | PermissionUpdate | PermissionCreate | PermissionDelete
)

var permissionNames = []struct {
	perm Permission
	name string
}{
	{PermissionRead, "READ"},
	{PermissionUpdate, "UPDATE"},
	{PermissionCreate, "CREATE"},
	{PermissionDelete, "DELETE"},
}

func (p Permission) String() string {
	if p == PermissionNone {
		return "NONE"
	}
	if p == PermissionAll {
		return "ALL"
	}
	var parts []string
	for _, pn := range permissionNames {
		if p&pn.perm == pn.perm {
			parts = append(parts, pn.name)
		}
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, ",")
}

// Contains reports whether every bit of perm is present in p.
func (p Permission) Contains(perm Permission) bool {
	return p&perm == perm
}

// Type distinguishes how an authorization record is interpreted.
type Type string

const (
	// TypeGlobal applies to every identity. Global records carry no user or
	// group; the stored UserID is Any.
	TypeGlobal Type = "global"
	// TypeGrant adds permissions for a user or group.
	TypeGrant Type = "grant"
	// TypeRevoke removes permissions for a user or group, overriding grants.
	TypeRevoke Type = "revoke"
)

// Authorization is a stored access-control record. Exactly one of UserID or
// GroupID is set for grant and revoke records.
type Authorization struct {
	ID          string     `json:"id"`
	Type        Type       `json:"type"`
	UserID      string     `json:"user_id,omitempty"`
	GroupID     string     `json:"group_id,omitempty"`
	Resource    Resource   `json:"resource"`
	ResourceID  string     `json:"resource_id"`
	Permissions Permission `json:"permissions"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewGrant builds a grant record for a user or group. Exactly one of userID
// and groupID should be set.
func NewGrant(userID, groupID string, resource Resource, resourceID string, perms Permission) *Authorization {
	return &Authorization{
		ID:          uuid.NewString(),
		Type:        TypeGrant,
		UserID:      userID,
		GroupID:     groupID,
		Resource:    resource,
		ResourceID:  resourceID,
		Permissions: perms,
	}
}

// NewRevoke builds a revoke record for a user or group.
func NewRevoke(userID, groupID string, resource Resource, resourceID string, perms Permission) *Authorization {
	rec := NewGrant(userID, groupID, resource, resourceID, perms)
	rec.Type = TypeRevoke
	return rec
}

// NewGlobal builds a record applying to every identity.
func NewGlobal(resource Resource, resourceID string, perms Permission) *Authorization {
	rec := NewGrant(Any, "", resource, resourceID, perms)
	rec.Type = TypeGlobal
	return rec
}

// Query selects stored authorization records. Zero-valued fields match
// everything; Permission matches records carrying at least those bits.
type Query struct {
	UserID     string
	GroupID    string
	Resource   Resource
	ResourceID string
	Permission Permission
}

// Matches reports whether the record satisfies every set criterion.
func (q Query) Matches(rec *Authorization) bool {
	if q.UserID != "" && rec.UserID != q.UserID {
		return false
	}
	if q.GroupID != "" && rec.GroupID != q.GroupID {
		return false
	}
	if q.Resource != "" && rec.Resource != q.Resource {
		return false
	}
	if q.ResourceID != "" && rec.ResourceID != q.ResourceID {
		return false
	}
	if q.Permission != PermissionNone && !rec.Permissions.Contains(q.Permission) {
		return false
	}
	return true
}

// Requirement names a permission check a command performs before executing.
type Requirement struct {
	Resource   Resource
	ResourceID string
	Permission Permission
}
