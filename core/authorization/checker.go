package authorization

import (
	"context"
	"fmt"
)

// RecordSource lists stored authorizations for one resource type.
type RecordSource interface {
	ListByResource(ctx context.Context, resource Resource) ([]Authorization, error)
}

// OwnerLookup resolves the owning user of a concrete resource, or "" when the
// resource has no owner.
type OwnerLookup func(ctx context.Context, resource Resource, resourceID string) (string, error)

// CheckerConfig tunes how the checker resolves permissions.
type CheckerConfig struct {
	// OwnedResources marks resource types whose owner implicitly holds every
	// permission on their own instances.
	OwnedResources map[Resource]bool
}

// DefaultCheckerConfig enables the owner override for filters only.
func DefaultCheckerConfig() CheckerConfig {
	return CheckerConfig{OwnedResources: map[Resource]bool{ResourceFilter: true}}
}

// Checker evaluates permission requirements against stored authorization
// records. Resolution walks from most to least specific: concrete resource ID
// before wildcard, user records before group records before globals. Within a
// bucket a revoke always beats a grant. No matching record means deny.
type Checker struct {
	source RecordSource
	owner  OwnerLookup
	cfg    CheckerConfig
}

// NewChecker builds a checker. ownerLookup may be nil when no resource type
// uses the owner override.
func NewChecker(source RecordSource, ownerLookup OwnerLookup, cfg CheckerConfig) *Checker {
	if cfg.OwnedResources == nil {
		cfg.OwnedResources = map[Resource]bool{}
	}
	return &Checker{source: source, owner: ownerLookup, cfg: cfg}
}

// Check reports whether the user (with the given group memberships) holds perm
// on the identified resource. An empty resourceID checks wildcard records
// only, which is how create checks are expressed.
func (c *Checker) Check(ctx context.Context, userID string, groups []string, resource Resource, resourceID string, perm Permission) (bool, error) {
	if perm == PermissionNone {
		return true, nil
	}
	// Ownership never implies CREATE; there is no resource to own yet.
	if resourceID != "" && resourceID != Any && perm&PermissionCreate == 0 &&
		c.cfg.OwnedResources[resource] && c.owner != nil {
		owner, err := c.owner(ctx, resource, resourceID)
		if err != nil {
			return false, fmt.Errorf("resolve owner of %s %s: %w", resource, resourceID, err)
		}
		if owner != "" && owner == userID {
			return true, nil
		}
	}

	records, err := c.source.ListByResource(ctx, resource)
	if err != nil {
		return false, fmt.Errorf("list authorizations for %s: %w", resource, err)
	}

	levels := []string{Any}
	if resourceID != "" && resourceID != Any {
		levels = []string{resourceID, Any}
	}
	groupSet := make(map[string]bool, len(groups))
	for _, g := range groups {
		groupSet[g] = true
	}

	for _, level := range levels {
		for _, class := range []subjectClass{subjectUser, subjectGroup, subjectGlobal} {
			decided, allowed := evaluateBucket(records, level, class, userID, groupSet, perm)
			if decided {
				return allowed, nil
			}
		}
	}
	return false, nil
}

// CheckRequirement is Check expressed over a command requirement.
func (c *Checker) CheckRequirement(ctx context.Context, userID string, groups []string, req Requirement) (bool, error) {
	return c.Check(ctx, userID, groups, req.Resource, req.ResourceID, req.Permission)
}

type subjectClass int

const (
	subjectUser subjectClass = iota
	subjectGroup
	subjectGlobal
)

func evaluateBucket(records []Authorization, level string, class subjectClass, userID string, groups map[string]bool, perm Permission) (decided, allowed bool) {
	var granted, revoked Permission
	var seen bool
	for _, rec := range records {
		if rec.ResourceID != level {
			continue
		}
		switch class {
		case subjectUser:
			if rec.Type == TypeGlobal || rec.UserID == "" || rec.UserID == Any || rec.UserID != userID {
				continue
			}
		case subjectGroup:
			if rec.Type == TypeGlobal || rec.GroupID == "" || !groups[rec.GroupID] {
				continue
			}
		case subjectGlobal:
			if rec.Type != TypeGlobal {
				continue
			}
		}
		if rec.Permissions&perm == 0 {
			continue
		}
		seen = true
		switch rec.Type {
		case TypeRevoke:
			revoked |= rec.Permissions & perm
		default:
			granted |= rec.Permissions & perm
		}
	}
	if !seen {
		return false, false
	}
	if revoked&perm != 0 {
		return true, false
	}
	return true, granted.Contains(perm)
}
