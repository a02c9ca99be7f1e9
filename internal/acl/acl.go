// Package acl computes effective privileges for a principal on a resource.
// Ownership is the sole grant: a principal (or any principal in its
// memberships, per domain.Principal.IsPrincipal) holds All privileges on
// resources it owns and nothing on resources it does not; unowned resources
// (the principal hierarchy itself) are readable by anyone authenticated.
package acl

import "github.com/dav-engine/server/internal/resource"

// Effective is the set of privileges one principal holds on one resource.
type Effective struct {
	resource.PrivilegeSet
}

// ForOwner computes the effective privilege set for callerID against a
// resource owned by ownerID. isPrincipal reports whether callerID identifies
// the same principal as ownerID, directly or via group membership.
func ForOwner(callerID, ownerID string, isPrincipal func(id string) bool) Effective {
	if ownerID == "" {
		return Effective{resource.NewPrivilegeSet(
			resource.PrivRead,
			resource.PrivReadAcl,
			resource.PrivReadCurrentUserPrivilegeSet,
		)}
	}
	if callerID == ownerID || (isPrincipal != nil && isPrincipal(callerID)) {
		return Effective{resource.NewPrivilegeSet(resource.PrivAll)}
	}
	return Effective{resource.PrivilegeSet{}}
}

// CanRead reports whether the effective set permits reading the resource or
// its contents.
func (e Effective) CanRead() bool { return e.Has(resource.PrivRead) }

// CanWriteContent reports whether the effective set permits PUT/DELETE on
// objects inside the resource.
func (e Effective) CanWriteContent() bool {
	return e.Has(resource.PrivWrite) || e.Has(resource.PrivWriteContent)
}

// CanWriteProperties reports whether the effective set permits PROPPATCH.
func (e Effective) CanWriteProperties() bool {
	return e.Has(resource.PrivWrite) || e.Has(resource.PrivWriteProperties)
}

// CanWriteAcl reports whether the effective set permits ACL modification.
func (e Effective) CanWriteAcl() bool { return e.Has(resource.PrivWriteAcl) }

// CanReadAcl reports whether the effective set permits reading the ACL.
func (e Effective) CanReadAcl() bool { return e.Has(resource.PrivReadAcl) }

// CanReadCurrentUserPrivilegeSet reports whether current-user-privilege-set
// may be returned; readable whenever the resource is readable at all.
func (e Effective) CanReadCurrentUserPrivilegeSet() bool {
	return e.Has(resource.PrivReadCurrentUserPrivilegeSet) || e.CanRead()
}

// PrivilegeNames renders the effective privileges as the ordered names
// expected inside current-user-privilege-set, omitting privileges not held.
func (e Effective) PrivilegeNames() []string {
	var names []string
	order := []struct {
		p    resource.Privilege
		name string
	}{
		{resource.PrivRead, "read"},
		{resource.PrivWrite, "write"},
		{resource.PrivWriteContent, "write-content"},
		{resource.PrivWriteProperties, "write-properties"},
		{resource.PrivWriteAcl, "write-acl"},
		{resource.PrivReadAcl, "read-acl"},
		{resource.PrivReadCurrentUserPrivilegeSet, "read-current-user-privilege-set"},
	}
	if e.Has(resource.PrivAll) {
		for _, o := range order {
			names = append(names, o.name)
		}
		return names
	}
	for _, o := range order {
		if e.Has(o.p) {
			names = append(names, o.name)
		}
	}
	return names
}
