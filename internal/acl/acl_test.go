package acl

import "testing"

func TestForOwnerGrantsAllToOwner(t *testing.T) {
	eff := ForOwner("alice", "alice", nil)
	if !eff.CanRead() || !eff.CanWriteContent() || !eff.CanWriteAcl() {
		t.Fatalf("expected owner to hold all privileges, got %+v", eff.PrivilegeNames())
	}
}

func TestForOwnerGrantsAllToMember(t *testing.T) {
	isMember := func(id string) bool { return id == "bob" }
	eff := ForOwner("bob", "team-calendar", isMember)
	if !eff.CanWriteContent() {
		t.Fatalf("expected a member of the owning principal to hold write, got %+v", eff.PrivilegeNames())
	}
}

func TestForOwnerDeniesStranger(t *testing.T) {
	isMember := func(id string) bool { return false }
	eff := ForOwner("mallory", "alice", isMember)
	if eff.CanRead() || eff.CanWriteContent() {
		t.Fatalf("expected a non-owner, non-member to hold no privileges, got %+v", eff.PrivilegeNames())
	}
}

func TestForOwnerUnownedResourceIsReadable(t *testing.T) {
	eff := ForOwner("anyone", "", nil)
	if !eff.CanRead() || !eff.CanReadAcl() {
		t.Fatalf("expected the unowned principal hierarchy readable by any caller, got %+v", eff.PrivilegeNames())
	}
	if eff.CanWriteContent() {
		t.Fatal("expected the unowned principal hierarchy to stay read-only")
	}
}

func TestPrivilegeNamesOrderingForFullAccess(t *testing.T) {
	eff := ForOwner("alice", "alice", nil)
	names := eff.PrivilegeNames()
	want := []string{"read", "write", "write-content", "write-properties", "write-acl", "read-acl", "read-current-user-privilege-set"}
	if len(names) != len(want) {
		t.Fatalf("expected %d privilege names, got %v", len(want), names)
	}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("privilege name mismatch at %d: got %q want %q", i, names[i], n)
		}
	}
}
