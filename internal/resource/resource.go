// Package resource implements the capability-based abstraction every HTTP
// handler is written against: Resource (one addressable thing) and
// ResourceService (how to find/enumerate/delete them), composed from small
// property-set extensions rather than one trait per collection kind.
package resource

import (
	"context"
	"encoding/xml"

	"github.com/dav-engine/server/internal/xmlcodec"
)

// Kind is one entry in a Resource's advertised resourcetype set.
type Kind string

const (
	KindCollection  Kind = "collection"
	KindCalendar    Kind = "calendar"
	KindAddressbook Kind = "addressbook"
	KindPrincipal   Kind = "principal"
	KindObject      Kind = "object" // non-collection leaf (calendar/address object)
)

// Privilege is one entry in the ACL privilege vocabulary of §4.E.
type Privilege string

const (
	PrivRead                        Privilege = "read"
	PrivWrite                       Privilege = "write"
	PrivWriteContent                Privilege = "write-content"
	PrivWriteProperties             Privilege = "write-properties"
	PrivWriteAcl                    Privilege = "write-acl"
	PrivReadAcl                     Privilege = "read-acl"
	PrivReadCurrentUserPrivilegeSet Privilege = "read-current-user-privilege-set"
	PrivAll                         Privilege = "all"
)

// PrivilegeSet is the set of privileges a principal holds on a Resource.
type PrivilegeSet map[Privilege]bool

func NewPrivilegeSet(privs ...Privilege) PrivilegeSet {
	ps := PrivilegeSet{}
	for _, p := range privs {
		ps[p] = true
	}
	return ps
}

func (ps PrivilegeSet) Has(p Privilege) bool { return ps[PrivAll] || ps[p] }

// PropStatus mirrors the three outcomes get_prop may report: PropOK (with a
// value), PropNotFound and PropForbidden.
type PropStatus int

const (
	PropOK PropStatus = iota
	PropNotFound
	PropForbidden
)

// ErrPropNotFound and ErrPropForbidden are returned by PropGetter funcs to
// signal PropNotFound/PropForbidden without a dedicated result type.
var (
	ErrPropNotFound  = propErr{PropNotFound}
	ErrPropForbidden = propErr{PropForbidden}
)

type propErr struct{ status PropStatus }

func (e propErr) Error() string {
	if e.status == PropForbidden {
		return "forbidden"
	}
	return "not found"
}

// PropGetter computes the value of one property name on one resource,
// separated from the name itself per the design note in spec §9: a property
// *name set* for dispatch, and a per-name computation for value.
type PropGetter func(ctx context.Context) (xmlcodec.PropEncodable, error)

// PropSetter applies a PROPPATCH <set> for one property.
type PropSetter func(ctx context.Context, raw xmlcodec.RawElement) error

// ErrReadOnlyProp and ErrForbiddenProp both carry PropForbidden and compare
// equal, so a caller cannot tell a read-only property from a forbidden one.
var (
	ErrReadOnlyProp  = propErr{PropForbidden} // property exists but cannot be written
	ErrForbiddenProp = propErr{PropForbidden}
)

// Resource is one addressable WebDAV resource: a collection, an object, or a
// principal. It is built once per request from a table of property getters
// rather than as a giant enum, so the codec never needs to re-enumerate
// cases to serialize a value.
type Resource struct {
	Path         string
	Kinds        []Kind
	Owner        string // principal id, "" if none
	DisplayName  string
	ETag         string // "" if not applicable (collections usually have none but may via getetag)
	Privileges   PrivilegeSet
	PropNames    []xml.Name // full set of (ns, local) this resource answers for PROPFIND allprop/propname
	Getters      map[xml.Name]PropGetter
	Setters      map[xml.Name]PropSetter
	IsCollection bool
}

// GetProp dispatches a single PROPFIND property computation.
func (r *Resource) GetProp(ctx context.Context, name xml.Name) (xmlcodec.PropEncodable, PropStatus) {
	getter, ok := r.Getters[name]
	if !ok {
		return nil, PropNotFound
	}
	v, err := getter(ctx)
	if err != nil {
		if pe, ok := err.(propErr); ok {
			return nil, pe.status
		}
		return nil, PropNotFound
	}
	return v, PropOK
}

// SetProp applies one PROPPATCH <set> operation.
func (r *Resource) SetProp(ctx context.Context, el xmlcodec.RawElement) error {
	name := xml.Name{Space: el.XMLName.Space, Local: el.XMLName.Local}
	setter, ok := r.Setters[name]
	if !ok {
		return ErrForbiddenProp
	}
	return setter(ctx, el)
}

// HasKind reports whether k is one of this resource's advertised types.
func (r *Resource) HasKind(k Kind) bool {
	for _, kk := range r.Kinds {
		if kk == k {
			return true
		}
	}
	return false
}

// ResourceTypeProp builds the <resourcetype> property value for this
// resource's kind set.
func (r *Resource) ResourceTypeProp() xmlcodec.PropEncodable {
	n := &xmlcodec.Nested{}
	for _, k := range r.Kinds {
		switch k {
		case KindCollection:
			n.AddChild(xml.Name{Space: "DAV:", Local: "collection"}, xmlcodec.Empty{})
		case KindCalendar:
			n.AddChild(xml.Name{Space: "urn:ietf:params:xml:ns:caldav", Local: "calendar"}, xmlcodec.Empty{})
		case KindAddressbook:
			n.AddChild(xml.Name{Space: "urn:ietf:params:xml:ns:carddav", Local: "addressbook"}, xmlcodec.Empty{})
		case KindPrincipal:
			n.AddChild(xml.Name{Space: "DAV:", Local: "principal"}, xmlcodec.Empty{})
		}
	}
	return n
}

// Member is one child of a collection as returned by ResourceService.Members.
type Member struct {
	Path     string
	Resource *Resource
}

// Service is the per-service (caldav/carddav) lookup and dispatch contract.
// One instance is constructed at startup per §9's "construct once, generics
// only at construction time" guidance; it is passed explicitly through
// handler state rather than hidden behind a global.
type Service interface {
	// Resolve returns the Resource addressed by path, or ErrNotFound.
	Resolve(ctx context.Context, path string) (*Resource, error)
	// Members lists the direct children of a collection resource.
	Members(ctx context.Context, path string) ([]Member, error)
	// DAVHeader is the compliance-class string advertised on every response.
	DAVHeader() string
	// AllowedMethods lists the HTTP methods this service's dispatch table
	// answers, used to compute the OPTIONS Allow header.
	AllowedMethods() []string
}
