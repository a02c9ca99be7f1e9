// Package domain holds the protocol-level types shared by the store,
// resource, report and fan-out layers. These types carry no I/O.
package domain

import "time"

// PrincipalType distinguishes the kinds of identity a Principal can represent.
type PrincipalType string

const (
	PrincipalIndividual PrincipalType = "individual"
	PrincipalGroup      PrincipalType = "group"
	PrincipalResource   PrincipalType = "resource"
	PrincipalRoom       PrincipalType = "room"
	PrincipalUnknown    PrincipalType = "unknown"
)

// Principal is the identity of a user, group, resource or room.
type Principal struct {
	ID           string
	DisplayName  string
	Type         PrincipalType
	PasswordHash string
	AppTokens    []string
	Memberships  []string // ids of groups this principal belongs to
}

// IsPrincipal reports whether id refers to this principal directly or via
// group membership, matching spec invariant: is_principal(x) iff
// self.id == x or x in memberships.
func (p *Principal) IsPrincipal(id string) bool {
	if p.ID == id {
		return true
	}
	for _, m := range p.Memberships {
		if m == id {
			return true
		}
	}
	return false
}

// Component names a calendar component kind.
type Component string

const (
	ComponentVEvent   Component = "VEVENT"
	ComponentVTodo    Component = "VTODO"
	ComponentVJournal Component = "VJOURNAL"
)

// Calendar is a CalDAV collection.
type Calendar struct {
	ID              string
	OwnerID         string
	URI             string
	DisplayName     string
	Description     string
	Color           string
	Order           int
	TimezoneID      string
	SubscriptionURL string
	PushTopic       string
	SyncToken       int64
	DeletedAt       *time.Time
	SupportedComps  []Component
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (c *Calendar) IsDeleted() bool { return c.DeletedAt != nil }

// Addressbook is a CardDAV collection.
type Addressbook struct {
	ID          string
	OwnerID     string
	URI         string
	DisplayName string
	Description string
	PushTopic   string
	SyncToken   int64
	DeletedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (a *Addressbook) IsDeleted() bool { return a.DeletedAt != nil }

// CalendarObject is a single calendar object: all components sharing a UID
// (an event plus its RECURRENCE-ID overrides) live in one object.
type CalendarObject struct {
	ID         string
	CalendarID string
	UID        string
	ETag       string
	RawData    string
	Component  Component
	StartAt    *time.Time
	EndAt      *time.Time
	DeletedAt  *time.Time
	UpdatedAt  time.Time
}

func (o *CalendarObject) IsDeleted() bool { return o.DeletedAt != nil }

// AddressObject is a single VCARD.
type AddressObject struct {
	ID            string
	AddressbookID string
	UID           string
	ETag          string
	RawData       string
	DeletedAt     *time.Time
	UpdatedAt     time.Time
}

func (o *AddressObject) IsDeleted() bool { return o.DeletedAt != nil }

// ResourceKind identifies whether a Subscription/WebhookSubscription topic
// belongs to a calendar or an addressbook.
type ResourceKind string

const (
	ResourceCalendar    ResourceKind = "calendar"
	ResourceAddressbook ResourceKind = "addressbook"
)

// Subscription is a WebDAV-Push registration.
type Subscription struct {
	ID           string
	Topic        string
	PushResource string
	Expiration   time.Time
	VapidPubKey  string
	AuthSecret   string
}

func (s *Subscription) Expired(now time.Time) bool { return now.After(s.Expiration) }

// WebhookSubscription is a JSON webhook registration, keyed by
// (ResourceType, ResourceID) rather than by push-topic.
type WebhookSubscription struct {
	ID           string
	TargetURL    string
	ResourceType ResourceKind
	ResourceID   string
	SecretKey    string
}

// ChangeKind enumerates the ChangeRecord variants published on every mutation.
type ChangeKind string

const (
	ChangeObjectChange     ChangeKind = "ObjectChange"
	ChangeObjectDelete     ChangeKind = "ObjectDelete"
	ChangeCollectionChange ChangeKind = "CollectionChange"
)

// ChangeRecord is produced by a store on each mutation and consumed by the
// push/webhook fan-out.
type ChangeRecord struct {
	Topic        string
	Kind         ChangeKind
	ResourceType ResourceKind
	ResourceID   string
	SyncToken    string
}
