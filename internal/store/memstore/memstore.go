// Package memstore is an in-memory, mutex-guarded Store implementation. It
// is the primary backend exercised by the test suite and is a complete,
// consistency-contract-honoring reference: per-collection monotonic
// synctokens, an append-only change log, trashbin tombstones and restore.
package memstore

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/dav-engine/server/internal/domain"
	"github.com/dav-engine/server/internal/store"
	"github.com/google/uuid"
)

// changeEntry is one append-only change-log row per spec §4.H: a token,
// the object id it concerns, and whether it was an add or a delete.
type changeEntry struct {
	token int64
	objID string
	op    changeOp
}

type changeOp int

const (
	opAdd changeOp = iota
	opDelete
)

type calendarState struct {
	cal     *domain.Calendar
	objects map[string]*domain.CalendarObject // id -> object, includes tombstones
	log     []changeEntry
	counter int64
}

type addressbookState struct {
	ab      *domain.Addressbook
	objects map[string]*domain.AddressObject
	log     []changeEntry
	counter int64
}

// Store is the in-memory backend. Every exported method takes its own lock;
// callers never hold an external lock across calls, per the concurrency
// model's sharing rules.
type Store struct {
	mu sync.Mutex

	principals map[string]*domain.Principal
	calendars  map[string]*calendarState    // by calendar id
	addrbooks  map[string]*addressbookState // by addressbook id
	calsByUser map[string]map[string]bool   // principal -> calendar ids (including deleted)
	absByUser  map[string]map[string]bool   // principal -> addressbook ids

	subscriptions map[string]*domain.Subscription
	subsByTopic   map[string]map[string]bool

	webhooks       map[string]*domain.WebhookSubscription
	webhooksByRsrc map[string]map[string]bool // "kind/id" -> webhook ids

	bus *store.ChangeBus
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		principals:     map[string]*domain.Principal{},
		calendars:      map[string]*calendarState{},
		addrbooks:      map[string]*addressbookState{},
		calsByUser:     map[string]map[string]bool{},
		absByUser:      map[string]map[string]bool{},
		subscriptions:  map[string]*domain.Subscription{},
		subsByTopic:    map[string]map[string]bool{},
		webhooks:       map[string]*domain.WebhookSubscription{},
		webhooksByRsrc: map[string]map[string]bool{},
		bus:            store.NewChangeBus(512),
	}
}

func (s *Store) Changes() *store.ChangeBus { return s.bus }
func (s *Store) Close() error              { return nil }
func (s *Store) IsReadOnly() bool          { return false }

// ComputeETag hashes (id, raw) into the stable etag every object carries.
func ComputeETag(id, raw string) string {
	h := sha256.Sum256([]byte(id + "\x00" + raw))
	return hex.EncodeToString(h[:])
}

func rsrcKey(kind domain.ResourceKind, id string) string { return string(kind) + "/" + id }

// --- Principals -------------------------------------------------------

func (s *Store) GetPrincipal(ctx context.Context, id string) (*domain.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

// EnsurePrincipal returns the existing principal or creates one, backing the
// optional OIDC-first-login auto-create path described in §4.J.
func (s *Store) EnsurePrincipal(ctx context.Context, id, displayName string) (*domain.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.principals[id]; ok {
		return p, nil
	}
	p := &domain.Principal{ID: id, DisplayName: displayName, Type: domain.PrincipalIndividual}
	s.principals[id] = p
	return p, nil
}

// SetPassword installs a principal with a password stored as an unsalted
// SHA-256 hash, a test and bootstrap convenience not part of the
// request-serving surface.
func (s *Store) SetPassword(id, displayName, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[id]
	if !ok {
		p = &domain.Principal{ID: id, DisplayName: displayName, Type: domain.PrincipalIndividual}
		s.principals[id] = p
	}
	p.PasswordHash = hashSecret(password)
}

// AddAppToken installs an app-token for id. It is stored and verified with
// the same unsalted SHA-256 hash as the password, so it costs no less to
// verify.
func (s *Store) AddAppToken(id, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.principals[id]; ok {
		p.AppTokens = append(p.AppTokens, hashSecret(token))
	}
}

func hashSecret(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

func (s *Store) ValidatePassword(ctx context.Context, id, password string) (*domain.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[id]
	if !ok || p.PasswordHash == "" {
		return nil, store.ErrNotFound
	}
	if subtle.ConstantTimeCompare([]byte(p.PasswordHash), []byte(hashSecret(password))) != 1 {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func (s *Store) ValidateAppToken(ctx context.Context, id, token string) (*domain.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	want := hashSecret(token)
	for _, t := range p.AppTokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(want)) == 1 {
			return p, nil
		}
	}
	return nil, store.ErrNotFound
}

// --- Calendars ----------------------------------------------------------

func (s *Store) ownsCalendar(principal string, cs *calendarState) bool {
	return cs.cal.OwnerID == principal
}

func (s *Store) GetCalendar(ctx context.Context, principal, id string, includeDeleted bool) (*domain.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.calendars[id]
	if !ok || !s.ownsCalendar(principal, cs) {
		return nil, store.ErrNotFound
	}
	if cs.cal.IsDeleted() && !includeDeleted {
		return nil, store.ErrNotFound
	}
	cp := *cs.cal
	return &cp, nil
}

func (s *Store) GetCalendars(ctx context.Context, principal string) ([]*domain.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Calendar
	for id := range s.calsByUser[principal] {
		cs := s.calendars[id]
		if cs == nil || cs.cal.IsDeleted() {
			continue
		}
		cp := *cs.cal
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetDeletedCalendars(ctx context.Context, principal string) ([]*domain.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Calendar
	for id := range s.calsByUser[principal] {
		cs := s.calendars[id]
		if cs == nil || !cs.cal.IsDeleted() {
			continue
		}
		cp := *cs.cal
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) InsertCalendar(ctx context.Context, cal *domain.Calendar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.calendars[cal.ID]; exists {
		return store.ErrAlreadyExists
	}
	if cal.PushTopic == "" {
		cal.PushTopic = uuid.NewString()
	}
	now := time.Now()
	cal.CreatedAt, cal.UpdatedAt = now, now
	cal.SyncToken = 1
	cs := &calendarState{cal: cal, objects: map[string]*domain.CalendarObject{}, counter: 1}
	s.calendars[cal.ID] = cs
	if s.calsByUser[cal.OwnerID] == nil {
		s.calsByUser[cal.OwnerID] = map[string]bool{}
	}
	s.calsByUser[cal.OwnerID][cal.ID] = true
	s.bus.Publish(domain.ChangeRecord{Topic: cal.PushTopic, Kind: domain.ChangeCollectionChange, ResourceType: domain.ResourceCalendar, ResourceID: cal.ID})
	return nil
}

func (s *Store) UpdateCalendar(ctx context.Context, principal, id string, cal *domain.Calendar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.calendars[id]
	if !ok || !s.ownsCalendar(principal, cs) {
		return store.ErrNotFound
	}
	cal.ID = cs.cal.ID
	cal.OwnerID = cs.cal.OwnerID
	cal.PushTopic = cs.cal.PushTopic
	cal.CreatedAt = cs.cal.CreatedAt
	cal.UpdatedAt = time.Now()
	cs.counter++
	cal.SyncToken = cs.counter
	cs.cal = cal
	s.bus.Publish(domain.ChangeRecord{Topic: cal.PushTopic, Kind: domain.ChangeCollectionChange, ResourceType: domain.ResourceCalendar, ResourceID: id})
	return nil
}

func (s *Store) DeleteCalendar(ctx context.Context, principal, id string, useTrashbin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.calendars[id]
	if !ok || !s.ownsCalendar(principal, cs) {
		return store.ErrNotFound
	}
	now := time.Now()
	if useTrashbin {
		cs.cal.DeletedAt = &now
	} else {
		delete(s.calendars, id)
		delete(s.calsByUser[principal], id)
	}
	cs.counter++
	if cs.cal != nil {
		cs.cal.UpdatedAt = now
		cs.cal.SyncToken = cs.counter
	}
	s.bus.Publish(domain.ChangeRecord{Topic: cs.cal.PushTopic, Kind: domain.ChangeCollectionChange, ResourceType: domain.ResourceCalendar, ResourceID: id})
	return nil
}

func (s *Store) RestoreCalendar(ctx context.Context, principal, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.calendars[id]
	if !ok || !s.ownsCalendar(principal, cs) || !cs.cal.IsDeleted() {
		return store.ErrNotFound
	}
	cs.cal.DeletedAt = nil
	cs.cal.UpdatedAt = time.Now()
	cs.counter++
	cs.cal.SyncToken = cs.counter
	s.bus.Publish(domain.ChangeRecord{Topic: cs.cal.PushTopic, Kind: domain.ChangeCollectionChange, ResourceType: domain.ResourceCalendar, ResourceID: id})
	return nil
}

func (s *Store) SyncChanges(ctx context.Context, principal, id string, since int64) ([]*domain.CalendarObject, []string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.calendars[id]
	if !ok || !s.ownsCalendar(principal, cs) {
		return nil, nil, 0, store.ErrNotFound
	}
	lastOp := map[string]changeOp{}
	var order []string
	for _, e := range cs.log {
		if e.token <= since {
			continue
		}
		if _, seen := lastOp[e.objID]; !seen {
			order = append(order, e.objID)
		}
		lastOp[e.objID] = e.op
	}
	var objects []*domain.CalendarObject
	var deleted []string
	for _, id := range order {
		switch lastOp[id] {
		case opAdd:
			if obj, ok := cs.objects[id]; ok && !obj.IsDeleted() {
				cp := *obj
				objects = append(objects, &cp)
			}
			// race: object gone even though last log op was Add — drop silently.
		case opDelete:
			deleted = append(deleted, id)
		}
	}
	return objects, deleted, cs.counter, nil
}

func (s *Store) appendCalLog(cs *calendarState, objID string, op changeOp) int64 {
	cs.counter++
	cs.log = append(cs.log, changeEntry{token: cs.counter, objID: objID, op: op})
	cs.cal.SyncToken = cs.counter
	cs.cal.UpdatedAt = time.Now()
	return cs.counter
}

func (s *Store) GetObject(ctx context.Context, principal, calID, objectID string) (*domain.CalendarObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.calendars[calID]
	if !ok || !s.ownsCalendar(principal, cs) {
		return nil, store.ErrNotFound
	}
	obj, ok := cs.objects[objectID]
	if !ok || obj.IsDeleted() {
		return nil, store.ErrNotFound
	}
	cp := *obj
	return &cp, nil
}

func (s *Store) GetObjects(ctx context.Context, principal, calID string) ([]*domain.CalendarObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.calendars[calID]
	if !ok || !s.ownsCalendar(principal, cs) {
		return nil, store.ErrNotFound
	}
	var out []*domain.CalendarObject
	for _, obj := range cs.objects {
		if obj.IsDeleted() {
			continue
		}
		cp := *obj
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) PutObject(ctx context.Context, principal, calID string, obj *domain.CalendarObject, overwrite bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.calendars[calID]
	if !ok || !s.ownsCalendar(principal, cs) {
		return store.ErrNotFound
	}
	existing, has := cs.objects[obj.ID]
	if !overwrite && has {
		// AlreadyExists applies whether the existing object is live or tombstoned.
		return store.ErrAlreadyExists
	}
	obj.CalendarID = calID
	obj.UpdatedAt = time.Now()
	obj.DeletedAt = nil
	if has {
		obj.ID = existing.ID
	}
	cs.objects[obj.ID] = obj
	s.appendCalLog(cs, obj.ID, opAdd)
	s.bus.Publish(domain.ChangeRecord{Topic: cs.cal.PushTopic, Kind: domain.ChangeObjectChange, ResourceType: domain.ResourceCalendar, ResourceID: calID})
	return nil
}

func (s *Store) DeleteObject(ctx context.Context, principal, calID, objectID string, useTrashbin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.calendars[calID]
	if !ok || !s.ownsCalendar(principal, cs) {
		return store.ErrNotFound
	}
	obj, ok := cs.objects[objectID]
	if !ok || obj.IsDeleted() {
		return store.ErrNotFound
	}
	if useTrashbin {
		now := time.Now()
		obj.DeletedAt = &now
	} else {
		delete(cs.objects, objectID)
	}
	s.appendCalLog(cs, objectID, opDelete)
	s.bus.Publish(domain.ChangeRecord{Topic: cs.cal.PushTopic, Kind: domain.ChangeObjectDelete, ResourceType: domain.ResourceCalendar, ResourceID: calID})
	return nil
}

func (s *Store) RestoreObject(ctx context.Context, principal, calID, objectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.calendars[calID]
	if !ok || !s.ownsCalendar(principal, cs) {
		return store.ErrNotFound
	}
	obj, ok := cs.objects[objectID]
	if !ok || !obj.IsDeleted() {
		return store.ErrNotFound
	}
	obj.DeletedAt = nil
	s.appendCalLog(cs, objectID, opAdd)
	s.bus.Publish(domain.ChangeRecord{Topic: cs.cal.PushTopic, Kind: domain.ChangeObjectChange, ResourceType: domain.ResourceCalendar, ResourceID: calID})
	return nil
}

func (s *Store) ImportCalendar(ctx context.Context, cal *domain.Calendar, objects []*domain.CalendarObject, overwriteExisting bool) error {
	s.mu.Lock()
	cs, ok := s.calendars[cal.ID]
	s.mu.Unlock()
	if !ok {
		return store.ErrNotFound
	}
	for _, obj := range objects {
		_ = s.PutObject(ctx, cal.OwnerID, cs.cal.ID, obj, overwriteExisting)
	}
	return nil
}

// --- Addressbooks --------------------------------------------------------
// Mirrors the calendar implementation exactly; kept as a parallel block
// rather than a generic helper since the two domain types diverge (no
// component kind, no time-range fields) and the duplication stays small.

func (s *Store) ownsAddressbook(principal string, as *addressbookState) bool {
	return as.ab.OwnerID == principal
}

func (s *Store) GetAddressbook(ctx context.Context, principal, id string, includeDeleted bool) (*domain.Addressbook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.addrbooks[id]
	if !ok || !s.ownsAddressbook(principal, as) {
		return nil, store.ErrNotFound
	}
	if as.ab.IsDeleted() && !includeDeleted {
		return nil, store.ErrNotFound
	}
	cp := *as.ab
	return &cp, nil
}

func (s *Store) GetAddressbooks(ctx context.Context, principal string) ([]*domain.Addressbook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Addressbook
	for id := range s.absByUser[principal] {
		as := s.addrbooks[id]
		if as == nil || as.ab.IsDeleted() {
			continue
		}
		cp := *as.ab
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetDeletedAddressbooks(ctx context.Context, principal string) ([]*domain.Addressbook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Addressbook
	for id := range s.absByUser[principal] {
		as := s.addrbooks[id]
		if as == nil || !as.ab.IsDeleted() {
			continue
		}
		cp := *as.ab
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) InsertAddressbook(ctx context.Context, ab *domain.Addressbook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.addrbooks[ab.ID]; exists {
		return store.ErrAlreadyExists
	}
	if ab.PushTopic == "" {
		ab.PushTopic = uuid.NewString()
	}
	now := time.Now()
	ab.CreatedAt, ab.UpdatedAt = now, now
	ab.SyncToken = 1
	as := &addressbookState{ab: ab, objects: map[string]*domain.AddressObject{}, counter: 1}
	s.addrbooks[ab.ID] = as
	if s.absByUser[ab.OwnerID] == nil {
		s.absByUser[ab.OwnerID] = map[string]bool{}
	}
	s.absByUser[ab.OwnerID][ab.ID] = true
	s.bus.Publish(domain.ChangeRecord{Topic: ab.PushTopic, Kind: domain.ChangeCollectionChange, ResourceType: domain.ResourceAddressbook, ResourceID: ab.ID})
	return nil
}

func (s *Store) UpdateAddressbook(ctx context.Context, principal, id string, ab *domain.Addressbook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.addrbooks[id]
	if !ok || !s.ownsAddressbook(principal, as) {
		return store.ErrNotFound
	}
	ab.ID = as.ab.ID
	ab.OwnerID = as.ab.OwnerID
	ab.PushTopic = as.ab.PushTopic
	ab.CreatedAt = as.ab.CreatedAt
	ab.UpdatedAt = time.Now()
	as.counter++
	ab.SyncToken = as.counter
	as.ab = ab
	s.bus.Publish(domain.ChangeRecord{Topic: ab.PushTopic, Kind: domain.ChangeCollectionChange, ResourceType: domain.ResourceAddressbook, ResourceID: id})
	return nil
}

func (s *Store) DeleteAddressbook(ctx context.Context, principal, id string, useTrashbin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.addrbooks[id]
	if !ok || !s.ownsAddressbook(principal, as) {
		return store.ErrNotFound
	}
	now := time.Now()
	if useTrashbin {
		as.ab.DeletedAt = &now
	} else {
		delete(s.addrbooks, id)
		delete(s.absByUser[principal], id)
	}
	as.counter++
	if as.ab != nil {
		as.ab.UpdatedAt = now
		as.ab.SyncToken = as.counter
	}
	s.bus.Publish(domain.ChangeRecord{Topic: as.ab.PushTopic, Kind: domain.ChangeCollectionChange, ResourceType: domain.ResourceAddressbook, ResourceID: id})
	return nil
}

func (s *Store) RestoreAddressbook(ctx context.Context, principal, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.addrbooks[id]
	if !ok || !s.ownsAddressbook(principal, as) || !as.ab.IsDeleted() {
		return store.ErrNotFound
	}
	as.ab.DeletedAt = nil
	as.ab.UpdatedAt = time.Now()
	as.counter++
	as.ab.SyncToken = as.counter
	s.bus.Publish(domain.ChangeRecord{Topic: as.ab.PushTopic, Kind: domain.ChangeCollectionChange, ResourceType: domain.ResourceAddressbook, ResourceID: id})
	return nil
}

func (s *Store) SyncAddressChanges(ctx context.Context, principal, id string, since int64) ([]*domain.AddressObject, []string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.addrbooks[id]
	if !ok || !s.ownsAddressbook(principal, as) {
		return nil, nil, 0, store.ErrNotFound
	}
	lastOp := map[string]changeOp{}
	var order []string
	for _, e := range as.log {
		if e.token <= since {
			continue
		}
		if _, seen := lastOp[e.objID]; !seen {
			order = append(order, e.objID)
		}
		lastOp[e.objID] = e.op
	}
	var objects []*domain.AddressObject
	var deleted []string
	for _, oid := range order {
		switch lastOp[oid] {
		case opAdd:
			if obj, ok := as.objects[oid]; ok && !obj.IsDeleted() {
				cp := *obj
				objects = append(objects, &cp)
			}
		case opDelete:
			deleted = append(deleted, oid)
		}
	}
	return objects, deleted, as.counter, nil
}

func (s *Store) appendABLog(as *addressbookState, objID string, op changeOp) int64 {
	as.counter++
	as.log = append(as.log, changeEntry{token: as.counter, objID: objID, op: op})
	as.ab.SyncToken = as.counter
	as.ab.UpdatedAt = time.Now()
	return as.counter
}

func (s *Store) GetAddressObject(ctx context.Context, principal, abID, objectID string) (*domain.AddressObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.addrbooks[abID]
	if !ok || !s.ownsAddressbook(principal, as) {
		return nil, store.ErrNotFound
	}
	obj, ok := as.objects[objectID]
	if !ok || obj.IsDeleted() {
		return nil, store.ErrNotFound
	}
	cp := *obj
	return &cp, nil
}

func (s *Store) GetAddressObjects(ctx context.Context, principal, abID string) ([]*domain.AddressObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.addrbooks[abID]
	if !ok || !s.ownsAddressbook(principal, as) {
		return nil, store.ErrNotFound
	}
	var out []*domain.AddressObject
	for _, obj := range as.objects {
		if obj.IsDeleted() {
			continue
		}
		cp := *obj
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) PutAddressObject(ctx context.Context, principal, abID string, obj *domain.AddressObject, overwrite bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.addrbooks[abID]
	if !ok || !s.ownsAddressbook(principal, as) {
		return store.ErrNotFound
	}
	existing, has := as.objects[obj.ID]
	if !overwrite && has {
		return store.ErrAlreadyExists
	}
	obj.AddressbookID = abID
	obj.UpdatedAt = time.Now()
	obj.DeletedAt = nil
	if has {
		obj.ID = existing.ID
	}
	as.objects[obj.ID] = obj
	s.appendABLog(as, obj.ID, opAdd)
	s.bus.Publish(domain.ChangeRecord{Topic: as.ab.PushTopic, Kind: domain.ChangeObjectChange, ResourceType: domain.ResourceAddressbook, ResourceID: abID})
	return nil
}

func (s *Store) DeleteAddressObject(ctx context.Context, principal, abID, objectID string, useTrashbin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.addrbooks[abID]
	if !ok || !s.ownsAddressbook(principal, as) {
		return store.ErrNotFound
	}
	obj, ok := as.objects[objectID]
	if !ok || obj.IsDeleted() {
		return store.ErrNotFound
	}
	if useTrashbin {
		now := time.Now()
		obj.DeletedAt = &now
	} else {
		delete(as.objects, objectID)
	}
	s.appendABLog(as, objectID, opDelete)
	s.bus.Publish(domain.ChangeRecord{Topic: as.ab.PushTopic, Kind: domain.ChangeObjectDelete, ResourceType: domain.ResourceAddressbook, ResourceID: abID})
	return nil
}

func (s *Store) RestoreAddressObject(ctx context.Context, principal, abID, objectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.addrbooks[abID]
	if !ok || !s.ownsAddressbook(principal, as) {
		return store.ErrNotFound
	}
	obj, ok := as.objects[objectID]
	if !ok || !obj.IsDeleted() {
		return store.ErrNotFound
	}
	obj.DeletedAt = nil
	s.appendABLog(as, objectID, opAdd)
	s.bus.Publish(domain.ChangeRecord{Topic: as.ab.PushTopic, Kind: domain.ChangeObjectChange, ResourceType: domain.ResourceAddressbook, ResourceID: abID})
	return nil
}

func (s *Store) ImportAddressbook(ctx context.Context, ab *domain.Addressbook, objects []*domain.AddressObject, overwriteExisting bool) error {
	s.mu.Lock()
	as, ok := s.addrbooks[ab.ID]
	s.mu.Unlock()
	if !ok {
		return store.ErrNotFound
	}
	for _, obj := range objects {
		_ = s.PutAddressObject(ctx, ab.OwnerID, as.ab.ID, obj, overwriteExisting)
	}
	return nil
}

// --- Subscriptions (push) -------------------------------------------------

func (s *Store) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *Store) GetSubscriptionsByTopic(ctx context.Context, topic string) ([]*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Subscription
	for id := range s.subsByTopic[topic] {
		if sub, ok := s.subscriptions[id]; ok {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) InsertSubscription(ctx context.Context, sub *domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	s.subscriptions[sub.ID] = sub
	if s.subsByTopic[sub.Topic] == nil {
		s.subsByTopic[sub.Topic] = map[string]bool{}
	}
	s.subsByTopic[sub.Topic][sub.ID] = true
	return nil
}

func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(s.subscriptions, id)
	delete(s.subsByTopic[sub.Topic], id)
	return nil
}

func (s *Store) PruneExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	n := 0
	for id, sub := range s.subscriptions {
		if sub.Expired(now) {
			delete(s.subscriptions, id)
			delete(s.subsByTopic[sub.Topic], id)
			n++
		}
	}
	return n, nil
}

// --- Webhook subscriptions -------------------------------------------------

func (s *Store) GetWebhookSubscription(ctx context.Context, id string) (*domain.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *Store) GetWebhookSubscriptionsFor(ctx context.Context, kind domain.ResourceKind, resourceID string) ([]*domain.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.WebhookSubscription
	for id := range s.webhooksByRsrc[rsrcKey(kind, resourceID)] {
		if w, ok := s.webhooks[id]; ok {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) UpsertWebhookSubscription(ctx context.Context, sub *domain.WebhookSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	s.webhooks[sub.ID] = sub
	key := rsrcKey(sub.ResourceType, sub.ResourceID)
	if s.webhooksByRsrc[key] == nil {
		s.webhooksByRsrc[key] = map[string]bool{}
	}
	s.webhooksByRsrc[key][sub.ID] = true
	return nil
}

func (s *Store) DeleteWebhookSubscription(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(s.webhooks, id)
	delete(s.webhooksByRsrc[rsrcKey(w.ResourceType, w.ResourceID)], id)
	return nil
}
