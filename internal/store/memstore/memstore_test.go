package memstore

import (
	"context"
	"testing"

	"github.com/dav-engine/server/internal/domain"
	"github.com/dav-engine/server/internal/store"
)

func TestPrincipalPasswordAndAppToken(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.SetPassword("alice", "Alice", "s3cret")
	s.AddAppToken("alice", "tok-1")

	if _, err := s.ValidatePassword(ctx, "alice", "wrong"); err == nil {
		t.Fatal("expected wrong password to fail")
	}
	if _, err := s.ValidatePassword(ctx, "alice", "s3cret"); err != nil {
		t.Fatalf("expected correct password to succeed, got %v", err)
	}
	if _, err := s.ValidateAppToken(ctx, "alice", "tok-1"); err != nil {
		t.Fatalf("expected app token to validate, got %v", err)
	}
	if _, err := s.ValidateAppToken(ctx, "alice", "tok-2"); err == nil {
		t.Fatal("expected unknown app token to fail")
	}
}

func TestEnsurePrincipalIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	p1, err := s.EnsurePrincipal(ctx, "bob", "Bob")
	if err != nil {
		t.Fatalf("EnsurePrincipal: %v", err)
	}
	p2, err := s.EnsurePrincipal(ctx, "bob", "Bob Again")
	if err != nil {
		t.Fatalf("EnsurePrincipal (second call): %v", err)
	}
	if p1 != p2 {
		t.Fatal("expected the same principal pointer on repeated EnsurePrincipal")
	}
	if p1.DisplayName != "Bob" {
		t.Fatalf("expected first call's display name to win, got %q", p1.DisplayName)
	}
}

func TestCalendarCRUDAndTrashbin(t *testing.T) {
	ctx := context.Background()
	s := New()
	cal := &domain.Calendar{ID: "cal-1", OwnerID: "alice", URI: "work"}
	if err := s.InsertCalendar(ctx, cal); err != nil {
		t.Fatalf("InsertCalendar: %v", err)
	}
	if err := s.InsertCalendar(ctx, &domain.Calendar{ID: "cal-1", OwnerID: "alice"}); err != store.ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists on duplicate insert, got %v", err)
	}
	if cal.PushTopic == "" {
		t.Fatal("expected InsertCalendar to assign a push topic")
	}

	got, err := s.GetCalendar(ctx, "alice", "cal-1", false)
	if err != nil || got.ID != "cal-1" {
		t.Fatalf("GetCalendar: %v, %+v", err, got)
	}
	if _, err := s.GetCalendar(ctx, "mallory", "cal-1", false); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound for wrong owner, got %v", err)
	}

	if err := s.DeleteCalendar(ctx, "alice", "cal-1", true); err != nil {
		t.Fatalf("DeleteCalendar (trashbin): %v", err)
	}
	if _, err := s.GetCalendar(ctx, "alice", "cal-1", false); err != store.ErrNotFound {
		t.Fatal("expected trashbinned calendar to be hidden from GetCalendar(includeDeleted=false)")
	}
	if _, err := s.GetCalendar(ctx, "alice", "cal-1", true); err != nil {
		t.Fatalf("expected trashbinned calendar visible with includeDeleted=true: %v", err)
	}

	if err := s.RestoreCalendar(ctx, "alice", "cal-1"); err != nil {
		t.Fatalf("RestoreCalendar: %v", err)
	}
	if _, err := s.GetCalendar(ctx, "alice", "cal-1", false); err != nil {
		t.Fatalf("expected restored calendar visible, got %v", err)
	}
}

func TestCalendarObjectSyncCollection(t *testing.T) {
	ctx := context.Background()
	s := New()
	cal := &domain.Calendar{ID: "cal-1", OwnerID: "alice"}
	if err := s.InsertCalendar(ctx, cal); err != nil {
		t.Fatalf("InsertCalendar: %v", err)
	}

	obj1 := &domain.CalendarObject{ID: "obj-1", RawData: "one"}
	if err := s.PutObject(ctx, "alice", "cal-1", obj1, false); err != nil {
		t.Fatalf("PutObject obj-1: %v", err)
	}
	objs, deleted, token1, err := s.SyncChanges(ctx, "alice", "cal-1", 0)
	if err != nil {
		t.Fatalf("SyncChanges: %v", err)
	}
	if len(objs) != 1 || len(deleted) != 0 {
		t.Fatalf("expected one live object and no deletes, got %+v / %+v", objs, deleted)
	}

	obj2 := &domain.CalendarObject{ID: "obj-2", RawData: "two"}
	if err := s.PutObject(ctx, "alice", "cal-1", obj2, false); err != nil {
		t.Fatalf("PutObject obj-2: %v", err)
	}
	if err := s.DeleteObject(ctx, "alice", "cal-1", "obj-1", true); err != nil {
		t.Fatalf("DeleteObject obj-1: %v", err)
	}

	objs, deleted, token2, err := s.SyncChanges(ctx, "alice", "cal-1", token1)
	if err != nil {
		t.Fatalf("SyncChanges (incremental): %v", err)
	}
	if token2 <= token1 {
		t.Fatalf("expected monotonically increasing sync token, got %d then %d", token1, token2)
	}
	if len(objs) != 1 || objs[0].ID != "obj-2" {
		t.Fatalf("expected obj-2 as the only new object, got %+v", objs)
	}
	if len(deleted) != 1 || deleted[0] != "obj-1" {
		t.Fatalf("expected obj-1 reported deleted, got %+v", deleted)
	}

	if err := s.PutObject(ctx, "alice", "cal-1", &domain.CalendarObject{ID: "obj-2", RawData: "conflict"}, false); err != store.ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists on non-overwrite PUT of an existing object, got %v", err)
	}
}

func TestAddressbookObjectSyncCollection(t *testing.T) {
	ctx := context.Background()
	s := New()
	ab := &domain.Addressbook{ID: "ab-1", OwnerID: "alice"}
	if err := s.InsertAddressbook(ctx, ab); err != nil {
		t.Fatalf("InsertAddressbook: %v", err)
	}
	obj := &domain.AddressObject{ID: "contact-1", RawData: "vcard"}
	if err := s.PutAddressObject(ctx, "alice", "ab-1", obj, false); err != nil {
		t.Fatalf("PutAddressObject: %v", err)
	}
	objs, _, token, err := s.SyncAddressChanges(ctx, "alice", "ab-1", 0)
	if err != nil || len(objs) != 1 {
		t.Fatalf("SyncAddressChanges: %v, %+v", err, objs)
	}
	if err := s.DeleteAddressObject(ctx, "alice", "ab-1", "contact-1", true); err != nil {
		t.Fatalf("DeleteAddressObject: %v", err)
	}
	_, deleted, token2, err := s.SyncAddressChanges(ctx, "alice", "ab-1", token)
	if err != nil {
		t.Fatalf("SyncAddressChanges (incremental): %v", err)
	}
	if token2 <= token {
		t.Fatal("expected sync token to advance after delete")
	}
	if len(deleted) != 1 || deleted[0] != "contact-1" {
		t.Fatalf("expected contact-1 reported deleted, got %+v", deleted)
	}
}

func TestSubscriptionsByTopic(t *testing.T) {
	ctx := context.Background()
	s := New()
	sub := &domain.Subscription{Topic: "topic-1", PushResource: "https://push.example.com/r/1"}
	if err := s.InsertSubscription(ctx, sub); err != nil {
		t.Fatalf("InsertSubscription: %v", err)
	}
	if sub.ID == "" {
		t.Fatal("expected InsertSubscription to assign an ID")
	}
	subs, err := s.GetSubscriptionsByTopic(ctx, "topic-1")
	if err != nil || len(subs) != 1 {
		t.Fatalf("GetSubscriptionsByTopic: %v, %+v", err, subs)
	}
	if err := s.DeleteSubscription(ctx, sub.ID); err != nil {
		t.Fatalf("DeleteSubscription: %v", err)
	}
	subs, _ = s.GetSubscriptionsByTopic(ctx, "topic-1")
	if len(subs) != 0 {
		t.Fatalf("expected no subscriptions after delete, got %+v", subs)
	}
}

func TestWebhookSubscriptionUpsert(t *testing.T) {
	ctx := context.Background()
	s := New()
	w := &domain.WebhookSubscription{ResourceType: domain.ResourceCalendar, ResourceID: "cal-1", TargetURL: "https://hook.example.com"}
	if err := s.UpsertWebhookSubscription(ctx, w); err != nil {
		t.Fatalf("UpsertWebhookSubscription (insert): %v", err)
	}
	hooks, err := s.GetWebhookSubscriptionsFor(ctx, domain.ResourceCalendar, "cal-1")
	if err != nil || len(hooks) != 1 {
		t.Fatalf("GetWebhookSubscriptionsFor: %v, %+v", err, hooks)
	}

	w.TargetURL = "https://hook.example.com/v2"
	if err := s.UpsertWebhookSubscription(ctx, w); err != nil {
		t.Fatalf("UpsertWebhookSubscription (update): %v", err)
	}
	hooks, _ = s.GetWebhookSubscriptionsFor(ctx, domain.ResourceCalendar, "cal-1")
	if len(hooks) != 1 || hooks[0].TargetURL != "https://hook.example.com/v2" {
		t.Fatalf("expected one updated hook, got %+v", hooks)
	}

	if err := s.DeleteWebhookSubscription(ctx, w.ID); err != nil {
		t.Fatalf("DeleteWebhookSubscription: %v", err)
	}
	hooks, _ = s.GetWebhookSubscriptionsFor(ctx, domain.ResourceCalendar, "cal-1")
	if len(hooks) != 0 {
		t.Fatalf("expected no hooks after delete, got %+v", hooks)
	}
}

func TestComputeETagStableForSameInput(t *testing.T) {
	a := ComputeETag("obj-1", "data")
	b := ComputeETag("obj-1", "data")
	c := ComputeETag("obj-1", "other data")
	if a != b {
		t.Fatal("expected ComputeETag to be deterministic")
	}
	if a == c {
		t.Fatal("expected different raw data to produce a different etag")
	}
}
