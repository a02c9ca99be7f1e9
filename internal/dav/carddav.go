package dav

import (
	"context"
	"encoding/xml"

	"github.com/dav-engine/server/internal/acl"
	"github.com/dav-engine/server/internal/config"
	"github.com/dav-engine/server/internal/domain"
	"github.com/dav-engine/server/internal/resource"
	"github.com/dav-engine/server/internal/store"
	"github.com/dav-engine/server/internal/sync"
	"github.com/dav-engine/server/internal/xmlcodec"
)

var nAddressbookDescription = xml.Name{Space: "urn:ietf:params:xml:ns:carddav", Local: "addressbook-description"}

// CardService implements resource.Service over an AddressbookStore:
// addressbook collections under /addressbooks/{principal}/{id}/ and vCard
// objects under /addressbooks/{principal}/{id}/{objectID}.vcf.
type CardService struct {
	Store      store.AddressbookStore
	Principals store.PrincipalStore
	Cfg        *config.Config
}

func (s *CardService) DAVHeader() string {
	return "1, 2, 3, access-control, addressbook"
}

func (s *CardService) AllowedMethods() []string {
	return []string{"OPTIONS", "PROPFIND", "PROPPATCH", "GET", "HEAD", "PUT", "DELETE", "MKCOL", "REPORT", "MOVE", "POST", "IMPORT"}
}

func (s *CardService) effective(ctx context.Context, ownerID string) acl.Effective {
	caller := callerFrom(ctx)
	return acl.ForOwner(caller, ownerID, func(id string) bool {
		p, err := s.Principals.GetPrincipal(ctx, id)
		return err == nil && p.IsPrincipal(ownerID)
	})
}

func (s *CardService) Resolve(ctx context.Context, path string) (*resource.Resource, error) {
	route := ParsePath(path)
	if route.Service != "carddav" {
		return nil, store.ErrNotFound
	}
	if route.Principal == "" {
		return s.homeResource(ctx, "")
	}
	if route.CollID == "" {
		return s.homeResource(ctx, route.Principal)
	}
	ab, err := s.Store.GetAddressbook(ctx, route.Principal, route.CollID, false)
	if err != nil {
		return nil, err
	}
	if route.IsObject {
		obj, err := s.Store.GetAddressObject(ctx, route.Principal, route.CollID, route.ObjectID)
		if err != nil {
			return nil, err
		}
		return s.objectResource(ctx, ab, obj), nil
	}
	return s.addressbookResource(ctx, ab), nil
}

func (s *CardService) homeResource(ctx context.Context, principal string) (*resource.Resource, error) {
	eff := s.effective(ctx, principal)
	res := &resource.Resource{
		Path:       AddressbookHomePath(principal),
		Kinds:      []resource.Kind{resource.KindCollection},
		Owner:      principal,
		Privileges: resource.PrivilegeSet(eff.PrivilegeSet),
	}
	res.Getters = mergeGetters(commonGetters(res, callerFrom(ctx), eff))
	res.PropNames = propNamesOf(res.Getters)
	return res, nil
}

func (s *CardService) addressbookResource(ctx context.Context, ab *domain.Addressbook) *resource.Resource {
	eff := s.effective(ctx, ab.OwnerID)
	res := &resource.Resource{
		Path:         AddressbookPath(ab.OwnerID, ab.ID),
		Kinds:        []resource.Kind{resource.KindCollection, resource.KindAddressbook},
		Owner:        ab.OwnerID,
		DisplayName:  ab.DisplayName,
		Privileges:   resource.PrivilegeSet(eff.PrivilegeSet),
		IsCollection: true,
	}
	specific := map[xml.Name]resource.PropGetter{
		nAddressbookDescription: textGetter(ab.Description),
	}
	res.Getters = mergeGetters(
		commonGetters(res, callerFrom(ctx), eff),
		syncTokenGetters(sync.Format(ab.SyncToken)),
		pushGetters(ab.PushTopic, ab.PushTopic),
		specific,
	)
	res.Setters = map[xml.Name]resource.PropSetter{
		nDisplayName:            setAddressbookField(s.Store, ab, func(a *domain.Addressbook, v string) { a.DisplayName = v }),
		nAddressbookDescription: setAddressbookField(s.Store, ab, func(a *domain.Addressbook, v string) { a.Description = v }),
	}
	res.PropNames = propNamesOf(res.Getters)
	return res
}

func setAddressbookField(st store.AddressbookStore, ab *domain.Addressbook, apply func(*domain.Addressbook, string)) resource.PropSetter {
	return func(ctx context.Context, el xmlcodec.RawElement) error {
		apply(ab, el.InnerXML)
		return st.UpdateAddressbook(ctx, ab.OwnerID, ab.ID, ab)
	}
}

func (s *CardService) objectResource(ctx context.Context, ab *domain.Addressbook, obj *domain.AddressObject) *resource.Resource {
	eff := s.effective(ctx, ab.OwnerID)
	res := &resource.Resource{
		Path:       AddressbookPath(ab.OwnerID, ab.ID) + obj.ID + ".vcf",
		Kinds:      []resource.Kind{resource.KindObject},
		Owner:      ab.OwnerID,
		ETag:       obj.ETag,
		Privileges: resource.PrivilegeSet(eff.PrivilegeSet),
	}
	res.Getters = mergeGetters(commonGetters(res, callerFrom(ctx), eff), map[xml.Name]resource.PropGetter{
		nGetContentType: textGetter("text/vcard; charset=utf-8"),
	})
	res.PropNames = propNamesOf(res.Getters)
	return res
}

func (s *CardService) Members(ctx context.Context, path string) ([]resource.Member, error) {
	route := ParsePath(path)
	if route.Service != "carddav" || route.Principal == "" {
		return nil, store.ErrNotFound
	}
	if route.CollID == "" {
		abs, err := s.Store.GetAddressbooks(ctx, route.Principal)
		if err != nil {
			return nil, err
		}
		out := make([]resource.Member, 0, len(abs))
		for _, ab := range abs {
			out = append(out, resource.Member{Path: AddressbookPath(ab.OwnerID, ab.ID), Resource: s.addressbookResource(ctx, ab)})
		}
		return out, nil
	}
	ab, err := s.Store.GetAddressbook(ctx, route.Principal, route.CollID, false)
	if err != nil {
		return nil, err
	}
	objects, err := s.Store.GetAddressObjects(ctx, route.Principal, route.CollID)
	if err != nil {
		return nil, err
	}
	out := make([]resource.Member, 0, len(objects))
	for _, obj := range objects {
		objRes := s.objectResource(ctx, ab, obj)
		out = append(out, resource.Member{Path: objRes.Path, Resource: objRes})
	}
	return out, nil
}

// GetObjectData returns the raw vCard body and ETag of an address object.
func (s *CardService) GetObjectData(ctx context.Context, route Route) (data, etag string, err error) {
	obj, err := s.Store.GetAddressObject(ctx, route.Principal, route.CollID, route.ObjectID)
	if err != nil {
		return "", "", err
	}
	return obj.RawData, obj.ETag, nil
}
