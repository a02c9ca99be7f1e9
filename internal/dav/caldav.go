package dav

import (
	"context"
	"encoding/xml"
	"strconv"

	"github.com/dav-engine/server/internal/acl"
	"github.com/dav-engine/server/internal/auth"
	"github.com/dav-engine/server/internal/config"
	"github.com/dav-engine/server/internal/domain"
	"github.com/dav-engine/server/internal/resource"
	"github.com/dav-engine/server/internal/store"
	"github.com/dav-engine/server/internal/sync"
	"github.com/dav-engine/server/internal/xmlcodec"
)

var (
	nCalendarDescription = xml.Name{Space: "urn:ietf:params:xml:ns:caldav", Local: "calendar-description"}
	nCalendarColor       = xml.Name{Space: "http://apple.com/ns/ical/", Local: "calendar-color"}
	nCalendarOrder       = xml.Name{Space: "http://apple.com/ns/ical/", Local: "calendar-order"}
	nCalendarTimezoneID  = xml.Name{Space: "urn:ietf:params:xml:ns:caldav", Local: "calendar-timezone-id"}
	nSupportedCompSet    = xml.Name{Space: "urn:ietf:params:xml:ns:caldav", Local: "supported-calendar-component-set"}
	nCalendarHomeSet     = xml.Name{Space: "urn:ietf:params:xml:ns:caldav", Local: "calendar-home-set"}
)

// CalService implements resource.Service over a CalendarStore: calendar
// collections under /calendars/{principal}/{id}/ and calendar objects
// under /calendars/{principal}/{id}/{objectID}.ics.
type CalService struct {
	Store      store.CalendarStore
	Principals store.PrincipalStore
	Cfg        *config.Config
}

func (s *CalService) DAVHeader() string {
	return "1, 2, 3, access-control, calendar-access, calendar-auto-schedule"
}

func (s *CalService) AllowedMethods() []string {
	return []string{"OPTIONS", "PROPFIND", "PROPPATCH", "GET", "HEAD", "PUT", "DELETE", "MKCALENDAR", "REPORT", "MOVE", "POST", "IMPORT"}
}

func callerFrom(ctx context.Context) string {
	if p, ok := auth.PrincipalFrom(ctx); ok {
		return p.UserID
	}
	return ""
}

func (s *CalService) effective(ctx context.Context, ownerID string) acl.Effective {
	caller := callerFrom(ctx)
	return acl.ForOwner(caller, ownerID, func(id string) bool {
		p, err := s.Principals.GetPrincipal(ctx, id)
		return err == nil && p.IsPrincipal(ownerID)
	})
}

func (s *CalService) Resolve(ctx context.Context, path string) (*resource.Resource, error) {
	route := ParsePath(path)
	switch route.Service {
	case "caldav":
		if route.Principal == "" {
			return s.homeResource(ctx, "")
		}
		if route.CollID == "" {
			return s.homeResource(ctx, route.Principal)
		}
		cal, err := s.Store.GetCalendar(ctx, route.Principal, route.CollID, false)
		if err != nil {
			return nil, err
		}
		if route.IsObject {
			obj, err := s.Store.GetObject(ctx, route.Principal, route.CollID, route.ObjectID)
			if err != nil {
				return nil, err
			}
			return s.objectResource(ctx, cal, obj), nil
		}
		return s.calendarResource(ctx, cal), nil
	default:
		return nil, store.ErrNotFound
	}
}

func (s *CalService) homeResource(ctx context.Context, principal string) (*resource.Resource, error) {
	eff := s.effective(ctx, principal)
	res := &resource.Resource{
		Path:       CalendarHomePath(principal),
		Kinds:      []resource.Kind{resource.KindCollection},
		Owner:      principal,
		Privileges: resource.PrivilegeSet(eff.PrivilegeSet),
	}
	res.Getters = mergeGetters(commonGetters(res, callerFrom(ctx), eff))
	res.PropNames = propNamesOf(res.Getters)
	return res, nil
}

func (s *CalService) calendarResource(ctx context.Context, cal *domain.Calendar) *resource.Resource {
	eff := s.effective(ctx, cal.OwnerID)
	res := &resource.Resource{
		Path:         CalendarPath(cal.OwnerID, cal.ID),
		Kinds:        []resource.Kind{resource.KindCollection, resource.KindCalendar},
		Owner:        cal.OwnerID,
		DisplayName:  cal.DisplayName,
		Privileges:   resource.PrivilegeSet(eff.PrivilegeSet),
		IsCollection: true,
	}
	specific := map[xml.Name]resource.PropGetter{
		nCalendarDescription: textGetter(cal.Description),
		nCalendarColor:       textGetter(cal.Color),
		nCalendarOrder:       textGetter(strconv.Itoa(cal.Order)),
		nCalendarTimezoneID:  textGetter(cal.TimezoneID),
		nSupportedCompSet:    func(ctx context.Context) (xmlcodec.PropEncodable, error) { return compSetProp(cal.SupportedComps), nil },
	}
	res.Getters = mergeGetters(
		commonGetters(res, callerFrom(ctx), eff),
		syncTokenGetters(sync.Format(cal.SyncToken)),
		pushGetters(cal.PushTopic, cal.SubscriptionURL),
		specific,
	)
	res.Setters = map[xml.Name]resource.PropSetter{
		nDisplayName:         setCalendarField(s.Store, cal, func(c *domain.Calendar, v string) { c.DisplayName = v }),
		nCalendarDescription: setCalendarField(s.Store, cal, func(c *domain.Calendar, v string) { c.Description = v }),
		nCalendarColor:       setCalendarField(s.Store, cal, func(c *domain.Calendar, v string) { c.Color = v }),
		nCalendarTimezoneID:  setCalendarField(s.Store, cal, func(c *domain.Calendar, v string) { c.TimezoneID = v }),
	}
	res.PropNames = propNamesOf(res.Getters)
	return res
}

func textGetter(v string) resource.PropGetter {
	return func(ctx context.Context) (xmlcodec.PropEncodable, error) { return xmlcodec.Text(v), nil }
}

func compSetProp(comps []domain.Component) xmlcodec.PropEncodable {
	n := &xmlcodec.Nested{}
	for _, c := range comps {
		leaf := xmlcodec.Raw{Attrs: []xml.Attr{{Name: xml.Name{Local: "name"}, Value: string(c)}}}
		n.AddChild(xml.Name{Space: "urn:ietf:params:xml:ns:caldav", Local: "comp"}, leaf)
	}
	return n
}

func setCalendarField(st store.CalendarStore, cal *domain.Calendar, apply func(*domain.Calendar, string)) resource.PropSetter {
	return func(ctx context.Context, el xmlcodec.RawElement) error {
		apply(cal, el.InnerXML)
		return st.UpdateCalendar(ctx, cal.OwnerID, cal.ID, cal)
	}
}

func (s *CalService) objectResource(ctx context.Context, cal *domain.Calendar, obj *domain.CalendarObject) *resource.Resource {
	eff := s.effective(ctx, cal.OwnerID)
	res := &resource.Resource{
		Path:       CalendarPath(cal.OwnerID, cal.ID) + obj.ID + ".ics",
		Kinds:      []resource.Kind{resource.KindObject},
		Owner:      cal.OwnerID,
		ETag:       obj.ETag,
		Privileges: resource.PrivilegeSet(eff.PrivilegeSet),
	}
	res.Getters = mergeGetters(commonGetters(res, callerFrom(ctx), eff), map[xml.Name]resource.PropGetter{
		nGetContentType: textGetter("text/calendar; charset=utf-8"),
	})
	res.PropNames = propNamesOf(res.Getters)
	return res
}

func (s *CalService) Members(ctx context.Context, path string) ([]resource.Member, error) {
	route := ParsePath(path)
	if route.Service != "caldav" || route.Principal == "" {
		return nil, store.ErrNotFound
	}
	if route.CollID == "" {
		cals, err := s.Store.GetCalendars(ctx, route.Principal)
		if err != nil {
			return nil, err
		}
		out := make([]resource.Member, 0, len(cals))
		for _, cal := range cals {
			out = append(out, resource.Member{Path: CalendarPath(cal.OwnerID, cal.ID), Resource: s.calendarResource(ctx, cal)})
		}
		return out, nil
	}
	cal, err := s.Store.GetCalendar(ctx, route.Principal, route.CollID, false)
	if err != nil {
		return nil, err
	}
	objects, err := s.Store.GetObjects(ctx, route.Principal, route.CollID)
	if err != nil {
		return nil, err
	}
	out := make([]resource.Member, 0, len(objects))
	for _, obj := range objects {
		objRes := s.objectResource(ctx, cal, obj)
		out = append(out, resource.Member{Path: objRes.Path, Resource: objRes})
	}
	return out, nil
}

// GetObjectData returns the raw ICS body and ETag of a calendar object, for
// GET/HEAD which answer outside the property-getter table.
func (s *CalService) GetObjectData(ctx context.Context, route Route) (data, etag string, err error) {
	obj, err := s.Store.GetObject(ctx, route.Principal, route.CollID, route.ObjectID)
	if err != nil {
		return "", "", err
	}
	return obj.RawData, obj.ETag, nil
}
