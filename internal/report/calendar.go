package report

import (
	"bytes"
	"context"
	"encoding/xml"
	"strings"

	goical "github.com/emersion/go-ical"

	"github.com/dav-engine/server/internal/domain"
	"github.com/dav-engine/server/internal/store"
	"github.com/dav-engine/server/internal/sync"
	"github.com/dav-engine/server/internal/xmlcodec"
)

// PropFunc computes the multistatus properties for one object, returning the
// populated PropStat groups already split by HTTP status (200/404/403).
type PropFunc func(ctx context.Context, obj *domain.CalendarObject) []*xmlcodec.PropStat

// ObjectHref builds the href for a calendar object under collectionPath.
func ObjectHref(collectionPath, objectID string) string {
	return strings.TrimSuffix(collectionPath, "/") + "/" + objectID + ".ics"
}

// CalendarQuery implements the calendar-query REPORT: filter every live
// object in the collection and emit props for those that match.
func CalendarQuery(ctx context.Context, st store.CalendarStore, principal, calID, collectionPath string, filter *Filter, propFn PropFunc) (*xmlcodec.MultiStatus, error) {
	objects, err := st.GetObjects(ctx, principal, calID)
	if err != nil {
		return nil, err
	}
	ms := &xmlcodec.MultiStatus{}
	for _, obj := range objects {
		cal, err := goical.NewDecoder(bytes.NewReader([]byte(obj.RawData))).Decode()
		if err != nil {
			continue
		}
		matched, err := MatchCalendar(cal, filter)
		if err != nil {
			return nil, err
		}
		if !matched {
			continue
		}
		resp := xmlcodec.NewResponse(ObjectHref(collectionPath, obj.ID))
		resp.PropStats = append(resp.PropStats, propFn(ctx, obj)...)
		ms.Responses = append(ms.Responses, resp)
	}
	return ms, nil
}

// CalendarMultiget implements the calendar-multiget REPORT: resolve each
// href to an object id, in request order, emitting 404 for misses.
func CalendarMultiget(ctx context.Context, st store.CalendarStore, principal, calID, collectionPath string, hrefs []string, propFn PropFunc) (*xmlcodec.MultiStatus, error) {
	ms := &xmlcodec.MultiStatus{}
	prefix := strings.TrimSuffix(collectionPath, "/") + "/"
	for _, href := range hrefs {
		objID, ok := objectIDFromHref(href, prefix, ".ics")
		if !ok {
			ms.Responses = append(ms.Responses, xmlcodec.NewResponse(href).WithStatus(404))
			continue
		}
		obj, err := st.GetObject(ctx, principal, calID, objID)
		if err != nil {
			ms.Responses = append(ms.Responses, xmlcodec.NewResponse(href).WithStatus(404))
			continue
		}
		resp := xmlcodec.NewResponse(href)
		resp.PropStats = append(resp.PropStats, propFn(ctx, obj)...)
		ms.Responses = append(ms.Responses, resp)
	}
	return ms, nil
}

func objectIDFromHref(href, prefix, suffix string) (string, bool) {
	idx := strings.LastIndex(href, "/")
	base := href
	if idx >= 0 {
		base = href[idx+1:]
	}
	if !strings.HasSuffix(base, suffix) {
		return "", false
	}
	return strings.TrimSuffix(base, suffix), true
}

// SyncCollectionRequest carries the decoded <sync-collection> request.
type SyncCollectionRequest struct {
	SyncToken string
	SyncLevel string
	Limit     int
	Prop      xmlcodec.PropContainer
}

type xmlSyncCollection struct {
	XMLName   xml.Name             `xml:"DAV: sync-collection"`
	SyncToken string               `xml:"DAV: sync-token"`
	SyncLevel string               `xml:"DAV: sync-level"`
	Limit     *struct {
		NResults int `xml:"DAV: nresults"`
	} `xml:"DAV: limit"`
	Prop xmlcodec.PropContainer `xml:"DAV: prop"`
}

// ParseSyncCollection decodes a <sync-collection> REPORT body.
func ParseSyncCollection(raw []byte) (*SyncCollectionRequest, error) {
	var x xmlSyncCollection
	if err := xml.Unmarshal(raw, &x); err != nil {
		return nil, &xmlcodec.ErrUnsupportedEvent{Detail: err.Error()}
	}
	req := &SyncCollectionRequest{SyncToken: x.SyncToken, SyncLevel: x.SyncLevel, Prop: x.Prop}
	if x.Limit != nil {
		req.Limit = x.Limit.NResults
	}
	if req.SyncLevel == "" {
		req.SyncLevel = "1"
	}
	return req, nil
}

// CalendarSyncCollection implements the sync-collection algorithm of §4.H:
// fold the change log since the client's token, deleted wins ties, and emit
// the new token at the multistatus root.
func CalendarSyncCollection(ctx context.Context, st store.CalendarStore, principal, calID, collectionPath string, since int64, propFn PropFunc) (*xmlcodec.MultiStatus, error) {
	objects, deletedIDs, newToken, err := st.SyncChanges(ctx, principal, calID, since)
	if err != nil {
		return nil, err
	}
	ms := &xmlcodec.MultiStatus{SyncToken: sync.Format(newToken)}
	for _, obj := range objects {
		resp := xmlcodec.NewResponse(ObjectHref(collectionPath, obj.ID))
		resp.PropStats = append(resp.PropStats, propFn(ctx, obj)...)
		ms.Responses = append(ms.Responses, resp)
	}
	for _, id := range deletedIDs {
		ms.Responses = append(ms.Responses, xmlcodec.NewResponse(ObjectHref(collectionPath, id)).WithStatus(404))
	}
	return ms, nil
}
