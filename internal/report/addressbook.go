package report

import (
	"bytes"
	"context"
	"strings"

	govcard "github.com/emersion/go-vcard"

	"github.com/dav-engine/server/internal/domain"
	"github.com/dav-engine/server/internal/store"
	"github.com/dav-engine/server/internal/sync"
	"github.com/dav-engine/server/internal/xmlcodec"
)

// AddressPropFunc computes the multistatus properties for one address
// object.
type AddressPropFunc func(ctx context.Context, obj *domain.AddressObject) []*xmlcodec.PropStat

// AddressObjectHref builds the href for an address object under abPath.
func AddressObjectHref(abPath, objectID string) string {
	return strings.TrimSuffix(abPath, "/") + "/" + objectID + ".vcf"
}

// AddressbookQuery implements addressbook-query: analogous to
// calendar-query, matching prop-filter/param-filter/text-match against
// vCard fields with no time-range support.
func AddressbookQuery(ctx context.Context, st store.AddressbookStore, principal, abID, abPath string, filter *Filter, propFn AddressPropFunc) (*xmlcodec.MultiStatus, error) {
	objects, err := st.GetAddressObjects(ctx, principal, abID)
	if err != nil {
		return nil, err
	}
	ms := &xmlcodec.MultiStatus{}
	for _, obj := range objects {
		card, err := govcard.NewDecoder(bytes.NewReader([]byte(obj.RawData))).Decode()
		if err != nil {
			continue
		}
		matched, err := matchCard(card, filter.Root, filter.Reduction)
		if err != nil {
			return nil, err
		}
		if !matched {
			continue
		}
		resp := xmlcodec.NewResponse(AddressObjectHref(abPath, obj.ID))
		resp.PropStats = append(resp.PropStats, propFn(ctx, obj)...)
		ms.Responses = append(ms.Responses, resp)
	}
	return ms, nil
}

// matchCard reduces a calendar-shaped comp-filter tree onto a flat vCard:
// the root's prop-filters apply directly to the card's fields (CARDDAV's
// filter grammar has no component nesting beyond the implicit VCARD root),
// combined by the filter's anyof/allof test. A filter with no prop-filters
// matches every card.
func matchCard(card govcard.Card, cf CompFilter, red Reduction) (bool, error) {
	if len(cf.Props) == 0 {
		return true, nil
	}
	results := make([]bool, 0, len(cf.Props))
	for _, pf := range cf.Props {
		ok, err := matchCardPropFilter(card, pf)
		if err != nil {
			return false, err
		}
		results = append(results, ok)
	}
	return reduce(results, red), nil
}

func matchCardPropFilter(card govcard.Card, pf PropFilter) (bool, error) {
	fields := card[strings.ToUpper(pf.Name)]
	if pf.IsNotDefined {
		return len(fields) == 0, nil
	}
	if len(fields) == 0 {
		return false, nil
	}
	results := make([]bool, 0, len(fields))
	for _, f := range fields {
		ok := true
		var err error
		if pf.TextMatch != nil {
			ok, err = pf.TextMatch.Match(f.Value)
			if err != nil {
				return false, err
			}
		}
		if ok {
			for _, param := range pf.Params {
				pok, err := matchCardParamFilter(f, param)
				if err != nil {
					return false, err
				}
				if !pok {
					ok = false
					break
				}
			}
		}
		results = append(results, ok)
	}
	return reduce(results, pf.Reduction), nil
}

func matchCardParamFilter(f *govcard.Field, param ParamFilter) (bool, error) {
	val := f.Params.Get(param.Name)
	if param.IsNotDefined {
		return val == "", nil
	}
	if val == "" {
		return false, nil
	}
	if param.TextMatch != nil {
		return param.TextMatch.Match(val)
	}
	return true, nil
}

// AddressbookMultiget implements addressbook-multiget, analogous to
// calendar-multiget.
func AddressbookMultiget(ctx context.Context, st store.AddressbookStore, principal, abID, abPath string, hrefs []string, propFn AddressPropFunc) (*xmlcodec.MultiStatus, error) {
	ms := &xmlcodec.MultiStatus{}
	for _, href := range hrefs {
		prefix := strings.TrimSuffix(abPath, "/") + "/"
		objID, ok := objectIDFromHref(href, prefix, ".vcf")
		if !ok {
			ms.Responses = append(ms.Responses, xmlcodec.NewResponse(href).WithStatus(404))
			continue
		}
		obj, err := st.GetAddressObject(ctx, principal, abID, objID)
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

// AddressbookSyncCollection implements sync-collection for address books.
func AddressbookSyncCollection(ctx context.Context, st store.AddressbookStore, principal, abID, abPath string, since int64, propFn AddressPropFunc) (*xmlcodec.MultiStatus, error) {
	objects, deletedIDs, newToken, err := st.SyncAddressChanges(ctx, principal, abID, since)
	if err != nil {
		return nil, err
	}
	ms := &xmlcodec.MultiStatus{SyncToken: sync.Format(newToken)}
	for _, obj := range objects {
		resp := xmlcodec.NewResponse(AddressObjectHref(abPath, obj.ID))
		resp.PropStats = append(resp.PropStats, propFn(ctx, obj)...)
		ms.Responses = append(ms.Responses, resp)
	}
	for _, id := range deletedIDs {
		ms.Responses = append(ms.Responses, xmlcodec.NewResponse(AddressObjectHref(abPath, id)).WithStatus(404))
	}
	return ms, nil
}
