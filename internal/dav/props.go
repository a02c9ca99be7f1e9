package dav

import (
	"context"
	"encoding/xml"

	"github.com/dav-engine/server/internal/acl"
	"github.com/dav-engine/server/internal/resource"
	"github.com/dav-engine/server/internal/xmlcodec"
)

var (
	nDisplayName      = xml.Name{Space: "DAV:", Local: "displayname"}
	nResourceType     = xml.Name{Space: "DAV:", Local: "resourcetype"}
	nGetETag          = xml.Name{Space: "DAV:", Local: "getetag"}
	nGetContentType   = xml.Name{Space: "DAV:", Local: "getcontenttype"}
	nOwner            = xml.Name{Space: "DAV:", Local: "owner"}
	nCurrentUserPrin  = xml.Name{Space: "DAV:", Local: "current-user-principal"}
	nCurrentUserPrivs = xml.Name{Space: "DAV:", Local: "current-user-privilege-set"}
	nSyncToken        = xml.Name{Space: "DAV:", Local: "sync-token"}
	nGetCTag          = xml.Name{Space: "http://calendarserver.org/ns/", Local: "getctag"}

	nPushTransports    = xml.Name{Space: "https://bitfire.at/webdav-push", Local: "push-transports"}
	nTopic             = xml.Name{Space: "https://bitfire.at/webdav-push", Local: "topic"}
	nSupportedTriggers = xml.Name{Space: "https://bitfire.at/webdav-push", Local: "supported-triggers"}
)

// privilegeSetProp renders effective privileges as the Nested <privilege>
// list current-user-privilege-set expects.
func privilegeSetProp(eff acl.Effective) xmlcodec.PropEncodable {
	n := &xmlcodec.Nested{}
	for _, name := range eff.PrivilegeNames() {
		priv := &xmlcodec.Nested{}
		priv.AddChild(xml.Name{Space: "DAV:", Local: name}, xmlcodec.Empty{})
		n.AddChild(xml.Name{Space: "DAV:", Local: "privilege"}, priv)
	}
	return n
}

// commonGetters builds the CommonProperties extension (§4.E) every resource
// inherits: resourcetype, current-user-principal, current-user-privilege-set,
// owner, displayname, getetag.
func commonGetters(res *resource.Resource, callerID string, eff acl.Effective) map[xml.Name]resource.PropGetter {
	getters := map[xml.Name]resource.PropGetter{
		nResourceType: func(ctx context.Context) (xmlcodec.PropEncodable, error) {
			return res.ResourceTypeProp(), nil
		},
		nCurrentUserPrin: func(ctx context.Context) (xmlcodec.PropEncodable, error) {
			return xmlcodec.Href(PrincipalPath(callerID)), nil
		},
		nCurrentUserPrivs: func(ctx context.Context) (xmlcodec.PropEncodable, error) {
			return privilegeSetProp(eff), nil
		},
	}
	if res.DisplayName != "" {
		getters[nDisplayName] = func(ctx context.Context) (xmlcodec.PropEncodable, error) {
			return xmlcodec.Text(res.DisplayName), nil
		}
	}
	if res.Owner != "" {
		getters[nOwner] = func(ctx context.Context) (xmlcodec.PropEncodable, error) {
			return xmlcodec.Href(PrincipalPath(res.Owner)), nil
		}
	}
	if res.ETag != "" {
		getters[nGetETag] = func(ctx context.Context) (xmlcodec.PropEncodable, error) {
			return xmlcodec.Text(res.ETag), nil
		}
	}
	return getters
}

// syncTokenGetters builds the SyncTokenExtension (sync-token, getctag) for
// a collection, given its current opaque token string.
func syncTokenGetters(token string) map[xml.Name]resource.PropGetter {
	return map[xml.Name]resource.PropGetter{
		nSyncToken: func(ctx context.Context) (xmlcodec.PropEncodable, error) { return xmlcodec.Text(token), nil },
		nGetCTag:   func(ctx context.Context) (xmlcodec.PropEncodable, error) { return xmlcodec.Text(token), nil },
	}
}

// pushGetters builds the DavPushExtension for a collection with a push
// topic, advertising the transports and triggers the fan-out supports.
func pushGetters(topic, pushResourcePath string) map[xml.Name]resource.PropGetter {
	return map[xml.Name]resource.PropGetter{
		nTopic: func(ctx context.Context) (xmlcodec.PropEncodable, error) { return xmlcodec.Text(topic), nil },
		nPushTransports: func(ctx context.Context) (xmlcodec.PropEncodable, error) {
			n := &xmlcodec.Nested{}
			transport := &xmlcodec.Nested{}
			transport.AddChild(xml.Name{Space: "https://bitfire.at/webdav-push", Local: "uri"}, xmlcodec.Text(pushResourcePath))
			n.AddChild(xml.Name{Space: "https://bitfire.at/webdav-push", Local: "web-push"}, transport)
			return n, nil
		},
		nSupportedTriggers: func(ctx context.Context) (xmlcodec.PropEncodable, error) {
			n := &xmlcodec.Nested{}
			n.AddChild(xml.Name{Space: "https://bitfire.at/webdav-push", Local: "object-create"}, xmlcodec.Empty{})
			n.AddChild(xml.Name{Space: "https://bitfire.at/webdav-push", Local: "object-update"}, xmlcodec.Empty{})
			n.AddChild(xml.Name{Space: "https://bitfire.at/webdav-push", Local: "object-delete"}, xmlcodec.Empty{})
			return n, nil
		},
	}
}

func mergeGetters(tables ...map[xml.Name]resource.PropGetter) map[xml.Name]resource.PropGetter {
	out := map[xml.Name]resource.PropGetter{}
	for _, t := range tables {
		for k, v := range t {
			out[k] = v
		}
	}
	return out
}

func propNamesOf(getters map[xml.Name]resource.PropGetter) []xml.Name {
	names := make([]xml.Name, 0, len(getters))
	for n := range getters {
		names = append(names, n)
	}
	return names
}
