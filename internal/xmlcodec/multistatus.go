package xmlcodec

import (
	"encoding/xml"
	"fmt"
	"io"
)

// DefaultNamespaces is the namespace prefix map fixed by the protocol:
// prefixes are internal bookkeeping only, clients may send any prefix they
// like since matching is always done on (namespace, local-name) pairs.
var DefaultNamespaces = []struct{ Prefix, URI string }{
	{"", "DAV:"},
	{"CAL", "urn:ietf:params:xml:ns:caldav"},
	{"CARD", "urn:ietf:params:xml:ns:carddav"},
	{"CS", "http://calendarserver.org/ns/"},
	{"PUSH", "https://bitfire.at/webdav-push"},
	{"IC", "http://apple.com/ns/ical/"},
}

// PropStat groups a set of property results sharing one HTTP status, the
// RFC 4918 <propstat> element.
type PropStat struct {
	Status int
	Props  []struct {
		Name  xml.Name
		Value PropEncodable
	}
}

// AddProp appends a (name, value) pair to this propstat group.
func (ps *PropStat) AddProp(name xml.Name, v PropEncodable) {
	ps.Props = append(ps.Props, struct {
		Name  xml.Name
		Value PropEncodable
	}{name, v})
}

// Response is one <response> element: a Href (or several, for COPY/MOVE
// style responses) plus grouped propstats, or a flat Status for responses
// that don't carry properties (e.g. a 404 sync-collection deletion entry).
type Response struct {
	Hrefs     []string
	PropStats []*PropStat
	Status    int // used when PropStats is empty
}

// NewResponse builds a Response for a single href.
func NewResponse(href string) *Response {
	return &Response{Hrefs: []string{href}}
}

// WithStatus sets a flat response status (no propstats) and returns r for
// chaining, e.g. xmlcodec.NewResponse(href).WithStatus(404).
func (r *Response) WithStatus(status int) *Response {
	r.Status = status
	return r
}

// PropStatFor returns the PropStat for the given status, creating it if this
// is the first property with that status for the response.
func (r *Response) PropStatFor(status int) *PropStat {
	for _, ps := range r.PropStats {
		if ps.Status == status {
			return ps
		}
	}
	ps := &PropStat{Status: status}
	r.PropStats = append(r.PropStats, ps)
	return ps
}

// MultiStatus is the RFC 4918 <multistatus> root element.
type MultiStatus struct {
	Responses []*Response
	SyncToken string // emitted at root when non-empty, for sync-collection
}

func statusLine(code int) string {
	return fmt.Sprintf("HTTP/1.1 %d %s", code, statusText(code))
}

func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 204:
		return "No Content"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 409:
		return "Conflict"
	case 412:
		return "Precondition Failed"
	case 422:
		return "Unprocessable Entity"
	case 424:
		return "Failed Dependency"
	case 507:
		return "Insufficient Storage"
	default:
		return "Status"
	}
}

// WriteMultiStatus serializes ms as a namespace-prefixed <multistatus>
// document to w.
func WriteMultiStatus(w io.Writer, ms *MultiStatus) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")

	root := xml.StartElement{Name: xml.Name{Space: "DAV:", Local: "multistatus"}}
	for _, ns := range DefaultNamespaces {
		if ns.Prefix == "" {
			root.Attr = append(root.Attr, xml.Attr{Name: xml.Name{Local: "xmlns"}, Value: ns.URI})
			continue
		}
		root.Attr = append(root.Attr, xml.Attr{Name: xml.Name{Local: "xmlns:" + ns.Prefix}, Value: ns.URI})
	}
	if err := enc.EncodeToken(root); err != nil {
		return err
	}

	for _, r := range ms.Responses {
		if err := encodeResponse(enc, r); err != nil {
			return err
		}
	}

	if ms.SyncToken != "" {
		if err := enc.EncodeElement(ms.SyncToken, xml.StartElement{Name: xml.Name{Space: "DAV:", Local: "sync-token"}}); err != nil {
			return err
		}
	}

	if err := enc.EncodeToken(root.End()); err != nil {
		return err
	}
	return enc.Flush()
}

func encodeResponse(enc *xml.Encoder, r *Response) error {
	respStart := xml.StartElement{Name: xml.Name{Space: "DAV:", Local: "response"}}
	if err := enc.EncodeToken(respStart); err != nil {
		return err
	}
	for _, href := range r.Hrefs {
		if err := enc.EncodeElement(href, xml.StartElement{Name: xml.Name{Space: "DAV:", Local: "href"}}); err != nil {
			return err
		}
	}

	if len(r.PropStats) == 0 {
		status := r.Status
		if status == 0 {
			status = 200
		}
		if err := enc.EncodeElement(statusLine(status), xml.StartElement{Name: xml.Name{Space: "DAV:", Local: "status"}}); err != nil {
			return err
		}
		return enc.EncodeToken(respStart.End())
	}

	for _, ps := range r.PropStats {
		psStart := xml.StartElement{Name: xml.Name{Space: "DAV:", Local: "propstat"}}
		if err := enc.EncodeToken(psStart); err != nil {
			return err
		}
		propStart := xml.StartElement{Name: xml.Name{Space: "DAV:", Local: "prop"}}
		if err := enc.EncodeToken(propStart); err != nil {
			return err
		}
		for _, p := range ps.Props {
			if err := p.Value.EncodeProp(enc, p.Name); err != nil {
				return err
			}
		}
		if err := enc.EncodeToken(propStart.End()); err != nil {
			return err
		}
		if err := enc.EncodeElement(statusLine(ps.Status), xml.StartElement{Name: xml.Name{Space: "DAV:", Local: "status"}}); err != nil {
			return err
		}
		if err := enc.EncodeToken(psStart.End()); err != nil {
			return err
		}
	}
	return enc.EncodeToken(respStart.End())
}
