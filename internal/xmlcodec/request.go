package xmlcodec

import (
	"encoding/xml"
	"io"
)

// PropContainer captures a <prop> element's children as a property-name
// enumeration: just the (namespace, local-name) pairs, independent of any
// per-name value computation. This is what PROPFIND dispatch and
// PROPPATCH's <remove> operate on.
type PropContainer struct {
	XMLName xml.Name   `xml:"DAV: prop"`
	Any     []xml.Name `xml:",any"`
}

// Names returns the requested properties as codec Names.
func (p PropContainer) Names() []Name {
	out := make([]Name, 0, len(p.Any))
	for _, n := range p.Any {
		out = append(out, Name{Space: n.Space, Local: n.Local})
	}
	return out
}

// PropfindRequest models <propfind> with exactly one of allprop/propname/prop.
type PropfindRequest struct {
	XMLName  xml.Name       `xml:"DAV: propfind"`
	AllProp  *struct{}      `xml:"DAV: allprop"`
	PropName *struct{}      `xml:"DAV: propname"`
	Prop     *PropContainer `xml:"DAV: prop"`
}

// PropfindKind enumerates the three PROPFIND body shapes.
type PropfindKind int

const (
	PropfindAllProp PropfindKind = iota
	PropfindPropName
	PropfindProp
)

// Kind classifies the parsed request; an empty body is treated as allprop.
func (r *PropfindRequest) Kind() PropfindKind {
	switch {
	case r.PropName != nil:
		return PropfindPropName
	case r.Prop != nil:
		return PropfindProp
	default:
		return PropfindAllProp
	}
}

// ParsePropfind decodes a PROPFIND request body. An empty body (no bytes, or
// EOF on first token) is treated as <allprop/> per RFC 4918.
func ParsePropfind(r io.Reader) (*PropfindRequest, error) {
	dec := xml.NewDecoder(r)
	var req PropfindRequest
	if err := dec.Decode(&req); err != nil {
		if err == io.EOF {
			return &PropfindRequest{}, nil
		}
		return nil, &ErrUnsupportedEvent{Detail: err.Error()}
	}
	return &req, nil
}

// SetOp is one <set> operation inside a <propertyupdate>.
type SetOp struct {
	XMLName xml.Name `xml:"DAV: set"`
	Prop    RawProp  `xml:"DAV: prop"`
}

// RemoveOp is one <remove> operation; only the property names matter.
type RemoveOp struct {
	XMLName xml.Name      `xml:"DAV: remove"`
	Prop    PropContainer `xml:"DAV: prop"`
}

// RawProp captures a <prop> element's children as raw XML for later
// per-property value parsing (distinct from PropContainer, which discards
// content and keeps only names).
type RawProp struct {
	Inner []RawElement `xml:",any"`
}

// RawElement is one child of a <prop> element with its name and raw
// serialized content preserved, enabling set's per-property apply loop.
type RawElement struct {
	XMLName  xml.Name
	InnerXML string `xml:",innerxml"`
}

// PropertyUpdate models <propertyupdate> as an ordered sequence of set/remove
// operations; order must be preserved since PROPPATCH applies them in order.
type PropertyUpdate struct {
	XMLName xml.Name `xml:"DAV: propertyupdate"`
	Ops     []PropUpdateOp
}

// PropUpdateOp is either a SetOp or a RemoveOp, decoded manually since
// encoding/xml cannot express "ordered union of element kinds" declaratively
// — this is the codec's untagged-enum contract applied to propertyupdate.
type PropUpdateOp struct {
	Set    *SetOp
	Remove *RemoveOp
}

// UnmarshalXML implements a manual ordered decode of <set>/<remove> children,
// since PROPPATCH's all-or-nothing semantics depend on processing order.
func (pu *PropertyUpdate) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "set":
				var s SetOp
				if err := dec.DecodeElement(&s, &t); err != nil {
					return err
				}
				pu.Ops = append(pu.Ops, PropUpdateOp{Set: &s})
			case "remove":
				var r RemoveOp
				if err := dec.DecodeElement(&r, &t); err != nil {
					return err
				}
				pu.Ops = append(pu.Ops, PropUpdateOp{Remove: &r})
			default:
				if err := dec.Skip(); err != nil {
					return err
				}
			}
		case xml.EndElement:
			if t.Name == start.Name {
				return nil
			}
		}
	}
}

// ParsePropertyUpdate decodes a PROPPATCH request body.
func ParsePropertyUpdate(r io.Reader) (*PropertyUpdate, error) {
	dec := xml.NewDecoder(r)
	var pu PropertyUpdate
	if err := dec.Decode(&pu); err != nil {
		return nil, &ErrUnsupportedEvent{Detail: err.Error()}
	}
	return &pu, nil
}
