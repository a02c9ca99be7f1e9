package xmlcodec

import "encoding/xml"

// Unparsed is the fallback sentinel for open-ended properties: it records an
// element's (namespace, local-name) without descending into its content.
// PROPPATCH bodies name arbitrary dead-properties this way.
type Unparsed struct {
	Name Name
}

// UnmarshalXMLElement captures the element's qualified name and discards its
// children.
func (u *Unparsed) UnmarshalXMLElement(dec *xml.Decoder, start xml.StartElement) error {
	u.Name = Name{Space: start.Name.Space, Local: start.Name.Local}
	return dec.Skip()
}
