package xmlcodec

import "encoding/xml"

// PropEncodable is the serialization half of the codec's property
// abstraction: a value that knows how to render itself under a caller-chosen
// element name. Property *dispatch* (which names exist on a resource) lives
// one layer up, in the resource package's property-name sets; this interface
// only covers "given a value, emit it" so the same Go type can be reused
// under different tag names (e.g. a Href value used for both <owner> and
// <current-user-principal>).
type PropEncodable interface {
	EncodeProp(enc *xml.Encoder, name xml.Name) error
}

// Text is a leaf scalar property, rendered as <name>value</name>.
type Text string

func (t Text) EncodeProp(enc *xml.Encoder, name xml.Name) error {
	return enc.EncodeElement(string(t), xml.StartElement{Name: name})
}

// Empty is a presence-only marker property such as <collection/> inside a
// <resourcetype>.
type Empty struct{ Name xml.Name }

func (e Empty) EncodeProp(enc *xml.Encoder, name xml.Name) error {
	start := xml.StartElement{Name: name}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	return enc.EncodeToken(start.End())
}

// Href renders <href>value</href>, the universal WebDAV URL-reference shape.
type Href string

func (h Href) EncodeProp(enc *xml.Encoder, name xml.Name) error {
	if err := enc.EncodeToken(xml.StartElement{Name: name}); err != nil {
		return err
	}
	if err := enc.EncodeElement(string(h), xml.StartElement{Name: xml.Name{Local: "href"}}); err != nil {
		return err
	}
	return enc.EncodeToken(xml.EndElement{Name: name})
}

// Hrefs renders a flattened sequence of <href> children under name.
type Hrefs []string

func (hs Hrefs) EncodeProp(enc *xml.Encoder, name xml.Name) error {
	if err := enc.EncodeToken(xml.StartElement{Name: name}); err != nil {
		return err
	}
	for _, h := range hs {
		if err := enc.EncodeElement(h, xml.StartElement{Name: xml.Name{Local: "href"}}); err != nil {
			return err
		}
	}
	return enc.EncodeToken(xml.EndElement{Name: name})
}

// Nested wraps a set of already-named PropEncodable children under a single
// outer element, e.g. <resourcetype><collection/><C:calendar/></resourcetype>.
type Nested struct {
	Children []struct {
		Name  xml.Name
		Value PropEncodable
	}
}

// AddChild appends a named child to a Nested value.
func (n *Nested) AddChild(name xml.Name, v PropEncodable) {
	n.Children = append(n.Children, struct {
		Name  xml.Name
		Value PropEncodable
	}{name, v})
}

func (n Nested) EncodeProp(enc *xml.Encoder, name xml.Name) error {
	if err := enc.EncodeToken(xml.StartElement{Name: name}); err != nil {
		return err
	}
	for _, c := range n.Children {
		if err := c.Value.EncodeProp(enc, c.Name); err != nil {
			return err
		}
	}
	return enc.EncodeToken(xml.EndElement{Name: name})
}

// Raw passes caller-built XML tokens through verbatim, used for property
// values that need attributes the other helpers don't model (e.g.
// supported-calendar-data's content-type attribute).
type Raw struct {
	Attrs    []xml.Attr
	Children []PropEncodable
	Names    []xml.Name // parallel to Children
	Text     string
}

func (r Raw) EncodeProp(enc *xml.Encoder, name xml.Name) error {
	start := xml.StartElement{Name: name, Attr: r.Attrs}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if r.Text != "" {
		if err := enc.EncodeToken(xml.CharData(r.Text)); err != nil {
			return err
		}
	}
	for i, c := range r.Children {
		if err := c.EncodeProp(enc, r.Names[i]); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}
