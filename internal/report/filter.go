// Package report implements the REPORT engine (§4.F): calendar-query,
// calendar-multiget, addressbook-query, addressbook-multiget and
// sync-collection, plus the comp-filter/prop-filter/param-filter matching
// grammar shared by the query reports.
package report

import (
	"encoding/xml"
	"strings"
	"time"

	goical "github.com/emersion/go-ical"

	"github.com/dav-engine/server/internal/xmlcodec"
	"github.com/dav-engine/server/pkg/ical"
)

// unboundedRangeStart/End stand in for a time-range side CalDAV left open;
// wide enough to never clip a real RRULE expansion.
var (
	unboundedRangeStart = time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)
	unboundedRangeEnd   = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
)

// Reduction selects OR (anyof, the default) or AND (allof). On a Filter it
// combines the root's prop-filters in addressbook-query; on a PropFilter it
// combines the results of the instances of the named property.
type Reduction int

const (
	ReductionAnyOf Reduction = iota
	ReductionAllOf
)

// TimeRange bounds a property or component to [Start, End]; a zero Start or
// End means unbounded on that side.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

func (tr TimeRange) contains(t time.Time) bool {
	if !tr.Start.IsZero() && t.Before(tr.Start) {
		return false
	}
	if !tr.End.IsZero() && t.After(tr.End) {
		return false
	}
	return true
}

// Collation names a text-match comparison.
type Collation string

const (
	CollationASCIICasemap Collation = "i;ascii-casemap"
	CollationOctet        Collation = "i;octet"
)

// TextMatch is a single CALDAV/CARDDAV text-match constraint.
type TextMatch struct {
	Collation Collation
	Negate    bool
	Needle    string
}

// Match reports whether haystack satisfies the text-match constraint,
// already accounting for NegateCondition.
func (tm TextMatch) Match(haystack string) (bool, error) {
	var found bool
	switch tm.Collation {
	case CollationASCIICasemap, "":
		found = strings.Contains(asciiLower(haystack), asciiLower(tm.Needle))
	case CollationOctet:
		found = strings.Contains(haystack, tm.Needle)
	default:
		return false, &xmlcodec.ErrInvalidVariant{Detail: "unknown collation " + string(tm.Collation)}
	}
	if tm.Negate {
		return !found, nil
	}
	return found, nil
}

// asciiLower lowercases only ASCII letters; bytes above 0x7F are compared
// verbatim, matching i;ascii-casemap's defined scope.
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// ParamFilter constrains one parameter of a matched property.
type ParamFilter struct {
	Name         string
	IsNotDefined bool
	TextMatch    *TextMatch
}

// PropFilter constrains one property of a matched component.
type PropFilter struct {
	Name         string
	IsNotDefined bool
	TimeRange    *TimeRange
	TextMatch    *TextMatch
	Reduction    Reduction
	Params       []ParamFilter
}

// CompFilter constrains one component, recursively.
type CompFilter struct {
	Name         string
	IsNotDefined bool
	TimeRange    *TimeRange
	Props        []PropFilter
	Comps        []CompFilter
}

// Filter is the root of a calendar-query/addressbook-query filter tree.
type Filter struct {
	Reduction Reduction
	Root      CompFilter
}

// --- XML decode ---

type xmlTimeRange struct {
	Start string `xml:"start,attr"`
	End   string `xml:"end,attr"`
}

func (tr xmlTimeRange) toTimeRange() (*TimeRange, error) {
	out := &TimeRange{}
	if tr.Start != "" {
		t, err := parseCalDateTime(tr.Start)
		if err != nil {
			return nil, err
		}
		out.Start = t
	}
	if tr.End != "" {
		t, err := parseCalDateTime(tr.End)
		if err != nil {
			return nil, err
		}
		out.End = t
	}
	return out, nil
}

func parseCalDateTime(s string) (time.Time, error) {
	if t, err := time.Parse("20060102T150405Z", s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("20060102T150405", s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("20060102", s); err == nil {
		return t, nil
	}
	return time.Time{}, &xmlcodec.ErrInvalidValue{Value: s, Cause: xmlErrBadDateTime}
}

var xmlErrBadDateTime = &xmlcodec.ErrInvalidVariant{Detail: "malformed CAL-DATE-TIME"}

type xmlTextMatch struct {
	Collation       string `xml:"collation,attr"`
	NegateCondition string `xml:"negate-condition,attr"`
	Value           string `xml:",chardata"`
}

func (tm xmlTextMatch) toTextMatch() TextMatch {
	coll := Collation(tm.Collation)
	if coll == "" {
		coll = CollationASCIICasemap
	}
	return TextMatch{
		Collation: coll,
		Negate:    tm.NegateCondition == "yes",
		Needle:    tm.Value,
	}
}

type xmlParamFilter struct {
	Name         string        `xml:"name,attr"`
	IsNotDefined *struct{}     `xml:"is-not-defined"`
	TextMatch    *xmlTextMatch `xml:"text-match"`
}

type xmlPropFilter struct {
	Name         string           `xml:"name,attr"`
	Test         string           `xml:"test,attr"`
	IsNotDefined *struct{}        `xml:"is-not-defined"`
	TimeRange    *xmlTimeRange    `xml:"time-range"`
	TextMatch    *xmlTextMatch    `xml:"text-match"`
	ParamFilter  []xmlParamFilter `xml:"param-filter"`
}

type xmlCompFilter struct {
	Name         string          `xml:"name,attr"`
	IsNotDefined *struct{}       `xml:"is-not-defined"`
	TimeRange    *xmlTimeRange   `xml:"time-range"`
	PropFilter   []xmlPropFilter `xml:"prop-filter"`
	CompFilter   []xmlCompFilter `xml:"comp-filter"`
}

type xmlFilter struct {
	XMLName    xml.Name      `xml:"filter"`
	Test       string        `xml:"test,attr"`
	CompFilter xmlCompFilter `xml:"comp-filter"`
}

func reductionOf(test string) (Reduction, error) {
	switch test {
	case "", "anyof":
		return ReductionAnyOf, nil
	case "allof":
		return ReductionAllOf, nil
	default:
		return 0, &xmlcodec.ErrInvalidVariant{Detail: "unknown test " + test}
	}
}

func (f xmlCompFilter) toCompFilter() (CompFilter, error) {
	out := CompFilter{Name: f.Name, IsNotDefined: f.IsNotDefined != nil}
	if f.TimeRange != nil {
		tr, err := f.TimeRange.toTimeRange()
		if err != nil {
			return CompFilter{}, err
		}
		out.TimeRange = tr
	}
	for _, pf := range f.PropFilter {
		p, err := pf.toPropFilter()
		if err != nil {
			return CompFilter{}, err
		}
		out.Props = append(out.Props, p)
	}
	for _, cf := range f.CompFilter {
		c, err := cf.toCompFilter()
		if err != nil {
			return CompFilter{}, err
		}
		out.Comps = append(out.Comps, c)
	}
	return out, nil
}

func (pf xmlPropFilter) toPropFilter() (PropFilter, error) {
	red, err := reductionOf(pf.Test)
	if err != nil {
		return PropFilter{}, err
	}
	out := PropFilter{Name: pf.Name, IsNotDefined: pf.IsNotDefined != nil, Reduction: red}
	if pf.TimeRange != nil {
		tr, err := pf.TimeRange.toTimeRange()
		if err != nil {
			return PropFilter{}, err
		}
		out.TimeRange = tr
	}
	if pf.TextMatch != nil {
		tm := pf.TextMatch.toTextMatch()
		out.TextMatch = &tm
	}
	for _, p := range pf.ParamFilter {
		param := ParamFilter{Name: p.Name, IsNotDefined: p.IsNotDefined != nil}
		if p.TextMatch != nil {
			tm := p.TextMatch.toTextMatch()
			param.TextMatch = &tm
		}
		out.Params = append(out.Params, param)
	}
	return out, nil
}

// ParseFilter decodes a <filter> element (the payload of calendar-query /
// addressbook-query) from its raw inner XML.
func ParseFilter(raw string) (*Filter, error) {
	var xf xmlFilter
	if err := xml.Unmarshal([]byte("<filter>"+raw+"</filter>"), &xf); err != nil {
		return nil, &xmlcodec.ErrUnsupportedEvent{Detail: err.Error()}
	}
	red, err := reductionOf(xf.Test)
	if err != nil {
		return nil, err
	}
	root, err := xf.CompFilter.toCompFilter()
	if err != nil {
		return nil, err
	}
	return &Filter{Reduction: red, Root: root}, nil
}

// MatchCalendar reports whether a parsed VCALENDAR satisfies f's root
// comp-filter (conventionally named VCALENDAR).
func MatchCalendar(cal *goical.Calendar, f *Filter) (bool, error) {
	return matchComponent(cal.Component, f.Root)
}

func matchComponent(comp *goical.Component, cf CompFilter) (bool, error) {
	nameMatches := strings.EqualFold(comp.Name, cf.Name)
	if cf.IsNotDefined {
		return !nameMatches, nil
	}
	if !nameMatches {
		return false, nil
	}
	if cf.TimeRange != nil {
		ok, err := matchComponentTimeRange(comp, *cf.TimeRange)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	for _, pf := range cf.Props {
		ok, err := matchPropFilter(comp, pf)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	for _, sub := range cf.Comps {
		ok, err := matchSubComponents(comp, sub)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// matchSubComponents applies sub against every child component named
// sub.Name (or, for is-not-defined, succeeds iff none exist).
func matchSubComponents(parent *goical.Component, sub CompFilter) (bool, error) {
	var children []*goical.Component
	for _, child := range parent.Children {
		if strings.EqualFold(child.Name, sub.Name) {
			children = append(children, child)
		}
	}
	if sub.IsNotDefined {
		return len(children) == 0, nil
	}
	if len(children) == 0 {
		return false, nil
	}
	for _, child := range children {
		ok, err := matchComponent(child, sub)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func matchComponentTimeRange(comp *goical.Component, tr TimeRange) (bool, error) {
	if comp.Props.Get("RRULE") != nil || len(comp.Props.Values("RDATE")) > 0 {
		rangeStart, rangeEnd := tr.Start, tr.End
		if rangeStart.IsZero() {
			rangeStart = unboundedRangeStart
		}
		if rangeEnd.IsZero() {
			rangeEnd = unboundedRangeEnd
		}
		if ok, err := ical.HasOccurrenceInRange(comp, rangeStart, rangeEnd); err == nil {
			return ok, nil
		}
		// Fall through to the master-only check if the expander can't
		// parse this component (e.g. a VTODO with no DTSTART).
	}
	start := propTime(comp, "DTSTART")
	end := propTime(comp, "DTEND")
	if end.IsZero() {
		end = start
	}
	if start.IsZero() {
		return false, nil
	}
	if !tr.Start.IsZero() && !end.IsZero() && end.Before(tr.Start) {
		return false, nil
	}
	if !tr.End.IsZero() && start.After(tr.End) {
		return false, nil
	}
	return true, nil
}

func propTime(comp *goical.Component, name string) time.Time {
	prop := comp.Props.Get(name)
	if prop == nil {
		return time.Time{}
	}
	t, err := prop.DateTime(time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

func matchPropFilter(comp *goical.Component, pf PropFilter) (bool, error) {
	props := comp.Props[pf.Name]
	if pf.IsNotDefined {
		return len(props) == 0, nil
	}
	if len(props) == 0 {
		return false, nil
	}
	results := make([]bool, 0, len(props))
	for _, p := range props {
		ok, err := matchOneProp(p, pf)
		if err != nil {
			return false, err
		}
		results = append(results, ok)
	}
	return reduce(results, pf.Reduction), nil
}

func matchOneProp(p goical.Prop, pf PropFilter) (bool, error) {
	if pf.TimeRange != nil {
		t, err := p.DateTime(time.UTC)
		if err != nil || !pf.TimeRange.contains(t) {
			return false, nil
		}
	}
	if pf.TextMatch != nil {
		ok, err := pf.TextMatch.Match(p.Value)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	for _, param := range pf.Params {
		ok, err := matchParamFilter(p, param)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchParamFilter(p goical.Prop, param ParamFilter) (bool, error) {
	val := p.Params.Get(param.Name)
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

func reduce(results []bool, red Reduction) bool {
	if len(results) == 0 {
		return false
	}
	if red == ReductionAllOf {
		for _, r := range results {
			if !r {
				return false
			}
		}
		return true
	}
	for _, r := range results {
		if r {
			return true
		}
	}
	return false
}
