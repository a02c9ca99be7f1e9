package dav

import "strings"

// Route classifies a request path under the DAV base path into one of the
// shapes the server answers: principal collection, calendar/addressbook
// collection, or an object inside one.
type Route struct {
	Service   string // "caldav" | "carddav" | "principal" | ""
	Principal string
	CollID    string
	ObjectID  string // without .ics/.vcf suffix
	IsObject  bool
}

// ParsePath splits a request path (already stripped of the server's base
// path) into a Route. Recognized shapes:
//
//	/principals/{principal}/
//	/calendars/{principal}/{calID}/
//	/calendars/{principal}/{calID}/{objectID}.ics
//	/addressbooks/{principal}/{abID}/
//	/addressbooks/{principal}/{abID}/{objectID}.vcf
func ParsePath(path string) Route {
	segs := splitSegments(path)
	if len(segs) == 0 {
		return Route{}
	}
	switch segs[0] {
	case "principals":
		r := Route{Service: "principal"}
		if len(segs) > 1 {
			r.Principal = segs[1]
		}
		return r
	case "calendars":
		r := Route{Service: "caldav"}
		if len(segs) > 1 {
			r.Principal = segs[1]
		}
		if len(segs) > 2 {
			r.CollID = segs[2]
		}
		if len(segs) > 3 {
			r.ObjectID = strings.TrimSuffix(segs[3], ".ics")
			r.IsObject = true
		}
		return r
	case "addressbooks":
		r := Route{Service: "carddav"}
		if len(segs) > 1 {
			r.Principal = segs[1]
		}
		if len(segs) > 2 {
			r.CollID = segs[2]
		}
		if len(segs) > 3 {
			r.ObjectID = strings.TrimSuffix(segs[3], ".vcf")
			r.IsObject = true
		}
		return r
	default:
		return Route{}
	}
}

func splitSegments(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// PrincipalPath returns the canonical principal collection path.
func PrincipalPath(id string) string { return "/principals/" + id + "/" }

// CalendarPath returns the canonical calendar collection path.
func CalendarPath(principal, calID string) string {
	return "/calendars/" + principal + "/" + calID + "/"
}

// AddressbookPath returns the canonical addressbook collection path.
func AddressbookPath(principal, abID string) string {
	return "/addressbooks/" + principal + "/" + abID + "/"
}

// CalendarHomePath returns the calendar-home-set path for a principal.
func CalendarHomePath(principal string) string { return "/calendars/" + principal + "/" }

// AddressbookHomePath returns the addressbook-home-set path for a principal.
func AddressbookHomePath(principal string) string { return "/addressbooks/" + principal + "/" }
