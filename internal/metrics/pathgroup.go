package metrics

import (
	"regexp"
	"strings"
)

// Path grouping collapses high-cardinality URL segments into stable
// placeholders so endpoint labels stay bounded no matter how many distinct
// resource ids are requested.
var (
	uuidSegment  = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	digitSegment = regexp.MustCompile(`^[0-9]+$`)
	tokenSegment = regexp.MustCompile(`^[a-zA-Z0-9_-]{20,}$`)
)

// NormalizePath rewrites a raw request path into a low-cardinality endpoint
// label. Each path segment is considered independently; the first matching
// rule wins for a segment and later rules do not reconsider it:
//
//  1. canonical UUID segments become {id}
//  2. all-decimal segments become {id}
//  3. alphanumeric/underscore/hyphen segments of 20+ characters become {token}
//
// Paths with no matching segment are returned unchanged.
func NormalizePath(path string) string {
	if path == "" || !strings.Contains(path, "/") {
		return path
	}

	segments := strings.Split(path, "/")
	changed := false
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		switch {
		case uuidSegment.MatchString(seg):
			segments[i] = "{id}"
			changed = true
		case digitSegment.MatchString(seg):
			segments[i] = "{id}"
			changed = true
		case tokenSegment.MatchString(seg):
			segments[i] = "{token}"
			changed = true
		}
	}

	if !changed {
		return path
	}
	return strings.Join(segments, "/")
}
