package feed

import "time"

// Filters narrow the feed to one grouping bucket and/or one tag. The zero
// value means no filtering.
type Filters struct {
	Year int    `json:"year,omitempty"`
	Tag  string `json:"tag,omitempty"`
}

// IsZero reports whether no filter is active.
func (f Filters) IsZero() bool {
	return f.Year == 0 && f.Tag == ""
}

// match is the local predicate applied to offline pages and queued
// entries; the remote store applies the same filter server-side. Year
// buckets use UTC so local and remote agree.
func (f Filters) match(e Entry) bool {
	if f.Year != 0 && time.Unix(e.CapturedAt, 0).UTC().Year() != f.Year {
		return false
	}
	if f.Tag != "" {
		found := false
		for _, tag := range e.Tags {
			if tag == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
