package feed

import (
	"sort"

	"github.com/kimhsiao/memofeed/internal/models"
	"github.com/kimhsiao/memofeed/internal/preview"
)

// EntryKind classifies where a feed entry's truth currently lives.
type EntryKind string

const (
	// KindRemote is a confirmed record served (or cached) from the remote
	// store.
	KindRemote EntryKind = "remote"

	// KindQueued is backed by an unresolved local mutation.
	KindQueued EntryKind = "queued"

	// KindPreview is a placeholder from the preview cache, shown when
	// offline and the full detail is not locally available.
	KindPreview EntryKind = "preview"
)

// Valid reports whether the kind is one of the known values.
func (k EntryKind) Valid() bool {
	switch k {
	case KindRemote, KindQueued, KindPreview:
		return true
	}
	return false
}

// Entry is one item of the unified feed.
type Entry struct {
	// ID is the display identity: the remote id, the local id, or the
	// cache key, whichever the entry is known by.
	ID       string    `json:"id"`
	Kind     EntryKind `json:"kind"`
	RemoteID string    `json:"remote_id,omitempty"`
	LocalID  string    `json:"local_id,omitempty"`

	Title      string   `json:"title,omitempty"`
	Snippet    string   `json:"snippet,omitempty"`
	Text       string   `json:"text,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	CapturedAt int64    `json:"captured_at"`
	UpdatedAt  int64    `json:"updated_at,omitempty"`

	// HasDetail is true when the full text is available locally.
	HasDetail bool `json:"has_detail"`

	// Queue bookkeeping, set on queued entries only.
	Status     models.MutationStatus `json:"status,omitempty"`
	RetryCount int                   `json:"retry_count,omitempty"`
	SyncError  string                `json:"sync_error,omitempty"`
}

// CanonicalKey returns the identity entries deduplicate on: the remote id
// when present, else the local id, else the raw id.
func CanonicalKey(e Entry) string {
	if e.RemoteID != "" {
		return e.RemoteID
	}
	if e.LocalID != "" {
		return e.LocalID
	}
	return e.ID
}

// rank is the dedup precedence of an entry; higher wins.
func rank(e Entry) int {
	switch e.Kind {
	case KindRemote:
		return 3
	case KindQueued:
		if e.HasDetail {
			return 2
		}
		return 1
	default:
		return 0
	}
}

// wins reports whether candidate displaces incumbent for the same
// canonical key. Equal ranks fall to recency: remote twins compare by
// updatedAt, and only when that cannot decide does the more recently
// fetched one (the candidate) win.
func wins(candidate, incumbent Entry) bool {
	cr, ir := rank(candidate), rank(incumbent)
	if cr != ir {
		return cr > ir
	}
	if candidate.Kind == KindRemote && incumbent.Kind == KindRemote &&
		candidate.UpdatedAt != incumbent.UpdatedAt {
		return candidate.UpdatedAt > incumbent.UpdatedAt
	}
	return true
}

// mergeEntries collapses duplicates by canonical key, keeping each key's
// first position and letting later, higher-precedence arrivals replace the
// value in place.
func mergeEntries(entries []Entry) []Entry {
	index := make(map[string]int, len(entries))
	out := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		key := CanonicalKey(entry)
		at, seen := index[key]
		if !seen {
			index[key] = len(out)
			out = append(out, entry)
			continue
		}
		if wins(entry, out[at]) {
			out[at] = entry
		}
	}
	return out
}

// sortEntries orders by capturedAt descending with id descending as the
// stable tie.
func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].CapturedAt != entries[j].CapturedAt {
			return entries[i].CapturedAt > entries[j].CapturedAt
		}
		return entries[i].ID > entries[j].ID
	})
}

// remoteEntry converts a record from the remote store (or its cached copy).
func remoteEntry(m *models.Memory) Entry {
	return Entry{
		ID:         m.ID,
		Kind:       KindRemote,
		RemoteID:   m.ID,
		Title:      m.Title,
		Snippet:    m.Snippet,
		Text:       m.Text,
		Tags:       m.Tags,
		CapturedAt: m.CapturedAt,
		UpdatedAt:  m.UpdatedAt,
		HasDetail:  m.Text != "",
	}
}

// remoteFromDraft builds a remote-backed entry from the payload just
// pushed, for when the confirming fetch cannot be completed.
func remoteFromDraft(remoteID string, draft models.MemoryDraft) Entry {
	title, snippet := preview.Derive(draft.Title, draft.Text)
	return Entry{
		ID:         remoteID,
		Kind:       KindRemote,
		RemoteID:   remoteID,
		Title:      title,
		Snippet:    snippet,
		Text:       draft.Text,
		Tags:       draft.Tags,
		CapturedAt: draft.CapturedAt,
		HasDetail:  draft.Text != "",
	}
}

// queuedEntry converts an unresolved mutation row. Update mutations carry
// their target remote id, so they deduplicate against the record they
// amend.
func queuedEntry(m *models.QueuedMutation) (Entry, error) {
	draft, err := models.DecodePayload(m.Version, m.Payload)
	if err != nil {
		return Entry{}, err
	}
	title, snippet := preview.Derive(draft.Title, draft.Text)
	return Entry{
		ID:         m.LocalID,
		Kind:       KindQueued,
		RemoteID:   m.TargetRemoteID,
		LocalID:    m.LocalID,
		Title:      title,
		Snippet:    snippet,
		Text:       draft.Text,
		Tags:       draft.Tags,
		CapturedAt: draft.CapturedAt,
		HasDetail:  draft.Text != "",
		Status:     m.Status,
		RetryCount: m.RetryCount,
		SyncError:  m.ErrorMessage,
	}, nil
}

// previewEntry converts a cached preview into a placeholder entry.
func previewEntry(m *models.Memory) Entry {
	return Entry{
		ID:         m.ID,
		Kind:       KindPreview,
		Title:      m.Title,
		Snippet:    m.Snippet,
		Tags:       m.Tags,
		CapturedAt: m.CapturedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}
