// Package models provides data model definitions for memofeed.
package models

import "time"

// Memory represents a confirmed record as served by the remote feed.
// CapturedAt is the feed ordering key; UpdatedAt breaks recency ties when
// the same record arrives on more than one path.
type Memory struct {
	ID         string   `db:"id" json:"id"`
	Title      string   `db:"title" json:"title"`
	Snippet    string   `db:"snippet" json:"snippet"`
	Text       string   `db:"text" json:"text"`
	Tags       []string `db:"-" json:"tags"`
	CapturedAt int64    `db:"captured_at" json:"captured_at"`
	UpdatedAt  int64    `db:"updated_at" json:"updated_at"`
}

// CapturedAtTime returns CapturedAt as time.Time.
func (m *Memory) CapturedAtTime() time.Time {
	return time.Unix(m.CapturedAt, 0)
}

// Year returns the grouping bucket the memory belongs to.
func (m *Memory) Year() int {
	return m.CapturedAtTime().UTC().Year()
}

// MemoryDraft holds the editable fields of a memory as captured by the
// user. Drafts are what mutation payloads snapshot; everything else on a
// Memory is derived or assigned by the remote service.
type MemoryDraft struct {
	Title      string   `json:"title,omitempty"`
	Text       string   `json:"text"`
	Tags       []string `json:"tags,omitempty"`
	CapturedAt int64    `json:"captured_at"`
}

// Cursor is the keyset pagination token: position of the last entry of the
// previous page in (captured_at, id) order. The zero value means "first
// page".
type Cursor struct {
	CapturedAt int64  `json:"captured_at"`
	ID         string `json:"id"`
}

// IsZero reports whether the cursor denotes the first page.
func (c Cursor) IsZero() bool {
	return c.CapturedAt == 0 && c.ID == ""
}
