// Package models provides data model definitions for memofeed.
package models

import (
	"encoding/json"
	"fmt"
)

// PayloadVersion is the schema version new mutation payloads are encoded
// with. Version history:
//
//	1: text, captured_at
//	2: adds title and tags
//
// Decoders accept every version up to PayloadVersion and fill fields a
// version does not carry with additive defaults. Unknown JSON fields are
// ignored, never rejected, so rows written by a newer build still decode.
const PayloadVersion = 2

type payloadV1 struct {
	Text       string `json:"text"`
	CapturedAt int64  `json:"captured_at"`
}

type payloadV2 struct {
	Title      string   `json:"title,omitempty"`
	Text       string   `json:"text"`
	Tags       []string `json:"tags,omitempty"`
	CapturedAt int64    `json:"captured_at"`
}

// EncodePayload serializes a draft at the current schema version.
func EncodePayload(draft MemoryDraft) (int, []byte, error) {
	data, err := json.Marshal(payloadV2{
		Title:      draft.Title,
		Text:       draft.Text,
		Tags:       draft.Tags,
		CapturedAt: draft.CapturedAt,
	})
	if err != nil {
		return 0, nil, fmt.Errorf("encode payload: %w", err)
	}
	return PayloadVersion, data, nil
}

// DecodePayload deserializes a payload written at the given schema version.
func DecodePayload(version int, data []byte) (MemoryDraft, error) {
	switch version {
	case 1:
		var p payloadV1
		if err := json.Unmarshal(data, &p); err != nil {
			return MemoryDraft{}, fmt.Errorf("decode v1 payload: %w", err)
		}
		return MemoryDraft{
			Text:       p.Text,
			CapturedAt: p.CapturedAt,
		}, nil
	case 2:
		var p payloadV2
		if err := json.Unmarshal(data, &p); err != nil {
			return MemoryDraft{}, fmt.Errorf("decode v2 payload: %w", err)
		}
		return MemoryDraft{
			Title:      p.Title,
			Text:       p.Text,
			Tags:       p.Tags,
			CapturedAt: p.CapturedAt,
		}, nil
	default:
		return MemoryDraft{}, fmt.Errorf("unsupported payload version %d", version)
	}
}
