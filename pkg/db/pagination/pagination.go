package pagination

import (
	"encoding/base64"
	"encoding/json"
)

// Cursor marks a position in a created_at-ordered listing. Encoded cursors
// are opaque to callers, so a listing can be resumed without the caller
// knowing the ordering columns.
type Cursor struct {
	CreatedAt string `json:"created_at,omitempty"`
	ID        string `json:"id,omitempty"`
}

type PageInfo struct {
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

func EncodeCursor(data Cursor) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(b), nil
}

func DecodeCursor(data string) (*Cursor, error) {
	b, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}

	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return nil, err
	}

	return &cursor, nil
}

// Trim cuts an over-fetched page (limit+1 rows) down to limit and reports
// whether more rows remain, encoding the cursor of the last returned row.
func Trim[T any](data []*T, limit int, extract func(*T) Cursor) ([]*T, *PageInfo, error) {
	if len(data) <= limit {
		return data, &PageInfo{HasMore: false}, nil
	}

	data = data[:limit]

	next, err := EncodeCursor(extract(data[len(data)-1]))
	if err != nil {
		return nil, nil, err
	}

	return data, &PageInfo{HasMore: true, NextCursor: next}, nil
}
