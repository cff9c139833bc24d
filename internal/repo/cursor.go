package repo

import (
	"encoding/base64"
	"encoding/json"
)

// PageCursor is the keyset position of the last row on a page. It is
// opaque on the wire: base64url-encoded JSON.
type PageCursor struct {
	LastUpdatedAt string `json:"l"`
	UpdatedAt     string `json:"u"`
	CreatedAt     string `json:"c"`
	CaseID        string `json:"id"`
}

// Zero reports whether the cursor points at the first page.
func (c PageCursor) Zero() bool {
	return c.CaseID == ""
}

// EncodeCursor renders a cursor for the wire.
func EncodeCursor(c PageCursor) string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor reads a wire cursor. Anything malformed decodes to the
// zero cursor: a bad token restarts from the first page, it is never
// an error.
func DecodeCursor(v string) PageCursor {
	if v == "" {
		return PageCursor{}
	}
	raw, err := base64.RawURLEncoding.DecodeString(v)
	if err != nil {
		if raw, err = base64.URLEncoding.DecodeString(v); err != nil {
			return PageCursor{}
		}
	}
	var c PageCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return PageCursor{}
	}
	if c.LastUpdatedAt == "" || c.CaseID == "" {
		return PageCursor{}
	}
	return c
}
