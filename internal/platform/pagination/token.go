package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AfterID resumes a listing ordered by document ID.
func AfterID(id string) Cursor {
	return Cursor{AfterID: id}
}

// AfterTimeID resumes a listing ordered by (timestamp, document ID).
func AfterTimeID(ts time.Time, id string) Cursor {
	ts = ts.UTC()
	return Cursor{AfterTime: &ts, AfterID: id}
}

// AtOffset resumes a listing over an already sorted slice.
func AtOffset(offset int) Cursor {
	return Cursor{Offset: offset}
}

// IsZero reports whether the cursor points at the first page.
func (c Cursor) IsZero() bool {
	return c.AfterID == "" && c.AfterTime == nil && c.Offset == 0
}

func (c Cursor) validate() error {
	switch {
	case c.Offset < 0:
		return fmt.Errorf("%w: negative offset", ErrInvalidPageToken)
	case c.Offset > 0 && (c.AfterID != "" || c.AfterTime != nil):
		return fmt.Errorf("%w: offset mixed with keyset", ErrInvalidPageToken)
	case c.AfterTime != nil && c.AfterID == "":
		return fmt.Errorf("%w: timestamp without id", ErrInvalidPageToken)
	}
	return nil
}

// EncodeToken serialises cursor into a URL-safe page token. The first page encodes to "".
func EncodeToken(cursor Cursor) (string, error) {
	if cursor.IsZero() {
		return "", nil
	}
	if err := cursor.validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(cursor)
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeToken parses a token produced by EncodeToken.
func DecodeToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var cursor Cursor
	if err := json.Unmarshal(decoded, &cursor); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if err := cursor.validate(); err != nil {
		return Cursor{}, err
	}
	return cursor, nil
}
