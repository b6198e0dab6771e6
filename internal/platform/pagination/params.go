package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/meritflow/compcycle/internal/domain"
)

const (
	// DefaultPageSize is used when the client omits pageSize.
	DefaultPageSize = 50
	// DefaultMaxPageSize caps pageSize.
	DefaultMaxPageSize = 100

	maxFilterValueLength = 128
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid pageSize")
	ErrInvalidFilter    = errors.New("pagination: invalid filter")
	ErrInvalidPageToken = errors.New("pagination: invalid pageToken")
)

// Cursor is the payload behind a page token. Keyset fields and Offset are mutually exclusive.
type Cursor struct {
	AfterTime *time.Time `json:"t,omitempty"`
	AfterID   string     `json:"id,omitempty"`
	Offset    int        `json:"o,omitempty"`
}

// Params holds the paging and equality filters parsed from a list request.
type Params struct {
	PageSize  int
	PageToken string
	Filters   map[string][]string
}

// Options control how a handler parses its list query.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
	// Filters names the query parameters accepted as equality filters. Values may repeat or be
	// comma separated.
	Filters []string
}

// Pagination converts the params into the repository paging input.
func (p Params) Pagination() domain.Pagination {
	return domain.Pagination{PageSize: p.PageSize, PageToken: p.PageToken}
}

// Values returns the filter values for name.
func (p Params) Values(name string) []string {
	return p.Filters[name]
}

// First returns the first filter value for name, or "".
func (p Params) First(name string) string {
	if values := p.Filters[name]; len(values) > 0 {
		return values[0]
	}
	return ""
}

// FromRequest parses the request query string.
func FromRequest(r *http.Request, opts Options) (Params, error) {
	if r == nil {
		return Params{}, errors.New("pagination: nil request")
	}
	return Parse(r.URL.Query(), opts)
}

// Parse validates pageSize, pageToken and the allowed filters.
func Parse(values url.Values, opts Options) (Params, error) {
	if values == nil {
		values = url.Values{}
	}
	pageSize, err := parsePageSize(values.Get("pageSize"), opts)
	if err != nil {
		return Params{}, err
	}
	params := Params{PageSize: pageSize}

	if raw := strings.TrimSpace(values.Get("pageToken")); raw != "" {
		if _, err := DecodeToken(raw); err != nil {
			return Params{}, err
		}
		params.PageToken = raw
	}

	for name := range values {
		if name == "pageSize" || name == "pageToken" || slices.Contains(opts.Filters, name) {
			continue
		}
		return Params{}, fmt.Errorf("%w: %q is not a supported filter", ErrInvalidFilter, name)
	}
	for _, name := range opts.Filters {
		parsed, err := parseFilterValues(name, values[name])
		if err != nil {
			return Params{}, err
		}
		if len(parsed) == 0 {
			continue
		}
		if params.Filters == nil {
			params.Filters = make(map[string][]string)
		}
		params.Filters[name] = parsed
	}
	return params, nil
}

func parsePageSize(raw string, opts Options) (int, error) {
	maxPageSize := opts.MaxPageSize
	if maxPageSize <= 0 {
		maxPageSize = DefaultMaxPageSize
	}
	defaultPageSize := opts.DefaultPageSize
	if defaultPageSize <= 0 {
		defaultPageSize = DefaultPageSize
	}
	defaultPageSize = min(defaultPageSize, maxPageSize)

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultPageSize, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: must be an integer", ErrInvalidPageSize)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidPageSize)
	}
	return min(value, maxPageSize), nil
}

func parseFilterValues(name string, raw []string) ([]string, error) {
	var out []string
	for _, entry := range raw {
		for _, part := range strings.Split(entry, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if len(part) > maxFilterValueLength || strings.ContainsAny(part, "\r\n\x00") {
				return nil, fmt.Errorf("%w: invalid value for %q", ErrInvalidFilter, name)
			}
			if !slices.Contains(out, part) {
				out = append(out, part)
			}
		}
	}
	return out, nil
}
