package pagination

import (
	"encoding/base64"
	"errors"
	"net/http/httptest"
	"net/url"
	"reflect"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	params, err := Parse(url.Values{}, Options{})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != DefaultPageSize {
		t.Fatalf("expected default page size %d got %d", DefaultPageSize, params.PageSize)
	}
	if params.PageToken != "" || params.Filters != nil {
		t.Fatalf("expected empty params, got %#v", params)
	}
}

func TestParsePageSize(t *testing.T) {
	opts := Options{DefaultPageSize: 25, MaxPageSize: 40}
	values := url.Values{"pageSize": {"30"}}

	params, err := Parse(values, opts)
	if err != nil || params.PageSize != 30 {
		t.Fatalf("expected page size 30, got %d, %v", params.PageSize, err)
	}

	values.Set("pageSize", "400")
	params, err = Parse(values, opts)
	if err != nil || params.PageSize != opts.MaxPageSize {
		t.Fatalf("expected page size clamped to %d, got %d, %v", opts.MaxPageSize, params.PageSize, err)
	}
}

func TestParseInvalidPageSize(t *testing.T) {
	for _, raw := range []string{"abc", "0", "-3"} {
		_, err := Parse(url.Values{"pageSize": {raw}}, Options{})
		if !errors.Is(err, ErrInvalidPageSize) {
			t.Fatalf("%q: expected ErrInvalidPageSize, got %v", raw, err)
		}
	}
}

func TestParseFilters(t *testing.T) {
	req := httptest.NewRequest("GET", "/cycles/cyc_1/recommendations?status=DRAFT,SUBMITTED&status=DRAFT&department=Sales", nil)
	params, err := FromRequest(req, Options{Filters: []string{"status", "department", "level"}})
	if err != nil {
		t.Fatalf("FromRequest returned error: %v", err)
	}
	if want := []string{"DRAFT", "SUBMITTED"}; !reflect.DeepEqual(params.Values("status"), want) {
		t.Fatalf("expected %v, got %v", want, params.Values("status"))
	}
	if params.First("department") != "Sales" || params.First("level") != "" {
		t.Fatalf("unexpected filters %#v", params.Filters)
	}
}

func TestParseRejectsUnknownFilter(t *testing.T) {
	_, err := Parse(url.Values{"owner": {"u1"}}, Options{Filters: []string{"status"}})
	if !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("expected ErrInvalidFilter, got %v", err)
	}
}

func TestPageTokenRoundTrip(t *testing.T) {
	token, err := EncodeToken(AfterTimeID(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), "rec_1"))
	if err != nil || token == "" {
		t.Fatalf("EncodeToken: %q, %v", token, err)
	}
	params, err := Parse(url.Values{"pageToken": {token}}, Options{})
	if err != nil || params.PageToken != token {
		t.Fatalf("expected token to be accepted, got %#v, %v", params, err)
	}
	if params.Pagination().PageToken != token {
		t.Fatal("expected pagination to carry the token")
	}

	if _, err := Parse(url.Values{"pageToken": {"!!not-base64"}}, Options{}); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected ErrInvalidPageToken, got %v", err)
	}
}

func TestDecodeTokenRejectsMixedCursor(t *testing.T) {
	mixed := base64.RawURLEncoding.EncodeToString([]byte(`{"id":"rec_1","o":20}`))
	if _, err := DecodeToken(mixed); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected ErrInvalidPageToken, got %v", err)
	}
	orphan := base64.RawURLEncoding.EncodeToString([]byte(`{"t":"2026-03-02T09:00:00Z"}`))
	if _, err := DecodeToken(orphan); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected timestamp without id rejected, got %v", err)
	}
	token, err := EncodeToken(AtOffset(40))
	if err != nil {
		t.Fatalf("EncodeToken: %v", err)
	}
	cursor, err := DecodeToken(token)
	if err != nil || cursor.Offset != 40 {
		t.Fatalf("expected offset 40, got %+v, %v", cursor, err)
	}
	if token, _ := EncodeToken(Cursor{}); token != "" {
		t.Fatalf("expected empty token for first page, got %q", token)
	}
}
