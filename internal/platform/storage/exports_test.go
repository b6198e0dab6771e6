package storage

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"
)

type fakeSigner struct {
	email    string
	payloads [][]byte
	err      error
}

func (f *fakeSigner) Email() string { return f.email }

func (f *fakeSigner) SignBytes(_ context.Context, payload []byte) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.payloads = append(f.payloads, append([]byte(nil), payload...))
	return []byte("signed"), nil
}

func TestURLSignerSignsDownload(t *testing.T) {
	signer := &fakeSigner{email: "exports@meritflow.iam.gserviceaccount.com"}
	now := time.Now().UTC()
	urls, err := NewURLSigner("meritflow-exports", signer, WithTTL(10*time.Minute), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	raw, expires, err := urls.SignedURL(context.Background(), "exports/tnt_acme/cyc_1/summary-20260310T120000Z.xlsx")
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	if !expires.Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", expires)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if !strings.Contains(parsed.Path, "meritflow-exports") || !strings.HasSuffix(parsed.Path, "summary-20260310T120000Z.xlsx") {
		t.Fatalf("unexpected path %s", parsed.Path)
	}
	q := parsed.Query()
	if q.Get("X-Goog-Algorithm") != "GOOG4-RSA-SHA256" || q.Get("X-Goog-Expires") == "" {
		t.Fatalf("unexpected query %v", q)
	}
	if !strings.Contains(q.Get("response-content-disposition"), `filename="summary-20260310T120000Z.xlsx"`) {
		t.Fatalf("expected attachment disposition, got %q", q.Get("response-content-disposition"))
	}
	if len(signer.payloads) != 1 {
		t.Fatalf("expected one signing call, got %d", len(signer.payloads))
	}
}

func TestURLSignerValidation(t *testing.T) {
	if _, err := NewURLSigner("", &fakeSigner{email: "a@b"}); !errors.Is(err, errInvalidBucket) {
		t.Fatalf("expected bucket error, got %v", err)
	}
	if _, err := NewURLSigner("bucket", &fakeSigner{}); !errors.Is(err, errNoSigner) {
		t.Fatalf("expected signer error, got %v", err)
	}

	urls, _ := NewURLSigner("bucket", &fakeSigner{email: "a@b", err: errors.New("iam down")})
	if _, _, err := urls.SignedURL(context.Background(), " "); !errors.Is(err, errInvalidObject) {
		t.Fatalf("expected object error, got %v", err)
	}
	if _, _, err := urls.SignedURL(context.Background(), "exports/x.md"); err == nil {
		t.Fatalf("expected signing failure to surface")
	}
}

func TestWithTTLCapsAtSevenDays(t *testing.T) {
	urls, _ := NewURLSigner("bucket", &fakeSigner{email: "a@b"}, WithTTL(30*24*time.Hour))
	if urls.ttl != maxSignedURLTTL {
		t.Fatalf("expected ttl capped, got %s", urls.ttl)
	}
}

func TestServiceAccountSignerFromJSON(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	data, _ := json.Marshal(map[string]string{
		"client_email": "exports@meritflow.iam.gserviceaccount.com",
		"private_key":  pemKey,
	})

	signer, err := NewServiceAccountSignerFromJSON(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if signer.Email() != "exports@meritflow.iam.gserviceaccount.com" {
		t.Fatalf("unexpected email %s", signer.Email())
	}
	sig, err := signer.SignBytes(context.Background(), []byte("payload"))
	if err != nil || len(sig) == 0 {
		t.Fatalf("sign: %v", err)
	}

	if _, err := NewServiceAccountSignerFromJSON([]byte(`{"client_email":"x"}`)); err == nil {
		t.Fatalf("expected missing key error")
	}
}
