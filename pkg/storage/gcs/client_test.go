package gcs

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func staticTokens(token string) *tokenSource {
	return &tokenSource{
		fetch: func(context.Context) (accessToken, error) {
			return accessToken{Value: token, ExpiresIn: 3600}, nil
		},
	}
}

func testClient(srv *httptest.Server) *Client {
	return &Client{http: srv.Client(), bucket: "certs", tokens: staticTokens("tok"), baseURL: srv.URL}
}

func TestPutUploadsToDefaultBucket(t *testing.T) {
	t.Parallel()

	var gotPath, gotName, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotName = r.URL.Query().Get("name")
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := testClient(srv)

	ref, err := client.Put(context.Background(), "certificates/abc.json", "application/json", []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if ref != "gs://certs/certificates/abc.json" {
		t.Fatalf("unexpected ref %q", ref)
	}
	if gotPath != "/upload/storage/v1/b/certs/o" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotName != "certificates/abc.json" {
		t.Fatalf("unexpected name %q", gotName)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotBody != `{"a":1}` {
		t.Fatalf("unexpected body %q", gotBody)
	}
}

func TestGetMapsNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := testClient(srv)

	_, err := client.Get(context.Background(), "gs://certs/missing.json")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestPutSurfacesErrorBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bucket is locked", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := testClient(srv).Put(context.Background(), "certificates/abc.json", "application/json", []byte("{}"))
	if err == nil || !strings.Contains(err.Error(), "bucket is locked") {
		t.Fatalf("expected error carrying the response body, got %v", err)
	}
}

func TestTokenSourceCachesUntilNearExpiry(t *testing.T) {
	t.Parallel()

	calls := 0
	src := &tokenSource{fetch: func(context.Context) (accessToken, error) {
		calls++
		return accessToken{Value: "tok", ExpiresIn: 3600}, nil
	}}
	for i := 0; i < 3; i++ {
		if _, err := src.Token(context.Background()); err != nil {
			t.Fatalf("Token: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one fetch, got %d", calls)
	}

	src.expiry = time.Now().Add(30 * time.Second)
	if _, err := src.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected refresh inside the margin, got %d fetches", calls)
	}
}

func TestSignAssertionIsVerifiable(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sa := serviceAccount{ClientEmail: "svc@example.iam.gserviceaccount.com", TokenURI: defaultTokenURI}
	signed, err := signAssertion(sa, key, time.Now())
	if err != nil {
		t.Fatalf("signAssertion: %v", err)
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(signed, claims, func(*jwt.Token) (any, error) { return &key.PublicKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithAudience(defaultTokenURI))
	if err != nil {
		t.Fatalf("assertion did not verify: %v", err)
	}
	if claims["iss"] != sa.ClientEmail || claims["scope"] != storageScope {
		t.Fatalf("unexpected claims %v", claims)
	}
}

func TestServiceAccountTokensRejectsIncompleteCredentials(t *testing.T) {
	t.Parallel()

	if _, err := serviceAccountTokens(http.DefaultClient, []byte(`{"client_email":"a@b"}`)); err == nil {
		t.Fatal("expected error without a private key")
	}
}

func TestParseObjectRef(t *testing.T) {
	t.Parallel()

	bucket, path, err := ParseObjectRef("gs://certs/a/b.json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bucket != "certs" || path != "a/b.json" {
		t.Fatalf("unexpected split %q %q", bucket, path)
	}

	for _, bad := range []string{"", "s3://x/y", "gs://bucket", "gs:///path"} {
		if _, _, err := ParseObjectRef(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore("")
	ctx := context.Background()
	ref, err := store.Put(ctx, "certificates/x.json", "application/json", []byte("hello"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.HasPrefix(ref, "gs://local/") {
		t.Fatalf("unexpected ref %q", ref)
	}
	data, err := store.Get(ctx, ref)
	if err != nil || string(data) != "hello" {
		t.Fatalf("Get = %q, %v", data, err)
	}
	if _, err := store.Get(ctx, "gs://local/nope"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
