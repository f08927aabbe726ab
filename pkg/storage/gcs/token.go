package gcs

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenURI  = "https://oauth2.googleapis.com/token"
	metadataTokenURL = "http://metadata.google.internal/computeMetadata/v1/instance/service-accounts/default/token"
	storageScope     = "https://www.googleapis.com/auth/devstorage.read_write"
	jwtBearerGrant   = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	// refreshMargin renews a token this long before it expires.
	refreshMargin = time.Minute
)

// tokenSource caches one OAuth access token and refreshes it near expiry.
type tokenSource struct {
	mu     sync.Mutex
	token  string
	expiry time.Time
	fetch  func(context.Context) (accessToken, error)
}

type accessToken struct {
	Value     string `json:"access_token"`
	ExpiresIn int64  `json:"expires_in"`
}

func (t *tokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token != "" && time.Until(t.expiry) > refreshMargin {
		return t.token, nil
	}
	fresh, err := t.fetch(ctx)
	if err != nil {
		return "", err
	}
	if fresh.Value == "" {
		return "", errors.New("token endpoint returned an empty access token")
	}
	t.token = fresh.Value
	t.expiry = time.Now().Add(time.Duration(fresh.ExpiresIn) * time.Second)
	return t.token, nil
}

type serviceAccount struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// serviceAccountTokens exchanges a self-signed RS256 assertion for an access
// token (the OAuth JWT bearer flow).
func serviceAccountTokens(httpClient *http.Client, credentials []byte) (*tokenSource, error) {
	var sa serviceAccount
	if err := json.Unmarshal(credentials, &sa); err != nil {
		return nil, fmt.Errorf("parsing service account credentials: %w", err)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return nil, errors.New("invalid service account credentials")
	}
	if sa.TokenURI == "" {
		sa.TokenURI = defaultTokenURI
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parsing service account key: %w", err)
	}
	return &tokenSource{
		fetch: func(ctx context.Context) (accessToken, error) {
			assertion, err := signAssertion(sa, key, time.Now())
			if err != nil {
				return accessToken{}, err
			}
			form := url.Values{"grant_type": {jwtBearerGrant}, "assertion": {assertion}}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, sa.TokenURI, strings.NewReader(form.Encode()))
			if err != nil {
				return accessToken{}, err
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			return exchange(httpClient, req)
		},
	}, nil
}

func signAssertion(sa serviceAccount, key *rsa.PrivateKey, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss":   sa.ClientEmail,
		"scope": storageScope,
		"aud":   sa.TokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing token assertion: %w", err)
	}
	return signed, nil
}

// metadataTokens reads the attached service account's token on GCE, GKE and
// Cloud Run.
func metadataTokens(httpClient *http.Client) *tokenSource {
	return &tokenSource{
		fetch: func(ctx context.Context) (accessToken, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataTokenURL, nil)
			if err != nil {
				return accessToken{}, err
			}
			req.Header.Set("Metadata-Flavor", "Google")
			return exchange(httpClient, req)
		},
	}
}

func exchange(httpClient *http.Client, req *http.Request) (accessToken, error) {
	resp, err := httpClient.Do(req)
	if err != nil {
		return accessToken{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return accessToken{}, fmt.Errorf("token request to %s returned %s", req.URL.Host, resp.Status)
	}
	var tok accessToken
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return accessToken{}, fmt.Errorf("decoding access token: %w", err)
	}
	return tok, nil
}
