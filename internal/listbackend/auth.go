package listbackend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/jare20895/ArcoreSyncBridge/internal/engine"
)

// TokenFetcher obtains a fresh bearer token from the identity provider
// fronting the list backend. Injected so tests can stub it without a live
// OAuth endpoint.
type TokenFetcher interface {
	FetchToken(ctx context.Context) (string, error)
}

// ClientCredentialsFetcher implements TokenFetcher against a standard
// OAuth2 client_credentials token endpoint, the production identity
// provider flow SPEC_FULL.md §4.5 assumes in front of the list backend.
type ClientCredentialsFetcher struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string
	HTTPClient   *http.Client
}

// FetchToken requests a new bearer token via the client_credentials grant.
func (f *ClientCredentialsFetcher) FetchToken(ctx context.Context) (string, error) {
	client := f.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", f.ClientID)
	form.Set("client_secret", f.ClientSecret)
	if f.Scope != "" {
		form.Set("scope", f.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", errors.Wrap(err, "listbackend: build token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return "", engine.Transport("listbackend.fetch_token", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", engine.Permission("listbackend.fetch_token", httpStatusError(resp))
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", engine.Decode("listbackend.fetch_token", err)
	}
	return body.AccessToken, nil
}

// expirySafetyMargin is how long before a cached token's exp claim this
// cache treats it as already expired (SPEC_FULL.md §4.5: "cached with a 60s
// safety margin before expiry").
const expirySafetyMargin = 60 * time.Second

// tokenCache caches a single bearer token, refreshing it ahead of its JWT
// exp claim. A singleflight.Group collapses concurrent refreshes triggered
// by overlapping requests into one upstream fetch.
type tokenCache struct {
	fetcher TokenFetcher
	group   singleflight.Group

	mu    sync.Mutex
	state tokenState
}

type tokenState struct {
	token   string
	expires time.Time
}

func newTokenCache(fetcher TokenFetcher) *tokenCache {
	return &tokenCache{fetcher: fetcher}
}

// Get returns a token valid for at least expirySafetyMargin, fetching a
// replacement if the cached one is missing or within the margin of expiry.
func (c *tokenCache) Get(ctx context.Context) (string, error) {
	c.mu.Lock()
	cur := c.state
	c.mu.Unlock()
	if cur.token != "" && time.Now().Add(expirySafetyMargin).Before(cur.expires) {
		return cur.token, nil
	}

	v, err, _ := c.group.Do("token", func() (interface{}, error) {
		tok, err := c.fetcher.FetchToken(ctx)
		if err != nil {
			return nil, err
		}
		exp, err := tokenExpiry(tok)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.state = tokenState{token: tok, expires: exp}
		c.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", engine.Permission("listbackend.fetch_token", errors.Wrap(err, "acquire bearer token"))
	}
	return v.(string), nil
}

// tokenExpiry reads the exp claim without verifying the signature: this
// client is a relying party that already trusts the channel (mTLS/HTTPS to
// a known issuer), it only needs the claim to drive its own cache TTL.
func tokenExpiry(token string) (time.Time, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, errors.Wrap(err, "parse bearer token")
	}
	expFloat, ok := claims["exp"].(float64)
	if !ok {
		return time.Time{}, errors.New("bearer token missing exp claim")
	}
	return time.Unix(int64(expFloat), 0), nil
}
