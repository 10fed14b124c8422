package pco

import (
	"errors"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// patPrefix marks a Planning Center personal access token secret.
const patPrefix = "pco_pat_"

// Scheme is the credential scheme used for every upstream request.
type Scheme int

const (
	// PersonalAccessToken authenticates with HTTP Basic appID:secret.
	PersonalAccessToken Scheme = iota
	// OAuthBearer sends the secret as an OAuth bearer token.
	OAuthBearer
)

func (s Scheme) String() string {
	switch s {
	case PersonalAccessToken:
		return "pat"
	case OAuthBearer:
		return "oauth"
	default:
		return "unknown"
	}
}

// ErrNoCredentials is returned when the secret is not configured.
var ErrNoCredentials = errors.New("pco: calendar credentials not configured")

// Credentials is the immutable credential chosen once at startup.
type Credentials struct {
	Scheme        Scheme
	ApplicationID string
	Secret        string
}

// ResolveScheme picks the scheme from an explicit override ("pat"/"oauth") or,
// when override is empty, from the shape of the secret.
func ResolveScheme(override, secret string) Scheme {
	switch strings.ToLower(strings.TrimSpace(override)) {
	case "pat":
		return PersonalAccessToken
	case "oauth":
		return OAuthBearer
	}
	if strings.HasPrefix(secret, patPrefix) {
		return PersonalAccessToken
	}
	return OAuthBearer
}

// NewCredentials validates inputs and resolves the scheme.
func NewCredentials(override, appID, secret string) (Credentials, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return Credentials{}, ErrNoCredentials
	}
	c := Credentials{
		Scheme:        ResolveScheme(override, secret),
		ApplicationID: strings.TrimSpace(appID),
		Secret:        secret,
	}
	if c.Scheme == PersonalAccessToken && c.ApplicationID == "" {
		return Credentials{}, errors.New("pco: personal access token requires an application id")
	}
	return c, nil
}

// transport wraps base with the credential. The choice is baked in here and
// never revisited for the lifetime of the client.
func (c Credentials) transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if c.Scheme == OAuthBearer {
		return &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.Secret}),
			Base:   base,
		}
	}
	return &basicAuthTransport{user: c.ApplicationID, pass: c.Secret, base: base}
}

type basicAuthTransport struct {
	user, pass string
	base       http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrippers must not modify the caller's request.
	r := req.Clone(req.Context())
	r.SetBasicAuth(t.user, t.pass)
	return t.base.RoundTrip(r)
}
