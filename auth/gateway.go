// Package auth validates user credentials (basic, bearer, session cookie)
// and site credentials (uuid/secret) against the directory.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/openhab/openhab-cloud/directory"
)

// ErrAuthFailed is the uniform authentication failure. Its message never
// reveals whether the user exists.
var ErrAuthFailed = errors.New("unknown user or incorrect password")

// SessionCookieName carries the signed session value.
const SessionCookieName = "openhab-cloud-session"

// dummyHash keeps the bcrypt cost on the "user not found" path so response
// timing does not enumerate users.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// Gateway validates credentials against the directory.
type Gateway struct {
	directory directory.Directory
	sessions  *SessionCodec
	log       *zerolog.Logger
}

func NewGateway(dir directory.Directory, sessions *SessionCodec, log *zerolog.Logger) *Gateway {
	return &Gateway{
		directory: dir,
		sessions:  sessions,
		log:       log,
	}
}

// AuthenticateBasic validates a username/password pair. Lookup is by
// lowercased username; the compare runs bcrypt regardless of whether the
// user exists.
func (g *Gateway) AuthenticateBasic(ctx context.Context, username, password string) (*directory.User, error) {
	user, err := g.directory.UserByUsername(ctx, strings.ToLower(username))
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return nil, ErrAuthFailed
		}
		return nil, errors.Wrap(err, "directory unavailable")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrAuthFailed
	}
	if !user.Active {
		return nil, ErrAuthFailed
	}
	return user, nil
}

// AuthenticateBearer validates an OAuth2 bearer token and returns the user
// together with the token's scopes.
func (g *Gateway) AuthenticateBearer(ctx context.Context, token string) (*directory.User, []string, error) {
	record, err := g.directory.AccessToken(ctx, token)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, nil, ErrAuthFailed
		}
		return nil, nil, errors.Wrap(err, "directory unavailable")
	}
	if !record.Valid {
		return nil, nil, ErrAuthFailed
	}

	user, err := g.directory.UserByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, nil, ErrAuthFailed
		}
		return nil, nil, errors.Wrap(err, "directory unavailable")
	}
	if !user.Active {
		return nil, nil, ErrAuthFailed
	}
	return user, record.Scopes, nil
}

// AuthenticateClient validates an OAuth2 client id/secret pair.
func (g *Gateway) AuthenticateClient(ctx context.Context, clientID, secret string) (*directory.OAuthClient, error) {
	client, err := g.directory.OAuthClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
			return nil, ErrAuthFailed
		}
		return nil, errors.Wrap(err, "directory unavailable")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)); err != nil {
		return nil, ErrAuthFailed
	}
	if !client.Active {
		return nil, ErrAuthFailed
	}
	return client, nil
}

// AuthenticateSite validates a site's uuid/secret handshake pair.
func (g *Gateway) AuthenticateSite(ctx context.Context, uuid, secret string) (*directory.Site, error) {
	site, err := g.directory.SiteByUUID(ctx, uuid)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
			return nil, ErrAuthFailed
		}
		return nil, errors.Wrap(err, "directory unavailable")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(site.SecretHash), []byte(secret)); err != nil {
		return nil, ErrAuthFailed
	}
	return site, nil
}

// AuthenticateRequest resolves the user behind an inbound HTTP request,
// trying the session cookie, then Basic, then Bearer.
func (g *Gateway) AuthenticateRequest(r *http.Request) (*directory.User, error) {
	ctx := r.Context()

	if cookie, err := r.Cookie(SessionCookieName); err == nil && g.sessions != nil {
		userID, err := g.sessions.Decode(cookie.Value)
		if err == nil {
			user, err := g.directory.UserByID(ctx, userID)
			if err == nil && user.Active {
				return user, nil
			}
		}
	}

	if username, password, ok := r.BasicAuth(); ok {
		return g.AuthenticateBasic(ctx, username, password)
	}

	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		user, _, err := g.AuthenticateBearer(ctx, strings.TrimPrefix(header, "Bearer "))
		return user, err
	}

	return nil, ErrAuthFailed
}

// HashSecret is a convenience for provisioning tools and tests.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "unable to hash secret")
	}
	return string(hash), nil
}
