// Package directory provides lookups of sites, users, tokens and devices in
// the account datastore. The tunnel gateway consumes these records and only
// ever writes a site's lastOnline timestamp, notification records and item
// states.
package directory

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("directory: not found")

// Site is one registered openHAB server. The uuid is what the site presents
// at handshake; the secret is stored as a bcrypt hash.
type Site struct {
	ID         string    `bson:"_id,omitempty"`
	UUID       string    `bson:"uuid"`
	SecretHash string    `bson:"secret"`
	AccountID  string    `bson:"account"`
	LastOnline time.Time `bson:"last_online"`
}

// User is consumed for authentication only. Usernames are stored lowercased.
type User struct {
	ID            string `bson:"_id,omitempty"`
	Username      string `bson:"username"`
	PasswordHash  string `bson:"hash"`
	AccountID     string `bson:"account"`
	Active        bool   `bson:"active"`
	VerifiedEmail bool   `bson:"verifiedEmail"`
}

// AccessToken is an OAuth2 bearer token.
type AccessToken struct {
	Token  string   `bson:"token"`
	UserID string   `bson:"user"`
	Scopes []string `bson:"scopes"`
	Valid  bool     `bson:"valid"`
}

// OAuthClient is a registered OAuth2 client application.
type OAuthClient struct {
	ID         string `bson:"clientId"`
	SecretHash string `bson:"secret"`
	Name       string `bson:"name"`
	Active     bool   `bson:"active"`
}

// Platform names a mobile push channel.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// UserDevice is a registered mobile device. iOS devices without an FCM
// registration cannot receive pushes and are skipped by the notification
// fan-out.
type UserDevice struct {
	ID       string   `bson:"_id,omitempty"`
	UserID   string   `bson:"owner"`
	Platform Platform `bson:"deviceType"`
	FCMToken string   `bson:"fcmRegistration"`
}

// NotificationRecord is a persisted notification. Records expire after
// NotificationTTL via a TTL index.
type NotificationRecord struct {
	ID        string          `bson:"_id,omitempty"`
	UserID    string          `bson:"user"`
	Message   string          `bson:"message"`
	Icon      string          `bson:"icon"`
	Tag       string          `bson:"tag"`
	Payload   json.RawMessage `bson:"payload"`
	CreatedAt time.Time       `bson:"created"`
}

// NotificationTTL is how long notification records are kept.
const NotificationTTL = 30 * 24 * time.Hour

// Item is the last known state of one site item, updated from itemupdate
// frames.
type Item struct {
	ID        string    `bson:"_id,omitempty"`
	SiteID    string    `bson:"openhab"`
	Name      string    `bson:"name"`
	Value     string    `bson:"status"`
	UpdatedAt time.Time `bson:"last_update"`
}

// Directory is the read-mostly interface the gateway uses against the
// account datastore.
type Directory interface {
	SiteByUUID(ctx context.Context, uuid string) (*Site, error)
	SiteByAccount(ctx context.Context, accountID string) (*Site, error)
	// TouchSiteLastOnline bumps the site's lastOnline timestamp. Called on
	// clean disconnect only.
	TouchSiteLastOnline(ctx context.Context, siteID string) error

	UserByUsername(ctx context.Context, username string) (*User, error)
	UserByID(ctx context.Context, id string) (*User, error)
	AccessToken(ctx context.Context, token string) (*AccessToken, error)
	OAuthClient(ctx context.Context, clientID string) (*OAuthClient, error)

	DevicesForUser(ctx context.Context, userID string) ([]UserDevice, error)
	SaveNotification(ctx context.Context, record *NotificationRecord) error

	UpsertItem(ctx context.Context, siteID, name, value string) error

	CountUsers(ctx context.Context) (int64, error)
	CountSites(ctx context.Context) (int64, error)
}
