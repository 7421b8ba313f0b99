package directory

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Fake is an in-memory Directory used by tests across the repo.
type Fake struct {
	mu sync.Mutex

	Sites   map[string]*Site // keyed by uuid
	Users   map[string]*User // keyed by lowercased username
	Tokens  map[string]*AccessToken
	Clients map[string]*OAuthClient
	Devices map[string][]UserDevice // keyed by user id

	Notifications []NotificationRecord
	Items         map[string]string // "siteID/name" -> value

	// Err, when set, is returned by every lookup to simulate an outage.
	Err error

	nextID int
}

var _ Directory = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{
		Sites:   make(map[string]*Site),
		Users:   make(map[string]*User),
		Tokens:  make(map[string]*AccessToken),
		Clients: make(map[string]*OAuthClient),
		Devices: make(map[string][]UserDevice),
		Items:   make(map[string]string),
	}
}

// AddSite registers a site and returns it.
func (f *Fake) AddSite(uuid, secretHash, accountID string) *Site {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	site := &Site{
		ID:         "site-" + strconv.Itoa(f.nextID),
		UUID:       uuid,
		SecretHash: secretHash,
		AccountID:  accountID,
	}
	f.Sites[uuid] = site
	return site
}

// AddUser registers a user and returns it.
func (f *Fake) AddUser(username, passwordHash, accountID string, active bool) *User {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	user := &User{
		ID:           "user-" + strconv.Itoa(f.nextID),
		Username:     strings.ToLower(username),
		PasswordHash: passwordHash,
		AccountID:    accountID,
		Active:       active,
	}
	f.Users[user.Username] = user
	return user
}

func (f *Fake) SiteByUUID(ctx context.Context, uuid string) (*Site, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	site, ok := f.Sites[uuid]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *site
	return &copied, nil
}

func (f *Fake) SiteByAccount(ctx context.Context, accountID string) (*Site, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	for _, site := range f.Sites {
		if site.AccountID == accountID {
			copied := *site
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (f *Fake) TouchSiteLastOnline(ctx context.Context, siteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	for _, site := range f.Sites {
		if site.ID == siteID {
			site.LastOnline = time.Now().UTC()
			return nil
		}
	}
	return ErrNotFound
}

func (f *Fake) UserByUsername(ctx context.Context, username string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	user, ok := f.Users[strings.ToLower(username)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *user
	return &copied, nil
}

func (f *Fake) UserByID(ctx context.Context, id string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	for _, user := range f.Users {
		if user.ID == id {
			copied := *user
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (f *Fake) AccessToken(ctx context.Context, token string) (*AccessToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	record, ok := f.Tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *record
	return &copied, nil
}

func (f *Fake) OAuthClient(ctx context.Context, clientID string) (*OAuthClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	client, ok := f.Clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *client
	return &copied, nil
}

func (f *Fake) DevicesForUser(ctx context.Context, userID string) ([]UserDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	return append([]UserDevice(nil), f.Devices[userID]...), nil
}

func (f *Fake) SaveNotification(ctx context.Context, record *NotificationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	f.nextID++
	record.ID = "notification-" + strconv.Itoa(f.nextID)
	f.Notifications = append(f.Notifications, *record)
	return nil
}

func (f *Fake) UpsertItem(ctx context.Context, siteID, name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Items[siteID+"/"+name] = value
	return nil
}

// ItemValue reads back a value stored by UpsertItem.
func (f *Fake) ItemValue(siteID, name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Items[siteID+"/"+name]
}

func (f *Fake) CountUsers(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return 0, f.Err
	}
	return int64(len(f.Users)), nil
}

func (f *Fake) CountSites(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return 0, f.Err
	}
	return int64(len(f.Sites)), nil
}
