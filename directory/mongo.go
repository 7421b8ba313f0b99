package directory

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collUsers         = "users"
	collSites         = "openhabs"
	collAccessTokens  = "oauth2tokens"
	collOAuthClients  = "oauth2clients"
	collUserDevices   = "userdevices"
	collNotifications = "notifications"
	collItems         = "items"

	mongoOpTimeout = 5 * time.Second
)

// MongoDirectory implements Directory against the openHAB Cloud MongoDB
// schema.
type MongoDirectory struct {
	db *mongo.Database
}

// ConnectMongo dials the directory datastore and verifies the connection.
func ConnectMongo(ctx context.Context, uri string) (*MongoDirectory, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "unable to connect to directory datastore")
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, errors.Wrap(err, "directory datastore did not answer ping")
	}

	dir := &MongoDirectory{db: client.Database(databaseFromURI(uri))}
	if err := dir.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return dir, nil
}

// databaseFromURI extracts the database name from a mongodb URI, defaulting
// to "openhab" when the URI carries none.
func databaseFromURI(uri string) string {
	trimmed := uri
	if idx := strings.Index(trimmed, "://"); idx >= 0 {
		trimmed = trimmed[idx+3:]
	}
	if idx := strings.Index(trimmed, "/"); idx >= 0 {
		name := trimmed[idx+1:]
		if q := strings.Index(name, "?"); q >= 0 {
			name = name[:q]
		}
		if name != "" {
			return name
		}
	}
	return "openhab"
}

// NewMongoDirectory wraps an existing database handle. Used by tests and by
// callers that manage the client themselves.
func NewMongoDirectory(db *mongo.Database) *MongoDirectory {
	return &MongoDirectory{db: db}
}

// Close disconnects the underlying client. No-op when the directory wraps a
// caller-managed database handle.
func (d *MongoDirectory) Close(ctx context.Context) error {
	client := d.db.Client()
	if client == nil {
		return nil
	}
	return client.Disconnect(ctx)
}

func (d *MongoDirectory) ensureIndexes(ctx context.Context) error {
	expire := int32(NotificationTTL / time.Second)
	_, err := d.db.Collection(collNotifications).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "created", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(expire),
	})
	if err != nil {
		return errors.Wrap(err, "unable to ensure notification TTL index")
	}
	_, err = d.db.Collection(collItems).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "openhab", Value: 1}, {Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return errors.Wrap(err, "unable to ensure item index")
}

func (d *MongoDirectory) findOne(ctx context.Context, coll string, filter bson.M, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	err := d.db.Collection(coll).FindOne(ctx, filter).Decode(out)
	if err == mongo.ErrNoDocuments {
		return ErrNotFound
	}
	return errors.Wrap(err, "directory lookup failed")
}

func (d *MongoDirectory) SiteByUUID(ctx context.Context, uuid string) (*Site, error) {
	var site Site
	if err := d.findOne(ctx, collSites, bson.M{"uuid": uuid}, &site); err != nil {
		return nil, err
	}
	return &site, nil
}

func (d *MongoDirectory) SiteByAccount(ctx context.Context, accountID string) (*Site, error) {
	var site Site
	if err := d.findOne(ctx, collSites, bson.M{"account": accountID}, &site); err != nil {
		return nil, err
	}
	return &site, nil
}

func (d *MongoDirectory) TouchSiteLastOnline(ctx context.Context, siteID string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	filter := bson.M{"_id": siteID}
	if oid, err := primitive.ObjectIDFromHex(siteID); err == nil {
		filter = bson.M{"_id": oid}
	}
	_, err := d.db.Collection(collSites).UpdateOne(ctx, filter,
		bson.M{"$set": bson.M{"last_online": time.Now().UTC()}})
	return errors.Wrap(err, "unable to update site lastOnline")
}

func (d *MongoDirectory) UserByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	if err := d.findOne(ctx, collUsers, bson.M{"username": strings.ToLower(username)}, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (d *MongoDirectory) UserByID(ctx context.Context, id string) (*User, error) {
	filter := bson.M{"_id": id}
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		filter = bson.M{"_id": oid}
	}
	var user User
	if err := d.findOne(ctx, collUsers, filter, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (d *MongoDirectory) AccessToken(ctx context.Context, token string) (*AccessToken, error) {
	var record AccessToken
	if err := d.findOne(ctx, collAccessTokens, bson.M{"token": token}, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (d *MongoDirectory) OAuthClient(ctx context.Context, clientID string) (*OAuthClient, error) {
	var client OAuthClient
	if err := d.findOne(ctx, collOAuthClients, bson.M{"clientId": clientID}, &client); err != nil {
		return nil, err
	}
	return &client, nil
}

func (d *MongoDirectory) DevicesForUser(ctx context.Context, userID string) ([]UserDevice, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	cursor, err := d.db.Collection(collUserDevices).Find(ctx, bson.M{"owner": userID})
	if err != nil {
		return nil, errors.Wrap(err, "device lookup failed")
	}
	var devices []UserDevice
	if err := cursor.All(ctx, &devices); err != nil {
		return nil, errors.Wrap(err, "device decode failed")
	}
	return devices, nil
}

func (d *MongoDirectory) SaveNotification(ctx context.Context, record *NotificationRecord) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	result, err := d.db.Collection(collNotifications).InsertOne(ctx, record)
	if err != nil {
		return errors.Wrap(err, "unable to persist notification")
	}
	if oid, ok := result.InsertedID.(primitive.ObjectID); ok {
		record.ID = oid.Hex()
	}
	return nil
}

func (d *MongoDirectory) UpsertItem(ctx context.Context, siteID, name, value string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	_, err := d.db.Collection(collItems).UpdateOne(ctx,
		bson.M{"openhab": siteID, "name": name},
		bson.M{"$set": bson.M{"status": value, "last_update": time.Now().UTC()}},
		options.Update().SetUpsert(true),
	)
	return errors.Wrap(err, "unable to upsert item state")
}

func (d *MongoDirectory) CountUsers(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	n, err := d.db.Collection(collUsers).CountDocuments(ctx, bson.M{})
	return n, errors.Wrap(err, "unable to count users")
}

func (d *MongoDirectory) CountSites(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	n, err := d.db.Collection(collSites).CountDocuments(ctx, bson.M{})
	return n, errors.Wrap(err, "unable to count sites")
}
