package notification

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/openhab/openhab-cloud/directory"
)

const fcmEndpoint = "https://fcm.googleapis.com/fcm/send"

// hideMessageType marks a data message that instructs the app to retract an
// already displayed notification instead of showing a new one.
const hideMessageType = "hideNotification"

// FCMProvider delivers data messages through the Firebase Cloud Messaging
// legacy HTTP API. A zero server key leaves the provider unconfigured and
// all sends become no-ops at the service layer.
type FCMProvider struct {
	serverKey string
	endpoint  string
	client    *http.Client
	log       *zerolog.Logger
}

func NewFCMProvider(serverKey string, log *zerolog.Logger) *FCMProvider {
	return &FCMProvider{
		serverKey: serverKey,
		endpoint:  fcmEndpoint,
		client:    &http.Client{Timeout: 10 * time.Second},
		log:       log,
	}
}

func (p *FCMProvider) IsConfigured() bool {
	return p.serverKey != ""
}

type fcmRequest struct {
	RegistrationIDs []string          `json:"registration_ids"`
	Data            map[string]string `json:"data"`
}

type fcmResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

func (p *FCMProvider) SendBatch(ctx context.Context, tokens []string, record *directory.NotificationRecord) []error {
	data := map[string]string{
		"type":           "notification",
		"notificationId": record.ID,
		"message":        record.Message,
		"timestamp":      record.CreatedAt.Format(time.RFC3339),
	}
	if record.Icon != "" {
		data["icon"] = record.Icon
	}
	if record.Tag != "" {
		data["tag"] = record.Tag
	}
	return p.send(ctx, tokens, data)
}

func (p *FCMProvider) SendHide(ctx context.Context, tokens []string, notificationID string) []error {
	return p.send(ctx, tokens, map[string]string{
		"type":           hideMessageType,
		"notificationId": notificationID,
	})
}

// send posts one multicast message and maps the provider's per-token results
// back onto the token slice.
func (p *FCMProvider) send(ctx context.Context, tokens []string, data map[string]string) []error {
	results := make([]error, len(tokens))

	body, err := jsonAPI.Marshal(&fcmRequest{RegistrationIDs: tokens, Data: data})
	if err != nil {
		return fillErrors(results, errors.Wrap(err, "unable to encode FCM request"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return fillErrors(results, errors.Wrap(err, "unable to build FCM request"))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+p.serverKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fillErrors(results, errors.Wrap(err, "FCM request failed"))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fillErrors(results, errors.Errorf("FCM returned status %d", resp.StatusCode))
	}

	var parsed fcmResponse
	if err := jsonAPI.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fillErrors(results, errors.Wrap(err, "unable to decode FCM response"))
	}
	for i, result := range parsed.Results {
		if i >= len(results) {
			break
		}
		if result.Error != "" {
			results[i] = errors.Errorf("FCM: %s", result.Error)
		}
	}
	return results
}

func fillErrors(results []error, err error) []error {
	for i := range results {
		results[i] = err
	}
	return results
}
