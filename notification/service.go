// Package notification validates, persists and fans out push notifications
// emitted by sites to their users' mobile devices.
package notification

import (
	"context"
	"encoding/json"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/openhab/openhab-cloud/directory"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrPayloadTooLarge rejects notifications whose encoded payload exceeds
// the configured limit. Nothing is persisted or pushed.
var ErrPayloadTooLarge = errors.New("notification payload too large")

const LogFieldUserID = "userID"

// PushProvider is the capability interface for a mobile push channel. New
// providers are drop-in additions.
type PushProvider interface {
	IsConfigured() bool
	// SendBatch pushes one notification to all tokens. The returned slice
	// has one entry per token; nil means delivered to the provider.
	SendBatch(ctx context.Context, tokens []string, record *directory.NotificationRecord) []error
	// SendHide tells devices to retract a previously shown notification.
	SendHide(ctx context.Context, tokens []string, notificationID string) []error
}

// Service implements the notification contract: bounded payloads, legacy
// field normalization, persistence, then best-effort fan-out.
type Service struct {
	directory directory.Directory
	provider  PushProvider
	maxBytes  int
	log       *zerolog.Logger
}

func NewService(dir directory.Directory, provider PushProvider, maxPayloadBytes int, log *zerolog.Logger) *Service {
	return &Service{
		directory: dir,
		provider:  provider,
		maxBytes:  maxPayloadBytes,
		log:       log,
	}
}

// Send validates and persists the payload, then pushes it to every device
// token registered for the user. Per-token provider failures are logged and
// never fail the call.
func (s *Service) Send(ctx context.Context, userID string, payload json.RawMessage) error {
	if len(payload) > s.maxBytes {
		payloadsRejected.Inc()
		s.log.Warn().
			Str(LogFieldUserID, userID).
			Int("payloadBytes", len(payload)).
			Int("limit", s.maxBytes).
			Msg("Rejecting oversize notification payload")
		return ErrPayloadTooLarge
	}

	normalized, fields, err := normalizePayload(payload)
	if err != nil {
		return errors.Wrap(err, "malformed notification payload")
	}

	record := &directory.NotificationRecord{
		UserID:  userID,
		Message: fields.Message,
		Icon:    fields.Icon,
		Tag:     fields.Tag,
		Payload: normalized,
	}
	if err := s.directory.SaveNotification(ctx, record); err != nil {
		return errors.Wrap(err, "unable to persist notification")
	}
	notificationsPersisted.Inc()

	tokens, err := s.deviceTokens(ctx, userID)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		s.log.Debug().Str(LogFieldUserID, userID).Msg("No push-capable devices registered")
		return nil
	}
	if !s.provider.IsConfigured() {
		s.log.Debug().Msg("Push provider not configured, skipping send")
		return nil
	}

	results := s.provider.SendBatch(ctx, tokens, record)
	for i, sendErr := range results {
		if sendErr != nil {
			pushFailures.Inc()
			s.log.Warn().Err(sendErr).
				Str(LogFieldUserID, userID).
				Int("token", i).
				Msg("Push delivery failed for device token")
		} else {
			pushesSent.Inc()
		}
	}
	return nil
}

// Hide pushes a retraction marker to the user's devices. Persistence is not
// touched.
func (s *Service) Hide(ctx context.Context, userID, notificationID string) error {
	tokens, err := s.deviceTokens(ctx, userID)
	if err != nil {
		return err
	}
	if len(tokens) == 0 || !s.provider.IsConfigured() {
		return nil
	}
	for i, sendErr := range s.provider.SendHide(ctx, tokens, notificationID) {
		if sendErr != nil {
			s.log.Warn().Err(sendErr).
				Str(LogFieldUserID, userID).
				Int("token", i).
				Msg("Hide delivery failed for device token")
		}
	}
	return nil
}

// deviceTokens resolves the user's pushable tokens. iOS devices without an
// FCM registration cannot be reached and are skipped.
func (s *Service) deviceTokens(ctx context.Context, userID string) ([]string, error) {
	devices, err := s.directory.DevicesForUser(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "unable to look up user devices")
	}
	tokens := make([]string, 0, len(devices))
	for _, device := range devices {
		if device.FCMToken == "" {
			continue
		}
		tokens = append(tokens, device.FCMToken)
	}
	return tokens, nil
}

type payloadFields struct {
	Message  string `json:"message"`
	Icon     string `json:"icon"`
	Tag      string `json:"tag"`
	Severity string `json:"severity"`
}

// normalizePayload applies the legacy alias: payloads that carry "severity"
// but no "tag" get tag set from severity. The returned JSON is what gets
// persisted and pushed.
func normalizePayload(payload json.RawMessage) (json.RawMessage, payloadFields, error) {
	var fields payloadFields
	if err := jsonAPI.Unmarshal(payload, &fields); err != nil {
		return nil, fields, err
	}
	if fields.Tag != "" || fields.Severity == "" {
		return payload, fields, nil
	}

	var generic map[string]interface{}
	if err := jsonAPI.Unmarshal(payload, &generic); err != nil {
		return nil, fields, err
	}
	generic["tag"] = fields.Severity
	fields.Tag = fields.Severity

	normalized, err := jsonAPI.Marshal(generic)
	if err != nil {
		return nil, fields, err
	}
	return normalized, fields, nil
}
