package tokenbroker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ternarybob/crawlctl/internal/crawlerr"
	"github.com/ternarybob/crawlctl/internal/models"
)

// decodeTokenRefreshResponse re-decodes an envelope payload (interface{}
// after JSON unmarshaling) as a TokenRefreshResponsePayload.
func decodeTokenRefreshResponse(payload interface{}) (models.TokenRefreshResponsePayload, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return models.TokenRefreshResponsePayload{}, crawlerr.Wrap(crawlerr.KindMessageParsing, crawlerr.SeverityMedium, "failed to re-marshal TOKEN_REFRESH_RESPONSE payload", err)
	}
	var resp models.TokenRefreshResponsePayload
	if err := json.Unmarshal(data, &resp); err != nil {
		return models.TokenRefreshResponsePayload{}, crawlerr.Wrap(crawlerr.KindMessageValidation, crawlerr.SeverityMedium, "failed to decode TOKEN_REFRESH_RESPONSE payload", err)
	}
	return resp, nil
}

// Sender enqueues an outbound envelope on the IPC bus; satisfied by
// ipc.Client on the crawler side. Mirrors crawlerworker.Sender so both
// packages can share one bus implementation without importing each other.
type Sender interface {
	Send(env *models.Envelope, priority bool)
}

// ClientRefresher is the crawler-side glue implementing
// crawlerworker.TokenRefresher: it sends a TOKEN_REFRESH_REQUEST envelope
// and awaits the correlated TOKEN_REFRESH_RESPONSE via Correlator, per
// spec §4.3.
type ClientRefresher struct {
	selfID     string
	bus        Sender
	correlator *Correlator
	newReqID   func() string
}

// NewClientRefresher constructs a ClientRefresher. newRequestID mints a
// correlation id (common.NewRequestID in production wiring).
func NewClientRefresher(selfID string, bus Sender, correlator *Correlator, newRequestID func() string) *ClientRefresher {
	return &ClientRefresher{selfID: selfID, bus: bus, correlator: correlator, newReqID: newRequestID}
}

// Refresh sends the request and blocks on the correlated response.
func (r *ClientRefresher) Refresh(ctx context.Context, providerID, accountID, userID string) (models.TokenRefreshResponsePayload, error) {
	requestID := r.newReqID()

	r.bus.Send(&models.Envelope{
		Origin:      r.selfID,
		Destination: models.DestinationBackend,
		Type:        models.EnvelopeTypeMessage,
		Key:         models.KeyTokenRefreshRequest,
		Payload: models.TokenRefreshRequestPayload{
			RequestID:  requestID,
			ProviderID: providerID,
			AccountID:  accountID,
			UserID:     userID,
		},
		Timestamp: time.Now().UnixMilli(),
	}, true)

	return r.correlator.Await(ctx, requestID)
}

// HandleTokenRefreshResponse decodes a TOKEN_REFRESH_RESPONSE envelope
// payload and resolves the matching Await call. Wired as the crawler bus's
// message handler for models.KeyTokenRefreshResponse.
func (r *ClientRefresher) HandleTokenRefreshResponse(payload interface{}) error {
	resp, err := decodeTokenRefreshResponse(payload)
	if err != nil {
		return err
	}
	r.correlator.Resolve(resp)
	return nil
}
