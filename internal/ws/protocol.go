package ws

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sugawarayuuta/sonnet"

	"whale-backend/internal/models"
)

// Close codes sent to subscribers.
const (
	CloseAuthFailed   = 4003
	CloseAuthTimeout  = 4008
	CloseRateAbuse    = 4029
	CloseGoingAway    = 1001
	closeReasonAbuse  = "rate limit exceeded"
	closeReasonExpiry = "token expired"
)

// Error codes carried by error messages.
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeRateLimited    = "rate_limited"
	ErrorCodeForbidden      = "forbidden"
)

// Inbound message types.
const (
	typeAuth        = "auth"
	typeSubscribe   = "subscribe"
	typeUnsubscribe = "unsubscribe"
	typePing        = "ping"
	typePong        = "pong"
)

// Outbound message types.
const (
	typeAuthSuccess     = "auth_success"
	typeAuthFailed      = "auth_failed"
	typeSubscriptionAck = "subscription_ack"
	typeTransaction     = "transaction"
	typeConfirmation    = "confirmation"
	typeNetFlow         = "netflow"
	typeAlert           = "alert"
	typeAccuracy        = "accuracy"
	typeError           = "error"
)

// ErrInvalidMessage is returned for frames that are not a known inbound
// message.
var ErrInvalidMessage = errors.New("invalid message")

// Inbound is a message sent by a subscriber. The concrete types below are the
// only implementations.
type Inbound interface {
	inbound()
}

// AuthRequest carries the signed token and must be the first message.
type AuthRequest struct {
	Token string
}

// SubscribeRequest adds channels to the session.
type SubscribeRequest struct {
	Channels []models.Channel
}

// UnsubscribeRequest removes channels from the session.
type UnsubscribeRequest struct {
	Channels []models.Channel
}

// PingRequest asks the server for a pong.
type PingRequest struct{}

// PongRequest answers a server ping.
type PongRequest struct{}

func (AuthRequest) inbound()        {}
func (SubscribeRequest) inbound()   {}
func (UnsubscribeRequest) inbound() {}
func (PingRequest) inbound()        {}
func (PongRequest) inbound()        {}

type inboundFrame struct {
	Type     string   `json:"type"`
	Token    string   `json:"token"`
	Channels []string `json:"channels"`
}

// DecodeInbound parses one client frame.
func DecodeInbound(data []byte) (Inbound, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrInvalidMessage)
	}
	var f inboundFrame
	if err := sonnet.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch f.Type {
	case typeAuth:
		if f.Token == "" {
			return nil, fmt.Errorf("%w: auth without token", ErrInvalidMessage)
		}
		return AuthRequest{Token: f.Token}, nil
	case typeSubscribe, typeUnsubscribe:
		if len(f.Channels) == 0 {
			return nil, fmt.Errorf("%w: %s without channels", ErrInvalidMessage, f.Type)
		}
		channels := make([]models.Channel, 0, len(f.Channels))
		for _, name := range f.Channels {
			c, err := models.ParseChannel(name)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
			}
			channels = append(channels, c)
		}
		if f.Type == typeSubscribe {
			return SubscribeRequest{Channels: channels}, nil
		}
		return UnsubscribeRequest{Channels: channels}, nil
	case typePing:
		return PingRequest{}, nil
	case typePong:
		return PongRequest{}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, f.Type)
	}
}

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type authSuccessMessage struct {
	Type        string   `json:"type"`
	ClientID    string   `json:"client_id"`
	Permissions []string `json:"permissions"`
	ExpiresAt   int64    `json:"expires_at"`
}

type authFailedMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type subscriptionAckMessage struct {
	Type     string           `json:"type"`
	Channels []models.Channel `json:"channels"`
}

type errorMessage struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

var (
	pingFrame = []byte(`{"type":"ping"}`)
	pongFrame = []byte(`{"type":"pong"}`)
)

func encode(v any) ([]byte, error) {
	data, err := sonnet.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return data, nil
}

func encodeEnvelope(typ string, data any) ([]byte, error) {
	return encode(envelope{Type: typ, Data: data})
}

func errorFrame(code, message string, retryAfter time.Duration) errorMessage {
	return errorMessage{
		Type:       typeError,
		Code:       code,
		Message:    message,
		RetryAfter: retrySeconds(retryAfter),
	}
}

// retrySeconds rounds a positive delay up to whole seconds.
func retrySeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
