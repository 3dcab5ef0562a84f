// twilio.go -- Twilio Messages API sender built on twilio-go.
package sms

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioConfig holds the account triple plus optional overrides.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string

	// MaxRetries bounds retries of 429/5xx responses. Zero means 2.
	MaxRetries uint64
	// Backoff is the first retry delay. Zero means 200ms.
	Backoff time.Duration
}

// messageCreator is the slice of the twilio-go Api service TwilioSender uses.
// Satisfied by *twilioapi.ApiService.
type messageCreator interface {
	CreateMessage(params *twilioapi.CreateMessageParams) (*twilioapi.ApiV2010Message, error)
}

// TwilioSender sends messages through the Twilio Messages API.
type TwilioSender struct {
	cfg TwilioConfig
	api messageCreator
}

// NewTwilioSender validates cfg and returns a ready sender.
func NewTwilioSender(cfg TwilioConfig) (*TwilioSender, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.From == "" {
		return nil, ErrNotConfigured
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newTwilioSender(cfg, client.Api), nil
}

func newTwilioSender(cfg TwilioConfig, api messageCreator) *TwilioSender {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	return &TwilioSender{cfg: cfg, api: api}
}

// Send creates one message. Rate-limit and server errors are retried with
// exponential backoff; other API errors (bad number, unverified sender) are not.
// twilio-go takes no context, so ctx only bounds the retry loop.
func (s *TwilioSender) Send(ctx context.Context, to, body string) error {
	params := &twilioapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.cfg.From)
	params.SetBody(body)

	backoff := retry.WithMaxRetries(s.cfg.MaxRetries, retry.NewExponential(s.cfg.Backoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := s.api.CreateMessage(params)
		if err == nil {
			return nil
		}
		var apiErr *twilioclient.TwilioRestError
		if errors.As(err, &apiErr) {
			err = fmt.Errorf("twilio returned %d (code %d): %s", apiErr.Status, apiErr.Code, apiErr.Message)
			if apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500 {
				return retry.RetryableError(err)
			}
			return err
		}
		// Transport failure: nothing reached the API.
		return retry.RetryableError(fmt.Errorf("calling twilio: %w", err))
	})
}
