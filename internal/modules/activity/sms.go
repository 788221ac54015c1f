package activity

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioTexter sends crew alerts to the driver's phone as a fallback to push.
type TwilioTexter struct {
	client     *twilio.RestClient
	fromNumber string
}

func NewTwilioTexter(accountSID, authToken, fromNumber string) *TwilioTexter {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioTexter{client: client, fromNumber: fromNumber}
}

// Text ignores ctx; the Twilio REST client has no context-aware API.
func (t *TwilioTexter) Text(_ context.Context, to, body string) error {
	params := &api.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(t.fromNumber)
	params.SetBody(body)
	if _, err := t.client.Api.CreateMessage(params); err != nil {
		return fmt.Errorf("twilio send to %s: %w", to, err)
	}
	return nil
}
