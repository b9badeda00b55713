package delivery

import (
	"context"
	"errors"
	"net/http"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/nao1215/ordernotify/pkg/config"
)

const channelSMS = "sms"

// messageCreator はTwilioのメッセージ作成API。
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioSMS はTwilio経由でSMSを送信する。
type TwilioSMS struct {
	api  messageCreator
	from string
}

// NewTwilioSMS は設定からTwilioSMSを生成する。SMSが無効な場合はnilを返す。
func NewTwilioSMS(cfg config.SMSConfig) *TwilioSMS {
	if !cfg.Enabled {
		return nil
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioSMS{api: client.Api, from: cfg.From}
}

// Send はSMSを送信する。Twilioが5xxまたは429を返した場合は一時的な失敗として扱う。
func (s *TwilioSMS) Send(ctx context.Context, to, body string) error {
	if err := ctx.Err(); err != nil {
		return transient(channelSMS, err)
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(body)
	if _, err := s.api.CreateMessage(params); err != nil {
		return classifyTwilioError(err)
	}
	return nil
}

func classifyTwilioError(err error) error {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		if restErr.Status >= http.StatusInternalServerError || restErr.Status == http.StatusTooManyRequests {
			return transient(channelSMS, err)
		}
		return permanent(channelSMS, err)
	}
	return transient(channelSMS, err)
}
