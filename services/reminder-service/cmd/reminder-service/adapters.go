package main

import (
	"log/slog"
	"strings"

	"github.com/md-rashed-zaman/carereminder/libs/config"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/channels"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/model"
)

// buildAdapters registers one adapter per configured channel. Channels left unconfigured stay
// out of the registry, so reminders on them fail permanently and escalate.
func buildAdapters(logger *slog.Logger, enq channels.EventEnqueuer) *channels.Registry {
	reg := channels.NewRegistry()

	twilio := channels.TwilioConfig{
		AccountSID:     config.String("TWILIO_ACCOUNT_SID", ""),
		AuthToken:      config.String("TWILIO_AUTH_TOKEN", ""),
		From:           config.String("TWILIO_FROM", ""),
		StatusCallback: config.String("TWILIO_STATUS_CALLBACK_URL", ""),
		BaseURL:        config.String("TWILIO_BASE_URL", ""),
	}

	switch provider := strings.ToLower(config.String("SMS_PROVIDER", "")); provider {
	case "":
		logger.Warn("SMS_PROVIDER not set, sms disabled")
	case "twilio":
		reg.Register(model.ChannelSMS, channels.NewTwilioSMS(twilio))
	case "webhook":
		reg.Register(model.ChannelSMS, channels.NewWebhook("sms-webhook",
			config.String("SMS_WEBHOOK_URL", ""), config.String("SMS_WEBHOOK_TOKEN", "")))
	case "noop":
		logger.Warn("sms uses the noop adapter, nothing will be delivered")
		reg.Register(model.ChannelSMS, channels.NewNoop("sms-noop"))
	default:
		logger.Warn("unknown sms provider, sms disabled", "provider", provider)
	}

	if from := config.String("TWILIO_WHATSAPP_FROM", ""); from != "" {
		wa := twilio
		wa.From = from
		reg.Register(model.ChannelWhatsApp, channels.NewTwilioWhatsApp(wa))
	}

	switch provider := strings.ToLower(config.String("EMAIL_PROVIDER", "smtp")); provider {
	case "sendgrid":
		reg.Register(model.ChannelEmail, channels.NewSendGrid(channels.SendGridConfig{
			APIKey:    config.String("SENDGRID_API_KEY", ""),
			FromName:  config.String("SENDGRID_FROM_NAME", "CareReminder"),
			FromEmail: config.String("SENDGRID_FROM_EMAIL", ""),
			Host:      config.String("SENDGRID_HOST", ""),
		}))
	case "smtp":
		reg.Register(model.ChannelEmail, channels.NewSMTP(channels.SMTPConfig{
			Host:     config.String("SMTP_HOST", "mailpit"),
			Port:     config.String("SMTP_PORT", "1025"),
			From:     config.String("SMTP_FROM", ""),
			Username: config.String("SMTP_USERNAME", ""),
			Password: config.String("SMTP_PASSWORD", ""),
			StartTLS: config.Bool("SMTP_STARTTLS", false),
		}))
	default:
		logger.Warn("unknown email provider, email disabled", "provider", provider)
	}

	if url := config.String("VOICE_WEBHOOK_URL", ""); url != "" {
		reg.Register(model.ChannelVoice, channels.NewWebhook("voice-webhook", url, config.String("VOICE_WEBHOOK_TOKEN", "")))
	}

	reg.Register(model.ChannelApp, channels.NewInApp(enq))

	logger.Info("channel adapters registered", "channels", reg.Channels())
	return reg
}
