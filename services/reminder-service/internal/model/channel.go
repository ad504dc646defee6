package model

import (
	"fmt"
	"strings"
)

type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelEmail    Channel = "email"
	ChannelVoice    Channel = "voice"
	ChannelApp      Channel = "app"
	ChannelWhatsApp Channel = "whatsapp"
)

var Channels = []Channel{ChannelSMS, ChannelEmail, ChannelVoice, ChannelApp, ChannelWhatsApp}

func (c Channel) Valid() bool {
	switch c {
	case ChannelSMS, ChannelEmail, ChannelVoice, ChannelApp, ChannelWhatsApp:
		return true
	}
	return false
}

func ParseChannel(s string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown channel %q", s)
	}
	return c, nil
}

// Destination picks the address a reminder on channel c is sent to.
// In-app messages are addressed to the patient id.
func (c Channel) Destination(p Person) string {
	switch c {
	case ChannelSMS, ChannelVoice:
		return strings.TrimSpace(p.Phone)
	case ChannelWhatsApp:
		phone := strings.TrimSpace(p.Phone)
		if phone == "" {
			return ""
		}
		return "whatsapp:" + strings.TrimPrefix(phone, "whatsapp:")
	case ChannelEmail:
		return strings.TrimSpace(p.Email)
	case ChannelApp:
		return p.ID
	}
	return ""
}
