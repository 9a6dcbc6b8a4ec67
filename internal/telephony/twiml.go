// Package telephony is the Twilio-facing adapter: webhook handlers, TwiML
// rendering, request signature validation, the per-call media-stream
// WebSocket, and the REST client used for call control.
package telephony

import (
	"encoding/xml"
	"fmt"
	"strings"
)

const twimlHeader = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"

// ErrorTwiML is spoken when no assistant is configured for the dialled
// number.
const ErrorTwiML = twimlHeader +
	`<Response><Say>We are sorry, this number is not configured. Goodbye.</Say><Hangup/></Response>`

// ConnectStreamTwiML connects the call to the audio WebSocket on host.
func ConnectStreamTwiML(host, prefix, callSID string) string {
	url := fmt.Sprintf("wss://%s%s/stream/%s", host, prefix, callSID)
	return twimlHeader +
		`<Response><Connect><Stream url="` + xmlEscape(url) + `"/></Connect></Response>`
}

// DialTwiML renders the transfer TwiML for a phone number. transferType
// "sip_refer" produces a SIP dial; everything else dials the number
// directly.
func DialTwiML(phoneNumber, transferType string) string {
	if transferType == "sip_refer" {
		return twimlHeader +
			`<Response><Dial><Sip>` + xmlEscape("sip:"+phoneNumber) + `</Sip></Dial></Response>`
	}
	return twimlHeader +
		`<Response><Dial><Number>` + xmlEscape(phoneNumber) + `</Number></Dial></Response>`
}

func xmlEscape(s string) string {
	var sb strings.Builder
	if err := xml.EscapeText(&sb, []byte(s)); err != nil {
		return s
	}
	return sb.String()
}
