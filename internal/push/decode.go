package push

import "github.com/tidwall/gjson"

// DecodeJSON builds an InboundMessage from a push body. Two shapes are
// accepted: the FCM-style envelope
//
//	{"data": {...}, "notification": {"title": "...", "body": "..."}}
//
// and a flat object whose top-level keys are the data payload. Decoding never
// fails: malformed input produces an empty message, which classifies as
// CategoryDefault. Non-string scalar values are kept in their JSON text form.
func DecodeJSON(body []byte) InboundMessage {
	msg := InboundMessage{Data: map[string]string{}}
	if !gjson.ValidBytes(body) {
		return msg
	}

	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return msg
	}

	data := root.Get("data")
	notification := root.Get("notification")
	if !data.Exists() && !notification.Exists() {
		data = root
	}

	if data.IsObject() {
		data.ForEach(func(key, value gjson.Result) bool {
			if value.IsObject() || value.IsArray() || value.Type == gjson.Null {
				return true
			}
			msg.Data[key.String()] = value.String()
			return true
		})
	}

	if notification.IsObject() {
		msg.Title = notification.Get("title").String()
		msg.Body = notification.Get("body").String()
	}

	return msg
}
