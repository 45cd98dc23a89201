package push

import "strings"

// Category is the classification assigned to an inbound push message.
type Category string

const (
	CategoryCall    Category = "call"
	CategoryMessage Category = "message"
	CategoryDefault Category = "default"

	// CategoryCallCancel marks a push that withdraws a previously delivered
	// call (the caller hung up before the user decided).
	CategoryCallCancel Category = "call_cancel"
)

// Payload keys understood by the classifier.
const (
	KeyType       = "type"
	KeyCallID     = "call_id"
	KeyCallerName = "caller_name"
	KeyCallerID   = "caller_id"
	KeyTitle      = "title"
	KeyBody       = "body"
)

// UnknownCaller is shown when a call push carries no caller name.
const UnknownCaller = "Unknown Caller"

// InboundMessage is a push message as delivered by the push channel: an
// opaque string payload plus the optional native title and body.
type InboundMessage struct {
	Data  map[string]string
	Title string
	Body  string
}

// CallIdentity names a call and its caller. CallID is the correlation key
// for every alert, action and session that refers to the call.
type CallIdentity struct {
	CallID     string `json:"call_id"`
	CallerName string `json:"caller_name"`
	CallerID   string `json:"caller_id"`
}

// Classified is the result of classifying an InboundMessage. Call is only
// meaningful for CategoryCall and CategoryCallCancel; Title and Body only for
// CategoryMessage and CategoryDefault.
type Classified struct {
	Category Category
	Call     CallIdentity
	Title    string
	Body     string
	Raw      map[string]string
}

// Classify assigns msg a category and extracts its normalized fields. It is
// total: every input, including a nil payload, yields a usable result.
func Classify(msg InboundMessage) Classified {
	raw := make(map[string]string, len(msg.Data))
	for k, v := range msg.Data {
		raw[k] = v
	}

	c := Classified{Raw: raw}

	switch Category(strings.ToLower(field(raw, KeyType))) {
	case CategoryCall:
		c.Category = CategoryCall
		c.Call = identity(raw)
	case CategoryCallCancel:
		c.Category = CategoryCallCancel
		c.Call = identity(raw)
	case CategoryMessage:
		c.Category = CategoryMessage
		c.Title = field(raw, KeyTitle)
		c.Body = field(raw, KeyBody)
	default:
		c.Category = CategoryDefault
		c.Title = strings.TrimSpace(msg.Title)
		c.Body = strings.TrimSpace(msg.Body)
	}

	return c
}

func identity(raw map[string]string) CallIdentity {
	id := CallIdentity{
		CallID:     field(raw, KeyCallID),
		CallerName: field(raw, KeyCallerName),
		CallerID:   field(raw, KeyCallerID),
	}
	if id.CallerName == "" {
		id.CallerName = UnknownCaller
	}
	return id
}

// field returns the trimmed value for key, or "" when absent.
func field(raw map[string]string, key string) string {
	return strings.TrimSpace(raw[key])
}
