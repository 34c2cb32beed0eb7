package protocol

import "encoding/json"

// ErrorReply is the structured error record workers and gateways push when
// a call fails. The error field tags it so callers can tell failures apart
// from results that merely look like errors.
type ErrorReply struct {
	Message      string `json:"message"`
	ResponseCode int    `json:"response_code"`
	Error        bool   `json:"error"`
	MoreInfo     string `json:"more_info,omitempty"`
}

// Presence is the reply to a no-exec envelope whose method resolved.
type Presence struct {
	Found bool   `json:"found"`
	Ref   string `json:"ref"`
}

// ReplyKind classifies a reply payload.
type ReplyKind int

const (
	// KindValue is a bare JSON value: the call's result.
	KindValue ReplyKind = iota

	// KindError is a tagged error record.
	KindError

	// KindPresence is a no-exec resolution report.
	KindPresence
)

// Reply is a classified reply payload. Raw always holds the bytes as
// received; Err and Presence are set for their kinds.
type Reply struct {
	Kind     ReplyKind
	Raw      json.RawMessage
	Err      *ErrorReply
	Presence *Presence
}

// EncodeResult serializes a call result. Results that cannot be expressed
// as JSON are an error; the worker logs and withholds the reply.
func EncodeResult(v any) ([]byte, error) {
	return json.Marshal(v)
}

// EncodeError serializes a tagged error record.
func EncodeError(message string, responseCode int) []byte {
	data, _ := json.Marshal(ErrorReply{
		Message:      message,
		ResponseCode: responseCode,
		Error:        true,
	})
	return data
}

// EncodePresence serializes a positive no-exec report. Ref is a printable
// description of the resolved callable, stable across repeated probes.
func EncodePresence(ref string) []byte {
	data, _ := json.Marshal(Presence{Found: true, Ref: ref})
	return data
}

// ParseReply classifies a reply payload. Anything that is not a tagged
// error record or a presence report is a plain result, including replies
// that fail to parse as JSON objects.
func ParseReply(data []byte) Reply {
	var probe struct {
		Error   bool    `json:"error"`
		Message *string `json:"message"`
		Found   *bool   `json:"found"`
		Ref     *string `json:"ref"`

		ResponseCode int    `json:"response_code"`
		MoreInfo     string `json:"more_info"`
	}
	if err := json.Unmarshal(data, &probe); err == nil {
		switch {
		case probe.Error && probe.Message != nil:
			return Reply{
				Kind: KindError,
				Raw:  data,
				Err: &ErrorReply{
					Message:      *probe.Message,
					ResponseCode: probe.ResponseCode,
					Error:        true,
					MoreInfo:     probe.MoreInfo,
				},
			}
		case probe.Found != nil && probe.Ref != nil:
			return Reply{
				Kind:     KindPresence,
				Raw:      data,
				Presence: &Presence{Found: *probe.Found, Ref: *probe.Ref},
			}
		}
	}
	return Reply{Kind: KindValue, Raw: data}
}
