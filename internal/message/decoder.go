// Package message decodes inbound queue messages into typed job requests.
package message

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/labelworks/print-relay/internal/job"
)

// Attribute names expected on inbound messages.
const (
	AttrOrderNumber = "order_number"
	AttrEventDate   = "event_date"
	AttrReprint     = "reprint"
)

// Kind classifies decode failures. All of them are permanent: redelivering
// a malformed message cannot make it parse.
type Kind int

const (
	MalformedPayload Kind = iota
	MissingAttribute
	InvalidAttribute
)

func (k Kind) String() string {
	switch k {
	case MalformedPayload:
		return "malformed_payload"
	case MissingAttribute:
		return "missing_attribute"
	case InvalidAttribute:
		return "invalid_attribute"
	default:
		return "unknown"
	}
}

// DecodeError describes why a message could not be decoded.
type DecodeError struct {
	Kind   Kind
	Attr   string // attribute at fault, empty for payload problems
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Attr != "" {
		return fmt.Sprintf("decode: %s %q: %s", e.Kind, e.Attr, e.Detail)
	}
	return fmt.Sprintf("decode: %s: %s", e.Kind, e.Detail)
}

// IsDecodeError reports whether err is a DecodeError and returns it.
func IsDecodeError(err error) (*DecodeError, bool) {
	var de *DecodeError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// Decoder validates and parses raw messages. It is stateless and safe for
// concurrent use.
type Decoder struct {
	maxPayloadBytes int64
}

// NewDecoder creates a decoder enforcing the given payload size ceiling.
// A ceiling <= 0 disables the size check.
func NewDecoder(maxPayloadBytes int64) *Decoder {
	return &Decoder{maxPayloadBytes: maxPayloadBytes}
}

// Decode turns a message body and its attribute map into a job.Request.
// It has no side effects; decoding the same message twice yields equal
// requests.
func (d *Decoder) Decode(body []byte, attrs map[string]string) (job.Request, error) {
	if len(body) == 0 {
		return job.Request{}, &DecodeError{Kind: MalformedPayload, Detail: "empty payload"}
	}
	if d.maxPayloadBytes > 0 && int64(len(body)) > d.maxPayloadBytes {
		return job.Request{}, &DecodeError{
			Kind:   MalformedPayload,
			Detail: fmt.Sprintf("payload is %d bytes, limit is %d", len(body), d.maxPayloadBytes),
		}
	}

	rawOrder, ok := attrs[AttrOrderNumber]
	if !ok || rawOrder == "" {
		return job.Request{}, &DecodeError{Kind: MissingAttribute, Attr: AttrOrderNumber, Detail: "attribute not set"}
	}
	orderNumber, err := strconv.ParseInt(rawOrder, 10, 64)
	if err != nil {
		return job.Request{}, &DecodeError{Kind: InvalidAttribute, Attr: AttrOrderNumber, Detail: "not an integer"}
	}
	if orderNumber <= 0 {
		return job.Request{}, &DecodeError{Kind: InvalidAttribute, Attr: AttrOrderNumber, Detail: "must be positive"}
	}

	rawDate, ok := attrs[AttrEventDate]
	if !ok || rawDate == "" {
		return job.Request{}, &DecodeError{Kind: MissingAttribute, Attr: AttrEventDate, Detail: "attribute not set"}
	}
	eventDate, err := time.Parse(job.DateLayout, rawDate)
	if err != nil {
		return job.Request{}, &DecodeError{Kind: InvalidAttribute, Attr: AttrEventDate, Detail: "not an ISO-8601 calendar date"}
	}

	reprint := false
	if rawReprint, ok := attrs[AttrReprint]; ok && rawReprint != "" {
		reprint, err = strconv.ParseBool(rawReprint)
		if err != nil {
			return job.Request{}, &DecodeError{Kind: InvalidAttribute, Attr: AttrReprint, Detail: "not a boolean"}
		}
	}

	return job.Request{
		Key:     job.NewKey(orderNumber, eventDate),
		Payload: body,
		Reprint: reprint,
	}, nil
}
