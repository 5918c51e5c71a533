package envelope

import (
	"fmt"
	"strconv"
	"time"
)

// Broker header names for the delivery metadata. The three retry fields keep
// the names used by every upstream requeue mechanism so they survive
// broker-native redelivery unchanged.
const (
	HeaderMessageID       = "message-id"
	HeaderBusinessKey     = "business-key"
	HeaderRetryCount      = "retry-count"
	HeaderOriginQueue     = "original-queue"
	HeaderLastError       = "exception-message"
	HeaderReprocessCount  = "reprocess-count"
	HeaderFirstEnqueuedAt = "first-enqueued-at"
	HeaderLastAttemptAt   = "last-attempt-at"
)

const timeLayout = time.RFC3339Nano

// Headers encodes the envelope metadata as broker headers. The payload is not
// part of the map: transports carry it as the message body, and the business
// key doubles as the record key.
func (e *Envelope) Headers() map[string][]byte {
	h := map[string][]byte{
		HeaderMessageID:   []byte(e.MessageID),
		HeaderBusinessKey: []byte(e.BusinessKey),
		HeaderRetryCount:  []byte(strconv.Itoa(e.AttemptCount)),
		HeaderOriginQueue: []byte(e.OriginQueue),
	}
	if e.LastError != "" {
		h[HeaderLastError] = []byte(e.LastError)
	}
	if e.ReprocessCount > 0 {
		h[HeaderReprocessCount] = []byte(strconv.Itoa(e.ReprocessCount))
	}
	if !e.FirstEnqueuedAt.IsZero() {
		h[HeaderFirstEnqueuedAt] = []byte(e.FirstEnqueuedAt.UTC().Format(timeLayout))
	}
	if !e.LastAttemptAt.IsZero() {
		h[HeaderLastAttemptAt] = []byte(e.LastAttemptAt.UTC().Format(timeLayout))
	}
	return h
}

// FromHeaders decodes an envelope from a delivered message. The key is the
// broker record key (Kafka) or message id (AMQP) and is the fallback business
// key when the header is absent. Optional headers may be missing; counters
// must parse or the message is considered malformed.
func FromHeaders(key, payload []byte, headers map[string][]byte) (*Envelope, error) {
	e := &Envelope{
		Payload: cloneBytes(payload),
	}

	e.BusinessKey = headerString(headers, HeaderBusinessKey)
	if e.BusinessKey == "" {
		e.BusinessKey = string(key)
	}
	if e.BusinessKey == "" {
		return nil, ErrMissingBusinessKey
	}

	e.MessageID = headerString(headers, HeaderMessageID)
	e.OriginQueue = headerString(headers, HeaderOriginQueue)
	e.LastError = headerString(headers, HeaderLastError)

	var err error
	if e.AttemptCount, err = headerInt(headers, HeaderRetryCount); err != nil {
		return nil, err
	}
	if e.AttemptCount < 0 {
		return nil, fmt.Errorf("envelope: header %s must not be negative, got %d", HeaderRetryCount, e.AttemptCount)
	}
	if e.ReprocessCount, err = headerInt(headers, HeaderReprocessCount); err != nil {
		return nil, err
	}

	// Timestamps are observability data; a value that fails to parse is
	// dropped rather than poisoning the message.
	e.FirstEnqueuedAt = headerTime(headers, HeaderFirstEnqueuedAt)
	e.LastAttemptAt = headerTime(headers, HeaderLastAttemptAt)

	return e, nil
}

func headerString(headers map[string][]byte, name string) string {
	if v, ok := headers[name]; ok {
		return string(v)
	}
	return ""
}

func headerInt(headers map[string][]byte, name string) (int, error) {
	v, ok := headers[name]
	if !ok || len(v) == 0 {
		return 0, nil
	}
	n, err := strconv.Atoi(string(v))
	if err != nil {
		return 0, fmt.Errorf("envelope: header %s is not an integer: %w", name, err)
	}
	return n, nil
}

func headerTime(headers map[string][]byte, name string) time.Time {
	v, ok := headers[name]
	if !ok || len(v) == 0 {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, string(v))
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
