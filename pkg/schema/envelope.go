package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"
)

const (
	SpecVersion     = "1.0"
	ContentTypeJSON = "application/json"
)

var (
	// ErrInvalidEnvelope is returned when an envelope cannot be decoded or misses
	// a required attribute.
	ErrInvalidEnvelope = errors.New("invalid envelope")
	// ErrMissingCorrelationKey is returned when neither the correlationkey
	// extension nor the configured data field carries a key.
	ErrMissingCorrelationKey = errors.New("missing correlation key")
)

var validate = validator.New()

// Envelope is the CloudEvents 1.0 structured-mode JSON representation of a
// message on the wire. CorrelationKey is carried as the correlationkey extension.
type Envelope struct {
	SpecVersion     string          `json:"specversion" validate:"required,eq=1.0"`
	ID              string          `json:"id" validate:"required"`
	Time            time.Time       `json:"time"`
	Source          string          `json:"source" validate:"required"`
	Type            string          `json:"type" validate:"required"`
	DataContentType string          `json:"datacontenttype,omitempty"`
	CorrelationKey  string          `json:"correlationkey,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope wraps data, which must be JSON, into an envelope.
func NewEnvelope(id, source, eventType, correlationKey string, data []byte, at time.Time) *Envelope {
	return &Envelope{
		SpecVersion:     SpecVersion,
		ID:              id,
		Time:            at.UTC(),
		Source:          source,
		Type:            eventType,
		DataContentType: ContentTypeJSON,
		CorrelationKey:  correlationKey,
		Data:            data,
	}
}

// Validate checks the required CloudEvents attributes and that data is JSON.
func (e *Envelope) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if len(e.Data) > 0 && !json.Valid(e.Data) {
		return fmt.Errorf("%w: data is not valid JSON", ErrInvalidEnvelope)
	}
	return nil
}

// Encode validates and serializes the envelope.
func (e *Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses and validates a structured-mode envelope.
func Decode(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// ResolveCorrelationKey returns the correlationkey extension, or the string value
// at path field inside data when the extension is absent.
func (e *Envelope) ResolveCorrelationKey(field string) (string, error) {
	if e.CorrelationKey != "" {
		return e.CorrelationKey, nil
	}
	if field != "" && len(e.Data) > 0 {
		if v := gjson.GetBytes(e.Data, field); v.Exists() && v.String() != "" {
			return v.String(), nil
		}
	}
	return "", fmt.Errorf("%w: event %s", ErrMissingCorrelationKey, e.ID)
}
