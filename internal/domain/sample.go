package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Sample is one historized value of a tag, as delivered by a subscription
// notification or republished on heartbeat.
type Sample struct {
	TagID     int64     `json:"tag_id" cbor:"1,keyasint"`
	Value     float64   `json:"value" cbor:"2,keyasint"`
	Timestamp time.Time `json:"ts" cbor:"3,keyasint"`
	Quality   uint32    `json:"quality" cbor:"4,keyasint"`
	// Null marks a notification that carried a status but no value, as
	// servers send when a source goes bad. Value is then ignored and the
	// row is written with a NULL value.
	Null bool `json:"null,omitempty" cbor:"5,keyasint,omitempty"`
}

// QualityGood is the OPC UA StatusGood code.
const QualityGood uint32 = 0

var ErrMalformedSample = errors.New("malformed sample")

// Validate rejects samples that can never be persisted.
func (s *Sample) Validate() error {
	switch {
	case s == nil:
		return fmt.Errorf("%w: nil", ErrMalformedSample)
	case s.TagID <= 0:
		return fmt.Errorf("%w: tag_id %d", ErrMalformedSample, s.TagID)
	case !s.Null && (math.IsNaN(s.Value) || math.IsInf(s.Value, 0)):
		return fmt.Errorf("%w: tag %d value %v", ErrMalformedSample, s.TagID, s.Value)
	case s.Timestamp.IsZero():
		return fmt.Errorf("%w: tag %d has no timestamp", ErrMalformedSample, s.TagID)
	}
	return nil
}

// Arg is the value column argument: nil for Null samples.
func (s *Sample) Arg() any {
	if s.Null {
		return nil
	}
	return s.Value
}
