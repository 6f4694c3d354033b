// Package feed moves events between the engine and message brokers. Events
// travel as a small protobuf message:
//
//	message Event {
//	  bytes item = 1;
//	  uint64 weight = 2;
//	  google.protobuf.Timestamp timestamp = 3;
//	}
package feed

import (
	"HeavySpectra/internal/model"
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const (
	fieldItem      protowire.Number = 1
	fieldWeight    protowire.Number = 2
	fieldTimestamp protowire.Number = 3
)

// ErrMalformedEvent is returned by Decode for payloads that are not a valid
// event message.
var ErrMalformedEvent = errors.New("malformed event")

// Encode serializes ev. An empty item is rejected; a zero weight is written
// as-is and decodes back to 1.
func Encode(ev model.Event) ([]byte, error) {
	if ev.Item == "" {
		return nil, fmt.Errorf("%w: empty item", ErrMalformedEvent)
	}
	b := make([]byte, 0, len(ev.Item)+24)
	b = protowire.AppendTag(b, fieldItem, protowire.BytesType)
	b = protowire.AppendString(b, ev.Item)
	if ev.Weight != 0 {
		b = protowire.AppendTag(b, fieldWeight, protowire.VarintType)
		b = protowire.AppendVarint(b, ev.Weight)
	}
	if !ev.Timestamp.IsZero() {
		ts, err := proto.Marshal(timestamppb.New(ev.Timestamp))
		if err != nil {
			return nil, fmt.Errorf("marshalling timestamp: %w", err)
		}
		b = protowire.AppendTag(b, fieldTimestamp, protowire.BytesType)
		b = protowire.AppendBytes(b, ts)
	}
	return b, nil
}

// Decode parses an event message. Unknown fields are skipped; a missing
// weight becomes 1 and a missing timestamp becomes received.
func Decode(data []byte, received time.Time) (model.Event, error) {
	var ev model.Event
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return ev, fmt.Errorf("%w: %v", ErrMalformedEvent, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldItem && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return ev, fmt.Errorf("%w: item: %v", ErrMalformedEvent, protowire.ParseError(m))
			}
			ev.Item, n = v, m
		case num == fieldWeight && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return ev, fmt.Errorf("%w: weight: %v", ErrMalformedEvent, protowire.ParseError(m))
			}
			ev.Weight, n = v, m
		case num == fieldTimestamp && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return ev, fmt.Errorf("%w: timestamp: %v", ErrMalformedEvent, protowire.ParseError(m))
			}
			var ts timestamppb.Timestamp
			if err := proto.Unmarshal(v, &ts); err != nil {
				return ev, fmt.Errorf("%w: timestamp: %v", ErrMalformedEvent, err)
			}
			if err := ts.CheckValid(); err != nil {
				return ev, fmt.Errorf("%w: timestamp: %v", ErrMalformedEvent, err)
			}
			ev.Timestamp, n = ts.AsTime(), m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return ev, fmt.Errorf("%w: field %d: %v", ErrMalformedEvent, num, protowire.ParseError(n))
			}
		}
		data = data[n:]
	}
	if ev.Item == "" {
		return ev, fmt.Errorf("%w: empty item", ErrMalformedEvent)
	}
	ev.Normalize(received)
	return ev, nil
}
