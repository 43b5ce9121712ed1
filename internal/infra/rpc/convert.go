package rpc

import (
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// ToTimestamp converts a time to a protobuf Timestamp, mapping nil to
// nil.
func ToTimestamp(t *time.Time) *timestamppb.Timestamp {
	if t == nil {
		return nil
	}
	return timestamppb.New(*t)
}

// ToTime converts a protobuf Timestamp to a UTC time. A nil timestamp
// converts to the zero time.
func ToTime(ts *timestamppb.Timestamp) time.Time {
	if ts == nil {
		return time.Time{}
	}
	return ts.AsTime()
}
