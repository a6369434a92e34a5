package bulkio

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Units used in StreamSRI.XUnits / YUnits.
const (
	UnitsNone      int16 = 0
	UnitsTime      int16 = 1
	UnitsDelay     int16 = 2
	UnitsFrequency int16 = 3
)

// Keyword is a named, typed value attached to a stream's SRI.
type Keyword struct {
	ID    string
	Value *structpb.Value
}

// StreamSRI is the signal-related information describing a stream: sample
// spacing, complex-mode flag and stream identifier, plus the auxiliary
// fields the modulator passes through untouched.
type StreamSRI struct {
	HVersion int32
	XStart   float64
	XDelta   float64
	XUnits   int16
	Subsize  int32
	YStart   float64
	YDelta   float64
	YUnits   int16
	Complex  bool
	StreamID string
	Blocking bool
	Keywords []Keyword
}

// CreateSRI returns the default SRI for streamID: unit sample spacing in
// seconds, real-valued, non-blocking.
func CreateSRI(streamID string) StreamSRI {
	return StreamSRI{
		HVersion: 1,
		XDelta:   1.0,
		XUnits:   UnitsTime,
		StreamID: streamID,
	}
}

// SampleRate returns 1/XDelta, or zero when the spacing is unset.
func (s StreamSRI) SampleRate() float64 {
	if s.XDelta == 0 {
		return 0
	}
	return 1 / s.XDelta
}

// Clone returns a deep copy; keyword values are not shared.
func (s StreamSRI) Clone() StreamSRI {
	out := s
	if s.Keywords != nil {
		out.Keywords = make([]Keyword, len(s.Keywords))
		for i, kw := range s.Keywords {
			out.Keywords[i] = Keyword{ID: kw.ID}
			if kw.Value != nil {
				out.Keywords[i].Value = proto.Clone(kw.Value).(*structpb.Value)
			}
		}
	}
	return out
}

// Equal compares two SRIs field by field. Keywords must match in order, id
// and value.
func (s StreamSRI) Equal(o StreamSRI) bool {
	if s.HVersion != o.HVersion ||
		s.XStart != o.XStart ||
		s.XDelta != o.XDelta ||
		s.XUnits != o.XUnits ||
		s.Subsize != o.Subsize ||
		s.YStart != o.YStart ||
		s.YDelta != o.YDelta ||
		s.YUnits != o.YUnits ||
		s.Complex != o.Complex ||
		s.StreamID != o.StreamID ||
		s.Blocking != o.Blocking ||
		len(s.Keywords) != len(o.Keywords) {
		return false
	}
	for i := range s.Keywords {
		if s.Keywords[i].ID != o.Keywords[i].ID {
			return false
		}
		if !proto.Equal(s.Keywords[i].Value, o.Keywords[i].Value) {
			return false
		}
	}
	return true
}

// Keyword looks up a keyword value by id.
func (s StreamSRI) Keyword(id string) (*structpb.Value, bool) {
	for _, kw := range s.Keywords {
		if kw.ID == id {
			return kw.Value, true
		}
	}
	return nil, false
}

// SetKeyword adds or replaces keyword id. v must be representable by
// structpb.NewValue (nil, bool, numbers, string, []any, map[string]any).
func (s *StreamSRI) SetKeyword(id string, v any) error {
	val, err := structpb.NewValue(v)
	if err != nil {
		return fmt.Errorf("keyword %q: %w", id, err)
	}
	for i := range s.Keywords {
		if s.Keywords[i].ID == id {
			s.Keywords[i].Value = val
			return nil
		}
	}
	s.Keywords = append(s.Keywords, Keyword{ID: id, Value: val})
	return nil
}

// KeywordsJSON renders the keywords as a JSON object. Later duplicates of an
// id win.
func (s StreamSRI) KeywordsJSON() ([]byte, error) {
	st := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(s.Keywords))}
	for _, kw := range s.Keywords {
		v := kw.Value
		if v == nil {
			v = structpb.NewNullValue()
		}
		st.Fields[kw.ID] = v
	}
	return protojson.Marshal(st)
}
