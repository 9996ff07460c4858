// Package events defines the tagged event model pushed to every connected
// observer. Events are produced by the session stdout reader and the
// recognition relay and consumed by the broadcast registry.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind names the event on the wire ("event" field).
type Kind string

const (
	KindDTMFReceived       Kind = "dtmf_received"
	KindRecognitionPartial Kind = "recognition_partial"
	KindRecognitionFinal   Kind = "recognition_final"
)

// Event is implemented by every broadcastable variant.
type Event interface {
	Kind() Kind
}

// DTMFReceived is emitted when the call agent reports a keypress.
type DTMFReceived struct {
	Digit string
}

func (DTMFReceived) Kind() Kind { return KindDTMFReceived }

// RecognitionPartial carries an in-progress transcript.
type RecognitionPartial struct {
	Text string
}

func (RecognitionPartial) Kind() Kind { return KindRecognitionPartial }

// RecognitionFinal carries a finished utterance.
type RecognitionFinal struct {
	Text string
}

func (RecognitionFinal) Kind() Kind { return KindRecognitionFinal }

// Relayed is any other well-formed record from the recognition engine,
// e.g. recognition_final_on_stop. Fields holds everything except "event".
type Relayed struct {
	Name   string
	Fields map[string]any
}

func (r Relayed) Kind() Kind { return Kind(r.Name) }

// ErrMalformed is returned by Decode for lines that are not event records.
var ErrMalformed = errors.New("malformed event")

// Encode renders ev as the JSON object sent to observers.
func Encode(ev Event) ([]byte, error) {
	m := map[string]any{"event": string(ev.Kind())}
	switch v := ev.(type) {
	case DTMFReceived:
		m["digit"] = v.Digit
	case RecognitionPartial:
		m["text"] = v.Text
	case RecognitionFinal:
		m["text"] = v.Text
	case Relayed:
		for k, val := range v.Fields {
			if k == "event" {
				continue
			}
			m[k] = val
		}
	default:
		return nil, fmt.Errorf("encode: unknown event type %T", ev)
	}
	return json.Marshal(m)
}

// Decode parses one newline-delimited record from the recognition engine.
// Known kinds become their typed variant; other records with an "event"
// name become Relayed.
func Decode(line []byte) (Event, error) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty line", ErrMalformed)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(trimmed), &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	name, _ := m["event"].(string)
	if name == "" {
		return nil, fmt.Errorf("%w: missing event name", ErrMalformed)
	}
	text, hasText := m["text"].(string)
	switch Kind(name) {
	case KindRecognitionPartial:
		if hasText {
			return RecognitionPartial{Text: text}, nil
		}
	case KindRecognitionFinal:
		if hasText {
			return RecognitionFinal{Text: text}, nil
		}
	case KindDTMFReceived:
		if d, ok := m["digit"].(string); ok {
			return DTMFReceived{Digit: d}, nil
		}
	}
	delete(m, "event")
	return Relayed{Name: name, Fields: m}, nil
}
