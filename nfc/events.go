package nfc

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event is one entry of a card transaction transcript.
type Event struct {
	Seq    int               `json:"seq"`
	Time   time.Time         `json:"time"`
	Step   string            `json:"step"`
	Fields map[string]string `json:"fields,omitempty"`
	Err    string            `json:"error,omitempty"`
}

// Observer receives transcript events as they happen.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Transcript is an append-only event log scoped to one transaction.
type Transcript struct {
	mu     sync.Mutex
	events []Event
	next   Observer
	now    func() time.Time
}

// NewTranscript creates a transcript that forwards every event to next,
// which may be nil.
func NewTranscript(next Observer) *Transcript {
	return &Transcript{next: next, now: time.Now}
}

// Observe records e. Seq and Time are assigned here.
func (t *Transcript) Observe(e Event) {
	t.mu.Lock()
	e.Seq = len(t.events) + 1
	if e.Time.IsZero() {
		e.Time = t.now()
	}
	t.events = append(t.events, e)
	next := t.next
	t.mu.Unlock()

	if next != nil {
		next.Observe(e)
	}
}

// Events returns a copy of the recorded events.
func (t *Transcript) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

// Len returns the number of recorded events.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

// LogObserver mirrors events to a zerolog logger.
type LogObserver struct {
	Logger zerolog.Logger
}

func (o LogObserver) Observe(e Event) {
	var ev *zerolog.Event
	if e.Err != "" {
		ev = o.Logger.Warn().Str("error", e.Err)
	} else {
		ev = o.Logger.Debug()
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ev = ev.Str(k, e.Fields[k])
	}
	ev.Int("seq", e.Seq).Msg(e.Step)
}

// MultiObserver fans events out to several observers.
type MultiObserver []Observer

func (m MultiObserver) Observe(e Event) {
	for _, o := range m {
		if o != nil {
			o.Observe(e)
		}
	}
}

// emit is a nil-safe helper used by the protocol code.
func emit(o Observer, step string, kv ...string) {
	if o == nil {
		return
	}
	e := Event{Step: step}
	if len(kv) > 0 {
		e.Fields = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			e.Fields[kv[i]] = kv[i+1]
		}
	}
	o.Observe(e)
}

func emitErr(o Observer, step string, err error) {
	if o == nil || err == nil {
		return
	}
	o.Observe(Event{Step: step, Err: err.Error()})
}
