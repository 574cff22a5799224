package precision

// Event is published once per plan position, settled or not
type Event struct {
	// Index is the position within the plan, Total its length
	Index int `json:"index"`
	Total int `json:"total"`

	Target float64 `json:"target"`

	// Settled is false when the position was skipped; Err holds the cause
	Settled bool  `json:"settled"`
	Err     error `json:"-"`

	// the fields below are only meaningful when Settled
	Angle           float64 `json:"angle"`
	StepError       float64 `json:"stepError"`
	CumulativeError float64 `json:"cumulativeError"`

	// Count is the number of results recorded so far
	Count int `json:"count"`
}

// Observer receives progress from a running Sequencer.  Notify is called on
// the sequencer's goroutine.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to an Observer
type ObserverFunc func(Event)

// Notify calls f(e)
func (f ObserverFunc) Notify(e Event) { f(e) }

// ChanObserver forwards events onto a channel so another goroutine can own
// the presentation.  Sends block; the receiver must drain until the run ends.
type ChanObserver chan Event

// Notify sends e on the channel
func (c ChanObserver) Notify(e Event) { c <- e }

type nopObserver struct{}

func (nopObserver) Notify(Event) {}
