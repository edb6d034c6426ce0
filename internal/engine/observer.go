package engine

import "github.com/me/weft/pkg/model"

// Observer is notified of every node state transition. Calls for one run are
// made serially from the run's coordinator goroutine, in transition order.
// Observers shared between concurrent runs must be safe for concurrent use.
type Observer interface {
	OnTransition(ev model.Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev model.Event)

// OnTransition calls f(ev).
func (f ObserverFunc) OnTransition(ev model.Event) { f(ev) }

// Observers fans one event out to several observers in order.
type Observers []Observer

// OnTransition notifies each observer.
func (os Observers) OnTransition(ev model.Event) {
	for _, o := range os {
		o.OnTransition(ev)
	}
}
