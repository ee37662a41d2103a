package activitypub

import (
	"sync"

	"github.com/anancus/anancus/domain"
	"github.com/charmbracelet/log"
)

// Handler processes one activity type.
type Handler interface {
	Handle(activity *Activity, recipient *domain.Account) Result
}

// Metrics receives one observation per dispatch, keyed by activity
// type and outcome.
type Metrics interface {
	ObserveDispatch(activityType string, success bool)
}

// DispatchCounter is an in-process Metrics implementation.
type DispatchCounter struct {
	mu     sync.Mutex
	counts map[string]uint64
}

func NewDispatchCounter() *DispatchCounter {
	return &DispatchCounter{counts: make(map[string]uint64)}
}

func (c *DispatchCounter) ObserveDispatch(activityType string, ok bool) {
	key := activityType + "/failure"
	if ok {
		key = activityType + "/success"
	}
	c.mu.Lock()
	c.counts[key]++
	c.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (c *DispatchCounter) Snapshot() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// Dispatcher routes inbound activities to their type handler. The
// registry is populated once at construction and read-only afterwards,
// so Dispatch is safe for concurrent use.
type Dispatcher struct {
	handlers map[string]Handler
	metrics  Metrics
}

func NewDispatcher(env *Env, metrics Metrics) *Dispatcher {
	return &Dispatcher{
		metrics: metrics,
		handlers: map[string]Handler{
			"Follow":   &followHandler{env: env},
			"Accept":   &acceptHandler{env: env},
			"Reject":   &rejectHandler{env: env},
			"Create":   &createHandler{env: env},
			"Update":   &updateHandler{env: env},
			"Delete":   &deleteHandler{env: env},
			"Like":     &likeHandler{env: env},
			"Announce": &announceHandler{env: env},
			"Undo":     &undoHandler{env: env},
			"Move":     &moveHandler{env: env},
		},
	}
}

// Dispatch routes one activity. Unrecognized types are a success no-op:
// federation must tolerate vocabulary it does not implement, and the
// remote peer must not be told to retry.
func (d *Dispatcher) Dispatch(activity *Activity, recipient *domain.Account) Result {
	handler, ok := d.handlers[activity.Type]
	if !ok {
		log.Debugf("Dispatch: unsupported activity type %s", activity.Type)
		result := success("unsupported activity type")
		d.observe(activity.Type, result)
		return result
	}

	result := handler.Handle(activity, recipient)
	if result.Err != nil {
		log.Warnf("Dispatch: %s from %s failed: %v", activity.Type, activity.ActorURI(), result.Err)
	}
	for _, warning := range result.Warnings {
		log.Warnf("Dispatch: %s secondary effect: %s", activity.Type, warning)
	}
	d.observe(activity.Type, result)
	return result
}

func (d *Dispatcher) observe(activityType string, result Result) {
	if d.metrics != nil {
		d.metrics.ObserveDispatch(activityType, result.Success)
	}
}
