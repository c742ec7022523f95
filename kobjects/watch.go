package kobjects

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/watch"

	"github.com/kr8s-go/kr8s/kerrors"
	"github.com/kr8s-go/kr8s/kwatch"
)

// Watch emits (phase, self)
// while the resource lives, scoped to this object's own name via a field
// selector. The returned stop function must be called on every exit path.
func (o *Object) Watch(ctx context.Context) (<-chan kwatch.Event, func(), error) {
	name, err := o.Name()
	if err != nil {
		return nil, nil, err
	}
	opts := kwatch.Options{
		Namespace:     o.namespaceForCall(),
		FieldSelector: "metadata.name=" + name,
	}
	return kwatch.Stream(ctx, o.handle, o.descriptor, opts)
}

// WaitMode selects any/all composition, mirroring kwatch.Mode so callers
// of kobjects never need to import kwatch just to pick a mode.
type WaitMode = kwatch.Mode

const (
	WaitAny = kwatch.ModeAny
	WaitAll = kwatch.ModeAll
)

// Wait refreshes once, then subscribes to the object's own watch until
// every (or any, per mode) condition is satisfied or timeout elapses.
// The only tolerated failure of the initial refresh is NotFoundError
// when the sole condition is "delete".
func (o *Object) Wait(ctx context.Context, conditions []string, mode WaitMode, timeout time.Duration) error {
	preds, err := kwatch.ParsePredicates(conditions)
	if err != nil {
		return err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	exists := true
	if err := o.Refresh(ctx); err != nil {
		if kerrors.IsNotFound(err) && kwatch.IsDeleteOnly(preds) {
			exists = false
		} else {
			return err
		}
	}

	if ok, err := kwatch.Evaluate(preds, o.raw, exists, mode); err != nil {
		return err
	} else if ok {
		return nil
	}

	events, stop, err := o.Watch(ctx)
	if err != nil {
		return err
	}
	defer stop()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return &kerrors.TimeoutError{Conditions: conditions}
			}
			exists = ev.Type != watch.Deleted
			if exists {
				o.raw = ev.Object
			}
			ok, err := kwatch.Evaluate(preds, ev.Object, exists, mode)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		case <-ctx.Done():
			return &kerrors.TimeoutError{Conditions: conditions}
		}
	}
}
