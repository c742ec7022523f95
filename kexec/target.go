package kexec

import (
	"context"
	"time"

	"github.com/kr8s-go/kr8s/kerrors"
)

// PodRef is the narrow view kexec needs of one candidate pod when the
// caller addresses a resource that resolves to a pod via readyPods()
// rather than a Pod directly.
type PodRef struct {
	Name string
	Dial func(ctx context.Context) (*Session, error)
}

// RunViaReadyPods selects an exec target for a non-Pod resource that
// resolves to pods via readyPods(): iterate ready pods in the order
// returned, using attempt mod len(pods) to pick one; on connection
// failure, retry up to 5 times with backoff 0.2 × attempt seconds. No
// ready pods -> NotFoundError."
func RunViaReadyPods(ctx context.Context, readyPods func(ctx context.Context) ([]PodRef, error)) (*Session, error) {
	b := reconnectBackoff()
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		pods, err := readyPods(ctx)
		if err != nil {
			return nil, err
		}
		if len(pods) == 0 {
			return nil, &kerrors.NotFoundError{Kind: "Pod"}
		}
		pick := pods[attempt%len(pods)]
		sess, err := pick.Dial(ctx)
		if err == nil {
			return sess, nil
		}
		lastErr = err
		if attempt == 4 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * b.Min):
		}
	}
	return nil, lastErr
}
