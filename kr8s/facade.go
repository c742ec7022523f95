package kr8s

import (
	"context"
	"time"

	"github.com/kr8s-go/kr8s/kobjects"
)

// List fetches every object of the referenced kind matching the
// selectors, in the given namespace (or the client's default).
func (c *Client) List(ctx context.Context, kindRef string, opts kobjects.ListOptions) ([]*kobjects.Object, error) {
	objs, _, err := kobjects.List(ctx, c, kindRef, opts)
	return objs, err
}

// Get fetches a single named object, retrying transient 404s until
// timeout elapses.
func (c *Client) Get(ctx context.Context, kindRef, name, namespace string, timeout time.Duration) (*kobjects.Object, error) {
	return kobjects.Get(ctx, c, kindRef, name, namespace, timeout)
}

// NewObject resolves kindRef and returns an empty Object of that kind,
// ready for the caller to populate and Create.
func (c *Client) NewObject(ctx context.Context, kindRef string) (*kobjects.Object, error) {
	return kobjects.NewFromKind(ctx, c, kindRef)
}

// Pods lists Pods in namespace (empty uses the client's active namespace),
// narrowed to the typed subclass.
func (c *Client) Pods(ctx context.Context, namespace, labelSelector string) ([]*kobjects.Pod, error) {
	objs, err := c.List(ctx, "pods", kobjects.ListOptions{Namespace: namespace, LabelSelector: labelSelector})
	if err != nil {
		return nil, err
	}
	pods := make([]*kobjects.Pod, 0, len(objs))
	for _, o := range objs {
		pods = append(pods, kobjects.AsPod(o))
	}
	return pods, nil
}

// GetPod fetches a single named Pod.
func (c *Client) GetPod(ctx context.Context, namespace, name string, timeout time.Duration) (*kobjects.Pod, error) {
	o, err := c.Get(ctx, "pods", name, namespace, timeout)
	if err != nil {
		return nil, err
	}
	return kobjects.AsPod(o), nil
}

// GetService fetches a single named Service.
func (c *Client) GetService(ctx context.Context, namespace, name string, timeout time.Duration) (*kobjects.Service, error) {
	o, err := c.Get(ctx, "services", name, namespace, timeout)
	if err != nil {
		return nil, err
	}
	return kobjects.AsService(o), nil
}

// GetDeployment fetches a single named Deployment.
func (c *Client) GetDeployment(ctx context.Context, namespace, name string, timeout time.Duration) (*kobjects.Workload, error) {
	o, err := c.Get(ctx, "deployments", name, namespace, timeout)
	if err != nil {
		return nil, err
	}
	return kobjects.AsWorkload(o), nil
}
