package kobjects

import (
	"context"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/kr8s-go/kr8s/kregistry"
)

// Workload wraps the controller kinds (Deployment, ReplicaSet,
// StatefulSet, DaemonSet, ReplicationController, Job, CronJob) with a
// shared Pods() helper returning the pods matching the workload's
// selector. Of these, Deployment, ReplicaSet, StatefulSet,
// ReplicationController and Job are scalable.
// Scale/Wait/Watch are already generic on *Object via the descriptor's
// Scalable/ScalableField.
type Workload struct {
	*Object
}

func workloadDescriptor(kind string) kregistry.ResourceDescriptor {
	for _, d := range kregistry.BuiltIns() {
		if d.Kind == kind {
			return d
		}
	}
	panic("kobjects: " + kind + " missing from built-in descriptor table")
}

// NewDeployment/NewReplicaSet/... wrap an existing document as the named
// typed kind, binding the class constants from the built-in descriptor
// table rather than the caller.
func NewDeployment(handle Handle, raw *unstructured.Unstructured) *Workload {
	return &Workload{Object: New(handle, workloadDescriptor("Deployment"), raw)}
}

func NewReplicaSet(handle Handle, raw *unstructured.Unstructured) *Workload {
	return &Workload{Object: New(handle, workloadDescriptor("ReplicaSet"), raw)}
}

func NewStatefulSet(handle Handle, raw *unstructured.Unstructured) *Workload {
	return &Workload{Object: New(handle, workloadDescriptor("StatefulSet"), raw)}
}

func NewDaemonSet(handle Handle, raw *unstructured.Unstructured) *Workload {
	return &Workload{Object: New(handle, workloadDescriptor("DaemonSet"), raw)}
}

func NewJob(handle Handle, raw *unstructured.Unstructured) *Workload {
	return &Workload{Object: New(handle, workloadDescriptor("Job"), raw)}
}

func NewCronJob(handle Handle, raw *unstructured.Unstructured) *Workload {
	return &Workload{Object: New(handle, workloadDescriptor("CronJob"), raw)}
}

func NewReplicationController(handle Handle, raw *unstructured.Unstructured) *Workload {
	return &Workload{Object: New(handle, workloadDescriptor("ReplicationController"), raw)}
}

// AsWorkload narrows a generic Object already known to be one of the
// controller kinds above.
func AsWorkload(o *Object) *Workload { return &Workload{Object: o} }

// selectorFromSpec reads spec.selector.matchLabels (Deployment/ReplicaSet/
// StatefulSet/DaemonSet) falling back to spec.selector (ReplicationController's
// bare map form), per the two shapes the built-in controllers use.
func (w *Workload) selectorFromSpec() (string, bool) {
	if matchLabels, found, err := unstructured.NestedStringMap(w.raw.Object, "spec", "selector", "matchLabels"); err == nil && found && len(matchLabels) > 0 {
		return joinSelector(matchLabels), true
	}
	if selector, found, err := unstructured.NestedStringMap(w.raw.Object, "spec", "selector"); err == nil && found && len(selector) > 0 {
		return joinSelector(selector), true
	}
	if templateLabels, found, err := unstructured.NestedStringMap(w.raw.Object, "spec", "template", "metadata", "labels"); err == nil && found && len(templateLabels) > 0 {
		return joinSelector(templateLabels), true
	}
	return "", false
}

func joinSelector(m map[string]string) string {
	parts := make([]string, 0, len(m))
	for k, v := range m {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

// Pods implements the workload-level pods() helper: pods in the workload's
// namespace matching its pod-template selector.
func (w *Workload) Pods(ctx context.Context) ([]*Pod, error) {
	labelSelector, ok := w.selectorFromSpec()
	if !ok {
		return nil, nil
	}
	objs, _, err := ListByDescriptor(ctx, w.handle, podDescriptor(), ListOptions{
		Namespace:     w.Namespace(),
		LabelSelector: labelSelector,
	})
	if err != nil {
		return nil, err
	}
	pods := make([]*Pod, 0, len(objs))
	for _, o := range objs {
		pods = append(pods, AsPod(o))
	}
	return pods, nil
}
