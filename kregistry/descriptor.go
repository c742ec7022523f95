package kregistry

import (
	"strings"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

// ResourceDescriptor is the discovery record for a GVR, keyed in the
// registry by (kind lowered, group, version).
type ResourceDescriptor struct {
	GVR           schema.GroupVersionResource
	Name          string // plural path segment
	SingularName  string
	Kind          string
	Namespaced    bool
	ShortNames    []string
	Categories    []string
	Verbs         []string
	Scalable      bool
	ScalableField string // JSON-Pointer-ish field path, e.g. "/spec/replicas"
}

func (d ResourceDescriptor) key() registryKey {
	return registryKey{kind: strings.ToLower(d.Kind), group: d.GVR.Group, version: d.GVR.Version}
}

type registryKey struct {
	kind    string
	group   string
	version string
}

// BuiltIns is the static table of well-known kinds: the ones kobjects
// exposes typed subclasses for (Pod, Service, Deployment, ReplicaSet,
// StatefulSet, Job, ReplicationController) plus the remaining common
// core/apps/batch/networking kinds a client library is expected to
// resolve without a discovery round-trip.
func BuiltIns() []ResourceDescriptor {
	return []ResourceDescriptor{
		{
			GVR:  schema.GroupVersionResource{Group: "", Version: "v1", Resource: "pods"},
			Name: "pods", SingularName: "pod", Kind: "Pod", Namespaced: true,
			ShortNames: []string{"po"}, Categories: []string{"all"},
			Verbs: []string{"get", "list", "watch", "create", "update", "patch", "delete"},
		},
		{
			GVR:  schema.GroupVersionResource{Group: "", Version: "v1", Resource: "services"},
			Name: "services", SingularName: "service", Kind: "Service", Namespaced: true,
			ShortNames: []string{"svc"}, Categories: []string{"all"},
			Verbs: []string{"get", "list", "watch", "create", "update", "patch", "delete"},
		},
		{
			GVR:  schema.GroupVersionResource{Group: "", Version: "v1", Resource: "namespaces"},
			Name: "namespaces", SingularName: "namespace", Kind: "Namespace", Namespaced: false,
			ShortNames: []string{"ns"},
			Verbs:      []string{"get", "list", "watch", "create", "update", "patch", "delete"},
		},
		{
			GVR:  schema.GroupVersionResource{Group: "", Version: "v1", Resource: "nodes"},
			Name: "nodes", SingularName: "node", Kind: "Node", Namespaced: false,
			ShortNames: []string{"no"},
			Verbs:      []string{"get", "list", "watch", "update", "patch"},
		},
		{
			GVR:  schema.GroupVersionResource{Group: "", Version: "v1", Resource: "configmaps"},
			Name: "configmaps", SingularName: "configmap", Kind: "ConfigMap", Namespaced: true,
			ShortNames: []string{"cm"},
			Verbs:      []string{"get", "list", "watch", "create", "update", "patch", "delete"},
		},
		{
			GVR:  schema.GroupVersionResource{Group: "", Version: "v1", Resource: "secrets"},
			Name: "secrets", SingularName: "secret", Kind: "Secret", Namespaced: true,
			Verbs: []string{"get", "list", "watch", "create", "update", "patch", "delete"},
		},
		{
			GVR:  schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "deployments"},
			Name: "deployments", SingularName: "deployment", Kind: "Deployment", Namespaced: true,
			ShortNames: []string{"deploy"}, Categories: []string{"all"},
			Verbs:    []string{"get", "list", "watch", "create", "update", "patch", "delete"},
			Scalable: true, ScalableField: "/spec/replicas",
		},
		{
			GVR:  schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "replicasets"},
			Name: "replicasets", SingularName: "replicaset", Kind: "ReplicaSet", Namespaced: true,
			ShortNames: []string{"rs"}, Categories: []string{"all"},
			Verbs:    []string{"get", "list", "watch", "create", "update", "patch", "delete"},
			Scalable: true, ScalableField: "/spec/replicas",
		},
		{
			GVR:  schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "statefulsets"},
			Name: "statefulsets", SingularName: "statefulset", Kind: "StatefulSet", Namespaced: true,
			ShortNames: []string{"sts"}, Categories: []string{"all"},
			Verbs:    []string{"get", "list", "watch", "create", "update", "patch", "delete"},
			Scalable: true, ScalableField: "/spec/replicas",
		},
		{
			GVR:  schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "daemonsets"},
			Name: "daemonsets", SingularName: "daemonset", Kind: "DaemonSet", Namespaced: true,
			ShortNames: []string{"ds"}, Categories: []string{"all"},
			Verbs: []string{"get", "list", "watch", "create", "update", "patch", "delete"},
		},
		{
			GVR:  schema.GroupVersionResource{Group: "batch", Version: "v1", Resource: "jobs"},
			Name: "jobs", SingularName: "job", Kind: "Job", Namespaced: true,
			Categories: []string{"all"},
			Verbs:      []string{"get", "list", "watch", "create", "update", "patch", "delete"},
			Scalable:   true, ScalableField: "/spec/parallelism",
		},
		{
			GVR:  schema.GroupVersionResource{Group: "batch", Version: "v1", Resource: "cronjobs"},
			Name: "cronjobs", SingularName: "cronjob", Kind: "CronJob", Namespaced: true,
			ShortNames: []string{"cj"},
			Verbs:      []string{"get", "list", "watch", "create", "update", "patch", "delete"},
		},
		{
			GVR:  schema.GroupVersionResource{Group: "", Version: "v1", Resource: "replicationcontrollers"},
			Name: "replicationcontrollers", SingularName: "replicationcontroller", Kind: "ReplicationController", Namespaced: true,
			ShortNames: []string{"rc"}, Categories: []string{"all"},
			Verbs:    []string{"get", "list", "watch", "create", "update", "patch", "delete"},
			Scalable: true, ScalableField: "/spec/replicas",
		},
		{
			GVR:  schema.GroupVersionResource{Group: "networking.k8s.io", Version: "v1", Resource: "ingresses"},
			Name: "ingresses", SingularName: "ingress", Kind: "Ingress", Namespaced: true,
			ShortNames: []string{"ing"},
			Verbs:      []string{"get", "list", "watch", "create", "update", "patch", "delete"},
		},
		{
			GVR:  schema.GroupVersionResource{Group: "", Version: "v1", Resource: "persistentvolumeclaims"},
			Name: "persistentvolumeclaims", SingularName: "persistentvolumeclaim", Kind: "PersistentVolumeClaim", Namespaced: true,
			ShortNames: []string{"pvc"},
			Verbs:      []string{"get", "list", "watch", "create", "update", "patch", "delete"},
		},
		{
			GVR:  schema.GroupVersionResource{Group: "", Version: "v1", Resource: "events"},
			Name: "events", SingularName: "event", Kind: "Event", Namespaced: true,
			ShortNames: []string{"ev"},
			Verbs:      []string{"get", "list", "watch"},
		},
	}
}

// KindSpec describes a dynamically created kind: everything a caller can
// state about a resource neither the built-in table nor discovery has
// seen. Plural is inferred from Kind when empty.
type KindSpec struct {
	Kind          string
	Group         string
	Version       string
	Namespaced    bool
	Scalable      bool
	ScalableField string
	Plural        string
}

// NewKind constructs a descriptor from spec, suitable for
// Registry.RegisterKind or for a one-shot synthesized lookup.
func NewKind(spec KindSpec) ResourceDescriptor {
	plural := spec.Plural
	if plural == "" {
		plural = InferPlural(spec.Kind)
	}
	return ResourceDescriptor{
		GVR:           schema.GroupVersionResource{Group: spec.Group, Version: spec.Version, Resource: plural},
		Name:          plural,
		SingularName:  strings.ToLower(spec.Kind),
		Kind:          spec.Kind,
		Namespaced:    spec.Namespaced,
		Scalable:      spec.Scalable,
		ScalableField: spec.ScalableField,
	}
}

// InferPlural derives a plural resource name from a kind when the caller
// does not supply one explicitly: default is kind.lower()+"s", except a
// trailing "y" preceded by a consonant becomes "ies", and a trailing "s"
// becomes "ses".
func InferPlural(kind string) string {
	lower := strings.ToLower(kind)
	if lower == "" {
		return lower
	}
	n := len(lower)
	last := lower[n-1]
	if last == 's' {
		return lower + "es"
	}
	if last == 'y' && n >= 2 && !isVowel(lower[n-2]) {
		return lower[:n-1] + "ies"
	}
	return lower + "s"
}

func isVowel(b byte) bool {
	switch b {
	case 'a', 'e', 'i', 'o', 'u':
		return true
	default:
		return false
	}
}
