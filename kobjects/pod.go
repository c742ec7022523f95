package kobjects

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/websocket"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/kr8s-go/kr8s/kerrors"
	"github.com/kr8s-go/kr8s/kexec"
	"github.com/kr8s-go/kr8s/kportforward"
	"github.com/kr8s-go/kr8s/kregistry"
)

// defaultContainerAnnotation is kubectl's convention for picking a
// default container among several, consulted by Pod.ContainerName.
const defaultContainerAnnotation = "kubectl.kubernetes.io/default-container"

// Pod extends Object with logs/exec/portforward/ready.
type Pod struct {
	*Object
}

// NewPod resolves the "pods" kind and wraps an existing document, used by
// List/Get results that the caller narrows to the typed subclass.
func NewPod(handle Handle, raw *unstructured.Unstructured) *Pod {
	return &Pod{Object: New(handle, podDescriptor(), raw)}
}

func podDescriptor() kregistry.ResourceDescriptor {
	for _, d := range kregistry.BuiltIns() {
		if d.Kind == "Pod" {
			return d
		}
	}
	panic("kobjects: pods missing from built-in descriptor table")
}

// AsPod narrows a generic Object already known to be a Pod.
func AsPod(o *Object) *Pod { return &Pod{Object: o} }

// ContainerName picks the target container: caller-
// specified container wins; else the default-container annotation; else
// the first container in spec.containers.
func (p *Pod) ContainerName(requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	if ann := p.Annotations()[defaultContainerAnnotation]; ann != "" {
		return ann, nil
	}
	containers, found, err := unstructured.NestedSlice(p.raw.Object, "spec", "containers")
	if err != nil || !found || len(containers) == 0 {
		return "", &kerrors.ValueError{Message: "pod has no spec.containers to select a default from"}
	}
	first, ok := containers[0].(map[string]any)
	if !ok {
		return "", &kerrors.ValueError{Message: "malformed spec.containers[0]"}
	}
	name, _ := first["name"].(string)
	if name == "" {
		return "", &kerrors.ValueError{Message: "spec.containers[0] has no name"}
	}
	return name, nil
}

// Ready reports whether the pod's "Ready" status condition is True, used
// by Service.ReadyPods.
func (p *Pod) Ready() bool {
	conditions, found, err := unstructured.NestedSlice(p.raw.Object, "status", "conditions")
	if err != nil || !found {
		return false
	}
	for _, raw := range conditions {
		c, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := c["type"].(string); t == string(corev1.PodReady) {
			status, _ := c["status"].(string)
			return status == string(corev1.ConditionTrue)
		}
	}
	return false
}

// ExecOptions configures Pod.Exec.
type ExecOptions struct {
	Command    []string
	Container  string
	TTY        bool
	Stdin      io.Reader
	RequireV5  bool
	Stderr2Out bool
}

// Exec opens an exec channel directly against this pod (a Pod is always
// the direct target; the retry/selection rules apply only when the
// caller addresses a resource that resolves to a pod via readyPods(), as
// Service.Exec does).
func (p *Pod) Exec(ctx context.Context, opts ExecOptions) (*kexec.Session, error) {
	name, err := p.Name()
	if err != nil {
		return nil, err
	}
	container, err := p.ContainerName(opts.Container)
	if err != nil {
		return nil, err
	}
	params := kexec.BuildExecParams(container, opts.Command, opts.TTY, opts.Stdin != nil, true, true)
	path := p.basePath(name) + "/exec"
	return kexec.Run(ctx, p.handle, p.apiVersionPath(), path, p.namespaceForCall(), params, kexec.Options{
		Command:    opts.Command,
		Container:  container,
		TTY:        opts.TTY,
		Stdin:      opts.Stdin,
		RequireV5:  opts.RequireV5,
		Stderr2Out: opts.Stderr2Out,
	})
}

// LogOptions configures Pod.Logs.
type LogOptions struct {
	Container  string
	Follow     bool
	Previous   bool
	TailLines  int64
	Timestamps bool
}

// Logs GETs the /log subresource,
// returning a stream the caller reads (and must Close) line by line when
// Follow is set, or drains in full otherwise.
func (p *Pod) Logs(ctx context.Context, opts LogOptions) (io.ReadCloser, error) {
	name, err := p.Name()
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	if opts.Container != "" {
		params.Set("container", opts.Container)
	}
	if opts.Follow {
		params.Set("follow", "true")
	}
	if opts.Previous {
		params.Set("previous", "true")
	}
	if opts.TailLines > 0 {
		params.Set("tailLines", strconv.FormatInt(opts.TailLines, 10))
	}
	if opts.Timestamps {
		params.Set("timestamps", "true")
	}
	resp, err := p.handle.CallStream(ctx, http.MethodGet, p.apiVersionPath(), p.basePath(name)+"/log", ktransportCallOpts(p.namespaceForCall(), params))
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// LogLines wraps Logs' reader in a line scanner for streaming consumers
// that want per-line delivery rather than one buffered read.
func LogLines(r io.Reader) *bufio.Scanner {
	return bufio.NewScanner(r)
}

// PortForward opens a local listener bridged to remotePort on this pod
// directly.
func (p *Pod) PortForward(ctx context.Context, localPort, remotePort int, bindAddresses []string) (*kportforward.Forwarder, error) {
	name, err := p.Name()
	if err != nil {
		return nil, err
	}
	version, path, namespace := p.apiVersionPath(), p.basePath(name)+"/portforward", p.namespaceForCall()
	target := kportforward.StaticTarget{
		Dial: func(dctx context.Context) (*websocket.Conn, error) {
			return kportforward.Open(dctx, p.handle, version, path, namespace, remotePort)
		},
	}
	return kportforward.New(kportforward.Options{
		LocalPort:     localPort,
		RemotePort:    remotePort,
		BindAddresses: bindAddresses,
		Target:        target,
	}), nil
}
