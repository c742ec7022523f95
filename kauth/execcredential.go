package kauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/kr8s-go/kr8s/kerrors"
)

// execCredentialStatus is the status block of a client.authentication.k8s.io
// ExecCredential response.
type execCredentialStatus struct {
	Token                 string `json:"token"`
	ClientCertificateData string `json:"clientCertificateData"`
	ClientKeyData         string `json:"clientKeyData"`
	ExpirationTimestamp   string `json:"expirationTimestamp,omitempty"`
}

type execCredential struct {
	APIVersion string                `json:"apiVersion"`
	Kind       string                `json:"kind"`
	Status     *execCredentialStatus `json:"status"`
	Spec       map[string]any        `json:"spec,omitempty"`
}

// ExecRunner executes an exec-plugin command and returns its stdout. It is
// an interface so tests can substitute a fake plugin without forking a
// real process.
type ExecRunner interface {
	Run(ctx context.Context, command string, args, env []string) ([]byte, error)
}

type processExecRunner struct{}

func (processExecRunner) Run(ctx context.Context, command string, args, env []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Env = env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w (stderr: %s)", err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// runExecPlugin runs the user's exec credential plugin.
// Input environment is process env + user.exec.env[]; command is
// user.exec.command + user.exec.args[]. v1alpha1 is refused; non-zero exit
// or an unparseable payload is ExecAuthFailed.
func (r *Resolver) runExecPlugin(ctx context.Context, execCfg map[string]any) (token string, certData, keyData []byte, err error) {
	command, _ := execCfg["command"].(string)
	if command == "" {
		return "", nil, nil, &kerrors.ExecAuthFailed{Cause: &kerrors.ValueError{Message: "exec config missing command"}}
	}

	apiVersion, _ := execCfg["apiVersion"].(string)
	if apiVersion == "client.authentication.k8s.io/v1alpha1" {
		return "", nil, nil, &kerrors.AuthUnsupported{Reason: "exec credential apiVersion v1alpha1 is not supported"}
	}

	var args []string
	if rawArgs, ok := execCfg["args"].([]any); ok {
		for _, a := range rawArgs {
			if s, ok := a.(string); ok {
				args = append(args, s)
			}
		}
	}

	env := os.Environ()
	if rawEnv, ok := execCfg["env"].([]any); ok {
		for _, e := range rawEnv {
			entry, ok := e.(map[string]any)
			if !ok {
				continue
			}
			name, _ := entry["name"].(string)
			value, _ := entry["value"].(string)
			if name != "" {
				env = append(env, name+"="+value)
			}
		}
	}

	out, runErr := r.ExecRunner.Run(ctx, command, args, env)
	if runErr != nil {
		return "", nil, nil, &kerrors.ExecAuthFailed{Command: command, Cause: runErr}
	}

	var cred execCredential
	if err := json.Unmarshal(out, &cred); err != nil {
		return "", nil, nil, &kerrors.ExecAuthFailed{Command: command, Cause: err}
	}
	if cred.APIVersion == "client.authentication.k8s.io/v1alpha1" {
		return "", nil, nil, &kerrors.AuthUnsupported{Reason: "exec plugin returned v1alpha1 ExecCredential"}
	}
	if cred.Status == nil {
		return "", nil, nil, &kerrors.ExecAuthFailed{Command: command, Cause: &kerrors.ValueError{Message: "ExecCredential missing status"}}
	}

	if cred.Status.Token != "" {
		return cred.Status.Token, nil, nil, nil
	}
	if cred.Status.ClientCertificateData != "" && cred.Status.ClientKeyData != "" {
		return "", []byte(cred.Status.ClientCertificateData), []byte(cred.Status.ClientKeyData), nil
	}
	return "", nil, nil, &kerrors.ExecAuthFailed{Command: command, Cause: &kerrors.ValueError{Message: "ExecCredential status has neither token nor client certificate"}}
}
