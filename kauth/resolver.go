package kauth

import (
	"context"
	"encoding/base64"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/kr8s-go/kr8s/kconfig"
	"github.com/kr8s-go/kr8s/kerrors"
)

// ServiceAccountDir is the default in-pod service account mount.
const ServiceAccountDir = "/var/run/secrets/kubernetes.io/serviceaccount"

// Resolver builds CredentialBundles from the three supported sources, in
// priority order: explicit URL, kubeconfig context, in-pod service
// account.
type Resolver struct {
	// ExecRunner executes an exec credential plugin; overridable in tests.
	ExecRunner ExecRunner
}

// NewResolver returns a Resolver with the real subprocess-based ExecRunner.
func NewResolver() *Resolver {
	return &Resolver{ExecRunner: processExecRunner{}}
}

// ResolveURL implements priority (a): explicit server URL, no TLS trust
// assumed, no token.
func (r *Resolver) ResolveURL(serverURL string) (*Bundle, error) {
	if serverURL == "" {
		return nil, &kerrors.ValueError{Message: "empty server URL"}
	}
	return &Bundle{ServerURL: serverURL, InsecureSkipVerify: false}, nil
}

// ResolveKubeconfig implements priority (b): a configured kubeconfig
// context. If ctxName is empty, the set's current-context is used.
func (r *Resolver) ResolveKubeconfig(ctx context.Context, set *kconfig.Set, ctxName string) (*Bundle, error) {
	if ctxName == "" {
		ctxName = set.CurrentContext()
	}
	if ctxName == "" {
		return nil, &kerrors.ContextUnknown{Context: ""}
	}

	cluster, err := set.ClusterFor(ctxName)
	if err != nil {
		return nil, err
	}
	user, err := set.UserFor(ctxName)
	if err != nil {
		return nil, err
	}
	owningPath := set.OwningPath(ctxName)
	baseDir := filepath.Dir(owningPath)

	server, _ := cluster["server"].(string)
	bundle := &Bundle{ServerURL: server}

	if ns, err := set.CurrentNamespace(); err == nil {
		bundle.Namespace = ns
	}
	if v, ok := cluster["insecure-skip-tls-verify"].(bool); ok {
		bundle.InsecureSkipVerify = v
	}
	if v, ok := cluster["tls-server-name"].(string); ok {
		bundle.TLSServerName = v
	}

	caData, err := materializePEM(cluster, "certificate-authority-data", "certificate-authority", baseDir)
	if err != nil {
		return nil, err
	}
	bundle.CAData = caData

	// Username/password authentication is rejected outright.
	if _, hasUser := user["username"]; hasUser {
		return nil, &kerrors.AuthUnsupported{Reason: "username/password authentication is not supported"}
	}
	if _, hasPass := user["password"]; hasPass {
		return nil, &kerrors.AuthUnsupported{Reason: "username/password authentication is not supported"}
	}

	if tok, ok := user["token"].(string); ok && tok != "" {
		bundle.Token = tok
	}

	certData, err := materializePEM(user, "client-certificate-data", "client-certificate", baseDir)
	if err != nil {
		return nil, err
	}
	keyData, err := materializePEM(user, "client-key-data", "client-key", baseDir)
	if err != nil {
		return nil, err
	}
	bundle.ClientCertData = certData
	bundle.ClientKeyData = keyData

	if execCfg, ok := user["exec"].(map[string]any); ok {
		token, certD, keyD, err := r.runExecPlugin(ctx, execCfg)
		if err != nil {
			return nil, err
		}
		if token != "" {
			bundle.Token = token
		}
		if len(certD) > 0 {
			bundle.ClientCertData = certD
		}
		if len(keyD) > 0 {
			bundle.ClientKeyData = keyD
		}
	}

	if authProvider, ok := user["auth-provider"].(map[string]any); ok {
		token, err := r.resolveAuthProvider(ctx, authProvider)
		if err != nil {
			return nil, err
		}
		bundle.Token = token
	}

	if err := bundle.stageTempFiles(); err != nil {
		return nil, &kerrors.ConfigInvalid{Cause: err}
	}

	return bundle, nil
}

// materializePEM reads a base64-encoded "<field>-data" key, or else
// resolves a "<field>" path relative to baseDir, decoding the content into
// PEM bytes. A "-data" value already PEM-armored (contains "-----") is
// passed through unchanged instead of being base64-decoded, matching
// upstream's "decode unless already PEM-armored" rule.
func materializePEM(entry map[string]any, dataKey, pathKey, baseDir string) ([]byte, error) {
	if raw, ok := entry[dataKey].(string); ok && raw != "" {
		if strings.Contains(raw, "-----") {
			return []byte(raw), nil
		}
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, &kerrors.ConfigInvalid{Cause: err}
		}
		return decoded, nil
	}
	if p, ok := entry[pathKey].(string); ok && p != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, &kerrors.ConfigInvalid{Path: p, Cause: err}
		}
		return data, nil
	}
	return nil, nil
}

// ResolveServiceAccount implements priority (c): an in-pod service account
// directory. A failure reading the namespace file does not fail bundle
// construction; it falls back to "default".
func (r *Resolver) ResolveServiceAccount(dir string) (*Bundle, error) {
	if dir == "" {
		dir = ServiceAccountDir
	}
	host := os.Getenv("KUBERNETES_SERVICE_HOST")
	port := os.Getenv("KUBERNETES_SERVICE_PORT")
	if host == "" || port == "" {
		return nil, &kerrors.ConfigInvalid{Cause: &kerrors.ValueError{Message: "KUBERNETES_SERVICE_HOST/PORT not set"}}
	}

	tokenPath := filepath.Join(dir, "token")
	token, err := os.ReadFile(tokenPath)
	if err != nil {
		return nil, &kerrors.ConfigInvalid{Path: tokenPath, Cause: err}
	}

	caPath := filepath.Join(dir, "ca.crt")
	ca, err := os.ReadFile(caPath)
	if err != nil {
		return nil, &kerrors.ConfigInvalid{Path: caPath, Cause: err}
	}

	namespace := "default"
	if nsData, err := os.ReadFile(filepath.Join(dir, "namespace")); err == nil {
		namespace = strings.TrimSpace(string(nsData))
	}

	serverURL := "https://" + net.JoinHostPort(host, port)

	bundle := &Bundle{
		ServerURL: serverURL,
		CAData:    ca,
		Token:     strings.TrimSpace(string(token)),
		Namespace: namespace,
	}
	if err := bundle.stageTempFiles(); err != nil {
		return nil, &kerrors.ConfigInvalid{Cause: err}
	}
	return bundle, nil
}
