package adapters

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/opengrove/opengrove/pkg/engine"
)

// AIServiceAdapter deploys a model-serving workload onto a compute
// cluster. It renders a Deployment and ClusterIP Service, applies them
// through kubectl on stdin, and blocks until the rollout settles.
// Secret-valued config (api_key, database_url) may be grove+secret://
// handles; they are resolved into the rendered manifest, which travels
// over stdin and is never logged.
//
// Config keys: image (required), context (optional kube context,
// usually wired from the cluster's kube_context output), namespace
// (default: deployment ID), replicas (default 1), port (default 8000),
// model (optional, exported as MODEL_NAME), database_url (optional,
// exported as DATABASE_URL), api_key (optional, exported as API_KEY).
type AIServiceAdapter struct {
	cli      cli
	resolver Resolver
}

// NewAIServiceAdapter creates the adapter.
func NewAIServiceAdapter(runner CommandRunner, resolver Resolver) *AIServiceAdapter {
	return &AIServiceAdapter{cli: cli{runner: runner}, resolver: resolver}
}

// Kind implements engine.Adapter.
func (a *AIServiceAdapter) Kind() engine.ResourceKind {
	return engine.KindAIService
}

// kubectlArgs prefixes kubectl argv with the context flag when one is set.
func kubectlArgs(kubeContext string, rest ...string) []string {
	argv := []string{"kubectl"}
	if kubeContext != "" {
		argv = append(argv, "--context", kubeContext)
	}
	return append(argv, rest...)
}

// Create applies the namespace, deployment and service, then waits for
// the rollout. kubectl apply is idempotent, so a retried create
// converges instead of conflicting.
func (a *AIServiceAdapter) Create(ctx context.Context, req engine.CreateRequest) (*engine.CreateResult, error) {
	image, err := requireConfig(req.Config, "image", req.ResourceID)
	if err != nil {
		return nil, err
	}

	kubeContext := req.Config["context"]
	namespace := configValue(req.Config, "namespace", req.DeploymentID)
	name := req.ResourceID

	replicas, err := configInt(req.Config, "replicas", 1, req.ResourceID)
	if err != nil {
		return nil, err
	}
	port, err := configInt(req.Config, "port", 8000, req.ResourceID)
	if err != nil {
		return nil, err
	}

	env, err := a.buildEnv(ctx, req.Config)
	if err != nil {
		return nil, err
	}

	manifest, err := renderManifests(namespace, name, image, replicas, port, env)
	if err != nil {
		return nil, engine.NewPermanentError("render manifests", err).
			WithResource(req.ResourceID).WithCode(engine.ErrCodeInternal)
	}

	if _, err := a.cli.run(ctx, "apply ai service", Command{
		Argv:  kubectlArgs(kubeContext, "apply", "-f", "-"),
		Stdin: manifest,
	}); err != nil {
		return nil, err
	}

	if _, err := a.cli.run(ctx, "wait for ai service rollout", Command{
		Argv: kubectlArgs(kubeContext,
			"rollout", "status", "deployment/"+name,
			"--namespace", namespace,
			"--timeout", "300s",
		),
	}); err != nil {
		return nil, err
	}

	return &engine.CreateResult{Outputs: map[string]string{
		"namespace":    namespace,
		"deployment":   name,
		"service":      name,
		"endpoint":     fmt.Sprintf("http://%s.%s.svc.cluster.local:%d", name, namespace, port),
		"port":         strconv.Itoa(port),
		"image":        image,
		"kube_context": kubeContext,
	}}, nil
}

// Delete removes the deployment and service. The namespace is shared by
// every service of the deployment and is left to the cluster teardown.
func (a *AIServiceAdapter) Delete(ctx context.Context, req engine.DeleteRequest) error {
	kubeContext := req.Outputs["kube_context"]
	namespace := configValue(req.Outputs, "namespace", req.DeploymentID)
	name := configValue(req.Outputs, "deployment", req.ResourceID)

	_, err := a.cli.run(ctx, "delete ai service", Command{
		Argv: kubectlArgs(kubeContext,
			"delete", "deployment/"+name, "service/"+name,
			"--namespace", namespace,
			"--ignore-not-found",
		),
	})
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// Verify checks every requested replica reports ready.
func (a *AIServiceAdapter) Verify(ctx context.Context, req engine.VerifyRequest) (*engine.VerifyResult, error) {
	kubeContext := req.Outputs["kube_context"]
	namespace := configValue(req.Outputs, "namespace", req.DeploymentID)
	name := configValue(req.Outputs, "deployment", req.ResourceID)

	parsed, err := a.cli.runJSON(ctx, "verify ai service", Command{
		Argv: kubectlArgs(kubeContext,
			"get", "deployment", name,
			"--namespace", namespace,
			"--output", "json",
		),
	})
	if err != nil {
		if isNotFound(err) {
			return &engine.VerifyResult{Healthy: false, Detail: "not found"}, nil
		}
		return nil, err
	}

	want, _ := jsonNumber(parsed, "spec", "replicas")
	ready, _ := jsonNumber(parsed, "status", "readyReplicas")
	return &engine.VerifyResult{
		Healthy: want > 0 && ready >= want,
		Detail:  fmt.Sprintf("ready=%d want=%d", int(ready), int(want)),
	}, nil
}

// buildEnv resolves the env-bound config keys, dereferencing secret
// handles where present.
func (a *AIServiceAdapter) buildEnv(ctx context.Context, config map[string]string) ([]map[string]string, error) {
	var env []map[string]string
	for _, binding := range []struct {
		key  string
		name string
	}{
		{"model", "MODEL_NAME"},
		{"database_url", "DATABASE_URL"},
		{"api_key", "API_KEY"},
	} {
		raw := config[binding.key]
		if raw == "" {
			continue
		}
		value, err := resolveValue(ctx, a.resolver, raw)
		if err != nil {
			return nil, err
		}
		env = append(env, map[string]string{"name": binding.name, "value": value})
	}
	return env, nil
}

// renderManifests emits the namespace, deployment and service as one
// multi-document YAML stream, in apply order.
func renderManifests(namespace, name, image string, replicas, port int, env []map[string]string) (string, error) {
	labels := map[string]string{
		"app":        name,
		"managed-by": "grove",
	}

	container := map[string]interface{}{
		"name":  "serve",
		"image": image,
		"ports": []map[string]interface{}{{"containerPort": port}},
	}
	if len(env) > 0 {
		container["env"] = env
	}

	docs := []interface{}{
		map[string]interface{}{
			"apiVersion": "v1",
			"kind":       "Namespace",
			"metadata":   map[string]interface{}{"name": namespace},
		},
		map[string]interface{}{
			"apiVersion": "apps/v1",
			"kind":       "Deployment",
			"metadata": map[string]interface{}{
				"name":      name,
				"namespace": namespace,
				"labels":    labels,
			},
			"spec": map[string]interface{}{
				"replicas": replicas,
				"selector": map[string]interface{}{
					"matchLabels": map[string]string{"app": name},
				},
				"template": map[string]interface{}{
					"metadata": map[string]interface{}{"labels": labels},
					"spec": map[string]interface{}{
						"containers": []interface{}{container},
					},
				},
			},
		},
		map[string]interface{}{
			"apiVersion": "v1",
			"kind":       "Service",
			"metadata": map[string]interface{}{
				"name":      name,
				"namespace": namespace,
				"labels":    labels,
			},
			"spec": map[string]interface{}{
				"selector": map[string]string{"app": name},
				"ports": []map[string]interface{}{{
					"port":       port,
					"targetPort": port,
				}},
			},
		},
	}

	var buf bytes.Buffer
	for i, doc := range docs {
		if i > 0 {
			buf.WriteString("---\n")
		}
		out, err := yaml.Marshal(doc)
		if err != nil {
			return "", err
		}
		buf.Write(out)
	}
	return buf.String(), nil
}

// configInt reads an integer config key with a default.
func configInt(config map[string]string, key string, fallback int, resourceID string) (int, error) {
	raw := config[key]
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, engine.NewConfigurationError(
			fmt.Sprintf("config key %q must be a positive integer", key), err,
		).WithResource(resourceID).WithCode(engine.ErrCodeValidation)
	}
	return n, nil
}
