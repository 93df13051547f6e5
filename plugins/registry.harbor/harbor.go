// Package main implements the registry.harbor adapter plugin. It serves
// the registry kind by installing a self-hosted Harbor instance through
// its Helm chart, as an alternative to the builtin cloud registry
// adapter. Point the plugins.overrides setting at "registry" to route
// the kind here instead of the builtin.
//
// The plugin compiles with TinyGo to WASM and talks to the outside
// world only through the host functions the loader grants it: exec:cli
// for helm and net:outbound for the health probe. All request and
// response payloads are JSON.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/opengrove/opengrove/pkg/engine"
)

const (
	chartRepoName = "harbor"
	chartRepoURL  = "https://helm.goharbor.io"
	chartRef      = "harbor/harbor"

	defaultRelease   = "harbor"
	defaultNamespace = "container-registry"
)

// settings is the plugin's view of a registry descriptor's config block.
type settings struct {
	Release      string
	Namespace    string
	Hostname     string
	ChartVersion string
	StorageClass string
}

// parseSettings validates the descriptor config. Only hostname is
// mandatory; everything else has a serviceable default.
func parseSettings(config map[string]string) (*settings, error) {
	s := &settings{
		Release:      config["release"],
		Namespace:    config["namespace"],
		Hostname:     config["hostname"],
		ChartVersion: config["chart_version"],
		StorageClass: config["storage_class"],
	}
	if s.Release == "" {
		s.Release = defaultRelease
	}
	if s.Namespace == "" {
		s.Namespace = defaultNamespace
	}
	if s.Hostname == "" {
		return nil, errors.New("config key hostname is required")
	}
	if strings.Contains(s.Hostname, "://") {
		return nil, fmt.Errorf("hostname %q must be a bare host, not a URL", s.Hostname)
	}
	return s, nil
}

// settingsFromOutputs rebuilds enough settings to address an existing
// release from the outputs recorded at create time. Descriptors may be
// gone by teardown, so the recorded values win over defaults only.
func settingsFromOutputs(outputs map[string]string) *settings {
	s := &settings{
		Release:   outputs["release"],
		Namespace: outputs["namespace"],
		Hostname:  outputs["login_server"],
	}
	if s.Release == "" {
		s.Release = defaultRelease
	}
	if s.Namespace == "" {
		s.Namespace = defaultNamespace
	}
	return s
}

func (s *settings) externalURL() string {
	return "https://" + s.Hostname
}

func (s *settings) pingURL() string {
	return s.externalURL() + "/api/v2.0/ping"
}

func repoAddArgs() []string {
	return []string{"helm", "repo", "add", chartRepoName, chartRepoURL, "--force-update"}
}

func installArgs(s *settings) []string {
	args := []string{
		"helm", "upgrade", "--install", s.Release, chartRef,
		"--namespace", s.Namespace,
		"--create-namespace",
		"--wait",
		"--set", "expose.type=ingress",
		"--set", "expose.ingress.hosts.core=" + s.Hostname,
		"--set", "externalURL=" + s.externalURL(),
	}
	if s.ChartVersion != "" {
		args = append(args, "--version", s.ChartVersion)
	}
	if s.StorageClass != "" {
		args = append(args,
			"--set", "persistence.persistentVolumeClaim.registry.storageClass="+s.StorageClass)
	}
	return args
}

func uninstallArgs(s *settings) []string {
	return []string{"helm", "uninstall", s.Release, "--namespace", s.Namespace, "--wait"}
}

func statusArgs(s *settings) []string {
	return []string{"helm", "status", s.Release, "--namespace", s.Namespace}
}

// execResult mirrors the host_exec response payload.
type execResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// hostFuncs abstracts the host capability surface so the handlers can
// run against stubs off the WASM target.
type hostFuncs struct {
	exec       func(argv []string) (*execResult, error)
	httpStatus func(method, url string) (int, error)
	log        func(message string)
}

func (h *hostFuncs) logf(format string, args ...interface{}) {
	if h.log != nil {
		h.log(fmt.Sprintf(format, args...))
	}
}

// failure is the error envelope the host maps back onto engine error
// classes. Unknown classes degrade to permanent on the host side.
type failure struct {
	Class   string `json:"class"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type createResponse struct {
	Outputs map[string]string `json:"outputs,omitempty"`
	Error   *failure          `json:"error,omitempty"`
}

type deleteResponse struct {
	Error *failure `json:"error,omitempty"`
}

type verifyResponse struct {
	Healthy bool     `json:"healthy"`
	Detail  string   `json:"detail,omitempty"`
	Error   *failure `json:"error,omitempty"`
}

func configFailure(err error) *failure {
	return &failure{
		Class:   string(engine.ErrorClassConfiguration),
		Code:    engine.ErrCodeValidation,
		Message: err.Error(),
	}
}

// hostFailure covers errors raised by the host itself, capability
// denials included. Those do not heal on retry.
func hostFailure(err error) *failure {
	return &failure{
		Class:   string(engine.ErrorClassPermanent),
		Code:    engine.ErrCodeAdapterFailed,
		Message: err.Error(),
	}
}

func badRequest(err error) *failure {
	return &failure{
		Class:   string(engine.ErrorClassPermanent),
		Code:    engine.ErrCodeAdapterFailed,
		Message: fmt.Sprintf("unparseable request: %v", err),
	}
}

// classifyHelm turns a nonzero helm exit into a failure with a retry
// class the executor can act on. Cluster reachability problems are
// transient, auth problems are configuration, the rest is permanent.
func classifyHelm(action string, res *execResult) *failure {
	stderr := strings.ToLower(res.Stderr)
	message := fmt.Sprintf("%s: helm exited %d: %s",
		action, res.ExitCode, strings.TrimSpace(res.Stderr))

	switch {
	case strings.Contains(stderr, "context deadline exceeded"),
		strings.Contains(stderr, "timed out"),
		strings.Contains(stderr, "connection refused"),
		strings.Contains(stderr, "temporarily unavailable"),
		strings.Contains(stderr, "etcdserver: leader changed"):
		return &failure{
			Class:   string(engine.ErrorClassTransient),
			Code:    engine.ErrCodeTimeout,
			Message: message,
		}
	case strings.Contains(stderr, "too many requests"):
		return &failure{
			Class:   string(engine.ErrorClassThrottled),
			Code:    engine.ErrCodeRateLimited,
			Message: message,
		}
	case strings.Contains(stderr, "forbidden"),
		strings.Contains(stderr, "unauthorized"),
		strings.Contains(stderr, "kubeconfig"):
		return &failure{
			Class:   string(engine.ErrorClassConfiguration),
			Code:    engine.ErrCodePermissionDenied,
			Message: message,
		}
	default:
		return &failure{
			Class:   string(engine.ErrorClassPermanent),
			Code:    engine.ErrCodeAdapterFailed,
			Message: message,
		}
	}
}

// releaseAbsent reports whether helm stderr says the release does not
// exist, which teardown treats as success.
func releaseAbsent(res *execResult) bool {
	return strings.Contains(strings.ToLower(res.Stderr), "not found")
}

func handleCreate(h *hostFuncs, req engine.CreateRequest) *createResponse {
	s, err := parseSettings(req.Config)
	if err != nil {
		return &createResponse{Error: configFailure(err)}
	}

	if res, err := h.exec(repoAddArgs()); err != nil {
		return &createResponse{Error: hostFailure(err)}
	} else if res.ExitCode != 0 {
		return &createResponse{Error: classifyHelm("adding chart repo", res)}
	}

	h.logf("installing release %s in namespace %s for %s", s.Release, s.Namespace, req.ResourceID)
	res, err := h.exec(installArgs(s))
	if err != nil {
		return &createResponse{Error: hostFailure(err)}
	}
	if res.ExitCode != 0 {
		return &createResponse{Error: classifyHelm("installing release", res)}
	}

	return &createResponse{Outputs: map[string]string{
		"registry_url": s.externalURL(),
		"login_server": s.Hostname,
		"release":      s.Release,
		"namespace":    s.Namespace,
	}}
}

func handleDelete(h *hostFuncs, req engine.DeleteRequest) *deleteResponse {
	s := settingsFromOutputs(req.Outputs)

	h.logf("uninstalling release %s in namespace %s for %s", s.Release, s.Namespace, req.ResourceID)
	res, err := h.exec(uninstallArgs(s))
	if err != nil {
		return &deleteResponse{Error: hostFailure(err)}
	}
	if res.ExitCode != 0 && !releaseAbsent(res) {
		return &deleteResponse{Error: classifyHelm("uninstalling release", res)}
	}
	return &deleteResponse{}
}

func handleVerify(h *hostFuncs, req engine.VerifyRequest) *verifyResponse {
	s := settingsFromOutputs(req.Outputs)
	if s.Hostname == "" {
		s.Hostname = req.Config["hostname"]
	}

	// With a hostname on record the real endpoint is the authority.
	if s.Hostname != "" {
		status, err := h.httpStatus("GET", s.pingURL())
		if err != nil {
			return &verifyResponse{Healthy: false, Detail: fmt.Sprintf("ping failed: %v", err)}
		}
		if status == 200 {
			return &verifyResponse{Healthy: true, Detail: "harbor ping ok"}
		}
		return &verifyResponse{Healthy: false, Detail: fmt.Sprintf("ping returned status %d", status)}
	}

	// No endpoint recorded, fall back to asking helm about the release.
	res, err := h.exec(statusArgs(s))
	if err != nil {
		return &verifyResponse{Error: hostFailure(err)}
	}
	if res.ExitCode != 0 {
		if releaseAbsent(res) {
			return &verifyResponse{Healthy: false, Detail: fmt.Sprintf("release %s is not installed", s.Release)}
		}
		return &verifyResponse{Error: classifyHelm("checking release", res)}
	}
	return &verifyResponse{Healthy: true, Detail: fmt.Sprintf("release %s is deployed", s.Release)}
}

// dispatchCreate and friends keep the JSON plumbing out of the
// handlers. The WASM exports hand them raw request bytes and a host.
func dispatchCreate(h *hostFuncs, raw []byte) []byte {
	var req engine.CreateRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return marshal(&createResponse{Error: badRequest(err)})
	}
	return marshal(handleCreate(h, req))
}

func dispatchDelete(h *hostFuncs, raw []byte) []byte {
	var req engine.DeleteRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return marshal(&deleteResponse{Error: badRequest(err)})
	}
	return marshal(handleDelete(h, req))
}

func dispatchVerify(h *hostFuncs, raw []byte) []byte {
	var req engine.VerifyRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return marshal(&verifyResponse{Error: badRequest(err)})
	}
	return marshal(handleVerify(h, req))
}

// marshal never fails for these response shapes; a nil return would
// surface on the host as an unparseable response, which is the right
// failure mode anyway.
func marshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
