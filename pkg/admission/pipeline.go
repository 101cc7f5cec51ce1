// file: pkg/admission/pipeline.go

package admission

import (
	"fmt"
	"strings"

	"github.com/fx147/capability-runtime/pkg/capability"
	"github.com/fx147/capability-runtime/pkg/filter"
	"github.com/fx147/capability-runtime/pkg/util"
)

// OnError 决定 mutate 回调失败时的处理方式。
type OnError string

const (
	// OnErrorReject 拒绝整个请求。
	OnErrorReject OnError = "reject"
	// OnErrorAudit 放行，并在 auditAnnotations 中记录失败。
	OnErrorAudit OnError = "audit"
	// OnErrorIgnore 仅保留 warning。
	OnErrorIgnore OnError = "ignore"
)

// ParseOnError validates s. An empty string selects OnErrorAudit.
func ParseOnError(s string) (OnError, error) {
	switch OnError(strings.ToLower(s)) {
	case "", OnErrorAudit:
		return OnErrorAudit, nil
	case OnErrorReject:
		return OnErrorReject, nil
	case OnErrorIgnore:
		return OnErrorIgnore, nil
	}
	return "", fmt.Errorf("unknown onError %q: must be one of reject, audit, ignore", s)
}

// Options 配置准入流水线。
type Options struct {
	// UUID 用于生成状态注解的前缀，为空时注解不带前缀。
	UUID string
	// OnError 为空时等同于 OnErrorAudit。
	OnError OnError
	// IgnoredNamespaces 中的命名空间对所有绑定都不可见。
	IgnoredNamespaces []string
}

// Pipeline 对一组能力依次执行 mutate 与 validate 绑定。
type Pipeline struct {
	capabilities []*capability.Capability
	opts         Options
}

// NewPipeline keeps capabilities in the given order; it is the order the
// callbacks run in.
func NewPipeline(capabilities []*capability.Capability, opts Options) *Pipeline {
	if opts.OnError == "" {
		opts.OnError = OnErrorAudit
	}
	return &Pipeline{capabilities: capabilities, opts: opts}
}

// bindable 是一个通过过滤的绑定及其所属能力。
type bindable struct {
	capability *capability.Capability
	binding    capability.Binding
}

// collect returns the in-scope bindings selected by pick, flattened across
// capabilities in registration order.
func (p *Pipeline) collect(req *capability.AdmissionRequest, pick func(*capability.Capability) []capability.Binding) []bindable {
	var out []bindable
	for _, c := range p.capabilities {
		for _, b := range pick(c) {
			ok, reason := filter.Matches(b, req, c.Namespaces(), p.opts.IgnoredNamespaces)
			if !ok {
				logSkip(c.Name(), req, reason)
				continue
			}
			out = append(out, bindable{capability: c, binding: b})
		}
	}
	return out
}

// statusAnnotation 是记录某个能力 mutate 进度的注解键。
func (p *Pipeline) statusAnnotation(capabilityName string) string {
	if p.opts.UUID == "" {
		return annotationDomain + "/" + capabilityName
	}
	return p.opts.UUID + "." + annotationDomain + "/" + capabilityName
}

const annotationDomain = "capability.fx147.dev"

const (
	statusStarted   = "started"
	statusSucceeded = "succeeded"
	statusWarning   = "warning"
)

func isSecret(req *capability.AdmissionRequest) bool {
	return req.Kind.Version == "v1" && req.Kind.Kind == "Secret"
}

// decodeSecret 就地解码 Secret 的 data，返回未能解码的键。
func decodeSecret(obj map[string]interface{}) []string {
	data, ok := obj["data"].(map[string]interface{})
	if !ok {
		return nil
	}
	return util.DecodeBase64Map(data)
}

func encodeSecret(obj map[string]interface{}, skipped []string) {
	data, ok := obj["data"].(map[string]interface{})
	if !ok {
		return
	}
	util.EncodeBase64Map(data, skipped)
}
