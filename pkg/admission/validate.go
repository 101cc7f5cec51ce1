// file: pkg/admission/validate.go

package admission

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/klog/v2"

	"golang.org/x/sync/errgroup"

	"github.com/fx147/capability-runtime/pkg/capability"
)

const noValidationsMsg = "no in-scope validations -- allowed!"

// ValidationResult 是单个 validate 绑定的结论。
type ValidationResult struct {
	Capability string
	Allowed    bool
	Status     *metav1.Status
	Warnings   []string
}

// Validate runs every in-scope validate binding concurrently and folds the
// verdicts into one response.
func (p *Pipeline) Validate(ctx context.Context, req *capability.AdmissionRequest) *admissionv1.AdmissionResponse {
	results := p.evaluate(ctx, req)
	resp := aggregate(results)
	resp.UID = req.UID
	logOutcome("validate", req, resp.Allowed)
	return resp
}

func (p *Pipeline) evaluate(ctx context.Context, req *capability.AdmissionRequest) []ValidationResult {
	bindables := p.collect(req, (*capability.Capability).ValidateBindings)
	results := make([]ValidationResult, len(bindables))

	g, gctx := errgroup.WithContext(ctx)
	for i, bd := range bindables {
		g.Go(func() error {
			results[i] = runValidate(gctx, bd, req)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func runValidate(ctx context.Context, bd bindable, req *capability.AdmissionRequest) (result ValidationResult) {
	name := bd.capability.Name()
	result.Capability = name
	defer func() {
		if r := recover(); r != nil {
			result = failed(name, fmt.Errorf("validate action panicked: %v", r))
		}
	}()

	wrapped := capability.NewValidateRequest(req)
	if isSecret(req) {
		decodeSecret(wrapped.Raw.Object)
	}

	action := bd.binding.Action().(capability.ValidateAction)
	verdict, err := action.Fn(ctx, wrapped)
	if err != nil {
		klog.ErrorS(err, "Validate action failed", "capability", name, "uid", req.UID)
		return failed(name, err)
	}

	result.Allowed = verdict.Allowed
	result.Warnings = verdict.Warnings
	if verdict.StatusCode != 0 || verdict.StatusMessage != "" {
		code := verdict.StatusCode
		if code == 0 {
			code = http.StatusBadRequest
		}
		msg := verdict.StatusMessage
		if msg == "" {
			msg = "Validation failed for " + name
		}
		result.Status = &metav1.Status{Code: code, Message: msg}
	}
	return result
}

func failed(name string, err error) ValidationResult {
	return ValidationResult{
		Capability: name,
		Status: &metav1.Status{
			Code:    http.StatusInternalServerError,
			Message: fmt.Sprintf("Action failed with error: %v", err),
		},
	}
}

// aggregate 合并所有结论：全部允许才允许，拒绝信息以 "; " 连接。
func aggregate(results []ValidationResult) *admissionv1.AdmissionResponse {
	if len(results) == 0 {
		return &admissionv1.AdmissionResponse{
			Allowed: true,
			Result:  &metav1.Status{Code: http.StatusOK, Message: noValidationsMsg},
		}
	}

	allowed := true
	var messages, warnings []string
	for _, r := range results {
		warnings = append(warnings, r.Warnings...)
		if r.Allowed {
			continue
		}
		allowed = false
		if r.Status != nil {
			messages = append(messages, r.Status.Message)
		} else {
			messages = append(messages, "")
		}
	}

	code := int32(http.StatusOK)
	if !allowed {
		code = http.StatusUnprocessableEntity
	}
	resp := &admissionv1.AdmissionResponse{
		Allowed: allowed,
		Result:  &metav1.Status{Code: code, Message: strings.Join(messages, "; ")},
	}
	if len(warnings) > 0 {
		resp.Warnings = warnings
	}
	return resp
}
