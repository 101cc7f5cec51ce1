// file: pkg/admission/mutate.go

package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/wI2L/jsondiff"
	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/klog/v2"

	"github.com/fx147/capability-runtime/pkg/capability"
)

const (
	defaultMutateError = "An error occurred with the mutate action."
	rejectOnErrorMsg   = "module configured to reject on error"
)

// Mutate 依次执行所有命中的 mutate 绑定，并把工作副本与原对象之间的差异
// 作为 JSON Patch 返回。
func (p *Pipeline) Mutate(ctx context.Context, req *capability.AdmissionRequest) *admissionv1.AdmissionResponse {
	resp := &admissionv1.AdmissionResponse{UID: req.UID, Allowed: true}

	bindables := p.collect(req, (*capability.Capability).MutateBindings)
	if len(bindables) == 0 {
		logOutcome("mutate", req, true)
		return resp
	}

	wrapped := capability.NewMutateRequest(req)
	var skipped []string
	if isSecret(req) {
		skipped = decodeSecret(wrapped.Raw.Object)
	}

	isDelete := req.Operation == capability.OperationDelete
	var warnings []string
	for _, bd := range bindables {
		action := bd.binding.Action().(capability.MutateAction)
		name := bd.capability.Name()
		if !isDelete {
			wrapped.SetAnnotation(p.statusAnnotation(name), statusStarted)
		}

		err := runMutate(ctx, action.Fn, wrapped)
		if err == nil {
			if !isDelete {
				wrapped.SetAnnotation(p.statusAnnotation(name), statusSucceeded)
			}
			continue
		}

		msg := err.Error()
		if msg == "" {
			msg = defaultMutateError
		}
		klog.ErrorS(err, "Mutate action failed", "capability", name, "uid", req.UID, "onError", p.opts.OnError)
		if !isDelete {
			wrapped.SetAnnotation(p.statusAnnotation(name), statusWarning)
		}
		warnings = append(warnings, "Action failed: "+msg)

		switch p.opts.OnError {
		case OnErrorReject:
			resp.Allowed = false
			resp.Result = &metav1.Status{Message: rejectOnErrorMsg}
			resp.Warnings = warnings
			logOutcome("mutate", req, false)
			return resp
		case OnErrorAudit:
			if resp.AuditAnnotations == nil {
				resp.AuditAnnotations = map[string]string{}
			}
			resp.AuditAnnotations[auditKey(resp.AuditAnnotations)] = "Action failed: " + msg
		}
	}

	if len(warnings) > 0 {
		resp.Warnings = warnings
	}
	if isDelete {
		logOutcome("mutate", req, true)
		return resp
	}

	if isSecret(req) {
		encodeSecret(wrapped.Raw.Object, skipped)
	}

	patch, err := diff(req.Object, wrapped.Raw.Object)
	if err != nil {
		klog.ErrorS(err, "Failed to compute patch", "uid", req.UID)
		resp.Allowed = false
		resp.Result = &metav1.Status{Message: fmt.Sprintf("failed to compute patch: %v", err)}
		return resp
	}
	if len(patch) > 0 {
		pt := admissionv1.PatchTypeJSONPatch
		resp.Patch = patch
		resp.PatchType = &pt
	}
	logOutcome("mutate", req, true)
	return resp
}

// runMutate 把回调的 panic 转换为错误。
func runMutate(ctx context.Context, fn capability.MutateFunc, req *capability.MutateRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mutate action panicked: %v", r)
		}
	}()
	return fn(ctx, req)
}

// diff returns the JSON Patch taking source to target, nil when they are equal.
func diff(source *unstructured.Unstructured, target map[string]interface{}) ([]byte, error) {
	var src map[string]interface{}
	if source != nil {
		src = source.Object
	}
	if src == nil {
		src = map[string]interface{}{}
	}
	ops, err := jsondiff.Compare(src, target)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}
	return json.Marshal(ops)
}

// auditKey 以毫秒时间戳作为键，同一毫秒内的多次失败追加序号。
func auditKey(existing map[string]string) string {
	base := strconv.FormatInt(time.Now().UnixMilli(), 10)
	key := base
	for i := 1; ; i++ {
		if _, ok := existing[key]; !ok {
			return key
		}
		key = base + "-" + strconv.Itoa(i)
	}
}
