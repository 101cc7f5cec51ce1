// file: pkg/capability/request.go

package capability

import (
	"fmt"

	admissionv1 "k8s.io/api/admission/v1"
	authenticationv1 "k8s.io/api/authentication/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	utiljson "k8s.io/apimachinery/pkg/util/json"
)

// AdmissionRequest 是准入请求解码后的形态，对象以 unstructured 表示。
type AdmissionRequest struct {
	UID         types.UID
	Kind        schema.GroupVersionKind
	Resource    schema.GroupVersionResource
	SubResource string
	Name        string
	Namespace   string
	Operation   Operation
	UserInfo    authenticationv1.UserInfo
	Object      *unstructured.Unstructured
	OldObject   *unstructured.Unstructured
	DryRun      bool
}

// FromAdmission converts an admission/v1 request.
func FromAdmission(req *admissionv1.AdmissionRequest) (*AdmissionRequest, error) {
	if req == nil {
		return nil, fmt.Errorf("admission request is nil")
	}
	obj, err := decodeRaw(req.Object)
	if err != nil {
		return nil, fmt.Errorf("failed to decode object: %w", err)
	}
	old, err := decodeRaw(req.OldObject)
	if err != nil {
		return nil, fmt.Errorf("failed to decode oldObject: %w", err)
	}
	out := &AdmissionRequest{
		UID:         req.UID,
		Kind:        schema.GroupVersionKind{Group: req.Kind.Group, Version: req.Kind.Version, Kind: req.Kind.Kind},
		Resource:    schema.GroupVersionResource{Group: req.Resource.Group, Version: req.Resource.Version, Resource: req.Resource.Resource},
		SubResource: req.SubResource,
		Name:        req.Name,
		Namespace:   req.Namespace,
		Operation:   Operation(req.Operation),
		UserInfo:    req.UserInfo,
		Object:      obj,
		OldObject:   old,
	}
	if req.DryRun != nil {
		out.DryRun = *req.DryRun
	}
	return out, nil
}

func decodeRaw(raw runtime.RawExtension) (*unstructured.Unstructured, error) {
	if len(raw.Raw) == 0 || string(raw.Raw) == "null" {
		return nil, nil
	}
	m := map[string]interface{}{}
	if err := utiljson.Unmarshal(raw.Raw, &m); err != nil {
		return nil, err
	}
	return &unstructured.Unstructured{Object: m}, nil
}

// Subject returns the object filters and callbacks look at: the old object
// for DELETE, the new object otherwise. It is never nil.
func (r *AdmissionRequest) Subject() *unstructured.Unstructured {
	obj := r.Object
	if r.Operation == OperationDelete {
		obj = r.OldObject
	}
	if obj == nil {
		return &unstructured.Unstructured{Object: map[string]interface{}{}}
	}
	return obj
}

// MutateRequest 包装一个可修改的工作副本。回调对 Raw 的修改会被
// 转换为 JSON Patch 返回给 API server。
type MutateRequest struct {
	Raw *unstructured.Unstructured
	req *AdmissionRequest
}

// NewMutateRequest deep copies the subject object into Raw.
func NewMutateRequest(req *AdmissionRequest) *MutateRequest {
	return &MutateRequest{Raw: req.Subject().DeepCopy(), req: req}
}

func (r *MutateRequest) Request() *AdmissionRequest { return r.req }

// OldResource returns the previous object, nil for CREATE.
func (r *MutateRequest) OldResource() *unstructured.Unstructured { return r.req.OldObject }

func (r *MutateRequest) SetLabel(key, value string) *MutateRequest {
	labels := r.Raw.GetLabels()
	if labels == nil {
		labels = map[string]string{}
	}
	labels[key] = value
	r.Raw.SetLabels(labels)
	return r
}

func (r *MutateRequest) RemoveLabel(key string) *MutateRequest {
	labels := r.Raw.GetLabels()
	if _, ok := labels[key]; ok {
		delete(labels, key)
		r.Raw.SetLabels(labels)
	}
	return r
}

func (r *MutateRequest) SetAnnotation(key, value string) *MutateRequest {
	annotations := r.Raw.GetAnnotations()
	if annotations == nil {
		annotations = map[string]string{}
	}
	annotations[key] = value
	r.Raw.SetAnnotations(annotations)
	return r
}

func (r *MutateRequest) RemoveAnnotation(key string) *MutateRequest {
	annotations := r.Raw.GetAnnotations()
	if _, ok := annotations[key]; ok {
		delete(annotations, key)
		r.Raw.SetAnnotations(annotations)
	}
	return r
}

func (r *MutateRequest) HasLabel(key string) bool {
	_, ok := r.Raw.GetLabels()[key]
	return ok
}

func (r *MutateRequest) HasAnnotation(key string) bool {
	_, ok := r.Raw.GetAnnotations()[key]
	return ok
}

// Merge applies patch to Raw with JSON merge patch semantics: maps merge
// recursively, lists and scalars replace, nulls delete.
func (r *MutateRequest) Merge(patch map[string]interface{}) error {
	merged, err := mergeObject(r.Raw.Object, patch)
	if err != nil {
		return err
	}
	r.Raw.Object = merged
	return nil
}

// ValidateRequest 包装一个只读副本。
type ValidateRequest struct {
	Raw *unstructured.Unstructured
	req *AdmissionRequest
}

// NewValidateRequest deep copies the subject object into Raw.
func NewValidateRequest(req *AdmissionRequest) *ValidateRequest {
	return &ValidateRequest{Raw: req.Subject().DeepCopy(), req: req}
}

func (r *ValidateRequest) Request() *AdmissionRequest { return r.req }

func (r *ValidateRequest) OldResource() *unstructured.Unstructured { return r.req.OldObject }

func (r *ValidateRequest) HasLabel(key string) bool {
	_, ok := r.Raw.GetLabels()[key]
	return ok
}

func (r *ValidateRequest) HasAnnotation(key string) bool {
	_, ok := r.Raw.GetAnnotations()[key]
	return ok
}

// Approve allows the request.
func (r *ValidateRequest) Approve(warnings ...string) ValidateResponse {
	return ValidateResponse{Allowed: true, Warnings: warnings}
}

// Deny rejects the request. A zero code is reported as 400.
func (r *ValidateRequest) Deny(message string, code int32, warnings ...string) ValidateResponse {
	return ValidateResponse{Allowed: false, StatusCode: code, StatusMessage: message, Warnings: warnings}
}

// ValidateResponse 是单个 validate 回调的结论。
type ValidateResponse struct {
	Allowed       bool
	StatusCode    int32
	StatusMessage string
	Warnings      []string
}
