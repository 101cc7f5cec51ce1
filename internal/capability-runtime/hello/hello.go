// file: internal/capability-runtime/hello/hello.go

// Package hello 是随二进制一起发布的示例能力，演示各类绑定的用法。
package hello

import (
	"context"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/klog/v2"

	"github.com/fx147/capability-runtime/pkg/capability"
)

const (
	// Namespace 是示例能力生效的命名空间。
	Namespace = "hello-capability"

	GreetingLabel    = "hello.fx147.dev/greeting"
	ForbiddenLabel   = "hello.fx147.dev/forbidden"
	LastGreetedKey   = "last-greeted"
	CleanupAnnotation = "hello.fx147.dev/cleanup"
)

var (
	configMapGVK = schema.GroupVersionKind{Version: "v1", Kind: "ConfigMap"}
	secretGVK    = schema.GroupVersionKind{Version: "v1", Kind: "Secret"}
)

// New 返回注册好所有绑定的示例能力。
func New() *capability.Capability {
	c := capability.MustNew("hello", "Example capability greeting ConfigMaps", Namespace)

	c.When(configMapGVK).IsCreatedOrUpdated().Alias("greet").
		Mutate(func(_ context.Context, req *capability.MutateRequest) error {
			req.SetLabel(GreetingLabel, "hello-"+req.Raw.GetName())
			return nil
		})

	c.When(configMapGVK).IsCreated().WithLabel(ForbiddenLabel).
		Validate(func(_ context.Context, req *capability.ValidateRequest) (capability.ValidateResponse, error) {
			return req.Deny(fmt.Sprintf("ConfigMap %s carries %s", req.Raw.GetName(), ForbiddenLabel), 0), nil
		})

	c.When(secretGVK).IsCreated().WithName("hello-secret").
		Mutate(func(_ context.Context, req *capability.MutateRequest) error {
			data, _, err := unstructured.NestedStringMap(req.Raw.Object, "data")
			if err != nil {
				return err
			}
			if greeting, ok := data["greeting"]; ok {
				return unstructured.SetNestedField(req.Raw.Object, strings.ToUpper(greeting), "data", "greeting")
			}
			return nil
		})

	c.When(configMapGVK).IsCreatedOrUpdated().Alias("remember").
		Reconcile(func(_ context.Context, obj *unstructured.Unstructured, phase capability.WatchPhase) error {
			klog.InfoS("Greeting ConfigMap", "namespace", obj.GetNamespace(), "name", obj.GetName(), "phase", phase)
			return c.Store().Set(LastGreetedKey, obj.GetNamespace()+"/"+obj.GetName())
		})

	c.When(configMapGVK).WithAnnotation(CleanupAnnotation).
		Finalize(func(_ context.Context, obj *unstructured.Unstructured) (bool, error) {
			if last, ok := c.Store().Get(LastGreetedKey); ok && last == obj.GetNamespace()+"/"+obj.GetName() {
				return true, c.Store().Remove(LastGreetedKey)
			}
			return true, nil
		})

	return c
}
