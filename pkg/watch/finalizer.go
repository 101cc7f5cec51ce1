// file: pkg/watch/finalizer.go

package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/cenkalti/backoff/v4"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/klog/v2"

	"github.com/fx147/capability-runtime/pkg/capability"
	"github.com/fx147/capability-runtime/pkg/util"
)

// finalize 把 FinalizeFunc 包装为可入队的 WatchFunc：
// 回调返回 false 时保留 finalizer，返回 true 或出错时移除。
func (d *Dispatcher) finalize(kind schema.GroupVersionKind, fn capability.FinalizeFunc) capability.WatchFunc {
	return func(ctx context.Context, obj *unstructured.Unstructured, _ capability.WatchPhase) error {
		if !slices.Contains(obj.GetFinalizers(), capability.Finalizer) {
			return nil
		}

		keep, cbErr := runFinalize(ctx, fn, obj)
		if cbErr != nil {
			klog.ErrorS(cbErr, "Finalize action failed, removing finalizer anyway",
				"namespace", obj.GetNamespace(), "name", obj.GetName())
		}
		if cbErr == nil && !keep {
			klog.V(4).InfoS("Finalize action kept finalizer", "namespace", obj.GetNamespace(), "name", obj.GetName())
			return nil
		}
		if err := d.removeFinalizer(ctx, util.ResourceFor(kind), obj.GetNamespace(), obj.GetName()); err != nil {
			return err
		}
		return cbErr
	}
}

func runFinalize(ctx context.Context, fn capability.FinalizeFunc, obj *unstructured.Unstructured) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("finalize action panicked: %v", r)
		}
	}()
	return fn(ctx, obj)
}

type patchOp struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value"`
}

// removeFinalizer 读取最新对象，以 test+replace 的 JSON Patch 去掉运行时的 finalizer。
// 并发修改导致 test 失败时重试。
func (d *Dispatcher) removeFinalizer(ctx context.Context, gvr schema.GroupVersionResource, namespace, name string) error {
	resource := d.client.Resource(gvr).Namespace(namespace)
	op := func() error {
		current, err := resource.Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}

		finalizers := current.GetFinalizers()
		if !slices.Contains(finalizers, capability.Finalizer) {
			return nil
		}
		remaining := slices.DeleteFunc(slices.Clone(finalizers), func(f string) bool { return f == capability.Finalizer })

		body, err := json.Marshal([]patchOp{
			{Op: "test", Path: "/metadata/finalizers", Value: finalizers},
			{Op: "replace", Path: "/metadata/finalizers", Value: remaining},
		})
		if err != nil {
			return backoff.Permanent(err)
		}
		_, err = resource.Patch(ctx, name, types.JSONPatchType, body, metav1.PatchOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)); err != nil {
		return fmt.Errorf("failed to remove finalizer from %s %s/%s: %w", gvr.Resource, namespace, name, err)
	}
	klog.InfoS("Removed finalizer", "resource", gvr.Resource, "namespace", namespace, "name", name)
	return nil
}
