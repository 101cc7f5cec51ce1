// file: pkg/util/object.go

package util

import (
	"fmt"

	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// ObjectReference 返回对象的 GVK 与 "namespace/name"，用于日志。
// 集群级别的对象使用 "ClusterScoped" 作为命名空间。
func ObjectReference(obj runtime.Object) (schema.GroupVersionKind, string, error) {
	gvk := obj.GetObjectKind().GroupVersionKind()
	accessor, err := meta.Accessor(obj)
	if err != nil {
		return gvk, "", fmt.Errorf("object has no metadata: %w", err)
	}
	ns := accessor.GetNamespace()
	if ns == "" {
		ns = "ClusterScoped"
	}
	return gvk, ns + "/" + accessor.GetName(), nil
}

// ResourceFor guesses the plural resource of a kind.
func ResourceFor(gvk schema.GroupVersionKind) schema.GroupVersionResource {
	plural, _ := meta.UnsafeGuessKindToResource(gvk)
	return plural
}
