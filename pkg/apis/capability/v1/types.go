// file: pkg/apis/capability/v1/types.go

package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

const (
	// Kind 是存储记录的资源类型名。
	Kind = "CapabilityStore"

	// PlaceholderKey 保证记录的 data 永远不为空，避免被当作空对象清理。
	PlaceholderKey = "__capability_do_not_delete__"

	// CacheIDLabel 记录最近一次迁移的时间戳（毫秒）。
	CacheIDLabel = GroupName + "-cacheID"
)

// CapabilityStore 是所有 capability 共享的持久化键值记录。
// data 的键形如 "<capability>-v2-<escapedKey>"。
type CapabilityStore struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Data map[string]string `json:"data,omitempty"`
}

// CapabilityStoreList 是 CapabilityStore 的列表。
type CapabilityStoreList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`

	Items []CapabilityStore `json:"items"`
}

// DeepCopyInto copies the receiver into out.
func (in *CapabilityStore) DeepCopyInto(out *CapabilityStore) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	if in.Data != nil {
		out.Data = make(map[string]string, len(in.Data))
		for k, v := range in.Data {
			out.Data[k] = v
		}
	}
}

// DeepCopy returns a deep copy of the record.
func (in *CapabilityStore) DeepCopy() *CapabilityStore {
	if in == nil {
		return nil
	}
	out := new(CapabilityStore)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyObject implements runtime.Object.
func (in *CapabilityStore) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

// DeepCopyInto copies the receiver into out.
func (in *CapabilityStoreList) DeepCopyInto(out *CapabilityStoreList) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ListMeta.DeepCopyInto(&out.ListMeta)
	if in.Items != nil {
		out.Items = make([]CapabilityStore, len(in.Items))
		for i := range in.Items {
			in.Items[i].DeepCopyInto(&out.Items[i])
		}
	}
}

// DeepCopy returns a deep copy of the list.
func (in *CapabilityStoreList) DeepCopy() *CapabilityStoreList {
	if in == nil {
		return nil
	}
	out := new(CapabilityStoreList)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyObject implements runtime.Object.
func (in *CapabilityStoreList) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

// NewCapabilityStore 构造一个带有占位键的新记录。
func NewCapabilityStore(namespace, name string) *CapabilityStore {
	return &CapabilityStore{
		TypeMeta: metav1.TypeMeta{
			APIVersion: SchemeGroupVersion.String(),
			Kind:       Kind,
		},
		ObjectMeta: metav1.ObjectMeta{
			Namespace: namespace,
			Name:      name,
		},
		Data: map[string]string{PlaceholderKey: PlaceholderKey},
	}
}
