// file: pkg/capability/types.go

package capability

import (
	"context"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// Event 是一个绑定关心的资源事件。
type Event string

const (
	Create         Event = "CREATE"
	Update         Event = "UPDATE"
	CreateOrUpdate Event = "CREATEORUPDATE"
	Delete         Event = "DELETE"
	Any            Event = "*"
)

// Matches reports whether an admission operation satisfies the event.
// CreateOrUpdate covers both CREATE and UPDATE by containment.
func (e Event) Matches(op Operation) bool {
	if e == Any || string(e) == string(op) {
		return true
	}
	return op != "" && strings.Contains(string(e), string(op))
}

// Operation 是准入请求的操作类型，取值与 admission/v1 一致。
type Operation string

const (
	OperationCreate  Operation = "CREATE"
	OperationUpdate  Operation = "UPDATE"
	OperationDelete  Operation = "DELETE"
	OperationConnect Operation = "CONNECT"
)

// WatchPhase 是 watch 事件的阶段。
type WatchPhase string

const (
	Added    WatchPhase = "ADDED"
	Modified WatchPhase = "MODIFIED"
	Deleted  WatchPhase = "DELETED"
	Bookmark WatchPhase = "BOOKMARK"
)

// Filters 是绑定上声明的全部条件。空值表示不约束。
type Filters struct {
	Name              string
	RegexName         string
	Namespaces        []string
	RegexNamespaces   []string
	Labels            map[string]string
	Annotations       map[string]string
	DeletionTimestamp bool
}

func (f Filters) clone() Filters {
	out := f
	out.Namespaces = append([]string(nil), f.Namespaces...)
	out.RegexNamespaces = append([]string(nil), f.RegexNamespaces...)
	out.Labels = cloneMap(f.Labels)
	out.Annotations = cloneMap(f.Annotations)
	return out
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// MutateFunc 修改 MutateRequest 中的工作副本。
type MutateFunc func(ctx context.Context, req *MutateRequest) error

// ValidateFunc 对请求做出允许或拒绝的判断。
type ValidateFunc func(ctx context.Context, req *ValidateRequest) (ValidateResponse, error)

// WatchFunc 处理一个 watch 事件。
type WatchFunc func(ctx context.Context, obj *unstructured.Unstructured, phase WatchPhase) error

// FinalizeFunc 在对象删除前执行清理。返回 false 表示保留 finalizer。
type FinalizeFunc func(ctx context.Context, obj *unstructured.Unstructured) (bool, error)

// Action 是绑定携带的回调。只有本包内的类型可以实现它。
type Action interface {
	isAction()
}

// MutateAction runs during the mutating admission phase.
type MutateAction struct {
	Fn MutateFunc
}

// ValidateAction runs during the validating admission phase.
type ValidateAction struct {
	Fn ValidateFunc
}

// WatchAction runs on watch events. Queued actions go through the
// reconciliation queue; the others are invoked inline.
type WatchAction struct {
	Fn     WatchFunc
	Queued bool
}

// FinalizeAction runs when a watched object carrying the runtime's
// finalizer is being deleted.
type FinalizeAction struct {
	Fn FinalizeFunc
}

func (MutateAction) isAction()   {}
func (ValidateAction) isAction() {}
func (WatchAction) isAction()    {}
func (FinalizeAction) isAction() {}

// Binding 是一条不可变的注册记录：资源类型、事件、过滤条件和一个动作。
type Binding struct {
	kind    schema.GroupVersionKind
	event   Event
	alias   string
	filters Filters
	action  Action
}

// Kind returns the bound resource type.
func (b Binding) Kind() schema.GroupVersionKind { return b.kind }

// Event returns the bound event.
func (b Binding) Event() Event { return b.event }

// Alias returns the log alias, possibly empty.
func (b Binding) Alias() string { return b.alias }

// Filters returns a copy of the binding's filters.
func (b Binding) Filters() Filters { return b.filters.clone() }

// Action returns the callback carried by the binding.
func (b Binding) Action() Action { return b.action }

// IsMutate reports whether the binding takes part in mutating admission.
func (b Binding) IsMutate() bool {
	_, ok := b.action.(MutateAction)
	return ok
}

// IsValidate reports whether the binding takes part in validating admission.
func (b Binding) IsValidate() bool {
	_, ok := b.action.(ValidateAction)
	return ok
}

// IsWatch reports whether the binding receives watch events, finalizers included.
func (b Binding) IsWatch() bool {
	switch b.action.(type) {
	case WatchAction, FinalizeAction:
		return true
	}
	return false
}

// NewBinding builds a binding directly; most callers use the fluent builder.
func NewBinding(kind schema.GroupVersionKind, event Event, filters Filters, action Action) Binding {
	return Binding{kind: kind, event: event, filters: filters.clone(), action: action}
}
