// file: pkg/capability/builder.go

package capability

import (
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/klog/v2"
)

// BindingBuilder 以链式调用的方式描述一个绑定。过滤方法修改草稿，
// 终结方法（Mutate、Validate、Watch、Reconcile、Finalize）以当前草稿
// 注册一个绑定，之后仍可继续链式注册。
type BindingBuilder struct {
	capability *Capability
	kind       schema.GroupVersionKind
	event      Event
	alias      string
	filters    Filters
}

// When starts a binding for the given resource type. The event defaults to Any.
func (c *Capability) When(kind schema.GroupVersionKind) *BindingBuilder {
	return &BindingBuilder{capability: c, kind: kind, event: Any}
}

func (b *BindingBuilder) IsCreated() *BindingBuilder          { return b.on(Create) }
func (b *BindingBuilder) IsUpdated() *BindingBuilder          { return b.on(Update) }
func (b *BindingBuilder) IsCreatedOrUpdated() *BindingBuilder { return b.on(CreateOrUpdate) }
func (b *BindingBuilder) IsDeleted() *BindingBuilder          { return b.on(Delete) }

func (b *BindingBuilder) on(e Event) *BindingBuilder {
	b.event = e
	return b
}

// InNamespace adds namespaces to the binding's allow list.
func (b *BindingBuilder) InNamespace(namespaces ...string) *BindingBuilder {
	b.filters.Namespaces = append(b.filters.Namespaces, namespaces...)
	return b
}

// InNamespaceRegex adds namespace patterns. A namespace passes when it
// matches any of them.
func (b *BindingBuilder) InNamespaceRegex(patterns ...string) *BindingBuilder {
	b.filters.RegexNamespaces = append(b.filters.RegexNamespaces, patterns...)
	return b
}

func (b *BindingBuilder) WithName(name string) *BindingBuilder {
	b.filters.Name = name
	return b
}

func (b *BindingBuilder) WithNameRegex(pattern string) *BindingBuilder {
	b.filters.RegexName = pattern
	return b
}

// WithLabel requires a label. An empty value only requires the key.
func (b *BindingBuilder) WithLabel(key string, value ...string) *BindingBuilder {
	if b.filters.Labels == nil {
		b.filters.Labels = map[string]string{}
	}
	b.filters.Labels[key] = firstOrEmpty(value)
	return b
}

// WithAnnotation requires an annotation. An empty value only requires the key.
func (b *BindingBuilder) WithAnnotation(key string, value ...string) *BindingBuilder {
	if b.filters.Annotations == nil {
		b.filters.Annotations = map[string]string{}
	}
	b.filters.Annotations[key] = firstOrEmpty(value)
	return b
}

func (b *BindingBuilder) WithDeletionTimestamp() *BindingBuilder {
	b.filters.DeletionTimestamp = true
	return b
}

// Alias names the bindings in log lines.
func (b *BindingBuilder) Alias(alias string) *BindingBuilder {
	b.alias = alias
	return b
}

func (b *BindingBuilder) Mutate(fn MutateFunc) *BindingBuilder {
	return b.register(b.event, MutateAction{Fn: fn}, "mutate")
}

func (b *BindingBuilder) Validate(fn ValidateFunc) *BindingBuilder {
	return b.register(b.event, ValidateAction{Fn: fn}, "validate")
}

// Watch invokes fn inline for every matching watch event.
func (b *BindingBuilder) Watch(fn WatchFunc) *BindingBuilder {
	return b.register(b.event, WatchAction{Fn: fn}, "watch")
}

// Reconcile routes matching watch events through the reconciliation queue.
func (b *BindingBuilder) Reconcile(fn WatchFunc) *BindingBuilder {
	return b.register(b.event, WatchAction{Fn: fn, Queued: true}, "reconcile")
}

// Finalize registers two bindings: a mutation that adds the runtime's
// finalizer on any admission event, and an update watch that runs fn once
// the object carries a deletion timestamp.
func (b *BindingBuilder) Finalize(fn FinalizeFunc) *BindingBuilder {
	b.register(Any, MutateAction{Fn: AddFinalizer}, "finalizer")
	return b.register(Update, FinalizeAction{Fn: fn}, "finalize")
}

func (b *BindingBuilder) register(event Event, action Action, what string) *BindingBuilder {
	binding := NewBinding(b.kind, event, b.filters, action)
	binding.alias = b.alias
	b.capability.register(binding)
	klog.V(4).InfoS("Registered binding",
		"capability", b.capability.name, "action", what, "kind", b.kind.String(),
		"event", event, "alias", b.alias)
	return b
}

func firstOrEmpty(v []string) string {
	if len(v) == 0 {
		return ""
	}
	return v[0]
}
