// file: pkg/capability/capability.go

package capability

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fx147/capability-runtime/pkg/store"
	"k8s.io/apimachinery/pkg/util/validation"
)

// Capability 是一组具名的绑定，可选地限定在若干命名空间内。
type Capability struct {
	name        string
	description string
	namespaces  []string
	store       *store.Storage

	mu       sync.RWMutex
	bindings []Binding
}

// New 创建一个 capability。名字必须是合法的 DNS-1123 子域名，
// 否则返回错误，调用方应在启动阶段终止。
func New(name, description string, namespaces ...string) (*Capability, error) {
	if errs := validation.IsDNS1123Subdomain(name); len(errs) > 0 {
		return nil, fmt.Errorf("invalid capability name %q: %s", name, strings.Join(errs, "; "))
	}
	return &Capability{
		name:        name,
		description: description,
		namespaces:  append([]string(nil), namespaces...),
		store:       store.NewStorage(),
	}, nil
}

// MustNew is New that panics on an invalid name.
func MustNew(name, description string, namespaces ...string) *Capability {
	c, err := New(name, description, namespaces...)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Capability) Name() string        { return c.name }
func (c *Capability) Description() string { return c.description }

// Store returns the capability's partition of the persistent store.
func (c *Capability) Store() *store.Storage { return c.store }

// Namespaces returns the namespaces the capability is restricted to.
// Empty means every namespace.
func (c *Capability) Namespaces() []string {
	return append([]string(nil), c.namespaces...)
}

// Bindings returns the registered bindings in registration order.
func (c *Capability) Bindings() []Binding {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Binding(nil), c.bindings...)
}

// MutateBindings returns the mutate bindings in registration order.
func (c *Capability) MutateBindings() []Binding { return c.selectBindings(Binding.IsMutate) }

// ValidateBindings returns the validate bindings in registration order.
func (c *Capability) ValidateBindings() []Binding { return c.selectBindings(Binding.IsValidate) }

// WatchBindings returns the watch and finalize bindings in registration order.
func (c *Capability) WatchBindings() []Binding { return c.selectBindings(Binding.IsWatch) }

func (c *Capability) selectBindings(pred func(Binding) bool) []Binding {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Binding
	for _, b := range c.bindings {
		if pred(b) {
			out = append(out, b)
		}
	}
	return out
}

func (c *Capability) register(b Binding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, b)
}
