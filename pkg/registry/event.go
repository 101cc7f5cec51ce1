// file: pkg/registry/event.go

package registry

import capv1 "github.com/fx147/capability-runtime/pkg/apis/capability/v1"

// EventType 定义了事件的类型
type EventType string

const (
	Added    EventType = "ADDED"
	Modified EventType = "MODIFIED"
)

// Event 是一个描述存储记录变更的事件。
type Event struct {
	Type EventType
	// Key 是对象的唯一标识，例如 "capability-system/capability-store"
	Key string
	// Object 是变更后的记录
	Object *capv1.CapabilityStore
	// ResourceVersion 是变更后对象的 resourceVersion
	ResourceVersion string
}
