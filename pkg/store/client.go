// file: pkg/store/client.go

package store

import (
	"context"

	capv1 "github.com/fx147/capability-runtime/pkg/apis/capability/v1"
)

// RecordClient 是存储记录的读写接口。集群与本地 bbolt 后端都实现它。
// 失败时返回 k8s.io/apimachinery/pkg/api/errors 中的状态错误。
type RecordClient interface {
	Get(ctx context.Context, namespace, name string) (*capv1.CapabilityStore, error)
	Create(ctx context.Context, record *capv1.CapabilityStore) (*capv1.CapabilityStore, error)
	// Patch applies an RFC 6902 JSON patch.
	Patch(ctx context.Context, namespace, name string, patch []byte) (*capv1.CapabilityStore, error)
	// Watch delivers the full record on every change until ctx is done.
	Watch(ctx context.Context, namespace, name string, handler func(*capv1.CapabilityStore)) error
}
