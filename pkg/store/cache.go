// file: pkg/store/cache.go

package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/klog/v2"
)

// Operation is one RFC 6902 patch operation against the record.
type Operation struct {
	Op    Op     `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

type entry struct {
	signature string
	op        Operation
}

// Cache 缓冲尚未发送的补丁操作。相同签名的写入合并为一条，
// 条目保持插入顺序。
type Cache struct {
	mu      sync.Mutex
	entries []entry
	index   map[string]int
}

func NewCache() *Cache {
	return &Cache{index: make(map[string]int)}
}

// Fill buffers one operation. The path is "/data/" followed by the
// non-empty parts of capability, version and key joined with "-".
func (c *Cache) Fill(capability string, op Op, key, value, version string) error {
	path := "/data/" + joinNonEmpty("-", capability, version, key)

	switch op {
	case OpAdd:
		c.put(strings.Join([]string{string(op), path, value}, ":"), Operation{Op: op, Path: path, Value: value})
	case OpRemove:
		if key == "" {
			return fmt.Errorf("key is required for %s operation", op)
		}
		c.put(strings.Join([]string{string(op), path}, ":"), Operation{Op: op, Path: path})
	default:
		return fmt.Errorf("unsupported operation: %s", op)
	}
	return nil
}

func (c *Cache) put(signature string, op Operation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index[signature]; ok {
		return
	}
	c.index[signature] = len(c.entries)
	c.entries = append(c.entries, entry{signature: signature, op: op})
}

// Len returns the number of pending operations.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Pending returns the pending operations in insertion order.
func (c *Cache) Pending() []Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Operation, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.op
	}
	return out
}

// PatchFunc sends a batch of operations as one patch.
type PatchFunc func(ctx context.Context, ops []Operation) error

// Flush 发送当前全部条目。发送期间新到的写入留给下一轮。
// 成功时发送的条目被清除；冲突类失败时同样丢弃；其他失败时把它们
// 放回队首，等待下一轮重试。
func (c *Cache) Flush(ctx context.Context, patch PatchFunc) error {
	c.mu.Lock()
	batch := c.entries
	c.entries = nil
	c.index = make(map[string]int)
	c.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	ops := make([]Operation, len(batch))
	for i, e := range batch {
		ops[i] = e.op
	}

	err := patch(ctx, ops)
	switch {
	case err == nil:
		return nil
	case IsConflict(err):
		klog.V(2).InfoS("Dropping stale store operations", "count", len(batch), "err", err)
		return err
	default:
		klog.ErrorS(err, "Store update failure, operations will be retried", "count", len(batch))
		c.requeue(batch)
		return err
	}
}

// requeue 把失败的批次放回到较新的条目之前。
func (c *Cache) requeue(batch []entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	merged := make([]entry, 0, len(batch)+len(c.entries))
	seen := make(map[string]bool, len(batch)+len(c.entries))
	for _, e := range batch {
		merged = append(merged, e)
		seen[e.signature] = true
	}
	for _, e := range c.entries {
		if !seen[e.signature] {
			merged = append(merged, e)
			seen[e.signature] = true
		}
	}

	c.entries = merged
	c.index = make(map[string]int, len(merged))
	for i, e := range merged {
		c.index[e.signature] = i
	}
}

// IsConflict reports whether err is an optimistic-concurrency or
// unprocessable-entity rejection.
func IsConflict(err error) bool {
	if apierrors.IsConflict(err) || apierrors.IsInvalid(err) {
		return true
	}
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		code := status.Status().Code
		return code == http.StatusConflict || code == http.StatusUnprocessableEntity
	}
	return false
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
