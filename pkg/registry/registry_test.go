// file: pkg/registry/registry_test.go

package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	capv1 "github.com/fx147/capability-runtime/pkg/apis/capability/v1"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/errors"
)

// newTestRegistry 在临时目录中打开一个 registry，测试结束后自动关闭。
func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err, "Open should succeed")
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	t.Run("Get non-existent record", func(t *testing.T) {
		_, err := r.Get(ctx, "ns", "missing")
		if !errors.IsNotFound(err) {
			t.Fatalf("Expected a NotFound error, but got %v", err)
		}
	})

	t.Run("Create and Get", func(t *testing.T) {
		created, err := r.Create(ctx, capv1.NewCapabilityStore("ns", "store"))
		require.NoError(t, err, "Create should succeed")
		assert.Equal(t, "1", created.ResourceVersion)

		got, err := r.Get(ctx, "ns", "store")
		require.NoError(t, err, "Get should succeed")
		assert.Equal(t, capv1.PlaceholderKey, got.Data[capv1.PlaceholderKey])
		assert.Equal(t, capv1.Kind, got.Kind)
	})

	t.Run("Create duplicate", func(t *testing.T) {
		_, err := r.Create(ctx, capv1.NewCapabilityStore("ns", "store"))
		assert.True(t, errors.IsAlreadyExists(err), "expected AlreadyExists, got %v", err)
	})

	t.Run("Patch add and remove", func(t *testing.T) {
		patched, err := r.Patch(ctx, "ns", "store", []byte(`[
			{"op":"add","path":"/data/hello-v2-a~1b","value":"1"},
			{"op":"add","path":"/data/hello-v2-c","value":"2"}
		]`))
		require.NoError(t, err)
		assert.Equal(t, "1", patched.Data["hello-v2-a/b"])
		assert.Equal(t, "2", patched.Data["hello-v2-c"])
		assert.Equal(t, "2", patched.ResourceVersion)

		patched, err = r.Patch(ctx, "ns", "store", []byte(`[{"op":"remove","path":"/data/hello-v2-c"}]`))
		require.NoError(t, err)
		assert.NotContains(t, patched.Data, "hello-v2-c")
	})

	t.Run("Patch that cannot apply is Invalid", func(t *testing.T) {
		_, err := r.Patch(ctx, "ns", "store", []byte(`[{"op":"remove","path":"/data/never-there"}]`))
		assert.True(t, errors.IsInvalid(err), "expected Invalid, got %v", err)
	})

	t.Run("Patch missing record", func(t *testing.T) {
		_, err := r.Patch(ctx, "ns", "nope", []byte(`[]`))
		assert.True(t, errors.IsNotFound(err), "expected NotFound, got %v", err)
	})

	t.Run("List", func(t *testing.T) {
		list, err := r.List(ctx, "ns")
		require.NoError(t, err)
		require.Len(t, list.Items, 1)
		want := map[string]string{capv1.PlaceholderKey: capv1.PlaceholderKey, "hello-v2-a/b": "1"}
		if diff := cmp.Diff(want, list.Items[0].Data); diff != "" {
			t.Errorf("List() data mismatch (-want +got):\n%s", diff)
		}

		list, err = r.List(ctx, "other")
		require.NoError(t, err)
		assert.Empty(t, list.Items)
	})
}

func TestRegistryWatch(t *testing.T) {
	r := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := r.Create(ctx, capv1.NewCapabilityStore("ns", "store"))
	require.NoError(t, err)

	seen := make(chan *capv1.CapabilityStore, 10)
	done := make(chan error, 1)
	go func() {
		done <- r.Watch(ctx, "ns", "store", func(rec *capv1.CapabilityStore) { seen <- rec })
	}()

	// 首先投递当前记录
	select {
	case rec := <-seen:
		assert.Equal(t, "1", rec.ResourceVersion)
	case <-time.After(5 * time.Second):
		t.Fatal("initial record was not delivered")
	}

	// 其他记录的变更不会被投递
	_, err = r.Create(ctx, capv1.NewCapabilityStore("ns", "unrelated"))
	require.NoError(t, err)

	_, err = r.Patch(ctx, "ns", "store", []byte(`[{"op":"add","path":"/data/x","value":"y"}]`))
	require.NoError(t, err)

	select {
	case rec := <-seen:
		assert.Equal(t, "y", rec.Data["x"])
	case <-time.After(5 * time.Second):
		t.Fatal("patched record was not delivered")
	}

	cancel()
	require.NoError(t, <-done)
}
