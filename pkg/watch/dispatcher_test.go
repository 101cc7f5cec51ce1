package watch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	dynamicfake "k8s.io/client-go/dynamic/fake"

	"github.com/fx147/capability-runtime/pkg/capability"
	"github.com/fx147/capability-runtime/pkg/informer"
	"github.com/fx147/capability-runtime/pkg/queue"
)

var (
	podGVK = schema.GroupVersionKind{Version: "v1", Kind: "Pod"}
	podGVR = schema.GroupVersionResource{Version: "v1", Resource: "pods"}
)

func newPod(ns, name string) *unstructured.Unstructured {
	u := &unstructured.Unstructured{}
	u.SetAPIVersion("v1")
	u.SetKind("Pod")
	u.SetNamespace(ns)
	u.SetName(name)
	return u
}

func newFakeClient(objs ...runtime.Object) *dynamicfake.FakeDynamicClient {
	return dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
		map[schema.GroupVersionResource]string{podGVR: "PodList"}, objs...)
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) fn(_ context.Context, obj *unstructured.Unstructured, phase capability.WatchPhase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, string(phase)+":"+obj.GetNamespace()+"/"+obj.GetName())
	return nil
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestPhaseMatches(t *testing.T) {
	testCases := []struct {
		event capability.Event
		phase capability.WatchPhase
		want  bool
	}{
		{capability.Any, capability.Deleted, true},
		{capability.Create, capability.Added, true},
		{capability.Create, capability.Modified, false},
		{capability.Update, capability.Modified, true},
		{capability.CreateOrUpdate, capability.Added, true},
		{capability.CreateOrUpdate, capability.Modified, true},
		{capability.CreateOrUpdate, capability.Deleted, false},
		{capability.Delete, capability.Deleted, true},
		{capability.Delete, capability.Bookmark, false},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, phaseMatches(tc.event, tc.phase), "%s/%s", tc.event, tc.phase)
	}
}

func TestHandleFiltersAndDispatches(t *testing.T) {
	rec := &recorder{}
	c := capability.MustNew("demo", "", "team-a")
	c.When(podGVK).IsCreatedOrUpdated().WithLabel("app", "web").Watch(rec.fn)
	b := c.WatchBindings()[0]

	d := NewDispatcher(newFakeClient(), []*capability.Capability{c}, queue.NewRegistry(queue.StrategyKindNamespaceName),
		Options{IgnoredNamespaces: []string{"kube-system"}})
	ctx := context.Background()

	match := newPod("team-a", "web-1")
	match.SetLabels(map[string]string{"app": "web"})
	d.handle(ctx, c, b, match, capability.Added)
	d.handle(ctx, c, b, match, capability.Deleted)

	wrongLabel := newPod("team-a", "db-1")
	d.handle(ctx, c, b, wrongLabel, capability.Added)

	outside := match.DeepCopy()
	outside.SetNamespace("team-b")
	d.handle(ctx, c, b, outside, capability.Modified)

	assert.Equal(t, []string{"ADDED:team-a/web-1"}, rec.list())
}

func TestHandleQueuedKeepsOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	c := capability.MustNew("demo", "")
	c.When(podGVK).Reconcile(func(_ context.Context, obj *unstructured.Unstructured, phase capability.WatchPhase) error {
		if phase == capability.Added {
			time.Sleep(20 * time.Millisecond)
		}
		mu.Lock()
		order = append(order, string(phase))
		mu.Unlock()
		return nil
	})
	b := c.WatchBindings()[0]
	d := NewDispatcher(newFakeClient(), []*capability.Capability{c}, queue.NewRegistry(queue.StrategyKindNamespaceName), Options{})

	pod := newPod("a", "p")
	d.handle(context.Background(), c, b, pod, capability.Added)
	d.handle(context.Background(), c, b, pod, capability.Modified)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"ADDED", "MODIFIED"}, order)
}

func TestRunDeliversEvents(t *testing.T) {
	rec := &recorder{}
	c := capability.MustNew("demo", "")
	c.When(podGVK).IsCreated().Reconcile(rec.fn)

	client := newFakeClient(newPod("a", "existing"))
	d := NewDispatcher(client, []*capability.Capability{c}, queue.NewRegistry(queue.StrategyKind), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(rec.list()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	assert.Equal(t, []string{"ADDED:a/existing"}, rec.list())
}

func deletingPod(finalizers ...string) *unstructured.Unstructured {
	pod := newPod("a", "doomed")
	now := metav1.Now()
	pod.SetDeletionTimestamp(&now)
	pod.SetFinalizers(finalizers)
	return pod
}

func TestFinalizeRemovesFinalizer(t *testing.T) {
	testCases := []struct {
		name    string
		keep    bool
		err     error
		removed bool
	}{
		{"done", true, nil, true},
		{"kept", false, nil, false},
		{"error", false, errors.New("cleanup failed"), true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pod := deletingPod("other/finalizer", capability.Finalizer)
			client := newFakeClient(pod.DeepCopy())

			var called sync.WaitGroup
			called.Add(1)
			c := capability.MustNew("demo", "")
			c.When(podGVK).Finalize(func(context.Context, *unstructured.Unstructured) (bool, error) {
				defer called.Done()
				return tc.keep, tc.err
			})
			b := c.WatchBindings()[0]
			require.IsType(t, capability.FinalizeAction{}, b.Action())

			d := NewDispatcher(client, []*capability.Capability{c}, queue.NewRegistry(queue.StrategyKind), Options{})
			err := d.finalize(podGVK, b.Action().(capability.FinalizeAction).Fn)(context.Background(), pod, capability.Modified)
			called.Wait()
			assert.Equal(t, tc.err, err)

			got, err := client.Resource(podGVR).Namespace("a").Get(context.Background(), "doomed", metav1.GetOptions{})
			require.NoError(t, err)
			if tc.removed {
				assert.Equal(t, []string{"other/finalizer"}, got.GetFinalizers())
			} else {
				assert.Equal(t, []string{"other/finalizer", capability.Finalizer}, got.GetFinalizers())
			}
		})
	}
}

func TestFinalizeSkipsLiveObjects(t *testing.T) {
	var calls int
	c := capability.MustNew("demo", "")
	c.When(podGVK).Finalize(func(context.Context, *unstructured.Unstructured) (bool, error) {
		calls++
		return true, nil
	})
	b := c.WatchBindings()[0]
	d := NewDispatcher(newFakeClient(), []*capability.Capability{c}, queue.NewRegistry(queue.StrategyKind), Options{})

	live := newPod("a", "alive")
	live.SetFinalizers([]string{capability.Finalizer})
	d.handle(context.Background(), c, b, live, capability.Modified)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, calls)
}

type gaveUpInformer struct{}

func (gaveUpInformer) AddEventHandler(informer.Handler) {}
func (gaveUpInformer) Run(<-chan struct{}) error      { return informer.ErrGaveUp }

func TestRunGiveUpIsFatal(t *testing.T) {
	c := capability.MustNew("demo", "")
	c.When(podGVK).Watch(func(context.Context, *unstructured.Unstructured, capability.WatchPhase) error { return nil })

	var gaveUp schema.GroupVersionResource
	d := NewDispatcher(newFakeClient(), []*capability.Capability{c}, queue.NewRegistry(queue.StrategyKind), Options{
		OnGiveUp: func(gvr schema.GroupVersionResource, _ error) { gaveUp = gvr },
	})
	d.newInformer = func(dynamic.Interface, schema.GroupVersionResource, informer.Options) informer.Informer {
		return gaveUpInformer{}
	}

	err := d.Run(context.Background())
	assert.ErrorIs(t, err, informer.ErrGaveUp)
	assert.Equal(t, podGVR, gaveUp)
}
