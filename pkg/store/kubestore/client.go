// file: pkg/store/kubestore/client.go

// Package kubestore 把存储记录保存为集群中的 CapabilityStore 自定义资源。
package kubestore

import (
	"context"
	"fmt"

	capv1 "github.com/fx147/capability-runtime/pkg/apis/capability/v1"
	"github.com/fx147/capability-runtime/pkg/capability"
	"github.com/fx147/capability-runtime/pkg/informer"
	"github.com/fx147/capability-runtime/pkg/store"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"k8s.io/klog/v2"
)

var _ store.RecordClient = &Client{}

// Client stores the record as a CapabilityStore custom resource.
type Client struct {
	client dynamic.Interface
	watch  informer.Options
}

// New wraps a dynamic client. watch tunes the record informer;
// its Namespace and FieldSelector are set per call.
func New(client dynamic.Interface, watch informer.Options) *Client {
	return &Client{client: client, watch: watch}
}

func (k *Client) resource(namespace string) dynamic.ResourceInterface {
	return k.client.Resource(capv1.Resource).Namespace(namespace)
}

func (k *Client) Get(ctx context.Context, namespace, name string) (*capv1.CapabilityStore, error) {
	u, err := k.resource(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	return FromUnstructured(u)
}

func (k *Client) Create(ctx context.Context, record *capv1.CapabilityStore) (*capv1.CapabilityStore, error) {
	u, err := ToUnstructured(record)
	if err != nil {
		return nil, err
	}
	created, err := k.resource(record.Namespace).Create(ctx, u, metav1.CreateOptions{})
	if err != nil {
		return nil, err
	}
	return FromUnstructured(created)
}

func (k *Client) Patch(ctx context.Context, namespace, name string, patch []byte) (*capv1.CapabilityStore, error) {
	u, err := k.resource(namespace).Patch(ctx, name, types.JSONPatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return nil, err
	}
	return FromUnstructured(u)
}

func (k *Client) Watch(ctx context.Context, namespace, name string, handler func(*capv1.CapabilityStore)) error {
	opts := k.watch
	opts.Namespace = namespace
	opts.FieldSelector = fields.OneTermEqualSelector("metadata.name", name).String()

	inf := informer.NewInformer(k.client, capv1.Resource, opts)
	inf.AddEventHandler(func(obj *unstructured.Unstructured, phase capability.WatchPhase) {
		if phase == capability.Deleted || obj.GetName() != name {
			return
		}
		record, err := FromUnstructured(obj)
		if err != nil {
			klog.ErrorS(err, "Failed to decode store record", "namespace", namespace, "name", name)
			return
		}
		handler(record)
	})
	return inf.Run(ctx.Done())
}

// FromUnstructured converts a dynamic object into a record.
func FromUnstructured(u *unstructured.Unstructured) (*capv1.CapabilityStore, error) {
	record := &capv1.CapabilityStore{}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(u.Object, record); err != nil {
		return nil, fmt.Errorf("failed to convert store record: %w", err)
	}
	return record, nil
}

// ToUnstructured converts a record into a dynamic object.
func ToUnstructured(record *capv1.CapabilityStore) (*unstructured.Unstructured, error) {
	obj, err := runtime.DefaultUnstructuredConverter.ToUnstructured(record)
	if err != nil {
		return nil, fmt.Errorf("failed to convert store record: %w", err)
	}
	u := &unstructured.Unstructured{Object: obj}
	u.SetAPIVersion(capv1.SchemeGroupVersion.String())
	u.SetKind(capv1.Kind)
	return u, nil
}
