// file: pkg/registry/record.go

package registry

import (
	"context"
	"encoding/json"
	"strconv"

	jsonpatch "github.com/evanphx/json-patch"
	capv1 "github.com/fx147/capability-runtime/pkg/apis/capability/v1"
	bolt "go.etcd.io/bbolt"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

var (
	groupResource = capv1.Resource.GroupResource()
	groupKind     = capv1.SchemeGroupVersion.WithKind(capv1.Kind).GroupKind()
)

func recordKey(namespace, name string) string {
	return namespace + "/" + name
}

// Get 读取一条记录，不存在时返回 NotFound。
func (r *Registry) Get(_ context.Context, namespace, name string) (*capv1.CapabilityStore, error) {
	record := &capv1.CapabilityStore{}
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(_recordBucketKey).Get([]byte(recordKey(namespace, name)))
		if data == nil {
			return apierrors.NewNotFound(groupResource, name)
		}
		return json.Unmarshal(data, record)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Create 保存一条新记录，已存在时返回 AlreadyExists。
func (r *Registry) Create(_ context.Context, record *capv1.CapabilityStore) (*capv1.CapabilityStore, error) {
	if record.Name == "" {
		return nil, apierrors.NewInvalid(groupKind, record.Name, field.ErrorList{
			field.Required(field.NewPath("metadata", "name"), "name is required"),
		})
	}

	saved := record.DeepCopy()
	key := recordKey(saved.Namespace, saved.Name)

	err := r.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(_recordBucketKey)
		if bucket.Get([]byte(key)) != nil {
			return apierrors.NewAlreadyExists(groupResource, saved.Name)
		}

		rv, err := getAndIncrementGlobalRV(tx.Bucket(_metadataBucketKey))
		if err != nil {
			return err
		}
		saved.APIVersion = capv1.SchemeGroupVersion.String()
		saved.Kind = capv1.Kind
		saved.ResourceVersion = strconv.FormatUint(rv, 10)
		saved.CreationTimestamp = metav1.Now()

		data, err := json.Marshal(saved)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), data)
	})
	if err != nil {
		return nil, err
	}

	r.publish(Event{Type: Added, Key: key, Object: saved.DeepCopy(), ResourceVersion: saved.ResourceVersion})
	return saved, nil
}

// Patch 在一个写事务中应用 RFC 6902 补丁。无法应用的补丁
// （例如删除不存在的键）返回 Invalid，与 API server 的 422 一致。
func (r *Registry) Patch(_ context.Context, namespace, name string, patch []byte) (*capv1.CapabilityStore, error) {
	decoded, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return nil, apierrors.NewBadRequest(err.Error())
	}

	key := recordKey(namespace, name)
	saved := &capv1.CapabilityStore{}

	err = r.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(_recordBucketKey)
		current := bucket.Get([]byte(key))
		if current == nil {
			return apierrors.NewNotFound(groupResource, name)
		}

		patched, err := decoded.Apply(current)
		if err != nil {
			return apierrors.NewInvalid(groupKind, name, field.ErrorList{
				field.Invalid(field.NewPath("patch"), string(patch), err.Error()),
			})
		}
		if err := json.Unmarshal(patched, saved); err != nil {
			return apierrors.NewInvalid(groupKind, name, field.ErrorList{
				field.Invalid(field.NewPath("patch"), string(patch), err.Error()),
			})
		}

		rv, err := getAndIncrementGlobalRV(tx.Bucket(_metadataBucketKey))
		if err != nil {
			return err
		}
		saved.Namespace = namespace
		saved.Name = name
		saved.ResourceVersion = strconv.FormatUint(rv, 10)

		data, err := json.Marshal(saved)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), data)
	})
	if err != nil {
		return nil, err
	}

	r.publish(Event{Type: Modified, Key: key, Object: saved.DeepCopy(), ResourceVersion: saved.ResourceVersion})
	return saved, nil
}

// List 返回 namespace 中的全部记录；namespace 为空时返回所有记录。
func (r *Registry) List(_ context.Context, namespace string) (*capv1.CapabilityStoreList, error) {
	list := &capv1.CapabilityStoreList{
		TypeMeta: metav1.TypeMeta{APIVersion: capv1.SchemeGroupVersion.String(), Kind: capv1.Kind + "List"},
	}
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(_recordBucketKey).ForEach(func(_, v []byte) error {
			record := capv1.CapabilityStore{}
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			if namespace == "" || record.Namespace == namespace {
				list.Items = append(list.Items, record)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}
