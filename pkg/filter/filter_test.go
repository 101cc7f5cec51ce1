package filter

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fx147/capability-runtime/pkg/capability"
	"github.com/stretchr/testify/assert"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

var podGVK = schema.GroupVersionKind{Version: "v1", Kind: "Pod"}

func noop(context.Context, *capability.MutateRequest) error { return nil }

func pod(ns, name string, labels map[string]string, deleting bool) *unstructured.Unstructured {
	u := &unstructured.Unstructured{}
	u.SetAPIVersion("v1")
	u.SetKind("Pod")
	u.SetNamespace(ns)
	u.SetName(name)
	if labels != nil {
		u.SetLabels(labels)
	}
	if deleting {
		ts := metav1.NewTime(time.Now())
		u.SetDeletionTimestamp(&ts)
	}
	return u
}

func binding(event capability.Event, f capability.Filters) capability.Binding {
	return capability.NewBinding(podGVK, event, f, capability.MutateAction{Fn: noop})
}

func create(obj *unstructured.Unstructured) *capability.AdmissionRequest {
	return &capability.AdmissionRequest{Operation: capability.OperationCreate, Kind: podGVK, Object: obj}
}

func TestMatches(t *testing.T) {
	testCases := []struct {
		name       string
		binding    capability.Binding
		req        *capability.AdmissionRequest
		capNs      []string
		ignoredNs  []string
		want       bool
		wantReason string
	}{
		{
			name:    "match everything",
			binding: binding(capability.Any, capability.Filters{}),
			req:     create(pod("default", "p1", nil, false)),
			want:    true,
		},
		{
			name:       "delete binding with deletionTimestamp never matches",
			binding:    binding(capability.Delete, capability.Filters{DeletionTimestamp: true}),
			req:        &capability.AdmissionRequest{Operation: capability.OperationDelete, Kind: podGVK, OldObject: pod("default", "p1", nil, true)},
			want:       false,
			wantReason: "DELETE operation",
		},
		{
			name:       "deletionTimestamp required but missing",
			binding:    binding(capability.Update, capability.Filters{DeletionTimestamp: true}),
			req:        &capability.AdmissionRequest{Operation: capability.OperationUpdate, Kind: podGVK, Object: pod("default", "p1", nil, false)},
			want:       false,
			wantReason: "deletionTimestamp",
		},
		{
			name:       "event mismatch",
			binding:    binding(capability.Create, capability.Filters{}),
			req:        &capability.AdmissionRequest{Operation: capability.OperationUpdate, Kind: podGVK, Object: pod("default", "p1", nil, false)},
			want:       false,
			wantReason: "event 'CREATE'",
		},
		{
			name:    "create or update covers update",
			binding: binding(capability.CreateOrUpdate, capability.Filters{}),
			req:     &capability.AdmissionRequest{Operation: capability.OperationUpdate, Kind: podGVK, Object: pod("default", "p1", nil, false)},
			want:    true,
		},
		{
			name:       "name mismatch",
			binding:    binding(capability.Any, capability.Filters{Name: "other"}),
			req:        create(pod("default", "p1", nil, false)),
			want:       false,
			wantReason: "name 'other'",
		},
		{
			name:       "name regex mismatch",
			binding:    binding(capability.Any, capability.Filters{RegexName: "^web-"}),
			req:        create(pod("default", "p1", nil, false)),
			want:       false,
			wantReason: "name regex",
		},
		{
			name:    "name regex match",
			binding: binding(capability.Any, capability.Filters{RegexName: "^p[0-9]$"}),
			req:     create(pod("default", "p1", nil, false)),
			want:    true,
		},
		{
			name:       "kind mismatch",
			binding:    binding(capability.Any, capability.Filters{}),
			req:        &capability.AdmissionRequest{Operation: capability.OperationCreate, Kind: schema.GroupVersionKind{Version: "v1", Kind: "Secret"}, Object: pod("default", "p1", nil, false)},
			want:       false,
			wantReason: "kind 'Pod'",
		},
		{
			name:       "namespace outside capability",
			binding:    binding(capability.Any, capability.Filters{}),
			req:        create(pod("other", "p1", nil, false)),
			capNs:      []string{"team-a"},
			want:       false,
			wantReason: "namespace 'other'",
		},
		{
			name:       "binding namespace outside capability namespaces",
			binding:    binding(capability.Any, capability.Filters{Namespaces: []string{"team-b"}}),
			req:        create(pod("team-b", "p1", nil, false)),
			capNs:      []string{"team-a"},
			want:       false,
			wantReason: "allowed by Capability are",
		},
		{
			name:       "namespace regex mismatch",
			binding:    binding(capability.Any, capability.Filters{RegexNamespaces: []string{"^team-"}}),
			req:        create(pod("default", "p1", nil, false)),
			want:       false,
			wantReason: "namespace regexes",
		},
		{
			name:       "ignored namespace wins over allow lists",
			binding:    binding(capability.Any, capability.Filters{Namespaces: []string{"kube-system"}}),
			req:        create(pod("kube-system", "p1", nil, false)),
			capNs:      []string{"kube-system"},
			ignoredNs:  []string{"kube-system"},
			want:       false,
			wantReason: "ignored namespaces",
		},
		{
			name:    "label presence only",
			binding: binding(capability.Any, capability.Filters{Labels: map[string]string{"app": ""}}),
			req:     create(pod("default", "p1", map[string]string{"app": "anything"}, false)),
			want:    true,
		},
		{
			name:       "label value mismatch",
			binding:    binding(capability.Any, capability.Filters{Labels: map[string]string{"app": "web"}}),
			req:        create(pod("default", "p1", map[string]string{"app": "db"}, false)),
			want:       false,
			wantReason: "label 'app'",
		},
		{
			name:       "annotation missing",
			binding:    binding(capability.Any, capability.Filters{Annotations: map[string]string{"note": ""}}),
			req:        create(pod("default", "p1", nil, false)),
			want:       false,
			wantReason: "annotation 'note'",
		},
		{
			name:    "delete reads the old object",
			binding: binding(capability.Delete, capability.Filters{Labels: map[string]string{"app": "web"}}),
			req:     &capability.AdmissionRequest{Operation: capability.OperationDelete, Kind: podGVK, OldObject: pod("default", "p1", map[string]string{"app": "web"}, false)},
			want:    true,
		},
		{
			name:    "watch events skip the event check",
			binding: binding(capability.Create, capability.Filters{}),
			req:     &capability.AdmissionRequest{Object: pod("default", "p1", nil, false)},
			want:    true,
		},
		{
			name:       "invalid regex never matches",
			binding:    binding(capability.Any, capability.Filters{RegexName: "("}),
			req:        create(pod("default", "p1", nil, false)),
			want:       false,
			wantReason: "name regex",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, reason := Matches(tc.binding, tc.req, tc.capNs, tc.ignoredNs)
			if got != tc.want {
				t.Fatalf("Matches() = %v (%q), want %v", got, reason, tc.want)
			}
			if tc.want {
				assert.Empty(t, reason)
				return
			}
			assert.True(t, strings.HasPrefix(reason, prefix), reason)
			assert.Contains(t, reason, tc.wantReason)
		})
	}
}

// 前面的检查失败时，后面的检查不应决定原因。
func TestMatchesPrecedence(t *testing.T) {
	b := binding(capability.Create, capability.Filters{
		Name:   "other",
		Labels: map[string]string{"app": "web"},
	})
	req := &capability.AdmissionRequest{Operation: capability.OperationUpdate, Kind: podGVK, Object: pod("kube-system", "p1", nil, false)}

	_, reason := Matches(b, req, nil, []string{"kube-system"})
	assert.Contains(t, reason, "event")

	b = binding(capability.Any, capability.Filters{Name: "other", Labels: map[string]string{"app": "web"}})
	_, reason = Matches(b, req, nil, []string{"kube-system"})
	assert.Contains(t, reason, "name 'other'")

	b = binding(capability.Any, capability.Filters{Labels: map[string]string{"app": "web"}})
	_, reason = Matches(b, req, nil, []string{"kube-system"})
	assert.Contains(t, reason, "ignored namespaces")
}
