// file: pkg/filter/filter.go

// Package filter 决定一个绑定是否作用于某个请求或 watch 事件。
package filter

import (
	"fmt"
	"regexp"
	"slices"
	"sync"

	"github.com/fx147/capability-runtime/pkg/capability"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

const prefix = "Ignoring Admission Callback:"

// Matches 按固定的优先级依次检查绑定的条件，第一个失败的检查决定结果。
// 匹配时 reason 为空；否则 reason 描述跳过的原因。
//
// Watch 事件以 Operation 为空的请求传入，此时跳过事件检查，
// 阶段过滤由调用方完成。
func Matches(b capability.Binding, req *capability.AdmissionRequest, capabilityNamespaces, ignoredNamespaces []string) (bool, string) {
	obj := req.Subject()
	f := b.Filters()

	// 1. 通过准入的 DELETE 永远不会带有 deletionTimestamp
	if f.DeletionTimestamp && b.Event() == capability.Delete {
		return false, fmt.Sprintf("%s Cannot use deletionTimestamp filter on a DELETE operation.", prefix)
	}

	// 2.
	if f.DeletionTimestamp && obj.GetDeletionTimestamp() == nil {
		return false, fmt.Sprintf("%s Binding defines deletionTimestamp but Object does not carry it.", prefix)
	}

	// 3.
	if req.Operation != "" && !b.Event().Matches(req.Operation) {
		return false, fmt.Sprintf("%s Binding defines event '%s' but Request does not declare it.", prefix, b.Event())
	}

	// 4.
	if f.Name != "" && f.Name != obj.GetName() {
		return false, fmt.Sprintf("%s Binding defines name '%s' but Object carries '%s'.", prefix, f.Name, obj.GetName())
	}

	// 5.
	if f.RegexName != "" && !matchRegex(f.RegexName, obj.GetName()) {
		return false, fmt.Sprintf("%s Binding defines name regex '%s' but Object carries '%s'.", prefix, f.RegexName, obj.GetName())
	}

	// 6.
	if ok, reason := kindMatches(b, req, obj); !ok {
		return false, reason
	}

	// 7.
	if ok, reason := namespacesMatch(f.Namespaces, capabilityNamespaces, obj.GetNamespace()); !ok {
		return false, reason
	}

	// 8.
	if len(f.RegexNamespaces) > 0 {
		ns := obj.GetNamespace()
		matched := slices.ContainsFunc(f.RegexNamespaces, func(p string) bool { return matchRegex(p, ns) })
		if !matched {
			return false, fmt.Sprintf("%s Binding defines namespace regexes '%v' but Object carries '%s'.", prefix, f.RegexNamespaces, ns)
		}
	}

	// 9. 忽略的命名空间优先于所有允许列表
	if ns := obj.GetNamespace(); ns != "" && slices.Contains(ignoredNamespaces, ns) {
		return false, fmt.Sprintf("%s Object carries namespace '%s' but ignored namespaces include '%v'.", prefix, ns, ignoredNamespaces)
	}

	// 10.
	if key, ok := metaMatches(f.Labels, obj.GetLabels()); !ok {
		return false, fmt.Sprintf("%s Binding defines labels but Object does not carry matching label '%s'.", prefix, key)
	}

	// 11.
	if key, ok := metaMatches(f.Annotations, obj.GetAnnotations()); !ok {
		return false, fmt.Sprintf("%s Binding defines annotations but Object does not carry matching annotation '%s'.", prefix, key)
	}

	return true, ""
}

// kindMatches 依次比较 kind、group、version。
// Watch 事件没有请求级别的 GVK，此时使用对象自身的 apiVersion/kind。
func kindMatches(b capability.Binding, req *capability.AdmissionRequest, obj *unstructured.Unstructured) (bool, string) {
	want := b.Kind()
	have := req.Kind
	if have.Empty() {
		have = obj.GroupVersionKind()
	}
	if want.Kind != "" && want.Kind != have.Kind {
		return false, fmt.Sprintf("%s Binding defines kind '%s' but Request declares '%s'.", prefix, want.Kind, have.Kind)
	}
	if want.Group != "" && want.Group != have.Group {
		return false, fmt.Sprintf("%s Binding defines group '%s' but Request declares '%s'.", prefix, want.Group, have.Group)
	}
	if want.Version != "" && want.Version != have.Version {
		return false, fmt.Sprintf("%s Binding defines version '%s' but Request declares '%s'.", prefix, want.Version, have.Version)
	}
	return true, ""
}

func namespacesMatch(bindingNamespaces, capabilityNamespaces []string, ns string) (bool, string) {
	combined := make([]string, 0, len(bindingNamespaces)+len(capabilityNamespaces))
	combined = append(combined, bindingNamespaces...)
	combined = append(combined, capabilityNamespaces...)

	if len(bindingNamespaces) > 0 && ns == "" {
		return false, fmt.Sprintf("%s Binding defines namespaces '%v' but Object carries no namespace.", prefix, bindingNamespaces)
	}
	if len(combined) > 0 && ns != "" && !slices.Contains(combined, ns) {
		return false, fmt.Sprintf("%s Object carries namespace '%s' but namespaces allowed by Capability and Binding are '%v'.", prefix, ns, combined)
	}
	if len(capabilityNamespaces) > 0 {
		for _, bns := range bindingNamespaces {
			if !slices.Contains(capabilityNamespaces, bns) {
				return false, fmt.Sprintf("%s Binding defines namespaces '%v' but namespaces allowed by Capability are '%v'.", prefix, bindingNamespaces, capabilityNamespaces)
			}
		}
	}
	return true, ""
}

func metaMatches(defined, carried map[string]string) (string, bool) {
	keys := make([]string, 0, len(defined))
	for k := range defined {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		v, ok := carried[k]
		if !ok {
			return k, false
		}
		if want := defined[k]; want != "" && want != v {
			return k, false
		}
	}
	return "", true
}

var regexCache sync.Map // pattern -> *regexp.Regexp, nil for invalid patterns

// matchRegex reports whether s matches pattern. Invalid patterns never match.
func matchRegex(pattern, s string) bool {
	if cached, ok := regexCache.Load(pattern); ok {
		re, _ := cached.(*regexp.Regexp)
		return re != nil && re.MatchString(s)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		regexCache.Store(pattern, (*regexp.Regexp)(nil))
		return false
	}
	regexCache.Store(pattern, re)
	return re.MatchString(s)
}
