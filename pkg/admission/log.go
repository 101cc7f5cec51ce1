package admission

import (
	"k8s.io/klog/v2"

	"github.com/fx147/capability-runtime/pkg/capability"
)

func logSkip(capabilityName string, req *capability.AdmissionRequest, reason string) {
	klog.V(4).InfoS("Binding skipped", "capability", capabilityName, "uid", req.UID,
		"kind", req.Kind.Kind, "namespace", req.Namespace, "name", req.Name, "reason", reason)
}

func logOutcome(phase string, req *capability.AdmissionRequest, allowed bool) {
	klog.InfoS("Admission processed", "phase", phase, "uid", req.UID, "operation", req.Operation,
		"kind", req.Kind.Kind, "namespace", req.Namespace, "name", req.Name, "allowed", allowed)
}
