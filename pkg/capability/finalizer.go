package capability

import (
	"context"
	"slices"
)

// Finalizer is the finalizer the runtime adds to objects with a Finalize binding.
const Finalizer = "capability.fx147.dev/finalizer"

// AddFinalizer adds Finalizer to the working object. DELETE requests and
// UPDATE requests for objects already being deleted are left alone.
func AddFinalizer(_ context.Context, req *MutateRequest) error {
	switch req.Request().Operation {
	case OperationDelete:
		return nil
	case OperationUpdate:
		if req.Raw.GetDeletionTimestamp() != nil {
			return nil
		}
	}
	finalizers := req.Raw.GetFinalizers()
	if slices.Contains(finalizers, Finalizer) {
		return nil
	}
	req.Raw.SetFinalizers(append(finalizers, Finalizer))
	return nil
}
