package capability

import (
	"encoding/json"

	jsonpatch "github.com/evanphx/json-patch"
	utiljson "k8s.io/apimachinery/pkg/util/json"
)

func mergeObject(doc, patch map[string]interface{}) (map[string]interface{}, error) {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}
	merged, err := jsonpatch.MergePatch(docJSON, patchJSON)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	if err := utiljson.Unmarshal(merged, &out); err != nil {
		return nil, err
	}
	return out, nil
}
