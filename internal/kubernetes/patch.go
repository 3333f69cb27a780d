package kubernetes

import (
	"encoding/json"

	jsonpatch "gomodules.xyz/jsonpatch/v2"
)

// testAndReplaceReplicas builds the JSON-Patch body spec §4.4's scale
// operation requires: a `test` guard against the replica count the caller
// last observed, followed by a `replace` to the target. The guard is what
// turns a stale read into a 409 instead of a silent lost update.
func testAndReplaceReplicas(current, target int) ([]byte, error) {
	ops := []jsonpatch.Operation{
		{Operation: "test", Path: "/spec/replicas", Value: current},
		{Operation: "replace", Path: "/spec/replicas", Value: target},
	}
	return json.Marshal(ops)
}

// deleteOptionsBody builds the DELETE request body Kubernetes expects for a
// grace period and propagation policy (spec §6).
func deleteOptionsBody(gracePeriodSeconds int64, propagationPolicy string) ([]byte, error) {
	body := map[string]any{
		"kind":               "DeleteOptions",
		"apiVersion":         "v1",
		"gracePeriodSeconds": gracePeriodSeconds,
	}
	if propagationPolicy != "" {
		body["propagationPolicy"] = propagationPolicy
	}
	return json.Marshal(body)
}
