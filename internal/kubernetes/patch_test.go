package kubernetes

import (
	"encoding/json"
	"testing"
)

func TestTestAndReplaceReplicas_EncodesGuardAndTarget(t *testing.T) {
	body, err := testAndReplaceReplicas(3, 5)
	if err != nil {
		t.Fatal(err)
	}
	var ops []map[string]any
	if err := json.Unmarshal(body, &ops); err != nil {
		t.Fatal(err)
	}
	if len(ops) != 2 {
		t.Fatalf("len(ops) = %d, want 2", len(ops))
	}
	if ops[0]["op"] != "test" || ops[0]["path"] != "/spec/replicas" || ops[0]["value"].(float64) != 3 {
		t.Fatalf("ops[0] = %v, want test guard at current=3", ops[0])
	}
	if ops[1]["op"] != "replace" || ops[1]["value"].(float64) != 5 {
		t.Fatalf("ops[1] = %v, want replace to target=5", ops[1])
	}
}

func TestDeleteOptionsBody_IncludesGracePeriodAndPolicy(t *testing.T) {
	body, err := deleteOptionsBody(300, "Background")
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["gracePeriodSeconds"].(float64) != 300 {
		t.Fatalf("gracePeriodSeconds = %v, want 300", decoded["gracePeriodSeconds"])
	}
	if decoded["propagationPolicy"] != "Background" {
		t.Fatalf("propagationPolicy = %v, want Background", decoded["propagationPolicy"])
	}
}

func TestDeleteOptionsBody_OmitsPropagationPolicyWhenEmpty(t *testing.T) {
	body, err := deleteOptionsBody(0, "")
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatal(err)
	}
	if _, present := decoded["propagationPolicy"]; present {
		t.Fatalf("propagationPolicy should be absent, got %v", decoded["propagationPolicy"])
	}
}
