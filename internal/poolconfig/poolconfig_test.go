package poolconfig

import (
	"encoding/json"
	"testing"
)

// sampleAllocationsJSON builds a realistic impala_scheduled_allocations
// value as a raw string: a sibling top-level key ("schemaVersion")
// beside "queues", and queue/property fields this package never reads
// ("aclSubmit", "impalaQueueTimeout") interspersed with the ones it
// does, so a round trip has something non-trivial to preserve.
const sampleAllocationsJSON = `{
	"schemaVersion": 3,
	"queues": [
		{
			"name": "root",
			"queues": [
				{
					"name": "engineering",
					"queues": [
						{
							"name": "etl",
							"queues": [],
							"aclSubmit": "engineering-team",
							"schedulablePropertiesList": [
								{"impalaMaxMemory": 1000, "weight": 1.5, "impalaQueueTimeout": 60000}
							]
						}
					]
				},
				{
					"name": "default",
					"queues": [],
					"aclSubmit": "*",
					"schedulablePropertiesList": [
						{"impalaMaxMemory": 2000, "weight": 1.0, "impalaQueueTimeout": 30000}
					]
				}
			]
		}
	]
}`

func sampleConfigJSON(t *testing.T) []byte {
	t.Helper()
	valueStr, err := json.Marshal(sampleAllocationsJSON)
	if err != nil {
		t.Fatal(err)
	}
	doc := configDoc{Items: []configItem{
		{Name: "some_other_item", Value: json.RawMessage(`"ignored"`)},
		{Name: scheduledAllocationsName, Value: valueStr},
	}}
	out, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestParseAndPoolNames(t *testing.T) {
	a, err := Parse(sampleConfigJSON(t))
	if err != nil {
		t.Fatal(err)
	}
	names := a.PoolNames()
	want := map[string]bool{"root.engineering.etl": true, "root.default": true}
	if len(names) != len(want) {
		t.Fatalf("got %v, want two names", names)
	}
	for _, n := range names {
		if !want[n] {
			t.Errorf("unexpected pool name %q", n)
		}
	}
}

func TestGetPoolLeaf(t *testing.T) {
	a, err := Parse(sampleConfigJSON(t))
	if err != nil {
		t.Fatal(err)
	}
	q, ok := a.GetPool("root.engineering.etl")
	if !ok {
		t.Fatal("expected pool to be found")
	}
	if mem, _ := q.MaxMemory(); mem != 1000 {
		t.Errorf("got %v", mem)
	}
}

func TestGetPoolNonLeafIsNotFound(t *testing.T) {
	a, err := Parse(sampleConfigJSON(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := a.GetPool("root.engineering"); ok {
		t.Error("expected non-leaf path to be not-found")
	}
	if _, ok := a.GetPool("root"); ok {
		t.Error("expected non-leaf root to be not-found")
	}
}

func TestGetPoolUnknownNeverErrors(t *testing.T) {
	a, err := Parse(sampleConfigJSON(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := a.GetPool("root.nonexistent.pool"); ok {
		t.Error("expected unknown path to be not-found")
	}
	if _, ok := a.GetPool("totally.unrelated"); ok {
		t.Error("expected unrelated path to be not-found")
	}
}

func TestUpdatePoolMemory(t *testing.T) {
	a, err := Parse(sampleConfigJSON(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.UpdatePoolMemory("root.default", 2500); err != nil {
		t.Fatal(err)
	}
	mem, ok := a.PoolMemory("root.default")
	if !ok || mem != 2500 {
		t.Errorf("got mem=%v ok=%v, want 2500/true", mem, ok)
	}
}

func TestUpdatePoolMemoryUnknownPool(t *testing.T) {
	a, err := Parse(sampleConfigJSON(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.UpdatePoolMemory("root.nope", 100); err == nil {
		t.Error("expected error for unknown pool")
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	original := sampleConfigJSON(t)
	a, err := Parse(original)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.UpdatePoolMemory("root.engineering.etl", 1200); err != nil {
		t.Fatal(err)
	}

	out, err := a.Serialize()
	if err != nil {
		t.Fatal(err)
	}

	// Re-parse the serialised output and confirm the mutation stuck and
	// the tree is otherwise intact.
	b, err := Parse(out)
	if err != nil {
		t.Fatalf("re-parse failed: %v", err)
	}
	mem, ok := b.PoolMemory("root.engineering.etl")
	if !ok || mem != 1200 {
		t.Errorf("got mem=%v ok=%v, want 1200/true", mem, ok)
	}
	names := b.PoolNames()
	if len(names) != 2 {
		t.Errorf("got %d names after round trip, want 2", len(names))
	}
}

// TestSerializePreservesUnmodeledFields guards against exactly the
// regression this package used to have: fields this code never reads
// (a sibling top-level key next to "queues", a per-queue ACL, an
// untouched schedulable property) must survive a parse/mutate/
// serialise/re-parse cycle unchanged, since Serialize's output is PUT
// straight back to the live engine as the new configuration.
func TestSerializePreservesUnmodeledFields(t *testing.T) {
	a, err := Parse(sampleConfigJSON(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.UpdatePoolMemory("root.default", 2500); err != nil {
		t.Fatal(err)
	}

	out, err := a.Serialize()
	if err != nil {
		t.Fatal(err)
	}

	var doc configDoc
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatal(err)
	}
	var valueStr string
	if err := json.Unmarshal(doc.Items[0].Value, &valueStr); err != nil {
		t.Fatal(err)
	}
	var tree map[string]interface{}
	if err := json.Unmarshal([]byte(valueStr), &tree); err != nil {
		t.Fatal(err)
	}

	if v, ok := tree["schemaVersion"].(float64); !ok || v != 3 {
		t.Errorf("expected top-level schemaVersion to survive, got %v", tree["schemaVersion"])
	}

	root := tree["queues"].([]interface{})[0].(map[string]interface{})
	defaultQueue := root["queues"].([]interface{})[1].(map[string]interface{})
	if defaultQueue["name"] != "default" {
		t.Fatalf("unexpected queue at index 1: %v", defaultQueue["name"])
	}
	if defaultQueue["aclSubmit"] != "*" {
		t.Errorf("expected aclSubmit to survive, got %v", defaultQueue["aclSubmit"])
	}
	props := defaultQueue["schedulablePropertiesList"].([]interface{})[0].(map[string]interface{})
	if v, ok := props["impalaQueueTimeout"].(float64); !ok || v != 30000 {
		t.Errorf("expected impalaQueueTimeout to survive untouched, got %v", props["impalaQueueTimeout"])
	}
	if v, ok := props["impalaMaxMemory"].(float64); !ok || v != 2500 {
		t.Errorf("expected impalaMaxMemory to reflect the mutation, got %v", props["impalaMaxMemory"])
	}
}
