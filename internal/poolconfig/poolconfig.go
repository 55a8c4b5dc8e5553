// Package poolconfig models the engine's admission-control pool tree: a
// nested queue document parsed out of one opaque config item and
// re-serialised back into it after memory mutations.
package poolconfig

import (
	"encoding/json"
	"fmt"
)

const (
	scheduledAllocationsName = "impala_scheduled_allocations"
	dotDelimiter             = "."
)

// configItem is one entry of the engine's {items: [...]} document.
type configItem struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

type configDoc struct {
	Items []configItem `json:"items"`
}

// ScheduledAllocations wraps the parsed impala_scheduled_allocations
// value as a generic JSON object rather than a fixed struct. The
// engine's document carries fields this system never reads (per-queue
// ACLs, extra schedulable properties, sibling keys alongside "queues",
// …); decoding those onto named structs and re-marshalling the structs
// would silently drop every one of them on write. Keeping the parsed
// form as map[string]interface{} all the way down means Serialize
// re-emits whatever was read, with only the one field this package
// ever mutates (a leaf's impalaMaxMemory) changed in place.
type ScheduledAllocations struct {
	doc map[string]interface{}
}

// Parse extracts and parses the impala_scheduled_allocations item out of
// a full engine configuration document (the {items:[...]} JSON returned
// by the cluster manager's config endpoints).
func Parse(fullConfigJSON []byte) (*ScheduledAllocations, error) {
	var cfg configDoc
	if err := json.Unmarshal(fullConfigJSON, &cfg); err != nil {
		return nil, fmt.Errorf("parse engine config: %w", err)
	}

	var raw json.RawMessage
	found := false
	for _, item := range cfg.Items {
		if item.Name == scheduledAllocationsName {
			raw = item.Value
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("engine config has no %q item", scheduledAllocationsName)
	}

	// The item's value is itself a JSON-encoded string.
	var valueStr string
	if err := json.Unmarshal(raw, &valueStr); err != nil {
		return nil, fmt.Errorf("%q value is not a JSON string: %w", scheduledAllocationsName, err)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(valueStr), &doc); err != nil {
		return nil, fmt.Errorf("parse scheduled allocations: %w", err)
	}

	return &ScheduledAllocations{doc: doc}, nil
}

// Queue is a handle onto one node of the parsed pool tree: a thin view
// over the underlying generic JSON object, used to read a leaf's
// properties and to mutate its memory in place without flattening or
// dropping whatever other fields that node carries.
type Queue struct {
	node map[string]interface{}
}

// Name is the queue's own (non-dotted) name.
func (q *Queue) Name() string { return nameOf(q.node) }

// properties returns the first entry of this node's
// schedulablePropertiesList as a live map, so mutations made through it
// are reflected back into the parsed tree (maps are reference types).
func (q *Queue) properties() (map[string]interface{}, bool) {
	list, _ := q.node["schedulablePropertiesList"].([]interface{})
	if len(list) == 0 {
		return nil, false
	}
	props, ok := list[0].(map[string]interface{})
	return props, ok
}

// MaxMemory returns the leaf's impalaMaxMemory, or (0, false) if this
// node carries no schedulable properties.
func (q *Queue) MaxMemory() (float64, bool) {
	props, ok := q.properties()
	if !ok {
		return 0, false
	}
	v, ok := props["impalaMaxMemory"].(float64)
	return v, ok
}

// Weight returns the leaf's scheduling weight, or (0, false) if this
// node carries no schedulable properties.
func (q *Queue) Weight() (float64, bool) {
	props, ok := q.properties()
	if !ok {
		return 0, false
	}
	v, ok := props["weight"].(float64)
	return v, ok
}

func (q *Queue) setMaxMemory(mb float64) error {
	props, ok := q.properties()
	if !ok {
		return fmt.Errorf("pool %q has no schedulable properties", q.Name())
	}
	props["impalaMaxMemory"] = mb
	return nil
}

func nameOf(node map[string]interface{}) string {
	s, _ := node["name"].(string)
	return s
}

func queuesOf(node map[string]interface{}) []interface{} {
	q, _ := node["queues"].([]interface{})
	return q
}

func isLeaf(node map[string]interface{}) bool {
	return len(queuesOf(node)) == 0
}

// PoolNames returns the dotted path of every leaf queue, depth-first.
func (a *ScheduledAllocations) PoolNames() []string {
	var names []string
	collectNames(queuesOf(a.doc), "", &names)
	return names
}

func collectNames(queues []interface{}, parent string, out *[]string) {
	for _, qi := range queues {
		q, ok := qi.(map[string]interface{})
		if !ok {
			continue
		}
		path := nameOf(q)
		if parent != "" {
			path = parent + dotDelimiter + path
		}
		if isLeaf(q) {
			*out = append(*out, path)
		} else {
			collectNames(queuesOf(q), path, out)
		}
	}
}

// GetPool locates the leaf queue at the given dotted path. It returns
// (nil, false) for unknown paths and for paths that resolve to a
// non-leaf queue — it never panics or errors on a bad path.
func (a *ScheduledAllocations) GetPool(dotted string) (*Queue, bool) {
	node, ok := findPool(queuesOf(a.doc), dotted)
	if !ok {
		return nil, false
	}
	return &Queue{node: node}, true
}

func findPool(queues []interface{}, dotted string) (map[string]interface{}, bool) {
	var head, rest string
	if idx := indexOfDot(dotted); idx >= 0 {
		head, rest = dotted[:idx], dotted[idx+1:]
	} else {
		head, rest = dotted, ""
	}

	for _, qi := range queues {
		q, ok := qi.(map[string]interface{})
		if !ok || nameOf(q) != head {
			continue
		}
		if isLeaf(q) {
			if rest == "" {
				return q, true
			}
			return nil, false
		}
		if rest == "" {
			// Non-leaf match with nothing left to resolve: not found.
			return nil, false
		}
		return findPool(queuesOf(q), rest)
	}
	return nil, false
}

func indexOfDot(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}

// UpdatePoolMemory mutates the matched leaf's impalaMaxMemory in place.
// It returns an error if the pool does not exist.
func (a *ScheduledAllocations) UpdatePoolMemory(dotted string, mb float64) error {
	q, ok := a.GetPool(dotted)
	if !ok {
		return fmt.Errorf("unknown pool %q", dotted)
	}
	return q.setMaxMemory(mb)
}

// PoolWeight returns the weight of the named leaf pool, or (0, false) if
// it does not exist or carries no schedulable properties.
func (a *ScheduledAllocations) PoolWeight(dotted string) (float64, bool) {
	q, ok := a.GetPool(dotted)
	if !ok {
		return 0, false
	}
	return q.Weight()
}

// PoolMemory returns the current impalaMaxMemory of the named leaf pool.
func (a *ScheduledAllocations) PoolMemory(dotted string) (float64, bool) {
	q, ok := a.GetPool(dotted)
	if !ok {
		return 0, false
	}
	return q.MaxMemory()
}

// Serialize re-encodes the (possibly mutated) pool tree, wrapped as the
// engine expects: {items:[{name:"impala_scheduled_allocations", value: <json-string>}]}.
// Every field of the parsed value — including ones this package never
// reads — is re-emitted unchanged apart from whatever UpdatePoolMemory
// mutated, since the tree was never flattened onto named structs.
// Other top-level configuration items besides this one are not
// preserved — the engine accepts a single-item update.
func (a *ScheduledAllocations) Serialize() ([]byte, error) {
	inner, err := json.Marshal(a.doc)
	if err != nil {
		return nil, fmt.Errorf("marshal scheduled allocations: %w", err)
	}

	valueBytes, err := json.Marshal(string(inner))
	if err != nil {
		return nil, err
	}

	out := configDoc{
		Items: []configItem{
			{Name: scheduledAllocationsName, Value: valueBytes},
		},
	}
	return json.Marshal(out)
}
