package tamga

import (
	"fmt"
	mrand "math/rand"
	"reflect"
	"strings"
	"sync"
	"time"
)

// Collection describes one list-valued slot and how imported items are merged
// into it.
//
// Name is the slot suffix; the slot itself is "{namespace}-{Name}". Aliases
// are earlier suffixes or full slot names that backups may still carry.
//
// Duplicate reports whether an incoming item is already present locally.
// A nil Duplicate never matches. AssignID returns the item to store for a
// non-duplicate; nil stores it unchanged.
type Collection struct {
	Name      string
	Aliases   []string
	Duplicate func(incoming, existing any) bool
	AssignID  func(item any) any
}

var (
	CollectionOTP = Collection{
		Name:      "otp-uris",
		Aliases:   []string{"otp-auth-uris"},
		Duplicate: sameScalar,
		AssignID:  assignLocalID,
	}

	CollectionCredentials = Collection{
		Name:      "passwords",
		Duplicate: fieldsMatch("platform", "username", "value"),
		AssignID:  assignLocalID,
	}

	CollectionPasskeys = Collection{
		Name:      "passkeys",
		Duplicate: fieldsMatch("label", "secret"),
		AssignID:  assignLocalID,
	}

	CollectionEnvFiles = Collection{
		Name:      "envs",
		Duplicate: fieldsMatch("projectName", "content"),
		AssignID:  assignLocalID,
	}
)

type collectionRegistry struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]Collection
}

var registry = newCollectionRegistry(CollectionOTP, CollectionCredentials, CollectionPasskeys, CollectionEnvFiles)

func newCollectionRegistry(collections ...Collection) *collectionRegistry {
	r := &collectionRegistry{byName: make(map[string]Collection)}
	for _, c := range collections {
		if err := r.register(c); err != nil {
			panic(err)
		}
	}
	return r
}

func (r *collectionRegistry) register(c Collection) error {
	if c.Name == "" {
		return fmt.Errorf("collection name cannot be empty")
	}
	if c.Name == "salt" || c.Name == "validator" {
		return fmt.Errorf("collection name %q: %w", c.Name, ErrReservedSlot)
	}
	if !isValidSlotName(c.Name) {
		return fmt.Errorf("collection name %q contains invalid characters", c.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[c.Name]; !exists {
		r.order = append(r.order, c.Name)
	}
	r.byName[c.Name] = c
	return nil
}

// RegisterCollection adds a collection to export and merge, or replaces the
// one registered under the same name. Collections are exported in
// registration order after the built-in ones.
func RegisterCollection(c Collection) error {
	return registry.register(c)
}

// Collections returns every registered collection in export order.
func Collections() []Collection {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	out := make([]Collection, 0, len(registry.order))
	for _, name := range registry.order {
		out = append(out, registry.byName[name])
	}
	return out
}

// collectionForSlot finds the collection a bundle data key belongs to. Keys
// are matched on their suffix so that backups written under another
// namespace, or by the predecessor app, land in this vault's slots.
func collectionForSlot(key string) (Collection, bool) {
	for _, c := range Collections() {
		if key == c.Name || strings.HasSuffix(key, "-"+c.Name) {
			return c, true
		}
		for _, alias := range c.Aliases {
			if key == alias || strings.HasSuffix(key, "-"+alias) {
				return c, true
			}
		}
	}
	return Collection{}, false
}

func (c Collection) isDuplicate(item any, local []any) bool {
	if c.Duplicate == nil {
		return false
	}
	for _, existing := range local {
		if c.Duplicate(item, existing) {
			return true
		}
	}
	return false
}

func (c Collection) assign(item any) any {
	if c.AssignID == nil {
		return item
	}
	return c.AssignID(item)
}

func isComposite(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

// sameScalar matches equal strings, numbers and booleans. Objects and arrays
// never match.
func sameScalar(incoming, existing any) bool {
	if isComposite(incoming) || isComposite(existing) {
		return false
	}
	return reflect.DeepEqual(incoming, existing)
}

// fieldsMatch matches two objects whose named fields are all equal. A field
// missing on both sides counts as equal.
func fieldsMatch(fields ...string) func(incoming, existing any) bool {
	return func(incoming, existing any) bool {
		in, ok := incoming.(map[string]any)
		if !ok {
			return false
		}
		ex, ok := existing.(map[string]any)
		if !ok {
			return false
		}
		for _, f := range fields {
			if !reflect.DeepEqual(in[f], ex[f]) {
				return false
			}
		}
		return true
	}
}

// assignLocalID gives an object a new id so it cannot collide with records
// created on this device. Other values are returned unchanged.
func assignLocalID(item any) any {
	obj, ok := item.(map[string]any)
	if !ok {
		return item
	}
	out := make(map[string]any, len(obj)+1)
	for k, v := range obj {
		out[k] = v
	}
	out["id"] = newMergedID()
	return out
}

// newRecordID returns an epoch-millisecond id.
func newRecordID() float64 {
	return float64(time.Now().UnixMilli())
}

// newMergedID adds a random fraction to an epoch-millisecond id.
func newMergedID() float64 {
	return newRecordID() + mrand.Float64()
}

func timestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}
