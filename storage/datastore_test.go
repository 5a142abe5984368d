package storage

import (
	"strings"
	"testing"
)

func TestDatastoreKeyChain(t *testing.T) {
	key, err := datastoreKey(TaskPath("u1", "b1", "t1"))
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if key.Kind != "tasks" || key.Name != "t1" {
		t.Fatalf("unexpected leaf key: %v", key)
	}
	if key.Parent == nil || key.Parent.Kind != "taskboards" || key.Parent.Name != "b1" {
		t.Fatalf("unexpected board key: %v", key.Parent)
	}
	if key.Parent.Parent == nil || key.Parent.Parent.Kind != "users" || key.Parent.Parent.Parent != nil {
		t.Fatalf("unexpected user key: %v", key.Parent.Parent)
	}
}

func TestPropertiesFromFields(t *testing.T) {
	long := strings.Repeat("x", maxIndexedStringBytes+1)
	props := propertiesFromFields(Fields{"members": []string{"a", "b"}, "description": long, "title": "short"})

	byName := map[string]int{}
	for i, p := range props {
		byName[p.Name] = i
	}
	members := props[byName["members"]].Value.([]any)
	if len(members) != 2 || members[0] != "a" {
		t.Fatalf("unexpected members value: %#v", members)
	}
	if !props[byName["description"]].NoIndex {
		t.Fatalf("long strings must not be indexed")
	}
	if props[byName["title"]].NoIndex {
		t.Fatalf("short strings should stay indexed")
	}

	back := fieldsFromProperties(props)
	if back["title"] != "short" {
		t.Fatalf("unexpected round trip: %#v", back)
	}
}
