package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"cloud.google.com/go/datastore"
)

// Datastore stores documents in Cloud Datastore. Each collection segment is
// used as the entity kind and the path maps to an ancestor key chain, so the
// children of a document are found with an ancestor query.
type Datastore struct {
	ds *datastore.Client
}

// maxIndexedStringBytes is the Datastore limit for indexed string properties.
const maxIndexedStringBytes = 1500

// NewDatastore connects to Datastore for projectID. The client honours
// DATASTORE_EMULATOR_HOST.
func NewDatastore(ctx context.Context, projectID string) (*Datastore, error) {
	ds, err := datastore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create datastore client: %w", err)
	}
	return &Datastore{ds: ds}, nil
}

// Close closes the underlying datastore client.
func (d *Datastore) Close() error {
	return d.ds.Close()
}

func (d *Datastore) Get(ctx context.Context, p Path) (*Document, error) {
	key, err := datastoreKey(p)
	if err != nil {
		return nil, err
	}
	var props datastore.PropertyList
	if err := d.ds.Get(ctx, key, &props); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, nil
		}
		return nil, err
	}
	return &Document{ID: p.ID(), Path: p, Fields: fieldsFromProperties(props)}, nil
}

func (d *Datastore) Set(ctx context.Context, p Path, fields Fields) error {
	key, err := datastoreKey(p)
	if err != nil {
		return err
	}
	props := propertiesFromFields(fields)
	_, err = d.ds.Put(ctx, key, &props)
	return err
}

func (d *Datastore) Update(ctx context.Context, p Path, fields Fields) error {
	key, err := datastoreKey(p)
	if err != nil {
		return err
	}
	_, err = d.ds.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var props datastore.PropertyList
		if err := tx.Get(key, &props); err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				return ErrNotFound
			}
			return err
		}
		merged := propertiesFromFields(MergeFields(fieldsFromProperties(props), fields))
		_, err := tx.Put(key, &merged)
		return err
	})
	return err
}

func (d *Datastore) Delete(ctx context.Context, p Path) error {
	key, err := datastoreKey(p)
	if err != nil {
		return err
	}
	return d.ds.Delete(ctx, key)
}

func (d *Datastore) Query(ctx context.Context, collection Path, field string, op Op, value any) ([]Document, error) {
	if op != OpEqual {
		return nil, fmt.Errorf("datastore: unsupported operator %q", op)
	}
	q, err := collectionQuery(collection)
	if err != nil {
		return nil, err
	}
	return d.run(ctx, q.FilterField(field, "=", value), collection)
}

func (d *Datastore) List(ctx context.Context, collection Path) ([]Document, error) {
	q, err := collectionQuery(collection)
	if err != nil {
		return nil, err
	}
	return d.run(ctx, q, collection)
}

func (d *Datastore) run(ctx context.Context, q *datastore.Query, collection Path) ([]Document, error) {
	var rows []datastore.PropertyList
	keys, err := d.ds.GetAll(ctx, q, &rows)
	if err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(keys))
	for i, key := range keys {
		docs = append(docs, Document{ID: key.Name, Path: collection.Child(key.Name), Fields: fieldsFromProperties(rows[i])})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

// datastoreKey converts users/u1/taskboards/b1 into
// Key(users, u1) -> Key(taskboards, b1).
func datastoreKey(p Path) (*datastore.Key, error) {
	if !p.IsDocument() {
		return nil, fmt.Errorf("datastore: %q is not a document path", p)
	}
	segs := p.Segments()
	var key *datastore.Key
	for i := 0; i < len(segs); i += 2 {
		key = datastore.NameKey(segs[i], segs[i+1], key)
	}
	return key, nil
}

func collectionQuery(collection Path) (*datastore.Query, error) {
	if collection == "" || collection.IsDocument() {
		return nil, fmt.Errorf("datastore: %q is not a collection path", collection)
	}
	q := datastore.NewQuery(collection.ID())
	if parent := collection.Parent(); parent != "" {
		key, err := datastoreKey(parent)
		if err != nil {
			return nil, err
		}
		q = q.Ancestor(key)
	}
	return q, nil
}

func propertiesFromFields(fields Fields) datastore.PropertyList {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	props := make(datastore.PropertyList, 0, len(fields))
	for _, name := range names {
		v := fields[name]
		p := datastore.Property{Name: name, Value: datastoreValue(v)}
		if s, ok := v.(string); ok && len(s) > maxIndexedStringBytes {
			p.NoIndex = true
		}
		props = append(props, p)
	}
	return props
}

// datastoreValue converts slices to the []interface{} form Datastore requires
// for array properties.
func datastoreValue(v any) any {
	switch val := v.(type) {
	case []string:
		out := make([]any, len(val))
		for i := range val {
			out[i] = val[i]
		}
		return out
	default:
		return v
	}
}

func fieldsFromProperties(props datastore.PropertyList) Fields {
	fields := make(Fields, len(props))
	for _, p := range props {
		fields[p.Name] = p.Value
	}
	return fields
}
