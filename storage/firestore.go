package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore stores documents in Cloud Firestore using the paths verbatim.
type Firestore struct {
	client *firestore.Client
}

// NewFirestore connects to the Firestore database of projectID. The client
// honours FIRESTORE_EMULATOR_HOST.
func NewFirestore(ctx context.Context, projectID string) (*Firestore, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return &Firestore{client: client}, nil
}

// Close releases the underlying client.
func (f *Firestore) Close() error {
	return f.client.Close()
}

func (f *Firestore) doc(p Path) (*firestore.DocumentRef, error) {
	ref := f.client.Doc(string(p))
	if ref == nil {
		return nil, fmt.Errorf("firestore: %q is not a document path", p)
	}
	return ref, nil
}

func (f *Firestore) collection(p Path) (*firestore.CollectionRef, error) {
	ref := f.client.Collection(string(p))
	if ref == nil {
		return nil, fmt.Errorf("firestore: %q is not a collection path", p)
	}
	return ref, nil
}

func (f *Firestore) Get(ctx context.Context, p Path) (*Document, error) {
	ref, err := f.doc(p)
	if err != nil {
		return nil, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, err
	}
	return &Document{ID: snap.Ref.ID, Path: p, Fields: Fields(snap.Data())}, nil
}

func (f *Firestore) Set(ctx context.Context, p Path, fields Fields) error {
	ref, err := f.doc(p)
	if err != nil {
		return err
	}
	_, err = ref.Set(ctx, map[string]any(fields))
	return err
}

func (f *Firestore) Update(ctx context.Context, p Path, fields Fields) error {
	ref, err := f.doc(p)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	updates := make([]firestore.Update, 0, len(keys))
	for _, k := range keys {
		updates = append(updates, firestore.Update{Path: k, Value: fields[k]})
	}
	if _, err := ref.Update(ctx, updates); err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (f *Firestore) Delete(ctx context.Context, p Path) error {
	ref, err := f.doc(p)
	if err != nil {
		return err
	}
	_, err = ref.Delete(ctx)
	return err
}

func (f *Firestore) Query(ctx context.Context, collection Path, field string, op Op, value any) ([]Document, error) {
	ref, err := f.collection(collection)
	if err != nil {
		return nil, err
	}
	if op != OpEqual {
		return nil, fmt.Errorf("firestore: unsupported operator %q", op)
	}
	return collect(ref.Where(field, "==", value).Documents(ctx), collection)
}

func (f *Firestore) List(ctx context.Context, collection Path) ([]Document, error) {
	ref, err := f.collection(collection)
	if err != nil {
		return nil, err
	}
	return collect(ref.Documents(ctx), collection)
}

func collect(it *firestore.DocumentIterator, collection Path) ([]Document, error) {
	defer it.Stop()
	docs := []Document{}
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return docs, nil
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, Document{ID: snap.Ref.ID, Path: collection.Child(snap.Ref.ID), Fields: Fields(snap.Data())})
	}
}
