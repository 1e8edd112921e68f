package flowstate

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dgellow/labauth/internal/log"
	"github.com/dgellow/labauth/internal/oauth"
)

// FirestoreBackend stores flows and records in two collections. Firestore
// has no native TTL on reads, so expiry is checked on every read and
// CleanupExpired sweeps stale documents.
type FirestoreBackend struct {
	client           *firestore.Client
	flowCollection   string
	recordCollection string
	now              func() time.Time
}

var _ Backend = (*FirestoreBackend)(nil)

type flowDoc struct {
	Mode      string    `firestore:"mode"`
	Provider  string    `firestore:"provider"`
	CSRFToken string    `firestore:"csrf_token"`
	ReturnURL string    `firestore:"return_url"`
	CreatedAt time.Time `firestore:"created_at"`
	ExpiresAt time.Time `firestore:"expires_at"`
}

type linkedAccountDoc struct {
	Provider string     `firestore:"provider"`
	Email    string     `firestore:"email"`
	IsLinked bool       `firestore:"is_linked"`
	LinkedAt *time.Time `firestore:"linked_at,omitempty"`
	LastUsed *time.Time `firestore:"last_used,omitempty"`
}

type errorDoc struct {
	Kind        string `firestore:"kind"`
	Provider    string `firestore:"provider"`
	Code        string `firestore:"code"`
	Description string `firestore:"description"`
}

type recordDoc struct {
	LinkedAccounts []linkedAccountDoc `firestore:"linked_accounts"`
	Error          *errorDoc          `firestore:"error,omitempty"`
	ExpiresAt      time.Time          `firestore:"expires_at"`
}

// NewFirestoreBackend opens a Firestore client for project/database
func NewFirestoreBackend(ctx context.Context, projectID, database, collection string) (*FirestoreBackend, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection is required")
	}

	var client *firestore.Client
	var err error
	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return &FirestoreBackend{
		client:           client,
		flowCollection:   collection,
		recordCollection: collection + "_records",
		now:              time.Now,
	}, nil
}

func toFlowDoc(flow *oauth.FlowState, expiresAt time.Time) flowDoc {
	return flowDoc{
		Mode:      string(flow.Mode),
		Provider:  string(flow.Provider),
		CSRFToken: flow.CSRFToken,
		ReturnURL: flow.ReturnURL,
		CreatedAt: flow.CreatedAt,
		ExpiresAt: expiresAt,
	}
}

func (d flowDoc) toFlow() *oauth.FlowState {
	return &oauth.FlowState{
		Mode:      oauth.Mode(d.Mode),
		Provider:  oauth.ProviderID(d.Provider),
		CSRFToken: d.CSRFToken,
		ReturnURL: d.ReturnURL,
		CreatedAt: d.CreatedAt,
	}
}

func toRecordDoc(rec *Record, expiresAt time.Time) recordDoc {
	doc := recordDoc{
		LinkedAccounts: make([]linkedAccountDoc, 0, len(rec.LinkedAccounts)),
		ExpiresAt:      expiresAt,
	}
	for _, a := range rec.LinkedAccounts {
		doc.LinkedAccounts = append(doc.LinkedAccounts, linkedAccountDoc{
			Provider: string(a.Provider),
			Email:    a.Email,
			IsLinked: a.IsLinked,
			LinkedAt: a.LinkedAt,
			LastUsed: a.LastUsed,
		})
	}
	if rec.Error != nil {
		doc.Error = &errorDoc{
			Kind:        string(rec.Error.Kind),
			Provider:    string(rec.Error.Provider),
			Code:        rec.Error.Code,
			Description: rec.Error.Description,
		}
	}
	return doc
}

func (d recordDoc) toRecord() *Record {
	rec := &Record{}
	for _, a := range d.LinkedAccounts {
		rec.LinkedAccounts = append(rec.LinkedAccounts, oauth.LinkedAccount{
			Provider: oauth.ProviderID(a.Provider),
			Email:    a.Email,
			IsLinked: a.IsLinked,
			LinkedAt: a.LinkedAt,
			LastUsed: a.LastUsed,
		})
	}
	if d.Error != nil {
		rec.Error = &oauth.OAuthError{
			Kind:        oauth.Kind(d.Error.Kind),
			Provider:    oauth.ProviderID(d.Error.Provider),
			Code:        d.Error.Code,
			Description: d.Error.Description,
		}
	}
	return rec
}

func (f *FirestoreBackend) PutFlow(ctx context.Context, scope string, flow *oauth.FlowState, ttl time.Duration) error {
	doc := toFlowDoc(flow, f.now().Add(ttl))
	if _, err := f.client.Collection(f.flowCollection).Doc(scope).Set(ctx, doc); err != nil {
		return fmt.Errorf("storing flow: %w", err)
	}
	return nil
}

// TakeFlow reads and deletes the flow document inside a transaction
func (f *FirestoreBackend) TakeFlow(ctx context.Context, scope string) (*oauth.FlowState, error) {
	ref := f.client.Collection(f.flowCollection).Doc(scope)
	var taken *flowDoc

	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		taken = nil
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc flowDoc
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decoding flow: %w", err)
		}
		taken = &doc
		return tx.Delete(ref)
	})
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("taking flow: %w", err)
	}
	if taken == nil || f.now().After(taken.ExpiresAt) {
		return nil, ErrNotFound
	}
	return taken.toFlow(), nil
}

func (f *FirestoreBackend) PeekFlow(ctx context.Context, scope string) (*oauth.FlowState, error) {
	snap, err := f.client.Collection(f.flowCollection).Doc(scope).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading flow: %w", err)
	}
	var doc flowDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decoding flow: %w", err)
	}
	if f.now().After(doc.ExpiresAt) {
		return nil, ErrNotFound
	}
	return doc.toFlow(), nil
}

func (f *FirestoreBackend) LoadRecord(ctx context.Context, scope string) (*Record, error) {
	snap, err := f.client.Collection(f.recordCollection).Doc(scope).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading record: %w", err)
	}
	var doc recordDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	if f.now().After(doc.ExpiresAt) {
		return nil, ErrNotFound
	}
	return doc.toRecord(), nil
}

func (f *FirestoreBackend) SaveRecord(ctx context.Context, scope string, rec *Record, ttl time.Duration) error {
	doc := toRecordDoc(rec, f.now().Add(ttl))
	if _, err := f.client.Collection(f.recordCollection).Doc(scope).Set(ctx, doc); err != nil {
		return fmt.Errorf("storing record: %w", err)
	}
	return nil
}

func (f *FirestoreBackend) DeleteScope(ctx context.Context, scope string) error {
	for _, collection := range []string{f.flowCollection, f.recordCollection} {
		_, err := f.client.Collection(collection).Doc(scope).Delete(ctx)
		if err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("deleting %s/%s: %w", collection, scope, err)
		}
	}
	return nil
}

// CleanupExpired deletes flow and record documents past their expiry
func (f *FirestoreBackend) CleanupExpired(ctx context.Context) (int, error) {
	total := 0
	for _, collection := range []string{f.flowCollection, f.recordCollection} {
		n, err := f.deleteExpired(ctx, collection)
		total += n
		if err != nil {
			return total, err
		}
	}
	if total > 0 {
		log.LogInfoWithFields("flowstate", "Cleaned up expired firestore documents", map[string]any{
			"count": total,
		})
	}
	return total, nil
}

func (f *FirestoreBackend) deleteExpired(ctx context.Context, collection string) (int, error) {
	iter := f.client.Collection(collection).
		Where("expires_at", "<=", f.now()).
		Documents(ctx)
	defer iter.Stop()

	count := 0
	batch := f.client.Batch()
	batchSize := 0
	const maxBatchSize = 500 // Firestore batch write limit

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return count, fmt.Errorf("failed to iterate expired %s: %w", collection, err)
		}

		batch.Delete(doc.Ref)
		batchSize++
		count++

		if batchSize >= maxBatchSize {
			if _, err := batch.Commit(ctx); err != nil {
				return count, fmt.Errorf("failed to commit batch: %w", err)
			}
			batch = f.client.Batch()
			batchSize = 0
		}
	}

	if batchSize > 0 {
		if _, err := batch.Commit(ctx); err != nil {
			return count, fmt.Errorf("failed to commit final batch: %w", err)
		}
	}
	return count, nil
}

func (f *FirestoreBackend) Close() error {
	return f.client.Close()
}
