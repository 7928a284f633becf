// Package mongo provides a MongoDB-backed implementation of the idempotency
// store for durable cross-process deployments. Claims use an upsert with
// $setOnInsert so exactly one writer inserts the in-progress document;
// completion transitions the document with a compare-and-set on its status.
// Waiters poll at a capped interval because completion may happen in another
// process.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/opforge/toolrun/runtime/envelope"
	"github.com/opforge/toolrun/runtime/idempotency"
	"github.com/opforge/toolrun/runtime/result"
)

// DefaultPollInterval is how often Wait re-reads the claimed document.
const DefaultPollInterval = 100 * time.Millisecond

// Options configures the MongoDB store.
type Options struct {
	// Collection holds the idempotency documents. Required.
	Collection *mongo.Collection

	// PollInterval caps the Wait polling period. Zero means
	// DefaultPollInterval.
	PollInterval time.Duration

	// Clock overrides the time source. Nil means time.Now.
	Clock func() time.Time
}

// Store is a MongoDB implementation of the idempotency.Store interface.
// Stats counters are process-local views of the shared record state.
type Store struct {
	collection *mongo.Collection
	poll       time.Duration
	now        func() time.Time

	totalRequests       atomic.Int64
	cacheHits           atomic.Int64
	cacheMisses         atomic.Int64
	duplicatesPrevented atomic.Int64
	inProgress          atomic.Int64
}

// Compile-time check that Store implements idempotency.Store.
var _ idempotency.Store = (*Store)(nil)

// recordDocument is the MongoDB document representation of a Record. The
// cached result is stored as JSON bytes so its free-form data round-trips
// without BSON key restrictions.
type recordDocument struct {
	Key            string    `bson:"_id"`
	RequestID      string    `bson:"request_id"`
	ToolName       string    `bson:"tool_name"`
	CapabilityName string    `bson:"capability_name"`
	CompanyID      string    `bson:"company_id"`
	UserID         string    `bson:"user_id"`
	Status         string    `bson:"status"`
	ResultJSON     []byte    `bson:"result_json,omitempty"`
	CreatedAt      time.Time `bson:"created_at"`
	ExpiresAt      time.Time `bson:"expires_at"`
	LastAccessedAt time.Time `bson:"last_accessed_at"`
}

// New creates a MongoDB-backed store.
func New(opts Options) (*Store, error) {
	if opts.Collection == nil {
		return nil, errors.New("mongo collection is required")
	}
	s := &Store{
		collection: opts.Collection,
		poll:       opts.PollInterval,
		now:        opts.Clock,
	}
	if s.poll <= 0 {
		s.poll = DefaultPollInterval
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// EnsureIndexes creates the expiry index used by Cleanup and the MongoDB TTL
// monitor. Call once at startup.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
		{
			Keys: bson.D{{Key: "last_accessed_at", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("mongo idempotency: create indexes: %w", err)
	}
	return nil
}

// Ping reports backend reachability for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.collection.Database().Client().Ping(ctx, nil)
}

// Check resolves the envelope's effective key and classifies the request
// against stored state.
func (s *Store) Check(ctx context.Context, env *envelope.Envelope) (result.IdempotencyStatus, *result.Result, error) {
	key, err := env.EffectiveIdempotencyKey()
	if err != nil {
		return "", nil, err
	}
	s.totalRequests.Add(1)

	rec, err := s.load(ctx, key)
	if err != nil {
		return "", nil, err
	}
	if rec == nil {
		s.cacheMisses.Add(1)
		return result.IdempotencyNew, nil, nil
	}
	now := s.now().UTC()
	if rec.Expired(now) {
		if err := s.remove(ctx, key, rec.Status); err != nil {
			return "", nil, err
		}
		s.cacheMisses.Add(1)
		return result.IdempotencyExpired, nil, nil
	}
	if rec.Status == idempotency.StatusInProgress {
		return result.IdempotencyInProgress, nil, nil
	}
	_, err = s.collection.UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{"last_accessed_at": now}},
	)
	if err != nil {
		return "", nil, fmt.Errorf("mongo idempotency: touch %q: %w", key, err)
	}
	s.cacheHits.Add(1)
	return result.IdempotencyDuplicate, rec.CachedResult(), nil
}

// Begin claims the key with a $setOnInsert upsert so exactly one writer
// inserts the in-progress document. A live record rejects the claim with
// ErrClaimed; a record past its stored expiry is removed and the claim
// retried once.
func (s *Store) Begin(ctx context.Context, env *envelope.Envelope, ttl time.Duration) (string, error) {
	key, err := env.EffectiveIdempotencyKey()
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	doc := toDocument(idempotency.NewRecord(key, env, ttl, now))

	for attempt := 0; attempt < 2; attempt++ {
		res, err := s.collection.UpdateOne(ctx,
			bson.M{"_id": key},
			bson.M{"$setOnInsert": doc},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return "", fmt.Errorf("mongo idempotency: claim %q: %w", key, err)
		}
		if res.UpsertedCount == 1 {
			s.inProgress.Add(1)
			return key, nil
		}
		existing, err := s.load(ctx, key)
		if err != nil {
			return "", err
		}
		if existing == nil || existing.Expired(s.now().UTC()) {
			status := idempotency.StatusCompleted
			if existing != nil {
				status = existing.Status
			}
			if err := s.remove(ctx, key, status); err != nil {
				return "", err
			}
			continue
		}
		return "", idempotency.ErrClaimed
	}
	return "", idempotency.ErrClaimed
}

// Complete transitions the claim in_progress → completed with a
// compare-and-set on the status field and stores the result.
func (s *Store) Complete(ctx context.Context, key string, res *result.Result) error {
	raw, err := json.Marshal(res.Clone())
	if err != nil {
		return fmt.Errorf("mongo idempotency: marshal result: %w", err)
	}
	updated, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": key, "status": string(idempotency.StatusInProgress)},
		bson.M{"$set": bson.M{
			"status":           string(idempotency.StatusCompleted),
			"result_json":      raw,
			"last_accessed_at": s.now().UTC(),
		}},
	)
	if err != nil {
		return fmt.Errorf("mongo idempotency: complete %q: %w", key, err)
	}
	if updated.MatchedCount == 0 {
		return idempotency.ErrNotFound
	}
	s.inProgress.Add(-1)
	return nil
}

// Fail releases the claim without caching anything.
func (s *Store) Fail(ctx context.Context, key string) error {
	res, err := s.collection.DeleteOne(ctx, bson.M{"_id": key})
	if err != nil {
		return fmt.Errorf("mongo idempotency: release %q: %w", key, err)
	}
	if res.DeletedCount == 0 {
		return idempotency.ErrNotFound
	}
	s.inProgress.Add(-1)
	return nil
}

// Wait polls the claimed document until it completes, vanishes, or the
// timeout elapses. Polling is the cross-process substitute for an in-memory
// completion signal.
func (s *Store) Wait(ctx context.Context, key string, timeout time.Duration) (*result.Result, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		rec, err := s.load(ctx, key)
		if err != nil {
			return nil, err
		}
		if rec == nil || rec.Expired(s.now().UTC()) {
			return nil, nil
		}
		if rec.Status == idempotency.StatusCompleted {
			s.duplicatesPrevented.Add(1)
			return rec.CachedResult(), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-ticker.C:
		}
	}
}

// Cleanup removes documents at or past their expiry. The TTL index normally
// purges them first; this makes expiry immediate for reads between monitor
// runs.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	res, err := s.collection.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": s.now().UTC()}})
	if err != nil {
		return 0, fmt.Errorf("mongo idempotency: cleanup: %w", err)
	}
	return int(res.DeletedCount), nil
}

// EnforceBound evicts the documents least recently accessed until at most max
// remain.
func (s *Store) EnforceBound(ctx context.Context, max int) (int, error) {
	if max < 0 {
		max = 0
	}
	total, err := s.collection.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("mongo idempotency: count: %w", err)
	}
	excess := int(total) - max
	if excess <= 0 {
		return 0, nil
	}
	cursor, err := s.collection.Find(ctx, bson.M{},
		options.Find().
			SetSort(bson.D{{Key: "last_accessed_at", Value: 1}}).
			SetLimit(int64(excess)).
			SetProjection(bson.M{"_id": 1}),
	)
	if err != nil {
		return 0, fmt.Errorf("mongo idempotency: find eviction victims: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var victims []struct {
		Key string `bson:"_id"`
	}
	if err := cursor.All(ctx, &victims); err != nil {
		return 0, fmt.Errorf("mongo idempotency: decode eviction victims: %w", err)
	}
	keys := make([]string, len(victims))
	for i, v := range victims {
		keys[i] = v.Key
	}
	res, err := s.collection.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": keys}})
	if err != nil {
		return 0, fmt.Errorf("mongo idempotency: evict: %w", err)
	}
	return int(res.DeletedCount), nil
}

// Stats returns this process's view of the store counters.
func (s *Store) Stats() idempotency.Stats {
	return idempotency.Stats{
		TotalRequests:       s.totalRequests.Load(),
		CacheHits:           s.cacheHits.Load(),
		CacheMisses:         s.cacheMisses.Load(),
		DuplicatesPrevented: s.duplicatesPrevented.Load(),
		InProgress:          s.inProgress.Load(),
	}
}

// Close is a no-op because the caller owns the MongoDB client lifecycle.
func (s *Store) Close() error {
	return nil
}

// load reads and decodes the record for key; nil when absent.
func (s *Store) load(ctx context.Context, key string) (*idempotency.Record, error) {
	var doc recordDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongo idempotency: load %q: %w", key, err)
	}
	return fromDocument(&doc)
}

// remove deletes the document, decrementing the in-progress gauge when the
// removed record was a live claim.
func (s *Store) remove(ctx context.Context, key string, status idempotency.RecordStatus) error {
	res, err := s.collection.DeleteOne(ctx, bson.M{"_id": key})
	if err != nil {
		return fmt.Errorf("mongo idempotency: delete %q: %w", key, err)
	}
	if res.DeletedCount > 0 && status == idempotency.StatusInProgress {
		s.inProgress.Add(-1)
	}
	return nil
}

// toDocument converts a Record to its MongoDB document.
func toDocument(rec *idempotency.Record) *recordDocument {
	doc := &recordDocument{
		Key:            rec.IdempotencyKey,
		RequestID:      rec.RequestID,
		ToolName:       rec.ToolName,
		CapabilityName: rec.CapabilityName,
		CompanyID:      rec.CompanyID,
		UserID:         rec.UserID,
		Status:         string(rec.Status),
		CreatedAt:      rec.CreatedAt,
		ExpiresAt:      rec.ExpiresAt,
		LastAccessedAt: rec.LastAccessedAt,
	}
	if rec.Result != nil {
		if raw, err := json.Marshal(rec.Result); err == nil {
			doc.ResultJSON = raw
		}
	}
	return doc
}

// fromDocument converts a MongoDB document to a Record.
func fromDocument(doc *recordDocument) (*idempotency.Record, error) {
	rec := &idempotency.Record{
		IdempotencyKey: doc.Key,
		RequestID:      doc.RequestID,
		ToolName:       doc.ToolName,
		CapabilityName: doc.CapabilityName,
		CompanyID:      doc.CompanyID,
		UserID:         doc.UserID,
		Status:         idempotency.RecordStatus(doc.Status),
		CreatedAt:      doc.CreatedAt.UTC(),
		ExpiresAt:      doc.ExpiresAt.UTC(),
		LastAccessedAt: doc.LastAccessedAt.UTC(),
	}
	if len(doc.ResultJSON) > 0 {
		var res result.Result
		if err := json.Unmarshal(doc.ResultJSON, &res); err != nil {
			return nil, fmt.Errorf("mongo idempotency: decode result %q: %w", doc.Key, err)
		}
		rec.Result = &res
	}
	return rec, nil
}
