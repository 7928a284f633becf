// Package mongo provides a MongoDB implementation of the tool metadata store.
//
// This implementation persists per-tenant tool records to MongoDB for
// durability across restarts, suitable for production deployments.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/opforge/toolrun/runtime/registry/store"
	"github.com/opforge/toolrun/runtime/tools"
)

// Store is a MongoDB implementation of the store.Store interface.
type Store struct {
	collection *mongo.Collection
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// toolDocument is the MongoDB document representation of a ToolRecord. The
// free-form configuration and metadata are stored as JSON bytes so arbitrary
// keys round-trip without BSON restrictions.
type toolDocument struct {
	ID         string `bson:"_id"`
	CompanyID  string `bson:"company_id"`
	ToolName   string `bson:"tool_name"`
	ConfigJSON []byte `bson:"tool_config,omitempty"`
	Metadata   []byte `bson:"capabilities"`
}

// New creates a new MongoDB store using the provided collection.
// The collection should be from a connected MongoDB client.
func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

// EnsureIndexes creates the tenant listing index. Call once at startup.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "company_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("mongodb tool store: create indexes: %w", err)
	}
	return nil
}

func documentID(companyID, toolName string) string {
	return companyID + "/" + toolName
}

// Put stores or replaces the record for (company, tool).
func (s *Store) Put(ctx context.Context, rec *store.ToolRecord) error {
	doc, err := toDocument(rec)
	if err != nil {
		return err
	}
	opts := options.Replace().SetUpsert(true)
	_, err = s.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, opts)
	if err != nil {
		return fmt.Errorf("mongodb save tool record %q: %w", doc.ID, err)
	}
	return nil
}

// Get retrieves the record for (company, tool).
func (s *Store) Get(ctx context.Context, companyID, toolName string) (*store.ToolRecord, error) {
	var doc toolDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": documentID(companyID, toolName)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get tool record %q: %w", documentID(companyID, toolName), err)
	}
	return fromDocument(&doc)
}

// List returns every record for the company.
func (s *Store) List(ctx context.Context, companyID string) ([]*store.ToolRecord, error) {
	cursor, err := s.collection.Find(ctx, bson.M{"company_id": companyID})
	if err != nil {
		return nil, fmt.Errorf("mongodb list tool records for %q: %w", companyID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []toolDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list tool records decode: %w", err)
	}
	out := make([]*store.ToolRecord, len(docs))
	for i := range docs {
		rec, err := fromDocument(&docs[i])
		if err != nil {
			return nil, err
		}
		out[i] = rec
	}
	return out, nil
}

// Delete removes the record for (company, tool).
func (s *Store) Delete(ctx context.Context, companyID, toolName string) error {
	res, err := s.collection.DeleteOne(ctx, bson.M{"_id": documentID(companyID, toolName)})
	if err != nil {
		return fmt.Errorf("mongodb delete tool record %q: %w", documentID(companyID, toolName), err)
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// toDocument converts a ToolRecord to a MongoDB document.
func toDocument(rec *store.ToolRecord) (*toolDocument, error) {
	md, err := json.Marshal(rec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("mongodb tool store: marshal metadata: %w", err)
	}
	doc := &toolDocument{
		ID:        documentID(rec.CompanyID, rec.ToolName),
		CompanyID: rec.CompanyID,
		ToolName:  rec.ToolName,
		Metadata:  md,
	}
	if rec.ToolConfig != nil {
		cfg, err := json.Marshal(rec.ToolConfig)
		if err != nil {
			return nil, fmt.Errorf("mongodb tool store: marshal config: %w", err)
		}
		doc.ConfigJSON = cfg
	}
	return doc, nil
}

// fromDocument converts a MongoDB document to a ToolRecord.
func fromDocument(doc *toolDocument) (*store.ToolRecord, error) {
	rec := &store.ToolRecord{
		CompanyID: doc.CompanyID,
		ToolName:  doc.ToolName,
	}
	var md tools.Metadata
	if err := json.Unmarshal(doc.Metadata, &md); err != nil {
		return nil, fmt.Errorf("mongodb tool store: decode metadata %q: %w", doc.ID, err)
	}
	rec.Metadata = md
	if len(doc.ConfigJSON) > 0 {
		if err := json.Unmarshal(doc.ConfigJSON, &rec.ToolConfig); err != nil {
			return nil, fmt.Errorf("mongodb tool store: decode config %q: %w", doc.ID, err)
		}
	}
	return rec, nil
}
