// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kodiakworks/kodiak/pkg/fault"
	"github.com/kodiakworks/kodiak/services/agent/datatypes"
)

var storeTracer = otel.Tracer("kodiak.agent.store")

// readLimit bounds full-collection reads. Sessions are conversational,
// so this is generous rather than paginated.
const readLimit = 10000

// WeaviateStore implements Store against a Weaviate instance. Vectors
// come from the configured Embedder; classes use Vectorizer "none".
type WeaviateStore struct {
	client *weaviate.Client
	embed  Embedder
	logger *slog.Logger
}

// NewWeaviateStore connects to Weaviate and ensures the KodiakSession
// registry class exists. Per-session collections are created on demand
// via EnsureCollection.
func NewWeaviateStore(ctx context.Context, host, scheme string, embed Embedder, logger *slog.Logger) (*WeaviateStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: host, Scheme: scheme})
	if err != nil {
		return nil, fault.Wrap(fault.StoreError, err, "create weaviate client")
	}
	s := &WeaviateStore{client: client, embed: embed, logger: logger}
	if err := ensureClass(ctx, client, sessionClass()); err != nil {
		return nil, err
	}
	return s, nil
}

// EnsureCollection creates the record class when absent.
func (s *WeaviateStore) EnsureCollection(ctx context.Context, name string) error {
	return ensureClass(ctx, s.client, recordClass(name))
}

// AddRecord embeds the content and writes one object with a
// deterministic UUID derived from (collection, record id).
func (s *WeaviateStore) AddRecord(ctx context.Context, collection string, rec datatypes.MemoryRecord) error {
	ctx, span := storeTracer.Start(ctx, "store.AddRecord")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection))

	if err := rec.Validate(); err != nil {
		return fault.Wrap(fault.InvalidArgument, err, "invalid record")
	}

	vec, err := s.embed.Embed(ctx, rec.Content)
	if err != nil {
		return err
	}

	metaJSON := "{}"
	if len(rec.Metadata) > 0 {
		buf, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fault.Wrap(fault.StoreError, err, "marshal record metadata")
		}
		metaJSON = string(buf)
	}

	_, err = s.client.Data().Creator().
		WithClassName(collection).
		WithID(string(objectID(collection, rec.ID))).
		WithProperties(map[string]interface{}{
			"record_id":     rec.ID,
			"role":          string(rec.Role),
			"content":       rec.Content,
			"timestamp":     rec.Timestamp,
			"metadata_json": metaJSON,
		}).
		WithVector(vec).
		Do(ctx)
	if err != nil {
		return fault.Wrap(fault.StoreError, err, "insert record into "+collection)
	}
	return nil
}

// GetAllRecords reads the whole collection, drops invalid rows, and
// sorts by timestamp ascending.
func (s *WeaviateStore) GetAllRecords(ctx context.Context, collection string) ([]datatypes.MemoryRecord, error) {
	ctx, span := storeTracer.Start(ctx, "store.GetAllRecords")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection))

	resp, err := s.client.GraphQL().Get().
		WithClassName(collection).
		WithFields(recordFields()...).
		WithLimit(readLimit).
		Do(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.StoreError, err, "read collection "+collection)
	}

	rows, err := parseRows[recordRow](resp, collection)
	if err != nil {
		return nil, err
	}

	recs := s.validateRows(collection, rows)
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Timestamp < recs[j].Timestamp })
	return recs, nil
}

// Query embeds text and runs a nearVector search. Results come back
// sorted by similarity descending; equal distances fall back to
// timestamp ascending so replays are stable.
func (s *WeaviateStore) Query(ctx context.Context, collection, text string, k int) ([]datatypes.MemoryRecord, error) {
	ctx, span := storeTracer.Start(ctx, "store.Query")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection), attribute.Int("k", k))

	if k <= 0 {
		return nil, nil
	}

	vec, err := s.embed.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vec)

	resp, err := s.client.GraphQL().Get().
		WithClassName(collection).
		WithFields(recordFields()...).
		WithNearVector(nearVector).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.StoreError, err, "query collection "+collection)
	}

	rows, err := parseRows[recordRow](resp, collection)
	if err != nil {
		return nil, err
	}

	// Keep distances aligned with the surviving records for the sort.
	type scored struct {
		rec      datatypes.MemoryRecord
		distance float64
	}
	var results []scored
	dropped := 0
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			dropped++
			continue
		}
		results = append(results, scored{rec: rec, distance: row.Additional.Distance})
	}
	if dropped > 0 {
		s.logger.Warn("dropped invalid records from query", "collection", collection, "dropped", dropped)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].distance != results[j].distance {
			return results[i].distance < results[j].distance
		}
		return results[i].rec.Timestamp < results[j].rec.Timestamp
	})

	recs := make([]datatypes.MemoryRecord, 0, len(results))
	for _, r := range results {
		recs = append(recs, r.rec)
	}
	return recs, nil
}

// UpdateRecordsMetadata merges each metas[i] into the record named by
// ids[i]. The merge happens client-side because metadata travels as one
// JSON property.
func (s *WeaviateStore) UpdateRecordsMetadata(ctx context.Context, collection string, ids []string, metas []map[string]string) error {
	if len(ids) != len(metas) {
		return fault.New(fault.InvalidArgument, "ids and metas length mismatch: %d vs %d", len(ids), len(metas))
	}
	if len(ids) == 0 {
		return nil
	}

	existing, err := s.GetAllRecords(ctx, collection)
	if err != nil {
		return err
	}
	byID := make(map[string]datatypes.MemoryRecord, len(existing))
	for _, rec := range existing {
		byID[rec.ID] = rec
	}

	for i, id := range ids {
		rec, ok := byID[id]
		if !ok {
			s.logger.Warn("metadata update skipped unknown record", "collection", collection, "record_id", id)
			continue
		}

		merged := make(map[string]string, len(rec.Metadata)+len(metas[i]))
		for k, v := range rec.Metadata {
			merged[k] = v
		}
		for k, v := range metas[i] {
			merged[k] = v
		}
		buf, err := json.Marshal(merged)
		if err != nil {
			return fault.Wrap(fault.StoreError, err, "marshal merged metadata")
		}

		err = s.client.Data().Updater().
			WithClassName(collection).
			WithID(string(objectID(collection, id))).
			WithProperties(map[string]interface{}{"metadata_json": string(buf)}).
			WithMerge().
			Do(ctx)
		if err != nil {
			return fault.Wrap(fault.StoreError, err, "merge metadata for record "+id)
		}
	}
	return nil
}

// DeleteCollection drops the class and everything in it. A class that
// never existed is a no-op.
func (s *WeaviateStore) DeleteCollection(ctx context.Context, name string) error {
	ctx, span := storeTracer.Start(ctx, "store.DeleteCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name))

	if _, err := s.client.Schema().ClassGetter().WithClassName(name).Do(ctx); err != nil {
		return nil
	}
	if err := s.client.Schema().ClassDeleter().WithClassName(name).Do(ctx); err != nil {
		return fault.Wrap(fault.StoreError, err, "delete collection "+name)
	}
	return nil
}

// ListCollections returns the kodiak-owned class names.
func (s *WeaviateStore) ListCollections(ctx context.Context) ([]string, error) {
	dump, err := s.client.Schema().Getter().Do(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.StoreError, err, "get schema")
	}
	var names []string
	for _, class := range dump.Classes {
		if IsKodiakClass(class.Class) {
			names = append(names, class.Class)
		}
	}
	sort.Strings(names)
	return names, nil
}

// UpsertSession registers a saved session, refusing sanitized-name
// collisions with a different raw name.
func (s *WeaviateStore) UpsertSession(ctx context.Context, name, sanitized string) error {
	rows, err := s.sessionRowsWhere(ctx, "sanitized", sanitized)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.Name != name {
			return fault.New(fault.SessionConflict,
				"session name %q collides with %q (both sanitize to %s)", name, row.Name, sanitized)
		}
	}

	now := epochSeconds()
	if len(rows) > 0 {
		err = s.client.Data().Updater().
			WithClassName(SessionClass).
			WithID(string(sessionObjectID(name))).
			WithProperties(map[string]interface{}{"updated_at": now}).
			WithMerge().
			Do(ctx)
		return fault.Wrap(fault.StoreError, err, "update session registration "+name)
	}

	_, err = s.client.Data().Creator().
		WithClassName(SessionClass).
		WithID(string(sessionObjectID(name))).
		WithProperties(map[string]interface{}{
			"name":       name,
			"sanitized":  sanitized,
			"created_at": now,
			"updated_at": now,
		}).
		Do(ctx)
	return fault.Wrap(fault.StoreError, err, "register session "+name)
}

// ListSessions returns registered names, most recently updated first.
func (s *WeaviateStore) ListSessions(ctx context.Context) ([]string, error) {
	sortBy := graphql.Sort{Path: []string{"updated_at"}, Order: graphql.Desc}
	resp, err := s.client.GraphQL().Get().
		WithClassName(SessionClass).
		WithFields(sessionFields()...).
		WithSort(sortBy).
		WithLimit(readLimit).
		Do(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.StoreError, err, "list sessions")
	}
	rows, err := parseRows[sessionRow](resp, SessionClass)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.Name != "" {
			names = append(names, row.Name)
		}
	}
	return names, nil
}

// DeleteSession removes the registry row via a filtered batch delete,
// which is naturally idempotent.
func (s *WeaviateStore) DeleteSession(ctx context.Context, name string) error {
	where := filters.Where().
		WithPath([]string{"name"}).
		WithOperator(filters.Equal).
		WithValueString(name)

	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(SessionClass).
		WithOutput("minimal").
		WithWhere(where).
		Do(ctx)
	return fault.Wrap(fault.StoreError, err, "delete session registration "+name)
}

// HasSession reports whether name is registered.
func (s *WeaviateStore) HasSession(ctx context.Context, name string) (bool, error) {
	rows, err := s.sessionRowsWhere(ctx, "name", name)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (s *WeaviateStore) sessionRowsWhere(ctx context.Context, field, value string) ([]sessionRow, error) {
	where := filters.Where().
		WithPath([]string{field}).
		WithOperator(filters.Equal).
		WithValueString(value)

	resp, err := s.client.GraphQL().Get().
		WithClassName(SessionClass).
		WithFields(sessionFields()...).
		WithWhere(where).
		WithLimit(10).
		Do(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.StoreError, err, "query session registry")
	}
	return parseRows[sessionRow](resp, SessionClass)
}

func (s *WeaviateStore) validateRows(collection string, rows []recordRow) []datatypes.MemoryRecord {
	recs := make([]datatypes.MemoryRecord, 0, len(rows))
	dropped := 0
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			dropped++
			continue
		}
		recs = append(recs, rec)
	}
	if dropped > 0 {
		s.logger.Warn("dropped invalid records", "collection", collection, "dropped", dropped)
	}
	return recs
}

// recordRow is the GraphQL row shape for record collections.
type recordRow struct {
	RecordID     string  `json:"record_id"`
	Role         string  `json:"role"`
	Content      string  `json:"content"`
	Timestamp    float64 `json:"timestamp"`
	MetadataJSON string  `json:"metadata_json"`
	Additional   struct {
		ID       string  `json:"id"`
		Distance float64 `json:"distance"`
	} `json:"_additional"`
}

func (r recordRow) toRecord() (datatypes.MemoryRecord, error) {
	meta := map[string]string{}
	if r.MetadataJSON != "" && r.MetadataJSON != "{}" {
		if err := json.Unmarshal([]byte(r.MetadataJSON), &meta); err != nil {
			return datatypes.MemoryRecord{}, err
		}
	}
	rec := datatypes.MemoryRecord{
		ID:        r.RecordID,
		Role:      datatypes.Role(r.Role),
		Content:   r.Content,
		Timestamp: r.Timestamp,
		Metadata:  meta,
	}
	if err := rec.Validate(); err != nil {
		return datatypes.MemoryRecord{}, err
	}
	return rec, nil
}

// sessionRow is the GraphQL row shape for the KodiakSession registry.
type sessionRow struct {
	Name      string  `json:"name"`
	Sanitized string  `json:"sanitized"`
	CreatedAt float64 `json:"created_at"`
	UpdatedAt float64 `json:"updated_at"`
}

func recordFields() []graphql.Field {
	return []graphql.Field{
		{Name: "record_id"},
		{Name: "role"},
		{Name: "content"},
		{Name: "timestamp"},
		{Name: "metadata_json"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "distance"},
		}},
	}
}

func sessionFields() []graphql.Field {
	return []graphql.Field{
		{Name: "name"},
		{Name: "sanitized"},
		{Name: "created_at"},
		{Name: "updated_at"},
	}
}

// parseRows converts a GraphQL response into typed rows for a class.
// The marshal round-trip mirrors how Weaviate's dynamic response maps
// are handled everywhere else in this module.
func parseRows[T any](resp *models.GraphQLResponse, class string) ([]T, error) {
	if resp == nil {
		return nil, fault.New(fault.StoreError, "nil GraphQL response")
	}
	if len(resp.Errors) > 0 && resp.Errors[0] != nil {
		return nil, fault.New(fault.StoreError, "graphql error: %s", resp.Errors[0].Message)
	}

	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fault.Wrap(fault.StoreError, err, "marshal GraphQL data")
	}

	var decoded struct {
		Get map[string]json.RawMessage `json:"Get"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fault.Wrap(fault.StoreError, err, "decode GraphQL envelope")
	}

	rowsRaw, ok := decoded.Get[class]
	if !ok || len(rowsRaw) == 0 || string(rowsRaw) == "null" {
		return nil, nil
	}

	var rows []T
	if err := json.Unmarshal(rowsRaw, &rows); err != nil {
		return nil, fault.Wrap(fault.StoreError, err, "decode rows for "+class)
	}
	return rows, nil
}

// objectID derives a stable Weaviate UUID from the collection and
// record id, so re-inserting the same record is a conflict rather than
// a duplicate and metadata updates can address objects directly.
func objectID(collection, recordID string) strfmt.UUID {
	sum := sha256.Sum256([]byte(collection + "\x00" + recordID))
	id, _ := uuid.FromBytes(sum[:16])
	return strfmt.UUID(id.String())
}

func sessionObjectID(name string) strfmt.UUID {
	return objectID(SessionClass, name)
}

func epochSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
