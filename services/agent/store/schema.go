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

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/kodiakworks/kodiak/pkg/fault"
)

// recordClass describes a memory collection. Both Turns<base> and
// Code<base> share this shape: vectors are supplied externally
// (Vectorizer "none") and metadata travels as one JSON-encoded text
// property because record metadata is an open string map.
func recordClass(name string) *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       name,
		Description: "Session memory records ordered by timestamp.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "record_id",
				DataType:        []string{"text"},
				Description:     "Unique record id within the collection.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "role",
				DataType:        []string{"text"},
				Description:     "user, model, or tool_observation.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "The turn text or code chunk.",
				Tokenization: "word",
			},
			{
				Name:            "timestamp",
				DataType:        []string{"number"},
				Description:     "Seconds since epoch; orders the collection.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:         "metadata_json",
				DataType:     []string{"text"},
				Description:  "JSON-encoded string map of record metadata.",
				Tokenization: "field",
			},
		},
	}
}

// sessionClass describes the KodiakSession registry of saved sessions.
func sessionClass() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       SessionClass,
		Description: "Registry of saved session names and their collection bases.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "name",
				DataType:        []string{"text"},
				Description:     "Raw session name as the user typed it.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "sanitized",
				DataType:        []string{"text"},
				Description:     "Collection base derived from the name.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "created_at",
				DataType:        []string{"number"},
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "updated_at",
				DataType:        []string{"number"},
				IndexFilterable: indexFilterable,
			},
		},
	}
}

// ensureClass creates the class when the getter reports it missing.
// The weaviate client signals absence through an error, so any getter
// failure falls through to a create attempt.
func ensureClass(ctx context.Context, client *weaviate.Client, class *models.Class) error {
	_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx)
	if err == nil {
		return nil
	}
	if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fault.Wrap(fault.StoreError, err, "create class "+class.Class)
	}
	return nil
}
