// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"

	"github.com/kodiakworks/kodiak/pkg/fault"
	"github.com/kodiakworks/kodiak/services/agent/datatypes"
	"github.com/kodiakworks/kodiak/services/agent/store"
)

const (
	codeChunkSize    = 1000
	codeChunkOverlap = 100
)

var (
	defaultSeparators = []string{"\n\n", "\n", " ", ""}

	pythonSeparators = []string{
		"\nclass ", "\ndef ", "\n\tdef ", "\n\n", "\n", " ", "",
	}

	cStyleSeparators = []string{
		"\nfunc ", "\ntype ", "\nclass ", "\npublic ", "\nprivate ",
		"\nprotected ", "\nstatic ", "\n\n", "\n", " ", "",
	}

	markdownSeparators = []string{
		"\n## ", "\n### ", "\n#### ", "\n\n", "\n", " ", "",
	}
)

// separatorsFor picks a split hierarchy by file extension so chunks
// break on declarations instead of mid-function.
func separatorsFor(filename string) []string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".py":
		return pythonSeparators
	case ".go", ".c", ".h", ".cpp", ".hpp", ".cc", ".java", ".js", ".jsx", ".ts", ".tsx", ".rs", ".cs", ".swift", ".kt", ".scala":
		return cStyleSeparators
	case ".md", ".markdown":
		return markdownSeparators
	default:
		return defaultSeparators
	}
}

// StoreCodeArtifact splits content on language-aware boundaries and
// persists the chunks to the live code collection, tagged with the
// source filename and chunk index. Returns the number of chunks written.
func (m *Manager) StoreCodeArtifact(ctx context.Context, filename, content string) (int, error) {
	ctx, span := memTracer.Start(ctx, "memory.StoreCodeArtifact")
	defer span.End()

	if strings.TrimSpace(filename) == "" {
		return 0, fault.New(fault.InvalidArgument, "filename is empty")
	}
	if strings.TrimSpace(content) == "" {
		return 0, fault.New(fault.InvalidArgument, "artifact content is empty")
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(codeChunkSize),
		textsplitter.WithChunkOverlap(codeChunkOverlap),
		textsplitter.WithSeparators(separatorsFor(filename)),
	)
	chunks, err := splitter.SplitText(content)
	if err != nil {
		return 0, fault.Wrap(fault.ParseError, err, "splitting artifact")
	}

	class := store.CodeClass(m.liveBase)
	for i, chunk := range chunks {
		rec := datatypes.MemoryRecord{
			ID:        uuid.NewString(),
			Role:      datatypes.RoleToolObservation,
			Content:   chunk,
			Timestamp: m.nextTimestamp(),
			Metadata: map[string]string{
				datatypes.MetaFilename:   filename,
				datatypes.MetaChunkIndex: strconv.Itoa(i),
			},
		}
		if err := m.st.AddRecord(ctx, class, rec); err != nil {
			return i, err
		}
	}

	m.logger.Debug("code artifact stored", "filename", filename, "chunks", len(chunks))
	return len(chunks), nil
}

// QueryCode searches the live code collection.
func (m *Manager) QueryCode(ctx context.Context, text string, k int) ([]datatypes.MemoryRecord, error) {
	return m.st.Query(ctx, store.CodeClass(m.liveBase), text, k)
}
