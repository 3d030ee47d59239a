// Copyright (C) 2025 Halcyon Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/halcyonlabs/threadline/services/chatd/datatypes"
	"github.com/halcyonlabs/threadline/services/chatd/store"
)

// indexLoadConcurrency bounds parallel state loads during listing.
const indexLoadConcurrency = 8

// ThreadIndex derives the recency-ordered thread listing from the store.
//
// # Description
//
// Listing is computed on demand: enumerate thread ids, load each state
// with bounded parallelism, summarize, and sort newest first. There is
// no secondary index to keep consistent; the store is the single source
// of truth.
type ThreadIndex struct {
	store store.StateStore
}

// NewThreadIndex builds an index over the given store. Panics on nil.
func NewThreadIndex(st store.StateStore) *ThreadIndex {
	if st == nil {
		panic("conversation.NewThreadIndex: nil store")
	}
	return &ThreadIndex{store: st}
}

// Summaries returns one summary per persisted thread, ordered by
// creation timestamp descending with thread id ascending as the
// tie-break.
func (ix *ThreadIndex) Summaries(ctx context.Context) ([]datatypes.ThreadSummary, error) {
	ids, err := ix.store.ListThreadIDs(ctx)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	summaries := make([]datatypes.ThreadSummary, 0, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(indexLoadConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			state, err := ix.store.Load(gctx, id)
			if err != nil {
				return err
			}
			s := datatypes.Summarize(state)
			mu.Lock()
			summaries = append(summaries, s)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].Timestamp != summaries[j].Timestamp {
			return summaries[i].Timestamp > summaries[j].Timestamp
		}
		return summaries[i].ID < summaries[j].ID
	})
	return summaries, nil
}
