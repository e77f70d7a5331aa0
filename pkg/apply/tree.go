// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apply

import (
	"context"
	"time"

	"github.com/stefkors/gitmirror/pkg/githubclient"
	"github.com/stefkors/gitmirror/pkg/store"
)

// BuildTreeEntryID is the deterministic tree entry ID. It depends only on
// its inputs so concurrent ingestion paths converge on the same row.
func BuildTreeEntryID(repoID, ref, path string) string {
	return repoID + ":" + ref + ":" + path
}

// ComputeStaleEntries returns the IDs of existing entries whose path is
// absent from the incoming tree.
func ComputeStaleEntries(existing []*store.TreeEntry, incoming []githubclient.RemoteTreeEntry) []string {
	present := make(map[string]bool, len(incoming))
	for _, e := range incoming {
		present[e.Path] = true
	}

	var stale []string
	for _, e := range existing {
		if !present[e.Path] {
			stale = append(stale, e.ID)
		}
	}
	return stale
}

// Tree applies a fetched tree listing for (repoID, ref): incoming entries
// are upserted under their deterministic IDs and entries missing from the
// new listing are deleted. The caller runs it inside one transaction so
// the reap-then-insert pair is atomic.
func Tree(ctx context.Context, tx *store.Tx, repoID, ref string, entries []githubclient.RemoteTreeEntry, now time.Time) (int, error) {
	existing, err := tx.ListTreeEntries(ctx, repoID, ref)
	if err != nil {
		return 0, err
	}

	for _, id := range ComputeStaleEntries(existing, entries) {
		if err := tx.Delete(ctx, "tree_entries", id); err != nil {
			return 0, err
		}
	}

	for _, re := range entries {
		entryType := "file"
		if re.Type == "tree" {
			entryType = "dir"
		}
		e := &store.TreeEntry{
			ID:           BuildTreeEntryID(repoID, ref, re.Path),
			RepositoryID: repoID,
			Ref:          ref,
			Path:         re.Path,
			EntryType:    entryType,
			SHA:          ns(re.SHA),
			Size:         re.Size,
			UpdatedAt:    now,
		}
		if err := tx.UpsertTreeEntry(ctx, e); err != nil {
			return 0, err
		}
		if err := tx.Link(ctx, e.ID, RelRepository, repoID); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}
