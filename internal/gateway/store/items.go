// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
)

// SemanticItem is a durable fact: a decision, constraint, task or question
// distilled from conversation. Identity is content-derived so re-ingestion
// converges instead of duplicating.
type SemanticItem struct {
	ID             string
	ThreadID       string
	Kind           string
	Title          string
	NormTitle      string
	Body           string
	Status         string
	Tags           []string
	Links          []string
	Salience       float64
	Clicks         int
	Refs           int
	Expansions     int
	Embedding      []float32
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastAccessedAt time.Time
}

// EpisodicItem is a raw observation: a log excerpt, a diff summary, an error
// trace. Deduplicated by content hash; the first write wins.
type EpisodicItem struct {
	ID             string
	ThreadID       string
	Kind           string
	Title          string
	Body           string
	Source         string
	ContentHash    string
	Salience       float64
	Clicks         int
	Refs           int
	Expansions     int
	Embedding      []float32
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// Artifact is a code location reference (CODE:<path>#L<start>-L<end>).
type Artifact struct {
	ID        string
	ThreadID  string
	Ref       string
	Role      string
	Neighbors []string
	Refs      int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Edge links two items in the memory graph.
type Edge struct {
	SrcID    string
	DstID    string
	Relation string
}

// vectorParam renders an embedding for a vector column; empty means NULL.
func vectorParam(v []float32) interface{} {
	if len(v) == 0 {
		return nil
	}
	return pgvector.NewVector(v)
}

const semanticColumns = `id, thread_id, kind, title, norm_title, body, status, tags, links,
	salience, clicks, refs, expansions, embedding, created_at, updated_at, last_accessed_at`

func scanSemantic(row interface{ Scan(...interface{}) error }) (*SemanticItem, error) {
	var it SemanticItem
	var tags, links []byte
	var emb sql.Null[pgvector.Vector]
	err := row.Scan(&it.ID, &it.ThreadID, &it.Kind, &it.Title, &it.NormTitle, &it.Body,
		&it.Status, &tags, &links, &it.Salience, &it.Clicks, &it.Refs, &it.Expansions, &emb,
		&it.CreatedAt, &it.UpdatedAt, &it.LastAccessedAt)
	if err != nil {
		return nil, notFound(err)
	}
	it.Tags = scanStrings(tags)
	it.Links = scanStrings(links)
	if emb.Valid {
		it.Embedding = emb.V.Slice()
	}
	return &it, nil
}

// GetSemanticItem fetches by id.
func (s *Store) GetSemanticItem(ctx context.Context, id string) (*SemanticItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+semanticColumns+` FROM semantic_items WHERE id = $1`, id)
	return scanSemantic(row)
}

// GetSemanticByKey fetches the thread's item with the same merge identity.
func (s *Store) GetSemanticByKey(ctx context.Context, threadID, kind, normTitle string) (*SemanticItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+semanticColumns+` FROM semantic_items
		 WHERE thread_id = $1 AND kind = $2 AND norm_title = $3`,
		threadID, kind, normTitle)
	return scanSemantic(row)
}

// InsertSemanticItem writes a new item.
func (s *Store) InsertSemanticItem(ctx context.Context, it *SemanticItem) error {
	tags, err := jsonbParam(it.Tags)
	if err != nil {
		return err
	}
	links, err := jsonbParam(it.Links)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO semantic_items (id, thread_id, kind, title, norm_title, body,
		   status, tags, links, salience, embedding)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT (id) DO NOTHING`,
		it.ID, it.ThreadID, it.Kind, it.Title, it.NormTitle, it.Body,
		it.Status, tags, links, it.Salience, vectorParam(it.Embedding))
	if err != nil {
		return fmt.Errorf("insert semantic %s: %w", it.ID, err)
	}
	return nil
}

// UpdateSemanticItem persists a consolidator merge.
func (s *Store) UpdateSemanticItem(ctx context.Context, it *SemanticItem) error {
	tags, err := jsonbParam(it.Tags)
	if err != nil {
		return err
	}
	links, err := jsonbParam(it.Links)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE semantic_items
		 SET title = $2, body = $3, status = $4, tags = $5, links = $6, salience = $7,
		     updated_at = now()
		 WHERE id = $1`,
		it.ID, it.Title, it.Body, it.Status, tags, links, it.Salience)
	if err != nil {
		return fmt.Errorf("update semantic %s: %w", it.ID, err)
	}
	return nil
}

const episodicColumns = `id, thread_id, kind, title, body, source, content_hash, salience,
	clicks, refs, expansions, embedding, created_at, last_accessed_at`

func scanEpisodic(row interface{ Scan(...interface{}) error }) (*EpisodicItem, error) {
	var it EpisodicItem
	var emb sql.Null[pgvector.Vector]
	err := row.Scan(&it.ID, &it.ThreadID, &it.Kind, &it.Title, &it.Body, &it.Source,
		&it.ContentHash, &it.Salience, &it.Clicks, &it.Refs, &it.Expansions, &emb,
		&it.CreatedAt, &it.LastAccessedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if emb.Valid {
		it.Embedding = emb.V.Slice()
	}
	return &it, nil
}

// GetEpisodicItem fetches by id.
func (s *Store) GetEpisodicItem(ctx context.Context, id string) (*EpisodicItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+episodicColumns+` FROM episodic_items WHERE id = $1`, id)
	return scanEpisodic(row)
}

// InsertEpisodicItem writes the item unless the same content already exists
// in the thread; it reports whether a row was actually inserted.
func (s *Store) InsertEpisodicItem(ctx context.Context, it *EpisodicItem) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO episodic_items (id, thread_id, kind, title, body, source, content_hash, salience, embedding)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (thread_id, content_hash) DO NOTHING`,
		it.ID, it.ThreadID, it.Kind, it.Title, it.Body, it.Source, it.ContentHash,
		it.Salience, vectorParam(it.Embedding))
	if err != nil {
		return false, fmt.Errorf("insert episodic %s: %w", it.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const artifactColumns = `id, thread_id, ref, role, neighbors, refs, created_at, updated_at`

func scanArtifact(row interface{ Scan(...interface{}) error }) (*Artifact, error) {
	var a Artifact
	var neighbors []byte
	err := row.Scan(&a.ID, &a.ThreadID, &a.Ref, &a.Role, &neighbors, &a.Refs,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	a.Neighbors = scanStrings(neighbors)
	return &a, nil
}

// GetArtifact fetches by id.
func (s *Store) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE id = $1`, id)
	return scanArtifact(row)
}

// GetArtifactByRef fetches the thread's artifact with the same code ref.
func (s *Store) GetArtifactByRef(ctx context.Context, threadID, ref string) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE thread_id = $1 AND ref = $2`,
		threadID, ref)
	return scanArtifact(row)
}

// Scoped getters join the owning thread so a caller can never read another
// workspace's items; a cross-workspace id behaves exactly like a missing one.

func (s *Store) GetSemanticScoped(ctx context.Context, workspace, id string) (*SemanticItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+prefixColumns("i", semanticColumns)+` FROM semantic_items i
		 JOIN threads t ON t.id = i.thread_id
		 WHERE i.id = $1 AND t.workspace = $2`, id, workspace)
	return scanSemantic(row)
}

func (s *Store) GetEpisodicScoped(ctx context.Context, workspace, id string) (*EpisodicItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+prefixColumns("i", episodicColumns)+` FROM episodic_items i
		 JOIN threads t ON t.id = i.thread_id
		 WHERE i.id = $1 AND t.workspace = $2`, id, workspace)
	return scanEpisodic(row)
}

// FindArtifactScoped resolves a code ref within a workspace, newest first
// when the same ref appears in several threads.
func (s *Store) FindArtifactScoped(ctx context.Context, workspace, ref string) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+prefixColumns("a", artifactColumns)+` FROM artifacts a
		 JOIN threads t ON t.id = a.thread_id
		 WHERE a.ref = $1 AND t.workspace = $2
		 ORDER BY a.updated_at DESC LIMIT 1`, ref, workspace)
	return scanArtifact(row)
}

// InsertArtifact writes a new artifact.
func (s *Store) InsertArtifact(ctx context.Context, a *Artifact) error {
	neighbors, err := jsonbParam(a.Neighbors)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, thread_id, ref, role, neighbors)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (id) DO NOTHING`,
		a.ID, a.ThreadID, a.Ref, a.Role, neighbors)
	if err != nil {
		return fmt.Errorf("insert artifact %s: %w", a.ID, err)
	}
	return nil
}

// UpdateArtifact persists a consolidator merge (role and neighbor union).
func (s *Store) UpdateArtifact(ctx context.Context, a *Artifact) error {
	neighbors, err := jsonbParam(a.Neighbors)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE artifacts SET role = $2, neighbors = $3, updated_at = now()
		 WHERE id = $1`,
		a.ID, a.Role, neighbors)
	if err != nil {
		return fmt.Errorf("update artifact %s: %w", a.ID, err)
	}
	return nil
}

// IncrementArtifactRefs bumps reference counters for working-set ranking.
func (s *Store) IncrementArtifactRefs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	q := `UPDATE artifacts SET refs = refs + 1 WHERE id IN (` + placeholders(1, len(ids)) + `)`
	_, err := s.db.ExecContext(ctx, q, stringArgs(ids)...)
	return err
}

// InsertEdges writes graph edges, ignoring duplicates.
func (s *Store) InsertEdges(ctx context.Context, edges []Edge) error {
	if len(edges) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	for _, e := range edges {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO edges (src_id, dst_id, relation) VALUES ($1,$2,$3)
			 ON CONFLICT (src_id, dst_id, relation) DO NOTHING`,
			e.SrcID, e.DstID, e.Relation); err != nil {
			return fmt.Errorf("insert edge %s->%s: %w", e.SrcID, e.DstID, err)
		}
	}
	return tx.Commit()
}

// EdgesFrom returns edges whose source is any of ids, for bounded BFS.
func (s *Store) EdgesFrom(ctx context.Context, ids []string) ([]Edge, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := `SELECT src_id, dst_id, relation FROM edges
	      WHERE src_id IN (` + placeholders(1, len(ids)) + `)`
	rows, err := s.db.QueryContext(ctx, q, stringArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.SrcID, &e.DstID, &e.Relation); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EdgesTouching returns edges where any of ids appears on either end; the
// retriever derives graph degree from this.
func (s *Store) EdgesTouching(ctx context.Context, ids []string) ([]Edge, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ph := placeholders(1, len(ids))
	args := stringArgs(ids)
	args = append(args, stringArgs(ids)...)
	q := `SELECT src_id, dst_id, relation FROM edges
	      WHERE src_id IN (` + ph + `) OR dst_id IN (` + placeholders(len(ids)+1, len(ids)) + `)`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.SrcID, &e.DstID, &e.Relation); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListSemanticByThread returns every semantic item in the thread.
func (s *Store) ListSemanticByThread(ctx context.Context, threadID string) ([]SemanticItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+semanticColumns+` FROM semantic_items WHERE thread_id = $1`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SemanticItem
	for rows.Next() {
		it, err := scanSemantic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

// ListEpisodicByThread returns every episodic item in the thread.
func (s *Store) ListEpisodicByThread(ctx context.Context, threadID string) ([]EpisodicItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+episodicColumns+` FROM episodic_items WHERE thread_id = $1`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EpisodicItem
	for rows.Next() {
		it, err := scanEpisodic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

// ListArtifactsByThread returns every artifact in the thread.
func (s *Store) ListArtifactsByThread(ctx context.Context, threadID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE thread_id = $1`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// TouchItems stamps last_accessed_at for retrieved items so cleanup never
// reaps context that is still in play.
func (s *Store) TouchItems(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	var semantic, episodic []string
	for _, id := range ids {
		switch {
		case strings.HasPrefix(id, "S"):
			semantic = append(semantic, id)
		case strings.HasPrefix(id, "E"):
			episodic = append(episodic, id)
		}
	}
	if len(semantic) > 0 {
		q := `UPDATE semantic_items SET last_accessed_at = now()
		      WHERE id IN (` + placeholders(1, len(semantic)) + `)`
		if _, err := s.db.ExecContext(ctx, q, stringArgs(semantic)...); err != nil {
			return err
		}
	}
	if len(episodic) > 0 {
		q := `UPDATE episodic_items SET last_accessed_at = now()
		      WHERE id IN (` + placeholders(1, len(episodic)) + `)`
		if _, err := s.db.ExecContext(ctx, q, stringArgs(episodic)...); err != nil {
			return err
		}
	}
	return nil
}

// ApplyFeedback adjusts salience (clamped to [0,1]) and usage counters on
// one item, dispatching on the id prefix. column must be one of the usage
// counter columns; it is interpolated from a fixed set, never from input.
func (s *Store) ApplyFeedback(ctx context.Context, id string, salienceDelta float64, column string) error {
	var table string
	switch {
	case strings.HasPrefix(id, "S"):
		table = "semantic_items"
	case strings.HasPrefix(id, "E"):
		table = "episodic_items"
	default:
		return ErrNotFound
	}
	counter := ""
	switch column {
	case "clicks", "refs", "expansions":
		counter = ", " + column + " = " + column + " + 1"
	case "":
	default:
		return fmt.Errorf("unknown usage counter %q", column)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET salience = LEAST(1.0, GREATEST(0.0, salience + $2))`+
			counter+`, last_accessed_at = now() WHERE id = $1`,
		id, salienceDelta)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateEmbedding stores a computed embedding on the item row.
func (s *Store) UpdateEmbedding(ctx context.Context, id string, vec []float32) error {
	var table string
	switch {
	case strings.HasPrefix(id, "S"):
		table = "semantic_items"
	case strings.HasPrefix(id, "E"):
		table = "episodic_items"
	default:
		return ErrNotFound
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET embedding = $2 WHERE id = $1`, id, vectorParam(vec))
	return err
}

// EmbeddableText pairs an item id with the text its embedding derives from.
type EmbeddableText struct {
	ID   string
	Text string
}

// ListItemsMissingEmbeddings returns up to limit items with no stored
// embedding, semantic first, for the backfill job.
func (s *Store) ListItemsMissingEmbeddings(ctx context.Context, limit int) ([]EmbeddableText, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title || E'\n' || body FROM semantic_items WHERE embedding IS NULL
		 UNION ALL
		 SELECT id, body FROM episodic_items WHERE embedding IS NULL
		 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EmbeddableText
	for rows.Next() {
		var e EmbeddableText
		if err := rows.Scan(&e.ID, &e.Text); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListEmbeddableByIDs returns the embedding source text for the named items.
// Ids that no longer exist are skipped.
func (s *Store) ListEmbeddableByIDs(ctx context.Context, ids []string) ([]EmbeddableText, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var semantic, episodic []string
	for _, id := range ids {
		switch {
		case strings.HasPrefix(id, "S"):
			semantic = append(semantic, id)
		case strings.HasPrefix(id, "E"):
			episodic = append(episodic, id)
		}
	}
	var out []EmbeddableText
	collect := func(q string, args []interface{}) error {
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e EmbeddableText
			if err := rows.Scan(&e.ID, &e.Text); err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	}
	if len(semantic) > 0 {
		q := `SELECT id, title || E'\n' || body FROM semantic_items
		      WHERE id IN (` + placeholders(1, len(semantic)) + `)`
		if err := collect(q, stringArgs(semantic)); err != nil {
			return nil, err
		}
	}
	if len(episodic) > 0 {
		q := `SELECT id, body FROM episodic_items
		      WHERE id IN (` + placeholders(1, len(episodic)) + `)`
		if err := collect(q, stringArgs(episodic)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SearchSemanticByEmbedding returns ids of the thread's nearest semantic
// items by cosine distance, using the pgvector operator.
func (s *Store) SearchSemanticByEmbedding(ctx context.Context, threadID string, vec []float32, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM semantic_items
		 WHERE thread_id = $1 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $2 LIMIT $3`,
		threadID, pgvector.NewVector(vec), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DeleteStaleItems removes semantic and episodic items whose salience has
// decayed below the floor and that have not been touched since the cutoff.
func (s *Store) DeleteStaleItems(ctx context.Context, salienceFloor float64, cutoff time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"semantic_items", "episodic_items"} {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE salience < $1 AND last_accessed_at < $2`,
			salienceFloor, cutoff)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
