package sqlitestore

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/liliang-cn/hnswgraph/hnsw"
)

// Config tunes a Store's connection. Path is the database file; CacheSize,
// when positive, fronts reads with a bounded LRU of decoded nodes distinct
// from and beneath the engine's own per-query SearchContext cache.
type Config struct {
	Path      string
	CacheSize int
}

// DefaultConfig returns a Config pointing at path with a modest read cache.
func DefaultConfig(path string) Config {
	return Config{Path: path, CacheSize: 4096}
}

// Store is a durable hnsw.NodeStore and hnsw.LayerStore backed by SQLite in
// WAL mode. Vectors are stored as BLOBs alongside a JSON-encoded adjacency
// column per node.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool

	cache *nodeCache

	entryPoint uuid.UUID
}

// Open creates or reopens a SQLite-backed store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=cache_size(-2000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(2 * time.Hour)

	s := &Store{db: db}

	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadEntryPoint(); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.CacheSize > 0 {
		c, err := newNodeCache(cfg.CacheSize)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitestore: cache init: %w", err)
		}
		s.cache = c
	}

	return s, nil
}

func (s *Store) createTables() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS hnsw_nodes (
		id TEXT PRIMARY KEY,
		vector BLOB NOT NULL,
		layer INTEGER NOT NULL DEFAULT 0,
		neighbors BLOB NOT NULL DEFAULT '{}',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS hnsw_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("sqlitestore: create tables: %w", err)
	}
	return nil
}

func (s *Store) loadEntryPoint() error {
	var value string
	err := s.db.QueryRow(`SELECT value FROM hnsw_meta WHERE key = 'entry_point'`).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sqlitestore: load entry point: %w", err)
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return fmt.Errorf("sqlitestore: parse entry point: %w", err)
	}
	s.entryPoint = id
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func rowToNode(id uuid.UUID, vecBytes []byte, neighborBytes []byte) (*hnsw.Node, error) {
	vec, err := DecodeVector(vecBytes)
	if err != nil {
		return nil, err
	}
	neighbors, err := decodeNeighbors(neighborBytes)
	if err != nil {
		return nil, err
	}

	node := hnsw.NewStandaloneNode(id, vec)
	for layer, ids := range neighbors {
		for _, idStr := range ids {
			nid, err := uuid.Parse(idStr)
			if err != nil {
				continue
			}
			node.AddNeighbor(layer, nid)
		}
	}
	return node, nil
}

func neighborsToStrings(n map[int][]uuid.UUID) map[int][]string {
	out := make(map[int][]string, len(n))
	for layer, ids := range n {
		strs := make([]string, len(ids))
		for i, id := range ids {
			strs[i] = id.String()
		}
		out[layer] = strs
	}
	return out
}

// Add inserts a new node with an empty neighbor set.
func (s *Store) Add(id uuid.UUID, vector []float32) error {
	return s.AddMany(map[uuid.UUID][]float32{id: vector})
}

// AddMany inserts several nodes in one transaction.
func (s *Store) AddMany(vectors map[uuid.UUID][]float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlitestore: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO hnsw_nodes (id, vector, layer, neighbors) VALUES (?, ?, 0, '{}')`)
	if err != nil {
		return fmt.Errorf("sqlitestore: prepare insert: %w", err)
	}
	defer stmt.Close()

	for id, vec := range vectors {
		encoded, err := EncodeVector(vec)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(id.String(), encoded); err != nil {
			return fmt.Errorf("sqlitestore: insert node: %w", err)
		}
		if s.cache != nil {
			s.cache.evict(id)
		}
	}
	return tx.Commit()
}

// Remove deletes a single node.
func (s *Store) Remove(id uuid.UUID) error {
	return s.RemoveMany([]uuid.UUID{id})
}

// RemoveMany deletes several nodes in one transaction.
func (s *Store) RemoveMany(ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlitestore: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`DELETE FROM hnsw_nodes WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("sqlitestore: prepare delete: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id.String()); err != nil {
			return fmt.Errorf("sqlitestore: delete node: %w", err)
		}
		if s.cache != nil {
			s.cache.evict(id)
		}
	}
	return tx.Commit()
}

// Get loads a node by id, consulting the read cache first.
func (s *Store) Get(id uuid.UUID) (*hnsw.Node, error) {
	n, ok := s.TryGet(id)
	if !ok {
		return nil, fmt.Errorf("sqlitestore: node %s: %w", id, sql.ErrNoRows)
	}
	return n, nil
}

// TryGet loads a node by id, reporting whether it was found.
func (s *Store) TryGet(id uuid.UUID) (*hnsw.Node, bool) {
	if s.cache != nil {
		if n, ok := s.cache.get(id); ok {
			return n, true
		}
	}

	s.mu.RLock()
	var vecBytes, neighborBytes []byte
	err := s.db.QueryRow(`SELECT vector, neighbors FROM hnsw_nodes WHERE id = ?`, id.String()).
		Scan(&vecBytes, &neighborBytes)
	s.mu.RUnlock()
	if err != nil {
		return nil, false
	}

	node, err := rowToNode(id, vecBytes, neighborBytes)
	if err != nil {
		return nil, false
	}
	if s.cache != nil {
		s.cache.put(id, node)
	}
	return node, true
}

// GetMany batches a set of id lookups into a single query for whatever the
// cache doesn't already hold.
func (s *Store) GetMany(ids []uuid.UUID) map[uuid.UUID]*hnsw.Node {
	out := make(map[uuid.UUID]*hnsw.Node, len(ids))
	var missing []uuid.UUID

	if s.cache != nil {
		for _, id := range ids {
			if n, ok := s.cache.get(id); ok {
				out[id] = n
				continue
			}
			missing = append(missing, id)
		}
	} else {
		missing = ids
	}
	if len(missing) == 0 {
		return out
	}

	placeholders := make([]string, len(missing))
	args := make([]any, len(missing))
	for i, id := range missing {
		placeholders[i] = "?"
		args[i] = id.String()
	}
	query := fmt.Sprintf(`SELECT id, vector, neighbors FROM hnsw_nodes WHERE id IN (%s)`, joinPlaceholders(placeholders))

	s.mu.RLock()
	rows, err := s.db.Query(query, args...)
	s.mu.RUnlock()
	if err != nil {
		return out
	}
	defer rows.Close()

	for rows.Next() {
		var idStr string
		var vecBytes, neighborBytes []byte
		if err := rows.Scan(&idStr, &vecBytes, &neighborBytes); err != nil {
			continue
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		node, err := rowToNode(id, vecBytes, neighborBytes)
		if err != nil {
			continue
		}
		out[id] = node
		if s.cache != nil {
			s.cache.put(id, node)
		}
	}
	return out
}

func joinPlaceholders(ps []string) string {
	out := ps[0]
	for _, p := range ps[1:] {
		out += "," + p
	}
	return out
}

// AllIDs returns every node id currently stored.
func (s *Store) AllIDs() []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id FROM hnsw_nodes`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			continue
		}
		if id, err := uuid.Parse(idStr); err == nil {
			out = append(out, id)
		}
	}
	return out
}

// Count returns the number of nodes currently stored.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM hnsw_nodes`).Scan(&count); err != nil {
		return 0
	}
	return count
}

// EntryPoint returns the current graph entry point id, if any.
func (s *Store) EntryPoint() (uuid.UUID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entryPoint, s.entryPoint != uuid.Nil
}

// SetEntryPoint persists id as the new entry point; uuid.Nil clears it.
func (s *Store) SetEntryPoint(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == uuid.Nil {
		s.entryPoint = uuid.Nil
		_, err := s.db.Exec(`DELETE FROM hnsw_meta WHERE key = 'entry_point'`)
		return err
	}
	_, err := s.db.Exec(
		`INSERT INTO hnsw_meta (key, value) VALUES ('entry_point', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, id.String())
	if err != nil {
		return fmt.Errorf("sqlitestore: set entry point: %w", err)
	}
	s.entryPoint = id
	return nil
}

// PersistNeighbors flushes a node's current neighbor sets to disk and
// invalidates its cache entry. The engine's in-memory Node mutations are
// not durable until this is called; callers that need durability on every
// write should invoke it after each batch of graph mutations.
func (s *Store) PersistNeighbors(n *hnsw.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := encodeNeighbors(neighborsToStrings(n.Neighbors()))
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`UPDATE hnsw_nodes SET neighbors = ? WHERE id = ?`, encoded, n.ID.String()); err != nil {
		return fmt.Errorf("sqlitestore: persist neighbors: %w", err)
	}
	if s.cache != nil {
		s.cache.evict(n.ID)
	}
	return nil
}

// PersistLayer stores the layer assignment for id, satisfying the layer
// half of hnsw.LayerStore.
func (s *Store) PersistLayer(id uuid.UUID, layer int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE hnsw_nodes SET layer = ? WHERE id = ?`, layer, id.String())
	if err != nil {
		return fmt.Errorf("sqlitestore: persist layer: %w", err)
	}
	return nil
}

// GetLayer returns the stored layer for id, or 0 if absent.
func (s *Store) GetLayer(id uuid.UUID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var layer int
	if err := s.db.QueryRow(`SELECT layer FROM hnsw_nodes WHERE id = ?`, id.String()).Scan(&layer); err != nil {
		return 0
	}
	return layer
}

// SetLayer implements hnsw.LayerStore by delegating to PersistLayer,
// swallowing errors to match the interface's error-free signature; callers
// needing the error should call PersistLayer directly.
func (s *Store) SetLayer(id uuid.UUID, layer int) {
	_ = s.PersistLayer(id, layer)
}

// RemoveLayer is a no-op: layer is a column on hnsw_nodes and is removed
// along with the node itself by RemoveMany.
func (s *Store) RemoveLayer(uuid.UUID) {}

// AllLayers returns every stored node's layer assignment.
func (s *Store) AllLayers() map[uuid.UUID]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT id, layer FROM hnsw_nodes`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	out := make(map[uuid.UUID]int)
	for rows.Next() {
		var idStr string
		var layer int
		if err := rows.Scan(&idStr, &layer); err != nil {
			continue
		}
		if id, err := uuid.Parse(idStr); err == nil {
			out[id] = layer
		}
	}
	return out
}

// Clear removes every node and layer assignment.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.db.Exec(`DELETE FROM hnsw_nodes`)
	if s.cache != nil {
		s.cache.purge()
	}
}
