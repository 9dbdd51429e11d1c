package world

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/MONDERASDOR/SaverWorld/storage"
)

// ChunkGenerator produces terrain for a region. *Generator implements it.
type ChunkGenerator interface {
	Generate(r Region) TerrainPayload
	Seed() int64
}

// Store owns every loaded chunk. Chunks are loaded lazily: memory, then
// storage, then the generator. The chunk map lock is never held during
// storage I/O.
type Store struct {
	size  int
	gen   ChunkGenerator
	kv    storage.Store
	codec *Codec
	log   *zap.Logger
	now   func() time.Time

	mu       deadlock.Mutex
	chunks   map[ChunkID]*Chunk
	respawns map[objectRef]int64 // taken objects by respawn time, unix ms

	loads singleflight.Group

	indexMu deadlock.Mutex
	index   map[string]struct{}
}

type objectRef struct {
	chunk  ChunkID
	object string
}

type StoreOption func(*Store)

// WithClock replaces time.Now, mostly for respawn tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func NewStore(kv storage.Store, gen ChunkGenerator, codec *Codec, size int, log *zap.Logger, opts ...StoreOption) *Store {
	if size <= 0 {
		size = DefaultChunkSize
	}
	s := &Store{
		size:   size,
		gen:    gen,
		kv:     kv,
		codec:  codec,
		log:    log.Named("chunks"),
		now:    time.Now,
		chunks:   make(map[ChunkID]*Chunk),
		respawns: make(map[objectRef]int64),
		index:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) ChunkSize() int { return s.size }

func (s *Store) stamp() recordStamp {
	return recordStamp{Seed: s.gen.Seed(), Size: s.size}
}

// ChunkFor returns the id of the chunk containing p.
func (s *Store) ChunkFor(p Position) ChunkID { return ChunkAt(p, s.size) }

// GetOrCreate loads chunk (cx, cz), generating and persisting it on first
// use, and returns its current payload. The dirty flag is left untouched.
func (s *Store) GetOrCreate(ctx context.Context, cx, cz int) (ChunkPayload, error) {
	c, err := s.load(ctx, ChunkID{X: cx, Z: cz})
	if err != nil {
		return ChunkPayload{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.payload(s.now()), nil
}

// Ensure makes sure id is loaded.
func (s *Store) Ensure(ctx context.Context, id ChunkID) error {
	_, err := s.load(ctx, id)
	return err
}

func (s *Store) load(ctx context.Context, id ChunkID) (*Chunk, error) {
	s.mu.Lock()
	c, ok := s.chunks[id]
	s.mu.Unlock()
	if ok {
		return c, nil
	}

	v, err, _ := s.loads.Do(id.String(), func() (any, error) {
		s.mu.Lock()
		c, ok := s.chunks[id]
		s.mu.Unlock()
		if ok {
			return c, nil
		}

		c, fresh, err := s.fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		if fresh {
			s.persistNew(ctx, c)
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.chunks[id]; ok {
			return existing, nil
		}
		s.chunks[id] = c
		for _, r := range c.Resources {
			if !r.Available {
				s.respawns[objectRef{chunk: id, object: r.ObjectID}] = r.RespawnAt
			}
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Chunk), nil
}

// fetch reads id from storage. Anything that cannot be decoded, or that was
// generated for another seed or chunk size, is treated as missing and
// regenerated.
func (s *Store) fetch(ctx context.Context, id ChunkID) (*Chunk, bool, error) {
	log := s.log.With(zap.Stringer("chunk", id))

	data, err := s.kv.Get(ctx, storage.ChunkKey(id.String()))
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, false, ctxErr
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		log.Warn("chunk load failed, regenerating", zap.Error(err))
	default:
		c, stamp, err := s.codec.decode(data)
		switch {
		case err != nil:
		case c.ID != id:
			err = fmt.Errorf("%w: record is for chunk %s", ErrCorruptChunk, c.ID)
		case stamp != s.stamp():
			err = fmt.Errorf("%w: record is for seed %d size %d", ErrCorruptChunk, stamp.Seed, stamp.Size)
		default:
			return c, false, nil
		}
		log.Warn("discarding stored chunk", zap.Error(err))
	}

	start := time.Now()
	c := newChunk(id, s.gen.Generate(ChunkRegion(id, s.size)), s.now())
	log.Debug("generated chunk",
		zap.Int("objects", len(c.Objects)),
		zap.Duration("took", time.Since(start)))
	return c, true, nil
}

// persistNew writes a freshly generated chunk before it is published, so
// no lock is needed to encode it.
func (s *Store) persistNew(ctx context.Context, c *Chunk) {
	data, err := s.codec.encode(c, s.stamp())
	if err == nil {
		err = s.kv.Put(ctx, storage.ChunkKey(c.ID.String()), data)
	}
	if err != nil {
		s.log.Error("persist chunk", zap.Stringer("chunk", c.ID), zap.Error(err))
		return
	}
	if err := s.addToIndex(ctx, c.ID); err != nil {
		s.log.Error("update chunk index", zap.Error(err))
	}
}

func (s *Store) addToIndex(ctx context.Context, id ChunkID) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if _, ok := s.index[id.String()]; ok {
		return nil
	}
	s.index[id.String()] = struct{}{}
	return s.writeIndexLocked(ctx)
}

func (s *Store) writeIndexLocked(ctx context.Context) error {
	ids := make([]string, 0, len(s.index))
	for id := range s.index {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, storage.ActiveChunkIndex, data)
}

// MarkDirty flags a loaded chunk as changed. It reports false if id is not
// loaded.
func (s *Store) MarkDirty(id ChunkID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[id]
	if ok {
		c.touch(s.now())
	}
	return ok
}

// AddPlayer loads id if needed and adds m to its player set.
func (s *Store) AddPlayer(ctx context.Context, id ChunkID, m ChunkMember) error {
	c, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Players[m.ID] = m
	c.touch(s.now())
	return nil
}

func (s *Store) RemovePlayer(id ChunkID, playerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chunks[id]; ok {
		if _, ok := c.Players[playerID]; ok {
			delete(c.Players, playerID)
			c.touch(s.now())
		}
	}
}

// MovePlayer moves m from one chunk to another. The target is loaded
// first; the remove and add then happen under a single lock so no drain
// can see the player in both or neither.
func (s *Store) MovePlayer(ctx context.Context, from, to ChunkID, m ChunkMember) error {
	target, err := s.load(ctx, to)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if c, ok := s.chunks[from]; ok {
		delete(c.Players, m.ID)
		c.touch(now)
	}
	target.Players[m.ID] = m
	target.touch(now)
	return nil
}

// UpdateMember refreshes the copy of m in chunk id without marking it
// dirty. It reports whether m was a member.
func (s *Store) UpdateMember(id ChunkID, m ChunkMember) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[id]
	if !ok {
		return false
	}
	if _, ok := c.Players[m.ID]; !ok {
		return false
	}
	c.Players[m.ID] = m
	return true
}

// DrainUpdates returns the payload of every dirty chunk and clears the
// flags. A chunk changed once is returned by exactly one drain.
func (s *Store) DrainUpdates() map[string]ChunkPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	var updates map[string]ChunkPayload
	now := s.now()
	for id, c := range s.chunks {
		if !c.Dirty {
			continue
		}
		if updates == nil {
			updates = make(map[string]ChunkPayload)
		}
		updates[id.String()] = c.payload(now)
		c.Dirty = false
	}
	return updates
}

// Snapshot returns the payload of a loaded chunk without clearing dirty.
func (s *Store) Snapshot(id ChunkID) (ChunkPayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[id]
	if !ok {
		return ChunkPayload{}, false
	}
	return c.payload(s.now()), true
}

// RemoveObject marks a harvestable object as taken until its respawn time.
func (s *Store) RemoveObject(id ChunkID, objectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[id]
	if !ok {
		return false
	}
	r, ok := c.Resources[objectID]
	if !ok || !r.Available {
		return false
	}
	o, _ := c.object(objectID)
	now := s.now()
	r.Available = false
	r.RespawnAt = now.UnixMilli() + o.RespawnTime
	s.respawns[objectRef{chunk: id, object: objectID}] = r.RespawnAt
	c.touch(now)
	return true
}

// RespawnDue restores every taken object whose respawn time has passed and
// returns how many came back. Only taken objects are visited.
func (s *Store) RespawnDue() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.respawns) == 0 {
		return 0
	}
	now := s.now()
	n := 0
	for ref, at := range s.respawns {
		if at > now.UnixMilli() {
			continue
		}
		delete(s.respawns, ref)
		c, ok := s.chunks[ref.chunk]
		if !ok {
			continue
		}
		r, ok := c.Resources[ref.object]
		if !ok || r.Available {
			continue
		}
		r.Available = true
		r.RespawnAt = 0
		c.touch(now)
		n++
	}
	return n
}

// PendingRespawns reports how many taken objects are waiting to respawn.
func (s *Store) PendingRespawns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.respawns)
}

// SaveAll persists every loaded chunk and rewrites the active index.
func (s *Store) SaveAll(ctx context.Context) error {
	s.mu.Lock()
	records := make(map[ChunkID][]byte, len(s.chunks))
	var errs []error
	for id, c := range s.chunks {
		data, err := s.codec.encode(c, s.stamp())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		records[id] = data
	}
	s.mu.Unlock()

	for id, data := range records {
		if err := s.kv.Put(ctx, storage.ChunkKey(id.String()), data); err != nil {
			errs = append(errs, err)
		}
	}

	s.indexMu.Lock()
	for id := range records {
		s.index[id.String()] = struct{}{}
	}
	if err := s.writeIndexLocked(ctx); err != nil {
		errs = append(errs, err)
	}
	s.indexMu.Unlock()

	s.log.Info("saved chunks", zap.Int("count", len(records)), zap.Int("errors", len(errs)))
	return errors.Join(errs...)
}

// Restore loads every chunk named in the active index. Entries that fail
// to parse are skipped.
func (s *Store) Restore(ctx context.Context) (int, error) {
	data, err := s.kv.Get(ctx, storage.ActiveChunkIndex)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		s.log.Warn("ignoring unreadable chunk index", zap.Error(err))
		return 0, nil
	}

	s.indexMu.Lock()
	for _, id := range ids {
		s.index[id] = struct{}{}
	}
	s.indexMu.Unlock()

	n := 0
	for _, raw := range ids {
		id, err := ParseChunkID(raw)
		if err != nil {
			s.log.Warn("skipping index entry", zap.String("chunk", raw), zap.Error(err))
			continue
		}
		if err := s.Ensure(ctx, id); err != nil {
			return n, err
		}
		n++
	}
	s.log.Info("restored chunks", zap.Int("count", n))
	return n, nil
}

// PurgeChunks deletes every stored chunk record and the active index. It
// must run before a Store is built on kv, and is used when the world seed
// changes.
func PurgeChunks(ctx context.Context, kv storage.Store) (int, error) {
	keys, err := kv.Keys(ctx, storage.ChunkPrefix)
	if err != nil {
		return 0, err
	}
	for i, key := range keys {
		if err := kv.Delete(ctx, key); err != nil {
			return i, err
		}
	}
	if err := kv.Delete(ctx, storage.ActiveChunkIndex); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return len(keys), err
	}
	return len(keys), nil
}

// Loaded reports how many chunks are in memory.
func (s *Store) Loaded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}
