package world

import (
	"sort"
	"time"
)

// ChunkMember is the copy of a player kept in a chunk for payloads.
type ChunkMember struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Position Position `json:"position"`
}

// Chunk is one cell of the world partition. All fields are guarded by the
// owning Store.
type Chunk struct {
	ID         ChunkID
	Terrain    [][]TerrainCell
	Objects    []WorldObject
	Resources  map[string]*Resource
	Players    map[string]ChunkMember
	Dirty      bool
	LastUpdate time.Time
}

// ChunkPayload is what clients receive for a chunk.
type ChunkPayload struct {
	ID        string          `json:"id"`
	CoordX    int             `json:"coordX"`
	CoordZ    int             `json:"coordZ"`
	Terrain   [][]TerrainCell `json:"terrain"`
	Objects   []WorldObject   `json:"objects"`
	Resources []Resource      `json:"resources"`
	Players   []ChunkMember   `json:"players"`
	Timestamp int64           `json:"timestamp"`
}

func newChunk(id ChunkID, t TerrainPayload, now time.Time) *Chunk {
	c := &Chunk{
		ID:         id,
		Terrain:    t.Terrain,
		Objects:    t.Objects,
		Resources:  make(map[string]*Resource),
		Players:    make(map[string]ChunkMember),
		LastUpdate: now,
	}
	for _, o := range t.Objects {
		if o.Harvestable {
			c.Resources[o.ID] = &Resource{ObjectID: o.ID, Type: o.Type, Available: true}
		}
	}
	return c
}

func (c *Chunk) touch(now time.Time) {
	c.Dirty = true
	c.LastUpdate = now
}

// payload builds the client view. Harvested objects are left out.
func (c *Chunk) payload(now time.Time) ChunkPayload {
	p := ChunkPayload{
		ID:        c.ID.String(),
		CoordX:    c.ID.X,
		CoordZ:    c.ID.Z,
		Terrain:   c.Terrain,
		Objects:   make([]WorldObject, 0, len(c.Objects)),
		Resources: make([]Resource, 0, len(c.Resources)),
		Players:   make([]ChunkMember, 0, len(c.Players)),
		Timestamp: now.UnixMilli(),
	}
	for _, o := range c.Objects {
		if r, ok := c.Resources[o.ID]; ok && !r.Available {
			continue
		}
		p.Objects = append(p.Objects, o)
	}
	for _, r := range c.Resources {
		p.Resources = append(p.Resources, *r)
	}
	sort.Slice(p.Resources, func(i, j int) bool { return p.Resources[i].ObjectID < p.Resources[j].ObjectID })
	for _, m := range c.Players {
		p.Players = append(p.Players, m)
	}
	sort.Slice(p.Players, func(i, j int) bool { return p.Players[i].ID < p.Players[j].ID })
	return p
}

func (c *Chunk) object(id string) (WorldObject, bool) {
	for _, o := range c.Objects {
		if o.ID == id {
			return o, true
		}
	}
	return WorldObject{}, false
}
