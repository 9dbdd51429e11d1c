package world

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl64"
)

// DefaultChunkSize is the width/length of a chunk in world units
const DefaultChunkSize = 100

// Position is a point on the ground plane. (0,0) means "unset".
type Position struct {
	X float64 `json:"x"`
	Z float64 `json:"z"`
}

// IsSentinel reports whether p is the unset (0,0) position.
func (p Position) IsSentinel() bool {
	return p.X == 0 && p.Z == 0
}

func (p Position) Finite() bool {
	return finite(p.X) && finite(p.Z)
}

// Vec3 is a direction or a point in space.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// DefaultDirection faces +Z.
var DefaultDirection = Vec3{X: 0, Y: 0, Z: 1}

func (v Vec3) Finite() bool {
	return finite(v.X) && finite(v.Y) && finite(v.Z)
}

// Normalized returns v scaled to unit length, or DefaultDirection for the
// zero vector.
func (v Vec3) Normalized() Vec3 {
	m := mgl64.Vec3{v.X, v.Y, v.Z}
	if m.Len() == 0 {
		return DefaultDirection
	}
	m = m.Normalize()
	return Vec3{X: m[0], Y: m[1], Z: m[2]}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Biome of a terrain cell.
type Biome string

const (
	Water    Biome = "water"
	Beach    Biome = "beach"
	Plains   Biome = "plains"
	Forest   Biome = "forest"
	Mountain Biome = "mountain"
)

// BiomeFor maps a biome noise sample to its biome.
func BiomeFor(n float64) Biome {
	switch {
	case n < -0.5:
		return Water
	case n < -0.2:
		return Beach
	case n < 0.2:
		return Plains
	case n < 0.5:
		return Forest
	default:
		return Mountain
	}
}

// TerrainCell is the generated ground data at one integer coordinate.
type TerrainCell struct {
	Height   float64 `json:"height"`
	Biome    Biome   `json:"biome"`
	Moisture float64 `json:"moisture"`
}

// ObjectType names a decorative world object.
type ObjectType string

const (
	Tree     ObjectType = "tree"
	Rock     ObjectType = "rock"
	Bush     ObjectType = "bush"
	PineTree ObjectType = "pine_tree"
	PalmTree ObjectType = "palm_tree"
	Seaweed  ObjectType = "seaweed"
	Shell    ObjectType = "shell"
	Flower   ObjectType = "flower"
	Mushroom ObjectType = "mushroom"
)

// WorldObject is a placed object. RespawnTime is in milliseconds.
type WorldObject struct {
	ID          string     `json:"id"`
	Type        ObjectType `json:"type"`
	Position    Vec3       `json:"position"`
	Harvestable bool       `json:"harvestable"`
	RespawnTime int64      `json:"respawnTime"`
}

// Resource is the harvest state of one harvestable object.
type Resource struct {
	ObjectID  string     `json:"objectId"`
	Type      ObjectType `json:"type"`
	Available bool       `json:"available"`
	RespawnAt int64      `json:"respawnAt,omitempty"`
}

// ChunkID identifies a chunk by its grid coordinates.
type ChunkID struct {
	X, Z int
}

func (id ChunkID) String() string {
	return fmt.Sprintf("%d_%d", id.X, id.Z)
}

// ParseChunkID is the inverse of ChunkID.String.
func ParseChunkID(s string) (ChunkID, error) {
	xs, zs, ok := strings.Cut(s, "_")
	if !ok {
		return ChunkID{}, fmt.Errorf("world: bad chunk id %q", s)
	}
	x, err := strconv.Atoi(xs)
	if err != nil {
		return ChunkID{}, fmt.Errorf("world: bad chunk id %q: %w", s, err)
	}
	z, err := strconv.Atoi(zs)
	if err != nil {
		return ChunkID{}, fmt.Errorf("world: bad chunk id %q: %w", s, err)
	}
	return ChunkID{X: x, Z: z}, nil
}

// ChunkAt returns the chunk containing p for the given chunk size.
func ChunkAt(p Position, size int) ChunkID {
	return ChunkID{
		X: int(math.Floor(p.X / float64(size))),
		Z: int(math.Floor(p.Z / float64(size))),
	}
}
