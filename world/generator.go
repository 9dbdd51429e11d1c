package world

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/ojrac/opensimplex-go"
)

const (
	octaves        = 4
	persistence    = 0.5
	lacunarity     = 2.0
	baseAmplitude  = 2.0
	baseFrequency  = 0.05
	valleyFreq     = 0.015
	valleyCutoff   = -0.7
	biomeFrequency = 0.01
	moistureFreq   = 0.02
)

// Region is a square area of cells to generate. CoordX/CoordZ seed object
// placement; OriginX/OriginZ are the world coordinates of cell (0,0).
type Region struct {
	CoordX, CoordZ   int
	OriginX, OriginZ int
	Size             int
}

// ChunkRegion is the region covered by chunk id.
func ChunkRegion(id ChunkID, size int) Region {
	return Region{
		CoordX:  id.X,
		CoordZ:  id.Z,
		OriginX: id.X * size,
		OriginZ: id.Z * size,
		Size:    size,
	}
}

// WorldRegion is the square region anchored at the origin used for the
// bootstrap world snapshot.
func WorldRegion(size int) Region {
	return Region{Size: size}
}

// TerrainPayload is the output of Generate. Terrain is indexed [z][x].
type TerrainPayload struct {
	Terrain [][]TerrainCell `json:"terrain"`
	Objects []WorldObject   `json:"objects"`
}

// Generator produces terrain from three seeded noise fields. It holds no
// mutable state after construction and is safe for concurrent use.
type Generator struct {
	seed     int64
	height   opensimplex.Noise
	biome    opensimplex.Noise
	moisture opensimplex.Noise
}

func NewGenerator(seed int64) *Generator {
	return &Generator{
		seed:     seed,
		height:   opensimplex.New(seed),
		biome:    opensimplex.New(seed + 1),
		moisture: opensimplex.NewNormalized(seed + 2),
	}
}

func (g *Generator) Seed() int64 { return g.seed }

// Generate fills r with terrain and objects. The same region and seed
// always give the same payload.
func (g *Generator) Generate(r Region) TerrainPayload {
	terrain := make([][]TerrainCell, r.Size)
	for z := 0; z < r.Size; z++ {
		terrain[z] = make([]TerrainCell, r.Size)
		for x := 0; x < r.Size; x++ {
			terrain[z][x] = g.cell(r, x, z)
		}
	}
	return TerrainPayload{
		Terrain: terrain,
		Objects: placeObjects(r, terrain),
	}
}

func (g *Generator) cell(r Region, x, z int) TerrainCell {
	wx := float64(r.OriginX + x)
	wz := float64(r.OriginZ + z)

	var elevation, total float64
	amplitude, frequency := baseAmplitude, baseFrequency
	for i := 0; i < octaves; i++ {
		elevation += g.height.Eval2(wx*frequency, wz*frequency) * amplitude
		total += amplitude
		amplitude *= persistence
		frequency *= lacunarity
	}
	elevation = (elevation + total) / (2 * total)

	half := float64(r.Size) / 2
	distance := mgl64.Vec2{float64(x) - half, float64(z) - half}.Len()
	peak := math.Max(0, 1-distance/(float64(r.Size)/3))
	elevation += peak * peak * 2

	if valley := g.height.Eval2(wx*valleyFreq, wz*valleyFreq); valley < valleyCutoff {
		elevation *= 0.3 + 0.7*(valley+1)
	}

	return TerrainCell{
		Height:   elevation * baseAmplitude,
		Biome:    BiomeFor(g.biome.Eval2(wx*biomeFrequency, wz*biomeFrequency)),
		Moisture: g.moisture.Eval2(wx*moistureFreq, wz*moistureFreq),
	}
}

type objectSpec struct {
	harvestable bool
	respawn     int64 // ms
}

const minute = int64(60 * 1000)

var catalogue = map[ObjectType]objectSpec{
	Flower:   {true, 1 * minute},
	Seaweed:  {true, 1 * minute},
	Bush:     {true, 2 * minute},
	Mushroom: {true, 2 * minute},
	Shell:    {true, 3 * minute},
	Tree:     {true, 5 * minute},
	PineTree: {true, 5 * minute},
	PalmTree: {true, 5 * minute},
	Rock:     {true, 10 * minute},
}

type weighted struct {
	kind   ObjectType
	weight float64
}

type biomeObjects struct {
	density float64
	types   []weighted
}

var biomeTable = map[Biome]biomeObjects{
	Water:    {0.04, []weighted{{Seaweed, 0.7}, {Rock, 0.3}}},
	Beach:    {0.05, []weighted{{PalmTree, 0.4}, {Shell, 0.4}, {Rock, 0.2}}},
	Plains:   {0.06, []weighted{{Flower, 0.4}, {Bush, 0.35}, {Tree, 0.15}, {Rock, 0.1}}},
	Forest:   {0.15, []weighted{{Tree, 0.5}, {PineTree, 0.2}, {Bush, 0.15}, {Mushroom, 0.15}}},
	Mountain: {0.08, []weighted{{Rock, 0.6}, {PineTree, 0.3}, {Bush, 0.1}}},
}

const (
	lcgMul     = 1597
	lcgInc     = 51749
	lcgMod     = 244944
	lcgXStride = 16777259
)

// lcg is the placement generator. State stays in [0, lcgMod).
type lcg struct{ state int64 }

func newLCG(cx, cz int) *lcg {
	seed := (int64(cx)%lcgMod)*(lcgXStride%lcgMod) + int64(cz)%lcgMod
	return &lcg{state: mod(seed, lcgMod)}
}

func (l *lcg) next() float64 {
	l.state = mod(l.state*lcgMul+lcgInc, lcgMod)
	return float64(l.state) / lcgMod
}

func mod(a, m int64) int64 {
	r := a % m
	if r < 0 {
		r += m
	}
	return r
}

// placeObjects walks r row by row and places at most one object per cell.
func placeObjects(r Region, terrain [][]TerrainCell) []WorldObject {
	rng := newLCG(r.CoordX, r.CoordZ)
	objects := make([]WorldObject, 0)
	for z := 0; z < r.Size; z++ {
		for x := 0; x < r.Size; x++ {
			cell := terrain[z][x]
			table, ok := biomeTable[cell.Biome]
			if !ok || rng.next() >= table.density {
				continue
			}
			kind := pick(table.types, rng.next())
			wx, wz := r.OriginX+x, r.OriginZ+z
			spec := catalogue[kind]
			objects = append(objects, WorldObject{
				ID:          ObjectID(kind, wx, wz),
				Type:        kind,
				Position:    Vec3{X: float64(wx) + 0.5, Y: cell.Height, Z: float64(wz) + 0.5},
				Harvestable: spec.harvestable,
				RespawnTime: spec.respawn,
			})
		}
	}
	return objects
}

func pick(types []weighted, roll float64) ObjectType {
	var acc float64
	for _, t := range types {
		acc += t.weight
		if roll < acc {
			return t.kind
		}
	}
	return types[len(types)-1].kind
}

// ObjectID is the stable id of an object of kind at integer cell (wx, wz).
func ObjectID(kind ObjectType, wx, wz int) string {
	return fmt.Sprintf("%s-%d-%d", kind, wx, wz)
}
