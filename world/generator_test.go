package world

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateIsDeterministic(t *testing.T) {
	region := ChunkRegion(ChunkID{X: 2, Z: 3}, 32)
	a := NewGenerator(42).Generate(region)
	b := NewGenerator(42).Generate(region)
	require.Equal(t, a, b)

	c := NewGenerator(43).Generate(region)
	assert.NotEqual(t, a.Terrain, c.Terrain)
}

func TestGenerateShape(t *testing.T) {
	const size = 40
	region := ChunkRegion(ChunkID{X: -3, Z: 1}, size)
	payload := NewGenerator(7).Generate(region)

	require.Len(t, payload.Terrain, size)
	for _, row := range payload.Terrain {
		require.Len(t, row, size)
		for _, cell := range row {
			assert.False(t, math.IsNaN(cell.Height))
			assert.GreaterOrEqual(t, cell.Moisture, 0.0)
			assert.LessOrEqual(t, cell.Moisture, 1.0)
			assert.Contains(t, []Biome{Water, Beach, Plains, Forest, Mountain}, cell.Biome)
		}
	}
}

func TestObjectsAreCollisionFree(t *testing.T) {
	const size = 64
	for _, id := range []ChunkID{{0, 0}, {5, -2}, {-7, -9}} {
		region := ChunkRegion(id, size)
		payload := NewGenerator(99).Generate(region)
		require.NotEmpty(t, payload.Objects, "chunk %s", id)

		cells := make(map[[2]int]bool)
		ids := make(map[string]bool)
		for _, o := range payload.Objects {
			cx := int(math.Floor(o.Position.X))
			cz := int(math.Floor(o.Position.Z))
			key := [2]int{cx, cz}
			assert.False(t, cells[key], "two objects at %v", key)
			cells[key] = true
			assert.False(t, ids[o.ID], "duplicate id %s", o.ID)
			ids[o.ID] = true

			assert.GreaterOrEqual(t, cx, region.OriginX)
			assert.Less(t, cx, region.OriginX+size)
			assert.GreaterOrEqual(t, cz, region.OriginZ)
			assert.Less(t, cz, region.OriginZ+size)

			assert.Equal(t, ObjectID(o.Type, cx, cz), o.ID)
			assert.Equal(t, float64(cx)+0.5, o.Position.X)
			assert.Equal(t, payload.Terrain[cz-region.OriginZ][cx-region.OriginX].Height, o.Position.Y)
			assert.Equal(t, catalogue[o.Type].respawn, o.RespawnTime)
		}
	}
}

func TestObjectsMatchBiome(t *testing.T) {
	region := ChunkRegion(ChunkID{X: 1, Z: 1}, 64)
	payload := NewGenerator(3).Generate(region)
	for _, o := range payload.Objects {
		cell := payload.Terrain[int(o.Position.Z)-region.OriginZ][int(o.Position.X)-region.OriginX]
		var allowed []ObjectType
		for _, w := range biomeTable[cell.Biome].types {
			allowed = append(allowed, w.kind)
		}
		assert.Contains(t, allowed, o.Type)
	}
}

func TestBiomeThresholds(t *testing.T) {
	tests := []struct {
		noise float64
		want  Biome
	}{
		{-1, Water},
		{-0.51, Water},
		{-0.5, Beach},
		{-0.21, Beach},
		{-0.2, Plains},
		{0.19, Plains},
		{0.2, Forest},
		{0.49, Forest},
		{0.5, Mountain},
		{1, Mountain},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BiomeFor(tt.noise), "noise %v", tt.noise)
	}
}

func TestBiomeIsMonotonic(t *testing.T) {
	order := map[Biome]int{Water: 0, Beach: 1, Plains: 2, Forest: 3, Mountain: 4}
	prev := order[BiomeFor(-1)]
	for n := -1.0; n <= 1.0; n += 0.01 {
		cur := order[BiomeFor(n)]
		require.GreaterOrEqual(t, cur, prev, "noise %v", n)
		prev = cur
	}
}

func TestLCGStaysInRange(t *testing.T) {
	for _, c := range [][2]int{{0, 0}, {-1, -1}, {-100000, 3}, {1 << 30, -(1 << 30)}} {
		rng := newLCG(c[0], c[1])
		for i := 0; i < 1000; i++ {
			r := rng.next()
			require.GreaterOrEqual(t, r, 0.0)
			require.Less(t, r, 1.0)
		}
	}
}

func TestLCGSequence(t *testing.T) {
	rng := newLCG(0, 0)
	assert.Equal(t, float64(51749)/244944, rng.next())
	assert.Equal(t, float64((51749*1597+51749)%244944)/244944, rng.next())
}

func TestPickUsesCumulativeWeights(t *testing.T) {
	types := biomeTable[Plains].types
	assert.Equal(t, Flower, pick(types, 0))
	assert.Equal(t, Flower, pick(types, 0.39))
	assert.Equal(t, Bush, pick(types, 0.4))
	assert.Equal(t, Tree, pick(types, 0.8))
	assert.Equal(t, Rock, pick(types, 0.95))
	assert.Equal(t, Rock, pick(types, 0.99999))
}

func TestChunkAt(t *testing.T) {
	assert.Equal(t, ChunkID{0, 0}, ChunkAt(Position{X: 99, Z: 50}, 100))
	assert.Equal(t, ChunkID{1, 0}, ChunkAt(Position{X: 101, Z: 50}, 100))
	assert.Equal(t, ChunkID{-1, 1}, ChunkAt(Position{X: -0.5, Z: 150}, 100))
	assert.Equal(t, ChunkID{5, 5}, ChunkAt(Position{X: 500, Z: 500}, 100))
}

func TestParseChunkID(t *testing.T) {
	for _, id := range []ChunkID{{0, 0}, {2, 3}, {-4, 17}, {-1, -1}} {
		got, err := ParseChunkID(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
	for _, bad := range []string{"", "1", "a_b", "1_", "_2", "1_2_3"} {
		_, err := ParseChunkID(bad)
		assert.Error(t, err, bad)
	}
}

func TestPositionChecks(t *testing.T) {
	assert.True(t, Position{}.IsSentinel())
	assert.False(t, Position{X: 0, Z: 1}.IsSentinel())
	assert.False(t, Position{X: math.NaN(), Z: 1}.Finite())
	assert.False(t, Vec3{X: math.Inf(1)}.Finite())
}

func TestNormalized(t *testing.T) {
	v := Vec3{X: 3, Y: 0, Z: 4}.Normalized()
	assert.InDelta(t, 0.6, v.X, 1e-9)
	assert.InDelta(t, 0.8, v.Z, 1e-9)
	assert.Equal(t, DefaultDirection, Vec3{}.Normalized())
}
