package world

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	recordMagic   = 0x5357
	recordVersion = 2
	maxRecordSize = 64 << 20
)

var ErrCorruptChunk = errors.New("world: corrupt chunk record")

// recordStamp names the world a record was generated for. A record is only
// reused by a store with the same seed and chunk size.
type recordStamp struct {
	Seed int64
	Size int
}

// chunkRecord is the persisted form of a chunk. Players are live state and
// are never written.
type chunkRecord struct {
	Seed       int64           `json:"seed"`
	Size       int             `json:"size"`
	CoordX     int             `json:"coordX"`
	CoordZ     int             `json:"coordZ"`
	Terrain    [][]TerrainCell `json:"terrain"`
	Objects    []WorldObject   `json:"objects"`
	Resources  []Resource      `json:"resources"`
	LastUpdate int64           `json:"lastUpdate"`
}

// Codec encodes chunk records as
//
//	magic uint16 | version uint8 | uvarint body length | zstd(json record)
//
// A Codec may be shared between goroutines.
type Codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxRecordSize))
	if err != nil {
		return nil, err
	}
	return &Codec{enc: enc, dec: dec}, nil
}

func (c *Codec) Close() {
	c.enc.Close()
	c.dec.Close()
}

func (c *Codec) encode(ch *Chunk, stamp recordStamp) ([]byte, error) {
	rec := chunkRecord{
		Seed:       stamp.Seed,
		Size:       stamp.Size,
		CoordX:     ch.ID.X,
		CoordZ:     ch.ID.Z,
		Terrain:    ch.Terrain,
		Objects:    ch.Objects,
		Resources:  make([]Resource, 0, len(ch.Resources)),
		LastUpdate: ch.LastUpdate.UnixMilli(),
	}
	for _, r := range ch.Resources {
		rec.Resources = append(rec.Resources, *r)
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("world: encode chunk %s: %w", ch.ID, err)
	}
	compressed := c.enc.EncodeAll(body, nil)

	var buf bytes.Buffer
	header := struct {
		Magic   uint16
		Version uint8
	}{recordMagic, recordVersion}
	if err := binary.Write(&buf, binary.BigEndian, header); err != nil {
		return nil, err
	}
	buf.Write(binary.AppendUvarint(nil, uint64(len(compressed))))
	buf.Write(compressed)
	return buf.Bytes(), nil
}

// decode parses a record and checks that its terrain is a square grid of
// the stamped size. Callers compare the stamp with their own world.
func (c *Codec) decode(data []byte) (*Chunk, recordStamp, error) {
	var none recordStamp
	if len(data) < 3 {
		return nil, none, fmt.Errorf("%w: short header", ErrCorruptChunk)
	}
	if binary.BigEndian.Uint16(data) != recordMagic {
		return nil, none, fmt.Errorf("%w: bad magic", ErrCorruptChunk)
	}
	if data[2] != recordVersion {
		return nil, none, fmt.Errorf("%w: unsupported version %d", ErrCorruptChunk, data[2])
	}
	length, n := binary.Uvarint(data[3:])
	if n <= 0 || length != uint64(len(data)-3-n) {
		return nil, none, fmt.Errorf("%w: bad body length", ErrCorruptChunk)
	}
	body, err := c.dec.DecodeAll(data[3+n:], nil)
	if err != nil {
		return nil, none, fmt.Errorf("%w: %v", ErrCorruptChunk, err)
	}

	var rec chunkRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, none, fmt.Errorf("%w: %v", ErrCorruptChunk, err)
	}
	if rec.Size <= 0 || len(rec.Terrain) != rec.Size {
		return nil, none, fmt.Errorf("%w: terrain has %d rows, want %d", ErrCorruptChunk, len(rec.Terrain), rec.Size)
	}
	for z, row := range rec.Terrain {
		if len(row) != rec.Size {
			return nil, none, fmt.Errorf("%w: terrain row %d has %d cells, want %d", ErrCorruptChunk, z, len(row), rec.Size)
		}
	}
	ch := &Chunk{
		ID:         ChunkID{X: rec.CoordX, Z: rec.CoordZ},
		Terrain:    rec.Terrain,
		Objects:    rec.Objects,
		Resources:  make(map[string]*Resource, len(rec.Resources)),
		Players:    make(map[string]ChunkMember),
		LastUpdate: time.UnixMilli(rec.LastUpdate),
	}
	for i := range rec.Resources {
		r := rec.Resources[i]
		ch.Resources[r.ObjectID] = &r
	}
	return ch, recordStamp{Seed: rec.Seed, Size: rec.Size}, nil
}
