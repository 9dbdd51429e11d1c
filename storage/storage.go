package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("storage: key not found")

// Store is the durable key-value collaborator behind user records and chunk
// payloads. Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys lists every key starting with prefix, in ascending order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Key namespaces shared by the world and player packages.
const (
	UserPrefix       = "users/"
	ChunkPrefix      = "chunks/"
	ActiveChunkIndex = "index/active_chunks"
	SeedKey          = "meta/seed"
)

func UserKey(id string) string { return UserPrefix + id }

func ChunkKey(id string) string { return ChunkPrefix + id }
