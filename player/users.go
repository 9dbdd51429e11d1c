package player

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"

	"github.com/MONDERASDOR/SaverWorld/storage"
	"github.com/MONDERASDOR/SaverWorld/world"
)

var (
	ErrUserNotFound       = errors.New("player: user not found")
	ErrInvalidCredentials = errors.New("player: neither user id nor username resolves")
)

// Record is the durable state of a user. Timestamps are unix milliseconds.
type Record struct {
	ID         string         `json:"id"`
	Username   string         `json:"username"`
	Position   world.Position `json:"position"`
	Direction  world.Vec3     `json:"direction"`
	Created    int64          `json:"created"`
	LastLogin  int64          `json:"lastLogin"`
	LastUpdate int64          `json:"lastUpdate,omitempty"`
	Health     int            `json:"health"`
	Inventory  []Item         `json:"inventory"`
}

// Patch lists the fields an update may change. Nil fields are left alone.
type Patch struct {
	Position  *world.Position
	Direction *world.Vec3
	LastLogin *int64
	Health    *int
	Inventory *[]Item
}

func (p Patch) apply(r *Record) {
	if p.Position != nil {
		r.Position = *p.Position
	}
	if p.Direction != nil {
		r.Direction = *p.Direction
	}
	if p.LastLogin != nil {
		r.LastLogin = *p.LastLogin
	}
	if p.Health != nil {
		r.Health = *p.Health
	}
	if p.Inventory != nil {
		r.Inventory = append([]Item(nil), (*p.Inventory)...)
	}
}

// Directory maps user ids to records in a storage.Store. Operations on one
// id are serialized; different ids proceed independently.
type Directory struct {
	kv    storage.Store
	log   *zap.Logger
	now   func() time.Time
	locks keyedMutex
}

func NewDirectory(kv storage.Store, log *zap.Logger) *Directory {
	return &Directory{
		kv:  kv,
		log: log.Named("users"),
		now: time.Now,
	}
}

func (d *Directory) Get(ctx context.Context, id string) (Record, error) {
	unlock := d.locks.lock(id)
	defer unlock()
	return d.read(ctx, id)
}

// Create stores a new user with a random id at the default spawn.
func (d *Directory) Create(ctx context.Context, username string) (Record, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return Record{}, ErrInvalidCredentials
	}
	now := d.now().UnixMilli()
	rec := Record{
		ID:        uuid.NewString(),
		Username:  username,
		Position:  DefaultPosition,
		Direction: world.DefaultDirection,
		Created:   now,
		LastLogin: now,
		Health:    DefaultHealth,
		Inventory: []Item{},
	}

	unlock := d.locks.lock(rec.ID)
	defer unlock()
	if err := d.write(ctx, rec); err != nil {
		return Record{}, err
	}
	d.log.Info("created user", zap.String("user", rec.ID), zap.String("username", username))
	return rec, nil
}

// Update merges p into the stored record and stamps lastUpdate.
func (d *Directory) Update(ctx context.Context, id string, p Patch) (Record, error) {
	unlock := d.locks.lock(id)
	defer unlock()

	rec, err := d.read(ctx, id)
	if err != nil {
		return Record{}, err
	}
	p.apply(&rec)
	rec.LastUpdate = d.now().UnixMilli()
	if err := d.write(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Touch records a login and backfills a missing position.
func (d *Directory) Touch(ctx context.Context, id string) (Record, error) {
	unlock := d.locks.lock(id)
	defer unlock()

	rec, err := d.read(ctx, id)
	if err != nil {
		return Record{}, err
	}
	rec.LastLogin = d.now().UnixMilli()
	if rec.Position.IsSentinel() {
		rec.Position = DefaultPosition
	}
	if rec.Direction == (world.Vec3{}) {
		rec.Direction = world.DefaultDirection
	}
	if err := d.write(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Resolve revives userID when it exists, otherwise creates a user named
// username. With neither it returns ErrInvalidCredentials.
func (d *Directory) Resolve(ctx context.Context, userID, username string) (Record, error) {
	if userID != "" {
		rec, err := d.Touch(ctx, userID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrUserNotFound) {
			return Record{}, err
		}
	}
	return d.Create(ctx, username)
}

func (d *Directory) read(ctx context.Context, id string) (Record, error) {
	if id == "" {
		return Record{}, ErrUserNotFound
	}
	data, err := d.kv.Get(ctx, storage.UserKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, ErrUserNotFound
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("player: decode user %s: %w", id, err)
	}
	if rec.Inventory == nil {
		rec.Inventory = []Item{}
	}
	return rec, nil
}

func (d *Directory) write(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return d.kv.Put(ctx, storage.UserKey(rec.ID), data)
}

// keyedMutex hands out one mutex per key and forgets it when unused.
type keyedMutex struct {
	mu    deadlock.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	deadlock.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
