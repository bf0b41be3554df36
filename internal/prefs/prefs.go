// Package prefs provides the durable key-value preference store backing the
// installed model state: the persisted model version, the per-slot version
// labels, and the pointer naming which artifact slot is active.
package prefs

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const stateKey = "model_state"

const (
	fieldModelVersion = "model_version"
	fieldActiveSlot   = "active_slot"
	fieldClientID     = "client_id"
)

type Store struct {
	client *redis.Client
	ctx    context.Context
}

func NewStore(redisAddr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{
		client: client,
		ctx:    ctx,
	}, nil
}

// ModelVersion returns the persisted current model version, or "" when no
// model has ever been installed.
func (s *Store) ModelVersion() (string, error) {
	return s.get(fieldModelVersion)
}

func (s *Store) SetModelVersion(version string) error {
	return s.client.HSet(s.ctx, stateKey, fieldModelVersion, version).Err()
}

// ActiveSlot returns the name of the slot the inference host should load
// from, or "" before the first install.
func (s *Store) ActiveSlot() (string, error) {
	return s.get(fieldActiveSlot)
}

func (s *Store) SetActiveSlot(slot string) error {
	return s.client.HSet(s.ctx, stateKey, fieldActiveSlot, slot).Err()
}

// SlotVersion returns the version label recorded for a slot, "" when the
// slot has never been written.
func (s *Store) SlotVersion(slot string) (string, error) {
	return s.get("slot_version:" + slot)
}

func (s *Store) SetSlotVersion(slot, version string) error {
	return s.client.HSet(s.ctx, stateKey, "slot_version:"+slot, version).Err()
}

// ClientID returns the persisted device identifier, or "" when unset.
func (s *Store) ClientID() (string, error) {
	return s.get(fieldClientID)
}

func (s *Store) SetClientID(id string) error {
	return s.client.HSet(s.ctx, stateKey, fieldClientID, id).Err()
}

func (s *Store) get(field string) (string, error) {
	val, err := s.client.HGet(s.ctx, stateKey, field).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	return val, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
