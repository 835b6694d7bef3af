package metacache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"geocluster-map/pkg/broadcast"
)

// Shared codecs; EncodeAll/DecodeAll are safe for concurrent use.
var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// CacheCorruptionError reports a persisted snapshot that could not be
// decoded. The cache recovers by discarding it and starting cold; the error
// is only ever logged.
type CacheCorruptionError struct {
	Key string
	Err error
}

func (e *CacheCorruptionError) Error() string {
	return fmt.Sprintf("corrupt snapshot %q: %v", e.Key, e.Err)
}

func (e *CacheCorruptionError) Unwrap() error { return e.Err }

// CacheEntry is one cached value with the moment it was stored.
type CacheEntry[T any] struct {
	Value      T
	InsertedAt time.Time
	TTL        time.Duration
}

// Fresh reports now - InsertedAt < TTL.
func (e CacheEntry[T]) Fresh(now time.Time) bool {
	return now.Sub(e.InsertedAt) < e.TTL
}

// snapshotEntry is the persisted layout: {key -> {timestamp, ttl, value}}.
type snapshotEntry struct {
	Timestamp int64           `json:"ts"`
	TTLMs     int64           `json:"ttl"`
	Value     json.RawMessage `json:"v"`
}

func encodeEntries[T any](entries map[string]CacheEntry[T]) ([]byte, error) {
	snap := make(map[string]snapshotEntry, len(entries))
	for k, e := range entries {
		raw, err := json.Marshal(e.Value)
		if err != nil {
			return nil, fmt.Errorf("marshal %q: %w", k, err)
		}
		snap[k] = snapshotEntry{
			Timestamp: e.InsertedAt.UnixMilli(),
			TTLMs:     e.TTL.Milliseconds(),
			Value:     raw,
		}
	}
	plain, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	return encoder.EncodeAll(plain, nil), nil
}

// decodeEntries restores a snapshot and drops entries already expired at now.
func decodeEntries[T any](data []byte, now time.Time) (map[string]CacheEntry[T], error) {
	plain, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	var snap map[string]snapshotEntry
	if err := json.Unmarshal(plain, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	out := make(map[string]CacheEntry[T], len(snap))
	for k, s := range snap {
		var v T
		if err := json.Unmarshal(s.Value, &v); err != nil {
			return nil, fmt.Errorf("value %q: %w", k, err)
		}
		e := CacheEntry[T]{
			Value:      v,
			InsertedAt: time.UnixMilli(s.Timestamp),
			TTL:        time.Duration(s.TTLMs) * time.Millisecond,
		}
		if e.Fresh(now) {
			out[k] = e
		}
	}
	return out, nil
}

// Message kinds carried on the bus.
const (
	kindClear = "clear"
	kindAdopt = "adopt"
)

// envelope wraps every bus message so receivers can skip their own echoes.
type envelope struct {
	Origin string `json:"origin"`
	Kind   string `json:"kind"`
	Data   []byte `json:"data,omitempty"`
}

func publish(ctx context.Context, bus broadcast.Bus, topic string, env envelope) error {
	msg, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return bus.Publish(ctx, topic, msg)
}

func decodeEnvelope(raw []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, err
	}
	if env.Kind != kindClear && env.Kind != kindAdopt {
		return envelope{}, fmt.Errorf("unknown message kind %q", env.Kind)
	}
	return env, nil
}
