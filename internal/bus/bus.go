// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

// Package bus publishes ingested events to realtime consumers. It maintains
// two surfaces on NATS JetStream: a key-value bucket mirroring the
// hierarchical organizations tree (current positions, proximity and global
// events, last event per tenant) and a subject stream for live
// subscriptions. Both are last-write-wins by event id, so replaying a
// fan-out job is safe.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/perimetra/perimetra/internal/config"
	"github.com/perimetra/perimetra/internal/logging"
	"github.com/perimetra/perimetra/internal/models"
)

// Bus is the realtime publication client.
type Bus struct {
	nc        *natsgo.Conn
	js        jetstream.JetStream
	kv        jetstream.KeyValue
	publisher message.Publisher
	cfg       config.BusConfig
}

// Connect dials NATS, provisions the KV bucket and event stream, and wires
// the subject publisher.
func Connect(ctx context.Context, cfg config.BusConfig) (*Bus, error) {
	nc, err := natsgo.Connect(cfg.URL,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2*time.Second),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("Realtime bus disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("Realtime bus reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "Tenant realtime state tree",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create KV bucket %s: %w", cfg.Bucket, err)
	}

	if err := ensureStream(ctx, js, cfg); err != nil {
		nc.Close()
		return nil, err
	}

	publisher, err := newPublisher(cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}

	logging.Info().
		Str("url", cfg.URL).
		Str("bucket", cfg.Bucket).
		Str("stream", cfg.StreamName).
		Msg("Realtime bus connected")

	return &Bus{nc: nc, js: js, kv: kv, publisher: publisher, cfg: cfg}, nil
}

// ensureStream creates or updates the live event stream. Subjects follow
// the hierarchy <prefix>.<tenant>.<event type>.
func ensureStream(ctx context.Context, js jetstream.JetStream, cfg config.BusConfig) error {
	streamCfg := jetstream.StreamConfig{
		Name:        cfg.StreamName,
		Subjects:    []string{cfg.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      24 * time.Hour,
		Duplicates:  2 * time.Minute,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
		AllowDirect: true,
	}

	if _, err := js.Stream(ctx, cfg.StreamName); err == nil {
		if _, err := js.UpdateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("update stream %s: %w", cfg.StreamName, err)
		}
		return nil
	}

	if _, err := js.CreateStream(ctx, streamCfg); err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.StreamName, err)
	}
	return nil
}

// KV tree layout under the bucket. Keys use the NATS KV slash hierarchy.
func positionKey(tenantID, visitorID string) string {
	return tenantID + "/positions/" + visitorID
}

func proximityKey(tenantID, eventID string) string {
	return tenantID + "/proximity/" + eventID
}

func globalKey(tenantID, eventID string) string {
	return tenantID + "/global/" + eventID
}

func lastEventKey(tenantID string) string {
	return tenantID + "/last_event"
}

// PositionEntry is the wire shape of a positions/{visitor} entry: the
// visitor's coordinate with a server-assigned timestamp, not the full event
// document.
type PositionEntry struct {
	Location models.GeoPoint `json:"location"`

	// At is the server clock in epoch milliseconds at write time.
	At int64 `json:"at"`
}

// SetPosition overwrites the current position entry for the event's visitor
// with the coordinate and the server timestamp.
func (b *Bus) SetPosition(ctx context.Context, event *models.Event) error {
	if event.Data.VisitorID == "" || event.Data.Location == nil {
		return fmt.Errorf("position event %s has no visitor position", event.ID)
	}
	entry := PositionEntry{
		Location: *event.Data.Location,
		At:       time.Now().UTC().UnixMilli(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal position entry for %s: %w", event.ID, err)
	}
	key := positionKey(event.OrganizationID, event.Data.VisitorID)
	if _, err := b.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// PublishProximity writes a proximity event into the tenant tree and
// publishes it on the live subject.
func (b *Bus) PublishProximity(ctx context.Context, event *models.Event) error {
	if err := b.put(ctx, proximityKey(event.OrganizationID, event.ID), event); err != nil {
		return err
	}
	return b.publish(event)
}

// PublishGlobal writes a non-proximity event into the tenant tree and
// publishes it on the live subject.
func (b *Bus) PublishGlobal(ctx context.Context, event *models.Event) error {
	if err := b.put(ctx, globalKey(event.OrganizationID, event.ID), event); err != nil {
		return err
	}
	return b.publish(event)
}

// TouchLastEvent stamps the tenant's last_event entry with the server clock
// in epoch milliseconds. The entry is a bare timestamp, not the event.
func (b *Bus) TouchLastEvent(ctx context.Context, event *models.Event) error {
	data, err := json.Marshal(time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("marshal last event timestamp: %w", err)
	}
	key := lastEventKey(event.OrganizationID)
	if _, err := b.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// GetPosition reads the current position entry for a visitor. Returns
// jetstream.ErrKeyNotFound if the visitor has no recorded position.
func (b *Bus) GetPosition(ctx context.Context, tenantID, visitorID string) (*PositionEntry, error) {
	entry, err := b.kv.Get(ctx, positionKey(tenantID, visitorID))
	if err != nil {
		return nil, err
	}
	var pos PositionEntry
	if err := json.Unmarshal(entry.Value(), &pos); err != nil {
		return nil, fmt.Errorf("decode position entry: %w", err)
	}
	return &pos, nil
}

// LastEventAt reads the tenant's most recent activity timestamp.
func (b *Bus) LastEventAt(ctx context.Context, tenantID string) (time.Time, error) {
	entry, err := b.kv.Get(ctx, lastEventKey(tenantID))
	if err != nil {
		return time.Time{}, err
	}
	var ms int64
	if err := json.Unmarshal(entry.Value(), &ms); err != nil {
		return time.Time{}, fmt.Errorf("decode last event entry: %w", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (b *Bus) put(ctx context.Context, key string, event *models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.ID, err)
	}
	if _, err := b.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// publish emits the event on <prefix>.<tenant>.<type>. The event id doubles
// as the Nats-Msg-Id so JetStream deduplicates redelivered fan-out jobs.
func (b *Bus) publish(event *models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.ID, err)
	}

	msg := message.NewMessage(event.ID, data)
	msg.Metadata.Set(natsgo.MsgIdHdr, event.ID)

	topic := b.cfg.SubjectPrefix + "." + event.OrganizationID + "." + event.Type
	if err := b.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close releases the publisher and the NATS connection.
func (b *Bus) Close() error {
	var firstErr error
	if b.publisher != nil {
		if err := b.publisher.Close(); err != nil {
			firstErr = err
		}
	}
	b.nc.Close()
	return firstErr
}
