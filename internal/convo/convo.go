// Package convo implements the per-task conversation context: participants,
// message counters, and a bounded rolling summary, persisted as JetStream
// KV documents keyed by taskcode.
package convo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/busd/internal/kvstore"
)

// BucketConversations is the JetStream KV bucket backing conversation
// context documents, keyed by taskcode.
const BucketConversations = "BUSD_CONVERSATIONS"

// maxListLen bounds key_points and next_actions to their most recent entries.
const maxListLen = 10

// Context is the per-task conversation record.
type Context struct {
	TaskCode      string    `json:"taskcode"`
	Participants  []string  `json:"participants"`
	MessageCount  int       `json:"message_count"`
	LastMessageAt time.Time `json:"last_message_at"`
	Status        string    `json:"status,omitempty"`
	Summary       string    `json:"summary,omitempty"`
	KeyPoints     []string  `json:"key_points,omitempty"`
	NextActions   []string  `json:"next_actions,omitempty"`
}

// Store persists Conversation Context documents.
type Store struct {
	kv jetstream.KeyValue
}

// NewStore opens (creating if necessary) the conversation context bucket.
func NewStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	kv, err := kvstore.GetOrCreateBucket(ctx, js, BucketConversations, 5)
	if err != nil {
		return nil, fmt.Errorf("open conversation bucket: %w", err)
	}
	return &Store{kv: kv}, nil
}

// Get returns the context for taskcode, or a fresh zero-value Context if
// none exists yet.
func (s *Store) Get(ctx context.Context, taskcode string) (*Context, error) {
	entry, err := s.kv.Get(ctx, taskcode)
	if err != nil {
		if kvstore.IsNotFound(err) {
			return &Context{TaskCode: taskcode}, nil
		}
		return nil, fmt.Errorf("get conversation context: %w", err)
	}
	var c Context
	if err := json.Unmarshal(entry.Value(), &c); err != nil {
		return nil, fmt.Errorf("unmarshal conversation context: %w", err)
	}
	return &c, nil
}

func (s *Store) put(ctx context.Context, c *Context) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal conversation context: %w", err)
	}
	if _, err := s.kv.Put(ctx, c.TaskCode, data); err != nil {
		return fmt.Errorf("store conversation context: %w", err)
	}
	return nil
}

// Update applies an outbox send (approval or ata_send) to the conversation
// context: adds from/to to participants without duplicates, increments
// message_count, bumps last_message_at, merges summary, and extends
// key_points/next_actions, truncating each to the last maxListLen entries.
func (s *Store) Update(ctx context.Context, taskcode, fromAgent, toAgent, summary string, keyPoints, nextActions []string) (*Context, error) {
	c, err := s.Get(ctx, taskcode)
	if err != nil {
		return nil, err
	}

	c.Participants = addUnique(c.Participants, fromAgent)
	c.Participants = addUnique(c.Participants, toAgent)
	c.MessageCount++
	c.LastMessageAt = time.Now().UTC()
	if summary != "" {
		c.Summary = summary
	}
	c.KeyPoints = truncateTail(append(c.KeyPoints, keyPoints...), maxListLen)
	c.NextActions = truncateTail(append(c.NextActions, nextActions...), maxListLen)

	if err := s.put(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func addUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}

func truncateTail(list []string, max int) []string {
	if len(list) <= max {
		return list
	}
	return list[len(list)-max:]
}
