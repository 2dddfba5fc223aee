// Package conversations holds the dialogue context of a session and the two
// stages allowed to write to it.
package conversations

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jinzhu/copier"
	"github.com/koscakluka/ema-pipeline/core/llms"
)

var ErrSystemMessage = errors.New("dialogue context already has its system message")

// DialogueContext is an append-only log of messages. The first message is the
// system message and it is the only one. Messages are never reordered or
// changed once appended.
//
// Only the user and assistant aggregators append; everyone else works with
// snapshots.
//
// The context also knows which turns are still owed an assistant answer. A
// user message committed while such a turn is open waits until that turn
// closed, so the log keeps alternating even when the user talks over an
// answer that is still playing.
type DialogueContext struct {
	mu       sync.RWMutex
	messages []llms.Message

	open     map[string]chan struct{}
	deferred []deferredMessage
}

type deferredMessage struct {
	message llms.Message
	waitFor map[string]struct{}
}

func NewDialogueContext(systemPrompt string) *DialogueContext {
	return &DialogueContext{
		messages: []llms.Message{{Role: llms.RoleSystem, Content: systemPrompt}},
		open:     map[string]chan struct{}{},
	}
}

func (c *DialogueContext) append(message llms.Message) error {
	stored, err := c.prepare(message)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, stored)
	return nil
}

// commitUser appends a user message, or keeps it back until the turns open
// right now are closed. The returned snapshot includes the message either
// way, together with any user message kept back before it.
func (c *DialogueContext) commitUser(message llms.Message) ([]llms.Message, error) {
	stored, err := c.prepare(message)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.open) == 0 && len(c.deferred) == 0 {
		c.messages = append(c.messages, stored)
	} else {
		waitFor := make(map[string]struct{}, len(c.open))
		for id := range c.open {
			waitFor[id] = struct{}{}
		}
		c.deferred = append(c.deferred, deferredMessage{message: stored, waitFor: waitFor})
	}

	upcoming := append([]llms.Message(nil), c.messages...)
	for _, d := range c.deferred {
		upcoming = append(upcoming, d.message)
	}
	return c.copyLocked(upcoming), nil
}

// OpenTurn registers a turn whose answer is still to be committed. It returns
// the channels of the turns that were open before it; each is closed once
// that turn's answer, if any, is part of the context.
func (c *DialogueContext) OpenTurn(turnID string) []<-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	earlier := make([]<-chan struct{}, 0, len(c.open))
	for _, closed := range c.open {
		earlier = append(earlier, closed)
	}
	if _, ok := c.open[turnID]; !ok {
		c.open[turnID] = make(chan struct{})
	}
	return earlier
}

// closeTurn appends the answer of a turn, if there is one, and closes the
// turn. User messages that only waited for it follow right after.
func (c *DialogueContext) closeTurn(turnID string, answer *llms.Message) error {
	var stored *llms.Message
	if answer != nil {
		prepared, err := c.prepare(*answer)
		if err != nil {
			return err
		}
		stored = &prepared
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if stored != nil {
		c.messages = append(c.messages, *stored)
	}
	if closed, ok := c.open[turnID]; ok {
		delete(c.open, turnID)
		defer close(closed)
	}

	for i := range c.deferred {
		delete(c.deferred[i].waitFor, turnID)
	}
	for len(c.deferred) > 0 && len(c.deferred[0].waitFor) == 0 {
		c.messages = append(c.messages, c.deferred[0].message)
		c.deferred = c.deferred[1:]
	}
	return nil
}

func (c *DialogueContext) prepare(message llms.Message) (llms.Message, error) {
	if message.Role == llms.RoleSystem {
		return llms.Message{}, ErrSystemMessage
	}

	var stored llms.Message
	if err := copier.CopyWithOption(&stored, &message, copier.Option{DeepCopy: true}); err != nil {
		return llms.Message{}, fmt.Errorf("failed to copy message: %w", err)
	}
	return stored, nil
}

// Snapshot returns a deep copy of the messages appended so far.
func (c *DialogueContext) Snapshot() []llms.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.copyLocked(c.messages)
}

func (c *DialogueContext) copyLocked(messages []llms.Message) []llms.Message {
	snapshot := make([]llms.Message, 0, len(messages))
	if err := copier.CopyWithOption(&snapshot, &messages, copier.Option{DeepCopy: true}); err != nil {
		logger.Error("failed to copy dialogue context", "error", err)
		return nil
	}
	return snapshot
}

func (c *DialogueContext) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}
