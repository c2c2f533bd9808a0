// ABOUTME: Bounded single-producer single-consumer queue between agent and orchestrator.
// ABOUTME: Emit blocks on a full queue; the __end__ sentinel signals normal completion.

package event

import (
	"context"
	"errors"
)

// DefaultQueueSize bounds the bridge queue when no explicit size is
// configured. Large enough to absorb bursts of deltas, small enough
// that a stalled consumer applies backpressure quickly.
const DefaultQueueSize = 256

// ErrBridgeClosed is returned by Emit after End or CloseEmit.
var ErrBridgeClosed = errors.New("bridge closed")

// Bridge decouples the agent computation from the stream consumer.
// One producer, one consumer, one stream instance — never shared.
type Bridge struct {
	ch     chan Raw
	closed chan struct{}
}

// NewBridge creates a bridge with the given queue size. Sizes < 1 fall
// back to DefaultQueueSize.
func NewBridge(size int) *Bridge {
	if size < 1 {
		size = DefaultQueueSize
	}
	return &Bridge{
		ch:     make(chan Raw, size),
		closed: make(chan struct{}),
	}
}

// Emit enqueues a domain event. If the queue is full the caller blocks
// until the consumer drains — event loss is never acceptable here.
// Returns ctx.Err() if the context is done first, or ErrBridgeClosed if
// the bridge has already ended.
func (b *Bridge) Emit(ctx context.Context, typ string, payload map[string]any) error {
	select {
	case <-b.closed:
		return ErrBridgeClosed
	default:
	}

	select {
	case b.ch <- Raw{Type: typ, Payload: payload}:
		return nil
	case <-b.closed:
		return ErrBridgeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EmitError enqueues the abnormal-completion event carrying a message.
func (b *Bridge) EmitError(ctx context.Context, msg string) error {
	return b.Emit(ctx, TypeError, map[string]any{"message": msg})
}

// End enqueues the completion sentinel and closes the bridge to further
// emits. Safe to call once per bridge; subsequent Emit calls fail with
// ErrBridgeClosed.
func (b *Bridge) End(ctx context.Context) error {
	if err := b.Emit(ctx, TypeEnd, nil); err != nil {
		return err
	}
	close(b.closed)
	return nil
}

// Events returns the consumer side of the queue. The consumer decodes
// each raw event exactly once and stops at KindEnd.
func (b *Bridge) Events() <-chan Raw {
	return b.ch
}
