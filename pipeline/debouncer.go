package pipeline

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	conversations "github.com/swiftreplies/wabroker/conversations/domain"
)

const debouncerShards = 32

// ErrConversationBusy is returned by the dispatch function while a Turn for
// the same conversation is queued or in flight.
var ErrConversationBusy = errors.New("conversation has a turn in flight")

type pendingTurn struct {
	turn  *Turn
	timer *time.Timer
	// seq invalidates a stale AfterFunc after a re-arm.
	seq uint64
}

type debounceShard struct {
	mu      sync.Mutex
	pending map[ConversationKey]*pendingTurn
}

// Debouncer coalesces bursts of customer messages into single Turns. State
// is sharded by conversation key so one hot conversation cannot serialize
// the rest.
type Debouncer struct {
	window   time.Duration
	floor    time.Duration
	maxSpan  time.Duration
	dispatch func(*Turn) error
	shards   [debouncerShards]*debounceShard
	seq      uint64
	seqMu    sync.Mutex
}

// NewDebouncer builds the coalescing stage. dispatch hands a finished Turn
// to the dispatcher; ErrConversationBusy re-arms the Turn for a later flush.
func NewDebouncer(window, floor, maxSpan time.Duration, dispatch func(*Turn) error) *Debouncer {
	d := &Debouncer{
		window:   window,
		floor:    floor,
		maxSpan:  maxSpan,
		dispatch: dispatch,
	}
	for i := range d.shards {
		d.shards[i] = &debounceShard{pending: make(map[ConversationKey]*pendingTurn)}
	}
	return d
}

func (d *Debouncer) shard(key ConversationKey) *debounceShard {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return d.shards[h%debouncerShards]
}

func (d *Debouncer) nextSeq() uint64 {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	d.seq++
	return d.seq
}

// Add folds one routed message into its conversation's pending Turn,
// creating it on first sight. The flush deadline extends with each message
// up to maxSpan past the first arrival.
func (d *Debouncer) Add(rm RoutedMessage) {
	key := KeyFor(rm.Binding.TenantID, rm.Msg.From)
	now := time.Now()

	s := d.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[key]
	if !ok {
		p = &pendingTurn{
			turn: &Turn{
				Key:          key,
				Binding:      rm.Binding,
				FromNumber:   rm.Msg.From,
				FirstArrival: now,
			},
		}
		s.pending[key] = p
	}

	t := p.turn
	t.Messages = append(t.Messages, rm.Msg)
	t.LastArrival = now
	if t.ContactName == "" && rm.Msg.ContactName != "" {
		t.ContactName = rm.Msg.ContactName
	}

	delay := d.window
	if delay < d.floor {
		delay = d.floor
	}
	// The coalescing span is capped: a steady trickle of messages cannot
	// postpone the flush past maxSpan from the first arrival.
	if ceiling := t.FirstArrival.Add(d.maxSpan); now.Add(delay).After(ceiling) {
		delay = time.Until(ceiling)
		if delay < d.floor {
			delay = d.floor
		}
	}

	d.arm(s, key, p, delay)
}

// arm (re)schedules the flush. Caller holds the shard lock.
func (d *Debouncer) arm(s *debounceShard, key ConversationKey, p *pendingTurn, delay time.Duration) {
	if p.timer != nil {
		p.timer.Stop()
	}
	seq := d.nextSeq()
	p.seq = seq
	p.timer = time.AfterFunc(delay, func() {
		d.flush(key, seq)
	})
}

func (d *Debouncer) flush(key ConversationKey, seq uint64) {
	s := d.shard(key)
	s.mu.Lock()
	p, ok := s.pending[key]
	if !ok || p.seq != seq {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	s.mu.Unlock()

	turn := p.turn
	turn.MergedText, turn.Attachments = mergeMessages(turn.Messages)

	logrus.Debugf("[DEBOUNCER] Flushing %s (messages=%d)", key, len(turn.Messages))

	if err := d.dispatch(turn); err != nil {
		if errors.Is(err, ErrConversationBusy) {
			// A turn for this conversation is still queued or running.
			// Re-arm as if fresh messages were arriving; later messages
			// that land meanwhile fold into the same pending turn.
			d.rearm(key, turn)
			return
		}
		logrus.WithError(err).Warnf("[DEBOUNCER] Dispatch failed for %s", key)
	}
}

func (d *Debouncer) rearm(key ConversationKey, turn *Turn) {
	s := d.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.pending[key]; ok {
		// Messages arrived while we were dispatching; merge ours in front.
		existing.turn.Messages = append(turn.Messages, existing.turn.Messages...)
		if existing.turn.FirstArrival.After(turn.FirstArrival) {
			existing.turn.FirstArrival = turn.FirstArrival
		}
		return
	}

	p := &pendingTurn{turn: turn}
	s.pending[key] = p
	d.arm(s, key, p, d.window)
}

// PendingCount reports conversations currently buffered.
func (d *Debouncer) PendingCount() int {
	total := 0
	for _, s := range d.shards {
		s.mu.Lock()
		total += len(s.pending)
		s.mu.Unlock()
	}
	return total
}

// mergeMessages builds the newline-joined text and the attachment list in
// receipt order.
func mergeMessages(msgs []InboundMessage) (string, []Attachment) {
	var texts []string
	var attachments []Attachment
	for _, m := range msgs {
		switch m.Type {
		case conversations.TypeText, conversations.TypeTemplate:
			if m.Text != "" {
				texts = append(texts, m.Text)
			}
		default:
			attachments = append(attachments, Attachment{
				Type:      m.Type,
				URL:       m.MediaURL,
				Caption:   m.Caption,
				Latitude:  m.Latitude,
				Longitude: m.Longitude,
			})
			if m.Caption != "" {
				texts = append(texts, m.Caption)
			}
		}
	}
	return strings.Join(texts, "\n"), attachments
}
