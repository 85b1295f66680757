package supportbot

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync"
	"time"
)

// undoRecord is the last tag reply sent on an actor's behalf
type undoRecord struct {
	ChannelID string
	MessageID string
	timer     *time.Timer
}

// undoTable remembers each actor's most recent tag reply for a limited
// time, so they can delete it. Removing a record that's already gone,
// whether undone or expired, is a no-op.
type undoTable struct {
	mu      sync.Mutex
	ttl     time.Duration
	records map[string]*undoRecord
}

func newUndoTable(ttl time.Duration) *undoTable {
	return &undoTable{ttl: ttl, records: map[string]*undoRecord{}}
}

// Remember records messageID as actorID's undoable reply, replacing
// any previous record.
func (u *undoTable) Remember(actorID, channelID, messageID string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if prev, ok := u.records[actorID]; ok {
		prev.timer.Stop()
	}
	rec := &undoRecord{ChannelID: channelID, MessageID: messageID}
	rec.timer = time.AfterFunc(
		u.ttl, func() {
			u.Forget(actorID, messageID)
		},
	)
	u.records[actorID] = rec
}

// Peek returns actorID's record without removing it
func (u *undoTable) Peek(actorID string) (undoRecord, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	rec, ok := u.records[actorID]
	if !ok {
		return undoRecord{}, false
	}
	return undoRecord{ChannelID: rec.ChannelID, MessageID: rec.MessageID}, true
}

// Forget removes actorID's record if it still points at messageID. A
// record replaced by a newer reply is left alone.
func (u *undoTable) Forget(actorID, messageID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if rec, ok := u.records[actorID]; ok && rec.MessageID == messageID {
		rec.timer.Stop()
		delete(u.records, actorID)
	}
}

func (u *undoTable) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.records)
}

// Stop cancels every expiry timer and clears the table
func (u *undoTable) Stop() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for actorID, rec := range u.records {
		rec.timer.Stop()
		delete(u.records, actorID)
	}
}

type pendingCallback struct {
	fn    func(m *discordgo.Message)
	timer *time.Timer
}

// pendingMessages holds callbacks for messages the bot has sent but not
// yet seen echoed back by the gateway, keyed by the exact message text.
// Callbacks which aren't resolved within the TTL are dropped.
type pendingMessages struct {
	mu        sync.Mutex
	ttl       time.Duration
	callbacks map[string][]*pendingCallback
}

func newPendingMessages(ttl time.Duration) *pendingMessages {
	return &pendingMessages{ttl: ttl, callbacks: map[string][]*pendingCallback{}}
}

// Expect registers fn to run when the bot's own message with the given
// content arrives.
func (p *pendingMessages) Expect(content string, fn func(m *discordgo.Message)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cb := &pendingCallback{fn: fn}
	cb.timer = time.AfterFunc(
		p.ttl, func() {
			p.remove(content, cb)
		},
	)
	p.callbacks[content] = append(p.callbacks[content], cb)
}

func (p *pendingMessages) remove(content string, cb *pendingCallback) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	cbs := p.callbacks[content]
	for i, c := range cbs {
		if c != cb {
			continue
		}
		cbs = append(cbs[:i:i], cbs[i+1:]...)
		if len(cbs) == 0 {
			delete(p.callbacks, content)
		} else {
			p.callbacks[content] = cbs
		}
		return true
	}
	return false
}

// Resolve runs the oldest callback waiting on m's content. It returns
// false if nothing was waiting.
func (p *pendingMessages) Resolve(m *discordgo.Message) bool {
	p.mu.Lock()
	cbs := p.callbacks[m.Content]
	if len(cbs) == 0 {
		p.mu.Unlock()
		return false
	}
	cb := cbs[0]
	p.mu.Unlock()

	if !p.remove(m.Content, cb) {
		// expired in the meantime
		return false
	}
	cb.timer.Stop()
	cb.fn(m)
	return true
}

func (p *pendingMessages) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, cbs := range p.callbacks {
		n += len(cbs)
	}
	return n
}

func (p *pendingMessages) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for content, cbs := range p.callbacks {
		for _, cb := range cbs {
			cb.timer.Stop()
		}
		delete(p.callbacks, content)
	}
}

// delayedDeleter deletes messages after a delay. Deletions are best
// effort: a message that's already gone is not an error, and pending
// deletions are dropped on Stop.
type delayedDeleter struct {
	session DiscordSessionHandler
	logger  *slog.Logger

	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	stopped bool
}

func newDelayedDeleter(session DiscordSessionHandler, logger *slog.Logger) *delayedDeleter {
	return &delayedDeleter{
		session: session,
		logger:  logger.With(loggerNameKey, "delayed_deleter"),
		timers:  map[*time.Timer]struct{}{},
	}
}

// Schedule deletes the message after delay
func (d *delayedDeleter) Schedule(channelID, messageID string, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	var t *time.Timer
	t = time.AfterFunc(
		delay, func() {
			d.mu.Lock()
			delete(d.timers, t)
			d.mu.Unlock()
			_ = d.deleteMessage(context.Background(), channelID, messageID)
		},
	)
	d.timers[t] = struct{}{}
}

// deleteMessage deletes the message now, treating 'not found' as success
func (d *delayedDeleter) deleteMessage(ctx context.Context, channelID, messageID string) error {
	err := d.session.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx))
	switch {
	case err == nil:
		return nil
	case isNotFound(err):
		d.logger.DebugContext(
			ctx,
			"message already deleted",
			"channel_id", channelID,
			"message_id", messageID,
		)
		return nil
	default:
		d.logger.WarnContext(
			ctx,
			"error deleting message",
			"channel_id", channelID,
			"message_id", messageID,
			tint.Err(err),
		)
		return err
	}
}

func (d *delayedDeleter) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// Stop cancels pending deletions
func (d *delayedDeleter) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for t := range d.timers {
		t.Stop()
		delete(d.timers, t)
	}
}
