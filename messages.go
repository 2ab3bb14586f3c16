package chatsync

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultEchoWindow     = 10 * time.Second
	DefaultPendingTimeout = 2 * time.Minute

	localIDPrefix = "local-"
)

// MessageStoreConfig configures a MessageStore.
type MessageStoreConfig struct {
	// Self is the identity key of the session user.
	Self string
	// EchoWindow bounds the timestamp distance between an optimistic entry and a
	// push echo that carries no client ID.
	EchoWindow time.Duration
	// PendingTimeout is how long an optimistic entry may stay unacknowledged
	// before ExpirePending drops it.
	PendingTimeout time.Duration
	Now            func() time.Time
}

func (c *MessageStoreConfig) defaults() {
	if c.EchoWindow == 0 {
		c.EchoWindow = DefaultEchoWindow
	}
	if c.PendingTimeout == 0 {
		c.PendingTimeout = DefaultPendingTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// ============================================================================
// MessageLog
// ============================================================================

// MessageLog is the ordered message list of one conversation. Entries are kept
// sorted by creation time; equal times keep arrival order.
type MessageLog struct {
	ConversationID string
	entries        []Message
}

// Len returns the number of entries.
func (l *MessageLog) Len() int { return len(l.entries) }

// Last returns the most recent entry.
func (l *MessageLog) Last() (Message, bool) {
	if len(l.entries) == 0 {
		return Message{}, false
	}
	return l.entries[len(l.entries)-1].Clone(), true
}

// Unread counts messages not sent by self whose status is not read.
func (l *MessageLog) Unread(self string) int {
	n := 0
	for i := range l.entries {
		if l.entries[i].SenderID != self && l.entries[i].Status != StatusRead {
			n++
		}
	}
	return n
}

// Messages returns a deep copy of the entries.
func (l *MessageLog) Messages() []Message {
	out := make([]Message, len(l.entries))
	for i := range l.entries {
		out[i] = l.entries[i].Clone()
	}
	return out
}

func (l *MessageLog) find(id string) int {
	for i := range l.entries {
		if l.entries[i].ID == id {
			return i
		}
	}
	return -1
}

// insertPos returns the index after the last entry not newer than t.
func (l *MessageLog) insertPos(t time.Time) int {
	i := len(l.entries)
	for i > 0 && l.entries[i-1].CreatedAt.After(t) {
		i--
	}
	return i
}

func (l *MessageLog) insertAt(i int, m Message) {
	l.entries = append(l.entries, Message{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = m
}

func (l *MessageLog) insert(m Message) int {
	i := l.insertPos(m.CreatedAt)
	l.insertAt(i, m)
	return i
}

func (l *MessageLog) removeAt(i int) Message {
	m := l.entries[i]
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
	return m
}

// reposition moves entry i only if its timestamp breaks the ordering.
func (l *MessageLog) reposition(i int) int {
	t := l.entries[i].CreatedAt
	if (i == 0 || !l.entries[i-1].CreatedAt.After(t)) &&
		(i == len(l.entries)-1 || !l.entries[i+1].CreatedAt.Before(t)) {
		return i
	}
	return l.insert(l.removeAt(i))
}

// ============================================================================
// MessageStore
// ============================================================================

// MessageToken captures one message before an optimistic mutation so the
// mutation can be reverted exactly.
type MessageToken struct {
	ID             string
	ConversationID string
	prior          Message
	pos            int
	rev            uint64
}

// MessageStore owns every conversation's log and merges updates from all
// sources idempotently by message ID. It is not safe for concurrent use; the
// Engine only touches it from its loop.
type MessageStore struct {
	self           string
	echoWindow     time.Duration
	pendingTimeout time.Duration
	now            func() time.Time

	logs    map[string]*MessageLog
	where   map[string]string // message ID (server or local) -> conversation
	aliases map[string]string // local ID -> server ID
	deleted map[string]struct{}
	revs    map[string]uint64
}

// NewMessageStore creates an empty store.
func NewMessageStore(config *MessageStoreConfig) *MessageStore {
	var cfg MessageStoreConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &MessageStore{
		self:           cfg.Self,
		echoWindow:     cfg.EchoWindow,
		pendingTimeout: cfg.PendingTimeout,
		now:            cfg.Now,
		logs:           make(map[string]*MessageLog),
		where:          make(map[string]string),
		aliases:        make(map[string]string),
		deleted:        make(map[string]struct{}),
		revs:           make(map[string]uint64),
	}
}

// Clear drops all state.
func (s *MessageStore) Clear() {
	s.logs = make(map[string]*MessageLog)
	s.where = make(map[string]string)
	s.aliases = make(map[string]string)
	s.deleted = make(map[string]struct{})
	s.revs = make(map[string]uint64)
}

func (s *MessageStore) touch(id string) { s.revs[id]++ }

func (s *MessageStore) resolve(id string) string {
	if serverID, ok := s.aliases[id]; ok {
		return serverID
	}
	return id
}

func (s *MessageStore) log(conversationID string) *MessageLog {
	l, ok := s.logs[conversationID]
	if !ok {
		l = &MessageLog{ConversationID: conversationID}
		s.logs[conversationID] = l
	}
	return l
}

func (s *MessageStore) locate(id string) (*MessageLog, int) {
	id = s.resolve(id)
	l, ok := s.logs[s.where[id]]
	if !ok {
		return nil, -1
	}
	return l, l.find(id)
}

// AppendOptimistic appends a pending entry authored by self and returns its local ID.
func (s *MessageStore) AppendOptimistic(conversationID string, draft Draft) string {
	localID := localIDPrefix + uuid.NewString()
	kind := draft.Kind
	if kind == "" {
		kind = KindText
	}
	m := Message{
		ID:             localID,
		LocalID:        localID,
		ConversationID: conversationID,
		SenderID:       s.self,
		Content:        draft.Content,
		Kind:           kind,
		CreatedAt:      s.now(),
		Status:         StatusSent,
		Pending:        true,
	}
	if draft.File != nil {
		f := *draft.File
		m.File = &f
	}
	l := s.log(conversationID)
	l.entries = append(l.entries, m)
	s.where[localID] = conversationID
	s.touch(localID)
	return localID
}

// MergeServerMessage merges a server-authored message. It reports whether the
// log changed.
func (s *MessageStore) MergeServerMessage(conversationID string, m Message) bool {
	if m.ID == "" || conversationID == "" {
		return false
	}
	if _, gone := s.deleted[m.ID]; gone {
		return false
	}
	m.ConversationID = conversationID

	if l, i := s.locate(m.ID); i >= 0 {
		return s.update(l, i, m)
	}

	l := s.log(conversationID)
	if i := s.matchPending(l, m); i >= 0 {
		s.promote(l, i, m)
		return true
	}

	m.Pending = false
	m.LocalID = ""
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	l.insert(m.Clone())
	s.where[m.ID] = conversationID
	s.touch(m.ID)
	return true
}

// MergeHistory merges a page of history and returns how many entries changed.
func (s *MessageStore) MergeHistory(conversationID string, page []Message) int {
	s.log(conversationID)
	n := 0
	for _, m := range page {
		if s.MergeServerMessage(conversationID, m) {
			n++
		}
	}
	return n
}

// matchPending finds the optimistic entry a push echo stands for: by echoed
// client ID if present, otherwise the oldest pending entry by self with the
// same content and kind inside the echo window.
func (s *MessageStore) matchPending(l *MessageLog, m Message) int {
	if m.LocalID != "" {
		if i := l.find(m.LocalID); i >= 0 && l.entries[i].Pending {
			return i
		}
		return -1
	}
	if m.SenderID != s.self {
		return -1
	}
	for i := range l.entries {
		e := &l.entries[i]
		if !e.Pending || e.SenderID != s.self || e.Content != m.Content || e.Kind != m.Kind {
			continue
		}
		at := m.CreatedAt
		if at.IsZero() {
			at = s.now()
		}
		dt := e.CreatedAt.Sub(at)
		if dt < 0 {
			dt = -dt
		}
		if dt <= s.echoWindow {
			return i
		}
	}
	return -1
}

// promote turns pending entry i into server message m in place.
func (s *MessageStore) promote(l *MessageLog, i int, m Message) {
	localID := l.entries[i].LocalID
	next := m.Clone()
	next.LocalID = localID
	next.Pending = false
	next.ConversationID = l.ConversationID
	if next.CreatedAt.IsZero() {
		next.CreatedAt = l.entries[i].CreatedAt
	}
	l.entries[i] = next
	l.reposition(i)

	s.aliases[localID] = m.ID
	s.where[m.ID] = l.ConversationID
	s.touch(m.ID)
}

// update merges incoming into entry i: read never downgrades, recall is never
// undone, reactions follow the server set when the payload carries one.
func (s *MessageStore) update(l *MessageLog, i int, incoming Message) bool {
	cur := l.entries[i]
	next := cur.Clone()
	next.Pending = false
	if incoming.Status == StatusRead {
		next.Status = StatusRead
	}
	if incoming.Recalled || next.Recalled {
		recall(&next)
	} else {
		next.Content = incoming.Content
		next.Kind = incoming.Kind
		next.File = nil
		if incoming.File != nil {
			f := *incoming.File
			next.File = &f
		}
	}
	if incoming.Reactions != nil {
		next.Reactions = append(make([]Reaction, 0, len(incoming.Reactions)), incoming.Reactions...)
	}
	moved := !incoming.CreatedAt.IsZero() && !incoming.CreatedAt.Equal(next.CreatedAt)
	if moved {
		next.CreatedAt = incoming.CreatedAt
	}

	if sameMessage(cur, next) {
		return false
	}
	l.entries[i] = next
	if moved {
		l.reposition(i)
	}
	s.touch(next.ID)
	return true
}

// Confirm applies the REST acknowledgment of the send that created localID.
func (s *MessageStore) Confirm(localID string, m Message) bool {
	conv, ok := s.where[localID]
	if !ok {
		conv = m.ConversationID
	}
	if conv == "" || m.ID == "" {
		return false
	}
	m.LocalID = localID

	// The push echo got here first.
	if _, promoted := s.aliases[localID]; promoted {
		return s.MergeServerMessage(conv, m)
	}

	l := s.log(conv)
	i := l.find(localID)
	if i < 0 {
		return s.MergeServerMessage(conv, m)
	}

	_, gone := s.deleted[m.ID]
	el, j := s.locate(m.ID)
	if gone || j >= 0 {
		// Already known under its server ID (or already deleted): drop the
		// optimistic duplicate.
		l.removeAt(i)
		s.aliases[localID] = m.ID
		if j >= 0 {
			el, j = s.locate(m.ID)
			s.update(el, j, m)
		}
		return true
	}

	m.ConversationID = conv
	s.promote(l, i, m)
	return true
}

// Fail removes the optimistic entry of a failed send. An entry already promoted
// by its push echo is kept, the server has it.
func (s *MessageStore) Fail(localID string) bool {
	if _, promoted := s.aliases[localID]; promoted {
		return false
	}
	l, ok := s.logs[s.where[localID]]
	if !ok {
		return false
	}
	i := l.find(localID)
	if i < 0 || !l.entries[i].Pending {
		return false
	}
	l.removeAt(i)
	delete(s.where, localID)
	return true
}

// ExpirePending drops optimistic entries older than the pending timeout and
// returns their local IDs.
func (s *MessageStore) ExpirePending(now time.Time) []string {
	var expired []string
	for _, l := range s.logs {
		kept := l.entries[:0]
		for _, e := range l.entries {
			if e.Pending && now.Sub(e.CreatedAt) > s.pendingTimeout {
				expired = append(expired, e.LocalID)
				delete(s.where, e.LocalID)
				continue
			}
			kept = append(kept, e)
		}
		l.entries = kept
	}
	sort.Strings(expired)
	return expired
}

// ApplyReaction adds (sender, reaction) to the message's reaction set.
func (s *MessageStore) ApplyReaction(messageID, reaction, sender string) bool {
	l, i := s.locate(messageID)
	if i < 0 {
		return false
	}
	e := &l.entries[i]
	next := addReaction(e.Reactions, Reaction{Sender: sender, Emoji: reaction})
	if len(next) == len(e.Reactions) {
		return false
	}
	e.Reactions = next
	s.touch(e.ID)
	return true
}

// RemoveReaction removes (sender, reaction) from the message's reaction set.
func (s *MessageStore) RemoveReaction(messageID, reaction, sender string) bool {
	l, i := s.locate(messageID)
	if i < 0 {
		return false
	}
	e := &l.entries[i]
	next := removeReaction(e.Reactions, Reaction{Sender: sender, Emoji: reaction})
	if len(next) == len(e.Reactions) {
		return false
	}
	e.Reactions = next
	s.touch(e.ID)
	return true
}

// ApplyRecall turns the message into a recalled tombstone that keeps its slot.
func (s *MessageStore) ApplyRecall(messageID string) bool {
	l, i := s.locate(messageID)
	if i < 0 || l.entries[i].Recalled {
		return false
	}
	recall(&l.entries[i])
	s.touch(l.entries[i].ID)
	return true
}

// ApplyDelete removes the message and remembers its ID so late duplicates are
// not resurrected.
func (s *MessageStore) ApplyDelete(messageID string) bool {
	id := s.resolve(messageID)
	s.deleted[id] = struct{}{}
	s.touch(id)

	l, i := s.locate(id)
	if i < 0 {
		return false
	}
	l.removeAt(i)
	delete(s.where, id)
	return true
}

// MarkRead sets the message status to read.
func (s *MessageStore) MarkRead(messageID string) bool {
	l, i := s.locate(messageID)
	if i < 0 || l.entries[i].Status == StatusRead {
		return false
	}
	l.entries[i].Status = StatusRead
	s.touch(l.entries[i].ID)
	return true
}

// MarkConversationRead marks every incoming unread message of the conversation
// as read and returns their IDs.
func (s *MessageStore) MarkConversationRead(conversationID string) []string {
	l, ok := s.logs[conversationID]
	if !ok {
		return nil
	}
	var ids []string
	for i := range l.entries {
		e := &l.entries[i]
		if e.SenderID == s.self || e.Pending || e.Status == StatusRead {
			continue
		}
		e.Status = StatusRead
		s.touch(e.ID)
		ids = append(ids, e.ID)
	}
	return ids
}

// Checkpoint captures a message before an optimistic mutation.
func (s *MessageStore) Checkpoint(messageID string) (MessageToken, bool) {
	l, i := s.locate(messageID)
	if i < 0 {
		return MessageToken{}, false
	}
	e := l.entries[i]
	return MessageToken{
		ID:             e.ID,
		ConversationID: l.ConversationID,
		prior:          e.Clone(),
		pos:            i,
		rev:            s.revs[e.ID],
	}, true
}

// Rollback restores the checkpointed message, but only if exactly one mutation
// happened since the checkpoint. Anything else means server truth arrived in
// between and wins.
func (s *MessageStore) Rollback(tok MessageToken) bool {
	if s.revs[tok.ID] != tok.rev+1 {
		return false
	}
	l := s.log(tok.ConversationID)
	if i := l.find(tok.ID); i >= 0 {
		l.entries[i] = tok.prior.Clone()
	} else {
		delete(s.deleted, tok.ID)
		pos := tok.pos
		if pos > len(l.entries) {
			pos = len(l.entries)
		}
		l.insertAt(pos, tok.prior.Clone())
		s.where[tok.ID] = tok.ConversationID
	}
	s.touch(tok.ID)
	return true
}

// Log returns a snapshot of a conversation's messages, oldest first.
func (s *MessageStore) Log(conversationID string) []Message {
	l, ok := s.logs[conversationID]
	if !ok {
		return nil
	}
	return l.Messages()
}

// Logs exposes the logs read-only to the aggregator.
func (s *MessageStore) Logs() map[string]*MessageLog {
	return s.logs
}

// Lookup returns the message with the given server or local ID.
func (s *MessageStore) Lookup(messageID string) (Message, bool) {
	l, i := s.locate(messageID)
	if i < 0 {
		return Message{}, false
	}
	return l.entries[i].Clone(), true
}

// ConversationOf returns the conversation holding messageID.
func (s *MessageStore) ConversationOf(messageID string) (string, bool) {
	conv, ok := s.where[s.resolve(messageID)]
	return conv, ok
}

// Conversations returns the IDs of every loaded conversation.
func (s *MessageStore) Conversations() []string {
	ids := make([]string, 0, len(s.logs))
	for id := range s.logs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ============================================================================
// helpers
// ============================================================================

func recall(m *Message) {
	m.Recalled = true
	m.Content = RecalledContent
	m.File = nil
}

func addReaction(list []Reaction, r Reaction) []Reaction {
	for _, x := range list {
		if x == r {
			return list
		}
	}
	return append(append([]Reaction(nil), list...), r)
}

func removeReaction(list []Reaction, r Reaction) []Reaction {
	for i, x := range list {
		if x == r {
			out := append([]Reaction(nil), list[:i]...)
			return append(out, list[i+1:]...)
		}
	}
	return list
}

func sameMessage(a, b Message) bool {
	if a.ID != b.ID || a.LocalID != b.LocalID || a.ConversationID != b.ConversationID ||
		a.SenderID != b.SenderID || a.Content != b.Content || a.Kind != b.Kind ||
		!a.CreatedAt.Equal(b.CreatedAt) || a.Status != b.Status || a.Recalled != b.Recalled ||
		a.Pending != b.Pending {
		return false
	}
	if (a.File == nil) != (b.File == nil) || (a.File != nil && *a.File != *b.File) {
		return false
	}
	if len(a.Reactions) != len(b.Reactions) {
		return false
	}
	for i := range a.Reactions {
		if a.Reactions[i] != b.Reactions[i] {
			return false
		}
	}
	return true
}
