package chatsync

import (
	"sort"
	"time"
)

const (
	ImagePreview    = "[Image]"
	FilePreview     = "[File]"
	RecalledPreview = "[Message recalled]"
)

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	ID     string
	Kind   ConversationKind
	Name   string
	Avatar string
	// Friend is false for personal conversations with a non-friend peer.
	Friend bool
	Online bool

	HasMessages   bool
	LastMessageID string
	LastSenderID  string
	LastAt        time.Time
	Preview       string
	Unread        int
}

// Aggregator derives the conversation list from friendships, groups and
// message logs. It only reads the logs. Not safe for concurrent use.
type Aggregator struct {
	self    string
	logs    map[string]*MessageLog
	groups  map[string]Group
	entries []ConversationSummary
}

// NewAggregator creates an empty aggregator for self.
func NewAggregator(self string) *Aggregator {
	return &Aggregator{
		self:   self,
		logs:   map[string]*MessageLog{},
		groups: map[string]Group{},
	}
}

// Rebuild recomputes every entry: one per friend, per group, and per non-friend
// peer with messages.
func (a *Aggregator) Rebuild(friends []Friend, groups []Group, logs map[string]*MessageLog) []ConversationSummary {
	a.logs = logs
	a.groups = make(map[string]Group, len(groups))
	a.entries = a.entries[:0]

	seen := make(map[string]bool)
	for _, f := range friends {
		seen[f.ID] = true
		a.entries = append(a.entries, a.fresh(friendEntry(f)))
	}
	for _, g := range groups {
		a.groups[g.ID] = g
		seen[g.ID] = true
		a.entries = append(a.entries, a.fresh(groupEntry(g)))
	}

	var peers []string
	for id, l := range logs {
		if !seen[id] && l.Len() > 0 {
			peers = append(peers, id)
		}
	}
	sort.Strings(peers)
	for _, id := range peers {
		a.entries = append(a.entries, a.fresh(peerEntry(id)))
	}

	a.reorder()
	return a.Summaries()
}

// OnNewMessage refreshes the conversation's last message and unread count,
// creating a peer entry if needed.
func (a *Aggregator) OnNewMessage(conversationID string) {
	i := a.index(conversationID)
	if i < 0 {
		l, ok := a.logs[conversationID]
		if !ok || l.Len() == 0 {
			return
		}
		e := peerEntry(conversationID)
		if g, ok := a.groups[conversationID]; ok {
			e = groupEntry(g)
		}
		a.entries = append(a.entries, e)
		i = len(a.entries) - 1
	}
	a.refreshLast(&a.entries[i])
	a.refreshUnread(&a.entries[i])
	a.reorder()
}

// OnRead recomputes the conversation's unread count.
func (a *Aggregator) OnRead(conversationID string) {
	if i := a.index(conversationID); i >= 0 {
		a.refreshUnread(&a.entries[i])
	}
}

// OnLogChanged refreshes the last-message preview after a recall, delete or
// history merge. Unread counts are left alone.
func (a *Aggregator) OnLogChanged(conversationID string) {
	i := a.index(conversationID)
	if i < 0 {
		a.OnNewMessage(conversationID)
		return
	}
	a.refreshLast(&a.entries[i])
	if !a.entries[i].Friend && a.entries[i].Kind == ConversationPersonal && !a.entries[i].HasMessages {
		a.entries = append(a.entries[:i], a.entries[i+1:]...)
	}
	a.reorder()
}

// OnFriendshipChanged reconciles personal entries with the current friendships.
// Former friends without messages disappear; former friends with messages stay
// as peer entries.
func (a *Aggregator) OnFriendshipChanged(friends []Friend) {
	byID := make(map[string]Friend, len(friends))
	for _, f := range friends {
		byID[f.ID] = f
	}

	kept := a.entries[:0]
	for _, e := range a.entries {
		if e.Kind == ConversationPersonal {
			if f, ok := byID[e.ID]; ok {
				e.Name, e.Avatar, e.Online, e.Friend = displayName(f.Profile), f.Avatar, f.Online, true
				delete(byID, e.ID)
			} else {
				if !e.HasMessages {
					continue
				}
				e.Name, e.Avatar, e.Online, e.Friend = e.ID, "", false, false
			}
		}
		kept = append(kept, e)
	}
	a.entries = kept

	for _, f := range friends {
		if _, added := byID[f.ID]; added {
			a.entries = append(a.entries, a.fresh(friendEntry(f)))
		}
	}
	a.reorder()
}

// OnGroupChanged inserts or updates a group entry.
func (a *Aggregator) OnGroupChanged(g Group) {
	a.groups[g.ID] = g
	if i := a.index(g.ID); i >= 0 {
		a.entries[i].Name, a.entries[i].Avatar, a.entries[i].Kind = g.Name, g.Avatar, ConversationGroup
	} else {
		a.entries = append(a.entries, a.fresh(groupEntry(g)))
	}
	a.reorder()
}

// OnGroupRemoved drops a group entry.
func (a *Aggregator) OnGroupRemoved(groupID string) {
	delete(a.groups, groupID)
	if i := a.index(groupID); i >= 0 {
		a.entries = append(a.entries[:i], a.entries[i+1:]...)
	}
}

// Summaries returns a copy of the current list.
func (a *Aggregator) Summaries() []ConversationSummary {
	return append([]ConversationSummary(nil), a.entries...)
}

// Summary returns one entry.
func (a *Aggregator) Summary(conversationID string) (ConversationSummary, bool) {
	if i := a.index(conversationID); i >= 0 {
		return a.entries[i], true
	}
	return ConversationSummary{}, false
}

// Kind tells whether conversationID is a known group.
func (a *Aggregator) Kind(conversationID string) ConversationKind {
	if _, ok := a.groups[conversationID]; ok {
		return ConversationGroup
	}
	return ConversationPersonal
}

func (a *Aggregator) index(id string) int {
	for i := range a.entries {
		if a.entries[i].ID == id {
			return i
		}
	}
	return -1
}

func (a *Aggregator) fresh(e ConversationSummary) ConversationSummary {
	a.refreshLast(&e)
	a.refreshUnread(&e)
	return e
}

func (a *Aggregator) refreshLast(e *ConversationSummary) {
	l, ok := a.logs[e.ID]
	var last Message
	if ok {
		last, ok = l.Last()
	}
	if !ok {
		e.HasMessages, e.LastMessageID, e.LastSenderID, e.LastAt, e.Preview = false, "", "", time.Time{}, ""
		return
	}
	e.HasMessages = true
	e.LastMessageID = last.ID
	e.LastSenderID = last.SenderID
	e.LastAt = last.CreatedAt
	e.Preview = Preview(last)
}

func (a *Aggregator) refreshUnread(e *ConversationSummary) {
	if l, ok := a.logs[e.ID]; ok {
		e.Unread = l.Unread(a.self)
	} else {
		e.Unread = 0
	}
}

// reorder sorts by last message time, newest first. Entries without messages go
// last; ties keep their relative order.
func (a *Aggregator) reorder() {
	sort.SliceStable(a.entries, func(i, j int) bool {
		ei, ej := &a.entries[i], &a.entries[j]
		if ei.HasMessages != ej.HasMessages {
			return ei.HasMessages
		}
		return ei.LastAt.After(ej.LastAt)
	})
}

// Preview renders a one-line summary of m.
func Preview(m Message) string {
	if m.Recalled {
		return RecalledPreview
	}
	switch m.Kind {
	case KindImage:
		return ImagePreview
	case KindFile:
		name := ""
		if m.File != nil {
			name = m.File.Name
		}
		return FilePreview + " " + name
	default:
		return m.Content
	}
}

func friendEntry(f Friend) ConversationSummary {
	return ConversationSummary{
		ID:     f.ID,
		Kind:   ConversationPersonal,
		Name:   displayName(f.Profile),
		Avatar: f.Avatar,
		Friend: true,
		Online: f.Online,
	}
}

func groupEntry(g Group) ConversationSummary {
	name := g.Name
	if name == "" {
		name = g.ID
	}
	return ConversationSummary{ID: g.ID, Kind: ConversationGroup, Name: name, Avatar: g.Avatar}
}

func peerEntry(id string) ConversationSummary {
	return ConversationSummary{ID: id, Kind: ConversationPersonal, Name: id}
}
