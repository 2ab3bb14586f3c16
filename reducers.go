package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// reducer merges one inbound socket event. Reducers run on the engine loop.
type reducer func(e *Engine, event string, payload json.RawMessage) error

var reducers = map[string]reducer{
	EventNewMessage:             reduceNewMessage,
	EventNewGroupMessage:        reduceNewMessage,
	EventReactionAdded:          reduceReaction,
	EventReactionRemoved:        reduceReaction,
	EventMessageRecalled:        reduceRecall,
	EventMessageDeleted:         reduceDelete,
	EventMessageRead:            reduceRead,
	EventTyping:                 reduceTyping,
	EventStopTyping:             reduceTyping,
	EventFriendRequestSent:      reduceRequestSent,
	EventFriendRequestWithdrawn: reduceRequestWithdrawn,
	EventFriendRequestResponded: reduceRequestResponded,
	EventFriendAdded:            reduceFriendAdded,
	EventFriendRemoved:          reduceFriendRemoved,
	EventUserOnline:             reducePresence,
	EventUserOffline:            reducePresence,
	EventGroupCreated:           reduceGroup,
	EventGroupJoined:            reduceGroup,
	EventGroupMembersChanged:    reduceGroup,
	EventGroupLeft:              reduceGroupLeft,
}

func (e *Engine) reduce(event string, payload json.RawMessage) {
	r, ok := reducers[event]
	if !ok {
		return
	}
	if err := r(e, event, payload); err != nil {
		if errors.Is(err, ErrMalformedPayload) {
			e.metrics.decodeFailed(event)
		}
		e.logger.Warn("discarding event", "event", event, "error", err)
	}
}

func (e *Engine) conversationsChanged() {
	e.observers.emit(TopicConversations, e.aggregator.Summaries())
}

// ============================================================================
// Messages
// ============================================================================

func reduceNewMessage(e *Engine, event string, payload json.RawMessage) error {
	p, err := decodeEvent[MessagePayload](event, payload)
	if err != nil {
		return err
	}
	if event == EventNewGroupMessage && p.GroupID == "" {
		p.GroupID = p.ConversationID
	}
	conv := p.ConversationKey(e.self.ID)
	m, err := p.Message(conv)
	if err != nil {
		return err
	}

	// A message implies its sender stopped typing.
	e.typing.ObserveRemoteTypingStop(conv, m.SenderID)

	if !e.messages.MergeServerMessage(conv, m) {
		return nil
	}
	e.aggregator.OnNewMessage(conv)
	e.observers.emit(TopicMessages, conv)
	e.conversationsChanged()
	return nil
}

func reduceReaction(e *Engine, event string, payload json.RawMessage) error {
	ev, err := decodeEvent[ReactionEvent](event, payload)
	if err != nil {
		return err
	}
	if ev.MessageID == "" || ev.UserID == "" || ev.Reaction == "" {
		return malformed(event, "reaction without message, user or emoji")
	}
	var changed bool
	if event == EventReactionAdded {
		changed = e.messages.ApplyReaction(ev.MessageID, ev.Reaction, ev.UserID)
	} else {
		changed = e.messages.RemoveReaction(ev.MessageID, ev.Reaction, ev.UserID)
	}
	if changed {
		conv, _ := e.messages.ConversationOf(ev.MessageID)
		e.observers.emit(TopicMessages, conv)
	}
	return nil
}

func reduceRecall(e *Engine, event string, payload json.RawMessage) error {
	ev, err := decodeEvent[MessageRefEvent](event, payload)
	if err != nil {
		return err
	}
	if ev.MessageID == "" {
		return malformed(event, "no message id")
	}
	if !e.messages.ApplyRecall(ev.MessageID) {
		return nil
	}
	conv, _ := e.messages.ConversationOf(ev.MessageID)
	e.aggregator.OnLogChanged(conv)
	e.observers.emit(TopicMessages, conv)
	e.conversationsChanged()
	return nil
}

func reduceDelete(e *Engine, event string, payload json.RawMessage) error {
	ev, err := decodeEvent[MessageRefEvent](event, payload)
	if err != nil {
		return err
	}
	if ev.MessageID == "" {
		return malformed(event, "no message id")
	}
	conv, _ := e.messages.ConversationOf(ev.MessageID)
	if !e.messages.ApplyDelete(ev.MessageID) {
		return nil
	}
	e.aggregator.OnLogChanged(conv)
	e.observers.emit(TopicMessages, conv)
	e.conversationsChanged()
	return nil
}

// reduceRead handles a read receipt for one message, or for every message of
// self in the conversation when no message ID is given.
func reduceRead(e *Engine, event string, payload json.RawMessage) error {
	ev, err := decodeEvent[MessageRefEvent](event, payload)
	if err != nil {
		return err
	}

	var conv string
	changed := false
	switch {
	case ev.MessageID != "":
		conv, _ = e.messages.ConversationOf(ev.MessageID)
		changed = e.messages.MarkRead(ev.MessageID)
	case ev.ConversationID != "":
		conv = ev.ConversationID
		// A peer addresses a direct chat from their side; groups share one ID.
		if ev.UserID != "" && ev.UserID != e.self.ID && !e.isGroup(conv) {
			conv = ev.UserID
		}
		for _, m := range e.messages.Log(conv) {
			if m.SenderID == e.self.ID && !m.Pending && m.Status != StatusRead {
				changed = e.messages.MarkRead(m.ID) || changed
			}
		}
	default:
		return malformed(event, "no message or conversation id")
	}
	if !changed {
		return nil
	}
	e.aggregator.OnRead(conv)
	e.observers.emit(TopicMessages, conv)
	e.conversationsChanged()
	return nil
}

// ============================================================================
// Typing & presence
// ============================================================================

func reduceTyping(e *Engine, event string, payload json.RawMessage) error {
	ev, err := decodeEvent[TypingEvent](event, payload)
	if err != nil {
		return err
	}
	if ev.From == "" {
		return malformed(event, "no sender")
	}
	if ev.From == e.self.ID {
		return nil
	}
	conv := ev.ConversationKey(e.self.ID)
	if event == EventTyping {
		e.typing.ObserveRemoteTypingStart(conv, ev.From)
	} else {
		e.typing.ObserveRemoteTypingStop(conv, ev.From)
	}
	return nil
}

func reducePresence(e *Engine, event string, payload json.RawMessage) error {
	ev, err := decodeEvent[PresenceEvent](event, payload)
	if err != nil {
		return err
	}
	if ev.UserID == "" {
		return malformed(event, "no user id")
	}
	if !e.relations.ApplyPresence(ev.UserID, event == EventUserOnline) {
		return nil
	}
	e.aggregator.OnFriendshipChanged(e.relations.Friends())
	e.observers.emit(TopicRelationships, ev.UserID)
	e.conversationsChanged()
	return nil
}

// ============================================================================
// Relationships
// ============================================================================

func decodeRelation(e *Engine, event string, payload json.RawMessage) (RelationEvent, UserPayload, error) {
	ev, err := decodeEvent[RelationEvent](event, payload)
	if err != nil {
		return ev, UserPayload{}, err
	}
	cp := ev.Counterpart(e.self.ID)
	if cp.ID == "" {
		return ev, cp, malformed(event, "no counterpart")
	}
	return ev, cp, nil
}

func (e *Engine) relationChanged(counterpart string, friendships bool) {
	if friendships {
		e.aggregator.OnFriendshipChanged(e.relations.Friends())
		e.conversationsChanged()
	}
	e.observers.emit(TopicRelationships, counterpart)
}

func reduceRequestSent(e *Engine, event string, payload json.RawMessage) error {
	ev, cp, err := decodeRelation(e, event, payload)
	if err != nil {
		return err
	}
	// Our own request echoed back carries nothing new.
	if ev.From.ID == e.self.ID {
		return nil
	}
	var at time.Time
	if ev.CreatedAt != 0 {
		at = time.UnixMilli(ev.CreatedAt)
	}
	if e.relations.ApplyRequestReceived(cp.profile(), at) {
		e.relationChanged(cp.ID, false)
	}
	return nil
}

func reduceRequestWithdrawn(e *Engine, event string, payload json.RawMessage) error {
	ev, cp, err := decodeRelation(e, event, payload)
	if err != nil {
		return err
	}
	if ev.From.ID == e.self.ID {
		return nil
	}
	if e.relations.ApplyRequestWithdrawn(cp.ID) {
		e.relationChanged(cp.ID, false)
	}
	return nil
}

func reduceRequestResponded(e *Engine, event string, payload json.RawMessage) error {
	ev, cp, err := decodeRelation(e, event, payload)
	if err != nil {
		return err
	}
	if ev.From.ID == e.self.ID {
		return nil
	}
	if e.relations.ApplyRequestResponded(cp.profile(), ev.Accept) {
		e.relationChanged(cp.ID, ev.Accept)
	}
	return nil
}

func reduceFriendAdded(e *Engine, event string, payload json.RawMessage) error {
	_, cp, err := decodeRelation(e, event, payload)
	if err != nil {
		return err
	}
	if e.relations.ApplyFriendAdded(Friend{Profile: cp.profile(), Online: cp.Online}) {
		e.relationChanged(cp.ID, true)
	}
	return nil
}

func reduceFriendRemoved(e *Engine, event string, payload json.RawMessage) error {
	_, cp, err := decodeRelation(e, event, payload)
	if err != nil {
		return err
	}
	if e.relations.ApplyUnfriended(cp.ID) {
		e.relationChanged(cp.ID, true)
	}
	return nil
}

// ============================================================================
// Groups
// ============================================================================

func reduceGroup(e *Engine, event string, payload json.RawMessage) error {
	gp, err := decodeEvent[GroupPayload](event, payload)
	if err != nil {
		return err
	}
	if gp.ID == "" {
		return malformed(event, "no group id")
	}
	g := gp.group()
	if event == EventGroupMembersChanged && g.Name == "" {
		if prev, ok := e.groups[g.ID]; ok {
			g.Name, g.Avatar = prev.Name, prev.Avatar
		}
	}
	e.groups[g.ID] = g
	e.aggregator.OnGroupChanged(g)
	e.observers.emit(TopicGroups, g.ID)
	e.conversationsChanged()
	return nil
}

func reduceGroupLeft(e *Engine, event string, payload json.RawMessage) error {
	ev, err := decodeEvent[GroupRefEvent](event, payload)
	if err != nil {
		return err
	}
	if ev.GroupID == "" {
		return malformed(event, "no group id")
	}
	g, ok := e.groups[ev.GroupID]
	if !ok {
		return nil
	}
	if ev.UserID != "" && ev.UserID != e.self.ID {
		members := g.Members[:0:0]
		for _, m := range g.Members {
			if m != ev.UserID {
				members = append(members, m)
			}
		}
		g.Members = members
		e.groups[g.ID] = g
		e.observers.emit(TopicGroups, g.ID)
		return nil
	}
	delete(e.groups, ev.GroupID)
	e.aggregator.OnGroupRemoved(ev.GroupID)
	e.observers.emit(TopicGroups, ev.GroupID)
	e.conversationsChanged()
	return nil
}

func malformed(event, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedPayload, event, reason)
}
