package chatsync

import (
	"context"
	"errors"
	"fmt"
)

// errNothingToDo refuses an action whose optimistic mutation would change nothing.
var errNothingToDo = errors.New("nothing to do")

// submit enqueues a on the loop. A refused action returns its Apply error.
func (e *Engine) submit(ctx context.Context, a *Action) error {
	var err error
	if derr := e.do(ctx, func() { err = e.actions.Enqueue(a) }); derr != nil {
		return derr
	}
	return err
}

// actionSettled runs on the loop after Commit or Rollback.
func (e *Engine) actionSettled(a *Action) {
	e.observers.emit(TopicAction, a)
	if a.State == ActionFailed {
		e.notice(actionFailedNotice(a, e.config.Now()))
	}
}

// emitMirror tells the other side about a confirmed local action. It runs off
// the loop; a failed emit is only logged, the backend already has the change.
func (e *Engine) emitMirror(event string, payload interface{}) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.config.EmitTimeout)
		defer cancel()
		if err := e.transport.Emit(ctx, event, payload); err != nil {
			e.logger.Debug("mirror emit failed", "event", event, "error", err)
		}
	}()
}

func (e *Engine) selfPayload() UserPayload {
	return UserPayload{ID: e.self.ID, Name: e.self.Name}
}

func (e *Engine) isGroup(conversationID string) bool {
	_, ok := e.groups[conversationID]
	return ok
}

func (e *Engine) messageEvent(conversationID string) string {
	if e.isGroup(conversationID) {
		return EventNewGroupMessage
	}
	return EventNewMessage
}

// mirrorPayload addresses p to the conversation as the counterpart sees it.
func (e *Engine) mirrorPayload(conversationID string, p MessagePayload) MessagePayload {
	p.SenderID = e.self.ID
	if e.isGroup(conversationID) {
		p.GroupID = conversationID
	} else {
		p.ReceiverID = conversationID
	}
	return p
}

func rejected(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
}

// ============================================================================
// Message actions
// ============================================================================

// Send appends an optimistic message and sends it. It returns the local ID the
// entry carries until the backend acknowledges it.
func (e *Engine) Send(ctx context.Context, conversationID string, draft Draft) (string, error) {
	if conversationID == "" {
		return "", rejected("no conversation")
	}
	if draft.Kind == "" {
		draft.Kind = KindText
	}
	if draft.Kind == KindText && draft.Content == "" {
		return "", rejected("empty message")
	}

	var localID string
	opts := &SendOptions{Content: draft.Content, Type: string(draft.Kind)}
	if draft.File != nil {
		opts.FileName, opts.FileSize, opts.MimeType = draft.File.Name, draft.File.Size, draft.File.MimeType
	}

	a := &Action{
		Kind:   ActionSend,
		Target: conversationID,
		Apply: func() error {
			localID = e.messages.AppendOptimistic(conversationID, draft)
			opts.ClientID = localID
			e.aggregator.OnNewMessage(conversationID)
			e.observers.emit(TopicMessages, conversationID)
			e.conversationsChanged()
			return nil
		},
		Remote: func(ctx context.Context) (interface{}, error) {
			return e.backend.SendMessage(ctx, conversationID, opts)
		},
	}
	a.Commit = func(result interface{}) { e.confirmSend(conversationID, localID, result) }
	a.Rollback = func(error) { e.failSend(conversationID, localID) }

	if err := e.submit(ctx, a); err != nil {
		return "", err
	}
	return localID, nil
}

func (e *Engine) confirmSend(conversationID, localID string, result interface{}) {
	p, ok := result.(*MessagePayload)
	if !ok || p == nil {
		e.logger.Warn("send acknowledged without message", "local_id", localID)
		return
	}
	m, err := p.Message(conversationID)
	if err != nil {
		e.metrics.decodeFailed("send")
		e.logger.Warn("send acknowledged with malformed message", "local_id", localID, "error", err)
		return
	}
	if e.messages.Confirm(localID, m) {
		e.aggregator.OnNewMessage(conversationID)
		e.observers.emit(TopicMessages, conversationID)
		e.conversationsChanged()
	}
	mirror := *p
	mirror.ClientID = localID
	e.emitMirror(e.messageEvent(conversationID), e.mirrorPayload(conversationID, mirror))
}

func (e *Engine) failSend(conversationID, localID string) {
	if e.messages.Fail(localID) {
		e.aggregator.OnLogChanged(conversationID)
		e.observers.emit(TopicMessages, conversationID)
		e.conversationsChanged()
	}
}

// Forward copies a message into another conversation.
func (e *Engine) Forward(ctx context.Context, messageID, targetConversationID string) (string, error) {
	var localID string
	a := &Action{
		Kind:   ActionForward,
		Target: targetConversationID,
		Apply: func() error {
			src, ok := e.messages.Lookup(messageID)
			if !ok {
				return rejected("unknown message %s", messageID)
			}
			if src.Pending || src.Recalled {
				return rejected("message %s cannot be forwarded", messageID)
			}
			messageID = src.ID
			localID = e.messages.AppendOptimistic(targetConversationID, Draft{Content: src.Content, Kind: src.Kind, File: src.File})
			e.aggregator.OnNewMessage(targetConversationID)
			e.observers.emit(TopicMessages, targetConversationID)
			e.conversationsChanged()
			return nil
		},
		Remote: func(ctx context.Context) (interface{}, error) {
			return e.backend.ForwardMessage(ctx, messageID, targetConversationID, localID)
		},
	}
	a.Commit = func(result interface{}) { e.confirmSend(targetConversationID, localID, result) }
	a.Rollback = func(error) { e.failSend(targetConversationID, localID) }

	if err := e.submit(ctx, a); err != nil {
		return "", err
	}
	return localID, nil
}

// messageAction builds an action that mutates one existing message and rolls
// back through a checkpoint.
func (e *Engine) messageAction(kind ActionKind, messageID string, mutate func(m Message) (bool, error),
	remote func(ctx context.Context, serverID string) error, mirror func(serverID, conv string) (string, interface{})) *Action {

	var (
		tok  MessageToken
		conv string
	)
	a := &Action{Kind: kind, Target: messageID}
	a.Apply = func() error {
		m, ok := e.messages.Lookup(messageID)
		if !ok {
			return rejected("unknown message %s", messageID)
		}
		if m.Pending {
			return rejected("message %s is not yet acknowledged", messageID)
		}
		tok, _ = e.messages.Checkpoint(m.ID)
		conv = tok.ConversationID
		a.Target = m.ID
		changed, err := mutate(m)
		if err != nil {
			return err
		}
		if changed {
			e.aggregator.OnLogChanged(conv)
			e.observers.emit(TopicMessages, conv)
			e.conversationsChanged()
		}
		return nil
	}
	a.Remote = func(ctx context.Context) (interface{}, error) {
		return nil, remote(ctx, a.Target)
	}
	a.Commit = func(interface{}) {
		if mirror != nil {
			event, payload := mirror(a.Target, conv)
			e.emitMirror(event, payload)
		}
	}
	a.Rollback = func(error) {
		if e.messages.Rollback(tok) {
			e.aggregator.OnLogChanged(conv)
			e.observers.emit(TopicMessages, conv)
			e.conversationsChanged()
		}
	}
	return a
}

// Recall replaces one of the user's messages with a recalled tombstone.
func (e *Engine) Recall(ctx context.Context, messageID string) error {
	a := e.messageAction(ActionRecall, messageID,
		func(m Message) (bool, error) {
			if m.SenderID != e.self.ID {
				return false, rejected("only the sender can recall %s", m.ID)
			}
			if m.Recalled {
				return false, rejected("message %s already recalled", m.ID)
			}
			return e.messages.ApplyRecall(m.ID), nil
		},
		e.backend.Recall,
		func(id, conv string) (string, interface{}) {
			return EventMessageRecalled, MessageRefEvent{MessageID: id, ConversationID: conv, UserID: e.self.ID}
		})
	return e.submit(ctx, a)
}

// Delete removes a message.
func (e *Engine) Delete(ctx context.Context, messageID string) error {
	a := e.messageAction(ActionDelete, messageID,
		func(m Message) (bool, error) {
			return e.messages.ApplyDelete(m.ID), nil
		},
		e.backend.DeleteMessage,
		func(id, conv string) (string, interface{}) {
			return EventMessageDeleted, MessageRefEvent{MessageID: id, ConversationID: conv, UserID: e.self.ID}
		})
	return e.submit(ctx, a)
}

// React adds the user's reaction to a message.
func (e *Engine) React(ctx context.Context, messageID, emoji string) error {
	if emoji == "" {
		return rejected("empty reaction")
	}
	a := e.messageAction(ActionReact, messageID,
		func(m Message) (bool, error) {
			if !e.messages.ApplyReaction(m.ID, emoji, e.self.ID) {
				return false, rejected("reaction already present")
			}
			return true, nil
		},
		func(ctx context.Context, id string) error { return e.backend.React(ctx, id, emoji) },
		func(id, conv string) (string, interface{}) {
			return EventReactionAdded, ReactionEvent{MessageID: id, ConversationID: conv, UserID: e.self.ID, Reaction: emoji}
		})
	return e.submit(ctx, a)
}

// MarkConversationRead marks every incoming unread message as read. A
// conversation with nothing unread is left alone.
func (e *Engine) MarkConversationRead(ctx context.Context, conversationID string) error {
	var (
		ids  []string
		toks []MessageToken
	)
	a := &Action{
		Kind:   ActionMarkRead,
		Target: conversationID,
		Apply: func() error {
			for _, m := range e.messages.Log(conversationID) {
				if m.SenderID == e.self.ID || m.Pending || m.Status == StatusRead {
					continue
				}
				if tok, ok := e.messages.Checkpoint(m.ID); ok {
					toks = append(toks, tok)
				}
			}
			ids = e.messages.MarkConversationRead(conversationID)
			if len(ids) == 0 {
				return errNothingToDo
			}
			e.aggregator.OnRead(conversationID)
			e.observers.emit(TopicMessages, conversationID)
			e.conversationsChanged()
			return nil
		},
		Remote: func(ctx context.Context) (interface{}, error) {
			// The backend acknowledges read receipts one message at a time.
			for _, id := range ids {
				if err := e.backend.MarkRead(ctx, id); err != nil {
					return nil, err
				}
			}
			return nil, nil
		},
		Commit: func(interface{}) {
			for _, id := range ids {
				e.emitMirror(EventMessageRead, MessageRefEvent{MessageID: id, ConversationID: conversationID, UserID: e.self.ID})
			}
		},
		Rollback: func(error) {
			changed := false
			for _, tok := range toks {
				changed = e.messages.Rollback(tok) || changed
			}
			if changed {
				e.aggregator.OnRead(conversationID)
				e.observers.emit(TopicMessages, conversationID)
				e.conversationsChanged()
			}
		},
	}
	if err := e.submit(ctx, a); !errors.Is(err, errNothingToDo) {
		return err
	}
	return nil
}

// ============================================================================
// Relationship actions
// ============================================================================

// relationAction wires a Relationships transition to its remote call.
func (e *Engine) relationAction(kind ActionKind, counterpart string, begin func() (Token, bool),
	remote func(ctx context.Context) error, mirror func() (string, interface{})) *Action {

	var tok Token
	friendships := kind == ActionRespond || kind == ActionUnfriend
	return &Action{
		Kind:   kind,
		Target: counterpart,
		Apply: func() error {
			var ok bool
			if tok, ok = begin(); !ok {
				return rejected("%s not possible for %s", kind, counterpart)
			}
			e.relationChanged(counterpart, friendships)
			return nil
		},
		Remote: func(ctx context.Context) (interface{}, error) {
			return nil, remote(ctx)
		},
		Commit: func(interface{}) {
			e.relations.Confirm(tok)
			event, payload := mirror()
			e.emitMirror(event, payload)
		},
		Rollback: func(error) {
			if e.relations.Rollback(tok) {
				e.relationChanged(counterpart, friendships)
			}
		},
	}
}

// SendFriendRequest sends a friend request to counterpart.
func (e *Engine) SendFriendRequest(ctx context.Context, counterpart Profile) error {
	if counterpart.ID == "" || counterpart.ID == e.self.ID {
		return rejected("invalid counterpart %q", counterpart.ID)
	}
	a := e.relationAction(ActionFriendRequest, counterpart.ID,
		func() (Token, bool) { return e.relations.SendRequest(counterpart) },
		func(ctx context.Context) error { return e.backend.SendFriendRequest(ctx, counterpart.ID) },
		func() (string, interface{}) {
			return EventFriendRequestSent, RelationEvent{From: e.selfPayload(), To: UserPayload{ID: counterpart.ID}, CreatedAt: e.config.Now().UnixMilli()}
		})
	return e.submit(ctx, a)
}

// WithdrawFriendRequest withdraws a sent friend request.
func (e *Engine) WithdrawFriendRequest(ctx context.Context, counterpart string) error {
	a := e.relationAction(ActionWithdraw, counterpart,
		func() (Token, bool) { return e.relations.WithdrawRequest(counterpart) },
		func(ctx context.Context) error { return e.backend.WithdrawFriendRequest(ctx, counterpart) },
		func() (string, interface{}) {
			return EventFriendRequestWithdrawn, RelationEvent{From: e.selfPayload(), To: UserPayload{ID: counterpart}}
		})
	return e.submit(ctx, a)
}

// RespondFriendRequest accepts or rejects a received friend request.
func (e *Engine) RespondFriendRequest(ctx context.Context, counterpart string, accept bool) error {
	a := e.relationAction(ActionRespond, counterpart,
		func() (Token, bool) { return e.relations.RespondToRequest(counterpart, accept) },
		func(ctx context.Context) error { return e.backend.RespondFriendRequest(ctx, counterpart, accept) },
		func() (string, interface{}) {
			return EventFriendRequestResponded, RelationEvent{From: e.selfPayload(), To: UserPayload{ID: counterpart}, Accept: accept}
		})
	return e.submit(ctx, a)
}

// Unfriend ends a friendship.
func (e *Engine) Unfriend(ctx context.Context, counterpart string) error {
	a := e.relationAction(ActionUnfriend, counterpart,
		func() (Token, bool) { return e.relations.Unfriend(counterpart) },
		func(ctx context.Context) error { return e.backend.Unfriend(ctx, counterpart) },
		func() (string, interface{}) {
			return EventFriendRemoved, RelationEvent{From: e.selfPayload(), To: UserPayload{ID: counterpart}}
		})
	return e.submit(ctx, a)
}

// ============================================================================
// Typing
// ============================================================================

// StartTyping records a keystroke in the conversation.
func (e *Engine) StartTyping(ctx context.Context, conversationID string) error {
	return e.do(ctx, func() {
		e.typing.StartTyping(conversationID, e.typingCounterpart(conversationID))
	})
}

// StopTyping ends the local typing signal, e.g. when the message is sent.
func (e *Engine) StopTyping(ctx context.Context, conversationID string) error {
	return e.do(ctx, func() {
		e.typing.StopTyping(conversationID, e.typingCounterpart(conversationID))
	})
}

func (e *Engine) typingCounterpart(conversationID string) string {
	if e.isGroup(conversationID) {
		return ""
	}
	return conversationID
}

func (e *Engine) emitTyping(sig TypingSignal) {
	ev := TypingEvent{From: e.self.ID, To: sig.Counterpart}
	if sig.Counterpart == "" {
		ev.GroupID = sig.ConversationID
	}
	e.emitMirror(sig.Event, ev)
}
