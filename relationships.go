package chatsync

import (
	"sort"
	"strings"
	"time"
)

// RelationState is everything known about one counterpart. nil means absent.
type RelationState struct {
	Friend   *Friend
	Sent     *FriendRequest
	Received *FriendRequest
}

func (s RelationState) clone() RelationState {
	if s.Friend != nil {
		f := *s.Friend
		s.Friend = &f
	}
	if s.Sent != nil {
		r := *s.Sent
		s.Sent = &r
	}
	if s.Received != nil {
		r := *s.Received
		s.Received = &r
	}
	return s
}

// Token identifies one optimistic relationship transition.
type Token struct {
	Counterpart string
	seq         uint64
}

// IsZero reports whether t was never issued.
func (t Token) IsZero() bool { return t.seq == 0 }

type transition struct {
	token  Token
	prior  RelationState
	mutate func(*RelationState)
}

// Relationships owns friendships and pending friend requests. Local transitions
// mutate immediately and return a Token; only the newest token of a counterpart
// may confirm or roll back, and any authoritative delta for that counterpart
// invalidates it. Not safe for concurrent use.
type Relationships struct {
	friends  map[string]Friend
	sent     map[string]FriendRequest
	received map[string]FriendRequest
	presence map[string]bool
	inflight map[string]*transition
	seq      uint64
	now      func() time.Time
}

// NewRelationships creates an empty state machine. now may be nil.
func NewRelationships(now func() time.Time) *Relationships {
	if now == nil {
		now = time.Now
	}
	r := &Relationships{now: now}
	r.Clear()
	return r
}

// Clear drops all state, including in-flight transitions.
func (r *Relationships) Clear() {
	r.friends = make(map[string]Friend)
	r.sent = make(map[string]FriendRequest)
	r.received = make(map[string]FriendRequest)
	r.presence = make(map[string]bool)
	r.inflight = make(map[string]*transition)
}

// State returns a copy of the counterpart's state.
func (r *Relationships) State(counterpart string) RelationState {
	var st RelationState
	if f, ok := r.friends[counterpart]; ok {
		st.Friend = &f
	}
	if req, ok := r.sent[counterpart]; ok {
		st.Sent = &req
	}
	if req, ok := r.received[counterpart]; ok {
		st.Received = &req
	}
	return st
}

func (r *Relationships) set(counterpart string, st RelationState) {
	if st.Friend != nil {
		r.friends[counterpart] = *st.Friend
	} else {
		delete(r.friends, counterpart)
	}
	if st.Sent != nil {
		r.sent[counterpart] = *st.Sent
	} else {
		delete(r.sent, counterpart)
	}
	if st.Received != nil {
		r.received[counterpart] = *st.Received
	} else {
		delete(r.received, counterpart)
	}
}

func (r *Relationships) begin(counterpart string, mutate func(*RelationState)) Token {
	prior := r.State(counterpart)
	next := prior.clone()
	mutate(&next)
	r.set(counterpart, next)

	r.seq++
	tok := Token{Counterpart: counterpart, seq: r.seq}
	r.inflight[counterpart] = &transition{token: tok, prior: prior, mutate: mutate}
	return tok
}

func (r *Relationships) current(tok Token) (*transition, bool) {
	t, ok := r.inflight[tok.Counterpart]
	if !ok || t.token != tok {
		return nil, false
	}
	return t, true
}

// Confirm settles a transition. Stale tokens are ignored.
func (r *Relationships) Confirm(tok Token) bool {
	if _, ok := r.current(tok); !ok {
		return false
	}
	delete(r.inflight, tok.Counterpart)
	return true
}

// Rollback restores the state the transition started from. Stale tokens are
// ignored.
func (r *Relationships) Rollback(tok Token) bool {
	t, ok := r.current(tok)
	if !ok {
		return false
	}
	r.set(tok.Counterpart, t.prior.clone())
	delete(r.inflight, tok.Counterpart)
	return true
}

// ConfirmRequestSent confirms a SendRequest token.
func (r *Relationships) ConfirmRequestSent(tok Token) bool { return r.Confirm(tok) }

// RollbackRequestSent rolls back a SendRequest token.
func (r *Relationships) RollbackRequestSent(tok Token) bool { return r.Rollback(tok) }

// InFlight reports whether counterpart has an unsettled local transition.
func (r *Relationships) InFlight(counterpart string) bool {
	_, ok := r.inflight[counterpart]
	return ok
}

// ============================================================================
// Local transitions
// ============================================================================

// SendRequest records a sent-pending request. It is refused if one already
// exists or the counterpart is already a friend.
func (r *Relationships) SendRequest(counterpart Profile) (Token, bool) {
	if _, ok := r.sent[counterpart.ID]; ok {
		return Token{}, false
	}
	if _, ok := r.friends[counterpart.ID]; ok {
		return Token{}, false
	}
	at := r.now()
	return r.begin(counterpart.ID, func(st *RelationState) {
		st.Sent = &FriendRequest{Direction: DirectionSent, Counterpart: counterpart, CreatedAt: at}
	}), true
}

// WithdrawRequest removes a sent-pending request.
func (r *Relationships) WithdrawRequest(counterpart string) (Token, bool) {
	if _, ok := r.sent[counterpart]; !ok {
		return Token{}, false
	}
	return r.begin(counterpart, func(st *RelationState) {
		st.Sent = nil
	}), true
}

// RespondToRequest settles a received-pending request; accepting creates the
// friendship.
func (r *Relationships) RespondToRequest(counterpart string, accept bool) (Token, bool) {
	req, ok := r.received[counterpart]
	if !ok {
		return Token{}, false
	}
	online := r.presence[counterpart]
	return r.begin(counterpart, func(st *RelationState) {
		st.Received = nil
		if accept {
			st.Friend = &Friend{Profile: req.Counterpart, Online: online}
			st.Sent = nil
		}
	}), true
}

// Unfriend destroys a friendship.
func (r *Relationships) Unfriend(counterpart string) (Token, bool) {
	if _, ok := r.friends[counterpart]; !ok {
		return Token{}, false
	}
	return r.begin(counterpart, func(st *RelationState) {
		st.Friend = nil
	}), true
}

// ============================================================================
// Authoritative deltas
// ============================================================================

// LoadSnapshot replaces all state with server truth, then re-applies in-flight
// local transitions on top, rebasing their rollback point onto the snapshot.
func (r *Relationships) LoadSnapshot(friends []Friend, sent, received []FriendRequest) {
	r.friends = make(map[string]Friend, len(friends))
	r.sent = make(map[string]FriendRequest, len(sent))
	r.received = make(map[string]FriendRequest, len(received))
	for _, f := range friends {
		r.friends[f.ID] = f
		r.presence[f.ID] = f.Online
	}
	for _, req := range sent {
		req.Direction = DirectionSent
		r.sent[req.Counterpart.ID] = req
	}
	for _, req := range received {
		req.Direction = DirectionReceived
		r.received[req.Counterpart.ID] = req
	}

	for cp, t := range r.inflight {
		t.prior = r.State(cp)
		next := t.prior.clone()
		t.mutate(&next)
		r.set(cp, next)
	}
}

func (r *Relationships) invalidate(counterpart string) {
	delete(r.inflight, counterpart)
}

// ApplyPresence updates a friend's online flag. It never creates a friendship.
func (r *Relationships) ApplyPresence(counterpart string, online bool) bool {
	r.presence[counterpart] = online
	f, ok := r.friends[counterpart]
	if !ok || f.Online == online {
		return false
	}
	f.Online = online
	r.friends[counterpart] = f
	return true
}

// ApplyFriendAdded records a friendship and clears pending requests with the
// counterpart.
func (r *Relationships) ApplyFriendAdded(friend Friend) bool {
	r.invalidate(friend.ID)
	if !friend.Online {
		friend.Online = r.presence[friend.ID]
	}
	prior := r.State(friend.ID)
	r.set(friend.ID, RelationState{Friend: &friend})
	return prior.Friend == nil || *prior.Friend != friend || prior.Sent != nil || prior.Received != nil
}

// ApplyUnfriended removes a friendship.
func (r *Relationships) ApplyUnfriended(counterpart string) bool {
	r.invalidate(counterpart)
	if _, ok := r.friends[counterpart]; !ok {
		return false
	}
	delete(r.friends, counterpart)
	return true
}

// ApplyRequestReceived records a received-pending request.
func (r *Relationships) ApplyRequestReceived(from Profile, at time.Time) bool {
	r.invalidate(from.ID)
	if _, ok := r.friends[from.ID]; ok {
		return false
	}
	if at.IsZero() {
		at = r.now()
	}
	prev, had := r.received[from.ID]
	req := FriendRequest{Direction: DirectionReceived, Counterpart: from, CreatedAt: at}
	if had && prev.Counterpart == from {
		return false
	}
	r.received[from.ID] = req
	return true
}

// ApplyRequestWithdrawn removes a received-pending request the counterpart
// withdrew.
func (r *Relationships) ApplyRequestWithdrawn(counterpart string) bool {
	r.invalidate(counterpart)
	if _, ok := r.received[counterpart]; !ok {
		return false
	}
	delete(r.received, counterpart)
	return true
}

// ApplyRequestResponded settles a sent-pending request the counterpart
// answered.
func (r *Relationships) ApplyRequestResponded(counterpart Profile, accept bool) bool {
	if accept {
		return r.ApplyFriendAdded(Friend{Profile: counterpart})
	}
	r.invalidate(counterpart.ID)
	if _, ok := r.sent[counterpart.ID]; !ok {
		return false
	}
	delete(r.sent, counterpart.ID)
	return true
}

// ============================================================================
// Queries
// ============================================================================

// Friend returns the friendship with counterpart.
func (r *Relationships) Friend(counterpart string) (Friend, bool) {
	f, ok := r.friends[counterpart]
	return f, ok
}

// Friends returns all friendships ordered by display name.
func (r *Relationships) Friends() []Friend {
	out := make([]Friend, 0, len(r.friends))
	for _, f := range r.friends {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(displayName(out[i].Profile)), strings.ToLower(displayName(out[j].Profile))
		if a != b {
			return a < b
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SentRequests returns sent-pending requests, newest first.
func (r *Relationships) SentRequests() []FriendRequest {
	return sortedRequests(r.sent)
}

// ReceivedRequests returns received-pending requests, newest first.
func (r *Relationships) ReceivedRequests() []FriendRequest {
	return sortedRequests(r.received)
}

func sortedRequests(m map[string]FriendRequest) []FriendRequest {
	out := make([]FriendRequest, 0, len(m))
	for _, req := range m {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Counterpart.ID < out[j].Counterpart.ID
	})
	return out
}

func displayName(p Profile) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}
