package chatsync

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func bobProfile() Profile { return Profile{ID: testPeer, Name: "Bob"} }

func newTestRelationships() *Relationships {
	clock := &fakeClock{testEpoch}
	return NewRelationships(clock.Now)
}

// ============================================================================
// Local transitions
// ============================================================================

func TestSendRequest(t *testing.T) {
	t.Run("creates sent request", func(t *testing.T) {
		r := newTestRelationships()
		tok, ok := r.SendRequest(bobProfile())
		if !ok || tok.IsZero() {
			t.Fatal("expected a token")
		}
		st := r.State(testPeer)
		if st.Sent == nil || st.Sent.Direction != DirectionSent || !st.Sent.CreatedAt.Equal(testEpoch) {
			t.Fatalf("unexpected state: %+v", st)
		}
		if !r.InFlight(testPeer) {
			t.Fatal("expected transition in flight")
		}
	})

	t.Run("refused when already sent", func(t *testing.T) {
		r := newTestRelationships()
		r.SendRequest(bobProfile())
		if _, ok := r.SendRequest(bobProfile()); ok {
			t.Fatal("expected duplicate request to be refused")
		}
	})

	t.Run("refused when already friends", func(t *testing.T) {
		r := newTestRelationships()
		r.LoadSnapshot([]Friend{{Profile: bobProfile()}}, nil, nil)
		if _, ok := r.SendRequest(bobProfile()); ok {
			t.Fatal("expected request to a friend to be refused")
		}
	})

	t.Run("rollback restores exact prior state", func(t *testing.T) {
		r := newTestRelationships()
		received := FriendRequest{Direction: DirectionReceived, Counterpart: bobProfile(), CreatedAt: testEpoch.Add(-time.Hour)}
		r.LoadSnapshot(nil, nil, []FriendRequest{received})
		before := r.State(testPeer)

		tok, _ := r.SendRequest(bobProfile())
		if !r.RollbackRequestSent(tok) {
			t.Fatal("expected rollback to apply")
		}
		if diff := cmp.Diff(before, r.State(testPeer)); diff != "" {
			t.Fatalf("state mismatch (-want +got):\n%s", diff)
		}
		if r.InFlight(testPeer) {
			t.Fatal("expected no transition in flight")
		}
	})

	t.Run("confirm keeps state", func(t *testing.T) {
		r := newTestRelationships()
		tok, _ := r.SendRequest(bobProfile())
		if !r.ConfirmRequestSent(tok) {
			t.Fatal("expected confirm to apply")
		}
		if r.Rollback(tok) {
			t.Fatal("expected rollback of a settled token to be ignored")
		}
		if r.State(testPeer).Sent == nil {
			t.Fatal("expected sent request to stay")
		}
	})
}

func TestStaleTokens(t *testing.T) {
	t.Run("newer transition supersedes", func(t *testing.T) {
		r := newTestRelationships()
		first, _ := r.SendRequest(bobProfile())
		second, _ := r.WithdrawRequest(testPeer)

		if r.Rollback(first) {
			t.Fatal("expected stale token to be ignored")
		}
		if r.State(testPeer).Sent != nil {
			t.Fatal("expected withdraw to hold")
		}
		if !r.Rollback(second) {
			t.Fatal("expected current token to roll back")
		}
		if r.State(testPeer).Sent == nil {
			t.Fatal("expected sent request to be restored")
		}
	})

	t.Run("authoritative delta invalidates", func(t *testing.T) {
		r := newTestRelationships()
		tok, _ := r.SendRequest(bobProfile())
		r.ApplyRequestResponded(bobProfile(), true)

		if r.Rollback(tok) {
			t.Fatal("expected token to be invalidated by the delta")
		}
		st := r.State(testPeer)
		if st.Friend == nil || st.Sent != nil {
			t.Fatalf("expected friendship, got %+v", st)
		}
	})
}

func TestRespondToRequest(t *testing.T) {
	r := newTestRelationships()
	r.ApplyPresence(testPeer, true)
	r.ApplyRequestReceived(bobProfile(), testEpoch)

	tok, ok := r.RespondToRequest(testPeer, true)
	if !ok {
		t.Fatal("expected respond to be accepted")
	}
	st := r.State(testPeer)
	if st.Received != nil || st.Friend == nil || !st.Friend.Online {
		t.Fatalf("unexpected state: %+v", st)
	}

	r.Rollback(tok)
	st = r.State(testPeer)
	if st.Friend != nil || st.Received == nil {
		t.Fatalf("expected received request back, got %+v", st)
	}

	if _, ok := r.RespondToRequest("nobody", false); ok {
		t.Fatal("expected respond without request to be refused")
	}
}

func TestUnfriend(t *testing.T) {
	r := newTestRelationships()
	if _, ok := r.Unfriend(testPeer); ok {
		t.Fatal("expected unfriend of a stranger to be refused")
	}
	r.LoadSnapshot([]Friend{{Profile: bobProfile(), Online: true}}, nil, nil)
	before := r.State(testPeer)

	tok, ok := r.Unfriend(testPeer)
	if !ok {
		t.Fatal("expected unfriend to be accepted")
	}
	if _, ok := r.Friend(testPeer); ok {
		t.Fatal("expected friendship gone")
	}
	r.Rollback(tok)
	if diff := cmp.Diff(before, r.State(testPeer)); diff != "" {
		t.Fatalf("state mismatch (-want +got):\n%s", diff)
	}
}

// ============================================================================
// Authoritative deltas
// ============================================================================

func TestLoadSnapshotRebasesInFlight(t *testing.T) {
	r := newTestRelationships()
	tok, _ := r.SendRequest(bobProfile())

	// Snapshot taken before the backend saw the request.
	carol := Profile{ID: "carol@example.com", Name: "Carol"}
	r.LoadSnapshot(nil, nil, []FriendRequest{{Counterpart: carol, CreatedAt: testEpoch}})

	if r.State(testPeer).Sent == nil {
		t.Fatal("expected in-flight request to survive the snapshot")
	}
	if len(r.ReceivedRequests()) != 1 {
		t.Fatal("expected snapshot requests to load")
	}

	r.Rollback(tok)
	if diff := cmp.Diff(RelationState{}, r.State(testPeer)); diff != "" {
		t.Fatalf("expected rollback to the snapshot state (-want +got):\n%s", diff)
	}
}

func TestPresence(t *testing.T) {
	r := newTestRelationships()
	if r.ApplyPresence(testPeer, true) {
		t.Fatal("expected presence of a stranger to report no change")
	}
	if r.State(testPeer).Friend != nil {
		t.Fatal("presence must not create a friendship")
	}

	r.ApplyFriendAdded(Friend{Profile: bobProfile()})
	f, _ := r.Friend(testPeer)
	if !f.Online {
		t.Fatal("expected remembered presence to apply to the new friend")
	}
	if !r.ApplyPresence(testPeer, false) {
		t.Fatal("expected presence change to report")
	}
}

func TestRequestDeltas(t *testing.T) {
	r := newTestRelationships()
	if !r.ApplyRequestReceived(bobProfile(), testEpoch) {
		t.Fatal("expected request to be recorded")
	}
	if r.ApplyRequestReceived(bobProfile(), testEpoch) {
		t.Fatal("expected duplicate request to be a no-op")
	}
	if !r.ApplyRequestWithdrawn(testPeer) {
		t.Fatal("expected withdraw to remove the request")
	}
	if r.ApplyRequestWithdrawn(testPeer) {
		t.Fatal("expected second withdraw to be a no-op")
	}

	r.SendRequest(bobProfile())
	if !r.ApplyRequestResponded(bobProfile(), false) {
		t.Fatal("expected rejection to remove the sent request")
	}
	if st := r.State(testPeer); st.Sent != nil || st.Friend != nil {
		t.Fatalf("unexpected state after rejection: %+v", st)
	}
}

func TestFriendsOrdering(t *testing.T) {
	r := newTestRelationships()
	r.LoadSnapshot([]Friend{
		{Profile: Profile{ID: "z@example.com", Name: "alice"}},
		{Profile: Profile{ID: "c@example.com"}},
		{Profile: Profile{ID: "a@example.com", Name: "Bob"}},
	}, []FriendRequest{
		{Counterpart: Profile{ID: "old"}, CreatedAt: testEpoch},
		{Counterpart: Profile{ID: "new"}, CreatedAt: testEpoch.Add(time.Hour)},
	}, nil)

	var got []string
	for _, f := range r.Friends() {
		got = append(got, f.ID)
	}
	if diff := cmp.Diff([]string{"z@example.com", "a@example.com", "c@example.com"}, got); diff != "" {
		t.Fatalf("friends order mismatch (-want +got):\n%s", diff)
	}

	sent := r.SentRequests()
	if len(sent) != 2 || sent[0].Counterpart.ID != "new" || sent[0].Direction != DirectionSent {
		t.Fatalf("expected newest sent request first, got %+v", sent)
	}
}
