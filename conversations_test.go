package chatsync

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func summaryIDs(list []ConversationSummary) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.ID
	}
	return out
}

func TestAggregatorRebuild(t *testing.T) {
	s := newTestStore(&fakeClock{testEpoch})
	s.MergeServerMessage(testPeer, serverMsg("m1", testPeer, "old", testEpoch))
	s.MergeServerMessage("team", serverMsg("m2", "carol@example.com", "newer", testEpoch.Add(time.Minute)))
	s.MergeServerMessage("stranger@example.com", serverMsg("m3", "stranger@example.com", "hey", testEpoch.Add(30*time.Second)))

	a := NewAggregator(testSelf)
	got := a.Rebuild(
		[]Friend{{Profile: bobProfile(), Online: true}, {Profile: Profile{ID: "quiet@example.com"}}},
		[]Group{{ID: "team", Name: "Team"}},
		s.Logs(),
	)

	want := []string{"team", "stranger@example.com", testPeer, "quiet@example.com"}
	if diff := cmp.Diff(want, summaryIDs(got)); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}

	bob, _ := a.Summary(testPeer)
	if !bob.Friend || !bob.Online || bob.Name != "Bob" || bob.Unread != 1 || bob.Preview != "old" {
		t.Fatalf("unexpected friend entry: %+v", bob)
	}
	stranger, _ := a.Summary("stranger@example.com")
	if stranger.Friend || stranger.Kind != ConversationPersonal {
		t.Fatalf("unexpected peer entry: %+v", stranger)
	}
	if a.Kind("team") != ConversationGroup {
		t.Fatal("expected team to be a group")
	}
}

func TestAggregatorOnNewMessage(t *testing.T) {
	s := newTestStore(&fakeClock{testEpoch})
	a := NewAggregator(testSelf)
	a.Rebuild([]Friend{{Profile: bobProfile()}}, nil, s.Logs())

	s.MergeServerMessage("new@example.com", serverMsg("m1", "new@example.com", "hi", testEpoch))
	a.OnNewMessage("new@example.com")
	if diff := cmp.Diff([]string{"new@example.com", testPeer}, summaryIDs(a.Summaries())); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}

	s.MergeServerMessage(testPeer, serverMsg("m2", testPeer, "later", testEpoch.Add(time.Second)))
	a.OnNewMessage(testPeer)
	if diff := cmp.Diff([]string{testPeer, "new@example.com"}, summaryIDs(a.Summaries())); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}

	s.MarkConversationRead(testPeer)
	a.OnRead(testPeer)
	if bob, _ := a.Summary(testPeer); bob.Unread != 0 {
		t.Fatalf("expected unread reset, got %d", bob.Unread)
	}
}

func TestAggregatorPreview(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"text", Message{Kind: KindText, Content: "hello"}, "hello"},
		{"image", Message{Kind: KindImage, Content: "https://cdn/x.png"}, ImagePreview},
		{"file", Message{Kind: KindFile, File: &FileMeta{Name: "report.pdf"}}, FilePreview + " report.pdf"},
		{"recalled", Message{Kind: KindText, Content: RecalledContent, Recalled: true}, RecalledPreview},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Preview(tt.msg); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestAggregatorLogChanged(t *testing.T) {
	s := newTestStore(&fakeClock{testEpoch})
	s.MergeServerMessage(testPeer, serverMsg("m1", testPeer, "a", testEpoch))
	s.MergeServerMessage(testPeer, serverMsg("m2", testPeer, "b", testEpoch.Add(time.Second)))
	a := NewAggregator(testSelf)
	a.Rebuild([]Friend{{Profile: bobProfile()}}, nil, s.Logs())

	s.ApplyRecall("m2")
	a.OnLogChanged(testPeer)
	bob, _ := a.Summary(testPeer)
	if bob.Preview != RecalledPreview {
		t.Fatalf("expected recalled preview, got %q", bob.Preview)
	}

	s.ApplyDelete("m2")
	a.OnLogChanged(testPeer)
	bob, _ = a.Summary(testPeer)
	if bob.LastMessageID != "m1" || bob.Preview != "a" {
		t.Fatalf("expected preview to fall back to m1, got %+v", bob)
	}
}

func TestAggregatorFriendshipChanged(t *testing.T) {
	s := newTestStore(&fakeClock{testEpoch})
	s.MergeServerMessage(testPeer, serverMsg("m1", testPeer, "a", testEpoch))
	a := NewAggregator(testSelf)
	a.Rebuild([]Friend{{Profile: bobProfile()}, {Profile: Profile{ID: "quiet@example.com"}}}, nil, s.Logs())

	a.OnFriendshipChanged(nil)

	got := a.Summaries()
	if diff := cmp.Diff([]string{testPeer}, summaryIDs(got)); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
	if got[0].Friend || got[0].Name != testPeer {
		t.Fatalf("expected former friend to become a peer entry, got %+v", got[0])
	}

	a.OnFriendshipChanged([]Friend{{Profile: bobProfile()}, {Profile: Profile{ID: "new@example.com", Name: "New"}}})
	if diff := cmp.Diff([]string{testPeer, "new@example.com"}, summaryIDs(a.Summaries())); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestAggregatorGroups(t *testing.T) {
	s := newTestStore(&fakeClock{testEpoch})
	a := NewAggregator(testSelf)
	a.Rebuild(nil, nil, s.Logs())

	a.OnGroupChanged(Group{ID: "g1", Name: "One"})
	a.OnGroupChanged(Group{ID: "g1", Name: "Renamed"})
	g, ok := a.Summary("g1")
	if !ok || g.Name != "Renamed" || g.Kind != ConversationGroup {
		t.Fatalf("unexpected group entry: %+v", g)
	}
	if len(a.Summaries()) != 1 {
		t.Fatalf("expected one entry, got %d", len(a.Summaries()))
	}

	a.OnGroupRemoved("g1")
	if _, ok := a.Summary("g1"); ok {
		t.Fatal("expected group entry removed")
	}
}
