package shipchat

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, f *fakeServer) *Store {
	t.Helper()
	c := loggedInClient(t, f)
	s := NewStore(c)
	s.reloadDelay = 10 * time.Millisecond
	s.sync.interval = 10 * time.Millisecond
	s.sync.settle = 5 * time.Millisecond
	t.Cleanup(s.sync.StopPolling)
	return s
}

// ============================================================================
// Transitions
// ============================================================================

func TestAddPostIdempotent(t *testing.T) {
	s := newTestStore(t, newFakeServer(t))

	p := Post{ID: "p1", ChannelID: "c1", Message: "ahoy", CreateAt: 100}
	s.addPost(p)
	s.addPost(p)
	s.addPost(Post{ID: "p1", ChannelID: "c1", Message: "changed", CreateAt: 100})

	posts := s.Snapshot().Posts["c1"]
	require.Len(t, posts, 1)
	assert.Equal(t, "ahoy", posts[0].Message, "duplicate id never replaces")
}

func TestAddPostKeepsChronologicalOrder(t *testing.T) {
	s := newTestStore(t, newFakeServer(t))

	s.addPost(Post{ID: "p2", ChannelID: "c1", CreateAt: 200})
	s.addPost(Post{ID: "p1", ChannelID: "c1", CreateAt: 100})
	s.addPost(Post{ID: "p3", ChannelID: "c1", CreateAt: 300})

	posts := s.Snapshot().Posts["c1"]
	require.Len(t, posts, 3)
	assert.Equal(t, "p1", posts[0].ID)
	assert.Equal(t, "p3", posts[2].ID)
}

func TestUpdateAndDeletePost(t *testing.T) {
	s := newTestStore(t, newFakeServer(t))
	s.addPost(Post{ID: "p1", ChannelID: "c1", Message: "old", CreateAt: 100})
	s.addPost(Post{ID: "p2", ChannelID: "c1", Message: "keep", CreateAt: 200})

	s.updatePost(Post{ID: "p1", ChannelID: "c1", Message: "new", CreateAt: 100})
	assert.Equal(t, "new", s.Snapshot().Posts["c1"][0].Message)

	s.deletePost("c1", "p1")
	posts := s.Snapshot().Posts["c1"]
	require.Len(t, posts, 1)
	assert.Equal(t, "p2", posts[0].ID)

	// Unknown ids are ignored.
	s.updatePost(Post{ID: "nope", ChannelID: "c1"})
	s.deletePost("c1", "nope")
	assert.Len(t, s.Snapshot().Posts["c1"], 1)
}

// ============================================================================
// Unread counts
// ============================================================================

func TestUnreadCountNoMarkerCountsAll(t *testing.T) {
	s := newTestStore(t, newFakeServer(t))
	s.addPost(Post{ID: "p1", ChannelID: "c1", CreateAt: 100})
	s.addPost(Post{ID: "p2", ChannelID: "c1", CreateAt: 200})
	assert.Equal(t, 2, s.UnreadCount("c1"))
}

func TestUnreadCountAfterMarkRead(t *testing.T) {
	s := newTestStore(t, newFakeServer(t))
	s.addPost(Post{ID: "p1", ChannelID: "c1", CreateAt: 100})
	s.addPost(Post{ID: "p2", ChannelID: "c1", CreateAt: 200})

	s.markChannelRead("c1")
	assert.Equal(t, 0, s.UnreadCount("c1"))

	s.addPost(Post{ID: "p3", ChannelID: "c1", CreateAt: 300})
	s.addPost(Post{ID: "p4", ChannelID: "c1", CreateAt: 400})
	assert.Equal(t, 2, s.UnreadCount("c1"))
}

func TestUnreadCountFailsOpenWhenMarkerGone(t *testing.T) {
	s := newTestStore(t, newFakeServer(t))
	s.addPost(Post{ID: "p1", ChannelID: "c1", CreateAt: 100})
	s.addPost(Post{ID: "p2", ChannelID: "c1", CreateAt: 200})
	s.markChannelRead("c1")

	s.deletePost("c1", "p2") // the marker's post disappears
	assert.Equal(t, 1, s.UnreadCount("c1"), "all remaining posts count as unread")
}

// ============================================================================
// Persistence
// ============================================================================

func TestStatePersistenceRoundTrip(t *testing.T) {
	f := newFakeServer(t)
	st := NewMemoryStorage()
	c := NewClient(f.URL, WithStorage(st))
	s := NewStore(c)

	team := Team{ID: "t1", Name: "pacific-glory-team", DisplayName: "Pacific Glory チーム"}
	ch := Channel{ID: "c1", TeamID: "t1", Name: "town-square", DisplayName: "Town Square"}
	s.setCurrentTeam(&team)
	s.setCurrentChannel(&ch)
	s.setChannelList([]Channel{ch})
	s.addPost(Post{ID: "p1", ChannelID: "c1", Message: "こんにちは", CreateAt: 100})
	s.markChannelRead("c1")

	restored := NewStore(NewClient(f.URL, WithStorage(st)))
	snap := restored.Snapshot()
	require.NotNil(t, snap.CurrentTeam)
	assert.Equal(t, team, *snap.CurrentTeam)
	require.NotNil(t, snap.CurrentChannel)
	assert.Equal(t, ch, *snap.CurrentChannel)
	assert.Equal(t, []Channel{ch}, snap.Channels)
	require.Len(t, snap.Posts["c1"], 1)
	assert.Equal(t, "こんにちは", snap.Posts["c1"][0].Message)
	assert.Equal(t, "p1", snap.ReadMarkers["c1"])
}

func TestCorruptEntriesFallBackToDefaults(t *testing.T) {
	f := newFakeServer(t)
	st := NewMemoryStorage()
	st.Set(keyChannelList, "{broken")
	st.Set(keyCurrentTeam, `{"id":"t1","name":"good-team"}`)
	st.Set(keyReadMarkers, "[42]") // wrong shape

	s := NewStore(NewClient(f.URL, WithStorage(st)))
	snap := s.Snapshot()

	assert.Empty(t, snap.Channels, "corrupt channel list discarded")
	require.NotNil(t, snap.CurrentTeam, "intact neighbors survive")
	assert.Equal(t, "good-team", snap.CurrentTeam.Name)
	assert.Empty(t, snap.ReadMarkers)

	_, ok := st.Get(keyChannelList)
	assert.False(t, ok, "corrupt entry deleted from storage")
}

// ============================================================================
// Channel selection
// ============================================================================

func TestDefaultChannelPriority(t *testing.T) {
	townSquare := Channel{ID: "c1", Name: DefaultChannelName, Type: ChannelOpen}
	open := Channel{ID: "c2", Name: "ops", Type: ChannelOpen}
	private := Channel{ID: "c3", Name: "officers", Type: ChannelPrivate}

	got := defaultChannel([]Channel{private, open, townSquare})
	require.NotNil(t, got)
	assert.Equal(t, "c1", got.ID, "town-square wins")

	got = defaultChannel([]Channel{private, open})
	require.NotNil(t, got)
	assert.Equal(t, "c2", got.ID, "first open channel next")

	got = defaultChannel([]Channel{private})
	require.NotNil(t, got)
	assert.Equal(t, "c3", got.ID, "any channel as last resort")

	assert.Nil(t, defaultChannel(nil))
}

func TestSelectTeamLoadsChannelsAndAutoSelects(t *testing.T) {
	f := newFakeServer(t)
	channels := []Channel{
		{ID: "c2", TeamID: "t1", Name: "ops", Type: ChannelOpen},
		{ID: "c1", TeamID: "t1", Name: DefaultChannelName, Type: ChannelOpen},
	}
	f.handle("GET /api/v4/users/me/teams/t1/channels", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, channels)
	})
	f.handle("GET /api/v4/channels/c1/posts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, PostList{
			Order: []string{"p1"},
			Posts: map[string]*Post{"p1": {ID: "p1", ChannelID: "c1", Message: "welcome", CreateAt: 100}},
		})
	})
	f.handle("POST /api/v4/channels/members/me/view", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
	})

	s := newTestStore(t, f)
	s.SelectTeam(context.Background(), Team{ID: "t1", Name: "pacific-glory-team"})

	snap := s.Snapshot()
	require.NotNil(t, snap.CurrentChannel)
	assert.Equal(t, "c1", snap.CurrentChannel.ID, "town-square auto-selected")
	assert.Len(t, snap.Channels, 2)
	require.Len(t, snap.Posts["c1"], 1)
	assert.Equal(t, 0, s.UnreadCount("c1"), "selection marks the channel read")
	assert.True(t, s.sync.Polling(), "no socket, so the new channel is polled")
}

// ============================================================================
// Sending
// ============================================================================

func TestSendMessageRequiresChannelAndAuth(t *testing.T) {
	f := newFakeServer(t)

	c := NewClient(f.URL)
	s := NewStore(c)
	_, err := s.SendMessage(context.Background(), "ahoy", "")
	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)

	s = newTestStore(t, f) // authenticated, but no channel selected
	_, err = s.SendMessage(context.Background(), "ahoy", "")
	require.Error(t, err)
	assert.NotErrorAs(t, err, &authErr)
}

func TestSendMessageOptimisticAppendWithoutDuplicate(t *testing.T) {
	f := newFakeServer(t)
	created := Post{ID: "p9", ChannelID: "c1", Message: "ahoy", CreateAt: 900}
	f.handle("POST /api/v4/posts", func(w http.ResponseWriter, r *http.Request) {
		var got Post
		require.NoError(t, decodeBody(r, &got))
		assert.NotEmpty(t, got.PendingPostID, "client attaches a pending id")
		writeJSON(w, http.StatusCreated, created)
	})
	f.handle("GET /api/v4/channels/c1/posts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, PostList{
			Order: []string{"p9"},
			Posts: map[string]*Post{"p9": &created},
		})
	})

	s := newTestStore(t, f)
	s.setCurrentChannel(&Channel{ID: "c1", Name: "town-square"})

	post, err := s.SendMessage(context.Background(), "ahoy", "")
	require.NoError(t, err)
	assert.Equal(t, "p9", post.ID)

	// Optimistic append is immediate.
	require.Len(t, s.Snapshot().Posts["c1"], 1)

	// The safety-net reload must not duplicate the post.
	time.Sleep(50 * time.Millisecond)
	posts := s.Snapshot().Posts["c1"]
	require.Len(t, posts, 1)
	assert.Equal(t, "p9", posts[0].ID)
}

func TestSendMessageSessionExpiry(t *testing.T) {
	f := newFakeServer(t)
	f.handle("POST /api/v4/posts", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusUnauthorized, "api.context.session_expired", "Session expired")
	})

	s := newTestStore(t, f)
	s.setCurrentChannel(&Channel{ID: "c1"})
	s.sync.StartPolling("c1")

	_, err := s.SendMessage(context.Background(), "ahoy", "")
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)

	assert.False(t, s.client.IsAuthenticated(), "session cleared on 401")
	assert.NotEmpty(t, s.Snapshot().LastError)
	waitFor(t, time.Second, func() bool { return !s.sync.Polling() })
}

// ============================================================================
// Previews
// ============================================================================

func TestTruncateMessage(t *testing.T) {
	assert.Equal(t, "short", truncateMessage("short"))

	long := strings.Repeat("a", 60)
	got := truncateMessage(long)
	assert.Equal(t, strings.Repeat("a", 50)+"…", got)

	// Runes, not bytes.
	kana := strings.Repeat("あ", 51)
	got = truncateMessage(kana)
	assert.Equal(t, strings.Repeat("あ", 50)+"…", got)
	assert.Equal(t, truncateMessage(strings.Repeat("あ", 50)), strings.Repeat("あ", 50))
}

func TestChannelPreviews(t *testing.T) {
	f := newFakeServer(t)
	f.handle("GET /api/v4/channels/c2/posts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, PostList{Order: []string{}, Posts: map[string]*Post{}})
	})
	f.handle("POST /api/v4/users/ids", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []User{{ID: "u2", Username: "bosun", Nickname: "Bosun"}})
	})

	s := newTestStore(t, f)
	s.setChannelList([]Channel{
		{ID: "c1", Name: "town-square", LastPostAt: 100},
		{ID: "c2", Name: "quiet", LastPostAt: 500},
	})
	s.cacheUsers(User{ID: "u1", Username: "skipper", Nickname: "The Skipper"})
	s.addPost(Post{ID: "p1", ChannelID: "c1", UserID: "u1", Message: strings.Repeat("x", 60), CreateAt: 900})

	previews := s.ChannelPreviews(context.Background())
	require.Len(t, previews, 2)

	// Most recent activity first: c1's post at 900 beats c2's lastPostAt 500.
	assert.Equal(t, "c1", previews[0].Channel.ID)
	assert.Equal(t, strings.Repeat("x", 50)+"…", previews[0].LatestMessage)
	assert.Equal(t, "The Skipper", previews[0].AuthorName)

	assert.Equal(t, "c2", previews[1].Channel.ID)
	assert.Empty(t, previews[1].LatestMessage, "empty channel has no preview text")
}

func TestChannelPreviewsLazyAuthorFetch(t *testing.T) {
	f := newFakeServer(t)
	f.handle("POST /api/v4/users/ids", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []User{{ID: "u2", Username: "bosun"}})
	})

	s := newTestStore(t, f)
	s.setChannelList([]Channel{{ID: "c1", Name: "town-square"}})
	s.addPost(Post{ID: "p1", ChannelID: "c1", UserID: "u2", Message: "hi", CreateAt: 100})

	previews := s.ChannelPreviews(context.Background())
	require.Len(t, previews, 1)
	assert.Empty(t, previews[0].AuthorName, "unknown author on first render")

	// The background fetch fills the cache for the next render.
	waitFor(t, time.Second, func() bool {
		_, ok := s.cachedUser("u2")
		return ok
	})
	previews = s.ChannelPreviews(context.Background())
	assert.Equal(t, "bosun", previews[0].AuthorName)
}
