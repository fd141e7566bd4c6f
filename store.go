package shipchat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// previewMaxLen is the preview truncation limit in runes.
const previewMaxLen = 50

// defaultReloadDelay is the safety-net reload after an optimistic send while
// not in pushed mode.
const defaultReloadDelay = 500 * time.Millisecond

// State is the single state tree. Mutations happen only through named store
// transitions; consumers read it via Snapshot.
type State struct {
	Loading        bool
	LastError      string
	User           *User
	CurrentTeam    *Team
	CurrentChannel *Channel
	Channels       []Channel
	Posts          map[string][]Post // channel id → posts, oldest first
	ReadMarkers    map[string]string // channel id → last read post id
	Users          map[string]User   // user id → profile, never evicted
	Connected      bool
}

// ChannelPreview is a channel decorated with its most recent message for
// list rendering.
type ChannelPreview struct {
	Channel        Channel
	LatestMessage  string
	AuthorName     string
	LastActivityAt int64
}

// Store holds the application state tree and applies every mutation through
// a named transition, persisting the relevant slices after each one.
type Store struct {
	client      *Client
	storage     Storage
	sync        *SyncController
	log         zerolog.Logger
	reloadDelay time.Duration

	mu    sync.Mutex
	state State
}

// NewStore creates a store bound to the client, restoring persisted team,
// channel, channel-list, read-marker and user-cache state. Corrupt persisted
// entries are discarded individually and fall back to defaults.
func NewStore(client *Client) *Store {
	s := &Store{
		client:      client,
		storage:     client.storage,
		log:         client.log,
		reloadDelay: defaultReloadDelay,
		state: State{
			Posts:       make(map[string][]Post),
			ReadMarkers: make(map[string]string),
			Users:       make(map[string]User),
		},
	}

	loadJSON(s.storage, keyChannelList, &s.state.Channels)
	loadJSON(s.storage, keyReadMarkers, &s.state.ReadMarkers)
	loadJSON(s.storage, keyUserCache, &s.state.Users)
	var team Team
	if loadJSON(s.storage, keyCurrentTeam, &team) {
		s.state.CurrentTeam = &team
	}
	var channel Channel
	if loadJSON(s.storage, keyCurrentChannel, &channel) {
		s.state.CurrentChannel = &channel
		var posts []Post
		if loadJSON(s.storage, keyPosts(channel.ID), &posts) {
			s.state.Posts[channel.ID] = posts
		}
	}
	if s.state.ReadMarkers == nil {
		s.state.ReadMarkers = make(map[string]string)
	}
	if s.state.Users == nil {
		s.state.Users = make(map[string]User)
	}

	s.sync = newSyncController(client, s)
	return s
}

// Sync exposes the realtime sync controller.
func (s *Store) Sync() *SyncController { return s.sync }

// Client exposes the underlying API client.
func (s *Store) Client() *Client { return s.client }

// Snapshot returns a read-only copy of the current state tree.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.state
	snap.Channels = append([]Channel(nil), s.state.Channels...)
	snap.Posts = make(map[string][]Post, len(s.state.Posts))
	for ch, posts := range s.state.Posts {
		snap.Posts[ch] = append([]Post(nil), posts...)
	}
	snap.ReadMarkers = make(map[string]string, len(s.state.ReadMarkers))
	for ch, id := range s.state.ReadMarkers {
		snap.ReadMarkers[ch] = id
	}
	snap.Users = make(map[string]User, len(s.state.Users))
	for id, u := range s.state.Users {
		snap.Users[id] = u
	}
	if s.state.User != nil {
		u := *s.state.User
		snap.User = &u
	}
	if s.state.CurrentTeam != nil {
		t := *s.state.CurrentTeam
		snap.CurrentTeam = &t
	}
	if s.state.CurrentChannel != nil {
		c := *s.state.CurrentChannel
		snap.CurrentChannel = &c
	}
	return snap
}

// ============================================================================
// Transitions
// ============================================================================

func (s *Store) setLoading(loading bool) {
	s.mu.Lock()
	s.state.Loading = loading
	s.mu.Unlock()
}

func (s *Store) setError(msg string) {
	s.mu.Lock()
	s.state.LastError = msg
	s.mu.Unlock()
}

func (s *Store) setUser(u *User) {
	s.mu.Lock()
	s.state.User = u
	s.mu.Unlock()
	if u != nil {
		s.cacheUsers(*u)
	}
}

func (s *Store) setCurrentTeam(t *Team) {
	s.mu.Lock()
	s.state.CurrentTeam = t
	s.state.CurrentChannel = nil
	s.mu.Unlock()
	saveJSON(s.storage, keyCurrentTeam, t)
	s.storage.Delete(keyCurrentChannel)
}

func (s *Store) setCurrentChannel(ch *Channel) {
	s.mu.Lock()
	s.state.CurrentChannel = ch
	s.mu.Unlock()
	saveJSON(s.storage, keyCurrentChannel, ch)
}

func (s *Store) setChannelList(channels []Channel) {
	s.mu.Lock()
	s.state.Channels = channels
	s.mu.Unlock()
	saveJSON(s.storage, keyChannelList, channels)
}

func (s *Store) setPostsForChannel(channelID string, posts []Post) {
	s.mu.Lock()
	s.state.Posts[channelID] = posts
	snapshot := append([]Post(nil), posts...)
	s.mu.Unlock()
	saveJSON(s.storage, keyPosts(channelID), snapshot)
}

// addPost inserts a post into its channel's list if no post with the same id
// is present. Insertion keeps chronological order.
func (s *Store) addPost(p Post) {
	s.mu.Lock()
	posts := s.state.Posts[p.ChannelID]
	for _, existing := range posts {
		if existing.ID == p.ID {
			s.mu.Unlock()
			return
		}
	}
	posts = append(posts, p)
	sort.SliceStable(posts, func(i, j int) bool { return posts[i].CreateAt < posts[j].CreateAt })
	s.state.Posts[p.ChannelID] = posts
	snapshot := append([]Post(nil), posts...)
	s.mu.Unlock()
	saveJSON(s.storage, keyPosts(p.ChannelID), snapshot)
}

func (s *Store) updatePost(p Post) {
	s.mu.Lock()
	posts := s.state.Posts[p.ChannelID]
	replaced := false
	for i, existing := range posts {
		if existing.ID == p.ID {
			posts[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		s.mu.Unlock()
		return
	}
	snapshot := append([]Post(nil), posts...)
	s.mu.Unlock()
	saveJSON(s.storage, keyPosts(p.ChannelID), snapshot)
}

func (s *Store) deletePost(channelID, postID string) {
	s.mu.Lock()
	posts := s.state.Posts[channelID]
	idx := -1
	for i, existing := range posts {
		if existing.ID == postID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	posts = append(posts[:idx], posts[idx+1:]...)
	s.state.Posts[channelID] = posts
	snapshot := append([]Post(nil), posts...)
	s.mu.Unlock()
	saveJSON(s.storage, keyPosts(channelID), snapshot)
}

func (s *Store) setConnected(connected bool) {
	s.mu.Lock()
	s.state.Connected = connected
	s.mu.Unlock()
}

func (s *Store) cacheUsers(users ...User) {
	s.mu.Lock()
	for _, u := range users {
		s.state.Users[u.ID] = u
	}
	snapshot := make(map[string]User, len(s.state.Users))
	for id, u := range s.state.Users {
		snapshot[id] = u
	}
	s.mu.Unlock()
	saveJSON(s.storage, keyUserCache, snapshot)
}

// markChannelRead advances the channel's read marker to its newest cached
// post. Markers move only through this transition, never by passive receipt.
func (s *Store) markChannelRead(channelID string) {
	s.mu.Lock()
	posts := s.state.Posts[channelID]
	if len(posts) == 0 {
		s.mu.Unlock()
		return
	}
	s.state.ReadMarkers[channelID] = posts[len(posts)-1].ID
	snapshot := make(map[string]string, len(s.state.ReadMarkers))
	for ch, id := range s.state.ReadMarkers {
		snapshot[ch] = id
	}
	s.mu.Unlock()
	saveJSON(s.storage, keyReadMarkers, snapshot)
}

// ============================================================================
// stateSink (sync controller hooks)
// ============================================================================

func (s *Store) replacePosts(channelID string, posts []Post) {
	s.setPostsForChannel(channelID, posts)
}

func (s *Store) currentChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.CurrentChannel == nil {
		return ""
	}
	return s.state.CurrentChannel.ID
}

func (s *Store) postsFor(channelID string) []Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Post(nil), s.state.Posts[channelID]...)
}

// ============================================================================
// Session operations
// ============================================================================

// Login authenticates, records the user, and brings the sync controller up
// (WebSocket first, polling fallback).
func (s *Store) Login(ctx context.Context, identifier, password string) error {
	user, err := s.client.Login(ctx, identifier, password)
	if err != nil {
		s.setError(err.Error())
		return err
	}
	s.setError("")
	s.setUser(user)
	s.sync.Start(ctx)
	return nil
}

// Restore rehydrates the session from persisted storage. Returns false when
// nothing usable was persisted.
func (s *Store) Restore() bool {
	user := s.client.RestoreSession()
	if user == nil {
		return false
	}
	s.setUser(user)
	return true
}

// Start brings the sync controller up for an already authenticated session.
func (s *Store) Start(ctx context.Context) {
	s.sync.Start(ctx)
}

// Logout ends the session: the WebSocket is closed, polling halted, local
// auth state cleared. It never fails.
func (s *Store) Logout(ctx context.Context) {
	s.sync.StopPolling()
	s.client.Logout(ctx)
	s.setUser(nil)
	s.setError("")
}

// ============================================================================
// Team and channel selection
// ============================================================================

// SelectTeam makes the team current and loads its channels, joining or
// provisioning defaults when the caller has none. Failures are recorded in
// state rather than returned.
func (s *Store) SelectTeam(ctx context.Context, team Team) {
	if err := s.selectTeam(ctx, team); err != nil {
		s.log.Warn().Err(err).Str("team", team.Name).Msg("team selection failed")
		s.setError(err.Error())
	}
}

// SelectVesselTeam resolves the vessel's team, creating it if allowed, and
// selects it. Unlike SelectTeam, failures are returned for UI handling.
func (s *Store) SelectVesselTeam(ctx context.Context, vesselID string) error {
	team, err := GetOrCreateTeam(ctx, s.client, vesselID)
	if err != nil {
		s.setError(err.Error())
		return err
	}
	if err := s.selectTeam(ctx, *team); err != nil {
		s.setError(err.Error())
		return err
	}
	return nil
}

func (s *Store) selectTeam(ctx context.Context, team Team) error {
	s.setLoading(true)
	defer s.setLoading(false)
	s.setCurrentTeam(&team)

	channels, err := s.client.GetChannelsForTeam(ctx, team.ID)
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		s.joinDefaultChannels(ctx, team)
		if channels, err = s.client.GetChannelsForTeam(ctx, team.ID); err != nil {
			return err
		}
	}
	if len(channels) == 0 {
		if vessel, ok := VesselForTeam(team.Name); ok {
			ensureDefaultChannels(ctx, s.client, team.ID, vessel.TeamDisplayName)
			if channels, err = s.client.GetChannelsForTeam(ctx, team.ID); err != nil {
				return err
			}
		}
	}

	s.setChannelList(channels)
	if def := defaultChannel(channels); def != nil {
		s.SelectChannel(ctx, *def)
	}
	return nil
}

// joinDefaultChannels joins town-square plus a few open channels so a fresh
// member sees something. Every failure here is non-fatal.
func (s *Store) joinDefaultChannels(ctx context.Context, team Team) {
	sess := s.client.Session()
	if sess == nil {
		return
	}
	if ch, err := s.client.GetChannelByName(ctx, team.ID, DefaultChannelName); err == nil {
		if err := s.client.JoinChannel(ctx, ch.ID, sess.UserID); err != nil && !isConflict(err) {
			s.log.Debug().Err(err).Str("channel", ch.Name).Msg("could not join default channel")
		}
	} else {
		s.log.Debug().Err(err).Msg("no town-square channel to join")
	}

	open, err := s.client.GetPublicChannels(ctx, team.ID, 0, 5)
	if err != nil {
		s.log.Debug().Err(err).Msg("open channel listing failed")
		return
	}
	for _, ch := range open {
		if err := s.client.JoinChannel(ctx, ch.ID, sess.UserID); err != nil && !isConflict(err) {
			s.log.Debug().Err(err).Str("channel", ch.Name).Msg("could not join open channel")
		}
	}
}

// defaultChannel picks the channel to auto-select: the well-known default
// name first, then the first open channel, then the first channel at all.
func defaultChannel(channels []Channel) *Channel {
	for i := range channels {
		if channels[i].Name == DefaultChannelName {
			return &channels[i]
		}
	}
	for i := range channels {
		if channels[i].Type == ChannelOpen {
			return &channels[i]
		}
	}
	if len(channels) > 0 {
		return &channels[0]
	}
	return nil
}

// SelectChannel makes the channel current, loads its history oldest-first,
// marks it read, and puts the sync controller in the right mode for it.
// Load failures are recorded in state, not returned.
func (s *Store) SelectChannel(ctx context.Context, ch Channel) {
	s.setCurrentChannel(&ch)

	page, err := s.client.GetPostsForChannel(ctx, ch.ID, 0, pollPageSize)
	if err != nil {
		s.log.Warn().Err(err).Str("channel", ch.Name).Msg("history load failed")
		s.setError(err.Error())
	} else {
		s.setPostsForChannel(ch.ID, page.Sorted())
	}

	s.MarkChannelRead(ctx, ch.ID)
	s.sync.EnsureMode(ch.ID)
}

// ============================================================================
// Messaging
// ============================================================================

// SendMessage posts text to the current channel, threading under replyRootID
// when set. While not in pushed mode the created post is appended
// optimistically and a delayed reload acts as a safety net. A 401 means the
// session expired: local auth state is cleared, a visible error recorded,
// and polling halted.
func (s *Store) SendMessage(ctx context.Context, text, replyRootID string) (*Post, error) {
	if !s.client.IsAuthenticated() {
		return nil, &AuthError{APIError{Message: "not logged in"}}
	}
	channelID := s.currentChannelID()
	if channelID == "" {
		return nil, &APIError{Message: "no channel selected"}
	}

	created, err := s.client.CreatePost(ctx, Post{
		ChannelID:     channelID,
		Message:       text,
		RootID:        replyRootID,
		PendingPostID: uuid.NewString(),
	})
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			s.client.clearSession()
			s.setError("session expired, please log in again")
			s.sync.StopPolling()
			return nil, err
		}
		s.setError(err.Error())
		return nil, err
	}

	if s.sync.Mode() != ModePushed {
		s.addPost(*created)
		time.AfterFunc(s.reloadDelay, func() { s.reloadPosts(channelID) })
	}
	return created, nil
}

func (s *Store) reloadPosts(channelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	page, err := s.client.GetPostsForChannel(ctx, channelID, 0, pollPageSize)
	if err != nil {
		s.log.Debug().Err(err).Str("channel_id", channelID).Msg("post-send reload failed")
		return
	}
	s.setPostsForChannel(channelID, page.Sorted())
}

// MarkChannelRead advances the local read marker and best-effort reports the
// view to the server.
func (s *Store) MarkChannelRead(ctx context.Context, channelID string) {
	s.markChannelRead(channelID)
	if err := s.client.ViewChannel(ctx, channelID); err != nil {
		s.log.Debug().Err(err).Str("channel_id", channelID).Msg("server view report failed")
	}
}

// UnreadCount derives the unread count for a channel. Without a marker all
// cached posts count as unread; a marker whose post has since disappeared
// also counts everything, failing open toward visibility.
func (s *Store) UnreadCount(channelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	posts := s.state.Posts[channelID]
	marker, ok := s.state.ReadMarkers[channelID]
	if !ok {
		return len(posts)
	}
	for i, p := range posts {
		if p.ID == marker {
			return len(posts) - i - 1
		}
	}
	return len(posts)
}

// ============================================================================
// Previews
// ============================================================================

// ChannelPreviews assembles the channel list for rendering: each channel
// with its latest message truncated for display, the author's resolved
// display name (cache-first, lazily fetched in the background otherwise),
// sorted by most recent activity. Fetch failures leave a channel without a
// preview rather than failing the whole list.
func (s *Store) ChannelPreviews(ctx context.Context) []ChannelPreview {
	s.mu.Lock()
	channels := append([]Channel(nil), s.state.Channels...)
	s.mu.Unlock()

	previews := make([]ChannelPreview, 0, len(channels))
	var missing []string
	for _, ch := range channels {
		pv := ChannelPreview{Channel: ch, LastActivityAt: ch.LastPostAt}
		if latest := s.latestPost(ctx, ch.ID); latest != nil {
			pv.LatestMessage = truncateMessage(latest.Message)
			pv.LastActivityAt = latest.CreateAt
			if u, ok := s.cachedUser(latest.UserID); ok {
				pv.AuthorName = u.DisplayName()
			} else {
				missing = append(missing, latest.UserID)
			}
		}
		previews = append(previews, pv)
	}
	if len(missing) > 0 {
		go s.fetchUsers(missing)
	}
	sort.SliceStable(previews, func(i, j int) bool {
		return previews[i].LastActivityAt > previews[j].LastActivityAt
	})
	return previews
}

func (s *Store) latestPost(ctx context.Context, channelID string) *Post {
	s.mu.Lock()
	posts := s.state.Posts[channelID]
	if len(posts) > 0 {
		p := posts[len(posts)-1]
		s.mu.Unlock()
		return &p
	}
	s.mu.Unlock()

	page, err := s.client.GetPostsForChannel(ctx, channelID, 0, 1)
	if err != nil {
		s.log.Debug().Err(err).Str("channel_id", channelID).Msg("preview fetch failed")
		return nil
	}
	sorted := page.Sorted()
	if len(sorted) == 0 {
		return nil
	}
	return &sorted[len(sorted)-1]
}

func (s *Store) cachedUser(id string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.state.Users[id]
	return u, ok
}

func (s *Store) fetchUsers(ids []string) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	users, err := s.client.GetUsersByIDs(ctx, ids)
	if err != nil {
		s.log.Debug().Err(err).Msg("background user fetch failed")
		return
	}
	s.cacheUsers(users...)
}

func truncateMessage(msg string) string {
	r := []rune(msg)
	if len(r) <= previewMaxLen {
		return msg
	}
	return string(r[:previewMaxLen]) + "…"
}

func isConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}
