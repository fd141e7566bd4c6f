package shipchat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SyncMode says how realtime updates currently arrive.
type SyncMode string

const (
	// ModePushed delivers updates over the WebSocket.
	ModePushed SyncMode = "pushed"
	// ModePolled simulates updates by periodic re-fetching.
	ModePolled SyncMode = "polled"
)

const (
	defaultPollInterval = 2 * time.Second
	pollPageSize        = 60

	// Settling delay between a poll loop stopping and the next one
	// starting, so a stop-in-flight is not clobbered by an immediate
	// restart.
	defaultPollSettle = 100 * time.Millisecond
)

// pollState is the poll loop lifecycle. Transitions are guarded:
// Idle → Starting → Active → Stopping → Idle.
type pollState int

const (
	pollIdle pollState = iota
	pollStarting
	pollActive
	pollStopping
)

// stateSink is the slice of the state store the controller drives.
type stateSink interface {
	addPost(p Post)
	updatePost(p Post)
	deletePost(channelID, postID string)
	replacePosts(channelID string, posts []Post)
	setConnected(connected bool)
	currentChannelID() string
	postsFor(channelID string) []Post
}

// SyncController decides whether updates arrive via WebSocket push or timed
// polling and toggles between the two on connect/disconnect events. The two
// modes are mutually exclusive: at most one poll loop exists, and it is
// cancelled as soon as the socket comes up.
type SyncController struct {
	client   *Client
	sink     stateSink
	log      zerolog.Logger
	interval time.Duration
	settle   time.Duration

	// fetch is injectable for tests; defaults to the client's post page
	// endpoint.
	fetch func(ctx context.Context, channelID string) ([]Post, error)

	mu        sync.Mutex
	state     pollState
	channelID string
	pending   string // channel waiting for a stop-in-flight to finish
	stopCh    chan struct{}
}

func newSyncController(client *Client, sink stateSink) *SyncController {
	sc := &SyncController{
		client:   client,
		sink:     sink,
		log:      client.log,
		interval: defaultPollInterval,
		settle:   defaultPollSettle,
	}
	sc.fetch = func(ctx context.Context, channelID string) ([]Post, error) {
		page, err := client.GetPostsForChannel(ctx, channelID, 0, pollPageSize)
		if err != nil {
			return nil, err
		}
		return page.Sorted(), nil
	}

	client.OnConnect(func() {
		sink.setConnected(true)
		sc.StopPolling()
	})
	client.OnDisconnect(func(err error) {
		sink.setConnected(false)
		if err == nil {
			return // clean client-side disconnect, nothing to fall back to
		}
		if ch := sink.currentChannelID(); ch != "" {
			sc.StartPolling(ch)
		}
	})
	client.OnEvent(EventPosted, func(ev Event) {
		p, err := ev.Post()
		if err != nil {
			sc.log.Debug().Err(err).Msg("posted event without parsable post")
			return
		}
		sink.addPost(*p)
	})
	client.OnEvent(EventPostEdited, func(ev Event) {
		p, err := ev.Post()
		if err != nil {
			return
		}
		sink.updatePost(*p)
	})
	client.OnEvent(EventPostDeleted, func(ev Event) {
		p, err := ev.Post()
		if err != nil {
			return
		}
		sink.deletePost(p.ChannelID, p.ID)
	})

	return sc
}

// Mode reports the active update mode. Pushed iff the socket is open.
func (sc *SyncController) Mode() SyncMode {
	if sc.client.IsConnected() {
		return ModePushed
	}
	return ModePolled
}

// Start makes the controller live: it attempts the WebSocket when a token is
// present and falls back to polling the current channel otherwise.
func (sc *SyncController) Start(ctx context.Context) {
	if sc.client.IsAuthenticated() {
		if err := sc.client.ConnectWebSocket(ctx); err == nil {
			return
		} else {
			sc.log.Warn().Err(err).Msg("websocket unavailable, staying in poll mode")
		}
	}
	if ch := sc.sink.currentChannelID(); ch != "" {
		sc.StartPolling(ch)
	}
}

// EnsureMode re-evaluates pushed-vs-polled after a channel switch. When the
// socket is down a fresh poll loop is (re)started for the new channel.
func (sc *SyncController) EnsureMode(channelID string) {
	if sc.client.IsConnected() {
		sc.StopPolling()
		return
	}
	sc.StartPolling(channelID)
}

// StartPolling starts the poll loop for a channel. Starting while a loop is
// active for the same channel is a no-op; while one is stopping, the start
// is deferred until the stop settles.
func (sc *SyncController) StartPolling(channelID string) {
	if channelID == "" {
		return
	}
	sc.mu.Lock()
	switch sc.state {
	case pollStarting, pollActive:
		if sc.channelID == channelID {
			sc.mu.Unlock()
			return
		}
		// Different channel: stop the current loop and restart after it
		// settles.
		sc.pending = channelID
		sc.state = pollStopping
		close(sc.stopCh)
		sc.stopCh = nil
		sc.mu.Unlock()
		return
	case pollStopping:
		sc.pending = channelID
		sc.mu.Unlock()
		return
	}
	sc.state = pollStarting
	sc.channelID = channelID
	stop := make(chan struct{})
	sc.stopCh = stop
	sc.mu.Unlock()

	go sc.pollLoop(channelID, stop)
}

// StopPolling stops the active poll loop, if any.
func (sc *SyncController) StopPolling() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.state != pollStarting && sc.state != pollActive {
		return
	}
	sc.state = pollStopping
	close(sc.stopCh)
	sc.stopCh = nil
}

// Polling reports whether a poll loop is starting or active.
func (sc *SyncController) Polling() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state == pollStarting || sc.state == pollActive
}

func (sc *SyncController) pollLoop(channelID string, stop chan struct{}) {
	sc.mu.Lock()
	if sc.state == pollStarting {
		sc.state = pollActive
	}
	sc.mu.Unlock()

	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			time.Sleep(sc.settle)
			sc.mu.Lock()
			sc.state = pollIdle
			sc.channelID = ""
			next := sc.pending
			sc.pending = ""
			sc.mu.Unlock()
			if next != "" {
				sc.StartPolling(next)
			}
			return
		case <-ticker.C:
			sc.pollOnce(channelID)
		}
	}
}

// pollOnce fetches the latest page for the channel and replaces the
// channel's list with the reconciled chronologically sorted set. The fetched
// set wins wholesale: without the socket there are no edit or delete events,
// so comparing ids alone would miss content changes.
func (sc *SyncController) pollOnce(channelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), sc.interval)
	defer cancel()

	fetched, err := sc.fetch(ctx, channelID)
	if err != nil {
		sc.log.Debug().Err(err).Str("channel_id", channelID).Msg("poll fetch failed")
		return
	}

	if postsEqual(sc.sink.postsFor(channelID), fetched) {
		return
	}
	sc.log.Debug().Str("channel_id", channelID).Int("count", len(fetched)).Msg("poll reconciled")
	sc.sink.replacePosts(channelID, fetched)
}

// postsEqual reports whether two chronologically sorted lists carry the same
// posts with the same content.
func postsEqual(a, b []Post) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].UpdateAt != b[i].UpdateAt ||
			a[i].DeleteAt != b[i].DeleteAt || a[i].Message != b[i].Message {
			return false
		}
	}
	return true
}
