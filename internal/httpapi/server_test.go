package httpapi

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/you/gnasty-emotes/internal/annotator"
	"github.com/you/gnasty-emotes/internal/catalog"
	"github.com/you/gnasty-emotes/internal/core"
	"github.com/you/gnasty-emotes/internal/decodecache"
	"github.com/you/gnasty-emotes/internal/metrics"
)

func newTestAnnotator() *annotator.Service {
	svc := annotator.New(annotator.Options{})
	svc.ApplyTwitch(context.Background(), []catalog.TwitchSet{
		{ID: "0", Emotes: []catalog.TwitchEmote{{ID: "25", Code: "Kappa"}}},
	})
	svc.ApplyFFZ("forsen", []catalog.FFZEmote{{ID: "10", Name: "LULW", URLs: map[string]string{"1": "//cdn/10"}}}, "//cdn/mod")
	svc.ApplyBTTV("", []catalog.BTTVEmote{{ID: "b1", Code: "catJAM", ImageType: "gif"}})
	svc.ApplyBadges("", core.BadgeTable{"subscriber": {"0": {ImageURL1x: "https://badges/sub"}}})
	svc.ApplyBadges("forsen", core.BadgeTable{"subscriber": {"12": {ImageURL1x: "https://badges/sub-12"}}})
	return svc
}

type fakeStore struct {
	filters Filters
	rows    []core.ChatMessage
	err     error
}

func (f *fakeStore) CountMessages(_ context.Context, filters Filters) (int64, error) {
	f.filters = filters
	return int64(len(f.rows)), f.err
}

func (f *fakeStore) ListMessages(_ context.Context, filters Filters) ([]core.ChatMessage, error) {
	f.filters = filters
	return f.rows, f.err
}

type fakePublisher struct {
	mu       sync.Mutex
	channels []string
}

func (p *fakePublisher) Publish(_ context.Context, channel string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = append(p.channels, channel)
	return nil
}

func newTestServer(t *testing.T, opts Options) (*Server, *annotator.Service, *fakeStore) {
	t.Helper()
	svc := newTestAnnotator()
	store := &fakeStore{}
	return New(svc, store, opts), svc, store
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzAndRequestID(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{})
	rec := do(t, srv.Handler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "abc")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get(requestIDHeader))
}

func TestInfo(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{Build: BuildInfo{Version: "1.2.3", Revision: "abc"}})
	rec := do(t, srv.Handler(), http.MethodGet, "/info?channel=%23Forsen", "")
	var body struct {
		Version string         `json:"version"`
		Rev     string         `json:"rev"`
		BuiltAt string         `json:"built_at"`
		Channel string         `json:"channel"`
		Emotes  map[string]int `json:"emotes"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "1.2.3", body.Version)
	assert.Equal(t, "abc", body.Rev)
	assert.Empty(t, body.BuiltAt)
	assert.Equal(t, "forsen", body.Channel)
	assert.Equal(t, map[string]int{"twitch": 1, "ffz": 1, "bttv": 1}, body.Emotes)

	rec = do(t, srv.Handler(), http.MethodGet, "/info", "")
	body.Emotes = nil
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, map[string]int{"twitch": 1, "bttv": 1}, body.Emotes)
}

func TestEmotes(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{})

	rec := do(t, srv.Handler(), http.MethodGet, "/emotes?channel=forsen", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []struct {
		Code  string `json:"code"`
		URL   string `json:"url"`
		Scope string `json:"scope"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list, 3)
	assert.Equal(t, "Kappa", list[0].Code)
	assert.Equal(t, "LULW", list[1].Code)
	assert.Equal(t, "https://cdn/10", list[1].URL)
	assert.Equal(t, "FrankerFaceZ (channel)", list[1].Scope)

	rec = do(t, srv.Handler(), http.MethodGet, "/emotes?channel=forsen&group=1", "")
	var groups []emoteGroupJSON
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&groups))
	assert.Len(t, groups, 3)

	rec = do(t, srv.Handler(), http.MethodPost, "/emotes", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestBadges(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{})
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/badges?channel=forsen&set=subscriber&version=12", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"scope":"channel"`)

	rec = do(t, h, http.MethodGet, "/badges?channel=forsen&set=subscriber&version=0", "")
	assert.Contains(t, rec.Body.String(), "https://badges/sub")
	assert.Contains(t, rec.Body.String(), `"scope":"global"`)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/badges?set=vip&version=1", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/badges?set=vip", "").Code)

	rec = do(t, h, http.MethodGet, "/badges/moderator?channel=forsen", "")
	assert.Contains(t, rec.Body.String(), "https://cdn/mod")
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/badges/moderator?channel=xqc", "").Code)
}

func TestAnnotate(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{})
	body := `{"channel":"Forsen","text":"Kappa LULW catJAM","emote_tag":"25:0-4","badges":[{"set":"subscriber","version":"12"}]}`

	rec := do(t, srv.Handler(), http.MethodPost, "/annotate", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var msg messageJSON
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&msg))
	require.Len(t, msg.Emotes, 3)
	assert.True(t, msg.Emotes[0].FirstParty)
	assert.Equal(t, []core.Range{{Start: 6, End: 10}}, msg.Emotes[1].Ranges)
	assert.Equal(t, "https://badges/sub-12", msg.Badges[0].URL)

	assert.Equal(t, http.StatusBadRequest, do(t, srv.Handler(), http.MethodPost, "/annotate", "{").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, srv.Handler(), http.MethodGet, "/annotate", "").Code)
}

func TestMessagesAndCount(t *testing.T) {
	srv, _, store := newTestServer(t, Options{})
	store.rows = []core.ChatMessage{{ID: "1", Channel: "forsen", Text: "hi"}}

	rec := do(t, srv.Handler(), http.MethodGet, "/messages?channel=%23Forsen&limit=5&order=asc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"forsen"}, store.filters.Channels)
	assert.Equal(t, 5, store.filters.Limit)
	assert.Equal(t, OrderAsc, store.filters.Order)
	assert.Contains(t, rec.Body.String(), `"emotes":[]`)

	rec = do(t, srv.Handler(), http.MethodGet, "/count", "")
	assert.JSONEq(t, `{"count":1}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, do(t, srv.Handler(), http.MethodGet, "/messages?limit=-1", "").Code)

	store.err = errors.New("db gone")
	assert.Equal(t, http.StatusInternalServerError, do(t, srv.Handler(), http.MethodGet, "/messages", "").Code)

	noStore := New(newTestAnnotator(), nil, Options{})
	assert.Equal(t, http.StatusNotFound, do(t, noStore.Handler(), http.MethodGet, "/messages", "").Code)
}

func TestAdminClearBackfill(t *testing.T) {
	pub := &fakePublisher{}
	srv, svc, _ := newTestServer(t, Options{AdminToken: "secret", Publisher: pub})
	ctx := context.Background()
	require.True(t, svc.ShouldFetchBackfill(ctx, "forsen"))
	require.False(t, svc.ShouldFetchBackfill(ctx, "forsen"))

	rec := do(t, srv.Handler(), http.MethodPost, "/admin/backfill/clear?channel=forsen", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/admin/backfill/clear?channel=Forsen", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"status":"ok","channel":"forsen","published":true}`, rec.Body.String())
	assert.Equal(t, []string{"forsen"}, pub.channels)
	assert.True(t, svc.ShouldFetchBackfill(ctx, "forsen"))

	disabled, _, _ := newTestServer(t, Options{})
	assert.Equal(t, http.StatusNotFound, do(t, disabled.Handler(), http.MethodPost, "/admin/backfill/clear?channel=forsen", "").Code)
}

type fakeChannels struct {
	mu     sync.Mutex
	joined []string
	fail   error
}

func (f *fakeChannels) Join(_ context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.joined = append(f.joined, channel)
	return nil
}

func (f *fakeChannels) Leave(_ context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, ch := range f.joined {
		if ch == channel {
			f.joined = append(f.joined[:i], f.joined[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeChannels) List() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.joined...)
}

func adminDo(t *testing.T, h http.Handler, method, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdminChannels(t *testing.T) {
	channels := &fakeChannels{}
	srv, _, _ := newTestServer(t, Options{AdminToken: "secret", Channels: channels})
	h := srv.Handler()

	rec := adminDo(t, h, http.MethodPost, "/admin/channels/join?channel=%23Forsen", "secret")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"status":"ok","channel":"forsen","channels":["forsen"]}`, rec.Body.String())

	rec = adminDo(t, h, http.MethodPost, "/admin/channels/join?channel=xqc", "secret")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = adminDo(t, h, http.MethodGet, "/admin/channels", "secret")
	assert.JSONEq(t, `{"channels":["forsen","xqc"]}`, rec.Body.String())

	rec = adminDo(t, h, http.MethodPost, "/admin/channels/leave?channel=forsen", "secret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"xqc"}, channels.List())

	assert.Equal(t, http.StatusBadRequest, adminDo(t, h, http.MethodPost, "/admin/channels/leave", "secret").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, adminDo(t, h, http.MethodGet, "/admin/channels/join?channel=a", "secret").Code)

	channels.fail = errors.New("not connected")
	assert.Equal(t, http.StatusInternalServerError, adminDo(t, h, http.MethodPost, "/admin/channels/join?channel=a", "secret").Code)

	noChannels, _, _ := newTestServer(t, Options{AdminToken: "secret"})
	assert.Equal(t, http.StatusNotFound, adminDo(t, noChannels.Handler(), http.MethodGet, "/admin/channels", "secret").Code)
}

func TestAdminRejectsWrongToken(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{AdminToken: "secret", Channels: &fakeChannels{}})
	for _, token := range []string{"", "secre", "secret2", "SECRET"} {
		rec := adminDo(t, srv.Handler(), http.MethodGet, "/admin/channels", token)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "token %q", token)
	}
	assert.Equal(t, http.StatusOK, adminDo(t, srv.Handler(), http.MethodGet, "/admin/channels", "secret").Code)
}

func TestRateLimitAndMetrics(t *testing.T) {
	m := metrics.New()
	srv, _, _ := newTestServer(t, Options{RateLimitRPS: 1, RateLimitBurst: 1, Metrics: m, EnableMetrics: true})

	assert.Equal(t, http.StatusOK, do(t, srv.Handler(), http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, srv.Handler(), http.MethodGet, "/healthz", "").Code)

	rec := do(t, srv.Handler(), http.MethodGet, "/metrics", "")
	assert.Contains(t, rec.Body.String(), "gnasty_http_rate_limited_total 1")
	assert.Contains(t, rec.Body.String(), `gnasty_http_requests_total{method="GET",route="/healthz",status="429"} 1`)
}

func TestCORSPreflight(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{CORSOrigins: []string{"https://overlay.example"}})

	req := httptest.NewRequest(http.MethodOptions, "/annotate", nil)
	req.Header.Set("Origin", "https://overlay.example")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://overlay.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/emotes", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGzip(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/emotes?channel=forsen", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	assert.Equal(t, []byte{0x1f, 0x8b}, rec.Body.Bytes()[:2])
}

func TestGzipKeepsEncodingOnErrors(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{})
	req := httptest.NewRequest(http.MethodPost, "/annotate", strings.NewReader("{"))
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Contains(t, string(body), "invalid body")
}

func TestStreamIsNeverCompressed(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := http.DefaultTransport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
}

func TestStreamBroadcastsMatchingMessages(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream?channel=forsen", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ":ok\n", line)

	srv.Broadcast(core.ChatMessage{ID: "skip", Channel: "xqc"})
	srv.Broadcast(core.ChatMessage{ID: "keep", Channel: "forsen", Text: "hi"})

	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	assert.Contains(t, line, `"id":"keep"`)
}

func TestFramesWebSocket(t *testing.T) {
	m := metrics.New()
	srv, svc, _ := newTestServer(t, Options{Metrics: m})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/frames?id=b1", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return svc.Frames().Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	svc.Frames().Dispatch("b1", decodecache.SignalAdvance)
	var ev frameEvent
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, frameEvent{ID: "b1", Signal: "advance"}, ev)

	svc.DecodeCache().Add("b1", "frames")
	svc.DecodeCache().Invalidate("b1")
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, "invalidate", ev.Signal)

	conn.Close(websocket.StatusNormalClosure, "")
	assert.Eventually(t, func() bool { return svc.Frames().Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestFramesRequiresID(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{})
	assert.Equal(t, http.StatusBadRequest, do(t, srv.Handler(), http.MethodGet, "/frames", "").Code)
}
