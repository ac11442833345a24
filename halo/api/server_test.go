package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"halo-indexer/halo/metrics"
	"halo-indexer/halo/moderation"
	"halo-indexer/halo/ratelimit"
	"halo-indexer/halo/seqcode"
	"halo-indexer/halo/signature"
	"halo-indexer/halo/storage"
	"halo-indexer/halo/types"
)

const (
	testBundle  = "test.bundle"
	charterFile = "../../charter/halo_charter.json"
)

var (
	testSecret = []byte("test-secret")
	testNow    = time.UnixMilli(1_760_000_000_000)
)

type recordingBatches struct {
	mu    sync.Mutex
	posts []string
}

func (b *recordingBatches) Submit(p *types.Post) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.posts = append(b.posts, p.SequentialCode)
	return true
}

type testEnv struct {
	srv     *Server
	h       http.Handler
	store   *storage.Store
	batches *recordingBatches
	charter *moderation.CharterStore
}

type envOption func(*Server)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	st, err := storage.Open(storage.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	charters := moderation.NewCharterStore("", charterFile, 0, nil)
	if err := charters.LoadFile(); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	batches := &recordingBatches{}
	srv := &Server{
		Role:       "indexer",
		Store:      st,
		Codes:      seqcode.New(st, seqcode.DefaultMinWidth),
		Verifier:   &signature.Verifier{Enforce: true, BundleID: testBundle},
		Limiter:    ratelimit.New(st),
		Moderation: moderation.NewEngine(charters, nil, nil),
		Charters:   charters,
		Batches:    batches,
		Auth:       &Authenticator{Secret: testSecret, Required: true},
		Metrics:    metrics.New(),
		Options: Options{
			RateLimit:        1000,
			RateWindow:       time.Minute,
			MaxContentLength: 25000,
			TimestampSkew:    120 * time.Second,
			CodeWidth:        seqcode.DefaultMinWidth,
		},
		Now: func() time.Time { return testNow },
	}
	for _, o := range opts {
		o(srv)
	}
	return &testEnv{srv: srv, h: srv.Handler(), store: st, batches: batches, charter: charters}
}

type author struct {
	priv string
	addr string
}

func newAuthor(t *testing.T) author {
	t.Helper()
	_, priv, err := signature.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	k, err := signature.ParsePrivateKey(priv)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	return author{priv: priv, addr: signature.AddressFromPrivateKey(k, signature.DefaultAddressVersion)}
}

func (a author) body(t *testing.T, content string, ts int64) map[string]any {
	t.Helper()
	sig, pub, addr, err := signature.SignPost(a.priv, content, ts, testBundle, signature.DefaultAddressVersion)
	if err != nil {
		t.Fatalf("SignPost: %v", err)
	}
	return map[string]any{
		"content":     content,
		"userAddress": addr,
		"signature":   sig,
		"pubkey":      pub,
		"timestamp":   ts,
	}
}

func token(t *testing.T, subject, role, subscription string) string {
	t.Helper()
	tok, err := IssueToken(testSecret, subject, role, subscription, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.1:1234"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) post(t *testing.T, a author, body map[string]any, extra map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	h := map[string]string{"Authorization": "Bearer " + token(t, a.addr, RoleUser, "")}
	for k, v := range extra {
		h[k] = v
	}
	return e.do(t, http.MethodPost, "/api/posts", body, h)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func postPath(code string, suffix string) string {
	return "/api/posts/" + url.PathEscape(code) + suffix
}

func TestCreatePost_Created(t *testing.T) {
	env := newTestEnv(t)
	a := newAuthor(t)

	rec := env.post(t, a, a.body(t, "gm halo", testNow.UnixMilli()), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	p := decode[types.Post](t, rec)
	if p.SequentialCode != "LAS#00000001" {
		t.Fatalf("code = %q", p.SequentialCode)
	}
	if p.LiveFlag != types.LiveFlagLive || p.SignatureStatus != types.SignatureValid || p.PostType != types.PostTypeFree {
		t.Fatalf("unexpected post: %+v", p)
	}
	if p.ContentHash != types.ContentHash("gm halo") || p.Moderation.Action != types.ActionAllow {
		t.Fatalf("unexpected hash/moderation: %+v", p)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("missing request id header")
	}

	rec = env.post(t, a, a.body(t, "second", testNow.UnixMilli()), nil)
	if p2 := decode[types.Post](t, rec); p2.SequentialCode != "LAS#00000002" {
		t.Fatalf("second code = %q", p2.SequentialCode)
	}
	if len(env.batches.posts) != 2 {
		t.Fatalf("expected 2 batch submissions, got %v", env.batches.posts)
	}
}

func TestCreatePost_ValidationFields(t *testing.T) {
	env := newTestEnv(t, func(s *Server) { s.Options.MaxContentLength = 10 })
	a := newAuthor(t)

	rec := env.post(t, a, map[string]any{"postType": "premium", "parentSequentialCode": "LAS#xyz"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
	out := decode[errorResponse](t, rec)
	for _, f := range []string{"content", "userAddress", "signature", "timestamp", "postType", "parentSequentialCode"} {
		if out.Fields[f] == "" {
			t.Fatalf("missing field error %q in %v", f, out.Fields)
		}
	}

	rec = env.post(t, a, a.body(t, "ünïcödé text", testNow.UnixMilli()), nil)
	if rec.Code != http.StatusBadRequest || decode[errorResponse](t, rec).Fields["content"] == "" {
		t.Fatalf("long content: status=%d body=%s", rec.Code, rec.Body.String())
	}

	body := a.body(t, "ok", testNow.UnixMilli())
	body["extra"] = true
	if rec := env.post(t, a, body, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: status=%d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/posts", "{not json", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json: status=%d", rec.Code)
	}
}

func TestCreatePost_ContentLengthCountsCharacters(t *testing.T) {
	env := newTestEnv(t, func(s *Server) { s.Options.MaxContentLength = 5 })
	a := newAuthor(t)
	if rec := env.post(t, a, a.body(t, "ééééé", testNow.UnixMilli()), nil); rec.Code != http.StatusCreated {
		t.Fatalf("5 characters should fit: status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestCreatePost_TimestampSkewBoundary(t *testing.T) {
	env := newTestEnv(t)
	a := newAuthor(t)
	now := testNow.UnixMilli()

	cases := []struct {
		ts   int64
		want int
	}{
		{now - 120_000, http.StatusCreated},
		{now + 120_000, http.StatusCreated},
		{now - 120_001, http.StatusBadRequest},
		{now + 120_001, http.StatusBadRequest},
	}
	for _, c := range cases {
		rec := env.post(t, a, a.body(t, "tick", c.ts), nil)
		if rec.Code != c.want {
			t.Fatalf("ts offset %d: status=%d want %d body=%s", c.ts-now, rec.Code, c.want, rec.Body.String())
		}
	}
}

func TestCreatePost_Authorization(t *testing.T) {
	env := newTestEnv(t)
	a := newAuthor(t)
	other := newAuthor(t)
	body := a.body(t, "hello", testNow.UnixMilli())

	if rec := env.do(t, http.MethodPost, "/api/posts", body, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status=%d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/posts", body, map[string]string{"Authorization": "Bearer garbage"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status=%d", rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/api/posts", body, map[string]string{
		"Authorization": "Bearer " + token(t, other.addr, RoleUser, ""),
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("subject mismatch: status=%d", rec.Code)
	}

	sponsored := a.body(t, "promo", testNow.UnixMilli())
	sponsored["postType"] = types.PostTypeSponsored
	if rec := env.post(t, a, sponsored, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("sponsored without subscription: status=%d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/posts", sponsored, map[string]string{
		"Authorization": "Bearer " + token(t, a.addr, RoleUser, SubscriptionActive),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("sponsored with subscription: status=%d body=%s", rec.Code, rec.Body.String())
	}
	if p := decode[types.Post](t, rec); p.PostType != types.PostTypeSponsored {
		t.Fatalf("postType = %q", p.PostType)
	}
}

func TestCreatePost_AuthDisabled(t *testing.T) {
	env := newTestEnv(t, func(s *Server) { s.Auth = &Authenticator{Required: false} })
	a := newAuthor(t)
	rec := env.do(t, http.MethodPost, "/api/posts", a.body(t, "hello", testNow.UnixMilli()), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestCreatePost_HardBlockRejected(t *testing.T) {
	env := newTestEnv(t)
	a := newAuthor(t)

	rec := env.post(t, a, a.body(t, "I am going to kill you", testNow.UnixMilli()), nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	out := decode[errorResponse](t, rec)
	if out.Decision == nil || out.Decision.Action != types.ActionHardBlock {
		t.Fatalf("missing decision: %s", rec.Body.String())
	}
	if len(out.Decision.Categories) == 0 || out.Decision.Categories[0] != "violent_threat" {
		t.Fatalf("categories = %v", out.Decision.Categories)
	}
	if n, _ := env.store.CurrentSequence(context.Background(), seqcode.PostCounter); n != 0 {
		t.Fatalf("blocked post consumed a code: %d", n)
	}
}

func TestCreatePost_SoftBlockStoredNotLive(t *testing.T) {
	env := newTestEnv(t)
	a := newAuthor(t)

	rec := env.post(t, a, a.body(t, "limited time offer, buy now!", testNow.UnixMilli()), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	p := decode[types.Post](t, rec)
	if p.LiveFlag != types.LiveFlagNotLive || p.Moderation.Action != types.ActionSoftBlock {
		t.Fatalf("unexpected post: %+v", p)
	}

	feed := decode[PostListResponse](t, env.do(t, http.MethodGet, "/api/posts", nil, nil))
	if len(feed.Posts) != 0 {
		t.Fatalf("not-live post in feed: %+v", feed.Posts)
	}
	if rec := env.do(t, http.MethodGet, postPath(p.SequentialCode, ""), nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("single fetch status=%d", rec.Code)
	}
}

func TestCreatePost_PreviewCreatesNothing(t *testing.T) {
	env := newTestEnv(t)
	a := newAuthor(t)

	rec := env.post(t, a, a.body(t, "I am going to kill you", testNow.UnixMilli()), map[string]string{PreviewHeader: "true"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	out := decode[PreviewResponse](t, rec)
	if !out.Preview || out.Decision.Action != types.ActionHardBlock {
		t.Fatalf("unexpected preview: %+v", out)
	}
	if out.Decision.CharterVersion != "2026.10.0" {
		t.Fatalf("charter version = %q", out.Decision.CharterVersion)
	}

	rec = env.post(t, a, a.body(t, "real post", testNow.UnixMilli()), nil)
	if p := decode[types.Post](t, rec); p.SequentialCode != "LAS#00000001" {
		t.Fatalf("preview consumed a code: %q", p.SequentialCode)
	}
}

func TestCreatePost_SignatureEnforcement(t *testing.T) {
	a := newAuthor(t)
	now := testNow.UnixMilli()

	on := newTestEnv(t)
	mock := a.body(t, "dev post", now)
	mock["signature"] = "mock:dev"
	delete(mock, "pubkey")
	if rec := on.post(t, a, mock, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("mock with enforcement: status=%d", rec.Code)
	}
	tampered := a.body(t, "original", now)
	tampered["content"] = "edited"
	if rec := on.post(t, a, tampered, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("tampered with enforcement: status=%d", rec.Code)
	}

	off := newTestEnv(t, func(s *Server) { s.Verifier.Enforce = false })
	rec := off.post(t, a, mock, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("mock without enforcement: status=%d body=%s", rec.Code, rec.Body.String())
	}
	if p := decode[types.Post](t, rec); p.SignatureStatus != types.SignatureSkipped {
		t.Fatalf("signatureStatus = %q", p.SignatureStatus)
	}
	rec = off.post(t, a, tampered, nil)
	if p := decode[types.Post](t, rec); rec.Code != http.StatusCreated || p.SignatureStatus != types.SignatureInvalid {
		t.Fatalf("tampered without enforcement: status=%d status=%q", rec.Code, p.SignatureStatus)
	}
}

func TestCreatePost_RateLimited(t *testing.T) {
	env := newTestEnv(t, func(s *Server) { s.Options.RateLimit = 3 })
	a := newAuthor(t)

	for i := 0; i < 3; i++ {
		if rec := env.post(t, a, a.body(t, "post", testNow.UnixMilli()), nil); rec.Code != http.StatusCreated {
			t.Fatalf("request %d: status=%d body=%s", i+1, rec.Code, rec.Body.String())
		}
	}
	rec := env.post(t, a, a.body(t, "post", testNow.UnixMilli()), nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("4th request status=%d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
}

type brokenLimitStore struct{}

func (brokenLimitStore) IncrementWindow(context.Context, string, time.Duration, time.Time) (int64, error) {
	return 0, errors.New("store down")
}

func TestCreatePost_LimiterFailureFailsClosed(t *testing.T) {
	env := newTestEnv(t, func(s *Server) { s.Limiter = ratelimit.New(brokenLimitStore{}) })
	a := newAuthor(t)
	if rec := env.post(t, a, a.body(t, "post", testNow.UnixMilli()), nil); rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", rec.Code)
	}
}

type failingCreateStore struct {
	*storage.Store
}

func (failingCreateStore) CreatePost(context.Context, *types.Post) error {
	return errors.New("disk full")
}

func TestCreatePost_StoreFailure(t *testing.T) {
	env := newTestEnv(t)
	env.srv.Store = failingCreateStore{env.store}
	env.h = env.srv.Handler()
	a := newAuthor(t)

	rec := env.post(t, a, a.body(t, "post", testNow.UnixMilli()), nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", rec.Code)
	}
	if len(env.batches.posts) != 0 {
		t.Fatalf("failed post was batched")
	}
}

func TestReplies_StayOutOfFeed(t *testing.T) {
	env := newTestEnv(t)
	a := newAuthor(t)
	now := testNow.UnixMilli()

	top := decode[types.Post](t, env.post(t, a, a.body(t, "top", now), nil))
	reply := a.body(t, "reply", now)
	reply["parentSequentialCode"] = "LAS#" + strings.ToLower(top.SequentialCode[4:])
	rec := env.post(t, a, reply, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("reply status=%d body=%s", rec.Code, rec.Body.String())
	}
	r := decode[types.Post](t, rec)
	if types.Deref(r.ParentSequentialCode) != top.SequentialCode {
		t.Fatalf("parent not canonicalized: %q", types.Deref(r.ParentSequentialCode))
	}
	ipfsReply := a.body(t, "reply to pinned", now)
	ipfsReply["parentIpfsHash"] = "bafyparent"
	if rec := env.post(t, a, ipfsReply, nil); rec.Code != http.StatusCreated {
		t.Fatalf("ipfs reply status=%d", rec.Code)
	}

	feed := decode[PostListResponse](t, env.do(t, http.MethodGet, "/api/posts", nil, nil))
	if len(feed.Posts) != 1 || feed.Posts[0].SequentialCode != top.SequentialCode {
		t.Fatalf("feed = %+v", feed.Posts)
	}

	replies := decode[PostListResponse](t, env.do(t, http.MethodGet, postPath(top.SequentialCode, "/replies"), nil, nil))
	if len(replies.Posts) != 1 || replies.Posts[0].SequentialCode != r.SequentialCode {
		t.Fatalf("replies = %+v", replies.Posts)
	}
	byQuery := decode[PostListResponse](t, env.do(t, http.MethodGet, "/api/posts?parentSequentialCode="+url.QueryEscape(top.SequentialCode), nil, nil))
	if len(byQuery.Posts) != 1 {
		t.Fatalf("replies by query = %+v", byQuery.Posts)
	}
	byHash := decode[PostListResponse](t, env.do(t, http.MethodGet, "/api/posts?parentIpfsHash=bafyparent", nil, nil))
	if len(byHash.Posts) != 1 || byHash.Posts[0].Content != "reply to pinned" {
		t.Fatalf("replies by hash = %+v", byHash.Posts)
	}
	byAuthor := decode[PostListResponse](t, env.do(t, http.MethodGet, "/api/posts?author="+url.QueryEscape(a.addr), nil, nil))
	if len(byAuthor.Posts) != 3 {
		t.Fatalf("author posts = %d", len(byAuthor.Posts))
	}
}

func TestShortCodes_ResolveToPaddedPosts(t *testing.T) {
	env := newTestEnv(t)
	a := newAuthor(t)
	now := testNow.UnixMilli()

	top := decode[types.Post](t, env.post(t, a, a.body(t, "top", now), nil))
	if top.SequentialCode != "LAS#00000001" {
		t.Fatalf("unexpected code %q", top.SequentialCode)
	}
	reply := a.body(t, "reply", now)
	reply["parentSequentialCode"] = "LAS#1"
	rec := env.post(t, a, reply, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("reply status=%d body=%s", rec.Code, rec.Body.String())
	}
	if got := types.Deref(decode[types.Post](t, rec).ParentSequentialCode); got != top.SequentialCode {
		t.Fatalf("parent stored as %q", got)
	}

	replies := decode[PostListResponse](t, env.do(t, http.MethodGet, postPath(top.SequentialCode, "/replies"), nil, nil))
	if len(replies.Posts) != 1 {
		t.Fatalf("replies = %+v", replies.Posts)
	}
	for _, code := range []string{"LAS#1", "LAS#01", "LAS#0000000000001"} {
		rec := env.do(t, http.MethodGet, postPath(code, ""), nil, nil)
		if rec.Code != http.StatusOK || decode[types.Post](t, rec).SequentialCode != top.SequentialCode {
			t.Fatalf("GET %s status=%d body=%s", code, rec.Code, rec.Body.String())
		}
	}
	short := decode[PostListResponse](t, env.do(t, http.MethodGet, postPath("LAS#1", "/replies"), nil, nil))
	if len(short.Posts) != 1 {
		t.Fatalf("replies via short code = %+v", short.Posts)
	}
	byQuery := decode[PostListResponse](t, env.do(t, http.MethodGet, "/api/posts?parentSequentialCode="+url.QueryEscape("LAS#1"), nil, nil))
	if len(byQuery.Posts) != 1 {
		t.Fatalf("replies by short query = %+v", byQuery.Posts)
	}
}

func TestListPosts_HugePageIsCapped(t *testing.T) {
	env := newTestEnv(t)
	a := newAuthor(t)
	env.post(t, a, a.body(t, "only", testNow.UnixMilli()), nil)

	for _, page := range []string{"9223372036854775807", "99999999999999999999999"} {
		rec := env.do(t, http.MethodGet, "/api/posts?limit=100&page="+page, nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("page %s status=%d", page, rec.Code)
		}
		out := decode[PostListResponse](t, rec)
		if out.Page != maxPage || len(out.Posts) != 0 || out.HasMore {
			t.Fatalf("page %s: %+v", page, out)
		}
	}
	out := decode[PostListResponse](t, env.do(t, http.MethodGet, "/api/posts?page=-99999999999999999999", nil, nil))
	if out.Page != 1 || len(out.Posts) != 1 {
		t.Fatalf("negative page: %+v", out)
	}
}

func TestListPosts_PagingAndCap(t *testing.T) {
	env := newTestEnv(t)
	a := newAuthor(t)
	for i := 0; i < 3; i++ {
		env.post(t, a, a.body(t, "p", testNow.UnixMilli()), nil)
	}

	out := decode[PostListResponse](t, env.do(t, http.MethodGet, "/api/posts?limit=500", nil, nil))
	if out.Limit != storage.MaxPageSize || out.Page != 1 || len(out.Posts) != 3 || out.HasMore {
		t.Fatalf("unexpected page: %+v", out)
	}
	out = decode[PostListResponse](t, env.do(t, http.MethodGet, "/api/posts?limit=2&page=1", nil, nil))
	if len(out.Posts) != 2 || !out.HasMore || out.Posts[0].SequentialCode != "LAS#00000003" {
		t.Fatalf("page 1: %+v", out)
	}
	out = decode[PostListResponse](t, env.do(t, http.MethodGet, "/api/posts?limit=2&page=2", nil, nil))
	if len(out.Posts) != 1 || out.HasMore || out.Posts[0].SequentialCode != "LAS#00000001" {
		t.Fatalf("page 2: %+v", out)
	}

	if rec := env.do(t, http.MethodGet, "/api/posts?author=x&parentIpfsHash=y", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("conflicting filters status=%d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/posts?parentSequentialCode=nope", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad parent code status=%d", rec.Code)
	}
}

func TestGetPost_BadCodeAndMissing(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/posts/nope", nil, nil)
	if rec.Code != http.StatusBadRequest || decode[errorResponse](t, rec).Fields["sequentialCode"] == "" {
		t.Fatalf("bad code status=%d body=%s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodGet, postPath("LAS#FFFF", ""), nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing status=%d", rec.Code)
	}
}

func TestFlagPost_ModeratorToggles(t *testing.T) {
	env := newTestEnv(t)
	a := newAuthor(t)
	p := decode[types.Post](t, env.post(t, a, a.body(t, "flag me", testNow.UnixMilli()), nil))
	path := postPath(p.SequentialCode, "/flag")
	modHeader := map[string]string{"Authorization": "Bearer " + token(t, "TModerator", RoleModerator, "")}

	if rec := env.do(t, http.MethodPut, path, FlagRequest{LiveFlag: types.LiveFlagNotLive}, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status=%d", rec.Code)
	}
	userHeader := map[string]string{"Authorization": "Bearer " + token(t, a.addr, RoleUser, "")}
	if rec := env.do(t, http.MethodPut, path, FlagRequest{LiveFlag: types.LiveFlagNotLive}, userHeader); rec.Code != http.StatusForbidden {
		t.Fatalf("user token status=%d", rec.Code)
	}
	if rec := env.do(t, http.MethodPut, path, FlagRequest{LiveFlag: "hidden"}, modHeader); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad flag status=%d", rec.Code)
	}

	rec := env.do(t, http.MethodPut, path, FlagRequest{LiveFlag: types.LiveFlagNotLive, Reason: "spam"}, modHeader)
	if rec.Code != http.StatusOK {
		t.Fatalf("flag status=%d body=%s", rec.Code, rec.Body.String())
	}
	flagged := decode[types.Post](t, rec)
	if flagged.LiveFlag != types.LiveFlagNotLive || types.Deref(flagged.FlaggedBy) != "TModerator" || types.Deref(flagged.FlagReason) != "spam" {
		t.Fatalf("unexpected flagged post: %+v", flagged)
	}
	if feed := decode[PostListResponse](t, env.do(t, http.MethodGet, "/api/posts", nil, nil)); len(feed.Posts) != 0 {
		t.Fatalf("flagged post still in feed")
	}

	rec = env.do(t, http.MethodPut, path, FlagRequest{LiveFlag: types.LiveFlagLive, Moderator: "TReviewer"}, modHeader)
	if p := decode[types.Post](t, rec); p.LiveFlag != types.LiveFlagLive || types.Deref(p.FlaggedBy) != "TReviewer" {
		t.Fatalf("unflag: %+v", p)
	}
	if feed := decode[PostListResponse](t, env.do(t, http.MethodGet, "/api/posts", nil, nil)); len(feed.Posts) != 1 {
		t.Fatalf("restored post missing from feed")
	}

	flagsPath := postPath(p.SequentialCode, "/flags")
	if rec := env.do(t, http.MethodGet, flagsPath, nil, userHeader); rec.Code != http.StatusForbidden {
		t.Fatalf("user flag history status=%d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, flagsPath, nil, modHeader)
	history := decode[FlagHistoryResponse](t, rec)
	if rec.Code != http.StatusOK || len(history.Events) != 2 {
		t.Fatalf("flag history status=%d body=%s", rec.Code, rec.Body.String())
	}
	if history.Events[0].LiveFlag != types.LiveFlagNotLive || types.Deref(history.Events[1].Moderator) != "TReviewer" {
		t.Fatalf("unexpected history: %+v", history.Events)
	}
	if rec := env.do(t, http.MethodGet, postPath("LAS#FFFF", "/flags"), nil, modHeader); rec.Code != http.StatusNotFound {
		t.Fatalf("missing post history status=%d", rec.Code)
	}

	if rec := env.do(t, http.MethodPut, postPath("LAS#FFFF", "/flag"), FlagRequest{LiveFlag: types.LiveFlagLive}, modHeader); rec.Code != http.StatusNotFound {
		t.Fatalf("missing post status=%d", rec.Code)
	}
}

func TestCharterEndpoint(t *testing.T) {
	env := newTestEnv(t, func(s *Server) { s.Charters = moderation.NewCharterStore("", "", 0, nil) })
	if rec := env.do(t, http.MethodGet, "/api/moderation/charter", nil, nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("no charter status=%d", rec.Code)
	}

	env = newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/moderation/charter", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	out := decode[CharterResponse](t, rec)
	if out.Version != "2026.10.0" || out.Source != moderation.SourceFile || out.Charter == nil {
		t.Fatalf("unexpected charter: %+v", out)
	}
}

func TestCharterEndpoint_SwitchesToRemoteWhenItRecovers(t *testing.T) {
	var up atomic.Bool
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		w.Header().Set("ETag", `"remote-etag"`)
		_, _ = w.Write([]byte(`{"version":"remote-2","categories":[],"enforcement":{"default":"hard_block"}}`))
	}))
	t.Cleanup(remote.Close)

	charters := moderation.NewCharterStore(remote.URL, charterFile, time.Minute, nil)
	env := newTestEnv(t, func(s *Server) {
		s.Charters = charters
		s.Moderation = moderation.NewEngine(charters, nil, nil)
	})
	ctx := context.Background()

	if err := charters.Refresh(ctx); err != nil {
		t.Fatalf("startup Refresh: %v", err)
	}
	before := decode[CharterResponse](t, env.do(t, http.MethodGet, "/api/moderation/charter", nil, nil))
	if before.Source != moderation.SourceFile || before.Version != "2026.10.0" {
		t.Fatalf("before recovery: %+v", before)
	}

	up.Store(true)
	if err := charters.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	after := decode[CharterResponse](t, env.do(t, http.MethodGet, "/api/moderation/charter", nil, nil))
	if after.Source != moderation.SourceRemote || after.Version != "remote-2" || after.ETag != `"remote-etag"` {
		t.Fatalf("after recovery: %+v", after)
	}
}

func TestModerationCheck(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/moderation/check", CheckRequest{Content: "limited time offer, buy now!"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if d := decode[moderation.Decision](t, rec); d.Action != types.ActionSoftBlock {
		t.Fatalf("action = %q", d.Action)
	}
	if rec := env.do(t, http.MethodPost, "/api/moderation/check", CheckRequest{}, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty content status=%d", rec.Code)
	}
	if n, _ := env.store.CurrentSequence(context.Background(), seqcode.PostCounter); n != 0 {
		t.Fatalf("check consumed a code")
	}
}

func TestGetBatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.OpenBatch(ctx, 1, "LASB#00000001", "owner", 1); err != nil {
		t.Fatalf("OpenBatch: %v", err)
	}

	if rec := env.do(t, http.MethodGet, "/api/batches/zero", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad number status=%d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/batches/2", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing status=%d", rec.Code)
	}
	rec := env.do(t, http.MethodGet, "/api/batches/1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if b := decode[types.Batch](t, rec); b.BatchCode != "LASB#00000001" || b.Status != types.BatchOpen {
		t.Fatalf("unexpected batch: %+v", b)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	out := decode[HealthResponse](t, rec)
	if out.Status != "ok" || out.Role != "indexer" || out.CharterVersion != "2026.10.0" || out.LastSequentialCode != "" {
		t.Fatalf("unexpected health: %+v", out)
	}

	a := newAuthor(t)
	p := decode[types.Post](t, env.post(t, a, a.body(t, "hello", testNow.UnixMilli()), nil))
	if out := decode[HealthResponse](t, env.do(t, http.MethodGet, "/api/health", nil, nil)); out.LastSequentialCode != p.SequentialCode {
		t.Fatalf("last code = %q, want %q", out.LastSequentialCode, p.SequentialCode)
	}

	_ = env.store.Close()
	rec = env.do(t, http.MethodGet, "/api/health", nil, nil)
	if rec.Code != http.StatusServiceUnavailable || decode[HealthResponse](t, rec).Store != "unavailable" {
		t.Fatalf("closed store: status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	a := newAuthor(t)
	env.post(t, a, a.body(t, "count me", testNow.UnixMilli()), nil)

	rec := env.do(t, http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "halo_posts_created_total") {
		t.Fatalf("metrics output missing posts counter")
	}
}
