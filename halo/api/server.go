package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"halo-indexer/halo/metrics"
	"halo-indexer/halo/moderation"
	"halo-indexer/halo/ratelimit"
	"halo-indexer/halo/seqcode"
	"halo-indexer/halo/signature"
	"halo-indexer/halo/storage"
	"halo-indexer/halo/types"
)

const maxIPFSHashLength = 128

// Store is the post store used by the handlers.
type Store interface {
	CreatePost(ctx context.Context, p *types.Post) error
	GetPost(ctx context.Context, code string) (*types.Post, error)
	ChronologicalFeed(ctx context.Context, offset, limit int) ([]types.Post, bool, error)
	UserPosts(ctx context.Context, address string, offset, limit int) ([]types.Post, bool, error)
	RepliesOf(ctx context.Context, parentKey string, offset, limit int) ([]types.Post, bool, error)
	SetLiveFlag(ctx context.Context, code, flag, reason, moderator string, at int64) (*types.Post, error)
	FlagEvents(ctx context.Context, code string) ([]storage.FlagEvent, error)
	GetBatch(ctx context.Context, number int64) (*types.Batch, error)
	CurrentSequence(ctx context.Context, name string) (uint64, error)
	Ping(ctx context.Context) error
}

type CodeGenerator interface {
	Generate(ctx context.Context, address string, timestamp int64) (string, uint64, error)
}

type Moderator interface {
	Evaluate(ctx context.Context, content string, ec moderation.EvalContext) moderation.Decision
}

type CharterView interface {
	Current() *moderation.Snapshot
}

type BatchSubmitter interface {
	Submit(p *types.Post) bool
}

type Options struct {
	RateLimit        int
	RateWindow       time.Duration
	MaxContentLength int
	TimestampSkew    time.Duration
	TrustProxy       bool
	CodeWidth        int // zero padding of issued codes; lookups are rewritten to it
}

type Server struct {
	Role       string
	Store      Store
	Codes      CodeGenerator
	Verifier   *signature.Verifier
	Limiter    *ratelimit.Limiter
	Moderation Moderator
	Charters   CharterView
	Batches    BatchSubmitter
	Auth       *Authenticator
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Options    Options

	Now func() time.Time
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.health)
	mux.HandleFunc("POST /api/posts", s.createPost)
	mux.HandleFunc("GET /api/posts", s.listPosts)
	mux.HandleFunc("GET /api/posts/{sequentialCode}", s.getPost)
	mux.HandleFunc("GET /api/posts/{sequentialCode}/replies", s.listReplies)
	mux.HandleFunc("PUT /api/posts/{sequentialCode}/flag", s.flagPost)
	mux.HandleFunc("GET /api/posts/{sequentialCode}/flags", s.listFlags)
	mux.HandleFunc("GET /api/moderation/charter", s.getCharter)
	mux.HandleFunc("POST /api/moderation/check", s.checkContent)
	mux.HandleFunc("GET /api/batches/{batchNumber}", s.getBatch)
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics.Handler())
	}

	return accessLog(s.logger(), s.Metrics, mux)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	out := HealthResponse{Status: "ok", Role: s.Role, Store: "ok"}
	if snap := s.currentCharter(); snap != nil {
		out.CharterVersion = snap.Charter.Version
	}
	if err := s.Store.Ping(ctx); err != nil {
		s.logger().Warn("health: store ping failed", zap.Error(err))
		out.Status = "degraded"
		out.Store = "unavailable"
		writeJSON(w, http.StatusServiceUnavailable, out)
		return
	}
	if n, err := s.Store.CurrentSequence(ctx, seqcode.PostCounter); err == nil && n > 0 {
		out.LastSequentialCode = s.canonicalCode(types.CodePrefix + seqcode.Format(n, 0))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createPost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !s.allow(w, r, "posts") {
		return
	}

	var req CreatePostRequest
	if err := readJSON(w, r, &req); err != nil {
		s.Metrics.PostRejected("invalid_json")
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	req.UserAddress = strings.TrimSpace(req.UserAddress)
	if req.ParentSequentialCode != nil {
		c := s.canonicalCode(strings.TrimSpace(*req.ParentSequentialCode))
		req.ParentSequentialCode = &c
	}
	if req.PostType == "" {
		req.PostType = types.PostTypeFree
	}
	if fields := s.validatePost(&req); len(fields) > 0 {
		s.Metrics.PostRejected("validation")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: fields})
		return
	}

	if s.Auth.enabled() {
		claims, err := s.Auth.authenticate(r)
		if err != nil {
			s.Metrics.PostRejected("unauthorized")
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if claims.Subject != req.UserAddress {
			s.Metrics.PostRejected("forbidden")
			writeError(w, http.StatusForbidden, "token subject does not match userAddress")
			return
		}
		if req.PostType == types.PostTypeSponsored && claims.Subscription != SubscriptionActive {
			s.Metrics.PostRejected("forbidden")
			writeError(w, http.StatusForbidden, "sponsored posts require an active subscription")
			return
		}
	}

	now := s.now()
	ts := *req.Timestamp
	if skew := s.Options.TimestampSkew.Milliseconds(); abs(now.UnixMilli()-ts) > skew {
		s.Metrics.PostRejected("timestamp")
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:  "timestamp outside allowed skew",
			Fields: map[string]string{"timestamp": "must be within " + s.Options.TimestampSkew.String() + " of server time"},
		})
		return
	}

	decision := s.Moderation.Evaluate(ctx, req.Content, moderation.EvalContext{
		UserAddress: req.UserAddress,
		PostType:    req.PostType,
	})
	s.Metrics.ModerationDecision(decision.Action)
	if isPreview(r) {
		writeJSON(w, http.StatusOK, PreviewResponse{Preview: true, Decision: decision})
		return
	}
	if decision.Action == types.ActionHardBlock {
		s.Metrics.PostRejected("moderation")
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:    "content rejected by moderation",
			Decision: &decision,
		})
		return
	}

	sig := s.Verifier.Check(signature.Request{
		Content:     req.Content,
		Timestamp:   ts,
		UserAddress: req.UserAddress,
		Signature:   req.Signature,
		PubKey:      req.PubKey,
	})
	if !sig.Accepted() {
		s.Metrics.PostRejected("signature")
		writeError(w, http.StatusBadRequest, "signature rejected: "+sig.Err.Error())
		return
	}

	code, seq, err := s.Codes.Generate(ctx, req.UserAddress, ts)
	if err != nil {
		s.logger().Error("generate sequential code", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "sequential code unavailable")
		return
	}

	liveFlag := types.LiveFlagLive
	if decision.Action == types.ActionSoftBlock {
		liveFlag = types.LiveFlagNotLive
	}
	post := &types.Post{
		SequentialCode:       code,
		Sequence:             seq,
		Content:              req.Content,
		ContentHash:          types.ContentHash(req.Content),
		UserAddress:          req.UserAddress,
		Signature:            req.Signature,
		PubKey:               req.PubKey,
		Timestamp:            ts,
		PostType:             req.PostType,
		LiveFlag:             liveFlag,
		ParentSequentialCode: nonEmpty(req.ParentSequentialCode),
		ParentIPFSHash:       nonEmpty(req.ParentIPFSHash),
		SignatureStatus:      sig.Status,
		Moderation:           decision.Record(),
		CreatedAt:            now.UnixMilli(),
	}
	if err := s.Store.CreatePost(ctx, post); err != nil {
		s.logger().Error("store post", zap.String("code", code), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store post")
		return
	}

	if s.Batches != nil {
		s.Batches.Submit(post)
	}
	s.Metrics.PostCreated(post.PostType, post.LiveFlag)
	s.logger().Info("post created",
		zap.String("code", code),
		zap.String("address", post.UserAddress),
		zap.String("liveFlag", post.LiveFlag),
		zap.String("signature", post.SignatureStatus),
	)
	writeJSON(w, http.StatusCreated, post)
}

func (s *Server) validatePost(req *CreatePostRequest) map[string]string {
	fields := make(map[string]string)
	switch {
	case strings.TrimSpace(req.Content) == "":
		fields["content"] = "is required"
	case !utf8.ValidString(req.Content):
		fields["content"] = "must be valid UTF-8"
	case utf8.RuneCountInString(req.Content) > s.maxContentLength():
		fields["content"] = "exceeds " + strconv.Itoa(s.maxContentLength()) + " characters"
	}
	if req.UserAddress == "" {
		fields["userAddress"] = "is required"
	}
	if strings.TrimSpace(req.Signature) == "" {
		fields["signature"] = "is required"
	}
	if req.Timestamp == nil || *req.Timestamp <= 0 {
		fields["timestamp"] = "is required"
	}
	if req.PostType != types.PostTypeFree && req.PostType != types.PostTypeSponsored {
		fields["postType"] = "must be free or sponsored"
	}
	if p := req.ParentSequentialCode; p != nil && *p != "" && !seqcode.Valid(*p) {
		fields["parentSequentialCode"] = "must match LAS#<hex>"
	}
	if h := req.ParentIPFSHash; h != nil && *h != "" {
		if len(*h) > maxIPFSHashLength || strings.ContainsAny(*h, " \t\r\n/") {
			fields["parentIpfsHash"] = "is not a valid content identifier"
		}
	}
	return fields
}

func (s *Server) listPosts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	author := strings.TrimSpace(q.Get("author"))
	parentCode := s.canonicalCode(strings.TrimSpace(q.Get("parentSequentialCode")))
	parentHash := strings.TrimSpace(q.Get("parentIpfsHash"))

	set := 0
	for _, v := range []string{author, parentCode, parentHash} {
		if v != "" {
			set++
		}
	}
	if set > 1 {
		writeError(w, http.StatusBadRequest, "use only one of author, parentSequentialCode, parentIpfsHash")
		return
	}
	if parentCode != "" && !seqcode.Valid(parentCode) {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:  "invalid sequential code",
			Fields: map[string]string{"parentSequentialCode": "must match LAS#<hex>"},
		})
		return
	}

	page, limit := parsePageLimit(r, storage.DefaultPageSize, storage.MaxPageSize)
	offset := (page - 1) * limit

	var (
		posts   []types.Post
		hasMore bool
		err     error
	)
	switch {
	case parentCode != "":
		posts, hasMore, err = s.Store.RepliesOf(ctx, types.ParentCodeKey(parentCode), offset, limit)
	case parentHash != "":
		posts, hasMore, err = s.Store.RepliesOf(ctx, types.ParentIPFSKey(parentHash), offset, limit)
	case author != "":
		posts, hasMore, err = s.Store.UserPosts(ctx, author, offset, limit)
	default:
		posts, hasMore, err = s.Store.ChronologicalFeed(ctx, offset, limit)
	}
	if err != nil {
		s.logger().Error("list posts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list posts")
		return
	}
	writeJSON(w, http.StatusOK, PostListResponse{Posts: nonNil(posts), Page: page, Limit: limit, HasMore: hasMore})
}

func (s *Server) getPost(w http.ResponseWriter, r *http.Request) {
	code, ok := s.pathCode(w, r)
	if !ok {
		return
	}
	p, err := s.Store.GetPost(r.Context(), code)
	if err != nil {
		s.logger().Error("get post", zap.String("code", code), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load post")
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "post not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) listReplies(w http.ResponseWriter, r *http.Request) {
	code, ok := s.pathCode(w, r)
	if !ok {
		return
	}
	page, limit := parsePageLimit(r, storage.DefaultPageSize, storage.MaxPageSize)
	posts, hasMore, err := s.Store.RepliesOf(r.Context(), types.ParentCodeKey(code), (page-1)*limit, limit)
	if err != nil {
		s.logger().Error("list replies", zap.String("code", code), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list replies")
		return
	}
	writeJSON(w, http.StatusOK, PostListResponse{Posts: nonNil(posts), Page: page, Limit: limit, HasMore: hasMore})
}

func (s *Server) flagPost(w http.ResponseWriter, r *http.Request) {
	code, ok := s.pathCode(w, r)
	if !ok {
		return
	}

	subject, ok := s.requireModerator(w, r)
	if !ok {
		return
	}

	var req FlagRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.LiveFlag != types.LiveFlagLive && req.LiveFlag != types.LiveFlagNotLive {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:  "validation failed",
			Fields: map[string]string{"liveFlag": "must be live or not-live"},
		})
		return
	}
	moderator := strings.TrimSpace(req.Moderator)
	if moderator == "" {
		moderator = subject
	}

	p, err := s.Store.SetLiveFlag(r.Context(), code, req.LiveFlag, strings.TrimSpace(req.Reason), moderator, s.now().UnixMilli())
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "post not found")
		return
	}
	if err != nil {
		s.logger().Error("set live flag", zap.String("code", code), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update post")
		return
	}
	s.logger().Info("post flagged",
		zap.String("code", code),
		zap.String("liveFlag", req.LiveFlag),
		zap.String("moderator", moderator),
	)
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) listFlags(w http.ResponseWriter, r *http.Request) {
	code, ok := s.pathCode(w, r)
	if !ok {
		return
	}
	if _, ok := s.requireModerator(w, r); !ok {
		return
	}

	p, err := s.Store.GetPost(r.Context(), code)
	if err != nil {
		s.logger().Error("get post", zap.String("code", code), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load post")
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "post not found")
		return
	}
	events, err := s.Store.FlagEvents(r.Context(), code)
	if err != nil {
		s.logger().Error("flag events", zap.String("code", code), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list flag events")
		return
	}
	writeJSON(w, http.StatusOK, FlagHistoryResponse{SequentialCode: code, Events: nonNil(events)})
}

// requireModerator returns the token subject when bearer checks are on.
// With checks off every caller may moderate and the subject is empty.
func (s *Server) requireModerator(w http.ResponseWriter, r *http.Request) (string, bool) {
	if !s.Auth.enabled() {
		return "", true
	}
	claims, err := s.Auth.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return "", false
	}
	if claims.Role != RoleModerator {
		writeError(w, http.StatusForbidden, "moderator role required")
		return "", false
	}
	return claims.Subject, true
}

func (s *Server) getCharter(w http.ResponseWriter, r *http.Request) {
	snap := s.currentCharter()
	if snap == nil {
		writeError(w, http.StatusServiceUnavailable, moderation.ErrNoCharter.Error())
		return
	}
	writeJSON(w, http.StatusOK, CharterResponse{
		Version:  snap.Charter.Version,
		Source:   snap.Source,
		ETag:     snap.ETag,
		LoadedAt: snap.LoadedAt,
		Charter:  snap.Charter,
	})
}

func (s *Server) checkContent(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, "check") {
		return
	}
	var req CheckRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	fields := make(map[string]string)
	switch {
	case strings.TrimSpace(req.Content) == "":
		fields["content"] = "is required"
	case utf8.RuneCountInString(req.Content) > s.maxContentLength():
		fields["content"] = "exceeds " + strconv.Itoa(s.maxContentLength()) + " characters"
	}
	if req.PostType == "" {
		req.PostType = types.PostTypeFree
	}
	if req.PostType != types.PostTypeFree && req.PostType != types.PostTypeSponsored {
		fields["postType"] = "must be free or sponsored"
	}
	if len(fields) > 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: fields})
		return
	}
	decision := s.Moderation.Evaluate(r.Context(), req.Content, moderation.EvalContext{PostType: req.PostType})
	s.Metrics.ModerationDecision(decision.Action)
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseInt(r.PathValue("batchNumber"), 10, 64)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "invalid batch number")
		return
	}
	b, err := s.Store.GetBatch(r.Context(), n)
	if err != nil {
		s.logger().Error("get batch", zap.Int64("batch", n), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load batch")
		return
	}
	if b == nil {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// allow applies the shared rate limit for the route class. It writes the
// response and returns false when the request must stop.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, class string) bool {
	key := class + ":" + ratelimit.ClientKey(r, s.Options.TrustProxy)
	ok, err := s.Limiter.Allow(r.Context(), key, s.Options.RateWindow, s.Options.RateLimit)
	if err != nil {
		s.logger().Error("rate limiter", zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "rate limiter unavailable")
		return false
	}
	if !ok {
		s.Metrics.RateLimited()
		if secs := int(s.Options.RateWindow.Seconds()); secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

func (s *Server) currentCharter() *moderation.Snapshot {
	if s.Charters == nil {
		return nil
	}
	snap := s.Charters.Current()
	if snap == nil || snap.Charter == nil {
		return nil
	}
	return snap
}

func (s *Server) maxContentLength() int {
	if s.Options.MaxContentLength > 0 {
		return s.Options.MaxContentLength
	}
	return 25000
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Server) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Server) canonicalCode(code string) string {
	return seqcode.Canonical(code, s.Options.CodeWidth)
}

func (s *Server) pathCode(w http.ResponseWriter, r *http.Request) (string, bool) {
	code := s.canonicalCode(r.PathValue("sequentialCode"))
	if !seqcode.Valid(code) {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:  "invalid sequential code",
			Fields: map[string]string{"sequentialCode": "must match LAS#<hex>"},
		})
		return "", false
	}
	return code, true
}

func isPreview(r *http.Request) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(r.Header.Get(PreviewHeader)))
	return err == nil && v
}

func nonEmpty(s *string) *string {
	if s == nil {
		return nil
	}
	return types.StrPtr(strings.TrimSpace(*s))
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func readJSON(w http.ResponseWriter, r *http.Request, out any) error {
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, 2<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// maxPage bounds page so (page-1)*limit cannot overflow.
const maxPage = 1 << 20

// parsePageLimit reads 1-based page and limit query values. Invalid values
// fall back to the defaults, limit is capped at maxLimit and page at maxPage.
func parsePageLimit(r *http.Request, defaultLimit, maxLimit int) (page, limit int) {
	page = 1
	limit = defaultLimit

	if s := r.URL.Query().Get("limit"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if s := r.URL.Query().Get("page"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			page = min(v, maxPage)
		} else if errors.Is(err, strconv.ErrRange) && !strings.HasPrefix(s, "-") {
			page = maxPage
		}
	}
	return page, limit
}
