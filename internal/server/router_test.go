package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/clock"
	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/gift"
	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/ingress"
	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/trivia"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	showAnchor      int64 = 1_704_067_200_000
	jsonContentType       = "application/json"
)

type stubVotes struct {
	outcome ingress.VoteOutcome
	err     error
	wallets []string
}

func (s *stubVotes) SubmitVote(_ context.Context, wallet string, _ string) (ingress.VoteOutcome, error) {
	s.wallets = append(s.wallets, wallet)
	return s.outcome, s.err
}

type stubMerger struct {
	result *trivia.Result
	err    error
}

func (s stubMerger) MergeNow(context.Context) (*trivia.Result, error) {
	return s.result, s.err
}

type testServer struct {
	handler   http.Handler
	authority *clock.Authority
	event     *gift.Event
	votes     *stubVotes
	fakeClock *clockwork.FakeClock
}

type testServerOptions struct {
	merger   RoundMerger
	sessions SessionValidator
}

func newTestServer(t *testing.T, options testServerOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	// One second into the first earn phase.
	fakeClock := clockwork.NewFakeClockAt(time.UnixMilli(showAnchor + 601_000))
	authority, err := clock.NewAuthority(context.Background(), clock.AuthorityConfig{
		Config: clock.Config{
			AnchorMs:        showAnchor,
			EarnDurationMs:  clock.BaseEarnDurationMs,
			SpendDurationMs: clock.BaseSpendDurationMs,
			RoundDurationMs: clock.BaseRoundDurationMs,
			SpeedMultiplier: 1,
		},
		Hub:   realtime.NewHub(16),
		Clock: fakeClock,
	})
	if err != nil {
		t.Fatalf("new authority: %v", err)
	}
	t.Cleanup(authority.Close)

	event, err := gift.NewEvent(context.Background(), gift.EventConfig{
		DefaultBalance: 1000,
		Hub:            realtime.NewHub(16),
		Clock:          fakeClock,
	})
	if err != nil {
		t.Fatalf("new gift event: %v", err)
	}
	t.Cleanup(event.Close)

	merger := options.merger
	if merger == nil {
		merger = stubMerger{}
	}
	votes := &stubVotes{outcome: ingress.VoteOutcome{OK: true, RoundID: 1}}
	handler, err := NewHTTPHandler(Dependencies{
		Clock:    authority,
		Votes:    votes,
		Gift:     event,
		Merger:   merger,
		Sessions: options.sessions,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("new http handler: %v", err)
	}
	return &testServer{handler: handler, authority: authority, event: event, votes: votes, fakeClock: fakeClock}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else if raw, ok := body.(string); ok {
		reader = bytes.NewReader([]byte(raw))
	} else {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", jsonContentType)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return value
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingClockService) {
		t.Fatalf("expected missing clock error, got %v", err)
	}
}

func TestHealthReportsClockGeometry(t *testing.T) {
	server := newTestServer(t, testServerOptions{})

	recorder := server.do(t, http.MethodGet, "/health", nil)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	payload := decodeBody[healthResponsePayload](t, recorder)
	if !payload.OK || payload.SpeedMultiplier != 1 {
		t.Fatalf("unexpected health payload %+v", payload)
	}
	if payload.NextBoundary != showAnchor+614_000 {
		t.Fatalf("expected next boundary at the end of round 1, got %d", payload.NextBoundary)
	}
}

func TestClockReturnsUncachedState(t *testing.T) {
	server := newTestServer(t, testServerOptions{})

	recorder := server.do(t, http.MethodGet, "/clock", nil)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if recorder.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("expected no-store, got %q", recorder.Header().Get("Cache-Control"))
	}
	state := decodeBody[clock.State](t, recorder)
	if state.Phase != clock.PhaseEarnTrivia || state.Round == nil || state.Round.ID != 1 {
		t.Fatalf("unexpected clock state %+v", state)
	}
}

func TestVoteMapsOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		body       any
		wantStatus int
		wantError  string
	}{
		{name: "accepted", body: voteRequestPayload{Wallet: "0xabc", Option: "B"}, wantStatus: http.StatusOK},
		{name: "malformed", body: "{", wantStatus: http.StatusBadRequest, wantError: "invalid_vote"},
		{name: "invalid", err: ingress.ErrInvalidVote, body: voteRequestPayload{Wallet: "0xabc", Option: "Z"}, wantStatus: http.StatusBadRequest, wantError: "invalid_vote"},
		{name: "closed", err: ingress.ErrVotingClosed, body: voteRequestPayload{Wallet: "0xabc", Option: "A"}, wantStatus: http.StatusConflict, wantError: "voting_closed"},
		{name: "elapsed", err: ingress.ErrVoteWindowElapsed, body: voteRequestPayload{Wallet: "0xabc", Option: "A"}, wantStatus: http.StatusConflict, wantError: "vote_window_elapsed"},
		{name: "shard-down", err: errors.New("shard unreachable"), body: voteRequestPayload{Wallet: "0xabc", Option: "A"}, wantStatus: http.StatusBadGateway, wantError: "vote_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(t, testServerOptions{})
			server.votes.err = tt.err

			recorder := server.do(t, http.MethodPost, "/vote", tt.body)

			if recorder.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d (%s)", tt.wantStatus, recorder.Code, recorder.Body.String())
			}
			if tt.wantError == "" {
				outcome := decodeBody[ingress.VoteOutcome](t, recorder)
				if !outcome.OK || outcome.RoundID != 1 {
					t.Fatalf("unexpected outcome %+v", outcome)
				}
				return
			}
			body := decodeBody[map[string]any](t, recorder)
			if body["error"] != tt.wantError {
				t.Fatalf("expected error %q, got %v", tt.wantError, body)
			}
		})
	}
}

func TestGiftRoutesFollowAuctionLifecycle(t *testing.T) {
	server := newTestServer(t, testServerOptions{})

	if recorder := server.do(t, http.MethodGet, "/gift/state", nil); recorder.Body.String() != "null" {
		t.Fatalf("expected null state before start, got %s", recorder.Body.String())
	}

	start := server.do(t, http.MethodPost, "/gift/start", giftStartRequestPayload{GiftID: 1, Threshold: 300, DurationMs: 60_000})
	if start.Code != http.StatusOK {
		t.Fatalf("unexpected start status %d (%s)", start.Code, start.Body.String())
	}
	started := decodeBody[gift.State](t, start)
	if started.Status != gift.StatusActive || started.EndsAt-started.StartedAt != 60_000 {
		t.Fatalf("unexpected started state %+v", started)
	}

	first := server.do(t, http.MethodPost, "/gift/bid", giftBidRequestPayload{Wallet: "0xAlice", Amount: 200})
	if first.Code != http.StatusOK {
		t.Fatalf("unexpected bid status %d (%s)", first.Code, first.Body.String())
	}

	tie := server.do(t, http.MethodPost, "/gift/bid", giftBidRequestPayload{Wallet: "0xbob", Amount: 200})
	if tie.Code != http.StatusBadRequest {
		t.Fatalf("expected tie to be rejected, got %d", tie.Code)
	}
	if result := decodeBody[gift.BidResult](t, tie); result.Reason != gift.ReasonTooLow {
		t.Fatalf("expected too_low, got %+v", result)
	}

	second := server.do(t, http.MethodPost, "/gift/bid", giftBidRequestPayload{Wallet: "0xbob", Amount: 350})
	if second.Code != http.StatusOK {
		t.Fatalf("unexpected bid status %d", second.Code)
	}

	invalid := server.do(t, http.MethodPost, "/gift/bid", giftBidRequestPayload{Wallet: "", Amount: 10})
	if invalid.Code != http.StatusBadRequest {
		t.Fatalf("expected invalid bid to fail, got %d", invalid.Code)
	}

	finalize := server.do(t, http.MethodPost, "/gift/finalize", nil)
	if finalize.Code != http.StatusOK {
		t.Fatalf("unexpected finalize status %d", finalize.Code)
	}
	resolved := decodeBody[gift.State](t, finalize)
	if resolved.Status != gift.StatusResolved || resolved.Resolution == nil {
		t.Fatalf("expected resolution, got %+v", resolved)
	}
	if resolved.Resolution.Winner == nil || *resolved.Resolution.Winner != "0xbob" || resolved.Resolution.Amount != 350 {
		t.Fatalf("unexpected resolution %+v", resolved.Resolution)
	}

	again := decodeBody[gift.State](t, server.do(t, http.MethodPost, "/gift/finalize", map[string]int64{"now": 1}))
	if again.Resolution == nil || again.Resolution.ResolvedAt != resolved.Resolution.ResolvedAt {
		t.Fatalf("expected idempotent finalize, got %+v", again.Resolution)
	}
}

func TestGiftFinalizeReadsChunkedBody(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	start := server.do(t, http.MethodPost, "/gift/start", giftStartRequestPayload{GiftID: 2, Threshold: 0, DurationMs: 60_000})
	if start.Code != http.StatusOK {
		t.Fatalf("unexpected start status %d", start.Code)
	}
	resolvedAt := decodeBody[gift.State](t, start).StartedAt + 1234

	request := httptest.NewRequest(http.MethodPost, "/gift/finalize", strings.NewReader(fmt.Sprintf(`{"now":%d}`, resolvedAt)))
	request.Header.Set("Content-Type", jsonContentType)
	request.ContentLength = -1
	request.TransferEncoding = []string{"chunked"}
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected finalize status %d (%s)", recorder.Code, recorder.Body.String())
	}
	resolved := decodeBody[gift.State](t, recorder)
	if resolved.Resolution == nil || resolved.Resolution.ResolvedAt != resolvedAt {
		t.Fatalf("expected resolution at %d, got %+v", resolvedAt, resolved.Resolution)
	}

	malformed := server.do(t, http.MethodPost, "/gift/finalize", "{")
	if malformed.Code != http.StatusBadRequest {
		t.Fatalf("expected malformed body rejected, got %d", malformed.Code)
	}
}

func TestGiftStartRejectsInvalidWindow(t *testing.T) {
	server := newTestServer(t, testServerOptions{})

	recorder := server.do(t, http.MethodPost, "/gift/start", giftStartRequestPayload{GiftID: 1, Threshold: 10, DurationMs: 0})

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", recorder.Code)
	}
}

func TestGiftFinalizeWithoutAuctionConflicts(t *testing.T) {
	server := newTestServer(t, testServerOptions{})

	recorder := server.do(t, http.MethodPost, "/gift/finalize", nil)

	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected conflict, got %d", recorder.Code)
	}
}

func TestTriviaMergeReportsOutcome(t *testing.T) {
	result := trivia.BuildResult(5, trivia.Counts{2, 1, 0, 0}, showAnchor)
	tests := []struct {
		name       string
		merger     stubMerger
		wantStatus int
		wantMerged bool
	}{
		{name: "merged", merger: stubMerger{result: &result}, wantStatus: http.StatusOK, wantMerged: true},
		{name: "nothing-pending", merger: stubMerger{}, wantStatus: http.StatusOK},
		{name: "failed", merger: stubMerger{err: errors.New("shard down")}, wantStatus: http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(t, testServerOptions{merger: tt.merger})

			recorder := server.do(t, http.MethodPost, "/trivia/merge", nil)

			if recorder.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, recorder.Code)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			body := decodeBody[map[string]any](t, recorder)
			if body["merged"] != tt.wantMerged {
				t.Fatalf("unexpected merge body %v", body)
			}
		})
	}
}

func TestOperatorRoutesRequireSession(t *testing.T) {
	server := newTestServer(t, testServerOptions{
		sessions: stubSessionValidator{validateErr: auth.ErrMissingSessionToken},
	})

	if recorder := server.do(t, http.MethodPost, "/gift/start", giftStartRequestPayload{GiftID: 1, DurationMs: 1000}); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected start to require a session, got %d", recorder.Code)
	}
	if recorder := server.do(t, http.MethodPost, "/trivia/merge", nil); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected merge to require a session, got %d", recorder.Code)
	}
	if recorder := server.do(t, http.MethodGet, "/gift/state", nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected public routes to stay open, got %d", recorder.Code)
	}
}
