package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/metastream/live/internal/auth"
	"github.com/metastream/live/internal/comments"
	"github.com/metastream/live/internal/database"
	"github.com/metastream/live/internal/eventstore"
	"github.com/metastream/live/internal/moderation"
	"github.com/metastream/live/internal/presence"
	"github.com/metastream/live/internal/streams"
	"github.com/metastream/live/internal/updates"
	"go.uber.org/zap"
)

const (
	testChannel    = "tehran-live"
	testOwner      = "owner-1"
	testSigningKey = "server-test-secret"
)

var testEpoch = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

type serverHarness struct {
	handler  http.Handler
	clock    *clockwork.FakeClock
	tracker  *presence.Tracker
	store    *eventstore.MemoryStore
	streams  *streams.Service
	gateway  *moderation.Gateway
	issuer   *auth.TokenIssuer
	realtime *RealtimeDispatcher
	stream   streams.Stream
}

type failingHealthChecker struct{}

func (failingHealthChecker) Ping(context.Context) error { return eventstore.ErrClosed }

func newServerHarness(t *testing.T, health HealthChecker) serverHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	clock := clockwork.NewFakeClockAt(testEpoch)
	store := eventstore.NewMemoryStore(eventstore.MemoryConfig{Clock: clock})
	scheduler, err := comments.NewScheduler(comments.SchedulerConfig{Log: store})
	if err != nil {
		t.Fatalf("failed to build scheduler: %v", err)
	}
	tracker, err := presence.NewTracker(presence.TrackerConfig{Set: store})
	if err != nil {
		t.Fatalf("failed to build tracker: %v", err)
	}
	updateService, err := updates.NewService(updates.ServiceConfig{
		Tracker:   tracker,
		Scheduler: scheduler,
		Flags:     store,
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("failed to build update service: %v", err)
	}
	realtime := NewRealtimeDispatcher()
	streamService, err := streams.NewService(streams.ServiceConfig{
		Database:  db,
		Scheduler: scheduler,
		Flags:     store,
		Publisher: realtime,
		Viewers:   tracker,
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("failed to build stream service: %v", err)
	}
	gateway, err := moderation.NewGateway(moderation.GatewayConfig{
		Database:  db,
		Scheduler: scheduler,
		Publisher: realtime,
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("failed to build gateway: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningKey),
		Issuer:        "metastream-auth",
		Audience:      "metastream-moderation",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	authenticator, err := auth.NewRequestAuthenticator(auth.RequestAuthenticatorConfig{Issuer: issuer})
	if err != nil {
		t.Fatalf("failed to build authenticator: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Updates:       updateService,
		Streams:       streamService,
		Moderation:    gateway,
		Authenticator: authenticator,
		Realtime:      realtime,
		Health:        health,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	ctx := context.Background()
	channel, err := streamService.UpsertChannel(ctx, streams.Channel{Username: testChannel, Name: "Tehran Live", OwnerID: testOwner})
	if err != nil {
		t.Fatalf("failed to create channel: %v", err)
	}
	stream, err := streamService.UpsertStream(ctx, streams.Stream{
		ChannelID:        channel.ID,
		OwnerID:          testOwner,
		Title:            "evening show",
		StartTimeSeconds: testEpoch.Add(-10 * time.Minute).Unix(),
		DurationSeconds:  3600,
		Status:           streams.StatusLive,
		AllowComments:    true,
	})
	if err != nil {
		t.Fatalf("failed to create stream: %v", err)
	}

	return serverHarness{
		handler:  handler,
		clock:    clock,
		tracker:  tracker,
		store:    store,
		streams:  streamService,
		gateway:  gateway,
		issuer:   issuer,
		realtime: realtime,
		stream:   stream,
	}
}

func (h serverHarness) token(t *testing.T, subject, role string) string {
	t.Helper()
	token, _, err := h.issuer.IssueModeratorToken(context.Background(), subject, role)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (h serverHarness) do(t *testing.T, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func (h serverHarness) checkUpdate(t *testing.T, lastID int64) checkUpdateResponsePayload {
	t.Helper()
	recorder := h.do(t, http.MethodPost, "/check-update", gin.H{"stream_id": h.stream.ID, "last_id": lastID}, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("check-update returned %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload checkUpdateResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode check-update: %v", err)
	}
	return payload
}

func (h serverHarness) submit(t *testing.T, message string) commentPayload {
	t.Helper()
	recorder := h.do(t, http.MethodPost, "/api/c/"+testChannel+"/comments", gin.H{"username": "Sara", "message": message}, "")
	if recorder.Code != http.StatusCreated {
		t.Fatalf("submit returned %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload struct {
		Comment commentPayload `json:"comment"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode submit response: %v", err)
	}
	return payload.Comment
}

func itoa(value int64) string {
	return strconv.FormatInt(value, 10)
}
