package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	contractx "github.com/tanpawarit/mission-engine/agent/contract"
	usagex "github.com/tanpawarit/mission-engine/agent/usage"
	workerx "github.com/tanpawarit/mission-engine/agent/worker"
	qstashx "github.com/tanpawarit/mission-engine/pkg/qstash"
)

var serverNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSubmitter struct {
	mu       sync.Mutex
	missions []contractx.Mission
	err      error
}

func (f *fakeSubmitter) Submit(ctx context.Context, mission contractx.Mission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.missions = append(f.missions, mission)
	return nil
}

type fakeUsage struct {
	since, until time.Time
	by           usagex.GroupBy
}

func (f *fakeUsage) Summary(ctx context.Context, since, until time.Time) (usagex.Totals, error) {
	f.since, f.until = since, until
	return usagex.Totals{Records: 3, InputTokens: 120, OutputTokens: 30}, nil
}

func (f *fakeUsage) SummaryBy(ctx context.Context, by usagex.GroupBy, since, until time.Time) ([]usagex.SummaryRow, error) {
	f.by = by
	if by != usagex.GroupByAction {
		return nil, contractx.ErrValidation
	}
	return []usagex.SummaryRow{
		{Key: "activate_user", Totals: usagex.Totals{Records: 2, InputTokens: 100, OutputTokens: 20}},
		{Key: "general_chat", Totals: usagex.Totals{Records: 1, InputTokens: 20, OutputTokens: 10}},
	}, nil
}

type fakeVerifier struct {
	enabled bool
	want    string
	body    []byte
}

func (f *fakeVerifier) CanVerify() bool { return f.enabled }

func (f *fakeVerifier) Verify(signature string, body []byte) error {
	f.body = body
	if signature != f.want {
		return errors.New("bad signature")
	}
	return nil
}

func newTestHandler(t *testing.T, sub Submitter, usage UsageReader, verifier SignatureVerifier) http.Handler {
	t.Helper()
	h, err := New(Config{
		Missions: sub,
		Usage:    usage,
		Verifier: verifier,
		Logger:   zerolog.Nop(),
		Now:      func() time.Time { return serverNow },
	})
	require.NoError(t, err)
	return h
}

func do(h http.Handler, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const reactiveBody = `{"mission_type":"REACTIVE","trigger_info":{"channel_address":"+5511999990001","message_body":"hi"}}`

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Usage: &fakeUsage{}})
	require.Error(t, err)
	_, err = New(Config{Missions: &fakeSubmitter{}})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, &fakeSubmitter{}, &fakeUsage{}, nil)
	rec := do(h, http.MethodGet, "/health", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestSubmitMissionAccepted(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	h := newTestHandler(t, sub, &fakeUsage{}, nil)
	rec := do(h, http.MethodPost, MissionsPath, reactiveBody, nil)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, sub.missions, 1)
	assert.Equal(t, contractx.MissionReactive, sub.missions[0].Kind)
	assert.Equal(t, "+5511999990001", sub.missions[0].Trigger.ChannelAddress)
	assert.Equal(t, "hi", sub.missions[0].Trigger.MessageBody)
}

func TestSubmitMissionRejectsInvalidMission(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	h := newTestHandler(t, sub, &fakeUsage{}, nil)
	rec := do(h, http.MethodPost, MissionsPath, `{"mission_type":"REACTIVE","trigger_info":{}}`, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Empty(t, sub.missions)
}

func TestSubmitMissionQueueClosed(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, &fakeSubmitter{err: workerx.ErrPoolClosed}, &fakeUsage{}, nil)
	rec := do(h, http.MethodPost, MissionsPath, reactiveBody, nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSubmitMissionSignature(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		enabled   bool
		signature string
		want      int
		queued    int
	}{
		{name: "verification disabled", enabled: false, want: http.StatusAccepted, queued: 1},
		{name: "valid signature", enabled: true, signature: "good", want: http.StatusAccepted, queued: 1},
		{name: "missing signature", enabled: true, want: http.StatusUnauthorized},
		{name: "wrong signature", enabled: true, signature: "forged", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sub := &fakeSubmitter{}
			verifier := &fakeVerifier{enabled: tt.enabled, want: "good"}
			h := newTestHandler(t, sub, &fakeUsage{}, verifier)

			header := http.Header{}
			if tt.signature != "" {
				header.Set(qstashx.SignatureHeader, tt.signature)
			}
			rec := do(h, http.MethodPost, MissionsPath, reactiveBody, header)

			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Len(t, sub.missions, tt.queued)
			if tt.enabled {
				assert.Equal(t, reactiveBody, string(verifier.body))
			}
		})
	}
}

func TestSubmitMissionRejectsOversizeBody(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	verifier := &fakeVerifier{enabled: true, want: "good"}
	h := newTestHandler(t, sub, &fakeUsage{}, verifier)

	body := `{"mission_type":"REACTIVE","trigger_info":{"channel_address":"+1","message_body":"` +
		strings.Repeat("x", maxBodyBytes) + `"}}`
	header := http.Header{}
	header.Set(qstashx.SignatureHeader, "good")
	rec := do(h, http.MethodPost, MissionsPath, body, header)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/problem+json")
	assert.Nil(t, verifier.body, "an oversize body must not reach signature verification")
	assert.Empty(t, sub.missions)
}

func TestUsageSummary(t *testing.T) {
	t.Parallel()

	usage := &fakeUsage{}
	h := newTestHandler(t, &fakeSubmitter{}, usage, nil)
	rec := do(h, http.MethodGet, UsageSummaryPath+"?since=2h&group_by=action", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body usageBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Totals.Records)
	assert.Equal(t, int64(150), body.Totals.TotalTokens())
	require.Len(t, body.Rows, 2)
	assert.Equal(t, "activate_user", body.Rows[0].Key)

	assert.Equal(t, serverNow, usage.until)
	assert.Equal(t, serverNow.Add(-2*time.Hour), usage.since)
	assert.Equal(t, usagex.GroupByAction, usage.by)
}

func TestUsageSummaryDefaultsToLastDay(t *testing.T) {
	t.Parallel()

	usage := &fakeUsage{}
	h := newTestHandler(t, &fakeSubmitter{}, usage, nil)
	rec := do(h, http.MethodGet, UsageSummaryPath, "", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, serverNow.Add(-24*time.Hour), usage.since)
	assert.NotContains(t, rec.Body.String(), `"rows"`)
}

func TestUsageSummaryBadInput(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, &fakeSubmitter{}, &fakeUsage{}, nil)

	rec := do(h, http.MethodGet, UsageSummaryPath+"?since=yesterday", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodGet, UsageSummaryPath+"?group_by=tenant", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
