package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/mission-engine/agent/contract"
	usagex "github.com/tanpawarit/mission-engine/agent/usage"
	workerx "github.com/tanpawarit/mission-engine/agent/worker"
	qstashx "github.com/tanpawarit/mission-engine/pkg/qstash"
)

const (
	MissionsPath     = "/v1/missions"
	UsageSummaryPath = "/v1/usage/summary"
	maxBodyBytes     = 1 << 20
)

type Submitter interface {
	Submit(ctx context.Context, mission contractx.Mission) error
}

type UsageReader interface {
	Summary(ctx context.Context, since, until time.Time) (usagex.Totals, error)
	SummaryBy(ctx context.Context, by usagex.GroupBy, since, until time.Time) ([]usagex.SummaryRow, error)
}

// SignatureVerifier checks the QStash signature of a delivered request.
type SignatureVerifier interface {
	CanVerify() bool
	Verify(signature string, body []byte) error
}

type Config struct {
	Missions Submitter
	Usage    UsageReader
	// Verifier is optional; when it can verify, mission intake requires a valid signature.
	Verifier SignatureVerifier
	Logger   zerolog.Logger
	Now      func() time.Time
}

// New returns the HTTP handler of the mission intake API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Missions == nil {
		return nil, errors.New("mission submitter is required")
	}
	if cfg.Usage == nil {
		return nil, errors.New("usage reader is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger.With().Str("component", "server").Logger()

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(verifySignature(cfg.Verifier, logger))

	api := humachi.New(router, huma.DefaultConfig("Mission Engine API", "1.0.0"))
	registerHealth(api)
	registerMissions(api, cfg.Missions, logger)
	registerUsage(api, cfg.Usage, cfg.Now)

	return router, nil
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}

// verifySignature guards mission intake with the Upstash-Signature header when keys are configured.
func verifySignature(verifier SignatureVerifier, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil || !verifier.CanVerify() || r.Method != http.MethodPost || r.URL.Path != MissionsPath {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					writeProblem(w, http.StatusRequestEntityTooLarge, "request body is too large")
					return
				}
				writeProblem(w, http.StatusBadRequest, "could not read body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			if err := verifier.Verify(r.Header.Get(qstashx.SignatureHeader), body); err != nil {
				logger.Warn().Err(err).Msg("rejected unsigned mission")
				writeProblem(w, http.StatusUnauthorized, "invalid signature")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeProblem answers outside huma with the same problem+json shape huma uses.
func writeProblem(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(huma.ErrorModel{
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
}

type statusBody struct {
	Status string `json:"status" example:"ok"`
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct{ Body statusBody }, error) {
		return &struct{ Body statusBody }{Body: statusBody{Status: "ok"}}, nil
	})
}

type missionInput struct {
	Body contractx.Mission
}

func registerMissions(api huma.API, missions Submitter, logger zerolog.Logger) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-mission",
		Method:        http.MethodPost,
		Path:          MissionsPath,
		Summary:       "Submit a mission",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *missionInput) (*struct{ Body statusBody }, error) {
		if err := input.Body.Validate(); err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		if err := missions.Submit(ctx, input.Body); err != nil {
			if errors.Is(err, workerx.ErrPoolClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, huma.Error503ServiceUnavailable("mission queue is not accepting work")
			}
			logger.Error().Err(err).Msg("mission submission failed")
			return nil, huma.Error500InternalServerError("mission could not be queued")
		}
		return &struct{ Body statusBody }{Body: statusBody{Status: "accepted"}}, nil
	})
}

type usageInput struct {
	Since   string `query:"since" default:"24h" doc:"Look-back window as a Go duration"`
	GroupBy string `query:"group_by" doc:"Optional grouping"`
}

type usageBody struct {
	Since  time.Time           `json:"since"`
	Until  time.Time           `json:"until"`
	Totals usagex.Totals       `json:"totals"`
	Rows   []usagex.SummaryRow `json:"rows,omitempty"`
}

func registerUsage(api huma.API, usage UsageReader, now func() time.Time) {
	huma.Register(api, huma.Operation{
		OperationID: "usage-summary",
		Method:      http.MethodGet,
		Path:        UsageSummaryPath,
		Summary:     "Token usage summary",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *usageInput) (*struct{ Body usageBody }, error) {
		window, err := time.ParseDuration(input.Since)
		if err != nil || window <= 0 {
			return nil, huma.Error400BadRequest("since must be a positive duration such as 24h")
		}
		until := now().UTC()
		since := until.Add(-window)

		totals, err := usage.Summary(ctx, since, until)
		if err != nil {
			return nil, huma.Error500InternalServerError("usage summary failed", err)
		}
		body := usageBody{Since: since, Until: until, Totals: totals}

		if input.GroupBy != "" {
			rows, err := usage.SummaryBy(ctx, usagex.GroupBy(input.GroupBy), since, until)
			if errors.Is(err, contractx.ErrValidation) {
				return nil, huma.Error400BadRequest(err.Error())
			}
			if err != nil {
				return nil, huma.Error500InternalServerError("usage summary failed", err)
			}
			body.Rows = rows
		}
		return &struct{ Body usageBody }{Body: body}, nil
	})
}
