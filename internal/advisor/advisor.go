// Package advisor gates signal intake on an external validation service.
package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/erenaydin/futuresbot/internal/domain"
)

// DefaultTimeout bounds a single validation call. The intake pipeline treats
// a timeout as a rejection, so this stays short.
const DefaultTimeout = 10 * time.Second

// HTTPAdvisor implements domain.Advisor against a JSON-over-HTTP validation
// service. The service receives the signal and answers with a decision plus
// optional target and stop adjustments.
type HTTPAdvisor struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// NewHTTPAdvisor creates an advisor client. A zero timeout selects
// DefaultTimeout.
func NewHTTPAdvisor(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *HTTPAdvisor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPAdvisor{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With(slog.String("component", "advisor")),
	}
}

type validateRequest struct {
	Symbol          string  `json:"symbol"`
	Direction       string  `json:"direction"`
	EntryPrice      float64 `json:"entry_price"`
	Grade           string  `json:"grade"`
	ConfluenceScore float64 `json:"confluence_score"`
	Strategy        string  `json:"strategy"`
}

type validateResponse struct {
	Decision     string  `json:"decision"`
	TPMultiplier float64 `json:"tp_multiplier"`
	SLMultiplier float64 `json:"sl_multiplier"`
	Confidence   float64 `json:"confidence"`
	Reason       string  `json:"reason"`
}

// Validate submits the signal for review. Transport failures, non-200
// responses, and unknown decisions are returned as errors; the caller treats
// any error as a rejection.
func (a *HTTPAdvisor) Validate(ctx context.Context, sig domain.Signal) (domain.AdvisorVerdict, error) {
	body, err := json.Marshal(validateRequest{
		Symbol:          sig.Symbol,
		Direction:       string(sig.Direction),
		EntryPrice:      sig.EntryPrice,
		Grade:           string(sig.Grade),
		ConfluenceScore: sig.ConfluenceScore,
		Strategy:        sig.Strategy,
	})
	if err != nil {
		return domain.AdvisorVerdict{}, fmt.Errorf("advisor: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/validate", bytes.NewReader(body))
	if err != nil {
		return domain.AdvisorVerdict{}, fmt.Errorf("advisor: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return domain.AdvisorVerdict{}, fmt.Errorf("advisor: validate %s: %w", sig.Symbol, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.AdvisorVerdict{}, fmt.Errorf("advisor: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.AdvisorVerdict{}, fmt.Errorf("advisor: validate %s: status %d: %s", sig.Symbol, resp.StatusCode, string(raw))
	}

	var vr validateResponse
	if err := json.Unmarshal(raw, &vr); err != nil {
		return domain.AdvisorVerdict{}, fmt.Errorf("advisor: decode response: %w", err)
	}

	decision := domain.AdvisorDecision(vr.Decision)
	switch decision {
	case domain.AdvisorApproved, domain.AdvisorCaution, domain.AdvisorRejected:
	default:
		return domain.AdvisorVerdict{}, fmt.Errorf("advisor: unknown decision %q for %s", vr.Decision, sig.Symbol)
	}

	if vr.Reason != "" {
		a.logger.Debug("advisor verdict",
			slog.String("symbol", sig.Symbol),
			slog.String("decision", vr.Decision),
			slog.String("reason", vr.Reason),
		)
	}

	return domain.AdvisorVerdict{
		Decision:     decision,
		TPMultiplier: vr.TPMultiplier,
		SLMultiplier: vr.SLMultiplier,
		Confidence:   vr.Confidence,
	}, nil
}

var _ domain.Advisor = (*HTTPAdvisor)(nil)
