package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"

	"wapipe/internal/logging"
	"wapipe/internal/providers/meta"
)

type config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	PublicURL   string `envconfig:"MOCK_PUBLIC_URL" default:"http://localhost:8080"`
	AccessToken string `envconfig:"MOCK_ACCESS_TOKEN" default:"mock_token"`
	AppSecret   string `envconfig:"MOCK_APP_SECRET" default:""`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// fixed | round_robin | random
	OutcomeMode string `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw string `envconfig:"MOCK_OUTCOMES" default:"read"`

	WebhookURL       string `envconfig:"MOCK_WEBHOOK_URL" default:""`
	StatusDelayMinMs int    `envconfig:"MOCK_STATUS_DELAY_MS_MIN" default:"100"`
	StatusDelayMaxMs int    `envconfig:"MOCK_STATUS_DELAY_MS_MAX" default:"500"`
	// Posts statuses in a shuffled order to exercise ack non-regression.
	ShuffleStatuses bool `envconfig:"MOCK_SHUFFLE_STATUSES" default:"false"`

	WebhookMaxRetries     int `envconfig:"MOCK_WEBHOOK_MAX_RETRIES" default:"5"`
	WebhookRetryBaseMs    int `envconfig:"MOCK_WEBHOOK_RETRY_BASE_MS" default:"250"`
	WebhookRetryMaxMs     int `envconfig:"MOCK_WEBHOOK_RETRY_MAX_MS" default:"10000"`
	WebhookRetryJitterPct int `envconfig:"MOCK_WEBHOOK_RETRY_JITTER_PCT" default:"20"`

	Outcomes []string
}

type server struct {
	cfg    config
	idx    uint64
	rng    *rand.Rand
	rngMu  sync.Mutex
	client *http.Client
}

func main() {
	cfg := loadConfig()
	logging.Init("mock-provider", cfg.LogFormat, "info")

	s := &server{
		cfg:    cfg,
		rng:    newRand(),
		client: &http.Client{Timeout: 5 * time.Second},
	}

	slog.Info("mock provider listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, loggingMiddleware(s.routes())); err != nil {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}

func newRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

func (s *server) routes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/{version}/{phoneNumberID}/messages", s.handleSend).Methods(http.MethodPost)
	router.HandleFunc("/media/{mediaID}", s.handleMediaBinary).Methods(http.MethodGet)
	router.HandleFunc("/mock/inbound", s.handleInbound).Methods(http.MethodPost)
	router.HandleFunc("/{version}/{mediaID}", s.handleMediaMetadata).Methods(http.MethodGet)
	return router
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Info("mock provider request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func loadConfig() config {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("mock provider config load failed", "err", err)
		os.Exit(1)
	}
	cfg.OutcomeMode = strings.ToLower(cfg.OutcomeMode)
	cfg.Outcomes = parseCSV(cfg.OutcomesRaw)
	cfg.WebhookURL = strings.TrimSpace(cfg.WebhookURL)
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	if cfg.StatusDelayMaxMs < cfg.StatusDelayMinMs {
		cfg.StatusDelayMinMs, cfg.StatusDelayMaxMs = cfg.StatusDelayMaxMs, cfg.StatusDelayMinMs
	}
	if cfg.WebhookMaxRetries < 0 {
		cfg.WebhookMaxRetries = 0
	}
	return cfg
}

type sendRequest struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
}

type sendResponse struct {
	MessagingProduct string `json:"messaging_product"`
	Contacts         []struct {
		Input string `json:"input"`
		WaID  string `json:"wa_id"`
	} `json:"contacts"`
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.cfg.AccessToken {
		writeError(w, http.StatusUnauthorized, 190, "Invalid OAuth access token")
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.To == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, 100, "Invalid parameter")
		return
	}

	outcome := s.nextOutcome()
	statuses, errorCode, httpStatus := classifyOutcome(outcome)
	if httpStatus != http.StatusOK {
		writeError(w, httpStatus, errorCode, "mock failure: "+outcome)
		return
	}

	id := fmtWamid(atomic.AddUint64(&s.idx, 1))
	var resp sendResponse
	resp.MessagingProduct = "whatsapp"
	resp.Contacts = append(resp.Contacts, struct {
		Input string `json:"input"`
		WaID  string `json:"wa_id"`
	}{Input: req.To, WaID: req.To})
	resp.Messages = append(resp.Messages, struct {
		ID string `json:"id"`
	}{ID: id})
	writeJSON(w, http.StatusOK, resp)

	s.statusSequence(mux.Vars(r)["phoneNumberID"], id, req.To, statuses, errorCode)
}

func (s *server) handleMediaMetadata(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["mediaID"]
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        id,
		"url":       s.cfg.PublicURL + "/media/" + id + "?ext=" + strconv.FormatInt(time.Now().Unix(), 10),
		"mime_type": "image/png",
	})
}

// A 1x1 transparent PNG.
var pixel = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4,
	0x89, 0x00, 0x00, 0x00, 0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49, 0x45, 0x4e, 0x44, 0xae,
	0x42, 0x60, 0x82,
}

func (s *server) handleMediaBinary(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.cfg.AccessToken {
		writeError(w, http.StatusUnauthorized, 190, "Invalid OAuth access token")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(pixel)
}

// handleInbound simulates a member writing to the business number:
// POST /mock/inbound?from=5511987654321&text=hi[&media=1][&context=wamid.X]
func (s *server) handleInbound(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from := q.Get("from")
	if from == "" || s.cfg.WebhookURL == "" {
		writeError(w, http.StatusBadRequest, 100, "from and MOCK_WEBHOOK_URL are required")
		return
	}
	id := fmtWamid(atomic.AddUint64(&s.idx, 1))
	msg := map[string]any{
		"from":      from,
		"id":        id,
		"timestamp": strconv.FormatInt(time.Now().Unix(), 10),
		"type":      "text",
		"text":      map[string]string{"body": q.Get("text")},
	}
	if q.Get("media") != "" {
		msg["type"] = "image"
		msg["image"] = map[string]string{"id": "media-" + id, "mime_type": "image/png", "caption": q.Get("text")}
		delete(msg, "text")
	}
	if c := q.Get("context"); c != "" {
		msg["context"] = map[string]string{"id": c}
	}
	value := map[string]any{
		"messaging_product": "whatsapp",
		"metadata":          map[string]string{"phone_number_id": q.Get("phone_number_id")},
		"contacts":          []any{map[string]any{"wa_id": from, "profile": map[string]string{"name": q.Get("name")}}},
		"messages":          []any{msg},
	}
	go func() {
		_ = s.postWebhookWithRetry(context.Background(), s.cfg.WebhookURL, envelope(value))
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *server) statusSequence(phoneNumberID, id, recipient string, statuses []string, errorCode int) {
	if s.cfg.WebhookURL == "" || len(statuses) == 0 {
		return
	}
	if s.cfg.ShuffleStatuses {
		s.rngMu.Lock()
		s.rng.Shuffle(len(statuses), func(i, j int) { statuses[i], statuses[j] = statuses[j], statuses[i] })
		s.rngMu.Unlock()
	}
	go func() {
		for _, st := range statuses {
			s.sleepRange(s.cfg.StatusDelayMinMs, s.cfg.StatusDelayMaxMs)
			status := map[string]any{
				"id":           id,
				"status":       st,
				"timestamp":    strconv.FormatInt(time.Now().Unix(), 10),
				"recipient_id": recipient,
			}
			if st == "sent" {
				status["conversation"] = map[string]any{
					"id":                   "conv-" + id,
					"expiration_timestamp": strconv.FormatInt(time.Now().Add(24*time.Hour).Unix(), 10),
					"origin":               map[string]string{"type": "service"},
				}
				status["pricing"] = map[string]any{"billable": true, "pricing_model": "CBP", "category": "service"}
			}
			if st == "failed" {
				status["errors"] = []any{map[string]any{"code": errorCode, "title": "mock failure"}}
			}
			value := map[string]any{
				"messaging_product": "whatsapp",
				"metadata":          map[string]string{"phone_number_id": phoneNumberID},
				"statuses":          []any{status},
			}
			_ = s.postWebhookWithRetry(context.Background(), s.cfg.WebhookURL, envelope(value))
		}
	}()
}

func envelope(value map[string]any) []byte {
	body, _ := json.Marshal(map[string]any{
		"object": "whatsapp_business_account",
		"entry": []any{map[string]any{
			"id":      "mock-waba",
			"changes": []any{map[string]any{"field": "messages", "value": value}},
		}},
	})
	return body
}

func (s *server) sleepRange(minMs, maxMs int) {
	d := minMs
	if maxMs > minMs {
		s.rngMu.Lock()
		d += s.rng.Intn(maxMs - minMs + 1)
		s.rngMu.Unlock()
	}
	if d > 0 {
		time.Sleep(time.Duration(d) * time.Millisecond)
	}
}

func (s *server) postWebhookWithRetry(ctx context.Context, callbackURL string, body []byte) error {
	maxAttempts := s.cfg.WebhookMaxRetries + 1

	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, strings.NewReader(string(body)))
		req.Header.Set("Content-Type", "application/json")
		if s.cfg.AppSecret != "" {
			req.Header.Set("X-Hub-Signature-256", meta.Sign(s.cfg.AppSecret, body))
		}

		resp, err := s.client.Do(req)
		if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			_ = resp.Body.Close()
			return nil
		}
		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}

		if attempt == maxAttempts-1 {
			slog.Error("mock webhook post failed", "url", callbackURL, "attempt", attempt+1, "status", status, "err", err)
			return fmt.Errorf("webhook post failed: status=%d", status)
		}
		if err == nil && !isRetryableStatus(status) {
			slog.Error("mock webhook post non-retryable", "url", callbackURL, "attempt", attempt+1, "status", status)
			return fmt.Errorf("webhook post non-retryable: status=%d", status)
		}

		wait := s.retryBackoff(attempt)
		slog.Warn("mock webhook post retrying", "url", callbackURL, "attempt", attempt+1, "status", status, "wait_ms", wait.Milliseconds())
		time.Sleep(wait)
	}
	return nil
}

func (s *server) retryBackoff(attempt int) time.Duration {
	base := time.Duration(s.cfg.WebhookRetryBaseMs) * time.Millisecond
	max := time.Duration(s.cfg.WebhookRetryMaxMs) * time.Millisecond
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if max <= 0 {
		max = 10 * time.Second
	}

	wait := base * time.Duration(1<<attempt)
	if wait > max {
		wait = max
	}

	jp := s.cfg.WebhookRetryJitterPct
	if jp <= 0 {
		return wait
	}
	if jp > 100 {
		jp = 100
	}
	delta := int64(wait) * int64(jp) / 100
	if delta <= 0 {
		return wait
	}
	s.rngMu.Lock()
	j := s.rng.Int63n(2*delta+1) - delta
	s.rngMu.Unlock()
	return time.Duration(int64(wait) + j)
}

func isRetryableStatus(code int) bool {
	switch code {
	case 0, http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		idx := atomic.LoadUint64(&s.idx)
		return s.cfg.Outcomes[int(idx)%len(s.cfg.Outcomes)]
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		return s.cfg.Outcomes[i]
	default:
		return s.cfg.Outcomes[0]
	}
}

// classifyOutcome maps an outcome token ("read", "failed:131026", "429") to
// the statuses to post back, the error code, and the send response status.
func classifyOutcome(raw string) (statuses []string, errorCode int, httpStatus int) {
	token := strings.TrimSpace(raw)
	if token == "" {
		token = "read"
	}
	parts := strings.Split(token, ":")
	kind := parts[0]
	if len(parts) > 1 {
		if v, err := strconv.Atoi(parts[1]); err == nil {
			errorCode = v
		}
	}

	switch kind {
	case "read", "ok":
		return []string{"sent", "delivered", "read"}, 0, http.StatusOK
	case "delivered":
		return []string{"sent", "delivered"}, 0, http.StatusOK
	case "sent":
		return []string{"sent"}, 0, http.StatusOK
	case "failed":
		if errorCode == 0 {
			errorCode = 131026
		}
		return []string{"sent", "failed"}, errorCode, http.StatusOK
	case "rate_limit", "429":
		return nil, 130429, http.StatusTooManyRequests
	case "bad_request", "400":
		return nil, 100, http.StatusBadRequest
	default:
		return nil, 1, http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, code int, msg string) {
	var resp graphError
	resp.Error.Code = code
	resp.Error.Message = msg
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func fmtWamid(i uint64) string {
	return "wamid.MOCK" + fmt.Sprintf("%08d", i)
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return []string{"read"}
	}
	return out
}
