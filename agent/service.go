package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"photoagent/domain"
	"photoagent/masumi"
	"photoagent/pipeline"
	"photoagent/store"
)

// Payments is the three-call contract the engine depends on. *masumi.Client
// satisfies it.
type Payments interface {
	CreatePaymentRequest(ctx context.Context, req masumi.CreateRequest) (*masumi.PaymentCreated, error)
	CheckPaymentStatus(ctx context.Context, blockchainIdentifier string) (string, error)
	CompletePayment(ctx context.Context, blockchainIdentifier, result string) error
}

// ExecLock is the slice of the execution lock client the engine uses.
// *execlock.Client satisfies it.
type ExecLock interface {
	Key(jobID string) string
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) (bool, error)
}

type Options struct {
	AgentIdentifier string
	SellerVKey      string
	PaymentAmount   string
	PaymentUnit     string
	PollInterval    time.Duration
	// PipelineTimeout bounds one pipeline run; 0 disables the bound and a
	// hung run then holds its job in running forever.
	PipelineTimeout time.Duration
	LockTTL         time.Duration
}

func OptionsFromEnv() Options {
	return Options{
		AgentIdentifier: strings.TrimSpace(os.Getenv("AGENT_IDENTIFIER")),
		SellerVKey:      strings.TrimSpace(os.Getenv("SELLER_VKEY")),
		PaymentAmount:   readEnvDefault("PAYMENT_AMOUNT", "10000000"),
		PaymentUnit:     readEnvDefault("PAYMENT_UNIT", "lovelace"),
		PollInterval:    masumi.PollInterval(),
		PipelineTimeout: readEnvDurationSecondsDefault("PIPELINE_TIMEOUT_SECONDS", 5*time.Minute),
		LockTTL:         readEnvDurationSecondsDefault("JOB_LOCK_TTL_SECONDS", 30*time.Minute),
	}
}

// Service is the job/payment orchestration engine plus its HTTP surface.
// It owns every write to job status; the payment monitors and the status
// endpoint go through it.
type Service struct {
	store    store.JobStore
	payments Payments
	monitors *masumi.Registry
	pipeline pipeline.Runner
	lock     ExecLock // nil unless the Redis store is in use
	opts     Options
}

func NewService(st store.JobStore, payments Payments, runner pipeline.Runner, lock ExecLock, opts Options) *Service {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	return &Service{
		store:    st,
		payments: payments,
		monitors: masumi.NewRegistry(),
		pipeline: runner,
		lock:     lock,
		opts:     opts,
	}
}

func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/start_job", s.handleStartJob)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/availability", s.handleAvailability)
	mux.HandleFunc("/input_schema", s.handleInputSchema)
	mux.HandleFunc("/metadata", s.handleMetadata)
	mux.HandleFunc("/health", s.handleHealth)
}

type startJobRequest struct {
	IdentifierFromPurchaser string            `json:"identifier_from_purchaser"`
	InputData               map[string]string `json:"input_data"`
}

func (s *Service) handleStartJob(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req startJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.IdentifierFromPurchaser) == "" {
		http.Error(w, "identifier_from_purchaser must not be empty", http.StatusBadRequest)
		return
	}
	prompt := strings.TrimSpace(req.InputData["prompt"])
	if len(prompt) < 5 {
		http.Error(w, "prompt field must contain at least 5 characters", http.StatusBadRequest)
		return
	}

	truncated := prompt
	if len(truncated) > 100 {
		truncated = truncated[:100] + "..."
	}
	slog.Info("received photo search request", "prompt", truncated)

	jobID := uuid.NewString()
	amounts := []masumi.Amount{{Amount: s.opts.PaymentAmount, Unit: s.opts.PaymentUnit}}
	inputData := map[string]string{"prompt": prompt}

	created, err := s.payments.CreatePaymentRequest(r.Context(), masumi.CreateRequest{
		AgentIdentifier:         s.opts.AgentIdentifier,
		IdentifierFromPurchaser: req.IdentifierFromPurchaser,
		Amounts:                 amounts,
		InputData:               inputData,
	})
	if err != nil {
		// No job record persists when payment creation fails.
		slog.Error("create payment request failed", "job", jobID, "err", err)
		http.Error(w, "internal server error occurred while processing the request", http.StatusInternalServerError)
		return
	}

	job := &domain.Job{
		ID:                      jobID,
		Status:                  domain.JobStatusAwaitingPayment,
		CreatedAt:               time.Now(),
		BlockchainIdentifier:    created.BlockchainIdentifier,
		PaymentStatus:           "pending",
		Prompt:                  prompt,
		IdentifierFromPurchaser: req.IdentifierFromPurchaser,
	}
	if err := s.store.Create(job); err != nil {
		slog.Error("store job failed", "job", jobID, "err", err)
		http.Error(w, "internal server error occurred while processing the request", http.StatusInternalServerError)
		return
	}

	// Register before the first poll: a fast confirmation must find the
	// monitor in the registry so the terminal transition removes it.
	m := masumi.NewMonitor(s.payments, created.BlockchainIdentifier, s.opts.PollInterval)
	s.monitors.Add(jobID, m)
	m.Start(func(blockchainIdentifier string) {
		s.HandlePaymentConfirmed(jobID, blockchainIdentifier)
	})
	slog.Info("job created, awaiting payment", "job", jobID, "blockchainIdentifier", created.BlockchainIdentifier)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":                    "success",
		"job_id":                    jobID,
		"blockchainIdentifier":      created.BlockchainIdentifier,
		"payByTime":                 created.PayByTime,
		"submitResultTime":          created.SubmitResultTime,
		"unlockTime":                created.UnlockTime,
		"externalDisputeUnlockTime": created.ExternalDisputeUnlockTime,
		"agentIdentifier":           s.opts.AgentIdentifier,
		"sellerVKey":                s.opts.SellerVKey,
		"identifierFromPurchaser":   req.IdentifierFromPurchaser,
		"amounts":                   amounts,
		"input_hash":                created.InputHash,
	})
}

type statusResponse struct {
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	Result        string `json:"result,omitempty"`
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	jobID := strings.TrimSpace(r.URL.Query().Get("job_id"))
	if jobID == "" {
		http.Error(w, "job_id required", http.StatusBadRequest)
		return
	}

	job, ok, err := s.store.Get(jobID)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	// Refresh the advisory payment status while a monitor is still
	// registered. A failed check degrades the advisory value and never
	// fails the status query itself.
	if s.monitors.Has(jobID) {
		ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
		paymentStatus, err := s.payments.CheckPaymentStatus(ctx, job.BlockchainIdentifier)
		cancel()
		if err != nil {
			slog.Warn("payment status check failed", "job", jobID, "err", err)
			paymentStatus = "error"
		}
		if j2, ok2, err2 := s.store.Update(jobID, func(j *domain.Job) {
			j.PaymentStatus = paymentStatus
		}); err2 == nil && ok2 {
			job = j2
		}
	}

	resp := statusResponse{
		JobID:         job.ID,
		Status:        string(job.Status),
		PaymentStatus: job.PaymentStatus,
	}
	if job.Status == domain.JobStatusCompleted {
		resp.Result = job.Result
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func readEnvDefault(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
}

func readEnvDurationSecondsDefault(key string, defaultVal time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return defaultVal
	}
	return time.Duration(n) * time.Second
}
