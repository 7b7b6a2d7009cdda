package masumi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Amount is one unit of payment, e.g. {Amount: "10000000", Unit: "lovelace"}.
type Amount struct {
	Amount string `json:"amount"`
	Unit   string `json:"unit"`
}

// CreateRequest is the input to CreatePaymentRequest.
type CreateRequest struct {
	AgentIdentifier         string
	IdentifierFromPurchaser string
	Amounts                 []Amount
	InputData               map[string]string
}

// PaymentCreated holds the correlation fields the payment service returns
// for a new payment request.
type PaymentCreated struct {
	BlockchainIdentifier      string `json:"blockchainIdentifier"`
	PayByTime                 string `json:"payByTime"`
	SubmitResultTime          string `json:"submitResultTime"`
	UnlockTime                string `json:"unlockTime"`
	ExternalDisputeUnlockTime string `json:"externalDisputeUnlockTime"`
	InputHash                 string `json:"inputHash"`
}

// Client talks to the Masumi payment service. It covers the three calls the
// engine depends on: create a payment request, check a payment's status,
// and submit the result once work is done.
type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 20 * time.Second},
	}
}

// InputHash computes the sha256 hex digest of the canonical JSON encoding
// of the input data. Go's json.Marshal sorts map keys, which gives the
// canonical form the payment service expects.
func InputHash(inputData map[string]string) string {
	b, _ := json.Marshal(inputData)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (c *Client) CreatePaymentRequest(ctx context.Context, req CreateRequest) (*PaymentCreated, error) {
	if strings.TrimSpace(req.AgentIdentifier) == "" {
		return nil, errors.New("agent identifier is empty")
	}
	if strings.TrimSpace(req.IdentifierFromPurchaser) == "" {
		return nil, errors.New("identifier from purchaser is empty")
	}
	if len(req.Amounts) == 0 {
		return nil, errors.New("no payment amounts")
	}

	inputHash := InputHash(req.InputData)
	body := map[string]interface{}{
		"agentIdentifier":         req.AgentIdentifier,
		"network":                 strings.ToUpper(c.cfg.Network),
		"paymentType":             "Web3CardanoV1",
		"identifierFromPurchaser": req.IdentifierFromPurchaser,
		"inputHash":               inputHash,
		"RequestedFunds":          req.Amounts,
	}

	var out struct {
		Data PaymentCreated `json:"data"`
	}
	if err := c.postJSON(ctx, c.cfg.ServiceURL+"/payment/", body, &out); err != nil {
		return nil, fmt.Errorf("create payment request failed: %w", err)
	}
	if strings.TrimSpace(out.Data.BlockchainIdentifier) == "" {
		return nil, errors.New("payment service returned no blockchainIdentifier")
	}
	if out.Data.InputHash == "" {
		out.Data.InputHash = inputHash
	}
	return &out.Data, nil
}

// CheckPaymentStatus returns the provider's current status string for one
// payment. Values are provider-specific; Confirmed reports which of them
// mean the funds are locked.
func (c *Client) CheckPaymentStatus(ctx context.Context, blockchainIdentifier string) (string, error) {
	blockchainIdentifier = strings.TrimSpace(blockchainIdentifier)
	if blockchainIdentifier == "" {
		return "", errors.New("blockchain identifier is empty")
	}

	q := url.Values{}
	q.Set("network", strings.ToUpper(c.cfg.Network))
	q.Set("blockchainIdentifier", blockchainIdentifier)

	var out struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, c.cfg.ServiceURL+"/payment/?"+q.Encode(), &out); err != nil {
		return "", fmt.Errorf("check payment status failed: %w", err)
	}
	status := strings.TrimSpace(out.Data.Status)
	if status == "" {
		return "", errors.New("payment service returned no status")
	}
	return status, nil
}

// CompletePayment reports finished work to the payment service by
// submitting the sha256 hash of the result. Without this call the payment
// side never releases funds, so the engine treats a failure here as a job
// failure.
func (c *Client) CompletePayment(ctx context.Context, blockchainIdentifier, result string) error {
	blockchainIdentifier = strings.TrimSpace(blockchainIdentifier)
	if blockchainIdentifier == "" {
		return errors.New("blockchain identifier is empty")
	}
	sum := sha256.Sum256([]byte(result))
	body := map[string]interface{}{
		"network":              strings.ToUpper(c.cfg.Network),
		"blockchainIdentifier": blockchainIdentifier,
		"submitResultHash":     hex.EncodeToString(sum[:]),
	}
	if err := c.postJSON(ctx, c.cfg.ServiceURL+"/payment/submit-result", body, nil); err != nil {
		return fmt.Errorf("complete payment failed: %w", err)
	}
	return nil
}

// Confirmed reports whether a provider status string means the payment is
// locked on chain and work may start.
func Confirmed(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "fundslocked", "confirmed", "resultsubmitted", "completed":
		return true
	}
	return false
}

func (c *Client) postJSON(ctx context.Context, u string, body interface{}, out interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	c.setHeaders(req)
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, u string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	return c.do(req, out)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("token", c.cfg.APIKey)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(b))
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("payment service error: %s", msg)
	}
	if out == nil {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return json.Unmarshal(b, out)
}
