package masumi

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries the payment-service connection settings. Everything comes
// from flat env vars; Validate is what makes startup fail fast instead of
// proceeding with a broken payment client.
type Config struct {
	ServiceURL string // PAYMENT_SERVICE_URL, e.g. https://payment.masumi.network/api/v1
	APIKey     string // PAYMENT_API_KEY
	Network    string // NETWORK: PREPROD or MAINNET
}

func ConfigFromEnv() Config {
	return Config{
		ServiceURL: strings.TrimRight(strings.TrimSpace(os.Getenv("PAYMENT_SERVICE_URL")), "/"),
		APIKey:     strings.TrimSpace(os.Getenv("PAYMENT_API_KEY")),
		Network:    strings.TrimSpace(os.Getenv("NETWORK")),
	}
}

func (c Config) Validate() error {
	if c.ServiceURL == "" {
		return fmt.Errorf("missing PAYMENT_SERVICE_URL (payment service endpoint)")
	}
	if c.APIKey == "" {
		return fmt.Errorf("missing PAYMENT_API_KEY (payment service credential)")
	}
	switch strings.ToUpper(c.Network) {
	case "PREPROD", "MAINNET":
		return nil
	case "":
		return fmt.Errorf("missing NETWORK (PREPROD or MAINNET)")
	default:
		return fmt.Errorf("invalid NETWORK %q (must be PREPROD or MAINNET)", c.Network)
	}
}

// PollInterval is how often a payment monitor checks the payment status.
func PollInterval() time.Duration {
	raw := strings.TrimSpace(os.Getenv("PAYMENT_POLL_SECONDS"))
	if raw == "" {
		return 10 * time.Second
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 10 * time.Second
	}
	return time.Duration(n) * time.Second
}
