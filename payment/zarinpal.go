package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// CodeOK is the gateway's success code.
const CodeOK = 100

// GatewayData is the "data" object of gateway responses.
type GatewayData struct {
	Code      int         `json:"code"`
	Message   string      `json:"message"`
	Authority string      `json:"authority"`
	FeeType   string      `json:"fee_type"`
	Fee       json.Number `json:"fee"`
	RefID     json.Number `json:"ref_id"`
	CardPan   string      `json:"card_pan"`
	CardHash  string      `json:"card_hash"`
}

// Request - one payment to open at the gateway
type Request struct {
	Amount      int64
	Description string
	Email       string
	Mobile      string
}

// Gateway opens and verifies payments.
type Gateway interface {
	Request(ctx context.Context, req *Request) (*GatewayData, error)
	Verify(ctx context.Context, amount int64, authority string) (*GatewayData, error)
	Unverified(ctx context.Context) (map[string]bool, error)
	StartPayURL(authority string) string
	Configured() bool
}

// ZarinpalConfig ...
type ZarinpalConfig struct {
	MerchantID  string
	CallbackURL string
	GatewayURL  string
	StartPayURL string
	Timeout     time.Duration
}

// Zarinpal - v4 REST client
type Zarinpal struct {
	cfg    ZarinpalConfig
	client *http.Client
}

// NewZarinpal ...
func NewZarinpal(cfg ZarinpalConfig) *Zarinpal {
	cfg.GatewayURL = strings.TrimRight(cfg.GatewayURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Zarinpal{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// Configured reports whether a merchant id is set.
func (z *Zarinpal) Configured() bool {
	return z.cfg.MerchantID != ""
}

// StartPayURL is where the user completes the payment.
func (z *Zarinpal) StartPayURL(authority string) string {
	return z.cfg.StartPayURL + authority
}

type envelope struct {
	Data   json.RawMessage `json:"data"`
	Errors json.RawMessage `json:"errors"`
}

func (z *Zarinpal) post(ctx context.Context, path string, payload interface{}, dst interface{}) error {
	bin, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, z.cfg.GatewayURL+path, bytes.NewReader(bin))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	resp, err := z.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "zarinpal %s", path)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return errors.Wrapf(err, "zarinpal %s: http %d", path, resp.StatusCode)
	}
	// refusals come back as 4xx with an errors object and an empty data array
	if len(env.Data) == 0 || env.Data[0] != '{' {
		var refusal GatewayData
		if len(env.Errors) > 0 && env.Errors[0] == '{' {
			if err := json.Unmarshal(env.Errors, &refusal); err == nil && refusal.Code != 0 {
				return remarshal(&refusal, dst)
			}
		}
		return fmt.Errorf("zarinpal %s: http %d", path, resp.StatusCode)
	}
	return json.Unmarshal(env.Data, dst)
}

func remarshal(src interface{}, dst interface{}) error {
	bin, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(bin, dst)
}

// Request opens a payment.
func (z *Zarinpal) Request(ctx context.Context, r *Request) (*GatewayData, error) {
	metadata := map[string]string{"email": r.Email}
	if r.Mobile != "" {
		metadata["mobile"] = r.Mobile
	}
	var data GatewayData
	err := z.post(ctx, "/request.json", map[string]interface{}{
		"merchant_id":  z.cfg.MerchantID,
		"amount":       r.Amount,
		"callback_url": z.cfg.CallbackURL,
		"description":  r.Description,
		"metadata":     metadata,
	}, &data)
	if err != nil {
		return nil, err
	}
	return &data, nil
}

// Verify confirms a payment after the user returns.
func (z *Zarinpal) Verify(ctx context.Context, amount int64, authority string) (*GatewayData, error) {
	var data GatewayData
	err := z.post(ctx, "/verify.json", map[string]interface{}{
		"merchant_id": z.cfg.MerchantID,
		"amount":      amount,
		"authority":   authority,
	}, &data)
	if err != nil {
		return nil, err
	}
	return &data, nil
}

// Unverified returns authorities paid but not verified yet.
func (z *Zarinpal) Unverified(ctx context.Context) (map[string]bool, error) {
	var data struct {
		Code        int `json:"code"`
		Authorities []struct {
			Authority string `json:"authority"`
		} `json:"authorities"`
	}
	err := z.post(ctx, "/unVerified.json", map[string]interface{}{
		"merchant_id": z.cfg.MerchantID,
	}, &data)
	if err != nil {
		return nil, err
	}
	authorities := map[string]bool{}
	if data.Code != CodeOK {
		return authorities, nil
	}
	for _, a := range data.Authorities {
		authorities[a.Authority] = true
	}
	return authorities, nil
}
