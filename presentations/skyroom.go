package presentations

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

// Rooms issues personal login URLs for online classes.
type Rooms interface {
	LoginURL(ctx context.Context, userID string, nickname string) (string, error)
}

// SkyroomConfig ...
type SkyroomConfig struct {
	BaseURL string
	APIKey  string
	RoomID  int
	TTL     time.Duration
}

// Skyroom - web service client
type Skyroom struct {
	cfg    SkyroomConfig
	client *http.Client
}

// NewSkyroom ...
func NewSkyroom(cfg SkyroomConfig) *Skyroom {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.TTL <= 0 {
		cfg.TTL = 90 * time.Minute
	}
	return &Skyroom{cfg: cfg, client: &http.Client{Timeout: 20 * time.Second}}
}

type skyroomResponse struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// LoginURL calls createLoginUrl for the configured room.
func (s *Skyroom) LoginURL(ctx context.Context, userID string, nickname string) (string, error) {
	bin, err := json.Marshal(map[string]interface{}{
		"action": "createLoginUrl",
		"params": map[string]interface{}{
			"room_id":    s.cfg.RoomID,
			"user_id":    userID,
			"nickname":   nickname,
			"access":     1,
			"concurrent": 1,
			"language":   "fa",
			"ttl":        int(s.cfg.TTL / time.Second),
		},
	})
	if err != nil {
		return "", err
	}
	endpoint := fmt.Sprintf("%s/skyroom/api/%s", s.cfg.BaseURL, s.cfg.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bin))
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "skyroom createLoginUrl")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("skyroom createLoginUrl: http %d", resp.StatusCode)
	}
	var body skyroomResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errors.Wrap(err, "skyroom createLoginUrl")
	}
	var url string
	if err := json.Unmarshal(body.Result, &url); err != nil || url == "" {
		return "", fmt.Errorf("skyroom createLoginUrl: %d %s", body.Error.Code, body.Error.Message)
	}
	return url, nil
}
