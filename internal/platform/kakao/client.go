// Package kakao exchanges a Kakao user access token for the user's profile.
package kakao

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var ErrUnauthorized = errors.New("kakao access token rejected")

type Profile struct {
	ID       string
	Nickname string
	Phone    string
}

type userMe struct {
	ID           json.Number `json:"id"`
	KakaoAccount struct {
		Profile *struct {
			Nickname string `json:"nickname"`
		} `json:"profile"`
		PhoneNumber string `json:"phone_number"`
	} `json:"kakao_account"`
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Profile calls GET /v2/user/me with the user's access token.
func (c *Client) Profile(ctx context.Context, accessToken string) (*Profile, error) {
	if accessToken == "" {
		return nil, ErrUnauthorized
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/user/me", nil)
	if err != nil {
		return nil, fmt.Errorf("build kakao request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=utf-8")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kakao user/me: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("kakao user/me status %d: %s", resp.StatusCode, string(b))
	}

	var out userMe
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode kakao profile: %w", err)
	}
	if _, err := strconv.ParseInt(out.ID.String(), 10, 64); err != nil {
		return nil, fmt.Errorf("kakao profile has no numeric id")
	}

	p := &Profile{ID: out.ID.String(), Phone: out.KakaoAccount.PhoneNumber}
	if out.KakaoAccount.Profile != nil {
		p.Nickname = out.KakaoAccount.Profile.Nickname
	}
	return p, nil
}
