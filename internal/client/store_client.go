package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/DoyleJ11/chess-duel-relay/pkg/types"
)

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// StoreClient talks to the account and history endpoints.
type StoreClient struct {
	base string
	http *http.Client
}

func NewStoreClient(baseURL string, hc *http.Client) *StoreClient {
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Second}
	}
	return &StoreClient{base: strings.TrimRight(baseURL, "/"), http: hc}
}

func (s *StoreClient) Users(ctx context.Context) ([]User, error) {
	var users []User
	if err := s.do(ctx, http.MethodGet, "/api/users", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *StoreClient) History(ctx context.Context, a, b string) ([]types.ChatMessage, error) {
	var msgs []types.ChatMessage
	path := "/api/messages/" + url.PathEscape(a) + "/" + url.PathEscape(b)
	if err := s.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *StoreClient) SaveMessage(ctx context.Context, m types.ChatMessage) error {
	body := map[string]string{"sender": m.Sender, "receiver": m.Receiver, "text": m.Text}
	return s.do(ctx, http.MethodPost, "/api/messages", body, nil)
}

func (s *StoreClient) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: status %d", method, path, res.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}
