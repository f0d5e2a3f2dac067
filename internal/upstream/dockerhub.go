package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const dockerHubTokenTimeout = 5 * time.Second

type tokenResponse struct {
	Token string `json:"token"`
}

// DockerHubToken exchanges a short-lived Bearer token for pull access to
// image, bounded to a short deadline — token acquisition must fail the
// fetch on timeout rather than hang the upstream pass.
func (c *Client) DockerHubToken(ctx context.Context, image string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, dockerHubTokenTimeout)
	defer cancel()

	q := url.Values{
		"service": {"registry.docker.io"},
		"scope":   {fmt.Sprintf("repository:%s:pull", image)},
	}
	tokenURL := "https://auth.docker.io/token?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}

	resp, err := c.Do(req)
	if err != nil {
		return "", fmt.Errorf("acquire docker hub token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("docker hub token endpoint returned %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.Token == "" {
		return "", fmt.Errorf("docker hub token response missing token")
	}
	return tr.Token, nil
}
