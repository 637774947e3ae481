// Package cloudstack is the HTTP client for the CloudStack query API. It
// implements the vault's credential prober and key issuer and the gateway's
// request invoker.
package cloudstack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mozg31337/cloudstack-mcp-server-sub000/internal/gateway"
	"github.com/mozg31337/cloudstack-mcp-server-sub000/internal/signer"
	"github.com/mozg31337/cloudstack-mcp-server-sub000/internal/vault"
)

const maxResponseBytes = 1 << 20

type Client struct {
	http *http.Client
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Probe issues a signed listCapabilities call. Only an authentication status
// means the pair is bad; transport errors and other unexpected statuses are
// retryable network failures.
func (c *Client) Probe(ctx context.Context, creds vault.Credentials) error {
	signed, err := signer.Sign("listCapabilities", map[string]string{
		"apikey":   creds.APIKey,
		"response": "json",
	}, creds.SecretKey())
	if err != nil {
		return fmt.Errorf("sign probe request: %w", err)
	}

	status, _, err := c.get(ctx, creds.Endpoint, signed.Query)
	if err != nil {
		return fmt.Errorf("%w: %v", vault.ErrNetwork, err)
	}
	// 531 is the CloudStack "unable to verify user credentials" status.
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == 531:
		return fmt.Errorf("%w: http %d", vault.ErrAuthRejected, status)
	case status < 200 || status >= 300:
		// Anything else (5xx outages included) may clear up on retry.
		return fmt.Errorf("%w: unexpected http %d", vault.ErrNetwork, status)
	}
	return nil
}

// IssueKeys regenerates the API key pair for the account's user via
// registerUserKeys. The caller binds the user ID at construction time.
type KeyIssuer struct {
	client *Client
	creds  func(environment string) (vault.Credentials, error)
	userID string
}

func NewKeyIssuer(client *Client, creds func(environment string) (vault.Credentials, error), userID string) *KeyIssuer {
	return &KeyIssuer{client: client, creds: creds, userID: userID}
}

type registerUserKeysResponse struct {
	RegisterUserKeysResponse struct {
		UserKeys struct {
			APIKey    string `json:"apikey"`
			SecretKey string `json:"secretkey"`
		} `json:"userkeys"`
	} `json:"registeruserkeysresponse"`
}

func (k *KeyIssuer) IssueKeys(ctx context.Context, environment string) (string, string, error) {
	if k.userID == "" {
		return "", "", fmt.Errorf("issue keys: user id is empty")
	}
	creds, err := k.creds(environment)
	if err != nil {
		return "", "", err
	}

	signed, err := signer.Sign("registerUserKeys", map[string]string{
		"id":       k.userID,
		"apikey":   creds.APIKey,
		"response": "json",
	}, creds.SecretKey())
	if err != nil {
		return "", "", fmt.Errorf("sign registerUserKeys: %w", err)
	}

	status, body, err := k.client.get(ctx, creds.Endpoint, signed.Query)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", vault.ErrNetwork, err)
	}
	if status < 200 || status >= 300 {
		return "", "", fmt.Errorf("registerUserKeys failed: http %d", status)
	}

	var decoded registerUserKeysResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", "", fmt.Errorf("decode registerUserKeys response: %w", err)
	}
	keys := decoded.RegisterUserKeysResponse.UserKeys
	if keys.APIKey == "" || keys.SecretKey == "" {
		return "", "", fmt.Errorf("registerUserKeys returned empty key pair")
	}
	return keys.APIKey, keys.SecretKey, nil
}

type errorResponse struct {
	ErrorCode int    `json:"errorcode"`
	ErrorText string `json:"errortext"`
}

// Invoke delivers a signed request. Semantic rejections come back as
// *gateway.UpstreamAPIError with the CloudStack code and text verbatim.
func (c *Client) Invoke(ctx context.Context, creds vault.Credentials, req signer.SignedRequest) error {
	status, body, err := c.get(ctx, creds.Endpoint, req.Query)
	if err != nil {
		return fmt.Errorf("%w: %v", gateway.ErrNetwork, err)
	}
	if status >= 200 && status < 300 {
		return nil
	}

	upstream := &gateway.UpstreamAPIError{Code: status, Message: http.StatusText(status)}
	// CloudStack wraps errors one level under "<command>response".
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(body, &outer); err == nil {
		for _, raw := range outer {
			var inner errorResponse
			if err := json.Unmarshal(raw, &inner); err == nil && inner.ErrorText != "" {
				upstream.Code = inner.ErrorCode
				upstream.Message = inner.ErrorText
				break
			}
		}
	}
	return upstream
}

func (c *Client) get(ctx context.Context, endpoint, query string) (int, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}
