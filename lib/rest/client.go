package rest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ValentinKolb/dShard/lib/gateway"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("rest")

const (
	// DefaultBaseURL is the versioned Discord API root
	DefaultBaseURL = "https://discord.com/api/v10"

	defaultTimeout = 15 * time.Second
)

// NewClient creates a REST client for the given bot token
//
// Usage:
//
//	c := rest.NewClient(rest.DefaultBaseURL, token)
//	bot, err := c.FetchGatewayBot(ctx)
func NewClient(baseURL, token string) IRestClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

// --------------------------------------------------------------------------
// Interface Methods (docu see rest.IRestClient)
// --------------------------------------------------------------------------

func (c *client) FetchGatewayBot(ctx context.Context) (*GatewayBot, error) {
	bot := &GatewayBot{}
	if err := c.do(ctx, http.MethodGet, "/gateway/bot", nil, bot); err != nil {
		return nil, err
	}
	return bot, nil
}

func (c *client) FetchApplicationCommands(ctx context.Context, applicationID string) ([]gateway.ApplicationCommand, error) {
	var commands []gateway.ApplicationCommand
	path := fmt.Sprintf("/applications/%s/commands", applicationID)
	if err := c.do(ctx, http.MethodGet, path, nil, &commands); err != nil {
		return nil, err
	}
	return commands, nil
}

func (c *client) BulkOverwriteApplicationCommands(ctx context.Context, applicationID string, commands []gateway.ApplicationCommand) ([]gateway.ApplicationCommand, error) {
	if commands == nil {
		commands = []gateway.ApplicationCommand{}
	}
	var persisted []gateway.ApplicationCommand
	path := fmt.Sprintf("/applications/%s/commands", applicationID)
	if err := c.do(ctx, http.MethodPut, path, commands, &persisted); err != nil {
		return nil, err
	}
	return persisted, nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// do executes a JSON request and decodes the response into out
func (c *client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	Logger.Debugf("%s %s -> %d (%s)", method, path, resp.StatusCode, time.Since(start))

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &HTTPError{Method: method, Path: path, Status: resp.StatusCode, Body: string(msg)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// HTTPError is returned for non-2xx responses
type HTTPError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: http %d: %s", e.Method, e.Path, e.Status, strings.TrimSpace(e.Body))
}

// ApplicationIDFromToken extracts the application id encoded in the first
// segment of a bot token
func ApplicationIDFromToken(token string) (string, error) {
	segment, _, _ := strings.Cut(strings.TrimPrefix(token, "Bot "), ".")
	if segment == "" {
		return "", fmt.Errorf("token has no id segment")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(segment, "="))
	if err != nil {
		return "", fmt.Errorf("failed to decode token id segment: %w", err)
	}
	return string(decoded), nil
}
