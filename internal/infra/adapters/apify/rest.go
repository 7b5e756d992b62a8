package apify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/featherwire/aviary/errs"
)

const defaultRestTimeout = 10 * time.Second

// RestClient talks to the companion REST surface of the upstream feed.
type RestClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewRestClient constructs a REST client with the given request timeout.
func NewRestClient(baseURL, token string, timeout time.Duration) *RestClient {
	if timeout <= 0 {
		timeout = defaultRestTimeout
	}
	return &RestClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ActiveUsers fetches the currently interesting user handles. The endpoint
// answers in several shapes; all of them reduce to a list of handles.
func (c *RestClient) ActiveUsers(ctx context.Context) ([]string, error) {
	if c.baseURL == "" {
		return nil, errs.New("apify/rest", errs.CodeConfig, errs.WithMessage("base URL not configured"))
	}
	endpoint := c.baseURL + "/active-users"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errs.New("apify/rest", errs.CodeFetch,
			errs.WithMessage("create active-users request"), errs.WithCause(err))
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.New("apify/rest", errs.CodeFetch,
			errs.WithMessage("request active-users"), errs.WithCause(err), errs.WithField("endpoint", endpoint))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, errs.New("apify/rest", errs.CodeFetch,
			errs.WithMessage(fmt.Sprintf("active-users status %d", resp.StatusCode)),
			errs.WithHTTP(resp.StatusCode),
			errs.WithRawMessage(strings.TrimSpace(string(body))))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errs.New("apify/rest", errs.CodeFetch,
			errs.WithMessage("read active-users body"), errs.WithCause(err))
	}

	users, err := decodeActiveUsers(raw)
	if err != nil {
		return nil, err
	}
	return users, nil
}

// activeUsersEnvelope covers the object-shaped responses, where the list may
// sit under "users" or "usernames".
type activeUsersEnvelope struct {
	Users      []string `json:"users"`
	Usernames  []string `json:"usernames"`
	Status     string   `json:"status"`
	Timestamp  string   `json:"timestamp"`
	TotalUsers int      `json:"total_users"`
}

type activeUserRecord struct {
	Username string `json:"username"`
}

// decodeActiveUsers accepts the four response shapes the upstream has been
// observed to emit: a bare string array, {"users": [...]},
// {"usernames": [...]}, and an array of objects with a username field.
func decodeActiveUsers(raw []byte) ([]string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, errs.New("apify/rest", errs.CodeParse, errs.WithMessage("empty active-users response"))
	}

	if strings.HasPrefix(trimmed, "[") {
		var plain []string
		if err := json.Unmarshal(raw, &plain); err == nil {
			return cleanHandles(plain), nil
		}
		var records []activeUserRecord
		if err := json.Unmarshal(raw, &records); err == nil {
			handles := make([]string, 0, len(records))
			for _, rec := range records {
				handles = append(handles, rec.Username)
			}
			return cleanHandles(handles), nil
		}
		return nil, errs.New("apify/rest", errs.CodeParse,
			errs.WithMessage("unrecognised active-users array shape"))
	}

	var envelope activeUsersEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, errs.New("apify/rest", errs.CodeParse,
			errs.WithMessage("malformed active-users response"), errs.WithCause(err))
	}
	switch {
	case envelope.Users != nil:
		return cleanHandles(envelope.Users), nil
	case envelope.Usernames != nil:
		return cleanHandles(envelope.Usernames), nil
	default:
		return nil, errs.New("apify/rest", errs.CodeParse,
			errs.WithMessage("active-users response carries no user list"))
	}
}

func cleanHandles(in []string) []string {
	out := make([]string, 0, len(in))
	for _, handle := range in {
		if handle = strings.TrimSpace(handle); handle != "" {
			out = append(out, handle)
		}
	}
	return out
}
