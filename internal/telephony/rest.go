package telephony

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultRESTBaseURL = "https://api.twilio.com"

const restTimeout = 10 * time.Second

// RESTClient issues call-control requests against the Twilio REST API. One
// client is constructed per call session and cached there, never recreated.
type RESTClient struct {
	accountSID string
	authToken  string
	baseURL    string
	http       *http.Client
}

// RESTOption is a functional option for configuring a RESTClient.
type RESTOption func(*RESTClient)

// WithRESTBaseURL overrides the API base URL. Primarily used in tests.
func WithRESTBaseURL(u string) RESTOption {
	return func(c *RESTClient) { c.baseURL = strings.TrimRight(u, "/") }
}

// NewRESTClient creates a call-control client for one Twilio account.
func NewRESTClient(accountSID, authToken string, opts ...RESTOption) (*RESTClient, error) {
	if accountSID == "" || authToken == "" {
		return nil, errors.New("telephony: accountSID and authToken must not be empty")
	}
	c := &RESTClient{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    defaultRESTBaseURL,
		http:       &http.Client{Timeout: restTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// UpdateTwiML redirects a live call to new TwiML, used for transfers to a
// phone number.
func (c *RESTClient) UpdateTwiML(ctx context.Context, callSID, twiml string) error {
	return c.updateCall(ctx, callSID, url.Values{"Twiml": {twiml}})
}

// UpdateURL redirects a live call to a webhook URL, used for transfers to
// another assistant.
func (c *RESTClient) UpdateURL(ctx context.Context, callSID, webhookURL string) error {
	return c.updateCall(ctx, callSID, url.Values{"Url": {webhookURL}, "Method": {"POST"}})
}

// Hangup terminates a live call.
func (c *RESTClient) Hangup(ctx context.Context, callSID string) error {
	return c.updateCall(ctx, callSID, url.Values{"Status": {"completed"}})
}

func (c *RESTClient) updateCall(ctx context.Context, callSID string, form url.Values) error {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json",
		c.baseURL, url.PathEscape(c.accountSID), url.PathEscape(callSID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("telephony: create call update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telephony: call update: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("telephony: call update returned status %d", resp.StatusCode)
	}
	return nil
}
