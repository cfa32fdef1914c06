// Package identity derives and persists the device claim ID described
// in spec.md §3/§4.1: a printable 10-character identifier, either
// supplied, randomly generated ("auto"), or obtained from an external
// factory service ("factory"). Once persisted it must never be
// re-derived.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"os/exec"
	"time"

	"github.com/bifrost-iot/device-agent/internal/agenterr"
)

const claimIDLength = 10

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Mode selects how the claim ID is derived.
type Mode string

const (
	ModeAuto    Mode = "auto"
	ModeFactory Mode = "factory"
	ModeNone    Mode = "none"
)

// FactoryConfig describes how to reach an external factory serializer,
// either an HTTP endpoint or a local command, per spec.md §4.1.
type FactoryConfig struct {
	URL     string
	Command string
}

// Derive returns the device claim ID for the given mode. existing, if
// non-empty, is returned unchanged — re-derivation on an already
// provisioned installation is forbidden by spec.md §4.1.
func Derive(ctx context.Context, mode Mode, existing string, fc FactoryConfig) (string, error) {
	if existing != "" {
		return existing, nil
	}

	switch mode {
	case ModeNone:
		return "", nil
	case ModeFactory:
		return deriveFromFactory(ctx, fc)
	case ModeAuto, "":
		return generateRandomID()
	default:
		return "", agenterr.New(agenterr.BadArgs, "identity", "Derive", "unknown claim mode: "+string(mode))
	}
}

func generateRandomID() (string, error) {
	buf := make([]byte, claimIDLength)
	if _, err := rand.Read(buf); err != nil {
		return "", agenterr.Wrap(agenterr.CantInitialize, "identity", "generateRandomID", err)
	}
	out := make([]byte, claimIDLength)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}

type factoryResponse struct {
	ID string `json:"id"`
}

func deriveFromFactory(ctx context.Context, fc FactoryConfig) (string, error) {
	if fc.URL != "" {
		return deriveFromFactoryHTTP(ctx, fc.URL)
	}
	if fc.Command != "" {
		return deriveFromFactoryCommand(ctx, fc.Command)
	}
	return "", agenterr.New(agenterr.BadArgs, "identity", "deriveFromFactory", "factory mode requires a URL or command")
}

func deriveFromFactoryHTTP(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", agenterr.Wrap(agenterr.BadArgs, "identity", "deriveFromFactoryHTTP", err)
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", agenterr.Wrap(agenterr.CantConnect, "identity", "deriveFromFactoryHTTP", err)
	}
	defer resp.Body.Close()

	var fr factoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return "", agenterr.Wrap(agenterr.CantRead, "identity", "deriveFromFactoryHTTP", err)
	}
	if fr.ID == "" {
		return "", agenterr.New(agenterr.CantInitialize, "identity", "deriveFromFactoryHTTP", "factory response missing id field")
	}
	return fr.ID, nil
}

func deriveFromFactoryCommand(ctx context.Context, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	out, err := cmd.Output()
	if err != nil {
		return "", agenterr.Wrap(agenterr.CantInitialize, "identity", "deriveFromFactoryCommand", err)
	}

	var fr factoryResponse
	if err := json.Unmarshal(out, &fr); err != nil {
		return "", agenterr.Wrap(agenterr.CantRead, "identity", "deriveFromFactoryCommand", err)
	}
	if fr.ID == "" {
		return "", agenterr.New(agenterr.CantInitialize, "identity", "deriveFromFactoryCommand", "factory command output missing id field")
	}
	return fr.ID, nil
}
