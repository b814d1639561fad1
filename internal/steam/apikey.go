package steam

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/okatkov/tradematch/internal/cacheable"
)

type apiKeyState uint8

const (
	apiKeyError apiKeyState = iota
	apiKeyTimeout
	apiKeyRegistered
	apiKeyNotRegisteredYet
	apiKeyAccessDenied
)

const (
	apiKeyPath      = "/dev/apikey?l=english"
	apiKeyRegister  = "/dev/registerkey"
	apiKeyValueMark = "Key: "
)

// WebAPIKey returns the account's API key, resolving and registering it on
// first use. The key caches forever; a network failure falls back to the
// previous success.
func (c *Client) WebAPIKey(ctx context.Context) (string, bool) {
	return c.apiKey.Get(ctx, cacheable.FallbackSuccessPreviously)
}

// ResetWebAPIKey drops the cached key, forcing re-resolution.
func (c *Client) ResetWebAPIKey() { c.apiKey.Reset() }

func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	// Limited accounts can never hold a key; an empty string is their
	// permanent, successful answer.
	if c.limited {
		return "", nil
	}

	state, key, err := c.fetchAPIKeyPage(ctx)
	switch state {
	case apiKeyRegistered:
		return key, nil
	case apiKeyAccessDenied:
		return "", nil
	case apiKeyNotRegisteredYet:
		if err := c.registerAPIKey(ctx); err != nil {
			return "", fmt.Errorf("register api key: %w", err)
		}
		state, key, err = c.fetchAPIKeyPage(ctx)
		if state == apiKeyRegistered {
			return key, nil
		}
		if err == nil {
			err = fmt.Errorf("key not present after registration")
		}
		return "", err
	case apiKeyTimeout:
		return "", fmt.Errorf("api key page: %w", err)
	default:
		if err == nil {
			err = fmt.Errorf("unrecognised api key page")
		}
		return "", err
	}
}

func (c *Client) fetchAPIKeyPage(ctx context.Context) (apiKeyState, string, error) {
	doc, err := c.GetHTML(ctx, HostCommunity, apiKeyPath)
	if err != nil {
		return apiKeyTimeout, "", err
	}

	if strings.Contains(documentTitle(doc), "Access Denied") {
		return apiKeyAccessDenied, "", nil
	}

	if body := findByID(doc, "bodyContents_ex"); body != nil {
		if key := extractAPIKeyValue(body); key != "" {
			return apiKeyRegistered, key, nil
		}
	}

	// The registration form carries a domain input.
	if findElement(doc, "input", func(n *html.Node) bool {
		return attrVal(n, "id") == "domain" || attrVal(n, "name") == "domain"
	}) != nil {
		return apiKeyNotRegisteredYet, "", nil
	}

	slog.Error("unrecognised api key page layout, please report this")
	return apiKeyError, "", nil
}

func extractAPIKeyValue(body *html.Node) string {
	p := findElement(body, "p", func(n *html.Node) bool {
		return strings.HasPrefix(nodeText(n), apiKeyValueMark)
	})
	if p == nil {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(nodeText(p), apiKeyValueMark))
}

func (c *Client) registerAPIKey(ctx context.Context) error {
	form := url.Values{
		"domain":         {"localhost"},
		"agree_to_terms": {"agreed"},
		"Submit":         {"Register"},
	}
	return c.Post(ctx, HostCommunity, apiKeyRegister, form, WithSession(SessionLowercase))
}
