// Package geo infers a browser timezone from the egress IP of a proxy.
package geo

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	xproxy "golang.org/x/net/proxy"
)

// Locator resolves timezones with an ip-api compatible endpoint
type Locator struct {
	lookupURL string
	timeout   time.Duration
}

// NewLocator creates a Locator. The lookup endpoint must answer with a JSON
// object carrying a "timezone" field.
func NewLocator(lookupURL string, timeout time.Duration) *Locator {
	return &Locator{lookupURL: lookupURL, timeout: timeout}
}

// Timezone looks up the timezone seen through proxyURL. The call is bounded
// by the locator timeout even when ctx has no deadline.
func (l *Locator) Timezone(ctx context.Context, proxyURL string) (string, error) {
	transport, err := transportFor(proxyURL)
	if err != nil {
		return "", err
	}
	defer transport.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.lookupURL, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to build lookup request")
	}

	resp, err := (&http.Client{Transport: transport}).Do(req)
	if err != nil {
		return "", errors.Wrap(err, "timezone lookup failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", errors.Wrap(err, "failed to read lookup response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("timezone lookup returned %s", resp.Status)
	}

	if status := gjson.GetBytes(body, "status"); status.Exists() && status.String() != "success" {
		return "", errors.Errorf("timezone lookup failed: %s", gjson.GetBytes(body, "message").String())
	}
	tz := gjson.GetBytes(body, "timezone").String()
	if tz == "" {
		return "", errors.New("timezone lookup returned no timezone")
	}
	return tz, nil
}

// transportFor picks the tunnelling mechanism from the proxy URL scheme.
func transportFor(proxyURL string) (*http.Transport, error) {
	transport := &http.Transport{DisableKeepAlives: true}
	if proxyURL == "" {
		return transport, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid proxy url")
	}

	switch u.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(u)
	case "socks5", "socks5h":
		d, err := xproxy.FromURL(u, &net.Dialer{Timeout: 5 * time.Second})
		if err != nil {
			return nil, errors.Wrap(err, "failed to create socks dialer")
		}
		cd, ok := d.(xproxy.ContextDialer)
		if !ok {
			return nil, errors.New("socks dialer does not support contexts")
		}
		transport.DialContext = cd.DialContext
	default:
		return nil, errors.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	return transport, nil
}
