package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// ContainerHost runs the Selenium server. *Pool is the docker implementation.
type ContainerHost interface {
	EnsureImage(ctx context.Context) error
	LaunchContainer(ctx context.Context, sessionID string) (*Container, error)
	StopContainer(ctx context.Context, containerID string) error
}

// SeleniumDriver drives a containerised Selenium server over W3C WebDriver
type SeleniumDriver struct {
	host      ContainerHost
	proxyHost string
	client    *http.Client
	log       logrus.FieldLogger

	mu        sync.Mutex
	container *Container
	wdSession string
}

// NewSeleniumDriver creates a driver. proxyHost replaces the host of session
// proxy URLs so the containerised browser can reach the tunnel.
func NewSeleniumDriver(host ContainerHost, proxyHost string, log logrus.FieldLogger) *SeleniumDriver {
	return &SeleniumDriver{
		host:      host,
		proxyHost: proxyHost,
		client:    &http.Client{Timeout: 60 * time.Second},
		log:       log.WithField("driver", "selenium"),
	}
}

func (d *SeleniumDriver) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.container != nil
}

// Endpoint is the WebDriver base URL of the running container.
func (d *SeleniumDriver) Endpoint() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.container == nil {
		return ""
	}
	return d.container.Endpoint
}

func (d *SeleniumDriver) Launch(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.launchLocked(ctx, "")
}

func (d *SeleniumDriver) launchLocked(ctx context.Context, sessionID string) error {
	if d.container != nil {
		return nil
	}
	if err := d.host.EnsureImage(ctx); err != nil {
		return errors.Wrap(err, "failed to ensure selenium image")
	}
	c, err := d.host.LaunchContainer(ctx, sessionID)
	if err != nil {
		return errors.Wrap(err, "failed to launch selenium")
	}
	d.container = c
	d.log.WithField("endpoint", c.Endpoint).Info("✓ Selenium container ready")
	return nil
}

func (d *SeleniumDriver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.container == nil {
		return nil
	}
	if err := d.endLocked(ctx); err != nil {
		d.log.WithError(err).Warn("Failed to delete webdriver session")
	}
	err := d.host.StopContainer(ctx, d.container.ID)
	d.container = nil
	return err
}

func (d *SeleniumDriver) StartSession(ctx context.Context, opts LaunchOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.launchLocked(ctx, opts.SessionID); err != nil {
		return err
	}
	if err := d.endLocked(ctx); err != nil {
		d.log.WithError(err).Warn("Failed to delete previous webdriver session")
	}

	body, err := json.Marshal(map[string]any{
		"capabilities": map[string]any{"alwaysMatch": d.capabilities(opts)},
	})
	if err != nil {
		return err
	}

	raw, err := d.do(ctx, http.MethodPost, d.container.Endpoint+"/session", body)
	if err != nil {
		return errors.Wrap(err, "failed to create webdriver session")
	}
	id := gjson.GetBytes(raw, "value.sessionId").String()
	if id == "" {
		return errors.Errorf("webdriver returned no session id: %s", truncate(raw, 200))
	}
	d.wdSession = id
	return nil
}

func (d *SeleniumDriver) EndSession(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.endLocked(ctx)
}

func (d *SeleniumDriver) endLocked(ctx context.Context) error {
	if d.wdSession == "" || d.container == nil {
		return nil
	}
	_, err := d.do(ctx, http.MethodDelete, d.container.Endpoint+"/session/"+d.wdSession, nil)
	d.wdSession = ""
	return err
}

func (d *SeleniumDriver) capabilities(opts LaunchOptions) map[string]any {
	args := []string{"--no-first-run"}
	if opts.Dimensions.Width > 0 && opts.Dimensions.Height > 0 {
		args = append(args, fmt.Sprintf("--window-size=%d,%d", opts.Dimensions.Width, opts.Dimensions.Height))
	}
	if opts.UserAgent != "" {
		args = append(args, "--user-agent="+opts.UserAgent)
	}

	caps := map[string]any{
		"browserName":        "chrome",
		"goog:chromeOptions": map[string]any{"args": args},
	}
	if hostPort := d.proxyHostPort(opts.ProxyURL); hostPort != "" {
		caps["proxy"] = map[string]any{
			"proxyType": "manual",
			"httpProxy": hostPort,
			"sslProxy":  hostPort,
		}
	}
	return caps
}

func (d *SeleniumDriver) proxyHostPort(proxyURL string) string {
	if proxyURL == "" {
		return ""
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return ""
	}
	if d.proxyHost == "" {
		return u.Host
	}
	return net.JoinHostPort(d.proxyHost, u.Port())
}

func (d *SeleniumDriver) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		msg := gjson.GetBytes(raw, "value.message").String()
		if msg == "" {
			msg = truncate(raw, 200)
		}
		return nil, errors.Errorf("webdriver %s %s: %s", method, resp.Status, msg)
	}
	return raw, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
