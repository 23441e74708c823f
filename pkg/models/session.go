package models

import "time"

// SessionStatus represents the current state of a browser session
type SessionStatus string

const (
	StatusIdle     SessionStatus = "idle"
	StatusLive     SessionStatus = "live"
	StatusReleased SessionStatus = "released"
	StatusFailed   SessionStatus = "failed"
)

// Dimensions is the browser viewport size
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Session represents the active (or a released) browser session
type Session struct {
	ID                 string         `json:"id"`
	CreatedAt          time.Time      `json:"createdAt"`
	Status             SessionStatus  `json:"status"`
	Duration           int64          `json:"duration"` // milliseconds
	EventCount         int64          `json:"eventCount"`
	Timeout            int64          `json:"timeout"`
	CreditsUsed        int64          `json:"creditsUsed"`
	ProxyTxBytes       int64          `json:"proxyTxBytes"`
	ProxyRxBytes       int64          `json:"proxyRxBytes"`
	WebsocketURL       string         `json:"websocketUrl"`
	DebugURL           string         `json:"debugUrl"`
	DebuggerURL        string         `json:"debuggerUrl"`
	SessionViewerURL   string         `json:"sessionViewerUrl"`
	Dimensions         Dimensions     `json:"dimensions"`
	UserAgent          string         `json:"userAgent"`
	Proxy              string         `json:"proxy"`
	Timezone           string         `json:"timezone,omitempty"`
	SolveCaptcha       bool           `json:"solveCaptcha"`
	ManualSolveCaptcha bool           `json:"manualSolveCaptcha"`
	IsSelenium         bool           `json:"isSelenium"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// CreateSessionRequest is the payload for starting a new session
type CreateSessionRequest struct {
	SessionID    string `json:"sessionId,omitempty"`
	ProxyURL     string `json:"proxyUrl,omitempty"`
	UserAgent    string `json:"userAgent,omitempty"`
	SolveCaptcha bool   `json:"solveCaptcha,omitempty"`
	// ManualSolveCaptcha leaves solving to explicit solve requests.
	ManualSolveCaptcha bool            `json:"manualSolveCaptcha,omitempty"`
	SessionContext     *SessionContext `json:"sessionContext,omitempty"`
	IsSelenium         bool            `json:"isSelenium,omitempty"`
	LogSinkURL         string          `json:"logSinkUrl,omitempty"`
	BlockAds           bool            `json:"blockAds,omitempty"`
	Extensions         []string        `json:"extensions,omitempty"`
	Timezone           string          `json:"timezone,omitempty"`
	Dimensions         *Dimensions     `json:"dimensions,omitempty"`
	Timeout            int64           `json:"timeout,omitempty"`
	Metadata           map[string]any  `json:"metadata,omitempty"`
}

// DebugURLs is returned by the debug endpoint
type DebugURLs struct {
	SessionID        string        `json:"sessionId"`
	Status           SessionStatus `json:"status"`
	WebsocketURL     string        `json:"websocketUrl"`
	DebugURL         string        `json:"debugUrl"`
	DebuggerURL      string        `json:"debuggerUrl"`
	SessionViewerURL string        `json:"sessionViewerUrl"`
}
