package models

// PageInfo describes one open page of the active browser
type PageInfo struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Title   string `json:"title"`
	Favicon string `json:"favicon,omitempty"`
}

// BrowserState is reported by the browser driver
type BrowserState struct {
	Version   string `json:"version"`
	UserAgent string `json:"userAgent,omitempty"`
}

// LiveDetails is the payload of GET /v1/sessions/{id}/live-details
type LiveDetails struct {
	SessionID    string       `json:"sessionId"`
	Pages        []PageInfo   `json:"pages"`
	BrowserState BrowserState `json:"browserState"`
	Viewport     Dimensions   `json:"viewport"`
}
