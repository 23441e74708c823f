package models

// Cookie is a browser cookie carried in a session seed context
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// SessionContext is browser state used to seed a new session
type SessionContext struct {
	Cookies []Cookie `json:"cookies,omitempty"`
	// LocalStorage maps origin -> key -> value
	LocalStorage map[string]map[string]string `json:"localStorage,omitempty"`
}
