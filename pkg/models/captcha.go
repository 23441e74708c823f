package models

import (
	"encoding/json"
	"time"
)

// CaptchaStatus is the lifecycle state of a captcha solving task
type CaptchaStatus string

const (
	CaptchaPending CaptchaStatus = "pending"
	CaptchaSuccess CaptchaStatus = "success"
	CaptchaFailed  CaptchaStatus = "failed"
	CaptchaTimeout CaptchaStatus = "timeout"
)

// CaptchaTask is the externally visible state of a captcha task
type CaptchaTask struct {
	TaskID    string          `json:"taskId"`
	PageID    string          `json:"pageId"`
	Status    CaptchaStatus   `json:"status"`
	StartTime *time.Time      `json:"startTime,omitempty"`
	EndTime   *time.Time      `json:"endTime,omitempty"`
	TimeTaken int64           `json:"timeTaken,omitempty"` // milliseconds
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// SolveCaptchaRequest is the payload of POST /v1/sessions/{id}/captchas/solve
type SolveCaptchaRequest struct {
	PageID string `json:"pageId"`
	TaskID string `json:"taskId,omitempty"`
}

// SolveCaptchaResponse is returned with 202 Accepted
type SolveCaptchaResponse struct {
	TaskID string `json:"taskId"`
}
