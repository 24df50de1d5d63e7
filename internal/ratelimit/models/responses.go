package models

import "time"

// RateLimitExceededResponse is the API response when rate limit is exceeded.
type RateLimitExceededResponse struct {
	Error      string `json:"error"` // "rate_limit_exceeded"
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"` // seconds
	Scope      Scope  `json:"scope,omitempty"`
}

// BucketState is the admin view of one bucket.
type BucketState struct {
	Key       string    `json:"key"`
	Tokens    float64   `json:"tokens"`
	Capacity  float64   `json:"capacity"`
	UpdatedAt time.Time `json:"updated_at"`
}
