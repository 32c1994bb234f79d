package models

type GenerateResponse struct {
	JobID                string `json:"jobId"`
	ExternalJobID        string `json:"externalJobId"`
	Status               string `json:"status"`
	QueuePosition        int    `json:"queuePosition"`
	EstimatedWaitSeconds int    `json:"estimatedWaitSeconds"`
	RateLimitRemaining   int    `json:"rateLimitRemaining"`
}

type StatusResponse struct {
	JobID          string `json:"jobId"`
	Status         string `json:"status"`
	ResultImageURL string `json:"resultImageUrl,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
}

type PositionResponse struct {
	JobID                string `json:"jobId"`
	QueuePosition        int    `json:"queuePosition"`
	EstimatedWaitSeconds int    `json:"estimatedWaitSeconds"`
}

type WebhookAck struct {
	Received bool   `json:"received"`
	JobID    string `json:"jobId,omitempty"`
	Status   string `json:"status,omitempty"`
}

type ErrorResponse struct {
	Error             string `json:"error"`
	ErrorCode         string `json:"errorCode,omitempty"`
	ResetAt           string `json:"resetAt,omitempty"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
	Message           string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
}
