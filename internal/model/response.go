package model

// APIResponse is the envelope every endpoint answers with.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// FormPolicy is the advisory attempt limit the signup form enforces on its own.
type FormPolicy struct {
	MaxAttempts   int `json:"maxAttempts"`
	WindowSeconds int `json:"windowSeconds"`
}
