package common

// ApiResponse is the standard response envelope for JSON endpoints.
type ApiResponse[T any] struct {
	Data    T      `json:"data"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
