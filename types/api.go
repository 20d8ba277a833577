package types

// CreateUserRequest is the body of POST /api/users
type CreateUserRequest struct {
	Username string `json:"username"`
}

// ErrorResponse carries a human-readable failure message
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse carries a human-readable success message
type MessageResponse struct {
	Message string `json:"message"`
}

// HealthResponse is the body of GET /api/health
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}
