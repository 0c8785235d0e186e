// Package sandboxapi defines the request/response types for the remote
// execution service.
//
// API Endpoints:
//
//	GET  /health      - Health check
//	POST /v1/execute  - Run a script and return its output
package sandboxapi

// ExecuteRequest is the POST /v1/execute request body.
type ExecuteRequest struct {
	// Code is the full script source.
	Code string `json:"code"`
	// Language selects the interpreter. Only "python" is used today.
	Language string `json:"language,omitempty"`
	// TimeoutSeconds bounds the run on the service side (0 = service default).
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// ExecuteResponse is the POST /v1/execute response.
type ExecuteResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	// Output is accepted as an alias for Stdout by older runners.
	Output string `json:"output,omitempty"`
}

// HealthResponse is the GET /health response.
type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version,omitempty"`
}

// ErrorResponse is returned with non-2xx statuses.
type ErrorResponse struct {
	Error string `json:"error"`
}
