package domain

import "errors"

// Sentinel errors. Adapters wrap these with fmt.Errorf("...: %w", ...);
// callers test with errors.Is.
var (
	// ErrNetwork indicates a fetch timed out or the connection failed
	ErrNetwork = errors.New("network failure")

	// ErrParse indicates a malformed response
	ErrParse = errors.New("malformed response")

	// ErrNotFound indicates an empty or missing catalog result
	ErrNotFound = errors.New("not found")

	// ErrStorage indicates a disk read or write failed
	ErrStorage = errors.New("storage failure")

	// ErrRateLimited indicates a guard denied the attempt
	ErrRateLimited = errors.New("rate limited")

	// ErrAuthFailed indicates the server rejected the credentials
	ErrAuthFailed = errors.New("authentication failed")

	// ErrNoAccount indicates no usable account is configured
	ErrNoAccount = errors.New("no account configured")

	// ErrTaskNotFound indicates an unknown download task id
	ErrTaskNotFound = errors.New("download task not found")

	// ErrInvalidTransition indicates a download operation is not valid in the task's state
	ErrInvalidTransition = errors.New("invalid download state transition")
)
