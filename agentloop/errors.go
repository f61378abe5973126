package agentloop

import "errors"

var (
	// ErrSessionNotFound is returned by Manager lookups for an unknown id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrModelNotReady is returned by Start when the model capability
	// reports it cannot serve requests.
	ErrModelNotReady = errors.New("model not ready")

	// ErrUnknownTool is returned by Start when a requested tool is not registered.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrEmptyMessage is returned by Start when the initial message is blank.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrSessionTimeout is the cancellation cause recorded when a session
	// runs past its configured timeout.
	ErrSessionTimeout = errors.New("session timed out")

	// ErrCancelled is the cancellation cause recorded by Cancel.
	ErrCancelled = errors.New("cancelled by caller")

	// ErrNoPendingConfirmation is returned by Confirm when the session has
	// no parked tool call with the given request id.
	ErrNoPendingConfirmation = errors.New("no pending confirmation")

	// ErrManagerClosed is returned by Start after Shutdown.
	ErrManagerClosed = errors.New("manager is shut down")
)
