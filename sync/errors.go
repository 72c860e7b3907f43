package sync

import "errors"

// Handshake errors reject the connection before any session or document
// state is touched. ErrPermissionDenied is the one post-attachment error: it
// rejects the offending operation but keeps the session connected.
var (
	ErrMalformedDocumentName = errors.New("malformed document name")
	ErrDocumentNameMismatch  = errors.New("document name mismatch")
	ErrDocumentNotFound      = errors.New("document not found")
	ErrPermissionDenied      = errors.New("permission denied")
)
