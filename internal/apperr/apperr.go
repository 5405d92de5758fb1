// Package apperr defines the error taxonomy shared by every voxclone
// component.
//
// Domain failures are reported as *[Error] values tagged with a [Kind] and a
// stable machine-readable [Code]. Kinds survive wrapping: callers use [KindOf]
// or [Is] (both built on errors.As) to classify an error chain, and the HTTP
// layer maps kinds to status codes without inspecting message text.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and status mapping.
type Kind string

const (
	ValidationError  Kind = "ValidationError"
	InvalidStep      Kind = "InvalidStep"
	AccessDenied     Kind = "AccessDenied"
	NotFound         Kind = "NotFound"
	AudioQualityPoor Kind = "AudioQualityPoor"
	NotReady         Kind = "NotReady"
	ModelLoadError   Kind = "ModelLoadError"
	SynthesisError   Kind = "SynthesisError"
	RateLimited      Kind = "RateLimited"
	SystemError      Kind = "SystemError"
)

// parent returns the kind k specialises, if any. InvalidStep is a
// ValidationError.
func (k Kind) parent() Kind {
	if k == InvalidStep {
		return ValidationError
	}
	return ""
}

// Code is a stable, machine-readable error code exposed to API clients.
type Code string

const (
	CodeInvalidInput        Code = "INVALID_INPUT"
	CodeMissingParameter    Code = "MISSING_PARAMETER"
	CodeInvalidStep         Code = "INVALID_STEP"
	CodeInvalidLanguage     Code = "INVALID_LANGUAGE"
	CodeTextTooLong         Code = "TEXT_TOO_LONG"
	CodeAccessDenied        Code = "ACCESS_DENIED"
	CodeFileNotFound        Code = "FILE_NOT_FOUND"
	CodeFileTooLarge        Code = "FILE_TOO_LARGE"
	CodeAudioFormat         Code = "AUDIO_FORMAT_ERROR"
	CodeAudioTooShort       Code = "AUDIO_TOO_SHORT"
	CodeAudioTooLong        Code = "AUDIO_TOO_LONG"
	CodeAudioQualityPoor    Code = "AUDIO_QUALITY_POOR"
	CodeProfileNotReady     Code = "PROFILE_NOT_READY"
	CodeModelLoad           Code = "MODEL_LOAD_ERROR"
	CodeModelInference      Code = "MODEL_INFERENCE_ERROR"
	CodeVoiceCloning        Code = "VOICE_CLONING_ERROR"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeUnknown             Code = "UNKNOWN_ERROR"
	CodeAudioProcessing     Code = "AUDIO_PROCESSING_ERROR"
	CodeStorage             Code = "STORAGE_ERROR"
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeSpeakerUnresolvable Code = "SPEAKER_UNRESOLVABLE"
)

// defaultCodes is the code used when an error is built without one.
var defaultCodes = map[Kind]Code{
	ValidationError:  CodeInvalidInput,
	InvalidStep:      CodeInvalidStep,
	AccessDenied:     CodeAccessDenied,
	NotFound:         CodeFileNotFound,
	AudioQualityPoor: CodeAudioQualityPoor,
	NotReady:         CodeProfileNotReady,
	ModelLoadError:   CodeModelLoad,
	SynthesisError:   CodeModelInference,
	RateLimited:      CodeRateLimited,
	SystemError:      CodeUnknown,
}

// genericSystemMessage is shown to users instead of internal error text.
const genericSystemMessage = "An internal error occurred. Please try again."

// Error is a classified domain error.
type Error struct {
	Kind Kind
	Code Code

	// Message is the developer-facing description. It is logged and, for
	// every kind except SystemError, returned to clients.
	Message string

	// UserMessage overrides the client-facing text when non-empty.
	UserMessage string

	// Details carries structured context (issues, attempts, limits).
	Details map[string]any

	// Err is the underlying cause, if any.
	Err error
}

// Error implements error.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// PublicMessage returns the text safe to show to an API client.
func (e *Error) PublicMessage() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	if e.Kind == SystemError {
		return genericSystemMessage
	}
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

// New builds an *Error of the given kind with the default code.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: defaultCodes[kind], Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	e := New(kind, format, args...)
	e.Err = err
	return e
}

// WithCode sets the machine-readable code and returns e.
func (e *Error) WithCode(c Code) *Error {
	e.Code = c
	return e
}

// WithUserMessage sets the client-facing message and returns e.
func (e *Error) WithUserMessage(msg string) *Error {
	e.UserMessage = msg
	return e
}

// WithDetail attaches a structured detail and returns e.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// As extracts the outermost *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// SystemError for unclassified non-nil errors. It returns "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	return SystemError
}

// Is reports whether err is classified as kind, honouring kind hierarchy
// (an InvalidStep error is also a ValidationError).
func Is(err error, kind Kind) bool {
	k := KindOf(err)
	for k != "" {
		if k == kind {
			return true
		}
		k = k.parent()
	}
	return false
}

// System wraps an unexpected failure as SystemError unless err is already
// classified, in which case it is returned unchanged. Domain errors therefore
// pass component boundaries un-downgraded.
func System(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if _, ok := As(err); ok {
		return err
	}
	return Wrap(SystemError, err, format, args...)
}
