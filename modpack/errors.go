package modpack

import (
	"fmt"

	"emperror.dev/errors"
)

type ErrorCode string

const (
	ErrCodeEmptyArchive    ErrorCode = "E_EMPTYARCH"
	ErrCodeCorruptArchive  ErrorCode = "E_CORRUPTARCH"
	ErrCodeMissingManifest ErrorCode = "E_NOMANIFEST"
	ErrCodeMultipleRoots   ErrorCode = "E_MULTIROOT"
	ErrCodeInvalidManifest ErrorCode = "E_BADMANIFEST"
	ErrCodeBadPath         ErrorCode = "E_BADPATH"
	ErrCodeDenylistFile    ErrorCode = "E_DENYLIST"
	ErrCodeModuleExists    ErrorCode = "E_MODEXISTS"
	ErrCodeArchiveTooLarge ErrorCode = "E_2BIG"
)

// Error is a validation failure while inspecting or extracting an untrusted
// module package. Every instance names the exact rule violated and the
// offending path so operators can fix the package rather than guess.
type Error struct {
	code ErrorCode
	// path is the archive entry or filesystem path that violated the rule.
	path string
	// detail is additional human context, e.g. the expected manifest location.
	detail string
}

// Code returns the ErrorCode for this specific error instance.
func (e *Error) Code() ErrorCode {
	return e.code
}

func (e *Error) Error() string {
	switch e.code {
	case ErrCodeEmptyArchive:
		return "modpack: archive contains no files"
	case ErrCodeCorruptArchive:
		return "modpack: archive is corrupt or not a zip file"
	case ErrCodeMissingManifest:
		return fmt.Sprintf("modpack: manifest not found: expected %s", e.detail)
	case ErrCodeMultipleRoots:
		return fmt.Sprintf("modpack: ambiguous package layout: multiple top-level directories (%s) and no root module.json", e.detail)
	case ErrCodeInvalidManifest:
		return fmt.Sprintf("modpack: invalid manifest: %s", e.detail)
	case ErrCodeBadPath:
		return fmt.Sprintf("modpack: refusing to extract unsafe path: %s", e.path)
	case ErrCodeDenylistFile:
		return fmt.Sprintf("modpack: refusing to extract denylisted file: %s", e.path)
	case ErrCodeModuleExists:
		return fmt.Sprintf("modpack: module directory already exists at %s: uninstall the existing module first", e.path)
	case ErrCodeArchiveTooLarge:
		return fmt.Sprintf("modpack: archive exceeds the configured size limit: %s", e.detail)
	}
	return "modpack: unhandled package error"
}

// Path returns the offending path associated with this error, if any.
func (e *Error) Path() string {
	return e.path
}

// IsErrorCode checks if err is a modpack Error with the given code. Any other
// error type returns false, as does a wrapped error of a different code.
func IsErrorCode(err error, code ErrorCode) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.code == code
	}
	return false
}

// IsValidationError returns true if the error is any user-facing package
// validation failure, rather than an internal fault.
func IsValidationError(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}

func newError(code ErrorCode, path string, detail string) error {
	return errors.WithStackDepth(&Error{code: code, path: path, detail: detail}, 1)
}
