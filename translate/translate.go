// Package translate holds the error taxonomy shared by the multilingual
// translation training packages.
package translate

import (
	stderrors "errors"

	"github.com/polyglot-mt/polyglot/errors"
)

// Sentinel causes for fatal setup/build failures. Callers should match with
// errors.Cause.
var (
	// ErrConfig indicates a malformed or inconsistent configuration value.
	ErrConfig = stderrors.New("invalid configuration")
	// ErrConfigMismatch indicates a model/task configuration disagreement.
	ErrConfigMismatch = stderrors.New("configuration mismatch")
	// ErrDatasetNotFound indicates that a requested split has no data at all.
	ErrDatasetNotFound = stderrors.New("dataset not found")
	// ErrArchitecture indicates a model that does not satisfy the task's
	// per-language-pair sub-model contract.
	ErrArchitecture = stderrors.New("unsupported architecture")
)

// ConfigErrorf returns an error whose Cause is ErrConfig.
func ConfigErrorf(format string, args ...interface{}) error {
	return errors.WrapfWithStack(ErrConfig, format, args...)
}

// ConfigMismatchErrorf returns an error whose Cause is ErrConfigMismatch.
func ConfigMismatchErrorf(format string, args ...interface{}) error {
	return errors.WrapfWithStack(ErrConfigMismatch, format, args...)
}

// DatasetNotFoundErrorf returns an error whose Cause is ErrDatasetNotFound.
func DatasetNotFoundErrorf(format string, args ...interface{}) error {
	return errors.WrapfWithStack(ErrDatasetNotFound, format, args...)
}

// ArchitectureErrorf returns an error whose Cause is ErrArchitecture.
func ArchitectureErrorf(format string, args ...interface{}) error {
	return errors.WrapfWithStack(ErrArchitecture, format, args...)
}
