package models

import "errors"

// Common validation errors for models.
var (
	// ErrProjectNameRequired indicates a required project name field is empty.
	ErrProjectNameRequired = errors.New("project name is required")

	// ErrExportTypeRequired indicates a required export type field is empty.
	ErrExportTypeRequired = errors.New("export type is required")

	// ErrVideoIDRequired indicates a single-video export without a video id.
	ErrVideoIDRequired = errors.New("video id is required for single exports")
)
