package image

import "errors"

var (
	ErrArchUnsupported = errors.New("architecture unsupported")
	ErrArchMismatch    = errors.New("architecture mismatch")
	ErrBadSignature    = errors.New("bad image signature")
	ErrSectionNotFound = errors.New("section not found")
	ErrExportNotFound  = errors.New("export not found")
	ErrImageClosed     = errors.New("image closed")
)
