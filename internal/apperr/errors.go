// Package apperr defines the error kinds shared across notebook packages.
// Callers wrap them with fmt.Errorf and classify with errors.Is.
package apperr

import "errors"

var (
	ErrIngestion        = errors.New("ingestion failed")
	ErrEmbeddingService = errors.New("embedding service error")
	ErrAnswerGeneration = errors.New("answer generation failed")
	ErrStoreCorruption  = errors.New("vector store snapshot corrupt")
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrInvalidInput     = errors.New("invalid input")
)
