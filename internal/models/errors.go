package models

import "errors"

// Domain errors shared across packages.
var (
	ErrNoCategories  = errors.New("no categories configured")
	ErrNoFeeds       = errors.New("no feeds configured for any category")
	ErrMissingAPIKey = errors.New("llm api key not configured")
	ErrPersistence   = errors.New("persistence failure")
	ErrRunInProgress = errors.New("run already in progress")
)
