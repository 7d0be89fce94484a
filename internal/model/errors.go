package model

import "errors"

var (
	ErrMalformedRecord      = errors.New("malformed record")
	ErrUnmatchedBoundary    = errors.New("unmatched boundary")
	ErrOversizedBlock       = errors.New("oversized block")
	ErrFileUnavailable      = errors.New("file unavailable")
	ErrFileTruncated        = errors.New("file truncated")
	ErrCacheOverload        = errors.New("cache overload")
	ErrSourceTimeout        = errors.New("source timeout")
	ErrColdStoreUnreachable = errors.New("cold store unreachable")
	ErrInvalidConfig        = errors.New("invalid configuration")
	ErrInvalidFilter        = errors.New("invalid filter")
)
