package storage

import "errors"

// Sentinel errors for CheckBatchHeader / CheckCertificate / InsertCertificate,
// classified as Validation errors per the error handling design: callers
// reject the input and, for network-originated input, escalate per their own
// policy. None of these are retried.
var (
	ErrDuplicateBatchID       = errors.New("storage: batch id already present")
	ErrDuplicateCertificateID = errors.New("storage: certificate id already present")
	ErrDuplicateRoundAuthor   = errors.New("storage: certificate already stored for this round and author")
	ErrUnknownAuthor          = errors.New("storage: author is not a member of the committee lookback")
	ErrStaleTimestamp         = errors.New("storage: timestamp outside the liveness window")
	ErrMissingTransmissions   = errors.New("storage: referenced transmissions are missing")
	ErrMissingPrevious        = errors.New("storage: a referenced previous certificate is missing")
	ErrDuplicatePreviousAuthor = errors.New("storage: duplicate author among previous certificates")
	ErrQuorumNotMet           = errors.New("storage: previous certificate authors do not meet quorum")
	ErrTooManyPrevious        = errors.New("storage: previous certificate count exceeds committee size")
	ErrUnknownSigner          = errors.New("storage: a signer is not a member of the committee lookback")
	ErrCertificateNotFound    = errors.New("storage: certificate not found")
	ErrCertificateBelowGCRound = errors.New("storage: certificate round at or below gc round")
)
