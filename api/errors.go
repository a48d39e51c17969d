package api

import (
	"errors"
	"fmt"
	"os"
)

// Sentinel errors for provider error codes, grounded on
// backend/xpan/api/errors.go (Baidu's xpan errno space).
var (
	// ErrTryAgainLater means the provider's rate limit was hit.
	ErrTryAgainLater = errors.New("hit frequency limit, try again later")
	// ErrAuthenticationFailed means the access token is invalid or expired
	// in a way a refresh should repair.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrIllegalFilename means the remote path is not acceptable to the provider.
	ErrIllegalFilename = errors.New("illegal filename")
	// ErrNotEligible means rapidupload declined the request (size below
	// threshold, or no server-side match); not a failure, just a miss.
	ErrNotEligible = errors.New("not eligible for rapid upload")
	// ErrUploadIDExpired means the server no longer recognizes upload_id;
	// callers should clear the resume session and restart from precreate.
	ErrUploadIDExpired = errors.New("upload id expired or unknown")
)

// errFromCode converts a provider errno into a classified sentinel error.
func errFromCode(errno int) error {
	switch errno {
	case -6, 110, 111:
		return ErrAuthenticationFailed
	case 31034:
		return ErrTryAgainLater
	case -3, -9, -31066, 31066:
		return os.ErrNotExist
	case 2, 31023:
		return os.ErrInvalid
	case -7, 31062:
		return ErrIllegalFilename
	case 31061:
		return os.ErrExist
	case -8:
		return ErrUploadIDExpired
	case 0:
		return nil
	default:
		return fmt.Errorf("xpan error code %d", errno)
	}
}
