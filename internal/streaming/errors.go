package streaming

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/mahmut-Abi/openclaw-feishu/internal/feishu"
)

// Feishu rate-limit signatures. The legacy code is returned by cardkit when
// a card is updated too frequently; the newer one is the app-level request
// quota.
const (
	codeCardUpdateLimited = 230020
	codeAppRequestLimited = 99991400
)

// Failure classifies a remote error for retry purposes.
type Failure int

const (
	// FailureTransient is any non-rate-limit error: surfaced immediately,
	// never retried at this layer.
	FailureTransient Failure = iota
	// FailureRateLimited triggers backoff growth and bounded retries.
	FailureRateLimited
)

// Classify determines whether err is one of the known rate-limit
// signatures. Structured codes are checked first; the substring match
// covers errors that only carry the code in their text.
func Classify(err error) Failure {
	if err == nil {
		return FailureTransient
	}

	var apiErr *feishu.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == codeCardUpdateLimited || apiErr.Code == codeAppRequestLimited {
			return FailureRateLimited
		}
		return FailureTransient
	}

	text := err.Error()
	if strings.Contains(text, strconv.Itoa(codeCardUpdateLimited)) ||
		strings.Contains(text, strconv.Itoa(codeAppRequestLimited)) {
		return FailureRateLimited
	}
	return FailureTransient
}

var errCodePattern = regexp.MustCompile(`\b\d{4,9}\b`)

// errorCode extracts a best-effort numeric error code for logging: the
// structured code when present, otherwise the first code-shaped number in
// the error text.
func errorCode(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *feishu.APIError
	if errors.As(err, &apiErr) {
		return strconv.Itoa(apiErr.Code)
	}
	return errCodePattern.FindString(err.Error())
}
