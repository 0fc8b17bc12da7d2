package worker

import "fmt"

// Outcome is the classification of one dispatch attempt.
type Outcome int

const (
	// OutcomeCompleted: the hook returned exactly 200.
	OutcomeCompleted Outcome = iota
	// OutcomeRetry: transient; the hook may succeed on a later attempt.
	OutcomeRetry
	// OutcomeFailed: permanent; retrying will not help.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeRetry:
		return "retry"
	default:
		return "failed"
	}
}

// ClassifyResponse maps the final response status code to an outcome.
// 200 completes; 5xx is a transient server error; everything else is a
// permanent rejection. Transport-level errors (no response at all) are
// classified by ClassifyError instead.
func ClassifyResponse(statusCode int) Outcome {
	switch {
	case statusCode == 200:
		return OutcomeCompleted
	case statusCode >= 500 && statusCode <= 599:
		return OutcomeRetry
	default:
		return OutcomeFailed
	}
}

// ClassifyError classifies a transport failure: connection errors,
// timeouts, DNS, TLS and the redirect limit all count as transient.
func ClassifyError(err error) (Outcome, string) {
	return OutcomeRetry, fmt.Sprintf("request failed: %v", err)
}
