package stage

// Code classifies one handler invocation for the queue worker's ack
// protocol: OK and suppressed acknowledge the delivery, transient errors
// requeue it with backoff, permanent errors park it for an operator.
type Code string

const (
	CodeOK         Code = "ok"
	CodeTransient  Code = "transient_error"
	CodePermanent  Code = "permanent_error"
	CodeSuppressed Code = "suppressed"
)

// Result is the tagged outcome of a stage handler. Err carries the cause
// for the error codes and stays nil otherwise.
type Result struct {
	Err  error
	Code Code
}

func OK() Result { return Result{Code: CodeOK} }

// Suppress reports that manual intervention swallowed the turn. The
// delivery is acked like a success.
func Suppress() Result { return Result{Code: CodeSuppressed} }

// Transient reports a failure worth retrying, e.g. provider timeouts or a
// lost database connection.
func Transient(err error) Result { return Result{Code: CodeTransient, Err: err} }

// Permanent reports a failure retries cannot fix, e.g. a rejected API key
// or a tenant with no agent configured.
func Permanent(err error) Result { return Result{Code: CodePermanent, Err: err} }
