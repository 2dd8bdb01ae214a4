package main

// decoded form of an SQS message body. Producers send a JSON object whose
// only recognized key is WEBSITE_URL; anything else is ignored.
type TaskPayload struct {
	TargetURL string `json:"WEBSITE_URL"`
}

type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeActionFailed
	OutcomeDecodeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeActionFailed:
		return "action_failed"
	case OutcomeDecodeFailed:
		return "decode_failed"
	default:
		return "unknown"
	}
}

// result of processing one message, drives delete-vs-DLQ routing
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

func Succeeded() Outcome {
	return Outcome{Kind: OutcomeSuccess}
}

func ActionFailure(err error) Outcome {
	return Outcome{Kind: OutcomeActionFailed, Err: err}
}

func DecodeFailure(err error) Outcome {
	return Outcome{Kind: OutcomeDecodeFailed, Err: err}
}
