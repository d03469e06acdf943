package harness

// Trace event names.
const (
	EventSend     = "send"
	EventPublish  = "publish"
	EventDeliver  = "deliver"
	EventComplete = "complete"
)

// Send outcomes.
const (
	OutcomeSent   = "sent"
	OutcomeJoined = "joined"
)

// Deliver outcomes.
const (
	OutcomeRecorded  = "recorded"
	OutcomeDuplicate = "duplicate"
	OutcomeStale     = "stale"
	OutcomeCompleted = "completed"
	OutcomeRejected  = "rejected"
)

// TraceEvent is one observable step of a scenario run.
type TraceEvent struct {
	Seq           int64  `json:"seq"`
	Event         string `json:"event"`
	Call          string `json:"call"`
	CorrelationID string `json:"correlation_id"`
	RequestType   string `json:"request_type,omitempty"`
	Node          int    `json:"node,omitempty"`
	Address       string `json:"address,omitempty"`
	DedupID       string `json:"dedup_id,omitempty"`
	Outcome       string `json:"outcome,omitempty"`
	Result        any    `json:"result,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step ran and every assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult creates a passing result with an empty trace.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(e TraceEvent) {
	r.Trace = append(r.Trace, e)
}

// choiceCodesSummary is the trace form of returncodes.ChoiceCodes; it omits
// the codes themselves, which are digests.
type choiceCodesSummary struct {
	VerificationCardID string `json:"verification_card_id"`
	CodesPerNode       []int  `json:"codes_per_node"`
}

type mixSummary struct {
	Node        int      `json:"node"`
	BallotBoxID string   `json:"ballot_box_id"`
	Ciphertexts []string `json:"ciphertexts"`
}
