package apiviews

import (
	"context"
	"net/http"
)

// TrackViewJob is the queue job name for view work items.
const TrackViewJob = "track_api_topic_view"

// RequestContext describes one completed request as seen by the host pipeline.
type RequestContext struct {
	IsAPI        bool
	IsUserAPI    bool
	Status       int
	IsBackground bool
	IsCrawler    bool
	Path         string

	// Header holds the request headers. Keys need not be canonical; the
	// marker-header check also matches lower-case and CGI-style keys.
	Header http.Header

	// RemoteIP is the client address resolved by the pipeline (proxy aware).
	// ConnIP is the address of the TCP peer.
	RemoteIP string
	ConnIP   string

	Credentials Credentials
}

// WorkItem is the payload of a TrackViewJob.
type WorkItem struct {
	TopicID int64  `json:"topic_id"`
	IP      string `json:"ip"`
	UserID  *int64 `json:"user_id,omitempty"`
}

// Outcome classifies a filter decision.
type Outcome int

const (
	// NotTracked means a policy predicate rejected the request.
	NotTracked Outcome = iota
	// Tracked means the request counts as a view; Result.Item is set.
	Tracked
	// InternalError means the filter failed; the request is not tracked.
	InternalError
)

func (o Outcome) String() string {
	switch o {
	case Tracked:
		return "tracked"
	case InternalError:
		return "internal_error"
	default:
		return "not_tracked"
	}
}

// Reason says which predicate rejected a request.
type Reason string

const (
	ReasonDisabled      Reason = "disabled"
	ReasonNotAPI        Reason = "not_api"
	ReasonStatus        Reason = "status"
	ReasonBackground    Reason = "background"
	ReasonCrawler       Reason = "crawler"
	ReasonMissingHeader Reason = "missing_header"
	ReasonNoTopic       Reason = "no_topic"
	ReasonInvalidTopic  Reason = "invalid_topic_id"
)

// Result is the outcome of Filter.Handle.
type Result struct {
	Outcome Outcome
	Item    WorkItem
	Reason  Reason
	Err     error
}

func tracked(item WorkItem) Result { return Result{Outcome: Tracked, Item: item} }
func notTracked(reason Reason) Result { return Result{Outcome: NotTracked, Reason: reason} }
func internalError(err error) Result { return Result{Outcome: InternalError, Err: err} }

// Enqueuer hands a named payload to an asynchronous execution facility.
// queue.Memory, queue.Redis and queue.Kafka implement it.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload []byte) error
}

// ActorResolver maps request credentials to a user id. A false return means
// no actor; errors are treated the same way by the filter.
type ActorResolver interface {
	ResolveActor(ctx context.Context, creds Credentials) (userID int64, ok bool, err error)
}
