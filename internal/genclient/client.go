// Package genclient defines the minimal contract this engine needs from
// the external generation service, plus a fasthttp implementation of it.
//
// The engine only ever makes three calls: submit a job, poll a job,
// check service health. Everything else about the service is out of
// scope here.
package genclient

import (
	"context"
)

// JobHandle identifies a submitted job on the generation service side.
type JobHandle string

// PollState is the coarse job state reported by Poll.
type PollState string

const (
	StatePending PollState = "pending" // submitted, not finished yet
	StateDone    PollState = "done"    // finished, artifacts available
	StateFailed  PollState = "failed"  // finished with an error
)

// PollStatus is one observation of a submitted job.
type PollStatus struct {
	State     PollState
	Artifacts []string // artifact references, valid when State == StateDone
	Reason    string   // failure detail, valid when State == StateFailed
}

// ServiceHealth is the result of a health probe.
type ServiceHealth struct {
	Reachable   bool
	QueueLength int    // jobs pending on the service, if reported
	Detail      string // raw detail for logs, best effort
}

// Submission is the wire-format job document produced by the
// submission builder. The client treats it as opaque.
type Submission map[string]any

// Client is the three-call contract against the generation service.
//
// Implementations must be safe for concurrent use: every worker in the
// pool shares one client.
type Client interface {
	Submit(ctx context.Context, sub Submission) (JobHandle, error)
	Poll(ctx context.Context, handle JobHandle) (PollStatus, error)
	HealthCheck(ctx context.Context) (ServiceHealth, error)
}
