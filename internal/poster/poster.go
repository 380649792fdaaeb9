// Package poster defines the outbound posting capability the scheduler
// drives. The scheduler knows nothing about any concrete backend; it
// only sees this interface.
package poster

import "context"

// Payload is the resolved content for one job run, captured at enqueue
// time so a concurrent template edit cannot change a run in flight.
type Payload struct {
	TemplateID string   `json:"template_id"`
	Name       string   `json:"name"`
	Content    string   `json:"content"`
	Images     []string `json:"images,omitempty"`
}

// Poster delivers a payload to a single target group.
type Poster interface {
	// Ready reports whether the poster can deliver right now (for
	// example, the bot identity is authenticated). A non-nil error
	// causes the scheduler to reschedule the whole job without
	// attempting any target.
	Ready(ctx context.Context) error

	// Post delivers the payload to one target. The target format is
	// backend-specific (a chat id for telegram). Errors fail only this
	// target; the scheduler continues with the rest of the batch.
	Post(ctx context.Context, target string, p Payload) error
}
