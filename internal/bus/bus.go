// Package bus carries notifications from the scheduler and supervisor to
// platform adapters. One logical channel exists per platform; exactly one
// adapter per platform is expected to consume it. Delivery is at-least-once
// from the producer's perspective (a crashed producer may re-emit), so
// consumers deduplicate on the (Kind, Ref) pair.
package bus

import (
	"context"

	"github.com/loomworks/loom/pkg/models"
)

// Bus is the publish side and subscription registry for notifications.
type Bus interface {
	Publish(ctx context.Context, n models.Notification) error
	// Subscribe returns a channel of notifications for the platform and a
	// cancel function that releases the subscription and closes the channel.
	Subscribe(platform string) (<-chan models.Notification, func())
	Close() error
}
