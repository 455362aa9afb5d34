package upload

import (
	"context"

	"github.com/nhle/courier/internal/model"
	"github.com/nhle/courier/internal/store"
)

// command is one optimistic local-state update: the next state applied
// before network confirmation, and the exact prior snapshot restored
// if the write fails. The pipeline applies and rolls back the command
// itself; callers never patch state by hand.
type command struct {
	id    string
	prior *model.MessageEntity
	next  model.MessageEntity
}

// newCommand captures the prior snapshot for entity id and the
// optimistic next state.
func newCommand(id string, prior *model.MessageEntity, next model.MessageEntity) *command {
	var snapshot *model.MessageEntity
	if prior != nil {
		snapshot = prior.Clone()
	}
	return &command{id: id, prior: snapshot, next: next}
}

// apply writes the optimistic state.
func (c *command) apply(ctx context.Context, s store.Store) error {
	return s.SaveMessage(ctx, c.next)
}

// rollback restores the captured snapshot, removing the row entirely
// when there was none before.
func (c *command) rollback(ctx context.Context, s store.Store) error {
	return s.RestoreSnapshot(ctx, c.id, c.prior)
}
