package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pnwsync/pnwsync/pkg/models"
)

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	bus := NewBus(nil)
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		bus.Subscribe("nation_create", func(ctx context.Context, payload any) {
			order = append(order, i)
		})
	}

	bus.Publish(context.Background(), "nation_create", &models.Nation{ID: 1})
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestPublishUnknownEventIsNoop(t *testing.T) {
	bus := NewBus(nil)
	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), "city_delete", models.ID(7))
	})
}

func TestPanickingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe("alliance_update", func(ctx context.Context, payload any) {
		panic("boom")
	})
	delivered := false
	bus.Subscribe("alliance_update", func(ctx context.Context, payload any) {
		delivered = true
	})

	require.NotPanics(t, func() {
		bus.Publish(context.Background(), "alliance_update", nil)
	})
	assert.True(t, delivered)
}

func TestEventNames(t *testing.T) {
	assert.Equal(t, "nation_create", RecordEvent(models.KindNation, models.EventCreate))
	assert.Equal(t, "alliance_position_delete", RecordEvent(models.KindAlliancePosition, models.EventDelete))
	assert.Equal(t, "nation_score_update", FieldUpdateEvent(models.KindNation, "score"))
	assert.Equal(t, "city_infrastructure_update", FieldUpdateEvent(models.KindCity, "infrastructure"))
}
