package runstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/andrej220/devterm/pkg/runstore"
)

func TestMongoStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("latest decodes the newest run", func(mt *mtest.T) {
		started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "r1"},
			{Key: "profileId", Value: "web-1"},
			{Key: "startedAt", Value: started},
			{Key: "run", Value: bson.D{
				{Key: "steps", Value: bson.A{}},
				{Key: "success", Value: false},
				{Key: "failedStep", Value: int32(3)},
			}},
		}))

		rec, err := runstore.NewMongoStore(mt.Coll).Latest(context.Background(), "web-1")
		require.NoError(t, err)
		assert.Equal(t, "r1", rec.ID)
		assert.True(t, rec.StartedAt.Equal(started))
		require.NotNil(t, rec.Run.FailedStep)
		assert.Equal(t, 3, *rec.Run.FailedStep)
	})

	mt.Run("latest without history", func(mt *mtest.T) {
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))

		_, err := runstore.NewMongoStore(mt.Coll).Latest(context.Background(), "web-1")
		assert.ErrorIs(t, err, runstore.ErrNotFound)
	})

	mt.Run("save upserts", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}))
		err := runstore.NewMongoStore(mt.Coll).Save(context.Background(), runstore.Record{ProfileID: "web-1"})
		assert.NoError(t, err)
	})

	mt.Run("save reports server errors", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 11000, Message: "duplicate key"}))
		err := runstore.NewMongoStore(mt.Coll).Save(context.Background(), runstore.Record{ProfileID: "web-1"})
		assert.Error(t, err)
	})
}
