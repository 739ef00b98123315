package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/driving-school-scheduler/internal/domain"
	"github.com/robertarktes/driving-school-scheduler/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CatalogRepository stores the bookable lesson types.
type CatalogRepository struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewCatalogRepository(db *mongo.Database, logger observability.Logger) *CatalogRepository {
	return &CatalogRepository{
		coll:   db.Collection("lesson_types"),
		logger: logger,
	}
}

type LessonTypeDoc struct {
	Code                   string    `bson:"_id"`
	Name                   string    `bson:"name"`
	DefaultDurationMinutes int       `bson:"default_duration_minutes"`
	Active                 bool      `bson:"active"`
	CreatedAt              time.Time `bson:"created_at"`
	UpdatedAt              time.Time `bson:"updated_at"`
}

func (d LessonTypeDoc) toDomain() domain.LessonType {
	return domain.LessonType{
		Code:                   d.Code,
		Name:                   d.Name,
		DefaultDurationMinutes: d.DefaultDurationMinutes,
		Active:                 d.Active,
	}
}

func (c *CatalogRepository) GetLessonType(ctx context.Context, code string) (domain.LessonType, error) {
	var doc LessonTypeDoc
	err := c.coll.FindOne(ctx, bson.M{"_id": code}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.LessonType{}, errors.Wrapf(domain.ErrNotFound, "lesson type %q", code)
	}
	if err != nil {
		c.logger.WithError(err).Error("failed to get lesson type")
		return domain.LessonType{}, err
	}
	return doc.toDomain(), nil
}

func (c *CatalogRepository) ListLessonTypes(ctx context.Context) ([]domain.LessonType, error) {
	cur, err := c.coll.Find(ctx, bson.M{"active": true}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []LessonTypeDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]domain.LessonType, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toDomain())
	}
	return out, nil
}

// UpsertLessonType creates or replaces a catalog entry.
func (c *CatalogRepository) UpsertLessonType(ctx context.Context, lt domain.LessonType) error {
	now := time.Now().UTC()
	_, err := c.coll.UpdateOne(ctx,
		bson.M{"_id": lt.Code},
		bson.M{
			"$set": bson.M{
				"name":                     lt.Name,
				"default_duration_minutes": lt.DefaultDurationMinutes,
				"active":                   lt.Active,
				"updated_at":               now,
			},
			"$setOnInsert": bson.M{"created_at": now},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		c.logger.WithError(err).Error("failed to upsert lesson type")
		return err
	}
	return nil
}
