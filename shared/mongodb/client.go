// shared/mongodb/client.go
package mongodb

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/Ftotnem/arena-cluster/shared/logging"
)

const connectTimeout = 10 * time.Second

// Client wraps a connected *mongo.Client bound to one database.
type Client struct {
	mongoClient *mongo.Client
	database    string
	logger      *zap.Logger
}

// NewClient connects to connStr and pings the primary before returning.
func NewClient(ctx context.Context, connStr, databaseName string, logger *zap.Logger) (*Client, error) {
	logger = logging.OrNop(logger).Named("mongodb")
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connStr))
	if err != nil {
		return nil, eris.Wrap(err, "failed to connect to MongoDB")
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		if derr := client.Disconnect(context.WithoutCancel(ctx)); derr != nil {
			logger.Warn("Failed to disconnect MongoDB client after ping failure", zap.Error(derr))
		}
		return nil, eris.Wrap(err, "failed to ping MongoDB")
	}

	logger.Info("Connected to MongoDB", zap.String("database", databaseName))
	return &Client{mongoClient: client, database: databaseName, logger: logger}, nil
}

// Wrap binds an already connected client, as handed out by mtest.
func Wrap(client *mongo.Client, databaseName string) *Client {
	return &Client{mongoClient: client, database: databaseName, logger: zap.NewNop()}
}

// Collection returns a handle on name in the bound database.
func (mc *Client) Collection(name string) *mongo.Collection {
	return mc.mongoClient.Database(mc.database).Collection(name)
}

func (mc *Client) Disconnect(ctx context.Context) error {
	mc.logger.Info("Disconnecting from MongoDB")
	return mc.mongoClient.Disconnect(ctx)
}
