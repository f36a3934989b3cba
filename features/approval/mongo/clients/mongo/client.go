// Package mongo hosts the MongoDB client used by the approval store.
package mongo

//go:generate cmg gen .

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/gate/runtime/gate/approval"
)

const (
	defaultApprovalsCollection = "gate_approvals"
	defaultOpTimeout           = 5 * time.Second
	approvalClientName         = "approval-mongo"
)

// Client exposes Mongo-backed operations for approval records.
type Client interface {
	health.Pinger

	CreateApproval(ctx context.Context, req approval.Request) error
	LoadApproval(ctx context.Context, id string) (approval.Request, error)

	// ResolveApproval atomically moves a pending, unexpired approval to
	// status. It reports whether the record was the one that transitioned;
	// false means the approval was missing, already resolved or past its
	// deadline, and the caller must load the record to tell which.
	ResolveApproval(ctx context.Context, id string, status approval.Status, modifiedInput json.RawMessage, resolvedAt time.Time) (bool, error)

	// ExpireApprovals marks pending approvals whose deadline passed.
	ExpireApprovals(ctx context.Context, now time.Time) (int, error)

	// DeleteResolvedBefore removes terminal approvals resolved before cutoff.
	DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Options configures the Mongo approval client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo     *mongodriver.Client
	approvals collection
	timeout   time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultApprovalsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: coll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return approvalClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) CreateApproval(ctx context.Context, req approval.Request) error {
	if req.ID == "" {
		return errors.New("approval id is required")
	}
	if req.ToolName == "" {
		return errors.New("tool name is required")
	}
	doc := fromRequest(req)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"approval_id": req.ID}
	update := bson.M{
		// Idempotent insert: creation must never touch an existing record.
		"$setOnInsert": doc,
	}
	_, err := c.approvals.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (c *client) LoadApproval(ctx context.Context, id string) (approval.Request, error) {
	if id == "" {
		return approval.Request{}, errors.New("approval id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"approval_id": id}
	var doc approvalDocument
	if err := c.approvals.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return approval.Request{}, approval.ErrNotFound
		}
		return approval.Request{}, err
	}
	return doc.toRequest(), nil
}

func (c *client) ResolveApproval(ctx context.Context, id string, status approval.Status, modifiedInput json.RawMessage, resolvedAt time.Time) (bool, error) {
	if id == "" {
		return false, errors.New("approval id is required")
	}
	if !status.Terminal() {
		return false, errors.New("resolution status must be terminal")
	}
	resolvedAt = resolvedAt.UTC()
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	// The filter is the whole concurrency story: only the first resolver
	// matches a pending, unexpired record.
	filter := bson.M{
		"approval_id": id,
		"status":      approval.StatusPending,
		"expires_at":  bson.M{"$gt": resolvedAt},
	}
	set := bson.M{
		"status":      status,
		"resolved_at": resolvedAt,
		"updated_at":  resolvedAt,
	}
	if len(modifiedInput) > 0 {
		set["modified_input"] = []byte(modifiedInput)
	}
	res, err := c.approvals.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount == 1, nil
}

func (c *client) ExpireApprovals(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"status":     approval.StatusPending,
		"expires_at": bson.M{"$lte": now},
	}
	update := bson.M{"$set": bson.M{
		"status":      approval.StatusExpired,
		"resolved_at": now,
		"updated_at":  now,
	}}
	res, err := c.approvals.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, err
	}
	return int(res.ModifiedCount), nil
}

func (c *client) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"status":      bson.M{"$ne": approval.StatusPending},
		"resolved_at": bson.M{"$lte": cutoff.UTC()},
	}
	res, err := c.approvals.DeleteMany(ctx, filter)
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type approvalDocument struct {
	ApprovalID      string          `bson:"approval_id"`
	ToolName        string          `bson:"tool_name"`
	ToolInput       []byte          `bson:"tool_input,omitempty"`
	ParameterSchema []byte          `bson:"parameter_schema,omitempty"`
	Status          approval.Status `bson:"status"`
	ModifiedInput   []byte          `bson:"modified_input,omitempty"`
	CreatedAt       time.Time       `bson:"created_at"`
	ExpiresAt       time.Time       `bson:"expires_at"`
	ResolvedAt      *time.Time      `bson:"resolved_at,omitempty"`
	UpdatedAt       time.Time       `bson:"updated_at"`
}

func fromRequest(req approval.Request) approvalDocument {
	return approvalDocument{
		ApprovalID:      req.ID,
		ToolName:        req.ToolName,
		ToolInput:       []byte(req.ToolInput),
		ParameterSchema: []byte(req.ParameterSchema),
		Status:          req.Status,
		ModifiedInput:   []byte(req.ModifiedInput),
		CreatedAt:       req.CreatedAt.UTC(),
		ExpiresAt:       req.ExpiresAt.UTC(),
		UpdatedAt:       req.CreatedAt.UTC(),
	}
}

func (doc approvalDocument) toRequest() approval.Request {
	var resolvedAt *time.Time
	if doc.ResolvedAt != nil {
		at := doc.ResolvedAt.UTC()
		resolvedAt = &at
	}
	return approval.Request{
		ID:              doc.ApprovalID,
		ToolName:        doc.ToolName,
		ToolInput:       json.RawMessage(doc.ToolInput),
		ParameterSchema: json.RawMessage(doc.ParameterSchema),
		Status:          doc.Status,
		ModifiedInput:   json.RawMessage(doc.ModifiedInput),
		CreatedAt:       doc.CreatedAt.UTC(),
		ExpiresAt:       doc.ExpiresAt.UTC(),
		ResolvedAt:      resolvedAt,
	}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	idIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "approval_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, idIndex); err != nil {
		return err
	}
	// Serves both the expiry sweep and the pending-and-unexpired CAS filter.
	sweepIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "expires_at", Value: 1},
		},
	}
	if _, err := coll.Indexes().CreateOne(ctx, sweepIndex); err != nil {
		return err
	}
	retentionIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "resolved_at", Value: 1},
		},
	}
	if _, err := coll.Indexes().CreateOne(ctx, retentionIndex); err != nil {
		return err
	}
	return nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:     mongoClient,
		approvals: coll,
		timeout:   timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	UpdateMany(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	DeleteMany(ctx context.Context, filter any,
		opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) UpdateMany(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateMany(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteMany(ctx context.Context, filter any,
	opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteMany(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
