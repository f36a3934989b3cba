// Package mongo hosts the MongoDB client used by the stream session
// registry.
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

	"goa.design/gate/runtime/gate/registry"
	"goa.design/gate/runtime/gate/run"
	"goa.design/gate/runtime/gate/stream"
)

const (
	defaultSessionsCollection = "gate_sessions"
	defaultOpTimeout          = 5 * time.Second
	registryClientName        = "registry-mongo"
)

// Client exposes Mongo-backed operations for stream sessions.
type Client interface {
	health.Pinger

	CreateSession(ctx context.Context, sess registry.Session) error
	LoadSession(ctx context.Context, streamID string) (registry.Session, error)

	// AppendEvent pushes one event onto the session history. A non-empty
	// lastToolName updates the cached name in the same write.
	AppendEvent(ctx context.Context, streamID string, env stream.Envelope, lastToolName string, at time.Time) error

	// SetGate records the pending gate and moves the session to
	// awaiting_approval, conditional on no gate being open. It reports
	// whether the session transitioned; false means the session was missing
	// or already gated, and the caller must load it to tell which.
	SetGate(ctx context.Context, streamID string, gate registry.PendingGate, at time.Time) (bool, error)

	ClearGate(ctx context.Context, streamID string, at time.Time) error
	SetState(ctx context.Context, streamID string, state run.State, at time.Time) error
	DeleteSession(ctx context.Context, streamID string) error

	// DeleteIdleBefore removes sessions not touched since cutoff.
	DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Options configures the Mongo registry client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo    *mongodriver.Client
	sessions collection
	timeout  time.Duration
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
		collName = defaultSessionsCollection
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
	return registryClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) CreateSession(ctx context.Context, sess registry.Session) error {
	if sess.StreamID == "" {
		return errors.New("stream id is required")
	}
	doc := fromSession(sess)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"stream_id": sess.StreamID}
	update := bson.M{"$setOnInsert": doc}
	_, err := c.sessions.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (c *client) LoadSession(ctx context.Context, streamID string) (registry.Session, error) {
	if streamID == "" {
		return registry.Session{}, errors.New("stream id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"stream_id": streamID}
	var doc sessionDocument
	if err := c.sessions.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return registry.Session{}, registry.ErrSessionNotFound
		}
		return registry.Session{}, err
	}
	return doc.toSession(), nil
}

func (c *client) AppendEvent(ctx context.Context, streamID string, env stream.Envelope, lastToolName string, at time.Time) error {
	if streamID == "" {
		return errors.New("stream id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	set := bson.M{"updated_at": at.UTC()}
	if lastToolName != "" {
		set["last_tool_name"] = lastToolName
	}
	update := bson.M{
		"$push": bson.M{"events": fromEnvelope(env)},
		"$set":  set,
	}
	res, err := c.sessions.UpdateOne(ctx, bson.M{"stream_id": streamID}, update)
	if err != nil {
		return err
	}
	if res.ModifiedCount == 0 {
		return registry.ErrSessionNotFound
	}
	return nil
}

func (c *client) SetGate(ctx context.Context, streamID string, gate registry.PendingGate, at time.Time) (bool, error) {
	if streamID == "" {
		return false, errors.New("stream id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	// At most one open gate per session, enforced by the filter.
	filter := bson.M{
		"stream_id": streamID,
		"gate":      bson.M{"$exists": false},
	}
	update := bson.M{"$set": bson.M{
		"gate":       fromGate(gate),
		"state":      run.StateAwaitingApproval,
		"updated_at": at.UTC(),
	}}
	res, err := c.sessions.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount == 1, nil
}

func (c *client) ClearGate(ctx context.Context, streamID string, at time.Time) error {
	if streamID == "" {
		return errors.New("stream id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	update := bson.M{
		"$unset": bson.M{"gate": ""},
		"$set":   bson.M{"updated_at": at.UTC()},
	}
	res, err := c.sessions.UpdateOne(ctx, bson.M{"stream_id": streamID}, update)
	if err != nil {
		return err
	}
	if res.ModifiedCount == 0 {
		return registry.ErrSessionNotFound
	}
	return nil
}

func (c *client) SetState(ctx context.Context, streamID string, state run.State, at time.Time) error {
	if streamID == "" {
		return errors.New("stream id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{
		"state":      state,
		"updated_at": at.UTC(),
	}}
	res, err := c.sessions.UpdateOne(ctx, bson.M{"stream_id": streamID}, update)
	if err != nil {
		return err
	}
	if res.ModifiedCount == 0 {
		return registry.ErrSessionNotFound
	}
	return nil
}

func (c *client) DeleteSession(ctx context.Context, streamID string) error {
	if streamID == "" {
		return errors.New("stream id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.sessions.DeleteMany(ctx, bson.M{"stream_id": streamID})
	return err
}

func (c *client) DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"updated_at": bson.M{"$lte": cutoff.UTC()}}
	res, err := c.sessions.DeleteMany(ctx, filter)
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

type sessionDocument struct {
	StreamID     string          `bson:"stream_id"`
	Query        string          `bson:"query,omitempty"`
	Events       []eventDocument `bson:"events"`
	LastToolName string          `bson:"last_tool_name,omitempty"`
	Gate         *gateDocument   `bson:"gate,omitempty"`
	State        run.State       `bson:"state"`
	CreatedAt    time.Time       `bson:"created_at"`
	UpdatedAt    time.Time       `bson:"updated_at"`
}

type eventDocument struct {
	Kind    string `bson:"kind"`
	Payload []byte `bson:"payload,omitempty"`
}

type gateDocument struct {
	ApprovalID      string `bson:"approval_id"`
	ToolName        string `bson:"tool_name"`
	ToolInput       []byte `bson:"tool_input,omitempty"`
	ParameterSchema []byte `bson:"parameter_schema,omitempty"`
	Preview         string `bson:"preview,omitempty"`
}

func fromSession(sess registry.Session) sessionDocument {
	events := make([]eventDocument, len(sess.Events))
	for i, env := range sess.Events {
		events[i] = fromEnvelope(env)
	}
	return sessionDocument{
		StreamID:     sess.StreamID,
		Query:        sess.Query,
		Events:       events,
		LastToolName: sess.LastToolName,
		Gate:         fromGatePtr(sess.Gate),
		State:        sess.State,
		CreatedAt:    sess.CreatedAt.UTC(),
		UpdatedAt:    sess.UpdatedAt.UTC(),
	}
}

func (doc sessionDocument) toSession() registry.Session {
	events := make([]stream.Envelope, len(doc.Events))
	for i, ev := range doc.Events {
		events[i] = stream.Envelope{
			Kind:     stream.Kind(ev.Kind),
			StreamID: doc.StreamID,
			Payload:  json.RawMessage(ev.Payload),
		}
	}
	var gate *registry.PendingGate
	if doc.Gate != nil {
		g := doc.Gate.toGate()
		gate = &g
	}
	return registry.Session{
		StreamID:     doc.StreamID,
		Query:        doc.Query,
		Events:       events,
		LastToolName: doc.LastToolName,
		Gate:         gate,
		State:        doc.State,
		CreatedAt:    doc.CreatedAt.UTC(),
		UpdatedAt:    doc.UpdatedAt.UTC(),
	}
}

func fromEnvelope(env stream.Envelope) eventDocument {
	return eventDocument{
		Kind:    string(env.Kind),
		Payload: []byte(env.Payload),
	}
}

func fromGate(gate registry.PendingGate) gateDocument {
	return gateDocument{
		ApprovalID:      gate.ApprovalID,
		ToolName:        gate.ToolName,
		ToolInput:       []byte(gate.ToolInput),
		ParameterSchema: []byte(gate.ParameterSchema),
		Preview:         gate.Preview,
	}
}

func fromGatePtr(gate *registry.PendingGate) *gateDocument {
	if gate == nil {
		return nil
	}
	doc := fromGate(*gate)
	return &doc
}

func (doc gateDocument) toGate() registry.PendingGate {
	return registry.PendingGate{
		ApprovalID:      doc.ApprovalID,
		ToolName:        doc.ToolName,
		ToolInput:       json.RawMessage(doc.ToolInput),
		ParameterSchema: json.RawMessage(doc.ParameterSchema),
		Preview:         doc.Preview,
	}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	idIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "stream_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, idIndex); err != nil {
		return err
	}
	idleIndex := mongodriver.IndexModel{
		Keys: bson.D{{Key: "updated_at", Value: 1}},
	}
	if _, err := coll.Indexes().CreateOne(ctx, idleIndex); err != nil {
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
		mongo:    mongoClient,
		sessions: coll,
		timeout:  timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	UpdateOne(ctx context.Context, filter any, update any,
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
