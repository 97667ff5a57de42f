package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	requestChannel     = "presence:request"
	replyChannelPrefix = "presence:reply:"
)

type rosterRequest struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	SessionID string `json:"sessionId"`
}

type rosterReply struct {
	ID      string   `json:"id"`
	From    string   `json:"from"`
	Members []Member `json:"members"`
}

// RedisFanout asks every process subscribed to the presence channel for its
// local members of a session and unions the answers with its own. Processes
// are counted with PUBSUB NUMSUB, so a process that is subscribed but does
// not answer within the timeout fails the whole query.
type RedisFanout struct {
	client  *redis.Client
	local   Provider
	nodeID  string
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]chan rosterReply
	pubsub  *redis.PubSub
	done    chan struct{}
}

func NewRedisFanout(client *redis.Client, local Provider, nodeID string, timeout time.Duration, logger *zap.Logger) *RedisFanout {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisFanout{
		client:  client,
		local:   local,
		nodeID:  nodeID,
		timeout: timeout,
		logger:  logger,
		pending: make(map[string]chan rosterReply),
		done:    make(chan struct{}),
	}
}

func (f *RedisFanout) replyChannel(nodeID string) string {
	return replyChannelPrefix + nodeID
}

// Start subscribes to roster requests and to this node's reply channel. It
// returns once the subscription is confirmed; answering runs until Close.
func (f *RedisFanout) Start(ctx context.Context) error {
	pubsub := f.client.Subscribe(ctx, requestChannel, f.replyChannel(f.nodeID))
	for confirmed := 0; confirmed < 2; {
		msg, err := pubsub.Receive(ctx)
		if err != nil {
			_ = pubsub.Close()
			return fmt.Errorf("subscribe presence channels: %w", err)
		}
		if _, ok := msg.(*redis.Subscription); ok {
			confirmed++
		}
	}
	f.pubsub = pubsub
	go f.listen(pubsub.Channel())
	return nil
}

func (f *RedisFanout) Close() error {
	if f.pubsub == nil {
		return nil
	}
	err := f.pubsub.Close()
	<-f.done
	return err
}

func (f *RedisFanout) listen(messages <-chan *redis.Message) {
	defer close(f.done)
	for msg := range messages {
		switch msg.Channel {
		case requestChannel:
			f.answer(msg.Payload)
		default:
			f.collect(msg.Payload)
		}
	}
}

func (f *RedisFanout) answer(payload string) {
	var req rosterRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		f.logger.Warn("dropping malformed roster request", zap.Error(err))
		return
	}
	if req.From == f.nodeID {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	members, err := f.local.Members(ctx, req.SessionID)
	if err != nil {
		f.logger.Warn("cannot list local members for roster request",
			zap.String("session_id", req.SessionID),
			zap.Error(err),
		)
		return
	}
	data, err := json.Marshal(rosterReply{ID: req.ID, From: f.nodeID, Members: members})
	if err != nil {
		return
	}
	if err := f.client.Publish(ctx, f.replyChannel(req.From), data).Err(); err != nil {
		f.logger.Warn("publish roster reply failed",
			zap.String("to", req.From),
			zap.Error(err),
		)
	}
}

func (f *RedisFanout) collect(payload string) {
	var reply rosterReply
	if err := json.Unmarshal([]byte(payload), &reply); err != nil {
		f.logger.Warn("dropping malformed roster reply", zap.Error(err))
		return
	}
	f.mu.Lock()
	ch, ok := f.pending[reply.ID]
	f.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- reply:
	default:
	}
}

// Members returns this node's members followed by every other node's, in
// node id order.
func (f *RedisFanout) Members(ctx context.Context, sessionID string) ([]Member, error) {
	local, err := f.local.Members(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	counts, err := f.client.PubSubNumSub(ctx, requestChannel).Result()
	if err != nil {
		return nil, fmt.Errorf("count presence nodes: %w", err)
	}
	peers := int(counts[requestChannel]) - 1
	if peers <= 0 {
		return local, nil
	}

	req := rosterRequest{ID: uuid.NewString(), From: f.nodeID, SessionID: sessionID}
	replies := make(chan rosterReply, peers)
	f.mu.Lock()
	f.pending[req.ID] = replies
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.pending, req.ID)
		f.mu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := f.client.Publish(ctx, requestChannel, data).Err(); err != nil {
		return nil, fmt.Errorf("publish roster request: %w", err)
	}

	timer := time.NewTimer(f.timeout)
	defer timer.Stop()

	byNode := make(map[string][]Member, peers)
	for len(byNode) < peers {
		select {
		case reply := <-replies:
			byNode[reply.From] = reply.Members
		case <-timer.C:
			return nil, fmt.Errorf("roster query timed out: %d of %d nodes answered", len(byNode), peers)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	nodes := make([]string, 0, len(byNode))
	for node := range byNode {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	members := append([]Member{}, local...)
	for _, node := range nodes {
		members = append(members, byNode[node]...)
	}
	return members, nil
}
