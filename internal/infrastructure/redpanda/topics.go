package redpanda

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

const (
	// TopicPrescriptionChanges carries PrescriptionChange notifications from prescription CRUD
	TopicPrescriptionChanges = "prescription.changes"
	// TopicWorkflowEvents carries workflow record events relayed from the outbox
	TopicWorkflowEvents = "medication.workflow.events"
	// TopicDeadLetter holds outbox entries and change messages that kept failing
	TopicDeadLetter = "medication.workflow.dlq"
)

// TopicConfig describes one topic the workflow needs
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Retention         time.Duration
}

func (t TopicConfig) configs() map[string]*string {
	ms := strconv.FormatInt(t.Retention.Milliseconds(), 10)
	policy, codec := "delete", "lz4"
	return map[string]*string{
		"retention.ms":     &ms,
		"cleanup.policy":   &policy,
		"compression.type": &codec,
	}
}

// DefaultTopicConfigs returns the topic layout. Messages are keyed by patient,
// so partitions bound how many patients are reconciled in parallel.
// Replication is 1 for single-broker deployments; raise it per cluster.
func DefaultTopicConfigs() []TopicConfig {
	const day = 24 * time.Hour
	return []TopicConfig{
		{Name: TopicPrescriptionChanges, Partitions: 6, ReplicationFactor: 1, Retention: 7 * day},
		{Name: TopicWorkflowEvents, Partitions: 6, ReplicationFactor: 1, Retention: 30 * day},
		{Name: TopicDeadLetter, Partitions: 1, ReplicationFactor: 1, Retention: 30 * day},
	}
}

// Admin wraps kadm for topic setup and inspection
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin connects an admin client to brokers
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Admin{client: kadm.NewClient(cl), logger: logger}, nil
}

// TopicStatus reports what EnsureTopics did for one topic
type TopicStatus struct {
	TopicConfig
	Created bool `json:"created"`
}

// EnsureTopics creates every default topic that does not exist yet
func (a *Admin) EnsureTopics(ctx context.Context) ([]TopicStatus, error) {
	return a.CreateTopics(ctx, DefaultTopicConfigs())
}

// CreateTopics creates topics, treating an existing topic as success
func (a *Admin) CreateTopics(ctx context.Context, topics []TopicConfig) ([]TopicStatus, error) {
	out := make([]TopicStatus, 0, len(topics))
	for _, t := range topics {
		resp, err := a.client.CreateTopic(ctx, t.Partitions, t.ReplicationFactor, t.configs(), t.Name)
		if err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
			return out, fmt.Errorf("create topic %s: %w", t.Name, err)
		}
		created := err == nil && resp.Err == nil
		if !created && resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
			return out, fmt.Errorf("create topic %s: %w", t.Name, resp.Err)
		}
		a.logger.Info("topic ready", zap.String("topic", t.Name), zap.Bool("created", created))
		out = append(out, TopicStatus{TopicConfig: t, Created: created})
	}
	return out, nil
}

// ListTopics returns the non-internal topic names in order
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	topics, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	names := make([]string, 0, len(topics))
	for name := range topics {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// PartitionDetails holds partition placement
type PartitionDetails struct {
	ID       int32   `json:"id"`
	Leader   int32   `json:"leader"`
	Replicas []int32 `json:"replicas"`
	ISR      []int32 `json:"isr"`
}

// TopicDetails holds a topic's partitions, ordered by id
type TopicDetails struct {
	Name       string             `json:"name"`
	Partitions []PartitionDetails `json:"partitions"`
}

// DescribeTopic returns partition placement for topic
func (a *Admin) DescribeTopic(ctx context.Context, topic string) (*TopicDetails, error) {
	topics, err := a.client.ListTopics(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("describe topic %s: %w", topic, err)
	}
	t, ok := topics[topic]
	if !ok || errors.Is(t.Err, kerr.UnknownTopicOrPartition) {
		return nil, fmt.Errorf("topic %s not found", topic)
	}
	if t.Err != nil {
		return nil, fmt.Errorf("describe topic %s: %w", topic, t.Err)
	}

	d := &TopicDetails{Name: topic}
	for _, p := range t.Partitions {
		d.Partitions = append(d.Partitions, PartitionDetails{
			ID:       p.Partition,
			Leader:   p.Leader,
			Replicas: p.Replicas,
			ISR:      p.ISR,
		})
	}
	slices.SortFunc(d.Partitions, func(x, y PartitionDetails) int { return cmp.Compare(x.ID, y.ID) })
	return d, nil
}

// PartitionLag is how far a group trails the end of one partition
type PartitionLag struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Lag       int64  `json:"lag"`
}

// GroupLag returns the group's lag per partition, ordered by topic and partition
func (a *Admin) GroupLag(ctx context.Context, groupID string) ([]PartitionLag, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("lag for group %s: %w", groupID, err)
	}
	var out []PartitionLag
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			for partition, lag := range partitions {
				out = append(out, PartitionLag{Topic: topic, Partition: partition, Lag: lag.Lag})
			}
		}
	})
	slices.SortFunc(out, func(x, y PartitionLag) int {
		return cmp.Or(cmp.Compare(x.Topic, y.Topic), cmp.Compare(x.Partition, y.Partition))
	})
	return out, nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}
