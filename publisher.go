package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/kwv/posegraph/spa"
	"go.uber.org/zap"
)

const publishTimeout = 2 * time.Second

// Publisher sends optimized poses to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	logger        *zap.Logger
}

// SubmapsMessage is published to <prefix>/submaps.
type SubmapsMessage struct {
	Submaps   []spa.Rigid2 `json:"submaps"`
	Cost      float64      `json:"cost"`
	Timestamp int64        `json:"timestamp"`
}

// TrajectoryMessage is published to <prefix>/trajectories/<id>.
type TrajectoryMessage struct {
	Trajectory spa.TrajectoryID `json:"trajectory"`
	Poses      []spa.Rigid2     `json:"poses"`
	Times      []time.Time      `json:"times"`
	Timestamp  int64            `json:"timestamp"`
}

// NewPublisher creates a publisher. The results are retained at QoS 1 so a
// late subscriber still sees the latest solution.
func NewPublisher(client mqtt.Client, prefix string, logger *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = "posegraph"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           1,
		retain:        true,
		logger:        logger,
	}
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

// PublishSolution publishes the submap poses and one message per trajectory.
func (p *Publisher) PublishSolution(sol *Solution) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	now := time.Now().Unix()

	if err := p.publish(p.publishPrefix+"/submaps", SubmapsMessage{
		Submaps:   sol.Submaps,
		Cost:      sol.Summary.FinalCost,
		Timestamp: now,
	}); err != nil {
		return err
	}

	byTrajectory := make(map[spa.TrajectoryID]*TrajectoryMessage)
	var order []spa.TrajectoryID
	for _, n := range sol.Nodes {
		msg, ok := byTrajectory[n.Trajectory]
		if !ok {
			msg = &TrajectoryMessage{Trajectory: n.Trajectory, Timestamp: now}
			byTrajectory[n.Trajectory] = msg
			order = append(order, n.Trajectory)
		}
		msg.Poses = append(msg.Poses, n.Pose)
		msg.Times = append(msg.Times, n.Time)
	}
	for _, id := range order {
		topic := fmt.Sprintf("%s/trajectories/%s", p.publishPrefix, id)
		if err := p.publish(topic, byTrajectory[id]); err != nil {
			return err
		}
	}

	p.logger.Info("published solution",
		zap.String("prefix", p.publishPrefix),
		zap.Int("submaps", len(sol.Submaps)),
		zap.Int("trajectories", len(order)))
	return nil
}

func (p *Publisher) publish(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", topic, err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publishing to %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	p.logger.Debug("published", zap.String("topic", topic), zap.Int("bytes", len(payload)))
	return nil
}

// newMQTTClient builds a paho client from resolved settings.
func newMQTTClient(cfg MQTTConfig) mqtt.Client {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	return mqtt.NewClient(opts)
}

// connectMQTT connects client, giving up when ctx ends.
func connectMQTT(ctx context.Context, client mqtt.Client) error {
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("connecting to MQTT broker: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to MQTT broker: %w", err)
	}
	return nil
}
