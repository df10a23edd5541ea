package cloud

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/samber/lo"
)

// Publisher publishes processing summaries to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	summaries     map[string]*Summary
	mu            sync.RWMutex
}

// NewPublisher creates a new summary publisher.
// The topic prefix comes from MQTT_PUBLISH_PREFIX and defaults to "cloudmesh".
func NewPublisher(client mqtt.Client) *Publisher {
	prefix := os.Getenv("MQTT_PUBLISH_PREFIX")
	if prefix == "" {
		prefix = "cloudmesh"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        true,
		summaries:     make(map[string]*Summary),
	}
}

// SetPrefix overrides the topic prefix, typically from mqtt.publishPrefix
func (p *Publisher) SetPrefix(prefix string) {
	if prefix == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishPrefix = prefix
}

// Prefix returns the topic prefix
func (p *Publisher) Prefix() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.publishPrefix
}

// PublishSummary publishes a sensor's summary to {prefix}/{sensorID} and
// the summaries of every sensor seen so far to {prefix}/summaries
func (p *Publisher) PublishSummary(s Summary) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	p.mu.Lock()
	p.summaries[s.SensorID] = &s
	p.mu.Unlock()

	if err := p.publishIndividual(&s); err != nil {
		log().Errorf("[MQTT] publishing summary for %s: %v", s.SensorID, err)
		return err
	}
	if err := p.publishCombined(); err != nil {
		log().Errorf("[MQTT] publishing combined summaries: %v", err)
		return err
	}
	return nil
}

func (p *Publisher) publishIndividual(s *Summary) error {
	topic := fmt.Sprintf("%s/%s", p.Prefix(), s.SensorID)

	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	log().Infof("[MQTT] published summary for %s: %d -> %d points",
		s.SensorID, s.InputPoints, s.Result.Points)
	return nil
}

func (p *Publisher) publishCombined() error {
	p.mu.RLock()
	ids := lo.Keys(p.summaries)
	sort.Strings(ids)
	summaries := lo.Map(ids, func(id string, _ int) *Summary {
		return p.summaries[id]
	})
	p.mu.RUnlock()

	if len(summaries) == 0 {
		return nil
	}

	topic := fmt.Sprintf("%s/summaries", p.Prefix())
	message := map[string]interface{}{
		"sensors":   summaries,
		"timestamp": time.Now().Unix(),
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshaling combined summaries: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// GetSummary returns the last published summary for a sensor
func (p *Publisher) GetSummary(sensorID string) (Summary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.summaries[sensorID]
	if !ok {
		return Summary{}, false
	}
	return *s, true
}

// ClearSummary forgets a sensor's summary
func (p *Publisher) ClearSummary(sensorID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.summaries, sensorID)
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
