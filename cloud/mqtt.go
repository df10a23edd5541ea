package cloud

import (
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTClient manages MQTT connection and subscriptions for sensor clouds
type MQTTClient struct {
	client         mqtt.Client
	config         *Config
	messageHandler MessageHandler
	isConnected    bool
	mu             sync.RWMutex
}

// MessageHandler is called when a cloud payload is received.
// rawPayload is always set; c is nil when decoding failed and err says why.
type MessageHandler func(sensorID string, rawPayload []byte, c *Cloud, err error)

var (
	globalClient *MQTTClient
	clientMu     sync.Mutex
)

// InitMQTT initializes the global MQTT client with the provided configuration
// If neither MQTT_BROKER nor mqtt.broker is set, MQTT is disabled and this returns nil
func InitMQTT(config *Config, handler MessageHandler) (*MQTTClient, error) {
	clientMu.Lock()
	defer clientMu.Unlock()

	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil && config.MQTT.Broker != "" {
		broker = config.MQTT.Broker
	}

	if broker == "" {
		log().Info("[MQTT] disabled: MQTT_BROKER not set")
		return nil, nil
	}

	if config == nil || len(config.Sensors) == 0 {
		return nil, fmt.Errorf("MQTT enabled but no sensor configuration provided")
	}

	client := &MQTTClient{
		config:         config,
		messageHandler: handler,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config.MQTT.ClientID != "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "cloudmesh"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" && config.MQTT.Username != "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" && config.MQTT.Password != "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // keep subscriptions across reconnects
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	globalClient = client
	return client, nil
}

// GetMQTTClient returns the global MQTT client instance
func GetMQTTClient() *MQTTClient {
	clientMu.Lock()
	defer clientMu.Unlock()
	return globalClient
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log().Info("[MQTT] connecting to broker")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log().Info("[MQTT] connected to broker")
				c.setConnected(true)
				return
			}
			log().Warnf("[MQTT] connection failed: %v", token.Error())
		} else {
			log().Warn("[MQTT] connection timeout")
		}

		log().Infof("[MQTT] retrying connection in %v", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect subscribes to every sensor topic
func (c *MQTTClient) onConnect(client mqtt.Client) {
	log().Info("[MQTT] connected, subscribing to sensor topics")
	c.setConnected(true)

	for _, sensor := range c.config.Sensors {
		if sensor.Topic == "" {
			log().Warnf("[MQTT] sensor %s has no topic configured", sensor.ID)
			continue
		}

		token := client.Subscribe(sensor.Topic, 0, c.createMessageHandler(sensor.ID))
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log().Errorf("[MQTT] subscribing to %s: %v", sensor.Topic, token.Error())
		} else {
			log().Infof("[MQTT] subscribed to %s for sensor %s", sensor.Topic, sensor.ID)
		}
	}
}

// onConnectionLost is called when the connection drops; auto-reconnect retries
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log().Warnf("[MQTT] connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log().Info("[MQTT] reconnecting")
}

// createMessageHandler creates a handler function for a specific sensor's topic
func (c *MQTTClient) createMessageHandler(sensorID string) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		log().Debugf("[MQTT] received cloud for %s (topic: %s, size: %d bytes)",
			sensorID, msg.Topic(), len(payload))

		decoded, err := Decode(payload)
		if err != nil {
			log().Errorf("[MQTT] decoding cloud for %s: %v", sensorID, err)
			if c.messageHandler != nil {
				c.messageHandler(sensorID, payload, nil, err)
			}
			return
		}

		if c.messageHandler != nil {
			c.messageHandler(sensorID, payload, decoded, nil)
		}
	}
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log().Info("[MQTT] disconnecting from broker")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetSensorByTopic returns the sensor ID subscribed to topic
func (c *MQTTClient) GetSensorByTopic(topic string) (string, bool) {
	for _, sensor := range c.config.Sensors {
		if sensor.Topic == topic {
			return sensor.ID, true
		}
	}
	return "", false
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock wraps an existing mqtt.Client, used with MockClient in tests
func newMQTTClientWithMock(client mqtt.Client, config *Config, handler MessageHandler) *MQTTClient {
	return &MQTTClient{
		client:         client,
		config:         config,
		messageHandler: handler,
	}
}
