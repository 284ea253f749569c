package tbmqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dratasich/waterquality-monitor/events"
	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MQTT configuration for ThingsBoard
type Config struct {
	ServerURL string `env:"SERVER_URL,default=mqtt://localhost:1883"` // MQTT server URL
	// set username = tb access token (and leave password empty)
	Username string `env:"USERNAME"` // MQTT Username to use when connecting to server
	Password string `env:"PASSWORD"` // MQTT Password to use when connecting to server
	ClientID string `env:"CLIENT_ID"` // generated if empty

	KeepAlive uint16 `env:"KEEP_ALIVE,default=60"` // seconds between keepalive packets
	// how long Connect waits for the first connection
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT,default=180s"`
}

// ErrNotConnected is returned by publishing calls while the connection is down.
var ErrNotConnected = errors.New("not connected to ThingsBoard")

type TBMQTT struct {
	config    Config
	client    *autopaho.ConnectionManager
	connected atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once

	// counter for attribute request ids
	attributeRequestCounter atomic.Int32

	// attribute requests waiting for a response, by request id
	pendingMu sync.Mutex
	pending   map[string]chan *events.ResponseAttributes

	// queues of received events from TB
	AttributesQueue chan *events.Attributes
	RpcQueue        chan *events.RequestRPC
}

const (
	qos = byte(1) // qos to utilise when publishing

	attributesTopic         = "v1/devices/me/attributes"
	attributesRequestTopic  = "v1/devices/me/attributes/request/"
	attributesResponseTopic = "v1/devices/me/attributes/response/"

	rpcRequestTopic  = "v1/devices/me/rpc/request/"
	rpcResponseTopic = "v1/devices/me/rpc/response/"
)

func NewClient(cfg Config) *TBMQTT {
	if cfg.ClientID == "" {
		cfg.ClientID = "waterquality-" + uuid.NewString()
	}
	tbmqtt := &TBMQTT{
		config:          cfg,
		ready:           make(chan struct{}),
		pending:         make(map[string]chan *events.ResponseAttributes),
		AttributesQueue: make(chan *events.Attributes, 10),
		RpcQueue:        make(chan *events.RequestRPC, 100),
	}
	return tbmqtt
}

// Connect to ThingsBoard and wait until the subscriptions are in place.
//
// The connection manager lives as long as ctx; waiting is bounded by
// Config.ConnectTimeout. Reconnects after the first connection are handled
// in the background.
func (tbmqtt *TBMQTT) Connect(ctx context.Context) error {
	parsedURL, err := url.Parse(tbmqtt.config.ServerURL)
	if err != nil {
		return fmt.Errorf("failed to parse server URL (%s): %w", tbmqtt.config.ServerURL, err)
	}

	var subscriptions = []paho.SubscribeOptions{
		// listen to shared attribute updates
		{
			Topic:   attributesTopic,
			QoS:     qos,
			NoLocal: true,
		},
		// listen to attribute responses
		{
			Topic: attributesResponseTopic + "+",
			QoS:   qos,
		},
		// listen to RPC commands
		{
			Topic: rpcRequestTopic + "+",
			QoS:   qos,
		},
	}

	cliCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{parsedURL},
		KeepAlive:                     tbmqtt.config.KeepAlive,
		CleanStartOnInitialConnection: true,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
			log.Info().Msg("MQTT connection up")
			if _, err := cm.Subscribe(context.Background(), &paho.Subscribe{
				Subscriptions: subscriptions,
			}); err != nil {
				log.Error().Msgf("Failed to subscribe: %s", err)
				return
			}
			log.Info().Msg("MQTT subscription made")
			tbmqtt.connected.Store(true)
			tbmqtt.readyOnce.Do(func() { close(tbmqtt.ready) })
		},

		OnConnectError: func(err error) {
			log.Error().Msgf("Error whilst attempting connection: %s", err)
		},

		ClientConfig: paho.ClientConfig{
			ClientID: tbmqtt.config.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					tbmqtt.handle(pr.Packet)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				tbmqtt.connected.Store(false)
				log.Error().Msgf("Client error: %s", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				tbmqtt.connected.Store(false)
				if d.Properties != nil {
					log.Error().Msgf("Server requested disconnect: %s", d.Properties.ReasonString)
				} else {
					log.Error().Msgf("Server requested disconnect with reason code: %d", d.ReasonCode)
				}
			},
		},
	}

	if tbmqtt.config.Username != "" {
		cliCfg.ConnectUsername = tbmqtt.config.Username
		cliCfg.ConnectPassword = []byte(tbmqtt.config.Password)
	}

	waitCtx := ctx
	if tbmqtt.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, tbmqtt.config.ConnectTimeout)
		defer cancel()
	}

	log.Info().Msgf("Connect to Thingsboard MQTT at %s as %s...", parsedURL.Host, tbmqtt.config.ClientID)
	tbmqtt.client, err = autopaho.NewConnection(ctx, cliCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to Thingsboard MQTT: %w", err)
	}
	select {
	case <-tbmqtt.ready:
		return nil
	case <-waitCtx.Done():
		tbmqtt.Disconnect(context.Background())
		return fmt.Errorf("failed to connect to Thingsboard MQTT: %w", waitCtx.Err())
	}
}

// IsReady reports whether the connection is up and subscribed.
func (tbmqtt *TBMQTT) IsReady() bool {
	return tbmqtt.connected.Load()
}

func (tbmqtt *TBMQTT) Disconnect(ctx context.Context) {
	tbmqtt.connected.Store(false)
	if tbmqtt.client != nil {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err := tbmqtt.client.Disconnect(ctx)
		if err != nil {
			log.Error().Msgf("Failed to disconnect: %s", err)
		}
	}
	log.Info().Msg("Disconnected from Thingsboard MQTT")
}

// Queue of shared attribute updates pushed by TB
func (tbmqtt *TBMQTT) AttributeUpdates() <-chan *events.Attributes {
	return tbmqtt.AttributesQueue
}

// Queue of server-side RPC requests
func (tbmqtt *TBMQTT) RPCRequests() <-chan *events.RequestRPC {
	return tbmqtt.RpcQueue
}

// handle routes incoming messages; it must not block the paho client.
func (tbmqtt *TBMQTT) handle(msg *paho.Publish) {
	// attribute updates
	if msg.Topic == attributesTopic {
		log.Info().Msg("Received attribute updates")
		var attrs events.Attributes
		err := json.Unmarshal(msg.Payload, &attrs)
		if err != nil {
			log.Error().Msgf("Failed to unmarshal attributes: %s", err)
			return
		}
		log.Debug().Msgf("Pushing attributes to queue: %v", attrs)
		select {
		case tbmqtt.AttributesQueue <- &attrs:
		default:
			log.Warn().Msg("Attributes queue full, dropping update")
		}
		return
	}
	// attribute response
	if id, found := strings.CutPrefix(msg.Topic, attributesResponseTopic); found {
		log.Info().Msgf("Attribute response received with id #%s", id)
		var attrs = events.ResponseAttributes{
			Id: id,
		}
		err := json.Unmarshal(msg.Payload, &attrs)
		if err != nil {
			log.Error().Msgf("Failed to unmarshal attribute response: %s. Payload: %s", err, msg.Payload)
			return
		}
		tbmqtt.pendingMu.Lock()
		waiting, ok := tbmqtt.pending[id]
		tbmqtt.pendingMu.Unlock()
		if !ok {
			log.Warn().Msgf("No pending attribute request #%s, dropping response", id)
			return
		}
		// buffered, one response per request
		select {
		case waiting <- &attrs:
		default:
		}
		return
	}
	// RPCs
	if rpcId, found := strings.CutPrefix(msg.Topic, rpcRequestTopic); found {
		log.Info().Msgf("RPC Request received with id #%s", rpcId)
		var rpc = events.RequestRPC{
			RpcRequestId: rpcId,
		}
		// check if RPC parsable
		err := json.Unmarshal(msg.Payload, &rpc)
		if err != nil {
			log.Error().Msgf("Message could not be parsed: %s. Payload: %s", err, msg.Payload)
			return
		}
		log.Debug().Msgf("Pushing RPC request to queue: %s", rpc.Method)
		select {
		case tbmqtt.RpcQueue <- &rpc:
		default:
			log.Warn().Msgf("RPC queue full, dropping request #%s", rpcId)
		}
		return
	}
	log.Error().Msgf("Unexpected message on topic %s", msg.Topic)
}

// Publish a message to the broker
//
// fails fast if the connection is down, otherwise blocks until the broker
// acknowledged the message or ctx is done
func (tbmqtt *TBMQTT) publishMessage(ctx context.Context, msg *paho.Publish) error {
	if tbmqtt.client == nil || !tbmqtt.IsReady() {
		return ErrNotConnected
	}
	if _, err := tbmqtt.client.Publish(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Topic, err)
	}
	return nil
}

// Publish a reply to an RPC request
func (tbmqtt *TBMQTT) ReplyRPC(ctx context.Context, rpcRequestId string, payload_json []byte) error {
	log.Debug().Msgf("Sending RPC reply: \n%s\n", payload_json)

	responseTopic := rpcResponseTopic + rpcRequestId
	responseMsg := &paho.Publish{
		QoS:     qos,
		Topic:   responseTopic,
		Payload: payload_json,
	}
	if err := tbmqtt.publishMessage(ctx, responseMsg); err != nil {
		return err
	}

	log.Info().Msgf("Published RPC reply for %s: %s", rpcRequestId, payload_json)
	return nil
}

// Publish client attributes
func (tbmqtt *TBMQTT) PublishAttributes(ctx context.Context, attr events.Attributes) error {
	payload, err := json.Marshal(attr)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}

	msg := &paho.Publish{
		QoS:     qos,
		Topic:   attributesTopic,
		Payload: payload,
	}
	if err := tbmqtt.publishMessage(ctx, msg); err != nil {
		return err
	}

	log.Debug().Msgf("Published attributes: %s", payload)
	return nil
}

// Send an attribute request to TB and wait for the response
func (tbmqtt *TBMQTT) RequestAttributes(ctx context.Context, msg events.RequestAttributes) (*events.ResponseAttributes, error) {
	requestId := strconv.Itoa(int(tbmqtt.attributeRequestCounter.Add(1)))
	topic := attributesRequestTopic + requestId

	response := make(chan *events.ResponseAttributes, 1)
	tbmqtt.pendingMu.Lock()
	tbmqtt.pending[requestId] = response
	tbmqtt.pendingMu.Unlock()
	defer func() {
		tbmqtt.pendingMu.Lock()
		delete(tbmqtt.pending, requestId)
		tbmqtt.pendingMu.Unlock()
	}()

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attribute request: %w", err)
	}
	log.Debug().Msgf("Requesting attributes #%s: %s", requestId, payload)

	requestMsg := &paho.Publish{
		QoS:     qos,
		Topic:   topic,
		Payload: payload,
	}
	if err := tbmqtt.publishMessage(ctx, requestMsg); err != nil {
		return nil, err
	}

	select {
	case resp := <-response:
		return resp, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("attribute request #%s: %w", requestId, ctx.Err())
	}
}
