package shadow_test

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type doneToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *doneToken {
	t := &doneToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *doneToken) Wait() bool {
	<-t.done
	return true
}

func (t *doneToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *doneToken) Done() <-chan struct{} { return t.done }
func (t *doneToken) Error() error          { return t.err }

type published struct {
	topic   string
	payload []byte
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

// fakeClient is an in-memory mqtt.Client.
type fakeClient struct {
	opts       *mqtt.ClientOptions
	connectErr error
	publishErr error

	mu           sync.Mutex
	connected    bool
	subs         map[string]mqtt.MessageHandler
	published    chan published
	disconnected bool
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr == nil {
		c.connected = true
	}
	return completedToken(c.connectErr)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected = true
}

func (c *fakeClient) wasDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	if c.publishErr != nil {
		return completedToken(c.publishErr)
	}
	c.published <- published{topic: topic, payload: payload.([]byte)}
	return completedToken(nil)
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	return c.SubscribeMultiple(map[string]byte{topic: 1}, cb)
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic := range filters {
		c.subs[topic] = cb
	}
	return completedToken(nil)
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.subs, topic)
	}
	return completedToken(nil)
}

func (c *fakeClient) AddRoute(topic string, cb mqtt.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = cb
}

func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.NewOptionsReader(c.opts)
}

// deliver simulates the broker sending payload on topic.
func (c *fakeClient) deliver(topic string, payload []byte) bool {
	c.mu.Lock()
	cb, ok := c.subs[topic]
	c.mu.Unlock()
	if !ok {
		return false
	}
	cb(c, &fakeMessage{topic: topic, payload: payload})
	return true
}

func (c *fakeClient) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	return topics
}

// fakeFactory hands out fakeClients and remembers them.
type fakeFactory struct {
	mu         sync.Mutex
	clients    []*fakeClient
	connectErr []error
}

func (f *fakeFactory) newClient(opts *mqtt.ClientOptions) mqtt.Client {
	f.mu.Lock()
	defer f.mu.Unlock()

	var err error
	if len(f.connectErr) > 0 {
		err, f.connectErr = f.connectErr[0], f.connectErr[1:]
	}

	c := &fakeClient{
		opts:       opts,
		connectErr: err,
		subs:       make(map[string]mqtt.MessageHandler),
		published:  make(chan published, 16),
	}
	f.clients = append(f.clients, c)
	return c
}

func (f *fakeFactory) last() *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[len(f.clients)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}
