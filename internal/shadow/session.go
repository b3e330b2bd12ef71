package shadow

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"codeberg.org/mutker/shadowmon/internal/backoff"
	"codeberg.org/mutker/shadowmon/internal/config"
	"codeberg.org/mutker/shadowmon/internal/errors"
	"codeberg.org/mutker/shadowmon/internal/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	qosAtLeastOnce = 1

	DefaultOperationTimeout = 5 * time.Second
	DefaultConnectTimeout   = 10 * time.Second
	DefaultKeepAlive        = 30 * time.Second

	disconnectQuiesceMillis = 250
)

type Options struct {
	OperationTimeout time.Duration
	ConnectTimeout   time.Duration
	KeepAlive        time.Duration
	Backoff          backoff.Config
	Hooks            Hooks
}

func DefaultOptions() Options {
	return Options{
		OperationTimeout: DefaultOperationTimeout,
		ConnectTimeout:   DefaultConnectTimeout,
		KeepAlive:        DefaultKeepAlive,
		Backoff:          backoff.DefaultConfig(),
	}
}

// DialOption customizes how sessions are built.
type DialOption func(*mqttDialer)

// WithClientFactory replaces mqtt.NewClient.
func WithClientFactory(f func(*mqtt.ClientOptions) mqtt.Client) DialOption {
	return func(d *mqttDialer) {
		d.newClient = f
	}
}

// WithTLSConfig uses cfg instead of loading certificates from the identity.
func WithTLSConfig(cfg *tls.Config) DialOption {
	return func(d *mqttDialer) {
		d.loadTLS = func(config.Identity) (*tls.Config, error) { return cfg, nil }
	}
}

// WithCredentials sets the AWS credentials used to sign WebSocket URLs.
func WithCredentials(p aws.CredentialsProvider) DialOption {
	return func(d *mqttDialer) {
		d.credentials = p
	}
}

type mqttDialer struct {
	opts        Options
	logger      logger.Logger
	newClient   func(*mqtt.ClientOptions) mqtt.Client
	loadTLS     func(config.Identity) (*tls.Config, error)
	credentials aws.CredentialsProvider
	now         func() time.Time
}

func NewDialer(opts Options, log logger.Logger, dopts ...DialOption) Dialer {
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = DefaultOperationTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}

	d := &mqttDialer{
		opts:      opts,
		logger:    log,
		newClient: mqtt.NewClient,
		loadTLS:   LoadTLSConfig,
		now:       time.Now,
	}
	for _, o := range dopts {
		o(d)
	}

	return d
}

// Connect performs a single connection attempt. Once connected, the
// session reconnects on its own after a connection loss.
func (d *mqttDialer) Connect(ctx context.Context, id config.Identity) (Session, error) {
	errFactory := errors.New()

	tlsCfg, err := d.loadTLS(id)
	if err != nil {
		return nil, errFactory.Wrap(ErrConnectFailure, err)
	}

	if id.Websocket && id.Region == "" {
		id.Region = RegionFromHost(id.Host)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:      id,
		dialer:  d,
		tls:     tlsCfg,
		policy:  backoff.New(d.opts.Backoff),
		logger:  d.logger,
		things:  make(map[string]bool),
		pending: newPendingSet(),
		loopCtx: loopCtx,
		cancel:  cancel,
	}

	if err := s.connect(ctx, false); err != nil {
		cancel()
		return nil, err
	}

	return s, nil
}

type session struct {
	id      config.Identity
	dialer  *mqttDialer
	tls     *tls.Config
	policy  *backoff.Policy
	logger  logger.Logger
	pending *pendingSet
	loopCtx context.Context
	cancel  context.CancelFunc

	mu         sync.Mutex
	client     mqtt.Client
	connected  bool
	closed     bool
	things     map[string]bool
	subscribed map[string]bool
}

func (s *session) connect(ctx context.Context, reconnect bool) error {
	errFactory := errors.New()

	opts, err := s.clientOptions(ctx)
	if err != nil {
		return errFactory.Wrap(ErrConnectFailure, err)
	}

	client := s.dialer.newClient(opts)
	if err := wait(ctx, client.Connect(), s.dialer.opts.ConnectTimeout); err != nil {
		// Stops the client's own connect retries
		client.Disconnect(0)
		return errFactory.Wrap(ErrConnectFailure, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		client.Disconnect(0)
		return errFactory.New(ErrSessionClosed)
	}
	s.client = client
	s.connected = true
	s.subscribed = make(map[string]bool)
	things := make([]string, 0, len(s.things))
	for thing := range s.things {
		things = append(things, thing)
	}
	s.mu.Unlock()

	s.policy.Connected(s.dialer.now())

	s.logger.Info().
		Str("host", s.id.Host).
		Int("port", s.id.Port).
		Str("client_id", s.id.ClientID).
		Bool("websocket", s.id.Websocket).
		Bool("reconnect", reconnect).
		Msg("Connected to shadow service")

	for _, thing := range things {
		if err := s.subscribe(ctx, client, thing); err != nil {
			s.logger.Warn().Err(err).Str("thing", thing).Msg("Failed to restore shadow subscriptions")
		}
	}

	if h := s.dialer.opts.Hooks.OnConnect; h != nil {
		h(reconnect)
	}

	return nil
}

func (s *session) clientOptions(ctx context.Context) (*mqtt.ClientOptions, error) {
	broker := fmt.Sprintf("ssl://%s:%d", s.id.Host, s.id.Port)
	if s.id.Websocket {
		signed, err := s.presign(ctx)
		if err != nil {
			return nil, err
		}
		broker = signed
	}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(s.id.ClientID).
		SetTLSConfig(s.tls).
		SetKeepAlive(s.dialer.opts.KeepAlive).
		SetConnectTimeout(s.dialer.opts.ConnectTimeout).
		SetWriteTimeout(s.dialer.opts.OperationTimeout).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectionLostHandler(s.connectionLost)

	return opts, nil
}

func (s *session) presign(ctx context.Context) (string, error) {
	provider := s.dialer.credentials
	region := s.id.Region
	if provider == nil {
		p, r, err := defaultCredentials(ctx, region)
		if err != nil {
			return "", errors.New().Wrap(ErrSigningFailed, err)
		}
		provider = p
		if region == "" {
			region = r
		}
	}

	creds, err := provider.Retrieve(ctx)
	if err != nil {
		return "", errors.New().Wrap(ErrSigningFailed, err)
	}

	return PresignURL(ctx, creds, s.id.Host, s.id.Port, region, s.dialer.now())
}

func (s *session) connectionLost(client mqtt.Client, err error) {
	s.mu.Lock()
	if s.closed || client != s.client {
		s.mu.Unlock()
		return
	}
	s.connected = false
	s.mu.Unlock()

	s.policy.Disconnected(s.dialer.now())
	s.logger.Warn().Err(err).Msg("Connection to shadow service lost, reconnecting")

	if h := s.dialer.opts.Hooks.OnConnectionLost; h != nil {
		h(err)
	}

	go s.reconnect()
}

func (s *session) reconnect() {
	for {
		delay := s.policy.Next()
		s.logger.Debug().Dur("delay", delay).Int("attempt", s.policy.Attempts()).Msg("Waiting before reconnect")

		timer := time.NewTimer(delay)
		select {
		case <-s.loopCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := s.connect(s.loopCtx, true)
		if err == nil {
			return
		}
		if errors.HasCode(err, ErrSessionClosed) {
			return
		}
		s.logger.Warn().Err(err).Msg("Reconnect attempt failed")
	}
}

// subscribe registers the response topics of thing on client.
func (s *session) subscribe(ctx context.Context, client mqtt.Client, thing string) error {
	errFactory := errors.New()

	token := client.SubscribeMultiple(responseTopics(thing), s.handleMessage)
	if err := wait(ctx, token, s.dialer.opts.OperationTimeout); err != nil {
		return errFactory.Wrap(ErrSubscribeFailed, err)
	}

	s.mu.Lock()
	if s.client == client {
		s.subscribed[thing] = true
	}
	s.mu.Unlock()

	s.logger.Debug().Str("thing", thing).Msg("Subscribed to shadow response topics")

	return nil
}

// ensureSubscribed makes sure responses for thing reach the session and
// returns the client to publish on, or nil when disconnected.
func (s *session) ensureSubscribed(ctx context.Context, thing string) (mqtt.Client, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New().New(ErrSessionClosed)
	}
	s.things[thing] = true
	client, connected, done := s.client, s.connected, s.subscribed[thing]
	s.mu.Unlock()

	if !connected {
		return nil, errors.New().New(ErrNotConnected)
	}
	if done {
		return client, nil
	}

	return client, s.subscribe(ctx, client, thing)
}

func (s *session) UpdateShadow(ctx context.Context, thing string, reported any) (*Request, error) {
	token := uuid.NewString()
	payload, err := EncodeUpdate(reported, token)
	if err != nil {
		return nil, errors.New().Wrap(ErrInvalidPayload, err)
	}

	return s.submit(ctx, OpUpdate, thing, token, payload)
}

func (s *session) DeleteShadow(ctx context.Context, thing string) (*Request, error) {
	token := uuid.NewString()
	payload, err := EncodeDelete(token)
	if err != nil {
		return nil, errors.New().Wrap(ErrInvalidPayload, err)
	}

	return s.submit(ctx, OpDelete, thing, token, payload)
}

// submit registers the request and publishes it. Failing to publish is
// not reported to the caller: the request then resolves as timed out.
func (s *session) submit(ctx context.Context, op Operation, thing, token string, payload []byte) (*Request, error) {
	req := NewRequest(token, op, thing, s.dialer.now())

	client, err := s.ensureSubscribed(ctx, thing)
	if errors.HasCode(err, ErrSessionClosed) {
		return nil, err
	}

	s.pending.add(req, s.dialer.opts.OperationTimeout, s.dialer.now)

	if err != nil {
		s.logger.Debug().Err(err).Str("token", token).Str("operation", string(op)).Msg("Shadow request not sent")
		return req, nil
	}

	topic := Topic(thing, op)
	go func() {
		if err := wait(context.Background(), client.Publish(topic, qosAtLeastOnce, false, payload), s.dialer.opts.OperationTimeout); err != nil {
			s.logger.Debug().Err(err).Str("token", token).Str("topic", topic).Msg("Shadow request publish failed")
		}
	}()

	return req, nil
}

// handleMessage routes a response to its pending request by client token.
func (s *session) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	thing, op, status, ok := parseTopic(msg.Topic())
	if !ok {
		s.logger.Debug().Str("topic", msg.Topic()).Msg("Ignoring message on unexpected topic")
		return
	}

	var resp response
	if err := json.Unmarshal(msg.Payload(), &resp); err != nil {
		s.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Malformed shadow response")
		return
	}

	req := s.pending.take(resp.ClientToken)
	if req == nil {
		s.logger.Debug().Str("token", resp.ClientToken).Str("thing", thing).Msg("No pending request for response")
		return
	}
	if req.op != op {
		s.logger.Warn().Str("token", resp.ClientToken).Str("operation", string(op)).Msg("Response operation mismatch")
	}

	outcome := Outcome{
		Status:     status,
		Version:    resp.Version,
		Code:       resp.Code,
		Message:    resp.Message,
		ResolvedAt: s.dialer.now(),
	}
	if resp.State != nil {
		outcome.Reported = resp.State.Reported
	}

	req.Resolve(outcome)
}

func (s *session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && !s.closed
}

// Close disconnects and resolves whatever is still pending as timed out.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.connected = false
	client := s.client
	s.mu.Unlock()

	s.cancel()

	if client != nil {
		client.Disconnect(disconnectQuiesceMillis)
	}

	for _, req := range s.pending.drain() {
		req.Resolve(Outcome{Status: StatusTimeout, Message: "session closed", ResolvedAt: s.dialer.now()})
	}

	s.logger.Info().Msg("Shadow session closed")

	return nil
}

// wait blocks until token completes, ctx ends or timeout elapses.
func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New().New(errors.ErrTimeout)
	}
}
