package opcua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"golang.org/x/time/rate"

	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/adapters/observability"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/domain"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/ports"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/retry"
)

// DefaultHeartbeatNode is Server_ServerStatus_CurrentTime.
const DefaultHeartbeatNode = "i=2258"

var errUnsupportedValue = errors.New("unsupported value type")

// Dialer opens gopcua sessions with one subscription covering every tag of
// the server. Reconnection is left to the caller.
type Dialer struct {
	obs       ports.Observability
	heartbeat *ua.NodeID
}

func NewDialer(obs ports.Observability, heartbeatNode string) (*Dialer, error) {
	if heartbeatNode == "" {
		heartbeatNode = DefaultHeartbeatNode
	}
	id, err := ua.ParseNodeID(heartbeatNode)
	if err != nil {
		return nil, fmt.Errorf("parse heartbeat node %q: %w", heartbeatNode, err)
	}
	if obs == nil {
		obs = observability.NewNop()
	}
	return &Dialer{obs: obs, heartbeat: id}, nil
}

// Dial connects, subscribes and starts forwarding samples to out. Cancelling
// ctx aborts a dial in progress; once Dial returns the session lives until
// Close or failure.
func (d *Dialer) Dial(ctx context.Context, srv domain.ServerConfig, out chan<- *domain.Sample) (ports.Session, error) {
	srv.ApplyDefaults()
	if err := srv.Validate(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	client, err := opcua.NewClient(srv.Endpoint, buildClientOptions(srv)...)
	if err != nil {
		cancel()
		return nil, classifyError(fmt.Errorf("opcua new client: %w", err))
	}

	if err := client.Connect(runCtx); err != nil {
		cleanupOnError(cancel, nil, client)
		return nil, classifyError(fmt.Errorf("opcua connect %s: %w", srv.Endpoint, err))
	}

	notifyCh := make(chan *opcua.PublishNotificationData, len(srv.Tags)*4+16)
	sub, err := client.Subscribe(runCtx, &opcua.SubscriptionParameters{
		Interval: srv.PublishInterval,
	}, notifyCh)
	if err != nil {
		cleanupOnError(cancel, nil, client)
		return nil, classifyError(fmt.Errorf("opcua subscribe: %w", err))
	}

	handles := make(map[uint32]domain.TagSubscription, len(srv.Tags))
	for i, tag := range srv.Tags {
		nodeID, err := ua.ParseNodeID(tag.NodeID)
		if err != nil {
			cleanupOnError(cancel, sub, client)
			return nil, retry.WithClass(retry.ClassData, fmt.Errorf("tag %d: parse node id %q: %w", tag.TagID, tag.NodeID, err))
		}
		handle := uint32(i + 1)
		req := opcua.NewMonitoredItemCreateRequestWithDefaults(nodeID, ua.AttributeIDValue, handle)
		if srv.SamplingInterval > 0 {
			req.RequestedParameters.SamplingInterval = float64(srv.SamplingInterval / time.Millisecond)
		}
		res, err := sub.Monitor(runCtx, ua.TimestampsToReturnBoth, req)
		if err != nil {
			cleanupOnError(cancel, sub, client)
			return nil, classifyError(fmt.Errorf("monitor node %q: %w", tag.NodeID, err))
		}
		if len(res.Results) == 0 {
			cleanupOnError(cancel, sub, client)
			return nil, fmt.Errorf("monitor node %q failed: empty result", tag.NodeID)
		}
		if sc := res.Results[0].StatusCode; sc != ua.StatusOK {
			// A single bad node must not take the whole server down.
			d.obs.LogWarn("opcua_monitor_rejected", sc,
				ports.Field{Key: "server", Value: srv.Name},
				ports.Field{Key: "tag_id", Value: tag.TagID},
				ports.Field{Key: "node_id", Value: tag.NodeID})
			continue
		}
		handles[handle] = tag
	}
	if len(handles) == 0 {
		cleanupOnError(cancel, sub, client)
		return nil, fmt.Errorf("opcua %s: no node could be monitored", srv.Name)
	}
	if !stop() {
		cleanupOnError(cancel, sub, client)
		return nil, ctx.Err()
	}

	s := &Session{
		server:      srv.Name,
		client:      client,
		sub:         sub,
		handles:     handles,
		heartbeat:   d.heartbeat,
		obs:         d.obs,
		cancel:      cancel,
		done:        make(chan struct{}),
		unsupported: rate.Sometimes{Interval: time.Minute},
	}
	s.wg.Add(1)
	go s.consume(runCtx, notifyCh, out)
	return s, nil
}

// Session is one connected client and its subscription.
type Session struct {
	server    string
	client    *opcua.Client
	sub       *opcua.Subscription
	handles   map[uint32]domain.TagSubscription
	heartbeat *ua.NodeID
	obs       ports.Observability
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	done      chan struct{}
	failOnce  sync.Once
	closeOnce sync.Once
	mu        sync.Mutex
	err       error

	unsupported rate.Sometimes
}

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) fail(err error) {
	s.failOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// ReadHeartbeat reads the heartbeat node and returns the server clock.
func (s *Session) ReadHeartbeat(ctx context.Context) (time.Time, error) {
	resp, err := s.client.Read(ctx, &ua.ReadRequest{
		NodesToRead: []*ua.ReadValueID{
			{NodeID: s.heartbeat, AttributeID: ua.AttributeIDValue},
		},
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	})
	if err != nil {
		return time.Time{}, classifyError(fmt.Errorf("read heartbeat: %w", err))
	}
	if resp == nil || len(resp.Results) == 0 {
		return time.Time{}, errors.New("read heartbeat: empty response")
	}
	r := resp.Results[0]
	if r.Status != ua.StatusOK {
		return time.Time{}, fmt.Errorf("read heartbeat: %w", r.Status)
	}
	if r.Value != nil {
		if t, ok := r.Value.Value().(time.Time); ok {
			return t, nil
		}
	}
	if !r.ServerTimestamp.IsZero() {
		return r.ServerTimestamp, nil
	}
	return time.Now(), nil
}

// Close cancels the subscription and closes the client. Safe to call more
// than once and after failure.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		if e := s.sub.Cancel(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
		if e := s.client.Close(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
		s.cancel()
		s.wg.Wait()
		s.fail(errors.New("session closed"))
	})
	return err
}

func (s *Session) consume(ctx context.Context, ch <-chan *opcua.PublishNotificationData, out chan<- *domain.Sample) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case notif := <-ch:
			if notif == nil {
				continue
			}
			if notif.Error != nil {
				s.fail(fmt.Errorf("notification: %w", notif.Error))
				return
			}
			switch v := notif.Value.(type) {
			case *ua.DataChangeNotification:
				if !s.forward(ctx, v, out) {
					return
				}
			case *ua.StatusChangeNotification:
				if v.Status != ua.StatusOK {
					s.fail(fmt.Errorf("subscription status: %w", v.Status))
					return
				}
			}
		}
	}
}

func (s *Session) forward(ctx context.Context, data *ua.DataChangeNotification, out chan<- *domain.Sample) bool {
	for _, item := range data.MonitoredItems {
		sample, err := s.convert(item)
		if err != nil {
			s.unsupported.Do(func() {
				s.obs.LogWarn("opcua_sample_dropped", err, ports.Field{Key: "server", Value: s.server})
			})
			s.obs.IncCounter(ports.MetricRecordsDropped, 1)
			continue
		}
		if sample == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return false
		case out <- sample:
		}
	}
	return true
}

// convert maps one monitored item to a sample. Items for unknown handles
// yield nil without error.
func (s *Session) convert(item *ua.MonitoredItemNotification) (*domain.Sample, error) {
	if item == nil || item.Value == nil {
		return nil, nil
	}
	tag, ok := s.handles[item.ClientHandle]
	if !ok {
		return nil, nil
	}
	fv, ok := variantToFloat(item.Value.Value)
	null := false
	if !ok {
		// A bad or uncertain status without a value is still a quality
		// transition worth keeping.
		if variantValue(item.Value.Value) != nil || item.Value.Status == ua.StatusOK {
			return nil, fmt.Errorf("tag %d node %s: %w %T", tag.TagID, tag.NodeID, errUnsupportedValue, variantValue(item.Value.Value))
		}
		null = true
	}

	ts := item.Value.SourceTimestamp
	if ts.IsZero() {
		ts = item.Value.ServerTimestamp
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	return &domain.Sample{
		TagID:     tag.TagID,
		Value:     fv,
		Timestamp: ts.UTC(),
		Quality:   uint32(item.Value.Status),
		Null:      null,
	}, nil
}

func buildClientOptions(srv domain.ServerConfig) []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(srv.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(srv.SecurityPolicy)),
		opcua.ApplicationName(srv.ApplicationName),
		opcua.AutoReconnect(false),
	}
	if srv.DialTimeout > 0 {
		opts = append(opts, opcua.DialTimeout(srv.DialTimeout))
	}
	if srv.RequestTimeout > 0 {
		opts = append(opts, opcua.RequestTimeout(srv.RequestTimeout))
	}
	if srv.CertificateFile != "" && srv.PrivateKeyFile != "" {
		opts = append(opts,
			opcua.CertificateFile(srv.CertificateFile),
			opcua.PrivateKeyFile(srv.PrivateKeyFile),
		)
	}

	if srv.Username != "" {
		opts = append(opts, opcua.AuthUsername(srv.Username, srv.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

func cleanupOnError(cancel context.CancelFunc, sub *opcua.Subscription, client *opcua.Client) {
	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if sub != nil {
		_ = sub.Cancel(ctx)
	}
	if client != nil {
		_ = client.Close(ctx)
	}
	cancel()
}

var securityStatus = map[ua.StatusCode]struct{}{
	ua.StatusBadCertificateInvalid:       {},
	ua.StatusBadCertificateUntrusted:     {},
	ua.StatusBadCertificateRevoked:       {},
	ua.StatusBadCertificateTimeInvalid:   {},
	ua.StatusBadCertificateUseNotAllowed: {},
	ua.StatusBadUserAccessDenied:         {},
	ua.StatusBadIdentityTokenInvalid:     {},
	ua.StatusBadIdentityTokenRejected:    {},
	ua.StatusBadSecurityChecksFailed:     {},
	ua.StatusBadSecurityPolicyRejected:   {},
}

// classifyError tags security rejections so the session manager parks the
// server instead of retrying.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var sc ua.StatusCode
	if errors.As(err, &sc) {
		if _, ok := securityStatus[sc]; ok {
			return retry.WithClass(retry.ClassSecurity, err)
		}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "badcertificate") || strings.Contains(msg, "baduseraccessdenied") || strings.Contains(msg, "badidentitytoken") {
		return retry.WithClass(retry.ClassSecurity, err)
	}
	return err
}

func variantValue(v *ua.Variant) any {
	if v == nil {
		return nil
	}
	return v.Value()
}

func variantToFloat(v *ua.Variant) (float64, bool) {
	if v == nil {
		return 0, false
	}

	switch val := v.Value().(type) {
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int8:
		return float64(val), true
	case uint8:
		return float64(val), true
	case int16:
		return float64(val), true
	case uint16:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	default:
		return 0, false
	}
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}

var (
	_ ports.Dialer  = (*Dialer)(nil)
	_ ports.Session = (*Session)(nil)
)
