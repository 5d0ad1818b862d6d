package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type publishedMessage struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	closed     bool
	closeErr   error
	declareErr error
	publishErr error
	passive    amqp.Queue
	passiveErr error
	declared   []QueueDeclaration
	published  []publishedMessage
	notify     []chan *amqp.Error
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.declareErr != nil {
		return amqp.Queue{}, f.declareErr
	}
	f.declared = append(f.declared, QueueDeclaration{Name: name, Durable: durable, AutoDelete: autoDelete, Exclusive: exclusive})
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.passiveErr != nil {
		return amqp.Queue{}, f.passiveErr
	}
	q := f.passive
	q.Name = name
	return q, nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedMessage{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify = append(f.notify, receiver)
	return receiver
}

func (f *fakeChannel) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) Close() error {
	f.shutdown(nil)
	return f.closeErr
}

// drop simulates the broker closing the channel with err
func (f *fakeChannel) drop(err *amqp.Error) {
	f.shutdown(err)
}

func (f *fakeChannel) shutdown(err *amqp.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, receiver := range f.notify {
		if err != nil {
			receiver <- err
		}
		close(receiver)
	}
	f.notify = nil
}

func (f *fakeChannel) publishedMessages() []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedMessage(nil), f.published...)
}

func (f *fakeChannel) declaredQueues() []QueueDeclaration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]QueueDeclaration(nil), f.declared...)
}

type fakeConnection struct {
	mu         sync.Mutex
	closed     bool
	closeErr   error
	channelErr error
	newChannel func() *fakeChannel
	channels   []*fakeChannel
	notify     []chan *amqp.Error
}

func (f *fakeConnection) Channel() (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channelErr != nil {
		return nil, f.channelErr
	}
	ch := &fakeChannel{}
	if f.newChannel != nil {
		ch = f.newChannel()
	}
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify = append(f.notify, receiver)
	return receiver
}

func (f *fakeConnection) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConnection) Close() error {
	f.shutdown(nil)
	return f.closeErr
}

func (f *fakeConnection) drop(err *amqp.Error) {
	f.shutdown(err)
}

func (f *fakeConnection) shutdown(err *amqp.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, receiver := range f.notify {
		if err != nil {
			receiver <- err
		}
		close(receiver)
	}
	f.notify = nil
}

func (f *fakeConnection) channel(i int) *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.channels) {
		return nil
	}
	return f.channels[i]
}

// fakeBroker hands out fake connections and can fail the first dials
type fakeBroker struct {
	mu        sync.Mutex
	failures  int
	dialErr   error
	configure func(*fakeConnection)
	dials     int
	conns     []*fakeConnection
}

func (b *fakeBroker) Dial(url string) (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.failures > 0 {
		b.failures--
		err := b.dialErr
		if err == nil {
			err = errors.New("dial tcp: connection refused")
		}
		return nil, err
	}
	conn := &fakeConnection{}
	if b.configure != nil {
		b.configure(conn)
	}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) conn(i int) *fakeConnection {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i >= len(b.conns) {
		return nil
	}
	return b.conns[i]
}

// recordingSleeper records requested delays and returns immediately
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// gatedSleeper blocks every sleep until release is closed
type gatedSleeper struct {
	entered chan time.Duration
	release chan struct{}
}

func newGatedSleeper() *gatedSleeper {
	return &gatedSleeper{
		entered: make(chan time.Duration, 16),
		release: make(chan struct{}),
	}
}

func (s *gatedSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.entered <- d
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type recordingListener struct {
	mu           sync.Mutex
	connected    int
	disconnected []error
	reconnecting []int
}

func (l *recordingListener) OnConnected() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected++
}

func (l *recordingListener) OnDisconnected(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnected = append(l.disconnected, err)
}

func (l *recordingListener) OnReconnecting(attempt int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reconnecting = append(l.reconnecting, attempt)
}

func (l *recordingListener) snapshot() (int, []error, []int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected, append([]error(nil), l.disconnected...), append([]int(nil), l.reconnecting...)
}
