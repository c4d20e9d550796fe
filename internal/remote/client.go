package remote

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type ClientOptions struct {
	URL            string
	Token          string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	Logger         Logger
}

// Client is a Ref implementation backed by a stream connection to a
// handlesync server. Callbacks run one at a time on a dedicated goroutine,
// so they may issue writes and wait for their acks.
type Client struct {
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	logger  Logger
	events  *dispatcher
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Frame
	subs    map[uint64]*clientSub
	err     error
	done    chan struct{}
}

type clientSub struct {
	event  EventType
	cb     Callback
	once   bool
	active atomic.Bool
}

func Dial(ctx context.Context, opts ClientOptions) (*Client, error) {
	endpoint := strings.TrimSpace(opts.URL)
	if endpoint == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidInput)
	}
	header := http.Header{}
	if token := strings.TrimSpace(opts.Token); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(8 << 20)
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	clientCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		ctx:     clientCtx,
		cancel:  cancel,
		timeout: timeout,
		logger:  opts.Logger,
		events:  newDispatcher(),
		pending: map[uint64]chan Frame{},
		subs:    map[uint64]*clientSub{},
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) Ref(path string) Ref {
	return &clientRef{client: c, path: NormalizePath(path)}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection ended, if it has.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	select {
	case <-c.done:
		c.events.close()
		return nil
	default:
	}
	err := c.conn.Close(websocket.StatusNormalClosure, "closing")
	c.cancel()
	<-c.done
	c.events.close()
	return err
}

// Flush waits until all delivered events have been handed to callbacks.
func (c *Client) Flush() {
	c.events.flush()
}

func (c *Client) readLoop() {
	var readErr error
	for {
		var frame Frame
		if err := wsjson.Read(c.ctx, c.conn, &frame); err != nil {
			readErr = err
			break
		}
		switch frame.Op {
		case OpAck:
			c.mu.Lock()
			ch, ok := c.pending[frame.ID]
			delete(c.pending, frame.ID)
			c.mu.Unlock()
			if ok {
				ch <- frame
			} else if frame.Error != nil {
				c.logf("stream request %d failed: %v", frame.ID, frame.Error)
			}
		case OpEvent:
			c.dispatchEvent(frame)
		default:
			c.logf("ignoring stream frame op=%q", frame.Op)
		}
	}

	c.mu.Lock()
	if c.err == nil {
		c.err = fmt.Errorf("%w: %v", ErrClosed, readErr)
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	for id, sub := range c.subs {
		sub.active.Store(false)
		delete(c.subs, id)
	}
	c.mu.Unlock()
	close(c.done)
}

func (c *Client) dispatchEvent(frame Frame) {
	c.mu.Lock()
	sub, ok := c.subs[frame.Sub]
	if ok && sub.once {
		delete(c.subs, frame.Sub)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	snap := Snapshot{Key: frame.Key, Value: prune(frame.Value)}
	c.events.enqueue(func() {
		if sub.once {
			if !sub.active.CompareAndSwap(true, false) {
				return
			}
		} else if !sub.active.Load() {
			return
		}
		sub.cb(snap)
	})
}

func (c *Client) subscribe(frame Frame, cb Callback, once bool) uint64 {
	if cb == nil {
		return 0
	}
	sub := &clientSub{event: frame.Event, cb: cb, once: once}
	sub.active.Store(true)
	id := c.nextID.Add(1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		c.logf("subscribe %s at %q on closed client", frame.Event, frame.Path)
		return 0
	}
	c.subs[id] = sub
	c.mu.Unlock()

	frame.Sub = id
	if err := c.send(frame); err != nil {
		c.logf("subscribe %s at %q failed: %v", frame.Event, frame.Path, err)
	}
	return id
}

func (c *Client) unsubscribe(event EventType, id uint64) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	if ok && sub.event == event {
		sub.active.Store(false)
		delete(c.subs, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := c.send(Frame{Op: OpOff, Event: event, Sub: id}); err != nil {
		c.logf("unsubscribe %d failed: %v", id, err)
	}
}

// send writes frame without waiting for its ack.
func (c *Client) send(frame Frame) error {
	frame.ID = c.nextID.Add(1)
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, frame)
}

// request writes frame and waits for the server's ack.
func (c *Client) request(frame Frame) (Frame, error) {
	frame.ID = c.nextID.Add(1)
	ch := make(chan Frame, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Frame{}, err
	}
	c.pending[frame.ID] = ch
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()
	if err := wsjson.Write(ctx, c.conn, frame); err != nil {
		c.dropPending(frame.ID)
		return Frame{}, err
	}
	select {
	case ack, ok := <-ch:
		if !ok {
			return Frame{}, c.Err()
		}
		if ack.Error != nil {
			return ack, ack.Error
		}
		return ack, nil
	case <-ctx.Done():
		c.dropPending(frame.ID)
		return Frame{}, ctx.Err()
	}
}

func (c *Client) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

type clientRef struct {
	client *Client
	path   string
}

func (r *clientRef) Key() string  { return lastSegment(r.path) }
func (r *clientRef) Path() string { return r.path }

func (r *clientRef) Child(path string) Ref {
	return &clientRef{client: r.client, path: JoinPath(r.path, path)}
}

func (r *clientRef) On(event EventType, cb Callback) ListenerID {
	return ListenerID(r.client.subscribe(Frame{Op: OpOn, Path: r.path, Event: event}, cb, false))
}

func (r *clientRef) Off(event EventType, id ListenerID) {
	r.client.unsubscribe(event, uint64(id))
}

func (r *clientRef) Once(event EventType, cb Callback) {
	r.client.subscribe(Frame{Op: OpOnce, Path: r.path, Event: event}, cb, true)
}

func (r *clientRef) Set(value any) error {
	_, err := r.client.request(Frame{Op: OpSet, Path: r.path, Value: value})
	return err
}

func (r *clientRef) Update(fields map[string]any) error {
	_, err := r.client.request(Frame{Op: OpUpdate, Path: r.path, Fields: fields})
	return err
}

func (r *clientRef) Remove() error {
	_, err := r.client.request(Frame{Op: OpRemove, Path: r.path})
	return err
}

func (r *clientRef) Push(value any) (Ref, error) {
	ack, err := r.client.request(Frame{Op: OpPush, Path: r.path, Value: value})
	if err != nil {
		return nil, err
	}
	if ack.Key == "" {
		return nil, fmt.Errorf("%w: push ack without key", ErrInvalidInput)
	}
	return r.Child(ack.Key), nil
}

func (r *clientRef) OrderByChild(field string) OrderedQuery {
	return clientOrdered{ref: r, field: field}
}

type clientOrdered struct {
	ref   *clientRef
	field string
}

func (o clientOrdered) EqualTo(value any) Query {
	return clientQuery{ref: o.ref, field: o.field, value: value}
}

type clientQuery struct {
	ref   *clientRef
	field string
	value any
}

func (q clientQuery) Once(event EventType, cb Callback) {
	q.ref.client.subscribe(Frame{
		Op:      OpQuery,
		Path:    q.ref.path,
		Event:   event,
		OrderBy: q.field,
		EqualTo: q.value,
	}, cb, true)
}
