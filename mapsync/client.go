package mapsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"

	"github.com/plantopo/mapsync/protocol"
)

var ErrClosed = errors.New("client closed")

type SyncStatusType int

const (
	SyncStatusIdle SyncStatusType = iota
	// loading the outbox
	SyncStatusInitializing
	SyncStatusConnecting
	SyncStatusConnected
	// terminal until `Reconnect`, requested by the user
	SyncStatusDisconnected
	// initialization failed or the server sent a fatal error
	SyncStatusFailed
)

func (self SyncStatusType) String() string {
	switch self {
	case SyncStatusIdle:
		return "idle"
	case SyncStatusInitializing:
		return "initializing"
	case SyncStatusConnecting:
		return "connecting"
	case SyncStatusConnected:
		return "connected"
	case SyncStatusDisconnected:
		return "disconnected"
	case SyncStatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type SyncStatus struct {
	Type SyncStatusType
	// set while connecting with a backoff delay
	WillRetryAt time.Time
	// set when failed
	Err error
}

func (self SyncStatus) String() string {
	switch {
	case !self.WillRetryAt.IsZero():
		return fmt.Sprintf("%s (retry at %s)", self.Type, self.WillRetryAt.Format(time.TimeOnly))
	case self.Err != nil:
		return fmt.Sprintf("%s (%s)", self.Type, self.Err)
	default:
		return self.Type.String()
	}
}

type SyncStatusCallback func(status SyncStatus)

// called on a fatal server error. The token is stale and the caller should load a fresh one.
type ReloadCallback func(code protocol.ErrorCode, description string)

type InitialViewportCallback func(viewport protocol.Viewport)

type SyncClientSettings struct {
	// an awareness touch is sent this often while connected
	HeartbeatInterval time.Duration
	// a connection that stays up this long resets the backoff
	ConnectSuccessTimeout time.Duration
	// the initial viewport side channel is honoured only this long after connect
	InitialViewportWindow time.Duration
	// the maximum number of recently confirmed delta ts kept to drop duplicate dispatches
	ConfirmedHistorySize int
	EventBufferSize      int

	BackOffSettings *ReconnectBackOffSettings
	EngineSettings  *EngineSettings
}

func DefaultSyncClientSettings() *SyncClientSettings {
	return &SyncClientSettings{
		HeartbeatInterval:     15 * time.Second,
		ConnectSuccessTimeout: 30 * time.Second,
		InitialViewportWindow: 3 * time.Second,
		ConfirmedHistorySize:  1024,
		EventBufferSize:       32,
		BackOffSettings:       DefaultReconnectBackOffSettings(),
		EngineSettings:        DefaultEngineSettings(),
	}
}

type pendingDispatch struct {
	id     Id
	action Action
	result chan dispatchResult
}

type dispatchResult struct {
	id  Id
	err error
}

// SyncClient keeps one map in sync with the server.
//
// All state is owned by a single event loop goroutine. Public calls, socket
// frames and timers are posted to the loop as closures. Engine listeners run
// on the loop and must not call back into blocking client methods.
type SyncClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	url    string
	token  string
	mapId  string
	dialer Dialer
	outbox Outbox

	engine   *Engine
	pending  *pendingQueue
	backOff  *ReconnectBackOff
	deferred *cancelGroup

	events chan func()

	// loop state
	initialized     bool
	pendingDispatch []*pendingDispatch
	status          SyncStatus
	aware           protocol.Aware
	// incremented per connect attempt. Events from older attempts are dropped.
	generation    uint64
	socket        Socket
	connectCancel context.CancelFunc
	connectedAt   time.Time
	// ts -> true, bounded by `ConfirmedHistorySize`
	confirmed      map[string]bool
	confirmedOrder []string

	statusCallbacks          *CallbackList[SyncStatusCallback]
	reloadCallbacks          *CallbackList[ReloadCallback]
	initialViewportCallbacks *CallbackList[InitialViewportCallback]
	// notified on every status change and every engine batch
	monitor *Monitor

	statusLock  sync.Mutex
	debugId     string
	log         LogFunction
	settings    *SyncClientSettings
	closeResult chan struct{}
}

func NewSyncClientWithDefaults(
	ctx context.Context,
	url string,
	token string,
	outbox Outbox,
	dialer Dialer,
) (*SyncClient, error) {
	return NewSyncClient(ctx, url, token, outbox, dialer, DefaultSyncClientSettings())
}

// NewSyncClient starts the client. The outbox is loaded in the background and
// the first connect follows. The caller owns `outbox` and closes it after `Close`.
func NewSyncClient(
	ctx context.Context,
	url string,
	token string,
	outbox Outbox,
	dialer Dialer,
	settings *SyncClientSettings,
) (*SyncClient, error) {
	syncToken, err := ParseSyncTokenUnverified(token)
	if err != nil {
		return nil, err
	}
	clientId := syncToken.ClientId
	if clientId == "" {
		clientId = NewClientId()
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	debugId := nextDebugId("sc")
	client := &SyncClient{
		ctx:      cancelCtx,
		cancel:   cancel,
		url:      url,
		token:    token,
		mapId:    syncToken.MapId,
		dialer:   dialer,
		outbox:   outbox,
		engine:   NewEngine(settings.EngineSettings),
		pending:  newPendingQueue(),
		backOff:  NewReconnectBackOff(settings.BackOffSettings),
		deferred: newCancelGroup(),
		events:   make(chan func(), settings.EventBufferSize),
		status:   SyncStatus{Type: SyncStatusIdle},
		aware: protocol.Aware{
			ClientId: clientId,
			UserId:   syncToken.UserId,
		},
		confirmed:                map[string]bool{},
		statusCallbacks:          NewCallbackList[SyncStatusCallback](),
		reloadCallbacks:          NewCallbackList[ReloadCallback](),
		initialViewportCallbacks: NewCallbackList[InitialViewportCallback](),
		monitor:                  NewMonitor(),
		debugId:                  debugId,
		log:                      LogFn(1, debugId),
		settings:                 settings,
		closeResult:              make(chan struct{}),
	}
	glog.V(1).Infof("[%s]map %s client %s\n", debugId, client.mapId, clientId)

	go client.run()
	client.post(client.initialize)
	return client, nil
}

func (self *SyncClient) run() {
	defer close(self.closeResult)
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			self.shutdown()
			return
		case event := <-self.events:
			if err := HandleError(event); err != nil {
				glog.Warningf("[%s]event failed = %s\n", self.debugId, err)
			}
		}
	}
}

// post queues `event` on the loop. Returns false if the client is closed.
func (self *SyncClient) post(event func()) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.events <- event:
		return true
	}
}

// call runs `event` on the loop and waits for it
func (self *SyncClient) call(event func()) error {
	done := make(chan struct{})
	if !self.post(func() {
		defer close(done)
		event()
	}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-self.closeResult:
		return ErrClosed
	}
}

func (self *SyncClient) MapId() string {
	return self.mapId
}

func (self *SyncClient) ClientId() string {
	return self.aware.ClientId
}

func (self *SyncClient) DebugId() string {
	return self.debugId
}

func (self *SyncClient) Status() SyncStatus {
	self.statusLock.Lock()
	defer self.statusLock.Unlock()
	return self.status
}

func (self *SyncClient) AddSyncStatusCallback(callback SyncStatusCallback) func() {
	callbackId := self.statusCallbacks.Add(callback)
	return func() {
		self.statusCallbacks.Remove(callbackId)
	}
}

func (self *SyncClient) AddReloadCallback(callback ReloadCallback) func() {
	callbackId := self.reloadCallbacks.Add(callback)
	return func() {
		self.reloadCallbacks.Remove(callbackId)
	}
}

func (self *SyncClient) AddInitialViewportCallback(callback InitialViewportCallback) func() {
	callbackId := self.initialViewportCallbacks.Add(callback)
	return func() {
		self.initialViewportCallbacks.Remove(callbackId)
	}
}

// NotifyChannel is closed on the next status change or engine batch
func (self *SyncClient) NotifyChannel() chan struct{} {
	return self.monitor.NotifyChannel()
}

func (self *SyncClient) setStatus(status SyncStatus) {
	func() {
		self.statusLock.Lock()
		defer self.statusLock.Unlock()
		self.status = status
	}()

	self.log("status %s", status)
	for _, callback := range self.statusCallbacks.Get() {
		callListener(callback, func() {
			callback(status)
		})
	}
	self.monitor.NotifyAll()
}

// Do runs `fn` with the engine on the loop, e.g. to read state or add listeners.
// Listener callbacks added here also run on the loop.
func (self *SyncClient) Do(fn func(engine *Engine)) error {
	return self.call(func() {
		fn(self.engine)
	})
}

// Dispatch applies `action` to the local engine and queues its delta for the server.
// Before initialization completes the dispatch waits. Returns the delta id.
func (self *SyncClient) Dispatch(action Action) (Id, error) {
	return self.DispatchWithId(NewId(), action)
}

// DispatchWithId is `Dispatch` with a caller chosen id. A repeated id that is
// pending or recently confirmed is ignored, so a retried dispatch is applied at most once.
func (self *SyncClient) DispatchWithId(id Id, action Action) (Id, error) {
	result := make(chan dispatchResult, 1)
	if !self.post(func() {
		d := &pendingDispatch{
			id:     id,
			action: action,
			result: result,
		}
		if !self.initialized {
			self.log("enqueue dispatch %s until initialized", id)
			self.pendingDispatch = append(self.pendingDispatch, d)
			return
		}
		self.dispatch(d)
	}) {
		return id, ErrClosed
	}
	select {
	case r := <-result:
		return r.id, r.err
	case <-self.closeResult:
		return id, ErrClosed
	}
}

// a panic in the action is rejected to the caller like any local error
func (self *SyncClient) dispatch(d *pendingDispatch) {
	HandleError(func() {
		id, err := self.dispatchAction(d.id, d.action)
		d.result <- dispatchResult{id: id, err: err}
	}, func(err error) {
		d.result <- dispatchResult{id: d.id, err: fmt.Errorf("dispatch %s: %w", d.id, err)}
	})
}

func (self *SyncClient) dispatchAction(id Id, action Action) (Id, error) {
	ts := id.String()
	if self.pending.Contains(ts) || self.confirmed[ts] {
		self.log("ignore duplicate dispatch %s", ts)
		return id, nil
	}

	ops, err := action.Ops(self.engine)
	if err != nil {
		glog.Infof("[%s]dispatch %s failed = %s\n", self.debugId, ts, err)
		return id, err
	}
	if len(ops) == 0 {
		return id, nil
	}
	if err := self.engine.Apply(ops); err != nil {
		glog.Infof("[%s]dispatch %s failed = %s\n", self.debugId, ts, err)
		return id, fmt.Errorf("dispatch %s: %w", ts, err)
	}
	self.monitor.NotifyAll()

	sync, err := protocol.EncodeFrame(&protocol.DeltaMessage{
		Delta: protocol.Delta{
			Ts:  ts,
			Ops: ops,
		},
	})
	if err != nil {
		// the ops were validated so this is a bug. The local view keeps the edit.
		glog.Errorf("[%s]encode delta %s = %s\n", self.debugId, ts, err)
		return id, err
	}

	self.pending.Add(&pendingItem{
		ts:   ts,
		ops:  ops,
		sync: sync,
	})
	if _, err := self.outbox.Add(&OutboxEntry{
		Ts:    ts,
		MapId: self.mapId,
		Sync:  sync,
	}); err != nil {
		// the entry is still pending in memory and is resent on reconnect
		glog.Warningf("[%s]outbox add %s = %s\n", self.debugId, ts, err)
	}
	glog.V(2).Infof("[%s]dispatch %s (%d ops)\n", self.debugId, ts, len(ops))

	self.send(sync)
	return id, nil
}

// sends on the open socket if any. A failed send closes the socket, the
// pending entries are resent on the next connect.
func (self *SyncClient) send(frame []byte) {
	if self.socket == nil {
		return
	}
	if err := self.socket.Send(frame); err != nil {
		glog.Infof("[%s]send error = %s\n", self.debugId, err)
		self.socketClosed(self.generation, err)
	}
}

func (self *SyncClient) sendAware() {
	self.send(protocol.RequireEncodeFrame(&protocol.AwareMessage{
		Aware: self.aware,
	}))
}

func (self *SyncClient) SetActiveFeature(id protocol.FeatureId) error {
	return self.call(func() {
		self.aware.ActiveFeature = id
		self.sendAware()
	})
}

func (self *SyncClient) SetViewport(viewport *protocol.Viewport) error {
	return self.call(func() {
		self.aware.Viewport = viewport
		self.sendAware()
	})
}

func (self *SyncClient) initialize() {
	self.setStatus(SyncStatus{Type: SyncStatusInitializing})
	go func() {
		entries, err := self.outbox.Load(self.mapId)
		self.post(func() {
			self.initialized = err == nil
			if err != nil {
				glog.Errorf("[%s]load outbox = %s\n", self.debugId, err)
				self.setStatus(SyncStatus{Type: SyncStatusFailed, Err: err})
				for _, d := range self.pendingDispatch {
					d.result <- dispatchResult{id: d.id, err: fmt.Errorf("initialize: %w", err)}
				}
				self.pendingDispatch = nil
				return
			}
			self.loadOutbox(entries)

			pendingDispatch := self.pendingDispatch
			self.pendingDispatch = nil
			for _, d := range pendingDispatch {
				self.dispatch(d)
			}

			if self.status.Type == SyncStatusInitializing {
				self.connect(0)
			}
		})
	}()
}

// entries from an earlier session are shown locally and resent on connect
func (self *SyncClient) loadOutbox(entries []*OutboxEntry) {
	batches := [][]protocol.Op{}
	for _, entry := range entries {
		var ops []protocol.Op
		message, err := protocol.DecodeFrame(entry.Sync)
		if deltaMessage, ok := message.(*protocol.DeltaMessage); err == nil && ok {
			ops = deltaMessage.Delta.Ops
			batches = append(batches, ops)
		} else {
			glog.Warningf("[%s]outbox entry %s is not a delta\n", self.debugId, entry.Ts)
		}
		self.pending.Add(&pendingItem{
			ts:   entry.Ts,
			ops:  ops,
			sync: entry.Sync,
		})
	}
	if 0 < len(batches) {
		self.engine.Change(nil, batches...)
		self.monitor.NotifyAll()
	}
	glog.V(1).Infof("[%s]loaded %d outbox entries\n", self.debugId, len(entries))
}

// connect opens a new socket after `delay`. Dial errors are retried on the
// reconnect backoff until a socket opens or the attempt is stopped.
func (self *SyncClient) connect(delay time.Duration) {
	self.stopConnection()
	self.generation += 1
	generation := self.generation

	connectCtx, connectCancel := context.WithCancel(self.ctx)
	self.connectCancel = connectCancel

	self.setConnecting(delay)

	go func() {
		select {
		case <-connectCtx.Done():
			return
		case <-time.After(delay):
		}

		var socket Socket
		err := backoff.RetryNotify(
			func() error {
				self.post(func() {
					if generation == self.generation && !self.status.WillRetryAt.IsZero() {
						self.setStatus(SyncStatus{Type: SyncStatusConnecting})
					}
				})
				var err error
				socket, err = self.dialer.Dial(connectCtx, self.url)
				return err
			},
			backoff.WithContext(&connectBackOff{reconnect: self.backOff}, connectCtx),
			func(err error, retryDelay time.Duration) {
				glog.Infof("[%s]connect error = %s\n", self.debugId, err)
				self.post(func() {
					if generation == self.generation {
						self.setConnecting(retryDelay)
					}
				})
			},
		)
		if !self.post(func() {
			if generation != self.generation || err != nil {
				if socket != nil {
					socket.Close()
				}
				return
			}
			self.socketOpened(connectCtx, generation, socket)
		}) && socket != nil {
			socket.Close()
		}
	}()
}

func (self *SyncClient) setConnecting(delay time.Duration) {
	if 0 < delay {
		glog.Infof("[%s]reconnecting in %s\n", self.debugId, delay)
		self.setStatus(SyncStatus{Type: SyncStatusConnecting, WillRetryAt: time.Now().Add(delay)})
	} else {
		self.log("connecting")
		self.setStatus(SyncStatus{Type: SyncStatusConnecting})
	}
}

func (self *SyncClient) socketOpened(connectCtx context.Context, generation uint64, socket Socket) {
	self.socket = socket
	self.connectedAt = time.Now()
	self.setStatus(SyncStatus{Type: SyncStatusConnected})

	self.send(protocol.RequireEncodeFrame(&protocol.AuthMessage{
		Token: self.token,
	}))
	self.sendAware()

	// resend everything unconfirmed in ts order
	for _, item := range self.pending.Ordered() {
		if self.socket == nil {
			return
		}
		self.send(item.sync)
		glog.V(2).Infof("[%s]resent %s\n", self.debugId, item.ts)
	}
	if self.socket == nil {
		return
	}

	go func() {
		for {
			message, err := socket.Receive()
			if err != nil {
				self.post(func() {
					self.socketClosed(generation, err)
				})
				return
			}
			if !self.post(func() {
				if generation == self.generation {
					self.receive(message)
				}
			}) {
				return
			}
		}
	}()

	go func() {
		heartbeat := time.NewTicker(self.settings.HeartbeatInterval)
		defer heartbeat.Stop()
		connectSuccess := time.After(self.settings.ConnectSuccessTimeout)
		for {
			select {
			case <-connectCtx.Done():
				return
			case <-connectSuccess:
				connectSuccess = nil
				self.post(func() {
					if generation == self.generation {
						self.log("connect success")
						self.backOff.Reset()
					}
				})
			case <-heartbeat.C:
				self.post(func() {
					if generation == self.generation {
						self.sendAware()
					}
				})
			}
		}
	}()
}

// stops timers and closes the socket of the current generation
func (self *SyncClient) stopConnection() {
	if self.connectCancel != nil {
		self.connectCancel()
		self.connectCancel = nil
	}
	if self.socket != nil {
		self.socket.Close()
		self.socket = nil
	}
}

func (self *SyncClient) socketClosed(generation uint64, err error) {
	if generation != self.generation {
		return
	}
	wasOpen := self.socket != nil
	self.stopConnection()
	// increment so that late events from this attempt are dropped
	self.generation += 1
	if wasOpen {
		self.engine.ClearPeers()
		self.monitor.NotifyAll()
	}

	switch self.status.Type {
	case SyncStatusDisconnected, SyncStatusFailed:
		return
	}
	self.log("socket closed = %v", err)
	self.connect(self.backOff.NextBackOff())
}

func (self *SyncClient) receive(frame []byte) {
	message, err := protocol.DecodeFrame(frame)
	if err != nil {
		glog.Infof("[%s]drop frame = %s\n", self.debugId, err)
		return
	}
	glog.V(2).Infof("[%s]<- %s\n", self.debugId, message.MessageType())

	switch v := message.(type) {
	case *protocol.ChangeMessage:
		pending := [][]protocol.Op{}
		for _, item := range self.pending.Ordered() {
			if item.ops != nil {
				pending = append(pending, item.ops)
			}
		}
		self.engine.Change(&v.Change, pending...)
		self.monitor.NotifyAll()
		if repair := self.engine.RepairOps(); 0 < len(repair) {
			if _, err := self.dispatchAction(NewId(), &OpsAction{Ops_: repair}); err != nil {
				glog.Warningf("[%s]repair failed = %s\n", self.debugId, err)
			}
		}
	case *protocol.ConfirmDeltaMessage:
		self.confirm(v.DeltaTs)
	case *protocol.PeersMessage:
		self.engine.SetPeers(v.Peers, self.aware.ClientId)
		self.monitor.NotifyAll()
	case *protocol.AwareMessage:
		// a single peer update
		peers := []protocol.Aware{}
		for _, aware := range self.engine.Peers() {
			if aware.ClientId != v.Aware.ClientId {
				peers = append(peers, aware)
			}
		}
		peers = append(peers, v.Aware)
		self.engine.SetPeers(peers, self.aware.ClientId)
		self.monitor.NotifyAll()
	case *protocol.InitialViewportMessage:
		if self.settings.InitialViewportWindow < time.Since(self.connectedAt) {
			glog.Infof("[%s]ignore late initial viewport\n", self.debugId)
			return
		}
		for _, callback := range self.initialViewportCallbacks.Get() {
			callListener(callback, func() {
				callback(v.Viewport)
			})
		}
	case *protocol.ErrorMessage:
		glog.Errorf("[%s]server error %s (%d): %s\n", self.debugId, v.Code, int(v.Code), v.Description)
		if v.Code.IsFatal() {
			self.setStatus(SyncStatus{
				Type: SyncStatusFailed,
				Err:  fmt.Errorf("server error %s: %s", v.Code, v.Description),
			})
			self.socketClosed(self.generation, nil)
			for _, callback := range self.reloadCallbacks.Get() {
				callListener(callback, func() {
					callback(v.Code, v.Description)
				})
			}
			return
		}
		self.socketClosed(self.generation, fmt.Errorf("server error %s", v.Code))
	case *protocol.UnknownMessage:
		glog.V(1).Infof("[%s]ignored unknown message variant %s\n", self.debugId, v.Variant)
	default:
		glog.Infof("[%s]unexpected message %s\n", self.debugId, message.MessageType())
	}
}

func (self *SyncClient) confirm(ts string) {
	self.pending.RemoveByTs(ts)
	removed, err := self.outbox.Remove(self.mapId, ts)
	if err != nil {
		glog.Warningf("[%s]outbox remove %s = %s\n", self.debugId, ts, err)
	} else if removed != 1 {
		glog.Infof("[%s]confirm %s removed %d outbox entries\n", self.debugId, ts, removed)
	}

	if !self.confirmed[ts] {
		self.confirmed[ts] = true
		self.confirmedOrder = append(self.confirmedOrder, ts)
		for self.settings.ConfirmedHistorySize < len(self.confirmedOrder) {
			delete(self.confirmed, self.confirmedOrder[0])
			self.confirmedOrder = self.confirmedOrder[1:]
		}
	}
	self.monitor.NotifyAll()
}

// PendingCount is the number of dispatched deltas not yet confirmed.
// Returns `ErrClosed` after the client is closed.
func (self *SyncClient) PendingCount() (int, error) {
	count := 0
	err := self.call(func() {
		count, _ = self.pending.QueueSize()
	})
	return count, err
}

// Disconnect closes the socket and stays disconnected until `Reconnect`.
// Dispatches still apply locally and go to the outbox.
func (self *SyncClient) Disconnect() {
	self.post(func() {
		self.setStatus(SyncStatus{Type: SyncStatusDisconnected})
		if self.socket != nil {
			self.engine.ClearPeers()
			self.monitor.NotifyAll()
		}
		self.stopConnection()
		self.generation += 1
	})
}

// Reconnect resets the backoff and connects now
func (self *SyncClient) Reconnect() {
	self.post(func() {
		self.backOff.Reset()
		if !self.initialized {
			switch self.status.Type {
			case SyncStatusFailed:
				self.initialize()
			case SyncStatusDisconnected:
				// the load in flight connects when done
				self.setStatus(SyncStatus{Type: SyncStatusInitializing})
			}
			return
		}
		self.connect(0)
	})
}

// Close stops the client. Blocked calls return `ErrClosed`.
func (self *SyncClient) Close() {
	self.cancel()
	<-self.closeResult
}

func (self *SyncClient) Done() <-chan struct{} {
	return self.closeResult
}

func (self *SyncClient) shutdown() {
	self.deferred.cancelAll()
	self.stopConnection()
	for _, d := range self.pendingDispatch {
		d.result <- dispatchResult{id: d.id, err: ErrClosed}
	}
	self.pendingDispatch = nil
	self.setStatus(SyncStatus{Type: SyncStatusDisconnected})
}
