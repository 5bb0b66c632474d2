package mapsync

import (
	"context"
	"sync"
)

// DeferredResult reports how a deferred dispatch ended.
// `Discarded` is set when a newer dispatch of the same kind, or client close,
// canceled this one before it resolved. A discarded result is not an error.
type DeferredResult struct {
	Id        Id
	Discarded bool
	Err       error
}

type cancelToken struct {
	cancel context.CancelFunc
}

// at most one in flight resolve per kind. Starting a new one cancels the older.
type cancelGroup struct {
	stateLock  sync.Mutex
	kindTokens map[string]*cancelToken
}

func newCancelGroup() *cancelGroup {
	return &cancelGroup{
		kindTokens: map[string]*cancelToken{},
	}
}

func (self *cancelGroup) start(ctx context.Context, kind string) (context.Context, *cancelToken) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if token, ok := self.kindTokens[kind]; ok {
		token.cancel()
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	token := &cancelToken{
		cancel: cancel,
	}
	self.kindTokens[kind] = token
	return cancelCtx, token
}

// returns false if the token was superseded or canceled
func (self *cancelGroup) finish(ctx context.Context, kind string, token *cancelToken) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	defer token.cancel()
	current := self.kindTokens[kind] == token
	if current {
		delete(self.kindTokens, kind)
	}
	return current && ctx.Err() == nil
}

func (self *cancelGroup) cancelAll() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for kind, token := range self.kindTokens {
		token.cancel()
		delete(self.kindTokens, kind)
	}
}

// DispatchLater resolves an action off the event loop, e.g. from a slow position
// lookup, then dispatches it. A newer call with the same `kind` cancels this one
// and its result is discarded.
func (self *SyncClient) DispatchLater(kind string, resolve func(ctx context.Context) (Action, error)) <-chan DeferredResult {
	out := make(chan DeferredResult, 1)
	resolveCtx, token := self.deferred.start(self.ctx, kind)
	go func() {
		defer close(out)

		var action Action
		var err error
		if resolveErr := HandleError(func() {
			action, err = resolve(resolveCtx)
		}); resolveErr != nil {
			err = resolveErr
		}

		if !self.deferred.finish(resolveCtx, kind, token) {
			self.log("discard deferred %s", kind)
			out <- DeferredResult{Discarded: true}
			return
		}
		if err != nil {
			out <- DeferredResult{Err: err}
			return
		}
		id, err := self.Dispatch(action)
		out <- DeferredResult{Id: id, Err: err}
	}()
	return out
}
