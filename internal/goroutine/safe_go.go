package goroutine

import (
	"context"
	"runtime/debug"
	"sync"
	"time"
)

// Logger интерфейс для логирования ошибок. *logrus.Logger и *logrus.Entry ему удовлетворяют.
type Logger interface {
	Errorf(format string, args ...interface{})
}

// RecoveryHandler обрабатывает panic в горутинах
type RecoveryHandler struct {
	logger Logger
	wg     sync.WaitGroup
}

// NewRecoveryHandler создает новый обработчик
func NewRecoveryHandler(logger Logger) *RecoveryHandler {
	return &RecoveryHandler{logger: logger}
}

func (rh *RecoveryHandler) handlePanic(where string) {
	if r := recover(); r != nil {
		rh.logger.Errorf("panic in %s: %v\nstack trace:\n%s", where, r, debug.Stack())
	}
}

// SafeGo запускает горутину с обработкой panic
func (rh *RecoveryHandler) SafeGo(fn func()) {
	rh.wg.Add(1)
	go func() {
		defer rh.wg.Done()
		defer rh.handlePanic("goroutine")
		fn()
	}()
}

// SafeGoWithContext запускает горутину с контекстом и обработкой panic
func (rh *RecoveryHandler) SafeGoWithContext(ctx context.Context, fn func(context.Context)) {
	rh.wg.Add(1)
	go func() {
		defer rh.wg.Done()
		defer rh.handlePanic("goroutine (with context)")
		fn(ctx)
	}()
}

// Periodic вызывает fn раз в interval, пока ctx не отменён. Первый запуск происходит сразу.
// Паника в одном запуске логируется и не останавливает цикл.
func (rh *RecoveryHandler) Periodic(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	rh.wg.Add(1)
	go func() {
		defer rh.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			rh.runOnce(ctx, name, fn)

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (rh *RecoveryHandler) runOnce(ctx context.Context, name string, fn func(context.Context)) {
	defer rh.handlePanic(name)
	if ctx.Err() != nil {
		return
	}
	fn(ctx)
}

// Wait ждёт завершения всех запущенных горутин, например при остановке сервера.
func (rh *RecoveryHandler) Wait() {
	rh.wg.Wait()
}
