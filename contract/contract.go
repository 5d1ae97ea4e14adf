//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"reflect"
	"time"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker initialization
// or lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// Transport is a live client socket. Send receives an already encoded JSON
// frame list. Send and Close may block; the hub never calls either while
// holding a lock.
type Transport interface {
	Send(frame []byte) error
	Close() error
}

// Collector is the part of the hub driven by the background sweeps.
type Collector interface {
	CollectConnections(now time.Time, idle time.Duration) int
	CollectUsers(now time.Time, idle time.Duration) int
	HeartbeatAll() int
}
