package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrIncidentNotFound — запрошенный инцидент неизвестен координатору.
	ErrIncidentNotFound = errors.New("incident not found")
	// ErrConsensusNotFound — неизвестный consensus_id.
	ErrConsensusNotFound = errors.New("consensus request not found")
	// ErrConcurrentWrite — несовпадение ожидаемого sequence при записи в Event Store.
	ErrConcurrentWrite = errors.New("event store: concurrent write conflict")
	// ErrDownstreamUnavailable — предохранитель открыт, вызов агента не выполнялся.
	ErrDownstreamUnavailable = errors.New("downstream agent unavailable: circuit open")
	// ErrBusy — контроль допуска: система насыщена, запрос отклонен без очереди.
	ErrBusy = errors.New("coordinator busy: admission control engaged")
	// ErrConsensusClosed — раунд уже разрешен, голоса не принимаются.
	ErrConsensusClosed = errors.New("consensus request already decided")
	// ErrOpenConsensusExists — на инцидент допускается не более одного открытого раунда.
	ErrOpenConsensusExists = errors.New("open consensus request already exists for incident")
)

// ValidationError — конверт отклонен до каких-либо побочных эффектов.
type ValidationError struct {
	Fields []string // Недостающие или некорректные поля
	Reason string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("envelope validation failed: %s [%s]", e.Reason, strings.Join(e.Fields, ", "))
	}
	return "envelope validation failed: " + e.Reason
}

// InvalidTransitionError — автомат отказал в недопустимом ребре; состояние не изменено.
type InvalidTransitionError struct {
	From IncidentState
	To   IncidentState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// AuditWriteError — фатальная по умолчанию: операция-инициатор обязана откатиться.
type AuditWriteError struct {
	Cause error
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("audit write failed: %v", e.Cause)
}

func (e *AuditWriteError) Unwrap() error { return e.Cause }
