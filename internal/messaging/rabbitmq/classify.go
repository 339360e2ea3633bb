package rabbitmq

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderpipe/internal/domain"
)

// Outcome — решение по доставке после обработки.
type Outcome int

const (
	// OutcomeAck подтверждает доставку.
	OutcomeAck Outcome = iota
	// OutcomeRequeue возвращает доставку в очередь; брокер считает попытки.
	OutcomeRequeue
	// OutcomeDeadLetter отклоняет доставку без возврата, брокер отправит её в DLX.
	OutcomeDeadLetter
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeRequeue:
		return "requeue"
	case OutcomeDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Classifier — единственная точка решения "повторить или отбросить".
type Classifier struct {
	logger *log.Entry
}

// NewClassifier создаёт классификатор. nil-логгер заменяется компонентным.
func NewClassifier(logger *log.Entry) *Classifier {
	if logger == nil {
		logger = log.WithField("component", "rabbitmq-classifier")
	}
	return &Classifier{logger: logger}
}

// Classify логирует тип, сообщение и цепочку причин ошибки и выбирает исход.
func (c *Classifier) Classify(err error, fields log.Fields) Outcome {
	if err == nil {
		return OutcomeAck
	}

	outcome := OutcomeRequeue
	if IsFatal(err) {
		outcome = OutcomeDeadLetter
	}

	entry := c.logger.WithFields(fields).WithFields(log.Fields{
		"error_type": fmt.Sprintf("%T", err),
		"cause":      CauseChain(err),
		"outcome":    outcome.String(),
	}).WithError(err)

	if outcome == OutcomeDeadLetter {
		entry.Error("delivery rejected without requeue")
	} else {
		entry.Warn("delivery failed, returning to queue")
	}
	return outcome
}

// IsFatal сообщает, что повторная доставка не изменит результат.
func IsFatal(err error) bool {
	return errors.Is(err, domain.ErrMalformedEvent) ||
		errors.Is(err, domain.ErrDispatchRejected) ||
		domain.IsValidation(err)
}

// CauseChain разворачивает цепочку обёрток, включая errors.Join, в список "тип: сообщение".
func CauseChain(err error) []string {
	var chain []string
	var walk func(error, int)
	walk = func(e error, depth int) {
		if e == nil || depth > 16 {
			return
		}
		chain = append(chain, fmt.Sprintf("%T: %s", e, e.Error()))
		switch u := e.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				walk(inner, depth+1)
			}
		case interface{ Unwrap() error }:
			walk(u.Unwrap(), depth+1)
		}
	}
	walk(err, 0)
	return chain
}
