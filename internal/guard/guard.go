// Package guard реализует оптимистичную блокировку по ревизиям.
//
// Каждая запись хранит Revision. Условная запись сравнивает ревизию,
// прочитанную вызывающим, с текущей; при несовпадении хранилище
// возвращает ErrConflict, и весь цикл чтение → изменение → запись
// повторяется заново, не более Policy.Attempts раз.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultAttempts — число попыток по умолчанию.
const DefaultAttempts = 3

var (
	// ErrConflict — ревизия записи изменилась с момента чтения.
	ErrConflict = errors.New("concurrent modification")

	// ErrRetriesExceeded — конфликт не разрешился за отведённые попытки.
	ErrRetriesExceeded = errors.New("concurrent modification retries exceeded")

	// ErrSkip возвращается из mutate, если запись не нужна.
	ErrSkip = errors.New("no change required")
)

// Policy — параметры повторов.
type Policy struct {
	// Attempts — максимум циклов чтение-изменение-запись (default: 3).
	Attempts int

	// Backoff — пауза перед повтором, растёт линейно с номером попытки.
	Backoff time.Duration

	// OnConflict вызывается на каждый конфликт (метрики).
	OnConflict func()

	// OnExceeded вызывается, когда попытки исчерпаны.
	OnExceeded func()
}

func (p Policy) attempts() int {
	if p.Attempts <= 0 {
		return DefaultAttempts
	}
	return p.Attempts
}

// Update читает запись, применяет mutate и сохраняет её условно.
//
// mutate получает свежую копию на каждой попытке и может вернуть ErrSkip,
// тогда Update возвращает прочитанное значение без записи.
// Любая другая ошибка mutate или load прерывает цикл без повторов.
func Update[T any](
	ctx context.Context,
	p Policy,
	load func(ctx context.Context) (T, error),
	mutate func(v T) error,
	save func(ctx context.Context, v T) error,
) (T, error) {
	var zero T
	attempts := p.attempts()

	for attempt := 1; ; attempt++ {
		v, err := load(ctx)
		if err != nil {
			return zero, err
		}

		if err := mutate(v); err != nil {
			if errors.Is(err, ErrSkip) {
				return v, nil
			}
			return zero, err
		}

		err = save(ctx, v)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrConflict) {
			return zero, err
		}

		if p.OnConflict != nil {
			p.OnConflict()
		}
		if attempt >= attempts {
			if p.OnExceeded != nil {
				p.OnExceeded()
			}
			return zero, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExceeded, attempt, err)
		}

		if p.Backoff > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(time.Duration(attempt) * p.Backoff):
			}
		}
	}
}

// IsConflict проверяет, что ошибка — временный конфликт ревизий.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
