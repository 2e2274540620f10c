package workflow

import "errors"

var (
	// ErrUnknownPlatform — для платформы не зарегистрирован Adapter.
	ErrUnknownPlatform = errors.New("unknown platform")

	// ErrUnsupportedKind — адаптер не умеет этот вид workflow.
	ErrUnsupportedKind = errors.New("unsupported workflow kind")

	// ErrValidation — невалидный payload задачи.
	ErrValidation = errors.New("invalid workflow input")

	// ErrStepTimeout — шаг не уложился в таймаут.
	ErrStepTimeout = errors.New("workflow step timeout")

	// ErrListingUnavailable — листинга нет ни в хранилище, ни в каталоге поставщика.
	ErrListingUnavailable = errors.New("listing unavailable")
)
