package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerName — имя tracer'а компонентов Humanitas.
const TracerName = "github.com/NovaTayler/Humanitas"

// Tracer возвращает tracer глобального провайдера.
// Без SetupTracing спаны no-op.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// SetupTracing настраивает глобальный TracerProvider по OTEL_TRACES_EXPORTER:
//   - "stdout" — спаны пишутся в stderr (отладка)
//   - иначе — tracing выключен
//
// Возвращает функцию завершения, сбрасывающую буферы.
func SetupTracing(service string) (func(context.Context) error, error) {
	if !strings.EqualFold(os.Getenv("OTEL_TRACES_EXPORTER"), "stdout") {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)

	FromContext(context.Background()).Info("tracing enabled", "exporter", "stdout", "service", service)
	return provider.Shutdown, nil
}

// EndSpan закрывает спан, отмечая ошибку.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TaskAttributes — стандартные атрибуты спана задачи.
func TaskAttributes(taskID, kind string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("task.id", taskID),
		attribute.String("task.kind", kind),
		attribute.Int("task.attempt", attempt),
	}
}
