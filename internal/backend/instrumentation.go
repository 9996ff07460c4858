package backend

import "go.opentelemetry.io/otel"

const scopeName = "github.com/Alarm-System-Gazpromneft/alarm-system-voip-ai/internal/backend"

var tracer = otel.Tracer(scopeName)
