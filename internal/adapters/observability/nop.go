package observability

import "github.com/Dmitriy6778/FactoryIQ-sub000/internal/ports"

type nop struct{}

// NewNop returns an Observability that discards everything.
func NewNop() ports.Observability { return nop{} }

func (nop) LogInfo(string, ...ports.Field)            {}
func (nop) LogWarn(string, error, ...ports.Field)     {}
func (nop) LogError(string, error, ...ports.Field)    {}
func (nop) LogCritical(string, error, ...ports.Field) {}
func (nop) IncCounter(string, float64)                {}
func (nop) ObserveLatency(string, float64)            {}
func (nop) SetGauge(string, float64)                  {}
