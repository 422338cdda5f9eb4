package log

// Common field names for structured logging
const (
	FieldComponent     = "component"
	FieldError         = "error"
	FieldOperation     = "operation"
	FieldRuleID        = "rule_id"
	FieldFrequency     = "frequency"
	FieldNextDueDate   = "next_due_date"
	FieldReferenceDate = "reference_date"
	FieldGenerated     = "generated"
	FieldSkipped       = "skipped"
	FieldRules         = "rules"
	FieldAmountCents   = "amount_cents"
	FieldCategory      = "category"
	FieldDuration      = "duration_ms"
	FieldRunID         = "run_id"
	FieldTrigger       = "trigger"
)

// Components defines standard component names
const (
	ComponentApp       = "app"
	ComponentRecurring = "recurring"
	ComponentStorage   = "storage"
	ComponentAMQP      = "amqp"
	ComponentWorker    = "worker"
	ComponentMetrics   = "metrics"
	ComponentBackend   = "backend"
	ComponentCLI       = "cli"
)

// Operations defines standard operation names
const (
	OpMaterialize = "materialize"
	OpRefresh     = "refresh"
	OpCreate      = "create"
	OpDeactivate  = "deactivate"
	OpLoad        = "load"
	OpSave        = "save"
	OpNotify      = "notify"
	OpStartup     = "startup"
	OpShutdown    = "shutdown"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

// NewFields creates a new LogFields instance
func NewFields() LogFields {
	return make(LogFields)
}

// WithComponent adds component field
func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

// WithError adds error field
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

// WithOperation adds operation field
func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithRule adds rule identity fields
func (f LogFields) WithRule(id, frequency, nextDueDate string) LogFields {
	f[FieldRuleID] = id
	f[FieldFrequency] = frequency
	f[FieldNextDueDate] = nextDueDate
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
