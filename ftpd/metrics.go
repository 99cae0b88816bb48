package ftpd

// Metrics is the named-callout surface the control loop invokes at
// fixed points, grounded on original_source's crate::metrics module
// being called from exactly these points in session.rs
// (with_metrics/Drop::drop incrementing and decrementing a session
// gauge). The core never chooses a metrics backend itself; an embedder
// wires a concrete implementation (Prometheus, OpenTelemetry, ...) via
// WithMetrics.
type Metrics interface {
	SessionOpened()
	SessionClosed()
	CommandReceived(verb string)
	ReplySent(code int)
	TransferBytes(direction string, n int64)
}

// noopMetrics is the default Metrics implementation: every call is a
// no-op, so a Server built without WithMetrics pays nothing for the
// callouts.
type noopMetrics struct{}

func (noopMetrics) SessionOpened()                        {}
func (noopMetrics) SessionClosed()                        {}
func (noopMetrics) CommandReceived(_ string)               {}
func (noopMetrics) ReplySent(_ int)                        {}
func (noopMetrics) TransferBytes(_ string, _ int64)        {}
